package idrac

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	scpExportAction = managerPath + "/Actions/Oem/EID_674_Manager.ExportSystemConfiguration"
	scpImportAction = managerPath + "/Actions/Oem/EID_674_Manager.ImportSystemConfiguration"

	scpTaskTimeout = 10 * time.Minute
	httpPushWindow = 300 * time.Second
)

// SCP transport modes, in fallback order.
const (
	TransportLocal    = "local"
	TransportHTTPPush = "http_push"
	TransportCIFS     = "cifs"
	TransportNFS      = "nfs"
)

// SCPShareConfig supplies the optional CIFS/NFS share fallbacks. An empty
// host disables that transport.
type SCPShareConfig struct {
	CIFSHost     string
	CIFSShare    string
	CIFSUsername string
	CIFSPassword string
	NFSHost      string
	NFSPath      string
}

// SCPExportResult is one successful profile export. Content is populated for
// the Local and HTTP Push transports; share transports leave the file on the
// share and report its name instead.
type SCPExportResult struct {
	Transport string `json:"transport"`
	Content   string `json:"content,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

// ExportSCP exports the server configuration profile, walking the transports
// in fallback order until one succeeds: Local, HTTP Push, then CIFS and NFS
// when shares are configured.
func (c *Client) ExportSCP(ctx context.Context, target string, share SCPShareConfig) (*SCPExportResult, error) {
	if target == "" {
		target = "ALL"
	}

	type attempt struct {
		name string
		run  func(context.Context, string) (*SCPExportResult, error)
	}
	attempts := []attempt{
		{TransportLocal, c.exportSCPLocal},
		{TransportHTTPPush, c.exportSCPHTTPPush},
	}
	if share.CIFSHost != "" {
		attempts = append(attempts, attempt{TransportCIFS, func(ctx context.Context, target string) (*SCPExportResult, error) {
			return c.exportSCPToShare(ctx, target, "CIFS", map[string]string{
				"IPAddress": share.CIFSHost,
				"ShareName": share.CIFSShare,
				"UserName":  share.CIFSUsername,
				"Password":  share.CIFSPassword,
			})
		}})
	}
	if share.NFSHost != "" {
		attempts = append(attempts, attempt{TransportNFS, func(ctx context.Context, target string) (*SCPExportResult, error) {
			return c.exportSCPToShare(ctx, target, "NFS", map[string]string{
				"IPAddress": share.NFSHost,
				"ShareName": share.NFSPath,
			})
		}})
	}

	var lastErr error
	for _, a := range attempts {
		result, err := a.run(ctx, target)
		if err == nil {
			log.WithFields(log.Fields{
				"idrac":     c.ip,
				"transport": a.name,
			}).Info("📋 SCP export complete")
			return result, nil
		}
		// An auth rejection will not improve with a different transport.
		if IsAuthError(err) {
			return nil, err
		}
		log.WithError(err).WithFields(log.Fields{
			"idrac":     c.ip,
			"transport": a.name,
		}).Warn("SCP export transport failed, trying next")
		lastErr = err
	}
	return nil, fmt.Errorf("all SCP export transports failed for %s: %w", c.ip, lastErr)
}

// exportSCPLocal asks the iDRAC to return the profile inline. The task body
// comes back as raw XML; the gateway coercion wraps it under _raw_response.
func (c *Client) exportSCPLocal(ctx context.Context, target string) (*SCPExportResult, error) {
	res, err := c.do(ctx, http.MethodPost, scpExportAction, map[string]interface{}{
		"ExportFormat": "XML",
		"ShareParameters": map[string]string{
			"Target":    target,
			"ShareType": "Local",
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Location == "" {
		return nil, &ProtocolError{Endpoint: c.ip + scpExportAction, Detail: "export accepted without a task monitor"}
	}

	doc, err := c.waitForTask(ctx, res.Location, scpTaskTimeout)
	if err != nil {
		return nil, err
	}

	content := str(doc, "_raw_response")
	if content == "" {
		return nil, &ProtocolError{Endpoint: c.ip + res.Location, Detail: "export task completed with empty content"}
	}
	return &SCPExportResult{Transport: TransportLocal, Content: content}, nil
}

// exportSCPHTTPPush stands up an ephemeral HTTP server on a random free port
// and has the iDRAC push the profile to it. The server accepts exactly one
// PUT/POST and shuts down; the whole exchange is bounded at five minutes.
func (c *Client) exportSCPHTTPPush(ctx context.Context, target string) (*SCPExportResult, error) {
	localIP, err := c.localAddressFor()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", localIP+":0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind push listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	received := make(chan []byte, 1)
	server := &http.Server{
		ReadTimeout: httpPushWindow,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut && r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
			select {
			case received <- body:
			default:
			}
		}),
	}
	go server.Serve(listener)
	defer server.Close()

	fileName := fmt.Sprintf("scp-%s-%d.xml", c.ip, time.Now().Unix())
	res, err := c.do(ctx, http.MethodPost, scpExportAction, map[string]interface{}{
		"ExportFormat": "XML",
		"ShareParameters": map[string]interface{}{
			"Target":     target,
			"ShareType":  "HTTP",
			"IPAddress":  localIP,
			"PortNumber": fmt.Sprintf("%d", port),
			"ShareName":  "/",
			"FileName":   fileName,
		},
	})
	if err != nil {
		return nil, err
	}

	taskDone := make(chan error, 1)
	if res.Location != "" {
		go func() {
			_, taskErr := c.waitForTask(ctx, res.Location, httpPushWindow)
			taskDone <- taskErr
		}()
	}

	select {
	case body := <-received:
		if len(body) == 0 {
			return nil, &ProtocolError{Endpoint: c.ip, Detail: "push export delivered empty content"}
		}
		return &SCPExportResult{Transport: TransportHTTPPush, Content: string(body), FileName: fileName}, nil
	case err := <-taskDone:
		if err == nil {
			// Task completed but nothing arrived on our listener.
			err = &ProtocolError{Endpoint: c.ip, Detail: "push export task completed without delivering content"}
		}
		return nil, err
	case <-time.After(httpPushWindow):
		return nil, fmt.Errorf("push export from %s timed out after %s", c.ip, httpPushWindow)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// exportSCPToShare writes the profile onto a CIFS or NFS share. The content
// stays on the share; the result reports the file name.
func (c *Client) exportSCPToShare(ctx context.Context, target, shareType string, shareParams map[string]string) (*SCPExportResult, error) {
	fileName := fmt.Sprintf("scp-%s-%d.xml", c.ip, time.Now().Unix())

	params := map[string]interface{}{
		"Target":    target,
		"ShareType": shareType,
		"FileName":  fileName,
	}
	for k, v := range shareParams {
		if v != "" {
			params[k] = v
		}
	}

	res, err := c.do(ctx, http.MethodPost, scpExportAction, map[string]interface{}{
		"ExportFormat":    "XML",
		"ShareParameters": params,
	})
	if err != nil {
		return nil, err
	}
	if res.Location == "" {
		return nil, &ProtocolError{Endpoint: c.ip + scpExportAction, Detail: "export accepted without a task monitor"}
	}
	if _, err := c.waitForTask(ctx, res.Location, scpTaskTimeout); err != nil {
		return nil, err
	}

	transport := TransportCIFS
	if shareType == "NFS" {
		transport = TransportNFS
	}
	return &SCPExportResult{Transport: transport, FileName: fileName}, nil
}

// ImportSCP applies a previously exported profile inline. ShutdownType
// controls how the host is brought down for the apply; Graceful when empty.
func (c *Client) ImportSCP(ctx context.Context, content, target, shutdownType string) error {
	if content == "" {
		return fmt.Errorf("empty profile content")
	}
	if target == "" {
		target = "ALL"
	}
	if shutdownType == "" {
		shutdownType = "Graceful"
	}

	res, err := c.do(ctx, http.MethodPost, scpImportAction, map[string]interface{}{
		"ImportBuffer": content,
		"ShutdownType": shutdownType,
		"ShareParameters": map[string]string{
			"Target":    target,
			"ShareType": "Local",
		},
	})
	if err != nil {
		return err
	}
	if res.Location == "" {
		return &ProtocolError{Endpoint: c.ip + scpImportAction, Detail: "import accepted without a task monitor"}
	}

	_, err = c.waitForTask(ctx, res.Location, scpTaskTimeout)
	return err
}

// localAddressFor finds the local interface address the iDRAC can push back
// to, by routing a UDP socket toward it.
func (c *Client) localAddressFor() (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(c.ip, "443"))
	if err != nil {
		return "", fmt.Errorf("cannot determine local address toward %s: %w", c.ip, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
