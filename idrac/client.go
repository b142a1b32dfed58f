// Package idrac wraps the Redfish HTTPS surface of Dell iDRAC controllers
// with capability-level operations. Every call records one command-history
// row; credentials never appear in logged bodies.
package idrac

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/database"
)

const (
	defaultTimeout = 90 * time.Second

	systemPath  = "/redfish/v1/Systems/System.Embedded.1"
	managerPath = "/redfish/v1/Managers/iDRAC.Embedded.1"
)

// Client talks Redfish to one iDRAC endpoint with basic auth.
type Client struct {
	ip         string
	username   string
	password   string
	httpClient *http.Client
	activity   *logging.ActivityLogger

	// Correlation ids stamped on every command-history row.
	JobID    string
	TaskID   string
	ServerID string
}

// NewClient creates a Redfish client for one iDRAC. TLS verification is off
// unless verifySSL is set; fleet iDRACs ship self-signed certificates.
func NewClient(ip, username, password string, verifySSL bool, activity *logging.ActivityLogger) *Client {
	return &Client{
		ip:       ip,
		username: username,
		password: password,
		activity: activity,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
			},
		},
	}
}

// IP returns the endpoint address the client was built for.
func (c *Client) IP() string {
	return c.ip
}

func (c *Client) url(path string) string {
	return "https://" + c.ip + path
}

// redfishResult is one decoded Redfish reply plus the transport facts the
// callers classify on.
type redfishResult struct {
	Body       json.RawMessage
	StatusCode int
	Location   string
}

// do performs one Redfish round trip. Transport failures come back as
// ConnectivityError, 401/403 as AuthError; response bodies are coerced so the
// Dell SCP-export XML quirk never breaks JSON handling downstream.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (*redfishResult, error) {
	var reqBody io.Reader
	loggedRequest := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", path, err)
		}
		reqBody = bytes.NewReader(encoded)
		loggedRequest = string(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.logCall(ctx, method, path, loggedRequest, "", 0, elapsed, false, err.Error())
		return nil, &ConnectivityError{Endpoint: c.ip + path, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	body := database.CoerceJSON(raw)

	success := resp.StatusCode < 400
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	c.logCall(ctx, method, path, loggedRequest, string(body), resp.StatusCode, elapsed, success, errMsg)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Endpoint: c.ip + path, StatusCode: resp.StatusCode}
	}
	if !success {
		return nil, fmt.Errorf("redfish %s %s returned HTTP %d: %s",
			method, path, resp.StatusCode, summarize(body))
	}

	return &redfishResult{
		Body:       body,
		StatusCode: resp.StatusCode,
		Location:   resp.Header.Get("Location"),
	}, nil
}

func (c *Client) logCall(ctx context.Context, method, path, reqBody, respBody string, status int, elapsed time.Duration, success bool, errMsg string) {
	if c.activity == nil {
		return
	}
	c.activity.Log(ctx, logging.Entry{
		Endpoint:      c.ip + path,
		Method:        method,
		RequestBody:   reqBody,
		ResponseBody:  respBody,
		StatusCode:    status,
		Elapsed:       elapsed,
		OperationType: database.OperationTypeIdracAPI,
		Success:       success,
		ErrorMessage:  errMsg,
		JobID:         c.JobID,
		TaskID:        c.TaskID,
		ServerID:      c.ServerID,
	})
}

// get decodes a GET response into a generic document.
func (c *Client) get(ctx context.Context, path string) (map[string]interface{}, error) {
	res, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(res.Body, &doc); err != nil {
		return nil, &ProtocolError{Endpoint: c.ip + path, Detail: "non-object reply"}
	}
	return doc, nil
}

// waitForTask polls a Redfish task monitor until it reaches a terminal state.
func (c *Client) waitForTask(ctx context.Context, location string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s did not complete within %s", location, timeout)
		}

		doc, err := c.get(ctx, location)
		if err != nil {
			return nil, err
		}

		state, _ := doc["TaskState"].(string)
		switch state {
		case "Completed":
			return doc, nil
		case "Failed", "Exception", "Cancelled", "Killed":
			return doc, fmt.Errorf("task %s ended in state %s: %s", location, state, taskMessage(doc))
		}

		log.WithFields(log.Fields{
			"idrac": c.ip,
			"task":  location,
			"state": state,
		}).Debug("Waiting for Redfish task")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

func taskMessage(doc map[string]interface{}) string {
	if msgs, ok := doc["Messages"].([]interface{}); ok && len(msgs) > 0 {
		if m, ok := msgs[0].(map[string]interface{}); ok {
			if text, ok := m["Message"].(string); ok {
				return text
			}
		}
	}
	if m, ok := doc["Message"].(string); ok {
		return m
	}
	return "no message"
}

func decode(body json.RawMessage, out interface{}) error {
	return json.Unmarshal(body, out)
}

func summarize(body json.RawMessage) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
