package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/idrac"
)

// serverRequest is the common request shape of server-scoped operations.
type serverRequest struct {
	ServerID string `json:"server_id"`
}

// idracFor resolves a server row and its credentials into a live client.
// It writes the error response itself: 400 for missing input or unresolvable
// credentials, 404 for an unknown server.
func (s *Server) idracFor(w http.ResponseWriter, r *http.Request, serverID string) (*idrac.Client, *database.Server, bool) {
	if serverID == "" {
		fail(w, http.StatusBadRequest, "server_id is required")
		return nil, nil, false
	}

	server, err := s.repo.GetServer(r.Context(), serverID)
	if err != nil {
		fail(w, http.StatusInternalServerError, "server lookup failed: "+err.Error())
		return nil, nil, false
	}
	if server == nil {
		fail(w, http.StatusNotFound, "unknown server "+serverID)
		return nil, nil, false
	}

	resolution := s.resolver.ResolveForServer(r.Context(), server)
	if !resolution.HasCredentials() {
		fail(w, http.StatusBadRequest, "no iDRAC credentials resolve for server "+serverID)
		return nil, nil, false
	}

	client := idrac.NewClient(server.IPAddress, resolution.Username, resolution.Password, s.cfg.VerifySSL, s.activity)
	client.ServerID = server.ID
	return client, server, true
}

// remoteFail maps iDRAC call failures onto the response contract: remote
// errors are 500s, the body says what broke.
func remoteFail(w http.ResponseWriter, err error) {
	fail(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleConsoleLaunch(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	info, err := client.GetKVMLaunchInfo(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"console": info})
}

var validPowerActions = map[string]string{
	"on":                idrac.PowerOn,
	"force_off":         idrac.PowerForceOff,
	"graceful_shutdown": idrac.PowerGracefulShutdown,
	"graceful_restart":  idrac.PowerGracefulRestart,
	"force_restart":     idrac.PowerForceRestart,
	"nmi":               idrac.PowerNmi,
}

func (s *Server) handlePowerControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		serverRequest
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	resetType, known := validPowerActions[strings.ToLower(req.Action)]
	if !known {
		fail(w, http.StatusBadRequest, "unknown power action "+req.Action)
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	if err := client.SetPowerState(r.Context(), resetType); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"action": req.Action})
}

func (s *Server) handleConnectivityTest(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	start := time.Now()
	info, err := client.GetSystemInfo(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{
		"reachable":     true,
		"authenticated": true,
		"latency_ms":    time.Since(start).Milliseconds(),
		"model":         info.Model,
		"service_tag":   info.ServiceTag,
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	info, err := client.GetSystemInfo(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{
		"health":      info.Health,
		"power_state": info.PowerState,
		"model":       info.Model,
	})
}

func (s *Server) handleEventLogs(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	logs, err := client.GetEventLogs(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"entries": logs})
}

func (s *Server) handleNetworkConfigRead(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	attrs, err := client.GetNetworkSettings(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"attributes": attrs})
}

func (s *Server) handleNetworkConfigWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		serverRequest
		Attributes map[string]interface{} `json:"attributes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Attributes) == 0 {
		fail(w, http.StatusBadRequest, "attributes are required")
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	if err := client.SetNetworkSettings(r.Context(), req.Attributes); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"applied": len(req.Attributes)})
}

func (s *Server) handleBootConfigRead(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	entries, err := client.GetBootOrder(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"boot_order": entries})
}

func (s *Server) handleBIOSConfigRead(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	attrs, err := client.GetBIOSAttributes(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"attributes": attrs})
}

func (s *Server) handleFirmwareInventory(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	components, err := client.GetFirmwareInventory(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"components": components})
}

func (s *Server) handleIdracJobs(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	client, _, okay := s.idracFor(w, r, req.ServerID)
	if !okay {
		return
	}

	jobs, err := client.GetJobQueue(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handlePreflightCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerIDs []string `json:"server_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ServerIDs) == 0 {
		fail(w, http.StatusBadRequest, "server_ids are required")
		return
	}

	report, err := s.preflight.CheckServers(r.Context(), req.ServerIDs, nil)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"report": report})
}

// handlePreflightStream runs preflight over SSE: one server_result event per
// host as it finishes, progress ticks in between and a final done event.
func (s *Server) handlePreflightStream(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("server_ids"), ",")
	var serverIDs []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			serverIDs = append(serverIDs, id)
		}
	}
	if len(serverIDs) == 0 {
		fail(w, http.StatusBadRequest, "server_ids query parameter is required")
		return
	}

	stream, err := newSSEWriter(w)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.preflight.CheckServers(r.Context(), serverIDs, stream.send); err != nil {
		stream.send("error", map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleIDMAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		fail(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if s.idm == nil {
		fail(w, http.StatusInternalServerError, "directory authentication is not configured")
		return
	}

	result := s.idm.Authenticate(req.Username, req.Password)
	if !result.Authenticated {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   result.Error,
		})
		return
	}
	ok(w, map[string]interface{}{
		"identity": result.Identity,
		"groups":   result.Groups,
	})
}
