package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/config"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/discovery"
	"github.com/dsm-platform/dsm-executor/vcenter"
)

// apiHarness fakes the persistence gateway behind a full API server.
type apiHarness struct {
	mu      sync.Mutex
	tables  map[string][]map[string]interface{}
	gateway *httptest.Server
	server  *Server
	cfg     *config.Config
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{tables: map[string][]map[string]interface{}{}}

	h.gateway = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
		if strings.HasPrefix(table, "rpc/") {
			w.Write([]byte(`"calvin"`))
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			matches := []map[string]interface{}{}
			for _, row := range h.tables[table] {
				if h.rowMatches(row, r.URL.Query()) {
					matches = append(matches, row)
				}
			}
			json.NewEncoder(w).Encode(matches)
		case http.MethodPost:
			var row map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&row); err == nil {
				h.tables[table] = append(h.tables[table], row)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("[]"))
		case http.MethodPatch:
			var patch map[string]interface{}
			json.NewDecoder(r.Body).Decode(&patch)
			updated := []map[string]interface{}{}
			for _, row := range h.tables[table] {
				if h.rowMatches(row, r.URL.Query()) {
					for k, v := range patch {
						row[k] = v
					}
					updated = append(updated, row)
				}
			}
			json.NewEncoder(w).Encode(updated)
		case http.MethodDelete:
			kept := []map[string]interface{}{}
			for _, row := range h.tables[table] {
				if !h.rowMatches(row, r.URL.Query()) {
					kept = append(kept, row)
				}
			}
			h.tables[table] = kept
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(h.gateway.Close)

	client := database.NewClient(h.gateway.URL, "test-key")
	repo := database.NewRepository(client)
	activity := logging.NewActivityLogger(client)
	resolver := credentials.NewResolver(repo, "root", "calvin")

	h.cfg = &config.Config{
		DSMURL:          h.gateway.URL,
		ServiceRoleKey:  "test-key",
		APIPort:         0,
		ZerfauxUseStubs: true,
	}
	h.server = NewServer(h.cfg, repo, resolver,
		vcenter.NewSessionManager(repo, resolver, activity),
		discovery.NewPreflightChecker(repo, resolver, activity, false),
		nil, activity)
	return h
}

func (h *apiHarness) rowMatches(row map[string]interface{}, q url.Values) bool {
	for key, vals := range q {
		if key == "select" || key == "order" || key == "limit" || key == "on_conflict" {
			continue
		}
		val := vals[0]
		cell := fmt.Sprintf("%v", row[key])
		switch {
		case strings.HasPrefix(val, "eq."):
			if cell != strings.TrimPrefix(val, "eq.") {
				return false
			}
		case strings.HasPrefix(val, "in.("):
			set := strings.TrimSuffix(strings.TrimPrefix(val, "in.("), ")")
			found := false
			for _, item := range strings.Split(set, ",") {
				if cell == strings.Trim(item, `"`) {
					found = true
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (h *apiHarness) add(table string, row map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tables[table] = append(h.tables[table], row)
}

func (h *apiHarness) count(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tables[table])
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.9.9.9:51234"
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "GET", "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "OPTIONS", "/api/power-control", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestPowerControlRejectsUnknownAction(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/power-control",
		map[string]string{"server_id": "srv-1", "action": "warp_speed"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "warp_speed")
}

func TestPowerControlRateLimited(t *testing.T) {
	h := newAPIHarness(t)
	for i := 0; i < 10; i++ {
		rec := h.do(t, "POST", "/api/power-control",
			map[string]string{"server_id": "srv-1", "action": "bogus"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	rec := h.do(t, "POST", "/api/power-control",
		map[string]string{"server_id": "srv-1", "action": "bogus"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Contains(t, body["error"], "rate limit")
}

func TestConnectivityTestUnknownServer(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/connectivity-test", map[string]string{"server_id": "missing"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Contains(t, body["error"], "missing")
}

func TestConnectivityTestMissingServerID(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/connectivity-test", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGarbageBodyAnswers400(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest("POST", "/api/connectivity-test", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Contains(t, body["error"], "invalid JSON body")
}

func TestIDMAuthenticateUnconfigured(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/idm-authenticate",
		map[string]string{"username": "jdoe", "password": "pw"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Contains(t, body["error"], "not configured")
}

func TestPreflightStreamRequiresServerIDs(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "GET", "/api/preflight-check-stream?server_ids=", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplicationTargetLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/api/replication/targets",
		map[string]string{"name": "dr-zfs", "hostname": "dr-zfs-01", "pool": "dr"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	rec = h.do(t, "GET", "/api/replication/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeEnvelope(t, rec)
	targets := body["targets"].([]interface{})
	require.Len(t, targets, 1)

	rec = h.do(t, "DELETE", "/api/replication/targets/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.count("replication_targets"))
}

func TestCreateTargetRejectsIncomplete(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/replication/targets", map[string]string{"name": "half"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGroupRejectsUnknownTarget(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/replication/groups",
		map[string]string{"name": "nightly", "replication_target_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProtectionPlanEnrollsVMs(t *testing.T) {
	h := newAPIHarness(t)
	h.add("replication_targets", map[string]interface{}{
		"id": "rt-1", "name": "dr-zfs", "hostname": "dr-zfs-01", "pool": "dr",
	})
	h.add("protection_groups", map[string]interface{}{
		"id": "pg-1", "name": "nightly", "replication_target_id": "rt-1",
	})
	h.add("vms", map[string]interface{}{
		"id": "vm-1", "vcenter_host_id": "vc-1", "moref": "vm-101", "name": "App Server 01",
	})

	rec := h.do(t, "POST", "/api/replication/protection-plan", map[string]interface{}{
		"protection_group_id": "pg-1",
		"source_pool":         "tank",
		"vm_ids":              []string{"vm-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	enrolled := body["enrolled"].([]interface{})
	require.Len(t, enrolled, 1)
	first := enrolled[0].(map[string]interface{})
	assert.Equal(t, "tank/app-server-01", first["source_dataset"])
	assert.Equal(t, "dr/app-server-01", first["target_dataset"])
	assert.Equal(t, 1, h.count("protected_vms"))
}

func TestProtectionPlanUnknownVM(t *testing.T) {
	h := newAPIHarness(t)
	h.add("replication_targets", map[string]interface{}{"id": "rt-1", "pool": "dr"})
	h.add("protection_groups", map[string]interface{}{
		"id": "pg-1", "name": "nightly", "replication_target_id": "rt-1",
	})

	rec := h.do(t, "POST", "/api/replication/protection-plan", map[string]interface{}{
		"protection_group_id": "pg-1",
		"source_pool":         "tank",
		"vm_ids":              []string{"ghost"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDrShellPlanPreviews(t *testing.T) {
	h := newAPIHarness(t)
	h.add("replication_targets", map[string]interface{}{
		"id": "rt-1", "pool": "dr", "dr_datastore": "dr-ds01",
	})
	h.add("protection_groups", map[string]interface{}{
		"id": "pg-1", "name": "nightly", "replication_target_id": "rt-1",
	})
	h.add("protected_vms", map[string]interface{}{
		"id": "pv-1", "protection_group_id": "pg-1", "vm_name": "app-01",
		"source_dataset": "tank/app-01", "target_dataset": "dr/app-01",
	})

	rec := h.do(t, "POST", "/api/replication/dr-shell-plan",
		map[string]string{"protection_group_id": "pg-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	plan := body["plan"].([]interface{})
	require.Len(t, plan, 1)
	entry := plan[0].(map[string]interface{})
	assert.Equal(t, "app-01-drshell", entry["shell_name"])
	assert.Equal(t, "dr-ds01", entry["datastore"])
}

func TestBatchStorageVMotionStubbed(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "POST", "/api/zerfaux/batch-storage-vmotion", map[string]interface{}{
		"vcenter_id": "vc-1",
		"vm_names":   []string{"app-01", "app-02"},
		"datastore":  "protected-ds",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	assert.Equal(t, true, first["stubbed"])
	assert.Equal(t, float64(0), body["failures"])
}

func TestSSEWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := newSSEWriter(rec)
	require.NoError(t, err)

	stream.send("progress", map[string]int{"completed": 3, "total": 10})

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "event:progress\n")
	assert.Contains(t, out, `data:{"completed":3,"total":10}`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestFileExists(t *testing.T) {
	assert.False(t, fileExists(""))
	assert.False(t, fileExists("/definitely/not/here.pem"))
	assert.False(t, fileExists(t.TempDir()))
}
