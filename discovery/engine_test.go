package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/idrac"
)

func TestExpandIPsSlash32IsSingleAddress(t *testing.T) {
	ips, err := ExpandIPs([]string{"10.0.0.5/32"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestExpandIPsDegenerateRangeIsSingleAddress(t *testing.T) {
	ips, err := ExpandIPs([]string{"10.0.0.5-10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestExpandIPsCIDRSkipsNetworkAndBroadcast(t *testing.T) {
	ips, err := ExpandIPs([]string{"192.168.1.0/30"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, ips)
}

func TestExpandIPsMixedListDeduplicates(t *testing.T) {
	ips, err := ExpandIPs([]string{"10.0.0.1, 10.0.0.2-10.0.0.3", "10.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, ips)
}

func TestExpandIPsRejectsBackwardsRange(t *testing.T) {
	_, err := ExpandIPs([]string{"10.0.0.9-10.0.0.1"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestExpandIPsRejectsGarbage(t *testing.T) {
	for _, spec := range []string{"not-an-ip", "10.0.0.300", "10.0.0.0/99"} {
		_, err := ExpandIPs([]string{spec})
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve, spec)
	}
}

// scanHarness serves the REST tables discovery reads and records server
// upserts. Secrets encrypt as "enc:<plain>".
type scanHarness struct {
	mu       sync.Mutex
	tables   map[string][]map[string]interface{}
	upserted []database.Server
	server   *httptest.Server
}

func newScanHarness(t *testing.T) *scanHarness {
	t.Helper()
	h := &scanHarness{tables: map[string][]map[string]interface{}{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/rpc/decrypt_password", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Encrypted string `json:"encrypted"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		plain, ok := strings.CutPrefix(payload.Encrypted, "enc:")
		if !ok {
			http.Error(w, `{"error":"decryption failed"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(plain)
	})
	mux.HandleFunc("/rest/v1/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var rows []database.Server
			json.NewDecoder(r.Body).Decode(&rows)
			h.mu.Lock()
			h.upserted = append(h.upserted, rows...)
			h.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("[]"))
			return
		}
		h.serveSelect(w, r, "servers")
	})
	mux.HandleFunc("/rest/v1/", func(w http.ResponseWriter, r *http.Request) {
		h.serveSelect(w, r, strings.TrimPrefix(r.URL.Path, "/rest/v1/"))
	})

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *scanHarness) serveSelect(w http.ResponseWriter, r *http.Request, table string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]interface{}
	for _, row := range h.tables[table] {
		if rowMatches(row, r.URL.Query()) {
			out = append(out, row)
		}
	}
	if r.URL.Query().Get("limit") == "1" && len(out) > 1 {
		out = out[:1]
	}
	if out == nil {
		out = []map[string]interface{}{}
	}
	json.NewEncoder(w).Encode(out)
}

func rowMatches(row map[string]interface{}, query map[string][]string) bool {
	for column, values := range query {
		switch column {
		case "order", "limit", "select", "on_conflict":
			continue
		}
		got, _ := row[column].(string)
		if want, ok := strings.CutPrefix(values[0], "eq."); ok {
			if got != want {
				return false
			}
			continue
		}
		if list, ok := strings.CutPrefix(values[0], "in.("); ok {
			list = strings.TrimSuffix(list, ")")
			found := false
			for _, candidate := range strings.Split(list, ",") {
				if strings.Trim(candidate, `"`) == got {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (h *scanHarness) add(t *testing.T, table string, row interface{}) {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	h.mu.Lock()
	h.tables[table] = append(h.tables[table], m)
	h.mu.Unlock()
}

func (h *scanHarness) engine(t *testing.T, prober endpointProber) *Engine {
	t.Helper()
	repo := database.NewRepository(database.NewClient(h.server.URL, "test-service-key"))
	resolver := credentials.NewResolver(repo, "", "")
	e := NewEngine(repo, resolver, nil, false, "", "")
	if prober != nil {
		e.prober = prober
	}
	return e
}

// fakeProber scripts per-IP stage outcomes.
type fakeProber struct {
	unreachable map[string]bool
	notRedfish  map[string]bool
	// accounts maps ip -> accepted "user:password".
	accounts map[string]string
	info     map[string]*idrac.SystemInfo
}

func (p *fakeProber) TCPReachable(_ context.Context, ip string) error {
	if p.unreachable[ip] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) IsRedfish(_ context.Context, ip string) error {
	if p.notRedfish[ip] {
		return errors.New("endpoint answers on 443 but is not a Redfish service")
	}
	return nil
}

func (p *fakeProber) Authenticate(_ context.Context, ip, username, password string) (*idrac.SystemInfo, error) {
	if p.accounts[ip] == username+":"+password {
		if info, ok := p.info[ip]; ok {
			return info, nil
		}
		return &idrac.SystemInfo{Model: "PowerEdge R750"}, nil
	}
	return nil, &idrac.AuthError{Endpoint: ip, StatusCode: 401}
}

func seedCredentialSet(t *testing.T, h *scanHarness, id, name, user, pass string, priority int) {
	t.Helper()
	h.add(t, "credential_sets", database.CredentialSet{
		ID: id, Name: name, Username: user,
		PasswordEncrypted: "enc:" + pass, Priority: priority,
	})
	h.add(t, "activity_settings", database.ActivitySettings{ID: "s1", EncryptionKey: "k"})
}

func TestDiscoverEmptyInputFailsBeforeScanning(t *testing.T) {
	h := newScanHarness(t)
	e := h.engine(t, &fakeProber{})

	_, err := e.Discover(context.Background(), nil, []string{"cs-1"}, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestDiscoverNoCredentialsFailsImmediately(t *testing.T) {
	h := newScanHarness(t)
	e := h.engine(t, &fakeProber{})

	_, err := e.Discover(context.Background(), []string{"10.0.0.1"}, nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "credential")
}

func TestDiscoverSingleServerSyncs(t *testing.T) {
	h := newScanHarness(t)
	seedCredentialSet(t, h, "cs-1", "lab", "root", "calvin", 1)

	prober := &fakeProber{
		accounts: map[string]string{"10.0.0.1": "root:calvin"},
		info: map[string]*idrac.SystemInfo{
			"10.0.0.1": {Model: "PowerEdge R750", ServiceTag: "ABC1234", PowerState: "On"},
		},
	}
	e := h.engine(t, prober)

	result, err := e.Discover(context.Background(), []string{"10.0.0.1"}, []string{"cs-1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.DiscoveredCount)
	assert.Equal(t, 0, result.AuthFailures)
	assert.Equal(t, 1, result.Stage3Passed)
	require.Len(t, result.ServerResults, 1)
	assert.Equal(t, StatusSynced, result.ServerResults[0].Status)
	assert.Equal(t, "ABC1234", result.ServerResults[0].ServiceTag)
	assert.Equal(t, "cs-1", result.ServerResults[0].CredentialSetID)

	require.Len(t, h.upserted, 1)
	assert.Equal(t, "10.0.0.1", h.upserted[0].IPAddress)
	require.NotNil(t, h.upserted[0].DiscoveredByCredentialSetID)
	assert.Equal(t, "cs-1", *h.upserted[0].DiscoveredByCredentialSetID)
}

func TestDiscoverFallsThroughCredentialSetsInPriorityOrder(t *testing.T) {
	h := newScanHarness(t)
	seedCredentialSet(t, h, "cs-1", "old", "root", "wrong", 1)
	h.add(t, "credential_sets", database.CredentialSet{
		ID: "cs-2", Name: "new", Username: "root",
		PasswordEncrypted: "enc:calvin", Priority: 2,
	})

	prober := &fakeProber{accounts: map[string]string{"10.0.0.1": "root:calvin"}}
	e := h.engine(t, prober)

	result, err := e.Discover(context.Background(), []string{"10.0.0.1"}, []string{"cs-1", "cs-2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DiscoveredCount)
	assert.Equal(t, "cs-2", result.ServerResults[0].CredentialSetID)
}

func TestDiscoverCountsAuthFailuresAndNonIdrac(t *testing.T) {
	h := newScanHarness(t)
	seedCredentialSet(t, h, "cs-1", "lab", "root", "calvin", 1)

	prober := &fakeProber{
		unreachable: map[string]bool{"10.0.0.1": true},
		notRedfish:  map[string]bool{"10.0.0.2": true},
		accounts:    map[string]string{"10.0.0.4": "root:calvin"},
	}
	e := h.engine(t, prober)

	result, err := e.Discover(context.Background(),
		[]string{"10.0.0.1-10.0.0.4"}, []string{"cs-1"}, nil)
	require.NoError(t, err)

	byIP := map[string]string{}
	for _, sr := range result.ServerResults {
		byIP[sr.IP] = sr.Status
	}
	assert.Equal(t, StatusUnreachable, byIP["10.0.0.1"])
	assert.Equal(t, StatusNotIdrac, byIP["10.0.0.2"])
	assert.Equal(t, StatusAuthFailed, byIP["10.0.0.3"])
	assert.Equal(t, StatusSynced, byIP["10.0.0.4"])
	assert.Equal(t, 1, result.AuthFailures)
	assert.Equal(t, 1, result.DiscoveredCount)
}

func TestDiscoverProgressEveryFiveAndOnVerdicts(t *testing.T) {
	h := newScanHarness(t)
	seedCredentialSet(t, h, "cs-1", "lab", "root", "calvin", 1)

	prober := &fakeProber{unreachable: map[string]bool{}}
	for i := 1; i <= 12; i++ {
		prober.unreachable[fmt.Sprintf("10.0.0.%d", i)] = true
	}
	e := h.engine(t, prober)

	var mu sync.Mutex
	var calls [][2]int
	result, err := e.Discover(context.Background(),
		[]string{"10.0.0.1-10.0.0.12"}, []string{"cs-1"},
		func(completed, total int) {
			mu.Lock()
			calls = append(calls, [2]int{completed, total})
			mu.Unlock()
		})
	require.NoError(t, err)
	assert.Equal(t, 0, result.DiscoveredCount)

	// Unreachable hosts never reach stage 3, so only the every-5 and final
	// ticks fire: 5, 10 and 12.
	require.Len(t, calls, 3)
	completions := []int{calls[0][0], calls[1][0], calls[2][0]}
	assert.Equal(t, []int{5, 10, 12}, completions)
	for _, c := range calls {
		assert.Equal(t, 12, c[1])
	}
}
