package credentials

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dsm-platform/dsm-executor/database"
)

// fakeGateway serves a minimal REST gateway for credential-chain tests:
// eq-filtered selects over in-memory tables plus the decrypt RPC. Secrets
// encrypt as "enc:<plain>"; anything else fails to decrypt.
type fakeGateway struct {
	tables map[string][]map[string]interface{}
	server *httptest.Server
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{tables: map[string][]map[string]interface{}{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/rpc/decrypt_password", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Encrypted string `json:"encrypted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, `{"error":"bad payload"}`, http.StatusBadRequest)
			return
		}
		plain, ok := strings.CutPrefix(payload.Encrypted, "enc:")
		if !ok {
			http.Error(w, `{"error":"decryption failed"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(plain)
	})
	mux.HandleFunc("/rest/v1/", func(w http.ResponseWriter, r *http.Request) {
		table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
		var out []map[string]interface{}
		for _, row := range g.tables[table] {
			if matchesFilters(row, r.URL.Query()) {
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
	})

	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func matchesFilters(row map[string]interface{}, query map[string][]string) bool {
	for column, values := range query {
		if column == "order" || column == "limit" || column == "select" {
			continue
		}
		want, ok := strings.CutPrefix(values[0], "eq.")
		if !ok {
			continue
		}
		got, _ := row[column].(string)
		if got != want {
			return false
		}
	}
	return true
}

func (g *fakeGateway) add(t *testing.T, table string, row interface{}) {
	t.Helper()
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal %s row: %v", table, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %s row: %v", table, err)
	}
	g.tables[table] = append(g.tables[table], m)
}

func (g *fakeGateway) repo() *database.Repository {
	return database.NewRepository(database.NewClient(g.server.URL, "test-service-key"))
}

func (g *fakeGateway) withEncryptionKey(t *testing.T) *fakeGateway {
	t.Helper()
	g.add(t, "activity_settings", database.ActivitySettings{ID: "s1", EncryptionKey: "unit-test-key"})
	return g
}

func strPtr(s string) *string { return &s }
