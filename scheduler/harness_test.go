package scheduler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsm-platform/dsm-executor/database"
)

// queueHarness is an in-memory stand-in for the REST gateway: generic
// filtered selects, patches with return=representation, inserts and deletes.
type queueHarness struct {
	mu     sync.Mutex
	tables map[string][]map[string]interface{}
	server *httptest.Server
}

func newQueueHarness(t *testing.T) *queueHarness {
	t.Helper()
	h := &queueHarness{tables: map[string][]map[string]interface{}{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/", func(w http.ResponseWriter, r *http.Request) {
		table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
		h.mu.Lock()
		defer h.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			out := h.matching(table, r.URL.Query())
			if r.URL.Query().Get("limit") == "1" && len(out) > 1 {
				out = out[:1]
			}
			json.NewEncoder(w).Encode(out)

		case http.MethodPatch:
			var patch map[string]interface{}
			json.NewDecoder(r.Body).Decode(&patch)
			var out []map[string]interface{}
			for _, row := range h.tables[table] {
				if filterMatch(row, r.URL.Query()) {
					for k, v := range patch {
						row[k] = v
					}
					out = append(out, row)
				}
			}
			if out == nil {
				out = []map[string]interface{}{}
			}
			json.NewEncoder(w).Encode(out)

		case http.MethodPost:
			var body json.RawMessage
			json.NewDecoder(r.Body).Decode(&body)
			trimmed := strings.TrimSpace(string(body))
			if strings.HasPrefix(trimmed, "[") {
				var rows []map[string]interface{}
				json.Unmarshal(body, &rows)
				h.tables[table] = append(h.tables[table], rows...)
			} else {
				var row map[string]interface{}
				json.Unmarshal(body, &row)
				h.tables[table] = append(h.tables[table], row)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("[]"))

		case http.MethodDelete:
			var kept []map[string]interface{}
			for _, row := range h.tables[table] {
				if !filterMatch(row, r.URL.Query()) {
					kept = append(kept, row)
				}
			}
			h.tables[table] = kept
			w.Write([]byte("[]"))
		}
	})

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *queueHarness) matching(table string, query map[string][]string) []map[string]interface{} {
	out := []map[string]interface{}{}
	for _, row := range h.tables[table] {
		if filterMatch(row, query) {
			out = append(out, row)
		}
	}
	return out
}

func filterMatch(row map[string]interface{}, query map[string][]string) bool {
	for column, values := range query {
		switch column {
		case "order", "limit", "select", "on_conflict":
			continue
		}
		var got string
		switch v := row[column].(type) {
		case string:
			got = v
		case nil:
			got = ""
		default:
			got = fmt.Sprintf("%v", v)
		}
		value := values[0]
		switch {
		case strings.HasPrefix(value, "eq."):
			if got != strings.TrimPrefix(value, "eq.") {
				return false
			}
		case strings.HasPrefix(value, "lt."):
			if !(got < strings.TrimPrefix(value, "lt.")) {
				return false
			}
		case strings.HasPrefix(value, "in.("):
			list := strings.TrimSuffix(strings.TrimPrefix(value, "in.("), ")")
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

func (h *queueHarness) add(t *testing.T, table string, row interface{}) {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	h.mu.Lock()
	h.tables[table] = append(h.tables[table], m)
	h.mu.Unlock()
}

func (h *queueHarness) repo() *database.Repository {
	return database.NewRepository(database.NewClient(h.server.URL, "test-service-key"))
}

// row returns the first row of a table matching column=value, or nil.
func (h *queueHarness) row(table, column, value string) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, row := range h.tables[table] {
		if got, _ := row[column].(string); got == value {
			copied := make(map[string]interface{}, len(row))
			for k, v := range row {
				copied[k] = v
			}
			return copied
		}
	}
	return nil
}

func (h *queueHarness) count(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tables[table])
}
