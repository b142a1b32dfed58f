package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client speaks the REST protocol of the external database service. Every
// call carries the service-role credential; callers never talk to the
// database directly.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a persistence gateway for the given service URL.
func NewClient(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, table string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, table, err)
	}

	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (json.RawMessage, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("database service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read database response: %w", err)
	}

	coerced := CoerceJSON(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return coerced, resp.StatusCode, fmt.Errorf("database service returned %d for %s %s: %s",
			resp.StatusCode, req.Method, req.URL.Path, truncate(string(body), 300))
	}

	return coerced, resp.StatusCode, nil
}

// Select reads rows from a table. The query carries PostgREST-style filters,
// e.g. {"status": "eq.pending", "order": "created_at", "select": "*"}.
func (c *Client) Select(ctx context.Context, table string, query url.Values) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, table, query, nil)
	if err != nil {
		return nil, err
	}
	raw, _, err := c.do(req)
	return raw, err
}

// Insert writes one row (or a slice of rows) to a table. When
// returnRepresentation is set the inserted rows are returned.
func (c *Client) Insert(ctx context.Context, table string, row interface{}, returnRepresentation bool) (json.RawMessage, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal insert payload for %s: %w", table, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, table, nil, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if returnRepresentation {
		req.Header.Set("Prefer", "return=representation")
	} else {
		req.Header.Set("Prefer", "return=minimal")
	}

	raw, _, err := c.do(req)
	return raw, err
}

// Upsert bulk-writes rows with merge-duplicates semantics keyed on the
// conflict columns.
func (c *Client) Upsert(ctx context.Context, table string, rows interface{}, conflictKey string) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal upsert payload for %s: %w", table, err)
	}

	query := url.Values{}
	query.Set("on_conflict", conflictKey)

	req, err := c.newRequest(ctx, http.MethodPost, table, query, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	_, _, err = c.do(req)
	return err
}

// Patch updates the rows matched by the filter and returns the updated rows,
// so callers can detect how many rows were actually touched.
func (c *Client) Patch(ctx context.Context, table string, filter url.Values, row interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch payload for %s: %w", table, err)
	}

	req, err := c.newRequest(ctx, http.MethodPatch, table, filter, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	raw, _, err := c.do(req)
	return raw, err
}

// Delete removes the rows matched by the filter.
func (c *Client) Delete(ctx context.Context, table string, filter url.Values) error {
	req, err := c.newRequest(ctx, http.MethodDelete, table, filter, nil)
	if err != nil {
		return err
	}
	_, _, err = c.do(req)
	return err
}

// RPC invokes a named remote procedure with a JSON payload.
func (c *Client) RPC(ctx context.Context, fn string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RPC payload for %s: %w", fn, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "rpc/"+fn, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	raw, _, err := c.do(req)
	return raw, err
}

// DecryptPassword resolves an encrypted secret via the decrypt_password RPC.
// The remote returns a JSON string.
func (c *Client) DecryptPassword(ctx context.Context, encrypted, key string) (string, error) {
	raw, err := c.RPC(ctx, "decrypt_password", map[string]string{
		"encrypted": encrypted,
		"key":       key,
	})
	if err != nil {
		return "", err
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err != nil {
		return "", fmt.Errorf("decrypt_password returned non-string payload: %s", truncate(string(raw), 120))
	}
	return plain, nil
}

// CoerceJSON normalises a response body so downstream parsers never raise on
// malformed replies. Valid JSON passes through untouched; a body beginning
// with <SystemConfiguration is synthesised into a task-complete shape (the
// Dell SCP-export wire quirk); anything else is wrapped under _raw_response.
func CoerceJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}

	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}

	if bytes.HasPrefix(trimmed, []byte("<SystemConfiguration")) {
		wrapped, _ := json.Marshal(map[string]interface{}{
			"TaskState":     "Completed",
			"TaskStatus":    "OK",
			"_raw_response": string(trimmed),
		})
		return wrapped
	}

	wrapped, _ := json.Marshal(map[string]interface{}{
		"_raw_response": string(trimmed),
	})
	return wrapped
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// logQueryFailure is used by repository helpers that intentionally swallow
// read errors on advisory paths.
func logQueryFailure(table string, err error) {
	log.WithError(err).WithField("table", table).Debug("Database read failed")
}
