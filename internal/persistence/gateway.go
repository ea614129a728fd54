// Package persistence is the single component that speaks to the
// database-proxy service over its REST protocol; no other package issues
// an HTTP call to the database directly.
package persistence

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// Gateway talks PostgREST-shaped HTTP to the database proxy, always
// carrying the service-role credential.
type Gateway struct {
	baseURL        string
	serviceRoleKey string
	httpClient     *http.Client

	mu               sync.Mutex
	cachedEncryption string
}

// New builds a Gateway. When client is nil, verifySSL controls whether the
// default transport validates TLS certificates; a non-nil client is used
// as given.
func New(baseURL, serviceRoleKey string, verifySSL bool, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL}},
		}
	}
	return &Gateway{baseURL: strings.TrimRight(baseURL, "/"), serviceRoleKey: serviceRoleKey, httpClient: client}
}

// ReturnMode selects the Prefer header for Insert.
type ReturnMode int

const (
	ReturnMinimal ReturnMode = iota
	ReturnRepresentation
)

func (g *Gateway) endpoint(table string, query url.Values) string {
	u := g.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (g *Gateway) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", g.serviceRoleKey)
	req.Header.Set("Authorization", "Bearer "+g.serviceRoleKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Select issues GET /rest/v1/<table> with a PostgREST-style filter map
// (e.g. {"id": "eq.123"}), optional select column list, and optional order.
func (g *Gateway) Select(ctx context.Context, table string, filters map[string]string, selectCols, order string) ([]map[string]any, error) {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}
	if selectCols != "" {
		query.Set("select", selectCols)
	}
	if order != "" {
		query.Set("order", order)
	}

	req, err := g.newRequest(ctx, http.MethodGet, g.endpoint(table, query), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "select " + table, Target: g.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &errs.AuthError{Op: "select " + table, Target: g.baseURL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("select %s: HTTP %d", table, resp.StatusCode)
	}

	return decodeRows(resp.Body)
}

// Insert issues POST /rest/v1/<table>. When returnRepresentation is true
// the inserted row(s) are returned.
func (g *Gateway) Insert(ctx context.Context, table string, row map[string]any, returnRepresentation bool) ([]map[string]any, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal insert row: %w", err)
	}

	req, err := g.newRequest(ctx, http.MethodPost, g.endpoint(table, nil), body)
	if err != nil {
		return nil, err
	}
	if returnRepresentation {
		req.Header.Set("Prefer", "return=representation")
	} else {
		req.Header.Set("Prefer", "return=minimal")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "insert " + table, Target: g.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("insert %s: HTTP %d", table, resp.StatusCode)
	}
	if !returnRepresentation {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	return decodeRows(resp.Body)
}

// Upsert issues POST /rest/v1/<table>?on_conflict=<conflictKey> with
// Prefer: resolution=merge-duplicates.
func (g *Gateway) Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal upsert rows: %w", err)
	}

	query := url.Values{}
	if conflictKey != "" {
		query.Set("on_conflict", conflictKey)
	}

	req, err := g.newRequest(ctx, http.MethodPost, g.endpoint(table, query), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=representation")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "upsert " + table, Target: g.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upsert %s: HTTP %d", table, resp.StatusCode)
	}
	return decodeRows(resp.Body)
}

// Patch issues PATCH /rest/v1/<table>?<filter> with a JSON body of the
// columns to update.
func (g *Gateway) Patch(ctx context.Context, table string, filters map[string]string, row map[string]any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal patch row: %w", err)
	}

	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}

	req, err := g.newRequest(ctx, http.MethodPatch, g.endpoint(table, query), body)
	if err != nil {
		return err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &errs.ConnectivityError{Op: "patch " + table, Target: g.baseURL, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("patch %s: HTTP %d", table, resp.StatusCode)
	}
	return nil
}

// Delete issues DELETE /rest/v1/<table>?<filter>.
func (g *Gateway) Delete(ctx context.Context, table string, filters map[string]string) error {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}

	req, err := g.newRequest(ctx, http.MethodDelete, g.endpoint(table, query), nil)
	if err != nil {
		return err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &errs.ConnectivityError{Op: "delete " + table, Target: g.baseURL, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete %s: HTTP %d", table, resp.StatusCode)
	}
	return nil
}

// decodeRows coerces the response body to a slice of row maps. A non-JSON
// body (e.g. the Dell SCP-export wire quirk, which returns a bare
// "<SystemConfiguration ...>" XML document on task completion) is absorbed
// into a single synthetic row so downstream parsers never raise on a
// malformed reply.
func decodeRows(body io.Reader) ([]map[string]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("<SystemConfiguration")) {
		return []map[string]any{{
			"_raw_response": string(raw),
			"task_state":    "Completed",
		}}, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(trimmed, &rows); err == nil {
		return rows, nil
	}

	var single map[string]any
	if err := json.Unmarshal(trimmed, &single); err == nil {
		return []map[string]any{single}, nil
	}

	return []map[string]any{{"_raw_response": string(raw)}}, nil
}

// EncryptionKey fetches activity_settings.encryption_key, caching it after
// the first successful fetch. Implements credentials.KeyFetcher.
func (g *Gateway) EncryptionKey(ctx context.Context) (string, error) {
	g.mu.Lock()
	if g.cachedEncryption != "" {
		defer g.mu.Unlock()
		return g.cachedEncryption, nil
	}
	g.mu.Unlock()

	rows, err := g.Select(ctx, "activity_settings", map[string]string{"limit": "1"}, "encryption_key", "")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no activity_settings row found")
	}
	key, _ := rows[0]["encryption_key"].(string)
	if key == "" {
		return "", fmt.Errorf("activity_settings.encryption_key is empty")
	}

	g.mu.Lock()
	g.cachedEncryption = key
	g.mu.Unlock()
	return key, nil
}

// DecryptPassword calls POST /rest/v1/rpc/decrypt_password with
// {encrypted, key}; the RPC returns the decrypted string directly.
func (g *Gateway) DecryptPassword(ctx context.Context, encrypted, key string) (string, error) {
	body, err := json.Marshal(map[string]string{"encrypted": encrypted, "key": key})
	if err != nil {
		return "", fmt.Errorf("marshal decrypt_password payload: %w", err)
	}

	req, err := g.newRequest(ctx, http.MethodPost, g.baseURL+"/rest/v1/rpc/decrypt_password", body)
	if err != nil {
		return "", err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &errs.ConnectivityError{Op: "decrypt_password", Target: g.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("decrypt_password: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read decrypt_password response: %w", err)
	}

	var decrypted string
	if err := json.Unmarshal(bytes.TrimSpace(raw), &decrypted); err != nil {
		return "", fmt.Errorf("decrypt_password returned non-string response: %w", err)
	}
	return decrypted, nil
}

func eq(id string) string { return "eq." + id }

func inList(ids []string) string {
	return "in.(" + strings.Join(ids, ",") + ")"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func asInt(v any) int {
	return int(asFloat(v))
}
