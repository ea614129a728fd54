package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSendsAuthHeadersAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "eq.123", r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{{"id": "123", "name": "server-1"}})
	}))
	defer srv.Close()

	gw := New(srv.URL, "test-key", false, nil)
	rows, err := gw.Select(context.Background(), "servers", map[string]string{"id": "eq.123"}, "", "")

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "server-1", rows[0]["name"])
}

func TestSelectUnauthorizedMapsToAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	gw := New(srv.URL, "bad-key", false, nil)
	_, err := gw.Select(context.Background(), "servers", nil, "", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestInsertReturnRepresentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]map[string]any{{"id": "new-1"}})
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", false, nil)
	rows, err := gw.Insert(context.Background(), "servers", map[string]any{"hostname": "h1"}, true)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new-1", rows[0]["id"])
}

func TestUpsertSetsOnConflictAndMergeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "moid", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode([]map[string]any{{"id": "1"}})
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", false, nil)
	_, err := gw.Upsert(context.Background(), "vcenter_hosts", []map[string]any{{"moid": "host-1"}}, "moid")
	require.NoError(t, err)
}

func TestPatchSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "running", body["status"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", false, nil)
	err := gw.Patch(context.Background(), "jobs", map[string]string{"id": "eq.j1"}, map[string]any{"status": "running"})
	require.NoError(t, err)
}

func TestDeleteIssuesDeleteMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", false, nil)
	err := gw.Delete(context.Background(), "jobs", map[string]string{"id": "eq.j1"})
	require.NoError(t, err)
}

func TestDecodeRowsCoercesSCPExportQuirk(t *testing.T) {
	rows, err := decodeRows(strings.NewReader(`<SystemConfiguration Model="PowerEdge"></SystemConfiguration>`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Completed", rows[0]["task_state"])
	assert.Contains(t, rows[0]["_raw_response"], "<SystemConfiguration")
}

func TestDecodeRowsCoercesNonJSONBody(t *testing.T) {
	rows, err := decodeRows(strings.NewReader("not json at all"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "not json at all", rows[0]["_raw_response"])
}

func TestEncryptionKeyCachesAfterFirstFetch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode([]map[string]any{{"encryption_key": "the-key"}})
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", false, nil)
	k1, err := gw.EncryptionKey(context.Background())
	require.NoError(t, err)
	k2, err := gw.EncryptionKey(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "the-key", k1)
	assert.Equal(t, "the-key", k2)
	assert.Equal(t, 1, calls)
}

func TestDecryptPasswordParsesBareJSONString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "blob", body["encrypted"])
		assert.Equal(t, "the-key", body["key"])
		w.Write([]byte(`"decrypted-value"`))
	}))
	defer srv.Close()

	gw := New(srv.URL, "svc", false, nil)
	decrypted, err := gw.DecryptPassword(context.Background(), "blob", "the-key")

	require.NoError(t, err)
	assert.Equal(t, "decrypted-value", decrypted)
}
