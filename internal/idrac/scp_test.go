package idrac

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportSCPLocalSynchronousResponse(t *testing.T) {
	_, target := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, exportAction, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"SystemConfiguration": map[string]any{"Components": []any{map[string]any{"FQDD": "BIOS.Setup.1-1"}}},
		})
	})

	c := newTestClient()
	result, err := c.ExportSCP(context.Background(), target, ScpExportRequest{IncludeBIOS: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", result.Transport)
	assert.Contains(t, result.Content, "Components")
}

func TestExportSCPPollsAsyncTaskToCompletion(t *testing.T) {
	poll := 0
	_, target := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == exportAction {
			w.Header().Set("Location", "/redfish/v1/TaskService/Tasks/1")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{"@odata.id": "/redfish/v1/TaskService/Tasks/1"})
			return
		}
		poll++
		if poll < 2 {
			json.NewEncoder(w).Encode(map[string]any{"TaskState": "Running"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"TaskState":           "Completed",
			"SystemConfiguration": map[string]any{"Components": []any{}},
		})
	})

	c := newTestClient()
	c.pollInterval = time.Millisecond
	result, err := c.ExportSCP(context.Background(), target, ScpExportRequest{IncludeBIOS: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", result.Transport)
}

func TestExportViaShareRecordsSharePath(t *testing.T) {
	calls := 0
	_, target := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		// the share export is answered synchronously; the exported file
		// lands on the share, so the response carries no content.
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	share := &ShareConfig{Enabled: true, Type: "NFS", Path: "10.0.0.5:/export/scp"}
	c := newTestClient()

	// Driving ExportSCP down to the share leg would first wait out the
	// five-minute http_push receiver; this test only verifies that the share
	// parameters are well-formed by calling the share leg directly.
	content, err := c.exportViaShare(context.Background(), target, ScpExportRequest{IncludeBIOS: true}.targets(), "Clone", share)
	require.NoError(t, err)
	assert.Contains(t, content, "share_export")
	assert.Contains(t, content, "10.0.0.5")
}

func TestExportSCPShareRequiresConfiguredPath(t *testing.T) {
	_, target := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c := newTestClient()
	_, err := c.exportViaShare(context.Background(), target, []string{"BIOS"}, "Clone", &ShareConfig{Enabled: true})
	require.Error(t, err)
}

func TestImportSCPSendsImportBuffer(t *testing.T) {
	_, target := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, importAction, r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "<SystemConfiguration></SystemConfiguration>", body["ImportBuffer"])
		assert.Equal(t, "Graceful", body["ShutdownType"])
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"Message": "import started"})
	})

	c := newTestClient()
	err := c.ImportSCP(context.Background(), target, "<SystemConfiguration></SystemConfiguration>", "", "", []string{"BIOS"})
	require.NoError(t, err)
}

func TestIsValidScpContentRejectsTaskStatus(t *testing.T) {
	assert.True(t, isValidScpContent(`<SystemConfiguration Model="X"></SystemConfiguration>`))
	assert.True(t, isValidScpContent(`{"SystemConfiguration":{}}`))
	assert.False(t, isValidScpContent(`{"TaskState":"Completed"}`))
}

func TestExtractScpContentPrefersTopLevelSystemConfiguration(t *testing.T) {
	content := extractScpContent(map[string]any{
		"SystemConfiguration": map[string]any{"Components": []any{}},
	})
	assert.Contains(t, content, "Components")
}
