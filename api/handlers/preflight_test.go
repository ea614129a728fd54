package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/discovery"
	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
)

type fakeProbeClient struct {
	ready bool
}

func (f *fakeProbeClient) ProbeRedfishRoot(ctx context.Context, ip string) (bool, error) {
	return true, nil
}
func (f *fakeProbeClient) GetSystemInfo(ctx context.Context, t idrac.Target) (*idrac.SystemInfo, error) {
	return &idrac.SystemInfo{Model: "PowerEdge R740", PowerState: "On", Status: map[string]any{"Health": "OK"}}, nil
}
func (f *fakeProbeClient) GetLifecycleControllerStatus(ctx context.Context, t idrac.Target) (*idrac.LifecycleControllerStatus, error) {
	return &idrac.LifecycleControllerStatus{LCReady: f.ready, Status: "Ready"}, nil
}
func (f *fakeProbeClient) GetJobQueue(ctx context.Context, t idrac.Target) ([]idrac.JobQueueEntry, error) {
	return nil, nil
}

func newTestHandlersWithPreflight(gw *fakeGateway, probe *fakeProbeClient) *Handlers {
	return NewHandlers(&Deps{
		Gateway:   gw,
		Resolver:  &fakeResolver{result: credentials.Result{Username: "root", Password: "calvin"}},
		Idrac:     &fakeIdracClient{},
		Preflight: discovery.NewPreflightEngine(probe),
	})
}

func TestPreflightCheckAllReady(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	seedServer(gw, "srv-2", "10.0.0.6")
	h := newTestHandlersWithPreflight(gw, &fakeProbeClient{ready: true})

	rec := postJSON(h.PreflightCheck, preflightCheckRequest{ServerIDs: []string{"srv-1", "srv-2"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	summary, ok := resp["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, summary["OverallReady"])
}

func TestPreflightCheckLCNotReadyBlocksFleet(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	h := newTestHandlersWithPreflight(gw, &fakeProbeClient{ready: false})

	rec := postJSON(h.PreflightCheck, preflightCheckRequest{ServerIDs: []string{"srv-1"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	summary := resp["summary"].(map[string]any)
	assert.Equal(t, false, summary["OverallReady"])
}

func TestPreflightCheckMissingServerIDsIs400(t *testing.T) {
	h := newTestHandlersWithPreflight(newFakeGateway(), &fakeProbeClient{ready: true})
	rec := postJSON(h.PreflightCheck, preflightCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreflightCheckStreamEmitsDoneEvent(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	h := newTestHandlersWithPreflight(gw, &fakeProbeClient{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/api/preflight-check-stream?server_ids=srv-1", nil)
	rec := httptest.NewRecorder()
	h.PreflightCheckStream(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event:done")
	assert.Contains(t, body, "event:server_result")
}

func TestPreflightCheckStreamMissingServerIDsIs400(t *testing.T) {
	h := newTestHandlersWithPreflight(newFakeGateway(), &fakeProbeClient{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/api/preflight-check-stream", nil)
	rec := httptest.NewRecorder()
	h.PreflightCheckStream(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
