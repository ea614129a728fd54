package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/identity"
	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
)

func testNormalizer() *identity.Normalizer {
	return identity.New("EXAMPLE.COM", "example.com", []string{"domain.local"}, nil, map[string]string{"DOMAIN": "domain.local"})
}

type fakeGateway struct {
	rows map[string][]map[string]any
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rows: map[string][]map[string]any{}}
}

func (g *fakeGateway) Select(ctx context.Context, table string, filters map[string]string, selectCols, order string) ([]map[string]any, error) {
	rows := g.rows[table]
	if id, ok := filters["id"]; ok {
		wanted := id[len("eq."):]
		var out []map[string]any
		for _, r := range rows {
			if asString(r["id"]) == wanted {
				out = append(out, r)
			}
		}
		return out, nil
	}
	return rows, nil
}

func (g *fakeGateway) Insert(ctx context.Context, table string, row map[string]any, returnRepresentation bool) ([]map[string]any, error) {
	g.rows[table] = append(g.rows[table], row)
	return []map[string]any{row}, nil
}

func (g *fakeGateway) Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error) {
	g.rows[table] = append(g.rows[table], rows...)
	return rows, nil
}

func (g *fakeGateway) Patch(ctx context.Context, table string, filters map[string]string, row map[string]any) error {
	rows := g.rows[table]
	id, ok := filters["id"]
	if !ok {
		return nil
	}
	wanted := id[len("eq."):]
	for i, r := range rows {
		if asString(r["id"]) == wanted {
			for k, v := range row {
				rows[i][k] = v
			}
		}
	}
	return nil
}

func (g *fakeGateway) Delete(ctx context.Context, table string, filters map[string]string) error {
	id, ok := filters["id"]
	if !ok {
		return nil
	}
	wanted := id[len("eq."):]
	var kept []map[string]any
	for _, r := range g.rows[table] {
		if asString(r["id"]) != wanted {
			kept = append(kept, r)
		}
	}
	g.rows[table] = kept
	return nil
}

type fakeResolver struct {
	result credentials.Result
	err    error
}

func (r *fakeResolver) ResolveForServer(ctx context.Context, server credentials.Server) (credentials.Result, error) {
	return r.result, r.err
}

type fakeIdracClient struct {
	systemInfo *idrac.SystemInfo
	err        error
	power      string
	kvm        *idrac.KVMLaunchInfo
	eventLogs  []idrac.EventLogEntry
}

func (f *fakeIdracClient) GetSystemInfo(ctx context.Context, t idrac.Target) (*idrac.SystemInfo, error) {
	return f.systemInfo, f.err
}
func (f *fakeIdracClient) GetHealth(ctx context.Context, t idrac.Target) (string, error) {
	return "OK", f.err
}
func (f *fakeIdracClient) GetLifecycleControllerStatus(ctx context.Context, t idrac.Target) (*idrac.LifecycleControllerStatus, error) {
	return &idrac.LifecycleControllerStatus{LCReady: true, Status: "Ready"}, f.err
}
func (f *fakeIdracClient) GetJobQueue(ctx context.Context, t idrac.Target) ([]idrac.JobQueueEntry, error) {
	return nil, f.err
}
func (f *fakeIdracClient) GetEventLogs(ctx context.Context, t idrac.Target) ([]idrac.EventLogEntry, error) {
	return f.eventLogs, f.err
}
func (f *fakeIdracClient) SetPowerState(ctx context.Context, t idrac.Target, resetType string) error {
	f.power = resetType
	return f.err
}
func (f *fakeIdracClient) GetNetworkSettings(ctx context.Context, t idrac.Target) (map[string]any, error) {
	return map[string]any{"DHCPEnabled": true}, f.err
}
func (f *fakeIdracClient) SetNetworkSettings(ctx context.Context, t idrac.Target, attrs map[string]any) error {
	return f.err
}
func (f *fakeIdracClient) GetBIOSAttributes(ctx context.Context, t idrac.Target) (map[string]any, error) {
	return map[string]any{"BootMode": "Uefi"}, f.err
}
func (f *fakeIdracClient) GetFirmwareInventory(ctx context.Context, t idrac.Target) ([]idrac.FirmwareEntry, error) {
	return nil, f.err
}
func (f *fakeIdracClient) GetBootOrder(ctx context.Context, t idrac.Target) ([]string, error) {
	return []string{"HardDisk.List.1-1", "NIC.Slot.1-1"}, f.err
}
func (f *fakeIdracClient) GetKVMLaunchInfo(ctx context.Context, t idrac.Target) (*idrac.KVMLaunchInfo, error) {
	return f.kvm, f.err
}

func newTestHandlers(gw *fakeGateway, idracClient *fakeIdracClient, resolver *fakeResolver) *Handlers {
	return NewHandlers(&Deps{
		Gateway:  gw,
		Resolver: resolver,
		Idrac:    idracClient,
	})
}

func seedServer(gw *fakeGateway, id, ip string) {
	gw.rows["servers"] = append(gw.rows["servers"], map[string]any{"id": id, "ip_address": ip})
}

func postJSON(h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestConnectivityTestSuccess(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	idracClient := &fakeIdracClient{systemInfo: &idrac.SystemInfo{Model: "PowerEdge R640", SerialNumber: "ABC123"}}
	resolver := &fakeResolver{result: credentials.Result{Username: "root", Password: "calvin"}}
	h := newTestHandlers(gw, idracClient, resolver)

	rec := postJSON(h.ConnectivityTest, serverRequest{ServerID: "srv-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "PowerEdge R640", resp["model"])
}

func TestConnectivityTestUnknownServerIs404(t *testing.T) {
	gw := newFakeGateway()
	h := newTestHandlers(gw, &fakeIdracClient{}, &fakeResolver{})

	rec := postJSON(h.ConnectivityTest, serverRequest{ServerID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectivityTestMissingServerIDIs400(t *testing.T) {
	gw := newFakeGateway()
	h := newTestHandlers(gw, &fakeIdracClient{}, &fakeResolver{})

	rec := postJSON(h.ConnectivityTest, serverRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPowerControlMissingResetTypeIs400(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	h := newTestHandlers(gw, &fakeIdracClient{}, &fakeResolver{result: credentials.Result{Username: "root", Password: "calvin"}})

	rec := postJSON(h.PowerControl, powerControlRequest{ServerID: "srv-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPowerControlSuccess(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	idracClient := &fakeIdracClient{}
	h := newTestHandlers(gw, idracClient, &fakeResolver{result: credentials.Result{Username: "root", Password: "calvin"}})

	rec := postJSON(h.PowerControl, powerControlRequest{ServerID: "srv-1", ResetType: "GracefulRestart"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GracefulRestart", idracClient.power)
}

func TestConsoleLaunchCredentialResolveFailureIs400(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	h := newTestHandlers(gw, &fakeIdracClient{}, &fakeResolver{err: assertErr("no credential set matched")})

	rec := postJSON(h.ConsoleLaunch, serverRequest{ServerID: "srv-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandlers(newFakeGateway(), &fakeIdracClient{}, &fakeResolver{})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdmAuthenticateNormalizesPrincipal(t *testing.T) {
	h := NewHandlers(&Deps{
		Gateway:    newFakeGateway(),
		Resolver:   &fakeResolver{},
		Idrac:      &fakeIdracClient{},
		Normalizer: testNormalizer(),
	})

	rec := postJSON(h.IdmAuthenticate, idmAuthenticateRequest{Username: "DOMAIN\\jsmith", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["canonical_principal"])
}

func TestIdmAuthenticateMissingPasswordIs400(t *testing.T) {
	h := NewHandlers(&Deps{Gateway: newFakeGateway(), Resolver: &fakeResolver{}, Idrac: &fakeIdracClient{}, Normalizer: testNormalizer()})
	rec := postJSON(h.IdmAuthenticate, idmAuthenticateRequest{Username: "jsmith"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventLogsReturnsEntries(t *testing.T) {
	gw := newFakeGateway()
	seedServer(gw, "srv-1", "10.0.0.5")
	idracClient := &fakeIdracClient{eventLogs: []idrac.EventLogEntry{{ID: "1", Severity: "Warning", Message: "PSU redundancy lost"}}}
	h := newTestHandlers(gw, idracClient, &fakeResolver{result: credentials.Result{Username: "root", Password: "calvin"}})

	rec := postJSON(h.EventLogs, serverRequest{ServerID: "srv-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	entries, ok := resp["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
}
