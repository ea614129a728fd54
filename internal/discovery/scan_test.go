package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
)

func TestExpandIPsPrefersListOverRange(t *testing.T) {
	ips, err := ExpandIPs([]string{"10.0.0.1", "10.0.0.2"}, "10.0.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestExpandIPsCIDRDropsNetworkAndBroadcast(t *testing.T) {
	ips, err := ExpandIPs(nil, "10.0.0.0/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestExpandIPsHyphenRange(t *testing.T) {
	ips, err := ExpandIPs(nil, "10.0.0.1-10.0.0.3")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, ips)
}

func TestExpandIPsSingleAddress(t *testing.T) {
	ips, err := ExpandIPs(nil, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestExpandIPsCIDRSlash32ExpandsToSingleIP(t *testing.T) {
	ips, err := ExpandIPs(nil, "10.0.0.5/32")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestExpandIPsCIDRSlash31ExpandsToBothAddresses(t *testing.T) {
	ips, err := ExpandIPs(nil, "10.0.0.4/31")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.4", "10.0.0.5"}, ips)
}

func TestExpandIPsRejectsEmptyInput(t *testing.T) {
	_, err := ExpandIPs(nil, "")
	require.Error(t, err)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestExpandIPsRejectsGarbage(t *testing.T) {
	_, err := ExpandIPs(nil, "not-an-ip")
	require.Error(t, err)
}

// fakeScanGateway is an in-memory stand-in for the narrow Gateway the
// Scanner needs: a fixed set of credential sets plus an upsert sink.
type fakeScanGateway struct {
	mu       sync.Mutex
	sets     []credentials.CredentialSet
	upserted []map[string]any
}

func (g *fakeScanGateway) CredentialSetsByID(ctx context.Context, ids []string) ([]credentials.CredentialSet, error) {
	return g.sets, nil
}

func (g *fakeScanGateway) Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserted = append(g.upserted, rows...)
	return rows, nil
}

// fakeProbeClient simulates the iDRAC surface for a fixed map of
// ip -> behavior, so tests never dial anything real.
type fakeProbeClient struct {
	mu          sync.Mutex
	idracIPs    map[string]bool
	validCreds  map[string]string // ip -> username that must match for success
	systemInfo  map[string]*idrac.SystemInfo
	lcReady     map[string]bool
	pendingJobs map[string]int
}

func (f *fakeProbeClient) ProbeRedfishRoot(ctx context.Context, ip string) (bool, error) {
	return f.idracIPs[ip], nil
}

func (f *fakeProbeClient) GetSystemInfo(ctx context.Context, t idrac.Target) (*idrac.SystemInfo, error) {
	wantUser, ok := f.validCreds[t.IP]
	if !ok || wantUser != t.Username {
		return nil, &errs.AuthError{Op: "GetSystemInfo", Target: t.IP, Err: fmt.Errorf("HTTP 401")}
	}
	if info, ok := f.systemInfo[t.IP]; ok {
		return info, nil
	}
	return &idrac.SystemInfo{Model: "PowerEdge R740", SerialNumber: "ABC1234", Status: map[string]any{"Health": "OK"}}, nil
}

func (f *fakeProbeClient) GetLifecycleControllerStatus(ctx context.Context, t idrac.Target) (*idrac.LifecycleControllerStatus, error) {
	ready := f.lcReady[t.IP]
	status := "Ready"
	if !ready {
		status = "NotReady"
	}
	return &idrac.LifecycleControllerStatus{LCReady: ready, Status: status}, nil
}

func (f *fakeProbeClient) GetJobQueue(ctx context.Context, t idrac.Target) ([]idrac.JobQueueEntry, error) {
	n := f.pendingJobs[t.IP]
	jobs := make([]idrac.JobQueueEntry, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, idrac.JobQueueEntry{ID: fmt.Sprintf("JID_%d", i), JobState: "Scheduled"})
	}
	return jobs, nil
}

func noopDial(ctx context.Context, address string, timeout time.Duration) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if host == "10.0.0.99" {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func TestScanDiscoversMatchingHost(t *testing.T) {
	gw := &fakeScanGateway{sets: []credentials.CredentialSet{{ID: "cs-1", Name: "lab", Username: "root", Password: "calvin", Priority: 1}}}
	client := &fakeProbeClient{
		idracIPs:   map[string]bool{"10.0.0.5": true},
		validCreds: map[string]string{"10.0.0.5": "root"},
	}
	scanner := NewScanner(gw, nil, client, 2, "", "")
	scanner.dial = noopDial

	summary, err := scanner.Scan(context.Background(), []string{"10.0.0.5"}, []string{"cs-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DiscoveredCount)
	assert.Equal(t, 0, summary.AuthFailureCount)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "synced", summary.Results[0].Status)
	assert.Equal(t, "PowerEdge R740", summary.Results[0].Model)
	assert.Len(t, gw.upserted, 1)
}

func TestScanFiltersClosedPort(t *testing.T) {
	gw := &fakeScanGateway{sets: []credentials.CredentialSet{{ID: "cs-1", Username: "root", Password: "calvin", Priority: 1}}}
	client := &fakeProbeClient{}
	scanner := NewScanner(gw, nil, client, 2, "", "")
	scanner.dial = noopDial

	summary, err := scanner.Scan(context.Background(), []string{"10.0.0.99"}, []string{"cs-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.DiscoveredCount)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "filtered", summary.Results[0].Status)
	assert.Equal(t, "port_closed", summary.Results[0].FilterReason)
}

func TestScanFiltersNonIdrac(t *testing.T) {
	gw := &fakeScanGateway{sets: []credentials.CredentialSet{{ID: "cs-1", Username: "root", Password: "calvin", Priority: 1}}}
	client := &fakeProbeClient{idracIPs: map[string]bool{}}
	scanner := NewScanner(gw, nil, client, 2, "", "")
	scanner.dial = noopDial

	summary, err := scanner.Scan(context.Background(), []string{"10.0.0.6"}, []string{"cs-1"}, nil)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "not_idrac", summary.Results[0].FilterReason)
}

func TestScanReportsAuthFailureWhenNoCredentialSetMatches(t *testing.T) {
	gw := &fakeScanGateway{sets: []credentials.CredentialSet{{ID: "cs-1", Username: "wrong-user", Password: "calvin", Priority: 1}}}
	client := &fakeProbeClient{
		idracIPs:   map[string]bool{"10.0.0.7": true},
		validCreds: map[string]string{"10.0.0.7": "root"},
	}
	scanner := NewScanner(gw, nil, client, 2, "", "")
	scanner.dial = noopDial

	summary, err := scanner.Scan(context.Background(), []string{"10.0.0.7"}, []string{"cs-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AuthFailureCount)
	assert.Equal(t, "auth_failed", summary.Results[0].Status)
}

func TestScanFallsBackToEnvironmentDefaultsWhenNoCredentialSets(t *testing.T) {
	gw := &fakeScanGateway{}
	client := &fakeProbeClient{
		idracIPs:   map[string]bool{"10.0.0.8": true},
		validCreds: map[string]string{"10.0.0.8": "svc-default"},
	}
	scanner := NewScanner(gw, nil, client, 2, "svc-default", "default-pass")
	scanner.dial = noopDial

	summary, err := scanner.Scan(context.Background(), []string{"10.0.0.8"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DiscoveredCount)
}

func TestScanFailsValidationWithNoCredentialsAtAll(t *testing.T) {
	gw := &fakeScanGateway{}
	client := &fakeProbeClient{}
	scanner := NewScanner(gw, nil, client, 2, "", "")
	scanner.dial = noopDial

	_, err := scanner.Scan(context.Background(), []string{"10.0.0.9"}, nil, nil)
	require.Error(t, err)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestScanEmitsProgressEveryFiveAndOnSignificantEvents(t *testing.T) {
	gw := &fakeScanGateway{sets: []credentials.CredentialSet{{ID: "cs-1", Username: "root", Password: "calvin", Priority: 1}}}
	ips := make([]string, 0, 12)
	idracIPs := map[string]bool{}
	validCreds := map[string]string{}
	for i := 0; i < 12; i++ {
		ip := fmt.Sprintf("10.0.1.%d", i)
		ips = append(ips, ip)
		idracIPs[ip] = true
		validCreds[ip] = "root"
	}
	client := &fakeProbeClient{idracIPs: idracIPs, validCreds: validCreds}
	scanner := NewScanner(gw, nil, client, 4, "", "")
	scanner.dial = noopDial

	var progressCalls int
	var mu sync.Mutex
	_, err := scanner.Scan(context.Background(), ips, []string{"cs-1"}, func(p ScanProgress) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
	})
	require.NoError(t, err)
	// every IP here is a stage-3 success, so each of the 12 completions
	// reports progress, including the 5th and 10th.
	assert.Equal(t, 12, progressCalls)
}

func TestDecrypterIsUsedWhenCredentialSetOnlyHasEncryptedPassword(t *testing.T) {
	gw := &fakeScanGateway{sets: []credentials.CredentialSet{{ID: "cs-1", Username: "root", PasswordEncrypted: "blob", Priority: 1}}}
	client := &fakeProbeClient{idracIPs: map[string]bool{"10.0.0.10": true}, validCreds: map[string]string{"10.0.0.10": "root"}}
	scanner := NewScanner(gw, fakeDecrypter{decrypted: "calvin"}, client, 2, "", "")
	scanner.dial = noopDial

	summary, err := scanner.Scan(context.Background(), []string{"10.0.0.10"}, []string{"cs-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DiscoveredCount)
}

type fakeDecrypter struct{ decrypted string }

func (f fakeDecrypter) Decrypt(ctx context.Context, encrypted string) (string, error) {
	return f.decrypted, nil
}
