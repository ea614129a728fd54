package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
)

func TestPreflightAllHostsReadyWhenClean(t *testing.T) {
	client := &fakeProbeClient{
		idracIPs:    map[string]bool{"10.0.0.1": true, "10.0.0.2": true},
		validCreds:  map[string]string{"10.0.0.1": "root", "10.0.0.2": "root"},
		lcReady:     map[string]bool{"10.0.0.1": true, "10.0.0.2": true},
		pendingJobs: map[string]int{},
	}
	engine := NewPreflightEngine(client)

	summary := engine.Run(context.Background(), []PreflightHost{
		{ServerID: "A", IP: "10.0.0.1", Username: "root", Password: "calvin"},
		{ServerID: "B", IP: "10.0.0.2", Username: "root", Password: "calvin"},
	}, nil)

	assert.True(t, summary.OverallReady)
	assert.Empty(t, summary.Blockers)
	require.Len(t, summary.Results, 2)
}

func TestPreflightOneBlockedHostWithPendingJobs(t *testing.T) {
	client := &fakeProbeClient{
		idracIPs:    map[string]bool{"10.0.0.1": true, "10.0.0.2": true},
		validCreds:  map[string]string{"10.0.0.1": "root", "10.0.0.2": "root"},
		lcReady:     map[string]bool{"10.0.0.1": true, "10.0.0.2": true},
		pendingJobs: map[string]int{"10.0.0.2": 2},
	}
	engine := NewPreflightEngine(client)

	summary := engine.Run(context.Background(), []PreflightHost{
		{ServerID: "A", IP: "10.0.0.1", Username: "root", Password: "calvin"},
		{ServerID: "B", IP: "10.0.0.2", Username: "root", Password: "calvin"},
	}, nil)

	assert.False(t, summary.OverallReady)
	require.Len(t, summary.Blockers, 1)
	blocker := summary.Blockers[0]
	assert.Equal(t, "pending_jobs", blocker.Type)
	assert.Equal(t, "B", blocker.ServerID)
	assert.Contains(t, blocker.Message, "2")
}

func TestPreflightConnectivityFailureBlocksHost(t *testing.T) {
	client := &fakeProbeClient{
		idracIPs:   map[string]bool{},
		validCreds: map[string]string{},
	}
	engine := NewPreflightEngine(client)

	summary := engine.Run(context.Background(), []PreflightHost{
		{ServerID: "C", IP: "10.0.0.50", Username: "root", Password: "wrong"},
	}, nil)

	assert.False(t, summary.OverallReady)
	require.Len(t, summary.Results, 1)
	assert.False(t, summary.Results[0].Ready)
	require.Len(t, summary.Results[0].Blockers, 1)
	assert.Equal(t, "connectivity", summary.Results[0].Blockers[0].Type)
}

func TestPreflightDegradedHealthBlocksHost(t *testing.T) {
	client := &fakeProbeClient{
		idracIPs:   map[string]bool{"10.0.0.3": true},
		validCreds: map[string]string{"10.0.0.3": "root"},
		systemInfo: map[string]*idrac.SystemInfo{
			"10.0.0.3": {Model: "PowerEdge R640", Status: map[string]any{"Health": "Critical"}},
		},
		lcReady: map[string]bool{"10.0.0.3": true},
	}
	engine := NewPreflightEngine(client)

	summary := engine.Run(context.Background(), []PreflightHost{
		{ServerID: "D", IP: "10.0.0.3", Username: "root", Password: "calvin"},
	}, nil)

	assert.False(t, summary.OverallReady)
	found := false
	for _, b := range summary.Blockers {
		if b.Type == "health" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPreflightStreamsEventsInOrder(t *testing.T) {
	client := &fakeProbeClient{
		idracIPs:   map[string]bool{"10.0.0.1": true},
		validCreds: map[string]string{"10.0.0.1": "root"},
		lcReady:    map[string]bool{"10.0.0.1": true},
	}
	engine := NewPreflightEngine(client)

	var mu sync.Mutex
	var events []string
	engine.Run(context.Background(), []PreflightHost{
		{ServerID: "A", IP: "10.0.0.1", Username: "root", Password: "calvin"},
	}, func(event string, payload any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	require.Len(t, events, 3)
	assert.Equal(t, "server_result", events[0])
	assert.Equal(t, "progress", events[1])
	assert.Equal(t, "done", events[2])
}

func TestPreflightMaxInFlightIsBounded(t *testing.T) {
	client := &fakeProbeClient{idracIPs: map[string]bool{}, validCreds: map[string]string{}}
	engine := NewPreflightEngine(client)

	hosts := make([]PreflightHost, 0, 20)
	for i := 0; i < 20; i++ {
		hosts = append(hosts, PreflightHost{ServerID: fmt.Sprintf("h%d", i), IP: fmt.Sprintf("10.0.2.%d", i)})
	}
	summary := engine.Run(context.Background(), hosts, nil)
	assert.Len(t, summary.Results, 20)
}
