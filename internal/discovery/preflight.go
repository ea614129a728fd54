package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
)

// PreflightHost is one fleet member to check.
type PreflightHost struct {
	ServerID string
	IP       string
	Username string
	Password string
}

// Blocker names one reason a host, or the whole fleet, isn't ready.
type Blocker struct {
	ServerID string
	Type     string // connectivity | lc_not_ready | pending_jobs | health
	Message  string
}

// HostResult is one host's PreFlight outcome.
type HostResult struct {
	ServerID    string
	Ready       bool
	Model       string
	PowerState  string
	Health      string
	LCReady     bool
	PendingJobs int
	Blockers    []Blocker
	Error       string
}

// PreflightSummary is the final aggregate PreFlight returns in batch mode,
// or emits as the "done" event payload in streaming mode.
type PreflightSummary struct {
	OverallReady bool
	Results      []HostResult
	Blockers     []Blocker
}

// PreflightEventFunc receives one SSE-shaped event: "progress" with a
// {checked,total} payload, "server_result" with one HostResult, and a
// final "done" with the PreflightSummary. Framing these as
// `event:<name>\ndata:<json>\n\n` and flushing is the HTTP layer's (C14)
// job; this engine only decides what to emit and when.
type PreflightEventFunc func(event string, payload any)

// maxPreflightInFlight bounds concurrent host checks. Independent of (and
// smaller than) the Scanner's own discovery pool, since a PreFlight host is
// already known-good and the check itself is several sequential calls.
const maxPreflightInFlight = 4

// PreflightEngine runs the fleet readiness check: one GetSystemInfo call
// proves connectivity and auth together, then Lifecycle Controller
// readiness, pending job count, and overall health are layered on top.
type PreflightEngine struct {
	client ProbeClient
}

// NewPreflightEngine builds a PreflightEngine.
func NewPreflightEngine(client ProbeClient) *PreflightEngine {
	return &PreflightEngine{client: client}
}

// Run checks every host in hosts, up to maxPreflightInFlight concurrently.
// When emit is non-nil each host's result is streamed as it completes
// (the SSE mode); emit may be nil for a pure batch call, in which case
// only the returned PreflightSummary matters.
func (e *PreflightEngine) Run(ctx context.Context, hosts []PreflightHost, emit PreflightEventFunc) *PreflightSummary {
	sem := make(chan struct{}, maxPreflightInFlight)
	resultCh := make(chan HostResult, len(hosts))
	var wg sync.WaitGroup

	for _, h := range hosts {
		wg.Add(1)
		go func(h PreflightHost) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				resultCh <- HostResult{ServerID: h.ServerID, Error: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()
			resultCh <- e.checkHost(ctx, h)
		}(h)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	summary := &PreflightSummary{OverallReady: true}
	checked := 0
	for result := range resultCh {
		checked++
		summary.Results = append(summary.Results, result)
		summary.Blockers = append(summary.Blockers, result.Blockers...)
		if !result.Ready {
			summary.OverallReady = false
		}
		if emit != nil {
			emit("server_result", result)
			emit("progress", map[string]any{"checked": checked, "total": len(hosts)})
		}
	}

	if emit != nil {
		emit("done", summary)
	}
	return summary
}

// checkHost proves connectivity+auth with one GetSystemInfo call, then
// gathers Lifecycle Controller readiness, pending job count, power state,
// and overall health.
func (e *PreflightEngine) checkHost(ctx context.Context, h PreflightHost) HostResult {
	target := idrac.Target{IP: h.IP, Username: h.Username, Password: h.Password, ServerID: h.ServerID}

	info, err := e.client.GetSystemInfo(ctx, target)
	if err != nil {
		return HostResult{
			ServerID: h.ServerID,
			Error:    err.Error(),
			Blockers: []Blocker{{ServerID: h.ServerID, Type: "connectivity", Message: err.Error()}},
		}
	}

	health := ""
	if info.Status != nil {
		if v, ok := info.Status["Health"].(string); ok {
			health = v
		}
	}

	result := HostResult{
		ServerID:   h.ServerID,
		Model:      info.Model,
		PowerState: info.PowerState,
		Health:     health,
		Ready:      true,
	}

	if lc, lcErr := e.client.GetLifecycleControllerStatus(ctx, target); lcErr == nil {
		result.LCReady = lc.LCReady
		if !lc.LCReady {
			result.Ready = false
			result.Blockers = append(result.Blockers, Blocker{
				ServerID: h.ServerID, Type: "lc_not_ready",
				Message: "lifecycle controller status: " + lc.Status,
			})
		}
	} else {
		result.Ready = false
		result.Blockers = append(result.Blockers, Blocker{ServerID: h.ServerID, Type: "lc_not_ready", Message: lcErr.Error()})
	}

	if jobs, jobErr := e.client.GetJobQueue(ctx, target); jobErr == nil {
		pending := 0
		for _, j := range jobs {
			if j.JobState == "Scheduled" || j.JobState == "Running" || j.JobState == "New" {
				pending++
			}
		}
		result.PendingJobs = pending
		if pending > 0 {
			result.Ready = false
			result.Blockers = append(result.Blockers, Blocker{
				ServerID: h.ServerID,
				Type:     "pending_jobs",
				Message:  fmt.Sprintf("%d pending job(s) in the iDRAC job queue", pending),
			})
		}
	}

	if health != "" && !strings.EqualFold(health, "OK") {
		result.Ready = false
		result.Blockers = append(result.Blockers, Blocker{ServerID: h.ServerID, Type: "health", Message: "overall health: " + health})
	}

	return result
}
