// Package discovery implements the Discovery/PreFlight Engine (C13): a
// bounded-parallel IP sweep that stages out unreachable and non-iDRAC hosts
// before spending an authenticated call on them, plus a fleet PreFlight
// check that combines connectivity, auth, and readiness into one pass.
package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
)

// Gateway is the slice of the Persistence Gateway (C4) the Scanner needs:
// fetching candidate credential sets by id, and upserting newly discovered
// servers. Declared narrowly here rather than imported from
// internal/persistence so this package carries no dependency on the
// gateway's full REST surface.
type Gateway interface {
	CredentialSetsByID(ctx context.Context, ids []string) ([]credentials.CredentialSet, error)
	Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error)
}

// Decrypter fetches the shared encryption key and decrypts a single
// encrypted blob, mirroring internal/credentials.Decrypter's shape so the
// same production implementation can satisfy both.
type Decrypter interface {
	Decrypt(ctx context.Context, encrypted string) (string, error)
}

// ProbeClient is the slice of the iDRAC Client (C6) the three scan stages
// need. Narrowed so tests can substitute a fake without a live TLS target.
type ProbeClient interface {
	ProbeRedfishRoot(ctx context.Context, ip string) (bool, error)
	GetSystemInfo(ctx context.Context, t idrac.Target) (*idrac.SystemInfo, error)
	GetLifecycleControllerStatus(ctx context.Context, t idrac.Target) (*idrac.LifecycleControllerStatus, error)
	GetJobQueue(ctx context.Context, t idrac.Target) ([]idrac.JobQueueEntry, error)
}

// dialFunc opens (and immediately releases) a TCP connection to prove a
// port is accepting connections; overridable in tests.
type dialFunc func(ctx context.Context, address string, timeout time.Duration) error

func dialTCP(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ServerResult is the per-IP outcome of a scan, matching the shape the
// original discovery job surfaced to the UI as one entry of server_results.
type ServerResult struct {
	IP                string
	Status            string // synced | auth_failed | filtered
	FilterReason      string // port_closed | not_idrac | timeout | error | cancelled
	Model             string
	ServiceTag        string
	CredentialSetID   string
	CredentialSetName string
}

// ScanProgress is one progress snapshot, emitted every 5 completed IPs and
// on any stage-3 success or auth-failure.
type ScanProgress struct {
	IPsProcessed    int
	IPsTotal        int
	Stage1Passed    int
	Stage1Filtered  int
	Stage2Passed    int
	Stage2Filtered  int
	DiscoveredCount int
	AuthFailures    int
	RecentResults   []ServerResult // last 20
}

// ProgressFunc reports a ScanProgress snapshot to a caller (the job
// scheduler, in practice).
type ProgressFunc func(ScanProgress)

// ScanSummary is the final aggregate a completed scan returns.
type ScanSummary struct {
	ScannedIPs       int
	DiscoveredCount  int
	AuthFailureCount int
	Stage1Passed     int
	Stage1Filtered   int
	Stage2Passed     int
	Stage2Filtered   int
	TimeoutCount     int
	TimeoutWarning   bool
	Results          []ServerResult
}

// Scanner runs the bounded-parallel 3-stage IP sweep.
type Scanner struct {
	gw          Gateway
	decrypter   Decrypter
	client      ProbeClient
	poolSize    int
	perIPTimeout time.Duration
	dial        dialFunc
	defaultUser string
	defaultPass string
}

// NewScanner builds a Scanner. poolSize defaults to 5 when <= 0.
// defaultUser/defaultPass are the process-wide fallback credentials used
// only when no credential_set_ids are supplied (the "Environment Default"
// entry the original scan fell back to).
func NewScanner(gw Gateway, decrypter Decrypter, client ProbeClient, poolSize int, defaultUser, defaultPass string) *Scanner {
	if poolSize <= 0 {
		poolSize = 5
	}
	return &Scanner{
		gw:           gw,
		decrypter:    decrypter,
		client:       client,
		poolSize:     poolSize,
		perIPTimeout: 30 * time.Second,
		dial:         dialTCP,
		defaultUser:  defaultUser,
		defaultPass:  defaultPass,
	}
}

// stagedJitter reproduces the original pacing: no delay for the first 10
// submissions (or whenever the whole batch is <= 10 IPs), then 50-200ms
// staggered by position within each block of 10, to avoid a thundering herd
// against a fleet of iDRACs.
func stagedJitter(i, total int) time.Duration {
	if i < 10 || total <= 10 {
		return 0
	}
	ms := 50 + 15*(i%10)
	return time.Duration(ms) * time.Millisecond
}

type stageOutcome struct {
	result   ServerResult
	timedOut bool
}

// Scan expands no IPs itself - callers pass an already-flattened ips slice
// (see ExpandIPs) - and sweeps them through the bounded worker pool,
// reporting progress via progress and returning the final aggregate.
func (s *Scanner) Scan(ctx context.Context, ips []string, credentialSetIDs []string, progress ProgressFunc) (*ScanSummary, error) {
	if len(ips) == 0 {
		return nil, &errs.ValidationError{Field: "ips", Message: "no IPs to scan - provide ip_range or ip_list"}
	}

	sets, err := s.credentialSets(ctx, credentialSetIDs)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, &errs.ValidationError{Field: "credential_set_ids", Message: "no credential sets configured and no environment defaults available"}
	}

	sem := make(chan struct{}, s.poolSize)
	resultCh := make(chan stageOutcome, len(ips))
	var wg sync.WaitGroup

	for i, ip := range ips {
		wg.Add(1)
		go func(i int, ip string) {
			defer wg.Done()
			if delay := stagedJitter(i, len(ips)); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					resultCh <- stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "cancelled"}}
					return
				}
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				resultCh <- stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "cancelled"}}
				return
			}
			defer func() { <-sem }()
			resultCh <- s.scanOne(ctx, ip, sets)
		}(i, ip)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	summary := &ScanSummary{}
	var recent []ServerResult
	processed := 0

	for outcome := range resultCh {
		processed++
		summary.ScannedIPs++
		summary.Results = append(summary.Results, outcome.result)

		if outcome.timedOut {
			summary.TimeoutCount++
		}
		switch {
		case outcome.result.Status == "synced":
			summary.DiscoveredCount++
			summary.Stage1Passed++
			summary.Stage2Passed++
		case outcome.result.Status == "auth_failed":
			summary.AuthFailureCount++
			summary.Stage1Passed++
			summary.Stage2Passed++
		case outcome.result.FilterReason == "port_closed":
			summary.Stage1Filtered++
		case outcome.result.FilterReason == "not_idrac":
			summary.Stage1Passed++
			summary.Stage2Filtered++
		}

		recent = append(recent, outcome.result)
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}

		significant := outcome.result.Status == "synced" || outcome.result.Status == "auth_failed"
		if progress != nil && (processed%5 == 0 || significant) {
			progress(ScanProgress{
				IPsProcessed:    processed,
				IPsTotal:        len(ips),
				Stage1Passed:    summary.Stage1Passed,
				Stage1Filtered:  summary.Stage1Filtered,
				Stage2Passed:    summary.Stage2Passed,
				Stage2Filtered:  summary.Stage2Filtered,
				DiscoveredCount: summary.DiscoveredCount,
				AuthFailures:    summary.AuthFailureCount,
				RecentResults:   append([]ServerResult(nil), recent...),
			})
		}
	}

	if summary.TimeoutCount > 0 && float64(summary.TimeoutCount)/float64(len(ips)) > 0.3 {
		summary.TimeoutWarning = true
	}

	if err := s.persistDiscovered(ctx, summary.Results); err != nil {
		return summary, err
	}

	return summary, nil
}

// scanOne runs the 3-stage probe for a single IP under its own 30s budget.
func (s *Scanner) scanOne(ctx context.Context, ip string, sets []credentials.CredentialSet) stageOutcome {
	ipCtx, cancel := context.WithTimeout(ctx, s.perIPTimeout)
	defer cancel()

	if err := s.dial(ipCtx, ip+":443", s.perIPTimeout); err != nil {
		if ipCtx.Err() == context.DeadlineExceeded {
			return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "timeout"}, timedOut: true}
		}
		return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "port_closed"}}
	}

	detected, err := s.client.ProbeRedfishRoot(ipCtx, ip)
	if err != nil {
		if ipCtx.Err() == context.DeadlineExceeded {
			return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "timeout"}, timedOut: true}
		}
		return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "not_idrac"}}
	}
	if !detected {
		return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "not_idrac"}}
	}

	authAttempted := false
	for _, set := range sets {
		password, ok := s.materialize(ipCtx, set)
		if !ok {
			continue
		}
		info, err := s.client.GetSystemInfo(ipCtx, idrac.Target{IP: ip, Username: set.Username, Password: password})
		if err == nil {
			return stageOutcome{result: ServerResult{
				IP:                ip,
				Status:            "synced",
				Model:             info.Model,
				ServiceTag:        info.SerialNumber,
				CredentialSetID:   set.ID,
				CredentialSetName: set.Name,
			}}
		}
		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			authAttempted = true
			continue
		}
		if ipCtx.Err() == context.DeadlineExceeded {
			return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "timeout"}, timedOut: true}
		}
	}

	if authAttempted {
		return stageOutcome{result: ServerResult{IP: ip, Status: "auth_failed"}}
	}
	return stageOutcome{result: ServerResult{IP: ip, Status: "filtered", FilterReason: "error"}}
}

// credentialSets fetches the requested sets (ordered by priority ascending)
// or falls back to a single synthetic "Environment Default" entry.
func (s *Scanner) credentialSets(ctx context.Context, ids []string) ([]credentials.CredentialSet, error) {
	var sets []credentials.CredentialSet
	if len(ids) > 0 {
		fetched, err := s.gw.CredentialSetsByID(ctx, ids)
		if err != nil {
			return nil, &errs.ConnectivityError{Op: "credential_sets lookup", Target: "persistence gateway", Err: err}
		}
		sets = fetched
	}
	if len(sets) == 0 {
		if s.defaultUser == "" || s.defaultPass == "" {
			return nil, nil
		}
		sets = []credentials.CredentialSet{{
			Name:     "Environment Default",
			Username: s.defaultUser,
			Password: s.defaultPass,
			Priority: 999,
		}}
	}
	sorted := append([]credentials.CredentialSet(nil), sets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted, nil
}

// materialize returns a usable password for set, decrypting
// PasswordEncrypted on demand when the gateway didn't already resolve it.
func (s *Scanner) materialize(ctx context.Context, set credentials.CredentialSet) (string, bool) {
	if set.Password != "" {
		return set.Password, true
	}
	if set.PasswordEncrypted == "" || s.decrypter == nil {
		return "", false
	}
	decrypted, err := s.decrypter.Decrypt(ctx, set.PasswordEncrypted)
	if err != nil || decrypted == "" {
		return "", false
	}
	return decrypted, true
}

// persistDiscovered upserts every "synced" result into the servers table,
// keyed on ip_address, mirroring the original scan's insert_discovered_server
// step. Auth-failed and filtered IPs are never written.
func (s *Scanner) persistDiscovered(ctx context.Context, results []ServerResult) error {
	var rows []map[string]any
	for _, r := range results {
		if r.Status != "synced" {
			continue
		}
		row := map[string]any{
			"ip_address":        r.IP,
			"model":             r.Model,
			"service_tag":       r.ServiceTag,
			"last_discovered_at": time.Now().UTC().Format(time.RFC3339),
		}
		if r.CredentialSetID != "" {
			row["discovered_by_credential_set_id"] = r.CredentialSetID
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := s.gw.Upsert(ctx, "servers", rows, "ip_address")
	return err
}
