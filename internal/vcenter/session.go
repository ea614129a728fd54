// Package vcenter maintains govmomi sessions against vCenter hosts (C7),
// fetches the inventory tree with one container view and one
// PropertyCollector retrieval per entity type (C8),
// and batch-upserts it idempotently (C9).
package vcenter

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/session"

	"github.com/i0mja/dell-infra-sync-sub002/internal/activitylog"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// Host is a vCenter connection target.
type Host struct {
	ID       string
	Address  string
	Username string
	Password string
}

// SessionManager keeps at most one live govmomi session per vCenter host,
// reusing it across operations and forcing a fresh login when the cached
// session is gone (RetrieveContent().currentSession is nil) or a caller
// has just finished a long-gap operation (reboot, firmware update) that is
// known to invalidate sessions.
type SessionManager struct {
	log *activitylog.Logger

	mu       sync.Mutex
	sessions map[string]*govmomi.Client // keyed by Host.ID
}

// NewSessionManager builds a SessionManager. log may be nil.
func NewSessionManager(log *activitylog.Logger) *SessionManager {
	return &SessionManager{log: log, sessions: make(map[string]*govmomi.Client)}
}

// Connect returns a cached, still-authenticated session for host if one
// exists, otherwise logs in fresh and caches the result.
func (m *SessionManager) Connect(ctx context.Context, host Host) (*govmomi.Client, error) {
	m.mu.Lock()
	cached, ok := m.sessions[host.ID]
	m.mu.Unlock()

	if ok && m.isAlive(ctx, cached) {
		return cached, nil
	}

	client, err := m.login(ctx, host)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[host.ID] = client
	m.mu.Unlock()
	return client, nil
}

// EnsureSession is called before an operation known to follow a long gap
// (a host reboot, a firmware update) during which vCenter may have expired
// the cached session. It forces a liveness check and, on failure, a fresh
// login, pre-empting a "NotAuthenticated" fault mid-operation.
func (m *SessionManager) EnsureSession(ctx context.Context, host Host) (*govmomi.Client, error) {
	m.mu.Lock()
	cached, ok := m.sessions[host.ID]
	m.mu.Unlock()

	if ok && m.isAlive(ctx, cached) {
		return cached, nil
	}

	client, err := m.login(ctx, host)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[host.ID] = client
	m.mu.Unlock()
	return client, nil
}

// isAlive mirrors the spec's "RetrieveContent().currentSession is non-null"
// check: a live session's SessionManager.UserSession call succeeds and
// returns a non-nil session; anything else means the session is gone and a
// fresh login is required.
func (m *SessionManager) isAlive(ctx context.Context, client *govmomi.Client) bool {
	mgr := session.NewManager(client.Client)
	userSession, err := mgr.UserSession(ctx)
	return err == nil && userSession != nil
}

func (m *SessionManager) login(ctx context.Context, host Host) (*govmomi.Client, error) {
	u, err := url.Parse(fmt.Sprintf("https://%s/sdk", host.Address))
	if err != nil {
		return nil, &errs.ConfigError{Op: "parse vcenter url", Err: err}
	}
	u.User = url.UserPassword(host.Username, host.Password)

	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		m.logFailure(ctx, host, err)
		return nil, &errs.ConnectivityError{Op: "vcenter login", Target: host.Address, Err: err}
	}

	if m.log != nil {
		m.log.Log(ctx, activitylog.Entry{
			Endpoint:      "/sdk",
			Method:        "POST",
			OperationType: "vcenter_api",
			Success:       true,
			ServerID:      host.ID,
		})
	}
	return client, nil
}

func (m *SessionManager) logFailure(ctx context.Context, host Host, err error) {
	if m.log == nil {
		return
	}
	m.log.Log(ctx, activitylog.Entry{
		Endpoint:      "/sdk",
		Method:        "POST",
		OperationType: "vcenter_api",
		Success:       false,
		ErrorMessage:  err.Error(),
		ServerID:      host.ID,
	})
}

// Disconnect logs out and evicts the cached session for host, if any.
func (m *SessionManager) Disconnect(ctx context.Context, hostID string) {
	m.mu.Lock()
	client, ok := m.sessions[hostID]
	delete(m.sessions, hostID)
	m.mu.Unlock()

	if ok {
		_ = client.Logout(ctx)
	}
}
