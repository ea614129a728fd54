// Package handlers implements the Instant API Server's (C14) per-request
// handlers. Every handler follows the same shape: parse the JSON body,
// validate required fields, resolve the target server (404 on miss),
// resolve its credentials (400 on miss), call the underlying C6/C7/C11
// primitive, build the response, and mirror the call through C5.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/i0mja/dell-infra-sync-sub002/internal/activitylog"
	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/discovery"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
	"github.com/i0mja/dell-infra-sync-sub002/internal/identity"
	"github.com/i0mja/dell-infra-sync-sub002/internal/replication"
	"github.com/i0mja/dell-infra-sync-sub002/internal/sshcreds"
	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
)

// Gateway is the narrow slice of the Persistence Gateway (C4) the Instant
// API Server needs directly: generic row access against servers,
// vcenter_hosts, and the replication CRUD tables. Credential resolution
// itself goes through Resolver, not this interface.
type Gateway interface {
	Select(ctx context.Context, table string, filters map[string]string, selectCols, order string) ([]map[string]any, error)
	Insert(ctx context.Context, table string, row map[string]any, returnRepresentation bool) ([]map[string]any, error)
	Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error)
	Patch(ctx context.Context, table string, filters map[string]string, row map[string]any) error
	Delete(ctx context.Context, table string, filters map[string]string) error
}

// Resolver resolves per-server iDRAC credentials (C2).
type Resolver interface {
	ResolveForServer(ctx context.Context, server credentials.Server) (credentials.Result, error)
}

// IdracClient is the slice of the iDRAC Operations Client (C6) the instant
// endpoints call into.
type IdracClient interface {
	GetSystemInfo(ctx context.Context, t idrac.Target) (*idrac.SystemInfo, error)
	GetHealth(ctx context.Context, t idrac.Target) (string, error)
	GetLifecycleControllerStatus(ctx context.Context, t idrac.Target) (*idrac.LifecycleControllerStatus, error)
	GetJobQueue(ctx context.Context, t idrac.Target) ([]idrac.JobQueueEntry, error)
	GetEventLogs(ctx context.Context, t idrac.Target) ([]idrac.EventLogEntry, error)
	SetPowerState(ctx context.Context, t idrac.Target, resetType string) error
	GetNetworkSettings(ctx context.Context, t idrac.Target) (map[string]any, error)
	SetNetworkSettings(ctx context.Context, t idrac.Target, attrs map[string]any) error
	GetBIOSAttributes(ctx context.Context, t idrac.Target) (map[string]any, error)
	GetFirmwareInventory(ctx context.Context, t idrac.Target) ([]idrac.FirmwareEntry, error)
	GetBootOrder(ctx context.Context, t idrac.Target) ([]string, error)
	GetKVMLaunchInfo(ctx context.Context, t idrac.Target) (*idrac.KVMLaunchInfo, error)
}

// Deps bundles every component a handler needs. Built once at startup and
// shared read-only across every request.
type Deps struct {
	Gateway     Gateway
	Resolver    Resolver
	Idrac       IdracClient
	Sessions    *vcenter.SessionManager
	SSHManager  *sshcreds.Manager
	Replication *replication.Engine
	Scanner     *discovery.Scanner
	Preflight   *discovery.PreflightEngine
	Normalizer  *identity.Normalizer
	Log         *activitylog.Logger
}

// Handlers holds the HTTP method receivers; every exported method has the
// http.HandlerFunc signature gorilla/mux expects.
type Handlers struct {
	*Deps
}

// NewHandlers builds a Handlers around deps.
func NewHandlers(deps *Deps) *Handlers {
	return &Handlers{Deps: deps}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return &errs.ValidationError{Message: "request body is required"}
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &errs.ValidationError{Message: "malformed JSON body: " + err.Error()}
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error()})
}

func statusFor(err error) int {
	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	var nferr *errs.NotFoundError
	if errors.As(err, &nferr) {
		return http.StatusNotFound
	}
	var autherr *errs.AuthError
	if errors.As(err, &autherr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func eq(v string) string { return "eq." + v }

// resolveServer fetches the servers row backing the Credential Resolver's
// (C2) Server struct, the first step every per-server handler shares.
func (h *Handlers) resolveServer(ctx context.Context, id string) (credentials.Server, error) {
	if id == "" {
		return credentials.Server{}, &errs.ValidationError{Field: "server_id", Message: "server_id is required"}
	}
	rows, err := h.Gateway.Select(ctx, "servers", map[string]string{"id": eq(id)}, "", "")
	if err != nil {
		return credentials.Server{}, &errs.ConnectivityError{Op: "resolve server", Target: "persistence gateway", Err: err}
	}
	if len(rows) == 0 {
		return credentials.Server{}, &errs.NotFoundError{Kind: "server", ID: id}
	}
	return rowToServer(rows[0]), nil
}

func rowToServer(row map[string]any) credentials.Server {
	server := credentials.Server{ID: asString(row["id"]), IPAddress: asString(row["ip_address"])}
	if v := asString(row["credential_set_id"]); v != "" {
		server.CredentialSetID = &v
	}
	if v := asString(row["idrac_username"]); v != "" {
		server.IdracUsername = &v
	}
	if v := asString(row["idrac_password_encrypted"]); v != "" {
		server.IdracPasswordEncrypted = &v
	}
	if v := asString(row["discovered_by_credential_set_id"]); v != "" {
		server.DiscoveredByCredentialSetID = &v
	}
	return server
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// resolveTarget chains resolveServer with the Credential Resolver (C2) to
// build the idrac.Target every instant endpoint needs, mapping a resolve
// failure to the 400 the spec calls for.
func (h *Handlers) resolveTarget(ctx context.Context, serverID string) (idrac.Target, error) {
	server, err := h.resolveServer(ctx, serverID)
	if err != nil {
		return idrac.Target{}, err
	}
	result, err := h.Resolver.ResolveForServer(ctx, server)
	if err != nil {
		return idrac.Target{}, &errs.ValidationError{Field: "server_id", Message: "no iDRAC credentials available: " + err.Error()}
	}
	return idrac.Target{IP: server.IPAddress, Username: result.Username, Password: result.Password, ServerID: serverID}, nil
}

// resolveVCenterHost fetches the vcenter_hosts row a browse/session call
// needs to reach the right vCenter instance.
func (h *Handlers) resolveVCenterHost(ctx context.Context, id string) (vcenter.Host, error) {
	if id == "" {
		return vcenter.Host{}, &errs.ValidationError{Field: "vcenter_id", Message: "vcenter_id is required"}
	}
	rows, err := h.Gateway.Select(ctx, "vcenter_hosts", map[string]string{"id": eq(id)}, "", "")
	if err != nil {
		return vcenter.Host{}, &errs.ConnectivityError{Op: "resolve vcenter host", Target: "persistence gateway", Err: err}
	}
	if len(rows) == 0 {
		return vcenter.Host{}, &errs.NotFoundError{Kind: "vcenter_host", ID: id}
	}
	row := rows[0]
	return vcenter.Host{
		ID:       asString(row["id"]),
		Address:  asString(row["address"]),
		Username: asString(row["username"]),
		Password: asString(row["password"]),
	}, nil
}

// browseDatastore is a thin seam over vcenter.BrowseDatastore so handler
// tests can substitute a fake without a live govmomi session.
var browseDatastore = vcenter.BrowseDatastore

func (h *Handlers) logCall(ctx context.Context, endpoint, serverID string, err error) {
	if h.Log == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.Log.Log(ctx, activitylog.Entry{
		Endpoint:      endpoint,
		Method:        "POST",
		OperationType: "idrac_api",
		ServerID:      serverID,
		Success:       err == nil,
		ErrorMessage:  msg,
	})
}
