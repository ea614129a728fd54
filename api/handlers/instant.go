package handlers

import (
	"net/http"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// Health answers GET /api/health with a static liveness payload.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": "1.0.0"})
}

type serverRequest struct {
	ServerID string `json:"server_id"`
}

// ConsoleLaunch answers POST /api/console-launch: resolves the server and
// its credentials, then requests a one-time KVM console session from the
// iDRAC (C6).
func (h *Handlers) ConsoleLaunch(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	info, err := h.Idrac.GetKVMLaunchInfo(r.Context(), target)
	h.logCall(r.Context(), "/api/console-launch", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "console_url": info.ConsoleURL, "session_id": info.SessionID})
}

type powerControlRequest struct {
	ServerID  string `json:"server_id"`
	ResetType string `json:"reset_type"`
}

// PowerControl answers POST /api/power-control, issuing a Redfish
// ComputerSystem.Reset action (C6).
func (h *Handlers) PowerControl(w http.ResponseWriter, r *http.Request) {
	var req powerControlRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ResetType == "" {
		respondError(w, &errs.ValidationError{Field: "reset_type", Message: "reset_type is required"})
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	err = h.Idrac.SetPowerState(r.Context(), target, req.ResetType)
	h.logCall(r.Context(), "/api/power-control", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ConnectivityTest answers POST /api/connectivity-test: a single
// GetSystemInfo call proves reachability and credential validity together.
func (h *Handlers) ConnectivityTest(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	info, err := h.Idrac.GetSystemInfo(r.Context(), target)
	h.logCall(r.Context(), "/api/connectivity-test", req.ServerID, err)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"success": false, "reachable": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "reachable": true, "model": info.Model, "serial_number": info.SerialNumber})
}

type browseDatastoreRequest struct {
	VCenterID     string `json:"vcenter_id"`
	DatastoreName string `json:"datastore_name"`
	Path          string `json:"path"`
}

// BrowseDatastore answers POST /api/browse-datastore, listing the
// immediate contents of a datastore directory via vCenter's
// HostDatastoreBrowser (C7/C8).
func (h *Handlers) BrowseDatastore(w http.ResponseWriter, r *http.Request) {
	var req browseDatastoreRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.VCenterID == "" {
		respondError(w, &errs.ValidationError{Field: "vcenter_id", Message: "vcenter_id is required"})
		return
	}
	if req.DatastoreName == "" {
		respondError(w, &errs.ValidationError{Field: "datastore_name", Message: "datastore_name is required"})
		return
	}
	host, err := h.resolveVCenterHost(r.Context(), req.VCenterID)
	if err != nil {
		respondError(w, err)
		return
	}
	client, err := h.Sessions.EnsureSession(r.Context(), host)
	if err != nil {
		respondError(w, err)
		return
	}
	entries, err := browseDatastore(r.Context(), client, req.DatastoreName, req.Path)
	h.logCall(r.Context(), "/api/browse-datastore", "", err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

type idmAuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// IdmAuthenticate answers POST /api/idm-authenticate. No LDAP client
// exists in this fleet's dependency surface and none of the configured
// environment variables name a directory host, so this endpoint is scoped
// to what the identity layer (C1) actually owns: normalizing whatever
// principal form the caller sent (bare, UPN, or NT-style) down to a
// canonical principal and reporting whether it resolves against a trusted
// realm, plus a shape check that both fields were supplied. It does not
// perform a real bind and never will until a directory client is wired.
func (h *Handlers) IdmAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req idmAuthenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, &errs.ValidationError{Message: "username and password are required"})
		return
	}
	identity := h.Normalizer.Normalize(req.Username)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"canonical_principal": identity.CanonicalPrincipal,
		"username":            identity.Username,
		"realm":               identity.Realm,
		"is_ad_trust":         identity.IsADTrust,
	})
}

type networkConfigReadRequest struct {
	ServerID string `json:"server_id"`
}

// NetworkConfigRead answers POST /api/network-config-read (C6).
func (h *Handlers) NetworkConfigRead(w http.ResponseWriter, r *http.Request) {
	var req networkConfigReadRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	settings, err := h.Idrac.GetNetworkSettings(r.Context(), target)
	h.logCall(r.Context(), "/api/network-config-read", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}

type networkConfigWriteRequest struct {
	ServerID   string         `json:"server_id"`
	Attributes map[string]any `json:"attributes"`
}

// NetworkConfigWrite answers POST /api/network-config-write (C6).
func (h *Handlers) NetworkConfigWrite(w http.ResponseWriter, r *http.Request) {
	var req networkConfigWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Attributes) == 0 {
		respondError(w, &errs.ValidationError{Field: "attributes", Message: "attributes must not be empty"})
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	err = h.Idrac.SetNetworkSettings(r.Context(), target, req.Attributes)
	h.logCall(r.Context(), "/api/network-config-write", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HealthCheck answers POST /api/health-check, the Redfish overall status
// rollup rather than the ComponentSummary breakdown (C6).
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	status, err := h.Idrac.GetHealth(r.Context(), target)
	h.logCall(r.Context(), "/api/health-check", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
}

// EventLogs answers POST /api/event-logs, the Lifecycle Controller log (C6).
func (h *Handlers) EventLogs(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	entries, err := h.Idrac.GetEventLogs(r.Context(), target)
	h.logCall(r.Context(), "/api/event-logs", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

// BootConfigRead answers POST /api/boot-config-read (C6).
func (h *Handlers) BootConfigRead(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	order, err := h.Idrac.GetBootOrder(r.Context(), target)
	h.logCall(r.Context(), "/api/boot-config-read", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "boot_order": order})
}

// BiosConfigRead answers POST /api/bios-config-read (C6).
func (h *Handlers) BiosConfigRead(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	attrs, err := h.Idrac.GetBIOSAttributes(r.Context(), target)
	h.logCall(r.Context(), "/api/bios-config-read", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "attributes": attrs})
}

// FirmwareInventory answers POST /api/firmware-inventory (C6).
func (h *Handlers) FirmwareInventory(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	firmware, err := h.Idrac.GetFirmwareInventory(r.Context(), target)
	h.logCall(r.Context(), "/api/firmware-inventory", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "firmware": firmware})
}

// IdracJobs answers POST /api/idrac-jobs, the Redfish job queue (C6).
func (h *Handlers) IdracJobs(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveTarget(r.Context(), req.ServerID)
	if err != nil {
		respondError(w, err)
		return
	}
	jobs, err := h.Idrac.GetJobQueue(r.Context(), target)
	h.logCall(r.Context(), "/api/idrac-jobs", req.ServerID, err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}
