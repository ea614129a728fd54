package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/replication"
)

// ListReplicationTargets answers GET /api/replication/targets.
func (h *Handlers) ListReplicationTargets(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Gateway.Select(r.Context(), "replication_targets", nil, "", "")
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "list replication targets", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "targets": rows})
}

// CreateReplicationTarget answers POST /api/replication/targets.
func (h *Handlers) CreateReplicationTarget(w http.ResponseWriter, r *http.Request) {
	var row map[string]any
	if err := decodeJSON(r, &row); err != nil {
		respondError(w, err)
		return
	}
	if asString(row["hostname"]) == "" {
		respondError(w, &errs.ValidationError{Field: "hostname", Message: "hostname is required"})
		return
	}
	created, err := h.Gateway.Insert(r.Context(), "replication_targets", row, true)
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "create replication target", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "target": firstOrEmpty(created)})
}

// DeleteReplicationTarget answers DELETE /api/replication/targets/{id}.
func (h *Handlers) DeleteReplicationTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Gateway.Delete(r.Context(), "replication_targets", map[string]string{"id": eq(id)}); err != nil {
		respondError(w, &errs.ConnectivityError{Op: "delete replication target", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListProtectionGroups answers GET /api/replication/groups.
func (h *Handlers) ListProtectionGroups(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Gateway.Select(r.Context(), "protection_groups", nil, "", "")
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "list protection groups", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "groups": rows})
}

// CreateProtectionGroup answers POST /api/replication/groups.
func (h *Handlers) CreateProtectionGroup(w http.ResponseWriter, r *http.Request) {
	var row map[string]any
	if err := decodeJSON(r, &row); err != nil {
		respondError(w, err)
		return
	}
	if asString(row["replication_target_id"]) == "" {
		respondError(w, &errs.ValidationError{Field: "replication_target_id", Message: "replication_target_id is required"})
		return
	}
	created, err := h.Gateway.Insert(r.Context(), "protection_groups", row, true)
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "create protection group", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "group": firstOrEmpty(created)})
}

// UpdateProtectionGroup answers PATCH /api/replication/groups/{id}.
func (h *Handlers) UpdateProtectionGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var row map[string]any
	if err := decodeJSON(r, &row); err != nil {
		respondError(w, err)
		return
	}
	if err := h.Gateway.Patch(r.Context(), "protection_groups", map[string]string{"id": eq(id)}, row); err != nil {
		respondError(w, &errs.ConnectivityError{Op: "update protection group", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// DeleteProtectionGroup answers DELETE /api/replication/groups/{id}.
func (h *Handlers) DeleteProtectionGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Gateway.Delete(r.Context(), "protection_groups", map[string]string{"id": eq(id)}); err != nil {
		respondError(w, &errs.ConnectivityError{Op: "delete protection group", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListProtectedVMs answers GET /api/replication/protected-vms.
func (h *Handlers) ListProtectedVMs(w http.ResponseWriter, r *http.Request) {
	filters := map[string]string{}
	if groupID := r.URL.Query().Get("group_id"); groupID != "" {
		filters["protection_group_id"] = eq(groupID)
	}
	rows, err := h.Gateway.Select(r.Context(), "protected_vms", filters, "", "")
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "list protected vms", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "protected_vms": rows})
}

// AddProtectedVM answers POST /api/replication/protected-vms, attaching a
// VM to exactly one protection group.
func (h *Handlers) AddProtectedVM(w http.ResponseWriter, r *http.Request) {
	var row map[string]any
	if err := decodeJSON(r, &row); err != nil {
		respondError(w, err)
		return
	}
	if asString(row["protection_group_id"]) == "" {
		respondError(w, &errs.ValidationError{Field: "protection_group_id", Message: "protection_group_id is required"})
		return
	}
	if asString(row["vm_name"]) == "" {
		respondError(w, &errs.ValidationError{Field: "vm_name", Message: "vm_name is required"})
		return
	}
	created, err := h.Gateway.Insert(r.Context(), "protected_vms", row, true)
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "add protected vm", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "protected_vm": firstOrEmpty(created)})
}

// RemoveProtectedVM answers DELETE /api/replication/protected-vms/{id}.
func (h *Handlers) RemoveProtectedVM(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Gateway.Delete(r.Context(), "protected_vms", map[string]string{"id": eq(id)}); err != nil {
		respondError(w, &errs.ConnectivityError{Op: "remove protected vm", Target: "persistence gateway", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func firstOrEmpty(rows []map[string]any) map[string]any {
	if len(rows) == 0 {
		return map[string]any{}
	}
	return rows[0]
}

type protectionPlanRequest struct {
	ProtectionGroupID string `json:"protection_group_id"`
}

// ProtectionPlan answers POST /api/replication/protection-plan: for every
// protected VM in the group, lists the last_snapshot, current_datastore and
// DR-shell state recorded in protected_vms. It reads the stored rows only;
// it does not check whether the snapshot exists on the source or target.
func (h *Handlers) ProtectionPlan(w http.ResponseWriter, r *http.Request) {
	var req protectionPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ProtectionGroupID == "" {
		respondError(w, &errs.ValidationError{Field: "protection_group_id", Message: "protection_group_id is required"})
		return
	}
	vms, err := h.Gateway.Select(r.Context(), "protected_vms", map[string]string{"protection_group_id": eq(req.ProtectionGroupID)}, "", "")
	if err != nil {
		respondError(w, &errs.ConnectivityError{Op: "protection plan", Target: "persistence gateway", Err: err})
		return
	}
	plan := make([]map[string]any, 0, len(vms))
	for _, vm := range vms {
		plan = append(plan, map[string]any{
			"vm_name":          asString(vm["vm_name"]),
			"last_snapshot":    asString(vm["last_snapshot"]),
			"current_datastore": asString(vm["current_datastore"]),
			"dr_shell_ready":   vm["dr_shell_materialized"] == true,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "plan": plan})
}

type drShellPlanRequest struct {
	ProtectedVMID string `json:"protected_vm_id"`
}

// DrShellPlan answers POST /api/replication/dr-shell-plan, describing the
// DR shell VM CreateDrShellVm (C11) would build for one protected VM
// without actually creating it.
func (h *Handlers) DrShellPlan(w http.ResponseWriter, r *http.Request) {
	var req drShellPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	vm, err := h.resolveProtectedVM(r.Context(), req.ProtectedVMID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"vm_name":          asString(vm["vm_name"]),
		"target_datastore": asString(vm["current_datastore"]),
		"already_materialized": vm["dr_shell_materialized"] == true,
	})
}

type moveToProtectionDatastoreRequest struct {
	ProtectedVMID     string `json:"protected_vm_id"`
	TargetDataset     string `json:"target_dataset"`
	ReplicationTargetID string `json:"replication_target_id"`
}

// MoveToProtectionDatastore answers POST /api/replication/move-to-protection-datastore:
// runs one replication cycle for the VM's dataset and records the snapshot
// used as the new last_snapshot once the target-side verify passes (C11).
func (h *Handlers) MoveToProtectionDatastore(w http.ResponseWriter, r *http.Request) {
	var req moveToProtectionDatastoreRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	vm, err := h.resolveProtectedVM(r.Context(), req.ProtectedVMID)
	if err != nil {
		respondError(w, err)
		return
	}
	target, err := h.resolveReplicationTarget(r.Context(), req.ReplicationTargetID)
	if err != nil {
		respondError(w, err)
		return
	}

	sourceHost := replication.Host{}
	targetHost := replication.Host{Hostname: target.Hostname, Port: target.Port}

	snapshotName := "instant-" + asString(vm["id"])
	if err := h.Replication.CreateSnapshot(r.Context(), sourceHost, req.TargetDataset, snapshotName); err != nil {
		respondError(w, err)
		return
	}
	result, err := h.Replication.Replicate(r.Context(), sourceHost, req.TargetDataset, snapshotName, targetHost, req.TargetDataset, "", 0)
	h.logCall(r.Context(), "/api/replication/move-to-protection-datastore", "", err)
	if err != nil {
		respondError(w, err)
		return
	}
	verify, err := h.Replication.VerifyOnTarget(r.Context(), targetHost, req.TargetDataset, snapshotName, result.BytesTransferred)
	if err != nil {
		respondError(w, err)
		return
	}
	if !verify.Exists || !verify.SizeMatch {
		respondError(w, &errs.ProtocolError{Op: "verify replicated snapshot", Details: req.TargetDataset + "@" + snapshotName + " is missing on the target or its size differs by 5% or more"})
		return
	}

	if err := h.Gateway.Patch(r.Context(), "protected_vms", map[string]string{"id": eq(req.ProtectedVMID)}, map[string]any{
		"last_snapshot":     snapshotName,
		"current_datastore": req.TargetDataset,
	}); err != nil {
		respondError(w, &errs.ConnectivityError{Op: "record replication result", Target: "persistence gateway", Err: err})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "snapshot": snapshotName, "bytes_transferred": result.BytesTransferred})
}

type createDrShellRequest struct {
	ProtectedVMID string `json:"protected_vm_id"`
	VCenterID     string `json:"vcenter_id"`
	DiskPaths     []string `json:"disk_paths"`
	CPUCount      int32  `json:"cpu_count"`
	MemoryMB      int64  `json:"memory_mb"`
}

// CreateDrShell answers POST /api/replication/create-dr-shell, wiring the
// DR shell VM builder (C11) to a protected VM's current state.
func (h *Handlers) CreateDrShell(w http.ResponseWriter, r *http.Request) {
	var req createDrShellRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	vm, err := h.resolveProtectedVM(r.Context(), req.ProtectedVMID)
	if err != nil {
		respondError(w, err)
		return
	}
	host, err := h.resolveVCenterHost(r.Context(), req.VCenterID)
	if err != nil {
		respondError(w, err)
		return
	}

	spec := replication.DrShellVM{
		Name:            asString(vm["vm_name"]) + "-DR",
		TargetDatastore: asString(vm["current_datastore"]),
		CPUCount:        req.CPUCount,
		MemoryMB:        req.MemoryMB,
		DiskPaths:       req.DiskPaths,
		SourceVMName:    asString(vm["vm_name"]),
	}

	result, err := createDrShellVm(r.Context(), h.Sessions, host, spec)
	h.logCall(r.Context(), "/api/replication/create-dr-shell", "", err)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := h.Gateway.Patch(r.Context(), "protected_vms", map[string]string{"id": eq(req.ProtectedVMID)}, map[string]any{
		"dr_shell_materialized": true,
	}); err != nil {
		respondError(w, &errs.ConnectivityError{Op: "record dr shell result", Target: "persistence gateway", Err: err})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "vm_moref": result.VMMoRef, "disks_attached": result.DisksAttached, "notes": result.ConflictNotes})
}

// BatchStorageVMotion answers POST /api/zerfaux/batch-storage-vmotion. The
// batch orchestration this wizard step fronts belongs to the storage
// migration tooling this fleet's control plane does not own; this handler
// only records the intent against the affected protected VMs so the
// wizard surface exists end to end, exactly as far as this process's own
// domain (vCenter session + persistence) reaches.
func (h *Handlers) BatchStorageVMotion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProtectedVMIDs []string `json:"protected_vm_ids"`
		TargetDatastore string `json:"target_datastore"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.ProtectedVMIDs) == 0 {
		respondError(w, &errs.ValidationError{Field: "protected_vm_ids", Message: "protected_vm_ids is required"})
		return
	}
	if req.TargetDatastore == "" {
		respondError(w, &errs.ValidationError{Field: "target_datastore", Message: "target_datastore is required"})
		return
	}
	for _, id := range req.ProtectedVMIDs {
		if err := h.Gateway.Patch(r.Context(), "protected_vms", map[string]string{"id": eq(id)}, map[string]any{
			"current_datastore": req.TargetDatastore,
		}); err != nil {
			respondError(w, &errs.ConnectivityError{Op: "batch storage vmotion", Target: "persistence gateway", Err: err})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "moved": len(req.ProtectedVMIDs)})
}

type replicationTarget struct {
	Hostname string
	Port     int
}

// resolveProtectedVM fetches one protected_vms row by id.
func (h *Handlers) resolveProtectedVM(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, &errs.ValidationError{Field: "protected_vm_id", Message: "protected_vm_id is required"}
	}
	rows, err := h.Gateway.Select(ctx, "protected_vms", map[string]string{"id": eq(id)}, "", "")
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "resolve protected vm", Target: "persistence gateway", Err: err}
	}
	if len(rows) == 0 {
		return nil, &errs.NotFoundError{Kind: "protected_vm", ID: id}
	}
	return rows[0], nil
}

// resolveReplicationTarget fetches one replication_targets row by id.
func (h *Handlers) resolveReplicationTarget(ctx context.Context, id string) (replicationTarget, error) {
	if id == "" {
		return replicationTarget{}, &errs.ValidationError{Field: "replication_target_id", Message: "replication_target_id is required"}
	}
	rows, err := h.Gateway.Select(ctx, "replication_targets", map[string]string{"id": eq(id)}, "", "")
	if err != nil {
		return replicationTarget{}, &errs.ConnectivityError{Op: "resolve replication target", Target: "persistence gateway", Err: err}
	}
	if len(rows) == 0 {
		return replicationTarget{}, &errs.NotFoundError{Kind: "replication_target", ID: id}
	}
	row := rows[0]
	port := 22
	if p, ok := row["port"].(float64); ok && p > 0 {
		port = int(p)
	}
	return replicationTarget{Hostname: asString(row["hostname"]), Port: port}, nil
}

// createDrShellVm is a seam over replication.CreateDrShellVm so handler
// tests can substitute a fake without a live govmomi session.
var createDrShellVm = replication.CreateDrShellVm
