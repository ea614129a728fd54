// Package maintenance drives ESXi host evacuation into and out of
// maintenance mode, with stall detection, evacuation-blocker analysis, and
// cluster HA/host-monitoring toggles (C10).
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/i0mja/dell-infra-sync-sub002/internal/activitylog"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
)

// Tunables match the spec defaults: a 30s progress sample, a 5 minute
// stall window, a 15 minute operator-wait window, and an absolute
// timeout that keeps extending as long as evacuation is progressing.
const (
	DefaultProgressCheckInterval = 30 * time.Second
	DefaultStallTimeout          = 5 * time.Minute
	DefaultOperatorWaitTimeout   = 15 * time.Minute
	DefaultTimeout               = 30 * time.Minute
)

var migrationTaskPatterns = []string{"relocate", "migrate", "drs", "vmotion"}

// Engine drives maintenance-mode transitions against one or more vCenter
// hosts, retrying up to two times on an expired session via
// SessionManager.EnsureSession.
type Engine struct {
	sessions *vcenter.SessionManager
	log      *activitylog.Logger

	ProgressCheckInterval time.Duration
	StallTimeout          time.Duration
	OperatorWaitTimeout   time.Duration
	Timeout               time.Duration
}

// NewEngine builds an Engine with the spec's default tunables.
func NewEngine(sessions *vcenter.SessionManager, log *activitylog.Logger) *Engine {
	return &Engine{
		sessions:              sessions,
		log:                   log,
		ProgressCheckInterval: DefaultProgressCheckInterval,
		StallTimeout:          DefaultStallTimeout,
		OperatorWaitTimeout:   DefaultOperatorWaitTimeout,
		Timeout:               DefaultTimeout,
	}
}

// VMBlocker describes one VM still powered on when evacuation stalled or
// timed out, along with a best-effort guess at why it could not migrate.
type VMBlocker struct {
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
	Reason     string `json:"reason"`
}

// EvacuationBlockers is the structured payload captured before a stalled
// or timed-out evacuation fails.
type EvacuationBlockers struct {
	VMsRemaining []VMBlocker `json:"vms_remaining"`
	TotalVMs     int         `json:"total_vms"`
	Reason       string      `json:"reason"`
}

// EvacuateResult is returned by EnterMaintenanceMode and ExitMaintenanceMode.
type EvacuateResult struct {
	Success            bool                 `json:"success"`
	InMaintenance      bool                 `json:"in_maintenance"`
	VMsEvacuated       int                  `json:"vms_evacuated"`
	VMsRemaining       int                  `json:"vms_remaining"`
	TimeTakenSeconds   int                  `json:"time_taken_seconds"`
	Error              string               `json:"error,omitempty"`
	EvacuationBlockers *EvacuationBlockers  `json:"evacuation_blockers,omitempty"`
}

// ProgressFunc reports an evacuation progress line to a caller (usually
// the job scheduler streaming step output back to the database).
type ProgressFunc func(message string)

// EnterMaintenanceMode evacuates host, blocking until maintenance mode is
// active, the evacuation stalls, or the absolute timeout (extended while
// progress continues) elapses. hostMoRef is the vCenter managed-object id
// of the target HostSystem.
func (e *Engine) EnterMaintenanceMode(ctx context.Context, host vcenter.Host, hostMoRef string, progress ProgressFunc) (*EvacuateResult, error) {
	if progress == nil {
		progress = func(string) {}
	}

	client, hostObj, err := e.resolveHostWithRetry(ctx, host, hostMoRef)
	if err != nil {
		return nil, err
	}

	if hostObj.Runtime.InMaintenanceMode {
		return &EvacuateResult{Success: true, InMaintenance: true, VMsEvacuated: 0}, nil
	}

	start := time.Now()
	vmsBefore, err := poweredOnVMCount(ctx, client, hostObj)
	if err != nil {
		return nil, fmt.Errorf("count powered-on vms: %w", err)
	}
	progress(fmt.Sprintf("host has %d running VMs to evacuate", vmsBefore))

	hostRef := object.NewHostSystem(client.Client, hostObj.Reference())
	task, err := hostRef.EnterMaintenanceMode(ctx, 0, false, nil)
	if err != nil {
		return nil, &errs.ProtocolError{Op: "enter maintenance mode", Details: err.Error()}
	}

	lastVMCount := vmsBefore
	lastProgressTime := time.Now()
	lastLogTime := time.Now()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		done, taskErr, checkErr := taskStatus(ctx, task)
		if checkErr == nil && done {
			if taskErr != nil {
				return &EvacuateResult{Success: false, Error: taskErr.Error()}, nil
			}
			vmsAfter, _ := poweredOnVMCount(ctx, client, hostObj)
			return &EvacuateResult{
				Success:          true,
				InMaintenance:    true,
				VMsEvacuated:     vmsBefore - vmsAfter,
				TimeTakenSeconds: int(time.Since(start).Seconds()),
			}, nil
		}

		elapsed := time.Since(start)

		if time.Since(lastLogTime) >= e.ProgressCheckInterval {
			currentVMs, err := poweredOnVMCount(ctx, client, hostObj)
			if err == nil {
				migrations := activeMigrationTasks(ctx, client, hostObj)
				switch {
				case currentVMs < lastVMCount:
					evacuated := vmsBefore - currentVMs
					pct := 0
					if vmsBefore > 0 {
						pct = evacuated * 100 / vmsBefore
					}
					progress(fmt.Sprintf("evacuating: %d -> %d VMs (%d%% complete, %ds elapsed)", lastVMCount, currentVMs, pct, int(elapsed.Seconds())))
					lastProgressTime = time.Now()
					lastVMCount = currentVMs
				case len(migrations) > 0:
					progress(fmt.Sprintf("migrating: %d vMotions in progress (%d VMs remaining)", len(migrations), currentVMs))
					lastProgressTime = time.Now()
				case currentVMs == lastVMCount && currentVMs > 0:
					progress(fmt.Sprintf("waiting: %d VMs remaining (%ds since last activity)", currentVMs, int(time.Since(lastProgressTime).Seconds())))
				}
			}
			lastLogTime = time.Now()
		}

		stallDuration := time.Since(lastProgressTime)
		if stallDuration > e.StallTimeout && lastVMCount > 0 {
			if migrations := activeMigrationTasks(ctx, client, hostObj); len(migrations) > 0 {
				lastProgressTime = time.Now()
				continue
			}
			blockers := evacuationBlockers(ctx, client, hostObj)
			return &EvacuateResult{
				Success:            false,
				Error:              fmt.Sprintf("vm evacuation stalled: no progress for %ds with %d VMs remaining", int(stallDuration.Seconds()), lastVMCount),
				VMsEvacuated:       vmsBefore - lastVMCount,
				VMsRemaining:       lastVMCount,
				TimeTakenSeconds:   int(elapsed.Seconds()),
				EvacuationBlockers: blockers,
			}, nil
		}

		if elapsed > e.Timeout {
			if stallDuration < e.StallTimeout && lastVMCount > 0 {
				progress(fmt.Sprintf("timeout extended: %d VMs still migrating", lastVMCount))
				continue
			}
			blockers := evacuationBlockers(ctx, client, hostObj)
			return &EvacuateResult{
				Success:            false,
				Error:              fmt.Sprintf("maintenance mode timeout after %ds", int(elapsed.Seconds())),
				VMsEvacuated:       vmsBefore - lastVMCount,
				VMsRemaining:       lastVMCount,
				TimeTakenSeconds:   int(elapsed.Seconds()),
				EvacuationBlockers: blockers,
			}, nil
		}
	}
}

// ExitMaintenanceMode takes host out of maintenance mode. It is a simpler
// wait-for-task than entry, with the same retry-on-NotAuthenticated policy.
func (e *Engine) ExitMaintenanceMode(ctx context.Context, host vcenter.Host, hostMoRef string) (*EvacuateResult, error) {
	client, hostObj, err := e.resolveHostWithRetry(ctx, host, hostMoRef)
	if err != nil {
		return nil, err
	}

	hostRef := object.NewHostSystem(client.Client, hostObj.Reference())
	task, err := hostRef.ExitMaintenanceMode(ctx, 0)
	if err != nil {
		return nil, &errs.ProtocolError{Op: "exit maintenance mode", Details: err.Error()}
	}

	result, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return &EvacuateResult{Success: false, Error: err.Error()}, nil
	}
	if result.State == types.TaskInfoStateError {
		msg := "unknown error"
		if result.Error != nil {
			msg = result.Error.LocalizedMessage
		}
		return &EvacuateResult{Success: false, Error: msg}, nil
	}
	return &EvacuateResult{Success: true, InMaintenance: false}, nil
}

// resolveHostWithRetry connects to vCenter and finds hostMoRef, retrying up
// to two times through EnsureSession if the cached session has expired.
func (e *Engine) resolveHostWithRetry(ctx context.Context, host vcenter.Host, hostMoRef string) (*govmomi.Client, *mo.HostSystem, error) {
	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		client, err := e.sessions.EnsureSession(ctx, host)
		if err != nil {
			return nil, nil, err
		}

		hostObj, err := findHost(ctx, client, hostMoRef)
		if err == nil {
			return client, hostObj, nil
		}
		lastErr = err
		if !isNotAuthenticated(err) {
			return nil, nil, err
		}
		e.sessions.Disconnect(ctx, host.ID)
	}
	return nil, nil, fmt.Errorf("resolve host after retries: %w", lastErr)
}

func isNotAuthenticated(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "notauthenticated")
}

// findHost locates the HostSystem with managed-object id moRef via a
// container view, fetching the property set the stall/blocker logic needs.
func findHost(ctx context.Context, client *govmomi.Client, moRef string) (*mo.HostSystem, error) {
	viewMgr := view.NewManager(client.Client)
	cv, err := viewMgr.CreateContainerView(ctx, client.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return nil, err
	}
	defer cv.Destroy(ctx)

	var hosts []mo.HostSystem
	if err := cv.Retrieve(ctx, []string{"HostSystem"}, []string{
		"name", "runtime.inMaintenanceMode", "vm",
	}, &hosts); err != nil {
		return nil, err
	}

	for i := range hosts {
		if hosts[i].Reference().Value == moRef {
			return &hosts[i], nil
		}
	}
	return nil, fmt.Errorf("host %s not found in vCenter", moRef)
}

func poweredOnVMCount(ctx context.Context, client *govmomi.Client, host *mo.HostSystem) (int, error) {
	if len(host.Vm) == 0 {
		return 0, nil
	}
	var vms []mo.VirtualMachine
	if err := property.DefaultCollector(client.Client).Retrieve(ctx, host.Vm, []string{"runtime.powerState"}, &vms); err != nil {
		return 0, err
	}
	count := 0
	for _, v := range vms {
		if v.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn {
			count++
		}
	}
	return count, nil
}

type migrationTask struct {
	VMName string
	State  string
}

func activeMigrationTasks(ctx context.Context, client *govmomi.Client, host *mo.HostSystem) []migrationTask {
	hostVMs := make(map[string]bool, len(host.Vm))
	for _, ref := range host.Vm {
		hostVMs[ref.Value] = true
	}

	var taskMgr mo.TaskManager
	if err := property.DefaultCollector(client.Client).RetrieveOne(ctx, client.ServiceContent.TaskManager.Reference(), []string{"recentTask"}, &taskMgr); err != nil {
		return nil
	}
	if len(taskMgr.RecentTask) == 0 {
		return nil
	}

	var tasks []mo.Task
	if err := property.DefaultCollector(client.Client).Retrieve(ctx, taskMgr.RecentTask, []string{"info"}, &tasks); err != nil {
		return nil
	}

	var active []migrationTask
	for _, t := range tasks {
		info := t.Info
		state := string(info.State)
		if state != string(types.TaskInfoStateRunning) && state != string(types.TaskInfoStateQueued) {
			continue
		}
		name := strings.ToLower(info.DescriptionId)
		if !matchesAny(name, migrationTaskPatterns) {
			continue
		}
		if info.Entity == nil || !hostVMs[info.Entity.Value] {
			continue
		}
		active = append(active, migrationTask{VMName: info.EntityName, State: state})
	}
	return active
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// taskStatus polls task.info once; done reports whether the task has
// reached a terminal state, and taskErr carries the task's own error when it
// finished in the error state.
func taskStatus(ctx context.Context, task *object.Task) (done bool, taskErr error, checkErr error) {
	var t mo.Task
	if err := property.DefaultCollector(task.Client()).RetrieveOne(ctx, task.Reference(), []string{"info.state", "info.error"}, &t); err != nil {
		return false, nil, err
	}
	switch t.Info.State {
	case types.TaskInfoStateSuccess:
		return true, nil, nil
	case types.TaskInfoStateError:
		msg := "unknown error"
		if t.Info.Error != nil {
			msg = t.Info.Error.LocalizedMessage
		}
		return true, fmt.Errorf("%s", msg), nil
	default:
		return false, nil, nil
	}
}

// evacuationBlockers inspects each still-powered-on VM for known
// evacuation blockers: vCSA identity, local-only storage, PCI passthrough,
// client-connected removable media, CPU affinity. DRS anti-affinity and
// cluster-headroom checks require cluster-wide context the single-host
// path does not have and fall through to the generic "DRS could not find
// suitable destination" reason.
func evacuationBlockers(ctx context.Context, client *govmomi.Client, host *mo.HostSystem) *EvacuationBlockers {
	blockers := &EvacuationBlockers{}

	var vms []mo.VirtualMachine
	if len(host.Vm) > 0 {
		property.DefaultCollector(client.Client).Retrieve(ctx, host.Vm, []string{
			"name", "runtime.powerState", "config.hardware.device", "config.cpuAffinity",
			"summary.config.guestFullName",
		}, &vms)
	}

	for _, vm := range vms {
		if vm.Runtime.PowerState != types.VirtualMachinePowerStatePoweredOn {
			continue
		}
		blockers.VMsRemaining = append(blockers.VMsRemaining, VMBlocker{
			Name:       vm.Name,
			PowerState: string(vm.Runtime.PowerState),
			Reason:     classifyBlocker(vm),
		})
	}

	blockers.TotalVMs = len(blockers.VMsRemaining)
	if blockers.TotalVMs > 0 {
		blockers.Reason = fmt.Sprintf("DRS could not evacuate %d VM(s) within the timeout period", blockers.TotalVMs)
	}
	return blockers
}

// classifyBlocker returns the short reason code the original Python's
// _get_evacuation_blockers attaches to each blocked VM ("vcsa",
// "local_storage", "passthrough", "connected_media", "affinity"), falling
// back to the generic DRS reason when none of the known patterns match.
func classifyBlocker(vm mo.VirtualMachine) string {
	name := strings.ToLower(vm.Name)
	guestOS := strings.ToLower(vm.Summary.Config.GuestFullName)
	if strings.Contains(name, "vcsa") || strings.Contains(name, "vcenter") || strings.Contains(name, "vcs") ||
		strings.Contains(guestOS, "photon") {
		return "vcsa"
	}

	if vm.Config == nil {
		return "DRS could not find suitable destination"
	}

	for _, dev := range vm.Config.Hardware.Device {
		switch d := dev.(type) {
		case *types.VirtualDisk:
			if backing, ok := d.Backing.(*types.VirtualDiskFlatVer2BackingInfo); ok {
				if strings.Contains(backing.FileName, "[datastore1]") || strings.Contains(backing.FileName, "[Local]") {
					return "local_storage"
				}
			}
		case *types.VirtualPCIPassthrough:
			return "passthrough"
		case *types.VirtualCdrom:
			if _, ok := d.Backing.(*types.VirtualCdromRemoteAtapiBackingInfo); ok {
				return "connected_media"
			}
		case *types.VirtualFloppy:
			if _, ok := d.Backing.(*types.VirtualFloppyRemoteDeviceBackingInfo); ok {
				return "connected_media"
			}
		}
	}

	if vm.Config.CpuAffinity != nil && len(vm.Config.CpuAffinity.AffinitySet) > 0 {
		return "affinity"
	}

	return "DRS could not find suitable destination"
}
