package maintenance

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
)

// HAStatus is the result of GetClusterHAStatus and the "was"/"now" state
// reported by the toggle operations.
type HAStatus struct {
	Success          bool   `json:"success"`
	HAEnabled        bool   `json:"ha_enabled"`
	HostMonitoring   string `json:"host_monitoring"`
	AdmissionControl bool   `json:"admission_control"`
	Error            string `json:"error,omitempty"`
	AlreadyInState   bool   `json:"already_in_state,omitempty"`
	FaultTolerantVM  string `json:"ft_vm,omitempty"`
}

// GetClusterHAStatus reports a cluster's current HA/host-monitoring/
// admission-control configuration.
func (e *Engine) GetClusterHAStatus(ctx context.Context, host vcenter.Host, clusterName string) (*HAStatus, error) {
	_, cluster, err := e.resolveClusterWithRetry(ctx, host, clusterName)
	if err != nil {
		return nil, err
	}
	das := cluster.Configuration.DasConfig
	return &HAStatus{
		Success:          true,
		HAEnabled:        boolValue(das.Enabled),
		HostMonitoring:   string(das.HostMonitoring),
		AdmissionControl: boolValue(das.AdmissionControlEnabled),
	}, nil
}

// DisableClusterHA disables vSphere HA on a cluster before rolling
// maintenance, rejecting the request if any VM in the cluster has Fault
// Tolerance enabled in any state other than notConfigured/disabled.
func (e *Engine) DisableClusterHA(ctx context.Context, host vcenter.Host, clusterName string) (*HAStatus, error) {
	client, cluster, err := e.resolveClusterWithRetry(ctx, host, clusterName)
	if err != nil {
		return nil, err
	}

	das := cluster.Configuration.DasConfig
	original := &HAStatus{
		HAEnabled:        boolValue(das.Enabled),
		HostMonitoring:   string(das.HostMonitoring),
		AdmissionControl: boolValue(das.AdmissionControlEnabled),
	}

	if !original.HAEnabled {
		original.Success = true
		original.AlreadyInState = true
		return original, nil
	}

	if ftVM, err := findFaultTolerantVM(ctx, client, cluster); err == nil && ftVM != "" {
		original.Success = false
		original.FaultTolerantVM = ftVM
		original.Error = fmt.Sprintf("cannot disable HA: VM %q has Fault Tolerance enabled", ftVM)
		return original, nil
	}

	spec := types.ClusterConfigSpecEx{
		DasConfig: &types.ClusterDasConfigInfo{Enabled: types.NewBool(false)},
	}
	if err := reconfigureCluster(ctx, client, cluster, spec); err != nil {
		original.Success = false
		original.Error = err.Error()
		return original, nil
	}

	original.Success = true
	return original, nil
}

// EnableClusterHA re-enables vSphere HA after maintenance completes.
func (e *Engine) EnableClusterHA(ctx context.Context, host vcenter.Host, clusterName, hostMonitoring string, admissionControl bool) (*HAStatus, error) {
	if hostMonitoring == "" {
		hostMonitoring = "enabled"
	}
	client, cluster, err := e.resolveClusterWithRetry(ctx, host, clusterName)
	if err != nil {
		return nil, err
	}

	das := cluster.Configuration.DasConfig
	if boolValue(das.Enabled) {
		return &HAStatus{Success: true, HAEnabled: true, AlreadyInState: true}, nil
	}

	spec := types.ClusterConfigSpecEx{
		DasConfig: &types.ClusterDasConfigInfo{
			Enabled:                 types.NewBool(true),
			HostMonitoring:          types.ClusterDasConfigInfoHostMonitoringState(hostMonitoring),
			AdmissionControlEnabled: types.NewBool(admissionControl),
		},
	}
	if err := reconfigureCluster(ctx, client, cluster, spec); err != nil {
		return &HAStatus{Success: false, Error: err.Error()}, nil
	}
	return &HAStatus{Success: true, HAEnabled: true, HostMonitoring: hostMonitoring, AdmissionControl: admissionControl}, nil
}

// DisableHostMonitoring disables HA host monitoring only, a less
// disruptive alternative to disabling HA outright; it is a no-op (success,
// AlreadyInState) when HA is not enabled or monitoring is already off.
func (e *Engine) DisableHostMonitoring(ctx context.Context, host vcenter.Host, clusterName string) (*HAStatus, error) {
	client, cluster, err := e.resolveClusterWithRetry(ctx, host, clusterName)
	if err != nil {
		return nil, err
	}

	das := cluster.Configuration.DasConfig
	original := string(das.HostMonitoring)

	if !boolValue(das.Enabled) {
		return &HAStatus{Success: true, HostMonitoring: original, AlreadyInState: true}, nil
	}
	if original == string(types.ClusterDasConfigInfoHostMonitoringStateDisabled) {
		return &HAStatus{Success: true, HostMonitoring: original, AlreadyInState: true}, nil
	}

	spec := types.ClusterConfigSpecEx{
		DasConfig: &types.ClusterDasConfigInfo{HostMonitoring: types.ClusterDasConfigInfoHostMonitoringStateDisabled},
	}
	if err := reconfigureCluster(ctx, client, cluster, spec); err != nil {
		return &HAStatus{Success: false, HostMonitoring: original, Error: err.Error()}, nil
	}
	return &HAStatus{Success: true, HostMonitoring: string(types.ClusterDasConfigInfoHostMonitoringStateDisabled)}, nil
}

// EnableHostMonitoring re-enables HA host monitoring; it fails if HA
// itself is not enabled on the cluster.
func (e *Engine) EnableHostMonitoring(ctx context.Context, host vcenter.Host, clusterName string) (*HAStatus, error) {
	client, cluster, err := e.resolveClusterWithRetry(ctx, host, clusterName)
	if err != nil {
		return nil, err
	}

	das := cluster.Configuration.DasConfig
	if !boolValue(das.Enabled) {
		return &HAStatus{Success: false, HostMonitoring: "disabled", Error: "HA is not enabled on cluster"}, nil
	}

	spec := types.ClusterConfigSpecEx{
		DasConfig: &types.ClusterDasConfigInfo{HostMonitoring: types.ClusterDasConfigInfoHostMonitoringStateEnabled},
	}
	if err := reconfigureCluster(ctx, client, cluster, spec); err != nil {
		return &HAStatus{Success: false, HostMonitoring: "disabled", Error: err.Error()}, nil
	}
	return &HAStatus{Success: true, HostMonitoring: string(types.ClusterDasConfigInfoHostMonitoringStateEnabled)}, nil
}

// resolveClusterWithRetry connects to vCenter and finds clusterName by
// name, retrying up to two times through EnsureSession on an expired session.
func (e *Engine) resolveClusterWithRetry(ctx context.Context, host vcenter.Host, clusterName string) (*govmomi.Client, *mo.ClusterComputeResource, error) {
	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		client, err := e.sessions.EnsureSession(ctx, host)
		if err != nil {
			return nil, nil, err
		}

		cluster, err := findCluster(ctx, client, clusterName)
		if err == nil {
			return client, cluster, nil
		}
		lastErr = err
		if !isNotAuthenticated(err) {
			return nil, nil, err
		}
		e.sessions.Disconnect(ctx, host.ID)
	}
	return nil, nil, fmt.Errorf("resolve cluster after retries: %w", lastErr)
}

func findCluster(ctx context.Context, client *govmomi.Client, clusterName string) (*mo.ClusterComputeResource, error) {
	viewMgr := view.NewManager(client.Client)
	cv, err := viewMgr.CreateContainerView(ctx, client.ServiceContent.RootFolder, []string{"ClusterComputeResource"}, true)
	if err != nil {
		return nil, err
	}
	defer cv.Destroy(ctx)

	var clusters []mo.ClusterComputeResource
	if err := cv.Retrieve(ctx, []string{"ClusterComputeResource"}, []string{
		"name", "configuration", "host",
	}, &clusters); err != nil {
		return nil, err
	}

	for i := range clusters {
		if clusters[i].Name == clusterName {
			return &clusters[i], nil
		}
	}
	return nil, fmt.Errorf("cluster %q not found in vCenter", clusterName)
}

func reconfigureCluster(ctx context.Context, client *govmomi.Client, cluster *mo.ClusterComputeResource, spec types.ClusterConfigSpecEx) error {
	ref := object.NewClusterComputeResource(client.Client, cluster.Reference())
	task, err := ref.Reconfigure(ctx, &spec, true)
	if err != nil {
		return &errs.ProtocolError{Op: "reconfigure cluster", Details: err.Error()}
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return err
	}
	if info.State == types.TaskInfoStateError {
		if info.Error != nil {
			return fmt.Errorf("%s", info.Error.LocalizedMessage)
		}
		return fmt.Errorf("reconfigure cluster: unknown error")
	}
	return nil
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func findFaultTolerantVM(ctx context.Context, client *govmomi.Client, cluster *mo.ClusterComputeResource) (string, error) {
	if len(cluster.Host) == 0 {
		return "", nil
	}
	viewMgr := view.NewManager(client.Client)
	cv, err := viewMgr.CreateContainerView(ctx, cluster.Reference(), []string{"VirtualMachine"}, true)
	if err != nil {
		return "", err
	}
	defer cv.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := cv.Retrieve(ctx, []string{"VirtualMachine"}, []string{"name", "runtime.faultToleranceState"}, &vms); err != nil {
		return "", err
	}
	for _, vm := range vms {
		switch vm.Runtime.FaultToleranceState {
		case types.VirtualMachineFaultToleranceStateNotConfigured, types.VirtualMachineFaultToleranceStateDisabled, "":
			continue
		default:
			return vm.Name, nil
		}
	}
	return "", nil
}
