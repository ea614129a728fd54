package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
)

// DrShellVM describes the shell VM CreateDrShellVm builds at the DR site:
// a bare VM registered against the datastore folder a replicated dataset
// was sent into, with its existing VMDKs attached rather than created.
type DrShellVM struct {
	Name            string
	TargetDatastore string
	CPUCount        int32
	MemoryMB        int64
	DiskPaths       []string
	GuestID         string
	Firmware        string
	SourceVMName    string
}

// DrShellResult is the outcome of CreateDrShellVm.
type DrShellResult struct {
	VMMoRef        string
	DisksAttached  int
	ConflictNotes  []string
}

const defaultGuestID = "otherGuest64"
const defaultFirmware = "bios"

// CreateDrShellVm builds a VM at the DR site with CreateVM_Task, attaching
// existing VMDKs at their replicated paths rather than creating new disks.
// Before creating, it unregisters any powered-off VM holding file locks in
// the target folder; a powered-on DR-shell with the target name aborts the
// operation, and a powered-on copy of the source VM only warns.
func CreateDrShellVm(ctx context.Context, sessions *vcenter.SessionManager, host vcenter.Host, spec DrShellVM) (*DrShellResult, error) {
	if spec.GuestID == "" {
		spec.GuestID = defaultGuestID
	}
	if spec.Firmware == "" {
		spec.Firmware = defaultFirmware
	}

	client, err := sessions.EnsureSession(ctx, host)
	if err != nil {
		return nil, err
	}

	notes, err := unregisterConflictingVMs(ctx, client, spec.TargetDatastore, spec.SourceVMName, spec.Name)
	if err != nil {
		return nil, err
	}

	finder := find.NewFinder(client.Client, false)
	datacenter, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, &errs.ProtocolError{Op: "create dr shell vm", Details: "no datacenter found: " + err.Error()}
	}
	finder.SetDatacenter(datacenter)

	pool, err := finder.DefaultResourcePool(ctx)
	if err != nil {
		return nil, &errs.ProtocolError{Op: "create dr shell vm", Details: "no resource pool found: " + err.Error()}
	}

	folders, err := datacenter.Folders(ctx)
	if err != nil {
		return nil, err
	}

	target, err := finder.Datastore(ctx, spec.TargetDatastore)
	if err != nil {
		return nil, &errs.ProtocolError{Op: "create dr shell vm", Details: fmt.Sprintf("datastore %q not found: %v", spec.TargetDatastore, err)}
	}

	vmPath := fmt.Sprintf("[%s] %s", spec.TargetDatastore, spec.Name)
	const scsiControllerKey = -100

	deviceChanges := []types.BaseVirtualDeviceConfigSpec{
		&types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device: &types.VirtualLsiLogicController{
				VirtualSCSIController: types.VirtualSCSIController{
					SharedBus: types.VirtualSCSISharingNoSharing,
					VirtualController: types.VirtualController{
						BusNumber: 0,
						VirtualDevice: types.VirtualDevice{
							Key: scsiControllerKey,
						},
					},
				},
			},
		},
	}

	targetRef := target.Reference()
	for i, diskPath := range spec.DiskPaths {
		unitNumber := int32(i)
		if i >= 7 {
			unitNumber = int32(i + 1)
		}
		key := int32(-101 - i)
		deviceChanges = append(deviceChanges, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device: &types.VirtualDisk{
				VirtualDevice: types.VirtualDevice{
					Key:           key,
					ControllerKey: scsiControllerKey,
					UnitNumber:    &unitNumber,
					Backing: &types.VirtualDiskFlatVer2BackingInfo{
						VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{
							FileName:  diskPath,
							Datastore: &targetRef,
						},
						DiskMode: string(types.VirtualDiskModePersistent),
					},
				},
			},
		})
	}

	configSpec := types.VirtualMachineConfigSpec{
		Name:          spec.Name,
		NumCPUs:       spec.CPUCount,
		MemoryMB:      spec.MemoryMB,
		GuestId:       spec.GuestID,
		Firmware:      spec.Firmware,
		Files:         &types.VirtualMachineFileInfo{VmPathName: vmPath},
		DeviceChange:  deviceChanges,
	}

	task, err := folders.VmFolder.CreateVM(ctx, configSpec, pool, nil)
	if err != nil {
		return nil, &errs.ProtocolError{Op: "create dr shell vm", Details: err.Error()}
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return nil, err
	}
	if info.State == types.TaskInfoStateError {
		msg := "unknown error"
		if info.Error != nil {
			msg = info.Error.LocalizedMessage
		}
		return nil, &errs.ProtocolError{Op: "create dr shell vm", Details: msg}
	}

	moRef := ""
	if ref, ok := info.Result.(types.ManagedObjectReference); ok {
		moRef = ref.Value
	}

	return &DrShellResult{
		VMMoRef:       moRef,
		DisksAttached: len(spec.DiskPaths),
		ConflictNotes: notes,
	}, nil
}

// unregisterConflictingVMs finds any VM whose config file or disk backing
// paths reference the source VM's folder on datastoreName, and unregisters
// the powered-off ones to release file locks before CreateVM runs. A
// powered-on VM named like the DR shell aborts with an error (an active
// test failover is in progress); a powered-on copy of the source VM only
// produces a warning note, since it cannot be safely unregistered.
func unregisterConflictingVMs(ctx context.Context, client *govmomi.Client, datastoreName, sourceVMName, drShellName string) ([]string, error) {
	folderPattern := fmt.Sprintf("[%s] %s/", datastoreName, sourceVMName)
	var notes []string
	notes = append(notes, "checking for conflicting VMs in: "+folderPattern)

	viewMgr := view.NewManager(client.Client)
	cv, err := viewMgr.CreateContainerView(ctx, client.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, err
	}
	defer cv.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := cv.Retrieve(ctx, []string{"VirtualMachine"}, []string{
		"name", "runtime.powerState", "config.files", "config.hardware.device",
	}, &vms); err != nil {
		return nil, err
	}

	var conflicting []mo.VirtualMachine
	for _, vm := range vms {
		if vm.Config == nil {
			continue
		}
		if vm.Config.Files != nil && strings.Contains(vm.Config.Files.VmPathName, folderPattern) {
			conflicting = append(conflicting, vm)
			continue
		}
		for _, dev := range vm.Config.Hardware.Device {
			disk, ok := dev.(*types.VirtualDisk)
			if !ok {
				continue
			}
			if backing, ok := disk.Backing.(*types.VirtualDiskFlatVer2BackingInfo); ok {
				if strings.Contains(backing.FileName, folderPattern) {
					conflicting = append(conflicting, vm)
					break
				}
			}
		}
	}

	if len(conflicting) == 0 {
		notes = append(notes, "no conflicting VMs found")
		return notes, nil
	}
	notes = append(notes, fmt.Sprintf("found %d conflicting VM(s)", len(conflicting)))

	for _, vm := range conflicting {
		isDrShell := vm.Name == drShellName || strings.HasSuffix(vm.Name, "-DR")
		notes = append(notes, fmt.Sprintf("conflicting VM: %s (state: %s, is_dr_shell: %v)", vm.Name, vm.Runtime.PowerState, isDrShell))

		if vm.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn {
			if isDrShell {
				return notes, &errs.ProtocolError{
					Op:      "unregister conflicting vms",
					Details: fmt.Sprintf("active DR shell VM %s is powered on, test failover in progress", vm.Name),
				}
			}
			notes = append(notes, fmt.Sprintf("warning: source VM %s is powered on at DR site, cannot unregister", vm.Name))
			continue
		}

		ref := object.NewVirtualMachine(client.Client, vm.Reference())
		if err := ref.Unregister(ctx); err != nil {
			notes = append(notes, fmt.Sprintf("failed to unregister %s: %v", vm.Name, err))
			continue
		}
		if isDrShell {
			notes = append(notes, "unregistered existing DR shell VM: "+vm.Name)
		} else {
			notes = append(notes, "unregistered source VM copy to release file locks: "+vm.Name)
		}
	}

	return notes, nil
}
