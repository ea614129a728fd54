package vcenter

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// Cluster is the minimal attribute set the Upserter needs for one cluster.
type Cluster struct {
	ID, Name      string
	TotalCPUMhz   int64
	UsedCPUMhz    int64
	TotalMemBytes int64
	UsedMemBytes  int64
	HostCount     int
	VMCount       int
	HAEnabled     bool
	DRSEnabled    bool
	DRSAutomation string
	OverallStatus string
}

// ESXiHost is one ESXi host, carrying a stable pointer to its parent cluster.
type ESXiHost struct {
	ID, Name        string
	ClusterName     string
	SerialNumber    string
	ConnectionState string
}

// VM is one virtual machine, carrying stable pointers to its parent host
// and cluster by name (not managed-object id, which is only unique within
// a single vCenter and not a stable local identifier across re-syncs).
type VM struct {
	ID, Name        string
	HostName        string
	ClusterName     string
	PowerState      string
	ConnectionState string
}

// Datastore is one datastore.
type Datastore struct {
	ID, Name      string
	Type          string
	CapacityBytes int64
	FreeBytes     int64
	Accessible    bool
}

// Network is one standard (non-distributed) port group.
type Network struct {
	ID, Name  string
	VlanID    *int32
	HostCount int
	VMCount   int
}

// DVPortgroup is one distributed virtual port group.
type DVPortgroup struct {
	ID, Name         string
	ParentSwitchID   string
	ParentSwitchName string
	VlanID           *int32
	HostCount        int
	VMCount          int
}

// DVSwitch is one distributed virtual switch.
type DVSwitch struct {
	ID, Name string
}

// Inventory is the in-memory tree that Fetch yields.
// The fetcher never writes any of this to the database; that is C9's job.
type Inventory struct {
	Clusters   []Cluster
	Hosts      []ESXiHost
	VMs        []VM
	Datastores []Datastore
	Networks   []Network
	DVPgs      []DVPortgroup
	DVSwitches []DVSwitch
}

// Fetch pulls the inventory from client with one container view and one
// PropertyCollector Retrieve per entity type, run one type after another;
// host and VM entries take their cluster names from further lookup views.
// It is grounded on the teacher's
// vma/vmware/discovery.go finder+property.DefaultCollector idiom but
// generalized from a VM-only crawl to every entity type the spec names.
func Fetch(ctx context.Context, client *govmomi.Client) (*Inventory, error) {
	viewMgr := view.NewManager(client.Client)
	root := client.ServiceContent.RootFolder

	inv := &Inventory{}

	if err := fetchClusters(ctx, viewMgr, root, inv); err != nil {
		return nil, fmt.Errorf("fetch clusters: %w", err)
	}
	if err := fetchHosts(ctx, viewMgr, root, inv); err != nil {
		return nil, fmt.Errorf("fetch hosts: %w", err)
	}
	if err := fetchVMs(ctx, viewMgr, root, inv); err != nil {
		return nil, fmt.Errorf("fetch vms: %w", err)
	}
	if err := fetchDatastores(ctx, viewMgr, root, inv); err != nil {
		return nil, fmt.Errorf("fetch datastores: %w", err)
	}
	if err := fetchNetworks(ctx, viewMgr, root, inv); err != nil {
		return nil, fmt.Errorf("fetch networks: %w", err)
	}

	return inv, nil
}

func fetchClusters(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"ClusterComputeResource"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var clusters []mo.ClusterComputeResource
	if err := cv.Retrieve(ctx, []string{"ClusterComputeResource"}, []string{
		"name", "summary", "configurationEx",
	}, &clusters); err != nil {
		return err
	}

	for _, c := range clusters {
		cluster := Cluster{ID: c.Reference().Value, Name: c.Name}
		if summary, ok := c.Summary.(*types.ClusterComputeResourceSummary); ok {
			cluster.TotalCPUMhz = int64(summary.TotalCpu)
			cluster.UsedCPUMhz = int64(summary.TotalCpu - summary.EffectiveCpu)
			cluster.TotalMemBytes = summary.TotalMemory
			cluster.HostCount = int(summary.NumHosts)
			cluster.OverallStatus = string(summary.OverallStatus)
		}
		if cfg, ok := c.ConfigurationEx.(*types.ClusterConfigInfoEx); ok {
			if cfg.DasConfig.Enabled != nil {
				cluster.HAEnabled = *cfg.DasConfig.Enabled
			}
			if cfg.DrsConfig.Enabled != nil {
				cluster.DRSEnabled = *cfg.DrsConfig.Enabled
			}
			cluster.DRSAutomation = string(cfg.DrsConfig.DefaultVmBehavior)
		}
		inv.Clusters = append(inv.Clusters, cluster)
	}
	return nil
}

func fetchHosts(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"HostSystem"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var hosts []mo.HostSystem
	if err := cv.Retrieve(ctx, []string{"HostSystem"}, []string{
		"name", "summary.hardware", "summary.runtime.connectionState", "parent",
	}, &hosts); err != nil {
		return err
	}

	clusterNames := clusterNameByRef(ctx, viewMgr, root)

	for _, h := range hosts {
		entry := ESXiHost{ID: h.Reference().Value, Name: h.Name}
		if h.Summary.Hardware != nil {
			entry.SerialNumber = serialFromHardware(h.Summary.Hardware)
		}
		entry.ConnectionState = string(h.Summary.Runtime.ConnectionState)
		if h.Parent != nil {
			entry.ClusterName = clusterNames[h.Parent.Value]
		}
		inv.Hosts = append(inv.Hosts, entry)
	}
	return nil
}

func serialFromHardware(hw *types.HostHardwareSummary) string {
	if hw == nil {
		return ""
	}
	for _, info := range hw.OtherIdentifyingInfo {
		switch info.IdentifierType.GetElementDescription().Key {
		case "ServiceTag", "SerialNumberTag":
			return info.IdentifierValue
		}
	}
	return ""
}

func clusterNameByRef(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference) map[string]string {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"ClusterComputeResource"}, true)
	if err != nil {
		return nil
	}
	defer cv.Destroy(ctx)

	var clusters []mo.ClusterComputeResource
	if err := cv.Retrieve(ctx, []string{"ClusterComputeResource"}, []string{"name"}, &clusters); err != nil {
		return nil
	}

	names := make(map[string]string, len(clusters))
	for _, c := range clusters {
		names[c.Reference().Value] = c.Name
	}
	return names
}

func fetchVMs(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"VirtualMachine"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := cv.Retrieve(ctx, []string{"VirtualMachine"}, []string{
		"name", "runtime.powerState", "runtime.connectionState", "runtime.host",
	}, &vms); err != nil {
		return err
	}

	hostInfo := hostAndClusterByRef(ctx, viewMgr, root)

	for _, v := range vms {
		entry := VM{
			ID:              v.Reference().Value,
			Name:            v.Name,
			PowerState:      string(v.Runtime.PowerState),
			ConnectionState: string(v.Runtime.ConnectionState),
		}
		if v.Runtime.Host != nil {
			if info, ok := hostInfo[v.Runtime.Host.Value]; ok {
				entry.HostName = info.name
				entry.ClusterName = info.cluster
			}
		}
		inv.VMs = append(inv.VMs, entry)
	}
	return nil
}

type hostClusterInfo struct{ name, cluster string }

func hostAndClusterByRef(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference) map[string]hostClusterInfo {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"HostSystem"}, true)
	if err != nil {
		return nil
	}
	defer cv.Destroy(ctx)

	var hosts []mo.HostSystem
	if err := cv.Retrieve(ctx, []string{"HostSystem"}, []string{"name", "parent"}, &hosts); err != nil {
		return nil
	}
	clusterNames := clusterNameByRef(ctx, viewMgr, root)

	info := make(map[string]hostClusterInfo, len(hosts))
	for _, h := range hosts {
		cluster := ""
		if h.Parent != nil {
			cluster = clusterNames[h.Parent.Value]
		}
		info[h.Reference().Value] = hostClusterInfo{name: h.Name, cluster: cluster}
	}
	return info
}

func fetchDatastores(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"Datastore"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var datastores []mo.Datastore
	if err := cv.Retrieve(ctx, []string{"Datastore"}, []string{"name", "summary"}, &datastores); err != nil {
		return err
	}

	for _, d := range datastores {
		inv.Datastores = append(inv.Datastores, Datastore{
			ID:            d.Reference().Value,
			Name:          d.Name,
			Type:          d.Summary.Type,
			CapacityBytes: d.Summary.Capacity,
			FreeBytes:     d.Summary.FreeSpace,
			Accessible:    d.Summary.Accessible,
		})
	}
	return nil
}

func fetchNetworks(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	if err := fetchStandardNetworks(ctx, viewMgr, root, inv); err != nil {
		return err
	}
	if err := fetchDistributedPortgroups(ctx, viewMgr, root, inv); err != nil {
		return err
	}
	return fetchDVSwitches(ctx, viewMgr, root, inv)
}

func fetchStandardNetworks(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"Network"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var networks []mo.Network
	if err := cv.Retrieve(ctx, []string{"Network"}, []string{"name", "host", "vm"}, &networks); err != nil {
		return err
	}

	for _, n := range networks {
		inv.Networks = append(inv.Networks, Network{
			ID:        n.Reference().Value,
			Name:      n.Name,
			HostCount: len(n.Host),
			VMCount:   len(n.Vm),
		})
	}
	return nil
}

func fetchDistributedPortgroups(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"DistributedVirtualPortgroup"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var pgs []mo.DistributedVirtualPortgroup
	if err := cv.Retrieve(ctx, []string{"DistributedVirtualPortgroup"}, []string{
		"name", "config", "host", "vm",
	}, &pgs); err != nil {
		return err
	}

	for _, pg := range pgs {
		entry := DVPortgroup{
			ID:        pg.Reference().Value,
			Name:      pg.Name,
			HostCount: len(pg.Host),
			VMCount:   len(pg.Vm),
		}
		if pg.Config.DistributedVirtualSwitch != nil {
			entry.ParentSwitchID = pg.Config.DistributedVirtualSwitch.Value
		}
		if vlan, ok := pg.Config.DefaultPortConfig.(*types.VMwareDVSPortSetting); ok {
			if idSetting, ok := vlan.Vlan.(*types.VmwareDistributedVirtualSwitchVlanIdSpec); ok {
				id := idSetting.VlanId
				entry.VlanID = &id
			}
		}
		inv.DVPgs = append(inv.DVPgs, entry)
	}
	return nil
}

func fetchDVSwitches(ctx context.Context, viewMgr *view.Manager, root types.ManagedObjectReference, inv *Inventory) error {
	cv, err := viewMgr.CreateContainerView(ctx, root, []string{"VmwareDistributedVirtualSwitch"}, true)
	if err != nil {
		return err
	}
	defer cv.Destroy(ctx)

	var switches []mo.VmwareDistributedVirtualSwitch
	if err := cv.Retrieve(ctx, []string{"VmwareDistributedVirtualSwitch"}, []string{"name"}, &switches); err != nil {
		return err
	}

	nameByID := make(map[string]string, len(switches))
	for _, sw := range switches {
		inv.DVSwitches = append(inv.DVSwitches, DVSwitch{ID: sw.Reference().Value, Name: sw.Name})
		nameByID[sw.Reference().Value] = sw.Name
	}
	for i, pg := range inv.DVPgs {
		if pg.ParentSwitchID != "" {
			inv.DVPgs[i].ParentSwitchName = nameByID[pg.ParentSwitchID]
		}
	}
	return nil
}
