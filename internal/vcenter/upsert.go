package vcenter

import (
	"context"
	"fmt"
)

// Gateway is the narrow slice of the persistence gateway the upserter
// needs, declared here rather than imported so this package never
// depends on internal/persistence directly.
type Gateway interface {
	Select(ctx context.Context, table string, filters map[string]string, selectCols, order string) ([]map[string]any, error)
	Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error)
	Patch(ctx context.Context, table string, filters map[string]string, row map[string]any) error
}

// ProgressFunc reports a percentage complete (0-100) to a caller (the job
// scheduler, in practice) as each upsert batch finishes.
type ProgressFunc func(percent int, message string)

// Upserter batch-upserts a fetched Inventory into the database, one Upsert
// call per entity type except VMs, which go out in batches of 50,
// auto-linking ESXi hosts to existing server rows by serial number/service
// tag along the way.
type Upserter struct {
	gw Gateway
}

// NewUpserter builds an Upserter against gw.
func NewUpserter(gw Gateway) *Upserter {
	return &Upserter{gw: gw}
}

// UpsertResult summarizes one run of Upsert.
type UpsertResult struct {
	ClustersUpserted   int
	HostsUpserted      int
	DatastoresUpserted int
	NetworksUpserted   int
	VMsUpserted        int
	HostsAutoLinked    int
}

func noopProgress(int, string) {}

// Upsert drives the fixed five-stage sequence the spec names: clusters,
// hosts (with server auto-linking), datastores, networks (standard plus
// distributed port groups), then VMs batched in groups of 50.
func (u *Upserter) Upsert(ctx context.Context, sourceVCenterID, vcenterName string, inv *Inventory, progress ProgressFunc) (*UpsertResult, error) {
	if progress == nil {
		progress = noopProgress
	}
	result := &UpsertResult{}

	progress(10, "upserting clusters")
	n, err := u.upsertClusters(ctx, sourceVCenterID, inv.Clusters)
	if err != nil {
		return nil, fmt.Errorf("upsert clusters: %w", err)
	}
	result.ClustersUpserted = n

	progress(30, "upserting hosts")
	n, linked, err := u.upsertHosts(ctx, sourceVCenterID, inv.Hosts)
	if err != nil {
		return nil, fmt.Errorf("upsert hosts: %w", err)
	}
	result.HostsUpserted = n
	result.HostsAutoLinked = linked

	progress(50, "upserting datastores")
	n, err = u.upsertDatastores(ctx, sourceVCenterID, inv.Datastores)
	if err != nil {
		return nil, fmt.Errorf("upsert datastores: %w", err)
	}
	result.DatastoresUpserted = n

	progress(70, "upserting networks")
	n, err = u.upsertNetworks(ctx, sourceVCenterID, inv.Networks, inv.DVPgs)
	if err != nil {
		return nil, fmt.Errorf("upsert networks: %w", err)
	}
	result.NetworksUpserted = n

	progress(85, "upserting virtual machines")
	n, err = u.upsertVMs(ctx, sourceVCenterID, inv.VMs)
	if err != nil {
		return nil, fmt.Errorf("upsert vms: %w", err)
	}
	result.VMsUpserted = n

	progress(100, "inventory sync complete")
	return result, nil
}

func (u *Upserter) upsertClusters(ctx context.Context, sourceVCenterID string, clusters []Cluster) (int, error) {
	if len(clusters) == 0 {
		return 0, nil
	}
	rows := make([]map[string]any, 0, len(clusters))
	for _, c := range clusters {
		rows = append(rows, map[string]any{
			"cluster_name":         c.Name,
			"vcenter_id":           c.ID,
			"source_vcenter_id":    sourceVCenterID,
			"total_cpu_mhz":        c.TotalCPUMhz,
			"used_cpu_mhz":         c.UsedCPUMhz,
			"total_memory_bytes":   c.TotalMemBytes,
			"used_memory_bytes":    c.UsedMemBytes,
			"total_storage_bytes":  0,
			"used_storage_bytes":   0,
			"host_count":           c.HostCount,
			"vm_count":             c.VMCount,
			"ha_enabled":           c.HAEnabled,
			"drs_enabled":          c.DRSEnabled,
			"drs_automation_level": c.DRSAutomation,
			"overall_status":       c.OverallStatus,
		})
	}
	if _, err := u.gw.Upsert(ctx, "vcenter_clusters", rows, "vcenter_id,source_vcenter_id"); err != nil {
		return 0, err
	}
	return len(rows), nil
}

var connectionStateToStatus = map[string]string{
	"connected":     "online",
	"disconnected":  "offline",
	"notresponding": "unreachable",
}

func (u *Upserter) upsertHosts(ctx context.Context, sourceVCenterID string, hosts []ESXiHost) (int, int, error) {
	if len(hosts) == 0 {
		return 0, 0, nil
	}

	unlinked, err := u.gw.Select(ctx, "servers",
		map[string]string{"vcenter_host_id": "is.null", "service_tag": "not.is.null"},
		"id,hostname,service_tag", "")
	if err != nil {
		return 0, 0, fmt.Errorf("select unlinked servers: %w", err)
	}
	serverByServiceTag := make(map[string]string, len(unlinked))
	for _, row := range unlinked {
		tag, _ := row["service_tag"].(string)
		id, _ := row["id"].(string)
		if tag != "" {
			serverByServiceTag[tag] = id
		}
	}

	rows := make([]map[string]any, 0, len(hosts))
	for _, h := range hosts {
		status := connectionStateToStatus[h.ConnectionState]
		if status == "" {
			status = "unknown"
		}
		rows = append(rows, map[string]any{
			"name":              h.Name,
			"vcenter_id":        h.ID,
			"source_vcenter_id": sourceVCenterID,
			"cluster_name":      h.ClusterName,
			"serial_number":     h.SerialNumber,
			"status":            status,
		})
	}

	upserted, err := u.gw.Upsert(ctx, "vcenter_hosts", rows, "vcenter_id,source_vcenter_id")
	if err != nil {
		return 0, 0, err
	}

	linked := 0
	for _, row := range upserted {
		serial, _ := row["serial_number"].(string)
		hostID, _ := row["id"].(string)
		if serial == "" || hostID == "" {
			continue
		}
		serverID, ok := serverByServiceTag[serial]
		if !ok {
			continue
		}
		if err := u.gw.Patch(ctx, "servers", map[string]string{"id": eqFilter(serverID)}, map[string]any{
			"vcenter_host_id": hostID,
		}); err != nil {
			return len(rows), linked, fmt.Errorf("link server %s to host %s: %w", serverID, hostID, err)
		}
		linked++
	}

	return len(rows), linked, nil
}

func (u *Upserter) upsertDatastores(ctx context.Context, sourceVCenterID string, datastores []Datastore) (int, error) {
	if len(datastores) == 0 {
		return 0, nil
	}
	rows := make([]map[string]any, 0, len(datastores))
	for _, d := range datastores {
		rows = append(rows, map[string]any{
			"name":              d.Name,
			"vcenter_id":        d.ID,
			"source_vcenter_id": sourceVCenterID,
			"type":              d.Type,
			"capacity_bytes":    d.CapacityBytes,
			"free_bytes":        d.FreeBytes,
			"accessible":        d.Accessible,
		})
	}
	if _, err := u.gw.Upsert(ctx, "vcenter_datastores", rows, "vcenter_id,source_vcenter_id"); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (u *Upserter) upsertNetworks(ctx context.Context, sourceVCenterID string, networks []Network, dvpgs []DVPortgroup) (int, error) {
	rows := make([]map[string]any, 0, len(networks)+len(dvpgs))
	for _, n := range networks {
		row := map[string]any{
			"name":              n.Name,
			"vcenter_id":        n.ID,
			"source_vcenter_id": sourceVCenterID,
			"network_type":      "standard",
			"host_count":        n.HostCount,
			"vm_count":          n.VMCount,
		}
		if n.VlanID != nil {
			row["vlan_id"] = *n.VlanID
		}
		rows = append(rows, row)
	}
	for _, pg := range dvpgs {
		row := map[string]any{
			"name":               pg.Name,
			"vcenter_id":         pg.ID,
			"source_vcenter_id":  sourceVCenterID,
			"network_type":       "distributed",
			"host_count":         pg.HostCount,
			"vm_count":           pg.VMCount,
			"parent_switch_id":   pg.ParentSwitchID,
			"parent_switch_name": pg.ParentSwitchName,
		}
		if pg.VlanID != nil {
			row["vlan_id"] = *pg.VlanID
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if _, err := u.gw.Upsert(ctx, "vcenter_networks", rows, "vcenter_id,source_vcenter_id"); err != nil {
		return 0, err
	}
	return len(rows), nil
}

const vmBatchSize = 50

func (u *Upserter) upsertVMs(ctx context.Context, sourceVCenterID string, vms []VM) (int, error) {
	if len(vms) == 0 {
		return 0, nil
	}

	hostRows, err := u.gw.Select(ctx, "vcenter_hosts",
		map[string]string{"source_vcenter_id": eqFilter(sourceVCenterID)}, "id,name", "")
	if err != nil {
		return 0, fmt.Errorf("select hosts for vm linking: %w", err)
	}
	hostLookup := make(map[string]string, len(hostRows))
	for _, row := range hostRows {
		name, _ := row["name"].(string)
		id, _ := row["id"].(string)
		if name != "" {
			hostLookup[name] = id
		}
	}

	total := 0
	for start := 0; start < len(vms); start += vmBatchSize {
		end := start + vmBatchSize
		if end > len(vms) {
			end = len(vms)
		}
		batch := vms[start:end]

		rows := make([]map[string]any, 0, len(batch))
		for _, v := range batch {
			rows = append(rows, map[string]any{
				"name":              v.Name,
				"vcenter_id":        v.ID,
				"source_vcenter_id": sourceVCenterID,
				"host_id":           hostLookup[v.HostName],
				"cluster_name":      v.ClusterName,
				"power_state":       v.PowerState,
				"overall_status":    v.ConnectionState,
			})
		}
		if _, err := u.gw.Upsert(ctx, "vcenter_vms", rows, "vcenter_id,source_vcenter_id"); err != nil {
			return total, fmt.Errorf("upsert vm batch starting at %d: %w", start, err)
		}
		total += len(rows)
	}
	return total, nil
}

func eqFilter(v string) string {
	return "eq." + v
}
