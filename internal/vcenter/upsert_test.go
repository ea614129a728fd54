package vcenter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	selectResults map[string][]map[string]any
	upsertRows    map[string][]map[string]any
	upsertCalls   map[string]int
	patched       []patchCall

	upsertReturn map[string][]map[string]any
}

type patchCall struct {
	table   string
	filters map[string]string
	row     map[string]any
}

func (f *fakeGateway) Select(ctx context.Context, table string, filters map[string]string, selectCols, order string) ([]map[string]any, error) {
	return f.selectResults[table], nil
}

func (f *fakeGateway) Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) ([]map[string]any, error) {
	if f.upsertRows == nil {
		f.upsertRows = map[string][]map[string]any{}
	}
	f.upsertRows[table] = append(f.upsertRows[table], rows...)
	if f.upsertCalls == nil {
		f.upsertCalls = map[string]int{}
	}
	f.upsertCalls[table]++
	if ret, ok := f.upsertReturn[table]; ok {
		return ret, nil
	}
	return rows, nil
}

func (f *fakeGateway) Patch(ctx context.Context, table string, filters map[string]string, row map[string]any) error {
	f.patched = append(f.patched, patchCall{table: table, filters: filters, row: row})
	return nil
}

func intPtr(v int32) *int32 { return &v }

func TestUpsertClustersSendsExpectedFields(t *testing.T) {
	gw := &fakeGateway{}
	u := NewUpserter(gw)

	n, err := u.upsertClusters(context.Background(), "vc-1", []Cluster{
		{ID: "domain-c1", Name: "prod-cluster", HostCount: 2, HAEnabled: true, DRSEnabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, gw.upsertRows["vcenter_clusters"], 1)
	row := gw.upsertRows["vcenter_clusters"][0]
	assert.Equal(t, "prod-cluster", row["cluster_name"])
	assert.Equal(t, "vc-1", row["source_vcenter_id"])
	assert.Equal(t, true, row["ha_enabled"])
}

func TestUpsertHostsAutoLinksByServiceTag(t *testing.T) {
	gw := &fakeGateway{
		selectResults: map[string][]map[string]any{
			"servers": {
				{"id": "srv-1", "hostname": "esx01", "service_tag": "ABC123"},
			},
		},
		upsertReturn: map[string][]map[string]any{
			"vcenter_hosts": {
				{"id": "host-uuid-1", "serial_number": "ABC123"},
			},
		},
	}
	u := NewUpserter(gw)

	n, linked, err := u.upsertHosts(context.Background(), "vc-1", []ESXiHost{
		{ID: "host-1", Name: "esx01.lab.local", ClusterName: "prod-cluster", SerialNumber: "ABC123", ConnectionState: "connected"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, linked)
	require.Len(t, gw.patched, 1)
	assert.Equal(t, "servers", gw.patched[0].table)
	assert.Equal(t, "host-uuid-1", gw.patched[0].row["vcenter_host_id"])
}

func TestUpsertHostsSkipsLinkingWhenNoServiceTagMatch(t *testing.T) {
	gw := &fakeGateway{
		selectResults: map[string][]map[string]any{
			"servers": {{"id": "srv-1", "service_tag": "OTHER"}},
		},
		upsertReturn: map[string][]map[string]any{
			"vcenter_hosts": {{"id": "host-uuid-1", "serial_number": "ABC123"}},
		},
	}
	u := NewUpserter(gw)

	_, linked, err := u.upsertHosts(context.Background(), "vc-1", []ESXiHost{
		{ID: "host-1", Name: "esx01", SerialNumber: "ABC123"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, linked)
	assert.Empty(t, gw.patched)
}

func TestUpsertHostsMapsConnectionStateToStatus(t *testing.T) {
	gw := &fakeGateway{}
	u := NewUpserter(gw)

	_, _, err := u.upsertHosts(context.Background(), "vc-1", []ESXiHost{
		{ID: "h1", Name: "esx01", ConnectionState: "disconnected"},
	})
	require.NoError(t, err)
	assert.Equal(t, "offline", gw.upsertRows["vcenter_hosts"][0]["status"])
}

func TestUpsertNetworksCombinesStandardAndDistributed(t *testing.T) {
	gw := &fakeGateway{}
	u := NewUpserter(gw)

	n, err := u.upsertNetworks(context.Background(), "vc-1",
		[]Network{{ID: "net-1", Name: "VM Network"}},
		[]DVPortgroup{{ID: "dvpg-1", Name: "dvpg-prod", ParentSwitchName: "dvs-core", VlanID: intPtr(100)}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows := gw.upsertRows["vcenter_networks"]
	require.Len(t, rows, 2)
	assert.Equal(t, "standard", rows[0]["network_type"])
	assert.Equal(t, "distributed", rows[1]["network_type"])
	assert.Equal(t, int32(100), rows[1]["vlan_id"])
}

func TestUpsertVMsBatchesInGroupsOf50(t *testing.T) {
	gw := &fakeGateway{
		selectResults: map[string][]map[string]any{
			"vcenter_hosts": {{"id": "host-uuid-1", "name": "esx01"}},
		},
	}
	u := NewUpserter(gw)

	vms := make([]VM, 120)
	for i := range vms {
		vms[i] = VM{ID: "vm-" + string(rune('a'+i%26)), Name: "vm", HostName: "esx01"}
	}

	n, err := u.upsertVMs(context.Background(), "vc-1", vms)
	require.NoError(t, err)
	assert.Equal(t, 120, n)
	assert.Equal(t, 3, gw.upsertCalls["vcenter_vms"], "120 VMs go out as batches of 50, 50 and 20")
	assert.Len(t, gw.upsertRows["vcenter_vms"], 120)
	for _, row := range gw.upsertRows["vcenter_vms"] {
		assert.Equal(t, "host-uuid-1", row["host_id"])
	}
}

func TestUpsertRunsAllFiveStagesAndReportsProgress(t *testing.T) {
	gw := &fakeGateway{}
	u := NewUpserter(gw)

	var progressCalls []int
	result, err := u.Upsert(context.Background(), "vc-1", "lab-vcenter", &Inventory{
		Clusters:   []Cluster{{ID: "c1", Name: "prod"}},
		Hosts:      []ESXiHost{{ID: "h1", Name: "esx01"}},
		Datastores: []Datastore{{ID: "ds1", Name: "datastore1"}},
		Networks:   []Network{{ID: "n1", Name: "VM Network"}},
		VMs:        []VM{{ID: "vm1", Name: "vm1"}},
	}, func(percent int, message string) {
		progressCalls = append(progressCalls, percent)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClustersUpserted)
	assert.Equal(t, 1, result.HostsUpserted)
	assert.Equal(t, 1, result.DatastoresUpserted)
	assert.Equal(t, 1, result.NetworksUpserted)
	assert.Equal(t, 1, result.VMsUpserted)
	assert.Equal(t, []int{10, 30, 50, 70, 85, 100}, progressCalls)
}
