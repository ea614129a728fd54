package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
)

func TestGetClusterHAStatusReportsSimulatorDefaults(t *testing.T) {
	withMaintenanceSimulator(t, 1, 2, func(engine *Engine, host vcenter.Host, hostMoRef, clusterName string) {
		status, err := engine.GetClusterHAStatus(context.Background(), host, clusterName)
		require.NoError(t, err)
		assert.True(t, status.Success)
	})
}

func TestDisableThenEnableClusterHARoundTrips(t *testing.T) {
	withMaintenanceSimulator(t, 1, 2, func(engine *Engine, host vcenter.Host, hostMoRef, clusterName string) {
		before, err := engine.GetClusterHAStatus(context.Background(), host, clusterName)
		require.NoError(t, err)

		disabled, err := engine.DisableClusterHA(context.Background(), host, clusterName)
		require.NoError(t, err)
		assert.True(t, disabled.Success)

		if before.HAEnabled {
			status, err := engine.GetClusterHAStatus(context.Background(), host, clusterName)
			require.NoError(t, err)
			assert.False(t, status.HAEnabled)
		}

		enabled, err := engine.EnableClusterHA(context.Background(), host, clusterName, "enabled", true)
		require.NoError(t, err)
		assert.True(t, enabled.Success)
		assert.True(t, enabled.HAEnabled)
	})
}

func TestDisableHostMonitoringIsNoopWhenHADisabled(t *testing.T) {
	withMaintenanceSimulator(t, 1, 2, func(engine *Engine, host vcenter.Host, hostMoRef, clusterName string) {
		_, err := engine.DisableClusterHA(context.Background(), host, clusterName)
		require.NoError(t, err)

		status, err := engine.DisableHostMonitoring(context.Background(), host, clusterName)
		require.NoError(t, err)
		assert.True(t, status.Success)
		assert.True(t, status.AlreadyInState)
	})
}

func TestGetClusterHAStatusOnUnknownClusterReturnsError(t *testing.T) {
	withMaintenanceSimulator(t, 1, 1, func(engine *Engine, host vcenter.Host, hostMoRef, clusterName string) {
		_, err := engine.GetClusterHAStatus(context.Background(), host, "does-not-exist")
		assert.Error(t, err)
	})
}

func TestFindFaultTolerantVMReturnsEmptyWhenNoneConfigured(t *testing.T) {
	withMaintenanceSimulator(t, 1, 1, func(engine *Engine, host vcenter.Host, hostMoRef, clusterName string) {
		client, err := engine.sessions.EnsureSession(context.Background(), host)
		require.NoError(t, err)

		cluster, err := findCluster(context.Background(), client, clusterName)
		require.NoError(t, err)

		ftVM, err := findFaultTolerantVM(context.Background(), client, cluster)
		require.NoError(t, err)
		assert.Empty(t, ftVM)
	})
}
