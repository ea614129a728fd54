package replication

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLocalExec(responses map[string]execResult) LocalExec {
	return func(ctx context.Context, command string) (string, string, int, error) {
		for prefix, res := range responses {
			if strings.HasPrefix(command, prefix) {
				exit := 0
				if !res.success {
					exit = 1
				}
				return res.stdout, res.stderr, exit, nil
			}
		}
		return "", "command not mocked: " + command, 1, nil
	}
}

func TestCreateSnapshotSucceeds(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs snapshot": {success: true},
	}))
	err := e.CreateSnapshot(context.Background(), Host{}, "tank/vm1", "snap1")
	require.NoError(t, err)
}

func TestCreateSnapshotFailsOnNonZeroExit(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs snapshot": {success: false, stderr: "dataset already exists"},
	}))
	err := e.CreateSnapshot(context.Background(), Host{}, "tank/vm1", "snap1")
	assert.Error(t, err)
}

func TestListSnapshotsParsesTabSeparatedRows(t *testing.T) {
	stdout := "tank/vm1@snap1\t2026-01-01\t1G\t2G\ntank/vm1@snap2\t2026-01-02\t4G\t8G\n"
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs list -t snapshot": {success: true, stdout: stdout},
	}))
	snaps, err := e.ListSnapshots(context.Background(), Host{}, "tank/vm1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "snap1", snaps[0].Name)
	assert.Equal(t, int64(1*1024*1024*1024), snaps[0].UsedBytes)
	assert.Equal(t, "snap2", snaps[1].Name)
	assert.Equal(t, int64(4*1024*1024*1024), snaps[1].UsedBytes)
}

func TestCheckSnapshotExistsStripsLeadingAt(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs list -t snapshot -H -o name": {success: true, stdout: "tank/vm1@snap1\n"},
	}))
	exists := e.CheckSnapshotExists(context.Background(), Host{}, "tank/vm1", "@snap1")
	assert.True(t, exists)
}

func TestCheckSnapshotExistsFalseWhenMissing(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{}))
	exists := e.CheckSnapshotExists(context.Background(), Host{}, "tank/vm1", "snap1")
	assert.False(t, exists)
}

func TestGetSendSizeParsesTabSeparatedSize(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs send -nP": {success: true, stdout: "full\ttank/vm1@snap1\t11273642128\nsize\t11273642128\n"},
	}))
	result, err := e.GetSendSize(context.Background(), Host{}, "tank/vm1", "snap1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(11273642128), result.Bytes)
	assert.False(t, result.Incremental)
}

func TestGetSendSizeParsesEstimatedSizeFallback(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs send -nP": {success: true, stdout: "estimated size is 123456789\n"},
	}))
	result, err := e.GetSendSize(context.Background(), Host{}, "tank/vm1", "snap1", "base")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), result.Bytes)
	assert.True(t, result.Incremental)
}

func TestParseTransferSizeHandlesEstimatedSizeWithUnit(t *testing.T) {
	bytes := parseTransferSize("full send of tank/vm1@snap1 estimated size is 26.7G\n")
	assert.InDelta(t, int64(26.7*(1<<30)), bytes, float64(1<<20))
}

func TestParseTransferSizeHandlesTrailingSizeLine(t *testing.T) {
	bytes := parseTransferSize("some preamble\n1.2M  tank/vm1@snap1\n")
	assert.InDelta(t, int64(1.2*(1<<20)), bytes, 1024)
}

func TestParseTransferSizeFallsBackToLargestNumber(t *testing.T) {
	bytes := parseTransferSize("no recognizable pattern here but 123456789 appears")
	assert.Equal(t, int64(123456789), bytes)
}

func TestTransferTimeoutThresholds(t *testing.T) {
	assert.Equal(t, 120*time.Second, transferTimeout(500_000))
	assert.Equal(t, 600*time.Second, transferTimeout(500_000_000))
	assert.Equal(t, 3600*time.Second, transferTimeout(5_000_000_000))
	assert.Equal(t, 3600*time.Second, transferTimeout(0))
}

func TestReplicateDowngradesIncrementalToFullWhenTargetMissing(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs list -H -o name": {success: false},
		"zfs send -v":         {success: true, stdout: "estimated size is 10M\n"},
	}))
	result, err := e.Replicate(context.Background(), Host{}, "tank/vm1", "snap2", Host{}, "tank/vm1", "snap1", 0)
	require.NoError(t, err)
	assert.False(t, result.Incremental)
}

func TestVerifyOnTargetFlagsSizeMismatch(t *testing.T) {
	e := NewEngine(nil, fakeLocalExec(map[string]execResult{
		"zfs list -t snapshot": {success: true},
		"zfs list -Hp -o referenced": {success: true, stdout: "1000\n"},
	}))
	result, err := e.VerifyOnTarget(context.Background(), Host{}, "tank/vm1", "snap1", 2000)
	require.NoError(t, err)
	assert.True(t, result.Exists)
	assert.False(t, result.SizeMatch)
}

func TestFindCommonSnapshotReturnsNewestSharedName(t *testing.T) {
	e := &Engine{
		localExec: func(ctx context.Context, command string) (string, string, int, error) {
			if strings.Contains(command, "source") {
				return "tank/source@zerfaux-001\t2026-01-01\t1M\t1M\ntank/source@zerfaux-002\t2026-01-02\t1M\t1M\n", "", 0, nil
			}
			return "tank/target@zerfaux-001\t2026-01-01\t1M\t1M\n", "", 0, nil
		},
	}
	common, err := e.FindCommonSnapshot(context.Background(), Host{}, "tank/source", Host{}, "tank/target")
	require.NoError(t, err)
	assert.Equal(t, "zerfaux-001", common)
}
