package scheduler

import (
	"context"
	"fmt"

	"github.com/i0mja/dell-infra-sync-sub002/internal/discovery"
	"github.com/i0mja/dell-infra-sync-sub002/internal/replication"
	"github.com/i0mja/dell-infra-sync-sub002/internal/sshcreds"
	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
)

// VCenterDiscoveryJobType is the job_type a self-rescheduling inventory
// sync row carries (the "vCenter scheduler" example named in spec.md's
// self-rescheduling-job description).
const VCenterDiscoveryJobType = "vcenter_discovery"

// NewVCenterDiscoveryHandler builds a Handler that fetches and upserts one
// vCenter's inventory. The job's payload carries the target host;
// cancellation is checked once, before the inventory fetch runs.
func NewVCenterDiscoveryHandler(sessions *vcenter.SessionManager, upserter *vcenter.Upserter) Handler {
	return func(ctx context.Context, jc *JobContext) error {
		payload := jc.Payload()
		host := vcenter.Host{
			ID:       stringField(payload, "vcenter_host_id"),
			Address:  stringField(payload, "address"),
			Username: stringField(payload, "username"),
			Password: stringField(payload, "password"),
		}
		vcenterName := stringField(payload, "vcenter_name")
		sourceVCenterID := stringField(payload, "source_vcenter_id")

		cancelled, err := jc.IsCancelled(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			return jc.Cancelled()
		}

		task, err := jc.StartTask(ctx, "fetch-and-upsert-inventory")
		if err != nil {
			return err
		}

		client, err := sessions.EnsureSession(ctx, host)
		if err != nil {
			jc.CompleteTask(ctx, task, err)
			return err
		}

		inv, err := vcenter.Fetch(ctx, client)
		if err != nil {
			jc.CompleteTask(ctx, task, err)
			return err
		}

		progress := func(percent int, message string) {
			jc.UpdateDetails(ctx, map[string]any{
				"percent": percent,
				"message": message,
			})
		}

		result, err := upserter.Upsert(ctx, sourceVCenterID, vcenterName, inv, progress)
		jc.CompleteTask(ctx, task, err)
		if err != nil {
			return err
		}

		return jc.UpdateDetails(ctx, map[string]any{
			"percent":             100,
			"message":             "inventory sync complete",
			"clusters_upserted":   result.ClustersUpserted,
			"hosts_upserted":      result.HostsUpserted,
			"hosts_linked":        result.HostsAutoLinked,
			"datastores_upserted": result.DatastoresUpserted,
			"networks_upserted":   result.NetworksUpserted,
			"vms_upserted":        result.VMsUpserted,
		})
	}
}

type replicationStage struct {
	name string
	run  func() error
}

// ReplicationJobType is the job_type a single ZFS replication cycle
// (snapshot -> send size -> replicate -> verify) carries.
const ReplicationJobType = "zfs_replication"

// NewReplicationHandler builds a Handler that runs one replication cycle
// for a source/target dataset pair named in the job payload, checking
// cancellation between each of the four stages and fanning out a Task per
// stage so the UI can show which one is in flight.
func NewReplicationHandler(engine *replication.Engine) Handler {
	return func(ctx context.Context, jc *JobContext) error {
		payload := jc.Payload()

		sourceHost := replication.Host{
			Hostname: stringField(payload, "source_hostname"),
			Creds:    sshcreds.Credentials{Username: stringField(payload, "source_username")},
		}
		targetHost := replication.Host{
			Hostname: stringField(payload, "target_hostname"),
			Creds:    sshcreds.Credentials{Username: stringField(payload, "target_username")},
		}
		sourceDataset := stringField(payload, "source_dataset")
		targetDataset := stringField(payload, "target_dataset")
		snapshot := stringField(payload, "snapshot")
		incrementalFrom := stringField(payload, "incremental_from")

		var sendSize int64
		stages := []replicationStage{
			{"create-snapshot", func() error {
				return engine.CreateSnapshot(ctx, sourceHost, sourceDataset, snapshot)
			}},
			{"get-send-size", func() error {
				result, err := engine.GetSendSize(ctx, sourceHost, sourceDataset, snapshot, incrementalFrom)
				if err != nil {
					return err
				}
				sendSize = result.Bytes
				return nil
			}},
			{"replicate", func() error {
				_, err := engine.Replicate(ctx, sourceHost, sourceDataset, snapshot, targetHost, targetDataset, incrementalFrom, sendSize)
				return err
			}},
			{"verify", func() error {
				result, err := engine.VerifyOnTarget(ctx, targetHost, targetDataset, snapshot, sendSize)
				if err != nil {
					return err
				}
				if !result.Exists {
					return fmt.Errorf("verify: snapshot %s not found on target", snapshot)
				}
				if !result.SizeMatch {
					return fmt.Errorf("verify: target size outside tolerance for snapshot %s", snapshot)
				}
				return nil
			}},
		}

		for i, stage := range stages {
			cancelled, err := jc.IsCancelled(ctx)
			if err != nil {
				return err
			}
			if cancelled {
				jc.CancelOwnedTasks(ctx, "job cancelled before stage "+stage.name)
				return jc.Cancelled()
			}

			task, err := jc.StartTask(ctx, stage.name)
			if err != nil {
				return err
			}
			stageErr := stage.run()
			jc.CompleteTask(ctx, task, stageErr)
			if stageErr != nil {
				return fmt.Errorf("%s: %w", stage.name, stageErr)
			}

			jc.UpdateDetails(ctx, map[string]any{
				"percent": (i + 1) * 100 / len(stages),
				"stage":   stage.name,
			})
		}

		return nil
	}
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}

func stringSliceField(payload map[string]any, key string) []string {
	if strs, ok := payload[key].([]string); ok {
		return strs
	}
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DiscoveryScanJobType is the job_type a bounded-parallel IP sweep carries.
const DiscoveryScanJobType = "discovery_scan"

// NewDiscoveryScanHandler builds a Handler that expands the job payload's
// IP specifier, runs the Scanner, and folds each progress snapshot into the
// job's details bag. Cancellation is checked once up front only: the sweep
// itself has no internal suspension point a handler can interrupt cleanly
// once dispatched, matching the original scan's own all-or-nothing loop.
func NewDiscoveryScanHandler(scanner *discovery.Scanner) Handler {
	return func(ctx context.Context, jc *JobContext) error {
		payload := jc.Payload()

		cancelled, err := jc.IsCancelled(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			return jc.Cancelled()
		}

		task, err := jc.StartTask(ctx, "ip-sweep")
		if err != nil {
			return err
		}

		ips, err := discovery.ExpandIPs(stringSliceField(payload, "ip_list"), stringField(payload, "ip_range"))
		if err != nil {
			jc.CompleteTask(ctx, task, err)
			return err
		}

		progress := func(p discovery.ScanProgress) {
			jc.UpdateDetails(ctx, map[string]any{
				"ips_processed":    p.IPsProcessed,
				"ips_total":        p.IPsTotal,
				"stage1_passed":    p.Stage1Passed,
				"stage1_filtered":  p.Stage1Filtered,
				"stage2_passed":    p.Stage2Passed,
				"stage2_filtered":  p.Stage2Filtered,
				"discovered_count": p.DiscoveredCount,
				"auth_failures":    p.AuthFailures,
			})
		}

		summary, err := scanner.Scan(ctx, ips, stringSliceField(payload, "credential_set_ids"), progress)
		jc.CompleteTask(ctx, task, err)
		if err != nil {
			return err
		}

		return jc.UpdateDetails(ctx, map[string]any{
			"discovered_count":       summary.DiscoveredCount,
			"auth_failures":          summary.AuthFailureCount,
			"scanned_ips":            summary.ScannedIPs,
			"stage1_passed":          summary.Stage1Passed,
			"stage1_filtered":        summary.Stage1Filtered,
			"stage2_passed":          summary.Stage2Passed,
			"stage2_filtered":        summary.Stage2Filtered,
			"timeout_count":          summary.TimeoutCount,
			"timeout_warning":        summary.TimeoutWarning,
			"auto_refresh_triggered": summary.DiscoveredCount > 0,
		})
	}
}
