package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// Task is a sub-unit of work fanned out from a running job, recorded in
// the tasks table so the UI can show per-step progress underneath a job.
type Task struct {
	ID string
}

// JobContext is the handle a Handler uses to report progress, fan out
// Tasks, and observe cooperative cancellation. It carries no state beyond
// identifying the owning job; every method round-trips through the
// Gateway so concurrent handlers never share mutable state.
type JobContext struct {
	svc *Service
	job Job
}

// JobID returns the id of the job this context was built for.
func (jc *JobContext) JobID() string { return jc.job.ID }

// JobType returns the job_type of the job this context was built for.
func (jc *JobContext) JobType() string { return jc.job.JobType }

// Payload returns the job row's payload bag, as it stood when the job was
// claimed. Handlers needing up-to-date values should re-select themselves.
func (jc *JobContext) Payload() map[string]any { return jc.job.Payload }

// IsCancelled re-reads the job row's status column. Handlers call this
// between sub-steps and before any expensive remote call; a true result
// means the handler must stop and return an *errs.CancelledError without
// performing further work.
func (jc *JobContext) IsCancelled(ctx context.Context) (bool, error) {
	rows, err := jc.svc.gw.Select(ctx, "jobs", map[string]string{"id": "eq." + jc.job.ID}, "status", "")
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return asString(rows[0]["status"]) == "cancelled", nil
}

// UpdateDetails replaces the job row's details bag. Callers pass the full
// current snapshot rather than a partial patch, since the jobs table has
// no server-side JSON-merge RPC; call at least every ~5 seconds during a
// long-running handler so the UI sees live progress.
func (jc *JobContext) UpdateDetails(ctx context.Context, details map[string]any) error {
	return jc.svc.gw.Patch(ctx, "jobs", map[string]string{"id": "eq." + jc.job.ID}, map[string]any{
		"details": details,
	})
}

// StartTask inserts a running task row under this job.
func (jc *JobContext) StartTask(ctx context.Context, name string) (*Task, error) {
	rows, err := jc.svc.gw.Insert(ctx, "tasks", map[string]any{
		"job_id":     jc.job.ID,
		"name":       name,
		"status":     "running",
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Task{}, nil
	}
	return &Task{ID: asString(rows[0]["id"])}, nil
}

// CompleteTask marks task completed or failed with an optional error
// message.
func (jc *JobContext) CompleteTask(ctx context.Context, task *Task, taskErr error) error {
	status := "completed"
	patch := map[string]any{
		"status":       status,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if taskErr != nil {
		patch["status"] = "failed"
		patch["error_message"] = taskErr.Error()
	}
	return jc.svc.gw.Patch(ctx, "tasks", map[string]string{"id": "eq." + task.ID}, patch)
}

// CancelOwnedTasks marks every still-running task under this job as
// cancelled with a terminal log line, per the cooperative-cancellation
// contract: a handler observing IsCancelled must cancel its own running
// tasks before returning.
func (jc *JobContext) CancelOwnedTasks(ctx context.Context, reason string) {
	if err := jc.svc.gw.Patch(ctx, "tasks", map[string]string{
		"job_id": "eq." + jc.job.ID,
		"status": "eq.running",
	}, map[string]any{
		"status":        "cancelled",
		"completed_at":  time.Now().UTC().Format(time.RFC3339),
		"error_message": reason,
	}); err != nil {
		log.WithError(err).WithField("job_id", jc.job.ID).Warn("failed to cancel owned tasks")
	}
}

// Cancelled builds the sentinel error a Handler returns once it has
// observed cancellation and released its owned tasks, so the dispatcher
// finalizes the job as cancelled rather than failed.
func (jc *JobContext) Cancelled() error {
	return &errs.CancelledError{JobID: jc.job.ID}
}
