// Package scheduler implements the Job Scheduler (C12): a single polling
// loop over a generic "jobs" table, dispatching each row by job_type to a
// registered Handler and running dispatched handlers on worker goroutines
// up to a concurrency cap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
	"github.com/i0mja/dell-infra-sync-sub002/joblog"
)

// Gateway is the narrow slice of the Persistence Gateway (C4) the scheduler
// needs: generic row select/insert/patch against the jobs and tasks tables.
// Any type satisfying this (in particular *persistence.Gateway) can drive
// the scheduler without this package importing persistence directly.
type Gateway interface {
	Select(ctx context.Context, table string, filters map[string]string, selectCols, order string) ([]map[string]any, error)
	Insert(ctx context.Context, table string, row map[string]any, returnRepresentation bool) ([]map[string]any, error)
	Patch(ctx context.Context, table string, filters map[string]string, row map[string]any) error
}

// Handler processes one claimed job. It must check jc.IsCancelled between
// sub-steps and before any expensive remote call, fan out Tasks for
// long-running sub-operations, and call jc.UpdateDetails often enough that
// the UI sees progress at least every ~5 seconds. A returned
// *errs.CancelledError finalizes the job as cancelled; any other non-nil
// error finalizes it as failed; a nil return finalizes it as completed.
type Handler func(ctx context.Context, jc *JobContext) error

// Job is one row claimed from the jobs table.
type Job struct {
	ID                        string
	JobType                   string
	Payload                   map[string]any
	RescheduleIntervalSeconds *int
}

// Service polls the jobs table on a cron-driven interval and dispatches
// claimed rows to registered handlers, mirroring the teacher's own
// cron-lifecycle (Start/Stop/activeSchedules) discipline but generalized
// to a generic job queue instead of fixed replication schedules.
type Service struct {
	gw         Gateway
	tracker    *joblog.Tracker
	instanceID string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	cron         *cron.Cron
	pollEntryID  cron.EntryID
	pollInterval time.Duration

	sem chan struct{}

	runningMutex sync.RWMutex
	runningCount int
	isRunning    bool
	stopChan     chan struct{}
}

// New builds a Service. maxConcurrent bounds the number of jobs dispatched
// to handlers at once; instanceID is recorded in each claimed row's
// claimed_by column for operator visibility (this process assumes it is
// the only scheduler instance polling a given jobs table — see DESIGN.md).
func New(gw Gateway, tracker *joblog.Tracker, maxConcurrent int, instanceID string) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Service{
		gw:         gw,
		tracker:    tracker,
		instanceID: instanceID,
		handlers:   make(map[string]Handler),
		cron:       cron.New(cron.WithSeconds()),
		sem:        make(chan struct{}, maxConcurrent),
		stopChan:   make(chan struct{}),
	}
}

// RegisterHandler binds jobType to h. Must be called before Start.
func (s *Service) RegisterHandler(jobType string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[jobType] = h
}

// Start begins polling the jobs table every pollInterval.
func (s *Service) Start(ctx context.Context, pollInterval time.Duration) error {
	s.runningMutex.Lock()
	defer s.runningMutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler service already running")
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s.pollInterval = pollInterval

	log.WithField("poll_interval", pollInterval).Info("starting job scheduler")

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", pollInterval), func() {
		s.pollOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule poll loop: %w", err)
	}
	s.pollEntryID = entryID
	s.cron.Start()
	s.isRunning = true
	return nil
}

// Stop signals the poll loop to stop and waits (with timeout) for
// in-flight handlers to finish. In-flight handlers are NOT interrupted;
// they observe cancellation cooperatively via jc.IsCancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.runningMutex.Lock()
	if !s.isRunning {
		s.runningMutex.Unlock()
		return fmt.Errorf("scheduler service not running")
	}
	s.runningMutex.Unlock()

	log.Info("stopping job scheduler")
	close(s.stopChan)
	cronCtx := s.cron.Stop()

	select {
	case <-cronCtx.Done():
	case <-time.After(10 * time.Second):
		log.Warn("timeout waiting for poll loop to drain")
	}

	timeout := time.After(60 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		s.runningMutex.RLock()
		running := s.runningCount
		s.runningMutex.RUnlock()
		if running == 0 {
			break
		}
		select {
		case <-timeout:
			log.WithField("running", running).Warn("timeout waiting for running jobs to finish")
			goto stopped
		case <-ticker.C:
		}
	}
stopped:
	s.runningMutex.Lock()
	s.isRunning = false
	s.stopChan = make(chan struct{})
	s.runningMutex.Unlock()
	log.Info("job scheduler stopped")
	return nil
}

// pollOnce selects due pending jobs, claims each with an optimistic Patch
// (status=pending -> running) and dispatches claimed rows to workers up
// to the concurrency cap; rows beyond the cap are left pending for the
// next tick.
func (s *Service) pollOnce(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := s.gw.Select(ctx, "jobs", map[string]string{
		"status":      "eq.pending",
		"schedule_at": "lte." + now,
	}, "*", "schedule_at.asc")
	if err != nil {
		log.WithError(err).Error("failed to poll jobs table")
		return
	}

	for _, row := range rows {
		job := rowToJob(row)

		select {
		case s.sem <- struct{}{}:
		default:
			continue
		}

		if err := s.claim(ctx, job.ID); err != nil {
			log.WithError(err).WithField("job_id", job.ID).Warn("failed to claim job, leaving pending")
			<-s.sem
			continue
		}

		s.runningMutex.Lock()
		s.runningCount++
		s.runningMutex.Unlock()

		go func(j Job) {
			defer func() {
				<-s.sem
				s.runningMutex.Lock()
				s.runningCount--
				s.runningMutex.Unlock()
			}()
			s.dispatch(context.Background(), j)
		}(job)
	}
}

func (s *Service) claim(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.gw.Patch(ctx, "jobs", map[string]string{
		"id":     "eq." + jobID,
		"status": "eq.pending",
	}, map[string]any{
		"status":     "running",
		"started_at": now,
		"claimed_by": s.instanceID,
		"claimed_at": now,
	})
}

// dispatch runs job's handler and writes the single terminal row transition
// the handler's outcome implies, then inserts a self-rescheduled follow-up
// row when the job carries a reschedule interval and did not finish
// cancelled.
func (s *Service) dispatch(ctx context.Context, job Job) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.handlersMu.RUnlock()

	jc := &JobContext{svc: s, job: job}

	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("no handler registered for job_type %q", job.JobType)
	} else {
		handlerErr = s.runHandler(ctx, handler, jc)
	}

	status := "completed"
	errMsg := ""
	switch {
	case handlerErr == nil:
		status = "completed"
	default:
		if _, cancelled := handlerErr.(*errs.CancelledError); cancelled {
			status = "cancelled"
		} else {
			status = "failed"
			errMsg = handlerErr.Error()
		}
	}

	completedAt := time.Now().UTC().Format(time.RFC3339)
	patch := map[string]any{
		"status":       status,
		"completed_at": completedAt,
	}
	if errMsg != "" {
		patch["error_message"] = errMsg
	}
	if err := s.gw.Patch(ctx, "jobs", map[string]string{"id": "eq." + job.ID}, patch); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Error("failed to write terminal job row")
	}

	if job.RescheduleIntervalSeconds != nil && status != "cancelled" {
		s.reschedule(ctx, job)
	}
}

// runHandler recovers a handler panic into a failed job instead of
// crashing the poll loop, matching the "never propagate handler failures
// upward" discipline every other long-running component in this tree
// follows. Recovery is logged through the tracker so a handler panic
// leaves the same audit trail a normal handler error would.
func (s *Service) runHandler(ctx context.Context, h Handler, jc *JobContext) (err error) {
	defer joblog.RecoverHandlerPanic(&err, ctx, s.tracker, jc.job.ID)
	return h(ctx, jc)
}

func (s *Service) reschedule(ctx context.Context, job Job) {
	interval := time.Duration(*job.RescheduleIntervalSeconds) * time.Second
	scheduleAt := time.Now().UTC().Add(interval).Format(time.RFC3339)

	row := map[string]any{
		"job_type":                    job.JobType,
		"status":                      "pending",
		"schedule_at":                 scheduleAt,
		"payload":                     job.Payload,
		"reschedule_interval_seconds": *job.RescheduleIntervalSeconds,
	}
	if _, err := s.gw.Insert(ctx, "jobs", row, false); err != nil {
		log.WithError(err).WithField("job_type", job.JobType).Error("failed to insert self-rescheduled job")
	}
}

func rowToJob(row map[string]any) Job {
	job := Job{
		ID:      asString(row["id"]),
		JobType: asString(row["job_type"]),
	}
	if payload, ok := row["payload"].(map[string]any); ok {
		job.Payload = payload
	}
	if v, ok := row["reschedule_interval_seconds"]; ok && v != nil {
		n := asInt(v)
		job.RescheduleIntervalSeconds = &n
	}
	return job
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
