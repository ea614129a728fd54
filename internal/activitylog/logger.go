// Package activitylog implements the Activity Logger (C5): every outbound
// call this process makes to iDRAC, vCenter, SSH targets, or the
// Persistence Gateway is mirrored here for later audit, and a logging
// failure here never propagates to the caller that triggered it.
package activitylog

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/i0mja/dell-infra-sync-sub002/database"
	"github.com/i0mja/dell-infra-sync-sub002/joblog"
)

// Entry is a single observable external call. RequestBody/ResponseBody
// bodies MUST NOT carry raw credentials; callers substitute a placeholder
// (e.g. "***") before handing the entry here.
type Entry struct {
	Endpoint      string
	Method        string
	RequestBody   string
	ResponseBody  string
	StatusCode    int
	ElapsedMs     int64
	OperationType string // idrac_api | vcenter_api | ssh | persistence
	JobID         string
	TaskID        string
	ServerID      string
	Success       bool
	ErrorMessage  string
}

// Logger writes Entry rows to the local command_log mirror and, when a
// job/step context is available, emits a structured log line via the
// shared joblog.Tracker so the entry also surfaces in the job's log stream.
type Logger struct {
	db      *gorm.DB
	tracker *joblog.Tracker
}

// New builds a Logger. db may be nil (e.g. MemoryConnection in local dev),
// in which case every Log call is a no-op beyond the structured log line.
func New(db *gorm.DB, tracker *joblog.Tracker) *Logger {
	return &Logger{db: db, tracker: tracker}
}

// Log records entry. All failures are swallowed: a database write error or
// a missing job context must never fail the caller's real operation.
func (l *Logger) Log(ctx context.Context, entry Entry) {
	defer func() { _ = recover() }()

	if l.tracker != nil {
		logger := l.tracker.Logger(ctx)
		attrs := []any{
			"endpoint", entry.Endpoint,
			"method", entry.Method,
			"operation_type", entry.OperationType,
			"status_code", entry.StatusCode,
			"elapsed_ms", entry.ElapsedMs,
			"success", entry.Success,
		}
		if entry.ServerID != "" {
			attrs = append(attrs, "server_id", entry.ServerID)
		}
		if entry.Success {
			logger.Debug("activity: "+entry.Endpoint, attrs...)
		} else {
			attrs = append(attrs, "error", entry.ErrorMessage)
			logger.Warn("activity: "+entry.Endpoint, attrs...)
		}
	}

	if l.db == nil {
		return
	}

	row := database.CommandLog{
		OperationType: entry.OperationType,
		Action:        entry.Method + " " + entry.Endpoint,
		Status:        statusString(entry.Success),
		DurationMs:    entry.ElapsedMs,
		CreatedAt:     time.Now(),
	}
	if entry.ServerID != "" {
		row.ServerID = &entry.ServerID
	}
	if entry.JobID != "" {
		row.JobID = &entry.JobID
	}
	if entry.RequestBody != "" {
		row.RequestBody = truncatedPtr(entry.RequestBody)
	}
	if entry.ResponseBody != "" {
		row.ResponseBody = truncatedPtr(entry.ResponseBody)
	}
	if entry.ErrorMessage != "" {
		row.ErrorMessage = &entry.ErrorMessage
	}

	// Best-effort: a failed local mirror write must not disturb the caller.
	_ = l.db.WithContext(ctx).Create(&row).Error
}

func statusString(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// maxBodyLen bounds what gets mirrored locally; full payloads belong in the
// Persistence Gateway's own audit trail, not this process's local database.
const maxBodyLen = 8192

func truncatedPtr(s string) *string {
	if len(s) > maxBodyLen {
		s = s[:maxBodyLen] + "...(truncated)"
	}
	return &s
}

// RedactJSON is a convenience for callers building RequestBody/ResponseBody:
// it marshals v and replaces any of the given sensitive keys with "***".
func RedactJSON(v any, sensitiveKeys ...string) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	for _, key := range sensitiveKeys {
		if _, ok := decoded[key]; ok {
			decoded[key] = "***"
		}
	}
	redacted, err := json.Marshal(decoded)
	if err != nil {
		return string(raw)
	}
	return string(redacted)
}
