package database

import "time"

// JobTracking mirrors the job_tracking table the joblog.Tracker writes to
// directly via database/sql; declared here only so GORM's AutoMigrate can
// create/maintain the schema.
type JobTracking struct {
	ID              string     `gorm:"column:id;primaryKey;type:varchar(36)"`
	ParentJobID     *string    `gorm:"column:parent_job_id;type:varchar(36);index"`
	JobType         string     `gorm:"column:job_type;type:varchar(64);index"`
	Operation       string     `gorm:"column:operation;type:varchar(128)"`
	Status          string     `gorm:"column:status;type:varchar(16);index"`
	PercentComplete *uint8     `gorm:"column:percent_complete"`
	IDRACJobID      *string    `gorm:"column:idrac_job_id;type:varchar(64)"`
	ExternalJobID   *string    `gorm:"column:external_job_id;type:varchar(128);index"`
	Metadata        *string    `gorm:"column:metadata;type:text"`
	ErrorMessage    *string    `gorm:"column:error_message;type:text"`
	Owner           *string    `gorm:"column:owner;type:varchar(128)"`
	StartedAt       time.Time  `gorm:"column:started_at;index"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	CanceledAt      *time.Time `gorm:"column:canceled_at"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

// TableName overrides GORM's pluralization; joblog writes raw SQL against
// this exact name.
func (JobTracking) TableName() string { return "job_tracking" }

// StepTracking mirrors the job_steps table.
type StepTracking struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobID        string     `gorm:"column:job_id;type:varchar(36);index"`
	Name         string     `gorm:"column:name;type:varchar(128)"`
	Seq          int        `gorm:"column:seq"`
	Status       string     `gorm:"column:status;type:varchar(16);index"`
	StartedAt    time.Time  `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
	Metadata     *string    `gorm:"column:metadata;type:text"`
}

func (StepTracking) TableName() string { return "job_steps" }

// LogEntry mirrors the log_events table the DBHandler batches writes into.
type LogEntry struct {
	ID      int64     `gorm:"column:id;primaryKey;autoIncrement"`
	JobID   *string   `gorm:"column:job_id;type:varchar(36);index"`
	StepID  *int64    `gorm:"column:step_id;index"`
	Level   string    `gorm:"column:level;type:varchar(8)"`
	Message string    `gorm:"column:message;type:text"`
	Attrs   *string   `gorm:"column:attrs;type:text"`
	Ts      time.Time `gorm:"column:ts;index"`
}

func (LogEntry) TableName() string { return "log_events" }

// CommandLog is the Activity Logger's (C5) local mirror of every iDRAC,
// vCenter, SSH and Persistence Gateway call handed to it; the rows stay in
// this process's own database and are not sent on. Kept independently
// of job_tracking/job_steps because activity entries can exist outside any
// job (instant API calls with no job_id at all).
type CommandLog struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ServerID      *string   `gorm:"column:server_id;type:varchar(64);index"`
	JobID         *string   `gorm:"column:job_id;type:varchar(36);index"`
	OperationType string    `gorm:"column:operation_type;type:varchar(32);index"` // idrac_api | vcenter_api | ssh | persistence
	Action        string    `gorm:"column:action;type:varchar(128)"`
	Status        string    `gorm:"column:status;type:varchar(16)"` // success | failure
	RequestBody   *string   `gorm:"column:request_body;type:text"`
	ResponseBody  *string   `gorm:"column:response_body;type:text"`
	ErrorMessage  *string   `gorm:"column:error_message;type:text"`
	DurationMs    int64     `gorm:"column:duration_ms"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
}

func (CommandLog) TableName() string { return "command_log" }
