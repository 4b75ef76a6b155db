package model

import "time"

// JobStatus represents the outcome of the last run of a housekeeping job
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusOK      JobStatus = "ok"
	JobStatusFailed  JobStatus = "failed"
)

// HousekeepingJob is a cron-scheduled maintenance job
type HousekeepingJob struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	Status      JobStatus  `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
