package models

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates lifecycle states persisted in the job record store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusRetrying,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s stamps completed_at.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType tags the handler a job is routed to. The set is open: deployments
// may register types beyond the built-in ones.
type JobType string

const (
	TypeEmail            JobType = "send_email"
	TypeNotification     JobType = "notification"
	TypeDataProcessing   JobType = "data_processing"
	TypeCleanup          JobType = "cleanup"
	TypeReportGeneration JobType = "report_generation"
	TypeFileProcessing   JobType = "file_processing"
)

// BuiltinTypes returns the job types shipped with the service.
func BuiltinTypes() []JobType {
	return []JobType{
		TypeEmail,
		TypeNotification,
		TypeDataProcessing,
		TypeCleanup,
		TypeReportGeneration,
		TypeFileProcessing,
	}
}

// Priorities; higher is more urgent.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// by the job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetryExhausted is returned when a job may not be retried again.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// transitions lists, per source status, the statuses a job may move to.
// Terminal self-transitions are handled as no-ops in ApplyStatus.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRetrying:   {StatusProcessing, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusRetrying},
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job represents one unit of asynchronous work tracked from submission to a
// terminal state.
type Job struct {
	JobID        string         `json:"job_id"`
	JobType      JobType        `json:"job_type"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"`
	Payload      map[string]any `json:"payload"`
	Result       *string        `json:"result"`
	ErrorMessage *string        `json:"error_message"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Retryable    bool           `json:"retryable"`
	CreatedBy    *int64         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
}

// StatusUpdate describes a requested status change.
type StatusUpdate struct {
	Status Status
	// Result is stored when Status is completed.
	Result string
	// Error is stored when Status is failed.
	Error string
	// Permanent excludes a failed job from the retry sweep.
	Permanent bool
}

// ApplyStatus moves the job to u.Status and stamps timestamps. It returns
// false without touching the job when the job is already in the requested
// terminal status, so replayed deliveries leave the record unchanged.
func (j *Job) ApplyStatus(u StatusUpdate, now time.Time) (bool, error) {
	if !u.Status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, u.Status)
	}
	if j.Status == u.Status && u.Status.Terminal() {
		return false, nil
	}
	if !CanTransition(j.Status, u.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, u.Status)
	}

	switch u.Status {
	case StatusProcessing:
		j.StartedAt = &now
		j.CompletedAt = nil
	case StatusCompleted:
		result := u.Result
		j.Result = &result
		j.ErrorMessage = nil
		j.CompletedAt = &now
	case StatusFailed:
		msg := u.Error
		if msg == "" {
			msg = "job failed"
		}
		j.ErrorMessage = &msg
		j.CompletedAt = &now
		if u.Permanent {
			j.Retryable = false
		}
	case StatusCancelled:
		j.CompletedAt = &now
	}
	j.Status = u.Status
	j.UpdatedAt = now
	return true, nil
}

// ApplyRetry moves a failed job to retrying and consumes one unit of its
// retry budget.
func (j *Job) ApplyRetry(now time.Time) error {
	if j.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusRetrying)
	}
	if !j.Retryable || j.RetryCount >= j.MaxRetries {
		return fmt.Errorf("%w: job %s at %d/%d", ErrRetryExhausted, j.JobID, j.RetryCount, j.MaxRetries)
	}
	j.RetryCount++
	j.Status = StatusRetrying
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// Statistics aggregates job counts.
type Statistics struct {
	Total    int64             `json:"total_jobs"`
	ByStatus map[Status]int64  `json:"status_counts"`
	ByType   map[JobType]int64 `json:"type_counts"`
}

// NewStatistics returns Statistics with every status present at zero.
func NewStatistics() Statistics {
	st := Statistics{
		ByStatus: make(map[Status]int64, len(AllStatuses)),
		ByType:   make(map[JobType]int64),
	}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	return st
}

// AuditEntry records an action taken on a job by a user or the system.
type AuditEntry struct {
	JobID      string    `json:"job_id"`
	Action     string    `json:"action"`
	Actor      *int64    `json:"actor"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}
