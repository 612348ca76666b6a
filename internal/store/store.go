// Package store persists job records. PostgresStore is the production
// backend; GormStore serves embedded single-node deployments and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"background-jobs/internal/config"
	"background-jobs/internal/models"
)

var (
	// ErrNotFound is returned when no record has the requested job_id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change violates the job
	// state machine.
	ErrInvalidTransition = models.ErrInvalidTransition
	// ErrRetryExhausted is returned by IncrementRetry once a job has used its
	// retry budget or was failed permanently.
	ErrRetryExhausted = models.ErrRetryExhausted
)

// Store is the job record store. Every write is atomic per record.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	Create(ctx context.Context, p CreateParams) (models.Job, error)
	Get(ctx context.Context, jobID string) (models.Job, error)
	UpdateStatus(ctx context.Context, jobID string, u models.StatusUpdate) (models.Job, error)
	IncrementRetry(ctx context.Context, jobID string) (models.Job, error)

	List(ctx context.Context, p ListParams) ([]models.Job, int64, error)
	Statistics(ctx context.Context) (models.Statistics, error)
	DeleteOlderThan(ctx context.Context, days int, terminalOnly bool) (int64, error)

	// FailedForRetry returns failed, retryable jobs with retry budget left,
	// most urgent and oldest first.
	FailedForRetry(ctx context.Context, limit int) ([]models.Job, error)
	// Stale returns jobs in status whose reference timestamp is before
	// olderThan: started_at for processing, updated_at otherwise.
	Stale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.Job, error)

	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// CreateParams collects inputs required to insert a job.
type CreateParams struct {
	JobType    models.JobType
	Payload    map[string]any
	Priority   int
	MaxRetries int
	CreatedBy  *int64
}

// ListParams filters and pages List.
type ListParams struct {
	Status    models.Status
	JobType   models.JobType
	CreatedBy *int64
	Offset    int
	Limit     int
	OrderBy   string
	Desc      bool
}

var orderColumns = map[string]string{
	"created_at":   "created_at",
	"priority":     "priority",
	"status":       "status",
	"job_type":     "job_type",
	"completed_at": "completed_at",
	"retry_count":  "retry_count",
}

// OrderClause returns a safe ORDER BY expression for the params, falling back
// to created_at for unknown columns. job_id breaks ties so paging is stable.
func (p ListParams) OrderClause() string {
	col, ok := orderColumns[strings.ToLower(p.OrderBy)]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf("%s %s, job_id %s", col, dir, dir)
}

func (p ListParams) limit() int {
	if p.Limit <= 0 {
		return 20
	}
	return p.Limit
}

// Open builds the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newJob(p CreateParams, id string, now time.Time) models.Job {
	return models.Job{
		JobID:      id,
		JobType:    p.JobType,
		Status:     models.StatusPending,
		Priority:   p.Priority,
		Payload:    p.Payload,
		RetryCount: 0,
		MaxRetries: p.MaxRetries,
		Retryable:  true,
		CreatedBy:  p.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func terminalStatuses() []string {
	return []string{
		string(models.StatusCompleted),
		string(models.StatusFailed),
		string(models.StatusCancelled),
	}
}
