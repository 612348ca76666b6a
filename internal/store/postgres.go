package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"background-jobs/internal/models"
)

const jobColumns = `job_id, job_type, status, priority, payload, result, error_message,
	retry_count, max_retries, retryable, created_by, created_at, updated_at, started_at, completed_at`

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a pending job row.
func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	payloadJSON, err := marshalPayload(p.Payload)
	if err != nil {
		return models.Job{}, err
	}
	job := newJob(p, uuid.New().String(), time.Now().UTC())

	_, err = s.pool.Exec(ctx, `
		INSERT INTO background_jobs (job_id, job_type, status, priority, payload, retry_count, max_retries, retryable, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, TRUE, $7, $8, $8)
	`, job.JobID, string(job.JobType), string(job.Status), job.Priority, payloadJSON, job.MaxRetries, job.CreatedBy, job.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get fetches a job by job_id.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, err
}

// UpdateStatus applies a state machine transition under a row lock.
func (s *PostgresStore) UpdateStatus(ctx context.Context, jobID string, u models.StatusUpdate) (models.Job, error) {
	return s.mutate(ctx, jobID, func(job *models.Job, now time.Time) (bool, error) {
		return job.ApplyStatus(u, now)
	})
}

// IncrementRetry moves a failed job to retrying and bumps retry_count.
func (s *PostgresStore) IncrementRetry(ctx context.Context, jobID string) (models.Job, error) {
	return s.mutate(ctx, jobID, func(job *models.Job, now time.Time) (bool, error) {
		if err := job.ApplyRetry(now); err != nil {
			return false, err
		}
		return true, nil
	})
}

// mutate loads the row with FOR UPDATE, lets fn change it, and writes the
// mutable columns back in the same transaction.
func (s *PostgresStore) mutate(ctx context.Context, jobID string, fn func(*models.Job, time.Time) (bool, error)) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE job_id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return models.Job{}, err
	}

	changed, err := fn(&job, time.Now().UTC())
	if err != nil {
		return job, err
	}
	if !changed {
		return job, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE background_jobs
		SET status = $2, result = $3, error_message = $4, retry_count = $5, retryable = $6,
		    updated_at = $7, started_at = $8, completed_at = $9
		WHERE job_id = $1
	`, job.JobID, string(job.Status), job.Result, job.ErrorMessage, job.RetryCount, job.Retryable,
		job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// List returns a page of jobs matching the filters and the total match count.
func (s *PostgresStore) List(ctx context.Context, p ListParams) ([]models.Job, int64, error) {
	var (
		conds []string
		args  []any
	)
	if p.Status != "" {
		args = append(args, string(p.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.JobType != "" {
		args = append(args, string(p.JobType))
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if p.CreatedBy != nil {
		args = append(args, *p.CreatedBy)
		conds = append(conds, fmt.Sprintf("created_by = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM background_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, p.limit(), p.Offset)
	query := fmt.Sprintf(`SELECT %s FROM background_jobs%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		jobColumns, where, p.OrderClause(), len(args)-1, len(args))
	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Statistics returns job counts grouped by status and by type.
func (s *PostgresStore) Statistics(ctx context.Context) (models.Statistics, error) {
	st := models.NewStatistics()

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan status count: %w", err)
		}
		st.ByStatus[models.Status(status)] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("count by status: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT job_type, COUNT(*) FROM background_jobs GROUP BY job_type`)
	if err != nil {
		return st, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobType string
		var n int64
		if err := rows.Scan(&jobType, &n); err != nil {
			return st, fmt.Errorf("scan type count: %w", err)
		}
		st.ByType[models.JobType(jobType)] = n
	}
	return st, rows.Err()
}

// DeleteOlderThan removes jobs created more than days ago.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, days int, terminalOnly bool) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := `DELETE FROM background_jobs WHERE created_at < $1`
	args := []any{cutoff}
	if terminalOnly {
		query += ` AND status = ANY($2)`
		args = append(args, terminalStatuses())
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FailedForRetry(ctx context.Context, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE status = $1 AND retryable AND retry_count < max_retries
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`, string(models.StatusFailed), limit)
}

func (s *PostgresStore) Stale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.Job, error) {
	column := "updated_at"
	if status == models.StatusProcessing {
		column = "started_at"
	}
	return s.queryJobs(ctx, fmt.Sprintf(`
		SELECT %s FROM background_jobs
		WHERE status = $1 AND %s < $2
		ORDER BY %s ASC
		LIMIT $3
	`, jobColumns, column, column), string(status), olderThan, limit)
}

// AppendAudit adds an audit row.
func (s *PostgresStore) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, action, actor, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.JobID, e.Action, e.Actor, e.Detail, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		status      string
		payloadJSON []byte
		result      pgtype.Text
		errMsg      pgtype.Text
		createdBy   pgtype.Int8
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&job.JobID, &jobType, &status, &job.Priority, &payloadJSON, &result, &errMsg,
		&job.RetryCount, &job.MaxRetries, &job.Retryable, &createdBy, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.JobType = models.JobType(jobType)
	job.Status = models.Status(status)
	if job.Payload, err = unmarshalPayload(payloadJSON); err != nil {
		return models.Job{}, err
	}
	job.Result = textPtr(result)
	job.ErrorMessage = textPtr(errMsg)
	if createdBy.Valid {
		v := createdBy.Int64
		job.CreatedBy = &v
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func marshalPayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

func unmarshalPayload(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
