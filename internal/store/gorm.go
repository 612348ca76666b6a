package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"background-jobs/internal/models"
)

// jobRow is the GORM mapping of a background_jobs row.
type jobRow struct {
	JobID        string     `gorm:"column:job_id;primaryKey;size:36"`
	JobType      string     `gorm:"column:job_type;size:64;not null;index"`
	Status       string     `gorm:"column:status;size:16;not null;index"`
	Priority     int        `gorm:"column:priority;not null"`
	Payload      *string    `gorm:"column:payload;type:text"`
	Result       *string    `gorm:"column:result;type:text"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
	RetryCount   int        `gorm:"column:retry_count;not null"`
	MaxRetries   int        `gorm:"column:max_retries;not null"`
	Retryable    bool       `gorm:"column:retryable;not null"`
	CreatedBy    *int64     `gorm:"column:created_by;index"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;index;autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
}

func (jobRow) TableName() string { return "background_jobs" }

type auditRow struct {
	ID         uint      `gorm:"primaryKey"`
	JobID      string    `gorm:"column:job_id;size:36;not null;index"`
	Action     string    `gorm:"column:action;size:32;not null"`
	Actor      *int64    `gorm:"column:actor"`
	Detail     string    `gorm:"column:detail;type:text"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;autoCreateTime:false"`
}

func (auditRow) TableName() string { return "audit_logs" }

// GormStore implements Store using GORM. It backs the sqlite driver.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an open GORM handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenSQLite opens (or creates) a SQLite database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows a single writer, and every :memory: connection is a
	// separate database.
	sqlDB.SetMaxOpenConns(1)
	return NewGormStore(db), nil
}

// DB exposes the underlying handle.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &auditRow{})
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	job := newJob(p, uuid.New().String(), time.Now().UTC())
	row, err := toRow(job)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *GormStore) Get(ctx context.Context, jobID string) (models.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return fromRow(row)
}

func (s *GormStore) UpdateStatus(ctx context.Context, jobID string, u models.StatusUpdate) (models.Job, error) {
	return s.mutate(ctx, jobID, func(job *models.Job, now time.Time) (bool, error) {
		return job.ApplyStatus(u, now)
	})
}

func (s *GormStore) IncrementRetry(ctx context.Context, jobID string) (models.Job, error) {
	return s.mutate(ctx, jobID, func(job *models.Job, now time.Time) (bool, error) {
		if err := job.ApplyRetry(now); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *GormStore) mutate(ctx context.Context, jobID string, fn func(*models.Job, time.Time) (bool, error)) (models.Job, error) {
	var out models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row jobRow
		err := q.First(&row, "job_id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		job, err := fromRow(row)
		if err != nil {
			return err
		}
		out = job

		changed, err := fn(&job, time.Now().UTC())
		if err != nil || !changed {
			return err
		}
		err = tx.Model(&jobRow{}).Where("job_id = ?", jobID).Updates(map[string]any{
			"status":        string(job.Status),
			"result":        job.Result,
			"error_message": job.ErrorMessage,
			"retry_count":   job.RetryCount,
			"retryable":     job.Retryable,
			"updated_at":    job.UpdatedAt,
			"started_at":    job.StartedAt,
			"completed_at":  job.CompletedAt,
		}).Error
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

func (s *GormStore) List(ctx context.Context, p ListParams) ([]models.Job, int64, error) {
	filtered := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&jobRow{})
		if p.Status != "" {
			q = q.Where("status = ?", string(p.Status))
		}
		if p.JobType != "" {
			q = q.Where("job_type = ?", string(p.JobType))
		}
		if p.CreatedBy != nil {
			q = q.Where("created_by = ?", *p.CreatedBy)
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	var rows []jobRow
	err := filtered().Order(p.OrderClause()).Limit(p.limit()).Offset(p.Offset).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := fromRows(rows)
	return jobs, total, err
}

func (s *GormStore) Statistics(ctx context.Context) (models.Statistics, error) {
	st := models.NewStatistics()
	var counts []struct {
		Grp string
		N   int64
	}

	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("status AS grp, COUNT(*) AS n").Group("status").Scan(&counts).Error
	if err != nil {
		return st, fmt.Errorf("count by status: %w", err)
	}
	for _, c := range counts {
		st.ByStatus[models.Status(c.Grp)] = c.N
		st.Total += c.N
	}

	counts = nil
	err = s.db.WithContext(ctx).Model(&jobRow{}).
		Select("job_type AS grp, COUNT(*) AS n").Group("job_type").Scan(&counts).Error
	if err != nil {
		return st, fmt.Errorf("count by type: %w", err)
	}
	for _, c := range counts {
		st.ByType[models.JobType(c.Grp)] = c.N
	}
	return st, nil
}

func (s *GormStore) DeleteOlderThan(ctx context.Context, days int, terminalOnly bool) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	q := s.db.WithContext(ctx).Where("created_at < ?", cutoff)
	if terminalOnly {
		q = q.Where("status IN ?", terminalStatuses())
	}
	res := q.Delete(&jobRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) FailedForRetry(ctx context.Context, limit int) ([]models.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.StatusFailed)).
		Where("retryable = ?", true).
		Where("retry_count < max_retries").
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	return fromRows(rows)
}

func (s *GormStore) Stale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.Job, error) {
	column := "updated_at"
	if status == models.StatusProcessing {
		column = "started_at"
	}
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Where(column+" < ?", olderThan.UTC()).
		Order(column + " ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return fromRows(rows)
}

func (s *GormStore) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	row := auditRow{JobID: e.JobID, Action: e.Action, Actor: e.Actor, Detail: e.Detail, RecordedAt: e.RecordedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// auditEntries returns the audit trail of a job in insertion order.
func (s *GormStore) auditEntries(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	var rows []auditRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AuditEntry{JobID: r.JobID, Action: r.Action, Actor: r.Actor, Detail: r.Detail, RecordedAt: r.RecordedAt})
	}
	return out, nil
}

func toRow(j models.Job) (jobRow, error) {
	payload, err := marshalPayload(j.Payload)
	if err != nil {
		return jobRow{}, err
	}
	row := jobRow{
		JobID:        j.JobID,
		JobType:      string(j.JobType),
		Status:       string(j.Status),
		Priority:     j.Priority,
		Result:       j.Result,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		Retryable:    j.Retryable,
		CreatedBy:    j.CreatedBy,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
	if payload != nil {
		text := string(payload)
		row.Payload = &text
	}
	return row, nil
}

func fromRow(r jobRow) (models.Job, error) {
	job := models.Job{
		JobID:        r.JobID,
		JobType:      models.JobType(r.JobType),
		Status:       models.Status(r.Status),
		Priority:     r.Priority,
		Result:       r.Result,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		Retryable:    r.Retryable,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		StartedAt:    utcPtr(r.StartedAt),
		CompletedAt:  utcPtr(r.CompletedAt),
	}
	if r.Payload != nil {
		p, err := unmarshalPayload([]byte(*r.Payload))
		if err != nil {
			return models.Job{}, err
		}
		job.Payload = p
	}
	return job, nil
}

func fromRows(rows []jobRow) ([]models.Job, error) {
	jobs := make([]models.Job, 0, len(rows))
	for _, r := range rows {
		j, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
