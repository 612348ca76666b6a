// Package sweeper runs the periodic maintenance passes over job records:
// retrying failed jobs, failing orphaned ones and purging old history.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"background-jobs/internal/config"
	"background-jobs/internal/logging"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
	"background-jobs/internal/telemetry"
)

// Republisher puts an existing job record back on the broker.
type Republisher interface {
	Republish(ctx context.Context, job models.Job) error
}

// Locker guards a sweep so only one worker runs it at a time.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

type Options struct {
	RetrySchedule     string
	ReconcileSchedule string
	CleanupSchedule   string

	PendingTimeout    time.Duration
	ProcessingTimeout time.Duration
	RetentionDays     int
	BatchSize         int
	LockTTL           time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Logger *slog.Logger
}

func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		RetrySchedule:     cfg.RetrySchedule,
		ReconcileSchedule: cfg.ReconcileSchedule,
		CleanupSchedule:   cfg.CleanupSchedule,
		PendingTimeout:    cfg.PendingTimeout,
		ProcessingTimeout: cfg.ProcessingTimeout,
		RetentionDays:     cfg.RetentionDays,
		BatchSize:         cfg.SweepBatchSize,
		LockTTL:           cfg.SweepLockTTL,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		Logger:            logger,
	}
}

// Sweeper schedules the retry, reconciliation and retention sweeps.
type Sweeper struct {
	store       store.Store
	republisher Republisher
	lock        Locker
	opts        Options
	log         *slog.Logger
	cron        *cron.Cron
	now         func() time.Time
}

// New builds a Sweeper. lock may be nil when a single worker runs sweeps.
func New(st store.Store, rp Republisher, lock Locker, opts Options) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Sweeper{
		store:       st,
		republisher: rp,
		lock:        lock,
		opts:        opts,
		log:         logging.Resolve(opts.Logger).With("component", "sweeper"),
		now:         time.Now,
	}
}

// Start registers every sweep with a non-empty schedule and starts the cron
// runner. Sweeps stop when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	sweeps := []struct {
		name     string
		schedule string
		run      func(context.Context) (int, error)
	}{
		{"retry", s.opts.RetrySchedule, s.RetryOnce},
		{"reconcile", s.opts.ReconcileSchedule, s.ReconcileOnce},
		{"cleanup", s.opts.CleanupSchedule, s.CleanupOnce},
	}
	for _, sw := range sweeps {
		if sw.schedule == "" {
			continue
		}
		name, run := sw.name, sw.run
		if _, err := c.AddFunc(sw.schedule, func() { s.guarded(ctx, name, run) }); err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", name, sw.schedule, err)
		}
		s.log.Info("sweep scheduled", "sweep", name, "schedule", sw.schedule)
	}
	s.cron = c
	c.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for running sweeps to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) guarded(ctx context.Context, name string, run func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, "sweep:"+name, s.opts.LockTTL)
		if err != nil {
			s.log.Error("acquire sweep lock", "sweep", name, "error", err)
			return
		}
		if !ok {
			s.log.Debug("sweep held by another worker", "sweep", name)
			return
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), "sweep:"+name); err != nil {
				s.log.Warn("release sweep lock", "sweep", name, "error", err)
			}
		}()
	}
	n, err := run(ctx)
	if err != nil {
		s.log.Error("sweep failed", "sweep", name, "affected", n, "error", err)
		return
	}
	if n > 0 {
		s.log.Info("sweep finished", "sweep", name, "affected", n)
	}
}

// RetryOnce republishes failed jobs whose backoff has elapsed and whose retry
// budget is not exhausted. It returns how many were requeued.
func (s *Sweeper) RetryOnce(ctx context.Context) (int, error) {
	jobs, err := s.store.FailedForRetry(ctx, s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load retry candidates: %w", err)
	}
	now := s.now().UTC()
	requeued := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		failedAt := job.UpdatedAt
		if job.CompletedAt != nil {
			failedAt = *job.CompletedAt
		}
		if failedAt.Add(backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, job.RetryCount+1)).After(now) {
			continue
		}

		retrying, err := s.store.IncrementRetry(ctx, job.JobID)
		if errors.Is(err, store.ErrRetryExhausted) || errors.Is(err, store.ErrInvalidTransition) {
			s.log.Debug("retry skipped", "job_id", job.JobID, "error", err)
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("increment retry %s: %w", job.JobID, err)
		}
		log := s.log.With("job_id", job.JobID, "job_type", job.JobType, "retry_count", retrying.RetryCount)

		if err := s.republisher.Republish(ctx, retrying); err != nil {
			log.Error("republish failed", "error", err)
			telemetry.SweepActions.WithLabelValues("retry", "republish_failed").Inc()
			if _, uerr := s.store.UpdateStatus(context.WithoutCancel(ctx), job.JobID, models.StatusUpdate{
				Status: models.StatusFailed,
				Error:  err.Error(),
			}); uerr != nil {
				log.Error("mark retry failed", "error", uerr)
			}
			continue
		}
		s.audit(ctx, job.JobID, "retried", fmt.Sprintf("attempt %d of %d", retrying.RetryCount, retrying.MaxRetries))
		log.Info("job requeued")
		telemetry.SweepActions.WithLabelValues("retry", "requeued").Inc()
		requeued++
	}
	return requeued, nil
}

// ReconcileOnce fails records that were never picked up or stopped making
// progress. They stay retryable so RetryOnce can requeue them.
func (s *Sweeper) ReconcileOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	passes := []struct {
		status  models.Status
		timeout time.Duration
		action  string
		reason  string
	}{
		{models.StatusPending, s.opts.PendingTimeout, "orphaned", "orphaned: not picked up within %s"},
		{models.StatusRetrying, s.opts.PendingTimeout, "orphaned", "orphaned: not picked up within %s"},
		{models.StatusProcessing, s.opts.ProcessingTimeout, "stuck", "stuck: processing exceeded %s"},
	}
	failed := 0
	for _, p := range passes {
		if p.timeout <= 0 {
			continue
		}
		jobs, err := s.store.Stale(ctx, p.status, now.Add(-p.timeout), s.opts.BatchSize)
		if err != nil {
			return failed, fmt.Errorf("load stale %s jobs: %w", p.status, err)
		}
		for _, job := range jobs {
			msg := fmt.Sprintf(p.reason, p.timeout)
			_, err := s.store.UpdateStatus(ctx, job.JobID, models.StatusUpdate{Status: models.StatusFailed, Error: msg})
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return failed, fmt.Errorf("fail %s job %s: %w", p.status, job.JobID, err)
			}
			s.audit(ctx, job.JobID, p.action, msg)
			s.log.Warn("job reconciled", "job_id", job.JobID, "from", p.status, "reason", msg)
			telemetry.SweepActions.WithLabelValues("reconcile", p.action).Inc()
			failed++
		}
	}
	return failed, nil
}

// CleanupOnce deletes terminal records past the retention window.
func (s *Sweeper) CleanupOnce(ctx context.Context) (int, error) {
	if s.opts.RetentionDays <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteOlderThan(ctx, s.opts.RetentionDays, true)
	if err != nil {
		return 0, fmt.Errorf("purge jobs older than %d days: %w", s.opts.RetentionDays, err)
	}
	telemetry.SweepActions.WithLabelValues("cleanup", "deleted").Add(float64(n))
	return int(n), nil
}

func (s *Sweeper) audit(ctx context.Context, jobID, action, detail string) {
	err := s.store.AppendAudit(context.WithoutCancel(ctx), models.AuditEntry{
		JobID:      jobID,
		Action:     action,
		Detail:     detail,
		RecordedAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Warn("append audit", "job_id", jobID, "action", action, "error", err)
	}
}
