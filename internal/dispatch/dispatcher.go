// Package dispatch creates job records and hands them to the broker.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"background-jobs/internal/broker"
	"background-jobs/internal/config"
	"background-jobs/internal/logging"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
	"background-jobs/internal/telemetry"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("invalid job submission")
	// ErrDispatch is returned when the record was created but its message
	// could not be queued. The record has been marked failed.
	ErrDispatch = errors.New("failed to queue job")
)

// ValidationError rejects a submission before any record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SubmitRequest describes a new job. Nil Priority and MaxRetries take the
// configured defaults.
type SubmitRequest struct {
	JobType    models.JobType
	Payload    map[string]any
	Priority   *int
	MaxRetries *int
	CreatedBy  *int64
}

// Options bounds what the dispatcher accepts.
type Options struct {
	JobTypes          []models.JobType
	MaxPayloadBytes   int
	DefaultMaxRetries int
	MaxRetriesLimit   int
	StoreTimeout      time.Duration
	Logger            *slog.Logger
}

// OptionsFromConfig accepts the built-in job types plus EXTRA_JOB_TYPES.
func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	types := models.BuiltinTypes()
	for _, t := range cfg.ExtraJobTypes {
		types = append(types, models.JobType(t))
	}
	return Options{
		JobTypes:          types,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		MaxRetriesLimit:   cfg.MaxRetriesLimit,
		StoreTimeout:      cfg.StoreTimeout,
		Logger:            logger,
	}
}

// Dispatcher is the submission facade shared by the API and the sweeps.
type Dispatcher struct {
	store  store.Store
	broker broker.Broker
	opts   Options
	known  map[models.JobType]struct{}
	log    *slog.Logger
}

func New(st store.Store, b broker.Broker, opts Options) *Dispatcher {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	known := make(map[models.JobType]struct{}, len(opts.JobTypes))
	for _, t := range opts.JobTypes {
		known[t] = struct{}{}
	}
	return &Dispatcher{
		store:  st,
		broker: b,
		opts:   opts,
		known:  known,
		log:    logging.Resolve(opts.Logger).With("component", "dispatcher"),
	}
}

// KnownType reports whether t is accepted for submission.
func (d *Dispatcher) KnownType(t models.JobType) bool {
	_, ok := d.known[t]
	return ok
}

// Submit validates req, records the job as pending and publishes it. When
// publishing fails the record is moved to failed and returned together with
// an error wrapping ErrDispatch.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	params, err := d.validate(req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			telemetry.JobsRejected.WithLabelValues(verr.Field).Inc()
		}
		return models.Job{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	job, err := d.store.Create(storeCtx, params)
	cancel()
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	d.audit(ctx, job.JobID, "created", req.CreatedBy, string(job.JobType))

	if err := d.publish(ctx, job); err != nil {
		failed := d.markUnqueued(ctx, job, err)
		return failed, err
	}

	telemetry.JobsSubmitted.WithLabelValues(string(job.JobType)).Inc()
	d.log.Info("job submitted", "job_id", job.JobID, "job_type", job.JobType, "priority", job.Priority)
	return job, nil
}

// Republish queues an existing record again. Used by the retry and
// reconciliation sweeps.
func (d *Dispatcher) Republish(ctx context.Context, job models.Job) error {
	return d.publish(ctx, job)
}

// Cancel moves a job to cancelled. Running handlers are not interrupted; the
// worker discards their outcome.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string, actor *int64) (models.Job, error) {
	storeCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	job, err := d.store.UpdateStatus(storeCtx, jobID, models.StatusUpdate{Status: models.StatusCancelled})
	if err != nil {
		return job, err
	}
	d.audit(ctx, jobID, "cancelled", actor, "")
	d.log.Info("job cancelled", "job_id", jobID)
	return job, nil
}

func (d *Dispatcher) publish(ctx context.Context, job models.Job) error {
	err := d.broker.Publish(ctx, models.RoutingKey(job.JobType), models.NewMessage(job), job.Priority)
	if err != nil {
		telemetry.PublishFailures.Inc()
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

func (d *Dispatcher) markUnqueued(ctx context.Context, job models.Job, cause error) models.Job {
	d.log.Error("publish failed", "job_id", job.JobID, "job_type", job.JobType, "error", cause)

	storeCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	failed, err := d.store.UpdateStatus(storeCtx, job.JobID, models.StatusUpdate{
		Status: models.StatusFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		// Left pending; the reconciliation sweep fails it later.
		d.log.Error("mark unqueued job failed", "job_id", job.JobID, "error", err)
		return job
	}
	return failed
}

func (d *Dispatcher) audit(ctx context.Context, jobID, action string, actor *int64, detail string) {
	storeCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	err := d.store.AppendAudit(storeCtx, models.AuditEntry{JobID: jobID, Action: action, Actor: actor, Detail: detail})
	if err != nil {
		d.log.Warn("append audit", "job_id", jobID, "action", action, "error", err)
	}
}

func (d *Dispatcher) validate(req SubmitRequest) (store.CreateParams, error) {
	if req.JobType == "" {
		return store.CreateParams{}, &ValidationError{Field: "job_type", Reason: "required"}
	}
	if !d.KnownType(req.JobType) {
		return store.CreateParams{}, &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", req.JobType)}
	}

	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return store.CreateParams{}, &ValidationError{Field: "payload", Reason: "not JSON encodable"}
		}
		if d.opts.MaxPayloadBytes > 0 && len(raw) > d.opts.MaxPayloadBytes {
			return store.CreateParams{}, &ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(raw), d.opts.MaxPayloadBytes),
			}
		}
	}

	priority := models.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < models.PriorityLow || priority > models.PriorityUrgent {
		return store.CreateParams{}, &ValidationError{
			Field:  "priority",
			Reason: fmt.Sprintf("%d outside [%d, %d]", priority, models.PriorityLow, models.PriorityUrgent),
		}
	}

	maxRetries := d.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > d.opts.MaxRetriesLimit {
		return store.CreateParams{}, &ValidationError{
			Field:  "max_retries",
			Reason: fmt.Sprintf("%d outside [0, %d]", maxRetries, d.opts.MaxRetriesLimit),
		}
	}

	return store.CreateParams{
		JobType:    req.JobType,
		Payload:    req.Payload,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedBy:  req.CreatedBy,
	}, nil
}
