package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"background-jobs/internal/broker"
	"background-jobs/internal/config"
	"background-jobs/internal/logging"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
	"background-jobs/internal/telemetry"
)

// Options tunes a Processor.
type Options struct {
	Queue          string
	HandlerTimeout time.Duration
	StoreTimeout   time.Duration
	// DepthInterval is how often queue depth gauges are refreshed. Zero
	// disables the reporter.
	DepthInterval time.Duration
	Logger        *slog.Logger
}

func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		Queue:          cfg.BrokerQueue,
		HandlerTimeout: cfg.HandlerTimeout,
		StoreTimeout:   cfg.StoreTimeout,
		DepthInterval:  15 * time.Second,
		Logger:         logger,
	}
}

// Processor consumes job messages and drives each record through the state
// machine. The record store is authoritative; the broker only transports.
type Processor struct {
	store    store.Store
	broker   broker.Broker
	registry *Registry
	opts     Options
	log      *slog.Logger
}

func NewProcessor(st store.Store, b broker.Broker, reg *Registry, opts Options) *Processor {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 5 * time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Processor{
		store:    st,
		broker:   b,
		registry: reg,
		opts:     opts,
		log:      logging.Resolve(opts.Logger).With("component", "processor"),
	}
}

// Run consumes the configured queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if p.opts.DepthInterval > 0 {
		go p.reportDepth(ctx)
	}
	p.log.Info("processor started", "queue", p.opts.Queue, "job_types", p.registry.Types())
	return p.broker.Consume(ctx, p.opts.Queue, p.Handle)
}

// Handle processes a single delivery and settles it. Failures never escape:
// each outcome becomes a status transition plus an ack or nack.
func (p *Processor) Handle(ctx context.Context, d *broker.Delivery) {
	msg, err := models.DecodeMessage(d.Body)
	if err != nil {
		p.log.Error("discarding malformed message", "delivery_id", d.ID, "error", err)
		p.settle(ctx, d, false, "", telemetry.OutcomeRejected)
		return
	}
	log := p.log.With("job_id", msg.JobID, "job_type", msg.JobType)
	if d.Redelivered {
		log.Warn("redelivered message")
	}

	job, err := p.get(ctx, msg.JobID)
	if err != nil {
		log.Error("load job record", "error", err)
		p.settle(ctx, d, false, string(msg.JobType), telemetry.OutcomeRejected)
		return
	}
	switch job.Status {
	case models.StatusCompleted, models.StatusCancelled, models.StatusFailed:
		log.Info("skipping settled job", "status", job.Status)
		p.settle(ctx, d, true, string(job.JobType), telemetry.OutcomeSkipped)
		return
	}

	handler, ok := p.registry.Lookup(job.JobType)
	if !ok {
		_, err := p.update(ctx, job.JobID, models.StatusUpdate{
			Status:    models.StatusFailed,
			Error:     fmt.Sprintf("unknown job type: %s", job.JobType),
			Permanent: true,
		})
		if err != nil {
			log.Error("mark unknown job type failed", "error", err)
			p.settle(ctx, d, false, string(job.JobType), telemetry.OutcomeRejected)
			return
		}
		log.Warn("no handler registered")
		p.settle(ctx, d, true, string(job.JobType), telemetry.OutcomeFailed)
		return
	}

	job, err = p.update(ctx, job.JobID, models.StatusUpdate{Status: models.StatusProcessing})
	if err != nil {
		log.Error("mark job processing", "error", err)
		p.settle(ctx, d, false, string(msg.JobType), telemetry.OutcomeRejected)
		return
	}

	telemetry.InFlightGauge.Inc()
	start := time.Now()
	result, runErr := p.execute(ctx, handler, job)
	elapsed := time.Since(start)
	telemetry.InFlightGauge.Dec()
	telemetry.JobDuration.WithLabelValues(string(job.JobType)).Observe(elapsed.Seconds())

	if runErr == nil {
		_, err = p.update(ctx, job.JobID, models.StatusUpdate{Status: models.StatusCompleted, Result: result})
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			log.Warn("job changed while running, result discarded", "error", err)
			p.settle(ctx, d, true, string(job.JobType), telemetry.OutcomeSkipped)
		case err != nil:
			log.Error("mark job completed", "error", err)
			p.settle(ctx, d, false, string(job.JobType), telemetry.OutcomeRejected)
		default:
			log.Info("job completed", "elapsed", elapsed)
			p.settle(ctx, d, true, string(job.JobType), telemetry.OutcomeCompleted)
		}
		return
	}

	permanent := IsPermanent(runErr)
	_, err = p.update(ctx, job.JobID, models.StatusUpdate{
		Status:    models.StatusFailed,
		Error:     runErr.Error(),
		Permanent: permanent,
	})
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("job changed while running, failure discarded", "error", err)
		p.settle(ctx, d, true, string(job.JobType), telemetry.OutcomeSkipped)
	case err != nil:
		log.Error("mark job failed", "error", err, "handler_error", runErr)
		p.settle(ctx, d, false, string(job.JobType), telemetry.OutcomeRejected)
	default:
		log.Error("job failed", "error", runErr, "permanent", permanent, "retry_count", job.RetryCount, "elapsed", elapsed)
		p.settle(ctx, d, false, string(job.JobType), telemetry.OutcomeFailed)
	}
}

type execResult struct {
	result string
	err    error
}

// execute runs the handler under the handler timeout and turns panics into
// errors. A handler still running when the timeout fires is abandoned so the
// delivery is never held longer than HandlerTimeout.
func (p *Processor) execute(ctx context.Context, h Handler, job models.Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job handler panicked",
					"job_id", job.JobID,
					"job_type", job.JobType,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- execResult{err: fmt.Errorf("panic in %s handler: %v", job.JobType, r)}
			}
		}()
		result, err := h.Execute(ctx, job)
		done <- execResult{result: result, err: err}
	}()

	// Shutdown cancels ctx but a running handler may still finish within the
	// timeout, so the deadline is tracked separately.
	timer := time.NewTimer(p.opts.HandlerTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.err = fmt.Errorf("handler exceeded %s: %w", p.opts.HandlerTimeout, ctx.Err())
		}
		return r.result, r.err
	case <-timer.C:
		p.log.Warn("handler abandoned after timeout", "job_id", job.JobID, "job_type", job.JobType, "timeout", p.opts.HandlerTimeout)
		return "", fmt.Errorf("handler exceeded %s: %w", p.opts.HandlerTimeout, context.DeadlineExceeded)
	}
}

func (p *Processor) get(ctx context.Context, jobID string) (models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	return p.store.Get(ctx, jobID)
}

// update records outcomes even when ctx was cancelled by shutdown.
func (p *Processor) update(ctx context.Context, jobID string, u models.StatusUpdate) (models.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.StoreTimeout)
	defer cancel()
	return p.store.UpdateStatus(ctx, jobID, u)
}

// settle acks or nacks without requeue. Retries are driven by the record,
// never by broker redelivery.
func (p *Processor) settle(ctx context.Context, d *broker.Delivery, ack bool, jobType, outcome string) {
	telemetry.JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	// Settling must succeed even while shutting down.
	ctx = context.WithoutCancel(ctx)
	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx, false)
	}
	if err != nil {
		p.log.Error("settle delivery", "delivery_id", d.ID, "ack", ack, "error", err)
	}
}

func (p *Processor) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(p.opts.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := p.broker.QueueInfo(ctx, p.opts.Queue)
		if err != nil {
			p.log.Warn("queue info", "error", err)
			continue
		}
		telemetry.QueueDepthGauge.Set(float64(info.Messages - info.Pending))
		telemetry.DeadLetterDepth.Set(float64(info.DeadLetters))
	}
}
