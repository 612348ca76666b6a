package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"background-jobs/internal/models"
)

// Handler executes one job and returns the text stored as its result.
type Handler interface {
	Execute(ctx context.Context, job models.Job) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.Job) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, job models.Job) (string, error) {
	return f(ctx, job)
}

// Registry maps job types to handlers. It is filled at startup and read-only
// once the processor runs.
type Registry struct {
	handlers map[models.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobType]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType models.JobType, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType models.JobType) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []models.JobType {
	out := make([]models.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermanentError marks a failure that the retry sweep must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the job is failed without retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// decodePayload copies the job payload into a typed struct. Malformed
// payloads never succeed on retry, so the error is permanent.
func decodePayload(job models.Job, out any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}
