package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-jobs/internal/broker"
	"background-jobs/internal/logging"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

type settlement struct {
	ack     bool
	requeue bool
}

type recordingAcker struct {
	mu    sync.Mutex
	calls []settlement
}

func (r *recordingAcker) Ack(context.Context, *broker.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, settlement{ack: true})
	return nil
}

func (r *recordingAcker) Nack(_ context.Context, _ *broker.Delivery, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, settlement{requeue: requeue})
	return nil
}

func (r *recordingAcker) only(t *testing.T) settlement {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.calls, 1)
	return r.calls[0]
}

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestProcessor(st store.Store, reg *Registry, timeout time.Duration) *Processor {
	return NewProcessor(st, nil, reg, Options{
		Queue:          "background_jobs",
		HandlerTimeout: timeout,
		StoreTimeout:   time.Second,
		Logger:         logging.Discard(),
	})
}

func createJob(t *testing.T, st store.Store, jobType models.JobType) models.Job {
	t.Helper()
	job, err := st.Create(context.Background(), store.CreateParams{
		JobType:    jobType,
		Payload:    map[string]any{"k": "v"},
		Priority:   models.PriorityNormal,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	return job
}

func deliveryFor(t *testing.T, job models.Job, acker broker.Acknowledger) *broker.Delivery {
	t.Helper()
	body, err := models.NewMessage(job).Encode()
	require.NoError(t, err)
	return &broker.Delivery{Acknowledger: acker, ID: "1-0", Queue: "background_jobs", Body: body}
}

func TestProcessor_Success(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	var seen models.Status
	reg.Register("custom", HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		seen = job.Status
		return "done", nil
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	acker := &recordingAcker{}
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.True(t, acker.only(t).ack)
	assert.Equal(t, models.StatusProcessing, seen)

	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", *got.Result)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestProcessor_HandlerFailure(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		return "", errors.New("smtp unavailable")
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	acker := &recordingAcker{}
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.Equal(t, settlement{}, acker.only(t))
	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "smtp unavailable", *got.ErrorMessage)
	assert.True(t, got.Retryable)
}

func TestProcessor_PermanentFailureIsNotRetryable(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		return "", Permanent(errors.New("bad recipient"))
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	p.Handle(context.Background(), deliveryFor(t, job, &recordingAcker{}))

	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, got.Retryable)
}

func TestProcessor_UnknownType(t *testing.T) {
	st := newTestStore(t)
	p := newTestProcessor(st, NewRegistry(), time.Second)

	job := createJob(t, st, "mystery")
	acker := &recordingAcker{}
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.True(t, acker.only(t).ack)
	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "unknown job type: mystery", *got.ErrorMessage)
	assert.False(t, got.Retryable)
}

func TestProcessor_MalformedBody(t *testing.T) {
	st := newTestStore(t)
	p := newTestProcessor(st, NewRegistry(), time.Second)

	acker := &recordingAcker{}
	p.Handle(context.Background(), &broker.Delivery{Acknowledger: acker, ID: "1-0", Body: []byte("{not json")})

	assert.Equal(t, settlement{}, acker.only(t))
}

func TestProcessor_MissingRecord(t *testing.T) {
	st := newTestStore(t)
	p := newTestProcessor(st, NewRegistry(), time.Second)

	acker := &recordingAcker{}
	ghost := models.Job{JobID: "does-not-exist", JobType: "custom"}
	p.Handle(context.Background(), deliveryFor(t, ghost, acker))

	assert.Equal(t, settlement{}, acker.only(t))
}

func TestProcessor_SkipsSettledJobs(t *testing.T) {
	st := newTestStore(t)
	calls := 0
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		calls++
		return "", nil
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	_, err := st.UpdateStatus(context.Background(), job.JobID, models.StatusUpdate{Status: models.StatusCancelled})
	require.NoError(t, err)

	acker := &recordingAcker{}
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.True(t, acker.only(t).ack)
	assert.Zero(t, calls)
}

func TestProcessor_CancelledWhileRunning(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		_, err := st.UpdateStatus(ctx, job.JobID, models.StatusUpdate{Status: models.StatusCancelled})
		return "late result", err
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	acker := &recordingAcker{}
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.True(t, acker.only(t).ack)
	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestProcessor_PanicBecomesFailure(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		panic("boom")
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	acker := &recordingAcker{}
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.Equal(t, settlement{}, acker.only(t))
	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "panic in custom handler: boom")
}

func TestProcessor_HandlerTimeout(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(ctx context.Context, _ models.Job) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	p := newTestProcessor(st, reg, 20*time.Millisecond)

	job := createJob(t, st, "custom")
	p.Handle(context.Background(), deliveryFor(t, job, &recordingAcker{}))

	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, got.Retryable)
}

func TestProcessor_RecordsOutcomeAfterShutdown(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		cancel()
		return "finished", nil
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	acker := &recordingAcker{}
	p.Handle(ctx, deliveryFor(t, job, acker))

	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, acker.only(t).ack)
}

func TestProcessor_AbandonsHandlerIgnoringContext(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		<-release
		return "too late", nil
	}))
	p := newTestProcessor(st, reg, 50*time.Millisecond)

	job := createJob(t, st, "custom")
	acker := &recordingAcker{}
	start := time.Now()
	p.Handle(context.Background(), deliveryFor(t, job, acker))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, settlement{}, acker.only(t))
	got, err := st.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "handler exceeded")
	assert.True(t, got.Retryable)
}

func TestProcessor_RetriedJobCompletes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := NewRegistry()
	attempts := 0
	reg.Register("custom", HandlerFunc(func(context.Context, models.Job) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("smtp unavailable")
		}
		return "sent", nil
	}))
	p := newTestProcessor(st, reg, time.Second)

	job := createJob(t, st, "custom")
	p.Handle(ctx, deliveryFor(t, job, &recordingAcker{}))
	failed, err := st.Get(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)

	retrying, err := st.IncrementRetry(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRetrying, retrying.Status)
	assert.Equal(t, 1, retrying.RetryCount)

	acker := &recordingAcker{}
	p.Handle(ctx, deliveryFor(t, retrying, acker))

	assert.True(t, acker.only(t).ack)
	got, err := st.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "sent", *got.Result)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}
