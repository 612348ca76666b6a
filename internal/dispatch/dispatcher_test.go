package dispatch

import (
	"context"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-jobs/internal/broker"
	"background-jobs/internal/logging"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

type harness struct {
	store  *store.GormStore
	broker *broker.RedisBroker
	disp   *Dispatcher
}

func newHarness(t *testing.T, declare bool) harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	b := broker.NewRedisBroker(&redis.Options{Addr: mr.Addr()}, broker.Options{QueuePrefix: "app", Logger: logging.Discard()})
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })
	if declare {
		require.NoError(t, b.DeclareQueue(ctx, "background_jobs", "jobs.*"))
	}

	d := New(st, b, Options{
		JobTypes:          append(models.BuiltinTypes(), "custom"),
		MaxPayloadBytes:   256,
		DefaultMaxRetries: 3,
		MaxRetriesLimit:   10,
		Logger:            logging.Discard(),
	})
	return harness{store: st, broker: b, disp: d}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestSubmit_CreatesPendingAndPublishes(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	job, err := h.disp.Submit(ctx, SubmitRequest{
		JobType:    models.TypeEmail,
		Payload:    map[string]any{"to": "a@b.com"},
		Priority:   intPtr(models.PriorityNormal),
		MaxRetries: intPtr(3),
		CreatedBy:  int64Ptr(42),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, models.StatusPending, job.Status)

	got, err := h.store.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 3, got.MaxRetries)
	assert.EqualValues(t, 42, *got.CreatedBy)

	info, err := h.broker.QueueInfo(ctx, "background_jobs")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Messages)
}

func TestSubmit_Defaults(t *testing.T) {
	h := newHarness(t, true)
	job, err := h.disp.Submit(context.Background(), SubmitRequest{JobType: models.TypeCleanup})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Nil(t, job.Payload)
}

func TestSubmit_ExtraJobType(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.disp.Submit(context.Background(), SubmitRequest{JobType: "custom"})
	require.NoError(t, err)
}

func TestSubmit_ValidationCreatesNothing(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"job_type":    {JobType: "launch_rockets"},
		"priority":    {JobType: models.TypeEmail, Priority: intPtr(7)},
		"max_retries": {JobType: models.TypeEmail, MaxRetries: intPtr(11)},
		"payload":     {JobType: models.TypeEmail, Payload: map[string]any{"blob": strings.Repeat("x", 300)}},
	}
	for field, req := range cases {
		_, err := h.disp.Submit(ctx, req)
		require.Error(t, err, field)
		assert.ErrorIs(t, err, ErrValidation, field)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, field)
		assert.Equal(t, field, verr.Field)
	}

	_, err := h.disp.Submit(ctx, SubmitRequest{})
	assert.ErrorIs(t, err, ErrValidation)

	_, total, err := h.store.List(ctx, store.ListParams{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSubmit_PublishFailureMarksFailed(t *testing.T) {
	h := newHarness(t, false) // nothing bound: every publish is unroutable
	ctx := context.Background()

	job, err := h.disp.Submit(ctx, SubmitRequest{JobType: models.TypeEmail, Payload: map[string]any{"to": "a@b.com"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, broker.ErrUnroutable)
	assert.Equal(t, models.StatusFailed, job.Status)

	got, err := h.store.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "failed to queue job: "), *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.Retryable, "publish failures stay eligible for the retry sweep")
}

func TestSubmit_BrokerDisconnected(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.broker.Disconnect())

	job, err := h.disp.Submit(context.Background(), SubmitRequest{JobType: models.TypeNotification})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.Equal(t, models.StatusFailed, job.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	job, err := h.disp.Submit(ctx, SubmitRequest{JobType: models.TypeEmail})
	require.NoError(t, err)

	cancelled, err := h.disp.Cancel(ctx, job.JobID, int64Ptr(1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	_, err = h.disp.Cancel(ctx, job.JobID, nil)
	assert.NoError(t, err, "cancelling twice is a no-op")

	_, err = h.disp.Cancel(ctx, "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_CompletedJobRejected(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	job, err := h.disp.Submit(ctx, SubmitRequest{JobType: models.TypeEmail})
	require.NoError(t, err)
	_, err = h.store.UpdateStatus(ctx, job.JobID, models.StatusUpdate{Status: models.StatusProcessing})
	require.NoError(t, err)
	_, err = h.store.UpdateStatus(ctx, job.JobID, models.StatusUpdate{Status: models.StatusCompleted, Result: "ok"})
	require.NoError(t, err)

	_, err = h.disp.Cancel(ctx, job.JobID, nil)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRepublish(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	job, err := h.disp.Submit(ctx, SubmitRequest{JobType: models.TypeEmail})
	require.NoError(t, err)

	require.NoError(t, h.disp.Republish(ctx, job))
	info, err := h.broker.QueueInfo(ctx, "background_jobs")
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.Messages)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Field: "priority", Reason: "9 outside [0, 3]"}
	assert.Equal(t, "invalid priority: 9 outside [0, 3]", err.Error())
}
