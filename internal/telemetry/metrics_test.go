package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	h := Handler()
	// Registering twice must not panic.
	_ = Handler()

	JobsProcessed.WithLabelValues("send_email", OutcomeCompleted).Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsProcessed.WithLabelValues("send_email", OutcomeCompleted)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobs_processed_total{job_type="send_email",outcome="completed"} 1`)
	assert.Contains(t, rec.Body.String(), "jobs_inflight")
}
