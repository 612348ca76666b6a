package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"background-jobs/internal/dispatch"
	"background-jobs/internal/models"
	"background-jobs/internal/query"
)

type submitRequest struct {
	JobType    models.JobType `json:"job_type"`
	Payload    map[string]any `json:"payload"`
	Priority   *int           `json:"priority"`
	MaxRetries *int           `json:"max_retries"`
}

// dispatchFailure is returned with 502 when the record exists but could not
// be queued.
type dispatchFailure struct {
	Detail string     `json:"detail"`
	Job    models.Job `json:"job"`
}

type queuedResponse struct {
	Message string `json:"message"`
	JobID   string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, ok := s.submit(w, r, dispatch.SubmitRequest{
		JobType:    req.JobType,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if ok {
		writeJSON(w, http.StatusCreated, job)
	}
}

// submit runs a submission for the caller and writes the error response when
// it fails.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req dispatch.SubmitRequest) (models.Job, bool) {
	uid := identityFrom(r.Context()).UserID
	req.CreatedBy = &uid

	job, err := s.dispatcher.Submit(r.Context(), req)
	switch {
	case err == nil:
		return job, true
	case errors.Is(err, dispatch.ErrDispatch):
		writeJSON(w, http.StatusBadGateway, dispatchFailure{Detail: err.Error(), Job: job})
	default:
		s.writeStoreError(w, err)
	}
	return models.Job{}, false
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := query.Filter{
		Status:  models.Status(q.Get("status")),
		JobType: models.JobType(q.Get("job_type")),
		OrderBy: q.Get("order_by"),
		Order:   q.Get("order"),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	if f.Size, err = intParam(q.Get("size")); err != nil {
		writeError(w, http.StatusBadRequest, "size must be an integer")
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}

	page, err := s.query.List(r.Context(), f, identityFrom(r.Context()).viewer())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r.Context()).Admin {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	stats, err := s.query.Statistics(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.query.Get(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).viewer())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	jobID := chi.URLParam(r, "id")
	if _, err := s.query.Get(r.Context(), jobID, id.viewer()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	job, err := s.dispatcher.Cancel(r.Context(), jobID, &id.UserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeTyped(w, r, &req) {
		return
	}
	job, ok := s.submit(w, r, dispatch.SubmitRequest{
		JobType:  models.TypeEmail,
		Payload:  req.payload(),
		Priority: priority(models.PriorityNormal),
	})
	if ok {
		writeJSON(w, http.StatusAccepted, queuedResponse{Message: "Email queued for sending", JobID: job.JobID})
	}
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !decodeTyped(w, r, &req) {
		return
	}
	if req.UserID == nil {
		uid := identityFrom(r.Context()).UserID
		req.UserID = &uid
	}
	job, ok := s.submit(w, r, dispatch.SubmitRequest{
		JobType:  models.TypeNotification,
		Payload:  req.payload(),
		Priority: priority(models.PriorityNormal),
	})
	if ok {
		writeJSON(w, http.StatusAccepted, queuedResponse{Message: "Notification queued", JobID: job.JobID})
	}
}

func (s *Server) handleProcessData(w http.ResponseWriter, r *http.Request) {
	var req dataProcessingRequest
	if !decodeTyped(w, r, &req) {
		return
	}
	job, ok := s.submit(w, r, dispatch.SubmitRequest{
		JobType:  models.TypeDataProcessing,
		Payload:  req.payload(),
		Priority: priority(models.PriorityLow),
	})
	if ok {
		writeJSON(w, http.StatusAccepted, queuedResponse{Message: "Data processing queued", JobID: job.JobID})
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r.Context()).Admin {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	var req cleanupRequest
	if !decodeTyped(w, r, &req) {
		return
	}
	job, ok := s.submit(w, r, dispatch.SubmitRequest{
		JobType:  models.TypeCleanup,
		Payload:  req.payload(),
		Priority: priority(models.PriorityLow),
	})
	if ok {
		writeJSON(w, http.StatusAccepted, queuedResponse{Message: "Cleanup queued", JobID: job.JobID})
	}
}

func priority(p int) *int { return &p }

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
