// Package query serves read access to job records: single lookups, filtered
// pages and aggregate statistics, scoped to the requesting user.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

var (
	// ErrForbidden is returned when a viewer asks for another user's job.
	ErrForbidden = errors.New("not allowed to access this job")
	// ErrNotFound aliases the store sentinel so callers need one import.
	ErrNotFound = store.ErrNotFound
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Viewer identifies who is reading. Admins see every job; everyone else only
// the jobs they created.
type Viewer struct {
	UserID int64
	Admin  bool
}

func (v Viewer) canSee(job models.Job) bool {
	return v.Admin || (job.CreatedBy != nil && *job.CreatedBy == v.UserID)
}

// Filter narrows List results. Zero values mean no filter.
type Filter struct {
	Status  models.Status
	JobType models.JobType
	OrderBy string
	// Order is "asc" or "desc" (default).
	Order string
	Page  int
	Size  int
}

// Page is one page of jobs plus paging totals.
type Page struct {
	Items []models.Job `json:"jobs"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
	Pages int          `json:"pages"`
}

type Service struct {
	store   store.Store
	timeout time.Duration
}

func NewService(st store.Store, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{store: st, timeout: timeout}
}

func (s *Service) Get(ctx context.Context, jobID string, viewer Viewer) (models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !viewer.canSee(job) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrForbidden, jobID)
	}
	return job, nil
}

// List returns one page of jobs visible to viewer. Page is clamped to at
// least 1 and size to [1, MaxPageSize].
func (s *Service) List(ctx context.Context, f Filter, viewer Viewer) (Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page{}, fmt.Errorf("unknown status %q", f.Status)
	}
	page, size := normalize(f.Page, f.Size)
	params := store.ListParams{
		Status:  f.Status,
		JobType: f.JobType,
		Offset:  (page - 1) * size,
		Limit:   size,
		OrderBy: f.OrderBy,
		Desc:    !strings.EqualFold(f.Order, "asc"),
	}
	if !viewer.Admin {
		uid := viewer.UserID
		params.CreatedBy = &uid
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	jobs, total, err := s.store.List(ctx, params)
	if err != nil {
		return Page{}, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return Page{
		Items: jobs,
		Total: total,
		Page:  page,
		Size:  size,
		Pages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

func (s *Service) Statistics(ctx context.Context) (models.Statistics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Statistics(ctx)
}

func normalize(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	// Keep (page-1)*size within int.
	if last := math.MaxInt / size; page > last {
		page = last
	}
	return page, size
}
