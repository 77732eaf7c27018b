package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidscan/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStore holds video-analysis job records. Implementations must be safe for
// concurrent use and must never hand out pointers to their internal records.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob applies fn to a copy of the job and commits it if the result
	// keeps the lifecycle invariants. The committed snapshot is returned.
	UpdateJob(ctx context.Context, id string, fn func(*models.Job)) (*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, tenantID uuid.UUID) ([]*models.Job, error)
	ListTerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	// SubscribeJob returns a channel that receives the latest snapshot after
	// every committed change. The channel is closed when the job is deleted or
	// the returned cancel func is called.
	SubscribeJob(id string) (<-chan *models.Job, func(), error)
}

// validTransitions defines allowed status transitions.
var validTransitions = map[string][]string{
	models.JobStatusQueued:     {models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusError},
	models.JobStatusProcessing: {models.JobStatusProcessing, models.JobStatusComplete, models.JobStatusError},
}

func canTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type JobStoreOption func(*MemoryJobStore)

// WithJobClock overrides the clock used for UpdatedAt stamps.
func WithJobClock(now func() time.Time) JobStoreOption {
	return func(s *MemoryJobStore) {
		s.now = now
	}
}

// MemoryJobStore is the process-wide in-memory JobStore. Records do not
// survive a restart.
type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*models.Job
	subs   map[string]map[int]chan *models.Job
	nextID int
	now    func() time.Time
}

func NewMemoryJobStore(opts ...JobStoreOption) *MemoryJobStore {
	s := &MemoryJobStore{
		jobs: make(map[string]*models.Job),
		subs: make(map[string]map[int]chan *models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("create job: missing id")
	}
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("create job %s: %w: initial status %q", job.ID, ErrInvalidTransition, job.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}

	rec := job.Clone()
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.jobs[rec.ID] = rec
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, id string, fn func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := rec.Clone()
	fn(next)

	if next.ID != rec.ID || next.TenantID != rec.TenantID {
		return nil, fmt.Errorf("update job %s: identity fields are immutable", id)
	}
	if !canTransition(rec.Status, next.Status) {
		return nil, fmt.Errorf("update job %s: %w: %s -> %s", id, ErrInvalidTransition, rec.Status, next.Status)
	}

	next.Progress = clampProgress(next.Progress)
	if next.Progress < rec.Progress {
		next.Progress = rec.Progress
	}

	now := s.now()
	switch next.Status {
	case models.JobStatusProcessing:
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
	case models.JobStatusComplete:
		if next.Results == nil {
			return nil, fmt.Errorf("update job %s: %w: complete without results", id, ErrInvalidTransition)
		}
		next.Progress = 100
		next.Error = ""
		next.CompletedAt = &now
	case models.JobStatusError:
		next.Results = nil
		next.OutputVideo = ""
		next.CompletedAt = &now
	}
	if next.Status != models.JobStatusComplete && next.Results != nil {
		return nil, fmt.Errorf("update job %s: %w: results before completion", id, ErrInvalidTransition)
	}
	next.UpdatedAt = now

	s.jobs[id] = next
	s.notifyLocked(id, next)
	return next.Clone(), nil
}

func (s *MemoryJobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)

	for _, ch := range s.subs[id] {
		close(ch)
	}
	delete(s.subs, id)
	return nil
}

// ListJobs returns the tenant's jobs, newest first.
func (s *MemoryJobStore) ListJobs(_ context.Context, tenantID uuid.UUID) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0)
	for _, rec := range s.jobs {
		if rec.TenantID == tenantID {
			jobs = append(jobs, rec.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// ListTerminalJobsBefore returns complete or errored jobs last updated before cutoff.
func (s *MemoryJobStore) ListTerminalJobsBefore(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, rec := range s.jobs {
		if rec.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			jobs = append(jobs, rec.Clone())
		}
	}
	return jobs, nil
}

func (s *MemoryJobStore) SubscribeJob(id string) (<-chan *models.Job, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan *models.Job, 1)
	s.nextID++
	subID := s.nextID
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]chan *models.Job)
	}
	s.subs[id][subID] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id][subID]; ok {
			delete(s.subs[id], subID)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
			close(c)
		}
	}
	return ch, cancel, nil
}

// notifyLocked delivers the snapshot without blocking. A slow subscriber only
// ever sees the newest snapshot.
func (s *MemoryJobStore) notifyLocked(id string, job *models.Job) {
	for _, ch := range s.subs[id] {
		snap := job.Clone()
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
