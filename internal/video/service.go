package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidscan/internal/analyzer"
	"github.com/kiranshivaraju/vidscan/internal/store"
	"github.com/kiranshivaraju/vidscan/pkg/models"
	"golang.org/x/sync/semaphore"
)

const (
	msgQueued       = "video received, preparing analysis"
	msgLoadingModel = "loading analysis model..."
	msgPreparing    = "preparing..."
	msgComplete     = "analysis completed successfully"
	msgFailed       = "an error occurred while analyzing the video"
	msgLaunchFailed = "failed to start the video analyzer"
	msgCancelled    = "analysis cancelled"

	defaultCleanupTimeout = 10 * time.Second
)

// Options configures a Service.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	MaxDuration    time.Duration
	MaxConcurrent  int
	// CleanupTimeout bounds how long Delete waits for a cancelled worker.
	CleanupTimeout time.Duration
}

// StatusView is the polling payload for one job.
type StatusView struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	// Error carries the failure reason once Status is error.
	Error string `json:"error,omitempty"`
}

// ResultView is returned once a job is complete.
type ResultView struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	OutputVideo string          `json:"outputVideo"`
	Results     json.RawMessage `json:"results"`
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs the upload → analyze → poll → cleanup pipeline.
type Service struct {
	jobs   store.JobStore
	runner analyzer.Runner
	opts   Options
	slots  *semaphore.Weighted

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*worker
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates the service and its artifact directories.
func NewService(jobs store.JobStore, runner analyzer.Runner, opts Options) (*Service, error) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}

	if err := os.MkdirAll(filepath.Join(opts.UploadDir, processedDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create upload dirs: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		jobs:       jobs,
		runner:     runner,
		opts:       opts,
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		rootCtx:    ctx,
		rootCancel: cancel,
		running:    make(map[string]*worker),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// MaxUploadBytes is the configured upload ceiling.
func (s *Service) MaxUploadBytes() int64 {
	return s.opts.MaxUploadBytes
}

// UploadDir is the root directory artifacts are stored under.
func (s *Service) UploadDir() string {
	return s.opts.UploadDir
}

// Upload validates and stores the video, creates a queued job and schedules
// analysis. It returns as soon as the job is queued.
func (s *Service) Upload(ctx context.Context, tenantID uuid.UUID, in UploadInput) (*UploadResult, error) {
	ext, err := validateUpload(in, s.opts.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	name, err := storedName(now, ext)
	if err != nil {
		return nil, err
	}
	inputPath := filepath.Join(s.opts.UploadDir, name)

	if err := saveUpload(inputPath, in.Body, s.opts.MaxUploadBytes); err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, tooLarge(s.opts.MaxUploadBytes)
		}
		return nil, err
	}

	jobID := "job-" + uuid.NewString()
	processedDir := filepath.Join(s.opts.UploadDir, processedDirName)
	job := &models.Job{
		ID:               jobID,
		TenantID:         tenantID,
		Status:           models.JobStatusQueued,
		Progress:         0,
		Message:          msgQueued,
		InputFile:        name,
		InputPath:        inputPath,
		OutputVideoPath:  filepath.Join(processedDir, processedVideoName(jobID)),
		OutputResultPath: filepath.Join(processedDir, resultsName(jobID)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		_ = os.Remove(inputPath)
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.start(job)

	slog.Info("video queued for analysis", "job_id", jobID, "tenant_id", tenantID, "file", name)

	return &UploadResult{JobID: jobID, Filename: name, Path: PublicPath(name)}, nil
}

// Status returns the job's current status. It has no side effects.
func (s *Service) Status(ctx context.Context, tenantID uuid.UUID, jobID string) (*StatusView, error) {
	job, err := s.lookup(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	return statusView(job), nil
}

// Result returns the analysis output of a complete job.
func (s *Service) Result(ctx context.Context, tenantID uuid.UUID, jobID string) (*ResultView, error) {
	job, err := s.lookup(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusComplete {
		return nil, &NotReadyError{Status: job.Status, Message: job.Message}
	}
	return &ResultView{
		ID:          job.ID,
		Status:      job.Status,
		OutputVideo: job.OutputVideo,
		Results:     job.Results,
	}, nil
}

// OutputVideoPath returns the filesystem path of a complete job's processed video.
func (s *Service) OutputVideoPath(ctx context.Context, tenantID uuid.UUID, jobID string) (string, error) {
	job, err := s.lookup(ctx, tenantID, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusComplete {
		return "", &NotReadyError{Status: job.Status, Message: job.Message}
	}
	return job.OutputVideoPath, nil
}

// List returns the tenant's jobs, newest first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]*StatusView, error) {
	jobs, err := s.jobs.ListJobs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	views := make([]*StatusView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, statusView(job))
	}
	return views, nil
}

// Watch subscribes to status changes of one job. The first value on the
// channel is the current snapshot. The channel closes when the job is deleted
// or stop is called.
func (s *Service) Watch(ctx context.Context, tenantID uuid.UUID, jobID string) (<-chan *StatusView, func(), error) {
	if _, err := s.lookup(ctx, tenantID, jobID); err != nil {
		return nil, nil, err
	}

	updates, cancel, err := s.jobs.SubscribeJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrJobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to job: %w", err)
	}

	// Read the snapshot after subscribing so no change between the two is lost.
	current, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		cancel()
		return nil, nil, ErrJobNotFound
	}

	out := make(chan *StatusView, 1)
	out <- statusView(current)

	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopped)
			cancel()
		})
	}

	go func() {
		defer close(out)
		for job := range updates {
			select {
			case out <- statusView(job):
			case <-stopped:
				return
			}
		}
	}()

	return out, stop, nil
}

// Delete stops the job's worker if it is still running, removes its
// artifacts and then the record.
func (s *Service) Delete(ctx context.Context, tenantID uuid.UUID, jobID string) error {
	job, err := s.lookup(ctx, tenantID, jobID)
	if err != nil {
		return err
	}

	s.stopWorker(ctx, jobID)
	s.removeArtifacts(job)

	if err := s.jobs.DeleteJob(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("deleting job: %w", err)
	}

	slog.Info("job deleted", "job_id", jobID, "tenant_id", tenantID)
	return nil
}

// EvictExpired removes terminal jobs last updated more than retention ago.
// Non-terminal jobs are never evicted.
func (s *Service) EvictExpired(ctx context.Context, retention time.Duration) (int, error) {
	expired, err := s.jobs.ListTerminalJobsBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("listing expired jobs: %w", err)
	}

	evicted := 0
	for _, job := range expired {
		s.removeArtifacts(job)
		if err := s.jobs.DeleteJob(ctx, job.ID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("failed to evict job", "job_id", job.ID, "error", err)
			}
			continue
		}
		evicted++
	}
	return evicted, nil
}

// Shutdown cancels every queued and running job and waits for the workers
// to exit or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.rootCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) lookup(ctx context.Context, tenantID uuid.UUID, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if job.TenantID != tenantID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// start registers the job's cancel func and launches its worker goroutine.
func (s *Service) start(job *models.Job) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	w := &worker{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[job.ID] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(w.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in video analysis", "error", r, "job_id", job.ID)
				s.fail(job.ID, msgFailed, fmt.Sprintf("panic: %v", r))
			}
		}()

		s.process(ctx, job)
	}()
}

func (s *Service) stopWorker(ctx context.Context, jobID string) {
	s.mu.Lock()
	w, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()

	timer := time.NewTimer(s.opts.CleanupTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		slog.Warn("worker did not stop before cleanup timeout", "job_id", jobID)
	case <-ctx.Done():
	}
}

// process waits for a worker slot, runs the analyzer and resolves the job's
// terminal state.
func (s *Service) process(ctx context.Context, job *models.Job) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.fail(job.ID, msgCancelled, "cancelled before analysis started")
		return
	}
	defer s.slots.Release(1)

	if _, err := s.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) {
		j.Status = models.JobStatusProcessing
		j.Message = msgLoadingModel
	}); err != nil {
		slog.Debug("job left queue before processing", "job_id", job.ID, "error", err)
		return
	}

	slog.Info("video analysis started", "job_id", job.ID)

	var reported string
	req := analyzer.Request{
		InputPath:        job.InputPath,
		OutputVideoPath:  job.OutputVideoPath,
		OutputResultPath: job.OutputResultPath,
		MaxDuration:      s.opts.MaxDuration,
	}
	runErr := s.runner.Run(ctx, req, func(ev analyzer.Event) {
		if ev.Kind() == analyzer.EventError {
			reported = ev.Error
		}
		s.apply(job.ID, ev)
	})

	s.resolve(job, runErr, reported)
}

// apply records one analyzer event on the job. Events that arrive after the
// job reached a terminal state are dropped by the store.
func (s *Service) apply(jobID string, ev analyzer.Event) {
	var fn func(*models.Job)

	switch ev.Kind() {
	case analyzer.EventStarting:
		fn = func(j *models.Job) {
			j.Message = ev.Message
			if j.Message == "" {
				j.Message = msgPreparing
			}
		}
	case analyzer.EventProgress:
		pct := ev.Percent()
		fn = func(j *models.Job) {
			j.Progress = max(pct, j.Progress)
			j.Message = fmt.Sprintf("analyzing video... %d%%", j.Progress)
		}
	case analyzer.EventComplete:
		fn = func(j *models.Job) {
			j.Status = models.JobStatusComplete
			j.Message = msgComplete
			j.Results = ev.Results
			j.OutputVideo = ProcessedVideoPublicPath(j.ID)
		}
	default:
		return
	}

	if _, err := s.jobs.UpdateJob(context.Background(), jobID, fn); err != nil {
		slog.Debug("analyzer event not applied", "job_id", jobID, "event", ev.Kind().String(), "error", err)
	}
}

// resolve settles a job whose analyzer has exited.
func (s *Service) resolve(job *models.Job, runErr error, reported string) {
	current, err := s.jobs.GetJob(context.Background(), job.ID)
	if err != nil || current.IsTerminal() {
		return
	}

	var launchErr *analyzer.LaunchError
	switch {
	case errors.Is(runErr, context.Canceled):
		s.fail(job.ID, msgCancelled, "analysis cancelled")
		return
	case errors.As(runErr, &launchErr):
		s.fail(job.ID, msgLaunchFailed, launchErr.Error())
		return
	}

	if results, ok := readResults(job.OutputResultPath); ok {
		if _, err := s.jobs.UpdateJob(context.Background(), job.ID, func(j *models.Job) {
			j.Status = models.JobStatusComplete
			j.Message = msgComplete
			j.Results = results
			j.OutputVideo = ProcessedVideoPublicPath(j.ID)
		}); err != nil {
			slog.Debug("could not complete job from result file", "job_id", job.ID, "error", err)
		}
		slog.Info("video analysis complete from result file", "job_id", job.ID, "exit_error", runErr)
		return
	}

	if errors.Is(runErr, analyzer.ErrStalled) {
		s.fail(job.ID, msgFailed, runErr.Error())
		return
	}

	code := 0
	var exitErr *analyzer.ExitError
	if errors.As(runErr, &exitErr) {
		code = exitErr.Code
	}
	reason := fmt.Sprintf("analyzer exited with code %d", code)
	switch {
	case reported != "":
		reason += ": " + reported
	case runErr != nil:
		reason = runErr.Error()
	}
	s.fail(job.ID, msgFailed, reason)
}

func (s *Service) fail(jobID, message, reason string) {
	_, err := s.jobs.UpdateJob(context.Background(), jobID, func(j *models.Job) {
		j.Status = models.JobStatusError
		j.Message = message
		j.Error = reason
	})
	if err != nil {
		slog.Debug("could not mark job failed", "job_id", jobID, "error", err)
		return
	}
	slog.Warn("video analysis failed", "job_id", jobID, "reason", reason)
}

// removeArtifacts deletes the job's files. Failures are logged, not returned.
func (s *Service) removeArtifacts(job *models.Job) {
	for _, path := range []string{job.InputPath, job.OutputVideoPath, job.OutputResultPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove job artifact", "job_id", job.ID, "path", path, "error", err)
		}
	}
}

func readResults(path string) (json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if err != nil || !json.Valid(data) {
		return nil, false
	}
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil || probe == nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

func statusView(job *models.Job) *StatusView {
	return &StatusView{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Error:    job.Error,
	}
}
