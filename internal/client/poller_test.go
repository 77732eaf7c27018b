package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusScript struct {
	polls   atomic.Int32
	results atomic.Int32
	steps   []func(w http.ResponseWriter)
}

func (s *statusScript) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/video/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		n := int(s.polls.Add(1)) - 1
		if n >= len(s.steps) {
			n = len(s.steps) - 1
		}
		s.steps[n](w)
	})
	mux.HandleFunc("/api/video/result/job-1", func(w http.ResponseWriter, r *http.Request) {
		s.results.Add(1)
		writeEnvelope(w, http.StatusOK, map[string]any{
			"id": "job-1", "status": "complete", "outputVideo": "/uploads/processed/processed-job-1.mp4",
			"results": map[string]any{"detections": 3},
		})
	})
	mux.HandleFunc("/api/video/upload", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusAccepted, map[string]any{"message": "video uploaded successfully", "jobId": "job-1"})
	})
	return mux
}

func status(st string, progress int, msg string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		writeEnvelope(w, http.StatusOK, map[string]any{"id": "job-1", "status": st, "progress": progress, "message": msg})
	}
}

func TestPoller_WaitsForComplete(t *testing.T) {
	script := &statusScript{steps: []func(http.ResponseWriter){
		status("queued", 0, "video received, preparing analysis"),
		status("processing", 40, "analyzing video... 40%"),
		status("complete", 100, "analysis completed successfully"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	var progress []int
	res, err := NewPoller(New(srv.URL, "k"), 5*time.Millisecond, nil).Wait(context.Background(), "job-1", func(s JobStatus) {
		progress = append(progress, s.Progress)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 40, 100}, progress)
	assert.Equal(t, "/uploads/processed/processed-job-1.mp4", res.OutputVideo)
	assert.JSONEq(t, `{"detections":3}`, string(res.Results))
	assert.Equal(t, int32(1), script.results.Load())
}

func TestPoller_JobFailed(t *testing.T) {
	script := &statusScript{steps: []func(http.ResponseWriter){
		status("processing", 10, "analyzing video... 10%"),
		func(w http.ResponseWriter) {
			writeEnvelope(w, http.StatusOK, map[string]any{
				"id": "job-1", "status": "error", "progress": 10,
				"message": "analysis failed: exit status 1", "error": "analyzer exited with code 1",
			})
		},
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	_, err := NewPoller(New(srv.URL, "k"), 5*time.Millisecond, nil).Wait(context.Background(), "job-1", nil)

	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "job-1", failed.JobID)
	assert.Equal(t, "analysis failed: exit status 1", failed.Message)
	assert.Equal(t, "analyzer exited with code 1", failed.Reason)
	assert.Contains(t, failed.Error(), "analyzer exited with code 1")
	assert.Zero(t, script.results.Load())
}

func TestPoller_ContinuesAfterTransientError(t *testing.T) {
	script := &statusScript{steps: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "busy") },
		func(w http.ResponseWriter) { writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "slow down") },
		status("complete", 100, "analysis completed successfully"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	res, err := NewPoller(New(srv.URL, "k"), 5*time.Millisecond, nil).Wait(context.Background(), "job-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "complete", res.Status)
	assert.Equal(t, int32(3), script.polls.Load())
}

func TestPoller_NotFoundStops(t *testing.T) {
	script := &statusScript{steps: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found") },
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	_, err := NewPoller(New(srv.URL, "k"), 5*time.Millisecond, nil).Wait(context.Background(), "job-1", nil)

	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), script.polls.Load())
}

func TestPoller_ContextCancel(t *testing.T) {
	script := &statusScript{steps: []func(http.ResponseWriter){
		status("processing", 5, "analyzing video... 5%"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewPoller(New(srv.URL, "k"), 10*time.Millisecond, nil).Wait(ctx, "job-1", nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, script.polls.Load(), int32(1))
}

func TestNewPoller_DefaultInterval(t *testing.T) {
	p := NewPoller(New("http://localhost", "k"), 0, nil)
	assert.Equal(t, DefaultPollInterval, p.interval)
}

func TestUploadAndWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	script := &statusScript{steps: []func(http.ResponseWriter){
		status("complete", 100, "analysis completed successfully"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	up, res, err := New(srv.URL, "k").UploadAndWait(context.Background(), path, 5*time.Millisecond, nil)
	require.NoError(t, err)

	assert.Equal(t, "job-1", up.JobID)
	assert.Equal(t, "complete", res.Status)
}
