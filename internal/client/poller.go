package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPollInterval is the status polling period.
const DefaultPollInterval = 2 * time.Second

// JobFailedError is returned when the job ends in the error state.
type JobFailedError struct {
	JobID   string
	Message string
	Reason  string
}

func (e *JobFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job %s failed: %s (%s)", e.JobID, e.Message, e.Reason)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// Poller waits for a job to finish by polling its status.
type Poller struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(c *Client, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: c, interval: interval, logger: logger}
}

// Wait polls the job until it completes or fails. On completion the result is
// fetched once and returned; on failure a *JobFailedError is returned.
// Transient status errors are logged and polling continues; a 404 ends the wait.
func (p *Poller) Wait(ctx context.Context, jobID string, onUpdate func(JobStatus)) (*JobResult, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		st, err := p.client.Status(ctx, jobID)
		switch {
		case err == nil:
			if onUpdate != nil {
				onUpdate(*st)
			}
			switch st.Status {
			case "complete":
				return p.client.Result(ctx, jobID)
			case "error":
				return nil, &JobFailedError{JobID: jobID, Message: st.Message, Reason: st.Error}
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !IsRetryable(err):
			return nil, err
		default:
			p.logger.Warn("status poll failed", "job_id", jobID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UploadAndWait uploads the video and polls until the job finishes.
func (c *Client) UploadAndWait(ctx context.Context, path string, interval time.Duration, onUpdate func(JobStatus)) (*UploadResponse, *JobResult, error) {
	up, err := c.Upload(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	res, err := NewPoller(c, interval, nil).Wait(ctx, up.JobID, onUpdate)
	return up, res, err
}
