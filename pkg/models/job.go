package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusError      = "error"
)

// Job tracks one video-analysis request from upload to a terminal state.
// POST /api/video/upload returns the job id; the client polls
// GET /api/video/status/{jobID} until status is complete or error.
//
// Results is set if and only if Status is complete.
type Job struct {
	ID               string          `json:"id"`
	TenantID         uuid.UUID       `json:"tenantId"`
	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	Message          string          `json:"message"`
	InputFile        string          `json:"inputFile"`
	InputPath        string          `json:"-"`
	OutputVideoPath  string          `json:"-"`
	OutputResultPath string          `json:"-"`
	OutputVideo      string          `json:"outputVideo,omitempty"`
	Results          json.RawMessage `json:"results,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal reports whether the job reached complete or error.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// Clone returns a deep copy so callers never share the Results buffer.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Results != nil {
		c.Results = append(json.RawMessage(nil), j.Results...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func IsTerminalStatus(status string) bool {
	return status == JobStatusComplete || status == JobStatusError
}
