package models

import (
	"time"
)

// JobStatus represents the status of a generation job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is a final state
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// GenerateParams holds the generation parameters shared by a batch
type GenerateParams struct {
	Model       string                 `json:"model"`
	AspectRatio string                 `json:"aspect_ratio,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// Job represents one unit of work: generate one image from a prompt
// plus an optional reference input.
//
// A running job is owned exclusively by the worker executing it.
// RawInput holds the reference image bytes before upload; InputURL is
// set once the bytes have been resolved to a remote reference.
type Job struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Prompt      string         `json:"prompt"`
	RawInput    []byte         `json:"-"`
	InputURL    string         `json:"input_url,omitempty"`
	Params      GenerateParams `json:"params"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Output holds the payloads produced by a successful generation
type Output struct {
	Images [][]byte `json:"-"`
	URLs   []string `json:"urls,omitempty"`
}

// Result is the immutable terminal record of one job
type Result struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Status   JobStatus     `json:"status"`
	Output   *Output       `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts"`
}
