package models

import "time"

// JobFailure summarizes one failed job for the batch report
type JobFailure struct {
	JobID string `json:"job_id"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// BatchReport is the final accounting of one batch run.
// Canceled counts jobs that never started because the run was canceled.
type BatchReport struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Canceled  int           `json:"canceled"`
	Elapsed   time.Duration `json:"elapsed"`
	Failures  []JobFailure  `json:"failures,omitempty"`
}
