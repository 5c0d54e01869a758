package api

import (
	"sync"
	"time"

	"bananabatch/pkg/models"
)

// Progress is a point-in-time snapshot of a batch run
type Progress struct {
	Total     int             `json:"total"`
	Done      int             `json:"done"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Canceled  int             `json:"canceled"`
	StartedAt time.Time       `json:"started_at"`
	Recent    []models.Result `json:"recent,omitempty"`
}

const recentResults = 20

// Tracker aggregates per-job results for the status endpoint. It is
// fed by the batch coordinator's progress sink.
type Tracker struct {
	mu        sync.Mutex
	total     int
	succeeded int
	failed    int
	canceled  int
	startedAt time.Time
	recent    []models.Result
}

// NewTracker creates a tracker for a batch of total jobs
func NewTracker(total int) *Tracker {
	return &Tracker{
		total:     total,
		startedAt: time.Now(),
		recent:    make([]models.Result, 0, recentResults),
	}
}

// Record registers one terminal result
func (t *Tracker) Record(res models.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch res.Status {
	case models.JobStatusSucceeded:
		t.succeeded++
	case models.JobStatusCanceled:
		t.canceled++
	default:
		t.failed++
	}

	// keep payloads out of the status surface
	res.Output = nil
	if len(t.recent) == recentResults {
		copy(t.recent, t.recent[1:])
		t.recent = t.recent[:recentResults-1]
	}
	t.recent = append(t.recent, res)
}

// Snapshot returns the current progress
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := make([]models.Result, len(t.recent))
	copy(recent, t.recent)

	return Progress{
		Total:     t.total,
		Done:      t.succeeded + t.failed + t.canceled,
		Succeeded: t.succeeded,
		Failed:    t.failed,
		Canceled:  t.canceled,
		StartedAt: t.startedAt,
		Recent:    recent,
	}
}
