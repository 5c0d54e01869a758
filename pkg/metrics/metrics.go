// Package metrics exposes Prometheus instrumentation for the batch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by terminal status
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "jobs_total",
		Help:      "Jobs that reached a terminal state, by status.",
	}, []string{"status"})

	// JobAttempts counts individual generation attempts
	JobAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "job_attempts_total",
		Help:      "Individual remote generation attempts, including retries.",
	})

	// Retries counts retried attempts by error class
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "retries_total",
		Help:      "Retried attempts, by error class.",
	}, []string{"class"})

	// CredentialRotations counts forced credential rotations
	CredentialRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "credential_rotations_total",
		Help:      "Retries that switched to a different credential.",
	})

	// CredentialState tracks pool members by health state
	CredentialState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bananabatch",
		Name:      "credentials",
		Help:      "Pool credentials by health state.",
	}, []string{"state"})

	// CacheHits counts upload cache hits
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "upload_cache_hits_total",
		Help:      "Upload cache hits (no remote upload performed).",
	})

	// CacheMisses counts upload cache misses
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "upload_cache_misses_total",
		Help:      "Upload cache misses.",
	})

	// Uploads counts remote uploads actually performed
	Uploads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bananabatch",
		Name:      "uploads_total",
		Help:      "Remote uploads performed.",
	})

	// WorkersBusy tracks workers currently executing a job
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bananabatch",
		Name:      "workers_busy",
		Help:      "Workers currently executing a job.",
	})
)
