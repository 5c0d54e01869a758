// Package executor runs generation jobs on a bounded worker pool.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/logging"
	"bananabatch/pkg/metrics"
	"bananabatch/pkg/models"
	"bananabatch/pkg/retry"
	"bananabatch/pkg/upload"
)

// GenerateClient performs one remote image generation call
type GenerateClient interface {
	Generate(ctx context.Context, prompt string, refs []string, params models.GenerateParams, cred *credential.Credential) (*models.Output, error)
}

// Config holds executor tuning parameters
type Config struct {
	// Workers is the number of concurrent execution slots
	Workers int
	// JobTimeout bounds one job end to end, including retries.
	// Zero disables the per-job timeout.
	JobTimeout time.Duration
}

// DefaultConfig returns sensible executor defaults
func DefaultConfig() Config {
	return Config{
		Workers:    10,
		JobTimeout: 10 * time.Minute,
	}
}

// Executor owns a fixed set of execution slots. Each free slot pulls
// the next pending job in FIFO order and drives it to a terminal
// Result. One job's failure never stops the others.
type Executor struct {
	cfg        Config
	cache      *upload.Cache
	controller *retry.Controller
	client     GenerateClient
	log        *logging.Logger
}

// New creates an executor
func New(cfg Config, cache *upload.Cache, controller *retry.Controller, client GenerateClient, log *logging.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Executor{
		cfg:        cfg,
		cache:      cache,
		controller: controller,
		client:     client,
		log:        log.WithField("component", "executor"),
	}
}

// Submit enqueues all jobs and returns the result stream. Exactly one
// terminal Result is emitted per job, in completion order. After ctx
// is canceled, running jobs finish but no new job starts; unstarted
// jobs are emitted as canceled.
func (e *Executor) Submit(ctx context.Context, jobs []*models.Job) <-chan models.Result {
	queue := make(chan *models.Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	results := make(chan models.Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for job := range queue {
				if ctx.Err() != nil {
					results <- e.cancelJob(job)
					continue
				}
				metrics.WorkersBusy.Inc()
				res := e.runJob(ctx, slot, job)
				metrics.WorkersBusy.Dec()
				results <- res
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// runJob executes one job to a terminal Result. Unexpected faults are
// recovered here so a broken job returns its slot to the pool.
func (e *Executor) runJob(ctx context.Context, slot int, job *models.Job) (res models.Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := retry.Internal(fmt.Errorf("worker panic: %v", r))
			e.log.Error("recovered worker panic", map[string]interface{}{
				"job":   job.ID,
				"slot":  slot,
				"panic": fmt.Sprintf("%v", r),
			})
			res = e.failJob(job, start, err)
		}
	}()

	now := start
	job.Status = models.JobStatusRunning
	job.StartedAt = &now

	// a started job runs to completion even if the batch is canceled;
	// only the per-job timeout bounds it from here on
	jctx := context.WithoutCancel(ctx)
	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(jctx, e.cfg.JobTimeout)
		defer cancel()
	}

	refs, err := e.resolveInput(jctx, job)
	if err != nil {
		return e.failJob(job, start, fmt.Errorf("resolve input: %w", err))
	}

	var output *models.Output
	err = e.controller.Execute(jctx, func(ctx context.Context, cred *credential.Credential) error {
		job.Attempts++
		out, genErr := e.client.Generate(ctx, job.Prompt, refs, job.Params, cred)
		if genErr != nil {
			return genErr
		}
		output = out
		return nil
	})
	if err != nil {
		return e.failJob(job, start, err)
	}

	done := time.Now()
	job.Status = models.JobStatusSucceeded
	job.CompletedAt = &done
	metrics.JobsTotal.WithLabelValues(string(models.JobStatusSucceeded)).Inc()
	e.log.Info("job succeeded", map[string]interface{}{
		"job":      job.ID,
		"name":     job.Name,
		"attempts": job.Attempts,
		"elapsed":  done.Sub(start).String(),
	})

	return models.Result{
		JobID:    job.ID,
		Name:     job.Name,
		Status:   models.JobStatusSucceeded,
		Output:   output,
		Elapsed:  done.Sub(start),
		Attempts: job.Attempts,
	}
}

// resolveInput turns raw reference bytes into a remote URL through the
// content cache.
func (e *Executor) resolveInput(ctx context.Context, job *models.Job) ([]string, error) {
	if job.InputURL != "" {
		return []string{job.InputURL}, nil
	}
	if len(job.RawInput) == 0 {
		return nil, nil
	}
	url, err := e.cache.Resolve(ctx, job.RawInput)
	if err != nil {
		return nil, err
	}
	job.InputURL = url
	return []string{url}, nil
}

func (e *Executor) failJob(job *models.Job, start time.Time, err error) models.Result {
	done := time.Now()
	job.Status = models.JobStatusFailed
	job.Error = err.Error()
	job.CompletedAt = &done
	metrics.JobsTotal.WithLabelValues(string(models.JobStatusFailed)).Inc()
	e.log.Warn("job failed", map[string]interface{}{
		"job":      job.ID,
		"name":     job.Name,
		"attempts": job.Attempts,
		"error":    err.Error(),
	})
	return models.Result{
		JobID:    job.ID,
		Name:     job.Name,
		Status:   models.JobStatusFailed,
		Error:    err.Error(),
		Elapsed:  done.Sub(start),
		Attempts: job.Attempts,
	}
}

func (e *Executor) cancelJob(job *models.Job) models.Result {
	job.Status = models.JobStatusCanceled
	job.Error = "batch canceled before job started"
	metrics.JobsTotal.WithLabelValues(string(models.JobStatusCanceled)).Inc()
	return models.Result{
		JobID:  job.ID,
		Name:   job.Name,
		Status: models.JobStatusCanceled,
		Error:  job.Error,
	}
}
