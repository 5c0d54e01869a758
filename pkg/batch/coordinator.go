// Package batch builds job lists and coordinates one batch run.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bananabatch/pkg/executor"
	"bananabatch/pkg/logging"
	"bananabatch/pkg/models"
)

// Input is one reference image discovered for the batch
type Input struct {
	Name string
	Data []byte
}

// ProgressFunc receives one terminal Result per completed job
type ProgressFunc func(models.Result)

// Coordinator submits a batch to the executor and aggregates results.
// It performs no retries itself; all retry policy lives in the retry
// controller below the executor.
type Coordinator struct {
	exec *executor.Executor
	sink ProgressFunc
	log  *logging.Logger
}

// NewCoordinator creates a coordinator. sink may be nil.
func NewCoordinator(exec *executor.Executor, sink ProgressFunc, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Coordinator{
		exec: exec,
		sink: sink,
		log:  log.WithField("component", "batch"),
	}
}

// BuildJobs creates the job list: the cross product of inputs and
// prompts, or one prompt-only job per prompt when there are no inputs.
func BuildJobs(inputs []Input, prompts []string, params models.GenerateParams) []*models.Job {
	now := time.Now()
	jobs := make([]*models.Job, 0, len(inputs)*len(prompts))

	if len(inputs) == 0 {
		for i, prompt := range prompts {
			jobs = append(jobs, &models.Job{
				ID:        uuid.New().String(),
				Name:      fmt.Sprintf("prompt%d", i+1),
				Prompt:    prompt,
				Params:    params,
				Status:    models.JobStatusPending,
				CreatedAt: now,
			})
		}
		return jobs
	}

	for _, input := range inputs {
		for i, prompt := range prompts {
			jobs = append(jobs, &models.Job{
				ID:        uuid.New().String(),
				Name:      fmt.Sprintf("%s_prompt%d", input.Name, i+1),
				Prompt:    prompt,
				RawInput:  input.Data,
				Params:    params,
				Status:    models.JobStatusPending,
				CreatedAt: now,
			})
		}
	}
	return jobs
}

// Run submits the jobs, streams results to the progress sink, and
// returns the final report once every job is accounted for. On
// cancellation the report is partial: running jobs finish, unstarted
// jobs are counted as canceled.
func (c *Coordinator) Run(ctx context.Context, jobs []*models.Job) *models.BatchReport {
	start := time.Now()
	report := &models.BatchReport{Total: len(jobs)}

	if len(jobs) == 0 {
		return report
	}

	c.log.Info("batch started", map[string]interface{}{
		"jobs": len(jobs),
	})

	results := c.exec.Submit(ctx, jobs)
	for res := range results {
		switch res.Status {
		case models.JobStatusSucceeded:
			report.Succeeded++
		case models.JobStatusCanceled:
			report.Canceled++
		default:
			report.Failed++
			report.Failures = append(report.Failures, models.JobFailure{
				JobID: res.JobID,
				Name:  res.Name,
				Error: res.Error,
			})
		}
		if c.sink != nil {
			c.sink(res)
		}
	}

	report.Elapsed = time.Since(start)
	c.log.Info("batch finished", map[string]interface{}{
		"total":     report.Total,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"canceled":  report.Canceled,
		"elapsed":   report.Elapsed.String(),
	})
	return report
}
