package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/executor"
	"bananabatch/pkg/models"
	"bananabatch/pkg/retry"
	"bananabatch/pkg/upload"
)

type scriptedClient struct {
	mu       sync.Mutex
	attempts map[string]int
	behavior func(prompt string, attempt int) error
}

func (s *scriptedClient) Generate(ctx context.Context, prompt string, refs []string, params models.GenerateParams, cred *credential.Credential) (*models.Output, error) {
	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[prompt]++
	attempt := s.attempts[prompt]
	s.mu.Unlock()

	if s.behavior != nil {
		if err := s.behavior(prompt, attempt); err != nil {
			return nil, err
		}
	}

	// honor the context the way a real HTTP client does
	select {
	case <-time.After(2 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.Output{URLs: []string{"https://cdn.example/out.png"}}, nil
}

type nopUploader struct {
	calls int64
}

func (u *nopUploader) Upload(ctx context.Context, data []byte, cred *credential.Credential) (string, error) {
	atomic.AddInt64(&u.calls, 1)
	return "https://cdn.example/" + upload.Fingerprint(data)[:8], nil
}

func testExecutor(t *testing.T, workers int, client executor.GenerateClient, uploader upload.Uploader) *executor.Executor {
	t.Helper()
	pool, err := credential.NewPool([]string{"key-1", "key-2"}, credential.Config{
		MaxFailures:  3,
		CooldownBase: 2 * time.Millisecond,
		CooldownMax:  10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	cache := upload.NewCache(uploader, pool, 0, nil)
	controller := retry.NewController(pool, retry.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		AcquireTimeout: time.Second,
	}, nil)
	return executor.New(executor.Config{Workers: workers, JobTimeout: 5 * time.Second}, cache, controller, client, nil)
}

func TestBuildJobsCrossProduct(t *testing.T) {
	inputs := []Input{
		{Name: "cat", Data: []byte("cat-bytes")},
		{Name: "dog", Data: []byte("dog-bytes")},
	}
	prompts := []string{"make it bigger", "make it smaller", "invert colors"}

	jobs := BuildJobs(inputs, prompts, models.GenerateParams{Model: "nano-banana-fast"})
	if len(jobs) != 6 {
		t.Fatalf("Expected 6 jobs, got %d", len(jobs))
	}

	names := make(map[string]bool)
	ids := make(map[string]bool)
	for _, job := range jobs {
		names[job.Name] = true
		if ids[job.ID] {
			t.Errorf("Duplicate job ID %s", job.ID)
		}
		ids[job.ID] = true
		if job.Status != models.JobStatusPending {
			t.Errorf("New job must be pending, got %s", job.Status)
		}
		if job.Params.Model != "nano-banana-fast" {
			t.Errorf("Params not propagated to %s", job.Name)
		}
	}
	for _, want := range []string{"cat_prompt1", "cat_prompt3", "dog_prompt2"} {
		if !names[want] {
			t.Errorf("Missing job name %s, have %v", want, names)
		}
	}
}

func TestBuildJobsPromptOnly(t *testing.T) {
	jobs := BuildJobs(nil, []string{"a red cube", "a blue sphere"}, models.GenerateParams{})
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Name != "prompt1" || jobs[1].Name != "prompt2" {
		t.Errorf("Unexpected names: %s, %s", jobs[0].Name, jobs[1].Name)
	}
	if len(jobs[0].RawInput) != 0 {
		t.Error("Prompt-only job must carry no input bytes")
	}
}

func TestRunAggregatesReport(t *testing.T) {
	client := &scriptedClient{behavior: func(prompt string, attempt int) error {
		if strings.Contains(prompt, "bad") {
			return retry.Permanent(errors.New("HTTP 400: bad request"))
		}
		return nil
	}}
	exec := testExecutor(t, 2, client, &nopUploader{})

	var mu sync.Mutex
	var seen []models.Result
	coord := NewCoordinator(exec, func(res models.Result) {
		mu.Lock()
		seen = append(seen, res)
		mu.Unlock()
	}, nil)

	jobs := BuildJobs(nil, []string{"fine one", "bad one", "fine two"}, models.GenerateParams{})
	report := coord.Run(context.Background(), jobs)

	if report.Total != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Errorf("Unexpected report: %+v", report)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("Expected 1 failure entry, got %d", len(report.Failures))
	}
	if report.Failures[0].Name != "prompt2" {
		t.Errorf("Wrong failure attribution: %+v", report.Failures[0])
	}
	if len(seen) != 3 {
		t.Errorf("Progress sink saw %d results, want 3", len(seen))
	}
	if report.Elapsed <= 0 {
		t.Error("Report must carry elapsed time")
	}
}

func TestRunTransientFailureStillSucceeds(t *testing.T) {
	// 4 jobs on 2 workers; one job fails its first attempt with a
	// retryable error and the whole batch still comes back clean
	client := &scriptedClient{behavior: func(prompt string, attempt int) error {
		if prompt == "p2" && attempt == 1 {
			return retry.Transient(errors.New("HTTP 503: server error"))
		}
		return nil
	}}
	exec := testExecutor(t, 2, client, &nopUploader{})
	coord := NewCoordinator(exec, nil, nil)

	jobs := BuildJobs(nil, []string{"p1", "p2", "p3", "p4"}, models.GenerateParams{})
	report := coord.Run(context.Background(), jobs)

	if report.Succeeded != 4 || report.Failed != 0 {
		t.Errorf("Expected 4 clean successes, got %+v", report)
	}
	if report.Total != report.Succeeded+report.Failed+report.Canceled {
		t.Errorf("Report counts do not add up: %+v", report)
	}
}

func TestRunSharedInputDeduplicated(t *testing.T) {
	client := &scriptedClient{}
	uploader := &nopUploader{}
	exec := testExecutor(t, 2, client, uploader)
	coord := NewCoordinator(exec, nil, nil)

	shared := []byte("one-reference-image")
	jobs := BuildJobs([]Input{{Name: "ref", Data: shared}}, []string{"variant a", "variant b"}, models.GenerateParams{})
	report := coord.Run(context.Background(), jobs)

	if report.Succeeded != 2 {
		t.Fatalf("Expected 2 successes, got %+v", report)
	}
	if uploader.calls != 1 {
		t.Errorf("Shared input must upload once, got %d", uploader.calls)
	}
}

func TestRunCanceledAccounting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{behavior: func(prompt string, attempt int) error {
		if prompt == "p1" {
			cancel()
		}
		return nil
	}}
	exec := testExecutor(t, 1, client, &nopUploader{})
	coord := NewCoordinator(exec, nil, nil)

	jobs := BuildJobs(nil, []string{"p1", "p2", "p3"}, models.GenerateParams{})
	report := coord.Run(ctx, jobs)

	if report.Total != 3 {
		t.Fatalf("Every job must appear in the report, got %+v", report)
	}
	// the in-flight job finishes, the rest never start
	if report.Succeeded != 1 {
		t.Errorf("Expected the running job to finish, got %+v", report)
	}
	if report.Canceled != 2 {
		t.Errorf("Expected 2 canceled jobs, got %+v", report)
	}
	if report.Succeeded+report.Failed+report.Canceled != report.Total {
		t.Errorf("Report counts do not add up: %+v", report)
	}
}

func TestRunEmptyBatch(t *testing.T) {
	exec := testExecutor(t, 2, &scriptedClient{}, &nopUploader{})
	coord := NewCoordinator(exec, nil, nil)

	report := coord.Run(context.Background(), nil)
	if report.Total != 0 || report.Succeeded != 0 || report.Failed != 0 {
		t.Errorf("Empty batch must produce an empty report: %+v", report)
	}
}
