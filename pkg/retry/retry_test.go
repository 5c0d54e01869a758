package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bananabatch/pkg/credential"
)

func testPool(t *testing.T, keys ...string) *credential.Pool {
	t.Helper()
	pool, err := credential.NewPool(keys, credential.Config{
		MaxFailures:  3,
		CooldownBase: 10 * time.Millisecond,
		CooldownMax:  50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return pool
}

func testController(pool *credential.Pool, maxAttempts int) *Controller {
	return NewController(pool, Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		AcquireTimeout: time.Second,
	}, nil)
}

func TestExecuteSuccess(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 3)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestExecuteTransientRetries(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 3)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("HTTP 503: server error"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed after transient errors: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestExecutePermanentFailsImmediately(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 3)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		calls++
		return Permanent(errors.New("HTTP 400: bad request"))
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Permanent error must not retry, got %d calls", calls)
	}
}

func TestExecuteCredentialRotation(t *testing.T) {
	pool := testPool(t, "key-1", "key-2")
	c := testController(pool, 3)

	var used []string
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		used = append(used, cred.Key())
		if len(used) == 1 {
			return Credential(errors.New("HTTP 401: unauthorized"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(used) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(used))
	}
	if used[0] == used[1] {
		t.Errorf("Credential error must rotate keys, used %v", used)
	}

	// the blamed key must be cooling
	var blamed credential.Info
	for _, info := range pool.Snapshot() {
		if info.Failures > 0 {
			blamed = info
		}
	}
	if blamed.State != credential.StateCooling {
		t.Errorf("Expected blamed key cooling, got %s", blamed.State)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 2)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		calls++
		return Transient(errors.New("HTTP 502: bad gateway"))
	})
	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !strings.Contains(err.Error(), "max attempts") {
		t.Errorf("Expected max attempts error, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("Terminal error must carry the last classified error, got %v", err)
	}
}

func TestExecuteNoCredentialAvailable(t *testing.T) {
	pool := testPool(t, "key-1")
	c := NewController(pool, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		AcquireTimeout: 30 * time.Millisecond,
	}, nil)

	// hold the only credential so acquire can't succeed
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer pool.Release(held, credential.OutcomeSuccess)

	err = c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		t.Error("Operation must not run without a credential")
		return nil
	})
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("Expected ErrNoCredential, got %v", err)
	}
}

func TestExecuteAllDisabled(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 5)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		calls++
		return Credential(errors.New("HTTP 401: unauthorized"))
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	// 3 credential failures disable the only key; the 4th acquire fails
	if calls != 3 {
		t.Errorf("Expected 3 calls before disable, got %d", calls)
	}
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("Expected ErrNoCredential once all keys are disabled, got %v", err)
	}
}

func TestExecuteReleasesCredentialForUnhandledClass(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 2)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, cred *credential.Credential) error {
		calls++
		return &Error{Class: ClassResourceExhaustion, Err: errors.New("no capacity")}
	})
	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}

	// the credential must be back in the pool, not leaked in-use
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	cred, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Credential not released after unhandled error class: %v", err)
	}
	pool.Release(cred, credential.OutcomeSuccess)
}

func TestExecuteContextCanceled(t *testing.T) {
	pool := testPool(t, "key-1")
	c := testController(pool, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Execute(ctx, func(ctx context.Context, cred *credential.Credential) error {
		t.Error("Operation must not run with a canceled context")
		return nil
	})
	if err == nil {
		t.Fatal("Expected error for canceled context")
	}
}
