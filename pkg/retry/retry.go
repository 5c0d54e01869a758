// Package retry executes remote calls with bounded retries, backoff
// and credential rotation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/logging"
	"bananabatch/pkg/metrics"
)

// ErrNoCredential is returned when no credential became available
// within the acquire deadline.
var ErrNoCredential = errors.New("no credential available")

// Config holds retry configuration
type Config struct {
	MaxAttempts    int           // Maximum attempts per operation
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
	AcquireTimeout time.Duration // Deadline for acquiring a credential
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		AcquireTimeout: 2 * time.Minute,
	}
}

// Operation performs one remote call using one acquired credential
type Operation func(ctx context.Context, cred *credential.Credential) error

// Controller wraps operations with retry, backoff and rotation policy.
// The pool decides which credential is eligible; the controller decides
// when to retry and whether to force rotation.
type Controller struct {
	pool *credential.Pool
	cfg  Config
	log  *logging.Logger
}

// NewController creates a retry controller over the given pool
func NewController(pool *credential.Pool, cfg Config, log *logging.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Controller{
		pool: pool,
		cfg:  cfg,
		log:  log.WithField("component", "retry"),
	}
}

// Execute runs op until it succeeds, a permanent error surfaces, or
// the attempt budget is exhausted. Each attempt acquires its own
// credential and releases it with the observed outcome, so a
// credential-class failure rotates to a fresh key on the next attempt.
func (c *Controller) Execute(ctx context.Context, op Operation) error {
	var lastErr error
	backoff := c.cfg.InitialBackoff

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		cred, err := c.acquire(ctx)
		if err != nil {
			return err
		}
		if err := cred.Throttle(ctx); err != nil {
			c.pool.Release(cred, credential.OutcomeTransientError)
			return fmt.Errorf("retry canceled: %w", err)
		}

		metrics.JobAttempts.Inc()
		err = op(ctx, cred)
		if err == nil {
			c.pool.Release(cred, credential.OutcomeSuccess)
			return nil
		}
		lastErr = err

		class := Classify(err)
		switch class {
		case ClassPermanent, ClassInternal:
			c.pool.Release(cred, credential.OutcomePermanentError)
			return err
		case ClassCredential:
			c.pool.Release(cred, credential.OutcomeCredentialError)
			if attempt == c.cfg.MaxAttempts {
				break
			}
			metrics.Retries.WithLabelValues(class.String()).Inc()
			metrics.CredentialRotations.Inc()
			c.log.Info("rotating credential", map[string]interface{}{
				"credential": cred.Masked(),
				"attempt":    attempt,
				"error":      err.Error(),
			})
			// rotate immediately, no backoff: the next attempt uses a
			// different key against a healthy service
			continue
		default:
			// transient, or a class with no policy of its own: release
			// the credential and back off
			c.pool.Release(cred, credential.OutcomeTransientError)
			if attempt == c.cfg.MaxAttempts {
				break
			}
			metrics.Retries.WithLabelValues(class.String()).Inc()
			c.log.Info("retrying after backoff", map[string]interface{}{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.cfg.Multiplier)
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", c.cfg.MaxAttempts, lastErr)
}

// acquire gets a credential within the configured acquire deadline
func (c *Controller) acquire(ctx context.Context) (*credential.Credential, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()

	cred, err := c.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, credential.ErrAllDisabled) {
			return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: acquire deadline (%s) elapsed", ErrNoCredential, c.cfg.AcquireTimeout)
		}
		return nil, err
	}
	return cred, nil
}
