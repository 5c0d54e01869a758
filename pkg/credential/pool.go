// Package credential manages a pool of interchangeable API keys with
// health tracking, cooldown and round-robin selection.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bananabatch/pkg/logging"
	"bananabatch/pkg/metrics"
)

var (
	ErrNoCredentials = errors.New("credential pool is empty")
	ErrAllDisabled   = errors.New("all credentials are disabled")
)

// State represents the health state of a credential
type State string

const (
	StateAvailable State = "available"
	StateCooling   State = "cooling"
	StateDisabled  State = "disabled"
)

// Outcome reports how a credential was used, driving its health state
type Outcome int

const (
	// OutcomeSuccess resets the failure counter
	OutcomeSuccess Outcome = iota
	// OutcomeCredentialError marks a rate-limit or auth rejection
	OutcomeCredentialError
	// OutcomeTransientError leaves the credential state untouched
	OutcomeTransientError
	// OutcomePermanentError blames the request, not the credential
	OutcomePermanentError
)

// Credential is one API key plus its health state. All fields are
// guarded by the owning pool; callers only read Key and call Throttle.
type Credential struct {
	key           string
	limiter       *rate.Limiter
	state         State
	failures      int
	cooldownUntil time.Time
	inUse         bool
}

// Key returns the secret token
func (c *Credential) Key() string {
	return c.key
}

// Masked returns the key with the middle elided, safe for logs
func (c *Credential) Masked() string {
	if len(c.key) <= 14 {
		return "****"
	}
	return c.key[:10] + "..." + c.key[len(c.key)-4:]
}

// Throttle blocks until the per-credential rate limiter admits one
// request, or the context is done.
func (c *Credential) Throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Config holds pool tuning parameters
type Config struct {
	// MaxFailures is the consecutive credential-class failure count
	// after which a credential is disabled for the rest of the run.
	MaxFailures int
	// CooldownBase seeds the exponential cooldown window.
	CooldownBase time.Duration
	// CooldownMax caps the cooldown window.
	CooldownMax time.Duration
	// RPS limits requests per second per credential. Zero disables
	// pacing.
	RPS   float64
	Burst int
}

// DefaultConfig returns sensible defaults for the pool
func DefaultConfig() Config {
	return Config{
		MaxFailures:  3,
		CooldownBase: 5 * time.Second,
		CooldownMax:  5 * time.Minute,
		RPS:          2,
		Burst:        2,
	}
}

// Pool holds the credentials and hands them out round-robin. A
// credential is held by at most one caller between Acquire and
// Release.
type Pool struct {
	mu    sync.Mutex
	creds []*Credential
	next  int
	wake  chan struct{}
	cfg   Config
	log   *logging.Logger
}

// NewPool creates a pool from the given keys
func NewPool(keys []string, cfg Config, log *logging.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = DefaultConfig().CooldownBase
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = DefaultConfig().CooldownMax
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}

	p := &Pool{
		creds: make([]*Credential, 0, len(keys)),
		wake:  make(chan struct{}),
		cfg:   cfg,
		log:   log.WithField("component", "credential-pool"),
	}
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("credential pool: empty key")
		}
		c := &Credential{key: key, state: StateAvailable}
		if cfg.RPS > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
		}
		p.creds = append(p.creds, c)
	}
	p.publishState()
	return p, nil
}

// Size returns the number of pool members
func (p *Pool) Size() int {
	return len(p.creds)
}

// Acquire returns the next available credential in round-robin order,
// blocking until one is available or ctx is done. It returns
// ErrAllDisabled when every credential has been disabled.
func (p *Pool) Acquire(ctx context.Context) (*Credential, error) {
	for {
		p.mu.Lock()
		now := time.Now()
		allDisabled := true
		var soonest time.Time

		n := len(p.creds)
		for i := 0; i < n; i++ {
			idx := (p.next + i) % n
			c := p.creds[idx]
			if c.state == StateDisabled {
				continue
			}
			allDisabled = false
			if c.state == StateCooling {
				if now.Before(c.cooldownUntil) {
					if soonest.IsZero() || c.cooldownUntil.Before(soonest) {
						soonest = c.cooldownUntil
					}
					continue
				}
				// cooldown expired, eligible again
				c.state = StateAvailable
			}
			if c.inUse {
				continue
			}
			c.inUse = true
			p.next = (idx + 1) % n
			p.publishStateLocked()
			p.mu.Unlock()
			return c, nil
		}

		if allDisabled {
			p.mu.Unlock()
			return nil, ErrAllDisabled
		}

		wake := p.wake
		p.mu.Unlock()

		var timerC <-chan time.Time
		var timer *time.Timer
		if !soonest.IsZero() {
			timer = time.NewTimer(time.Until(soonest))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Release reports the outcome of using a credential and returns it to
// the pool.
func (p *Pool) Release(c *Credential, outcome Outcome) {
	p.mu.Lock()
	c.inUse = false

	switch outcome {
	case OutcomeSuccess:
		c.failures = 0
		c.state = StateAvailable
	case OutcomeCredentialError:
		c.failures++
		if c.failures >= p.cfg.MaxFailures {
			c.state = StateDisabled
			p.log.Warn("credential disabled", map[string]interface{}{
				"credential": c.Masked(),
				"failures":   c.failures,
			})
		} else {
			cooldown := p.cooldownFor(c.failures)
			c.state = StateCooling
			c.cooldownUntil = time.Now().Add(cooldown)
			p.log.Info("credential cooling", map[string]interface{}{
				"credential": c.Masked(),
				"failures":   c.failures,
				"cooldown":   cooldown.String(),
			})
		}
	case OutcomeTransientError, OutcomePermanentError:
		// not the credential's fault, keep it in rotation
		if c.state != StateDisabled && c.state != StateCooling {
			c.state = StateAvailable
		}
	}
	p.publishStateLocked()
	p.mu.Unlock()

	p.broadcast()
}

// cooldownFor computes the exponential cooldown for the given
// consecutive failure count.
func (p *Pool) cooldownFor(failures int) time.Duration {
	cooldown := p.cfg.CooldownBase
	for i := 1; i < failures; i++ {
		cooldown *= 2
		if cooldown >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	if cooldown > p.cfg.CooldownMax {
		cooldown = p.cfg.CooldownMax
	}
	return cooldown
}

// broadcast wakes every goroutine blocked in Acquire
func (p *Pool) broadcast() {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// Info is a read-only snapshot of one credential
type Info struct {
	Masked        string    `json:"credential"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	InUse         bool      `json:"in_use"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Snapshot returns the current state of every pool member
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.creds))
	for _, c := range p.creds {
		state := c.state
		if state == StateCooling && !time.Now().Before(c.cooldownUntil) {
			state = StateAvailable
		}
		infos = append(infos, Info{
			Masked:        c.Masked(),
			State:         state,
			Failures:      c.failures,
			InUse:         c.inUse,
			CooldownUntil: c.cooldownUntil,
		})
	}
	return infos
}

func (p *Pool) publishState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishStateLocked()
}

func (p *Pool) publishStateLocked() {
	counts := map[State]int{StateAvailable: 0, StateCooling: 0, StateDisabled: 0}
	now := time.Now()
	for _, c := range p.creds {
		state := c.state
		if state == StateCooling && !now.Before(c.cooldownUntil) {
			state = StateAvailable
		}
		counts[state]++
	}
	for state, n := range counts {
		metrics.CredentialState.WithLabelValues(string(state)).Set(float64(n))
	}
}
