// Package shutdown runs registered cleanup functions on exit.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Manager handles graceful shutdown
type Manager struct {
	funcs   []func(context.Context) error
	mu      sync.Mutex
	timeout time.Duration
	once    sync.Once
}

// New creates a shutdown manager
func New(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

// Register adds a shutdown function. Functions run in reverse order
// (LIFO).
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, fn)
}

// Shutdown executes all registered shutdown functions once
func (m *Manager) Shutdown() []error {
	var errs []error
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(m.funcs) - 1; i >= 0; i-- {
			if err := m.funcs[i](ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown function %d: %w", i, err))
			}
		}
	})
	return errs
}

// StopHTTPServer creates a shutdown function for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("stop %s server: %w", name, err)
		}
		return nil
	}
}
