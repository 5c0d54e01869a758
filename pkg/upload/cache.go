// Package upload resolves raw image bytes to remote references through
// a content-addressed cache, deduplicating concurrent uploads.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/logging"
	"bananabatch/pkg/metrics"
	"bananabatch/pkg/retry"
)

// Uploader pushes raw bytes to the remote side and returns a reference
// URL. Implementations authenticate with the supplied credential.
type Uploader interface {
	Upload(ctx context.Context, data []byte, cred *credential.Credential) (string, error)
}

type entry struct {
	ready    chan struct{}
	url      string
	err      error
	done     bool
	lastUsed time.Time
}

// Cache maps content fingerprints to previously uploaded references.
// Concurrent resolves of the same fingerprint collapse into a single
// upload: the first caller uploads, the rest wait on its result. A
// failed upload is not cached, so a later resolve may succeed.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	uploader Uploader
	pool     *credential.Pool
	log      *logging.Logger
}

// NewCache creates a cache over the given uploader. capacity bounds
// the number of cached entries, evicting the least-recently-resolved;
// zero means unbounded, which is fine for single-run batches.
func NewCache(uploader Uploader, pool *credential.Pool, capacity int, log *logging.Logger) *Cache {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		uploader: uploader,
		pool:     pool,
		log:      log.WithField("component", "upload-cache"),
	}
}

// Fingerprint returns the content hash used as the cache key
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Resolve returns the remote reference for data, uploading it if no
// entry exists for its fingerprint.
func (c *Cache) Resolve(ctx context.Context, data []byte) (string, error) {
	fp := Fingerprint(data)

	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if e.err != nil {
			return "", e.err
		}
		c.mu.Lock()
		e.lastUsed = time.Now()
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		return e.url, nil
	}

	// first caller for this fingerprint performs the upload
	e := &entry{ready: make(chan struct{})}
	c.entries[fp] = e
	metrics.CacheMisses.Inc()
	c.mu.Unlock()

	url, err := c.upload(ctx, data)

	c.mu.Lock()
	if err != nil {
		// surface the failure to waiters but leave the cache clean
		e.err = err
		delete(c.entries, fp)
	} else {
		e.url = url
		e.done = true
		e.lastUsed = time.Now()
		c.evictLocked()
	}
	c.mu.Unlock()
	close(e.ready)

	if err != nil {
		return "", err
	}
	c.log.Debug("cached upload", map[string]interface{}{
		"fingerprint": fp[:12],
		"url":         url,
	})
	return url, nil
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// upload performs the remote upload under a pool credential
func (c *Cache) upload(ctx context.Context, data []byte) (string, error) {
	cred, err := c.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := cred.Throttle(ctx); err != nil {
		c.pool.Release(cred, credential.OutcomeTransientError)
		return "", fmt.Errorf("upload: %w", err)
	}

	url, err := c.uploader.Upload(ctx, data, cred)
	if err != nil {
		outcome := credential.OutcomeTransientError
		switch retry.Classify(err) {
		case retry.ClassCredential:
			outcome = credential.OutcomeCredentialError
		case retry.ClassPermanent:
			outcome = credential.OutcomePermanentError
		}
		c.pool.Release(cred, outcome)
		return "", err
	}

	c.pool.Release(cred, credential.OutcomeSuccess)
	metrics.Uploads.Inc()
	return url, nil
}

// evictLocked drops least-recently-resolved completed entries while
// over capacity. Callers hold c.mu.
func (c *Cache) evictLocked() {
	if c.capacity <= 0 {
		return
	}
	for len(c.entries) > c.capacity {
		var oldestKey string
		var oldest time.Time
		for key, e := range c.entries {
			if !e.done {
				continue
			}
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey = key
				oldest = e.lastUsed
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}
