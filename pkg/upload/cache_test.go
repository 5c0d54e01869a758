package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/metrics"
)

type fakeUploader struct {
	calls int64
	delay time.Duration
	fail  int64 // fail the first n uploads
}

func (f *fakeUploader) Upload(ctx context.Context, data []byte, cred *credential.Credential) (string, error) {
	n := atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= atomic.LoadInt64(&f.fail) {
		return "", errors.New("HTTP 503: upload failed")
	}
	return fmt.Sprintf("https://cdn.example/%s", Fingerprint(data)[:8]), nil
}

func testCachePool(t *testing.T) *credential.Pool {
	t.Helper()
	pool, err := credential.NewPool([]string{"key-1", "key-2"}, credential.Config{
		MaxFailures:  3,
		CooldownBase: 5 * time.Millisecond,
		CooldownMax:  20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return pool
}

func TestResolveCachesUploads(t *testing.T) {
	uploader := &fakeUploader{}
	cache := NewCache(uploader, testCachePool(t), 0, nil)
	ctx := context.Background()
	data := []byte("image-bytes")

	hitsBefore := testutil.ToFloat64(metrics.CacheHits)
	missesBefore := testutil.ToFloat64(metrics.CacheMisses)

	url1, err := cache.Resolve(ctx, data)
	if err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}
	url2, err := cache.Resolve(ctx, data)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if url1 != url2 {
		t.Errorf("Cached resolve returned different URL: %s vs %s", url1, url2)
	}
	if uploader.calls != 1 {
		t.Errorf("Expected 1 upload, got %d", uploader.calls)
	}
	if hits := testutil.ToFloat64(metrics.CacheHits) - hitsBefore; hits != 1 {
		t.Errorf("Expected 1 cache hit, got %.0f", hits)
	}
	if misses := testutil.ToFloat64(metrics.CacheMisses) - missesBefore; misses != 1 {
		t.Errorf("Expected 1 cache miss, got %.0f", misses)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	uploader := &fakeUploader{delay: 30 * time.Millisecond}
	cache := NewCache(uploader, testCachePool(t), 0, nil)
	data := []byte("shared-image-bytes")

	const callers = 8
	urls := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = cache.Resolve(context.Background(), data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Resolve %d failed: %v", i, errs[i])
		}
		if urls[i] != urls[0] {
			t.Errorf("Resolve %d returned %s, want %s", i, urls[i], urls[0])
		}
	}
	if uploader.calls != 1 {
		t.Errorf("Concurrent same-fingerprint resolves must collapse to 1 upload, got %d", uploader.calls)
	}
}

func TestResolveDistinctFingerprints(t *testing.T) {
	uploader := &fakeUploader{}
	cache := NewCache(uploader, testCachePool(t), 0, nil)
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, []byte("first")); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := cache.Resolve(ctx, []byte("second")); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if uploader.calls != 2 {
		t.Errorf("Expected 2 uploads for distinct content, got %d", uploader.calls)
	}
}

func TestFailedUploadNotCached(t *testing.T) {
	uploader := &fakeUploader{fail: 1}
	cache := NewCache(uploader, testCachePool(t), 0, nil)
	ctx := context.Background()
	data := []byte("image-bytes")

	hitsBefore := testutil.ToFloat64(metrics.CacheHits)
	missesBefore := testutil.ToFloat64(metrics.CacheMisses)

	if _, err := cache.Resolve(ctx, data); err == nil {
		t.Fatal("Expected first resolve to fail")
	}
	if cache.Len() != 0 {
		t.Errorf("Failed upload must not be cached, have %d entries", cache.Len())
	}

	url, err := cache.Resolve(ctx, data)
	if err != nil {
		t.Fatalf("Retry resolve failed: %v", err)
	}
	if url == "" {
		t.Error("Expected URL from retried upload")
	}
	if uploader.calls != 2 {
		t.Errorf("Expected 2 uploads, got %d", uploader.calls)
	}
	if hits := testutil.ToFloat64(metrics.CacheHits) - hitsBefore; hits != 0 {
		t.Errorf("Failed flight must not count as a hit, got %.0f", hits)
	}
	if misses := testutil.ToFloat64(metrics.CacheMisses) - missesBefore; misses != 2 {
		t.Errorf("Expected 2 misses, got %.0f", misses)
	}
}

func TestEvictionBound(t *testing.T) {
	uploader := &fakeUploader{}
	cache := NewCache(uploader, testCachePool(t), 2, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := cache.Resolve(ctx, []byte(fmt.Sprintf("image-%d", i))); err != nil {
			t.Fatalf("Resolve %d failed: %v", i, err)
		}
	}
	if cache.Len() != 2 {
		t.Errorf("Expected cache bounded at 2 entries, got %d", cache.Len())
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint([]byte("payload"))
	b := Fingerprint([]byte("payload"))
	c := Fingerprint([]byte("other"))
	if a != b {
		t.Error("Fingerprint must be deterministic")
	}
	if a == c {
		t.Error("Distinct content must not collide")
	}
}
