package keystore

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// TestExtractAPIKeyHeaderPrecedence verifies candidate headers are evaluated
// in the documented order.
func TestExtractAPIKeyHeaderPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/messages?key=sk-query-key-000", nil)
	r.Header.Set("authorization", "Bearer sk-bearer-key-000")
	r.Header.Set("x-api-key", "sk-xapikey-000")

	key, err := ExtractAPIKey(r)
	if err != nil {
		t.Fatalf("ExtractAPIKey() error: %v", err)
	}
	if key != "sk-xapikey-000" {
		t.Errorf("key = %q, want x-api-key value", key)
	}
}

// TestExtractAPIKeyBearerStripped verifies case-insensitive Bearer stripping.
func TestExtractAPIKeyBearerStripped(t *testing.T) {
	for _, prefix := range []string{"Bearer ", "bearer ", "BEARER "} {
		r := httptest.NewRequest("POST", "/api/v1/messages", nil)
		r.Header.Set("authorization", prefix+"sk-bearer-key-000")

		key, err := ExtractAPIKey(r)
		if err != nil {
			t.Fatalf("ExtractAPIKey(%q) error: %v", prefix, err)
		}
		if key != "sk-bearer-key-000" {
			t.Errorf("key = %q, want stripped bearer value", key)
		}
	}
}

// TestExtractAPIKeyQueryFallback verifies ?key= is the last resort.
func TestExtractAPIKeyQueryFallback(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/messages?key=sk-query-key-000", nil)
	key, err := ExtractAPIKey(r)
	if err != nil {
		t.Fatalf("ExtractAPIKey() error: %v", err)
	}
	if key != "sk-query-key-000" {
		t.Errorf("key = %q, want query value", key)
	}
}

// TestExtractAPIKeyLengthBounds verifies keys outside [10, 512] are rejected
// as malformed rather than falling through to the next candidate.
func TestExtractAPIKeyLengthBounds(t *testing.T) {
	short := httptest.NewRequest("POST", "/", nil)
	short.Header.Set("x-api-key", "tiny")
	if _, err := ExtractAPIKey(short); !errors.Is(err, ErrBadFormat) {
		t.Errorf("short key error = %v, want ErrBadFormat", err)
	}

	long := httptest.NewRequest("POST", "/", nil)
	long.Header.Set("x-api-key", strings.Repeat("x", 513))
	if _, err := ExtractAPIKey(long); !errors.Is(err, ErrBadFormat) {
		t.Errorf("long key error = %v, want ErrBadFormat", err)
	}

	missing := httptest.NewRequest("POST", "/", nil)
	if _, err := ExtractAPIKey(missing); !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing key error = %v, want ErrMissingKey", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingBackend counts GetByHash calls over a RedisBackend.
type countingBackend struct {
	inner *RedisBackend
	calls int
}

func (b *countingBackend) GetByHash(ctx context.Context, keyHash string) (*KeyRecord, error) {
	b.calls++
	return b.inner.GetByHash(ctx, keyHash)
}

func newTestStore(t *testing.T) (*RedisBackend, *countingBackend, *Store, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := NewRedisBackend(rdb)
	counting := &countingBackend{inner: backend}
	clock := &fakeClock{now: time.Now()}
	st := NewStore(counting, time.Minute, 30*time.Second, nil).WithClock(clock)
	return backend, counting, st, clock
}

// TestLookupCachesPositiveResult verifies the second lookup within the
// positive TTL does not hit the backend.
func TestLookupCachesPositiveResult(t *testing.T) {
	backend, counting, st, clock := newTestStore(t)
	ctx := context.Background()

	rec := &KeyRecord{ID: "key-1", Name: "tenant-a", ConcurrencyLimit: 2}
	if err := backend.PutRecord(ctx, "sk-test-key-0001", rec); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		got, err := st.Lookup(ctx, "sk-test-key-0001")
		if err != nil {
			t.Fatalf("Lookup() error: %v", err)
		}
		if got.ID != "key-1" {
			t.Fatalf("ID = %q, want key-1", got.ID)
		}
	}
	if counting.calls != 1 {
		t.Errorf("backend calls = %d, want 1", counting.calls)
	}

	// Past the positive TTL the backend is consulted again.
	clock.Advance(2 * time.Minute)
	if _, err := st.Lookup(ctx, "sk-test-key-0001"); err != nil {
		t.Fatal(err)
	}
	if counting.calls != 2 {
		t.Errorf("backend calls after TTL = %d, want 2", counting.calls)
	}
}

// TestLookupCachesNegativeResult verifies unknown keys are negatively cached.
func TestLookupCachesNegativeResult(t *testing.T) {
	_, counting, st, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.Lookup(ctx, "sk-unknown-key-01"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Lookup() error = %v, want ErrNotFound", err)
		}
	}
	if counting.calls != 1 {
		t.Errorf("backend calls = %d, want 1", counting.calls)
	}

	clock.Advance(time.Minute)
	_, _ = st.Lookup(ctx, "sk-unknown-key-01")
	if counting.calls != 2 {
		t.Errorf("backend calls after negative TTL = %d, want 2", counting.calls)
	}
}

// TestLookupDisabledKey verifies disabled keys return ErrDisabled.
func TestLookupDisabledKey(t *testing.T) {
	backend, _, st, _ := newTestStore(t)
	ctx := context.Background()

	rec := &KeyRecord{ID: "key-2", Disabled: true}
	if err := backend.PutRecord(ctx, "sk-disabled-key-1", rec); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Lookup(ctx, "sk-disabled-key-1"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Lookup() error = %v, want ErrDisabled", err)
	}
}

// TestInvalidateDropsEntry verifies invalidation forces a backend re-read.
func TestInvalidateDropsEntry(t *testing.T) {
	backend, counting, st, _ := newTestStore(t)
	ctx := context.Background()

	rec := &KeyRecord{ID: "key-3", ConcurrencyLimit: 1}
	if err := backend.PutRecord(ctx, "sk-test-key-0003", rec); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Lookup(ctx, "sk-test-key-0003"); err != nil {
		t.Fatal(err)
	}

	// Admin mutation: bump the limit, publish invalidation.
	rec.ConcurrencyLimit = 9
	if err := backend.PutRecord(ctx, "sk-test-key-0003", rec); err != nil {
		t.Fatal(err)
	}
	st.Invalidate(HashKey("sk-test-key-0003"))

	got, err := st.Lookup(ctx, "sk-test-key-0003")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConcurrencyLimit != 9 {
		t.Errorf("ConcurrencyLimit = %d, want 9 after invalidation", got.ConcurrencyLimit)
	}
	if counting.calls != 2 {
		t.Errorf("backend calls = %d, want 2", counting.calls)
	}
}
