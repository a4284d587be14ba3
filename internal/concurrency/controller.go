// Package concurrency implements the per-key concurrency-slot protocol.
//
// Each key's active slots live in one Redis sorted set: member = requestId,
// score = lease expiry in unix milliseconds. A slot is held iff its entry
// exists with a score in the future. Acquisition is try-then-check with no
// distributed lock: insert the entry, count the live set atomically, and
// roll back when over the limit. Momentary overshoot is bounded by the
// number of concurrent racers and converges once losers release.
package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/store"
)

const slotKeyPrefix = "concurrency:key:"

func slotKey(keyID string) string {
	return slotKeyPrefix + keyID
}

// MinLeaseSeconds is the floor on the lease duration.
const MinLeaseSeconds = 30

// ErrLimitExceeded is returned by TryAcquire when the key's live slot count
// is at or over its concurrency limit. Carries the observed live count.
type ErrLimitExceeded struct {
	Live  int64
	Limit int
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("concurrency limit exceeded: %d live of %d allowed", e.Live, e.Limit)
}

// ErrSlotLost is returned by Refresh when the slot entry no longer exists
// (reaped after lease expiry, or force-cleared).
type ErrSlotLost struct {
	KeyID     string
	RequestID string
}

func (e *ErrSlotLost) Error() string {
	return fmt.Sprintf("slot %s lost for key %s", e.RequestID, e.KeyID)
}

// acquireScript reaps expired entries, inserts the new slot, re-arms the
// container TTL (safety net against leaks), and returns the live count
// including the insert. The caller compares against the limit and rolls the
// insert back on overshoot.
//
// KEYS[1] = sorted set
// ARGV[1] = now (unix ms)
// ARGV[2] = lease expiry (unix ms)
// ARGV[3] = requestId
// ARGV[4] = container TTL (seconds)
var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
	redis.call('ZADD', key, ARGV[2], ARGV[3])
	redis.call('EXPIRE', key, ARGV[4])
	return redis.call('ZCARD', key)
`)

// refreshScript extends a held slot's lease. Refuses to resurrect an entry
// that was already reaped.
//
// KEYS[1] = sorted set
// ARGV[1] = new lease expiry (unix ms)
// ARGV[2] = requestId
// ARGV[3] = container TTL (seconds)
var refreshScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('ZSCORE', key, ARGV[2]) == false then
		return 0
	end
	redis.call('ZADD', key, ARGV[1], ARGV[2])
	redis.call('EXPIRE', key, ARGV[3])
	return 1
`)

// countScript reaps expired entries and returns the live count.
//
// KEYS[1] = sorted set
// ARGV[1] = now (unix ms)
var countScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	return redis.call('ZCARD', KEYS[1])
`)

// Controller manages slot acquisition, renewal, release, and reclamation.
type Controller struct {
	rdb   *redis.Client
	lease time.Duration
	clock store.Clock
}

// NewController creates a controller with the given lease duration.
// Leases shorter than MinLeaseSeconds are raised to it.
func NewController(rdb *redis.Client, lease time.Duration) *Controller {
	if lease < MinLeaseSeconds*time.Second {
		lease = MinLeaseSeconds * time.Second
	}
	return &Controller{rdb: rdb, lease: lease, clock: store.SystemClock{}}
}

// WithClock replaces the clock. For tests.
func (c *Controller) WithClock(clock store.Clock) *Controller {
	c.clock = clock
	return c
}

// LeaseDuration returns the configured lease duration.
func (c *Controller) LeaseDuration() time.Duration {
	return c.lease
}

// TryAcquire attempts to take a slot for the key without blocking.
//
// Protocol: generate a fresh requestId, insert it with score now+lease, and
// count the live set in the same atomic script. If the count exceeds the
// limit, the insert is rolled back best-effort and *ErrLimitExceeded is
// returned; an unrollable overshoot is left for lease expiry to collect.
func (c *Controller) TryAcquire(ctx context.Context, keyID string, limit int) (*Slot, error) {
	now := c.clock.Now()
	expiresAt := now.Add(c.lease)
	requestID := uuid.NewString()

	live, err := acquireScript.Run(ctx, c.rdb,
		[]string{slotKey(keyID)},
		now.UnixMilli(),
		expiresAt.UnixMilli(),
		requestID,
		c.containerTTLSeconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("slot acquire failed: %w", err)
	}

	if live > int64(limit) {
		// Over the limit: back out our insert. A failed rollback leaves the
		// entry to be reaped at lease expiry.
		if rmErr := c.Release(ctx, keyID, requestID); rmErr != nil {
			return nil, &ErrLimitExceeded{Live: live, Limit: limit}
		}
		return nil, &ErrLimitExceeded{Live: live - 1, Limit: limit}
	}

	return newSlot(keyID, requestID, expiresAt), nil
}

// Refresh extends a held slot's lease to now+lease. Returns *ErrSlotLost
// when the entry has already been reaped.
func (c *Controller) Refresh(ctx context.Context, keyID, requestID string) error {
	expiresAt := c.clock.Now().Add(c.lease)

	ok, err := refreshScript.Run(ctx, c.rdb,
		[]string{slotKey(keyID)},
		expiresAt.UnixMilli(),
		requestID,
		c.containerTTLSeconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("slot refresh failed: %w", err)
	}
	if ok == 0 {
		return &ErrSlotLost{KeyID: keyID, RequestID: requestID}
	}
	return nil
}

// Release removes exactly one slot entry. Idempotent: releasing a slot that
// is already gone is a no-op.
func (c *Controller) Release(ctx context.Context, keyID, requestID string) error {
	if err := c.rdb.ZRem(ctx, slotKey(keyID), requestID).Err(); err != nil {
		return fmt.Errorf("slot release failed: %w", err)
	}
	return nil
}

// LiveCount reaps expired entries and returns the number of live slots.
func (c *Controller) LiveCount(ctx context.Context, keyID string) (int64, error) {
	count, err := countScript.Run(ctx, c.rdb,
		[]string{slotKey(keyID)},
		c.clock.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("slot count failed: %w", err)
	}
	return count, nil
}

// Cleanup removes entries whose lease expired more than grace ago.
// Idempotent; safe to run lazily or from the background reaper.
func (c *Controller) Cleanup(ctx context.Context, keyID string, grace time.Duration) error {
	cutoff := c.clock.Now().Add(-grace).UnixMilli()
	err := c.rdb.ZRemRangeByScore(ctx, slotKey(keyID), "-inf", fmt.Sprintf("%d", cutoff)).Err()
	if err != nil {
		return fmt.Errorf("slot cleanup failed: %w", err)
	}
	return nil
}

// ForceClear deletes the key's entire slot set. Admin operation.
func (c *Controller) ForceClear(ctx context.Context, keyID string) error {
	if err := c.rdb.Del(ctx, slotKey(keyID)).Err(); err != nil {
		return fmt.Errorf("slot force-clear failed: %w", err)
	}
	return nil
}

// containerTTLSeconds is the safety-net TTL on the sorted set itself: twice
// the lease, so an instance crash cannot leak a set forever.
func (c *Controller) containerTTLSeconds() int64 {
	return int64((2 * c.lease).Seconds())
}
