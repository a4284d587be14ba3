// Package queue implements the bounded overflow queue for concurrency-limited
// requests: counter-based admission, P90 health fast-fail, and a jittered
// polling waiter that turns queue occupancy into concurrency slots.
//
// The queue holds no request payloads. A "queued request" is an incremented
// per-key counter plus a goroutine polling for a slot; the counter carries a
// TTL equal to the wait budget so instance crashes cannot strand occupancy.
package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/concurrency"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
)

const lengthKeyPrefix = "queue:length:"

func lengthKey(keyID string) string { return lengthKeyPrefix + keyID }

// overloadedRetryAfter is the client backoff hint when the queue is shed for
// health reasons.
const overloadedRetryAfter = 30 * time.Second

// ErrQueueFull is returned when a key's queue is at capacity.
type ErrQueueFull struct {
	Capacity   int
	RetryAfter time.Duration
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("queue full: capacity %d", e.Capacity)
}

// ErrOverloaded is returned by the pre-entry health check when recent waits
// predict this request would time out anyway.
type ErrOverloaded struct {
	P90Ms      float64
	RetryAfter time.Duration
}

func (e *ErrOverloaded) Error() string {
	return fmt.Sprintf("queue overloaded: p90 wait %.0fms", e.P90Ms)
}

// ErrWaitTimeout is returned when the wait budget elapses without a slot.
type ErrWaitTimeout struct {
	Waited time.Duration
}

func (e *ErrWaitTimeout) Error() string {
	return fmt.Sprintf("queue wait timed out after %s", e.Waited)
}

// ErrClientGone is returned when the waiting client disconnects.
type ErrClientGone struct{}

func (e *ErrClientGone) Error() string { return "client disconnected while queued" }

// ErrStoreUnavailable is returned after too many consecutive store failures
// while polling, or when queue entry itself cannot be recorded.
type ErrStoreUnavailable struct {
	Failures int
	Last     error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable after %d consecutive failures: %v", e.Failures, e.Last)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Last }

// enterScript atomically increments the queue counter, re-arms its TTL, and
// backs the increment out when capacity is exceeded.
//
// KEYS[1] = counter
// ARGV[1] = TTL in ms (wait budget)
// ARGV[2] = capacity
var enterScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	if n > tonumber(ARGV[2]) then
		redis.call('DECR', KEYS[1])
		return -1
	end
	return n
`)

// leaveScript decrements the counter without letting it go negative. Leaving
// more times than entering (crash/restart races) must not wedge the counter
// below zero.
//
// KEYS[1] = counter
var leaveScript = redis.NewScript(`
	local n = tonumber(redis.call('GET', KEYS[1]) or '0')
	if n > 0 then
		return redis.call('DECR', KEYS[1])
	end
	return 0
`)

// Manager runs the overflow queue for one gateway instance.
type Manager struct {
	rdb   *redis.Client
	ctrl  *concurrency.Controller
	stats *Recorder
	log   *logging.Logger
}

// NewManager creates a queue manager.
func NewManager(rdb *redis.Client, ctrl *concurrency.Controller, stats *Recorder, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Manager{
		rdb:   rdb,
		ctrl:  ctrl,
		stats: stats,
		log:   log.Component("queue"),
	}
}

// Stats exposes the statistics recorder for status surfaces.
func (m *Manager) Stats() *Recorder { return m.stats }

// Length returns the key's current queue occupancy.
func (m *Manager) Length(ctx context.Context, keyID string) (int64, error) {
	n, err := m.rdb.Get(ctx, lengthKey(keyID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue length read failed: %w", err)
	}
	return n, nil
}

// CheckHealth decides, before queue entry, whether recent wait times predict
// this request would time out anyway.
//
// Shed only when all hold: the check is enabled, occupancy exceeds half the
// capacity, the per-key P90 is reliable (>= 10 samples), and
// P90 >= timeout * threshold. Every store or stats failure falls through to
// normal queueing: the health check exists to save doomed waits, never to
// reject requests it knows nothing about.
func (m *Manager) CheckHealth(ctx context.Context, keyID string, s config.Settings, capacity int) error {
	if !s.QueueHealthCheckEnabled {
		return nil
	}

	length, err := m.Length(ctx, keyID)
	if err != nil {
		m.log.Debug().Str("key_id", keyID).Err(err).Msg("health check length read failed, skipping")
		return nil
	}
	if length <= int64(math.Ceil(float64(capacity)/2)) {
		return nil
	}

	samples, err := m.stats.Samples(ctx, keyID)
	if err != nil {
		m.log.Debug().Str("key_id", keyID).Err(err).Msg("health check sample read failed, skipping")
		return nil
	}
	stats, ok := CalculateWaitTimeStats(samples)
	if !ok || !stats.P90Reliable {
		return nil
	}

	if stats.P90Ms >= float64(s.QueueTimeoutMs)*s.QueueHealthThreshold {
		m.stats.Record(keyID, StatRejectedOverload)
		m.log.Warn().
			Str("key_id", keyID).
			Int64("queue_length", length).
			Float64("p90_ms", stats.P90Ms).
			Msg("queue overloaded, shedding before entry")
		return &ErrOverloaded{P90Ms: stats.P90Ms, RetryAfter: overloadedRetryAfter}
	}
	return nil
}

// Enter claims one unit of queue occupancy. The counter's TTL is re-armed to
// the wait budget on every entry so an instance crash cannot strand it.
func (m *Manager) Enter(ctx context.Context, keyID string, capacity int, timeout time.Duration) error {
	n, err := enterScript.Run(ctx, m.rdb, []string{lengthKey(keyID)},
		timeout.Milliseconds(), capacity).Int64()
	if err != nil {
		return &ErrStoreUnavailable{Failures: 1, Last: err}
	}
	if n < 0 {
		return &ErrQueueFull{
			Capacity:   capacity,
			RetryAfter: time.Duration(math.Ceil(timeout.Seconds())) * time.Second,
		}
	}

	m.stats.Record(keyID, StatEntered)
	return nil
}

// Leave releases one unit of queue occupancy. Best-effort and idempotent at
// the counter level (never goes negative).
func (m *Manager) Leave(ctx context.Context, keyID string) {
	if err := leaveScript.Run(ctx, m.rdb, []string{lengthKey(keyID)}).Err(); err != nil {
		m.log.Warn().Str("key_id", keyID).Err(err).Msg("queue leave failed")
	}
}
