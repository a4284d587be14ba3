package queue

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/relaygate/relaygate/internal/concurrency"
)

// WaitConfig tunes the polling waiter.
type WaitConfig struct {
	// Timeout is the total wall-clock wait budget.
	Timeout time.Duration

	// InitialPoll is the first sleep between acquisition attempts.
	InitialPoll time.Duration

	// MaxPoll caps the backed-off sleep.
	MaxPoll time.Duration

	// BackoffFactor multiplies the sleep after each failed attempt.
	BackoffFactor float64

	// Jitter is the uniform relative spread applied to each sleep
	// (0.2 means +/-20%). Keeps a burst of waiters from polling in lockstep.
	Jitter float64

	// MaxStoreFailures is how many consecutive store failures the waiter
	// tolerates before giving up.
	MaxStoreFailures int
}

// DefaultWaitConfig returns the waiter tuning for the given wait budget and
// store-failure tolerance.
func DefaultWaitConfig(timeout time.Duration, maxStoreFailures int) WaitConfig {
	return WaitConfig{
		Timeout:          timeout,
		InitialPoll:      200 * time.Millisecond,
		MaxPoll:          2 * time.Second,
		BackoffFactor:    1.5,
		Jitter:           0.2,
		MaxStoreFailures: maxStoreFailures,
	}
}

func (c *WaitConfig) normalize() {
	if c.InitialPoll <= 0 {
		c.InitialPoll = 200 * time.Millisecond
	}
	if c.MaxPoll < c.InitialPoll {
		c.MaxPoll = c.InitialPoll
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1.5
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	if c.MaxStoreFailures < 1 {
		c.MaxStoreFailures = 5
	}
}

// Wait polls for a concurrency slot until one is acquired, the budget
// elapses, the client disconnects, or the store fails repeatedly.
//
// The caller must have claimed queue occupancy with Enter first. Wait always
// releases that occupancy before returning, and records exactly one terminal
// statistic per entry: success, timeout, cancelled, or redis_error. On
// success the elapsed wait is also pushed into the per-key and global sample
// rings.
func (m *Manager) Wait(ctx context.Context, keyID string, limit int, cfg WaitConfig) (*concurrency.Slot, time.Duration, error) {
	cfg.normalize()

	start := time.Now()
	deadline := start.Add(cfg.Timeout)
	defer m.Leave(context.WithoutCancel(ctx), keyID)

	sleep := cfg.InitialPoll
	storeFailures := 0

	for {
		if err := ctx.Err(); err != nil {
			m.stats.Record(keyID, StatCancelled)
			m.log.Debug().Str("key_id", keyID).Dur("waited", time.Since(start)).
				Msg("client disconnected while queued")
			return nil, time.Since(start), &ErrClientGone{}
		}

		slot, err := m.ctrl.TryAcquire(ctx, keyID, limit)
		switch {
		case err == nil:
			waited := time.Since(start)
			m.stats.RecordWait(keyID, waited)
			return slot, waited, nil

		case isLimitExceeded(err):
			storeFailures = 0

		default:
			storeFailures++
			m.log.Warn().Str("key_id", keyID).Int("failures", storeFailures).Err(err).
				Msg("slot poll failed")
			if storeFailures >= cfg.MaxStoreFailures {
				m.stats.Record(keyID, StatRedisError)
				return nil, time.Since(start), &ErrStoreUnavailable{Failures: storeFailures, Last: err}
			}
		}

		now := time.Now()
		if !now.Before(deadline) {
			m.stats.Record(keyID, StatTimeout)
			return nil, now.Sub(start), &ErrWaitTimeout{Waited: now.Sub(start)}
		}

		pause := jittered(sleep, cfg.Jitter)
		if remaining := deadline.Sub(now); pause > remaining {
			pause = remaining
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			// Loop once more; the top of the loop records cancellation.
		case <-timer.C:
		}

		sleep = time.Duration(float64(sleep) * cfg.BackoffFactor)
		if sleep > cfg.MaxPoll {
			sleep = cfg.MaxPoll
		}
	}
}

func isLimitExceeded(err error) bool {
	var limited *concurrency.ErrLimitExceeded
	return errors.As(err, &limited)
}

// jittered spreads d uniformly over [d*(1-j), d*(1+j)], floored at 1ms.
func jittered(d time.Duration, j float64) time.Duration {
	if j <= 0 {
		return d
	}
	factor := 1 + j*(2*rand.Float64()-1)
	out := time.Duration(float64(d) * factor)
	if out < time.Millisecond {
		out = time.Millisecond
	}
	return out
}
