package concurrency

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/relaygate/relaygate/internal/logging"
)

// Slot is the process-local handle to one held concurrency entry. The
// request handler owns it exclusively; release may be observed by multiple
// termination callbacks, so the released flag is a single atomic
// test-and-set and every path through Release is a no-op after the first.
type Slot struct {
	KeyID          string
	RequestID      string
	LeaseExpiresAt time.Time

	released  atomic.Bool
	stopRenew context.CancelFunc
}

func newSlot(keyID, requestID string, expiresAt time.Time) *Slot {
	return &Slot{
		KeyID:          keyID,
		RequestID:      requestID,
		LeaseExpiresAt: expiresAt,
	}
}

// Released reports whether the slot has been released.
func (s *Slot) Released() bool {
	return s.released.Load()
}

// Release removes the remote entry exactly once. Safe to call from every
// termination path; only the first call does work.
func (s *Slot) Release(ctx context.Context, c *Controller) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopRenew != nil {
		s.stopRenew()
	}
	return c.Release(ctx, s.KeyID, s.RequestID)
}

// RenewalConfig tunes the background lease renewal loop.
type RenewalConfig struct {
	// Interval between refreshes. <= 0 disables renewal entirely.
	Interval time.Duration

	// MaxLifetime caps the total slot lifetime. When the refresh budget
	// derived from it runs out, renewal stops and the slot is force-released.
	MaxLifetime time.Duration
}

// StartRenewal launches the lease renewal goroutine for a held slot.
//
// The refresh budget is ceil(maxLifetime / interval); hitting it means the
// request has outlived its allowance and the slot is force-released so the
// key's budget is returned even if the handler is wedged. A lost slot
// (reaped underneath us) also stops the loop.
func (s *Slot) StartRenewal(c *Controller, cfg RenewalConfig, log *logging.Logger) {
	if cfg.Interval <= 0 {
		return
	}
	if log == nil {
		log = logging.NewDefaultLogger()
	}

	maxRefreshes := int(math.Ceil(float64(cfg.MaxLifetime) / float64(cfg.Interval)))
	ctx, cancel := context.WithCancel(context.Background())
	s.stopRenew = cancel

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		refreshes := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Released() {
					return
				}
				if refreshes >= maxRefreshes {
					log.Warn().
						Str("key_id", s.KeyID).
						Str("request_id", s.RequestID).
						Int("refreshes", refreshes).
						Msg("slot lifetime cap reached, force-releasing")
					releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = s.Release(releaseCtx, c)
					releaseCancel()
					return
				}

				refreshCtx, refreshCancel := context.WithTimeout(ctx, 5*time.Second)
				err := c.Refresh(refreshCtx, s.KeyID, s.RequestID)
				refreshCancel()

				var lost *ErrSlotLost
				if errors.As(err, &lost) {
					log.Warn().
						Str("key_id", s.KeyID).
						Str("request_id", s.RequestID).
						Msg("slot lease lost during renewal")
					return
				}
				if err != nil {
					// Transient store trouble: keep trying until the lease
					// expires on its own.
					log.Debug().
						Str("key_id", s.KeyID).
						Err(err).
						Msg("slot refresh failed")
					continue
				}
				refreshes++
				s.LeaseExpiresAt = c.clock.Now().Add(c.lease)
			}
		}
	}()
}
