// Package ratelimit enforces per-key quotas: a fixed window over requests,
// tokens, and cost, plus daily, lifetime, and weekly-Opus cost caps.
//
// The window is anchored at the first recorded request and lives in a Redis
// hash whose TTL equals the window duration. Counter writes are atomic and
// re-arm the TTL; readers tolerate stale values because every admission
// decision is insert-then-verify.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/keystore"
	"github.com/relaygate/relaygate/internal/store"
)

// DenyKind names the quota that rejected the request.
type DenyKind string

const (
	// DenyRateLimit covers the fixed-window request/token/cost counters.
	DenyRateLimit DenyKind = "RateLimitExceeded"

	// DenyDailyCost is the per-calendar-day spend cap.
	DenyDailyCost DenyKind = "DailyCostLimit"

	// DenyTotalCost is the lifetime spend cap. Never resets.
	DenyTotalCost DenyKind = "TotalCostLimit"

	// DenyWeeklyOpus is the weekly Opus-model spend cap.
	DenyWeeklyOpus DenyKind = "WeeklyOpusLimit"
)

// Deny describes a quota rejection with the machine-readable fields the
// response body carries.
type Deny struct {
	Kind    DenyKind
	Message string

	// ResetAt is when the quota replenishes. Zero for the lifetime cap.
	ResetAt time.Time

	// RemainingMinutes until ResetAt, rounded up. 0 when ResetAt is zero.
	RemainingMinutes int

	// CostLimit and CurrentCost are set for cost-based denials.
	CostLimit   float64
	CurrentCost float64
}

// opusMarker identifies Opus-class models for the weekly cap.
const opusMarker = "claude-opus"

// Limiter is the per-key quota checker backed by the shared Redis store.
type Limiter struct {
	rdb   *redis.Client
	clock store.Clock
}

// NewLimiter creates a rate limiter on the shared store.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, clock: store.SystemClock{}}
}

// WithClock replaces the clock. For tests.
func (l *Limiter) WithClock(clock store.Clock) *Limiter {
	l.clock = clock
	return l
}

// Check evaluates every quota for the key in the documented precedence:
// window requests → window tokens (legacy, when TokenLimit > 0) else window
// cost → daily cost → total cost → weekly Opus cost.
//
// Returns (nil, nil) on allow, a Deny on quota exhaustion, or an error when
// the store is unavailable (the caller fails with 503; quota checks do not
// fail open).
func (l *Limiter) Check(ctx context.Context, rec *keystore.KeyRecord, model string) (*Deny, error) {
	now := l.clock.Now()

	if rec.RateLimitWindowSec > 0 {
		window := time.Duration(rec.RateLimitWindowSec) * time.Second
		state, err := l.readWindow(ctx, rec.ID, window)
		if err != nil {
			return nil, err
		}

		if !state.WindowStart.IsZero() {
			resetAt := state.resetAt(window)

			if rec.RateLimitRequests > 0 && state.Requests >= int64(rec.RateLimitRequests) {
				return windowDeny(
					fmt.Sprintf("Rate limit exceeded: %d requests per %d seconds", rec.RateLimitRequests, rec.RateLimitWindowSec),
					resetAt, now), nil
			}

			if rec.TokenLimit > 0 {
				if state.Tokens >= rec.TokenLimit {
					return windowDeny(
						fmt.Sprintf("Token limit exceeded: %d tokens per %d seconds", rec.TokenLimit, rec.RateLimitWindowSec),
						resetAt, now), nil
				}
			} else if rec.RateLimitCostUSD > 0 && state.CostUSD >= rec.RateLimitCostUSD {
				d := windowDeny(
					fmt.Sprintf("Cost limit exceeded: $%.2f per %d seconds", rec.RateLimitCostUSD, rec.RateLimitWindowSec),
					resetAt, now)
				d.CostLimit = rec.RateLimitCostUSD
				d.CurrentCost = state.CostUSD
				return d, nil
			}
		}
	}

	if rec.DailyCostLimitUSD > 0 && rec.DailyCost >= rec.DailyCostLimitUSD {
		resetAt := nextLocalMidnight(now)
		return &Deny{
			Kind:             DenyDailyCost,
			Message:          fmt.Sprintf("Daily cost limit exceeded: $%.2f", rec.DailyCostLimitUSD),
			ResetAt:          resetAt,
			RemainingMinutes: minutesUntil(now, resetAt),
			CostLimit:        rec.DailyCostLimitUSD,
			CurrentCost:      rec.DailyCost,
		}, nil
	}

	if rec.TotalCostLimitUSD > 0 && rec.TotalCost >= rec.TotalCostLimitUSD {
		return &Deny{
			Kind:        DenyTotalCost,
			Message:     fmt.Sprintf("Total cost limit exceeded: $%.2f", rec.TotalCostLimitUSD),
			CostLimit:   rec.TotalCostLimitUSD,
			CurrentCost: rec.TotalCost,
		}, nil
	}

	if rec.WeeklyOpusCostLimitUSD > 0 &&
		strings.Contains(strings.ToLower(model), opusMarker) &&
		rec.WeeklyOpusCost >= rec.WeeklyOpusCostLimitUSD {
		resetAt := nextLocalMonday(now)
		return &Deny{
			Kind:             DenyWeeklyOpus,
			Message:          fmt.Sprintf("Weekly Opus cost limit exceeded: $%.2f", rec.WeeklyOpusCostLimitUSD),
			ResetAt:          resetAt,
			RemainingMinutes: minutesUntil(now, resetAt),
			CostLimit:        rec.WeeklyOpusCostLimitUSD,
			CurrentCost:      rec.WeeklyOpusCost,
		}, nil
	}

	return nil, nil
}

// RecordRequest counts one admitted request against the window. The first
// request after an idle window anchors the new window at its arrival time.
func (l *Limiter) RecordRequest(ctx context.Context, rec *keystore.KeyRecord) error {
	if rec.RateLimitWindowSec <= 0 {
		return nil
	}
	window := time.Duration(rec.RateLimitWindowSec) * time.Second
	_, err := l.touchWindow(ctx, rec.ID, window, 1, 0, 0)
	return err
}

// RecordUsage adds token and cost usage to the window. The relay calls this
// after the upstream response completes; failures are the caller's to log
// and swallow (usage accounting is best-effort).
func (l *Limiter) RecordUsage(ctx context.Context, rec *keystore.KeyRecord, tokens int64, costUSD float64) error {
	if rec.RateLimitWindowSec <= 0 {
		return nil
	}
	window := time.Duration(rec.RateLimitWindowSec) * time.Second
	_, err := l.touchWindow(ctx, rec.ID, window, 0, tokens, costUSD)
	return err
}

func windowDeny(message string, resetAt, now time.Time) *Deny {
	return &Deny{
		Kind:             DenyRateLimit,
		Message:          message,
		ResetAt:          resetAt,
		RemainingMinutes: minutesUntil(now, resetAt),
	}
}

func minutesUntil(now, t time.Time) int {
	if t.IsZero() || !t.After(now) {
		return 0
	}
	return int(math.Ceil(t.Sub(now).Minutes()))
}
