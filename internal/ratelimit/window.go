package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout: one hash per key holding the current fixed window.
// TTL equals the window duration, so an idle key's state simply expires and
// the next request starts a fresh window.
const windowKeyPrefix = "ratelimit:window:"

func windowKey(keyID string) string {
	return windowKeyPrefix + keyID
}

// windowState is a snapshot of one key's fixed window.
type windowState struct {
	WindowStart time.Time
	Requests    int64
	Tokens      int64
	CostUSD     float64
}

// resetAt returns when this window rolls over.
func (w windowState) resetAt(window time.Duration) time.Time {
	return w.WindowStart.Add(window)
}

// touchScript resets the window when it has elapsed, applies the increments,
// and re-arms the TTL on every write (TTL-on-write).
//
// KEYS[1] = window hash
// ARGV[1] = now (unix ms)
// ARGV[2] = window duration (ms)
// ARGV[3] = request increment
// ARGV[4] = token increment
// ARGV[5] = cost increment (float)
var touchScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local windowMs = tonumber(ARGV[2])

	local ws = redis.call('HGET', key, 'windowStart')
	if (not ws) or (now - tonumber(ws) >= windowMs) then
		redis.call('DEL', key)
		redis.call('HSET', key, 'windowStart', now, 'requests', 0, 'tokens', 0, 'cost', '0')
	end

	if tonumber(ARGV[3]) ~= 0 then
		redis.call('HINCRBY', key, 'requests', ARGV[3])
	end
	if tonumber(ARGV[4]) ~= 0 then
		redis.call('HINCRBY', key, 'tokens', ARGV[4])
	end
	if tonumber(ARGV[5]) ~= 0 then
		redis.call('HINCRBYFLOAT', key, 'cost', ARGV[5])
	end

	redis.call('PEXPIRE', key, windowMs)
	return redis.call('HMGET', key, 'windowStart', 'requests', 'tokens', 'cost')
`)

// readWindow returns the current window snapshot without creating state.
// A missing or elapsed window reads as empty: the next recorded request
// starts a new window anchored at its own arrival time.
func (l *Limiter) readWindow(ctx context.Context, keyID string, window time.Duration) (windowState, error) {
	now := l.clock.Now()

	vals, err := l.rdb.HMGet(ctx, windowKey(keyID), "windowStart", "requests", "tokens", "cost").Result()
	if err != nil {
		return windowState{}, fmt.Errorf("rate window read failed: %w", err)
	}

	state := parseWindow(vals)
	if state.WindowStart.IsZero() || now.Sub(state.WindowStart) >= window {
		return windowState{}, nil
	}
	return state, nil
}

// touchWindow applies increments atomically and returns the post-write state.
func (l *Limiter) touchWindow(ctx context.Context, keyID string, window time.Duration, reqs, tokens int64, cost float64) (windowState, error) {
	now := l.clock.Now()

	raw, err := touchScript.Run(ctx, l.rdb,
		[]string{windowKey(keyID)},
		now.UnixMilli(),
		window.Milliseconds(),
		reqs,
		tokens,
		strconv.FormatFloat(cost, 'f', -1, 64),
	).Slice()
	if err != nil {
		return windowState{}, fmt.Errorf("rate window write failed: %w", err)
	}
	return parseWindow(raw), nil
}

func parseWindow(vals []interface{}) windowState {
	var state windowState
	if len(vals) != 4 {
		return state
	}
	if ms, ok := asInt64(vals[0]); ok && ms > 0 {
		state.WindowStart = time.UnixMilli(ms)
	}
	state.Requests, _ = asInt64(vals[1])
	state.Tokens, _ = asInt64(vals[2])
	if s, ok := vals[3].(string); ok {
		state.CostUSD, _ = strconv.ParseFloat(s, 64)
	}
	return state
}

func asInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case int64:
		return t, true
	}
	return 0, false
}

// nextLocalMidnight returns the next local-time midnight after now.
// Daily cost caps reset here.
func nextLocalMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// nextLocalMonday returns the next local Monday 00:00 strictly after now.
// Weekly Opus caps reset here.
func nextLocalMonday(now time.Time) time.Time {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	daysAhead := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if daysAhead == 0 {
		daysAhead = 7
	}
	return midnight.AddDate(0, 0, daysAhead)
}
