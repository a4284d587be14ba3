package config

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSettings(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *SettingsService) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewSettingsService(rdb, ttl)
}

// TestSettingsDefaultsWhenUnset verifies an empty Redis hash yields defaults.
func TestSettingsDefaultsWhenUnset(t *testing.T) {
	_, svc := newTestSettings(t, time.Minute)

	got := svc.Get(context.Background())
	want := DefaultSettings()
	if got != want {
		t.Errorf("Get() = %+v, want defaults %+v", got, want)
	}
}

// TestSettingsReadsRedisOverrides verifies hash fields override defaults.
func TestSettingsReadsRedisOverrides(t *testing.T) {
	mr, svc := newTestSettings(t, time.Minute)
	mr.HSet(settingsKey,
		"claudeCodeOnlyEnabled", "true",
		"concurrentRequestQueueMaxSize", "25",
		"concurrentRequestQueueTimeoutMs", "15000",
		"concurrentRequestQueueHealthThreshold", "0.5",
	)

	got := svc.Get(context.Background())
	if !got.ClaudeCodeOnlyEnabled {
		t.Error("ClaudeCodeOnlyEnabled = false, want true")
	}
	if got.QueueMaxSize != 25 {
		t.Errorf("QueueMaxSize = %d, want 25", got.QueueMaxSize)
	}
	if got.QueueTimeoutMs != 15000 {
		t.Errorf("QueueTimeoutMs = %d, want 15000", got.QueueTimeoutMs)
	}
	if got.QueueHealthThreshold != 0.5 {
		t.Errorf("QueueHealthThreshold = %v, want 0.5", got.QueueHealthThreshold)
	}
}

// TestSettingsClampOutOfRange verifies out-of-range stored values are clamped.
func TestSettingsClampOutOfRange(t *testing.T) {
	mr, svc := newTestSettings(t, time.Minute)
	mr.HSet(settingsKey,
		"concurrentRequestQueueMaxSize", "5000",
		"concurrentRequestQueueTimeoutMs", "100", // below 5s floor
		"sessionBindingTtlDays", "0",
		"concurrentRequestQueueMaxSizeMultiplier", "99",
	)

	got := svc.Get(context.Background())
	if got.QueueMaxSize != 100 {
		t.Errorf("QueueMaxSize = %d, want 100", got.QueueMaxSize)
	}
	if got.QueueTimeoutMs != 5000 {
		t.Errorf("QueueTimeoutMs = %d, want 5000", got.QueueTimeoutMs)
	}
	if got.SessionBindingTTLDays != 1 {
		t.Errorf("SessionBindingTTLDays = %d, want 1", got.SessionBindingTTLDays)
	}
	if got.QueueMaxSizeMultiplier != 10 {
		t.Errorf("QueueMaxSizeMultiplier = %v, want 10", got.QueueMaxSizeMultiplier)
	}
}

// TestSettingsCacheServesStaleWithinTTL verifies the in-process snapshot is
// used within the TTL and refreshed after Invalidate.
func TestSettingsCacheServesStaleWithinTTL(t *testing.T) {
	mr, svc := newTestSettings(t, time.Hour)

	first := svc.Get(context.Background())
	if first.QueueMaxSize != DefaultSettings().QueueMaxSize {
		t.Fatalf("unexpected initial QueueMaxSize %d", first.QueueMaxSize)
	}

	mr.HSet(settingsKey, "concurrentRequestQueueMaxSize", "42")

	// Within TTL: snapshot wins, change not visible yet.
	second := svc.Get(context.Background())
	if second.QueueMaxSize != first.QueueMaxSize {
		t.Errorf("QueueMaxSize changed within TTL: %d", second.QueueMaxSize)
	}

	svc.Invalidate()
	third := svc.Get(context.Background())
	if third.QueueMaxSize != 42 {
		t.Errorf("QueueMaxSize after Invalidate = %d, want 42", third.QueueMaxSize)
	}
}

// TestSettingsFailOpenOnStoreError verifies a dead Redis returns the last
// good snapshot, or defaults when nothing was ever read.
func TestSettingsFailOpenOnStoreError(t *testing.T) {
	mr, svc := newTestSettings(t, time.Nanosecond)
	mr.HSet(settingsKey, "concurrentRequestQueueMaxSize", "17")

	got := svc.Get(context.Background())
	if got.QueueMaxSize != 17 {
		t.Fatalf("QueueMaxSize = %d, want 17", got.QueueMaxSize)
	}

	mr.Close()
	time.Sleep(time.Millisecond) // force the snapshot past its TTL

	again := svc.Get(context.Background())
	if again.QueueMaxSize != 17 {
		t.Errorf("QueueMaxSize after store loss = %d, want last good 17", again.QueueMaxSize)
	}
}

// TestMaxQueueSizeScalesWithLimit verifies cap = max(limit*multiplier, floor).
func TestMaxQueueSizeScalesWithLimit(t *testing.T) {
	s := DefaultSettings()
	s.QueueMaxSize = 2
	s.QueueMaxSizeMultiplier = 3

	if got := s.MaxQueueSize(4); got != 12 {
		t.Errorf("MaxQueueSize(4) = %d, want 12", got)
	}
	if got := s.MaxQueueSize(0); got != 2 {
		t.Errorf("MaxQueueSize(0) = %d, want floor 2", got)
	}
}

// TestSettingsClampRejectsNaN verifies NaN/Inf multipliers fall back.
func TestSettingsClampRejectsNaN(t *testing.T) {
	s := DefaultSettings()
	s.QueueMaxSizeMultiplier = math.NaN()
	s.clamp()
	if s.QueueMaxSizeMultiplier != DefaultSettings().QueueMaxSizeMultiplier {
		t.Errorf("NaN multiplier not restored to default: %v", s.QueueMaxSizeMultiplier)
	}
}
