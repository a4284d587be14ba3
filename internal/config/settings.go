package config

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// settingsKey is the Redis hash holding the live gateway settings.
// Admin surfaces write individual fields; the gateway only reads.
const settingsKey = "gateway:settings"

// DefaultSettingsTTL is how long a settings read is served from the
// in-process cache before Redis is consulted again.
const DefaultSettingsTTL = 5 * time.Second

// Settings are the live policy knobs for the admission plane.
//
// Every field has a documented range; values read from Redis that fall
// outside their range are clamped, never rejected. A settings read failure
// must not block requests (fail-open), so callers always get a usable struct.
type Settings struct {
	// ClaudeCodeOnlyEnabled restricts Claude messages endpoints to the
	// claude_code client globally.
	ClaudeCodeOnlyEnabled bool

	// GlobalSessionBindingEnabled pins sessions to upstream accounts.
	GlobalSessionBindingEnabled bool

	// SessionBindingErrorMessage is returned when a bound session cannot be
	// honored. At most 500 characters; longer values are truncated.
	SessionBindingErrorMessage string `validate:"max=500"`

	// SessionBindingTTLDays is the session binding lifetime in days.
	SessionBindingTTLDays int `validate:"min=1,max=365"`

	// UserMessageQueueEnabled delays duplicate user messages.
	UserMessageQueueEnabled bool

	// UserMessageQueueDelayMs is the inter-message delay.
	UserMessageQueueDelayMs int `validate:"min=0,max=10000"`

	// UserMessageQueueTimeoutMs bounds the user-message queue wait.
	UserMessageQueueTimeoutMs int `validate:"min=1000,max=300000"`

	// QueueEnabled turns the concurrency overflow queue on.
	QueueEnabled bool

	// QueueMaxSize is the minimum queue capacity floor per key.
	QueueMaxSize int `validate:"min=1,max=100"`

	// QueueMaxSizeMultiplier scales queue capacity with the key's
	// concurrency limit: cap = max(limit*multiplier, QueueMaxSize).
	QueueMaxSizeMultiplier float64 `validate:"min=0,max=10"`

	// QueueTimeoutMs is the total wall-clock wait budget for a queued request.
	QueueTimeoutMs int `validate:"min=5000,max=300000"`

	// QueueHealthCheckEnabled turns on P90-based pre-entry fast-fail.
	QueueHealthCheckEnabled bool

	// QueueHealthThreshold is the P90/timeout ratio above which new entries
	// are rejected as overloaded.
	QueueHealthThreshold float64 `validate:"gt=0,lte=1"`

	// QueueMaxRedisFailCount is how many consecutive store failures a queued
	// waiter tolerates before aborting with StoreUnavailable.
	QueueMaxRedisFailCount int `validate:"min=1,max=100"`
}

// DefaultSettings returns the settings used when Redis holds no overrides.
func DefaultSettings() Settings {
	return Settings{
		ClaudeCodeOnlyEnabled:       false,
		GlobalSessionBindingEnabled: false,
		SessionBindingTTLDays:       30,
		UserMessageQueueEnabled:     false,
		UserMessageQueueDelayMs:     0,
		UserMessageQueueTimeoutMs:   60000,
		QueueEnabled:                true,
		QueueMaxSize:                10,
		QueueMaxSizeMultiplier:      3,
		QueueTimeoutMs:              30000,
		QueueHealthCheckEnabled:     true,
		QueueHealthThreshold:        0.8,
		QueueMaxRedisFailCount:      5,
	}
}

// SettingsService is the read-through live settings source.
//
// Reads are served from an in-process snapshot for up to ttl; after that the
// Redis hash is re-read. On Redis failure the last good snapshot (or the
// defaults) is returned — policy reads fail open.
type SettingsService struct {
	rdb      *redis.Client
	ttl      time.Duration
	validate *validator.Validate

	mu        sync.Mutex
	snapshot  Settings
	fetchedAt time.Time
	haveSnap  bool
}

// NewSettingsService creates a settings service. ttl <= 0 uses
// DefaultSettingsTTL.
func NewSettingsService(rdb *redis.Client, ttl time.Duration) *SettingsService {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &SettingsService{
		rdb:      rdb,
		ttl:      ttl,
		validate: validator.New(),
	}
}

// Get returns the current settings. Never returns an error: a store failure
// yields the last good snapshot, or the defaults if nothing was ever read.
func (s *SettingsService) Get(ctx context.Context) Settings {
	s.mu.Lock()
	if s.haveSnap && time.Since(s.fetchedAt) < s.ttl {
		snap := s.snapshot
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()

	fresh, err := s.fetch(ctx)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.haveSnap {
			return s.snapshot
		}
		return DefaultSettings()
	}

	s.mu.Lock()
	s.snapshot = fresh
	s.fetchedAt = time.Now()
	s.haveSnap = true
	s.mu.Unlock()
	return fresh
}

// Invalidate drops the cached snapshot so the next Get hits Redis.
func (s *SettingsService) Invalidate() {
	s.mu.Lock()
	s.haveSnap = false
	s.mu.Unlock()
}

func (s *SettingsService) fetch(ctx context.Context) (Settings, error) {
	fields, err := s.rdb.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		return Settings{}, err
	}

	out := DefaultSettings()
	if len(fields) == 0 {
		return out, nil
	}

	readBool(fields, "claudeCodeOnlyEnabled", &out.ClaudeCodeOnlyEnabled)
	readBool(fields, "globalSessionBindingEnabled", &out.GlobalSessionBindingEnabled)
	readString(fields, "sessionBindingErrorMessage", &out.SessionBindingErrorMessage)
	readInt(fields, "sessionBindingTtlDays", &out.SessionBindingTTLDays)
	readBool(fields, "userMessageQueueEnabled", &out.UserMessageQueueEnabled)
	readInt(fields, "userMessageQueueDelayMs", &out.UserMessageQueueDelayMs)
	readInt(fields, "userMessageQueueTimeoutMs", &out.UserMessageQueueTimeoutMs)
	readBool(fields, "concurrentRequestQueueEnabled", &out.QueueEnabled)
	readInt(fields, "concurrentRequestQueueMaxSize", &out.QueueMaxSize)
	readFloat(fields, "concurrentRequestQueueMaxSizeMultiplier", &out.QueueMaxSizeMultiplier)
	readInt(fields, "concurrentRequestQueueTimeoutMs", &out.QueueTimeoutMs)
	readBool(fields, "concurrentRequestQueueHealthCheckEnabled", &out.QueueHealthCheckEnabled)
	readFloat(fields, "concurrentRequestQueueHealthThreshold", &out.QueueHealthThreshold)
	readInt(fields, "concurrentRequestQueueMaxRedisFailCount", &out.QueueMaxRedisFailCount)

	out.clamp()

	// Final assert. A struct that still fails validation after clamping
	// means a coding error in clamp(), not bad data — fall back to defaults.
	if err := s.validate.Struct(out); err != nil {
		return DefaultSettings(), nil
	}
	return out, nil
}

// clamp pulls out-of-range values to their documented bounds.
func (s *Settings) clamp() {
	if len(s.SessionBindingErrorMessage) > 500 {
		s.SessionBindingErrorMessage = s.SessionBindingErrorMessage[:500]
	}
	s.SessionBindingTTLDays = clampInt(s.SessionBindingTTLDays, 1, 365)
	s.UserMessageQueueDelayMs = clampInt(s.UserMessageQueueDelayMs, 0, 10000)
	s.UserMessageQueueTimeoutMs = clampInt(s.UserMessageQueueTimeoutMs, 1000, 300000)
	s.QueueMaxSize = clampInt(s.QueueMaxSize, 1, 100)
	if math.IsNaN(s.QueueMaxSizeMultiplier) || math.IsInf(s.QueueMaxSizeMultiplier, 0) {
		s.QueueMaxSizeMultiplier = DefaultSettings().QueueMaxSizeMultiplier
	}
	s.QueueMaxSizeMultiplier = clampFloat(s.QueueMaxSizeMultiplier, 0, 10)
	s.QueueTimeoutMs = clampInt(s.QueueTimeoutMs, 5000, 300000)
	if s.QueueHealthThreshold <= 0 || s.QueueHealthThreshold > 1 ||
		math.IsNaN(s.QueueHealthThreshold) {
		s.QueueHealthThreshold = 0.8
	}
	s.QueueMaxRedisFailCount = clampInt(s.QueueMaxRedisFailCount, 1, 100)
}

// MaxQueueSize computes the effective queue capacity for a key with the
// given concurrency limit: max(limit*multiplier, QueueMaxSize).
func (s Settings) MaxQueueSize(concurrencyLimit int) int {
	scaled := int(float64(concurrencyLimit) * s.QueueMaxSizeMultiplier)
	if scaled < s.QueueMaxSize {
		return s.QueueMaxSize
	}
	return scaled
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func readBool(fields map[string]string, name string, dst *bool) {
	if raw, ok := fields[name]; ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func readInt(fields map[string]string, name string, dst *int) {
	if raw, ok := fields[name]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func readFloat(fields map[string]string, name string, dst *float64) {
	if raw, ok := fields[name]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func readString(fields map[string]string, name string, dst *string) {
	if raw, ok := fields[name]; ok {
		*dst = raw
	}
}
