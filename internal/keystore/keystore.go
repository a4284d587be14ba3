// Package keystore resolves API keys to tenant key records.
//
// Lookups go through an in-process cache with separate positive and negative
// TTLs, backed by Redis. Admin mutations publish invalidations on a pub/sub
// channel so all gateway instances drop stale entries promptly.
package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Lookup error taxonomy. Callers map these to 401 responses.
var (
	// ErrMissingKey means no credential was present on the request.
	ErrMissingKey = errors.New("api key missing")

	// ErrBadFormat means the credential was present but malformed
	// (wrong length, empty after trimming).
	ErrBadFormat = errors.New("api key malformed")

	// ErrNotFound means no record exists for the key.
	ErrNotFound = errors.New("api key not found")

	// ErrDisabled means the key exists but has been disabled.
	ErrDisabled = errors.New("api key disabled")
)

// Key length bounds after trimming and Bearer stripping.
const (
	minKeyLength = 10
	maxKeyLength = 512
)

// KeyRecord is the immutable per-lookup view of a tenant API key.
type KeyRecord struct {
	// ID is the stable key identity used for all per-key store state.
	ID string `json:"id"`

	// Name is the human-readable key label.
	Name string `json:"name"`

	// Disabled marks a revoked key. Lookup returns ErrDisabled.
	Disabled bool `json:"disabled"`

	// ConcurrencyLimit is the per-key slot budget. 0 means unlimited.
	ConcurrencyLimit int `json:"concurrencyLimit"`

	// RateLimitWindowSec is the fixed-window duration in seconds.
	// 0 disables window-based limiting.
	RateLimitWindowSec int `json:"rateLimitWindowSec"`

	// RateLimitRequests caps requests per window. 0 means unlimited.
	RateLimitRequests int `json:"rateLimitRequests"`

	// RateLimitCostUSD caps cost per window. Used only when TokenLimit == 0.
	RateLimitCostUSD float64 `json:"rateLimitCostUSD"`

	// TokenLimit is the legacy per-window token cap. When > 0 it takes
	// precedence over RateLimitCostUSD inside the window check.
	TokenLimit int64 `json:"tokenLimit"`

	// DailyCostLimitUSD caps spend per calendar day (local midnight reset).
	DailyCostLimitUSD float64 `json:"dailyCostLimitUSD"`

	// TotalCostLimitUSD caps lifetime spend. Non-resetting.
	TotalCostLimitUSD float64 `json:"totalCostLimitUSD"`

	// WeeklyOpusCostLimitUSD caps Opus-model spend per week
	// (reset next local Monday 00:00).
	WeeklyOpusCostLimitUSD float64 `json:"weeklyOpusCostLimitUSD"`

	// ClientRestrictionEnabled turns on the AllowedClients allowlist.
	ClientRestrictionEnabled bool `json:"clientRestrictionEnabled"`

	// AllowedClients names the client identifiers this key may be used from.
	AllowedClients []string `json:"allowedClients"`

	// EnabledModels restricts the models this key may call. Empty = all.
	EnabledModels []string `json:"enabledModels"`

	// AccountBindings maps upstream platform → bound account ID.
	AccountBindings map[string]string `json:"accountBindings"`

	// Usage counters, read-only in the admission plane. The relay's billing
	// path maintains them.
	DailyCost      float64 `json:"dailyCost"`
	TotalCost      float64 `json:"totalCost"`
	WeeklyOpusCost float64 `json:"weeklyOpusCost"`
}

// HashKey returns the SHA256[:16] hex of an API key. Raw key material never
// appears in store keys, map keys, or logs.
func HashKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("%x", h[:16])
}

// ExtractAPIKey pulls the credential off an HTTP request.
//
// Candidate locations are evaluated in order: x-api-key, x-goog-api-key,
// authorization (Bearer prefix stripped, case-insensitive), api-key, then
// the ?key= query parameter. The first non-empty candidate wins; a candidate
// that fails the length bounds is ErrBadFormat, not a fall-through.
func ExtractAPIKey(r *http.Request) (string, error) {
	candidates := []string{
		r.Header.Get("x-api-key"),
		r.Header.Get("x-goog-api-key"),
		r.Header.Get("authorization"),
		r.Header.Get("api-key"),
		r.URL.Query().Get("key"),
	}

	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if len(raw) >= 7 && strings.EqualFold(raw[:7], "bearer ") {
			raw = strings.TrimSpace(raw[7:])
		}
		if len(raw) < minKeyLength || len(raw) > maxKeyLength {
			return "", ErrBadFormat
		}
		return raw, nil
	}
	return "", ErrMissingKey
}

// Backend loads key records from durable storage by hashed key.
type Backend interface {
	// GetByHash returns the record for the given key hash, or ErrNotFound.
	GetByHash(ctx context.Context, keyHash string) (*KeyRecord, error)
}

// Redis key layout for the backend.
const (
	recordKeyPrefix = "apikey:record:"

	// InvalidateChannel carries key hashes whose cache entries must be
	// dropped. The literal "*" flushes everything.
	InvalidateChannel = "apikey:invalidate"
)

// RedisBackend reads key records stored as JSON blobs by the admin plane.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend creates a Redis-backed key record source.
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

// GetByHash loads and decodes the record at apikey:record:{hash}.
func (b *RedisBackend) GetByHash(ctx context.Context, keyHash string) (*KeyRecord, error) {
	raw, err := b.rdb.Get(ctx, recordKeyPrefix+keyHash).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("key record read failed: %w", err)
	}

	var rec KeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("key record decode failed: %w", err)
	}
	return &rec, nil
}

// PutRecord stores a record under its key hash. Used by the admin surface
// and tests; the gateway itself only reads.
func (b *RedisBackend) PutRecord(ctx context.Context, apiKey string, rec *KeyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("key record encode failed: %w", err)
	}
	return b.rdb.Set(ctx, recordKeyPrefix+HashKey(apiKey), raw, 0).Err()
}
