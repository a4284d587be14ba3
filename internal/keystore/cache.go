package keystore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/store"
)

// Store is the Key Store: Lookup with an in-process positive/negative cache
// in front of a Backend.
//
// Positive entries cache a resolved KeyRecord; negative entries cache
// ErrNotFound and ErrDisabled so repeated probes with a dead key do not hit
// the backend. Transient backend errors are never cached.
type Store struct {
	backend Backend
	posTTL  time.Duration
	negTTL  time.Duration
	clock   store.Clock
	log     *logging.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	record    *KeyRecord
	err       error
	expiresAt time.Time
}

// NewStore creates a Key Store. posTTL and negTTL are the positive and
// negative cache lifetimes.
func NewStore(backend Backend, posTTL, negTTL time.Duration, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Store{
		backend: backend,
		posTTL:  posTTL,
		negTTL:  negTTL,
		clock:   store.SystemClock{},
		log:     log.Component("keystore"),
		entries: make(map[string]cacheEntry),
	}
}

// WithClock replaces the clock. For tests.
func (s *Store) WithClock(clock store.Clock) *Store {
	s.clock = clock
	return s
}

// Lookup resolves an API key to its record.
//
// Returns ErrNotFound or ErrDisabled for dead keys (negatively cached), or
// the backend's error verbatim for transient failures (not cached).
func (s *Store) Lookup(ctx context.Context, apiKey string) (*KeyRecord, error) {
	keyHash := HashKey(apiKey)
	now := s.clock.Now()

	s.mu.Lock()
	if entry, ok := s.entries[keyHash]; ok && now.Before(entry.expiresAt) {
		s.mu.Unlock()
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.record, nil
	}
	s.mu.Unlock()

	rec, err := s.backend.GetByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.put(keyHash, cacheEntry{err: ErrNotFound, expiresAt: now.Add(s.negTTL)})
			return nil, ErrNotFound
		}
		// Transient backend failure: surface, never cache.
		return nil, err
	}

	if rec.Disabled {
		s.put(keyHash, cacheEntry{err: ErrDisabled, expiresAt: now.Add(s.negTTL)})
		return nil, ErrDisabled
	}

	s.put(keyHash, cacheEntry{record: rec, expiresAt: now.Add(s.posTTL)})
	return rec, nil
}

// Invalidate drops the cache entry for one key hash, or everything when
// keyHash is "*".
func (s *Store) Invalidate(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keyHash == "*" {
		s.entries = make(map[string]cacheEntry)
		return
	}
	delete(s.entries, keyHash)
}

func (s *Store) put(keyHash string, entry cacheEntry) {
	s.mu.Lock()
	s.entries[keyHash] = entry
	s.mu.Unlock()
}

// SubscribeInvalidations listens on the pub/sub invalidation channel until
// ctx is cancelled. Each message is a key hash (or "*") published by the
// admin plane after a mutation.
//
// Runs in its own goroutine; subscription errors are logged and the loop
// exits, leaving TTL expiry as the fallback invalidation path.
func (s *Store) SubscribeInvalidations(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, InvalidateChannel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.log.Warn().Msg("key invalidation subscription closed; relying on TTL expiry")
					return
				}
				s.Invalidate(msg.Payload)
				s.log.Debug().Str("key_hash", msg.Payload).Msg("key cache invalidated")
			}
		}
	}()
}
