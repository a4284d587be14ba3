// Package store provides the shared Redis client used by the admission plane.
//
// All cross-process state (concurrency slots, rate windows, queue counters,
// wait-time samples) lives in Redis. Only Redis-atomic operations mutate this
// state; no business-logic critical section spans a network round trip.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the optional Redis AUTH password.
	Password string

	// DB is the Redis database number.
	DB int

	// DialTimeout bounds the initial connection attempt. Default: 5s.
	DialTimeout time.Duration
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// Clock abstracts wall-clock time so store-backed components can be tested
// with a fixed or stepped clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
