// Package config provides configuration management for the gateway.
//
// Two layers of configuration exist:
//
//   - FileConfig: static server configuration loaded once at startup from an
//     INI file (listen address, Redis connection, lease tuning). Reloadable
//     via an fsnotify watcher for the subset of fields that are safe to
//     change at runtime.
//   - Settings: live gateway policy read through Redis with a short TTL
//     cache (see settings.go). These change without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
)

// FileConfig is the static server configuration.
//
// INI format:
//
//	[server]
//	listen = :8080
//	log_console = true
//	log_level = info
//
//	[redis]
//	addr = 127.0.0.1:6379
//	password =
//	db = 0
//
//	[auth]
//	positive_cache_ttl_seconds = 60
//	negative_cache_ttl_seconds = 30
//
//	[concurrency]
//	lease_seconds = 60
//	renew_interval_seconds = 30
//	max_lifetime_minutes = 60
//	orphan_grace_seconds = 60
//	reap_interval_seconds = 60
//
//	[upstream]
//	base_url = https://api.anthropic.com
//	retry_max = 2
type FileConfig struct {
	Server      ServerConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Concurrency ConcurrencyConfig
	Upstream    UpstreamConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	// Default: ":8080"
	Listen string `ini:"listen"`

	// LogConsole selects human-readable console output instead of JSON.
	// Default: true
	LogConsole bool `ini:"log_console"`

	// LogLevel is one of debug, info, warn, error.
	// Default: "info"
	LogLevel string `ini:"log_level"`
}

// RedisConfig contains the shared store connection settings.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	// Default: "127.0.0.1:6379"
	Addr string `ini:"addr"`

	// Password is the optional Redis AUTH password.
	Password string `ini:"password"`

	// DB is the Redis database number.
	// Default: 0
	DB int `ini:"db"`
}

// AuthConfig contains API key cache tuning.
type AuthConfig struct {
	// PositiveCacheTTLSeconds is how long a successful key lookup is cached.
	// Minimum: 1, Maximum: 3600, Default: 60
	PositiveCacheTTLSeconds int `ini:"positive_cache_ttl_seconds"`

	// NegativeCacheTTLSeconds is how long a failed key lookup is cached.
	// Minimum: 1, Maximum: 3600, Default: 30
	NegativeCacheTTLSeconds int `ini:"negative_cache_ttl_seconds"`
}

// ConcurrencyConfig contains lease protocol tuning.
type ConcurrencyConfig struct {
	// LeaseSeconds is the slot lease duration. An unrefreshed slot becomes
	// reapable once its lease expires.
	// Minimum: 30, Default: 60
	LeaseSeconds int `ini:"lease_seconds"`

	// RenewIntervalSeconds is how often a held slot's lease is extended.
	// 0 disables renewal. Clamped to [15, LeaseSeconds-5] when non-zero.
	// Default: 30
	RenewIntervalSeconds int `ini:"renew_interval_seconds"`

	// MaxLifetimeMinutes caps total slot lifetime. When the renewal budget
	// runs out the slot is force-released.
	// Minimum: 1, Default: 60
	MaxLifetimeMinutes int `ini:"max_lifetime_minutes"`

	// OrphanGraceSeconds is the extra slack before an expired slot entry is
	// removed by the background reaper.
	// Default: 60
	OrphanGraceSeconds int `ini:"orphan_grace_seconds"`

	// ReapIntervalSeconds is how often the background reaper sweeps.
	// Minimum: 5, Default: 60
	ReapIntervalSeconds int `ini:"reap_interval_seconds"`
}

// UpstreamConfig contains relay forwarder settings.
type UpstreamConfig struct {
	// BaseURL is the upstream provider endpoint the relay forwards to.
	BaseURL string `ini:"base_url"`

	// RetryMax is the retryablehttp retry budget for upstream calls.
	// Minimum: 0, Maximum: 5, Default: 2
	RetryMax int `ini:"retry_max"`
}

// DefaultFileConfig returns a FileConfig with all defaults applied.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Server: ServerConfig{
			Listen:     ":8080",
			LogConsole: true,
			LogLevel:   "info",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Auth: AuthConfig{
			PositiveCacheTTLSeconds: 60,
			NegativeCacheTTLSeconds: 30,
		},
		Concurrency: ConcurrencyConfig{
			LeaseSeconds:         60,
			RenewIntervalSeconds: 30,
			MaxLifetimeMinutes:   60,
			OrphanGraceSeconds:   60,
			ReapIntervalSeconds:  60,
		},
		Upstream: UpstreamConfig{
			RetryMax: 2,
		},
	}
}

// LoadFileConfig reads the INI file at path. A missing file returns defaults
// without error so a bare `relaygate serve` works out of the box.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.Section("server").MapTo(&cfg.Server); err != nil {
		return nil, fmt.Errorf("invalid [server] section: %w", err)
	}
	if err := file.Section("redis").MapTo(&cfg.Redis); err != nil {
		return nil, fmt.Errorf("invalid [redis] section: %w", err)
	}
	if err := file.Section("auth").MapTo(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("invalid [auth] section: %w", err)
	}
	if err := file.Section("concurrency").MapTo(&cfg.Concurrency); err != nil {
		return nil, fmt.Errorf("invalid [concurrency] section: %w", err)
	}
	if err := file.Section("upstream").MapTo(&cfg.Upstream); err != nil {
		return nil, fmt.Errorf("invalid [upstream] section: %w", err)
	}

	cfg.clamp()
	return cfg, nil
}

// clamp enforces documented ranges. Out-of-range values are pulled to the
// nearest bound rather than rejected, matching the TTL-on-write philosophy of
// the rest of the plane: a bad config line must not take the gateway down.
func (c *FileConfig) clamp() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	c.Auth.PositiveCacheTTLSeconds = clampInt(c.Auth.PositiveCacheTTLSeconds, 1, 3600)
	c.Auth.NegativeCacheTTLSeconds = clampInt(c.Auth.NegativeCacheTTLSeconds, 1, 3600)

	if c.Concurrency.LeaseSeconds < 30 {
		c.Concurrency.LeaseSeconds = 30
	}
	if c.Concurrency.RenewIntervalSeconds != 0 {
		c.Concurrency.RenewIntervalSeconds = clampInt(
			c.Concurrency.RenewIntervalSeconds, 15, c.Concurrency.LeaseSeconds-5)
	}
	if c.Concurrency.MaxLifetimeMinutes < 1 {
		c.Concurrency.MaxLifetimeMinutes = 60
	}
	if c.Concurrency.OrphanGraceSeconds < 0 {
		c.Concurrency.OrphanGraceSeconds = 60
	}
	if c.Concurrency.ReapIntervalSeconds < 5 {
		c.Concurrency.ReapIntervalSeconds = 60
	}
	c.Upstream.RetryMax = clampInt(c.Upstream.RetryMax, 0, 5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Watcher reloads the file config when the file changes on disk.
type Watcher struct {
	path     string
	onChange func(*FileConfig)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a config file watcher. onChange is invoked with the
// freshly parsed config after every successful reload; parse failures keep
// the previous config and are reported by the caller's logger via onError.
func NewWatcher(path string, onChange func(*FileConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files atomically
	// and the inode-level watch would be lost on the first save.
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFileConfig(w.path)
			if err != nil {
				continue
			}
			w.onChange(cfg)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
