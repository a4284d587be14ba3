package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/concurrency"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/keystore"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/relay"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Run the admission gateway until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.LoadFileConfig(cfgFile)
	if err != nil {
		return err
	}

	log := logging.NewLogger(cfg.Server.LogConsole)
	if !verbose {
		if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
			logging.SetGlobalLevel(level)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := store.NewClient(ctx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	m := metrics.New(prometheus.DefaultRegisterer)

	keys := keystore.NewStore(
		keystore.NewRedisBackend(rdb),
		time.Duration(cfg.Auth.PositiveCacheTTLSeconds)*time.Second,
		time.Duration(cfg.Auth.NegativeCacheTTLSeconds)*time.Second,
		log)
	keys.SubscribeInvalidations(ctx, rdb)

	settings := config.NewSettingsService(rdb, config.DefaultSettingsTTL)
	limiter := ratelimit.NewLimiter(rdb)
	ctrl := concurrency.NewController(rdb, time.Duration(cfg.Concurrency.LeaseSeconds)*time.Second)

	stats := queue.NewRecorder(rdb, log, m)
	go stats.Run(ctx)
	qm := queue.NewManager(rdb, ctrl, stats, log)

	gate := admission.NewGatekeeper(admission.Deps{
		Keys:            keys,
		Settings:        settings,
		Limiter:         limiter,
		Ctrl:            ctrl,
		Queue:           qm,
		Metrics:         m,
		Log:             log,
		RenewInterval:   time.Duration(cfg.Concurrency.RenewIntervalSeconds) * time.Second,
		MaxSlotLifetime: time.Duration(cfg.Concurrency.MaxLifetimeMinutes) * time.Minute,
	})

	forwarder := relay.NewUpstreamForwarder(relay.ForwarderConfig{
		BaseURL:  cfg.Upstream.BaseURL,
		RetryMax: cfg.Upstream.RetryMax,
	}, &relay.StaticPicker{Account: relay.Account{Platform: "claude"}}, log, m)

	srv := server.New(server.Config{
		Listen:       cfg.Server.Listen,
		ReapInterval: time.Duration(cfg.Concurrency.ReapIntervalSeconds) * time.Second,
		OrphanGrace:  time.Duration(cfg.Concurrency.OrphanGraceSeconds) * time.Second,
	}, gate, forwarder, rdb, ctrl, log)

	// Hot-reload is limited to log level; structural settings need a restart.
	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, func(fresh *config.FileConfig) {
			if level, err := zerolog.ParseLevel(fresh.Server.LogLevel); err == nil {
				logging.SetGlobalLevel(level)
				log.Info().Str("level", fresh.Server.LogLevel).Msg("log level reloaded")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable")
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	return srv.Run(ctx)
}
