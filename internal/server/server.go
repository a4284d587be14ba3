// Package server wires the admission pipeline and relay into an HTTP server
// and runs the background maintenance loops.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/concurrency"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/relay"
)

// Config tunes the HTTP server and its maintenance loops.
type Config struct {
	// Listen is the bind address.
	Listen string

	// ReapInterval is how often the orphan reaper sweeps slot sets.
	ReapInterval time.Duration

	// OrphanGrace is the slack past lease expiry before an entry is swept.
	OrphanGrace time.Duration
}

// Server is the relaygate HTTP front end.
type Server struct {
	cfg     Config
	httpSrv *http.Server
	rdb     *redis.Client
	ctrl    *concurrency.Controller
	log     *logging.Logger
}

// New assembles the router and server. The admission middleware guards every
// path except health and metrics.
func New(cfg Config, gate *admission.Gatekeeper, rly relay.Relay, rdb *redis.Client, ctrl *concurrency.Controller, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	log = log.Component("server")

	s := &Server{cfg: cfg, rdb: rdb, ctrl: ctrl, log: log}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	forward := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rly.Forward(w, req, admission.PrincipalFrom(req))
	})
	r.Handle("/*", gate.Middleware(forward))

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ConnContext:       admission.ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go s.reapLoop(reapCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("gateway listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", ww.Header().Get("X-Request-ID")).
			Msg("request")
	})
}

// reapLoop periodically sweeps every key's slot set for entries whose lease
// expired more than the grace ago. Lazy reaping on the acquire path already
// keeps counts honest; this loop reclaims sets for keys with no traffic.
func (s *Server) reapLoop(ctx context.Context) {
	interval := s.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOrphans(ctx)
		}
	}
}

func (s *Server) reapOrphans(ctx context.Context) {
	var cursor uint64
	swept := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "concurrency:key:*", 100).Result()
		if err != nil {
			s.log.Warn().Err(err).Msg("orphan sweep scan failed")
			return
		}
		for _, slotKey := range keys {
			keyID := strings.TrimPrefix(slotKey, "concurrency:key:")
			if err := s.ctrl.Cleanup(ctx, keyID, s.cfg.OrphanGrace); err != nil {
				s.log.Warn().Str("key_id", keyID).Err(err).Msg("orphan cleanup failed")
				continue
			}
			swept++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if swept > 0 {
		s.log.Debug().Int("sets", swept).Msg("orphan sweep complete")
	}
}
