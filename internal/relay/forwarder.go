package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
)

// retryLogger adapts the gateway logger to retryablehttp's LeveledLogger.
// Only failures are worth surfacing; per-attempt chatter stays silent.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Msgf("%s %v", msg, keysAndValues)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Msgf("%s %v", msg, keysAndValues)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

// ForwarderConfig tunes the upstream forwarder.
type ForwarderConfig struct {
	// BaseURL is the default upstream endpoint.
	BaseURL string

	// RetryMax is the retry budget for idempotent upstream failures.
	RetryMax int

	// Timeout bounds a single upstream exchange, including streaming reads.
	// 0 means no client timeout (streaming responses can be long-lived).
	Timeout time.Duration
}

// UpstreamForwarder proxies admitted requests to the upstream provider,
// streaming the response body back to the client.
//
// A circuit breaker sits in front of the upstream: repeated failures open it
// and subsequent requests are rejected locally with 503 instead of piling
// onto a struggling provider.
type UpstreamForwarder struct {
	client  *http.Client
	picker  AccountPicker
	breaker *gobreaker.CircuitBreaker
	cfg     ForwarderConfig
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewUpstreamForwarder creates the default relay.
func NewUpstreamForwarder(cfg ForwarderConfig, picker AccountPicker, log *logging.Logger, m *metrics.Metrics) *UpstreamForwarder {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	log = log.Component("relay")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = &retryLogger{log: log}
	client := retryClient.StandardClient()
	client.Timeout = cfg.Timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("upstream circuit breaker state changed")
		},
	})

	return &UpstreamForwarder{
		client:  client,
		picker:  picker,
		breaker: breaker,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// Forward proxies the request upstream. Transport and breaker failures map
// to 502/503; upstream status codes pass through untouched.
func (f *UpstreamForwarder) Forward(w http.ResponseWriter, r *http.Request, p *admission.Principal) {
	acct, err := f.picker.Pick(r.Context(), p)
	if err != nil {
		f.log.Error().Err(err).Msg("account selection failed")
		writeJSONError(w, http.StatusBadGateway, "UpstreamUnavailable", "no upstream account available")
		return
	}

	base := acct.BaseURL
	if base == "" {
		base = f.cfg.BaseURL
	}
	target, err := buildTargetURL(base, r.URL)
	if err != nil {
		f.log.Error().Err(err).Str("base", base).Msg("bad upstream URL")
		writeJSONError(w, http.StatusBadGateway, "UpstreamUnavailable", "upstream misconfigured")
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Internal", "failed to build upstream request")
		return
	}
	copyProxyHeaders(out.Header, r.Header)
	if acct.Credential != "" {
		out.Header.Set("x-api-key", acct.Credential)
		out.Header.Del("authorization")
	}
	out.ContentLength = r.ContentLength

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.client.Do(out)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			if f.metrics != nil {
				f.metrics.UpstreamBreakerOpen.Inc()
			}
			writeJSONError(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "upstream temporarily unavailable")
			return
		}
		f.log.Error().Str("request_id", p.RequestID).Err(err).Msg("upstream request failed")
		writeJSONError(w, http.StatusBadGateway, "UpstreamUnavailable", "upstream request failed")
		return
	}
	resp := result.(*http.Response)
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Stream the body through. Streaming (SSE) responses flush as they copy.
	if _, err := io.Copy(newFlushWriter(w), resp.Body); err != nil {
		f.log.Debug().Str("request_id", p.RequestID).Err(err).Msg("response stream interrupted")
	}
}

func buildTargetURL(base string, in *url.URL) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid upstream base URL: %w", err)
	}
	u.Path = u.Path + in.Path
	u.RawQuery = in.RawQuery
	return u.String(), nil
}

// hopHeaders are stripped when proxying, plus the inbound credential headers
// (the upstream gets the account credential, never the tenant key).
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"X-Api-Key":         true,
	"X-Goog-Api-Key":    true,
	"Api-Key":           true,
	"Authorization":     true,
}

func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// flushWriter flushes after every write so streamed upstream chunks reach
// the client without buffering delay.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) io.Writer {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
