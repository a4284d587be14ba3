// Package admission composes the gateway's admission pipeline: credential
// extraction, key lookup, policy evaluation, concurrency slots with queue
// overflow, and rate limiting. It owns the concurrency slot's lifetime for
// the duration of the request.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/concurrency"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/keystore"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/policy"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/ratelimit"
)

// maxPayloadBytes is the request body cap. Larger payloads are rejected with
// 413 before any store work happens.
const maxPayloadBytes = 60 << 20

// minRenewInterval is the floor on the lease renewal interval.
const minRenewInterval = 15 * time.Second

// Deps are the collaborators the gatekeeper composes.
type Deps struct {
	Keys     *keystore.Store
	Settings *config.SettingsService
	Limiter  *ratelimit.Limiter
	Ctrl     *concurrency.Controller
	Queue    *queue.Manager
	Metrics  *metrics.Metrics
	Log      *logging.Logger

	// RenewInterval is the slot lease renewal cadence. 0 disables renewal;
	// non-zero values are floored at minRenewInterval.
	RenewInterval time.Duration

	// MaxSlotLifetime caps total slot lifetime via the renewal budget.
	MaxSlotLifetime time.Duration
}

// Gatekeeper is the admission middleware.
type Gatekeeper struct {
	deps Deps
	log  *logging.Logger
}

// NewGatekeeper creates the admission middleware from its collaborators.
func NewGatekeeper(deps Deps) *Gatekeeper {
	if deps.Log == nil {
		deps.Log = logging.NewDefaultLogger()
	}
	if deps.RenewInterval > 0 && deps.RenewInterval < minRenewInterval {
		deps.RenewInterval = minRenewInterval
	}
	return &Gatekeeper{deps: deps, log: deps.Log.Component("admission")}
}

// Middleware wraps next with the full admission pipeline. On success the
// request reaches next with a Principal in its context; on rejection the
// mapped error response is written and next never runs. Client disconnects
// and socket changes produce no response at all.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := r.Context()

		if r.ContentLength > maxPayloadBytes {
			g.reject(w, "payload_too_large",
				newAPIError(http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
					"request body exceeds the 60 MiB limit"))
			return
		}

		apiKey, err := keystore.ExtractAPIKey(r)
		if err != nil {
			code, outcome := CodeMissingKey, "missing_key"
			if errors.Is(err, keystore.ErrBadFormat) {
				code, outcome = CodeBadFormat, "invalid_key"
			}
			g.reject(w, outcome, newAPIError(http.StatusUnauthorized, code, err.Error()))
			return
		}

		rec, err := g.deps.Keys.Lookup(ctx, apiKey)
		if err != nil {
			if errors.Is(err, keystore.ErrNotFound) || errors.Is(err, keystore.ErrDisabled) {
				g.reject(w, "invalid_key",
					newAPIError(http.StatusUnauthorized, CodeInvalidKey, "invalid API key"))
				return
			}
			g.reject(w, "store_unavailable", storeUnavailable())
			return
		}

		// Token-count endpoints bypass policy, concurrency, and quota; a
		// valid key is still required.
		if policy.IsTokenCountPath(r.URL.Path) {
			p := &Principal{Key: rec, RequestID: reqID, Client: policy.IdentifyClient(r)}
			g.admit(w, r, next, p)
			return
		}

		settings := g.deps.Settings.Get(ctx)

		if d := policy.EvaluateClient(r, rec); !d.Allowed {
			g.reject(w, "client_denied",
				newAPIError(http.StatusForbidden, CodeClientDenied, "client not allowed for this key").
					withContext("reason", d.Reason).
					withContext("userAgent", d.UserAgent))
			return
		}
		if d := policy.EvaluateClaudeCodeOnly(r, settings.ClaudeCodeOnlyEnabled, rec); !d.Allowed {
			g.reject(w, "endpoint_gated",
				newAPIError(http.StatusForbidden, CodeEndpointGated, "endpoint restricted to Claude Code clients").
					withContext("reason", d.Reason))
			return
		}

		model, apiErr := peekModel(r)
		if apiErr != nil {
			g.reject(w, "payload_too_large", apiErr)
			return
		}
		if d := policy.EvaluateModel(model, rec); !d.Allowed {
			g.reject(w, "client_denied",
				newAPIError(http.StatusForbidden, CodeModelNotEnabled, "model not enabled for this key").
					withContext("model", model))
			return
		}

		var slot *concurrency.Slot
		var waited time.Duration
		queued := false

		if rec.ConcurrencyLimit > 0 {
			slot, err = g.deps.Ctrl.TryAcquire(ctx, rec.ID, rec.ConcurrencyLimit)
			var limited *concurrency.ErrLimitExceeded
			switch {
			case err == nil:
				// Fast path: slot acquired without queueing.

			case errors.As(err, &limited):
				if !settings.QueueEnabled {
					g.reject(w, "concurrency_rejected",
						newAPIError(http.StatusTooManyRequests, CodeConcurrencyLimitExceeded,
							"concurrency limit exceeded").
							withRetryAfter(time.Second).
							withContext("concurrencyLimit", rec.ConcurrencyLimit).
							withContext("currentConcurrency", limited.Live))
					return
				}
				var silent bool
				slot, waited, apiErr, silent = g.waitInQueue(w, r, rec, settings)
				if silent {
					return
				}
				if apiErr != nil {
					g.reject(w, queueOutcome(apiErr), apiErr)
					return
				}
				queued = true

			default:
				g.log.Error().Str("key_id", rec.ID).Err(err).Msg("slot acquire failed")
				g.reject(w, "store_unavailable", storeUnavailable())
				return
			}
		}

		release := func() {
			if slot != nil {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := slot.Release(releaseCtx, g.deps.Ctrl); err != nil {
					g.log.Warn().Str("key_id", rec.ID).Err(err).Msg("slot release failed")
				}
			}
		}

		deny, err := g.deps.Limiter.Check(ctx, rec, model)
		if err != nil {
			release()
			g.log.Error().Str("key_id", rec.ID).Err(err).Msg("quota check failed")
			g.reject(w, "store_unavailable", storeUnavailable())
			return
		}
		if deny != nil {
			release()
			g.reject(w, "rate_limited", denyToError(deny))
			return
		}
		if err := g.deps.Limiter.RecordRequest(ctx, rec); err != nil {
			// Window accounting is best-effort once the request is admitted.
			g.log.Warn().Str("key_id", rec.ID).Err(err).Msg("request count write failed")
		}

		if slot != nil {
			slot.StartRenewal(g.deps.Ctrl, concurrency.RenewalConfig{
				Interval:    g.deps.RenewInterval,
				MaxLifetime: g.deps.MaxSlotLifetime,
			}, g.log)
			defer release()
		}

		p := &Principal{
			Key:       rec,
			RequestID: reqID,
			Client:    policy.IdentifyClient(r),
			Model:     model,
			Queued:    queued,
			QueueWait: waited,
		}
		g.admit(w, r, next, p)
	})
}

// waitInQueue runs the overflow queue protocol for a request that lost the
// fast path: health fast-fail, entry, polling wait, and the post-acquire
// liveness and socket-identity checks. silent=true means no response may be
// written (disconnect, socket change).
func (g *Gatekeeper) waitInQueue(w http.ResponseWriter, r *http.Request, rec *keystore.KeyRecord, settings config.Settings) (*concurrency.Slot, time.Duration, *apiError, bool) {
	ctx := r.Context()
	capacity := settings.MaxQueueSize(rec.ConcurrencyLimit)
	timeout := time.Duration(settings.QueueTimeoutMs) * time.Millisecond

	if err := g.deps.Queue.CheckHealth(ctx, rec.ID, settings, capacity); err != nil {
		var overloaded *queue.ErrOverloaded
		if errors.As(err, &overloaded) {
			return nil, 0, newAPIError(http.StatusTooManyRequests, CodeOverloaded,
				"queue is overloaded, try again later").
				withRetryAfter(overloaded.RetryAfter).
				withContext("p90WaitMs", overloaded.P90Ms), false
		}
		return nil, 0, storeUnavailable(), false
	}

	if err := g.deps.Queue.Enter(ctx, rec.ID, capacity, timeout); err != nil {
		var full *queue.ErrQueueFull
		if errors.As(err, &full) {
			return nil, 0, newAPIError(http.StatusTooManyRequests, CodeQueueFull, "queue is full").
				withRetryAfter(full.RetryAfter).
				withContext("queueCapacity", full.Capacity), false
		}
		return nil, 0, storeUnavailable(), false
	}

	// Queued requests drop keep-alive: a long wait must not leave a pooled
	// connection parked behind this response.
	w.Header().Set("Connection", "close")

	token := uuid.NewString()
	connID := ConnIdentityFrom(r)
	if connID != nil {
		connID.SetQueueToken(token)
	}

	cfg := queue.DefaultWaitConfig(timeout, settings.QueueMaxRedisFailCount)
	slot, waited, err := g.deps.Queue.Wait(ctx, rec.ID, rec.ConcurrencyLimit, cfg)
	if err != nil {
		var timedOut *queue.ErrWaitTimeout
		var gone *queue.ErrClientGone
		switch {
		case errors.As(err, &timedOut):
			return nil, waited, newAPIError(http.StatusTooManyRequests, CodeQueueTimeout,
				"timed out waiting for a concurrency slot").
				withRetryAfter(timeoutRetryAfter(timeout)).
				withContext("waitedMs", waited.Milliseconds()), false
		case errors.As(err, &gone):
			g.count("client_disconnected")
			return nil, waited, nil, true
		default:
			return nil, waited, storeUnavailable(), false
		}
	}

	releaseSilently := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = slot.Release(releaseCtx, g.deps.Ctrl)
	}

	// Liveness re-check: the disconnect may have raced the acquisition.
	if ctx.Err() != nil {
		releaseSilently()
		g.count("client_disconnected")
		return nil, waited, nil, true
	}

	// Socket identity: if the connection now carries a different queue token,
	// the connection was reused by a foreign request during our wait. The
	// slot must not be handed to it.
	if connID != nil && connID.QueueToken() != token {
		releaseSilently()
		g.deps.Queue.Stats().Record(rec.ID, queue.StatSocketChanged)
		g.log.Warn().Str("key_id", rec.ID).Msg("connection reused during queue wait, dropping slot")
		return nil, waited, nil, true
	}

	return slot, waited, nil, false
}

func (g *Gatekeeper) admit(w http.ResponseWriter, r *http.Request, next http.Handler, p *Principal) {
	g.count("admitted")
	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
}

func (g *Gatekeeper) reject(w http.ResponseWriter, outcome string, e *apiError) {
	g.count(outcome)
	e.write(w)
}

func (g *Gatekeeper) count(outcome string) {
	if g.deps.Metrics != nil {
		g.deps.Metrics.AdmissionTotal.WithLabelValues(outcome).Inc()
	}
}

func storeUnavailable() *apiError {
	return newAPIError(http.StatusServiceUnavailable, CodeStoreUnavailable,
		"shared store unavailable, try again later")
}

func queueOutcome(e *apiError) string {
	switch e.Code {
	case CodeQueueFull:
		return "queue_full"
	case CodeQueueTimeout:
		return "queue_timeout"
	case CodeOverloaded:
		return "overloaded"
	default:
		return "store_unavailable"
	}
}

// timeoutRetryAfter is the client backoff hint after a queue timeout:
// half the wait budget, clamped to [5s, 30s].
func timeoutRetryAfter(timeout time.Duration) time.Duration {
	secs := int(math.Ceil(timeout.Seconds() / 2))
	if secs < 5 {
		secs = 5
	}
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func denyToError(d *ratelimit.Deny) *apiError {
	var code string
	switch d.Kind {
	case ratelimit.DenyDailyCost:
		code = CodeDailyCostLimit
	case ratelimit.DenyTotalCost:
		code = CodeTotalCostLimit
	case ratelimit.DenyWeeklyOpus:
		code = CodeWeeklyOpusLimit
	default:
		code = CodeRateLimitExceeded
	}

	e := newAPIError(http.StatusTooManyRequests, code, d.Message)
	if !d.ResetAt.IsZero() {
		e.withContext("resetAt", d.ResetAt.Format(time.RFC3339)).
			withContext("remainingMinutes", d.RemainingMinutes)
		e.withRetryAfter(time.Duration(d.RemainingMinutes) * time.Minute)
	}
	if d.CostLimit > 0 {
		e.withContext("costLimit", d.CostLimit).
			withContext("currentCost", d.CurrentCost)
	}
	return e
}

// peekModel extracts the "model" field from a JSON request body without
// consuming it: the body is buffered (bounded by the payload cap) and
// restored for the relay. Non-JSON or empty bodies yield an empty model.
func peekModel(r *http.Request) (string, *apiError) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		return "", nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > maxPayloadBytes {
		return "", newAPIError(http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			"request body exceeds the 60 MiB limit")
	}

	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return payload.Model, nil
}
