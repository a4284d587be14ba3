package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/concurrency"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/keystore"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/ratelimit"
)

type testEnv struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	backend *keystore.RedisBackend
	ctrl    *concurrency.Controller
	queue   *queue.Manager
	limiter *ratelimit.Limiter
	gate    *Gatekeeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := keystore.NewRedisBackend(rdb)
	keys := keystore.NewStore(backend, time.Minute, 30*time.Second, nil)
	settings := config.NewSettingsService(rdb, time.Millisecond)
	limiter := ratelimit.NewLimiter(rdb)
	ctrl := concurrency.NewController(rdb, 60*time.Second)

	m := metrics.NewForTest()
	stats := queue.NewRecorder(rdb, nil, m)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go stats.Run(ctx)
	qm := queue.NewManager(rdb, ctrl, stats, nil)

	gate := NewGatekeeper(Deps{
		Keys:     keys,
		Settings: settings,
		Limiter:  limiter,
		Ctrl:     ctrl,
		Queue:    qm,
		Metrics:  m,
	})

	return &testEnv{
		mr:      mr,
		rdb:     rdb,
		backend: backend,
		ctrl:    ctrl,
		queue:   qm,
		limiter: limiter,
		gate:    gate,
	}
}

func (e *testEnv) putKey(t *testing.T, apiKey string, rec *keystore.KeyRecord) {
	t.Helper()
	if err := e.backend.PutRecord(context.Background(), apiKey, rec); err != nil {
		t.Fatal(err)
	}
}

// okHandler records whether it ran and asserts a principal is bound.
type okHandler struct {
	ran       bool
	principal *Principal
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ran = true
	h.principal = PrincipalFrom(r)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e *testEnv) do(r *http.Request) (*httptest.ResponseRecorder, *okHandler) {
	next := &okHandler{}
	rec := httptest.NewRecorder()
	e.gate.Middleware(next).ServeHTTP(rec, r)
	return rec, next
}

func messagesRequest(apiKey string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","messages":[]}`))
	r.Header.Set("x-api-key", apiKey)
	r.Header.Set("User-Agent", "claude-cli/1.0")
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body
}

// TestAdmitValidKey verifies the happy path: valid key, no limits, request
// reaches the handler with a bound principal and X-Request-ID set.
func TestAdmitValidKey(t *testing.T) {
	e := newTestEnv(t)
	e.putKey(t, "sk-test-abcdef123456", &keystore.KeyRecord{ID: "k1", Name: "test"})

	rec, next := e.do(messagesRequest("sk-test-abcdef123456"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if !next.ran {
		t.Fatal("handler did not run")
	}
	if next.principal == nil || next.principal.Key.ID != "k1" {
		t.Fatalf("principal = %+v, want key k1", next.principal)
	}
	if next.principal.Model != "claude-sonnet-4" {
		t.Errorf("principal model = %q", next.principal.Model)
	}
	if next.principal.Queued {
		t.Error("fast-path admission marked as queued")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
	if rec.Header().Get("Connection") == "close" {
		t.Error("fast-path response must keep the connection alive")
	}
}

// TestRejectCredentialErrors verifies the 401 taxonomy.
func TestRejectCredentialErrors(t *testing.T) {
	e := newTestEnv(t)
	e.putKey(t, "sk-disabled-key-123", &keystore.KeyRecord{ID: "k2", Disabled: true})

	cases := []struct {
		name     string
		mutate   func(*http.Request)
		wantCode string
	}{
		{"missing", func(r *http.Request) { r.Header.Del("x-api-key") }, "MissingKey"},
		{"too short", func(r *http.Request) { r.Header.Set("x-api-key", "short") }, "BadFormat"},
		{"unknown", func(r *http.Request) { r.Header.Set("x-api-key", "sk-nobody-home-0000") }, "InvalidKey"},
		{"disabled", func(r *http.Request) { r.Header.Set("x-api-key", "sk-disabled-key-123") }, "InvalidKey"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := messagesRequest("placeholder-key-123")
			tc.mutate(r)
			rec, next := e.do(r)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if next.ran {
				t.Error("handler ran for rejected credential")
			}
			if body := decodeBody(t, rec); body["error"] != tc.wantCode {
				t.Errorf("error = %v, want %s", body["error"], tc.wantCode)
			}
		})
	}
}

// TestTokenCountBypass verifies token-count endpoints skip policy and
// concurrency but still require a valid key.
func TestTokenCountBypass(t *testing.T) {
	e := newTestEnv(t)
	e.putKey(t, "sk-restricted-key-01", &keystore.KeyRecord{
		ID:                       "k3",
		ConcurrencyLimit:         1,
		ClientRestrictionEnabled: true,
		AllowedClients:           []string{"gemini_cli"},
	})

	// Saturate the key's only slot: bypass must not care.
	if _, err := e.ctrl.TryAcquire(context.Background(), "k3", 1); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/messages/count_tokens",
		strings.NewReader(`{"model":"claude-sonnet-4"}`))
	r.Header.Set("x-api-key", "sk-restricted-key-01")
	r.Header.Set("User-Agent", "claude-cli/1.0") // would fail the allowlist

	rec, next := e.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if !next.ran {
		t.Fatal("handler did not run")
	}

	// Same key without the bypass path is policy-rejected.
	rec, _ = e.do(messagesRequest("sk-restricted-key-01"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-bypass status = %d, want 403", rec.Code)
	}
}

// TestConcurrencyFastReject verifies queueing-disabled rejection carries
// Retry-After 1 and the limit context.
func TestConcurrencyFastReject(t *testing.T) {
	e := newTestEnv(t)
	e.rdb.HSet(context.Background(), "gateway:settings",
		"concurrentRequestQueueEnabled", "false")
	e.putKey(t, "sk-limited-key-0001", &keystore.KeyRecord{ID: "k4", ConcurrencyLimit: 1})

	if _, err := e.ctrl.TryAcquire(context.Background(), "k4", 1); err != nil {
		t.Fatal(err)
	}

	rec, next := e.do(messagesRequest("sk-limited-key-0001"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (%s)", rec.Code, rec.Body.String())
	}
	if next.ran {
		t.Error("handler ran while over the limit")
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	body := decodeBody(t, rec)
	if body["error"] != "ConcurrencyLimitExceeded" {
		t.Errorf("error = %v", body["error"])
	}
	if body["concurrencyLimit"] != float64(1) || body["currentConcurrency"] != float64(1) {
		t.Errorf("body = %v, want concurrencyLimit=1 currentConcurrency=1", body)
	}
}

// TestQueueAdmission verifies a second request queues, picks up the freed
// slot, and is admitted with Connection: close.
func TestQueueAdmission(t *testing.T) {
	e := newTestEnv(t)
	e.putKey(t, "sk-queued-key-00001", &keystore.KeyRecord{ID: "k5", ConcurrencyLimit: 1})

	holder, err := e.ctrl.TryAcquire(context.Background(), "k5", 1)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = holder.Release(context.Background(), e.ctrl)
	}()

	rec, next := e.do(messagesRequest("sk-queued-key-00001"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if !next.ran {
		t.Fatal("handler did not run")
	}
	if !next.principal.Queued {
		t.Error("principal not marked queued")
	}
	if next.principal.QueueWait <= 0 {
		t.Error("queue wait not recorded")
	}
	if rec.Header().Get("Connection") != "close" {
		t.Error("queued response must carry Connection: close")
	}

	// Slot released when the handler returned.
	count, err := e.ctrl.LiveCount(context.Background(), "k5")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("LiveCount after response = %d, want 0", count)
	}
}

// TestQueueFull verifies capacity rejection with Retry-After = ceil(timeout).
func TestQueueFull(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.rdb.HSet(ctx, "gateway:settings",
		"concurrentRequestQueueMaxSize", "1",
		"concurrentRequestQueueMaxSizeMultiplier", "0",
		"concurrentRequestQueueTimeoutMs", "30000")
	e.putKey(t, "sk-full-queue-key-1", &keystore.KeyRecord{ID: "k6", ConcurrencyLimit: 1})

	if _, err := e.ctrl.TryAcquire(ctx, "k6", 1); err != nil {
		t.Fatal(err)
	}
	// Capacity is 1 and someone already occupies it.
	if err := e.queue.Enter(ctx, "k6", 1, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	rec, _ := e.do(messagesRequest("sk-full-queue-key-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["error"] != "QueueFull" {
		t.Errorf("error = %v, want QueueFull", body["error"])
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

// TestRateLimitDeny verifies an exhausted request window rejects with the
// window's reset context.
func TestRateLimitDeny(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	key := &keystore.KeyRecord{
		ID:                 "k7",
		RateLimitWindowSec: 60,
		RateLimitRequests:  1,
	}
	e.putKey(t, "sk-rate-limited-001", key)

	// Consume the single allowed request.
	if err := e.limiter.RecordRequest(ctx, key); err != nil {
		t.Fatal(err)
	}

	rec, next := e.do(messagesRequest("sk-rate-limited-001"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (%s)", rec.Code, rec.Body.String())
	}
	if next.ran {
		t.Error("handler ran over quota")
	}
	body := decodeBody(t, rec)
	if body["error"] != "RateLimitExceeded" {
		t.Errorf("error = %v", body["error"])
	}
	if body["resetAt"] == nil {
		t.Error("body missing resetAt")
	}
}

// TestPayloadTooLarge verifies the 60 MiB cap.
func TestPayloadTooLarge(t *testing.T) {
	e := newTestEnv(t)
	e.putKey(t, "sk-big-body-key-001", &keystore.KeyRecord{ID: "k8"})

	r := messagesRequest("sk-big-body-key-001")
	r.ContentLength = maxPayloadBytes + 1

	rec, next := e.do(r)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if next.ran {
		t.Error("handler ran for oversized payload")
	}
}

// TestModelRestriction verifies the enabled-models allowlist.
func TestModelRestriction(t *testing.T) {
	e := newTestEnv(t)
	e.putKey(t, "sk-model-locked-001", &keystore.KeyRecord{
		ID:            "k9",
		EnabledModels: []string{"claude-haiku-4"},
	})

	rec, _ := e.do(messagesRequest("sk-model-locked-001"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["error"] != "ModelNotEnabled" {
		t.Errorf("error = %v", body["error"])
	}
}

// TestSocketChangeDropsSlot verifies a connection reused during the queue
// wait releases the slot silently: no response bytes, no handler run.
func TestSocketChangeDropsSlot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.putKey(t, "sk-socket-reuse-001", &keystore.KeyRecord{ID: "k10", ConcurrencyLimit: 1})

	holder, err := e.ctrl.TryAcquire(ctx, "k10", 1)
	if err != nil {
		t.Fatal(err)
	}

	connID := &ConnIdentity{}
	r := WithConnIdentity(messagesRequest("sk-socket-reuse-001"), connID)

	go func() {
		time.Sleep(80 * time.Millisecond)
		// A foreign request starts queueing on the same connection, then the
		// slot frees up.
		connID.SetQueueToken("foreign-token")
		_ = holder.Release(context.Background(), e.ctrl)
	}()

	rec, next := e.do(r)
	if next.ran {
		t.Fatal("handler ran despite socket change")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("response body written on socket change: %q", rec.Body.String())
	}

	// The slot taken by the doomed waiter was returned.
	count, err := e.ctrl.LiveCount(ctx, "k10")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("LiveCount = %d, want 0 after silent release", count)
	}
}

// TestClientDisconnectDuringWait verifies a cancelled request produces no
// response and leaves no held slot.
func TestClientDisconnectDuringWait(t *testing.T) {
	e := newTestEnv(t)
	baseCtx := context.Background()
	e.putKey(t, "sk-gone-client-0001", &keystore.KeyRecord{ID: "k11", ConcurrencyLimit: 1})

	if _, err := e.ctrl.TryAcquire(baseCtx, "k11", 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	r := messagesRequest("sk-gone-client-0001").WithContext(ctx)
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	rec, next := e.do(r)
	if next.ran {
		t.Fatal("handler ran for disconnected client")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("response written for disconnected client: %q", rec.Body.String())
	}
}
