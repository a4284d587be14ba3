package admission

import (
	"context"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/keystore"
)

// Principal is the admitted tenant identity bound to the request context for
// downstream consumers (relay, billing).
type Principal struct {
	// Key is the resolved key record.
	Key *keystore.KeyRecord

	// RequestID is the gateway-assigned request identifier, also echoed in
	// the X-Request-ID response header.
	RequestID string

	// Client is the identified client (claude_code, gemini_cli, ...).
	Client string

	// Model is the model named in the request body, empty when absent.
	Model string

	// Queued reports whether the request waited in the overflow queue.
	Queued bool

	// QueueWait is the time spent queued. Zero for fast-path admissions.
	QueueWait time.Duration
}

type principalKey struct{}

// WithPrincipal binds the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the admitted principal, or nil before admission.
func PrincipalFrom(r *http.Request) *Principal {
	p, _ := r.Context().Value(principalKey{}).(*Principal)
	return p
}
