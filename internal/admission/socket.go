package admission

import (
	"context"
	"net"
	"net/http"
	"sync"
)

// ConnIdentity is the per-TCP-connection state used to detect connection
// reuse across a queue wait. HTTP keep-alive means the connection a queued
// request arrived on can be serving a different request by the time a slot
// frees up; a slot handed to that foreign request would leak capacity to the
// wrong caller.
//
// One ConnIdentity is allocated per accepted connection via ConnContext and
// travels in every request context on that connection. Identity comparison
// is pointer equality.
type ConnIdentity struct {
	mu sync.Mutex

	// queueToken is the token of the request currently queued on this
	// connection, empty when none is.
	queueToken string
}

// SetQueueToken records the queue token of the request waiting on this
// connection, replacing any previous one.
func (c *ConnIdentity) SetQueueToken(token string) {
	c.mu.Lock()
	c.queueToken = token
	c.mu.Unlock()
}

// QueueToken returns the connection's current queue token.
func (c *ConnIdentity) QueueToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueToken
}

type connIdentityKey struct{}

// ConnContext installs a fresh ConnIdentity for an accepted connection.
// Wire it as the http.Server's ConnContext hook.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connIdentityKey{}, &ConnIdentity{})
}

// ConnIdentityFrom extracts the request's connection identity. Nil when the
// server was not wired with ConnContext (tests using bare handlers).
func ConnIdentityFrom(r *http.Request) *ConnIdentity {
	id, _ := r.Context().Value(connIdentityKey{}).(*ConnIdentity)
	return id
}

// WithConnIdentity returns a request carrying the given identity. For tests.
func WithConnIdentity(r *http.Request, id *ConnIdentity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), connIdentityKey{}, id))
}
