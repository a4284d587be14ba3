// Package relay hands admitted requests to the upstream LLM provider.
//
// Admission ends where this package begins: everything here runs with a
// Principal already bound and the concurrency slot held by the middleware.
package relay

import (
	"context"
	"net/http"

	"github.com/relaygate/relaygate/internal/admission"
)

// Relay forwards an admitted request upstream and writes the response.
type Relay interface {
	Forward(w http.ResponseWriter, r *http.Request, p *admission.Principal)
}

// Account identifies an upstream provider account.
type Account struct {
	ID       string
	Platform string

	// BaseURL overrides the forwarder's default upstream when non-empty.
	BaseURL string

	// Credential is the upstream API credential.
	Credential string
}

// AccountPicker selects the upstream account for a request. Scheduling
// strategy (sticky sessions, weighted pools) lives behind this interface.
type AccountPicker interface {
	Pick(ctx context.Context, p *admission.Principal) (*Account, error)
}

// StaticPicker always returns the same account. Single-upstream deployments.
type StaticPicker struct {
	Account Account
}

// Pick returns the configured account, honoring a key's account binding for
// the account's platform when one exists.
func (s *StaticPicker) Pick(_ context.Context, p *admission.Principal) (*Account, error) {
	acct := s.Account
	if p != nil && p.Key != nil {
		if bound, ok := p.Key.AccountBindings[acct.Platform]; ok && bound != "" {
			acct.ID = bound
		}
	}
	return &acct, nil
}
