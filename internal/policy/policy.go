// Package policy evaluates client, endpoint, and model policy for admitted
// requests. Explicit denies fail closed; policy-read failures fail open.
package policy

import (
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/keystore"
)

// ClientClaudeCode is the canonical client identifier for the Claude Code CLI.
const ClientClaudeCode = "claude_code"

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool

	// Reason is a machine-readable denial reason, empty when allowed.
	Reason string

	// UserAgent is the observed client user agent, recorded on denies.
	UserAgent string
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

func deny(reason, ua string) Decision {
	return Decision{Allowed: false, Reason: reason, UserAgent: ua}
}

// claudeMessagesPaths is the endpoint set gated by Claude-Code-only policy.
var claudeMessagesPaths = map[string]bool{
	"/api/v1/messages":    true,
	"/claude/v1/messages": true,
}

// tokenCountPaths bypass client, model, concurrency, and rate checks.
// A valid key is still required.
var tokenCountPaths = map[string]bool{
	"/api/v1/messages/count_tokens":    true,
	"/claude/v1/messages/count_tokens": true,
	"/v1/messages/count_tokens":        true,
}

// NormalizePath collapses duplicate slashes and strips one trailing slash so
// path-set membership is not defeated by cosmetic variants.
func NormalizePath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}

// IsClaudeMessagesPath reports whether the path is in the Claude messages
// endpoint set.
func IsClaudeMessagesPath(path string) bool {
	return claudeMessagesPaths[NormalizePath(path)]
}

// IsTokenCountPath reports whether the path is a token-counting endpoint.
func IsTokenCountPath(path string) bool {
	return tokenCountPaths[NormalizePath(path)]
}

// IdentifyClient maps a request's User-Agent to a client identifier.
// Unrecognized agents return the raw (lowercased, truncated) UA string so
// allowlists can still match custom clients exactly.
func IdentifyClient(r *http.Request) string {
	ua := strings.ToLower(strings.TrimSpace(r.UserAgent()))
	switch {
	case strings.Contains(ua, "claude-cli"), strings.Contains(ua, "claude-code"):
		return ClientClaudeCode
	case strings.Contains(ua, "geminicli"), strings.Contains(ua, "gemini-cli"):
		return "gemini_cli"
	case strings.Contains(ua, "factory-cli"), strings.Contains(ua, "droid"):
		return "droid"
	case strings.Contains(ua, "openai"):
		return "openai_sdk"
	}
	if len(ua) > 64 {
		ua = ua[:64]
	}
	return ua
}

// EvaluateClient enforces the key's client allowlist. With the restriction
// disabled or the list empty, everything is allowed.
func EvaluateClient(r *http.Request, rec *keystore.KeyRecord) Decision {
	if !rec.ClientRestrictionEnabled || len(rec.AllowedClients) == 0 {
		return Allow
	}

	client := IdentifyClient(r)
	for _, allowed := range rec.AllowedClients {
		if strings.EqualFold(allowed, client) {
			return Allow
		}
	}
	return deny("client_not_allowed", r.UserAgent())
}

// EvaluateClaudeCodeOnly enforces the Claude-Code-only rule on the Claude
// messages endpoint set. The rule applies when the global flag is on, or
// when the key's own restriction is exactly {claude_code}.
//
// Paths outside the Claude messages set are never gated here.
func EvaluateClaudeCodeOnly(r *http.Request, globalEnabled bool, rec *keystore.KeyRecord) Decision {
	if !IsClaudeMessagesPath(r.URL.Path) {
		return Allow
	}

	keyScoped := rec.ClientRestrictionEnabled &&
		len(rec.AllowedClients) == 1 &&
		strings.EqualFold(rec.AllowedClients[0], ClientClaudeCode)

	if !globalEnabled && !keyScoped {
		return Allow
	}

	if IdentifyClient(r) == ClientClaudeCode {
		return Allow
	}
	return deny("claude_code_only", r.UserAgent())
}

// EvaluateModel enforces the key's enabled-models restriction. An empty list
// allows every model; an empty model name (not present in the request body)
// is allowed and left for the relay to validate.
func EvaluateModel(model string, rec *keystore.KeyRecord) Decision {
	if len(rec.EnabledModels) == 0 || model == "" {
		return Allow
	}
	for _, m := range rec.EnabledModels {
		if strings.EqualFold(m, model) {
			return Allow
		}
	}
	return deny("model_not_enabled", "")
}
