package policy

import (
	"net/http/httptest"
	"testing"

	"github.com/relaygate/relaygate/internal/keystore"
)

// TestNormalizePath verifies duplicate slashes and trailing slashes collapse.
func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/v1/messages", "/api/v1/messages"},
		{"/api//v1///messages/", "/api/v1/messages"},
		{"/v1/messages/count_tokens/", "/v1/messages/count_tokens"},
		{"/", "/"},
		{"", "/"},
	}
	for _, tc := range cases {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestIsTokenCountPath verifies the normalized token-count endpoint set.
func TestIsTokenCountPath(t *testing.T) {
	for _, path := range []string{
		"/api/v1/messages/count_tokens",
		"/claude/v1/messages/count_tokens",
		"/v1/messages/count_tokens",
		"/api//v1/messages/count_tokens/",
	} {
		if !IsTokenCountPath(path) {
			t.Errorf("IsTokenCountPath(%q) = false, want true", path)
		}
	}
	for _, path := range []string{
		"/api/v1/messages",
		"/v1/count_tokens",
	} {
		if IsTokenCountPath(path) {
			t.Errorf("IsTokenCountPath(%q) = true, want false", path)
		}
	}
}

// TestEvaluateClientAllowlist verifies allowlist enforcement and the
// disabled-restriction fast path.
func TestEvaluateClientAllowlist(t *testing.T) {
	rec := &keystore.KeyRecord{
		ClientRestrictionEnabled: true,
		AllowedClients:           []string{"claude_code"},
	}

	r := httptest.NewRequest("POST", "/api/v1/messages", nil)
	r.Header.Set("User-Agent", "claude-cli/1.0.44 (external)")
	if d := EvaluateClient(r, rec); !d.Allowed {
		t.Errorf("claude-cli denied: %+v", d)
	}

	r2 := httptest.NewRequest("POST", "/api/v1/messages", nil)
	r2.Header.Set("User-Agent", "curl/8.0")
	d := EvaluateClient(r2, rec)
	if d.Allowed {
		t.Error("curl allowed against claude_code allowlist")
	}
	if d.Reason != "client_not_allowed" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.UserAgent != "curl/8.0" {
		t.Errorf("UserAgent = %q", d.UserAgent)
	}

	// Restriction off: anything goes.
	open := &keystore.KeyRecord{ClientRestrictionEnabled: false}
	if d := EvaluateClient(r2, open); !d.Allowed {
		t.Errorf("unrestricted key denied: %+v", d)
	}
}

// TestEvaluateClaudeCodeOnlyGlobalFlag verifies the global flag gates only
// the Claude messages endpoint set.
func TestEvaluateClaudeCodeOnlyGlobalFlag(t *testing.T) {
	rec := &keystore.KeyRecord{}

	curl := httptest.NewRequest("POST", "/api/v1/messages", nil)
	curl.Header.Set("User-Agent", "curl/8.0")
	if d := EvaluateClaudeCodeOnly(curl, true, rec); d.Allowed {
		t.Error("global flag on: curl should be denied on Claude messages path")
	}

	cli := httptest.NewRequest("POST", "/claude/v1/messages", nil)
	cli.Header.Set("User-Agent", "claude-cli/1.0.44")
	if d := EvaluateClaudeCodeOnly(cli, true, rec); !d.Allowed {
		t.Errorf("global flag on: claude-cli denied: %+v", d)
	}

	// Non-Claude path is never gated.
	gemini := httptest.NewRequest("POST", "/gemini/v1/generate", nil)
	gemini.Header.Set("User-Agent", "curl/8.0")
	if d := EvaluateClaudeCodeOnly(gemini, true, rec); !d.Allowed {
		t.Errorf("non-Claude path gated: %+v", d)
	}
}

// TestEvaluateClaudeCodeOnlyKeyScoped verifies a key restricted to exactly
// {claude_code} triggers enforcement even with the global flag off.
func TestEvaluateClaudeCodeOnlyKeyScoped(t *testing.T) {
	scoped := &keystore.KeyRecord{
		ClientRestrictionEnabled: true,
		AllowedClients:           []string{"claude_code"},
	}
	curl := httptest.NewRequest("POST", "/api/v1/messages", nil)
	curl.Header.Set("User-Agent", "curl/8.0")
	if d := EvaluateClaudeCodeOnly(curl, false, scoped); d.Allowed {
		t.Error("key-scoped rule: curl should be denied")
	}

	// Two allowed clients: the key-scoped rule does not apply.
	broad := &keystore.KeyRecord{
		ClientRestrictionEnabled: true,
		AllowedClients:           []string{"claude_code", "gemini_cli"},
	}
	if d := EvaluateClaudeCodeOnly(curl, false, broad); !d.Allowed {
		t.Errorf("broad allowlist should not trigger claude-code-only: %+v", d)
	}
}

// TestEvaluateModel verifies the enabled-models restriction.
func TestEvaluateModel(t *testing.T) {
	rec := &keystore.KeyRecord{EnabledModels: []string{"claude-sonnet-4-5", "claude-opus-4-1"}}

	if d := EvaluateModel("claude-sonnet-4-5", rec); !d.Allowed {
		t.Errorf("enabled model denied: %+v", d)
	}
	if d := EvaluateModel("gpt-4o", rec); d.Allowed {
		t.Error("disabled model allowed")
	}
	if d := EvaluateModel("", rec); !d.Allowed {
		t.Error("empty model should pass through to the relay")
	}
	if d := EvaluateModel("gpt-4o", &keystore.KeyRecord{}); !d.Allowed {
		t.Error("empty restriction list should allow all models")
	}
}
