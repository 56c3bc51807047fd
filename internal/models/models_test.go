package models

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

var testCatalog = []CatalogEntry{
	{Provider: "openai", ID: "gpt-4"},
	{Provider: "openai", ID: "gpt-3.5"},
	{Provider: "claude-cli", ID: "opus-4.5", Reasoning: true},
	{Provider: "anthropic", ID: "claude-sonnet-4"},
}

func TestResolveProviderPrefixed(t *testing.T) {
	s := NewSelector(Config{DefaultModel: "anthropic/claude-sonnet-4"}, testCatalog)

	got := s.Resolve("openai/gpt-4")
	if got != (Ref{Provider: "openai", Model: "gpt-4"}) {
		t.Fatalf("got %v", got)
	}

	// Provider aliasing folds to one canonical id.
	got = s.Resolve("claude/claude-sonnet-4")
	if got.Provider != "anthropic" {
		t.Fatalf("provider not normalized: %v", got)
	}
}

func TestResolveAliasCaseInsensitive(t *testing.T) {
	s := NewSelector(Config{
		DefaultModel: "anthropic/claude-sonnet-4",
		Aliases:      map[string]string{"Opus": "claude-cli/opus-4.5"},
	}, testCatalog)

	for _, raw := range []string{"opus", "Opus", "OPUS"} {
		got := s.Resolve(raw)
		if got != (Ref{Provider: "claude-cli", Model: "opus-4.5"}) {
			t.Errorf("Resolve(%q) = %v", raw, got)
		}
	}

	aliases := s.Aliases(Ref{Provider: "claude-cli", Model: "opus-4.5"})
	if len(aliases) != 1 || aliases[0] != "Opus" {
		t.Errorf("reverse index = %v", aliases)
	}
}

func TestResolveBareTokenFallsBackToDefaultProvider(t *testing.T) {
	// Bare tokens without an alias resolve under the default provider,
	// which itself defaults to anthropic for configs predating aliases.
	s := NewSelector(Config{DefaultModel: "anthropic/claude-sonnet-4"}, testCatalog)
	got := s.Resolve("claude-sonnet-4")
	if got != (Ref{Provider: "anthropic", Model: "claude-sonnet-4"}) {
		t.Fatalf("got %v", got)
	}

	s = NewSelector(Config{DefaultProvider: "openai", DefaultModel: "openai/gpt-4"}, testCatalog)
	got = s.Resolve("gpt-4")
	if got != (Ref{Provider: "openai", Model: "gpt-4"}) {
		t.Fatalf("got %v", got)
	}
}

func TestAllowedSetIncludesDefault(t *testing.T) {
	s := NewSelector(Config{
		DefaultModel: "claude-cli/opus-4.5",
		Allowed:      []string{"openai/gpt-4"},
	}, testCatalog)

	if !s.IsAllowed(Ref{Provider: "openai", Model: "gpt-4"}) {
		t.Error("listed model must be allowed")
	}
	if !s.IsAllowed(Ref{Provider: "claude-cli", Model: "opus-4.5"}) {
		t.Error("default model must be implicitly allowed")
	}
	if s.IsAllowed(Ref{Provider: "openai", Model: "gpt-3.5"}) {
		t.Error("unlisted model must not be allowed")
	}
}

func TestEmptyAllowedSetFailsOpen(t *testing.T) {
	// Every allowlist entry is invalid against the catalog: the resulting
	// set is empty and the selector must fail open to allow-any rather than
	// bricking the agent.
	s := NewSelector(Config{
		DefaultModel: "anthropic/claude-sonnet-4",
		Allowed:      []string{"nonexistent/model", "also/missing"},
	}, testCatalog)

	if !s.IsAllowed(Ref{Provider: "openai", Model: "gpt-3.5"}) {
		t.Error("empty allowed set must fail open to allow-any")
	}
	if s.AllowedRefs() != nil {
		t.Errorf("AllowedRefs = %v, want nil for allow-any", s.AllowedRefs())
	}
}

func TestDefaultThinkingLevel(t *testing.T) {
	s := NewSelector(Config{DefaultModel: "anthropic/claude-sonnet-4"}, testCatalog)

	if got := s.DefaultThinkingLevel(Ref{Provider: "claude-cli", Model: "opus-4.5"}); got != "low" {
		t.Errorf("reasoning model default = %q, want low", got)
	}
	if got := s.DefaultThinkingLevel(Ref{Provider: "openai", Model: "gpt-4"}); got != "off" {
		t.Errorf("non-reasoning model default = %q, want off", got)
	}
	if got := s.DefaultThinkingLevel(Ref{Provider: "x", Model: "unknown"}); got != "off" {
		t.Errorf("unknown model default = %q, want off", got)
	}
}

func TestResolveOverride(t *testing.T) {
	s := NewSelector(Config{
		DefaultModel: "claude-cli/opus-4.5",
		Allowed:      []string{"openai/gpt-4"},
		Aliases:      map[string]string{"fast": "openai/gpt-4"},
	}, testCatalog)

	provider, model, isDefault, err := s.ResolveOverride("fast")
	if err != nil {
		t.Fatal(err)
	}
	if provider != "openai" || model != "gpt-4" || isDefault {
		t.Errorf("got %s/%s default=%v", provider, model, isDefault)
	}

	// The default ref reports isDefault so the caller clears the override.
	_, _, isDefault, err = s.ResolveOverride("claude-cli/opus-4.5")
	if err != nil {
		t.Fatal(err)
	}
	if !isDefault {
		t.Error("default ref not reported as default")
	}

	_, _, _, err = s.ResolveOverride("openai/gpt-3.5")
	var verr *sessions.ValidationError
	if !errors.As(err, &verr) || verr.Code != sessions.CodeModelNotAllowed {
		t.Fatalf("expected model_not_allowed, got %v", err)
	}
}

func TestListAnnotations(t *testing.T) {
	s := NewSelector(Config{
		DefaultModel: "claude-cli/opus-4.5",
		Allowed:      []string{"openai/gpt-4"},
		Aliases:      map[string]string{"opus": "claude-cli/opus-4.5"},
	}, testCatalog)

	items := s.List()
	if len(items) != len(testCatalog) {
		t.Fatalf("len = %d", len(items))
	}
	byModel := map[string]ListItem{}
	for _, it := range items {
		byModel[it.Provider+"/"+it.Model] = it
	}
	if it := byModel["claude-cli/opus-4.5"]; !it.Default || !it.Allowed || len(it.Aliases) != 1 {
		t.Errorf("default item = %+v", it)
	}
	if it := byModel["openai/gpt-3.5"]; it.Allowed {
		t.Errorf("gpt-3.5 should not be allowed: %+v", it)
	}
}
