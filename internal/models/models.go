// Package models resolves free-form model strings to canonical provider/model
// refs, with alias indirection and allowlist enforcement.
package models

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// Ref is a canonical provider+model pair.
type Ref struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (r Ref) String() string { return r.Provider + "/" + r.Model }

// CatalogEntry describes one model known to the external catalog source.
type CatalogEntry struct {
	Provider      string `json:"provider"`
	ID            string `json:"id"`
	DisplayName   string `json:"display_name,omitempty"`
	Reasoning     bool   `json:"reasoning,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// CatalogSource loads the live model catalog. External collaborator; results
// may be cached by the caller.
type CatalogSource interface {
	LoadCatalog(ctx context.Context) ([]CatalogEntry, error)
}

// Config is the model-selection slice of the gateway configuration.
type Config struct {
	DefaultProvider string            `json:"default_provider,omitempty"` // fallback for bare tokens, default "anthropic"
	DefaultModel    string            `json:"default_model,omitempty"`    // "provider/model" or alias
	Aliases         map[string]string `json:"aliases,omitempty"`          // alias -> "provider/model"
	Allowed         []string          `json:"allowed,omitempty"`          // allowlist, empty = allow any
}

// providerAliases folds alternate vendor spellings into one canonical id.
var providerAliases = map[string]string{
	"claude":    "anthropic",
	"google":    "gemini",
	"x-ai":      "xai",
	"open-ai":   "openai",
	"opencoder": "opencode",
}

// NormalizeProvider returns the canonical provider id for a raw spelling.
func NormalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if canonical, ok := providerAliases[p]; ok {
		return canonical
	}
	return p
}

// Selector resolves model strings for one agent. Built once from config plus
// a catalog snapshot; rebuild after config reload.
type Selector struct {
	aliases         map[string]Ref   // lowercased alias -> ref
	reverse         map[Ref][]string // ref -> aliases, for display
	allowed         map[Ref]bool     // nil = allow any
	catalog         map[Ref]CatalogEntry
	defaultRef      Ref
	defaultProvider string
}

// NewSelector builds a selector from config and a catalog snapshot.
func NewSelector(cfg Config, catalog []CatalogEntry) *Selector {
	s := &Selector{
		aliases:         make(map[string]Ref),
		reverse:         make(map[Ref][]string),
		catalog:         make(map[Ref]CatalogEntry),
		defaultProvider: NormalizeProvider(cfg.DefaultProvider),
	}
	if s.defaultProvider == "" {
		// Deprecated compatibility default: bare tokens without an alias
		// historically resolved under the anthropic provider.
		s.defaultProvider = "anthropic"
	}

	for _, entry := range catalog {
		ref := Ref{Provider: NormalizeProvider(entry.Provider), Model: entry.ID}
		s.catalog[ref] = entry
	}

	for alias, target := range cfg.Aliases {
		ref := s.parseRef(target)
		key := strings.ToLower(strings.TrimSpace(alias))
		if key == "" || ref.Model == "" {
			continue
		}
		s.aliases[key] = ref
		s.reverse[ref] = append(s.reverse[ref], alias)
	}
	for _, aliases := range s.reverse {
		sort.Strings(aliases)
	}

	s.defaultRef = s.Resolve(cfg.DefaultModel)
	s.allowed = s.buildAllowedSet(cfg.Allowed)
	return s
}

// parseRef splits "provider/model" without alias lookup.
func (s *Selector) parseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	if provider, model, ok := strings.Cut(raw, "/"); ok && provider != "" && model != "" {
		return Ref{Provider: NormalizeProvider(provider), Model: model}
	}
	return Ref{Provider: s.defaultProvider, Model: raw}
}

// Resolve maps a free-form model string to a canonical ref. Resolution order
// for a bare token: case-insensitive alias first, then defaultProvider/token.
func (s *Selector) Resolve(raw string) Ref {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.defaultRef
	}
	if ref, ok := s.aliases[strings.ToLower(raw)]; ok {
		return ref
	}
	return s.parseRef(raw)
}

// buildAllowedSet validates the configured allowlist against the catalog.
// The default model is always implicitly allowed. An empty result (all
// entries invalid, or no list configured) means allow-any: failing open here
// is deliberate, a misconfigured allowlist must not brick the agent.
func (s *Selector) buildAllowedSet(allowed []string) map[Ref]bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[Ref]bool)
	for _, raw := range allowed {
		ref := s.Resolve(raw)
		if len(s.catalog) > 0 {
			if _, ok := s.catalog[ref]; !ok {
				continue
			}
		}
		set[ref] = true
	}
	if len(set) == 0 {
		return nil
	}
	if s.defaultRef.Model != "" {
		set[s.defaultRef] = true
	}
	return set
}

// IsAllowed reports whether a ref passes the allowlist.
func (s *Selector) IsAllowed(ref Ref) bool {
	if s.allowed == nil {
		return true
	}
	return s.allowed[ref]
}

// AllowedRefs returns the explicit allowed set, nil when any model is
// allowed. Sorted for stable display.
func (s *Selector) AllowedRefs() []Ref {
	if s.allowed == nil {
		return nil
	}
	refs := make([]Ref, 0, len(s.allowed))
	for ref := range s.allowed {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Default returns the configured default ref.
func (s *Selector) Default() Ref { return s.defaultRef }

// Aliases returns the configured aliases pointing at a ref, for display.
func (s *Selector) Aliases(ref Ref) []string { return s.reverse[ref] }

// DefaultThinkingLevel returns the thinking level for a ref when the session
// has not configured one: low for reasoning-capable models, off otherwise.
func (s *Selector) DefaultThinkingLevel(ref Ref) string {
	if entry, ok := s.catalog[ref]; ok && entry.Reasoning {
		return "low"
	}
	return "off"
}

// ResolveOverride implements sessions.ModelGuard: validates a session model
// override against the allowlist and reports whether it is the redundant
// default.
func (s *Selector) ResolveOverride(raw string) (provider, model string, isDefault bool, err error) {
	ref := s.Resolve(raw)
	if !s.IsAllowed(ref) {
		return "", "", false, &sessions.ValidationError{
			Code:    sessions.CodeModelNotAllowed,
			Field:   "model",
			Message: fmt.Sprintf("model %s is not in the allowed set", ref),
		}
	}
	return ref.Provider, ref.Model, ref == s.defaultRef, nil
}

// ListItem is one row of the models.list RPC result.
type ListItem struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Aliases   []string `json:"aliases,omitempty"`
	Reasoning bool     `json:"reasoning,omitempty"`
	Allowed   bool     `json:"allowed"`
	Default   bool     `json:"default,omitempty"`
}

// List returns catalog rows annotated with alias and allowlist state.
func (s *Selector) List() []ListItem {
	items := make([]ListItem, 0, len(s.catalog))
	for ref, entry := range s.catalog {
		items = append(items, ListItem{
			Provider:  ref.Provider,
			Model:     ref.Model,
			Aliases:   s.reverse[ref],
			Reasoning: entry.Reasoning,
			Allowed:   s.IsAllowed(ref),
			Default:   ref == s.defaultRef,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Provider != items[j].Provider {
			return items[i].Provider < items[j].Provider
		}
		return items[i].Model < items[j].Model
	})
	return items
}
