package sessions

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// Entry is the persisted per-session metadata record. It never holds message
// content; transcripts live in their own files keyed by SessionID.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"` // unix ms

	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`
	ElevatedLevel  string `json:"elevatedLevel,omitempty"`

	ProviderOverride    string `json:"providerOverride,omitempty"`
	ModelOverride       string `json:"modelOverride,omitempty"`
	AuthProfileOverride string `json:"authProfileOverride,omitempty"`

	SendPolicy      string `json:"sendPolicy,omitempty"` // allow|deny|inherit
	GroupActivation string `json:"groupActivation,omitempty"`

	ContextTokens int64 `json:"contextTokens,omitempty"`
	InputTokens   int64 `json:"inputTokens,omitempty"`
	OutputTokens  int64 `json:"outputTokens,omitempty"`
	TotalTokens   int64 `json:"totalTokens,omitempty"`

	CliSessionID string `json:"claudeCliSessionId,omitempty"`

	// Provider and model of the last completed run. Recorded from run meta,
	// not from the request: model fallback may substitute another ref.
	LastProvider string `json:"lastProvider,omitempty"`
	LastModel    string `json:"lastModel,omitempty"`

	// SpawnedBy records the parent session of a subagent. Write-once.
	SpawnedBy string `json:"spawnedBy,omitempty"`

	SkillsSnapshot []string `json:"skillsSnapshot,omitempty"`

	AbortedLastRun bool `json:"abortedLastRun,omitempty"`
	SystemSent     bool `json:"systemSent,omitempty"`

	// Display-only group metadata.
	DisplayName string `json:"displayName,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Room        string `json:"room,omitempty"`
	Space       string `json:"space,omitempty"`
}

// NewEntry creates a fresh entry with a minted sessionId.
func NewEntry() *Entry {
	return &Entry{
		SessionID: uuid.NewString(),
		UpdatedAt: time.Now().UnixMilli(),
	}
}

// ModelGuard validates model override values against the allowlist and the
// configured default. Implemented by the model selector.
type ModelGuard interface {
	// ResolveOverride resolves and validates a raw model string. isDefault
	// reports that the resolved ref equals the configured default model, in
	// which case the override is redundant and must be cleared instead of
	// stored.
	ResolveOverride(raw string) (provider, model string, isDefault bool, err error)
}

var sendPolicies = map[string]bool{"allow": true, "deny": true, "inherit": true}
var levelValues = map[string]bool{"off": true, "minimal": true, "low": true, "medium": true, "high": true}

// Patch is a partial-update document. Semantics per field: key absent leaves
// the field untouched, explicit null clears it, a concrete value sets it.
type Patch map[string]any

// applyPatch merges a patch into the entry. Validation happens before any
// field is written: an invalid patch mutates nothing.
func applyPatch(e *Entry, key string, patch Patch, guard ModelGuard) error {
	type write func(*Entry)
	var writes []write

	for field, raw := range patch {
		field, raw := field, raw
		switch field {
		case "thinkingLevel", "verboseLevel", "reasoningLevel", "elevatedLevel":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			if val != "" && !levelValues[val] {
				return &ValidationError{Code: CodeInvalidValue, Field: field, Message: fmt.Sprintf("unknown level %q", val)}
			}
			writes = append(writes, func(e *Entry) { setLevel(e, field, val) })

		case "sendPolicy":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			if val != "" && !sendPolicies[val] {
				return &ValidationError{Code: CodeInvalidValue, Field: field, Message: fmt.Sprintf("must be allow, deny, or inherit, got %q", val)}
			}
			writes = append(writes, func(e *Entry) { e.SendPolicy = val })

		case "groupActivation":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			writes = append(writes, func(e *Entry) { e.GroupActivation = val })

		case "authProfile":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			writes = append(writes, func(e *Entry) { e.AuthProfileOverride = val })

		case "model":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			if val == "" {
				writes = append(writes, func(e *Entry) {
					e.ProviderOverride = ""
					e.ModelOverride = ""
				})
				break
			}
			if guard == nil {
				return &ValidationError{Code: CodeModelNotAllowed, Field: field, Message: "model overrides are not available"}
			}
			provider, model, isDefault, err := guard.ResolveOverride(val)
			if err != nil {
				return err
			}
			if isDefault {
				// Storing the default as an override is redundant.
				writes = append(writes, func(e *Entry) {
					e.ProviderOverride = ""
					e.ModelOverride = ""
				})
			} else {
				writes = append(writes, func(e *Entry) {
					e.ProviderOverride = provider
					e.ModelOverride = model
				})
			}

		case "spawnedBy":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			if e.SpawnedBy != "" && val != e.SpawnedBy {
				return &ValidationError{Code: CodeWriteOnce, Field: field, Message: "spawnedBy is immutable once set"}
			}
			if val != "" && !routing.IsSubagentKey(key) {
				return &ValidationError{Code: CodeInvalidValue, Field: field, Message: "spawnedBy is only valid on subagent sessions"}
			}
			writes = append(writes, func(e *Entry) {
				if val != "" {
					e.SpawnedBy = val
				}
			})

		case "skillsSnapshot":
			if raw == nil {
				writes = append(writes, func(e *Entry) { e.SkillsSnapshot = nil })
				break
			}
			list, ok := raw.([]any)
			if !ok {
				return &ValidationError{Code: CodeInvalidValue, Field: field, Message: "must be a list of strings or null"}
			}
			snapshot := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return &ValidationError{Code: CodeInvalidValue, Field: field, Message: "must be a list of strings or null"}
				}
				snapshot = append(snapshot, s)
			}
			writes = append(writes, func(e *Entry) { e.SkillsSnapshot = snapshot })

		case "displayName", "channel", "subject", "room", "space":
			val, err := stringOrNull(field, raw)
			if err != nil {
				return err
			}
			writes = append(writes, func(e *Entry) { setDisplay(e, field, val) })

		default:
			return &ValidationError{Code: CodeUnknownField, Field: field, Message: "field is not patchable"}
		}
	}

	for _, w := range writes {
		w(e)
	}
	e.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// resetEntry mints a new sessionId and clears run-scoped state while
// preserving user preferences: levels, model override, send policy, and the
// skills snapshot survive a reset.
func resetEntry(e *Entry) *Entry {
	return &Entry{
		SessionID: uuid.NewString(),
		UpdatedAt: time.Now().UnixMilli(),

		ThinkingLevel:  e.ThinkingLevel,
		VerboseLevel:   e.VerboseLevel,
		ReasoningLevel: e.ReasoningLevel,
		ElevatedLevel:  e.ElevatedLevel,

		ProviderOverride:    e.ProviderOverride,
		ModelOverride:       e.ModelOverride,
		AuthProfileOverride: e.AuthProfileOverride,

		SendPolicy:     e.SendPolicy,
		SkillsSnapshot: e.SkillsSnapshot,
		SpawnedBy:      e.SpawnedBy,

		DisplayName: e.DisplayName,
		Channel:     e.Channel,
		Subject:     e.Subject,
		Room:        e.Room,
		Space:       e.Space,
	}
}

func stringOrNull(field string, raw any) (string, error) {
	if raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ValidationError{Code: CodeInvalidValue, Field: field, Message: "must be a string or null"}
	}
	return s, nil
}

func setLevel(e *Entry, field, val string) {
	switch field {
	case "thinkingLevel":
		e.ThinkingLevel = val
	case "verboseLevel":
		e.VerboseLevel = val
	case "reasoningLevel":
		e.ReasoningLevel = val
	case "elevatedLevel":
		e.ElevatedLevel = val
	}
}

func setDisplay(e *Entry, field, val string) {
	switch field {
	case "displayName":
		e.DisplayName = val
	case "channel":
		e.Channel = val
	case "subject":
		e.Subject = val
	case "room":
		e.Room = val
	case "space":
		e.Space = val
	}
}
