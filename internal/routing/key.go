// Package routing — session key resolution and agent route selection.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation scope:
//
//	Main DM:          {mainKey}                       (shared continuity session)
//	Per-peer DM:      dm:{peerId}
//	Per-channel DM:   {channel}:dm:{peerId}
//	Group/channel:    {channel}:{group|channel}:{id}[:topic:{threadId}]
//	Subagent:         subagent:{label}
//	Cron:             cron:{jobId}:run:{runId}
//
// Examples:
//
//	agent:main:main
//	agent:main:dm:386246614
//	agent:main:telegram:dm:386246614
//	agent:main:discord:group:-100123456:topic:99
//	agent:main:subagent:my-task
//	agent:main:cron:reminder:run:abc123
//
// Non-agent-prefixed keys (cron:{jobId}, hook:{uuid}, node-{nodeId}) are
// accepted as opaque legacy aliases and never treated as agent-scoped.
package routing

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group and broadcast-channel conversations.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// DMScope controls how direct messages map onto sessions.
type DMScope string

const (
	// DMScopeMain collapses every DM into one shared session per agent.
	DMScopeMain DMScope = "main"
	// DMScopePerPeer isolates DMs per sender, across channels.
	DMScopePerPeer DMScope = "per-peer"
	// DMScopePerChannelPeer isolates DMs per channel+sender pair.
	DMScopePerChannelPeer DMScope = "per-channel-peer"
)

const (
	// DefaultAgentID is the hardcoded fallback agent.
	DefaultAgentID = "main"
	// DefaultMainKey is the suffix of the shared continuity session.
	DefaultMainKey = "main"
	// DefaultAccountID is the implicit account when none is supplied.
	DefaultAccountID = "default"

	maxIDLength = 64
)

// KeyParams are the inputs for building a canonical session key.
type KeyParams struct {
	AgentID  string
	MainKey  string // defaults to "main"
	Channel  string
	PeerKind PeerKind
	PeerID   string
	DMScope  DMScope // defaults to main
}

// NormalizeID lowercases an identity token and restricts it to [a-z0-9_-],
// collapsing runs of other characters to a single "-" and truncating to 64
// chars. Empty results fall back to fallback.
func NormalizeID(raw, fallback string) string {
	var b strings.Builder
	b.Grow(len(raw))
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if valid {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		} else {
			pendingDash = true
		}
	}
	id := b.String()
	id = strings.Trim(id, "-")
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	if id == "" {
		return fallback
	}
	return id
}

// BuildSessionKey builds the canonical session key for a conversation.
// Pure: no I/O, no randomness. The same params always yield the same key.
func BuildSessionKey(p KeyParams) string {
	agentID := NormalizeID(p.AgentID, DefaultAgentID)
	channel := NormalizeID(p.Channel, "unknown")

	if p.PeerKind != PeerDM {
		peerID := p.PeerID
		if peerID == "" {
			peerID = "unknown"
		}
		kind := p.PeerKind
		if kind == "" {
			kind = PeerGroup
		}
		return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peerID)
	}

	switch p.DMScope {
	case DMScopePerPeer:
		if p.PeerID != "" {
			return fmt.Sprintf("agent:%s:dm:%s", agentID, p.PeerID)
		}
	case DMScopePerChannelPeer:
		if p.PeerID != "" {
			return fmt.Sprintf("agent:%s:%s:dm:%s", agentID, channel, p.PeerID)
		}
	}

	// DMScopeMain, unset, or a peer-scoped mode without a peer id.
	return BuildMainSessionKey(agentID, p.MainKey)
}

// BuildMainSessionKey builds the shared continuity session key for an agent.
//
//	agent:{agentId}:{mainKey}
func BuildMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	return fmt.Sprintf("agent:%s:%s", NormalizeID(agentID, DefaultAgentID), mainKey)
}

// WithThread appends a topic/thread sub-scope to an already-resolved base key
// and returns both the thread key and the base key for context linking.
// Callers that do not opt in to thread isolation just use the base key.
func WithThread(baseKey, threadID string) (key, parentKey string) {
	if threadID == "" {
		return baseKey, baseKey
	}
	return baseKey + ":topic:" + threadID, baseKey
}

// BuildSubagentKey builds the session key for a spawned subagent.
//
//	agent:{agentId}:subagent:{label}
func BuildSubagentKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", NormalizeID(agentID, DefaultAgentID), label)
}

// BuildCronKey builds the session key for an isolated cron job run.
// Guards against double-prefixing: if jobID is already a canonical session
// key, only its rest part is used.
//
//	agent:{agentId}:cron:{jobId}:run:{runId}
func BuildCronKey(agentID, jobID, runID string) string {
	if _, rest := ParseKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", NormalizeID(agentID, DefaultAgentID), jobID, runID)
}

// KeyClass is the diagnostic classification of a session key string.
type KeyClass string

const (
	KeyMissing        KeyClass = "missing"
	KeyAgent          KeyClass = "agent"
	KeyMalformedAgent KeyClass = "malformed_agent"
	KeyLegacyOrAlias  KeyClass = "legacy_or_alias"
)

// ClassifyKey classifies an arbitrary key string. Diagnostics only; callers
// must never use this to silently coerce malformed keys into agent scope.
func ClassifyKey(key string) KeyClass {
	if key == "" {
		return KeyMissing
	}
	if !strings.HasPrefix(key, "agent:") {
		return KeyLegacyOrAlias
	}
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return KeyMalformedAgent
	}
	for _, p := range parts {
		if p == "" {
			return KeyMalformedAgent
		}
	}
	return KeyAgent
}

// ParseKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not well-formed agent scope.
func ParseKey(key string) (agentID, rest string) {
	if ClassifyKey(key) != KeyAgent {
		return "", ""
	}
	parts := strings.SplitN(key, ":", 3)
	return parts[1], parts[2]
}

// IsSubagentKey reports whether a session key belongs to a subagent session.
func IsSubagentKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronKey reports whether a session key belongs to a cron run session.
func IsCronKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}
