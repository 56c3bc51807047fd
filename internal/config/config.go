package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/models"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Clawgate gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Models    ModelsConfig    `json:"models,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", or "*"
	AccountID string       `json:"accountId,omitempty"` // bot account ID, "*" = any
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "dm", "group" or "channel"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// AgentSpec is the per-agent configuration override. Zero values inherit
// from defaults.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// ModelsConfig is the model catalog and selection policy.
type ModelsConfig struct {
	DefaultProvider string              `json:"default_provider,omitempty"`
	Catalog         string              `json:"catalog,omitempty"` // catalog file (default sessions dir sibling models.json)
	Aliases         map[string]string   `json:"aliases,omitempty"` // alias -> "provider/model"
	Allowed         FlexibleStringSlice `json:"allowed,omitempty"` // empty = allow any
}

// SessionsConfig controls session storage and the reply-turn coordinator.
type SessionsConfig struct {
	Storage        string `json:"storage"`                    // directory for session files
	DMScope        string `json:"dm_scope,omitempty"`         // "main" (default), "per-peer", "per-channel-peer"
	MainKey        string `json:"main_key,omitempty"`         // main session key suffix (default "main")
	QueueMode      string `json:"queue_mode,omitempty"`       // "queue" (default), "steer", "off"
	BlockTimeoutMs int    `json:"block_timeout_ms,omitempty"` // per-block delivery timeout (default 15000)
}

// CronConfig configures the scheduled job system.
type CronConfig struct {
	Storage string `json:"storage,omitempty"` // job store file (default sessions dir + /cron/jobs.json)
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // duration string: "30m", "0m"=disabled
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"` // restrict to a time window
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// Contains reports whether t falls inside the window. A nil or incomplete
// window contains every instant; a window whose end precedes its start wraps
// midnight ("22:00" to "06:00").
func (a *ActiveHoursConfig) Contains(t time.Time) bool {
	if a == nil || a.Start == "" || a.End == "" {
		return true
	}
	start, err := parseClock(a.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(a.End)
	if err != nil {
		return true
	}
	if start == end {
		return true
	}

	loc := t.Location()
	if a.Timezone != "" {
		if l, err := time.LoadLocation(a.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// TelemetryConfig configures OpenTelemetry OTLP export of run spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP HTTP endpoint, e.g. "localhost:4318"
	Insecure    bool              `json:"insecure,omitempty"`     // plain HTTP for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "clawgate"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Models = src.Models
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
}

// ResolveAgent returns the effective settings for an agent ID, merging
// defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
	}
	return d
}

// ResolveDefaultAgentID returns the agent marked default, or the builtin
// default agent ID.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return routing.DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent, falling back to
// "Clawgate".
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "Clawgate"
}

// ToRouteConfig converts the bindings and session scoping into the routing
// package's view of the configuration.
func (c *Config) ToRouteConfig() routing.RouteConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bindings := make([]routing.Binding, 0, len(c.Bindings))
	for _, b := range c.Bindings {
		rb := routing.Binding{
			AgentID:   b.AgentID,
			Channel:   b.Match.Channel,
			AccountID: b.Match.AccountID,
			GuildID:   b.Match.GuildID,
		}
		if b.Match.Peer != nil {
			rb.Peer = &routing.BindingPeer{
				Kind: routing.PeerKind(b.Match.Peer.Kind),
				ID:   b.Match.Peer.ID,
			}
		}
		bindings = append(bindings, rb)
	}

	// Only an explicitly configured default lands here; the resolver falls
	// back to the builtin agent itself and reports which tier matched.
	defaultAgent := ""
	for id, spec := range c.Agents.List {
		if spec.Default {
			defaultAgent = id
			break
		}
	}

	return routing.RouteConfig{
		Bindings:     bindings,
		DefaultAgent: defaultAgent,
		DMScope:      routing.DMScope(c.Sessions.DMScope),
		MainKey:      c.Sessions.MainKey,
	}
}

// ToModelConfig converts the model section into the models package's view.
func (c *Config) ToModelConfig() models.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// The agent default model may be an alias or a bare token; the selector
	// resolves it against the provider below.
	defaultProvider := c.Models.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = c.Agents.Defaults.Provider
	}
	return models.Config{
		DefaultProvider: defaultProvider,
		DefaultModel:    c.Agents.Defaults.Model,
		Aliases:         c.Models.Aliases,
		Allowed:         c.Models.Allowed,
	}
}
