// Package channels is the adapter layer between external chat platforms and
// the message bus. Each adapter normalizes platform events into
// bus.InboundMessage values carrying the routing context (account, peer,
// guild, thread) and delivers bus.OutboundMessage values back out.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// InternalChannels are system surfaces excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel is implemented by every platform adapter.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks a sender against the channel allowlist.
	IsAllowed(senderID string) bool
}

// Inbound is the normalized form of a received platform message before it is
// published to the bus.
type Inbound struct {
	SenderID string
	ChatID   string
	Content  string
	Media    []string
	PeerKind routing.PeerKind
	PeerID   string
	GuildID  string
	ThreadID string
	Metadata map[string]string
}

// BaseChannel carries the shared adapter state. Platform adapters embed it.
type BaseChannel struct {
	name      string
	accountID string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

// NewBaseChannel creates the shared adapter state. An empty accountID maps
// to the default account for route matching.
func NewBaseChannel(name, accountID string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	if accountID == "" {
		accountID = routing.DefaultAccountID
	}
	return &BaseChannel{
		name:      name,
		accountID: accountID,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AccountID returns the channel account identity used for route matching.
func (c *BaseChannel) AccountID() string { return c.accountID }

// IsRunning reports whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsAllowed checks a sender against the allowlist. Supports the compound
// "id|username" sender form on either side. An empty allowlist allows all.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.IndexByte(trimmed, '|'); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// CheckPolicy evaluates the DM or group policy for a message. Returns true
// when the message should be accepted.
func (c *BaseChannel) CheckPolicy(peerKind routing.PeerKind, dmPolicy DMPolicy, groupPolicy GroupPolicy, senderID string) bool {
	var policy string
	if peerKind == routing.PeerDM {
		policy = string(dmPolicy)
	} else {
		policy = string(groupPolicy)
	}
	if policy == "" {
		policy = string(DMPolicyOpen)
	}

	switch policy {
	case string(DMPolicyDisabled):
		return false
	case string(DMPolicyAllowlist):
		return c.IsAllowed(senderID)
	default:
		return true
	}
}

// HandleMessage publishes a normalized inbound message to the bus after the
// allowlist check. This is the standard forwarding path for adapters.
func (c *BaseChannel) HandleMessage(in Inbound) {
	if !c.IsAllowed(in.SenderID) {
		return
	}

	peerID := in.PeerID
	if peerID == "" {
		peerID = in.SenderID
		if idx := strings.IndexByte(peerID, '|'); idx > 0 {
			peerID = peerID[:idx]
		}
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		AccountID: c.accountID,
		SenderID:  in.SenderID,
		ChatID:    in.ChatID,
		Content:   in.Content,
		Media:     in.Media,
		PeerKind:  string(in.PeerKind),
		PeerID:    peerID,
		GuildID:   in.GuildID,
		ThreadID:  in.ThreadID,
		Metadata:  in.Metadata,
	})
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
