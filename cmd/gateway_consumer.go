package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/coordinator"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// gatewayChannel is the pseudo-channel name for turns submitted over the
// WebSocket RPC surface. Their replies go out as broadcast events, not
// through a channel adapter.
const gatewayChannel = "gateway"

// consumeInbound routes channel messages to the coordinator: resolve the
// agent route, derive the session key, hand the turn over.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, cfg *config.Config, coord *coordinator.Coordinator) {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		route := routing.ResolveRoute(cfg.ToRouteConfig(), routing.RouteContext{
			Channel:   msg.Channel,
			AccountID: msg.AccountID,
			Peer: routing.BindingPeer{
				Kind: routing.PeerKind(msg.PeerKind),
				ID:   msg.PeerID,
			},
			GuildID: msg.GuildID,
		})

		sessionKey := route.SessionKey
		if msg.ThreadID != "" && routing.PeerKind(msg.PeerKind) != routing.PeerDM {
			sessionKey, _ = routing.WithThread(sessionKey, msg.ThreadID)
		}

		slog.Debug("inbound routed",
			"channel", msg.Channel,
			"agent", route.AgentID,
			"session_key", sessionKey,
			"matched_by", route.MatchedBy,
		)

		coord.HandleInbound(ctx, coordinator.Turn{
			AgentID:    route.AgentID,
			SessionKey: sessionKey,
			Target:     coordinator.Target{Channel: msg.Channel, ChatID: msg.ChatID},
			Prompt:     msg.Content,
		})
	}
}

// busDeliverer implements coordinator.Deliverer over the message bus.
// Gateway-originated turns are broadcast to WebSocket clients; everything
// else goes to the channel adapters via the outbound queue.
type busDeliverer struct {
	bus *bus.MessageBus
}

func (d *busDeliverer) Deliver(_ context.Context, target coordinator.Target, payload agent.Payload) error {
	if target.Channel == gatewayChannel {
		d.bus.Broadcast(bus.Event{
			Name: protocol.EventChat,
			Payload: map[string]any{
				"chatId":    target.ChatID,
				"text":      payload.Text,
				"mediaUrls": payload.MediaURLs,
			},
		})
		return nil
	}

	media := make([]bus.MediaAttachment, 0, len(payload.MediaURLs))
	for _, u := range payload.MediaURLs {
		media = append(media, bus.MediaAttachment{URL: u})
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel: target.Channel,
		ChatID:  target.ChatID,
		Content: payload.Text,
		Media:   media,
	})
	return nil
}

// heartbeatLoop triggers periodic heartbeat turns into the default agent's
// main session when configured. "0m" or a missing config disables it; ticks
// outside the configured active-hours window are skipped.
func heartbeatLoop(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator) {
	hb := cfg.Agents.Defaults.Heartbeat
	if hb == nil || hb.Every == "" {
		return
	}
	every, err := time.ParseDuration(hb.Every)
	if err != nil {
		slog.Warn("invalid heartbeat interval, heartbeats disabled", "every", hb.Every, "error", err)
		return
	}
	if every <= 0 {
		return
	}

	agentID := cfg.ResolveDefaultAgentID()
	prompt := hb.Prompt
	if prompt == "" {
		prompt = "Heartbeat check-in. If there is nothing that needs attention, reply with exactly " + coordinator.HeartbeatSentinel + "."
	}

	slog.Info("heartbeat loop started", "every", every, "agent", agentID)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hb.ActiveHours.Contains(time.Now()) {
				slog.Debug("heartbeat skipped outside active hours")
				continue
			}
			coord.HandleInbound(ctx, coordinator.Turn{
				AgentID:    agentID,
				SessionKey: routing.BuildMainSessionKey(agentID, cfg.Sessions.MainKey),
				Prompt:     prompt,
				Heartbeat:  true,
			})
		}
	}
}
