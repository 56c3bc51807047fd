// Package discord connects a Discord bot account to the message bus using
// gateway events.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// maxMessageLen is the Discord hard limit per message.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	limiter        *channels.SendLimiter
	botUserID      string // populated on start
	requireMention bool
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", cfg.AccountID, msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		limiter:        channels.NewSendLimiter(),
		requireMention: requireMention,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message, chunked to the platform limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	content := msg.Content
	for _, m := range msg.Media {
		if content != "" {
			content += "\n"
		}
		content += m.URL
	}
	if content == "" {
		return nil
	}

	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		if err := c.waitForSendSlot(ctx, msg.ChatID); err != nil {
			return err
		}
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Channel) waitForSendSlot(ctx context.Context, chatID string) error {
	res := c.limiter.Reserve(chatID)
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// handleMessage normalizes an incoming Discord message onto the bus.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	isDM := m.GuildID == ""

	peerKind := routing.PeerChannel
	if isDM {
		peerKind = routing.PeerDM
	}

	if !c.CheckPolicy(peerKind, channels.DMPolicy(c.config.DMPolicy), channels.GroupPolicy(c.config.GroupPolicy), senderID) {
		slog.Debug("discord message rejected by policy", "user_id", senderID, "is_dm", isDM)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	// In guild channels, only respond when the bot is mentioned.
	if !isDM && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", m.ChannelID,
		"guild_id", m.GuildID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 50),
	)

	if !isDM {
		content = fmt.Sprintf("[From: %s]\n%s", senderName, content)
	}

	c.HandleMessage(channels.Inbound{
		SenderID: senderID,
		ChatID:   m.ChannelID,
		Content:  content,
		PeerKind: peerKind,
		PeerID:   channelPeerID(m, isDM),
		GuildID:  m.GuildID,
		Metadata: map[string]string{
			"message_id":   m.ID,
			"username":     m.Author.Username,
			"display_name": senderName,
		},
	})
}

// channelPeerID picks the routing peer identity: the sender for DMs, the
// channel for guild messages.
func channelPeerID(m *discordgo.MessageCreate, isDM bool) string {
	if isDM {
		return m.Author.ID
	}
	return m.ChannelID
}

// resolveDisplayName returns the best display name for a message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
