// Package telegram connects a Telegram bot to the message bus using Bot API
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// maxMessageLen is the Telegram hard limit per message.
const maxMessageLen = 4096

// generalTopicID is the fixed topic ID of the "General" topic in forum
// supergroups. Telegram rejects send calls that name it explicitly.
const generalTopicID = 1

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	limiter        *channels.SendLimiter
	requireMention bool
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", cfg.AccountID, msgBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		limiter:        channels.NewSendLimiter(),
		requireMention: requireMention,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message, chunked to the platform limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, threadID, err := parseChatRef(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
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
			if idx := lastNewline(content[:maxMessageLen]); idx > maxMessageLen/2 {
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
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID != 0 && threadID != generalTopicID {
			params.MessageThreadID = threadID
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
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

// handleMessage normalizes an incoming Telegram message onto the bus.
func (c *Channel) handleMessage(message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}
	if isServiceMessage(message) {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := routing.PeerDM
	if isGroup {
		peerKind = routing.PeerGroup
	}

	if !c.CheckPolicy(peerKind, channels.DMPolicy(c.config.DMPolicy), channels.GroupPolicy(c.config.GroupPolicy), senderID) {
		slog.Debug("telegram message rejected by policy", "user_id", userID, "is_group", isGroup)
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" {
		return
	}

	if isGroup && c.requireMention && !mentionsBot(message, c.bot.Username()) {
		slog.Debug("telegram group message ignored, bot not mentioned",
			"chat_id", message.Chat.ID, "user_id", user.ID)
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)

	// Forum topics: only forum supergroups have real topics; in plain
	// groups message_thread_id is reply context and must be ignored.
	threadID := ""
	outChatID := chatID
	if isGroup && message.Chat.IsForum {
		topicID := message.MessageThreadID
		if topicID == 0 {
			topicID = generalTopicID
		}
		threadID = strconv.Itoa(topicID)
		outChatID = chatID + ":topic:" + threadID
	}

	peerID := userID
	if isGroup {
		peerID = chatID
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"preview", channels.Truncate(content, 60),
	)

	c.HandleMessage(channels.Inbound{
		SenderID: senderID,
		ChatID:   outChatID,
		Content:  content,
		PeerKind: peerKind,
		PeerID:   peerID,
		ThreadID: threadID,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
			"username":   user.Username,
		},
	})
}

// mentionsBot reports whether a message addresses the bot: an @mention
// entity in the text or caption, a bot command suffixed with the bot name,
// a plain-text @handle, or a reply to one of the bot's messages.
func mentionsBot(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)

	for _, part := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if part.text == "" {
			continue
		}
		for _, e := range part.entities {
			if e.Offset < 0 || e.Offset+e.Length > len(part.text) {
				continue
			}
			span := strings.ToLower(part.text[e.Offset : e.Offset+e.Length])
			switch e.Type {
			case "mention":
				if span == handle {
					return true
				}
			case "bot_command":
				if strings.Contains(span, handle) {
					return true
				}
			}
		}
		if strings.Contains(strings.ToLower(part.text), handle) {
			return true
		}
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
		return true
	}
	return false
}

// isServiceMessage reports join/leave/title-change style updates that carry
// no user content.
func isServiceMessage(m *telego.Message) bool {
	return len(m.NewChatMembers) > 0 ||
		m.LeftChatMember != nil ||
		m.NewChatTitle != "" ||
		m.GroupChatCreated ||
		m.SupergroupChatCreated ||
		m.MigrateToChatID != 0 ||
		m.MigrateFromChatID != 0 ||
		m.PinnedMessage != nil
}

// parseChatRef splits a possibly composite chat id "-12345:topic:99" into
// the numeric chat and topic IDs.
func parseChatRef(ref string) (int64, int, error) {
	raw := ref
	threadID := 0
	if idx := strings.Index(ref, ":topic:"); idx > 0 {
		raw = ref[:idx]
		t, err := strconv.Atoi(ref[idx+len(":topic:"):])
		if err != nil {
			return 0, 0, fmt.Errorf("bad topic id: %w", err)
		}
		threadID = t
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return chatID, threadID, nil
}

func lastNewline(s string) int {
	return strings.LastIndexByte(s, '\n')
}
