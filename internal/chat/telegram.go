package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dropbox/securitybot/internal/model"
)

// Telegram is the concrete Chat adapter. Connect/reconnect with backoff
// around GetUpdatesChan, private-chat filtering, and the buffered-drain
// shape are adapted from the teacher's internal/channels/telegram.go; the
// HITL-callback/streaming/plan machinery there is out of scope for this
// service and is not carried over.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	roster []model.ChatUser // configured roster, since Telegram has no "list all DM-able users" API
	logger *slog.Logger

	mu      sync.Mutex
	inbox   []model.Message
	updates tgbotapi.UpdatesChannel
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTelegram constructs a Telegram adapter from a bot token and the
// roster of users the service is permitted to talk to. Telegram bots
// cannot enumerate their DM partners via the API, so the roster — unlike
// Slack's users.list used by the original's chat/slack.py — is configured
// alongside the bot token (see internal/config).
func NewTelegram(token string, roster []model.ChatUser, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("chat: telegram login: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{bot: bot, roster: roster, logger: logger}, nil
}

// Connect starts the long-poll update loop in the background with
// exponential backoff on transient failures, capped at 30s, mirroring the
// teacher's reconnect loop.
func (t *Telegram) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	t.updates = updates

	t.wg.Add(1)
	go t.pollUpdates(ctx)
	t.logger.Info("chat: telegram connected", "bot", t.bot.Self.UserName)
	return nil
}

func (t *Telegram) pollUpdates(ctx context.Context) {
	defer t.wg.Done()
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-t.updates:
			if !ok {
				t.logger.Warn("chat: telegram update channel closed, retrying", "backoff", backoff)
				time.Sleep(backoff)
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Chat == nil {
		return
	}
	// Direct-message-only filtering (spec §4.1, §6): group/channel chats
	// are ignored outright.
	if !update.Message.Chat.IsPrivate() {
		return
	}
	msg := model.Message{UserID: update.Message.Chat.ID, Text: update.Message.Text}
	t.mu.Lock()
	t.inbox = append(t.inbox, msg)
	t.mu.Unlock()
}

// ListUsers returns the configured roster, snapshotted once at startup.
func (t *Telegram) ListUsers(ctx context.Context) ([]model.ChatUser, error) {
	users := make([]model.ChatUser, len(t.roster))
	copy(users, t.roster)
	return users, nil
}

// DrainMessages returns and clears the buffered inbox.
func (t *Telegram) DrainMessages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := t.inbox
	t.inbox = nil
	return drained
}

// SendToUser sends text as a direct message; failures are logged and
// swallowed.
func (t *Telegram) SendToUser(user model.ChatUser, text string) {
	t.SendToChannel(user.ID, text)
}

// SendToChannel sends text to an arbitrary chat id.
func (t *Telegram) SendToChannel(channelID int64, text string) {
	msg := tgbotapi.NewMessage(channelID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("chat: send failed, dropping", "channel", channelID, "error", err)
	}
}

// Close stops the update-poll goroutine.
func (t *Telegram) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
