// Package chat defines the Chat adapter contract (spec §4.1) and a
// Telegram-backed implementation grounded on the teacher's
// internal/channels/telegram.go connect/reconnect/drain/send skeleton.
package chat

import (
	"context"

	"github.com/dropbox/securitybot/internal/model"
)

// Chat is the adapter contract every concrete chat backend implements. All
// methods are safe to call from the coordinator's single-threaded loop;
// implementations that run background I/O (e.g. a long-poll goroutine)
// must serialize access to their own state internally.
type Chat interface {
	// Connect opens a streaming session with the backend; may fail.
	Connect(ctx context.Context) error
	// ListUsers snapshots the roster; called once at startup.
	ListUsers(ctx context.Context) ([]model.ChatUser, error)
	// DrainMessages returns all direct messages received since the last
	// call, preserving per-user delivery order. It never blocks beyond
	// bounded I/O and filters out group/channel events.
	DrainMessages() []model.Message
	// SendToUser delivers text to a single user. Failure is logged and
	// swallowed (at-least-once, silent-drop-on-error per spec §4.1).
	SendToUser(user model.ChatUser, text string)
	// SendToChannel delivers text to an arbitrary channel id (used for the
	// reporting channel). Same failure semantics as SendToUser.
	SendToChannel(channelID int64, text string)
}
