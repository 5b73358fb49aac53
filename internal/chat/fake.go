package chat

import (
	"context"

	"github.com/dropbox/securitybot/internal/model"
)

// Fake is an in-memory Chat used by coordinator tests.
type Fake struct {
	Users        []model.ChatUser
	Pending      []model.Message
	SentToUser   map[int64][]string
	SentChannels map[int64][]string
	Connected    bool
}

func NewFake(users ...model.ChatUser) *Fake {
	return &Fake{
		Users:        users,
		SentToUser:   map[int64][]string{},
		SentChannels: map[int64][]string{},
	}
}

func (f *Fake) Connect(ctx context.Context) error { f.Connected = true; return nil }

func (f *Fake) ListUsers(ctx context.Context) ([]model.ChatUser, error) { return f.Users, nil }

func (f *Fake) DrainMessages() []model.Message {
	drained := f.Pending
	f.Pending = nil
	return drained
}

func (f *Fake) SendToUser(user model.ChatUser, text string) {
	f.SentToUser[user.ID] = append(f.SentToUser[user.ID], text)
}

func (f *Fake) SendToChannel(channelID int64, text string) {
	f.SentChannels[channelID] = append(f.SentChannels[channelID], text)
}

// Receive enqueues an inbound message as if it arrived from the backend.
func (f *Fake) Receive(userID int64, text string) {
	f.Pending = append(f.Pending, model.Message{UserID: userID, Text: text})
}
