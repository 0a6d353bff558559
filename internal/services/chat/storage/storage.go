// Package storage defines persistence contracts for chat channels, their
// messages and the per-channel event log.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/position"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a message id was already used in the channel.
	ErrAlreadyExists = errors.New("record already exists")
)

// HistoryPage is a run of messages ordered by position. Complete is true
// when nothing older exists.
type HistoryPage struct {
	Messages []chat.Message
	Complete bool
}

// MessageStore persists messages. Every mutation also appends its event so
// the message table and the event log commit together.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg chat.Message, event chat.Envelope) error
	UpdateMessage(ctx context.Context, msg chat.Message, event chat.Envelope) error
	DeleteMessage(ctx context.Context, channelID, messageID string, event chat.Envelope) error
	GetMessage(ctx context.Context, channelID, messageID string) (chat.Message, error)
	// HistoryBefore returns up to limit messages positioned before the
	// given key; a nil key means the newest messages.
	HistoryBefore(ctx context.Context, channelID string, before *position.Key, limit int) (HistoryPage, error)
	ListMessages(ctx context.Context, channelID string) ([]chat.Message, error)
	// LastPosition is the greatest position in the channel.
	LastPosition(ctx context.Context, channelID string) (position.Key, bool, error)
}

// EventStore is the append-only per-channel event log used for replay.
type EventStore interface {
	AppendEvent(ctx context.Context, event chat.Envelope) error
	EventsAfter(ctx context.Context, channelID string, after chat.EventID, limit int) ([]chat.Envelope, error)
	// LatestEventID is the greatest id across all channels.
	LatestEventID(ctx context.Context) (chat.EventID, error)
}

// ChannelStore persists channel metadata and rosters.
type ChannelStore interface {
	PutChannel(ctx context.Context, channel chat.Channel, event chat.Envelope) error
	GetChannel(ctx context.Context, channelID string) (chat.Channel, error)
	ListChannels(ctx context.Context) ([]chat.Channel, error)
	PutMembers(ctx context.Context, channelID string, members []chat.Member, event chat.Envelope) error
	ListMembers(ctx context.Context, channelID string) ([]chat.Member, error)
}

// Store is the full chat persistence surface.
type Store interface {
	MessageStore
	EventStore
	ChannelStore
	Close() error
}
