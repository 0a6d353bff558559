// Package chat defines the conversation model shared by the server, the
// subscription client and the reconciler: messages, typing previews,
// event envelopes and preview diffs.
package chat

import (
	"strings"
	"time"

	"github.com/louisbranch/dicechat/internal/markup"
	"github.com/louisbranch/dicechat/internal/position"
	"github.com/louisbranch/dicechat/internal/random"
)

// Message is a persisted chat entry.
type Message struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id"`
	AuthorID  string          `json:"author_id"`
	Name      string          `json:"name"`
	Text      string          `json:"text"`
	Entities  []markup.Entity `json:"entities"`
	Seed      random.Seed     `json:"seed"`
	Pos       position.Key    `json:"pos"`
	Pinned    bool            `json:"pinned,omitempty"`
	Folded    bool            `json:"folded,omitempty"`
	WhisperTo []string        `json:"whisper_to,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	EditedAt  *time.Time      `json:"edited_at,omitempty"`
}

// VisibleTo reports whether userID may read the message. Whispers are only
// visible to their author and listed recipients.
func (m Message) VisibleTo(userID string) bool {
	if len(m.WhisperTo) == 0 || m.AuthorID == userID {
		return true
	}
	for _, target := range m.WhisperTo {
		if target == userID {
			return true
		}
	}
	return false
}

// EditTarget points a preview at the message it is editing.
type EditTarget struct {
	MessageID string       `json:"message_id"`
	Pos       position.Key `json:"pos"`
}

// Preview is what an author is currently composing. A nil Text means the
// author disabled broadcasting: others see that something is being typed
// but not what.
type Preview struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id"`
	AuthorID  string          `json:"author_id"`
	Name      string          `json:"name"`
	Text      *string         `json:"text"`
	Entities  []markup.Entity `json:"entities"`
	Version   int64           `json:"version"`
	Pos       position.Key    `json:"pos"`
	Edit      *EditTarget     `json:"edit,omitempty"`
}

// Empty reports whether nothing is being composed.
func (p Preview) Empty() bool {
	return p.Text != nil && *p.Text == "" && len(p.Entities) == 0
}

// ItemPos is where the preview sits in the item sequence: the edited
// message's slot while editing, its own position otherwise.
func (p Preview) ItemPos() position.Key {
	if p.Edit != nil {
		return p.Edit.Pos
	}
	return p.Pos
}

// Keyframe is the last full snapshot of a preview. Diffs apply against it.
type Keyframe struct {
	ID       string          `json:"id"`
	Version  int64           `json:"version"`
	Name     string          `json:"name"`
	Text     string          `json:"text"`
	Entities []markup.Entity `json:"entities"`
}

// KeyframeOf snapshots p. It reports false for previews without text.
func KeyframeOf(p Preview) (Keyframe, bool) {
	if p.Text == nil {
		return Keyframe{}, false
	}
	return Keyframe{
		ID:       p.ID,
		Version:  p.Version,
		Name:     p.Name,
		Text:     *p.Text,
		Entities: p.Entities,
	}, true
}

// Item is one row of a conversation: exactly one of Message or Preview is set.
type Item struct {
	ID       string
	AuthorID string
	Pos      position.Key
	IsMine   bool
	Message  *Message
	Preview  *Preview
}

// MessageItem wraps m.
func MessageItem(m Message, me string) Item {
	return Item{ID: m.ID, AuthorID: m.AuthorID, Pos: m.Pos, IsMine: m.AuthorID == me, Message: &m}
}

// PreviewItem wraps p.
func PreviewItem(p Preview, me string) Item {
	return Item{ID: p.ID, AuthorID: p.AuthorID, Pos: p.ItemPos(), IsMine: p.AuthorID == me, Preview: &p}
}

// IsMessage reports whether the item is durable.
func (i Item) IsMessage() bool { return i.Message != nil }

// Channel is the conversation's metadata.
type Channel struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Topic           string `json:"topic,omitempty"`
	DefaultDiceFace int    `json:"default_dice_face,omitempty"`
}

// Member is one roster entry of a channel.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ChannelEnv is the parse environment of a channel: its default dice face
// and @mentions resolved against the roster by user id or display name.
func ChannelEnv(channel Channel, members []Member) markup.Env {
	face := channel.DefaultDiceFace
	if face <= 0 {
		face = markup.DefaultDiceFace
	}
	return markup.Env{
		DefaultDiceFace: face,
		ResolveDisplayName: func(raw string) (string, bool) {
			for _, m := range members {
				if m.UserID == raw {
					return m.DisplayName, true
				}
			}
			for _, m := range members {
				if strings.EqualFold(m.DisplayName, raw) {
					return m.DisplayName, true
				}
			}
			return "", false
		},
	}
}
