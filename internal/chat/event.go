package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/dicechat/internal/position"
)

// ErrUnknownEvent indicates an envelope body with an unrecognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// EventID orders events totally by (Timestamp, Node, Seq). Timestamp is in
// Unix milliseconds, Node identifies the writer and Seq is monotonic per node.
// The zero value sorts before every issued id.
type EventID struct {
	Timestamp int64  `json:"timestamp"`
	Node      uint16 `json:"node"`
	Seq       uint32 `json:"seq"`
}

// Compare returns -1, 0 or +1 as id is before, equal to or after other.
func (id EventID) Compare(other EventID) int {
	switch {
	case id.Timestamp != other.Timestamp:
		return cmpInt(id.Timestamp, other.Timestamp)
	case id.Node != other.Node:
		return cmpInt(int64(id.Node), int64(other.Node))
	default:
		return cmpInt(int64(id.Seq), int64(other.Seq))
	}
}

// IsZero reports whether id is the zero cursor.
func (id EventID) IsZero() bool { return id == EventID{} }

// String renders "timestamp-node-seq".
func (id EventID) String() string {
	return fmt.Sprintf("%d-%d-%d", id.Timestamp, id.Node, id.Seq)
}

// ParseEventID parses the String form.
func ParseEventID(value string) (EventID, error) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 3 {
		return EventID{}, fmt.Errorf("parse event id %q: want timestamp-node-seq", value)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("parse event id timestamp: %w", err)
	}
	node, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return EventID{}, fmt.Errorf("parse event id node: %w", err)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return EventID{}, fmt.Errorf("parse event id seq: %w", err)
	}
	return EventID{Timestamp: ts, Node: uint16(node), Seq: uint32(seq)}, nil
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IDSource issues strictly increasing event ids for one node.
type IDSource struct {
	mu   sync.Mutex
	node uint16
	last EventID
	now  func() time.Time
}

// NewIDSource returns a source for node using the wall clock.
func NewIDSource(node uint16) *IDSource {
	return &IDSource{node: node, now: time.Now}
}

// Next returns an id after every id previously returned. A clock that steps
// backwards keeps the last timestamp and bumps the sequence.
func (s *IDSource) Next() EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	next := EventID{Timestamp: ts, Node: s.node, Seq: s.last.Seq + 1}
	if ts < s.last.Timestamp {
		next.Timestamp = s.last.Timestamp
	}
	s.last = next
	return next
}

// Observe advances the source past id, used after restoring from storage.
func (s *IDSource) Observe(id EventID) {
	s.mu.Lock()
	if id.Compare(s.last) > 0 {
		s.last = EventID{Timestamp: id.Timestamp, Node: s.node, Seq: id.Seq}
	}
	s.mu.Unlock()
}

// EventKind names an event body.
type EventKind string

const (
	KindNewMessage     EventKind = "NEW_MESSAGE"
	KindMessageEdited  EventKind = "MESSAGE_EDITED"
	KindMessageDeleted EventKind = "MESSAGE_DELETED"
	KindPreview        EventKind = "MESSAGE_PREVIEW"
	KindDiff           EventKind = "PREVIEW_DIFF"
	KindChannelEdited  EventKind = "CHANNEL_EDITED"
	KindMembersChanged EventKind = "MEMBERS_CHANGED"
)

// Event is an envelope body.
type Event interface {
	Kind() EventKind
}

// NewMessage announces a sent message.
type NewMessage struct {
	Message Message `json:"message"`
}

// MessageEdited carries the new state of a message; OldPos differs from
// Message.Pos when the message moved.
type MessageEdited struct {
	Message Message      `json:"message"`
	OldPos  position.Key `json:"old_pos"`
}

// MessageDeleted removes a message.
type MessageDeleted struct {
	MessageID string       `json:"message_id"`
	Pos       position.Key `json:"pos"`
}

// PreviewUpdated is a full preview snapshot and resets the author's keyframe.
type PreviewUpdated struct {
	Preview Preview `json:"preview"`
}

// PreviewDiffed is an incremental change against the author's keyframe.
type PreviewDiffed struct {
	Diff Diff `json:"diff"`
}

// ChannelEdited replaces the channel metadata.
type ChannelEdited struct {
	Channel Channel `json:"channel"`
}

// MembersChanged replaces the channel roster.
type MembersChanged struct {
	Members []Member `json:"members"`
}

func (NewMessage) Kind() EventKind     { return KindNewMessage }
func (MessageEdited) Kind() EventKind  { return KindMessageEdited }
func (MessageDeleted) Kind() EventKind { return KindMessageDeleted }
func (PreviewUpdated) Kind() EventKind { return KindPreview }
func (PreviewDiffed) Kind() EventKind  { return KindDiff }
func (ChannelEdited) Kind() EventKind  { return KindChannelEdited }
func (MembersChanged) Kind() EventKind { return KindMembersChanged }

// MailboxChannel is the only mailbox type served.
const MailboxChannel = "channel"

// Envelope wraps one event for delivery to a mailbox (a channel).
//
// Live marks events that only exist on the real-time stream, such as
// previews. They are never replayed and do not advance a subscriber's cursor.
type Envelope struct {
	MailboxID   string
	MailboxType string
	ID          EventID
	Body        Event
	Live        bool
}

type envelopeJSON struct {
	MailboxID   string   `json:"mailbox"`
	MailboxType string   `json:"mailbox_type"`
	ID          EventID  `json:"id"`
	Body        bodyJSON `json:"body"`
	Live        bool     `json:"live,omitempty"`
}

type bodyJSON struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the body as {"type": kind, "data": event}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, errors.New("envelope body is required")
	}
	data, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", e.Body.Kind(), err)
	}
	return json.Marshal(envelopeJSON{
		MailboxID:   e.MailboxID,
		MailboxType: e.MailboxType,
		ID:          e.ID,
		Body:        bodyJSON{Type: e.Body.Kind(), Data: data},
		Live:        e.Live,
	})
}

// UnmarshalJSON decodes an envelope written by MarshalJSON. Unknown body
// types fail with ErrUnknownEvent.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	body, err := DecodeEvent(raw.Body.Type, raw.Body.Data)
	if err != nil {
		return err
	}
	*e = Envelope{
		MailboxID:   raw.MailboxID,
		MailboxType: raw.MailboxType,
		ID:          raw.ID,
		Body:        body,
		Live:        raw.Live,
	}
	return nil
}

// DecodeEvent decodes data as the event named by kind.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	var (
		event Event
		err   error
	)
	switch kind {
	case KindNewMessage:
		event, err = decodeInto[NewMessage](data)
	case KindMessageEdited:
		event, err = decodeInto[MessageEdited](data)
	case KindMessageDeleted:
		event, err = decodeInto[MessageDeleted](data)
	case KindPreview:
		event, err = decodeInto[PreviewUpdated](data)
	case KindDiff:
		event, err = decodeInto[PreviewDiffed](data)
	case KindChannelEdited:
		event, err = decodeInto[ChannelEdited](data)
	case KindMembersChanged:
		event, err = decodeInto[MembersChanged](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return event, nil
}

func decodeInto[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
