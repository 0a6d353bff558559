package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
	"github.com/louisbranch/dicechat/internal/services/chat/storage"
	"golang.org/x/net/websocket"
)

const (
	replayPageSize  = 500
	frameWriteLimit = 10 * time.Second
)

type wsSession struct {
	mu       sync.Mutex
	identity Identity
	room     *channelRoom
	peer     *wsPeer
}

func newWSSession(identity Identity, peer *wsPeer) *wsSession {
	return &wsSession{
		identity: identity,
		peer:     peer,
	}
}

func (s *wsSession) setRoom(next *channelRoom) *channelRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *channelRoom {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSPeer(conn *websocket.Conn, encoder *json.Encoder) *wsPeer {
	return &wsPeer{conn: conn, encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.SetWriteDeadline(time.Now().Add(frameWriteLimit))
	}
	return p.encoder.Encode(frame)
}

func (p *wsPeer) writeEvent(event chat.Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writeFrame(wsFrame{Type: frameEvent, Payload: payload})
}

// roomHub owns the rooms served by this node and the dependencies they share.
type roomHub struct {
	store           storage.Store
	broker          Broker
	ids             *chat.IDSource
	worker          *channelSubscriptionWorker
	defaultDiceFace int
	now             func() time.Time

	mu    sync.Mutex
	rooms map[string]*channelRoom
}

func newRoomHub(store storage.Store, broker Broker, ids *chat.IDSource, worker *channelSubscriptionWorker, defaultDiceFace int) *roomHub {
	return &roomHub{
		store:           store,
		broker:          broker,
		ids:             ids,
		worker:          worker,
		defaultDiceFace: defaultDiceFace,
		now:             time.Now,
		rooms:           make(map[string]*channelRoom),
	}
}

func (h *roomHub) room(channelID string) *channelRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[channelID]
	if ok {
		return room
	}

	room = newChannelRoom(h, channelID)
	h.rooms[channelID] = room
	return room
}

func (h *roomHub) envelope(channelID string, body chat.Event, live bool) chat.Envelope {
	return chat.Envelope{
		MailboxID:   channelID,
		MailboxType: chat.MailboxChannel,
		ID:          h.ids.Next(),
		Body:        body,
		Live:        live,
	}
}

// channelRoom serializes writes for one channel and fans broker deliveries
// out to the local sessions.
//
// Lock order: writeMu, then stateMu or subsMu. joinMu is only held around
// subscriber registration and broker subscribe/release. deliver never takes
// writeMu or joinMu.
type channelRoom struct {
	hub *roomHub
	id  string

	writeMu sync.Mutex
	joinMu  sync.Mutex

	stateMu sync.Mutex
	loaded  bool
	channel chat.Channel
	members []chat.Member

	subsMu      sync.Mutex
	subscribers map[*wsSession]*roomSubscriber
}

type roomSubscriber struct {
	replaying bool
	pending   []chat.Envelope
}

func newChannelRoom(hub *roomHub, channelID string) *channelRoom {
	return &channelRoom{
		hub:         hub,
		id:          channelID,
		subscribers: make(map[*wsSession]*roomSubscriber),
	}
}

// load reads channel metadata and roster once, creating the channel on
// first use.
func (r *channelRoom) load(ctx context.Context) error {
	r.stateMu.Lock()
	loaded := r.loaded
	r.stateMu.Unlock()
	if loaded {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	channel, err := r.hub.store.GetChannel(ctx, r.id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		channel = chat.Channel{ID: r.id, Name: r.id, DefaultDiceFace: r.hub.defaultDiceFace}
		event := r.hub.envelope(r.id, chat.ChannelEdited{Channel: channel}, false)
		if err := r.hub.store.PutChannel(ctx, channel, event); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "create channel", err)
		}
		r.publish(ctx, event)
	case err != nil:
		return apperrors.Wrap(apperrors.CodeUnavailable, "load channel", err)
	}
	members, err := r.hub.store.ListMembers(ctx, r.id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "load members", err)
	}

	r.stateMu.Lock()
	if !r.loaded {
		r.channel = channel
		r.members = members
		r.loaded = true
	}
	r.stateMu.Unlock()
	return nil
}

func (r *channelRoom) snapshot() (chat.Channel, []chat.Member) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	members := make([]chat.Member, len(r.members))
	copy(members, r.members)
	return r.channel, members
}

// authorize requires userID to be on the roster once the channel has one.
func (r *channelRoom) authorize(userID string) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if len(r.members) == 0 {
		return nil
	}
	for _, member := range r.members {
		if member.UserID == userID {
			return nil
		}
	}
	return apperrors.New(apperrors.CodeForbidden, "channel membership required")
}

func (r *channelRoom) displayName(identity Identity) string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	for _, member := range r.members {
		if member.UserID == identity.UserID && strings.TrimSpace(member.DisplayName) != "" {
			return member.DisplayName
		}
	}
	if name := strings.TrimSpace(identity.Name); name != "" {
		return name
	}
	return identity.UserID
}

// publish hands a committed event to the broker. The event is already
// stored, so a broker failure only delays delivery until the next replay.
func (r *channelRoom) publish(ctx context.Context, event chat.Envelope) {
	if err := r.hub.broker.Publish(ctx, event); err != nil {
		log.Printf("chat: publish failed channel=%q event=%s err=%v", r.id, event.ID, err)
	}
}

// deliver is the broker callback for this channel.
func (r *channelRoom) deliver(event chat.Envelope) {
	if event.MailboxID != r.id {
		return
	}
	switch body := event.Body.(type) {
	case chat.ChannelEdited:
		r.stateMu.Lock()
		r.channel = body.Channel
		r.stateMu.Unlock()
	case chat.MembersChanged:
		r.stateMu.Lock()
		r.members = append([]chat.Member(nil), body.Members...)
		r.stateMu.Unlock()
	}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for session, sub := range r.subscribers {
		if !visibleTo(event, session.identity.UserID) {
			continue
		}
		if sub.replaying {
			sub.pending = append(sub.pending, event)
			continue
		}
		_ = session.peer.writeEvent(event)
	}
}

// join registers the session and replays stored events after the cursor.
// Live deliveries that race the replay are buffered and flushed once it
// ends, skipping events the replay already sent.
func (r *channelRoom) join(ctx context.Context, session *wsSession, after chat.EventID) (int, error) {
	r.joinMu.Lock()
	r.subsMu.Lock()
	r.subscribers[session] = &roomSubscriber{replaying: true}
	r.subsMu.Unlock()
	err := r.hub.worker.ensure(ctx, r.id, r.deliver)
	r.joinMu.Unlock()
	if err != nil {
		r.leave(session)
		return 0, apperrors.Wrap(apperrors.CodeUnavailable, "subscribe channel", err)
	}

	channel, members := r.snapshot()
	_ = session.peer.writeFrame(wsFrame{
		Type: frameJoined,
		Payload: mustJSON(joinedPayload{
			Channel:    channel,
			Members:    members,
			ServerTime: r.hub.now().UTC().Format(time.RFC3339),
		}),
	})

	count := 0
	replayed := make(map[chat.EventID]struct{})
	cursor := after
	for {
		events, err := r.hub.store.EventsAfter(ctx, r.id, cursor, replayPageSize)
		if err != nil {
			r.leave(session)
			return count, apperrors.Wrap(apperrors.CodeUnavailable, "replay events", err)
		}
		for _, event := range events {
			replayed[event.ID] = struct{}{}
			cursor = event.ID
			if !visibleTo(event, session.identity.UserID) {
				continue
			}
			_ = session.peer.writeEvent(event)
			count++
		}
		if len(events) < replayPageSize {
			break
		}
	}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	sub, ok := r.subscribers[session]
	if !ok {
		return count, nil
	}
	for _, event := range sub.pending {
		if _, seen := replayed[event.ID]; seen && !event.Live {
			continue
		}
		_ = session.peer.writeEvent(event)
	}
	sub.pending = nil
	sub.replaying = false
	return count, nil
}

// leave unregisters the session and drops the broker subscription once the
// room has no local listeners.
func (r *channelRoom) leave(session *wsSession) {
	r.joinMu.Lock()
	defer r.joinMu.Unlock()
	r.subsMu.Lock()
	delete(r.subscribers, session)
	empty := len(r.subscribers) == 0
	r.subsMu.Unlock()
	if empty {
		r.hub.worker.release(r.id)
	}
}

func visibleTo(event chat.Envelope, userID string) bool {
	switch body := event.Body.(type) {
	case chat.NewMessage:
		return body.Message.VisibleTo(userID)
	case chat.MessageEdited:
		return body.Message.VisibleTo(userID)
	default:
		return true
	}
}
