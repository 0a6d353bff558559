// Package client subscribes to a chat channel over WebSocket and keeps a
// reconciled local view of it.
//
// The subscriber reconnects forever on the reconnect schedule, resuming from
// the last applied event. Every event is handed to a reconcile.Owner, which
// drops duplicates, so replay overlap after a reconnect is harmless.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/chat/reconcile"
	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
	"github.com/louisbranch/dicechat/internal/platform/timeouts"
	"github.com/louisbranch/dicechat/internal/position"
	"golang.org/x/net/websocket"
)

const frameWriteLimit = 10 * time.Second

const (
	frameJoin    = "chat.join"
	frameJoined  = "chat.joined"
	frameEvent   = "chat.event"
	frameAck     = "chat.ack"
	frameError   = "chat.error"
	frameSend    = "chat.send"
	frameEdit    = "chat.edit"
	frameMove    = "chat.move"
	frameDelete  = "chat.delete"
	framePreview = "chat.preview"
	frameDiff    = "chat.diff"
)

// Options configures a Subscriber.
type Options struct {
	// BaseURL is the chat server's HTTP origin, such as http://localhost:8086.
	BaseURL   string
	ChannelID string
	Token     string
	Owner     *reconcile.Owner
	// Cursors restores the cursor before the first join. Optional.
	Cursors *CursorStore
	// API is used for history and to classify refused handshakes. A nil API
	// is built from BaseURL and Token.
	API *API
	// Backoff paces reconnects. Nil uses NewReconnectSchedule.
	Backoff backoff.BackOff
	Logf    func(string, ...any)
}

// Ack is the server's acknowledgement of a request.
type Ack struct {
	Status    string        `json:"status"`
	MessageID string        `json:"message_id,omitempty"`
	Pos       *position.Key `json:"pos,omitempty"`
	EventID   string        `json:"event_id,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Count     int           `json:"count,omitempty"`
}

// SendRequest is a new message. An empty ID lets the server pick one; a
// caller-chosen ID makes retries idempotent.
type SendRequest struct {
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text"`
	Name      string   `json:"name,omitempty"`
	WhisperTo []string `json:"whisper_to,omitempty"`
}

type wireFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wireError struct {
	Error struct {
		Code      string            `json:"code"`
		Message   string            `json:"message"`
		Retryable bool              `json:"retryable"`
		Details   map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

type reply struct {
	ack Ack
	err error
}

// Subscriber keeps one channel subscription alive.
type Subscriber struct {
	opts    Options
	wsURL   string
	api     *API
	backoff backoff.BackOff

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	nextRequest uint64
	pending     map[string]chan reply
}

// NewSubscriber validates opts and returns an idle subscriber. Call Run.
func NewSubscriber(opts Options) (*Subscriber, error) {
	if strings.TrimSpace(opts.ChannelID) == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if opts.Owner == nil {
		return nil, fmt.Errorf("reconcile owner is required")
	}
	wsURL, err := websocketURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	api := opts.API
	if api == nil {
		api, err = NewAPI(opts.BaseURL, opts.Token, nil)
		if err != nil {
			return nil, err
		}
	}
	schedule := opts.Backoff
	if schedule == nil {
		schedule = NewReconnectSchedule()
	}
	return &Subscriber{
		opts:    opts,
		wsURL:   wsURL,
		api:     api,
		backoff: schedule,
		pending: make(map[string]chan reply),
	}, nil
}

// Run subscribes until ctx ends. It returns early only when the server
// refuses the user outright.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.opts.Cursors != nil {
		cursor, err := s.opts.Cursors.Load(ctx, s.opts.ChannelID)
		if err != nil {
			s.logf("chat: load cursor failed channel=%s err=%v", s.opts.ChannelID, err)
		} else if err := s.opts.Owner.Do(ctx, func(state *reconcile.State) { state.Resume(cursor) }); err != nil {
			return err
		}
	}

	for {
		err := s.session(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if apperrors.IsCode(err, apperrors.CodeUnauthenticated) || apperrors.IsCode(err, apperrors.CodeForbidden) {
			return err
		}
		if errors.Is(err, reconcile.ErrOwnerStopped) {
			return err
		}
		delay := s.backoff.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		s.logf("chat: subscription lost channel=%s err=%v retry_in=%s", s.opts.ChannelID, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Connected reports whether a subscription is currently open.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send posts a new message.
func (s *Subscriber) Send(ctx context.Context, req SendRequest) (Ack, error) {
	return s.request(ctx, frameSend, req)
}

// Edit replaces the text of one of the user's messages.
func (s *Subscriber) Edit(ctx context.Context, messageID, text string) (Ack, error) {
	return s.request(ctx, frameEdit, map[string]string{"message_id": messageID, "text": text})
}

// Move repositions a message between low and high. Either bound may be nil.
func (s *Subscriber) Move(ctx context.Context, messageID string, low, high *position.Key) (Ack, error) {
	return s.request(ctx, frameMove, struct {
		MessageID string        `json:"message_id"`
		Low       *position.Key `json:"low,omitempty"`
		High      *position.Key `json:"high,omitempty"`
	}{MessageID: messageID, Low: low, High: high})
}

// Delete removes a message.
func (s *Subscriber) Delete(ctx context.Context, messageID string) (Ack, error) {
	return s.request(ctx, frameDelete, map[string]string{"message_id": messageID})
}

// Preview broadcasts a full typing snapshot.
func (s *Subscriber) Preview(ctx context.Context, preview chat.Preview) (Ack, error) {
	return s.request(ctx, framePreview, map[string]chat.Preview{"preview": preview})
}

// Diff broadcasts an incremental typing update against the last snapshot.
func (s *Subscriber) Diff(ctx context.Context, diff chat.Diff) (Ack, error) {
	return s.request(ctx, frameDiff, map[string]chat.Diff{"diff": diff})
}

// LoadOlder fetches the page before the oldest loaded message and queues it
// on the owner.
func (s *Subscriber) LoadOlder(ctx context.Context, limit int) (HistoryPage, error) {
	var before *position.Key
	err := s.opts.Owner.Do(ctx, func(state *reconcile.State) {
		for _, item := range state.Items() {
			if item.IsMessage() {
				pos := item.Pos
				before = &pos
				return
			}
		}
	})
	if err != nil {
		return HistoryPage{}, err
	}
	page, err := s.api.HistoryBefore(ctx, s.opts.ChannelID, before, limit)
	if err != nil {
		return HistoryPage{}, err
	}
	if err := s.opts.Owner.LoadHistory(ctx, page.Messages, page.Complete); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

func (s *Subscriber) session(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cursor, err := s.opts.Owner.Cursor(ctx)
	if err != nil {
		return err
	}
	join := map[string]string{"channel_id": s.opts.ChannelID}
	if !cursor.IsZero() {
		join["after"] = cursor.String()
	}
	payload, err := json.Marshal(join)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode join", err)
	}
	const joinRequestID = "join"
	if err := s.write(conn, wireFrame{Type: frameJoin, RequestID: joinRequestID, Payload: payload}); err != nil {
		return err
	}

	s.attach(conn)
	defer s.detach(conn)

	for {
		var frame wireFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "read frame", err)
		}
		s.backoff.Reset()

		switch frame.Type {
		case frameJoined:
			var joined struct {
				Channel chat.Channel  `json:"channel"`
				Members []chat.Member `json:"members"`
			}
			if err := json.Unmarshal(frame.Payload, &joined); err != nil {
				s.logf("chat: decode joined failed channel=%s err=%v", s.opts.ChannelID, err)
				continue
			}
			if err := s.opts.Owner.Joined(ctx, joined.Channel, joined.Members); err != nil {
				return err
			}
		case frameEvent:
			var envelope chat.Envelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				s.logf("chat: decode event failed channel=%s err=%v", s.opts.ChannelID, err)
				continue
			}
			if err := s.opts.Owner.Apply(ctx, envelope); err != nil {
				return err
			}
		case frameAck, frameError:
			result := decodeReply(frame)
			if frame.RequestID == joinRequestID {
				if result.err != nil {
					return result.err
				}
				continue
			}
			s.resolve(frame.RequestID, result)
		}
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	config, err := websocket.NewConfig(s.wsURL, s.opts.BaseURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "websocket config", err)
	}
	if s.opts.Token != "" {
		config.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeouts.WSHandshake)
	defer cancel()
	conn, err := config.DialContext(dialCtx)
	if err == nil {
		return conn, nil
	}

	var dialErr *websocket.DialError
	if errors.As(err, &dialErr) && dialErr.Err == websocket.ErrBadStatus {
		// The handshake hides the status; ask the request layer why.
		if _, _, apiErr := s.api.Channel(ctx, s.opts.ChannelID); apiErr != nil {
			return nil, apiErr
		}
	}
	return nil, apperrors.Wrap(apperrors.CodeUnavailable, "dial chat server", err)
}

func (s *Subscriber) request(ctx context.Context, frameType string, payload any) (Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "encode request", err)
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return Ack{}, apperrors.New(apperrors.CodeUnavailable, "chat subscription is not connected")
	}
	s.nextRequest++
	requestID := "r" + strconv.FormatUint(s.nextRequest, 10)
	replies := make(chan reply, 1)
	s.pending[requestID] = replies
	s.mu.Unlock()

	if err := s.write(conn, wireFrame{Type: frameType, RequestID: requestID, Payload: data}); err != nil {
		s.forget(requestID)
		return Ack{}, err
	}
	select {
	case r := <-replies:
		return r.ack, r.err
	case <-ctx.Done():
		s.forget(requestID)
		return Ack{}, ctx.Err()
	}
}

func (s *Subscriber) write(conn *websocket.Conn, frame wireFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(frameWriteLimit))
	if err := websocket.JSON.Send(conn, frame); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "write frame", err)
	}
	return nil
}

func (s *Subscriber) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// detach fails every request still waiting on conn.
func (s *Subscriber) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.conn = nil
	for id, replies := range s.pending {
		replies <- reply{err: apperrors.New(apperrors.CodeUnavailable, "chat connection lost")}
		delete(s.pending, id)
	}
}

func (s *Subscriber) resolve(requestID string, r reply) {
	s.mu.Lock()
	replies, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if ok {
		replies <- r
	}
}

func (s *Subscriber) forget(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.opts.Logf != nil {
		s.opts.Logf(format, args...)
	}
}

func decodeReply(frame wireFrame) reply {
	if frame.Type == frameError {
		var payload wireError
		if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Error.Code == "" {
			return reply{err: apperrors.New(apperrors.CodeUnknown, "malformed error frame")}
		}
		code := apperrors.Code(payload.Error.Code)
		if len(payload.Error.Details) > 0 {
			return reply{err: apperrors.WithMetadata(code, payload.Error.Message, payload.Error.Details)}
		}
		return reply{err: apperrors.New(code, payload.Error.Message)}
	}
	var payload struct {
		Result Ack `json:"result"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return reply{err: apperrors.Wrap(apperrors.CodeInternal, "decode ack", err)}
	}
	return reply{ack: payload.Result}
}

func websocketURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("base URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("base URL host is required")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	parsed.RawQuery = ""
	return parsed.String(), nil
}
