package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
	"github.com/louisbranch/dicechat/internal/platform/requestctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"
)

const tracerName = "github.com/louisbranch/dicechat/internal/services/chat/app"

func newHandler(hub *roomHub, authorizer wsAuthorizer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub)
	})
	mux.Handle("/ws", authenticated(authorizer, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	}))
	registerHTTPRoutes(mux, hub, authorizer)
	return mux
}

// authenticated resolves the caller before next runs.
func authenticated(authorizer wsAuthorizer, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authorizer == nil {
			writeHTTPError(w, apperrors.New(apperrors.CodeUnavailable, "auth is not configured"))
			return
		}
		accessToken := accessTokenFromRequest(r)
		if accessToken == "" {
			log.Printf("chat: unauthorized: missing token host=%q remote=%s path=%q", r.Host, r.RemoteAddr, r.URL.Path)
			writeHTTPError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
			return
		}
		identity, err := authorizer.Authenticate(r.Context(), accessToken)
		if err != nil {
			log.Printf("chat: unauthorized: remote=%s path=%q err=%v", r.RemoteAddr, r.URL.Path, err)
			writeHTTPError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
			return
		}
		ctx := requestctx.WithUser(r.Context(), requestctx.User{ID: identity.UserID, Name: identity.Name})
		next(w, r.WithContext(ctx))
	})
}

func identityFromRequest(r *http.Request) Identity {
	if r == nil {
		return Identity{}
	}
	user, _ := requestctx.UserFromContext(r.Context())
	return Identity{UserID: user.ID, Name: user.Name}
}

func handleWSConn(conn *websocket.Conn, hub *roomHub) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := conn.Request().Context()
	conn.MaxPayloadBytes = 4 * maxFramePayloadBytes
	peer := newWSPeer(conn, json.NewEncoder(conn))
	session := newWSSession(identityFromRequest(conn.Request()), peer)
	defer func() {
		if room := session.currentRoom(); room != nil {
			room.leave(session)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = writeWSError(session.peer, "", apperrors.New(apperrors.CodeInvalidArgument, "payload too large"))
				continue
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			_ = writeWSError(session.peer, "", apperrors.New(apperrors.CodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeResourceExhausted, "rate limit exceeded"))
			return
		}

		handleFrame(ctx, session, hub, frame)
	}
}

// handleFrame dispatches one client frame inside its own span.
func handleFrame(ctx context.Context, session *wsSession, hub *roomHub, frame wsFrame) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, frame.Type, trace.WithAttributes(
		attribute.String("chat.user_id", session.identity.UserID),
	))
	defer span.End()
	if room := session.currentRoom(); room != nil {
		span.SetAttributes(attribute.String("chat.channel_id", room.id))
	}

	var err error
	switch frame.Type {
	case frameJoin:
		err = handleJoinFrame(ctx, session, hub, frame)
	case frameSend:
		err = handleSendFrame(ctx, session, frame)
	case frameEdit:
		err = handleEditFrame(ctx, session, frame)
	case frameMove:
		err = handleMoveFrame(ctx, session, frame)
	case frameDelete:
		err = handleDeleteFrame(ctx, session, frame)
	case framePreview:
		err = handlePreviewFrame(ctx, session, frame)
	case frameDiff:
		err = handleDiffFrame(ctx, session, frame)
	case frameHistoryBefore:
		err = handleHistoryBeforeFrame(ctx, session, frame)
	case frameChannelEdit:
		err = handleChannelEditFrame(ctx, session, frame)
	case frameMembersSet:
		err = handleMembersSetFrame(ctx, session, frame)
	default:
		err = apperrors.New(apperrors.CodeInvalidArgument, "unsupported frame type")
	}
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := apperrors.CodeOf(err); code == apperrors.CodeUnavailable || code == apperrors.CodeInternal || code == apperrors.CodeUnknown {
		log.Printf("chat: frame failed type=%s user=%q err=%v", frame.Type, session.identity.UserID, errorWithCause(err))
	}
	_ = writeWSError(session.peer, frame.RequestID, err)
}

func decodePayload(frame wsFrame, target any) error {
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid "+strings.TrimPrefix(frame.Type, "chat.")+" payload", err)
	}
	return nil
}

// joinedRoom returns the session's room after checking it still admits the
// caller.
func joinedRoom(session *wsSession) (*channelRoom, error) {
	room := session.currentRoom()
	if room == nil {
		return nil, apperrors.New(apperrors.CodeForbidden, "must join a channel first")
	}
	if err := room.authorize(session.identity.UserID); err != nil {
		return nil, err
	}
	return room, nil
}

func handleJoinFrame(ctx context.Context, session *wsSession, hub *roomHub, frame wsFrame) error {
	var payload joinPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	if channelID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "channel_id is required")
	}
	var after chat.EventID
	if strings.TrimSpace(payload.After) != "" {
		parsed, err := chat.ParseEventID(payload.After)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidArgument, "after must be timestamp-node-seq", err)
		}
		after = parsed
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("chat.channel_id", channelID))

	room := hub.room(channelID)
	if err := room.load(ctx); err != nil {
		return err
	}
	if err := room.authorize(session.identity.UserID); err != nil {
		return err
	}
	previous := session.setRoom(room)
	if previous != nil && previous != room {
		previous.leave(session)
	}

	count, err := room.join(ctx, session, after)
	if err != nil {
		session.setRoom(nil)
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Count: count})
}

func handleSendFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload sendPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	result, err := room.send(ctx, session.identity, sendInput(payload))
	if err != nil {
		return err
	}
	ack := ackResult{
		Status:    "ok",
		MessageID: result.Message.ID,
		Pos:       &result.Message.Pos,
		Duplicate: result.Duplicate,
	}
	if !result.Duplicate {
		ack.EventID = result.EventID.String()
	}
	return writeAck(session.peer, frame.RequestID, ack)
}

func handleEditFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload editPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	msg, eventID, err := room.edit(ctx, session.identity, payload.MessageID, payload.Text)
	if err != nil {
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: msg.ID, Pos: &msg.Pos, EventID: eventID.String()})
}

func handleMoveFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload movePayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	msg, eventID, err := room.move(ctx, session.identity, payload.MessageID, payload.Low, payload.High)
	if err != nil {
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: msg.ID, Pos: &msg.Pos, EventID: eventID.String()})
}

func handleDeleteFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload deletePayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	eventID, err := room.remove(ctx, session.identity, payload.MessageID)
	if err != nil {
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: strings.TrimSpace(payload.MessageID), EventID: eventID.String()})
}

func handlePreviewFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload previewPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	if _, err := room.preview(ctx, session.identity, payload.Preview); err != nil {
		return err
	}
	if frame.RequestID == "" {
		return nil
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok"})
}

func handleDiffFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload diffPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	if _, err := room.diff(ctx, session.identity, payload.Diff); err != nil {
		return err
	}
	if frame.RequestID == "" {
		return nil
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok"})
}

func handleHistoryBeforeFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload historyBeforePayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	if payload.Before != nil && !payload.Before.Valid() {
		return apperrors.New(apperrors.CodeInvalidArgument, "before is invalid")
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	page, err := room.historyBefore(ctx, session.identity.UserID, payload.Before, clampLimit(payload.Limit))
	if err != nil {
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{
		Status:   "ok",
		Count:    len(page.Messages),
		Messages: page.Messages,
		Complete: page.Complete,
	})
}

func handleChannelEditFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload channelEditPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	channel, eventID, err := room.editChannel(ctx, payload.Channel)
	if err != nil {
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Channel: &channel, EventID: eventID.String()})
}

func handleMembersSetFrame(ctx context.Context, session *wsSession, frame wsFrame) error {
	var payload membersSetPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	room, err := joinedRoom(session)
	if err != nil {
		return err
	}
	members, eventID, err := room.setMembers(ctx, payload.Members)
	if err != nil {
		return err
	}
	return writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Members: members, EventID: eventID.String()})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func writeAck(peer *wsPeer, requestID string, result ackResult) error {
	return peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	var typed *apperrors.Error
	if !errors.As(err, &typed) {
		typed = apperrors.New(apperrors.CodeInternal, "internal error")
	}
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(typed.Code),
				Message:   typed.Message,
				Retryable: typed.Code.Retryable(),
				Details:   typed.Metadata,
			},
		}),
	})
}

// errorWithCause renders a typed error with its wrapped cause for logs.
func errorWithCause(err error) string {
	var typed *apperrors.Error
	if errors.As(err, &typed) && typed.Cause != nil {
		return typed.Message + ": " + typed.Cause.Error()
	}
	return err.Error()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
