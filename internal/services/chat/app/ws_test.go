package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/markup"
	"github.com/louisbranch/dicechat/internal/random"
	"github.com/louisbranch/dicechat/internal/services/chat/storage/sqlite"
	"golang.org/x/net/websocket"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAckPayload struct {
	Result ackResult `json:"result"`
}

type wsTestErrorPayload struct {
	Error wsError `json:"error"`
}

func newTestHub(t *testing.T) *roomHub {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	broker := newLocalBroker()
	worker, stop, done := startChannelSubscriptionWorker(broker)
	t.Cleanup(func() {
		stop()
		<-done
		_ = broker.Close()
		_ = store.Close()
	})
	return newRoomHub(store, broker, chat.NewIDSource(1), worker, markup.DefaultDiceFace)
}

func newTestServer(t *testing.T) (*httptest.Server, *roomHub) {
	t.Helper()
	hub := newTestHub(t)
	srv := httptest.NewServer(newHandler(hub, devAuthorizer{}))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dialWSWithServerURL(httpURL string, path string, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DialConfig(cfg)
}

func dialAs(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, "/ws", userID)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := websocket.JSON.Send(conn, frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// readUntil reads frames until one has the wanted type and returns it with
// the events seen before it.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) (wsTestFrame, []chat.Envelope) {
	t.Helper()
	var events []chat.Envelope
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame, events
		}
		if frame.Type == frameEvent {
			events = append(events, decodeEvent(t, frame.Payload))
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return wsTestFrame{}, nil
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Envelope {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != frameEvent {
		t.Fatalf("frame type = %q, want %q (payload %s)", frame.Type, frameEvent, frame.Payload)
	}
	return decodeEvent(t, frame.Payload)
}

func decodeEvent(t *testing.T, payload json.RawMessage) chat.Envelope {
	t.Helper()
	var event chat.Envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return event
}

func decodeAckPayload(t *testing.T, payload json.RawMessage) ackResult {
	t.Helper()
	var got wsTestAckPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return got.Result
}

func decodeErrorPayload(t *testing.T, payload json.RawMessage) wsError {
	t.Helper()
	var got wsTestErrorPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return got.Error
}

func joinChannel(t *testing.T, conn *websocket.Conn, channelID string, after string) (joinedPayload, []chat.Envelope) {
	t.Helper()
	payload := map[string]any{"channel_id": channelID}
	if after != "" {
		payload["after"] = after
	}
	writeFrame(t, conn, map[string]any{"type": frameJoin, "request_id": "join-1", "payload": payload})

	frame := readFrame(t, conn)
	if frame.Type != frameJoined {
		t.Fatalf("frame type = %q, want %q (payload %s)", frame.Type, frameJoined, frame.Payload)
	}
	var joined joinedPayload
	if err := json.Unmarshal(frame.Payload, &joined); err != nil {
		t.Fatalf("decode joined payload: %v", err)
	}
	ack, events := readUntil(t, conn, frameAck)
	if got := decodeAckPayload(t, ack.Payload).Count; got != len(events) {
		t.Fatalf("ack count = %d, want %d replayed events", got, len(events))
	}
	return joined, events
}

func send(t *testing.T, conn *websocket.Conn, requestID string, payload map[string]any) (ackResult, []chat.Envelope) {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": frameSend, "request_id": requestID, "payload": payload})
	frame, events := readUntil(t, conn, frameAck)
	return decodeAckPayload(t, frame.Payload), events
}

func expectError(t *testing.T, conn *websocket.Conn, code string) wsError {
	t.Helper()
	frame, _ := readUntil(t, conn, frameError)
	got := decodeErrorPayload(t, frame.Payload)
	if got.Code != code {
		t.Fatalf("error code = %q, want %q (%s)", got.Code, code, got.Message)
	}
	return got
}

// TestWebSocketJoinCreatesChannel ensures the first join creates the channel
// and replays its creation event.
func TestWebSocketJoinCreatesChannel(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialAs(t, srv, "alice")

	joined, events := joinChannel(t, conn, "tavern", "")
	if joined.Channel.ID != "tavern" || joined.Channel.DefaultDiceFace != markup.DefaultDiceFace {
		t.Fatalf("joined channel = %+v", joined.Channel)
	}
	if joined.ServerTime == "" {
		t.Fatal("expected server_time")
	}
	if len(events) != 1 || events[0].Body.Kind() != chat.KindChannelEdited {
		t.Fatalf("replayed events = %+v, want one CHANNEL_EDITED", events)
	}
}

func TestWebSocketUnknownTypeReturnsChatError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialAs(t, srv, "alice")

	writeFrame(t, conn, map[string]any{"type": "chat.unknown", "request_id": "r1", "payload": map[string]any{}})
	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.RequestID != "r1" {
		t.Fatalf("frame = %s/%s, want chat.error/r1", frame.Type, frame.RequestID)
	}
	if got := decodeErrorPayload(t, frame.Payload); got.Code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %q, want INVALID_ARGUMENT", got.Code)
	}
}

func TestWebSocketSendBeforeJoinReturnsForbidden(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialAs(t, srv, "alice")

	writeFrame(t, conn, map[string]any{"type": frameSend, "request_id": "s1", "payload": map[string]any{"text": "hi"}})
	expectError(t, conn, "FORBIDDEN")
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	if conn, err := dialWSWithServerURL(srv.URL, "/ws", ""); err == nil {
		_ = conn.Close()
		t.Fatal("expected dial without token to fail")
	}
}

func TestWebSocketInvalidJSONClosesAfterRepeatedErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialAs(t, srv, "alice")

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if err := websocket.Message.Send(conn, "{not json"); err != nil {
			t.Fatalf("send raw frame: %v", err)
		}
		expectError(t, conn, "INVALID_ARGUMENT")
	}
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := websocket.JSON.Receive(conn, &frame); err == nil {
		t.Fatalf("expected connection to close, got frame %s", frame.Type)
	}
}

// TestWebSocketSendBroadcastsParsedMessage ensures a sent message reaches
// every member with its expression entities and seed.
func TestWebSocketSendBroadcastsParsedMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	joinChannel(t, alice, "tavern", "")
	joinChannel(t, bob, "tavern", "")

	ack, events := send(t, alice, "s1", map[string]any{"text": "I attack {1d20+5}", "name": "Alice"})
	if ack.Status != "ok" || ack.MessageID == "" || ack.EventID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if len(events) != 1 {
		t.Fatalf("sender events = %d, want 1", len(events))
	}

	got := readEvent(t, bob)
	body, ok := got.Body.(chat.NewMessage)
	if !ok {
		t.Fatalf("event body = %T, want chat.NewMessage", got.Body)
	}
	if got.ID.String() != ack.EventID {
		t.Fatalf("event id = %s, want %s", got.ID, ack.EventID)
	}
	msg := body.Message
	if msg.AuthorID != "alice" || msg.Name != "Alice" || msg.Text != "I attack {1d20+5}" {
		t.Fatalf("message = %+v", msg)
	}
	var exprs int
	for _, e := range msg.Entities {
		if e.Type == markup.EntityExpr {
			exprs++
		}
	}
	if exprs != 1 {
		t.Fatalf("expression entities = %d, want 1", exprs)
	}
	if msg.Seed == (random.Seed{}) {
		t.Fatal("expected a non-zero seed")
	}
}

func TestWebSocketSendIsIdempotentByID(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	first, _ := send(t, alice, "s1", map[string]any{"id": "msg-1", "text": "hello"})
	second, events := send(t, alice, "s2", map[string]any{"id": "msg-1", "text": "hello again"})
	if first.MessageID != "msg-1" || second.MessageID != "msg-1" {
		t.Fatalf("message ids = %q, %q, want msg-1", first.MessageID, second.MessageID)
	}
	if !second.Duplicate || second.EventID != "" {
		t.Fatalf("second ack = %+v, want duplicate without event", second)
	}
	if len(events) != 0 {
		t.Fatalf("duplicate send emitted %d events", len(events))
	}
}

func TestWebSocketSendRejectsBlankText(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	writeFrame(t, alice, map[string]any{"type": frameSend, "request_id": "s1", "payload": map[string]any{"text": "   "}})
	expectError(t, alice, "INVALID_ARGUMENT")
}

// TestWebSocketWhisperOnlyReachesRecipients ensures whispers skip other
// members on both the live stream and replay.
func TestWebSocketWhisperOnlyReachesRecipients(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	carol := dialAs(t, srv, "carol")
	joinChannel(t, alice, "tavern", "")
	joinChannel(t, bob, "tavern", "")
	joinChannel(t, carol, "tavern", "")

	send(t, alice, "s1", map[string]any{"text": "psst", "whisper_to": []string{"carol"}})
	got := readEvent(t, carol)
	if body := got.Body.(chat.NewMessage); body.Message.Text != "psst" {
		t.Fatalf("carol got %q, want psst", body.Message.Text)
	}

	send(t, alice, "s2", map[string]any{"text": "hello all"})
	got = readEvent(t, bob)
	if body := got.Body.(chat.NewMessage); body.Message.Text != "hello all" {
		t.Fatalf("bob's first message = %q, want the public one", body.Message.Text)
	}

	late := dialAs(t, srv, "bob")
	_, events := joinChannel(t, late, "tavern", "")
	for _, event := range events {
		if body, ok := event.Body.(chat.NewMessage); ok && body.Message.Text == "psst" {
			t.Fatal("whisper replayed to a non-recipient")
		}
	}
}

func TestWebSocketEditRequiresAuthor(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	joinChannel(t, alice, "tavern", "")
	joinChannel(t, bob, "tavern", "")

	ack, _ := send(t, alice, "s1", map[string]any{"text": "original"})
	readEvent(t, bob)

	writeFrame(t, bob, map[string]any{"type": frameEdit, "request_id": "e1", "payload": map[string]any{"message_id": ack.MessageID, "text": "hijack"}})
	expectError(t, bob, "FORBIDDEN")

	writeFrame(t, alice, map[string]any{"type": frameEdit, "request_id": "e2", "payload": map[string]any{"message_id": ack.MessageID, "text": "revised {2d6}"}})
	frame, _ := readUntil(t, alice, frameAck)
	if got := decodeAckPayload(t, frame.Payload); got.MessageID != ack.MessageID {
		t.Fatalf("edit ack = %+v", got)
	}
	event := readEvent(t, bob)
	edited, ok := event.Body.(chat.MessageEdited)
	if !ok {
		t.Fatalf("event body = %T, want chat.MessageEdited", event.Body)
	}
	if edited.Message.Text != "revised {2d6}" || edited.Message.EditedAt == nil {
		t.Fatalf("edited message = %+v", edited.Message)
	}
}

func TestWebSocketMoveBetweenNeighbours(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	first, _ := send(t, alice, "s1", map[string]any{"text": "one"})
	second, _ := send(t, alice, "s2", map[string]any{"text": "two"})
	third, _ := send(t, alice, "s3", map[string]any{"text": "three"})

	writeFrame(t, alice, map[string]any{"type": frameMove, "request_id": "m1", "payload": map[string]any{
		"message_id": third.MessageID,
		"low":        first.Pos,
		"high":       second.Pos,
	}})
	frame, events := readUntil(t, alice, frameAck)
	moved := decodeAckPayload(t, frame.Payload)
	if moved.Pos == nil || !first.Pos.Less(*moved.Pos) || !moved.Pos.Less(*second.Pos) {
		t.Fatalf("moved pos = %v, want between %v and %v", moved.Pos, first.Pos, second.Pos)
	}
	if len(events) != 1 {
		t.Fatalf("move events = %d, want 1", len(events))
	}
	edited := events[0].Body.(chat.MessageEdited)
	if edited.OldPos != *third.Pos {
		t.Fatalf("old pos = %v, want %v", edited.OldPos, *third.Pos)
	}

	writeFrame(t, alice, map[string]any{"type": frameMove, "request_id": "m2", "payload": map[string]any{
		"message_id": third.MessageID,
		"low":        second.Pos,
		"high":       first.Pos,
	}})
	expectError(t, alice, "INVALID_ARGUMENT")
}

func TestWebSocketDeleteEmitsEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	sent, _ := send(t, alice, "s1", map[string]any{"text": "oops"})
	writeFrame(t, alice, map[string]any{"type": frameDelete, "request_id": "d1", "payload": map[string]any{"message_id": sent.MessageID}})
	_, events := readUntil(t, alice, frameAck)
	if len(events) != 1 {
		t.Fatalf("delete events = %d, want 1", len(events))
	}
	deleted, ok := events[0].Body.(chat.MessageDeleted)
	if !ok || deleted.MessageID != sent.MessageID || deleted.Pos != *sent.Pos {
		t.Fatalf("delete event = %+v", events[0].Body)
	}

	writeFrame(t, alice, map[string]any{"type": frameDelete, "request_id": "d2", "payload": map[string]any{"message_id": sent.MessageID}})
	expectError(t, alice, "NOT_FOUND")
}

// TestWebSocketRejoinReplaysAfterCursor ensures a resumed join replays only
// events after the cursor and never previews.
func TestWebSocketRejoinReplaysAfterCursor(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	first, _ := send(t, alice, "s1", map[string]any{"text": "one"})
	writeFrame(t, alice, map[string]any{"type": framePreview, "request_id": "p1", "payload": map[string]any{
		"preview": map[string]any{"id": "draft-1", "text": "typing", "version": 1},
	}})
	_, events := readUntil(t, alice, frameAck)
	if len(events) != 1 || !events[0].Live || events[0].Body.Kind() != chat.KindPreview {
		t.Fatalf("preview events = %+v, want one live preview", events)
	}
	second, _ := send(t, alice, "s2", map[string]any{"text": "two"})

	rejoin := dialAs(t, srv, "alice")
	_, replayed := joinChannel(t, rejoin, "tavern", first.EventID)
	if len(replayed) != 1 {
		t.Fatalf("replayed = %d events, want 1", len(replayed))
	}
	if replayed[0].ID.String() != second.EventID || replayed[0].Live {
		t.Fatalf("replayed event = %+v, want %s", replayed[0], second.EventID)
	}
}

func TestWebSocketPreviewSetsServerFields(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	joinChannel(t, alice, "tavern", "")
	joinChannel(t, bob, "tavern", "")

	writeFrame(t, alice, map[string]any{"type": framePreview, "payload": map[string]any{
		"preview": map[string]any{"id": "draft-1", "author_id": "mallory", "text": "rolling {d6}", "version": 1},
	}})
	event := readEvent(t, bob)
	preview := event.Body.(chat.PreviewUpdated).Preview
	if preview.AuthorID != "alice" || preview.ChannelID != "tavern" {
		t.Fatalf("preview = %+v, want author alice in tavern", preview)
	}
	if !preview.Pos.Valid() || len(preview.Entities) == 0 {
		t.Fatalf("preview pos/entities not filled: %+v", preview)
	}

	writeFrame(t, alice, map[string]any{"type": frameDiff, "payload": map[string]any{
		"diff": map[string]any{"id": "draft-1", "ref": 1, "version": 2, "ops": []map[string]any{{"type": "APPEND", "text": "!"}}},
	}})
	event = readEvent(t, bob)
	diff := event.Body.(chat.PreviewDiffed).Diff
	if diff.AuthorID != "alice" || diff.Version != 2 || !event.Live {
		t.Fatalf("diff event = %+v", event)
	}

	writeFrame(t, alice, map[string]any{"type": frameDiff, "request_id": "d1", "payload": map[string]any{
		"diff": map[string]any{"id": "draft-1", "ref": 2, "version": 2},
	}})
	expectError(t, alice, "INVALID_ARGUMENT")
}

func TestWebSocketHistoryBeforeReturnsPage(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	for i, text := range []string{"one", "two", "three"} {
		send(t, alice, "s"+string(rune('1'+i)), map[string]any{"text": text})
	}

	writeFrame(t, alice, map[string]any{"type": frameHistoryBefore, "request_id": "h1", "payload": map[string]any{"before": map[string]any{"p": 3, "q": 1}, "limit": 1}})
	frame, _ := readUntil(t, alice, frameAck)
	got := decodeAckPayload(t, frame.Payload)
	if got.Count != 1 || len(got.Messages) != 1 || got.Messages[0].Text != "two" || got.Complete {
		t.Fatalf("history ack = %+v, want [two] incomplete", got)
	}

	writeFrame(t, alice, map[string]any{"type": frameHistoryBefore, "request_id": "h2", "payload": map[string]any{"limit": 10}})
	frame, _ = readUntil(t, alice, frameAck)
	got = decodeAckPayload(t, frame.Payload)
	if len(got.Messages) != 3 || !got.Complete {
		t.Fatalf("history ack = %+v, want 3 messages complete", got)
	}
}

// TestWebSocketRosterRestrictsMembers ensures a non-empty roster locks out
// everybody else.
func TestWebSocketRosterRestrictsMembers(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	joinChannel(t, alice, "tavern", "")
	joinChannel(t, bob, "tavern", "")

	writeFrame(t, alice, map[string]any{"type": frameMembersSet, "request_id": "m1", "payload": map[string]any{
		"members": []map[string]any{{"user_id": "alice", "display_name": "Alice"}},
	}})
	frame, _ := readUntil(t, alice, frameAck)
	if got := decodeAckPayload(t, frame.Payload); len(got.Members) != 1 {
		t.Fatalf("members ack = %+v", got)
	}
	if event := readEvent(t, bob); event.Body.Kind() != chat.KindMembersChanged {
		t.Fatalf("bob event = %s, want MEMBERS_CHANGED", event.Body.Kind())
	}

	writeFrame(t, bob, map[string]any{"type": frameSend, "request_id": "s1", "payload": map[string]any{"text": "let me in"}})
	expectError(t, bob, "FORBIDDEN")

	outsider := dialAs(t, srv, "carol")
	writeFrame(t, outsider, map[string]any{"type": frameJoin, "request_id": "j1", "payload": map[string]any{"channel_id": "tavern"}})
	expectError(t, outsider, "FORBIDDEN")

	ack, _ := send(t, alice, "s2", map[string]any{"text": "hi @Alice"})
	if ack.Status != "ok" {
		t.Fatalf("alice send ack = %+v", ack)
	}
}

func TestWebSocketChannelEditUpdatesDefaultFace(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	joinChannel(t, alice, "tavern", "")

	writeFrame(t, alice, map[string]any{"type": frameChannelEdit, "request_id": "c1", "payload": map[string]any{
		"channel": map[string]any{"name": "The Tavern", "topic": "rest", "default_dice_face": 6},
	}})
	frame, events := readUntil(t, alice, frameAck)
	got := decodeAckPayload(t, frame.Payload)
	if got.Channel == nil || got.Channel.Name != "The Tavern" || got.Channel.DefaultDiceFace != 6 {
		t.Fatalf("channel ack = %+v", got)
	}
	if len(events) != 1 || events[0].Body.Kind() != chat.KindChannelEdited {
		t.Fatalf("channel events = %+v", events)
	}

	writeFrame(t, alice, map[string]any{"type": frameChannelEdit, "request_id": "c2", "payload": map[string]any{
		"channel": map[string]any{"name": " "},
	}})
	expectError(t, alice, "INVALID_ARGUMENT")
}
