package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/markup"
	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
	"github.com/louisbranch/dicechat/internal/platform/id"
	"github.com/louisbranch/dicechat/internal/position"
	"github.com/louisbranch/dicechat/internal/random"
	"github.com/louisbranch/dicechat/internal/services/chat/storage"
)

type sendInput struct {
	ID        string
	Text      string
	Name      string
	WhisperTo []string
}

type sendResult struct {
	Message   chat.Message
	EventID   chat.EventID
	Duplicate bool
}

// send stores a new message at the end of the channel. Reusing an id the
// same author already sent acknowledges the stored message again.
func (r *channelRoom) send(ctx context.Context, identity Identity, input sendInput) (sendResult, error) {
	messageID := strings.TrimSpace(input.ID)
	if messageID == "" {
		generated, err := id.NewID()
		if err != nil {
			return sendResult{}, apperrors.Wrap(apperrors.CodeInternal, "generate message id", err)
		}
		messageID = generated
	}
	if utf8.RuneCountInString(messageID) > maxMessageIDRunes {
		return sendResult{}, apperrors.New(apperrors.CodeInvalidArgument, "id must be at most 128 characters")
	}
	if err := validateBody(input.Text); err != nil {
		return sendResult{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if existing, err := r.hub.store.GetMessage(ctx, r.id, messageID); err == nil {
		return duplicateSend(existing, identity)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return sendResult{}, apperrors.Wrap(apperrors.CodeUnavailable, "lookup message", err)
	}

	pos, err := r.nextPosition(ctx)
	if err != nil {
		return sendResult{}, err
	}
	seed, err := random.NewSeed()
	if err != nil {
		return sendResult{}, apperrors.Wrap(apperrors.CodeInternal, "generate seed", err)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = r.displayName(identity)
	}
	text, entities := markup.Parse(input.Text, r.env())

	msg := chat.Message{
		ID:        messageID,
		ChannelID: r.id,
		AuthorID:  identity.UserID,
		Name:      name,
		Text:      text,
		Entities:  entities,
		Seed:      seed,
		Pos:       pos,
		WhisperTo: normalizeRecipients(input.WhisperTo),
		CreatedAt: r.hub.now().UTC(),
	}
	event := r.hub.envelope(r.id, chat.NewMessage{Message: msg}, false)
	if err := r.hub.store.CreateMessage(ctx, msg, event); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			existing, getErr := r.hub.store.GetMessage(ctx, r.id, messageID)
			if getErr == nil {
				return duplicateSend(existing, identity)
			}
		}
		return sendResult{}, apperrors.Wrap(apperrors.CodeUnavailable, "store message", err)
	}
	r.publish(ctx, event)
	return sendResult{Message: msg, EventID: event.ID}, nil
}

func duplicateSend(existing chat.Message, identity Identity) (sendResult, error) {
	if existing.AuthorID != identity.UserID {
		return sendResult{}, apperrors.New(apperrors.CodeInvalidArgument, "message id already in use")
	}
	return sendResult{Message: existing, Duplicate: true}, nil
}

// edit replaces the text of the caller's own message, keeping its seed so
// rolls that did not change keep their results.
func (r *channelRoom) edit(ctx context.Context, identity Identity, messageID, text string) (chat.Message, chat.EventID, error) {
	if err := validateBody(text); err != nil {
		return chat.Message{}, chat.EventID{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	msg, err := r.ownMessage(ctx, identity, messageID)
	if err != nil {
		return chat.Message{}, chat.EventID{}, err
	}
	oldPos := msg.Pos
	msg.Text, msg.Entities = markup.Parse(text, r.env())
	editedAt := r.hub.now().UTC()
	msg.EditedAt = &editedAt

	event := r.hub.envelope(r.id, chat.MessageEdited{Message: msg, OldPos: oldPos}, false)
	if err := r.hub.store.UpdateMessage(ctx, msg, event); err != nil {
		return chat.Message{}, chat.EventID{}, storeError("update message", err)
	}
	r.publish(ctx, event)
	return msg, event.ID, nil
}

// move places the caller's message between two neighbouring positions. A
// missing low bound moves it before high and a missing high bound moves it
// after low.
func (r *channelRoom) move(ctx context.Context, identity Identity, messageID string, low, high *position.Key) (chat.Message, chat.EventID, error) {
	pos, err := movePosition(low, high)
	if err != nil {
		return chat.Message{}, chat.EventID{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	msg, err := r.ownMessage(ctx, identity, messageID)
	if err != nil {
		return chat.Message{}, chat.EventID{}, err
	}
	oldPos := msg.Pos
	msg.Pos = pos

	event := r.hub.envelope(r.id, chat.MessageEdited{Message: msg, OldPos: oldPos}, false)
	if err := r.hub.store.UpdateMessage(ctx, msg, event); err != nil {
		return chat.Message{}, chat.EventID{}, storeError("move message", err)
	}
	r.publish(ctx, event)
	return msg, event.ID, nil
}

func movePosition(low, high *position.Key) (position.Key, error) {
	var (
		pos position.Key
		err error
	)
	switch {
	case low == nil && high == nil:
		return position.Key{}, apperrors.New(apperrors.CodeInvalidArgument, "low or high is required")
	case low == nil:
		if !high.Valid() {
			return position.Key{}, apperrors.New(apperrors.CodeInvalidArgument, "high is invalid")
		}
		pos = position.Before(*high)
	case high == nil:
		if !low.Valid() {
			return position.Key{}, apperrors.New(apperrors.CodeInvalidArgument, "low is invalid")
		}
		pos = position.After(*low)
	default:
		pos, err = position.Between(*low, *high)
	}
	if err != nil {
		return position.Key{}, apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err)
	}
	return pos, nil
}

func (r *channelRoom) remove(ctx context.Context, identity Identity, messageID string) (chat.EventID, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	msg, err := r.ownMessage(ctx, identity, messageID)
	if err != nil {
		return chat.EventID{}, err
	}
	event := r.hub.envelope(r.id, chat.MessageDeleted{MessageID: msg.ID, Pos: msg.Pos}, false)
	if err := r.hub.store.DeleteMessage(ctx, r.id, msg.ID, event); err != nil {
		return chat.EventID{}, storeError("delete message", err)
	}
	r.publish(ctx, event)
	return event.ID, nil
}

// preview broadcasts a full typing snapshot. Previews are live: they are
// never stored or replayed.
func (r *channelRoom) preview(ctx context.Context, identity Identity, preview chat.Preview) (chat.EventID, error) {
	preview.ID = strings.TrimSpace(preview.ID)
	if preview.ID == "" {
		return chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "preview id is required")
	}
	if preview.Text != nil && utf8.RuneCountInString(*preview.Text) > maxMessageBodyRunes {
		return chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "text must be at most 2000 characters")
	}
	preview.ChannelID = r.id
	preview.AuthorID = identity.UserID
	if strings.TrimSpace(preview.Name) == "" {
		preview.Name = r.displayName(identity)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if preview.Edit != nil {
		msg, err := r.ownMessage(ctx, identity, preview.Edit.MessageID)
		if err != nil {
			return chat.EventID{}, err
		}
		preview.Edit.Pos = msg.Pos
	} else {
		pos, err := r.nextPosition(ctx)
		if err != nil {
			return chat.EventID{}, err
		}
		preview.Pos = pos
	}
	if preview.Text != nil && len(preview.Entities) == 0 {
		text, entities := markup.Parse(*preview.Text, r.env())
		preview.Text = &text
		preview.Entities = entities
	}

	event := r.hub.envelope(r.id, chat.PreviewUpdated{Preview: preview}, true)
	r.publish(ctx, event)
	return event.ID, nil
}

// diff broadcasts an incremental preview change. Receivers validate it
// against their keyframe.
func (r *channelRoom) diff(ctx context.Context, identity Identity, diff chat.Diff) (chat.EventID, error) {
	diff.ID = strings.TrimSpace(diff.ID)
	if diff.ID == "" {
		return chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "diff id is required")
	}
	if diff.Version <= diff.Ref {
		return chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "diff version must be after ref")
	}
	diff.ChannelID = r.id
	diff.AuthorID = identity.UserID

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	event := r.hub.envelope(r.id, chat.PreviewDiffed{Diff: diff}, true)
	r.publish(ctx, event)
	return event.ID, nil
}

func (r *channelRoom) editChannel(ctx context.Context, channel chat.Channel) (chat.Channel, chat.EventID, error) {
	channel.ID = r.id
	channel.Name = strings.TrimSpace(channel.Name)
	if channel.Name == "" {
		return chat.Channel{}, chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "channel name is required")
	}
	if channel.DefaultDiceFace < 0 || channel.DefaultDiceFace > maxDiceFace {
		return chat.Channel{}, chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "default dice face is out of range")
	}
	if channel.DefaultDiceFace == 0 {
		channel.DefaultDiceFace = r.hub.defaultDiceFace
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	event := r.hub.envelope(r.id, chat.ChannelEdited{Channel: channel}, false)
	if err := r.hub.store.PutChannel(ctx, channel, event); err != nil {
		return chat.Channel{}, chat.EventID{}, storeError("store channel", err)
	}
	r.stateMu.Lock()
	r.channel = channel
	r.stateMu.Unlock()
	r.publish(ctx, event)
	return channel, event.ID, nil
}

func (r *channelRoom) setMembers(ctx context.Context, members []chat.Member) ([]chat.Member, chat.EventID, error) {
	roster := make([]chat.Member, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		member.UserID = strings.TrimSpace(member.UserID)
		member.DisplayName = strings.TrimSpace(member.DisplayName)
		if member.UserID == "" {
			return nil, chat.EventID{}, apperrors.New(apperrors.CodeInvalidArgument, "member user_id is required")
		}
		if _, dup := seen[member.UserID]; dup {
			continue
		}
		seen[member.UserID] = struct{}{}
		if member.DisplayName == "" {
			member.DisplayName = member.UserID
		}
		roster = append(roster, member)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	event := r.hub.envelope(r.id, chat.MembersChanged{Members: roster}, false)
	if err := r.hub.store.PutMembers(ctx, r.id, roster, event); err != nil {
		return nil, chat.EventID{}, storeError("store members", err)
	}
	r.stateMu.Lock()
	r.members = roster
	r.stateMu.Unlock()
	r.publish(ctx, event)
	return roster, event.ID, nil
}

func (r *channelRoom) historyBefore(ctx context.Context, userID string, before *position.Key, limit int) (storage.HistoryPage, error) {
	page, err := r.hub.store.HistoryBefore(ctx, r.id, before, limit)
	if err != nil {
		return storage.HistoryPage{}, apperrors.Wrap(apperrors.CodeUnavailable, "load history", err)
	}
	page.Messages = slices.DeleteFunc(page.Messages, func(m chat.Message) bool {
		return !m.VisibleTo(userID)
	})
	return page, nil
}

func (r *channelRoom) message(ctx context.Context, userID, messageID string) (chat.Message, error) {
	msg, err := r.hub.store.GetMessage(ctx, r.id, messageID)
	if err != nil {
		return chat.Message{}, storeError("load message", err)
	}
	if !msg.VisibleTo(userID) {
		return chat.Message{}, apperrors.New(apperrors.CodeNotFound, "message not found")
	}
	return msg, nil
}

func (r *channelRoom) eventsAfter(ctx context.Context, userID string, after chat.EventID, limit int) ([]chat.Envelope, error) {
	events, err := r.hub.store.EventsAfter(ctx, r.id, after, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "load events", err)
	}
	return slices.DeleteFunc(events, func(e chat.Envelope) bool {
		return !visibleTo(e, userID)
	}), nil
}

func (r *channelRoom) ownMessage(ctx context.Context, identity Identity, messageID string) (chat.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return chat.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "message_id is required")
	}
	msg, err := r.hub.store.GetMessage(ctx, r.id, messageID)
	if err != nil {
		return chat.Message{}, storeError("load message", err)
	}
	if msg.AuthorID != identity.UserID {
		if !msg.VisibleTo(identity.UserID) {
			return chat.Message{}, apperrors.New(apperrors.CodeNotFound, "message not found")
		}
		return chat.Message{}, apperrors.New(apperrors.CodeForbidden, "only the author can change a message")
	}
	return msg, nil
}

func (r *channelRoom) nextPosition(ctx context.Context) (position.Key, error) {
	last, ok, err := r.hub.store.LastPosition(ctx, r.id)
	if err != nil {
		return position.Key{}, apperrors.Wrap(apperrors.CodeUnavailable, "load last position", err)
	}
	if !ok {
		return position.Int(1), nil
	}
	return position.After(last), nil
}

func (r *channelRoom) env() markup.Env {
	channel, members := r.snapshot()
	return chat.ChannelEnv(channel, members)
}

func validateBody(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "text is required")
	}
	if utf8.RuneCountInString(text) > maxMessageBodyRunes {
		return apperrors.New(apperrors.CodeInvalidArgument, "text must be at most 2000 characters")
	}
	return nil
}

// normalizeRecipients trims and dedupes whisper targets.
func normalizeRecipients(targets []string) []string {
	var out []string
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" || slices.Contains(out, target) {
			continue
		}
		out = append(out, target)
	}
	return out
}

func storeError(action string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "message not found", err)
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, action, err)
}
