// Package reconcile applies a best-effort stream of channel events to a local
// view of the conversation.
//
// Events may arrive duplicated or out of order. A cursor of the last applied
// replayable event makes redelivery a no-op, and preview diffs only apply on
// top of the exact keyframe they were computed from. Nothing in this package
// reports an error for a stale event; it is dropped.
package reconcile

import (
	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/chat/itemset"
	"github.com/louisbranch/dicechat/internal/markup"
)

// State is one channel's reconciled view. It is not safe for concurrent use;
// Owner serializes access.
type State struct {
	mailboxID string
	me        string
	cursor    chat.EventID
	items     *itemset.Set
	// snapshots holds the last full preview per author; its keyframe is the
	// base for diffs and versions the newest version applied on top of it.
	snapshots map[string]chat.Preview
	versions  map[string]int64
	channel   chat.Channel
	members   map[string]chat.Member
	complete  bool
}

// New returns an empty view of mailboxID as seen by the user me.
func New(mailboxID, me string) *State {
	return &State{
		mailboxID: mailboxID,
		me:        me,
		items:     itemset.New(),
		snapshots: make(map[string]chat.Preview),
		versions:  make(map[string]int64),
		channel:   chat.Channel{ID: mailboxID},
		members:   make(map[string]chat.Member),
	}
}

// MailboxID returns the reconciled channel id.
func (s *State) MailboxID() string { return s.mailboxID }

// Cursor returns the id of the last applied replayable event.
func (s *State) Cursor() chat.EventID { return s.cursor }

// Resume sets the cursor restored from a previous session. It never moves
// the cursor backwards.
func (s *State) Resume(cursor chat.EventID) {
	if cursor.Compare(s.cursor) > 0 {
		s.cursor = cursor
	}
}

// Items returns the sorted item sequence.
func (s *State) Items() []chat.Item { return s.items.Items() }

// Preview returns author's live preview.
func (s *State) Preview(authorID string) (chat.Preview, bool) { return s.items.Preview(authorID) }

// Keyframe returns the diff base cached for author.
func (s *State) Keyframe(authorID string) (chat.Keyframe, bool) {
	snapshot, ok := s.snapshots[authorID]
	if !ok {
		return chat.Keyframe{}, false
	}
	return chat.KeyframeOf(snapshot)
}

// Channel returns the channel metadata.
func (s *State) Channel() chat.Channel { return s.channel }

// Members returns the roster keyed by user id.
func (s *State) Members() map[string]chat.Member {
	out := make(map[string]chat.Member, len(s.members))
	for id, m := range s.members {
		out[id] = m
	}
	return out
}

// Complete reports whether history has been loaded back to the first message.
func (s *State) Complete() bool { return s.complete }

// Env is the parse environment implied by the channel: its default dice face
// and mentions resolved against the roster.
func (s *State) Env() markup.Env {
	members := make([]chat.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	return chat.ChannelEnv(s.channel, members)
}

// LoadHistory merges a page of older messages. complete marks that the page
// reached the start of the channel. Messages already in view are kept, since
// live edits are newer than any page.
func (s *State) LoadHistory(messages []chat.Message, complete bool) bool {
	changed := false
	for _, m := range messages {
		if m.ChannelID != "" && m.ChannelID != s.mailboxID {
			continue
		}
		if _, ok := s.items.Message(m.ID); ok {
			continue
		}
		s.items.Insert(chat.MessageItem(m, s.me))
		changed = true
	}
	if complete && !s.complete {
		s.complete = true
		changed = true
	}
	return changed
}

// Joined replaces channel metadata and roster with the snapshot sent when a
// subscription starts. It does not touch the cursor.
func (s *State) Joined(channel chat.Channel, members []chat.Member) bool {
	channel.ID = s.mailboxID
	roster := make(map[string]chat.Member, len(members))
	for _, m := range members {
		roster[m.UserID] = m
	}
	changed := channel != s.channel || len(roster) != len(s.members)
	if !changed {
		for id, m := range roster {
			if s.members[id] != m {
				changed = true
				break
			}
		}
	}
	s.channel = channel
	s.members = roster
	return changed
}

// Apply applies one envelope and reports whether the view changed.
//
// Envelopes for other mailboxes and envelopes at or before the cursor are
// ignored. Replayable envelopes advance the cursor even when their body turns
// out to be a no-op.
func (s *State) Apply(e chat.Envelope) bool {
	if e.MailboxID != s.mailboxID || e.Body == nil {
		return false
	}
	if e.ID.Compare(s.cursor) <= 0 {
		return false
	}
	if !e.Live {
		s.cursor = e.ID
	}

	switch body := e.Body.(type) {
	case chat.NewMessage:
		s.items.Insert(chat.MessageItem(body.Message, s.me))
		return true
	case chat.MessageEdited:
		return s.applyEdit(body)
	case chat.MessageDeleted:
		return s.items.RemoveByID(body.MessageID)
	case chat.PreviewUpdated:
		s.applySnapshot(body.Preview)
		return true
	case chat.PreviewDiffed:
		return s.applyDiff(body.Diff)
	case chat.ChannelEdited:
		if body.Channel == s.channel {
			return false
		}
		s.channel = body.Channel
		s.channel.ID = s.mailboxID
		return true
	case chat.MembersChanged:
		members := make(map[string]chat.Member, len(body.Members))
		for _, m := range body.Members {
			members[m.UserID] = m
		}
		s.members = members
		return true
	default:
		return false
	}
}

func (s *State) applyEdit(edited chat.MessageEdited) bool {
	m := edited.Message
	oldest, ok := s.items.Oldest()
	if ok && oldest.ID != m.ID && m.Pos.Less(oldest.Pos) && !s.complete {
		// Moved before the loaded window: a later history page brings it back.
		return s.items.RemoveByID(m.ID)
	}
	s.items.Insert(chat.MessageItem(m, s.me))
	return true
}

func (s *State) applySnapshot(p chat.Preview) {
	if p.Text != nil && p.Entities == nil && *p.Text != "" {
		text, entities := markup.Parse(*p.Text, s.Env())
		p.Text, p.Entities = &text, entities
	}
	if _, sent := s.items.Message(p.ID); sent {
		delete(s.snapshots, p.AuthorID)
		s.items.RemovePreview(p.AuthorID)
		return
	}
	s.snapshots[p.AuthorID] = p
	s.versions[p.AuthorID] = p.Version
	s.items.Insert(chat.PreviewItem(p, s.me))
}

func (s *State) applyDiff(d chat.Diff) bool {
	base, ok := s.snapshots[d.AuthorID]
	if !ok {
		return false
	}
	keyframe, ok := chat.KeyframeOf(base)
	if !ok || keyframe.ID != d.ID || keyframe.Version != d.Ref {
		return false
	}
	if d.Version <= s.versions[d.AuthorID] {
		return false
	}
	text, name, err := chat.ApplyOps(keyframe.Text, keyframe.Name, d.Ops)
	if err != nil {
		return false
	}

	entities := d.Entities
	if entities == nil || !markup.Tiles(text, entities) {
		text, entities = markup.Parse(text, s.Env())
	}
	next := base
	next.Text = &text
	next.Name = name
	next.Entities = entities
	next.Version = d.Version
	s.versions[d.AuthorID] = d.Version
	s.items.Insert(chat.PreviewItem(next, s.me))
	return true
}
