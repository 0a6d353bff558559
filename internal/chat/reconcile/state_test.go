package reconcile

import (
	"reflect"
	"testing"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/markup"
	"github.com/louisbranch/dicechat/internal/position"
)

const channelID = "c1"

var clock int64

func nextID() chat.EventID {
	clock++
	return chat.EventID{Timestamp: clock, Node: 1}
}

func envelope(body chat.Event) chat.Envelope {
	return chat.Envelope{MailboxID: channelID, MailboxType: chat.MailboxChannel, ID: nextID(), Body: body}
}

func live(body chat.Event) chat.Envelope {
	e := envelope(body)
	e.Live = true
	return e
}

func msg(id string, p int64) chat.Message {
	return chat.Message{ID: id, ChannelID: channelID, AuthorID: "ann", Text: id, Pos: position.Int(p)}
}

func snapshot(id, author, text string, version int64) chat.Preview {
	return chat.Preview{ID: id, ChannelID: channelID, AuthorID: author, Name: author, Text: &text, Version: version, Pos: position.Int(100)}
}

func itemIDs(s *State) []string {
	var out []string
	for _, item := range s.Items() {
		out = append(out, item.ID)
	}
	return out
}

// TestApplyIgnoresDuplicatesAndOtherMailboxes ensures the cursor rule.
func TestApplyIgnoresDuplicatesAndOtherMailboxes(t *testing.T) {
	s := New(channelID, "ann")
	first := envelope(chat.NewMessage{Message: msg("a", 1)})
	if !s.Apply(first) {
		t.Fatal("first delivery should apply")
	}
	if s.Cursor() != first.ID {
		t.Fatalf("cursor = %v, want %v", s.Cursor(), first.ID)
	}
	if s.Apply(first) {
		t.Fatal("redelivery should be dropped")
	}

	older := first
	older.ID.Timestamp--
	older.Body = chat.NewMessage{Message: msg("b", 2)}
	if s.Apply(older) {
		t.Fatal("event before the cursor should be dropped")
	}

	other := envelope(chat.NewMessage{Message: msg("c", 3)})
	other.MailboxID = "elsewhere"
	if s.Apply(other) {
		t.Fatal("other mailbox should be ignored")
	}
	if got := itemIDs(s); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("items = %v, want [a]", got)
	}
}

// TestLiveEventsDoNotAdvanceCursor ensures previews leave the cursor alone.
func TestLiveEventsDoNotAdvanceCursor(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(envelope(chat.NewMessage{Message: msg("a", 1)}))
	cursor := s.Cursor()
	if !s.Apply(live(chat.PreviewUpdated{Preview: snapshot("p", "bob", "hi", 1)})) {
		t.Fatal("preview should apply")
	}
	if s.Cursor() != cursor {
		t.Fatalf("cursor moved to %v on a live event", s.Cursor())
	}
}

// TestResumeNeverRewinds ensures a restored cursor only moves forward.
func TestResumeNeverRewinds(t *testing.T) {
	s := New(channelID, "ann")
	s.Resume(chat.EventID{Timestamp: 50})
	s.Resume(chat.EventID{Timestamp: 10})
	if s.Cursor().Timestamp != 50 {
		t.Fatalf("cursor = %v, want timestamp 50", s.Cursor())
	}
}

// TestMessageArrivalReplacesPreview ensures the slot turns durable.
func TestMessageArrivalReplacesPreview(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(envelope(chat.NewMessage{Message: msg("a", 1)}))
	s.Apply(live(chat.PreviewUpdated{Preview: snapshot("x", "bob", "drafting", 1)}))
	if got := itemIDs(s); !reflect.DeepEqual(got, []string{"a", "x"}) {
		t.Fatalf("items = %v, want [a x]", got)
	}

	sent := msg("x", 2)
	sent.AuthorID = "bob"
	s.Apply(envelope(chat.NewMessage{Message: sent}))
	items := s.Items()
	if len(items) != 2 || !items[1].IsMessage() || items[1].ID != "x" {
		t.Fatalf("items = %+v, want message x after a", items)
	}
	if _, ok := s.Preview("bob"); ok {
		t.Fatal("preview should be gone")
	}
}

// TestSnapshotAfterMessageIsIgnored ensures a snapshot delivered after its
// message does not bring the preview back, nor do diffs against it.
func TestSnapshotAfterMessageIsIgnored(t *testing.T) {
	s := New(channelID, "ann")
	sent := msg("x", 2)
	sent.AuthorID = "bob"
	s.Apply(envelope(chat.NewMessage{Message: sent}))
	s.Apply(live(chat.PreviewUpdated{Preview: snapshot("x", "bob", "typing", 1)}))

	items := s.Items()
	if len(items) != 1 || !items[0].IsMessage() || items[0].ID != "x" {
		t.Fatalf("items = %+v, want only message x", items)
	}
	if p, ok := s.Preview("bob"); ok {
		t.Fatalf("preview = %+v, want none", p)
	}

	diff := chat.Diff{ID: "x", AuthorID: "bob", Ref: 1, Version: 2, Ops: []chat.Op{chat.Append("!")}}
	if s.Apply(live(chat.PreviewDiffed{Diff: diff})) {
		t.Fatal("diff against a superseded snapshot should not apply")
	}
	if _, ok := s.Preview("bob"); ok {
		t.Fatal("diff should not revive the preview")
	}
}

// TestStaleDiffLeavesStateUnchanged ensures diffs against an older keyframe
// are no-ops.
func TestStaleDiffLeavesStateUnchanged(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(envelope(chat.NewMessage{Message: msg("a", 1)}))
	s.Apply(live(chat.PreviewUpdated{Preview: snapshot("p", "bob", "hello", 2)}))
	before := s.Items()
	beforePreview, _ := s.Preview("bob")

	changed := s.Apply(live(chat.PreviewDiffed{Diff: chat.Diff{
		ID:       "p",
		AuthorID: "bob",
		Ref:      1,
		Version:  3,
		Ops:      []chat.Op{chat.Append(" world")},
	}}))
	if changed {
		t.Fatal("stale diff should not apply")
	}
	if !reflect.DeepEqual(s.Items(), before) {
		t.Fatalf("items changed: %+v", s.Items())
	}
	afterPreview, _ := s.Preview("bob")
	if !reflect.DeepEqual(afterPreview, beforePreview) {
		t.Fatalf("preview changed: %+v", afterPreview)
	}
}

// TestDiffApplication ensures diffs patch the keyframe and reparse entities.
func TestDiffApplication(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(live(chat.PreviewUpdated{Preview: snapshot("p", "bob", "roll", 1)}))

	diff := chat.Diff{ID: "p", AuthorID: "bob", Ref: 1, Version: 2, Ops: []chat.Op{chat.Append(" {2d6}"), chat.Rename("Bobby")}}
	if !s.Apply(live(chat.PreviewDiffed{Diff: diff})) {
		t.Fatal("diff should apply")
	}
	p, _ := s.Preview("bob")
	if p.Text == nil || *p.Text != "roll {2d6}" || p.Name != "Bobby" || p.Version != 2 {
		t.Fatalf("preview = %+v", p)
	}
	if len(p.Entities) != 2 || p.Entities[1].Type != markup.EntityExpr {
		t.Fatalf("entities = %+v, want text then expression", p.Entities)
	}

	// Same version again is stale even though the keyframe matches.
	if s.Apply(live(chat.PreviewDiffed{Diff: diff})) {
		t.Fatal("repeated version should not apply")
	}

	// Diffs stay relative to the keyframe, not the last diff.
	next := chat.Diff{ID: "p", AuthorID: "bob", Ref: 1, Version: 3, Ops: []chat.Op{chat.Append("!")}}
	if !s.Apply(live(chat.PreviewDiffed{Diff: next})) {
		t.Fatal("newer diff should apply")
	}
	p, _ = s.Preview("bob")
	if *p.Text != "roll!" || p.Name != "bob" {
		t.Fatalf("preview = %q by %q, want %q by %q", *p.Text, p.Name, "roll!", "bob")
	}
}

// TestDiffWithSuppliedEntities ensures explicit entities skip reparsing when
// they tile the text.
func TestDiffWithSuppliedEntities(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(live(chat.PreviewUpdated{Preview: snapshot("p", "bob", "", 1)}))
	supplied := []markup.Entity{{Span: markup.Span{Start: 0, Len: 5}, Type: markup.EntityStrong, Child: &markup.Span{Start: 0, Len: 5}}}
	s.Apply(live(chat.PreviewDiffed{Diff: chat.Diff{
		ID: "p", AuthorID: "bob", Ref: 1, Version: 2,
		Ops:      []chat.Op{chat.Append("hello")},
		Entities: supplied,
	}}))
	p, ok := s.Preview("bob")
	if !ok {
		t.Fatal("preview should be live after text arrives")
	}
	if !reflect.DeepEqual(p.Entities, supplied) {
		t.Fatalf("entities = %+v, want supplied", p.Entities)
	}
}

// TestDiffMismatchedKeyframe ensures a diff for another preview id is dropped.
func TestDiffMismatchedKeyframe(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(live(chat.PreviewUpdated{Preview: snapshot("p", "bob", "a", 1)}))
	if s.Apply(live(chat.PreviewDiffed{Diff: chat.Diff{ID: "q", AuthorID: "bob", Ref: 1, Version: 2, Ops: []chat.Op{chat.Append("b")}}})) {
		t.Fatal("diff for another preview should not apply")
	}
	if s.Apply(live(chat.PreviewDiffed{Diff: chat.Diff{ID: "p", AuthorID: "bob", Ref: 1, Version: 2, Ops: []chat.Op{chat.Splice(5, 1, "")}}})) {
		t.Fatal("diff that does not fit the keyframe should not apply")
	}
}

// TestEditWindow ensures edits moving before the loaded window are dropped
// unless history is complete.
func TestEditWindow(t *testing.T) {
	s := New(channelID, "ann")
	s.LoadHistory([]chat.Message{msg("a", 10), msg("b", 20), msg("c", 30)}, false)

	edited := msg("c", 15)
	edited.Text = "moved"
	s.Apply(envelope(chat.MessageEdited{Message: edited, OldPos: position.Int(30)}))
	if got := itemIDs(s); !reflect.DeepEqual(got, []string{"a", "c", "b"}) {
		t.Fatalf("items = %v, want [a c b]", got)
	}

	s.Apply(envelope(chat.MessageEdited{Message: msg("b", 5), OldPos: position.Int(20)}))
	if got := itemIDs(s); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("items = %v, want b dropped from the window", got)
	}

	s.LoadHistory(nil, true)
	s.Apply(envelope(chat.MessageEdited{Message: msg("c", 1), OldPos: position.Int(15)}))
	if got := itemIDs(s); !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Fatalf("items = %v, want [c a] once history is complete", got)
	}
}

// TestDeleteAndMetadata ensures deletes and roster/channel changes apply.
func TestDeleteAndMetadata(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(envelope(chat.NewMessage{Message: msg("a", 1)}))
	if !s.Apply(envelope(chat.MessageDeleted{MessageID: "a", Pos: position.Int(1)})) {
		t.Fatal("delete should apply")
	}
	if len(s.Items()) != 0 {
		t.Fatalf("items = %v, want none", itemIDs(s))
	}

	s.Apply(envelope(chat.ChannelEdited{Channel: chat.Channel{ID: channelID, Name: "Tavern", DefaultDiceFace: 100}}))
	s.Apply(envelope(chat.MembersChanged{Members: []chat.Member{{UserID: "u9", DisplayName: "Ann"}}}))
	if s.Channel().Name != "Tavern" {
		t.Fatalf("channel = %+v", s.Channel())
	}

	env := s.Env()
	if env.DefaultDiceFace != 100 {
		t.Fatalf("default face = %d, want 100", env.DefaultDiceFace)
	}
	if name, ok := env.ResolveDisplayName("ann"); !ok || name != "Ann" {
		t.Fatalf("resolve = %q, %v, want Ann", name, ok)
	}
	if _, ok := env.ResolveDisplayName("zed"); ok {
		t.Fatal("unknown member should not resolve")
	}
}

// TestLoadHistoryKeepsLiveVersion ensures a page does not overwrite a newer edit.
func TestLoadHistoryKeepsLiveVersion(t *testing.T) {
	s := New(channelID, "ann")
	edited := msg("a", 1)
	edited.Text = "new"
	s.Apply(envelope(chat.NewMessage{Message: edited}))
	s.LoadHistory([]chat.Message{msg("a", 1)}, true)
	got, _ := s.items.Message("a")
	if got.Text != "new" {
		t.Fatalf("text = %q, want new", got.Text)
	}
	if !s.Complete() {
		t.Fatal("history should be complete")
	}
}

// TestJoinedSnapshotKeepsCursor ensures a join snapshot replaces metadata only.
func TestJoinedSnapshotKeepsCursor(t *testing.T) {
	s := New(channelID, "ann")
	s.Apply(envelope(chat.NewMessage{Message: msg("a", 1)}))
	cursor := s.Cursor()

	members := []chat.Member{{UserID: "u9", DisplayName: "Ann"}}
	if !s.Joined(chat.Channel{ID: "other", Name: "Tavern", DefaultDiceFace: 8}, members) {
		t.Fatal("first snapshot should change the view")
	}
	if s.Joined(chat.Channel{Name: "Tavern", DefaultDiceFace: 8}, members) {
		t.Fatal("identical snapshot should not change the view")
	}
	if s.Channel().ID != channelID {
		t.Fatalf("channel id = %q, want %q", s.Channel().ID, channelID)
	}
	if s.Cursor() != cursor {
		t.Fatalf("cursor = %v, want %v", s.Cursor(), cursor)
	}
	if len(s.Members()) != 1 {
		t.Fatalf("members = %v, want one", s.Members())
	}
}
