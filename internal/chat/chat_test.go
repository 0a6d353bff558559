package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/dicechat/internal/position"
)

// TestEventIDCompare ensures lexicographic ordering over timestamp, node, seq.
func TestEventIDCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b EventID
		want int
	}{
		{name: "timestamp wins", a: EventID{Timestamp: 1, Node: 9, Seq: 9}, b: EventID{Timestamp: 2}, want: -1},
		{name: "node breaks tie", a: EventID{Timestamp: 2, Node: 2}, b: EventID{Timestamp: 2, Node: 1, Seq: 5}, want: 1},
		{name: "seq breaks tie", a: EventID{Timestamp: 2, Node: 1, Seq: 3}, b: EventID{Timestamp: 2, Node: 1, Seq: 4}, want: -1},
		{name: "equal", a: EventID{Timestamp: 2, Node: 1, Seq: 3}, b: EventID{Timestamp: 2, Node: 1, Seq: 3}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestParseEventID ensures the string form parses back and rejects junk.
func TestParseEventID(t *testing.T) {
	id := EventID{Timestamp: 1700000000123, Node: 7, Seq: 42}
	got, err := ParseEventID(id.String())
	if err != nil {
		t.Fatalf("ParseEventID: %v", err)
	}
	if got != id {
		t.Fatalf("ParseEventID = %v, want %v", got, id)
	}
	for _, bad := range []string{"", "1-2", "a-1-1", "1-70000-1"} {
		if _, err := ParseEventID(bad); err == nil {
			t.Fatalf("ParseEventID(%q) expected error", bad)
		}
	}
}

// TestIDSourceMonotonic ensures ids keep increasing when the clock stalls or
// steps backwards.
func TestIDSourceMonotonic(t *testing.T) {
	clock := []int64{1000, 1000, 900, 1200}
	i := 0
	src := NewIDSource(3)
	src.now = func() time.Time {
		ms := clock[i]
		i++
		return time.UnixMilli(ms)
	}
	var prev EventID
	for range clock {
		next := src.Next()
		if next.Compare(prev) <= 0 {
			t.Fatalf("Next = %v, not after %v", next, prev)
		}
		if next.Node != 3 {
			t.Fatalf("node = %d, want 3", next.Node)
		}
		prev = next
	}
	if prev.Timestamp != 1200 {
		t.Fatalf("timestamp = %d, want 1200", prev.Timestamp)
	}
}

// TestEnvelopeJSON ensures envelopes carry their body type across the wire.
func TestEnvelopeJSON(t *testing.T) {
	text := "rolling {d20}"
	in := Envelope{
		MailboxID:   "c1",
		MailboxType: MailboxChannel,
		ID:          EventID{Timestamp: 5, Node: 1, Seq: 2},
		Body: PreviewUpdated{Preview: Preview{
			ID:       "p1",
			AuthorID: "u1",
			Text:     &text,
			Version:  3,
			Pos:      position.Int(4),
		}},
		Live: true,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	body, ok := out.Body.(PreviewUpdated)
	if !ok {
		t.Fatalf("body = %T, want PreviewUpdated", out.Body)
	}
	if body.Preview.Text == nil || *body.Preview.Text != text || body.Preview.Version != 3 {
		t.Fatalf("preview = %+v, want text %q version 3", body.Preview, text)
	}
	if !out.Live || out.ID != in.ID || out.MailboxID != "c1" {
		t.Fatalf("envelope = %+v, want %+v", out, in)
	}

	err = json.Unmarshal([]byte(`{"mailbox":"c1","id":{},"body":{"type":"NOPE","data":{}}}`), &out)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("unknown body error = %v, want %v", err, ErrUnknownEvent)
	}
}

// TestApplyOps ensures splice, append and rename compose in order.
func TestApplyOps(t *testing.T) {
	text, name, err := ApplyOps("hello world", "anon", []Op{
		Splice(0, 5, "goodbye"),
		Append("!"),
		Rename("Ann"),
	})
	if err != nil {
		t.Fatalf("ApplyOps: %v", err)
	}
	if text != "goodbye world!" || name != "Ann" {
		t.Fatalf("ApplyOps = %q, %q, want %q, %q", text, name, "goodbye world!", "Ann")
	}

	bad := [][]Op{
		{Splice(3, 10, "")},
		{Splice(-1, 0, "x")},
		{Splice(1, 0, "x")},
		{{Type: "MYSTERY"}},
	}
	for _, ops := range bad {
		if _, _, err := ApplyOps("é!", "", ops); !errors.Is(err, ErrInvalidDiff) {
			t.Fatalf("ApplyOps(%+v) error = %v, want %v", ops, err, ErrInvalidDiff)
		}
	}
}

// TestDiffFrom ensures generated ops reproduce the target text.
func TestDiffFrom(t *testing.T) {
	tests := []struct{ base, next string }{
		{"", "abc"},
		{"abc", "abcd"},
		{"abcd", "abc"},
		{"roll {d20}", "roll {2d20}"},
		{"héllo", "hèllo"},
		{"same", "same"},
		{"abc", ""},
	}
	for _, tt := range tests {
		got, _, err := ApplyOps(tt.base, "", DiffFrom(tt.base, tt.next))
		if err != nil {
			t.Fatalf("DiffFrom(%q, %q): %v", tt.base, tt.next, err)
		}
		if got != tt.next {
			t.Fatalf("DiffFrom(%q, %q) produced %q", tt.base, tt.next, got)
		}
	}
	if ops := DiffFrom("ab", "abc"); len(ops) != 1 || ops[0].Type != OpAppend {
		t.Fatalf("DiffFrom extension = %+v, want single append", ops)
	}
}

// TestMessageVisibleTo ensures whispers only reach the author and recipients.
func TestMessageVisibleTo(t *testing.T) {
	m := Message{AuthorID: "gm", WhisperTo: []string{"ann"}}
	for user, want := range map[string]bool{"gm": true, "ann": true, "bob": false} {
		if got := m.VisibleTo(user); got != want {
			t.Fatalf("VisibleTo(%q) = %v, want %v", user, got, want)
		}
	}
	if !(Message{AuthorID: "gm"}).VisibleTo("bob") {
		t.Fatal("public message should be visible")
	}
}

// TestPreviewEmpty ensures only empty text without entities counts as empty.
func TestPreviewEmpty(t *testing.T) {
	empty, some := "", "x"
	if !(Preview{Text: &empty}).Empty() {
		t.Fatal("empty text preview should be empty")
	}
	if (Preview{Text: &some}).Empty() {
		t.Fatal("text preview should not be empty")
	}
	if (Preview{}).Empty() {
		t.Fatal("disabled broadcast preview should not be empty")
	}
}
