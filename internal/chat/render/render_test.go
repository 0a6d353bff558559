package render

import (
	"bytes"
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/dice"
	"github.com/louisbranch/dicechat/internal/markup"
	"github.com/louisbranch/dicechat/internal/random"
	"golang.org/x/text/language"
)

func parsedMessage(t *testing.T, text string) chat.Message {
	t.Helper()
	seed, err := random.SeedFromBytes([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	normalized, entities := markup.Parse(text, markup.Env{DefaultDiceFace: 20})
	return chat.Message{ID: "m1", AuthorID: "u1", Name: "Ann", Text: normalized, Entities: entities, Seed: seed}
}

// TestTextIsDeterministic ensures rendering a message twice shows the same rolls.
func TestTextIsDeterministic(t *testing.T) {
	m := parsedMessage(t, "attack {2d20k1 + 3} then {coc 50}")
	r := New(language.English)
	first := r.Text(m)
	if second := r.Text(m); first != second {
		t.Fatalf("renders differ: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "attack 2d20k1[") {
		t.Fatalf("text = %q, want roll trace", first)
	}
	if strings.Contains(first, "{") {
		t.Fatalf("text = %q still contains raw expression", first)
	}
}

// TestExpressionFormatting ensures traces and totals for evaluated results.
func TestExpressionFormatting(t *testing.T) {
	r := New(language.English)
	tests := []struct {
		name   string
		result dice.Result
		want   string
	}{
		{
			name:   "number",
			result: dice.NumResult{Num: dice.Num{Value: 4}},
			want:   "4",
		},
		{
			name: "filtered roll",
			result: dice.RollResult{
				Roll:     dice.Roll{Counter: 3, Face: 6, Filter: &dice.Filter{Kind: dice.FilterHigh, Count: 2}},
				Values:   []int{3, 5, 2},
				Filtered: []int{5, 3},
				Total:    8,
			},
			want: "3d6k2[3, 5, 2 → 5, 3] = 8",
		},
		{
			name: "division by zero",
			result: dice.BinaryResult{
				Op:        dice.OpDiv,
				L:         dice.NumResult{Num: dice.Num{Value: 7}},
				R:         dice.NumResult{Num: dice.Num{Value: 0}},
				DivByZero: true,
			},
			want: "7 ÷ 0 = 0 (division by zero)",
		},
		{
			name: "overflow",
			result: dice.BinaryResult{
				Op:       dice.OpAdd,
				L:        dice.NumResult{Num: dice.Num{Value: math.MaxInt}},
				R:        dice.NumResult{Num: dice.Num{Value: 1}},
				Overflow: true,
			},
			want: "9223372036854775807 + 1 = 0 (overflow)",
		},
		{
			name: "coc with target",
			result: dice.CocResult{
				SubType: dice.CocNormal,
				Rolled:  42,
				Total:   42,
				Target:  dice.NumResult{Num: dice.Num{Value: 50}},
				Success: dice.RegularSuccess,
			},
			want: "coc[42] / 50 = 42 Success",
		},
		{
			name:   "fate",
			result: dice.FateResult{Values: [4]int{1, -1, 0, 1}, Total: 1},
			want:   "4dF[+ - 0 +] = 1",
		},
		{
			name: "pool",
			result: dice.PoolResult{
				Pool:   dice.DicePool{Counter: 5, Face: 6, Min: 5},
				Values: []int{6, 5, 4, 2, 6},
				Hits:   3,
			},
			want: "5w6m5[6, 5, 4, 2, 6] = 3 3 hits",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Expression(Evaluated{Result: tt.result}); got != tt.want {
				t.Fatalf("Expression = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestTooDeepRendersLocalizedMarker ensures the evaluation fault becomes text.
func TestTooDeepRendersLocalizedMarker(t *testing.T) {
	var node dice.Node = dice.Num{Value: 1}
	for i := 0; i < dice.MaxDepth+5; i++ {
		node = dice.SubExpr{Inner: node}
	}
	m := chat.Message{
		Text:     "{deep}",
		Entities: []markup.Entity{{Span: markup.Span{Start: 0, Len: 6}, Type: markup.EntityExpr, Node: node}},
	}

	if got := New(language.English).Text(m); got != "[expression too deep]" {
		t.Fatalf("en text = %q", got)
	}
	if got := New(language.MustParse("pt-BR")).Text(m); got != "[expressão profunda demais]" {
		t.Fatalf("pt-BR text = %q", got)
	}
}

// TestTextMarkupAndMentions ensures markup markers are stripped.
func TestTextMarkupAndMentions(t *testing.T) {
	text, entities := markup.Parse("**bold** [site](https://example.com) @ann", markup.Env{
		ResolveDisplayName: func(raw string) (string, bool) { return "Ann", raw == "ann" },
	})
	m := chat.Message{Text: text, Entities: entities}
	want := "bold site <https://example.com> @Ann"
	if got := New(language.English).Text(m); got != want {
		t.Fatalf("Text = %q, want %q", got, want)
	}
}

// TestTranscript ensures one line per message with markers.
func TestTranscript(t *testing.T) {
	edited := time.Unix(10, 0)
	messages := []chat.Message{
		{ID: "1", Name: "Ann", Text: "hello", Entities: []markup.Entity{{Span: markup.Span{Len: 5}, Type: markup.EntityText}}},
		{ID: "2", AuthorID: "gm", Text: "psst", WhisperTo: []string{"ann"}, EditedAt: &edited,
			Entities: []markup.Entity{{Span: markup.Span{Len: 4}, Type: markup.EntityText}}},
	}
	var buf bytes.Buffer
	if err := New(language.English).Transcript(&buf, messages); err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	want := "[Ann] hello\n[gm] psst (whisper to ann) (edited)\n"
	if buf.String() != want {
		t.Fatalf("transcript = %q, want %q", buf.String(), want)
	}
}

// TestAuthorColor ensures colours are stable and well formed.
func TestAuthorColor(t *testing.T) {
	pattern := regexp.MustCompile(`^hsl\(\d{1,3}, \d{2}%, \d{2}%\)$`)
	for _, id := range []string{"", "ann", "bob", "用户"} {
		got := AuthorColor(id)
		if !pattern.MatchString(got) {
			t.Fatalf("AuthorColor(%q) = %q", id, got)
		}
		if again := AuthorColor(id); again != got {
			t.Fatalf("AuthorColor(%q) unstable: %q vs %q", id, got, again)
		}
	}
	if AuthorColor("ann") == AuthorColor("bob") {
		t.Fatal("expected different colours for different authors")
	}
}
