package markup

import (
	"encoding/json"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"

	"github.com/louisbranch/dicechat/internal/dice"
)

type wantEntity struct {
	typ  EntityType
	text string
}

func assertEntities(t *testing.T, text string, entities []Entity, want []wantEntity) {
	t.Helper()
	if !Tiles(text, entities) {
		t.Fatalf("entities %+v do not tile %q", entities, text)
	}
	if len(entities) != len(want) {
		t.Fatalf("entities = %+v, want %d entities", entities, len(want))
	}
	for i, w := range want {
		if entities[i].Type != w.typ {
			t.Fatalf("entity %d type = %s, want %s", i, entities[i].Type, w.typ)
		}
		if got := entities[i].Slice(text); got != w.text {
			t.Fatalf("entity %d text = %q, want %q", i, got, w.text)
		}
	}
}

func exprNode(t *testing.T, text string, env Env) dice.Node {
	t.Helper()
	normalized, entities := ParseInline(text, env)
	if len(entities) != 1 || entities[0].Type != EntityExpr {
		t.Fatalf("ParseInline(%q) = %+v, want one expression", normalized, entities)
	}
	return entities[0].Node
}

// TestParseEmpty ensures the empty string yields no entities.
func TestParseEmpty(t *testing.T) {
	text, entities := Parse("", Env{})
	if text != "" || len(entities) != 0 {
		t.Fatalf("Parse(\"\") = %q, %+v, want empty", text, entities)
	}
}

// TestParsePlainText ensures ordinary prose is one text entity.
func TestParsePlainText(t *testing.T) {
	text, entities := Parse("just talking about 3 goblins", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityText, "just talking about 3 goblins"}})
}

// TestParseEmbeddedExpression ensures bracketed expressions are recognized in prose.
func TestParseEmbeddedExpression(t *testing.T) {
	text, entities := Parse("roll {1d20+3} now", Env{})
	assertEntities(t, text, entities, []wantEntity{
		{EntityText, "roll "},
		{EntityExpr, "{1d20+3}"},
		{EntityText, " now"},
	})
	want := dice.Binary{Op: dice.OpAdd, L: dice.Roll{Counter: 1, Face: 20}, R: dice.Num{Value: 3}}
	if !reflect.DeepEqual(entities[1].Node, dice.Node(want)) {
		t.Fatalf("node = %#v, want %#v", entities[1].Node, want)
	}
}

// TestParseFullWidthDelimiters ensures both full-width bracket styles work.
func TestParseFullWidthDelimiters(t *testing.T) {
	text, entities := Parse("【3d6】和｛coc 50｝", Env{})
	assertEntities(t, text, entities, []wantEntity{
		{EntityExpr, "【3d6】"},
		{EntityText, "和"},
		{EntityExpr, "｛coc 50｝"},
	})
}

// TestParseInvalidExpressionIsText ensures malformed bracket content stays text.
func TestParseInvalidExpressionIsText(t *testing.T) {
	for _, input := range []string{"{not an expr}", "a {1d6 +} b", "{}", "{1d6", "x }{ y"} {
		text, entities := Parse(input, Env{})
		assertEntities(t, text, entities, []wantEntity{{EntityText, input}})
	}
}

// TestParseDefaultFace ensures rolls without a face use the environment default.
func TestParseDefaultFace(t *testing.T) {
	node := exprNode(t, "{2d}", Env{DefaultDiceFace: 6})
	if !reflect.DeepEqual(node, dice.Node(dice.Roll{Counter: 2, Face: 6})) {
		t.Fatalf("node = %#v, want 2d6", node)
	}
	node = exprNode(t, "{d}", Env{})
	if !reflect.DeepEqual(node, dice.Node(dice.Roll{Counter: 1, Face: DefaultDiceFace})) {
		t.Fatalf("node = %#v, want 1d20", node)
	}
}

// TestParseExpressionTokens covers every atom form.
func TestParseExpressionTokens(t *testing.T) {
	critical, fumble := 10, 1
	tcs := []struct {
		input string
		want  dice.Node
	}{
		{"{42}", dice.Num{Value: 42}},
		{"{4d6k3}", dice.Roll{Counter: 4, Face: 6, Filter: &dice.Filter{Kind: dice.FilterHigh, Count: 3}}},
		{"{4d6kh3}", dice.Roll{Counter: 4, Face: 6, Filter: &dice.Filter{Kind: dice.FilterHigh, Count: 3}}},
		{"{2d20l1}", dice.Roll{Counter: 2, Face: 20, Filter: &dice.Filter{Kind: dice.FilterLow, Count: 1}}},
		{"{2D20KL1}", dice.Roll{Counter: 2, Face: 20, Filter: &dice.Filter{Kind: dice.FilterLow, Count: 1}}},
		{"{4dF}", dice.FateRoll{}},
		{"{dF}", dice.FateRoll{}},
		{"{5a10}", dice.DicePool{Counter: 5, Face: 10, Min: 8, Addition: 10}},
		{"{5a}", dice.DicePool{Counter: 5, Face: 10, Min: 8, Addition: 10}},
		{"{6w}", dice.DicePool{Counter: 6, Face: 10, Min: 8}},
		{"{5w10m7a10c10f1}", dice.DicePool{Counter: 5, Face: 10, Min: 7, Addition: 10, Critical: &critical, Fumble: &fumble}},
		{"{3#1d6}", dice.Repeat{Inner: dice.Roll{Counter: 1, Face: 6}, Count: 3}},
		{"{coc}", dice.CocRoll{}},
		{"{CoC 65}", dice.CocRoll{Target: dice.Num{Value: 65}}},
		{"{cocbb 40}", dice.CocRoll{SubType: dice.CocBonus2, Target: dice.Num{Value: 40}}},
		{"{cocp(30+5)}", dice.CocRoll{SubType: dice.CocPenalty, Target: dice.SubExpr{Inner: dice.Binary{Op: dice.OpAdd, L: dice.Num{Value: 30}, R: dice.Num{Value: 5}}}}},
		{"{cocpp}", dice.CocRoll{SubType: dice.CocPenalty2}},
		{"{（1）}", dice.SubExpr{Inner: dice.Num{Value: 1}}},
		{"{[2]}", dice.SubExpr{Inner: dice.Num{Value: 2}}},
	}
	for _, tc := range tcs {
		node := exprNode(t, tc.input, Env{})
		if !reflect.DeepEqual(node, tc.want) {
			t.Fatalf("%s parsed as %#v, want %#v", tc.input, node, tc.want)
		}
	}
}

// TestParsePrecedence ensures multiplication binds tighter and chains are left associative.
func TestParsePrecedence(t *testing.T) {
	node := exprNode(t, "{1 + 2 * 3}", Env{})
	want := dice.Binary{Op: dice.OpAdd, L: dice.Num{Value: 1}, R: dice.Binary{Op: dice.OpMul, L: dice.Num{Value: 2}, R: dice.Num{Value: 3}}}
	if !reflect.DeepEqual(node, dice.Node(want)) {
		t.Fatalf("node = %#v, want %#v", node, want)
	}

	node = exprNode(t, "{8-3-2}", Env{})
	want = dice.Binary{Op: dice.OpSub, L: dice.Binary{Op: dice.OpSub, L: dice.Num{Value: 8}, R: dice.Num{Value: 3}}, R: dice.Num{Value: 2}}
	if !reflect.DeepEqual(node, dice.Node(want)) {
		t.Fatalf("node = %#v, want %#v", node, want)
	}

	node = exprNode(t, "{12÷4×3}", Env{})
	want = dice.Binary{Op: dice.OpMul, L: dice.Binary{Op: dice.OpDiv, L: dice.Num{Value: 12}, R: dice.Num{Value: 4}}, R: dice.Num{Value: 3}}
	if !reflect.DeepEqual(node, dice.Node(want)) {
		t.Fatalf("node = %#v, want %#v", node, want)
	}
}

// TestParseBoundRewrite ensures max and min are pushed onto every roll leaf.
func TestParseBoundRewrite(t *testing.T) {
	node := exprNode(t, "{max(1d6+2d8)}", Env{})
	want := dice.SubExpr{Inner: dice.Binary{
		Op: dice.OpAdd,
		L:  dice.Max{Roll: dice.Roll{Counter: 1, Face: 6}},
		R:  dice.Max{Roll: dice.Roll{Counter: 2, Face: 8}},
	}}
	if !reflect.DeepEqual(node, dice.Node(want)) {
		t.Fatalf("node = %#v, want %#v", node, want)
	}

	node = exprNode(t, "{max(min(2d8)) + 1}", Env{})
	wantNested := dice.Binary{
		Op: dice.OpAdd,
		L:  dice.SubExpr{Inner: dice.SubExpr{Inner: dice.Max{Roll: dice.Roll{Counter: 2, Face: 8}}}},
		R:  dice.Num{Value: 1},
	}
	if !reflect.DeepEqual(node, dice.Node(wantNested)) {
		t.Fatalf("node = %#v, want %#v", node, wantNested)
	}

	node = exprNode(t, "{min 3d4}", Env{})
	if !reflect.DeepEqual(node, dice.Node(dice.Min{Roll: dice.Roll{Counter: 3, Face: 4}})) {
		t.Fatalf("node = %#v, want min(3d4)", node)
	}
}

// TestParseBoundWithoutRoll ensures max and min over an expression with no
// roll are not expressions.
func TestParseBoundWithoutRoll(t *testing.T) {
	for _, input := range []string{"{max 3}", "{min(2+1)}", "{max(min 4) + 1d6}"} {
		text, entities := Parse(input, Env{})
		assertEntities(t, text, entities, []wantEntity{{EntityText, input}})
	}
}

// TestParseMarkdown covers emphasis, code and links.
func TestParseMarkdown(t *testing.T) {
	text, entities := Parse("**bold** and *it* plus ***both*** `code` [site](https://x.io)", Env{})
	assertEntities(t, text, entities, []wantEntity{
		{EntityStrong, "**bold**"},
		{EntityText, " and "},
		{EntityEmphasis, "*it*"},
		{EntityText, " plus "},
		{EntityStrongEmphasis, "***both***"},
		{EntityText, " "},
		{EntityCode, "`code`"},
		{EntityText, " "},
		{EntityLink, "[site](https://x.io)"},
	})
	if got := entities[0].Child.Slice(text); got != "bold" {
		t.Fatalf("strong child = %q, want %q", got, "bold")
	}
	if got := entities[8].Child.Slice(text); got != "site" || entities[8].Href != "https://x.io" {
		t.Fatalf("link = %q -> %q, want site -> https://x.io", got, entities[8].Href)
	}
}

// TestParseStrayMarkersAreText ensures unmatched markers do not swallow text.
func TestParseStrayMarkersAreText(t *testing.T) {
	text, entities := Parse("2 * 3 * 4 and a ` tick [no link", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityText, "2 * 3 * 4 and a ` tick [no link"}})
}

// TestParseBareURL ensures trailing punctuation is left out of detected URLs.
func TestParseBareURL(t *testing.T) {
	text, entities := Parse("see https://example.com/a?b=1.", Env{})
	assertEntities(t, text, entities, []wantEntity{
		{EntityText, "see "},
		{EntityLink, "https://example.com/a?b=1"},
		{EntityText, "."},
	})
	if entities[1].Href != "https://example.com/a?b=1" {
		t.Fatalf("href = %q", entities[1].Href)
	}
}

// TestParseCodeBlock ensures fenced blocks keep their content as the child span.
func TestParseCodeBlock(t *testing.T) {
	text, entities := Parse("```go\nfmt {1d6}\n```", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityCodeBlock, "```go\nfmt {1d6}\n```"}})
	if got := entities[0].Child.Slice(text); got != "fmt {1d6}\n" {
		t.Fatalf("code block child = %q", got)
	}
}

// TestParseMentions ensures resolvable mentions become entities.
func TestParseMentions(t *testing.T) {
	env := Env{ResolveDisplayName: func(raw string) (string, bool) {
		if raw == "alice" {
			return "Alice", true
		}
		return "", false
	}}
	text, entities := Parse("hi @alice and @bob", env)
	assertEntities(t, text, entities, []wantEntity{
		{EntityText, "hi "},
		{EntityMention, "@alice"},
		{EntityText, " and @bob"},
	})
	if entities[1].Name != "Alice" {
		t.Fatalf("mention name = %q, want Alice", entities[1].Name)
	}

	text, entities = Parse("hi @alice", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityText, "hi @alice"}})
}

// TestParseRollCommand ensures bare expressions are recognized after a roll prefix.
func TestParseRollCommand(t *testing.T) {
	text, entities := Parse(".r 1d20 + 5 attack the orc", Env{})
	assertEntities(t, text, entities, []wantEntity{
		{EntityText, ".r "},
		{EntityExpr, "1d20 + 5"},
		{EntityText, " attack the orc"},
	})

	text, entities = Parse("。r2d6 {1d4} dodge 3", Env{})
	assertEntities(t, text, entities, []wantEntity{
		{EntityText, "。r"},
		{EntityExpr, "2d6"},
		{EntityText, " "},
		{EntityExpr, "{1d4}"},
		{EntityText, " dodge 3"},
	})

	text, entities = Parse(".rd20", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityText, ".r"}, {EntityExpr, "d20"}})
}

// TestParseRollPrefixRequiresBoundary ensures words starting with .r are not commands.
func TestParseRollPrefixRequiresBoundary(t *testing.T) {
	text, entities := Parse(".rest 1d20", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityText, ".rest 1d20"}})
}

// TestParseInlineIgnoresPrefix ensures inline mode never parses bare expressions.
func TestParseInlineIgnoresPrefix(t *testing.T) {
	text, entities := ParseInline(".r 1d20", Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityText, ".r 1d20"}})

	text, entities = ParseMode("1d6 then", ModeRoll, Env{})
	assertEntities(t, text, entities, []wantEntity{{EntityExpr, "1d6"}, {EntityText, " then"}})
}

// TestNormalize ensures line endings and invalid bytes are normalized.
func TestNormalize(t *testing.T) {
	text, entities := Parse("a\r\nb\rc\xff", Env{})
	if text != "a\nb\nc�" {
		t.Fatalf("normalized = %q", text)
	}
	if !Tiles(text, entities) {
		t.Fatalf("entities %+v do not tile %q", entities, text)
	}
}

// TestParseIsTotal checks the tiling property over generated inputs.
func TestParseIsTotal(t *testing.T) {
	alphabet := []string{
		"{", "}", "｛", "｝", "【", "】", "(", ")", "[", "]", "（", "）", "*", "**", "`", "```",
		"\n", " ", "d", "D", "1", "20", "k", "h", "l", "a", "w", "#", "+", "-", "×", "÷", "/",
		"coc", "b", "p", "F", "max", "min", "@", "x", "http://", "https://", ".r", "。r", "\r", "\xff", "é", "和",
	}
	env := Env{ResolveDisplayName: func(raw string) (string, bool) { return strings.ToUpper(raw), len(raw)%2 == 0 }}
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 3000; i++ {
		var b strings.Builder
		for n := rng.IntN(24); n > 0; n-- {
			b.WriteString(alphabet[rng.IntN(len(alphabet))])
		}
		input := b.String()
		for _, mode := range []Mode{ModeDetect, ModeInline, ModeRoll} {
			text, entities := ParseMode(input, mode, env)
			if !Tiles(text, entities) {
				t.Fatalf("ParseMode(%q, %d) entities %+v do not tile %q", input, mode, entities, text)
			}
			for j := 1; j < len(entities); j++ {
				if entities[j].Type == EntityText && entities[j-1].Type == EntityText {
					t.Fatalf("ParseMode(%q) left adjacent text entities unmerged: %+v", input, entities)
				}
			}
		}
	}
}

// TestEntityJSONRoundTrip ensures entities survive encoding with their expression.
func TestEntityJSONRoundTrip(t *testing.T) {
	_, entities := Parse("hit {2d6+1} **hard** [x](https://y.z)", Env{})
	data, err := json.Marshal(entities)
	if err != nil {
		t.Fatalf("marshal entities: %v", err)
	}
	var decoded []Entity
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal entities: %v", err)
	}
	if !reflect.DeepEqual(decoded, entities) {
		t.Fatalf("decoded = %+v, want %+v", decoded, entities)
	}
}
