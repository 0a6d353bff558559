// Package markup turns chat message text into entities: plain text, light
// markdown, links, mentions and embedded dice expressions.
//
// Parsing is total. Any input yields entities that tile the normalized text
// exactly; syntax that does not parse becomes plain text.
package markup

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/louisbranch/dicechat/internal/dice"
)

// DefaultDiceFace is used when neither the roll nor the Env names a face.
const DefaultDiceFace = 20

// Env carries caller-supplied settings for a parse.
type Env struct {
	// DefaultDiceFace is the face for rolls written without one, such as "2d".
	DefaultDiceFace int
	// ResolveDisplayName maps the raw text of an @mention to a display name.
	// Mentions are not recognized when it is nil.
	ResolveDisplayName func(raw string) (string, bool)
}

// Mode selects how bare text is treated.
type Mode int

const (
	// ModeDetect uses roll-command mode when the text starts with a roll prefix.
	ModeDetect Mode = iota
	// ModeInline only recognizes expressions inside bracket delimiters.
	ModeInline
	// ModeRoll also parses bare expressions outside bracket delimiters.
	ModeRoll
)

var (
	rollPrefixPattern     = regexp.MustCompile(`^[.。][rR]`)
	inlineCodePattern     = regexp.MustCompile("^`([^`\n]+)`")
	strongEmphasisPattern = regexp.MustCompile(`^\*\*\*([^*\n]+)\*\*\*`)
	strongPattern         = regexp.MustCompile(`^\*\*([^*\n]+)\*\*`)
	emphasisPattern       = regexp.MustCompile(`^\*([^*\s][^*\n]*)\*`)
	linkPattern           = regexp.MustCompile(`^\[([^\]\n]+)\]\(([^)\s]+)\)`)
	urlPattern            = regexp.MustCompile(`^https?://[^\s<>"'）】｝]+`)
	mentionPattern        = regexp.MustCompile("^@([^\\s@{}\\[\\]()*`]+)")
)

var exprDelimiters = [][2]string{
	{"{", "}"},
	{"｛", "｝"},
	{"【", "】"},
}

const codeFence = "```"

// Parse normalizes text and splits it into entities, detecting roll-command mode.
func Parse(text string, env Env) (string, []Entity) {
	return ParseMode(text, ModeDetect, env)
}

// ParseInline parses text in inline mode regardless of any roll prefix.
func ParseInline(text string, env Env) (string, []Entity) {
	return ParseMode(text, ModeInline, env)
}

// ParseMode normalizes text and splits it into entities using mode.
func ParseMode(text string, mode Mode, env Env) (string, []Entity) {
	text = Normalize(text)
	prefix := rollPrefixLen(text)
	p := &inlineParser{
		env:     env,
		grammar: newExprGrammar(env.DefaultDiceFace),
	}
	switch mode {
	case ModeRoll:
		p.roll = true
	case ModeDetect:
		p.roll = prefix > 0
	default:
		prefix = 0
	}

	entities := make([]Entity, 0, 4)
	if p.roll && prefix > 0 {
		entities = append(entities, Entity{Span: Span{Start: 0, Len: prefix}, Type: EntityText})
	}
	entities = p.appendEntities(entities, State{Text: text, Pos: prefix})
	return text, entities
}

// Normalize converts line endings to LF and replaces invalid UTF-8.
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// rollPrefixLen returns the byte length of a leading roll prefix, or 0.
func rollPrefixLen(text string) int {
	loc := rollPrefixPattern.FindStringIndex(text)
	if loc == nil {
		return 0
	}
	after := State{Text: text, Pos: loc[1]}
	if after.Done() {
		return loc[1]
	}
	r := after.Peek()
	if unicode.IsSpace(r) || unicode.IsDigit(r) || strings.ContainsRune("dD(（[{｛【", r) {
		return loc[1]
	}
	return 0
}

type inlineParser struct {
	env     Env
	grammar exprGrammar
	roll    bool
}

func (p *inlineParser) appendEntities(entities []Entity, s State) []Entity {
	alt := Or[Entity](
		p.fencedCode,
		p.inlineCode,
		p.delimited(strongEmphasisPattern, EntityStrongEmphasis, 3),
		p.delimited(strongPattern, EntityStrong, 2),
		p.delimited(emphasisPattern, EntityEmphasis, 1),
		p.link,
		p.url,
		p.expr,
		p.mention,
		p.bareExpr,
		p.text,
	)
	found, end, _ := Many(alt)(s)
	if !end.Done() {
		found = append(found, Entity{Span: Span{Start: end.Pos, Len: len(end.Text) - end.Pos}, Type: EntityText})
	}
	for _, e := range found {
		last := len(entities) - 1
		if e.Type == EntityText && last >= 0 && entities[last].Type == EntityText && entities[last].End() == e.Start {
			entities[last].Len += e.Len
			continue
		}
		entities = append(entities, e)
	}
	return entities
}

func (p *inlineParser) fencedCode(s State) (Entity, State, bool) {
	rest := s.Rest()
	if !strings.HasPrefix(rest, codeFence) {
		return Entity{}, s, false
	}
	closing := strings.Index(rest[len(codeFence):], codeFence)
	if closing < 0 {
		return Entity{}, s, false
	}
	contentEnd := len(codeFence) + closing
	contentStart := len(codeFence)
	if nl := strings.IndexByte(rest[contentStart:contentEnd], '\n'); nl >= 0 {
		contentStart += nl + 1
	}
	total := contentEnd + len(codeFence)
	return Entity{
		Span:  Span{Start: s.Pos, Len: total},
		Type:  EntityCodeBlock,
		Child: &Span{Start: s.Pos + contentStart, Len: contentEnd - contentStart},
	}, s.advance(total), true
}

func (p *inlineParser) inlineCode(s State) (Entity, State, bool) {
	return p.delimited(inlineCodePattern, EntityCode, 1)(s)
}

// delimited matches re, whose first group is the content between markers of
// markerLen bytes.
func (p *inlineParser) delimited(re *regexp.Regexp, typ EntityType, markerLen int) Parser[Entity] {
	return Bind(Pattern(re), func(m []string, next State) (Entity, State, bool) {
		start := next.Pos - len(m[0])
		return Entity{
			Span:  Span{Start: start, Len: len(m[0])},
			Type:  typ,
			Child: &Span{Start: start + markerLen, Len: len(m[1])},
		}, next, true
	})
}

func (p *inlineParser) link(s State) (Entity, State, bool) {
	return Bind(Pattern(linkPattern), func(m []string, next State) (Entity, State, bool) {
		return Entity{
			Span:  Span{Start: s.Pos, Len: len(m[0])},
			Type:  EntityLink,
			Child: &Span{Start: s.Pos + 1, Len: len(m[1])},
			Href:  m[2],
		}, next, true
	})(s)
}

func (p *inlineParser) url(s State) (Entity, State, bool) {
	match := urlPattern.FindString(s.Rest())
	match = strings.TrimRight(match, ".,;:!?)]")
	if len(match) <= len("https://") {
		return Entity{}, s, false
	}
	return Entity{
		Span:  Span{Start: s.Pos, Len: len(match)},
		Type:  EntityLink,
		Child: &Span{Start: s.Pos, Len: len(match)},
		Href:  match,
	}, s.advance(len(match)), true
}

// expr matches an expression between delimiters. A delimited span whose
// content does not parse becomes a single text entity.
func (p *inlineParser) expr(s State) (Entity, State, bool) {
	rest := s.Rest()
	for _, d := range exprDelimiters {
		if !strings.HasPrefix(rest, d[0]) {
			continue
		}
		closing := strings.Index(rest[len(d[0]):], d[1])
		if closing < 0 {
			return Entity{}, s, false
		}
		content := rest[len(d[0]) : len(d[0])+closing]
		total := len(d[0]) + closing + len(d[1])
		entity := Entity{Span: Span{Start: s.Pos, Len: total}, Type: EntityText}
		if node, _, ok := p.grammar.complete(State{Text: content}); ok {
			entity.Type = EntityExpr
			entity.Node = node
		}
		return entity, s.advance(total), true
	}
	return Entity{}, s, false
}

func (p *inlineParser) mention(s State) (Entity, State, bool) {
	if p.env.ResolveDisplayName == nil {
		return Entity{}, s, false
	}
	return Bind(Pattern(mentionPattern), func(m []string, next State) (Entity, State, bool) {
		name, ok := p.env.ResolveDisplayName(m[1])
		if !ok {
			return Entity{}, next, false
		}
		return Entity{
			Span:  Span{Start: s.Pos, Len: len(m[0])},
			Type:  EntityMention,
			Child: &Span{Start: s.Pos + 1, Len: len(m[1])},
			Name:  name,
		}, next, true
	})(s)
}

// bareExpr matches an undelimited expression in roll-command mode. Lone
// integers stay text so numbers in prose are not treated as rolls.
func (p *inlineParser) bareExpr(s State) (Entity, State, bool) {
	if !p.roll {
		return Entity{}, s, false
	}
	node, next, ok := Left(Parser[dice.Node](p.grammar.expr), NotFollowedBy(isWordRune))(s)
	if !ok {
		return Entity{}, s, false
	}
	if _, literal := node.(dice.Num); literal {
		return Entity{}, s, false
	}
	return Entity{
		Span: Span{Start: s.Pos, Len: next.Pos - s.Pos},
		Type: EntityExpr,
		Node: node,
	}, next, true
}

// text consumes at least one rune and stops where a richer entity could start.
func (p *inlineParser) text(s State) (Entity, State, bool) {
	if s.Done() {
		return Entity{}, s, false
	}
	next := s.skipRune()
	for !next.Done() && !p.stopsAt(next) {
		next = next.skipRune()
	}
	return Entity{Span: Span{Start: s.Pos, Len: next.Pos - s.Pos}, Type: EntityText}, next, true
}

func (p *inlineParser) stopsAt(s State) bool {
	r := s.Peek()
	switch r {
	case '`', '*', '[', '{', '｛', '【':
		return true
	case '@':
		return p.env.ResolveDisplayName != nil
	}
	rest := s.Rest()
	if strings.HasPrefix(rest, "http://") || strings.HasPrefix(rest, "https://") {
		return true
	}
	return p.roll && unicode.IsSpace(s.prev()) && !unicode.IsSpace(r)
}
