package markup

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// State is an immutable cursor into the text being parsed.
type State struct {
	Text string
	Pos  int
}

// Rest is the unconsumed input.
func (s State) Rest() string { return s.Text[s.Pos:] }

// Done reports whether all input is consumed.
func (s State) Done() bool { return s.Pos >= len(s.Text) }

// Peek returns the next rune without consuming it, or utf8.RuneError at the end.
func (s State) Peek() rune {
	if s.Done() {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeRuneInString(s.Rest())
	return r
}

// prev returns the rune before the cursor, or utf8.RuneError at the start.
func (s State) prev() rune {
	if s.Pos == 0 {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeLastRuneInString(s.Text[:s.Pos])
	return r
}

func (s State) advance(n int) State {
	return State{Text: s.Text, Pos: s.Pos + n}
}

// skipRune advances past one rune.
func (s State) skipRune() State {
	_, size := utf8.DecodeRuneInString(s.Rest())
	return s.advance(max(size, 1))
}

// Parser consumes a prefix of the input and reports whether it matched. On a
// mismatch the returned state is ignored by every combinator.
type Parser[T any] func(State) (T, State, bool)

// Literal matches lit exactly.
func Literal(lit string) Parser[string] {
	return func(s State) (string, State, bool) {
		if !strings.HasPrefix(s.Rest(), lit) {
			return "", s, false
		}
		return lit, s.advance(len(lit)), true
	}
}

// Pattern matches re at the cursor and yields its submatches. re must be
// anchored with ^.
func Pattern(re *regexp.Regexp) Parser[[]string] {
	return func(s State) ([]string, State, bool) {
		loc := re.FindStringSubmatchIndex(s.Rest())
		if loc == nil || loc[0] != 0 {
			return nil, s, false
		}
		rest := s.Rest()
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = rest[loc[2*i]:loc[2*i+1]]
			}
		}
		return groups, s.advance(loc[1]), true
	}
}

// Map transforms the value produced by p.
func Map[A, B any](p Parser[A], f func(A) B) Parser[B] {
	return func(s State) (B, State, bool) {
		a, next, ok := p(s)
		if !ok {
			var zero B
			return zero, s, false
		}
		return f(a), next, true
	}
}

// Bind runs p and feeds its value to f, which may still reject the match.
func Bind[A, B any](p Parser[A], f func(A, State) (B, State, bool)) Parser[B] {
	return func(s State) (B, State, bool) {
		a, next, ok := p(s)
		if !ok {
			var zero B
			return zero, s, false
		}
		b, end, ok := f(a, next)
		if !ok {
			var zero B
			return zero, s, false
		}
		return b, end, true
	}
}

// Left runs a then b and keeps a's value.
func Left[A, B any](a Parser[A], b Parser[B]) Parser[A] {
	return Bind(a, func(v A, s State) (A, State, bool) {
		_, next, ok := b(s)
		return v, next, ok
	})
}

// Right runs a then b and keeps b's value.
func Right[A, B any](a Parser[A], b Parser[B]) Parser[B] {
	return Bind(a, func(_ A, s State) (B, State, bool) {
		return b(s)
	})
}

// Or tries each parser in order and returns the first match.
func Or[T any](parsers ...Parser[T]) Parser[T] {
	return func(s State) (T, State, bool) {
		for _, p := range parsers {
			if v, next, ok := p(s); ok {
				return v, next, true
			}
		}
		var zero T
		return zero, s, false
	}
}

// Many applies p until it fails or stops making progress.
func Many[T any](p Parser[T]) Parser[[]T] {
	return func(s State) ([]T, State, bool) {
		var values []T
		for {
			v, next, ok := p(s)
			if !ok || next.Pos == s.Pos {
				return values, s, true
			}
			values = append(values, v)
			s = next
		}
	}
}

// Optional matches p or yields fallback without consuming input.
func Optional[T any](p Parser[T], fallback T) Parser[T] {
	return func(s State) (T, State, bool) {
		if v, next, ok := p(s); ok {
			return v, next, true
		}
		return fallback, s, true
	}
}

// End matches only at the end of input.
var End Parser[struct{}] = func(s State) (struct{}, State, bool) {
	return struct{}{}, s, s.Done()
}

// Spaces consumes any run of whitespace, including none.
var Spaces Parser[string] = func(s State) (string, State, bool) {
	rest := s.Rest()
	trimmed := strings.TrimLeftFunc(rest, unicode.IsSpace)
	n := len(rest) - len(trimmed)
	return rest[:n], s.advance(n), true
}

// NotFollowedBy succeeds without consuming input when the next rune fails pred.
func NotFollowedBy(pred func(rune) bool) Parser[struct{}] {
	return func(s State) (struct{}, State, bool) {
		if s.Done() {
			return struct{}{}, s, true
		}
		return struct{}{}, s, !pred(s.Peek())
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
