package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/louisbranch/dicechat/internal/markup"
)

// ErrInvalidDiff indicates an operation that does not fit the base text.
var ErrInvalidDiff = errors.New("invalid preview diff")

// OpType names a diff operation.
type OpType string

const (
	OpSplice OpType = "SPLICE"
	OpAppend OpType = "APPEND"
	OpRename OpType = "RENAME"
)

// Op is one diff operation. Splice replaces Del bytes at Pos with Text,
// Append adds Text at the end and Rename sets the preview's display name.
type Op struct {
	Type OpType `json:"type"`
	Pos  int    `json:"pos,omitempty"`
	Del  int    `json:"del,omitempty"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// Diff moves a preview from the keyframe at version Ref to Version.
// Entities, when present, replace the parsed entities of the result.
type Diff struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id"`
	AuthorID  string          `json:"author_id"`
	Ref       int64           `json:"ref"`
	Version   int64           `json:"version"`
	Ops       []Op            `json:"ops"`
	Entities  []markup.Entity `json:"entities,omitempty"`
}

// Splice builds a splice operation.
func Splice(pos, del int, text string) Op { return Op{Type: OpSplice, Pos: pos, Del: del, Text: text} }

// Append builds an append operation.
func Append(text string) Op { return Op{Type: OpAppend, Text: text} }

// Rename builds a rename operation.
func Rename(name string) Op { return Op{Type: OpRename, Name: name} }

// ApplyOps runs ops over a base text and name in order.
func ApplyOps(text, name string, ops []Op) (string, string, error) {
	for i, op := range ops {
		switch op.Type {
		case OpSplice:
			end := op.Pos + op.Del
			if op.Pos < 0 || op.Del < 0 || end > len(text) {
				return "", "", fmt.Errorf("%w: op %d splice [%d,%d) outside %d bytes", ErrInvalidDiff, i, op.Pos, end, len(text))
			}
			if !boundary(text, op.Pos) || !boundary(text, end) {
				return "", "", fmt.Errorf("%w: op %d splice splits a character", ErrInvalidDiff, i)
			}
			var b strings.Builder
			b.Grow(len(text) - op.Del + len(op.Text))
			b.WriteString(text[:op.Pos])
			b.WriteString(op.Text)
			b.WriteString(text[end:])
			text = b.String()
		case OpAppend:
			text += op.Text
		case OpRename:
			name = op.Name
		default:
			return "", "", fmt.Errorf("%w: op %d has type %q", ErrInvalidDiff, i, op.Type)
		}
	}
	return text, name, nil
}

func boundary(text string, i int) bool {
	return i == len(text) || utf8.RuneStart(text[i])
}

// DiffFrom builds ops that turn base into next: one splice over the changed
// middle, or an append when next only extends base.
func DiffFrom(base, next string) []Op {
	if base == next {
		return nil
	}
	prefix := 0
	for prefix < len(base) && prefix < len(next) && base[prefix] == next[prefix] {
		prefix++
	}
	for prefix > 0 && !(boundary(base, prefix) && boundary(next, prefix)) {
		prefix--
	}
	if prefix == len(base) {
		return []Op{Append(next[prefix:])}
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(next)-prefix &&
		base[len(base)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}
	for suffix > 0 && !(boundary(base, len(base)-suffix) && boundary(next, len(next)-suffix)) {
		suffix--
	}
	return []Op{Splice(prefix, len(base)-prefix-suffix, next[prefix:len(next)-suffix])}
}
