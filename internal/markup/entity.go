package markup

import (
	"encoding/json"

	"github.com/louisbranch/dicechat/internal/dice"
)

// EntityType tags what an entity's span contains.
type EntityType string

const (
	EntityText           EntityType = "Text"
	EntityLink           EntityType = "Link"
	EntityStrong         EntityType = "Strong"
	EntityEmphasis       EntityType = "Emphasis"
	EntityStrongEmphasis EntityType = "StrongEmphasis"
	EntityCode           EntityType = "Code"
	EntityCodeBlock      EntityType = "CodeBlock"
	EntityExpr           EntityType = "Expr"
	EntityMention        EntityType = "Mention"
)

// Span is a byte range of the normalized text.
type Span struct {
	Start int `json:"start"`
	Len   int `json:"len"`
}

// End is the exclusive end offset.
func (s Span) End() int { return s.Start + s.Len }

// Slice returns the covered text.
func (s Span) Slice(text string) string {
	if s.Start < 0 || s.End() > len(text) {
		return ""
	}
	return text[s.Start:s.End()]
}

// Entity is a tagged span over a message's text. Child is the displayed
// portion for markup and link entities; Node is set for Expr; Name is the
// resolved display name for Mention.
type Entity struct {
	Span
	Type  EntityType
	Child *Span
	Href  string
	Name  string
	Node  dice.Node
}

type entityJSON struct {
	Start int        `json:"start"`
	Len   int        `json:"len"`
	Type  EntityType `json:"type"`
	Child *Span      `json:"child,omitempty"`
	Href  string     `json:"href,omitempty"`
	Name  string     `json:"name,omitempty"`
	Node  *dice.Wire `json:"node,omitempty"`
}

// MarshalJSON encodes the entity with its expression in wire form.
func (e Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(entityJSON{
		Start: e.Start,
		Len:   e.Len,
		Type:  e.Type,
		Child: e.Child,
		Href:  e.Href,
		Name:  e.Name,
		Node:  dice.Encode(e.Node),
	})
}

// UnmarshalJSON decodes an entity written by MarshalJSON.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw entityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entity{
		Span:  Span{Start: raw.Start, Len: raw.Len},
		Type:  raw.Type,
		Child: raw.Child,
		Href:  raw.Href,
		Name:  raw.Name,
		Node:  dice.Decode(raw.Node),
	}
	return nil
}

// Tiles reports whether entities cover [0, len(text)) in order with no gap or overlap.
func Tiles(text string, entities []Entity) bool {
	pos := 0
	for _, e := range entities {
		if e.Start != pos || e.Len <= 0 {
			return false
		}
		pos = e.End()
	}
	return pos == len(text)
}
