package dice

import (
	"encoding/json"
	"fmt"
)

// Wire is the JSON form of a Node. Only the fields used by Type are set.
type Wire struct {
	Type     string      `json:"type"`
	Value    int         `json:"value,omitempty"`
	Counter  int         `json:"counter,omitempty"`
	Face     int         `json:"face,omitempty"`
	Filter   *wireFilter `json:"filter,omitempty"`
	Op       Operator    `json:"op,omitempty"`
	L        *Wire       `json:"l,omitempty"`
	R        *Wire       `json:"r,omitempty"`
	Node     *Wire       `json:"node,omitempty"`
	SubType  string      `json:"subType,omitempty"`
	Target   *Wire       `json:"target,omitempty"`
	Min      int         `json:"min,omitempty"`
	Addition int         `json:"addition,omitempty"`
	Critical *int        `json:"critical,omitempty"`
	Fumble   *int        `json:"fumble,omitempty"`
	Count    int         `json:"count,omitempty"`
}

type wireFilter struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

var cocSubTypeNames = map[CocSubType]string{
	CocNormal:   "NORMAL",
	CocBonus:    "BONUS",
	CocBonus2:   "BONUS_2",
	CocPenalty:  "PENALTY",
	CocPenalty2: "PENALTY_2",
}

// Encode converts a node into its wire form. A nil node encodes as nil.
func Encode(node Node) *Wire {
	switch n := node.(type) {
	case nil:
		return nil
	case Num:
		return &Wire{Type: "Num", Value: n.Value}
	case Roll:
		return encodeRoll(n)
	case Binary:
		return &Wire{Type: "Binary", Op: n.Op, L: Encode(n.L), R: Encode(n.R)}
	case Max:
		return &Wire{Type: "Max", Node: encodeRoll(n.Roll)}
	case Min:
		return &Wire{Type: "Min", Node: encodeRoll(n.Roll)}
	case SubExpr:
		return &Wire{Type: "SubExpr", Node: Encode(n.Inner)}
	case CocRoll:
		return &Wire{Type: "CocRoll", SubType: cocSubTypeNames[n.SubType], Target: Encode(n.Target)}
	case FateRoll:
		return &Wire{Type: "FateRoll"}
	case DicePool:
		return &Wire{
			Type:     "DicePool",
			Counter:  n.Counter,
			Face:     n.Face,
			Min:      n.Min,
			Addition: n.Addition,
			Critical: n.Critical,
			Fumble:   n.Fumble,
		}
	case Repeat:
		return &Wire{Type: "Repeat", Node: Encode(n.Inner), Count: n.Count}
	default:
		return &Wire{Type: "Unknown"}
	}
}

func encodeRoll(r Roll) *Wire {
	w := &Wire{Type: "Roll", Counter: r.Counter, Face: r.Face}
	if r.Filter != nil {
		kind := "HIGH"
		if r.Filter.Kind == FilterLow {
			kind = "LOW"
		}
		w.Filter = &wireFilter{Kind: kind, Count: r.Filter.Count}
	}
	return w
}

// Decode converts a wire form back into a node. Unrecognized types decode as
// Unknown so stored transcripts written by newer versions still render.
func Decode(w *Wire) Node {
	if w == nil {
		return nil
	}
	switch w.Type {
	case "Num":
		return Num{Value: w.Value}
	case "Roll":
		return decodeRoll(w)
	case "Binary":
		return Binary{Op: w.Op, L: decodeOrUnknown(w.L), R: decodeOrUnknown(w.R)}
	case "Max":
		return Max{Roll: decodeRoll(w.Node)}
	case "Min":
		return Min{Roll: decodeRoll(w.Node)}
	case "SubExpr":
		return SubExpr{Inner: decodeOrUnknown(w.Node)}
	case "CocRoll":
		c := CocRoll{Target: Decode(w.Target)}
		for subType, name := range cocSubTypeNames {
			if name == w.SubType {
				c.SubType = subType
			}
		}
		return c
	case "FateRoll":
		return FateRoll{}
	case "DicePool":
		return DicePool{
			Counter:  w.Counter,
			Face:     w.Face,
			Min:      w.Min,
			Addition: w.Addition,
			Critical: w.Critical,
			Fumble:   w.Fumble,
		}
	case "Repeat":
		return Repeat{Inner: decodeOrUnknown(w.Node), Count: w.Count}
	default:
		return Unknown{}
	}
}

func decodeOrUnknown(w *Wire) Node {
	if n := Decode(w); n != nil {
		return n
	}
	return Unknown{}
}

func decodeRoll(w *Wire) Roll {
	if w == nil {
		return Roll{}
	}
	r := Roll{Counter: w.Counter, Face: w.Face}
	if w.Filter != nil {
		kind := FilterHigh
		if w.Filter.Kind == "LOW" {
			kind = FilterLow
		}
		r.Filter = &Filter{Kind: kind, Count: w.Filter.Count}
	}
	return r
}

// MarshalNode encodes node as JSON.
func MarshalNode(node Node) ([]byte, error) {
	return json.Marshal(Encode(node))
}

// UnmarshalNode decodes JSON produced by MarshalNode.
func UnmarshalNode(data []byte) (Node, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	return Decode(&w), nil
}
