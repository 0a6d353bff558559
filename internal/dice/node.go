// Package dice implements the expression tree behind inline dice notation and
// its deterministic evaluation.
//
// Nodes are produced by the markup parser and never mutated. Evaluate walks a
// node with a Source and returns a parallel Result tree that carries every
// draw, so a renderer can show how a total was reached.
package dice

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is one vertex of an unevaluated expression.
type Node interface {
	fmt.Stringer
	node()
}

// Num is an integer literal.
type Num struct {
	Value int
}

// FilterKind selects which dice survive a keep filter.
type FilterKind int

const (
	// FilterHigh keeps the highest dice.
	FilterHigh FilterKind = iota + 1
	// FilterLow keeps the lowest dice.
	FilterLow
)

// Filter keeps Count dice of a roll, chosen by Kind.
type Filter struct {
	Kind  FilterKind
	Count int
}

// Roll draws Counter dice of Face sides.
type Roll struct {
	Counter int
	Face    int
	Filter  *Filter
}

// Operator is a binary arithmetic operator.
type Operator string

const (
	OpAdd Operator = "+"
	OpSub Operator = "-"
	OpMul Operator = "×"
	OpDiv Operator = "÷"
)

// Binary applies Op to L and R.
type Binary struct {
	Op Operator
	L  Node
	R  Node
}

// Max reports the largest value Roll can produce without drawing.
type Max struct {
	Roll Roll
}

// Min reports the smallest value Roll can produce without drawing.
type Min struct {
	Roll Roll
}

// SubExpr is a bracketed expression.
type SubExpr struct {
	Inner Node
}

// CocSubType selects the Call of Cthulhu bonus/penalty variant.
type CocSubType int

const (
	CocNormal CocSubType = iota
	CocBonus
	CocBonus2
	CocPenalty
	CocPenalty2
)

// CocRoll is a percentile roll with optional bonus or penalty dice. Target,
// when set, is evaluated to obtain the skill value the roll is checked against.
type CocRoll struct {
	SubType CocSubType
	Target  Node
}

// FateRoll is four Fate/FUDGE dice.
type FateRoll struct{}

// DicePool counts dice of Face sides that reach Min. Dice reaching Addition
// are re-rolled when Addition is more than half of Face.
type DicePool struct {
	Counter  int
	Face     int
	Min      int
	Addition int
	Critical *int
	Fumble   *int
}

// Repeat evaluates Inner Count times.
type Repeat struct {
	Inner Node
	Count int
}

// Unknown stands in for syntax that could not be understood.
type Unknown struct{}

func (Num) node()      {}
func (Roll) node()     {}
func (Binary) node()   {}
func (Max) node()      {}
func (Min) node()      {}
func (SubExpr) node()  {}
func (CocRoll) node()  {}
func (FateRoll) node() {}
func (DicePool) node() {}
func (Repeat) node()   {}
func (Unknown) node()  {}

func (n Num) String() string { return strconv.Itoa(n.Value) }

func (r Roll) String() string {
	var b strings.Builder
	if r.Counter != 1 {
		b.WriteString(strconv.Itoa(r.Counter))
	}
	b.WriteString("d")
	b.WriteString(strconv.Itoa(r.Face))
	if r.Filter != nil {
		if r.Filter.Kind == FilterLow {
			b.WriteString("kl")
		} else {
			b.WriteString("k")
		}
		b.WriteString(strconv.Itoa(r.Filter.Count))
	}
	return b.String()
}

func (b Binary) String() string {
	return fmt.Sprintf("%s %s %s", b.L, b.Op, b.R)
}

func (m Max) String() string { return "max(" + m.Roll.String() + ")" }

func (m Min) String() string { return "min(" + m.Roll.String() + ")" }

func (s SubExpr) String() string { return "(" + s.Inner.String() + ")" }

func (c CocRoll) String() string {
	name := "coc"
	switch c.SubType {
	case CocBonus:
		name = "cocb"
	case CocBonus2:
		name = "cocbb"
	case CocPenalty:
		name = "cocp"
	case CocPenalty2:
		name = "cocpp"
	}
	if c.Target != nil {
		return name + " " + c.Target.String()
	}
	return name
}

func (FateRoll) String() string { return "4dF" }

func (p DicePool) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%dw%d", p.Counter, p.Face)
	fmt.Fprintf(&b, "m%d", p.Min)
	if p.Addition > 0 {
		fmt.Fprintf(&b, "a%d", p.Addition)
	}
	if p.Critical != nil {
		fmt.Fprintf(&b, "c%d", *p.Critical)
	}
	if p.Fumble != nil {
		fmt.Fprintf(&b, "f%d", *p.Fumble)
	}
	return b.String()
}

func (r Repeat) String() string { return fmt.Sprintf("%d#%s", r.Count, r.Inner) }

func (Unknown) String() string { return "?" }
