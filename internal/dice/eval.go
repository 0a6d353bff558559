package dice

import (
	"errors"
	"math"
	"slices"
)

// MaxDepth bounds how deeply composite nodes may nest during evaluation.
const MaxDepth = 64

const (
	maxRollCounter = 64
	maxRollFace    = 1 << 16
	maxRepeat      = 99
	maxPoolTotal   = 1000
)

// ErrTooDeep is returned when evaluation would nest beyond MaxDepth.
var ErrTooDeep = errors.New("expression too deep")

// Source supplies uniformly distributed integers in [low, high].
type Source interface {
	IntRange(low, high int) int
}

// Evaluate computes node with draws taken from src.
//
// # Determinism
//
// Evaluate draws from src in a fixed order: operands left to right, a roll's
// dice in order, the percentile ones digit before the tens digit. Given the
// same node and a src in the same state, the returned Result is identical.
//
// # Budget
//
// One evaluation draws at most MaxDraws values. A roll, pool or repeat whose
// worst case would exceed what is left yields its empty result without
// drawing, the same way a degenerate roll does.
//
// ErrTooDeep is the only error.
func Evaluate(node Node, src Source) (Result, error) {
	e := &evaluator{src: src, remaining: MaxDraws}
	return e.evaluate(node, 0)
}

// MaxDraws caps the values drawn by a single Evaluate call.
const MaxDraws = 1 << 16

type evaluator struct {
	src       Source
	remaining int
}

// spend reserves n draws, reporting false when the budget cannot cover them.
func (e *evaluator) spend(n int) bool {
	if n > e.remaining {
		return false
	}
	e.remaining -= n
	return true
}

func (e *evaluator) evaluate(node Node, depth int) (Result, error) {
	if depth >= MaxDepth {
		return nil, ErrTooDeep
	}
	switch n := node.(type) {
	case Num:
		return NumResult{Num: n}, nil
	case Roll:
		if !e.spend(drawCost(n, depth)) {
			return RollResult{Roll: n}, nil
		}
		return rollDice(n, e.src), nil
	case Binary:
		return e.evaluateBinary(n, depth)
	case Max:
		return MaxResult{Roll: n.Roll, Total: rollBound(n.Roll, true)}, nil
	case Min:
		return MinResult{Roll: n.Roll, Total: rollBound(n.Roll, false)}, nil
	case SubExpr:
		inner, err := e.evaluate(n.Inner, depth+1)
		if err != nil {
			return nil, err
		}
		return SubExprResult{Inner: inner}, nil
	case CocRoll:
		return e.rollCoc(n, depth)
	case FateRoll:
		if !e.spend(fateDraws) {
			return FateResult{}, nil
		}
		return rollFate(e.src), nil
	case DicePool:
		if !e.spend(drawCost(n, depth)) {
			return PoolResult{Pool: n}, nil
		}
		return rollPool(n, e.src), nil
	case Repeat:
		return e.evaluateRepeat(n, depth)
	default:
		return UnknownResult{}, nil
	}
}

const (
	fateDraws = 4
	cocDraws  = 4
)

// drawCost bounds how many values evaluating node may draw, saturating just
// above MaxDraws.
func drawCost(node Node, depth int) int {
	if depth >= MaxDepth {
		return 0
	}
	saturate := func(n int) int { return min(n, MaxDraws+1) }
	switch n := node.(type) {
	case Roll:
		if rollIsDegenerate(n) {
			return 0
		}
		return n.Counter
	case Binary:
		return saturate(drawCost(n.L, depth+1) + drawCost(n.R, depth+1))
	case SubExpr:
		return drawCost(n.Inner, depth+1)
	case CocRoll:
		if n.Target == nil {
			return cocDraws
		}
		return saturate(cocDraws + drawCost(n.Target, depth+1))
	case FateRoll:
		return fateDraws
	case DicePool:
		if poolIsDegenerate(n) || n.Face <= 1 {
			return 0
		}
		if n.Addition > n.Face/2 && n.Addition > 0 {
			// Every extra draw adds at least Addition to a sum kept below maxPoolTotal.
			return n.Counter + maxPoolTotal/n.Addition + 1
		}
		return n.Counter
	case Repeat:
		return saturate(repeatCount(n) * drawCost(n.Inner, depth+1))
	default:
		return 0
	}
}

func rollIsDegenerate(r Roll) bool {
	return r.Counter <= 0 || r.Counter > maxRollCounter || r.Face <= 0 || r.Face > maxRollFace
}

// keptCount is how many dice of r contribute to its total.
func keptCount(r Roll) int {
	if r.Filter == nil {
		return r.Counter
	}
	return max(0, min(r.Filter.Count, r.Counter))
}

func rollDice(r Roll, src Source) RollResult {
	if rollIsDegenerate(r) {
		return RollResult{Roll: r}
	}

	values := make([]int, r.Counter)
	for i := range values {
		if r.Face == 1 {
			values[i] = 1
			continue
		}
		values[i] = src.IntRange(1, r.Face)
	}

	kept := values
	if r.Filter != nil {
		sorted := slices.Clone(values)
		if r.Filter.Kind == FilterLow {
			slices.Sort(sorted)
		} else {
			slices.SortFunc(sorted, func(a, b int) int { return b - a })
		}
		kept = sorted[:keptCount(r)]
	}

	total := 0
	for _, v := range kept {
		total += v
	}
	result := RollResult{Roll: r, Values: values, Total: total}
	if r.Filter != nil {
		result.Filtered = kept
	}
	return result
}

func rollBound(r Roll, highest bool) int {
	if rollIsDegenerate(r) {
		return 0
	}
	if highest {
		return keptCount(r) * r.Face
	}
	return keptCount(r)
}

func (e *evaluator) evaluateBinary(b Binary, depth int) (Result, error) {
	l, err := e.evaluate(b.L, depth+1)
	if err != nil {
		return nil, err
	}
	r, err := e.evaluate(b.R, depth+1)
	if err != nil {
		return nil, err
	}

	result := BinaryResult{Op: b.Op, L: l, R: r}
	lv, rv := l.Value(), r.Value()
	var overflow bool
	switch b.Op {
	case OpAdd:
		result.Total, overflow = addInt(lv, rv)
	case OpSub:
		result.Total, overflow = subInt(lv, rv)
	case OpMul:
		result.Total, overflow = mulInt(lv, rv)
	case OpDiv:
		if rv == 0 {
			result.DivByZero = true
			break
		}
		if lv == math.MinInt && rv == -1 {
			overflow = true
			break
		}
		result.Total = FloorDiv(lv, rv)
	}
	if overflow {
		result.Total = 0
		result.Overflow = true
	}
	return result, nil
}

// addInt, subInt and mulInt report whether the exact result left the int range.
func addInt(a, b int) (int, bool) {
	s := a + b
	return s, (b > 0 && s < a) || (b < 0 && s > a)
}

func subInt(a, b int) (int, bool) {
	s := a - b
	return s, (b > 0 && s > a) || (b < 0 && s < a)
}

func mulInt(a, b int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	if (a == -1 && b == math.MinInt) || (b == -1 && a == math.MinInt) {
		return 0, true
	}
	p := a * b
	return p, p/b != a
}

// FloorDiv divides rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func repeatCount(r Repeat) int {
	return min(max(r.Count, 1), maxRepeat)
}

func (e *evaluator) evaluateRepeat(r Repeat, depth int) (Result, error) {
	count := repeatCount(r)
	if drawCost(r, depth) > e.remaining {
		return RepeatResult{Count: count}, nil
	}
	runs := make([]Result, 0, count)
	total, overflow := 0, false
	for i := 0; i < count; i++ {
		run, err := e.evaluate(r.Inner, depth+1)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
		if !overflow {
			total, overflow = addInt(total, run.Value())
		}
	}
	if overflow {
		total = 0
	}
	return RepeatResult{Count: count, Runs: runs, Total: total, Overflow: overflow}, nil
}

func poolIsDegenerate(p DicePool) bool {
	return p.Counter <= 0 || p.Counter > maxRollCounter || p.Face > maxRollFace
}

func rollFate(src Source) FateResult {
	var result FateResult
	for i := range result.Values {
		switch src.IntRange(1, 6) {
		case 1, 2:
			result.Values[i] = -1
		case 3, 4:
			result.Values[i] = 0
		default:
			result.Values[i] = 1
		}
		result.Total += result.Values[i]
	}
	return result
}

func rollPool(p DicePool, src Source) PoolResult {
	result := PoolResult{Pool: p}
	if poolIsDegenerate(p) {
		return result
	}
	if p.Face <= 1 {
		result.Hits = p.Counter * p.Face
		return result
	}

	explode := p.Addition > p.Face/2
	sum := 0
	for remaining := p.Counter; remaining > 0; {
		v := src.IntRange(1, p.Face)
		result.Values = append(result.Values, v)
		sum += v
		if v >= p.Min {
			result.Hits++
		}
		if p.Critical != nil && v >= *p.Critical {
			result.Crits++
		}
		if p.Fumble != nil && v <= *p.Fumble {
			result.Fumbles++
		}
		if explode && v >= p.Addition && sum < maxPoolTotal {
			continue
		}
		remaining--
	}
	return result
}
