package markup

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/louisbranch/dicechat/internal/dice"
)

const maxLiteral = 1_000_000_000

var (
	poolShorthandPattern = regexp.MustCompile(`^(\d+)[aA](\d+)?`)
	rollPattern          = regexp.MustCompile(`^(\d+)?[dD](\d+)?(?:([kK][hHlL]?|[hHlL])(\d+))?`)
	cocPattern           = regexp.MustCompile(`^(?i:coc)([bB][bB]?|[pP][pP]?)?`)
	fatePattern          = regexp.MustCompile(`^(?:4)?[dD][fF]`)
	wodPattern           = regexp.MustCompile(`^(\d+)[wW](\d+)?(?:[mM](\d+))?(?:[aA](\d+))?(?:[cC](\d+))?(?:[fF](\d+))?`)
	repeatPattern        = regexp.MustCompile(`^(\d+)#`)
	intPattern           = regexp.MustCompile(`^\d+`)
	boundPattern         = regexp.MustCompile(`^(?i:(max|min))`)
	addOpPattern         = regexp.MustCompile(`^[+\-＋－]`)
	mulOpPattern         = regexp.MustCompile(`^[*×/÷]`)
)

var brackets = [][2]string{
	{"(", ")"},
	{"（", "）"},
	{"[", "]"},
}

// exprGrammar holds the per-call settings the expression parsers close over.
type exprGrammar struct {
	defaultFace int
}

func newExprGrammar(defaultFace int) exprGrammar {
	if defaultFace <= 0 {
		defaultFace = DefaultDiceFace
	}
	return exprGrammar{defaultFace: defaultFace}
}

// complete parses text that must consist of exactly one expression.
func (g exprGrammar) complete(s State) (dice.Node, State, bool) {
	return Left(Right(Spaces, Parser[dice.Node](g.expr)), Right(Spaces, End))(s)
}

// expr parses additive chains, left associative.
func (g exprGrammar) expr(s State) (dice.Node, State, bool) {
	return g.chain(g.term, addOpPattern)(s)
}

// term parses multiplicative chains, left associative.
func (g exprGrammar) term(s State) (dice.Node, State, bool) {
	return g.chain(g.atom, mulOpPattern)(s)
}

type operand struct {
	op   dice.Operator
	node dice.Node
}

func (g exprGrammar) chain(operandParser Parser[dice.Node], opPattern *regexp.Regexp) Parser[dice.Node] {
	op := Map(Right(Spaces, Pattern(opPattern)), func(m []string) dice.Operator {
		return toOperator(m[0])
	})
	tail := Many(Bind(op, func(o dice.Operator, s State) (operand, State, bool) {
		node, next, ok := Right(Spaces, operandParser)(s)
		return operand{op: o, node: node}, next, ok
	}))
	return Bind(operandParser, func(first dice.Node, s State) (dice.Node, State, bool) {
		rest, next, _ := tail(s)
		node := first
		for _, o := range rest {
			node = dice.Binary{Op: o.op, L: node, R: o.node}
		}
		return node, next, true
	})
}

func toOperator(token string) dice.Operator {
	switch token {
	case "+", "＋":
		return dice.OpAdd
	case "-", "－":
		return dice.OpSub
	case "/", "÷":
		return dice.OpDiv
	default:
		return dice.OpMul
	}
}

// atom tries each primary form in priority order.
func (g exprGrammar) atom(s State) (dice.Node, State, bool) {
	return Or[dice.Node](
		g.bound,
		g.poolShorthand,
		g.roll,
		g.coc,
		g.fate,
		g.wod,
		g.repeat,
		g.literal,
		g.paren,
	)(s)
}

// token wraps a pattern so it only matches at a word boundary.
func token(re *regexp.Regexp) Parser[[]string] {
	return Left(Pattern(re), NotFollowedBy(isWordRune))
}

func atoiGroup(group string, fallback int) (int, bool) {
	if group == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(group)
	if err != nil || v > maxLiteral {
		return 0, false
	}
	return v, true
}

func (g exprGrammar) poolShorthand(s State) (dice.Node, State, bool) {
	return Bind(token(poolShorthandPattern), func(m []string, next State) (dice.Node, State, bool) {
		counter, ok1 := atoiGroup(m[1], 0)
		addition, ok2 := atoiGroup(m[2], 10)
		if !ok1 || !ok2 {
			return nil, next, false
		}
		return dice.DicePool{Counter: counter, Face: 10, Min: 8, Addition: addition}, next, true
	})(s)
}

func (g exprGrammar) roll(s State) (dice.Node, State, bool) {
	return Bind(token(rollPattern), func(m []string, next State) (dice.Node, State, bool) {
		roll, ok := g.buildRoll(m)
		return roll, next, ok
	})(s)
}

func (g exprGrammar) buildRoll(m []string) (dice.Roll, bool) {
	counter, ok := atoiGroup(m[1], 1)
	if !ok {
		return dice.Roll{}, false
	}
	face, ok := atoiGroup(m[2], g.defaultFace)
	if !ok {
		return dice.Roll{}, false
	}
	roll := dice.Roll{Counter: counter, Face: face}
	if m[3] != "" {
		count, ok := atoiGroup(m[4], 0)
		if !ok {
			return dice.Roll{}, false
		}
		kind := dice.FilterHigh
		if strings.ContainsAny(m[3], "lL") {
			kind = dice.FilterLow
		}
		roll.Filter = &dice.Filter{Kind: kind, Count: count}
	}
	return roll, true
}

func (g exprGrammar) coc(s State) (dice.Node, State, bool) {
	target := Optional(Right(Spaces, Parser[dice.Node](g.atom)), nil)
	keyword := Left(Pattern(cocPattern), NotFollowedBy(unicode.IsLetter))
	return Bind(keyword, func(m []string, next State) (dice.Node, State, bool) {
		c := dice.CocRoll{}
		switch strings.ToLower(m[1]) {
		case "b":
			c.SubType = dice.CocBonus
		case "bb":
			c.SubType = dice.CocBonus2
		case "p":
			c.SubType = dice.CocPenalty
		case "pp":
			c.SubType = dice.CocPenalty2
		}
		c.Target, next, _ = target(next)
		return c, next, true
	})(s)
}

func (g exprGrammar) fate(s State) (dice.Node, State, bool) {
	return Map(token(fatePattern), func([]string) dice.Node { return dice.FateRoll{} })(s)
}

func (g exprGrammar) wod(s State) (dice.Node, State, bool) {
	return Bind(token(wodPattern), func(m []string, next State) (dice.Node, State, bool) {
		counter, ok1 := atoiGroup(m[1], 0)
		face, ok2 := atoiGroup(m[2], 10)
		minimum, ok3 := atoiGroup(m[3], 8)
		addition, ok4 := atoiGroup(m[4], 0)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, next, false
		}
		pool := dice.DicePool{Counter: counter, Face: face, Min: minimum, Addition: addition}
		if m[5] != "" {
			critical, ok := atoiGroup(m[5], 0)
			if !ok {
				return nil, next, false
			}
			pool.Critical = &critical
		}
		if m[6] != "" {
			fumble, ok := atoiGroup(m[6], 0)
			if !ok {
				return nil, next, false
			}
			pool.Fumble = &fumble
		}
		return pool, next, true
	})(s)
}

func (g exprGrammar) repeat(s State) (dice.Node, State, bool) {
	return Bind(Pattern(repeatPattern), func(m []string, next State) (dice.Node, State, bool) {
		count, ok := atoiGroup(m[1], 1)
		if !ok {
			return nil, next, false
		}
		inner, end, ok := Right(Spaces, Parser[dice.Node](g.atom))(next)
		if !ok {
			return nil, next, false
		}
		return dice.Repeat{Inner: inner, Count: count}, end, true
	})(s)
}

func (g exprGrammar) literal(s State) (dice.Node, State, bool) {
	return Bind(Pattern(intPattern), func(m []string, next State) (dice.Node, State, bool) {
		v, ok := atoiGroup(m[0], 0)
		return dice.Num{Value: v}, next, ok
	})(s)
}

func (g exprGrammar) paren(s State) (dice.Node, State, bool) {
	for _, pair := range brackets {
		p := Right(Literal(pair[0]), Left(Right(Spaces, Parser[dice.Node](g.expr)), Right(Spaces, Literal(pair[1]))))
		if inner, next, ok := p(s); ok {
			return dice.SubExpr{Inner: inner}, next, true
		}
	}
	return nil, s, false
}

// bound parses max/min followed by an atom and pushes the bound onto every
// roll inside it. An atom without any roll does not match.
func (g exprGrammar) bound(s State) (dice.Node, State, bool) {
	return Bind(Pattern(boundPattern), func(m []string, next State) (dice.Node, State, bool) {
		inner, end, ok := Right(Spaces, Parser[dice.Node](g.atom))(next)
		if !ok {
			return nil, next, false
		}
		bounded := pushBound(inner, strings.EqualFold(m[1], "max"))
		if !hasBound(bounded) {
			return nil, next, false
		}
		return bounded, end, true
	})(s)
}

func hasBound(node dice.Node) bool {
	switch n := node.(type) {
	case dice.Max, dice.Min:
		return true
	case dice.SubExpr:
		return hasBound(n.Inner)
	case dice.Binary:
		return hasBound(n.L) || hasBound(n.R)
	default:
		return false
	}
}

// pushBound rewrites every Roll leaf of node into Max or Min. Nested bounds
// are replaced by the outer one; other leaves are left untouched.
func pushBound(node dice.Node, highest bool) dice.Node {
	switch n := node.(type) {
	case dice.Roll:
		if highest {
			return dice.Max{Roll: n}
		}
		return dice.Min{Roll: n}
	case dice.Max:
		return pushBound(n.Roll, highest)
	case dice.Min:
		return pushBound(n.Roll, highest)
	case dice.SubExpr:
		return dice.SubExpr{Inner: pushBound(n.Inner, highest)}
	case dice.Binary:
		return dice.Binary{Op: n.Op, L: pushBound(n.L, highest), R: pushBound(n.R, highest)}
	default:
		return node
	}
}
