// Package render turns stored messages into display text, evaluating each
// embedded dice expression with the message's seed so every render of a
// message shows the same outcome.
package render

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/dice"
	"github.com/louisbranch/dicechat/internal/markup"
	"github.com/louisbranch/dicechat/internal/platform/i18n/catalog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Evaluated is an expression entity with its outcome. Err is dice.ErrTooDeep
// when the expression nests past the evaluation limit.
type Evaluated struct {
	Entity markup.Entity
	Result dice.Result
	Err    error
}

// Evaluate evaluates the message's expression entities in text order, all
// drawing from one source derived from the message seed.
func Evaluate(m chat.Message) []Evaluated {
	var out []Evaluated
	src := m.Seed.Source()
	for _, e := range m.Entities {
		if e.Type != markup.EntityExpr || e.Node == nil {
			continue
		}
		result, err := dice.Evaluate(e.Node, src)
		out = append(out, Evaluated{Entity: e, Result: result, Err: err})
	}
	return out
}

// Renderer formats messages for one locale.
type Renderer struct {
	printer *message.Printer
}

// New returns a renderer printing in tag.
func New(tag language.Tag) *Renderer {
	catalog.Default()
	return &Renderer{printer: message.NewPrinter(tag)}
}

// Text renders the message body with markup stripped, mentions resolved and
// expressions replaced by their evaluation.
func (r *Renderer) Text(m chat.Message) string {
	evaluated := Evaluate(m)
	next := 0
	var b strings.Builder
	for _, e := range m.Entities {
		raw := e.Slice(m.Text)
		switch e.Type {
		case markup.EntityExpr:
			if e.Node == nil || next >= len(evaluated) {
				b.WriteString(raw)
				continue
			}
			b.WriteString(r.Expression(evaluated[next]))
			next++
		case markup.EntityStrong, markup.EntityEmphasis, markup.EntityStrongEmphasis:
			b.WriteString(childText(m.Text, e, raw))
		case markup.EntityLink:
			child := childText(m.Text, e, raw)
			b.WriteString(child)
			if e.Href != "" && e.Href != child {
				b.WriteString(" <" + e.Href + ">")
			}
		case markup.EntityMention:
			if e.Name != "" {
				b.WriteString("@" + e.Name)
			} else {
				b.WriteString(raw)
			}
		default:
			b.WriteString(raw)
		}
	}
	return b.String()
}

func childText(text string, e markup.Entity, fallback string) string {
	if e.Child == nil {
		return fallback
	}
	return e.Child.Slice(text)
}

// Expression renders one evaluated expression as "trace = value", or the
// localized marker when it was too deep to evaluate.
func (r *Renderer) Expression(ev Evaluated) string {
	if ev.Err != nil {
		if errors.Is(ev.Err, dice.ErrTooDeep) {
			return r.printer.Sprintf("render.too_deep")
		}
		return "[" + ev.Err.Error() + "]"
	}
	trace := r.Describe(ev.Result)
	value := strconv.Itoa(ev.Result.Value())
	out := trace
	if trace != value {
		out = trace + " = " + value
	}
	if coc, ok := ev.Result.(dice.CocResult); ok && coc.Target != nil {
		out += " " + r.success(coc.Success)
	}
	if pool, ok := ev.Result.(dice.PoolResult); ok {
		out += " " + r.printer.Sprintf("render.hits", pool.Hits)
	}
	if divByZero(ev.Result) {
		out += " (" + r.printer.Sprintf("render.div_by_zero") + ")"
	}
	if overflowed(ev.Result) {
		out += " (" + r.printer.Sprintf("render.overflow") + ")"
	}
	return out
}

// Describe renders how a result was reached, e.g. "2d20k1[17, 4 → 17] + 3".
func (r *Renderer) Describe(res dice.Result) string {
	switch v := res.(type) {
	case dice.NumResult:
		return strconv.Itoa(v.Num.Value)
	case dice.RollResult:
		trace := joinInts(v.Values)
		if v.Roll.Filter != nil {
			trace += " → " + joinInts(v.Filtered)
		}
		return v.Roll.String() + "[" + trace + "]"
	case dice.BinaryResult:
		return r.Describe(v.L) + " " + string(v.Op) + " " + r.Describe(v.R)
	case dice.MaxResult:
		return dice.Max{Roll: v.Roll}.String()
	case dice.MinResult:
		return dice.Min{Roll: v.Roll}.String()
	case dice.SubExprResult:
		return "(" + r.Describe(v.Inner) + ")"
	case dice.CocResult:
		trace := strconv.Itoa(v.Rolled)
		if len(v.Modifiers) > 0 {
			trace += "; " + joinInts(v.Modifiers)
		}
		out := dice.CocRoll{SubType: v.SubType}.String() + "[" + trace + "]"
		if v.Target != nil {
			out += " / " + strconv.Itoa(v.Target.Value())
		}
		return out
	case dice.FateResult:
		faces := make([]string, len(v.Values))
		for i, value := range v.Values {
			faces[i] = fateFace(value)
		}
		return "4dF[" + strings.Join(faces, " ") + "]"
	case dice.PoolResult:
		return v.Pool.String() + "[" + joinInts(v.Values) + "]"
	case dice.RepeatResult:
		runs := make([]string, len(v.Runs))
		for i, run := range v.Runs {
			runs[i] = strconv.Itoa(run.Value())
		}
		return strconv.Itoa(v.Count) + "#{" + strings.Join(runs, ", ") + "}"
	default:
		return "?"
	}
}

func (r *Renderer) success(level dice.SuccessLevel) string {
	switch level {
	case dice.CriticalFailure:
		return r.printer.Sprintf("render.critical_failure")
	case dice.Failure:
		return r.printer.Sprintf("render.failure")
	case dice.RegularSuccess:
		return r.printer.Sprintf("render.regular_success")
	case dice.HardSuccess:
		return r.printer.Sprintf("render.hard_success")
	case dice.ExtremeSuccess:
		return r.printer.Sprintf("render.extreme_success")
	case dice.CriticalSuccess:
		return r.printer.Sprintf("render.critical_success")
	default:
		return level.String()
	}
}

func divByZero(res dice.Result) bool {
	return anyResult(res, func(r dice.Result) bool {
		b, ok := r.(dice.BinaryResult)
		return ok && b.DivByZero
	})
}

func overflowed(res dice.Result) bool {
	return anyResult(res, func(r dice.Result) bool {
		switch v := r.(type) {
		case dice.BinaryResult:
			return v.Overflow
		case dice.RepeatResult:
			return v.Overflow
		}
		return false
	})
}

// anyResult reports whether match holds for res or any result nested in it.
func anyResult(res dice.Result, match func(dice.Result) bool) bool {
	if match(res) {
		return true
	}
	switch v := res.(type) {
	case dice.BinaryResult:
		return anyResult(v.L, match) || anyResult(v.R, match)
	case dice.SubExprResult:
		return anyResult(v.Inner, match)
	case dice.RepeatResult:
		for _, run := range v.Runs {
			if anyResult(run, match) {
				return true
			}
		}
	case dice.CocResult:
		return v.Target != nil && anyResult(v.Target, match)
	}
	return false
}

func fateFace(value int) string {
	switch {
	case value > 0:
		return "+"
	case value < 0:
		return "-"
	default:
		return "0"
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

// Line renders "[name] text" with whisper and edit markers.
func (r *Renderer) Line(m chat.Message) string {
	name := m.Name
	if name == "" {
		name = m.AuthorID
	}
	line := "[" + name + "] " + r.Text(m)
	if len(m.WhisperTo) > 0 {
		line += " " + r.printer.Sprintf("render.whisper", strings.Join(m.WhisperTo, ", "))
	}
	if m.EditedAt != nil {
		line += " " + r.printer.Sprintf("render.edited")
	}
	return line
}

// Transcript writes one line per message, in the given order.
func (r *Renderer) Transcript(w io.Writer, messages []chat.Message) error {
	for _, m := range messages {
		if _, err := fmt.Fprintln(w, r.Line(m)); err != nil {
			return fmt.Errorf("write transcript line %s: %w", m.ID, err)
		}
	}
	return nil
}
