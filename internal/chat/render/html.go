package render

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"
	"github.com/louisbranch/dicechat/internal/chat"
)

// HTMLTranscript renders messages as a standalone HTML document. Each author
// line takes its AuthorColor and each roll is listed under its message.
func (r *Renderer) HTMLTranscript(channel chat.Channel, messages []chat.Message) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := channel.Name
		if strings.TrimSpace(title) == "" {
			title = channel.ID
		}
		var b strings.Builder
		b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
		b.WriteString(templ.EscapeString(title))
		b.WriteString("</title></head><body>\n<article class=\"transcript\" data-channel=\"")
		b.WriteString(templ.EscapeString(channel.ID))
		b.WriteString("\">\n<h1>")
		b.WriteString(templ.EscapeString(title))
		b.WriteString("</h1>\n<ol>\n")
		if _, err := io.WriteString(w, b.String()); err != nil {
			return fmt.Errorf("write transcript header: %w", err)
		}
		for _, m := range messages {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := io.WriteString(w, r.htmlLine(m)); err != nil {
				return fmt.Errorf("write transcript line %s: %w", m.ID, err)
			}
		}
		if _, err := io.WriteString(w, "</ol>\n</article>\n</body></html>\n"); err != nil {
			return fmt.Errorf("write transcript footer: %w", err)
		}
		return nil
	})
}

func (r *Renderer) htmlLine(m chat.Message) string {
	name := m.Name
	if name == "" {
		name = m.AuthorID
	}
	var b strings.Builder
	b.WriteString("<li id=\"msg-")
	b.WriteString(templ.EscapeString(m.ID))
	b.WriteString("\"")
	if len(m.WhisperTo) > 0 {
		b.WriteString(" class=\"whisper\"")
	}
	b.WriteString("><span class=\"author\" style=\"color: ")
	b.WriteString(templ.EscapeString(AuthorColor(m.AuthorID)))
	b.WriteString("\">")
	b.WriteString(templ.EscapeString(name))
	b.WriteString("</span> <span class=\"body\">")
	b.WriteString(templ.EscapeString(r.Text(m)))
	b.WriteString("</span>")
	if len(m.WhisperTo) > 0 {
		b.WriteString(" <small>")
		b.WriteString(templ.EscapeString(r.printer.Sprintf("render.whisper", strings.Join(m.WhisperTo, ", "))))
		b.WriteString("</small>")
	}
	if m.EditedAt != nil {
		b.WriteString(" <small>")
		b.WriteString(templ.EscapeString(r.printer.Sprintf("render.edited")))
		b.WriteString("</small>")
	}
	if rolls := Evaluate(m); len(rolls) > 0 {
		b.WriteString("<ul class=\"rolls\">")
		for _, ev := range rolls {
			b.WriteString("<li>")
			b.WriteString(templ.EscapeString(r.Expression(ev)))
			b.WriteString("</li>")
		}
		b.WriteString("</ul>")
	}
	b.WriteString("</li>\n")
	return b.String()
}
