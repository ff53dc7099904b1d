package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML". Values of type H
// are already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Link builds an anchor; both the text and the URL are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Lines joins non-empty parts with newlines.
func Lines(parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, "\n"))
}

// Builder accumulates a message. Printf escapes its arguments, not the
// format.
type Builder struct {
	b strings.Builder
}

func (b *Builder) Add(h H) *Builder {
	b.b.WriteString(h.String())
	return b
}

func (b *Builder) Text(s string) *Builder { return b.Add(Esc(s)) }

func (b *Builder) Line() *Builder {
	b.b.WriteByte('\n')
	return b
}

func (b *Builder) Printf(format string, args ...any) *Builder {
	esc := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case H:
			esc[i] = v.String()
		case string:
			esc[i] = html.EscapeString(v)
		default:
			esc[i] = a
		}
	}
	fmt.Fprintf(&b.b, format, esc...)
	return b
}

func (b *Builder) String() string { return b.b.String() }
