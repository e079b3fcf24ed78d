package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// messages prints the three user-visible classes: notes for harmless
// no-ops, warnings when something failed and data may be at risk, and
// errors when an operation was aborted.
type messages struct {
	w    io.Writer
	note *color.Color
	warn *color.Color
	err  *color.Color
	ok   *color.Color
}

func newMessages(w io.Writer) *messages {
	return &messages{
		w:    w,
		note: color.New(color.FgCyan),
		warn: color.New(color.FgYellow, color.Bold),
		err:  color.New(color.FgRed, color.Bold),
		ok:   color.New(color.FgGreen),
	}
}

func (m *messages) print(c *color.Color, prefix, format string, args ...any) {
	_, _ = c.Fprint(m.w, prefix)
	_, _ = fmt.Fprintf(m.w, " "+format+"\n", args...)
}

func (m *messages) Note(format string, args ...any)  { m.print(m.note, "note:", format, args...) }
func (m *messages) Warn(format string, args ...any)  { m.print(m.warn, "warning:", format, args...) }
func (m *messages) Error(format string, args ...any) { m.print(m.err, "error:", format, args...) }
func (m *messages) Done(format string, args ...any)  { m.print(m.ok, "sessync:", format, args...) }
