package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/user/hexe/internal/event"
)

// printer renders events on a terminal. Deltas are written as they arrive
// and the matching final only ends the line.
type printer struct {
	w       io.Writer
	user    *color.Color
	call    *color.Color
	output  *color.Color
	failure *color.Color
	dim     *color.Color
	open    bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:       w,
		user:    color.New(color.FgGreen, color.Bold),
		call:    color.New(color.FgCyan),
		output:  color.New(color.FgYellow),
		failure: color.New(color.FgRed),
		dim:     color.New(color.Faint),
	}
}

func (p *printer) endLine() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

// live prints an event received from a thread stream.
func (p *printer) live(ev event.Event) {
	if ev.IsFinal() {
		switch ev.(type) {
		case *event.Assistant, *event.FunctionCall, *event.FunctionOutput:
			if p.open {
				p.endLine()
				return
			}
		}
		p.stored(ev)
		return
	}

	switch e := ev.(type) {
	case *event.Assistant:
		fmt.Fprint(p.w, e.Content)
	case *event.FunctionCall:
		if !p.open {
			p.call.Fprintf(p.w, "[%s] ", e.Name)
		}
		p.call.Fprint(p.w, e.Arguments)
	case *event.FunctionOutput:
		p.output.Fprint(p.w, e.ShortContent())
	default:
		return
	}
	p.open = true
}

// stored prints a complete event, such as one loaded from history.
func (p *printer) stored(ev event.Event) {
	p.endLine()
	switch e := ev.(type) {
	case *event.User:
		p.user.Fprint(p.w, "> ")
		fmt.Fprintln(p.w, e.Content)
	case *event.Assistant:
		fmt.Fprintln(p.w, e.Content)
	case *event.FunctionCall:
		p.call.Fprintf(p.w, "[%s] %s\n", e.Name, e.Arguments)
	case *event.FunctionOutput:
		p.output.Fprintln(p.w, strings.TrimRight(e.ShortContent(), "\n"))
	case *event.Error:
		p.failure.Fprintf(p.w, "Error: %s\n", e.Content)
	case *event.Status:
		if e.Generating {
			p.dim.Fprintln(p.w, "...")
		}
	}
}
