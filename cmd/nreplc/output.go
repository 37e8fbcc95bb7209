package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/request"
)

var (
	// dimStyle for muted metadata text
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// valueStyle for evaluation results
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	// errorStyle for exceptions and failures
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	// warnStyle for text the remote wrote to stderr
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	// symbolStyle for qualified names in lookup output
	symbolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81")).
			Bold(true)

	// docBoxStyle for docstrings
	docBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// formatPhase renders a connection status change.
func formatPhase(w io.Writer, phase client.Phase, message string) {
	glyph, style := phase.Glyph(), dimStyle
	if phase == client.PhaseClosed {
		glyph, style = "✗", errorStyle
	}
	fmt.Fprintf(w, "%s %s\n", glyph, style.Render(message))
}

// formatOutput forwards remote out/err text that belongs to no request.
func formatOutput(stdout, stderr io.Writer, stream, text string) {
	if stream == "err" {
		fmt.Fprint(stderr, warnStyle.Render(text))
		return
	}
	fmt.Fprint(stdout, text)
}

// formatResult renders one settled request.
func formatResult(w io.Writer, req request.Request, elapsed string) {
	prefix := ""
	if elapsed != "" {
		prefix = dimStyle.Render(elapsed) + " "
	}

	switch req.Status {
	case request.Success:
		fmt.Fprintln(w, prefix+valueStyle.Render(req.Value))
	case request.Exception:
		line := prefix + errorStyle.Render(req.Value)
		if loc := req.ExLoc.String(); loc != "" {
			line += " " + dimStyle.Render("at "+loc)
		}
		fmt.Fprintln(w, line)
		if req.Trace != "" {
			fmt.Fprintln(w, dimStyle.Render(strings.TrimRight(req.Trace, "\n")))
		}
	case request.Lookup:
		formatLookup(w, req.Code, req.Info)
	}
}

// formatLookup renders symbol info, or a not-found line when info is nil.
func formatLookup(w io.Writer, symbol string, info *request.LookupInfo) {
	if info == nil {
		fmt.Fprintln(w, errorStyle.Render("Not found: "+symbol))
		return
	}

	fmt.Fprintln(w, symbolStyle.Render(info.Qualified()))
	if info.Arglists != "" {
		fmt.Fprintln(w, info.Arglists)
	}
	for _, form := range info.Forms {
		fmt.Fprintln(w, form)
	}
	if info.Doc != "" {
		fmt.Fprintln(w, docBoxStyle.Render(strings.TrimSpace(info.Doc)))
	}
	if info.File != "" {
		fmt.Fprintln(w, dimStyle.Render(info.File))
	}
}
