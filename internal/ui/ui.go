// Package ui renders CLI output: status glyphs, element status colors and
// aligned key/value blocks. Colors are disabled when stdout is not a
// terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/structura-bim/structura/internal/store/schema"
)

var (
	renderer = newRenderer(os.Stdout)

	passStyle   lipgloss.Style
	warnStyle   lipgloss.Style
	failStyle   lipgloss.Style
	accentStyle lipgloss.Style
	mutedStyle  lipgloss.Style
	keyStyle    lipgloss.Style
)

func init() {
	applyStyles()
}

// newRenderer picks the color profile for w.
func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if !colorEnabled(w) {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

func colorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func applyStyles() {
	passStyle = renderer.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle = renderer.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle = renderer.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = renderer.NewStyle().Foreground(lipgloss.Color("39"))
	mutedStyle = renderer.NewStyle().Foreground(lipgloss.Color("245"))
	keyStyle = renderer.NewStyle().Bold(true)
}

// SetOutput re-targets color detection, e.g. to a buffer in tests.
func SetOutput(w io.Writer) {
	renderer = newRenderer(w)
	applyStyles()
}

// RenderPass renders a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders an error marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders a heading or highlight.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderStatus colors an element status: closed green, partly closed
// amber, anything else plain.
func RenderStatus(status string) string {
	switch status {
	case schema.StatusFullyClosed:
		return passStyle.Render(status)
	case schema.StatusPartlyClosed:
		return warnStyle.Render(status)
	default:
		return status
	}
}

// KV renders aligned "key: value" lines.
func KV(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		if n := lipgloss.Width(p[0]); n > width {
			width = n
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		pad := strings.Repeat(" ", width-lipgloss.Width(p[0]))
		fmt.Fprintf(&b, "  %s:%s %s\n", keyStyle.Render(p[0]), pad, p[1])
	}
	return b.String()
}

// Pair builds a KV entry.
func Pair(key string, value any) [2]string {
	return [2]string{key, fmt.Sprint(value)}
}
