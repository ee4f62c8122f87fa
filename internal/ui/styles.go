// Package ui renders styled terminal output for the todosync CLI.
package ui

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#9ece6a"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#b26a00", Dark: "#e0af68"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#f7768e"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#7aa2f7"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#565f89"}
)

var (
	mu       sync.RWMutex
	renderer = newRenderer(os.Stdout)
	styles   = buildStyles(renderer)
)

type styleSet struct {
	pass, warn, fail, accent, muted, bold lipgloss.Style
}

// newRenderer honours NO_COLOR and CLICOLOR_FORCE and drops colour when w is
// not a terminal.
func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	return r
}

func buildStyles(r *lipgloss.Renderer) styleSet {
	return styleSet{
		pass:   r.NewStyle().Foreground(ColorPass).Bold(true),
		warn:   r.NewStyle().Foreground(ColorWarn).Bold(true),
		fail:   r.NewStyle().Foreground(ColorFail).Bold(true),
		accent: r.NewStyle().Foreground(ColorAccent),
		muted:  r.NewStyle().Foreground(ColorMuted),
		bold:   r.NewStyle().Bold(true),
	}
}

// SetOutput re-detects the colour profile for w. Call it when output is
// redirected.
func SetOutput(w io.Writer) {
	r := newRenderer(w)
	mu.Lock()
	renderer = r
	styles = buildStyles(r)
	mu.Unlock()
}

func current() styleSet {
	mu.RLock()
	defer mu.RUnlock()
	return styles
}

// ColorEnabled reports whether output carries ANSI colours.
func ColorEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return renderer.ColorProfile() != termenv.Ascii
}

func RenderPass(s string) string   { return current().pass.Render(s) }
func RenderWarn(s string) string   { return current().warn.Render(s) }
func RenderFail(s string) string   { return current().fail.Render(s) }
func RenderAccent(s string) string { return current().accent.Render(s) }
func RenderMuted(s string) string  { return current().muted.Render(s) }
func RenderBold(s string) string   { return current().bold.Render(s) }
