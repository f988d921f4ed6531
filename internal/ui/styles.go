// Package ui holds terminal styling shared by the offcache commands.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0B63C4", Dark: "#5FAFFF"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#56D364"}).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#E3B341"}).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"})
	labelStyle  = lipgloss.NewStyle().Width(14)
)

func init() {
	ConfigureColor(os.Stdout)
}

// ConfigureColor picks the color profile for output written to f. Pipes,
// redirects and NO_COLOR get plain text.
func ConfigureColor(f *os.File) {
	if !IsTerminal(f) || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderAccent highlights headings and progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted dims secondary details.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// Field renders an aligned "label value" status line.
func Field(label string, value any) string {
	return labelStyle.Render(label+":") + " " + fmt.Sprint(value)
}
