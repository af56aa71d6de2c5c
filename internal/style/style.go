// Package style provides consistent terminal styling using Lipgloss.
// Colors are disabled when stdout is not a terminal or NO_COLOR is set.
package style

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.TrueColor)
	} else {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Ayu palette, adaptive to light and dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

// Icons.
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

var (
	// Success style for positive outcomes (green)
	Success = lipgloss.NewStyle().
		Foreground(ColorPass).
		Bold(true)

	// Warning style for cautionary messages (yellow)
	Warning = lipgloss.NewStyle().
		Foreground(ColorWarn).
		Bold(true)

	// Error style for failures (red)
	Error = lipgloss.NewStyle().
		Foreground(ColorFail).
		Bold(true)

	// Info style for informational messages (blue)
	Info = lipgloss.NewStyle().
		Foreground(ColorAccent)

	// Dim style for secondary information (gray)
	Dim = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Bold style for emphasis
	Bold = lipgloss.NewStyle().
		Bold(true)

	// SuccessPrefix is the checkmark prefix for success messages
	SuccessPrefix = Success.Render(IconPass)

	// WarningPrefix is the warning prefix
	WarningPrefix = Warning.Render(IconWarn)

	// ErrorPrefix is the error prefix
	ErrorPrefix = Error.Render(IconFail)

	// ArrowPrefix for action indicators
	ArrowPrefix = Info.Render("→")
)

// warnOut receives PrintWarning output.
var warnOut io.Writer = os.Stderr

// PrintWarning writes a formatted warning to stderr, keeping stdout clean
// for --json output.
func PrintWarning(format string, args ...interface{}) {
	fmt.Fprintf(warnOut, "%s %s\n", Warning.Render(IconWarn+" Warning:"), fmt.Sprintf(format, args...))
}

// IsTerminal reports whether stdout is a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor follows the NO_COLOR, CLICOLOR and CLICOLOR_FORCE
// conventions, defaulting to color only on a TTY.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if _, ok := os.LookupEnv("CLICOLOR_FORCE"); ok {
		return true
	}
	return IsTerminal()
}

// State renders a worker state (running, detached, exited) in its color.
func State(state string) string {
	switch state {
	case "running":
		return Success.Render(state)
	case "detached":
		return Warning.Render(state)
	case "exited":
		return Dim.Render(state)
	default:
		return state
	}
}

// ProjectStatus renders a project status in its color.
func ProjectStatus(status string) string {
	switch status {
	case "active":
		return Success.Render(status)
	case "paused":
		return Warning.Render(status)
	default:
		return Dim.Render(status)
	}
}
