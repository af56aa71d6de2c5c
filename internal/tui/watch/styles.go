package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(style.ColorAccent).
			Padding(0, 1)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(style.ColorMuted).
			Padding(0, 1)

	FocusedPanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(style.ColorAccent).
				Padding(0, 1)

	TimestampStyle = lipgloss.NewStyle().
			Foreground(style.ColorMuted)

	SessionStyle = lipgloss.NewStyle().
			Foreground(style.ColorAccent)

	ApprovalStyle = lipgloss.NewStyle().
			Foreground(style.ColorWarn).
			Bold(true)

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(style.ColorMuted).
			Padding(0, 1)

	// EventSymbols marks each event kind in the feed.
	EventSymbols = map[string]string{
		protocol.EventToolUse:        "·",
		protocol.EventSessionCreated: "+",
		protocol.EventSessionUpdated: "→",
		protocol.EventSessionExited:  "⏹",
		protocol.EventSessionClosed:  "⊘",
		protocol.EventMessageRouted:  "✉",
		protocol.EventCheckpoint:     "✓",
		protocol.EventProjects:       "◆",
	}

	eventStyles = map[string]lipgloss.Style{
		protocol.EventSessionCreated: style.Success,
		protocol.EventSessionExited:  style.Warning,
		protocol.EventSessionClosed:  style.Dim,
		protocol.EventCheckpoint:     style.Success,
		protocol.EventMessageRouted:  style.Info,
	}
)
