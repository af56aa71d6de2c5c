package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

func (m *Model) render() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := "conductor watch"
	if m.sessionID != "" {
		title += " · " + m.sessionID
	}
	header := HeaderStyle.Render(title)

	sessionsPanel, feedPanel := PanelStyle, PanelStyle
	if m.focusedPanel == PanelSessions {
		sessionsPanel = FocusedPanelStyle
	} else {
		feedPanel = FocusedPanelStyle
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		header,
		sessionsPanel.Width(m.width-2).Render(m.sessionsViewport.View()),
		feedPanel.Width(m.width-2).Render(m.feedViewport.View()),
		m.renderStatusBar(),
		m.help.View(m.keys),
	)
	return body
}

func (m *Model) renderStatusBar() string {
	parts := []string{fmt.Sprintf("%d sessions", len(m.workers)), fmt.Sprintf("%d events", len(m.events))}
	if m.follow {
		parts = append(parts, "following")
	} else {
		parts = append(parts, "paused")
	}
	if m.disconnect {
		parts = append(parts, style.Error.Render("daemon disconnected"))
	}
	return StatusBarStyle.Width(m.width).Render(strings.Join(parts, " · "))
}

func (m *Model) renderSessions() string {
	if m.fetchErr != nil {
		return style.Error.Render("list-workers failed: " + m.fetchErr.Error())
	}
	if len(m.workers) == 0 {
		return style.Dim.Render("no sessions")
	}

	var sb strings.Builder
	for _, w := range m.workers {
		line := fmt.Sprintf("%s %s %s", SessionStyle.Render(w.SessionID), style.State(w.State), w.Task)
		if w.Progress != "" {
			line += style.Dim.Render(" [" + w.Progress + "]")
		}
		if w.CurrentStep != "" {
			line += " " + style.Info.Render("▸ "+w.CurrentStep)
		}
		if w.Activity != "" {
			line += style.Dim.Render("  " + truncate(w.Activity, 60))
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m *Model) renderFeed() string {
	if len(m.events) == 0 {
		return style.Dim.Render("waiting for events...")
	}
	var sb strings.Builder
	for _, e := range m.events {
		sb.WriteString(formatEvent(e))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatEvent renders one feed line.
func formatEvent(e protocol.Event) string {
	symbol := EventSymbols[e.Kind]
	if symbol == "" {
		symbol = "•"
	}
	if s, ok := eventStyles[e.Kind]; ok {
		symbol = s.Render(symbol)
	}

	ts := TimestampStyle.Render(e.Time.Local().Format("15:04:05"))
	var who string
	if e.SessionID != "" {
		who = SessionStyle.Render(e.SessionID) + " "
	}
	return fmt.Sprintf("%s %s %s%s", ts, symbol, who, describe(e))
}

func describe(e protocol.Event) string {
	if e.Kind == protocol.EventToolUse && e.Tool != nil {
		p := e.Tool.Payload
		text := p.Tool
		if p.Target != "" {
			text += " " + truncate(p.Target, 80)
		}
		if p.NeedsApproval {
			text += " " + ApprovalStyle.Render("needs approval")
		}
		return text
	}
	if e.Summary != "" {
		return e.Summary
	}
	return strings.ReplaceAll(e.Kind, "_", " ")
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// FormatLine renders one event as a single plain feed line, for output
// that is not a terminal.
func FormatLine(e protocol.Event) string {
	return formatEvent(e)
}
