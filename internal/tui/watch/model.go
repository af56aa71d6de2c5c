// Package watch is the live terminal view behind `conductor watch`: a
// session panel refreshed from list-workers and a feed of daemon events.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/conductor-dev/conductor/internal/protocol"
)

// Panel represents which panel has focus.
type Panel int

const (
	PanelSessions Panel = iota
	PanelFeed
)

const (
	maxEvents       = 1000
	refreshInterval = 5 * time.Second
)

// WorkerFetcher loads the current worker list.
type WorkerFetcher func(ctx context.Context) ([]protocol.Worker, error)

// Model is the bubbletea model for the watch TUI.
type Model struct {
	width  int
	height int

	focusedPanel     Panel
	sessionsViewport viewport.Model
	feedViewport     viewport.Model

	workers    []protocol.Worker
	fetchErr   error
	events     []protocol.Event
	sessionID  string
	follow     bool
	disconnect bool

	keys     KeyMap
	help     help.Model
	showHelp bool

	eventChan <-chan protocol.Event
	fetch     WorkerFetcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewModel creates a watch model reading events from ch. fetch may be nil;
// sessionID narrows the title to the one session being watched.
func NewModel(ch <-chan protocol.Event, fetch WorkerFetcher, sessionID string) *Model {
	h := help.New()
	h.ShowAll = false

	return &Model{
		focusedPanel:     PanelFeed,
		sessionsViewport: viewport.New(0, 0),
		feedViewport:     viewport.New(0, 0),
		events:           make([]protocol.Event, 0, 64),
		sessionID:        sessionID,
		follow:           true,
		keys:             DefaultKeyMap(),
		help:             h,
		eventChan:        ch,
		fetch:            fetch,
		done:             make(chan struct{}),
	}
}

// eventMsg is sent when a new event arrives.
type eventMsg protocol.Event

// disconnectedMsg is sent when the event channel closes.
type disconnectedMsg struct{}

// workersMsg carries a refreshed worker list.
type workersMsg struct {
	workers []protocol.Worker
	err     error
}

// refreshTickMsg schedules the next worker refresh.
type refreshTickMsg time.Time

// Init starts listening and loads the first worker list.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.listenForEvents(),
		m.fetchWorkers(),
		tea.SetWindowTitle("conductor watch"),
	)
}

func (m *Model) listenForEvents() tea.Cmd {
	if m.eventChan == nil {
		return nil
	}
	eventChan := m.eventChan
	done := m.done
	return func() tea.Msg {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return disconnectedMsg{}
			}
			return eventMsg(event)
		case <-done:
			return nil
		}
	}
}

func (m *Model) fetchWorkers() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		workers, err := fetch(ctx)
		return workersMsg{workers: workers, err: err}
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshTickMsg(t)
	})
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateViewportSizes()

	case eventMsg:
		m.addEvent(protocol.Event(msg))
		cmds = append(cmds, m.listenForEvents())
		// Session lifecycle changes show up in the panel without waiting
		// for the next tick.
		if msg.Kind != protocol.EventToolUse {
			cmds = append(cmds, m.fetchWorkers())
		}

	case disconnectedMsg:
		m.disconnect = true
		m.updateViewContent()

	case workersMsg:
		m.workers, m.fetchErr = msg.workers, msg.err
		m.updateViewContent()
		cmds = append(cmds, refreshTick())

	case refreshTickMsg:
		cmds = append(cmds, m.fetchWorkers())
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.closeOnce.Do(func() { close(m.done) })
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		m.updateViewportSizes()
		return m, nil

	case key.Matches(msg, m.keys.Tab):
		if m.focusedPanel == PanelSessions {
			m.focusedPanel = PanelFeed
		} else {
			m.focusedPanel = PanelSessions
		}
		return m, nil

	case key.Matches(msg, m.keys.FocusSessions):
		m.focusedPanel = PanelSessions
		return m, nil

	case key.Matches(msg, m.keys.FocusFeed):
		m.focusedPanel = PanelFeed
		return m, nil

	case key.Matches(msg, m.keys.Follow):
		m.follow = !m.follow
		if m.follow {
			m.feedViewport.GotoBottom()
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchWorkers()
	}

	var cmd tea.Cmd
	switch m.focusedPanel {
	case PanelSessions:
		m.sessionsViewport, cmd = m.sessionsViewport.Update(msg)
	case PanelFeed:
		m.feedViewport, cmd = m.feedViewport.Update(msg)
		// Scrolling up pauses follow; reaching the bottom resumes it.
		m.follow = m.feedViewport.AtBottom()
	}
	return m, cmd
}

func (m *Model) updateViewportSizes() {
	headerHeight := 1
	statusHeight := 1
	helpHeight := 1
	if m.showHelp {
		helpHeight = 5
	}
	borderHeight := 4

	available := m.height - headerHeight - statusHeight - helpHeight - borderHeight
	if available < 4 {
		available = 4
	}

	sessionsHeight := available * 35 / 100
	if sessionsHeight < 2 {
		sessionsHeight = 2
	}
	feedHeight := available - sessionsHeight
	if feedHeight < 2 {
		feedHeight = 2
	}

	contentWidth := m.width - 4
	if contentWidth < 20 {
		contentWidth = 20
	}

	m.sessionsViewport.Width = contentWidth
	m.sessionsViewport.Height = sessionsHeight
	m.feedViewport.Width = contentWidth
	m.feedViewport.Height = feedHeight

	m.updateViewContent()
}

func (m *Model) updateViewContent() {
	m.sessionsViewport.SetContent(m.renderSessions())
	m.feedViewport.SetContent(m.renderFeed())
	if m.follow {
		m.feedViewport.GotoBottom()
	}
}

// addEvent appends an event, folding repeated tool uses of the same target
// by the same session within two seconds.
func (m *Model) addEvent(e protocol.Event) {
	if e.Kind == protocol.EventToolUse && e.Tool != nil && len(m.events) > 0 {
		last := m.events[len(m.events)-1]
		if last.Kind == e.Kind && last.SessionID == e.SessionID && last.Tool != nil &&
			last.Tool.Payload.Tool == e.Tool.Payload.Tool &&
			last.Tool.Payload.Target == e.Tool.Payload.Target &&
			e.Time.Sub(last.Time) < 2*time.Second {
			return
		}
	}

	m.events = append(m.events, e)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.updateViewContent()
}

// View renders the TUI.
func (m *Model) View() string {
	return m.render()
}
