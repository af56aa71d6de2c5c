package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
	"github.com/conductor-dev/conductor/internal/tui/watch"
)

var (
	watchSession string
	watchPlain   bool
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: GroupWork,
	Short:   "Show live session activity",
	Long: `Subscribe to the daemon's event bus and show activity as it happens.

By default, launches an interactive TUI with:
  - Sessions panel (top): every worker with its state, task and step
  - Event feed (bottom): tool use, session changes and routed messages
  - j/k to scroll, tab to switch panels, f to toggle follow, q to quit

When stdout is not a terminal, or with --plain, events are printed one per
line until interrupted.

Event symbols:
  ·  tool_use          - the agent ran a tool
  +  session_created   - a new session started
  →  session_updated   - a step changed
  ✉  message_routed    - a message was delivered
  ✓  checkpoint_saved  - a checkpoint was written
  ⏹  session_exited    - the agent process ended
  ⊘  session_closed    - the session was closed
  ◆  projects_changed  - the project index changed`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchSession, "session", "s", "", "Only show events for one session")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print events as plain lines instead of the TUI")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}
	ch, err := c.Subscribe(ctx, watchSession)
	if err != nil {
		return err
	}

	if watchPlain || flagJSON || !style.IsTerminal() {
		return watchLines(ch)
	}

	fetch := func(ctx context.Context) ([]protocol.Worker, error) {
		resp, err := c.Do(ctx, &protocol.ListWorkers{})
		if err != nil {
			return nil, err
		}
		return resp.Workers, nil
	}
	p := tea.NewProgram(watch.NewModel(ch, fetch, watchSession), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running watch: %w", err)
	}
	return nil
}

// watchLines prints events until the stream ends.
func watchLines(ch <-chan protocol.Event) error {
	for ev := range ch {
		if flagJSON {
			if err := printJSONLine(ev); err != nil {
				return err
			}
			continue
		}
		fmt.Println(watch.FormatLine(ev))
	}
	return nil
}
