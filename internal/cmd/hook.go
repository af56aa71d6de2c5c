package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/hook"
)

var hookCmd = &cobra.Command{
	Use:     "hook",
	GroupID: GroupServices,
	Short:   "Forward an agent tool hook to the daemon (reads stdin)",
	Long: `Read one tool hook payload from stdin and forward it to the daemon as a
fire-and-forget tool_use event.

Configure it as the agent's PreToolUse hook command. It always exits 0 and
never writes to stderr, so a missing daemon never blocks the agent.`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		paths := statePaths()
		timeout := config.DefaultHookTimeout
		if s, err := config.LoadSettings(paths.Settings()); err == nil && s.HookTimeout.Duration > 0 {
			timeout = s.HookTimeout.Duration
		}
		hook.Run(os.Stdin, hook.Options{Paths: paths, Timeout: timeout})
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
}
