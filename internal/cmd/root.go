// Package cmd implements the conductor command line. `conductor daemon run`
// is the long-lived daemon; every other command is a short-lived client of
// its socket.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/client"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/style"
)

// Command groups.
const (
	GroupWork     = "work"
	GroupProjects = "projects"
	GroupServices = "services"
	GroupDiag     = "diag"
)

var (
	flagHome string
	flagJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Route messages to coding-agent sessions",
	Long: `conductor runs a local daemon that owns one coding-agent subprocess per
session, routes free-text messages to the best-matching session, and relays
tool activity from agent hooks to live subscribers.

Start the daemon with 'conductor daemon start', then talk to it:
  conductor create-worker --repo web --path ~/src/web --task "fix login"
  conductor route web "also add a test for the redirect"
  conductor list-workers`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupWork, Title: "Sessions:"},
		&cobra.Group{ID: GroupProjects, Title: "Projects:"},
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "State directory (default $"+config.HomeEnv+" or ~/.conductor)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	if code, ok := IsSilentExit(err); ok {
		return code
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
	return exitCode(err)
}

// statePaths resolves the state directory from --home or the environment.
func statePaths() config.Paths {
	if flagHome != "" {
		return config.NewPaths(flagHome)
	}
	return config.DefaultPaths()
}

// daemonClient returns a client for the daemon under the state directory.
func daemonClient() *client.Client {
	return client.New(statePaths())
}

// daemonLive reports whether a daemon answers ping.
func daemonLive(ctx context.Context) bool {
	return daemonClient().Running(ctx)
}

// requireDaemon fails with an actionable message when no daemon answers.
func requireDaemon(ctx context.Context) (*client.Client, error) {
	c := daemonClient()
	if !c.Running(ctx) {
		return nil, fmt.Errorf("%w: no daemon at %s (start one with 'conductor daemon start')", errs.ErrUnreachable, c.Socket())
	}
	return c, nil
}

// commandContext bounds a request/response command.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), client.DefaultRequestTimeout+5*time.Second)
}
