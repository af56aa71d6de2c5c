package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/daemon"
	"github.com/conductor-dev/conductor/internal/lock"
	"github.com/conductor-dev/conductor/internal/style"
)

var (
	daemonDebug       bool
	daemonForeground  bool
	daemonStopTimeout time.Duration
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the conductor daemon",
	Long: `Manage the long-lived daemon that owns agent sessions.

The daemon listens on a Unix socket under the state directory, restores
checkpointed sessions at startup (as detached, resumable sessions) and
checkpoints every session on shutdown.`,
	RunE: requireSubcommand,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground until SIGINT or SIGTERM.

SIGHUP re-reads settings.toml and projects.yaml. 'conductor daemon start'
launches this command detached.`,
	Args: cobra.NoArgs,
	RunE: runDaemonRun,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon gracefully",
	Long: `Send SIGTERM to the daemon and wait for it to checkpoint its sessions and
exit. After --timeout the daemon is killed.`,
	Args: cobra.NoArgs,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the daemon is running. Exits 1 when it is not.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	daemonRunCmd.Flags().BoolVar(&daemonDebug, "debug", false, "Log at debug level")
	daemonRunCmd.Flags().BoolVar(&daemonForeground, "stderr", false, "Log to stderr instead of the daemon log file")
	daemonStartCmd.Flags().BoolVar(&daemonDebug, "debug", false, "Log at debug level")
	daemonStopCmd.Flags().DurationVar(&daemonStopTimeout, "timeout", daemon.DefaultShutdownTimeout, "How long to wait before killing the daemon")

	daemonCmd.AddCommand(daemonRunCmd, daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg := daemon.DefaultConfig(statePaths().Home)
	cfg.Debug = daemonDebug
	cfg.Version = Version
	if daemonForeground {
		level := slog.LevelInfo
		if daemonDebug {
			level = slog.LevelDebug
		}
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	if err := d.Run(cmd.Context()); err != nil {
		if daemon.IsAlreadyRunning(err) {
			return fmt.Errorf("%w (see 'conductor daemon status')", err)
		}
		return err
	}
	return nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating conductor binary: %w", err)
	}
	var extra []string
	if daemonDebug {
		extra = append(extra, "--debug")
	}

	pid, err := daemon.Start(cmd.Context(), statePaths().Home, exe, extra...)
	if err != nil {
		if daemon.IsAlreadyRunning(err) {
			fmt.Printf("%s Daemon already running\n", style.WarningPrefix)
			return nil
		}
		return err
	}
	fmt.Printf("%s Daemon started (PID %d)\n", style.SuccessPrefix, pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	pid, err := daemon.Stop(statePaths().Home, daemonStopTimeout)
	if err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Printf("%s Daemon is not running\n", style.WarningPrefix)
			return nil
		}
		return err
	}
	fmt.Printf("%s Daemon stopped (PID %d)\n", style.SuccessPrefix, pid)
	return nil
}

// DaemonStatus is the JSON form of `daemon status`.
type DaemonStatus struct {
	Running    bool          `json:"running"`
	PID        int           `json:"pid,omitempty"`
	Version    string        `json:"version,omitempty"`
	SocketPath string        `json:"socketPath"`
	Lock       string        `json:"lock"`
	State      *daemon.State `json:"state,omitempty"`
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	paths := statePaths()
	cfg := daemon.DefaultConfig(paths.Home)
	c := daemonClient()

	status := DaemonStatus{
		SocketPath: c.Socket(),
		Lock:       lock.New(cfg.LockFile).Status(),
	}
	if resp, err := c.Ping(cmd.Context()); err == nil {
		status.Running = true
		status.PID = resp.PID
		status.Version = resp.Version
	}
	if st, err := daemon.LoadState(paths.Home); err == nil && !st.StartedAt.IsZero() {
		status.State = st
	}

	if flagJSON {
		if err := printJSON(status); err != nil {
			return err
		}
	} else {
		printDaemonStatus(status)
	}
	if !status.Running {
		return NewSilentExit(1)
	}
	return nil
}

func printDaemonStatus(s DaemonStatus) {
	if !s.Running {
		fmt.Printf("%s Daemon is %s\n", style.ErrorPrefix, style.Bold.Render("not running"))
		if s.State != nil && !s.State.StoppedAt.IsZero() {
			fmt.Printf("  Last stopped: %s\n", s.State.StoppedAt.Format(time.RFC3339))
		}
		fmt.Printf("  %s\n", style.Dim.Render("Start with: conductor daemon start"))
		return
	}

	fmt.Printf("%s Daemon is %s (PID %d)\n", style.SuccessPrefix, style.Bold.Render("running"), s.PID)
	fmt.Printf("  Socket:   %s\n", s.SocketPath)
	if s.Version != "" {
		fmt.Printf("  Version:  %s\n", s.Version)
	}
	if s.State != nil {
		fmt.Printf("  Started:  %s\n", s.State.StartedAt.Format(time.RFC3339))
		if s.State.Restored > 0 {
			fmt.Printf("  Restored: %d sessions\n", s.State.Restored)
		}
	}
	fmt.Printf("  Lock:     %s\n", s.Lock)
}
