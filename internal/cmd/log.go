package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

// Log command flags
var (
	logTail    int
	logType    string
	logSession string
	logSince   time.Duration
	logFollow  bool
	logAudit   bool
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: GroupDiag,
	Short:   "View the daemon's event log",
	Long: `View the raw event log the daemon appends to $CONDUCTOR_HOME/events.jsonl.

Feed records are what 'conductor watch' shows live: tool use, session
changes, routed messages and checkpoints. Audit records (daemon start and
stop, every request, restores, journal pruning) are hidden unless --audit
is given.

Examples:
  conductor log                    # Show last 20 events
  conductor log -n 50 --audit      # Include audit records
  conductor log --type tool_use    # Only tool use
  conductor log --session web-1a2b # One session
  conductor log --since 1h         # Events from the last hour
  conductor log -f                 # Follow the raw file`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

func init() {
	logCmd.Flags().IntVarP(&logTail, "tail", "n", 20, "Number of events to show")
	logCmd.Flags().StringVarP(&logType, "type", "t", "", "Filter by record type")
	logCmd.Flags().StringVarP(&logSession, "session", "s", "", "Filter by session id")
	logCmd.Flags().DurationVar(&logSince, "since", 0, "Show events since duration (e.g., 1h, 30m)")
	logCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logCmd.Flags().BoolVar(&logAudit, "audit", false, "Include audit-only records")

	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	log := events.New(statePaths().Events())

	if logFollow {
		return followLog(log.Path())
	}

	var (
		recs []events.Record
		err  error
	)
	if logSince > 0 {
		recs, err = log.Since(logSince)
	} else {
		recs, err = log.Tail(0)
	}
	if err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	recs = filterRecords(recs, logType, logSession, logAudit)
	if logTail > 0 && len(recs) > logTail {
		recs = recs[len(recs)-logTail:]
	}

	if flagJSON {
		if recs == nil {
			recs = []events.Record{}
		}
		return printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Printf("%s No events\n", style.Dim.Render("○"))
		return nil
	}
	for _, r := range recs {
		printRecord(r)
	}
	return nil
}

func filterRecords(recs []events.Record, recType, sessionID string, audit bool) []events.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if !audit && r.Visibility == events.VisibilityAudit {
			continue
		}
		if recType != "" && r.Type != recType {
			continue
		}
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// followLog uses tail -f to follow the log file.
func followLog(logPath string) error {
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		if err := statePaths().EnsureHome(); err != nil {
			return err
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating log file: %w", err)
		}
		_ = f.Close()
	}

	fmt.Printf("%s Following %s (Ctrl+C to stop)\n\n", style.Dim.Render("○"), logPath)

	tailCmd := exec.Command("tail", "-f", logPath)
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}

// printRecord prints a single record with styling.
func printRecord(r events.Record) {
	ts := r.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		ts = t.Local().Format("2006-01-02 15:04:05")
	}

	typeStr := "[" + r.Type + "]"
	switch {
	case r.Visibility == events.VisibilityAudit:
		typeStr = style.Dim.Render(typeStr)
	case strings.HasPrefix(r.Type, "session_"):
		typeStr = style.Success.Render(typeStr)
	case r.Type == protocol.EventMessageRouted:
		typeStr = style.Info.Render(typeStr)
	case r.Type == protocol.EventCheckpoint:
		typeStr = style.Bold.Render(typeStr)
	default:
		typeStr = style.Warning.Render(typeStr)
	}

	line := fmt.Sprintf("%s %s", style.Dim.Render(ts), typeStr)
	if r.SessionID != "" {
		line += " " + style.Bold.Render(r.SessionID)
	}
	if r.Summary != "" {
		line += " " + r.Summary
	}
	fmt.Println(line)
}
