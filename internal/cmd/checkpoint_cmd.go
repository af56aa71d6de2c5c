package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

// staleCheckpoint marks checkpoints old enough to flag in listings.
const staleCheckpoint = 24 * time.Hour

var (
	checkpointNotes string
	checkpointAll   bool
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	GroupID: GroupDiag,
	Short:   "Manage session checkpoints for crash recovery",
	Long: `Manage the checkpoints the daemon restores sessions from.

A checkpoint captures a session's task, steps and git state. It is written
only on explicit save, on close --checkpoint, and for every session when
the daemon shuts down. At startup the daemon restores each checkpoint as a
detached session that 'conductor resume' or a routed message revives.

Checkpoints are YAML files under $CONDUCTOR_HOME/checkpoints.`,
	RunE: requireSubcommand,
}

var checkpointSaveCmd = &cobra.Command{
	Use:   "save <session-id>",
	Short: "Write a checkpoint of a session",
	Long: `Capture the session's current state to its checkpoint file.

With a daemon running the daemon writes the live state. Without one the
existing checkpoint is refreshed with the current git state and notes.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointSave,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Display a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear [session-id]",
	Short: "Remove checkpoints",
	Long: `Remove one session's checkpoint, or every checkpoint with --all. Cleared
sessions are not restored on the next daemon start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckpointClear,
}

func init() {
	checkpointSaveCmd.Flags().StringVar(&checkpointNotes, "notes", "", "Add notes to the checkpoint")
	checkpointClearCmd.Flags().BoolVar(&checkpointAll, "all", false, "Remove every checkpoint")

	checkpointCmd.AddCommand(checkpointSaveCmd, checkpointShowCmd, checkpointListCmd, checkpointClearCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func checkpointStore() *checkpoint.Store {
	return checkpoint.NewStore(statePaths().Checkpoints())
}

func runCheckpointSave(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var info *protocol.CheckpointInfo
	if daemonLive(ctx) {
		resp, err := daemonClient().Do(ctx, &protocol.CheckpointSave{SessionID: args[0], Notes: checkpointNotes})
		if err != nil {
			return err
		}
		info = resp.Checkpoint
	} else {
		cp, err := saveOffline(cmd, args[0], checkpointNotes)
		if err != nil {
			return err
		}
		info = &protocol.CheckpointInfo{
			SessionID: cp.ID,
			Path:      checkpointStore().Path(cp.ID),
			SavedAt:   cp.SavedAt,
			Summary:   cp.Summary(),
		}
	}

	if flagJSON {
		return printJSON(info)
	}
	fmt.Printf("%s Checkpoint saved\n", style.SuccessPrefix)
	if info != nil {
		fmt.Printf("  %s\n", style.Dim.Render(info.Path))
		if info.Summary != "" {
			fmt.Printf("  %s\n", info.Summary)
		}
	}
	return nil
}

// saveOffline refreshes an existing checkpoint without a daemon. There is
// no live session to snapshot, so a missing checkpoint is an error.
func saveOffline(cmd *cobra.Command, id, notes string) (*checkpoint.Checkpoint, error) {
	store := checkpointStore()
	cp, err := store.Load(id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errs.NotFoundf("checkpoint for %s (no daemon running to snapshot a live session)", id)
	}
	cp.WithGit(cmd.Context())
	if notes != "" {
		cp.WithNotes(notes)
	}
	cp.SavedAt = time.Time{}
	cp.SavedBy = ""
	if err := store.Save(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	cp, err := checkpointStore().Load(args[0])
	if err != nil {
		return err
	}
	if cp == nil {
		return errs.NotFoundf("checkpoint for %s", args[0])
	}
	if flagJSON {
		return printJSON(cp)
	}

	age := cp.Age().Round(time.Minute)
	fmt.Printf("%s %s\n", style.Bold.Render("Checkpoint"), style.Dim.Render(fmt.Sprintf("(%s ago, by %s)", age, cp.SavedBy)))
	if cp.IsStale(staleCheckpoint) {
		fmt.Printf("%s checkpoint is older than %s\n", style.WarningPrefix, staleCheckpoint)
	}
	fmt.Println()
	printSession(&cp.Session)
	if cp.Notes != "" {
		fmt.Printf("  Notes:   %s\n", cp.Notes)
	}
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	cps, err := checkpointStore().List()
	if err != nil && len(cps) == 0 {
		return err
	}
	if err != nil {
		style.PrintWarning("%v", err)
	}

	if flagJSON {
		if cps == nil {
			cps = []*checkpoint.Checkpoint{}
		}
		return printJSON(cps)
	}
	if len(cps) == 0 {
		fmt.Println(style.Dim.Render("No checkpoints."))
		return nil
	}
	tbl := style.NewTable(
		style.Column{Name: "SESSION", Width: 24},
		style.Column{Name: "REPO", Width: 14},
		style.Column{Name: "TASK", Width: 28},
		style.Column{Name: "STEPS", Width: 6, Align: style.AlignRight},
		style.Column{Name: "SAVED", Width: 10, Align: style.AlignRight},
	)
	for _, cp := range cps {
		done, total := cp.Progress()
		saved := cp.Age().Round(time.Minute).String()
		if cp.IsStale(staleCheckpoint) {
			saved = style.Warning.Render(saved)
		}
		tbl.AddRow(cp.ID, cp.Repo, cp.Task.Name, fmt.Sprintf("%d/%d", done, total), saved)
	}
	fmt.Print(tbl.Render())
	return nil
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	store := checkpointStore()
	switch {
	case checkpointAll && len(args) == 0:
		n, err := store.Clear()
		if err != nil {
			return err
		}
		fmt.Printf("%s Removed %d checkpoints\n", style.SuccessPrefix, n)
	case !checkpointAll && len(args) == 1:
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Removed checkpoint for %s\n", style.SuccessPrefix, args[0])
	default:
		return errs.Invalidf("give a session id or --all")
	}
	return nil
}
