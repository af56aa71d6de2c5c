package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/session"
	"github.com/conductor-dev/conductor/internal/style"
)

var (
	stepDependsOn []string
	stepOutcome   string
	stepReason    string
	stepNotes     string
	stepFiles     []string
)

var stepCmd = &cobra.Command{
	Use:     "step",
	GroupID: GroupWork,
	Short:   "Track progress through a session's task steps",
	Long: `Record step progress for a session. Agents call these from their hooks or
prompts; the state is what the recovery prompt is built from after a
restart.

Examples:
  conductor step add web-1a2b "write failing test"
  conductor step start web-1a2b s1
  conductor step complete web-1a2b s1 --outcome "test reproduces bug" --file auth_test.go
  conductor step block web-1a2b s2 --reason "waiting on API key"`,
	RunE: requireSubcommand,
}

var stepAddCmd = &cobra.Command{
	Use:   "add <session-id> <name...>",
	Short: "Append a pending step",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStep(cmd, &protocol.Step{
			SessionID: args[0],
			Action:    protocol.StepAdd,
			Name:      strings.Join(args[1:], " "),
			DependsOn: stepDependsOn,
		})
	},
}

var stepStartCmd = &cobra.Command{
	Use:   "start <session-id> <step-id>",
	Short: "Mark a step in progress",
	Args:  cobra.ExactArgs(2),
	RunE:  stepAction(protocol.StepStart),
}

var stepCompleteCmd = &cobra.Command{
	Use:   "complete <session-id> <step-id>",
	Short: "Mark a step completed",
	Args:  cobra.ExactArgs(2),
	RunE:  stepAction(protocol.StepComplete),
}

var stepBlockCmd = &cobra.Command{
	Use:   "block <session-id> <step-id>",
	Short: "Mark a step blocked",
	Args:  cobra.ExactArgs(2),
	RunE:  stepAction(protocol.StepBlock),
}

var stepUnblockCmd = &cobra.Command{
	Use:   "unblock <session-id> <step-id>",
	Short: "Return a blocked step to pending",
	Args:  cobra.ExactArgs(2),
	RunE:  stepAction(protocol.StepUnblock),
}

var stepRecoverCmd = &cobra.Command{
	Use:   "recover <session-id> <step-id> <pending|in_progress|completed|blocked>",
	Short: "Force a step's status",
	Long: `Set a step's status without the usual transition checks. Use it to repair
step state after a crash left it inconsistent.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := session.StepStatus(args[2])
		if !status.Valid() {
			return fmt.Errorf("unknown step status %q", args[2])
		}
		return runStep(cmd, &protocol.Step{
			SessionID: args[0],
			Action:    protocol.StepRecover,
			StepID:    args[1],
			Status:    string(status),
			Notes:     stepNotes,
		})
	},
}

var stepNoteCmd = &cobra.Command{
	Use:   "note <session-id> <step-id>",
	Short: "Attach notes or touched files to a step",
	Args:  cobra.ExactArgs(2),
	RunE:  stepAction(protocol.StepNote),
}

func init() {
	stepAddCmd.Flags().StringSliceVar(&stepDependsOn, "depends-on", nil, "Step ids this step depends on")
	stepCompleteCmd.Flags().StringVar(&stepOutcome, "outcome", "", "What the step produced")
	stepCompleteCmd.Flags().StringSliceVar(&stepFiles, "file", nil, "Files changed (repeatable)")
	stepBlockCmd.Flags().StringVar(&stepReason, "reason", "", "Why the step is blocked")
	stepRecoverCmd.Flags().StringVar(&stepNotes, "notes", "", "Recovery note")
	stepNoteCmd.Flags().StringVar(&stepNotes, "notes", "", "Notes to append")
	stepNoteCmd.Flags().StringSliceVar(&stepFiles, "file", nil, "Files touched (repeatable)")

	stepCmd.AddCommand(stepAddCmd, stepStartCmd, stepCompleteCmd, stepBlockCmd,
		stepUnblockCmd, stepRecoverCmd, stepNoteCmd)
	rootCmd.AddCommand(stepCmd)
}

// stepAction builds the RunE for the <session-id> <step-id> subcommands.
func stepAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runStep(cmd, &protocol.Step{
			SessionID: args[0],
			Action:    action,
			StepID:    args[1],
			Outcome:   stepOutcome,
			Reason:    stepReason,
			Notes:     stepNotes,
			Files:     stepFiles,
		})
	}
}

func runStep(cmd *cobra.Command, req *protocol.Step) error {
	if err := req.Validate(); err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}

	fmt.Printf("%s %s %s\n", style.SuccessPrefix, req.Action, style.Bold.Render(resp.Reason))
	if resp.Session != nil {
		printSteps(resp.Session)
	}
	return nil
}
