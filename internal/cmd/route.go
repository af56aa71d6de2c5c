package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

var routeCmd = &cobra.Command{
	Use:     "route <query> [message...]",
	GroupID: GroupWork,
	Short:   "Send a message to the session that best matches a query",
	Long: `Route a free-text message to the best-matching session.

The query is matched against session repos, task ids and names, step ids
and repo paths, most specific first; ties go to the most recently active
session. When nothing matches, a project name or alias starts (or reuses)
a worker in that project. Otherwise the command fails with suggestions.

The message is taken from the remaining arguments, or from stdin when
none are given.

Examples:
  conductor route web "the login redirect is still broken"
  conductor route auth-fix < notes.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

var dispatchCmd = &cobra.Command{
	Use:     "dispatch <session-id> [message...]",
	GroupID: GroupWork,
	Short:   "Send a message to a session by exact id",
	Long: `Deliver a message to one session by id. A detached session (restored from
a checkpoint) is resumed first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(routeCmd, dispatchCmd)
}

// messageArg joins args, or reads stdin when there are none.
func messageArg(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, protocol.MaxLineBytes))
	if err != nil {
		return "", fmt.Errorf("reading message from stdin: %w", err)
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "", errs.Invalidf("message is empty")
	}
	return msg, nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	msg, err := messageArg(args[1:], os.Stdin)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, &protocol.Route{Query: args[0], Message: msg})
	if err != nil {
		if resp != nil && flagJSON {
			return jsonFailure(resp, err)
		}
		if errors.Is(err, errs.ErrNoMatch) && resp != nil {
			fmt.Print(style.SuggestionBox(fmt.Sprintf("No session matches %q", args[0]), resp.Suggestions,
				"See sessions with 'conductor list-workers' or start one with 'conductor create-worker'"))
			return NewSilentExit(ExitNoMatch)
		}
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}
	printDelivery(resp)
	return nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	msg, err := messageArg(args[1:], os.Stdin)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, &protocol.Dispatch{SessionID: args[0], Message: msg})
	if err != nil {
		if resp != nil && flagJSON {
			return jsonFailure(resp, err)
		}
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}
	printDelivery(resp)
	return nil
}
