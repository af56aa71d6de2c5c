package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

var (
	createRepo         string
	createPath         string
	createTask         string
	createDescription  string
	createTags         []string
	createMessage      string
	createOrchestrator bool

	closeCheckpoint bool
	resumeMessage   string
)

var listWorkersCmd = &cobra.Command{
	Use:     "list-workers",
	Aliases: []string{"ls", "workers"},
	GroupID: GroupWork,
	Short:   "List sessions with their task, step and recent activity",
	Long: `List every session the daemon knows about.

State is running (live subprocess), detached (restored from a checkpoint,
resumable) or exited. Without a daemon, checkpointed sessions are listed
from disk as detached.`,
	Args: cobra.NoArgs,
	RunE: runListWorkers,
}

var createWorkerCmd = &cobra.Command{
	Use:     "create-worker",
	GroupID: GroupWork,
	Short:   "Start a new agent session",
	Long: `Start a new session in a repository. A new session is always created, even
when one already serves the same repo.

Examples:
  conductor create-worker --path ~/src/web --task "fix login redirect"
  conductor create-worker --repo api --path ~/src/api --task "pagination" -m "start with /users"`,
	Args: cobra.NoArgs,
	RunE: runCreateWorker,
}

var closeCmd = &cobra.Command{
	Use:     "close <session-id>",
	GroupID: GroupWork,
	Short:   "Stop a session and forget it",
	Args:    cobra.ExactArgs(1),
	RunE:    runClose,
}

var resumeCmd = &cobra.Command{
	Use:     "resume <session-id>",
	GroupID: GroupWork,
	Short:   "Respawn the agent for a detached session",
	Long: `Resume a session restored from a checkpoint. The agent is started with a
recovery prompt summarizing the task, steps and git state. Resuming a
running session is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	createWorkerCmd.Flags().StringVar(&createRepo, "repo", "", "Repo name (default: directory name)")
	createWorkerCmd.Flags().StringVar(&createPath, "path", ".", "Repository path")
	createWorkerCmd.Flags().StringVar(&createTask, "task", "", "Task name")
	createWorkerCmd.Flags().StringVar(&createDescription, "description", "", "Task description")
	createWorkerCmd.Flags().StringSliceVar(&createTags, "tag", nil, "Task tags (repeatable)")
	createWorkerCmd.Flags().StringVarP(&createMessage, "message", "m", "", "Initial message for the agent")
	createWorkerCmd.Flags().BoolVar(&createOrchestrator, "orchestrator", false, "Create the cross-project orchestrator session")
	_ = createWorkerCmd.MarkFlagRequired("task")

	closeCmd.Flags().BoolVar(&closeCheckpoint, "checkpoint", false, "Save a checkpoint before closing")
	resumeCmd.Flags().StringVarP(&resumeMessage, "message", "m", "", "Message to deliver after resuming")

	rootCmd.AddCommand(listWorkersCmd, createWorkerCmd, closeCmd, resumeCmd)
}

func runListWorkers(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var workers []protocol.Worker
	if daemonLive(ctx) {
		resp, err := daemonClient().Do(ctx, &protocol.ListWorkers{})
		if err != nil {
			return err
		}
		workers = resp.Workers
	} else {
		var err error
		if workers, err = offlineWorkers(); err != nil {
			return err
		}
		if !flagJSON {
			fmt.Println(style.Dim.Render("Daemon not running; showing checkpointed sessions."))
		}
	}

	if flagJSON {
		if workers == nil {
			workers = []protocol.Worker{}
		}
		return printJSON(workers)
	}
	printWorkers(workers)
	return nil
}

// offlineWorkers lists checkpoints as detached workers.
func offlineWorkers() ([]protocol.Worker, error) {
	cps, err := checkpoint.NewStore(statePaths().Checkpoints()).List()
	if err != nil {
		if len(cps) == 0 {
			return nil, err
		}
		style.PrintWarning("%v", err)
	}
	workers := make([]protocol.Worker, 0, len(cps))
	for _, cp := range cps {
		w := protocol.Worker{
			SessionID:   cp.ID,
			Repo:        cp.Repo,
			RepoPath:    cp.RepoPath,
			Role:        cp.Role,
			Task:        cp.Task.Name,
			CurrentStep: cp.CurrentStep,
			NextStep:    cp.NextStep,
			State:       "detached",
			CreatedAt:   cp.CreatedAt,
			LastActive:  cp.LastActive,
		}
		if done, total := cp.Progress(); total > 0 {
			w.Progress = fmt.Sprintf("%d/%d", done, total)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func runCreateWorker(cmd *cobra.Command, args []string) error {
	path := absPath(createPath)
	repo := createRepo
	if repo == "" {
		repo = filepath.Base(path)
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, &protocol.CreateWorker{
		Repo:         repo,
		Path:         path,
		Task:         createTask,
		Description:  createDescription,
		Tags:         createTags,
		Message:      createMessage,
		Orchestrator: createOrchestrator,
	})
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
	if resp.Session != nil {
		fmt.Printf("  %s\n", style.Dim.Render(resp.Session.RepoPath))
	}
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, &protocol.CloseSession{SessionID: args[0], Checkpoint: closeCheckpoint})
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}
	fmt.Printf("%s Closed %s\n", style.SuccessPrefix, style.Bold.Render(args[0]))
	if resp.Checkpoint != nil {
		fmt.Printf("  Checkpoint: %s\n", resp.Checkpoint.Path)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c, err := requireDaemon(ctx)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, &protocol.Resume{SessionID: args[0], Message: resumeMessage})
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}
	if resp.Reason == "already running" {
		fmt.Fprintf(os.Stdout, "%s %s is already running\n", style.WarningPrefix, args[0])
		return nil
	}
	fmt.Printf("%s Resumed %s\n", style.SuccessPrefix, style.Bold.Render(args[0]))
	if resp.Session != nil {
		fmt.Printf("  %s\n", style.Dim.Render(resp.Session.Summary()))
	}
	return nil
}
