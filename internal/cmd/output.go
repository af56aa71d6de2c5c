package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/activity"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/session"
	"github.com/conductor-dev/conductor/internal/style"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonFailure prints an error response for scripts and exits with the
// code matching err, without a human-readable message on stderr.
func jsonFailure(resp *protocol.Response, err error) error {
	if perr := printJSON(resp); perr != nil {
		return perr
	}
	return NewSilentExit(exitCode(err))
}

// printDelivery reports where a message went.
func printDelivery(resp *protocol.Response) {
	verb := "Sent to"
	if resp.Created {
		verb = "Created"
	}
	fmt.Printf("%s %s %s", style.SuccessPrefix, verb, style.Bold.Render(resp.TargetSessionID))
	if resp.Tier != "" {
		fmt.Printf(" %s", style.Dim.Render("("+resp.Tier+")"))
	}
	fmt.Println()
	if resp.Reason != "" {
		fmt.Printf("  %s\n", style.Dim.Render(resp.Reason))
	}
}

func printWorkers(workers []protocol.Worker) {
	if len(workers) == 0 {
		fmt.Println(style.Dim.Render("No sessions."))
		return
	}
	tbl := style.NewTable(
		style.Column{Name: "SESSION", Width: 24},
		style.Column{Name: "STATE", Width: 9},
		style.Column{Name: "REPO", Width: 14},
		style.Column{Name: "TASK", Width: 28},
		style.Column{Name: "STEP", Width: 16},
		style.Column{Name: "ACTIVE", Width: 8, Align: style.AlignRight},
	)
	for _, w := range workers {
		step := w.CurrentStep
		if w.Progress != "" {
			step = strings.TrimSpace(step + " " + w.Progress)
		}
		tbl.AddRow(w.SessionID, style.State(w.State), w.Repo, w.Task, step, activity.FormatAge(time.Since(w.LastActive)))
	}
	fmt.Print(tbl.Render())

	for _, w := range workers {
		if w.Activity != "" {
			fmt.Printf("  %s %s\n", style.Dim.Render(w.SessionID+":"), w.Activity)
		}
	}
}

func printSession(s *session.Session) {
	fmt.Printf("%s %s\n", style.Bold.Render(s.ID), style.Dim.Render("("+string(s.Role)+")"))
	fmt.Printf("  Repo:    %s %s\n", s.Repo, style.Dim.Render(s.RepoPath))
	if s.Task.Name != "" {
		fmt.Printf("  Task:    %s", s.Task.Name)
		if s.Task.ID != "" {
			fmt.Printf(" %s", style.Dim.Render("["+s.Task.ID+"]"))
		}
		fmt.Println()
	}
	if s.Task.Description != "" {
		fmt.Printf("  About:   %s\n", s.Task.Description)
	}
	fmt.Printf("  Active:  %s ago\n", activity.FormatAge(time.Since(s.LastActive)))
	if s.Git != nil {
		if s.Git.Branch != "" {
			fmt.Printf("  Branch:  %s", s.Git.Branch)
			if s.Git.LastCommit != "" {
				fmt.Printf(" @ %s", shortCommit(s.Git.LastCommit))
			}
			fmt.Println()
		}
		if n := len(s.Git.ModifiedFiles); n > 0 {
			fmt.Printf("  Changes: %d modified files\n", n)
		}
	}
	printSteps(s)
}

func printSteps(s *session.Session) {
	if len(s.Steps) == 0 {
		return
	}
	done, total := s.Progress()
	fmt.Printf("  Steps:   %s\n", style.ProgressBar(done*100/total, 20))
	for _, st := range s.Steps {
		marker := stepMarker(st.Status)
		line := fmt.Sprintf("    %s %s %s", marker, style.Dim.Render(st.ID), st.Name)
		if st.ID == s.CurrentStep {
			line += " " + style.Info.Render("← current")
		} else if st.ID == s.NextStep {
			line += " " + style.Dim.Render("← next")
		}
		if st.BlockedReason != "" && st.Status == session.StatusBlocked {
			line += " " + style.Warning.Render("("+st.BlockedReason+")")
		}
		fmt.Println(line)
	}
}

func stepMarker(status session.StepStatus) string {
	switch status {
	case session.StatusCompleted:
		return style.Success.Render("✓")
	case session.StatusInProgress:
		return style.Warning.Render("⧖")
	case session.StatusBlocked:
		return style.Error.Render("◌")
	default:
		return style.Dim.Render("○")
	}
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

// printJSONLine writes v as one compact line, for streams.
func printJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
