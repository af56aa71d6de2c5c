package session

import (
	"context"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/util"
)

// gitTimeout bounds all probes of one capture.
const gitTimeout = 5 * time.Second

// CaptureGit snapshots branch, HEAD and modified files for dir.
// Each probe is best-effort; a directory that is not a git repository
// yields an empty snapshot rather than an error.
func CaptureGit(ctx context.Context, dir string) *GitState {
	gs := &GitState{CapturedAt: time.Now().UTC()}
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	if out, err := util.Git(ctx, dir, "status", "--porcelain"); err == nil && out != "" {
		for _, line := range strings.Split(out, "\n") {
			// Format: XY filename
			if len(line) > 3 {
				if file := strings.TrimSpace(line[3:]); file != "" {
					gs.ModifiedFiles = append(gs.ModifiedFiles, file)
				}
			}
		}
	}

	if out, err := util.Git(ctx, dir, "rev-parse", "HEAD"); err == nil {
		gs.LastCommit = out
	}

	if out, err := util.Git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		gs.Branch = out
	}

	return gs
}
