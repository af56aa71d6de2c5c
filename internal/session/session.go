// Package session models a coding-agent session: one subprocess bound to
// one repository and one task, with an ordered list of steps.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the cross-project control session from repo workers.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOrchestrator || r == RoleWorker
}

// Task is the unit of work a session owns.
type Task struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	ArchivePath   string    `json:"archivePath,omitempty" yaml:"archive_path,omitempty"`
	StartedAt     time.Time `json:"startedAt" yaml:"started_at"`
	ReposInvolved []string  `json:"reposInvolved,omitempty" yaml:"repos_involved,omitempty"`
	Tags          []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// GitState is a point-in-time snapshot of the session's working tree.
type GitState struct {
	Branch        string    `json:"branch,omitempty" yaml:"branch,omitempty"`
	LastCommit    string    `json:"lastCommit,omitempty" yaml:"last_commit,omitempty"`
	ModifiedFiles []string  `json:"modifiedFiles,omitempty" yaml:"modified_files,omitempty"`
	CapturedAt    time.Time `json:"capturedAt" yaml:"captured_at"`
}

// Session is one running (or detached, after recovery) agent session.
type Session struct {
	ID          string    `json:"sessionId" yaml:"session_id"`
	Repo        string    `json:"repo" yaml:"repo"`
	RepoPath    string    `json:"repoPath" yaml:"repo_path"`
	WorkingDir  string    `json:"workingDir" yaml:"working_dir"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
	LastActive  time.Time `json:"lastActive" yaml:"last_active"`
	Task        Task      `json:"task" yaml:"task"`
	Steps       []Step    `json:"steps,omitempty" yaml:"steps,omitempty"`
	CurrentStep string    `json:"currentStep,omitempty" yaml:"current_step,omitempty"`
	NextStep    string    `json:"nextStep,omitempty" yaml:"next_step,omitempty"`
	Git         *GitState `json:"git,omitempty" yaml:"git,omitempty"`
	Role        Role      `json:"role" yaml:"role"`
}

// Options configures New.
type Options struct {
	ID          string
	Repo        string
	RepoPath    string
	WorkingDir  string
	TaskName    string
	Description string
	Tags        []string
	Role        Role
}

// New creates a session with a fresh id unless one is supplied.
func New(opts Options) *Session {
	now := time.Now().UTC()

	id := opts.ID
	if id == "" {
		id = NewID(opts.Repo)
	}
	role := opts.Role
	if !role.Valid() {
		role = RoleWorker
	}
	repo := opts.Repo
	if repo == "" && opts.RepoPath != "" {
		repo = filepath.Base(opts.RepoPath)
	}
	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = opts.RepoPath
	}

	s := &Session{
		ID:         id,
		Repo:       repo,
		RepoPath:   opts.RepoPath,
		WorkingDir: workDir,
		CreatedAt:  now,
		LastActive: now,
		Role:       role,
		Task: Task{
			ID:          "task-" + uuid.New().String()[:8],
			Name:        opts.TaskName,
			Description: opts.Description,
			StartedAt:   now,
			Tags:        opts.Tags,
		},
	}
	if repo != "" {
		s.Task.ReposInvolved = []string{repo}
	}
	return s
}

// NewID returns a session id prefixed with a slug of the repo name.
func NewID(repo string) string {
	short := uuid.New().String()[:8]
	slug := slugify(repo)
	if slug == "" {
		return "s-" + short
	}
	return slug + "-" + short
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Touch bumps LastActive.
func (s *Session) Touch() {
	s.LastActive = time.Now().UTC()
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Task.ReposInvolved = append([]string(nil), s.Task.ReposInvolved...)
	c.Task.Tags = append([]string(nil), s.Task.Tags...)
	if s.Steps != nil {
		c.Steps = make([]Step, len(s.Steps))
		for i, st := range s.Steps {
			c.Steps[i] = st.clone()
		}
	}
	if s.Git != nil {
		g := *s.Git
		g.ModifiedFiles = append([]string(nil), s.Git.ModifiedFiles...)
		c.Git = &g
	}
	return &c
}

// Validate checks the fields every persisted session must carry.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.Task.Name == "" {
		return fmt.Errorf("session %s: task name is required", s.ID)
	}
	if !s.Role.Valid() {
		return fmt.Errorf("session %s: invalid role %q", s.ID, s.Role)
	}
	return nil
}

// Progress returns completed and total step counts.
func (s *Session) Progress() (completed, total int) {
	for _, st := range s.Steps {
		if st.Status == StatusCompleted {
			completed++
		}
	}
	return completed, len(s.Steps)
}

// Summary returns a concise description of the session's work state.
func (s *Session) Summary() string {
	var parts []string

	if s.Task.Name != "" {
		parts = append(parts, fmt.Sprintf("task %s", s.Task.Name))
	}
	if s.CurrentStep != "" {
		if st := s.step(s.CurrentStep); st != nil && st.Name != "" {
			parts = append(parts, fmt.Sprintf("step %s (%s)", st.ID, st.Name))
		} else {
			parts = append(parts, fmt.Sprintf("step %s", s.CurrentStep))
		}
	}
	if done, total := s.Progress(); total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d steps done", done, total))
	}
	if s.Git != nil {
		if s.Git.Branch != "" {
			parts = append(parts, fmt.Sprintf("branch: %s", s.Git.Branch))
		}
		if n := len(s.Git.ModifiedFiles); n > 0 {
			parts = append(parts, fmt.Sprintf("%d modified files", n))
		}
	}

	if len(parts) == 0 {
		return "no significant state"
	}
	return strings.Join(parts, ", ")
}
