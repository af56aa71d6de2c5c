package session

import (
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/internal/errs"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusBlocked    StepStatus = "blocked"
)

// Valid reports whether st is a known status.
func (st StepStatus) Valid() bool {
	switch st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Step is one ordered unit of a task.
type Step struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Status        StepStatus `json:"status" yaml:"status"`
	StartedAt     time.Time  `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	CompletedAt   time.Time  `json:"completedAt,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt,omitempty" yaml:"updated_at,omitempty"`
	Outcome       string     `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Notes         string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	BlockedReason string     `json:"blockedReason,omitempty" yaml:"blocked_reason,omitempty"`
	FilesChanged  []string   `json:"filesChanged,omitempty" yaml:"files_changed,omitempty"`
	FilesTouched  []string   `json:"filesTouched,omitempty" yaml:"files_touched,omitempty"`
	DependsOn     []string   `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	Verification  string     `json:"verification,omitempty" yaml:"verification,omitempty"`
}

func (st Step) clone() Step {
	st.FilesChanged = append([]string(nil), st.FilesChanged...)
	st.FilesTouched = append([]string(nil), st.FilesTouched...)
	st.DependsOn = append([]string(nil), st.DependsOn...)
	return st
}

func (s *Session) step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Step returns a copy of the step with the given id.
func (s *Session) Step(id string) (Step, bool) {
	st := s.step(id)
	if st == nil {
		return Step{}, false
	}
	return st.clone(), true
}

// AddStep appends a pending step and returns its id.
func (s *Session) AddStep(name string, dependsOn ...string) (string, error) {
	if name == "" {
		return "", errs.Invalidf("step name is required")
	}
	for _, dep := range dependsOn {
		if s.step(dep) == nil {
			return "", errs.NotFoundf("dependency step %s", dep)
		}
	}

	id := fmt.Sprintf("step-%d", len(s.Steps)+1)
	for s.step(id) != nil {
		id += "x"
	}
	s.Steps = append(s.Steps, Step{
		ID:        id,
		Name:      name,
		Status:    StatusPending,
		DependsOn: append([]string(nil), dependsOn...),
		UpdatedAt: time.Now().UTC(),
	})
	s.refresh()
	return id, nil
}

// StartStep moves a pending or blocked step to in_progress.
func (s *Session) StartStep(id string) error {
	st := s.step(id)
	if st == nil {
		return errs.NotFoundf("step %s", id)
	}
	if st.Status != StatusPending && st.Status != StatusBlocked {
		return errs.Invalidf("step %s is %s, cannot start", id, st.Status)
	}
	if cur := s.inProgress(); cur != "" && cur != id {
		return errs.Invalidf("step %s already in progress", cur)
	}
	for _, dep := range st.DependsOn {
		if d := s.step(dep); d == nil || d.Status != StatusCompleted {
			return errs.Invalidf("step %s depends on unfinished step %s", id, dep)
		}
	}

	now := time.Now().UTC()
	st.Status = StatusInProgress
	st.BlockedReason = ""
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	st.UpdatedAt = now
	s.refresh()
	return nil
}

// CompleteStep finishes an in_progress step.
func (s *Session) CompleteStep(id, outcome string, filesChanged []string) error {
	st := s.step(id)
	if st == nil {
		return errs.NotFoundf("step %s", id)
	}
	if st.Status != StatusInProgress {
		return errs.Invalidf("step %s is %s, cannot complete", id, st.Status)
	}

	now := time.Now().UTC()
	st.Status = StatusCompleted
	st.CompletedAt = now
	st.UpdatedAt = now
	if outcome != "" {
		st.Outcome = outcome
	}
	st.FilesChanged = mergeUnique(st.FilesChanged, filesChanged)
	s.refresh()
	return nil
}

// BlockStep parks an in_progress step with a reason.
func (s *Session) BlockStep(id, reason string) error {
	st := s.step(id)
	if st == nil {
		return errs.NotFoundf("step %s", id)
	}
	if st.Status != StatusInProgress {
		return errs.Invalidf("step %s is %s, cannot block", id, st.Status)
	}
	st.Status = StatusBlocked
	st.BlockedReason = reason
	st.UpdatedAt = time.Now().UTC()
	s.refresh()
	return nil
}

// UnblockStep resumes a blocked step.
func (s *Session) UnblockStep(id string) error {
	st := s.step(id)
	if st == nil {
		return errs.NotFoundf("step %s", id)
	}
	if st.Status != StatusBlocked {
		return errs.Invalidf("step %s is %s, cannot unblock", id, st.Status)
	}
	return s.StartStep(id)
}

// ForceStatus sets a step's status without transition checks. It exists
// for recovery after a crash, when the recorded state is known to be wrong.
func (s *Session) ForceStatus(id string, status StepStatus, note string) error {
	st := s.step(id)
	if st == nil {
		return errs.NotFoundf("step %s", id)
	}
	if !status.Valid() {
		return errs.Invalidf("unknown status %q", status)
	}

	now := time.Now().UTC()
	if status == StatusInProgress {
		for i := range s.Steps {
			if s.Steps[i].ID != id && s.Steps[i].Status == StatusInProgress {
				s.Steps[i].Status = StatusPending
				s.Steps[i].UpdatedAt = now
			}
		}
	}
	st.Status = status
	st.UpdatedAt = now
	if status == StatusCompleted && st.CompletedAt.IsZero() {
		st.CompletedAt = now
	}
	if note != "" {
		if st.Notes != "" {
			st.Notes += "\n"
		}
		st.Notes += note
	}
	s.refresh()
	return nil
}

// NoteStep appends notes and touched files to a step.
func (s *Session) NoteStep(id, note string, filesTouched []string) error {
	st := s.step(id)
	if st == nil {
		return errs.NotFoundf("step %s", id)
	}
	if note != "" {
		if st.Notes != "" {
			st.Notes += "\n"
		}
		st.Notes += note
	}
	st.FilesTouched = mergeUnique(st.FilesTouched, filesTouched)
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// Normalize repairs the single-in-progress invariant. When several steps
// claim in_progress, the recorded CurrentStep (or else the first one) keeps
// it and the rest drop back to pending. It returns the demoted step ids.
func (s *Session) Normalize() []string {
	var active []string
	for _, st := range s.Steps {
		if st.Status == StatusInProgress {
			active = append(active, st.ID)
		}
	}

	var demoted []string
	if len(active) > 1 {
		keep := active[0]
		for _, id := range active {
			if id == s.CurrentStep {
				keep = id
			}
		}
		for i := range s.Steps {
			if s.Steps[i].Status == StatusInProgress && s.Steps[i].ID != keep {
				s.Steps[i].Status = StatusPending
				demoted = append(demoted, s.Steps[i].ID)
			}
		}
	}
	s.refresh()
	return demoted
}

func (s *Session) inProgress() string {
	for _, st := range s.Steps {
		if st.Status == StatusInProgress {
			return st.ID
		}
	}
	return ""
}

// refresh recomputes CurrentStep and NextStep from step statuses.
func (s *Session) refresh() {
	s.CurrentStep = s.inProgress()
	s.NextStep = ""
	for _, st := range s.Steps {
		if st.Status != StatusPending || st.ID == s.CurrentStep {
			continue
		}
		ready := true
		for _, dep := range st.DependsOn {
			if d := s.step(dep); d == nil || d.Status != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			s.NextStep = st.ID
			break
		}
	}
}

func mergeUnique(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, f := range base {
		seen[f] = true
	}
	for _, f := range add {
		if f != "" && !seen[f] {
			base = append(base, f)
			seen[f] = true
		}
	}
	return base
}
