package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/session"
)

func mk(id, repo, task string, lastActive time.Time) *session.Session {
	s := session.New(session.Options{ID: id, Repo: repo, RepoPath: "/src/" + repo, TaskName: task})
	s.LastActive = lastActive
	return s
}

func TestRegisterLookup(t *testing.T) {
	r := New(nil)
	s := mk("a", "my-app", "auth", time.Now())

	require.NoError(t, r.Register(s))
	err := r.Register(s)
	require.True(t, errors.Is(err, errs.ErrDuplicateID), "got %v", err)

	got, err := r.Lookup("a")
	require.NoError(t, err)
	require.Equal(t, "my-app", got.Repo)

	_, err = r.Lookup("nope")
	require.True(t, errors.Is(err, errs.ErrNotFound))

	// callers get copies
	got.Repo = "changed"
	again, _ := r.Lookup("a")
	require.Equal(t, "my-app", again.Repo)
}

func TestRegister_RequiresID(t *testing.T) {
	r := New(nil)
	require.True(t, errors.Is(r.Register(&session.Session{}), errs.ErrInvalid))
	require.True(t, errors.Is(r.Register(nil), errs.ErrInvalid))
}

func TestList_OrderedByLastActive(t *testing.T) {
	r := New(nil)
	now := time.Now()
	require.NoError(t, r.Register(mk("old", "a", "t", now.Add(-time.Hour))))
	require.NoError(t, r.Register(mk("new", "b", "t", now)))
	require.NoError(t, r.Register(mk("mid", "c", "t", now.Add(-time.Minute))))

	var ids []string
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{"new", "mid", "old"}, ids)
	require.Equal(t, 3, r.Len())
}

func TestUpdate_BumpsLastActive(t *testing.T) {
	r := New(nil)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, r.Register(mk("a", "my-app", "auth", past)))

	updated, err := r.Update("a", func(s *session.Session) error {
		_, err := s.AddStep("write tests")
		return err
	})
	require.NoError(t, err)
	require.True(t, updated.LastActive.After(past))
	require.Len(t, updated.Steps, 1)
	require.Equal(t, "step-1", updated.NextStep)
}

func TestUpdate_FailureLeavesSessionUntouched(t *testing.T) {
	r := New(nil)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, r.Register(mk("a", "my-app", "auth", past)))

	_, err := r.Update("a", func(s *session.Session) error {
		s.Repo = "half-written"
		return errs.Invalidf("nope")
	})
	require.Error(t, err)

	got, _ := r.Lookup("a")
	require.Equal(t, "my-app", got.Repo)
	require.True(t, got.LastActive.Equal(past))

	_, err = r.Update("a", func(s *session.Session) error {
		s.ID = "b"
		return nil
	})
	require.True(t, errors.Is(err, errs.ErrInvalid))

	_, err = r.Update("missing", nil)
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRemove(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mk("a", "x", "t", time.Now())))
	require.NoError(t, r.Remove("a"))
	require.False(t, r.Has("a"))
	require.True(t, errors.Is(r.Remove("a"), errs.ErrNotFound))
}

func TestByRepo(t *testing.T) {
	r := New(nil)
	now := time.Now()
	require.NoError(t, r.Register(mk("a", "my-app", "auth-refactor", now.Add(-time.Minute))))
	require.NoError(t, r.Register(mk("b", "My-App", "bug-fixes", now)))
	require.NoError(t, r.Register(mk("c", "other", "x", now)))

	got := r.ByRepo("my-app")
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
}

func TestCheckpointAndRestore(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	r := New(store)

	s := mk("a", "my-app", "auth", time.Now())
	require.NoError(t, r.Register(s))
	_, err := r.Update("a", func(s *session.Session) error {
		id, err := s.AddStep("one")
		if err != nil {
			return err
		}
		return s.StartStep(id)
	})
	require.NoError(t, err)

	cp, err := r.Checkpoint(t.Context(), "a", "before restart")
	require.NoError(t, err)
	require.Equal(t, "step-1", cp.CurrentStep)

	// a fresh registry (daemon restart) restores it as detached
	r2 := New(store)
	restored, err := r2.Restore()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, "a", restored[0].ID)
	require.True(t, r2.Detached("a"))

	got, err := r2.Lookup("a")
	require.NoError(t, err)
	require.Equal(t, "step-1", got.CurrentStep)
	require.Equal(t, session.StatusInProgress, got.Steps[0].Status)

	// restoring twice does not duplicate
	restored, err = r2.Restore()
	require.NoError(t, err)
	require.Empty(t, restored)

	require.NoError(t, r2.SetDetached("a", false))
	require.False(t, r2.Detached("a"))
}

func TestRestore_RepairsInProgressInvariant(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	s := mk("a", "my-app", "auth", time.Now())
	s.Steps = []session.Step{
		{ID: "step-1", Name: "a", Status: session.StatusInProgress},
		{ID: "step-2", Name: "b", Status: session.StatusInProgress},
	}
	s.CurrentStep = "step-1"
	require.NoError(t, store.Save(checkpoint.New(s)))

	r := New(store)
	restored, err := r.Restore()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, []string{"step-2"}, restored[0].Demoted)
}

func TestCheckpoint_UnknownSession(t *testing.T) {
	r := New(checkpoint.NewStore(t.TempDir()))
	_, err := r.Checkpoint(t.Context(), "ghost", "")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestConcurrentUpdates(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mk("a", "x", "t", time.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Update("a", func(s *session.Session) error {
				_, err := s.AddStep(fmt.Sprintf("step %d", i))
				return err
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, _ := r.Lookup("a")
	require.Len(t, got.Steps, 20)
}
