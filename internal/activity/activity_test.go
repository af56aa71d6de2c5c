package activity

import (
	"path/filepath"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		age       time.Duration
		wantAge   string
		wantState State
	}{
		{"just now", 0, "<1m", StateActive},
		{"30 seconds", 30 * time.Second, "<1m", StateActive},
		{"1m59s", 119 * time.Second, "1m", StateActive},
		{"2 minutes", 2 * time.Minute, "2m", StateIdle},
		{"4m59s", 299 * time.Second, "4m", StateIdle},
		{"5 minutes", 5 * time.Minute, "5m", StateStalled},
		{"3 hours", 3 * time.Hour, "3h", StateStalled},
		{"2 days", 49 * time.Hour, "2d", StateStalled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Classify(now.Add(-tt.age), now)
			if info.Age != tt.wantAge {
				t.Errorf("Age = %q, want %q", info.Age, tt.wantAge)
			}
			if info.State != tt.wantState {
				t.Errorf("State = %q, want %q", info.State, tt.wantState)
			}
		})
	}
}

func TestClassify_ZeroTime(t *testing.T) {
	info := Classify(time.Time{}, time.Now())
	if info.State != StateUnknown || info.Age != "unknown" {
		t.Errorf("zero time = %+v, want unknown", info)
	}
}

func TestClassify_FutureIsNow(t *testing.T) {
	now := time.Now()
	info := Classify(now.Add(time.Hour), now)
	if info.Since != 0 || info.State != StateActive {
		t.Errorf("future time = %+v, want active with zero age", info)
	}
}

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "nested", "activity.db"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openJournal(t)
	ctx := t.Context()
	base := time.Now().Add(-time.Minute)

	for i, summary := range []string{"read a.go", "edited b.go", "ran tests"} {
		if _, err := j.Record(ctx, Entry{SessionID: "s1", Kind: "tool_use", Summary: summary, At: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if _, err := j.Record(ctx, Entry{SessionID: "s2", Kind: "session_created", Summary: "created"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Summary != "ran tests" || got[1].Summary != "edited b.go" {
		t.Fatalf("Recent = %+v", got)
	}
	if got[0].Count != 1 {
		t.Errorf("Count = %d, want 1", got[0].Count)
	}

	all, err := j.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 4 || all[0].SessionID != "s2" {
		t.Errorf("Recent all = %+v", all)
	}

	latest, err := j.Latest(ctx, "s1")
	if err != nil || latest != "ran tests" {
		t.Errorf("Latest = %q, %v", latest, err)
	}
	latest, err = j.Latest(ctx, "ghost")
	if err != nil || latest != "" {
		t.Errorf("Latest(ghost) = %q, %v", latest, err)
	}
}

func TestJournal_RejectsMissingSession(t *testing.T) {
	j := openJournal(t)
	if _, err := j.Record(t.Context(), Entry{Summary: "orphan"}); err == nil {
		t.Fatal("expected error for entry without session")
	}
}

func TestJournal_Bump(t *testing.T) {
	j := openJournal(t)
	ctx := t.Context()
	id, err := j.Record(ctx, Entry{SessionID: "s1", Kind: "tool_use", Tool: "Read", Target: "a.go", Summary: "read a.go"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Bump(ctx, id, "read a.go (x2)", time.Now()); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	got, _ := j.Recent(ctx, "s1", 1)
	if len(got) != 1 || got[0].Count != 2 || got[0].Summary != "read a.go (x2)" {
		t.Errorf("after Bump = %+v", got)
	}
}

func TestJournal_PruneAndForget(t *testing.T) {
	j := openJournal(t)
	ctx := t.Context()
	now := time.Now()
	j.Record(ctx, Entry{SessionID: "s1", Kind: "k", Summary: "old", At: now.Add(-48 * time.Hour)})
	j.Record(ctx, Entry{SessionID: "s1", Kind: "k", Summary: "new", At: now})
	j.Record(ctx, Entry{SessionID: "s2", Kind: "k", Summary: "other", At: now})

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	if err := j.Forget(ctx, "s2"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	all, _ := j.Recent(ctx, "", 10)
	if len(all) != 1 || all[0].Summary != "new" {
		t.Errorf("remaining = %+v", all)
	}
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Record(t.Context(), Entry{SessionID: "s1", Kind: "k", Summary: "kept"})
	j.Close()

	j, err = OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	latest, _ := j.Latest(t.Context(), "s1")
	if latest != "kept" {
		t.Errorf("Latest after reopen = %q", latest)
	}
}
