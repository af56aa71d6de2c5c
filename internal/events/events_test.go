package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conductor-dev/conductor/internal/protocol"
)

func TestAppendAndTail(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.jsonl"))

	ev := protocol.Event{
		Kind:      protocol.EventToolUse,
		SessionID: "s1",
		Time:      time.Now(),
		Summary:   "Read a.go",
		Tool: &protocol.PluginEvent{
			SessionID: "s1",
			Payload:   protocol.ToolPayload{Tool: "Read", Target: "a.go"},
		},
	}
	if err := log.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Audit(TypeDaemonStart, "", map[string]interface{}{"pid": 1}); err != nil {
		t.Fatalf("Audit: %v", err)
	}

	recs, err := log.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Type != protocol.EventToolUse || recs[0].Visibility != VisibilityFeed {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[0].Payload["tool"] != "Read" || recs[0].Payload["target"] != "a.go" {
		t.Errorf("payload = %v", recs[0].Payload)
	}
	if recs[1].Visibility != VisibilityAudit || recs[1].Source != "conductor" {
		t.Errorf("audit record = %+v", recs[1])
	}
}

func TestToolInputNeverLogged(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.jsonl"))
	log.Append(protocol.Event{
		Kind:      protocol.EventToolUse,
		SessionID: "s1",
		Tool: &protocol.PluginEvent{
			SessionID: "s1",
			Payload:   protocol.ToolPayload{Tool: "ExitPlanMode", ToolInput: []byte(`{"plan":"secret"}`)},
		},
	})
	data, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("tool input leaked into audit log: %s", data)
	}
}

func TestTail_LimitsAndSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log := New(path)
	for i := 0; i < 5; i++ {
		log.Audit(TypeRequest, "s", map[string]interface{}{"i": i})
	}
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	f.WriteString("not json\n")
	f.Close()

	recs, err := log.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(recs) != 2 || recs[1].Payload["i"] != float64(4) {
		t.Errorf("Tail(2) = %+v", recs)
	}
}

func TestTail_MissingFile(t *testing.T) {
	recs, err := New(filepath.Join(t.TempDir(), "none.jsonl")).Tail(5)
	if err != nil || recs != nil {
		t.Errorf("Tail on missing file = %v, %v", recs, err)
	}
}

func TestSince(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.jsonl"))
	log.Write(Record{Type: "old", Timestamp: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)})
	log.Write(Record{Type: "new"})

	recs, err := log.Since(time.Minute)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != "new" {
		t.Errorf("Since = %+v", recs)
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var log *Log
	if err := log.Write(Record{Type: "x"}); err != nil {
		t.Errorf("nil log Write = %v", err)
	}
}
