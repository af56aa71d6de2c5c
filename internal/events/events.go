// Package events keeps the daemon's raw audit log.
//
// Every accepted event is appended to $CONDUCTOR_HOME/events.jsonl, one JSON
// object per line. The log is best-effort: write failures never reach the
// producer.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/protocol"
)

// Record is one line of the audit log.
type Record struct {
	Timestamp  string                 `json:"ts"`
	Source     string                 `json:"source"`
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Visibility string                 `json:"visibility"`
}

// Visibility levels.
const (
	VisibilityAudit = "audit" // only in the raw log
	VisibilityFeed  = "feed"  // also shown to watchers
)

// Audit-only record types.
const (
	TypeDaemonStart   = "daemon_start"
	TypeDaemonStop    = "daemon_stop"
	TypeRequest       = "request"
	TypeRestored      = "session_restored"
	TypeJournalPruned = "journal_pruned"
)

// Log appends records to a JSONL file.
type Log struct {
	path string
	mu   sync.Mutex
}

// New returns a log writing to path. The file is created on first write.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Audit writes an audit-only record.
func (l *Log) Audit(recordType, sessionID string, payload map[string]interface{}) error {
	return l.Write(Record{
		Type:       recordType,
		SessionID:  sessionID,
		Payload:    payload,
		Visibility: VisibilityAudit,
	})
}

// Append records a broadcast event.
func (l *Log) Append(ev protocol.Event) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return l.Write(Record{
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
		Type:       ev.Kind,
		SessionID:  ev.SessionID,
		Summary:    ev.Summary,
		Payload:    payloadFor(ev),
		Visibility: VisibilityFeed,
	})
}

// Write appends rec, filling in the timestamp and source.
func (l *Log) Write(rec Record) error {
	if l == nil || l.path == "" {
		return nil
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.Source == "" {
		rec.Source = "conductor"
	}
	if rec.Visibility == "" {
		rec.Visibility = VisibilityAudit
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Tail returns up to n of the newest records, oldest first. Malformed lines
// are skipped.
func (l *Log) Tail(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var ring []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		ring = append(ring, rec)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	return ring, scanner.Err()
}

// Since returns records no older than window, oldest first.
func (l *Log) Since(window time.Duration) ([]Record, error) {
	all, err := l.Tail(0)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	i := len(all)
	for i > 0 {
		ts, err := time.Parse(time.RFC3339Nano, all[i-1].Timestamp)
		if err != nil || ts.Before(cutoff) {
			break
		}
		i--
	}
	return all[i:], nil
}

func payloadFor(ev protocol.Event) map[string]interface{} {
	switch {
	case ev.Tool != nil:
		return ToolPayload(ev.Tool)
	case ev.Worker != nil:
		return WorkerPayload(ev.Worker)
	}
	return nil
}

// ToolPayload describes a tool_use event. Tool input is never logged.
func ToolPayload(ev *protocol.PluginEvent) map[string]interface{} {
	p := map[string]interface{}{
		"tool": ev.Payload.Tool,
	}
	if ev.Payload.Target != "" {
		p["target"] = ev.Payload.Target
	}
	if ev.Payload.NeedsApproval {
		p["needs_approval"] = true
	}
	if ev.Context.Project != "" {
		p["project"] = ev.Context.Project
	}
	return p
}

// WorkerPayload describes a session lifecycle event.
func WorkerPayload(w *protocol.Worker) map[string]interface{} {
	p := map[string]interface{}{
		"repo":  w.Repo,
		"role":  string(w.Role),
		"state": w.State,
	}
	if w.Task != "" {
		p["task"] = w.Task
	}
	if w.PID > 0 {
		p["pid"] = w.PID
	}
	return p
}

// RoutePayload describes a route decision.
func RoutePayload(query, tier, target string, created bool) map[string]interface{} {
	return map[string]interface{}{
		"query":   query,
		"tier":    tier,
		"target":  target,
		"created": created,
	}
}
