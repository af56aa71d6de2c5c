// Package feed curates broadcast events into the activity journal.
//
// The curator:
//  1. Consumes events from the daemon's bus
//  2. Writes every event to the raw audit log
//  3. Collapses repeated tool calls on the same target into one journal row
//  4. Writes a short human-readable summary per event to the journal
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/activity"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/protocol"
)

// repeatWindow is how long a repeated tool call keeps folding into the
// previous journal row.
const repeatWindow = 10 * time.Second

// Journal is where curated entries go.
type Journal interface {
	Record(ctx context.Context, e activity.Entry) (int64, error)
	Bump(ctx context.Context, id int64, summary string, at time.Time) error
}

// Curator consumes events and writes curated entries.
type Curator struct {
	src     <-chan protocol.Event
	journal Journal
	audit   *events.Log
	log     *slog.Logger

	// last is only touched by the run goroutine.
	last map[string]lastEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lastEntry struct {
	id     int64
	key    string
	count  int
	at     time.Time
	base   string
	expiry time.Time
}

// NewCurator creates a curator reading from src. audit may be nil.
func NewCurator(src <-chan protocol.Event, journal Journal, audit *events.Log, logger *slog.Logger) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Curator{
		src:     src,
		journal: journal,
		audit:   audit,
		log:     logger,
		last:    make(map[string]lastEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the curator goroutine.
func (c *Curator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop cancels the curator and waits for it to exit.
func (c *Curator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until the source channel is closed and drained.
func (c *Curator) Wait() {
	c.wg.Wait()
}

func (c *Curator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.src:
			if !ok {
				return
			}
			c.process(ev)
		}
	}
}

func (c *Curator) process(ev protocol.Event) {
	if c.audit != nil {
		if err := c.audit.Append(ev); err != nil {
			c.log.Debug("audit append failed", "error", err)
		}
	}
	if ev.SessionID == "" || c.journal == nil {
		return
	}
	if ev.Kind == protocol.EventSessionClosed {
		delete(c.last, ev.SessionID)
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	summary := Summarize(ev)
	key := repeatKey(ev)

	if prev, ok := c.last[ev.SessionID]; ok && key != "" && prev.key == key && at.Before(prev.expiry) {
		prev.count++
		prev.at = at
		prev.expiry = at.Add(repeatWindow)
		folded := fmt.Sprintf("%s (x%d)", prev.base, prev.count)
		if err := c.journal.Bump(c.ctx, prev.id, folded, at); err == nil {
			c.last[ev.SessionID] = prev
			return
		}
	}

	entry := activity.Entry{
		SessionID: ev.SessionID,
		Kind:      ev.Kind,
		Summary:   summary,
		At:        at,
	}
	if ev.Tool != nil {
		entry.Tool = ev.Tool.Payload.Tool
		entry.Target = ev.Tool.Payload.Target
	}
	id, err := c.journal.Record(c.ctx, entry)
	if err != nil {
		c.log.Warn("journal record failed", "session", ev.SessionID, "error", err)
		return
	}
	c.last[ev.SessionID] = lastEntry{id: id, key: key, count: 1, at: at, base: summary, expiry: at.Add(repeatWindow)}
}

// repeatKey identifies tool calls that fold together. Other kinds never fold.
func repeatKey(ev protocol.Event) string {
	if ev.Kind != protocol.EventToolUse || ev.Tool == nil || ev.Tool.Payload.NeedsApproval {
		return ""
	}
	return ev.Tool.Payload.Tool + "\x00" + ev.Tool.Payload.Target
}

// Summarize creates a short human-readable line for ev.
func Summarize(ev protocol.Event) string {
	switch ev.Kind {
	case protocol.EventToolUse:
		if ev.Tool == nil {
			return "used a tool"
		}
		p := ev.Tool.Payload
		if p.NeedsApproval {
			return fmt.Sprintf("waiting on %s", p.Tool)
		}
		if p.Target != "" {
			return fmt.Sprintf("%s %s", p.Tool, p.Target)
		}
		return p.Tool

	case protocol.EventSessionCreated:
		if ev.Worker != nil {
			if ev.Worker.Task != "" {
				return fmt.Sprintf("started on %s: %s", ev.Worker.Repo, ev.Worker.Task)
			}
			return fmt.Sprintf("started on %s", ev.Worker.Repo)
		}
		return "session started"

	case protocol.EventSessionExited:
		if ev.Summary != "" {
			return "exited: " + ev.Summary
		}
		return "session exited"

	case protocol.EventSessionClosed:
		return "session closed"

	case protocol.EventMessageRouted:
		if ev.Summary != "" {
			return "received: " + ev.Summary
		}
		return "received a message"

	case protocol.EventCheckpoint:
		return "checkpoint saved"
	}

	if ev.Summary != "" {
		return ev.Summary
	}
	return ev.Kind
}
