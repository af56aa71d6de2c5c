// Package hook turns the coding agent's tool hook payload into a
// fire-and-forget PluginEvent for the daemon.
//
// Run never fails from the agent's point of view: every error is swallowed,
// nothing is written to stderr, and the caller exits 0.
package hook

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/client"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/workspace"
)

// maxInputBytes bounds how much of stdin is read.
const maxInputBytes = 4 << 20

// Input is the subset of the agent's hook JSON that is used.
type Input struct {
	SessionID     string                 `json:"session_id"`
	Cwd           string                 `json:"cwd"`
	HookEventName string                 `json:"hook_event_name"`
	ToolName      string                 `json:"tool_name"`
	ToolInput     map[string]interface{} `json:"tool_input"`
}

// Options control delivery.
type Options struct {
	Paths   config.Paths
	Timeout time.Duration
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Send defaults to client.SendEvent.
	Send func(config.Paths, *protocol.PluginEvent, time.Duration)
}

// Run reads one hook payload from in and forwards it. It reports whether an
// event was sent, for tests; callers ignore it.
func Run(in io.Reader, opts Options) bool {
	data, err := io.ReadAll(io.LimitReader(in, maxInputBytes))
	if err != nil {
		return false
	}
	var input Input
	if err := json.Unmarshal(data, &input); err != nil {
		return false
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	ev := Build(input, getenv(agent.EnvSessionID), time.Now())
	if ev == nil {
		return false
	}

	send := opts.Send
	if send == nil {
		send = client.SendEvent
	}
	send(opts.Paths, ev, opts.Timeout)
	return true
}

// Build converts input into a sanitized PluginEvent. sessionID overrides
// the agent's own session id when set. It returns nil when there is no tool
// or no session to attribute it to.
func Build(input Input, sessionID string, now time.Time) *protocol.PluginEvent {
	if input.ToolName == "" {
		return nil
	}
	if sessionID == "" {
		sessionID = input.SessionID
	}
	if sessionID == "" {
		return nil
	}

	ev := &protocol.PluginEvent{
		Type:      protocol.TypeToolUse,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
		Payload: protocol.ToolPayload{
			Tool:          input.ToolName,
			Target:        Target(input.ToolName, input.ToolInput),
			NeedsApproval: protocol.CarriesToolInput(input.ToolName),
		},
	}
	if input.Cwd != "" {
		root := input.Cwd
		if found, err := workspace.Find(input.Cwd); err == nil && found != "" {
			root = found
		}
		ev.Context = protocol.EventContext{Project: filepath.Base(root), ProjectPath: root}
	}
	if ev.Payload.NeedsApproval && input.ToolInput != nil {
		if raw, err := json.Marshal(input.ToolInput); err == nil {
			ev.Payload.ToolInput = raw
		}
	}
	ev.Sanitize()
	return ev
}

// Target derives the short description of what a tool acted on. Command
// lines are cut at the first newline.
func Target(tool string, input map[string]interface{}) string {
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch tool {
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		if fp := str("file_path"); fp != "" {
			return fp
		}
		return str("notebook_path")
	case "Bash":
		if cmd := str("command"); cmd != "" {
			first, _, _ := strings.Cut(cmd, "\n")
			return strings.TrimSpace(first)
		}
		return str("description")
	case "Grep":
		if p := str("pattern"); p != "" {
			if path := str("path"); path != "" {
				return p + " in " + path
			}
			return p
		}
	case "Glob":
		return str("pattern")
	case "Task":
		return str("description")
	case "WebFetch":
		return str("url")
	case "WebSearch":
		return str("query")
	case "AskUserQuestion", "ExitPlanMode", "TodoWrite":
		return ""
	}

	for _, key := range []string{"file_path", "path", "pattern", "url", "description"} {
		if s := str(key); s != "" {
			return s
		}
	}
	return ""
}
