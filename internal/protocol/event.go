package protocol

import (
	"encoding/json"
	"time"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/util"
)

// MaxTargetRunes bounds PluginEvent payload targets.
const MaxTargetRunes = 200

// MaxToolInputBytes bounds the structured input carried for interactive
// tools. Larger inputs are dropped.
const MaxToolInputBytes = 16 << 10

// interactiveTools are the only tools whose structured input is forwarded.
var interactiveTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

// CarriesToolInput reports whether tool's structured input may be forwarded.
func CarriesToolInput(tool string) bool {
	return interactiveTools[tool]
}

// EventContext locates the producing session.
type EventContext struct {
	Project     string `json:"project"`
	ProjectPath string `json:"projectPath"`
}

// ToolPayload describes one tool invocation.
type ToolPayload struct {
	Tool          string          `json:"tool"`
	Target        string          `json:"target"`
	NeedsApproval bool            `json:"needsApproval,omitempty"`
	ToolInput     json.RawMessage `json:"toolInput,omitempty"`
}

// PluginEvent is the telemetry message produced by hook scripts.
type PluginEvent struct {
	Type      Type         `json:"type"`
	SessionID string       `json:"sessionId"`
	Timestamp int64        `json:"timestamp"`
	Context   EventContext `json:"context"`
	Payload   ToolPayload  `json:"payload"`
}

func (*PluginEvent) RequestType() Type { return TypeToolUse }

func (e *PluginEvent) Validate() error {
	if e.SessionID == "" {
		return errs.Invalidf("tool_use: sessionId is required")
	}
	if e.Payload.Tool == "" {
		return errs.Invalidf("tool_use: payload.tool is required")
	}
	return nil
}

// Sanitize enforces the privacy contract: a bounded target, and structured
// input only for interactive tools.
func (e *PluginEvent) Sanitize() {
	e.Type = TypeToolUse
	if e.Timestamp <= 0 {
		e.Timestamp = NowMillis()
	}
	e.Payload.Target = util.Truncate(e.Payload.Target, MaxTargetRunes)
	if !CarriesToolInput(e.Payload.Tool) || len(e.Payload.ToolInput) > MaxToolInputBytes || !json.Valid(e.Payload.ToolInput) {
		e.Payload.ToolInput = nil
	}
}

// Time returns the event timestamp.
func (e *PluginEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Event kinds broadcast to subscribers.
const (
	EventToolUse        = "tool_use"
	EventSessionCreated = "session_created"
	EventSessionUpdated = "session_updated"
	EventSessionExited  = "session_exited"
	EventSessionClosed  = "session_closed"
	EventMessageRouted  = "message_routed"
	EventCheckpoint     = "checkpoint_saved"
	EventProjects       = "projects_changed"
)

// Event is what subscribers receive. SessionID is empty for events that
// belong to no session (project index changes).
type Event struct {
	Kind      string       `json:"kind"`
	SessionID string       `json:"sessionId,omitempty"`
	Time      time.Time    `json:"time"`
	Summary   string       `json:"summary,omitempty"`
	Tool      *PluginEvent `json:"tool,omitempty"`
	Worker    *Worker      `json:"worker,omitempty"`
}
