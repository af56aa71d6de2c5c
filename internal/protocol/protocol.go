// Package protocol defines the newline-delimited JSON messages exchanged over
// the daemon socket.
//
// Every connection writes exactly one request object followed by a newline.
// Fire-and-forget messages (tool_use) get no reply; every other request gets
// exactly one response line, except subscribe, which streams events until
// either side closes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/errs"
)

// Type tags a request.
type Type string

const (
	TypePing             Type = "ping"
	TypeToolUse          Type = "tool_use"
	TypeRoute            Type = "route"
	TypeDispatch         Type = "dispatch"
	TypeListWorkers      Type = "list-workers"
	TypeCreateWorker     Type = "create-worker"
	TypeDiscoverProjects Type = "discover-projects"
	TypeListProjects     Type = "list-projects"
	TypeSetProjectStatus Type = "set-project-status"
	TypeAddAlias         Type = "add-alias"
	TypeStep             Type = "step"
	TypeCheckpointSave   Type = "checkpoint-save"
	TypeCloseSession     Type = "close-session"
	TypeResume           Type = "resume"
	TypeSubscribe        Type = "subscribe"
)

// MaxLineBytes bounds one request line.
const MaxLineBytes = 1 << 20

// Request is the closed set of messages a client may send.
type Request interface {
	RequestType() Type
	Validate() error
}

// FireAndForget reports whether t expects no response.
func FireAndForget(t Type) bool {
	return t == TypeToolUse
}

// Ping asks the daemon to prove it is alive.
type Ping struct{}

// Route resolves Query to a session and delivers Message to it.
type Route struct {
	Query   string `json:"query"`
	Message string `json:"message"`
}

// Dispatch delivers Message to the session with exactly SessionID.
type Dispatch struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// ListWorkers lists every session.
type ListWorkers struct{}

// CreateWorker always starts a new session.
type CreateWorker struct {
	Repo        string   `json:"repo"`
	Path        string   `json:"path"`
	Task        string   `json:"task"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// Message, when set, is delivered once the session starts.
	Message string `json:"message,omitempty"`
	// Orchestrator creates the cross-project control session.
	Orchestrator bool `json:"orchestrator,omitempty"`
}

// DiscoverProjects scans Path (a repo or a container of repos).
type DiscoverProjects struct {
	Path  string `json:"path"`
	Depth int    `json:"depth,omitempty"`
}

// ListProjects lists the project index.
type ListProjects struct{}

// SetProjectStatus changes a project's status.
type SetProjectStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// AddAlias adds an alternate routing name to a project.
type AddAlias struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

// Step actions.
const (
	StepAdd      = "add"
	StepStart    = "start"
	StepComplete = "complete"
	StepBlock    = "block"
	StepUnblock  = "unblock"
	StepRecover  = "recover"
	StepNote     = "note"
)

// Step changes one step of a session's task.
type Step struct {
	SessionID string   `json:"sessionId"`
	Action    string   `json:"action"`
	StepID    string   `json:"stepId,omitempty"`
	Name      string   `json:"name,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Notes     string   `json:"notes,omitempty"`
	Files     []string `json:"files,omitempty"`
	// Status is the target status for recover.
	Status string `json:"status,omitempty"`
}

// CheckpointSave mirrors a session into the checkpoint store.
type CheckpointSave struct {
	SessionID string `json:"sessionId"`
	Notes     string `json:"notes,omitempty"`
}

// CloseSession stops a session's process and drops it from the registry.
type CloseSession struct {
	SessionID  string `json:"sessionId"`
	Checkpoint bool   `json:"checkpoint,omitempty"`
}

// Resume respawns the agent for a detached session.
type Resume struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// Subscribe keeps the connection open and streams events.
type Subscribe struct {
	// SessionID, when set, restricts the stream to one session.
	SessionID string `json:"sessionId,omitempty"`
}

func (Ping) RequestType() Type             { return TypePing }
func (Route) RequestType() Type            { return TypeRoute }
func (Dispatch) RequestType() Type         { return TypeDispatch }
func (ListWorkers) RequestType() Type      { return TypeListWorkers }
func (CreateWorker) RequestType() Type     { return TypeCreateWorker }
func (DiscoverProjects) RequestType() Type { return TypeDiscoverProjects }
func (ListProjects) RequestType() Type     { return TypeListProjects }
func (SetProjectStatus) RequestType() Type { return TypeSetProjectStatus }
func (AddAlias) RequestType() Type         { return TypeAddAlias }
func (Step) RequestType() Type             { return TypeStep }
func (CheckpointSave) RequestType() Type   { return TypeCheckpointSave }
func (CloseSession) RequestType() Type     { return TypeCloseSession }
func (Resume) RequestType() Type           { return TypeResume }
func (Subscribe) RequestType() Type        { return TypeSubscribe }

func (Ping) Validate() error         { return nil }
func (ListWorkers) Validate() error  { return nil }
func (ListProjects) Validate() error { return nil }
func (Subscribe) Validate() error    { return nil }

func (r Route) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return errs.Invalidf("route: query is required")
	}
	if r.Message == "" {
		return errs.Invalidf("route: message is required")
	}
	return nil
}

func (r Dispatch) Validate() error {
	if r.SessionID == "" {
		return errs.Invalidf("dispatch: sessionId is required")
	}
	if r.Message == "" {
		return errs.Invalidf("dispatch: message is required")
	}
	return nil
}

func (r CreateWorker) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return errs.Invalidf("create-worker: task name is required")
	}
	if r.Path == "" {
		return errs.Invalidf("create-worker: path is required")
	}
	return nil
}

func (r DiscoverProjects) Validate() error {
	if r.Depth < 0 {
		return errs.Invalidf("discover-projects: depth must not be negative")
	}
	return nil
}

func (r SetProjectStatus) Validate() error {
	if r.Name == "" || r.Status == "" {
		return errs.Invalidf("set-project-status: name and status are required")
	}
	return nil
}

func (r AddAlias) Validate() error {
	if r.Name == "" || strings.TrimSpace(r.Alias) == "" {
		return errs.Invalidf("add-alias: name and alias are required")
	}
	return nil
}

func (r Step) Validate() error {
	if r.SessionID == "" {
		return errs.Invalidf("step: sessionId is required")
	}
	switch r.Action {
	case StepAdd:
		if r.Name == "" {
			return errs.Invalidf("step add: name is required")
		}
	case StepStart, StepComplete, StepBlock, StepUnblock, StepNote:
		if r.StepID == "" {
			return errs.Invalidf("step %s: stepId is required", r.Action)
		}
	case StepRecover:
		if r.StepID == "" || r.Status == "" {
			return errs.Invalidf("step recover: stepId and status are required")
		}
	default:
		return errs.Invalidf("step: unknown action %q", r.Action)
	}
	return nil
}

func (r CheckpointSave) Validate() error {
	if r.SessionID == "" {
		return errs.Invalidf("checkpoint-save: sessionId is required")
	}
	return nil
}

func (r CloseSession) Validate() error {
	if r.SessionID == "" {
		return errs.Invalidf("close-session: sessionId is required")
	}
	return nil
}

func (r Resume) Validate() error {
	if r.SessionID == "" {
		return errs.Invalidf("resume: sessionId is required")
	}
	return nil
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses and validates one request line. Unknown fields are ignored;
// an unknown type is ErrInvalid. tool_use events are sanitized.
func Decode(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errs.Invalidf("empty request")
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errs.Invalidf("malformed request: %v", err)
	}

	var req Request
	switch env.Type {
	case TypePing:
		req = &Ping{}
	case TypeToolUse:
		req = &PluginEvent{}
	case TypeRoute:
		req = &Route{}
	case TypeDispatch:
		req = &Dispatch{}
	case TypeListWorkers:
		req = &ListWorkers{}
	case TypeCreateWorker:
		req = &CreateWorker{}
	case TypeDiscoverProjects:
		req = &DiscoverProjects{}
	case TypeListProjects:
		req = &ListProjects{}
	case TypeSetProjectStatus:
		req = &SetProjectStatus{}
	case TypeAddAlias:
		req = &AddAlias{}
	case TypeStep:
		req = &Step{}
	case TypeCheckpointSave:
		req = &CheckpointSave{}
	case TypeCloseSession:
		req = &CloseSession{}
	case TypeResume:
		req = &Resume{}
	case TypeSubscribe:
		req = &Subscribe{}
	case "":
		return nil, errs.Invalidf("request has no type")
	default:
		return nil, errs.Invalidf("unknown request type %q", env.Type)
	}

	if err := json.Unmarshal(line, req); err != nil {
		return nil, errs.Invalidf("malformed %s request: %v", env.Type, err)
	}
	if ev, ok := req.(*PluginEvent); ok {
		ev.Sanitize()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Encode renders req as one newline-terminated line with its type tag.
func Encode(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.RequestType(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.RequestType(), err)
	}
	tag, _ := json.Marshal(req.RequestType())
	fields["type"] = tag

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.RequestType(), err)
	}
	return append(out, '\n'), nil
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
