package protocol

import (
	"encoding/json"
	"time"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/session"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Worker states.
const (
	StateRunning  = "running"
	StateDetached = "detached"
	StateExited   = "exited"
)

// Worker is one row of list-workers.
type Worker struct {
	SessionID   string       `json:"sessionId"`
	Repo        string       `json:"repo"`
	RepoPath    string       `json:"repoPath"`
	Role        session.Role `json:"role"`
	Task        string       `json:"task"`
	CurrentStep string       `json:"currentStep,omitempty"`
	NextStep    string       `json:"nextStep,omitempty"`
	Progress    string       `json:"progress,omitempty"`
	State       string       `json:"state"`
	PID         int          `json:"pid,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	LastActive  time.Time    `json:"lastActive"`
	// Activity is a short summary of recent tool use.
	Activity string `json:"activity,omitempty"`
}

// CheckpointInfo describes a saved checkpoint.
type CheckpointInfo struct {
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	SavedAt   time.Time `json:"savedAt"`
	Summary   string    `json:"summary"`
}

// Response is the single reply line for a request.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// ping
	Version string `json:"version,omitempty"`
	PID     int    `json:"pid,omitempty"`

	// route, dispatch, create-worker, resume
	TargetSessionID string   `json:"targetSessionId,omitempty"`
	Created         bool     `json:"created,omitempty"`
	Tier            string   `json:"tier,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`

	Session    *session.Session    `json:"session,omitempty"`
	Workers    []Worker            `json:"workers,omitempty"`
	Projects   []projects.Project  `json:"projects,omitempty"`
	Discovery  *projects.Discovery `json:"discovery,omitempty"`
	Added      []string            `json:"added,omitempty"`
	Checkpoint *CheckpointInfo     `json:"checkpoint,omitempty"`
	Event      *Event              `json:"event,omitempty"`
}

// OK returns an empty success response.
func OK() *Response {
	return &Response{Status: StatusOK}
}

// Error converts err into an error response carrying its wire code.
func Error(err error) *Response {
	return &Response{
		Status:  StatusError,
		Message: err.Error(),
		Code:    errs.Code(err),
	}
}

// Err returns nil for success and a typed error otherwise.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = "request failed"
	}
	return errs.FromCode(r.Code, msg)
}

// Marshal renders r as one newline-terminated line.
func (r *Response) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, errs.Invalidf("malformed response: %v", err)
	}
	if r.Status != StatusOK && r.Status != StatusError {
		return nil, errs.Invalidf("response has unknown status %q", r.Status)
	}
	return &r, nil
}
