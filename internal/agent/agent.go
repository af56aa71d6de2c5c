// Package agent spawns and supervises coding-agent subprocesses, one per
// session.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/errs"
)

// Environment variables exported to every session subprocess.
const (
	EnvSessionID = "CONDUCTOR_SESSION_ID"
	EnvSocket    = "CONDUCTOR_SOCKET"
)

// SkipPermissionsFlag is appended when settings allow unattended sessions.
const SkipPermissionsFlag = "--dangerously-skip-permissions"

// DefaultStopGrace is how long Stop waits after SIGTERM before killing.
const DefaultStopGrace = 5 * time.Second

// DefaultSendTimeout bounds one Send when the agent is not reading input.
const DefaultSendTimeout = 10 * time.Second

// Spec describes one subprocess launch.
type Spec struct {
	SessionID   string
	Dir         string
	Command     string
	Args        []string
	InputFormat string
	UsePTY      bool
	Env         []string
	// Output receives stdout and stderr. Nil discards.
	Output io.Writer
	// SendTimeout bounds each Send. Zero means DefaultSendTimeout.
	SendTimeout time.Duration
}

// SpecFor builds a Spec from the current settings. Permission flags are
// derived here so a settings change applies to the next session created.
func SpecFor(s *config.Settings, paths config.Paths, sessionID, dir string) Spec {
	args := append([]string(nil), s.AgentArgs...)
	if s.SkipPermissions {
		args = append(args, SkipPermissionsFlag)
	}
	return Spec{
		SessionID:   sessionID,
		Dir:         dir,
		Command:     s.AgentCommand,
		Args:        args,
		InputFormat: s.InputFormat,
		UsePTY:      s.UsePTY,
		Env: []string{
			EnvSessionID + "=" + sessionID,
			config.HomeEnv + "=" + paths.Home,
			EnvSocket + "=" + paths.Socket(),
		},
	}
}

// Handle is a running (or finished) session subprocess.
type Handle interface {
	PID() int
	Send(message string) error
	Stop(grace time.Duration) error
	Done() <-chan struct{}
	Err() error
}

// Launcher starts session subprocesses. When LogDir is set, each session's
// output is appended to <LogDir>/<session>.log.
type Launcher struct {
	LogDir string
}

// Spawn starts spec. onExit, if set, runs once after the process is reaped.
func (l Launcher) Spawn(spec Spec, onExit func(error)) (Handle, error) {
	var logFile *os.File
	if spec.Output == nil && l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0700); err != nil {
			return nil, fmt.Errorf("creating session log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(l.LogDir, spec.SessionID+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening session log: %w", err)
		}
		logFile = f
		spec.Output = f
	}

	p, err := Start(spec, func(err error) {
		if logFile != nil {
			logFile.Close()
		}
		if onExit != nil {
			onExit(err)
		}
	})
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	return p, nil
}

// Process is a spawned session subprocess.
type Process struct {
	spec Spec
	cmd  *exec.Cmd
	pgid int

	// mu guards stdin, killed and exitErr. It is never held across I/O.
	mu     sync.Mutex
	stdin  io.WriteCloser
	killed bool

	// writing is a one-slot semaphore held for the duration of a frame write,
	// so frames never interleave.
	writing chan struct{}

	done    chan struct{}
	exitErr error
}

// Start launches spec and begins reaping it in the background.
func Start(spec Spec, onExit func(error)) (*Process, error) {
	if spec.Command == "" {
		return nil, errs.Invalidf("no agent command configured")
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil || !info.IsDir() {
			return nil, errs.Invalidf("working directory %s is not a directory", spec.Dir)
		}
	}
	out := spec.Output
	if out == nil {
		out = io.Discard
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	if spec.SendTimeout <= 0 {
		spec.SendTimeout = DefaultSendTimeout
	}
	p := &Process{spec: spec, cmd: cmd, done: make(chan struct{}), writing: make(chan struct{}, 1)}

	var copyDone chan struct{}
	if spec.UsePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			return nil, fmt.Errorf("starting %s in pty: %w", spec.Command, err)
		}
		p.stdin = ptmx
		copyDone = make(chan struct{})
		go func() {
			defer close(copyDone)
			_, _ = io.Copy(out, ptmx)
		}()
	} else {
		setProcessGroup(cmd)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		cmd.Stdout = out
		cmd.Stderr = out
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
		}
		p.stdin = stdin
	}
	p.pgid = processGroupID(cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		if copyDone != nil {
			// the reader sees EIO once the pty buffer is drained
			select {
			case <-copyDone:
			case <-time.After(time.Second):
			}
			p.closeStdin()
			<-copyDone
		}
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		if onExit != nil {
			onExit(err)
		}
	}()
	return p, nil
}

// PID returns the subprocess pid.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Send writes message to the session's input stream using its input format.
// It gives up after SendTimeout if the agent is not reading; the
// partial frame still completes before the next Send may write.
func (p *Process) Send(message string) error {
	data, err := Frame(p.spec.InputFormat, message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(p.spec.SendTimeout)
	defer timer.Stop()

	select {
	case p.writing <- struct{}{}:
	case <-p.done:
		return p.exitedErr()
	case <-timer.C:
		return fmt.Errorf("%w: session %s is busy with an earlier message", errs.ErrUnreachable, p.spec.SessionID)
	}

	w := p.input()
	if w == nil || p.Exited() {
		<-p.writing
		return p.exitedErr()
	}

	result := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		<-p.writing
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: writing to session %s: %v", errs.ErrUnreachable, p.spec.SessionID, err)
		}
		return nil
	case <-p.done:
		return p.exitedErr()
	case <-timer.C:
		return fmt.Errorf("%w: session %s is not reading its input", errs.ErrUnreachable, p.spec.SessionID)
	}
}

func (p *Process) exitedErr() error {
	return fmt.Errorf("%w: session %s has exited", errs.ErrUnreachable, p.spec.SessionID)
}

func (p *Process) input() io.WriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// closeStdin unblocks any pending write. The close happens outside mu.
func (p *Process) closeStdin() {
	p.mu.Lock()
	w := p.stdin
	p.stdin = nil
	p.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

// Stop sends SIGTERM to the process group, closes stdin and kills the group
// if it has not exited after grace. A Send blocked on a full pipe does not
// delay it.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	termErr := terminate(p.cmd.Process.Pid, p.pgid)
	p.closeStdin()
	if termErr != nil && !errors.Is(termErr, os.ErrProcessDone) {
		return fmt.Errorf("signalling session %s: %w", p.spec.SessionID, termErr)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := kill(p.cmd.Process.Pid, p.pgid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing session %s: %w", p.spec.SessionID, err)
	}
	<-p.done
	return nil
}

// Frame encodes message for the given input format.
func Frame(format, message string) ([]byte, error) {
	switch format {
	case config.InputText:
		return []byte(message + "\n"), nil
	case config.InputStreamJSON, "":
		data, err := json.Marshal(userMessage{
			Type:    "user",
			Message: userContent{Role: "user", Content: message},
		})
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, errs.Invalidf("unknown input format %q", format)
	}
}

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
