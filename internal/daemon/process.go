package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/conductor-dev/conductor/internal/client"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/lock"
)

const (
	// startWait bounds how long Start waits for the new daemon's first ping.
	startWait = 5 * time.Second
	// pollInterval is the spacing of liveness checks while starting or stopping.
	pollInterval = 100 * time.Millisecond
)

// Start launches `exe daemon run` detached from the calling terminal and
// waits until it answers ping. The child's output goes to the daemon log.
func Start(ctx context.Context, home, exe string, extraArgs ...string) (int, error) {
	cfg := DefaultConfig(home)
	c := client.New(cfg.Paths())
	if c.Running(ctx) {
		return 0, ErrAlreadyRunning
	}
	if err := cfg.Paths().EnsureHome(); err != nil {
		return 0, err
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	args := append([]string{"daemon", "run"}, extraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), config.HomeEnv+"="+home)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		// The socket path may only be known once the descriptor is written.
		if client.New(cfg.Paths()).Running(ctx) {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return pid, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return pid, fmt.Errorf("daemon (pid %d) did not answer within %s; see %s", pid, startWait, cfg.LogFile)
}

// Stop terminates the daemon owning home: SIGTERM first, then SIGKILL once
// timeout passes. It returns the stopped PID.
func Stop(home string, timeout time.Duration) (int, error) {
	cfg := DefaultConfig(home)
	pid, err := RunningPID(home)
	if err != nil {
		return 0, err
	}

	if err := terminate(pid); err != nil {
		return pid, fmt.Errorf("signalling daemon %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !lock.ProcessAlive(pid) {
			return pid, nil
		}
		time.Sleep(pollInterval)
	}

	if err := kill(pid); err != nil && lock.ProcessAlive(pid) {
		return pid, fmt.Errorf("killing daemon %d: %w", pid, err)
	}
	// A killed daemon leaves its socket and descriptor behind.
	_ = os.Remove(cfg.SocketPath)
	_ = os.Remove(cfg.Paths().Descriptor())
	return pid, nil
}

// RunningPID finds the live daemon from the lock file, falling back to the
// descriptor for daemons whose lock info was truncated.
func RunningPID(home string) (int, error) {
	cfg := DefaultConfig(home)
	info, err := lock.New(cfg.LockFile).Owner()
	if err == nil {
		return info.PID, nil
	}
	desc, derr := client.ReadDescriptor(cfg.Paths().Descriptor())
	if derr != nil || desc.PID == 0 {
		return 0, ErrNotRunning
	}
	if !lock.ProcessAlive(desc.PID) {
		return 0, ErrNotRunning
	}
	return desc.PID, nil
}

// ErrNotRunning reports that no daemon owns the home directory.
var ErrNotRunning = errors.New("daemon is not running")
