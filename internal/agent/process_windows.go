//go:build windows

package agent

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func startPTY(*exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty sessions are not supported on windows")
}

func processGroupID(int) int { return 0 }

// Windows has no SIGTERM; terminate waits for the grace period and kill ends
// the process.
func terminate(int, int) error { return nil }

func kill(pid, _ int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
