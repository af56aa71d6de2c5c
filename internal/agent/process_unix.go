//go:build !windows

package agent

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// startPTY runs cmd as a session leader on a new pseudo-terminal.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
}

func processGroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

func signalGroup(pid, pgid int, sig syscall.Signal) error {
	if pgid > 0 && pgid != syscall.Getpgrp() {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

func terminate(pid, pgid int) error {
	if err := signalGroup(pid, pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

func kill(pid, pgid int) error {
	if err := signalGroup(pid, pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
