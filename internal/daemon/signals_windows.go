//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

func daemonSignals() []os.Signal {
	return []os.Signal{
		syscall.SIGINT,
		syscall.SIGTERM,
	}
}

// isReloadSignal is always false: Windows has no SIGHUP.
func isReloadSignal(sig os.Signal) bool {
	return false
}

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminate has no graceful form on Windows; the daemon is killed and its
// sessions are not checkpointed.
func terminate(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
