//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func daemonSignals() []os.Signal {
	return []os.Signal{
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
	}
}

// isReloadSignal reports whether sig asks for settings and the project
// index to be re-read rather than for shutdown.
func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}

// detach puts the daemon in its own process group so it outlives the
// terminal that started it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate asks pid to shut down gracefully.
func terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// kill ends pid immediately.
func kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
