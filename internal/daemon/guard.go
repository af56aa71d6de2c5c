package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conductor-dev/conductor/internal/client"
)

// rebindDelay lets a burst of directory events settle before rebinding.
const rebindDelay = 100 * time.Millisecond

// guardSocket watches the socket's directory and rebinds when the socket
// file (or the descriptor) is deleted out from under a running daemon, so
// hooks and CLI clients keep finding it.
func (d *Daemon) guardSocket(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("socket guard disabled", "error", err)
		return
	}
	defer w.Close()

	dirs := map[string]bool{filepath.Dir(d.cfg.SocketPath): true, filepath.Dir(d.paths.Descriptor()): true}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			d.log.Warn("socket guard cannot watch directory", "dir", dir, "error", err)
			return
		}
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Name == d.cfg.SocketPath || ev.Name == d.paths.Descriptor() {
				settle = time.After(rebindDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn("socket guard error", "error", err)
		case <-settle:
			settle = nil
			d.repairSocket(ctx)
		}
	}
}

// repairSocket restores whichever of the socket and descriptor is missing.
func (d *Daemon) repairSocket(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Lstat(d.cfg.SocketPath); os.IsNotExist(err) {
		if err := d.listen(ctx); err != nil {
			d.log.Error("rebinding socket", "error", err)
			return
		}
		d.log.Warn("socket file was removed; rebound", "socket", d.cfg.SocketPath)
	}
	if _, err := client.ReadDescriptor(d.paths.Descriptor()); err != nil {
		if err := client.WriteDescriptor(d.paths.Descriptor(), client.Descriptor{
			SocketPath: d.cfg.SocketPath,
			PID:        os.Getpid(),
			StartedAt:  d.startedAt,
		}); err != nil {
			d.log.Error("rewriting descriptor", "error", err)
			return
		}
		d.log.Warn("descriptor was removed; rewritten", "path", d.paths.Descriptor())
	}
}
