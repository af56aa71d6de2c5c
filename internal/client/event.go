package client

import (
	"context"
	"time"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/protocol"
)

// SendEvent delivers ev fire-and-forget. It returns within timeout whether
// or not the daemon is there, and never reports an error: a missing or
// slow daemon just means the event is dropped.
func SendEvent(paths config.Paths, ev *protocol.PluginEvent, timeout time.Duration) {
	if timeout <= 0 {
		timeout = config.DefaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(paths).Send(ctx, ev)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
