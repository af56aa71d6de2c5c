package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/protocol"
)

const (
	// readTimeout bounds how long a client may take to send its request.
	readTimeout = 10 * time.Second
	// writeTimeout bounds each response or streamed event write.
	writeTimeout = 5 * time.Second
	// staleDialTimeout bounds the probe of an existing socket file.
	staleDialTimeout = 500 * time.Millisecond
)

// listen binds the socket, replacing a stale file left by a crashed daemon,
// and starts accepting on it.
func (d *Daemon) listen(ctx context.Context) error {
	if err := cleanStaleSocket(d.cfg.SocketPath); err != nil {
		return fmt.Errorf("stale socket check %s: %w", d.cfg.SocketPath, err)
	}

	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", d.cfg.SocketPath, err)
	}

	d.lnMu.Lock()
	old := d.listener
	d.listener = ln
	d.lnMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	d.safeGo(func() { d.acceptLoop(ctx, ln) })
	return nil
}

// cleanStaleSocket removes path if nothing answers on it. A live listener
// is an error so a second daemon never steals the socket.
func cleanStaleSocket(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	conn, err := net.DialTimeout("unix", path, staleDialTimeout)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("another process is listening on %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// acceptLoop accepts connections until ln is closed.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Debug("accept failed", "error", err)
			continue
		}
		select {
		case d.acceptSem <- struct{}{}:
			d.safeGo(func() {
				var once sync.Once
				release := func() { once.Do(func() { <-d.acceptSem }) }
				defer release()
				d.handleConn(ctx, conn, release)
			})
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// handleConn reads exactly one request line and answers it. tool_use events
// get no reply; subscribe keeps the connection open after giving back its
// accept slot through release.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn, release func()) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	if !scanner.Scan() {
		if errors.Is(scanner.Err(), bufio.ErrTooLong) {
			d.reply(conn, protocol.Error(errs.Invalidf("request exceeds %d bytes", protocol.MaxLineBytes)))
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := protocol.Decode(scanner.Bytes())
	if err != nil {
		d.log.Debug("rejected request", "error", err)
		d.reply(conn, protocol.Error(err))
		return
	}
	d.requests.Add(1)

	switch r := req.(type) {
	case *protocol.PluginEvent:
		d.seq.Submit(r.SessionID, r)
		return
	case *protocol.Subscribe:
		release()
		d.stream(ctx, conn, r)
		return
	}

	resp := d.gw.Handle(ctx, req)
	d.reply(conn, resp)
	d.auditRequest(req, resp)
}

func (d *Daemon) reply(conn net.Conn, resp *protocol.Response) {
	data, err := resp.Marshal()
	if err != nil {
		d.log.Error("encoding response", "error", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(data); err != nil {
		d.log.Debug("writing response", "error", err)
	}
}

// stream acknowledges a subscription and forwards bus events until the
// client disconnects or the daemon stops.
func (d *Daemon) stream(ctx context.Context, conn net.Conn, sub *protocol.Subscribe) {
	ch, cancel, err := d.bus.Attach(func(ev protocol.Event) bool {
		return sub.SessionID == "" || ev.SessionID == sub.SessionID
	})
	if err != nil {
		d.reply(conn, protocol.Error(fmt.Errorf("subscribe refused: %w", err)))
		return
	}
	defer cancel()

	d.reply(conn, protocol.OK())
	d.log.Debug("subscriber attached", "session", sub.SessionID)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		// Any read result means the client hung up.
		_, _ = io.Copy(io.Discard, conn)
		stop()
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

// auditRequest appends one audit record per answered request. Pings are
// not recorded.
func (d *Daemon) auditRequest(req protocol.Request, resp *protocol.Response) {
	if req.RequestType() == protocol.TypePing {
		return
	}

	var payload map[string]interface{}
	if r, ok := req.(*protocol.Route); ok {
		payload = events.RoutePayload(r.Query, resp.Tier, resp.TargetSessionID, resp.Created)
	} else {
		payload = map[string]interface{}{}
	}
	payload["request"] = string(req.RequestType())
	payload["status"] = resp.Status
	if resp.Code != "" {
		payload["code"] = resp.Code
	}
	_ = d.audit.Audit(events.TypeRequest, resp.TargetSessionID, payload)
}
