package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/protocol"
)

// shortDir keeps socket paths under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// serve answers each connection with handle(request line, conn).
func serve(t *testing.T, handle func(line []byte, conn net.Conn)) string {
	t.Helper()
	sock := filepath.Join(shortDir(t), "s.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				line, err := r.ReadBytes('\n')
				if err != nil {
					return
				}
				handle(line, conn)
			}()
		}
	}()
	return sock
}

func reply(conn net.Conn, resp *protocol.Response) {
	data, _ := resp.Marshal()
	conn.Write(data)
}

func TestDo_RoundTrip(t *testing.T) {
	sock := serve(t, func(line []byte, conn net.Conn) {
		req, err := protocol.Decode(line)
		if err != nil {
			reply(conn, protocol.Error(err))
			return
		}
		r := req.(*protocol.Route)
		resp := protocol.OK()
		resp.TargetSessionID = r.Query + "-1234"
		reply(conn, resp)
	})

	resp, err := NewSocket(sock).Do(context.Background(), &protocol.Route{Query: "web", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "web-1234", resp.TargetSessionID)
}

func TestDo_ErrorResponseIsClassified(t *testing.T) {
	sock := serve(t, func(_ []byte, conn net.Conn) {
		reply(conn, protocol.Error(errs.NotFoundf("session ghost")))
	})

	resp, err := NewSocket(sock).Do(context.Background(), &protocol.Dispatch{SessionID: "ghost", Message: "m"})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrNotFound))
	require.Equal(t, "not found: session ghost", err.Error())
	require.Equal(t, protocol.StatusError, resp.Status)
}

func TestDo_NoSocket(t *testing.T) {
	_, err := NewSocket(filepath.Join(shortDir(t), "none.sock")).Do(context.Background(), &protocol.Ping{})
	require.True(t, errors.Is(err, errs.ErrUnreachable), "got %v", err)
}

func TestPing_UnresponsiveSocketIsNotRunning(t *testing.T) {
	sock := serve(t, func(_ []byte, conn net.Conn) {
		time.Sleep(3 * time.Second)
	})

	c := NewSocket(sock)
	start := time.Now()
	_, err := c.Ping(context.Background())
	require.True(t, errors.Is(err, errs.ErrUnreachable), "got %v", err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, c.Running(context.Background()))
}

func TestPing_Healthy(t *testing.T) {
	sock := serve(t, func(_ []byte, conn net.Conn) {
		resp := protocol.OK()
		resp.PID = 42
		reply(conn, resp)
	})
	resp, err := NewSocket(sock).Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, resp.PID)
}

func TestSendEvent_NoDaemonReturnsQuickly(t *testing.T) {
	paths := config.NewPaths(shortDir(t))
	start := time.Now()
	SendEvent(paths, &protocol.PluginEvent{SessionID: "s1", Payload: protocol.ToolPayload{Tool: "Read"}}, 500*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
}

func TestSendEvent_Delivers(t *testing.T) {
	home := shortDir(t)
	paths := config.NewPaths(home)
	got := make(chan []byte, 1)

	ln, err := net.Listen("unix", paths.Socket())
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadBytes('\n')
		got <- line
	}()

	SendEvent(paths, &protocol.PluginEvent{SessionID: "s1", Payload: protocol.ToolPayload{Tool: "Read", Target: "a.go"}}, time.Second)

	select {
	case line := <-got:
		req, err := protocol.Decode(line)
		require.NoError(t, err)
		ev := req.(*protocol.PluginEvent)
		require.Equal(t, "a.go", ev.Payload.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribe(t *testing.T) {
	sock := serve(t, func(line []byte, conn net.Conn) {
		req, err := protocol.Decode(line)
		if err != nil || req.RequestType() != protocol.TypeSubscribe {
			reply(conn, protocol.Error(errs.Invalidf("bad")))
			return
		}
		reply(conn, protocol.OK())
		for _, kind := range []string{protocol.EventSessionCreated, protocol.EventToolUse} {
			data, _ := json.Marshal(protocol.Event{Kind: kind, SessionID: "s1"})
			conn.Write(append(data, '\n'))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewSocket(sock).Subscribe(ctx, "s1")
	require.NoError(t, err)

	var kinds []string
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{protocol.EventSessionCreated, protocol.EventToolUse}, kinds)
}

func TestDescriptor(t *testing.T) {
	paths := config.NewPaths(shortDir(t))
	require.Equal(t, paths.Socket(), SocketPath(paths))

	_, err := ReadDescriptor(paths.Descriptor())
	require.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, WriteDescriptor(paths.Descriptor(), Descriptor{SocketPath: "/run/x.sock", PID: 7, StartedAt: time.Now()}))
	d, err := ReadDescriptor(paths.Descriptor())
	require.NoError(t, err)
	require.Equal(t, "/run/x.sock", d.SocketPath)
	require.Equal(t, "/run/x.sock", SocketPath(paths))

	require.NoError(t, os.WriteFile(paths.Descriptor(), []byte(`{"pid":1}`), 0600))
	_, err = ReadDescriptor(paths.Descriptor())
	require.True(t, errors.Is(err, errs.ErrInvalid))
}
