// Package client talks to a running conductor daemon over its Unix socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/util"
)

// PingTimeout bounds liveness checks. A socket that accepts but does not
// answer within it counts as not running.
const PingTimeout = time.Second

// DefaultRequestTimeout bounds request/response exchanges.
const DefaultRequestTimeout = 30 * time.Second

// Descriptor is the discovery file written by the daemon.
type Descriptor struct {
	SocketPath string    `json:"socketPath"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
}

// ReadDescriptor loads the descriptor at path.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf("no daemon descriptor at %s", path)
		}
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	if d.SocketPath == "" {
		return nil, errs.Invalidf("descriptor %s has no socketPath", path)
	}
	return &d, nil
}

// WriteDescriptor atomically writes d to path.
func WriteDescriptor(path string, d Descriptor) error {
	return util.AtomicWriteJSON(path, d)
}

// SocketPath resolves the daemon socket: the descriptor if present, else
// the default location.
func SocketPath(paths config.Paths) string {
	if d, err := ReadDescriptor(paths.Descriptor()); err == nil {
		return d.SocketPath
	}
	return paths.Socket()
}

// Client sends requests to the daemon.
type Client struct {
	socket  string
	timeout time.Duration
}

// New returns a client for the daemon under paths.
func New(paths config.Paths) *Client {
	return NewSocket(SocketPath(paths))
}

// NewSocket returns a client for an explicit socket path.
func NewSocket(socket string) *Client {
	return &Client{socket: socket, timeout: DefaultRequestTimeout}
}

// WithTimeout returns a copy using d for request/response exchanges.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// Socket returns the socket path in use.
func (c *Client) Socket() string {
	return c.socket
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}
	return conn, nil
}

// Do sends req and waits for exactly one response line. A daemon error
// response is returned both as the Response and as a classified error.
func (c *Client) Do(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	line, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("%w: writing request: %v", errs.ErrUnreachable, err)
	}

	reader := bufio.NewReader(conn)
	data, err := readLine(reader)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: waiting for %s response", errs.ErrTimeout, req.RequestType())
		}
		return nil, fmt.Errorf("%w: reading response: %v", errs.ErrUnreachable, err)
	}
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// Send writes req without waiting for a response.
func (c *Client) Send(ctx context.Context, req protocol.Request) error {
	line, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	_, err = conn.Write(line)
	return err
}

// Ping checks liveness within PingTimeout.
func (c *Client) Ping(ctx context.Context) (*protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	resp, err := c.Do(ctx, &protocol.Ping{})
	if err != nil {
		if errors.Is(err, errs.ErrTimeout) {
			return nil, fmt.Errorf("%w: socket %s did not answer ping", errs.ErrUnreachable, c.socket)
		}
		return nil, err
	}
	return resp, nil
}

// Running reports whether a daemon answers on the socket.
func (c *Client) Running(ctx context.Context) bool {
	_, err := c.Ping(ctx)
	return err == nil
}

// Subscribe opens a long-lived subscription. Events arrive on the returned
// channel until ctx is done or the daemon closes the connection.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan protocol.Event, error) {
	line, err := protocol.Encode(&protocol.Subscribe{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: writing subscribe: %v", errs.ErrUnreachable, err)
	}

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(PingTimeout * 5))
	ack, err := readLine(reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for subscribe ack: %v", errs.ErrUnreachable, err)
	}
	resp, err := protocol.DecodeResponse(ack)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	out := make(chan protocol.Event, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			data, err := readLine(reader)
			if err != nil {
				return
			}
			var ev protocol.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > protocol.MaxLineBytes {
			return nil, errs.Invalidf("line exceeds %d bytes", protocol.MaxLineBytes)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}
