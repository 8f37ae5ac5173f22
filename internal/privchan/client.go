package privchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

// Client is the unprivileged end of the channel. One logical connection,
// one call in flight at a time; calls are serialized by a mutex, so there
// is never pipelining or overlap on the wire.
//
// A timeout abandons the client's wait only. The server may still apply
// the command's effect; callers needing certainty must re-query state.
type Client struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a channel client for the given socket path. timeout
// bounds each call when the caller's context carries no earlier deadline.
func NewClient(path string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for Client")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		path:    path,
		timeout: timeout,
		logger:  logger.With("component", "privchan_client"),
	}
}

// Send writes the framed command and waits for the framed response. Any
// failure — dial, timeout, transport, credential rejection, protocol —
// surfaces as *ChannelError; the originating request never just hangs.
func (c *Client) Send(ctx context.Context, cmd Command) (Response, error) {
	payload, err := EncodeCommand(cmd)
	if err != nil {
		return Response{}, newProtocolError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if c.conn == nil {
		dialer := net.Dialer{Deadline: deadline}
		conn, err := dialer.DialContext(ctx, "unix", c.path)
		if err != nil {
			return Response{}, classifyTransportError(fmt.Errorf("dial %s: %w", c.path, err))
		}
		c.conn = conn
		c.logger.Debug("connected to privileged channel", "socket", c.path)
	}

	response, err := c.roundTrip(payload, deadline)
	if err != nil {
		// A failed call leaves the connection in an unknown protocol
		// state; drop it and re-dial on the next call.
		c.dropConn()
		return Response{}, err
	}
	return response, nil
}

func (c *Client) roundTrip(payload []byte, deadline time.Time) (Response, error) {
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, newIOError(err)
	}

	if err := WriteFrame(c.conn, payload); err != nil {
		if peerHungUp(err) {
			return Response{}, newCredentialsError(errors.New("connection closed before response, peer rejected"))
		}
		return Response{}, classifyTransportError(fmt.Errorf("write command: %w", err))
	}

	raw, err := ReadFrame(c.conn)
	if err != nil {
		if peerHungUp(err) {
			// The server hangs up before answering exactly when it
			// rejects the peer's credentials.
			return Response{}, newCredentialsError(errors.New("connection closed before response, peer rejected"))
		}
		return Response{}, classifyTransportError(fmt.Errorf("read response: %w", err))
	}

	response, err := decodeResponse(raw)
	if err != nil {
		return Response{}, err
	}
	return response, nil
}

// Close drops the connection. The client remains usable; the next Send
// re-dials.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// peerHungUp reports whether the failure means the server closed the
// connection before responding. Depending on timing that surfaces as a
// clean EOF, a reset or a broken pipe.
func peerHungUp(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func classifyTransportError(err error) *ChannelError {
	var chanErr *ChannelError
	if errors.As(err, &chanErr) {
		return chanErr
	}
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return newTimeoutError(err)
	}
	return newIOError(err)
}
