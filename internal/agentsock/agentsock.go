// Package agentsock talks to the local monitoring agent over its unix socket.
// Every use is one connect-read-disconnect; connections are never shared.
package agentsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/gurisko/agentctl/internal/limits"
)

// ErrUnavailable indicates the agent socket could not be reached
var ErrUnavailable = errors.New("agent socket unavailable")

// DefaultTimeout bounds a health check when none is configured
const DefaultTimeout = 2 * time.Second

// Health is the result of one reachability probe
type Health struct {
	Operational bool   `json:"operational"`
	Reason      string `json:"reason,omitempty"`
	Path        string `json:"path"`
}

// Client reaches the agent socket at a fixed path
type Client struct {
	path    string
	timeout time.Duration
}

// New creates a Client. A non-positive timeout falls back to DefaultTimeout.
func New(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{path: path, timeout: timeout}
}

// Path returns the socket location
func (c *Client) Path() string { return c.path }

// Check reports whether the socket accepts a connection. It never reads
// agent data and returns within the configured timeout.
func (c *Client) Check(ctx context.Context) Health {
	h := Health{Path: c.path}
	conn, err := c.Dial(ctx)
	if err != nil {
		h.Reason = Reason(err)
		return h
	}
	_ = conn.Close()
	h.Operational = true
	return h
}

// Dial opens a fresh connection to the agent
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return conn, nil
}

// ReadSnapshot reads one complete agent output. The read must finish
// before readTimeout elapses and is capped at limits.Snapshot bytes.
func (c *Client) ReadSnapshot(ctx context.Context, readTimeout time.Duration) ([]byte, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data, err := io.ReadAll(io.LimitReader(conn, limits.Snapshot+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading agent output: %w", ErrUnavailable, err)
	}
	if len(data) > limits.Snapshot {
		return nil, fmt.Errorf("agent output exceeds %d bytes", limits.Snapshot)
	}
	return data, nil
}

// Reason turns a dial error into a short reason for status output and
// error banners
func Reason(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return "socket not found"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return "permission denied"
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return "timed out"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}
	return err.Error()
}

// Banner is what a remote site receives instead of agent output when the
// agent socket cannot be reached
func Banner(reason string) []byte {
	return []byte(limits.ErrorBanner + "\n" + reason + "\n")
}
