package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client dials the supervisor's command socket. Each call is one
// connect/request/response exchange; the daemon closes the connection after
// answering.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout bounds the whole exchange: dial, write, and read.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// CommandError is a failure reported by the daemon itself, as opposed to a
// transport error. Code is one of the ErrCode constants.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Send performs one raw request/response exchange.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w (is it running? 'autobuild start' launches it)",
			c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// SendCommand builds a versioned request for command and sends it.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends a command and decodes the success payload. Daemon-side failures
// come back as *CommandError so callers can branch on the code.
func (c *Client) Call(command string, params any) (map[string]any, error) {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &CommandError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var data map[string]any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return data, nil
}

// Ping reports whether a daemon is answering on the socket.
func (c *Client) Ping() error {
	_, err := c.Call("ping", nil)
	return err
}

// EnqueueBuild queues a build for the given reason.
func (c *Client) EnqueueBuild(reason string) (map[string]any, error) {
	return c.Call("build", map[string]string{"reason": reason})
}

// SetAutonomy changes the daemon's autonomy level.
func (c *Client) SetAutonomy(level string) (map[string]any, error) {
	return c.Call("set-autonomy", map[string]string{"level": level})
}

// RequestShutdown asks the daemon to stop gracefully.
func (c *Client) RequestShutdown() (map[string]any, error) {
	return c.Call("shutdown", nil)
}
