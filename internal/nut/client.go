package nut

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	defaultDialTimeout = 5 * time.Second
	logoutGrace        = 500 * time.Millisecond

	listBegin = "BEGIN LIST"
	listEnd   = "END LIST"
	okReply   = "OK"
)

// Options tune the socket behaviour of a Client.
type Options struct {
	// DialTimeout bounds the TCP connect. Zero means 5s.
	DialTimeout time.Duration
	// ReadGuard is a last-resort bound on a single exchange, applied as a
	// socket deadline when it is sooner than the context deadline. Zero
	// disables it.
	ReadGuard time.Duration
}

// Client is a single authenticated connection to a NUT server.
// It is not safe for concurrent use.
type Client struct {
	target Target
	opts   Options
	conn   net.Conn
	reader *bufio.Reader
	broken error
}

var _ Session = (*Client)(nil)

// Dial opens a connection to target and authenticates if the target carries
// credentials.
func Dial(ctx context.Context, target Target, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, target.Address(), err)
	}

	c := newClient(conn, target, opts)
	if err := c.login(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn net.Conn, target Target, opts Options) *Client {
	return &Client{
		target: target,
		opts:   opts,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Target returns the server this client is connected to.
func (c *Client) Target() Target { return c.target }

func (c *Client) login(ctx context.Context) error {
	if c.target.Username == "" {
		return nil
	}
	if err := c.credential(ctx, "USERNAME", c.target.Username); err != nil {
		return err
	}
	if c.target.Password == "" {
		return nil
	}
	return c.credential(ctx, "PASSWORD", c.target.Password)
}

func (c *Client) credential(ctx context.Context, verb, value string) error {
	resp, err := c.Send(ctx, verb+" "+value)
	if err != nil {
		return err
	}
	reply := strings.TrimSpace(resp)
	if reply != okReply && !strings.HasPrefix(reply, okReply+" ") {
		return fmt.Errorf("%w: %s rejected: %s", ErrAuthFailed, verb, reply)
	}
	return nil
}

// Send writes one command and reads exactly one logical response: either a
// single line, or every line from BEGIN LIST through END LIST inclusive.
// Lines in the returned text are newline-terminated.
func (c *Client) Send(ctx context.Context, command string) (string, error) {
	if c.conn == nil {
		return "", fmt.Errorf("%w: client closed", ErrConnectionFailed)
	}
	if c.broken != nil {
		return "", &IOError{Op: "send", Err: fmt.Errorf("session unusable after earlier failure: %w", c.broken)}
	}

	stop := c.bound(ctx)
	defer stop()

	if _, err := io.WriteString(c.conn, command+"\n"); err != nil {
		return "", c.fail(ctx, "write", err)
	}

	first, err := c.readLine()
	if err != nil {
		return "", c.fail(ctx, "read", err)
	}

	var b strings.Builder
	b.WriteString(first)
	b.WriteByte('\n')
	if !strings.HasPrefix(first, listBegin) {
		return b.String(), nil
	}

	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrTruncated
			}
			return "", c.fail(ctx, "read list", err)
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.HasPrefix(line, listEnd) {
			return b.String(), nil
		}
	}
}

// readLine returns one line without its terminator. A partial line followed
// by EOF is reported as EOF.
func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// bound applies the sooner of the context deadline and the read guard to the
// socket, and unblocks I/O if the context is cancelled.
func (c *Client) bound(ctx context.Context) func() {
	var deadline time.Time
	if c.opts.ReadGuard > 0 {
		deadline = time.Now().Add(c.opts.ReadGuard)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	conn := c.conn
	_ = conn.SetDeadline(deadline)

	stopAfter := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stopAfter()
		_ = conn.SetDeadline(time.Time{})
	}
}

// fail records a mid-exchange transport failure. The stream may be
// desynchronised afterwards, so the client refuses further sends.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	c.broken = err
	return &IOError{Op: op, Err: err}
}

// Close sends a best-effort LOGOUT and closes the socket. It always returns
// nil and may be called more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	_ = conn.SetWriteDeadline(time.Now().Add(logoutGrace))
	_, _ = io.WriteString(conn, "LOGOUT\n")
	_ = conn.Close()
	return nil
}

// FetchTelemetry issues LIST VAR for device and parses the reply.
func (c *Client) FetchTelemetry(ctx context.Context, device string) (Telemetry, error) {
	resp, err := c.query(ctx, "LIST VAR "+device)
	if err != nil {
		return Telemetry{}, err
	}
	return ParseVariables(resp), nil
}

// ListDevices issues LIST UPS.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := c.query(ctx, "LIST UPS")
	if err != nil {
		return nil, err
	}
	return parseDevices(resp), nil
}

// ListCommands issues LIST CMD for device.
func (c *Client) ListCommands(ctx context.Context, device string) ([]string, error) {
	resp, err := c.query(ctx, "LIST CMD "+device)
	if err != nil {
		return nil, err
	}
	return parseCommands(resp), nil
}

// RunCommand issues INSTCMD. Any reply other than exactly OK is a
// *CommandError; the session stays usable.
func (c *Client) RunCommand(ctx context.Context, device, command string) error {
	line := "INSTCMD " + device + " " + command
	resp, err := c.Send(ctx, line)
	if err != nil {
		return err
	}
	if reply := strings.TrimSpace(resp); reply != okReply {
		return &CommandError{Command: command, Detail: reply}
	}
	return nil
}

func (c *Client) query(ctx context.Context, command string) (string, error) {
	resp, err := c.Send(ctx, command)
	if err != nil {
		return "", err
	}
	if code, ok := errorCode(resp); ok {
		return "", &ServerError{Command: command, Code: code}
	}
	return resp, nil
}

func errorCode(resp string) (string, bool) {
	line := strings.TrimSpace(resp)
	if !strings.HasPrefix(line, "ERR") {
		return "", false
	}
	code := strings.TrimSpace(strings.TrimPrefix(line, "ERR"))
	if code == "" {
		code = "UNKNOWN"
	}
	return code, true
}
