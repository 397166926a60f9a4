package ftps

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// formatCommand joins a command and its arguments into one line without CRLF.
func formatCommand(command string, args ...string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// redact hides the password of a PASS command.
func redact(line string) string {
	if len(line) >= 4 && strings.EqualFold(line[:4], "PASS") {
		return "PASS ****"
	}
	return line
}

// control returns the control transport and its reader. It fails when the
// session is not connected or has been marked broken.
func (c *Client) control(op string) (transport, *bufio.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.ctrl == nil:
		return nil, nil, newError(KindIO, op, errNotConnected)
	case c.state == stateBroken:
		return nil, nil, newError(KindIO, op, errBroken)
	}
	return c.ctrl, c.reader, nil
}

// markBroken records that the control channel is out of sync with the server.
// Only Disconnect recovers from it.
func (c *Client) markBroken() {
	c.mu.Lock()
	if c.ctrl != nil {
		c.state = stateBroken
	}
	c.mu.Unlock()
}

// writeLine sends one command line followed by CRLF.
func (c *Client) writeLine(ctx context.Context, line string) error {
	ctrl, _, err := c.control("send")
	if err != nil {
		return err
	}

	c.logger.Debug("ftp command", "cmd", redact(line))

	done := armDeadline(ctx, ctrl, c.timeout)
	_, err = io.WriteString(ctrl, line+"\r\n")
	if err = done(err); err != nil {
		c.markBroken()
		return newError(KindIO, "send", errors.Wrapf(err, "send %s", commandName(line)))
	}

	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()
	return nil
}

// readResponse reads one reply from the control channel. Any failure leaves
// the channel out of sync, so the session is marked broken.
func (c *Client) readResponse(ctx context.Context) (*Reply, error) {
	ctrl, r, err := c.control("read reply")
	if err != nil {
		return nil, err
	}

	done := armDeadline(ctx, ctrl, c.timeout)
	reply, err := readReply(r)
	if err = done(err); err != nil {
		c.markBroken()
		var fe *Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, newError(KindIO, "read reply", err)
	}

	c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	return reply, nil
}

// command sends a command and returns the reply.
func (c *Client) command(ctx context.Context, command string, args ...string) (*Reply, error) {
	if err := c.writeLine(ctx, formatCommand(command, args...)); err != nil {
		return nil, err
	}
	return c.readResponse(ctx)
}

// expectCode sends a command and verifies the reply code is one of codes.
func (c *Client) expectCode(ctx context.Context, codes []int, command string, args ...string) (*Reply, error) {
	reply, err := c.command(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	if !hasCode(reply, codes...) {
		return reply, replyError(formatCommand(command, args...), reply)
	}
	return reply, nil
}

// expect is expectCode for a single code.
func (c *Client) expect(ctx context.Context, code int, command string, args ...string) (*Reply, error) {
	return c.expectCode(ctx, []int{code}, command, args...)
}

// expect2xx sends a command and verifies the reply is in the 2xx range (success).
func (c *Client) expect2xx(ctx context.Context, command string, args ...string) (*Reply, error) {
	reply, err := c.command(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	if !reply.Is2xx() {
		return reply, replyError(formatCommand(command, args...), reply)
	}
	return reply, nil
}

func hasCode(reply *Reply, codes ...int) bool {
	for _, code := range codes {
		if reply.Code == code {
			return true
		}
	}
	return false
}

func replyError(line string, reply *Reply) *ReplyError {
	return &ReplyError{Command: redact(line), Code: reply.Code, Message: reply.Message}
}

func commandName(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}

// SendCommand writes one raw command line to the control channel. CRLF is
// appended. The reply is left unread; collect it with ReadReply.
func (c *Client) SendCommand(ctx context.Context, line string) error {
	return c.do(func() error {
		return c.writeLine(ctx, strings.TrimRight(line, "\r\n"))
	})
}

// ReadReply reads one reply from the control channel.
func (c *Client) ReadReply(ctx context.Context) (*Reply, error) {
	var reply *Reply
	err := c.do(func() error {
		var err error
		reply, err = c.readResponse(ctx)
		return err
	})
	return reply, err
}

// Quote sends a raw command to the server and returns the reply, whatever
// its code. This allows sending commands that are not explicitly supported
// by the client.
//
// Example:
//
//	reply, err := client.Quote(ctx, "SITE", "CHMOD", "755", "script.sh")
func (c *Client) Quote(ctx context.Context, command string, args ...string) (*Reply, error) {
	var reply *Reply
	err := c.do(func() error {
		var err error
		reply, err = c.command(ctx, command, args...)
		return err
	})
	return reply, err
}
