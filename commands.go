package ftps

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CurrentDir returns the current working directory (PWD).
// The server answers e.g. `257 "/home/user" is the current directory`; the
// quoted path is returned, or the whole message when nothing is quoted.
func (c *Client) CurrentDir(ctx context.Context) (string, error) {
	var dir string
	err := c.do(func() error {
		reply, err := c.expect(ctx, 257, "PWD")
		if err != nil {
			return err
		}
		dir = quotedPath(reply.Message)
		return nil
	})
	return dir, err
}

// quotedPath extracts the path from a 257 reply. An embedded quote is sent
// doubled (RFC 959 appendix II). Without a complete quoted string the whole
// message is returned.
func quotedPath(msg string) string {
	start := strings.IndexByte(msg, '"')
	if start == -1 {
		return msg
	}
	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String()
	}
	return msg
}

// ChangeDir changes the current working directory.
func (c *Client) ChangeDir(ctx context.Context, path string) error {
	return c.do(func() error {
		_, err := c.expect(ctx, 250, "CWD", path)
		return err
	})
}

// MakeDir creates a new directory.
func (c *Client) MakeDir(ctx context.Context, path string) error {
	return c.do(func() error {
		_, err := c.expect(ctx, 257, "MKD", path)
		return err
	})
}

// RemoveDir removes an empty directory.
func (c *Client) RemoveDir(ctx context.Context, path string) error {
	return c.do(func() error {
		_, err := c.expect(ctx, 250, "RMD", path)
		return err
	})
}

// Delete deletes a file.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(func() error {
		_, err := c.expect(ctx, 250, "DELE", path)
		return err
	})
}

// Size returns the size of a file in bytes. A reply that is not a number is
// a KindFormat error.
func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := c.do(func() error {
		var err error
		size, err = c.size(ctx, path)
		return err
	})
	return size, err
}

func (c *Client) size(ctx context.Context, path string) (int64, error) {
	reply, err := c.expect(ctx, 213, "SIZE", path)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
	if err != nil || size < 0 {
		return 0, newError(KindFormat, "SIZE", errors.Errorf("invalid SIZE reply: %q", reply.Message))
	}
	return size, nil
}

// SetTransferType switches the representation type with TYPE. The local
// state changes only when the server accepts the command (200).
func (c *Client) SetTransferType(ctx context.Context, t TransferType) error {
	return c.do(func() error {
		c.mu.Lock()
		current := c.typeAcked && c.typ == t
		c.mu.Unlock()
		if current {
			c.logger.Debug("transfer type already set, skipping TYPE command", "type", t)
			return nil
		}
		return c.setType(ctx, t)
	})
}

func (c *Client) setType(ctx context.Context, t TransferType) error {
	if _, err := c.expect(ctx, 200, "TYPE", t.code()); err != nil {
		return err
	}
	c.mu.Lock()
	c.typ = t
	c.typeAcked = true
	c.wantType = t
	c.mu.Unlock()
	return nil
}

// ensureType sends TYPE for the requested type unless the server already
// acknowledged it in this session.
func (c *Client) ensureType(ctx context.Context) error {
	c.mu.Lock()
	t, current := c.wantType, c.typeAcked && c.typ == c.wantType
	c.mu.Unlock()
	if current {
		return nil
	}
	return c.setType(ctx, t)
}

// Noop sends a NOOP (no operation) command to the server.
// This is useful as a keepalive to prevent the connection from timing out
// during idle periods.
func (c *Client) Noop(ctx context.Context) error {
	return c.do(func() error {
		_, err := c.expect2xx(ctx, "NOOP")
		return err
	})
}
