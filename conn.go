package ftps

import (
	"context"
	"net"
	"time"
)

// aLongTimeAgo is a non-zero time in the past. Setting it as a deadline
// unblocks any pending read or write immediately.
var aLongTimeAgo = time.Unix(1, 0)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// armDeadline prepares d for one blocking call. The client timeout (if any)
// and the context deadline bound the call, and cancelling ctx interrupts it.
// The returned func must be called with the call's error; it disarms the
// context watch and reports ctx.Err() for calls that ctx interrupted.
func armDeadline(ctx context.Context, d deadliner, timeout time.Duration) func(error) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = d.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(aLongTimeAgo)
	})
	return func(err error) error {
		stop()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The socket deadline can fire just before the context's own timer.
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return context.DeadlineExceeded
		}
		return err
	}
}

// deadlineConn wraps a net.Conn and sets a read/write deadline before every operation.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
