package ftps

import (
	"context"
	"time"
)

// startKeepAlive starts a goroutine that sends NOOP commands
// if the connection has been idle for the configured keep-alive interval.
func (c *Client) startKeepAlive() {
	if c.keepAlive <= 0 {
		return
	}

	quit := make(chan struct{})
	c.mu.Lock()
	c.quit = quit
	c.mu.Unlock()

	// We use a ticker that runs at half the interval to be safe
	ticker := time.NewTicker(c.keepAlive / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.keepAliveTick()
			case <-quit:
				return
			}
		}
	}()
}

func (c *Client) keepAliveTick() {
	c.mu.Lock()
	idle := c.state == stateConnected && time.Since(c.lastCommand) >= c.keepAlive
	c.mu.Unlock()
	if !idle {
		return
	}

	// Never wait behind a running operation.
	if !c.opMu.TryLock() {
		return
	}
	defer c.opMu.Unlock()

	c.logger.Debug("sending keep-alive NOOP")
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()
	if _, err := c.expect2xx(ctx, "NOOP"); err != nil {
		c.logger.Warn("keep-alive failed", "err", err)
	}
}
