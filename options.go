package ftps

import (
	"net"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout for connection and operations.
// It bounds the dial, every control channel exchange, the TLS handshakes
// and each read or write on a data connection. Zero disables it; the
// default is 30 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			return errors.Errorf("negative timeout %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
// This can be used to configure source addresses, keep-alive settings, etc.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return errors.New("nil dialer")
		}
		c.dialer = dialer
		return nil
	}
}

// WithLogger enables logging using the provided logger.
// All FTP commands and replies are logged at debug level, with the password
// of PASS masked.
//
// Example:
//
//	logger := log15.New("module", "ftps")
//	logger.SetHandler(log15.LvlFilterHandler(log15.LvlDebug, log15.StderrHandler))
//	client, _ := ftps.Dial(ctx, "ftp.example.com:21", ftps.WithLogger(logger))
func WithLogger(logger log.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		c.rootLogger = logger
		return nil
	}
}

// WithTransferMode selects the initial data connection mode. Passive is the
// default.
func WithTransferMode(mode TransferMode) Option {
	return func(c *Client) error {
		if mode != Passive && mode != Active {
			return errors.Errorf("unknown transfer mode %d", mode)
		}
		c.mode = mode
		return nil
	}
}

// WithTransferType selects the representation type sent with TYPE before
// the first transfer. Binary is the default.
func WithTransferType(t TransferType) Option {
	return func(c *Client) error {
		if t != Binary && t != ASCII {
			return errors.Errorf("unknown transfer type %d", t)
		}
		c.wantType = t
		return nil
	}
}

// WithExplicitTLS upgrades the control channel with AUTH TLS right after the
// server greeting, then protects every data channel (PBSZ 0, PROT P).
func WithExplicitTLS(config TLSConfig) Option {
	return func(c *Client) error {
		c.explicitTLS = &config
		return nil
	}
}

// WithKeepAlive sets the maximum idle time before sending NOOP keep-alive.
// If the connection is idle for longer than this duration, a NOOP command
// will be sent automatically to prevent the server from closing the
// connection. Set to 0 to disable automatic keep-alive.
func WithKeepAlive(interval time.Duration) Option {
	return func(c *Client) error {
		if interval < 0 {
			return errors.Errorf("negative keep-alive interval %s", interval)
		}
		c.keepAlive = interval
		return nil
	}
}

// WithBandwidthLimit caps the data transfer rate in bytes per second.
// Zero means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		if bytesPerSecond < 0 {
			return errors.Errorf("negative bandwidth limit %d", bytesPerSecond)
		}
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}
