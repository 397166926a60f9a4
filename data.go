package ftps

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

var (
	// pasvRegex matches the address group of a PASV reply: h1,h2,h3,h4,p1,p2
	pasvRegex = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

	// numberRegex finds the decimal tokens of replies that do not use the
	// comma-separated form.
	numberRegex = regexp.MustCompile(`\d+`)
)

// parsePASV parses the message of a PASV reply and returns the data address.
// Example: "Entering Passive Mode (192,168,1,1,195,149)."
// Returns: 192.168.1.1:50069 (195*256 + 149 = 50069)
//
// Servers word the reply differently, so when there is no comma group the
// first six numbers of the message are used.
func parsePASV(message string) (netip.AddrPort, error) {
	var fields []string
	if m := pasvRegex.FindStringSubmatch(message); m != nil {
		fields = m[1:]
	} else {
		fields = numberRegex.FindAllString(message, 6)
	}
	if len(fields) < 6 {
		return netip.AddrPort{}, newError(KindFormat, "PASV", errors.Errorf("no address in %q", message))
	}

	var v [6]byte
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 255 {
			return netip.AddrPort{}, newError(KindFormat, "PASV", errors.Errorf("invalid address part %q", f))
		}
		v[i] = byte(n)
	}

	addr := netip.AddrFrom4([4]byte{v[0], v[1], v[2], v[3]})
	return netip.AddrPortFrom(addr, uint16(v[4])<<8|uint16(v[5])), nil
}

// formatPORT formats an address for the PORT command.
// Converts 192.168.1.100:50000 to "192,168,1,100,195,80"
func formatPORT(addr netip.AddrPort) (string, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return "", errors.Errorf("PORT requires an IPv4 address, got %s", ip)
	}
	b := ip.As4()
	port := addr.Port()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", b[0], b[1], b[2], b[3], port>>8, port&0xff), nil
}

// resolveDataAddr replaces an unspecified PASV address (0.0.0.0) with the
// address of the control connection peer.
func resolveDataAddr(addr netip.AddrPort, peer netip.Addr) netip.AddrPort {
	if addr.Addr().IsUnspecified() && peer.IsValid() {
		return netip.AddrPortFrom(peer, addr.Port())
	}
	return addr
}

func addrOf(a net.Addr) (netip.AddrPort, error) {
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	return netip.ParseAddrPort(a.String())
}

// dataChannel is the data connection of one operation. In active mode it
// starts as a listener and gets its connection from establish.
//
// close may run concurrently with the operation (Disconnect aborts an open
// transfer); every other method belongs to the owning operation.
type dataChannel struct {
	timeout time.Duration
	tlsConf *tls.Config
	logger  log.Logger

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	stream   transport
	rw       net.Conn
	closed   bool
}

// negotiate prepares the data channel for the next transfer command using
// the current transfer mode.
func (c *Client) negotiate(ctx context.Context) (*dataChannel, error) {
	ctrl, _, err := c.control("negotiate")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	mode := c.mode
	d := &dataChannel{timeout: c.timeout, logger: c.logger}
	if c.protected {
		d.tlsConf = c.tlsConf
	}
	c.mu.Unlock()

	if mode == Active {
		err = c.openActive(ctx, ctrl, d)
	} else {
		err = c.openPassive(ctx, ctrl, d)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// openPassive sends PASV and connects to the announced address.
func (c *Client) openPassive(ctx context.Context, ctrl transport, d *dataChannel) error {
	reply, err := c.expect(ctx, 227, "PASV")
	if err != nil {
		if reply != nil {
			return newError(KindDataChannel, "PASV", err)
		}
		return err
	}

	addr, err := parsePASV(reply.Message)
	if err != nil {
		return newError(KindDataChannel, "PASV", err)
	}
	if peer, err := addrOf(ctrl.RemoteAddr()); err == nil {
		addr = resolveDataAddr(addr, peer.Addr())
	}

	dialCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Debug("opening data connection", "mode", Passive, "addr", addr)
	conn, err := c.dialer.DialContext(dialCtx, "tcp4", addr.String())
	if err != nil {
		return newError(KindDataChannel, "dial", errors.Wrapf(err, "connect to %s", addr))
	}
	d.conn = conn
	return nil
}

// openActive listens on the local address of the control connection and
// announces it with PORT. The server connects after the transfer command.
func (c *Client) openActive(ctx context.Context, ctrl transport, d *dataChannel) error {
	local, err := addrOf(ctrl.LocalAddr())
	if err != nil {
		return newError(KindDataChannel, "PORT", errors.Wrap(err, "local address"))
	}
	if !local.Addr().Is4() {
		return newError(KindDataChannel, "PORT", errors.Errorf("PORT requires an IPv4 address, got %s", local.Addr()))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", netip.AddrPortFrom(local.Addr(), 0).String())
	if err != nil {
		return newError(KindDataChannel, "listen", err)
	}

	bound, err := addrOf(ln.Addr())
	if err != nil {
		ln.Close()
		return newError(KindDataChannel, "listen", err)
	}
	arg, err := formatPORT(netip.AddrPortFrom(local.Addr(), bound.Port()))
	if err != nil {
		ln.Close()
		return newError(KindDataChannel, "PORT", err)
	}

	c.logger.Debug("opening data connection", "mode", Active, "addr", bound)
	reply, err := c.expect(ctx, 200, "PORT", arg)
	if err != nil {
		ln.Close()
		if reply != nil {
			return newError(KindDataChannel, "PORT", err)
		}
		return err
	}
	d.listener = ln
	return nil
}

// establish completes the data connection once the server accepted the
// transfer command: it accepts the server connection in active mode and
// performs the TLS handshake on protected sessions. The handshake offers the
// control channel session for resumption.
func (d *dataChannel) establish(ctx context.Context) error {
	d.mu.Lock()
	conn, ln, closed := d.conn, d.listener, d.closed
	d.mu.Unlock()
	if closed {
		return newError(KindDataChannel, "establish", net.ErrClosed)
	}

	if ln != nil {
		tcp, ok := ln.(*net.TCPListener)
		if !ok {
			return newError(KindDataChannel, "accept", errors.New("unexpected listener type"))
		}
		done := armDeadline(ctx, tcp, d.timeout)
		accepted, err := tcp.Accept()
		if err = done(err); err != nil {
			return newError(KindDataChannel, "accept", err)
		}
		// One connection per operation.
		ln.Close()
		conn = accepted
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
	}

	var stream transport = newPlainTransport(conn)
	if d.tlsConf != nil {
		tlsConn := tls.Client(conn, d.tlsConf)
		done := armDeadline(ctx, conn, d.timeout)
		if err := done(tlsConn.HandshakeContext(ctx)); err != nil {
			conn.Close()
			return newError(KindTLS, "data handshake", errors.Wrap(err, "TLS handshake failed"))
		}
		_ = conn.SetDeadline(time.Time{})
		d.logger.Debug("data connection secured", "resumed", tlsConn.ConnectionState().DidResume)
		stream = newTLSTransport(tlsConn)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		stream.Close()
		return newError(KindDataChannel, "establish", net.ErrClosed)
	}
	d.stream = stream
	d.rw = stream
	if d.timeout > 0 {
		d.rw = &deadlineConn{Conn: stream, timeout: d.timeout}
	}
	return nil
}

func (d *dataChannel) Read(p []byte) (int, error) {
	return d.rw.Read(p)
}

func (d *dataChannel) Write(p []byte) (int, error) {
	return d.rw.Write(p)
}

// close releases the connection and the listener. On a TLS stream it sends
// close_notify first. It is safe to call more than once.
func (d *dataChannel) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	switch {
	case d.stream != nil:
		err = d.stream.Close()
	case d.conn != nil:
		err = d.conn.Close()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	return err
}

// openTransfer negotiates a data channel, sends the transfer command and
// waits for the server to start the transfer (125 or 150). The returned
// channel must be handed to finishTransfer.
func (c *Client) openTransfer(ctx context.Context, command string, args ...string) (*dataChannel, error) {
	d, err := c.negotiate(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.data = d
	c.mu.Unlock()

	reply, err := c.command(ctx, command, args...)
	if err != nil {
		c.releaseData(d)
		return nil, err
	}
	if reply.Code != 150 && reply.Code != 125 {
		c.releaseData(d)
		return nil, replyError(formatCommand(command, args...), reply)
	}

	if err := d.establish(ctx); err != nil {
		c.releaseData(d)
		// The server still answers the transfer command. Read it so the
		// control channel stays in step.
		if reply, rerr := c.readResponse(ctx); rerr == nil {
			c.logger.Debug("transfer aborted", "code", reply.Code, "message", reply.Message)
		}
		return nil, err
	}
	return d, nil
}

// finishTransfer closes the data channel and reads the completion reply,
// which must be 226 or 250.
func (c *Client) finishTransfer(ctx context.Context, d *dataChannel, line string) error {
	c.releaseData(d)

	// A cancelled transfer still gets its completion reply collected.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), quitTimeout)
		defer cancel()
	}

	reply, err := c.readResponse(ctx)
	if err != nil {
		return err
	}
	if reply.Code != 226 && reply.Code != 250 {
		return replyError(line, reply)
	}
	return nil
}

// releaseData closes d and detaches it from the session.
func (c *Client) releaseData(d *dataChannel) {
	if err := d.close(); err != nil {
		c.logger.Debug("closing data connection", "err", err)
	}
	c.mu.Lock()
	if c.data == d {
		c.data = nil
	}
	c.mu.Unlock()
}
