package ftps

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// transport is a bidirectional byte channel used by both the control and the
// data path. The variant (plain or TLS) is chosen once, when the connection is
// established; callers only use this capability set.
//
// Close releases the connection exactly once. Later calls return the result
// of the first one.
type transport interface {
	net.Conn

	// TLSState reports the negotiated TLS parameters. ok is false for a
	// plain transport.
	TLSState() (state tls.ConnectionState, ok bool)
}

type plainTransport struct {
	net.Conn
	once sync.Once
	err  error
}

func newPlainTransport(conn net.Conn) *plainTransport {
	return &plainTransport{Conn: conn}
}

func (t *plainTransport) Close() error {
	t.once.Do(func() { t.err = t.Conn.Close() })
	return t.err
}

func (t *plainTransport) TLSState() (tls.ConnectionState, bool) {
	return tls.ConnectionState{}, false
}

// tlsTransport is a transport whose handshake has completed. Close sends
// close_notify and then closes the underlying socket.
type tlsTransport struct {
	*tls.Conn
	once sync.Once
	err  error
}

func newTLSTransport(conn *tls.Conn) *tlsTransport {
	return &tlsTransport{Conn: conn}
}

func (t *tlsTransport) Close() error {
	t.once.Do(func() { t.err = t.Conn.Close() })
	return t.err
}

func (t *tlsTransport) TLSState() (tls.ConnectionState, bool) {
	return t.ConnectionState(), true
}

// describeTLS renders the protocol version and cipher suite of a TLS state.
func describeTLS(state tls.ConnectionState) string {
	return fmt.Sprintf("Protocol: %s\nCipher: %s",
		tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
}
