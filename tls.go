package ftps

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// TLSConfig describes the TLS client context used for the control channel
// and, once protected, for every data channel.
type TLSConfig struct {
	// InsecureSkipVerify disables verification of the server certificate
	// chain and host name. The zero value verifies.
	InsecureSkipVerify bool

	// CAFile is a PEM bundle of trusted roots. Empty means the system pool
	// unless CAPath is set.
	CAFile string

	// CAPath is a directory whose PEM files are added to the trusted roots.
	CAPath string

	// CertFile and KeyFile are the PEM client certificate and its private
	// key. Both or neither must be set.
	CertFile string
	KeyFile  string

	// ServerName overrides the name checked against the server
	// certificate. It defaults to the host passed to Connect.
	ServerName string
}

// DefaultTLSConfig verifies the server against the system trust store.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{}
}

// build turns cfg into a *tls.Config for host. The config carries a client
// session cache so data channels can resume the control channel session.
func (cfg TLSConfig) build(host string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
	if conf.ServerName == "" {
		conf.ServerName = host
	}

	if cfg.CAFile != "" || cfg.CAPath != "" {
		pool := x509.NewCertPool()
		if cfg.CAFile != "" {
			if err := appendPEMFile(pool, cfg.CAFile); err != nil {
				return nil, err
			}
		}
		if cfg.CAPath != "" {
			entries, err := os.ReadDir(cfg.CAPath)
			if err != nil {
				return nil, errors.Wrap(err, "read CA directory")
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				// Non-PEM files are common in CA directories (hash links, READMEs).
				_ = appendPEMFile(pool, filepath.Join(cfg.CAPath, e.Name()))
			}
		}
		conf.RootCAs = pool
	}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		conf.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, errors.New("client certificate and key must be given together")
	}

	return conf, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read CA file")
	}
	if !pool.AppendCertsFromPEM(pem) {
		return errors.Errorf("no certificates found in %s", path)
	}
	return nil
}

// UpgradeToTLS secures the control channel with AUTH TLS and then asks the
// server to protect data channels (PBSZ 0, PROT P).
//
// Any failure returns a KindTLS error and leaves the session broken: no
// further command is accepted until Disconnect.
func (c *Client) UpgradeToTLS(ctx context.Context, cfg TLSConfig) error {
	return c.do(func() error {
		return c.upgrade(ctx, cfg)
	})
}

func (c *Client) upgrade(ctx context.Context, cfg TLSConfig) error {
	ctrl, _, err := c.control("upgrade")
	if err != nil {
		return err
	}
	if _, ok := ctrl.TLSState(); ok {
		return newError(KindTLS, "upgrade", errors.New("control channel is already secured"))
	}

	fail := func(op string, err error) error {
		c.markBroken()
		return newError(KindTLS, op, err)
	}

	conf, err := cfg.build(c.host)
	if err != nil {
		return fail("tls config", err)
	}

	if _, err := c.expect(ctx, 234, "AUTH", "TLS"); err != nil {
		return fail("AUTH TLS", err)
	}

	c.logger.Debug("starting TLS handshake", "server_name", conf.ServerName)
	tlsConn := tls.Client(ctrl, conf)
	done := armDeadline(ctx, ctrl, c.timeout)
	if err := done(tlsConn.HandshakeContext(ctx)); err != nil {
		return fail("handshake", errors.Wrap(err, "TLS handshake failed"))
	}

	secured := newTLSTransport(tlsConn)
	state := tlsConn.ConnectionState()
	c.logger.Debug("TLS handshake complete",
		"version", tls.VersionName(state.Version),
		"cipher", tls.CipherSuiteName(state.CipherSuite))

	c.mu.Lock()
	c.ctrl = secured
	c.reader = bufio.NewReader(secured)
	c.tlsConf = conf
	c.mu.Unlock()

	if _, err := c.expect(ctx, 200, "PBSZ", "0"); err != nil {
		return fail("PBSZ", err)
	}
	if _, err := c.expect(ctx, 200, "PROT", "P"); err != nil {
		return fail("PROT", err)
	}

	c.mu.Lock()
	c.protected = true
	c.mu.Unlock()
	return nil
}

// IsProtected reports whether data channels are TLS-protected (PROT P was
// accepted).
func (c *Client) IsProtected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protected
}

// TLSInfo describes the TLS parameters of the control channel, for example
// "Protocol: TLS 1.3\nCipher: TLS_AES_128_GCM_SHA256". It returns "" when
// the control channel is not secured.
func (c *Client) TLSInfo() string {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	if ctrl == nil {
		return ""
	}
	state, ok := ctrl.TLSState()
	if !ok {
		return ""
	}
	return describeTLS(state)
}
