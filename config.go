package ftps

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config is a session profile, usually loaded from a TOML file:
//
//	host = "ftp.example.com"
//	port = 21
//	user = "alice"
//	password = "secret"
//	mode = "passive"        # or "active"
//	type = "binary"         # or "ascii"
//	timeout = "30s"
//	keepalive = "5m"
//	bandwidth_limit = 1048576
//
//	[tls]
//	enabled = true
//	verify_peer = true
//	ca_file = "/etc/ssl/ftp-ca.pem"
//	server_name = "ftp.example.com"
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	Mode           TransferMode
	Type           TransferType
	Timeout        time.Duration
	KeepAlive      time.Duration
	BandwidthLimit int64

	// TLS is nil when explicit TLS is disabled.
	TLS *TLSConfig
}

// LoadConfig reads a session profile from a TOML file.
func LoadConfig(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return configFromTree(tree)
}

// ParseConfig reads a session profile from TOML text.
func ParseConfig(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return configFromTree(tree)
}

func configFromTree(tree *toml.Tree) (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Host, err = getString(tree, "host", ""); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, errors.New("config: host is required")
	}

	port, err := getInt(tree, "port", DefaultPort)
	if err != nil {
		return nil, err
	}
	if port < 0 || port > 65535 {
		return nil, errors.Errorf("config: port: %d out of range", port)
	}
	cfg.Port = int(port)

	if cfg.User, err = getString(tree, "user", ""); err != nil {
		return nil, err
	}
	if cfg.Password, err = getString(tree, "password", ""); err != nil {
		return nil, err
	}

	mode, err := getString(tree, "mode", "passive")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(mode) {
	case "passive", "pasv":
		cfg.Mode = Passive
	case "active", "port":
		cfg.Mode = Active
	default:
		return nil, errors.Errorf("config: mode: unknown transfer mode %q", mode)
	}

	typ, err := getString(tree, "type", "binary")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(typ) {
	case "binary", "i":
		cfg.Type = Binary
	case "ascii", "a":
		cfg.Type = ASCII
	default:
		return nil, errors.Errorf("config: type: unknown transfer type %q", typ)
	}

	if cfg.Timeout, err = getDuration(tree, "timeout", defaultTimeout); err != nil {
		return nil, err
	}
	if cfg.KeepAlive, err = getDuration(tree, "keepalive", 0); err != nil {
		return nil, err
	}
	if cfg.BandwidthLimit, err = getInt(tree, "bandwidth_limit", 0); err != nil {
		return nil, err
	}
	if cfg.BandwidthLimit < 0 {
		return nil, errors.Errorf("config: bandwidth_limit: negative value %d", cfg.BandwidthLimit)
	}

	enabled, err := getBool(tree, "tls.enabled", tree.Has("tls"))
	if err != nil {
		return nil, err
	}
	if enabled {
		tlsCfg := DefaultTLSConfig()
		verify, err := getBool(tree, "tls.verify_peer", true)
		if err != nil {
			return nil, err
		}
		tlsCfg.InsecureSkipVerify = !verify
		for key, dst := range map[string]*string{
			"tls.ca_file":     &tlsCfg.CAFile,
			"tls.ca_path":     &tlsCfg.CAPath,
			"tls.cert_file":   &tlsCfg.CertFile,
			"tls.key_file":    &tlsCfg.KeyFile,
			"tls.server_name": &tlsCfg.ServerName,
		} {
			if *dst, err = getString(tree, key, ""); err != nil {
				return nil, err
			}
		}
		cfg.TLS = &tlsCfg
	}

	return cfg, nil
}

// Addr returns the control connection address, "host:port".
func (cfg *Config) Addr() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// Options converts the profile into client options.
func (cfg *Config) Options() []Option {
	opts := []Option{
		WithTimeout(cfg.Timeout),
		WithTransferMode(cfg.Mode),
		WithTransferType(cfg.Type),
		WithKeepAlive(cfg.KeepAlive),
		WithBandwidthLimit(cfg.BandwidthLimit),
	}
	if cfg.TLS != nil {
		opts = append(opts, WithExplicitTLS(*cfg.TLS))
	}
	return opts
}

func getString(tree *toml.Tree, key, def string) (string, error) {
	v := tree.Get(key)
	if v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("config: %s: expected a string, got %T", key, v)
	}
	return s, nil
}

func getInt(tree *toml.Tree, key string, def int64) (int64, error) {
	v := tree.Get(key)
	if v == nil {
		return def, nil
	}
	n, ok := v.(int64)
	if !ok {
		return 0, errors.Errorf("config: %s: expected an integer, got %T", key, v)
	}
	return n, nil
}

func getBool(tree *toml.Tree, key string, def bool) (bool, error) {
	v := tree.Get(key)
	if v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("config: %s: expected a boolean, got %T", key, v)
	}
	return b, nil
}

// getDuration accepts a Go duration string ("1m30s") or a number of seconds.
func getDuration(tree *toml.Tree, key string, def time.Duration) (time.Duration, error) {
	switch v := tree.Get(key).(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Wrapf(err, "config: %s", key)
		}
		if d < 0 {
			return 0, errors.Errorf("config: %s: negative duration %s", key, v)
		}
		return d, nil
	case int64:
		if v < 0 {
			return 0, errors.Errorf("config: %s: negative duration %d", key, v)
		}
		return time.Duration(v) * time.Second, nil
	default:
		return 0, errors.Errorf("config: %s: expected a duration, got %T", key, v)
	}
}
