package ftp

import (
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// SecureMode selects the control/data transport (§6).
type SecureMode = secureMode

const (
	SecureOff         = secureOff
	SecureExplicit    = secureExplicit
	SecureControlOnly = secureControlOnly
	SecureImplicit    = secureImplicit
)

// Config enumerates every connection-time setting (§6). Connect and
// ConnectURL build one from their defaults plus the supplied Options
// and hand it to the Dispatcher/session/Broker constructors; it is not
// itself mutated once Connect returns.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	Secure    SecureMode
	TLSConfig *tls.Config

	ConnTimeout       time.Duration
	DataTimeout       time.Duration
	KeepaliveInterval time.Duration

	PortAddress string
	PortRange   string

	FeatOverride map[string]FeatOverride

	UseCompression bool
	CompressLevel  int

	SocksProxy string
	SocksAuth  *proxy.Auth
	Dialer     *net.Dialer

	// BandwidthLimit caps transfer throughput in bytes per second.
	// Zero means unlimited.
	BandwidthLimit int64

	Logger *slog.Logger
}

func defaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              21,
		User:              "anonymous",
		Password:          "anonymous@",
		Secure:            SecureOff,
		ConnTimeout:       10 * time.Second,
		DataTimeout:       10 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		Dialer:            &net.Dialer{},
	}
}

// Option configures a Config before Connect/ConnectURL dials.
type Option func(*Config)

// WithUser sets the login credentials (default anonymous/anonymous@).
func WithUser(user, password string) Option {
	return func(c *Config) { c.User, c.Password = user, password }
}

// WithSecure selects the transport mode.
func WithSecure(mode SecureMode, tlsConfig *tls.Config) Option {
	return func(c *Config) {
		c.Secure = mode
		c.TLSConfig = ensureSessionCache(tlsConfig)
	}
}

func ensureSessionCache(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return cfg
}

// WithConnTimeout overrides the connect-phase timeout (default 10s).
func WithConnTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnTimeout = d }
}

// WithDataTimeout overrides the per-read/write deadline applied to
// data connections (default 10s). pasvTimeout in the original source
// is a deprecated alias for this same setting (§9); this package never
// exposed the old name, so there is nothing to alias.
func WithDataTimeout(d time.Duration) Option {
	return func(c *Config) { c.DataTimeout = d }
}

// WithKeepalive overrides the idle interval before a NOOP is injected
// (default 10s); zero disables keepalive entirely.
func WithKeepalive(d time.Duration) Option {
	return func(c *Config) { c.KeepaliveInterval = d }
}

// WithActiveMode configures active-mode fallback: externalAddr is
// advertised in PORT/EPRT, portRange is "lo-hi" (default "5000-8000").
func WithActiveMode(externalAddr, portRange string) Option {
	return func(c *Config) {
		c.PortAddress = externalAddr
		c.PortRange = portRange
	}
}

// WithFeatOverride customizes one FEAT token's presence or parameter,
// applied after the server's own FEAT response is parsed.
func WithFeatOverride(token string, override FeatOverride) Option {
	return func(c *Config) {
		if c.FeatOverride == nil {
			c.FeatOverride = make(map[string]FeatOverride)
		}
		c.FeatOverride[token] = override
	}
}

// WithCompression enables MODE Z for every data operation, at the
// given zlib level (1-9; 0 selects the package default, best
// compression).
func WithCompression(level int) Option {
	return func(c *Config) {
		c.UseCompression = true
		c.CompressLevel = level
	}
}

// WithSocksProxy routes the control connection (and, transitively, all
// data connections dialed the same way) through a SOCKS5 proxy.
func WithSocksProxy(addr string, auth *proxy.Auth) Option {
	return func(c *Config) {
		c.SocksProxy = addr
		c.SocksAuth = auth
	}
}

// WithDialer overrides the net.Dialer used for the control connection
// (and, unless WithSocksProxy is also set, data connections).
func WithDialer(d *net.Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WithBandwidthLimit caps Store/Retrieve/Append throughput to
// bytesPerSecond, using a token-bucket limiter shared by the upload
// and download paths.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Config) { c.BandwidthLimit = bytesPerSecond }
}

// WithLogger routes dispatcher/session debug logging through logger
// instead of the default no-op sink.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
