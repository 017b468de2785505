package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/cneill/ftpc/internal/ratelimit"
)

// Client is the façade over the Dispatcher/session/Broker stack (§4.F):
// thin wrappers mapping public operations onto wire commands, plus the
// bookkeeping (current transfer type, restart offset) that those
// wrappers share.
type Client struct {
	disp   *Dispatcher
	sess   *session
	broker *Broker
	cfg    Config

	limiter *ratelimit.Limiter

	mu          sync.Mutex
	currentType string // "A" or "I"; empty means never set
}

// Connect dials addr, brings the control connection up through the
// full bring-up sequence (§4.D), and returns a ready Client. Login
// happens as part of bring-up; there is no separate Login step once
// connected, matching the spec's `connect(config) → Session` surface.
func Connect(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		cfg.Host, cfg.Port = host, mustAtoiOr(port, cfg.Port)
	}
	return connectWithConfig(ctx, cfg)
}

// ConnectURL parses a "ftp://", "ftps://", or "ftpes://" URL and
// connects per its scheme, host, port, and userinfo, changing into the
// URL's path once ready. ftps implies implicit TLS on port 990; ftpes
// implies explicit TLS on port 21; ftp is plaintext on port 21. Query
// parameters are not interpreted; use Option values for anything the
// URL cannot express.
func ConnectURL(ctx context.Context, rawurl string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("ftp: invalid URL: %w", err)
	}

	cfg := defaultConfig()
	cfg.Host = u.Hostname()

	switch strings.ToLower(u.Scheme) {
	case "ftp", "":
		cfg.Port = 21
	case "ftps":
		cfg.Port = 990
		cfg.Secure = SecureImplicit
		cfg.TLSConfig = ensureSessionCache(&tls.Config{ServerName: cfg.Host})
	case "ftpes":
		cfg.Port = 21
		cfg.Secure = SecureExplicit
		cfg.TLSConfig = ensureSessionCache(&tls.Config{ServerName: cfg.Host})
	default:
		return nil, fmt.Errorf("ftp: unsupported scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		cfg.Port = mustAtoiOr(p, cfg.Port)
	}
	if user := u.User.Username(); user != "" {
		cfg.User = user
		if pass, ok := u.User.Password(); ok {
			cfg.Password = pass
		}
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := connectWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDir(ctx, u.Path); err != nil {
			c.Destroy()
			return nil, err
		}
	}
	return c, nil
}

func mustAtoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func connectWithConfig(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	dial, err := newDialer(cfg.Dialer, cfg.SocksProxy, cfg.SocksAuth)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnTimeout)
		defer cancel()
	}
	conn, err := dialControl(dialCtx, dial, addr, cfg.Secure, cfg.TLSConfig)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, limiter: ratelimit.New(cfg.BandwidthLimit)}

	var sessErr error
	var sessErrOnce sync.Once
	c.disp = NewDispatcher(conn, logger, func(err error) {
		sessErrOnce.Do(func() { sessErr = err })
	})
	if cfg.KeepaliveInterval != 0 {
		c.disp.SetKeepaliveInterval(cfg.KeepaliveInterval)
	}

	c.sess = newSession(c.disp, cfg.User, cfg.Password, cfg.Secure, cfg.TLSConfig, cfg.FeatOverride, logger)
	c.broker = newBroker(c.disp, c.sess, dial, cfg.TLSConfig, cfg.Secure)
	if cfg.DataTimeout != 0 {
		c.broker.dataTimeout = cfg.DataTimeout
	}
	if cfg.PortAddress != "" {
		c.broker.portAddress = cfg.PortAddress
	}
	if cfg.PortRange != "" {
		if pr, err := parsePortRange(cfg.PortRange); err == nil {
			c.broker.portRange = pr
		}
	}
	c.broker.useCompression = cfg.UseCompression
	if cfg.CompressLevel != 0 {
		c.broker.compressLevel = cfg.CompressLevel
	}

	implicitAlreadyUpgraded := cfg.Secure == SecureImplicit
	if err := c.sess.run(ctx, implicitAlreadyUpgraded); err != nil {
		c.disp.Close()
		return nil, err
	}
	if sessErr != nil {
		c.disp.Close()
		return nil, sessErr
	}

	return c, nil
}

// Quit sends QUIT and closes the control connection, draining any
// commands already queued ahead of it.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.sess.send(ctx, "QUIT", false)
	c.disp.Close()
	return err
}

// Destroy tears the connection down immediately, without waiting for
// QUIT's reply or draining the queue.
func (c *Client) Destroy() error {
	return c.disp.Destroy()
}

// Host sends the HOST command (RFC 7151), selecting a virtual host.
// It must be sent before login; calling it on a Client returned by
// Connect (which has already logged in) has no defined effect beyond
// what the server does with a HOST received out of sequence.
func (c *Client) Host(ctx context.Context, host string) error {
	_, err := c.sess.expect(ctx, "HOST "+host, 2)
	return err
}

// Type sets the transfer type ("A" or "I"), skipping the TYPE command
// if that type is already active.
func (c *Client) Type(ctx context.Context, transferType string) error {
	c.mu.Lock()
	if c.currentType == transferType {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.sess.expect(ctx, "TYPE "+transferType, 2); err != nil {
		return err
	}
	c.mu.Lock()
	c.currentType = transferType
	c.mu.Unlock()
	return nil
}

// ascii selects ASCII transfer mode. Per the spec's preserved quirk,
// this only flips the negotiated TYPE; it never rewrites CRLF in
// transferred bytes, which remains the server's responsibility.
func (c *Client) ascii(ctx context.Context) error { return c.Type(ctx, "A") }

// binary selects image (binary) transfer mode.
func (c *Client) binary(ctx context.Context) error { return c.Type(ctx, "I") }

// Features returns the server's FEAT-advertised tokens, already parsed
// and override-adjusted during bring-up.
func (c *Client) Features() map[string]string {
	return c.sess.features
}

// HasFeature reports whether token was advertised in FEAT (after
// overrides).
func (c *Client) HasFeature(token string) bool {
	return c.sess.hasFeature(strings.ToUpper(token))
}

// System sends SYST and returns the first token of its reply (e.g.
// "UNIX", "WINDOWS_NT").
func (c *Client) System(ctx context.Context) (string, error) {
	rep, err := c.sess.expect(ctx, "SYST", 2)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(rep.Text)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// Status sends STAT and returns the raw reply text.
func (c *Client) Status(ctx context.Context) (string, error) {
	rep, err := c.sess.expect(ctx, "STAT", 2)
	return rep.Text, err
}

// Site sends a raw SITE subcommand and returns its code and text
// verbatim; SITE's semantics are entirely server-defined.
func (c *Client) Site(ctx context.Context, cmd string) (int, string, error) {
	rep, err := c.sess.send(ctx, "SITE "+cmd, false)
	if err != nil {
		return 0, "", err
	}
	return rep.Code, rep.Text, nil
}

// Chmod issues "SITE CHMOD <mode> <path>" (a widely supported but
// non-standard extension).
func (c *Client) Chmod(ctx context.Context, path string, mode uint32) error {
	_, err := c.sess.expect(ctx, fmt.Sprintf("SITE CHMOD %o %s", mode, path), 2)
	return err
}

// Rename sends RNFR for from followed by a promoted RNTO for to, the
// two-step sequence RFC 959 requires for a rename.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	rep, err := c.sess.send(ctx, "RNFR "+from, false)
	if err != nil {
		return err
	}
	if rep.Code != 350 {
		return &ProtocolError{Command: "RNFR", Response: rep.Text, Code: rep.Code}
	}
	stream := c.disp.Send("RNTO "+to, true)
	final, err := c.sess.drain(ctx, stream)
	if err != nil {
		return err
	}
	if final.Class() != 2 {
		return &ProtocolError{Command: "RNTO", Response: final.Text, Code: final.Code}
	}
	return nil
}

// Restart records offset as the starting point for the next transfer,
// sending REST immediately; REST requires the terminating 350.
func (c *Client) Restart(ctx context.Context, offset int64) error {
	rep, err := c.sess.send(ctx, fmt.Sprintf("REST %d", offset), false)
	if err != nil {
		return err
	}
	if rep.Code != 350 {
		return &ProtocolError{Command: "REST", Response: rep.Text, Code: rep.Code}
	}
	return nil
}

// Noop sends NOOP, the same keepalive command the dispatcher injects
// automatically; calling it directly rearms the idle timer early.
func (c *Client) Noop(ctx context.Context) error {
	_, err := c.sess.expect(ctx, "NOOP", 2)
	return err
}

// Quote sends a raw command built from cmd and args, for server
// extensions the façade has no dedicated wrapper for.
func (c *Client) Quote(ctx context.Context, cmd string, args ...string) (Reply, error) {
	full := cmd
	if len(args) > 0 {
		full = cmd + " " + strings.Join(args, " ")
	}
	return c.sess.send(ctx, full, false)
}

// Abort cancels the in-progress data operation, if any. Per the
// preserved open question (§9), immediate is always treated as true:
// the ABOR is promoted to the queue front regardless of the argument.
func (c *Client) Abort(ctx context.Context, immediate bool) error {
	stream := c.disp.Send("ABOR", true)
	_, err := c.sess.drain(ctx, stream)
	return err
}

// Hash requests a file's hash using the HASH command (draft-bryan-ftp-hash).
func (c *Client) Hash(ctx context.Context, path string) (string, error) {
	rep, err := c.sess.expect(ctx, "HASH "+path, 2)
	if err != nil {
		return "", err
	}
	parts := strings.Fields(rep.Text)
	if len(parts) < 2 {
		return "", &ParseError{What: "HASH response", Value: rep.Text}
	}
	return parts[1], nil
}

// SetHashAlgo selects the algorithm HASH uses via OPTS HASH.
func (c *Client) SetHashAlgo(ctx context.Context, algo string) error {
	_, err := c.sess.expect(ctx, "OPTS HASH "+algo, 2)
	return err
}

// SetOption sends OPTS <option> <value> (RFC 2389).
func (c *Client) SetOption(ctx context.Context, option, value string) error {
	_, err := c.sess.expect(ctx, fmt.Sprintf("OPTS %s %s", option, value), 2)
	return err
}
