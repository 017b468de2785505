package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// dialFunc opens a control connection to addr. It is overridable so a
// SOCKS5 proxy dialer can stand in for net.Dialer.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// newDialer builds the control-connection dialer: a plain net.Dialer by
// default, or one routed through a SOCKS5 proxy when socksAddr is set.
func newDialer(d *net.Dialer, socksAddr string, socksAuth *proxy.Auth) (dialFunc, error) {
	if socksAddr == "" {
		return d.DialContext, nil
	}

	socksDialer, err := proxy.SOCKS5("tcp", socksAddr, socksAuth, d)
	if err != nil {
		return nil, fmt.Errorf("ftp: configuring socks5 proxy: %w", err)
	}
	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		// golang.org/x/net/proxy's SOCKS5 dialer implements
		// ContextDialer; this branch only guards against a future
		// upstream change dropping that.
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return socksDialer.Dial(network, addr)
		}, nil
	}
	return ctxDialer.DialContext, nil
}

// dialControl opens the plaintext or implicit-TLS control connection
// per secure mode, returning the net.Conn the Dispatcher will own.
func dialControl(ctx context.Context, dial dialFunc, addr string, secure secureMode, tlsConfig *tls.Config) (net.Conn, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	if secure != secureImplicit {
		return conn, nil
	}

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &TLSError{Stage: "handshake", Err: err}
	}
	return tlsConn, nil
}

// upgradeControlTLS swaps a plaintext control net.Conn for a TLS client
// connection in place, used by the explicit-TLS bring-up sequence
// (AUTH TLS/SSL). The caller supplies the replacement hook so the
// Dispatcher's socket reference can be updated atomically with the
// reader loop paused at a safe point (the AUTH reply has already been
// consumed, so no read is in flight).
func upgradeControlTLS(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
