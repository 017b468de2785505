package ftp

import (
	"compress/zlib"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// pasvRegex extracts the six decimal octets of a PASV reply body,
// e.g. "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)." (RFC 959).
var pasvRegex = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

// epsvRegex extracts an EPSV reply's delimited port, e.g.
// "229 Entering Extended Passive Mode (|||6446|)" (RFC 2428). The
// delimiter may be any single character repeated three times; Go's RE2
// engine has no backreferences, so the three delimiter occurrences are
// captured individually and compared for equality after matching.
var epsvRegex = regexp.MustCompile(`\((.)(.)(.)(\d+)(.)\)`)

func parsePASV(text string) (host string, port int, err error) {
	m := pasvRegex.FindStringSubmatch(text)
	if m == nil {
		return "", 0, &DataChannelError{Reason: "unparsable PASV reply", Err: fmt.Errorf("%q", text)}
	}
	host = fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	return host, p1<<8 | p2, nil
}

func parseEPSV(text string) (port int, err error) {
	m := epsvRegex.FindStringSubmatch(text)
	if m == nil || m[1] != m[2] || m[1] != m[3] || m[1] != m[5] {
		return 0, &DataChannelError{Reason: "unparsable EPSV reply", Err: fmt.Errorf("%q", text)}
	}
	port, err = strconv.Atoi(m[4])
	if err != nil {
		return 0, &DataChannelError{Reason: "unparsable EPSV reply", Err: err}
	}
	return port, nil
}

// formatPORT renders the RFC 959 "a,b,c,d,p1,p2" argument for an IPv4
// bind address.
func formatPORT(ip net.IP, port int) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("ftp: PORT requires an IPv4 address, got %s", ip)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", v4[0], v4[1], v4[2], v4[3], port>>8, port&0xff), nil
}

// formatEPRT renders the RFC 2428 "|net-prt|net-addr|tcp-port|"
// argument; net-prt is 1 for IPv4, 2 for IPv6.
func formatEPRT(ip net.IP, port int) string {
	proto := 1
	if ip.To4() == nil {
		proto = 2
	}
	return fmt.Sprintf("|%d|%s|%d|", proto, ip.String(), port)
}

// resolveDataAddr substitutes controlHost for a PASV-advertised
// 0.0.0.0, a common misconfiguration behind NAT.
func resolveDataAddr(host, controlHost string) string {
	if host == "0.0.0.0" {
		return controlHost
	}
	return host
}

// localPortFunc resolves the IP an active-mode listener binds to,
// given the external address (portAddress) that will be advertised in
// the PORT/EPRT command and the configured port range. The default
// binds every interface rather than just externalIP, since the two
// commonly differ (e.g. a NAT box advertising a public address while
// the process listens on 0.0.0.0); callers behind a more specific
// setup can override it via WithLocalPortFunc.
type localPortFunc func(externalIP net.IP, pr portRange) net.IP

func defaultLocalPort(externalIP net.IP, pr portRange) net.IP {
	if externalIP.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6unspecified
}

// portRange is the inclusive [lo, hi] span active mode allocates
// listener ports from.
type portRange struct {
	lo, hi int
}

func parsePortRange(s string) (portRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return portRange{}, fmt.Errorf("ftp: invalid port range %q", s)
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || lo > hi {
		return portRange{}, fmt.Errorf("ftp: invalid port range %q", s)
	}
	return portRange{lo: lo, hi: hi}, nil
}

// abortConn wraps a data connection and fails every Read/Write once the
// dispatcher has tagged it aborting, so a blocked transfer callback
// observes ErrAborted instead of hanging on a socket the server has
// already torn down.
type abortConn struct {
	net.Conn
	tag *taggedConn
}

func (c *abortConn) Read(p []byte) (int, error) {
	if c.tag.isAborting() {
		return 0, ErrAborted
	}
	return c.Conn.Read(p)
}

func (c *abortConn) Write(p []byte) (int, error) {
	if c.tag.isAborting() {
		return 0, ErrAborted
	}
	return c.Conn.Write(p)
}

// Broker establishes and serializes data connections for LIST/MLSD,
// RETR, STOR and APPE (§4.E). One Broker belongs to exactly one
// Dispatcher/session pair.
type Broker struct {
	disp *Dispatcher
	sess *session
	dial dialFunc

	tlsConfig      *tls.Config
	secure         secureMode
	useCompression bool
	compressLevel  int

	portAddress string
	portRange   portRange
	localPort   localPortFunc

	dataTimeout time.Duration

	chain chan struct{}
}

func newBroker(disp *Dispatcher, sess *session, dial dialFunc, tlsConfig *tls.Config, secure secureMode) *Broker {
	b := &Broker{
		disp:          disp,
		sess:          sess,
		dial:          dial,
		tlsConfig:     tlsConfig,
		secure:        secure,
		compressLevel: zlib.BestCompression,
		portRange:     portRange{lo: 5000, hi: 8000},
		localPort:     defaultLocalPort,
		dataTimeout:   10 * time.Second,
		chain:         make(chan struct{}, 1),
	}
	b.chain <- struct{}{}
	return b
}

func (b *Broker) remoteIsIPv6() bool {
	host, _, err := net.SplitHostPort(b.disp.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

func (b *Broker) controlHost() string {
	host, _, _ := net.SplitHostPort(b.disp.RemoteAddr().String())
	return host
}

// chooseMode applies §4.E's priority: EPSV, then PASV, then active mode
// (EPRT/PORT) if portAddress is configured, else failure.
func (b *Broker) chooseMode() (string, error) {
	ipv6 := b.remoteIsIPv6()

	if !b.sess.detectedUnsupported("EPSV") && (ipv6 || b.sess.hasFeature("EPSV") || b.sess.featUnknown) {
		return "EPSV", nil
	}
	if !ipv6 && !b.sess.detectedUnsupported("PASV") {
		return "PASV", nil
	}
	if b.portAddress != "" {
		active := "PORT"
		if ipv6 {
			active = "EPRT"
		}
		if b.sess.detectedUnsupported(active) {
			return "", &DataChannelError{Reason: "no usable data connection mode"}
		}
		return active, nil
	}
	return "", &DataChannelError{Reason: "no usable data connection mode"}
}

// pendingData is a data connection that may already be established
// (PASV/EPSV, which dial the server immediately) or may still need its
// listener accepted (active mode, where the server only connects back
// after the transfer command is written). Transfer calls obtain after
// writing that command, so an active-mode Accept never races it.
type pendingData struct {
	conn     net.Conn
	listener net.Listener
	broker   *Broker
}

func (p *pendingData) obtain(ctx context.Context) (net.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	if p.broker.dataTimeout > 0 {
		if l, ok := p.listener.(*net.TCPListener); ok {
			l.SetDeadline(time.Now().Add(p.broker.dataTimeout))
		}
	}
	conn, err := p.listener.Accept()
	p.listener.Close()
	if err != nil {
		return nil, &DataChannelError{Reason: "timed out while making data connection", Err: err}
	}
	return p.broker.wrap(ctx, conn)
}

func (p *pendingData) close() {
	if p.conn != nil {
		p.conn.Close()
	}
	if p.listener != nil {
		p.listener.Close()
	}
}

// openData negotiates one data connection, retrying the fallback chain
// described in §4.E on a 500/502 for the chosen mode.
func (b *Broker) openData(ctx context.Context) (*pendingData, *taggedConn, error) {
	for {
		mode, err := b.chooseMode()
		if err != nil {
			return nil, nil, err
		}

		var pd *pendingData
		switch mode {
		case "EPSV":
			pd, err = b.openEPSV(ctx)
		case "PASV":
			pd, err = b.openPASV(ctx)
		case "EPRT", "PORT":
			pd, err = b.openActive(ctx, mode)
		}

		if err == errModeUnsupported {
			b.sess.markUnsupported(mode)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return pd, &taggedConn{}, nil
	}
}

var errModeUnsupported = fmt.Errorf("ftp: data connection mode not supported")

func (b *Broker) openEPSV(ctx context.Context) (*pendingData, error) {
	rep, err := b.sess.expect(ctx, "EPSV", 2)
	if err != nil {
		if isUnsupportedReply(err) {
			return nil, errModeUnsupported
		}
		return nil, err
	}
	port, err := parseEPSV(rep.Text)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(b.controlHost(), strconv.Itoa(port))
	conn, err := b.dial(ctx, "tcp", addr)
	if err != nil {
		b.abortAndSurface(ctx)
		return nil, &DataChannelError{Reason: "timed out while making data connection", Err: err}
	}
	wrapped, err := b.wrap(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &pendingData{conn: wrapped}, nil
}

func (b *Broker) openPASV(ctx context.Context) (*pendingData, error) {
	rep, err := b.sess.expect(ctx, "PASV", 2)
	if err != nil {
		if isUnsupportedReply(err) {
			return nil, errModeUnsupported
		}
		return nil, err
	}
	host, port, err := parsePASV(rep.Text)
	if err != nil {
		return nil, err
	}
	host = resolveDataAddr(host, b.controlHost())

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := b.dial(ctx, "tcp", addr)
	if err != nil && host != b.controlHost() {
		// Misconfigured NAT: the server advertised an address that does
		// not match the control peer. Retry once against that peer.
		retryAddr := net.JoinHostPort(b.controlHost(), strconv.Itoa(port))
		conn, err = b.dial(ctx, "tcp", retryAddr)
	}
	if err != nil {
		b.abortAndSurface(ctx)
		return nil, &DataChannelError{Reason: "timed out while making data connection", Err: err}
	}
	wrapped, err := b.wrap(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &pendingData{conn: wrapped}, nil
}

func (b *Broker) openActive(ctx context.Context, mode string) (*pendingData, error) {
	externalIP := net.ParseIP(b.portAddress)
	if externalIP == nil {
		localHost, _, err := net.SplitHostPort(b.disp.LocalAddr().String())
		if err != nil {
			return nil, &DataChannelError{Reason: "resolving local address", Err: err}
		}
		externalIP = net.ParseIP(localHost)
	}
	bindIP := b.localPort(externalIP, b.portRange)

	listener, boundPort, err := b.listenInRange(bindIP)
	if err != nil {
		return nil, err
	}

	var cmd string
	if mode == "EPRT" {
		cmd = "EPRT " + formatEPRT(externalIP, boundPort)
	} else {
		arg, ferr := formatPORT(externalIP, boundPort)
		if ferr != nil {
			listener.Close()
			return nil, &DataChannelError{Reason: "formatting PORT command", Err: ferr}
		}
		cmd = "PORT " + arg
	}

	if _, err := b.sess.expect(ctx, cmd, 2); err != nil {
		listener.Close()
		if isUnsupportedReply(err) {
			return nil, errModeUnsupported
		}
		return nil, err
	}

	// The listener is not accepted here: the server only connects back
	// after it reads the transfer command, which Transfer writes after
	// openData returns. Accepting now would block on servers that
	// connect back late, or on the mock test harness, which answers the
	// PORT/EPRT reply before the transfer command is ever sent.
	return &pendingData{listener: listener, broker: b}, nil
}

// listenInRange binds the first free port in b.portRange, incrementing
// through it on EADDRINUSE.
func (b *Broker) listenInRange(ip net.IP) (net.Listener, int, error) {
	for port := b.portRange.lo; port <= b.portRange.hi; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, &DataChannelError{Reason: "unable to find available port"}
}

// wrap applies the full-TLS data wrap (session-resumed via the shared
// ClientSessionCache on tlsConfig) when secure=true, then the timeout
// wrapper.
func (b *Broker) wrap(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if b.secure == secureExplicit || b.secure == secureImplicit {
		cfg := b.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &TLSError{Stage: "handshake", Err: err}
		}
		conn = tlsConn
	}
	if b.dataTimeout > 0 {
		conn = &deadlineConn{Conn: conn, timeout: b.dataTimeout}
	}
	return conn, nil
}

func (b *Broker) abortAndSurface(ctx context.Context) {
	b.disp.Send("ABOR", true)
}

// Transfer opens one data connection, runs cmd over the control channel
// and fn over the data socket, and drains the terminating reply. It
// serializes with any other in-flight data operation via the chained
// completion future (§4.E): at most one Transfer runs at a time even
// under concurrent façade calls.
func (b *Broker) Transfer(ctx context.Context, cmd string, fn func(conn net.Conn) error) error {
	<-b.chain
	defer func() { b.chain <- struct{}{} }()

	if b.useCompression {
		if _, err := b.sess.expect(ctx, "MODE Z", 2); err != nil {
			return err
		}
		defer b.sess.expect(ctx, "MODE S", 2)
	}

	pending, tag, err := b.openData(ctx)
	if err != nil {
		return err
	}
	b.disp.SetActiveDataConn(tag)
	defer b.disp.SetActiveDataConn(nil)

	stream := b.disp.Send(cmd, false)
	rep, err, ok := stream.Next(ctx)
	if err != nil {
		pending.close()
		return err
	}
	if !ok {
		pending.close()
		return &ProtocolError{Command: cmd, Response: "stream closed before any reply"}
	}
	if rep.Class() != 1 {
		pending.close()
		if rep.Class() == 2 {
			return nil
		}
		return &ProtocolError{Command: cmd, Response: rep.Text, Code: rep.Code}
	}

	conn, err := pending.obtain(ctx)
	if err != nil {
		return err
	}

	dataConn := net.Conn(&abortConn{Conn: conn, tag: tag})
	if b.useCompression {
		dataConn = wrapCompression(dataConn, b.compressLevel)
	}

	cbErr := fn(dataConn)
	dataConn.Close()

	if tag.isAborting() {
		b.drainIgnoring(ctx, stream)
		return &AbortedError{Command: cmd}
	}
	if cbErr != nil {
		b.drainIgnoring(ctx, stream)
		return cbErr
	}

	final, err := b.sess.drain(ctx, stream)
	if err != nil {
		return err
	}
	if final.Class() != 2 {
		return &ProtocolError{Command: cmd, Response: final.Text, Code: final.Code}
	}
	return nil
}

func (b *Broker) drainIgnoring(ctx context.Context, stream *ReplyStream) {
	for {
		_, err, ok := stream.Next(ctx)
		if !ok || err != nil {
			return
		}
	}
}

