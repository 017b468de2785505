package ftp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// replyOrErr is one value flowing through a ReplyStream: either a reply
// (preliminary or terminating) or the terminal error in its place.
type replyOrErr struct {
	rep Reply
	err error
}

// ReplyStream is the lazy, single-consumer view of the replies belonging
// to one dispatched command. A command that only ever produces a single
// terminating reply (the common case) yields exactly one value before
// closing; a command that opens a data transfer (LIST/RETR/STOR/APPE)
// yields its preliminary 1xx first and its terminating reply second.
//
// Every value a command can produce — preliminary replies, the
// terminating reply, and the terminal error — travels down the same
// channel, so Next never has to pick between two channels that might
// both be ready at once; that would make delivery order nondeterministic.
//
// A ReplyStream is not restartable: once drained, Next returns ok=false
// forever. It must be consumed by a single goroutine.
type ReplyStream struct {
	ch chan replyOrErr
}

// Next blocks for the next reply or a terminal error. ok is false once
// the stream has delivered its terminating reply (or error) and closed.
func (s *ReplyStream) Next(ctx context.Context) (Reply, error, bool) {
	select {
	case v, ok := <-s.ch:
		if !ok {
			return Reply{}, nil, false
		}
		return v.rep, v.err, true
	case <-ctx.Done():
		return Reply{}, ctx.Err(), true
	}
}

// request is one queued command awaiting its turn on the control
// channel. It is removed from the dispatcher's bookkeeping when its
// terminating reply (a 2xx/3xx success, or a 4xx/5xx failure) arrives;
// preliminary 1xx replies are forwarded without removing it.
type request struct {
	cmd    string
	stream *ReplyStream
	done   bool // a terminating reply has been delivered
}

func newRequest(cmd string) *request {
	return &request{
		cmd:    cmd,
		stream: &ReplyStream{ch: make(chan replyOrErr, 2)},
	}
}

func (r *request) deliver(rep Reply) {
	r.stream.ch <- replyOrErr{rep: rep}
}

func (r *request) fail(err error) {
	r.stream.ch <- replyOrErr{err: err}
	close(r.stream.ch)
}

func (r *request) finish(rep Reply) {
	r.stream.ch <- replyOrErr{rep: rep}
	close(r.stream.ch)
}

// Dispatcher owns the control-channel socket, the FIFO command queue,
// and the single in-flight request. It is the only writer of the
// control socket and the only reader of Parser output; all of its
// exported methods except Close are intended to be called from a single
// owning goroutine (the session/façade), matching the single-threaded
// cooperative model the spec describes — a systems-language port must
// funnel every control-socket write and state transition through one
// owner the same way.
type Dispatcher struct {
	conn   net.Conn
	logger *slog.Logger

	keepaliveInterval time.Duration

	mu        sync.Mutex
	queue     []*request
	inFlight  *request
	parser    Parser
	closed    bool
	closeErr  error

	// activeDataConn, when non-nil, is tagged aborting when an ABOR is
	// promoted to the queue front, so the data path can surface
	// ErrAborted cleanly. Owned by the Broker; read here only to set the
	// abort flag.
	activeDataConn *taggedConn

	onSessionError func(error)

	keepaliveTimer *time.Timer
	readDone       chan struct{}

	greetingOnce sync.Once
	greetingCh   chan Reply

	pauseArmed bool
	handoff    chan net.Conn
}

// taggedConn marks a data connection as having observed an ABOR ahead of
// its terminating reply.
type taggedConn struct {
	mu       sync.Mutex
	aborting bool
}

func (t *taggedConn) markAborting() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.aborting = true
	t.mu.Unlock()
}

func (t *taggedConn) isAborting() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborting
}

// NewDispatcher starts the background reader loop over conn. onSessionError
// is invoked (from the reader goroutine) when a 4xx/5xx reply arrives with
// no request in flight — the spec's session-level error event.
func NewDispatcher(conn net.Conn, logger *slog.Logger, onSessionError func(error)) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	d := &Dispatcher{
		conn:              conn,
		logger:            logger,
		keepaliveInterval: 10 * time.Second,
		onSessionError:    onSessionError,
		readDone:          make(chan struct{}),
		greetingCh:        make(chan Reply, 1),
		handoff:           make(chan net.Conn, 1),
	}
	go d.readLoop(conn)
	return d
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetKeepaliveInterval overrides the default 10s keepalive period. Zero
// disables keepalive injection.
func (d *Dispatcher) SetKeepaliveInterval(interval time.Duration) {
	d.mu.Lock()
	d.keepaliveInterval = interval
	d.mu.Unlock()
}

// SetActiveDataConn records the data connection the Broker currently
// owns, so that a promoted ABOR can tag it. Pass nil once the transfer
// completes.
func (d *Dispatcher) SetActiveDataConn(t *taggedConn) {
	d.mu.Lock()
	d.activeDataConn = t
	d.mu.Unlock()
}

// Send enqueues cmd and returns its reply stream. promote inserts the
// request at the queue front, ahead of every not-yet-sent command, but
// never ahead of one already in flight.
func (d *Dispatcher) Send(cmd string, promote bool) *ReplyStream {
	req := newRequest(cmd)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		req.fail(d.closeErr)
		return req.stream
	}

	if cmd == "ABOR" {
		d.activeDataConn.markAborting()
	}

	if promote {
		d.queue = append([]*request{req}, d.queue...)
	} else {
		d.queue = append(d.queue, req)
	}
	d.mu.Unlock()

	d.pump()
	return req.stream
}

// pump writes the next queued command if the control channel is idle
// (nothing in flight). Safe to call any number of times; it is a no-op
// unless there is work to do.
func (d *Dispatcher) pump() {
	d.mu.Lock()
	if d.closed || d.inFlight != nil || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	req := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = req
	conn := d.conn
	d.mu.Unlock()

	d.stopKeepaliveTimer()
	d.logger.Debug("ftp command", "cmd", req.cmd)
	if _, err := fmt.Fprintf(conn, "%s\r\n", req.cmd); err != nil {
		d.mu.Lock()
		d.inFlight = nil
		d.mu.Unlock()
		req.fail(&ConnectError{Addr: conn.RemoteAddr().String(), Err: err})
		d.pump()
	}
}

// readLoop is the Dispatcher's sole reader of the control socket. It
// feeds raw bytes to the Parser and routes each framed Reply. conn is
// captured once at goroutine start; a TLS upgrade stops this loop and
// starts a fresh one over the wrapped connection rather than mutating
// the conn a running readLoop is blocked on.
func (d *Dispatcher) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, rep := range d.parser.Feed(buf[:n]) {
				d.route(rep)
			}
		}
		if err != nil {
			d.mu.Lock()
			armed := d.pauseArmed
			d.mu.Unlock()
			if armed {
				d.handoff <- conn
				return
			}
			d.fail(err)
			return
		}
	}
}

// upgradeTLS pauses the reader loop by forcing its blocked Read to
// return (a concurrent SetReadDeadline is valid per net.Conn's
// contract), hands the raw connection to upgrade, installs the result
// as the Dispatcher's connection, and restarts the reader loop over it.
// Used for the explicit AUTH TLS/SSL bring-up step (§4.D); the control
// channel is guaranteed idle at this point because the server does not
// speak again until the client's TLS ClientHello arrives.
func (d *Dispatcher) upgradeTLS(ctx context.Context, upgrade func(net.Conn) (net.Conn, error)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDispatcherClosed
	}
	d.pauseArmed = true
	conn := d.conn
	d.mu.Unlock()

	conn.SetReadDeadline(time.Now())

	var rawConn net.Conn
	select {
	case rawConn = <-d.handoff:
	case <-ctx.Done():
		return ctx.Err()
	}
	rawConn.SetReadDeadline(time.Time{})

	newConn, err := upgrade(rawConn)

	d.mu.Lock()
	d.pauseArmed = false
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.conn = newConn
	d.mu.Unlock()

	go d.readLoop(newConn)
	return nil
}

// route applies §4.C's reader-path rules to one framed reply.
func (d *Dispatcher) route(rep Reply) {
	d.logger.Debug("ftp reply", "code", rep.Code, "text", rep.Text)
	d.rearmKeepaliveTimer()

	d.mu.Lock()
	req := d.inFlight
	d.mu.Unlock()

	if req == nil {
		delivered := false
		d.greetingOnce.Do(func() {
			d.greetingCh <- rep
			delivered = true
		})
		if delivered {
			return
		}
		if rep.Class() == 4 || rep.Class() == 5 {
			if d.onSessionError != nil {
				d.onSessionError(&ProtocolError{Response: rep.Text, Code: rep.Code})
			}
		}
		return
	}

	switch rep.Class() {
	case 4, 5:
		d.mu.Lock()
		d.inFlight = nil
		d.mu.Unlock()
		req.fail(&ProtocolError{Command: req.cmd, Response: rep.Text, Code: rep.Code})
		d.pump()

	case 2, 3:
		d.mu.Lock()
		d.inFlight = nil
		d.mu.Unlock()
		req.finish(rep)
		d.pump()

	case 1:
		// Preliminary: deliver without advancing the queue. The request
		// stays in flight awaiting its terminating reply.
		req.deliver(rep)

	default:
		// Malformed code class; treat like a session-level oddity rather
		// than crashing the dispatcher.
		if d.onSessionError != nil {
			d.onSessionError(&ParseError{What: "reply code", Value: fmt.Sprintf("%d", rep.Code)})
		}
	}
}

// rearmKeepaliveTimer is called after every routed reply, per spec: "a
// keepalive timer is cleared on every send and rearmed whenever any
// reply (including NOOP) is handled."
func (d *Dispatcher) rearmKeepaliveTimer() {
	d.mu.Lock()
	interval := d.keepaliveInterval
	closed := d.closed
	d.mu.Unlock()
	if interval <= 0 || closed {
		return
	}

	d.stopKeepaliveTimer()
	d.mu.Lock()
	d.keepaliveTimer = time.AfterFunc(interval, d.fireKeepalive)
	d.mu.Unlock()
}

func (d *Dispatcher) stopKeepaliveTimer() {
	d.mu.Lock()
	t := d.keepaliveTimer
	d.keepaliveTimer = nil
	d.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// fireKeepalive injects a NOOP only when the queue is empty and nothing
// is in flight; otherwise it just reschedules.
func (d *Dispatcher) fireKeepalive() {
	d.mu.Lock()
	idle := len(d.queue) == 0 && d.inFlight == nil && !d.closed
	d.mu.Unlock()

	if !idle {
		d.rearmKeepaliveTimer()
		return
	}
	d.Send("NOOP", false)
}

// fail marks the dispatcher closed, fails the in-flight request and
// every queued one, and stops the keepalive timer. Called once, either
// from a read error or from Close/Destroy.
func (d *Dispatcher) fail(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	inFlight := d.inFlight
	d.inFlight = nil
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	close(d.readDone)
	d.stopKeepaliveTimer()

	if inFlight != nil {
		inFlight.fail(err)
	}
	for _, req := range queued {
		req.fail(err)
	}
	if d.onSessionError != nil && err != nil {
		d.onSessionError(err)
	}
}

// WaitGreeting blocks for the server's first reply, which arrives with
// nothing ever having been sent and so is never routed to a request.
func (d *Dispatcher) WaitGreeting(ctx context.Context) (Reply, error) {
	select {
	case rep := <-d.greetingCh:
		return rep, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-d.readDone:
		d.mu.Lock()
		err := d.closeErr
		d.mu.Unlock()
		select {
		case rep := <-d.greetingCh:
			return rep, nil
		default:
		}
		if err == nil {
			err = errDispatcherClosed
		}
		return Reply{}, err
	}
}

// RemoteAddr returns the control connection's current remote address.
// The data broker uses it to resolve PASV's "0.0.0.0" placeholder and
// to pick EPSV/PASV/EPRT/PORT by address family.
func (d *Dispatcher) RemoteAddr() net.Addr {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	return conn.RemoteAddr()
}

// LocalAddr returns the control connection's current local address,
// used by active mode to pick a bind IP matching the control socket's
// address family.
func (d *Dispatcher) LocalAddr() net.Addr {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	return conn.LocalAddr()
}

// Close drains naturally: no new commands are accepted, but this does
// not itself wait for the queue to empty — callers drive that via QUIT's
// reply stream, matching the spec's end()/destroy() distinction.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	d.fail(errDispatcherClosed)
	return conn.Close()
}

// Destroy tears the connection down immediately without draining.
func (d *Dispatcher) Destroy() error {
	return d.Close()
}

var errDispatcherClosed = fmt.Errorf("ftp: dispatcher closed")
