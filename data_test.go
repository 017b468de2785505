package ftp

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestParsePASV(t *testing.T) {
	host, port, err := parsePASV("227 Entering Passive Mode (192,168,1,2,200,13).")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "192.168.1.2" || port != 200<<8|13 {
		t.Fatalf("unexpected host/port: %s %d", host, port)
	}
}

func TestParsePASV_Unparsable(t *testing.T) {
	if _, _, err := parsePASV("227 huh"); err == nil {
		t.Fatal("expected a DataChannelError")
	}
}

func TestParseEPSV(t *testing.T) {
	port, err := parseEPSV("229 Entering Extended Passive Mode (|||6446|)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 6446 {
		t.Fatalf("expected port 6446, got %d", port)
	}
}

func TestParseEPSV_AlternateDelimiter(t *testing.T) {
	port, err := parseEPSV("229 Entering Extended Passive Mode (!!!2221!)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 2221 {
		t.Fatalf("expected port 2221, got %d", port)
	}
}

func TestFormatPORT(t *testing.T) {
	arg, err := formatPORT(net.ParseIP("127.0.0.1"), 6446)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if arg != "127,0,0,1,25,46" {
		t.Fatalf("unexpected PORT argument: %q", arg)
	}
}

func TestFormatEPRT(t *testing.T) {
	if got := formatEPRT(net.ParseIP("127.0.0.1"), 6446); got != "|1|127.0.0.1|6446|" {
		t.Fatalf("unexpected EPRT argument: %q", got)
	}
	if got := formatEPRT(net.ParseIP("::1"), 6446); got != "|2|::1|6446|" {
		t.Fatalf("unexpected EPRT argument: %q", got)
	}
}

func TestResolveDataAddr(t *testing.T) {
	if got := resolveDataAddr("0.0.0.0", "203.0.113.9"); got != "203.0.113.9" {
		t.Fatalf("expected NAT substitution, got %q", got)
	}
	if got := resolveDataAddr("203.0.113.5", "203.0.113.9"); got != "203.0.113.5" {
		t.Fatalf("expected host unchanged, got %q", got)
	}
}

func TestParsePortRange(t *testing.T) {
	pr, err := parsePortRange("6000-7000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.lo != 6000 || pr.hi != 7000 {
		t.Fatalf("unexpected range: %+v", pr)
	}
	if _, err := parsePortRange("bogus"); err == nil {
		t.Fatal("expected an error for a malformed range")
	}
}

// serveOneConn accepts exactly one connection on ln, writes payload to
// it, and closes it, standing in for a server's data channel.
func serveOneConn(t *testing.T, ln net.Listener, payload []byte) {
	t.Helper()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write(payload)
		c.Close()
	}()
}

func TestBroker_PASVTransferRoundTrip(t *testing.T) {
	t.Parallel()
	d, mc, _ := newMockPipe(t)
	s := newSession(d, "u", "p", secureOff, nil, nil, discardLogger())

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dataLn.Close() })
	payload := []byte("hello from the data socket")
	serveOneConn(t, dataLn, payload)

	_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	p1, p2 := port>>8, port&0xff

	b := newBroker(d, s, (&net.Dialer{}).DialContext, nil, secureOff)

	go func() {
		mc.reply("220 hi\r\n")
		// greeting consumed separately in this test; session.run not used.
	}()
	// Drain the greeting directly so it does not block route()'s
	// no-in-flight path forever.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.WaitGreeting(ctx); err != nil {
		t.Fatalf("WaitGreeting: %v", err)
	}

	go func() {
		cmd := mc.readCommand()
		if cmd != "PASV" {
			t.Errorf("expected PASV, got %q", cmd)
			return
		}
		mc.reply("227 Entering Passive Mode (127,0,0,1," + strconv.Itoa(p1) + "," + strconv.Itoa(p2) + ").\r\n")

		if cmd := mc.readCommand(); cmd != "LIST" {
			t.Errorf("expected LIST, got %q", cmd)
			return
		}
		mc.reply("150 opening data connection\r\n")
		mc.reply("226 transfer complete\r\n")
	}()

	var got []byte
	err = b.Transfer(ctx, "LIST", func(conn net.Conn) error {
		var e error
		got, e = io.ReadAll(conn)
		return e
	})
	if err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestBroker_EPSVFallsBackToPASVOn502(t *testing.T) {
	t.Parallel()
	d, mc, _ := newMockPipe(t)
	s := newSession(d, "u", "p", secureOff, nil, nil, discardLogger())
	s.featUnknown = true // forces EPSV to be tried first by priority

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dataLn.Close() })
	serveOneConn(t, dataLn, []byte("x"))
	_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
	port := must(strconv.Atoi(portStr))

	b := newBroker(d, s, (&net.Dialer{}).DialContext, nil, secureOff)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { mc.reply("220 hi\r\n") }()
	if _, err := d.WaitGreeting(ctx); err != nil {
		t.Fatalf("WaitGreeting: %v", err)
	}

	go func() {
		if cmd := mc.readCommand(); cmd != "EPSV" {
			t.Errorf("expected EPSV first, got %q", cmd)
			return
		}
		mc.reply("502 command not implemented\r\n")

		if cmd := mc.readCommand(); cmd != "PASV" {
			t.Errorf("expected PASV fallback, got %q", cmd)
			return
		}
		mc.reply("227 Entering Passive Mode (127,0,0,1," + strconv.Itoa(port>>8) + "," + strconv.Itoa(port&0xff) + ").\r\n")

		if cmd := mc.readCommand(); cmd != "RETR f" {
			t.Errorf("expected RETR f, got %q", cmd)
			return
		}
		mc.reply("150 opening data connection\r\n")
		mc.reply("226 transfer complete\r\n")
	}()

	err = b.Transfer(ctx, "RETR f", func(conn net.Conn) error {
		_, e := io.ReadAll(conn)
		return e
	})
	if err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
	if !s.detectedUnsupported("EPSV") {
		t.Fatal("expected EPSV to be cached as unsupported after the 502")
	}
}

func TestBroker_ActivePortMode(t *testing.T) {
	t.Parallel()
	d, mc, _ := newMockPipe(t)
	s := newSession(d, "u", "p", secureOff, nil, nil, discardLogger())

	// Reserve a free port, then immediately release it so the broker's
	// port-range listener can bind it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(probe.Addr().String())
	freePort := must(strconv.Atoi(portStr))
	probe.Close()

	b := newBroker(d, s, (&net.Dialer{}).DialContext, nil, secureOff)
	b.portAddress = "127.0.0.1"
	b.portRange = portRange{lo: freePort, hi: freePort}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { mc.reply("220 hi\r\n") }()
	if _, err := d.WaitGreeting(ctx); err != nil {
		t.Fatalf("WaitGreeting: %v", err)
	}

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		cmd := mc.readCommand()
		wantPrefix := "PORT 127,0,0,1," + strconv.Itoa(freePort>>8) + "," + strconv.Itoa(freePort&0xff)
		if cmd != wantPrefix {
			t.Errorf("expected %q, got %q", wantPrefix, cmd)
			return
		}
		mc.reply("200 PORT command successful\r\n")

		if cmd := mc.readCommand(); cmd != "STOR f" {
			t.Errorf("expected STOR f, got %q", cmd)
			return
		}
		mc.reply("150 opening data connection\r\n")

		// Only now dial back into the client's freshly bound listener,
		// standing in for a real server that connects back after it has
		// read the transfer command, not before.
		conn, derr := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort)))
		if derr != nil {
			t.Errorf("dialing back to active listener: %v", derr)
			return
		}
		conn.Write([]byte("active mode payload"))
		conn.Close()

		mc.reply("226 transfer complete\r\n")
	}()

	var got []byte
	err = b.Transfer(ctx, "STOR f", func(conn net.Conn) error {
		var e error
		got, e = io.ReadAll(conn)
		return e
	})
	<-clientDone
	if err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
	if string(got) != "active mode payload" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func TestBroker_AbortMidTransferSurfacesAbortedError(t *testing.T) {
	t.Parallel()
	d, mc, _ := newMockPipe(t)
	s := newSession(d, "u", "p", secureOff, nil, nil, discardLogger())

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dataLn.Close() })
	_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
	port := must(strconv.Atoi(portStr))

	// Accept the connection and keep it open without writing, so the
	// callback's Read blocks until the abort tag takes effect.
	acceptDone := make(chan net.Conn, 1)
	go func() {
		c, err := dataLn.Accept()
		if err == nil {
			acceptDone <- c
		}
	}()

	b := newBroker(d, s, (&net.Dialer{}).DialContext, nil, secureOff)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { mc.reply("220 hi\r\n") }()
	if _, err := d.WaitGreeting(ctx); err != nil {
		t.Fatalf("WaitGreeting: %v", err)
	}

	go func() {
		if cmd := mc.readCommand(); cmd != "PASV" {
			t.Errorf("expected PASV, got %q", cmd)
			return
		}
		mc.reply("227 Entering Passive Mode (127,0,0,1," + strconv.Itoa(port>>8) + "," + strconv.Itoa(port&0xff) + ").\r\n")

		if cmd := mc.readCommand(); cmd != "RETR f" {
			t.Errorf("expected RETR f, got %q", cmd)
			return
		}
		mc.reply("150 opening data connection\r\n")

		srvConn := <-acceptDone
		defer srvConn.Close()

		// Promote an ABOR the way the façade's abort() would; Send tags
		// the Broker's active data connection (set by Transfer) as
		// aborting immediately, unblocking the callback's Read.
		d.Send("ABOR", true)

		mc.reply("426 connection closed; transfer aborted\r\n")
	}()

	err = b.Transfer(ctx, "RETR f", func(conn net.Conn) error {
		buf := make([]byte, 16)
		for {
			if _, e := conn.Read(buf); e != nil {
				return e
			}
		}
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func must(n int, err error) int {
	if err != nil {
		panic(err)
	}
	return n
}
