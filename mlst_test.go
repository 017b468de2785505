package ftp

import (
	"context"
	"net"
	"strconv"
	"testing"
)

func TestClient_MLSTParsesSingleEntry(t *testing.T) {
	t.Parallel()
	c, mc := newTestClient(t)

	done := make(chan struct {
		entry *Entry
		err   error
	}, 1)
	go func() {
		e, err := c.MLST(context.Background(), "f.txt")
		done <- struct {
			entry *Entry
			err   error
		}{e, err}
	}()

	if cmd := mc.readCommand(); cmd != "MLST f.txt" {
		t.Fatalf("expected MLST f.txt, got %q", cmd)
	}
	mc.reply("250- Listing f.txt\r\n" +
		" Type=file;Size=42;Modify=20240101120000; f.txt\r\n" +
		"250 End\r\n")

	res := <-done
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.entry == nil || res.entry.Name != "f.txt" || res.entry.Size != 42 {
		t.Fatalf("unexpected entry: %+v", res.entry)
	}
}

func TestClient_MLSTFailsOnNon2xx(t *testing.T) {
	t.Parallel()
	c, mc := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.MLST(context.Background(), "missing")
		done <- err
	}()

	mc.readCommand()
	mc.reply("550 No such file\r\n")

	err := <-done
	if err == nil {
		t.Fatal("expected an error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Code != 550 {
		t.Fatalf("expected ProtocolError{Code:550}, got %#v", err)
	}
}

func TestClient_MLSDParsesEveryFactLine(t *testing.T) {
	t.Parallel()
	c, mc := newTestClient(t)

	done := make(chan struct {
		entries []*Entry
		err     error
	}, 1)
	go func() {
		entries, err := c.MLSD(context.Background(), "/pub")
		done <- struct {
			entries []*Entry
			err     error
		}{entries, err}
	}()

	if cmd := mc.readCommand(); cmd != "PASV" {
		t.Fatalf("expected PASV, got %q", cmd)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	payload := []byte("Type=file;Size=1; a.txt\r\nType=dir;Size=0; sub\r\n")
	serveOneConn(t, ln, payload)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	mc.reply("227 Entering Passive Mode (127,0,0,1," + strconv.Itoa(port>>8) + "," + strconv.Itoa(port&0xff) + ").\r\n")

	if cmd := mc.readCommand(); cmd != "MLSD /pub" {
		t.Fatalf("expected MLSD /pub, got %q", cmd)
	}
	mc.reply("150 opening data connection\r\n")
	mc.reply("226 transfer complete\r\n")

	res := <-done
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if len(res.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(res.entries), res.entries)
	}
}
