package ftp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

// discardLogger returns a *slog.Logger that drops everything, for tests
// that only care about behavior, not log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// newTestClient wires a Client around a mock control connection without
// running the real bring-up handshake, for façade tests that only care
// about the commands a wrapper method sends.
func newTestClient(t *testing.T) (*Client, *mockConn) {
	t.Helper()
	d, mc, _ := newMockPipe(t)
	s := newSession(d, "u", "p", secureOff, nil, nil, discardLogger())
	b := newBroker(d, s, (&net.Dialer{}).DialContext, nil, secureOff)

	go mc.reply("220 hi\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.WaitGreeting(ctx); err != nil {
		t.Fatalf("WaitGreeting: %v", err)
	}

	c := &Client{disp: d, sess: s, broker: b, cfg: defaultConfig()}
	return c, mc
}
