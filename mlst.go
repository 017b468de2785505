package ftp

import (
	"context"
	"net"
	"strings"
	"time"
)

// MLST requests a single machine-readable entry for pathStr (RFC 3659
// §7.1). The entry line is the one reply line that is not the opening
// or closing status text of the multi-line 250 response.
func (c *Client) MLST(ctx context.Context, pathStr string) (*Entry, error) {
	rep, err := c.sess.send(ctx, "MLST "+pathStr, false)
	if err != nil {
		return nil, err
	}
	if rep.Class() != 2 {
		return nil, &ProtocolError{Command: "MLST", Response: rep.Text, Code: rep.Code}
	}

	for _, line := range rep.Lines() {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasSuffix(strings.ToLower(trimmed), "listing") || strings.EqualFold(trimmed, "end") {
			continue
		}
		if entry, ok := mlsxParser.Parse(trimmed, time.Now()); ok {
			return entry, nil
		}
	}
	return nil, &ParseError{What: "MLST response", Value: rep.Text}
}

// MLSD lists pathStr (or the current directory if empty) as a
// machine-readable listing (RFC 3659 §7.2), parsing every fact line
// through the same MLSx parser MLST and List(ModeMLSD) use.
func (c *Client) MLSD(ctx context.Context, pathStr string) ([]*Entry, error) {
	cmd := "MLSD"
	if pathStr != "" {
		cmd = "MLSD " + pathStr
	}

	var lines []string
	err := c.broker.Transfer(ctx, cmd, func(conn net.Conn) error {
		return scanLines(conn, &lines)
	})
	if err != nil {
		return nil, err
	}
	return ParseListing(lines, ModeMLSD, time.Now()), nil
}
