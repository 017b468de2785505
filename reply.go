package ftp

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Reply is a single parsed control-channel response: a 3-digit code and
// its (possibly multi-line) text body, already reassembled across
// "ddd-...\r\nddd ...\r\n" framing.
type Reply struct {
	Code int
	Text string
}

// Class returns the hundreds digit of the code: 1 (preliminary), 2
// (complete), 3 (intermediate), 4 (transient error), 5 (permanent
// error).
func (r Reply) Class() int { return r.Code / 100 }

// Lines splits Text back into its individual (already-trimmed) lines,
// for callers that need the per-line view FEAT/MLST provide.
func (r Reply) Lines() []string {
	if r.Text == "" {
		return nil
	}
	return strings.Split(r.Text, "\n")
}

var iso88591Decoder = charmap.ISO8859_1.NewDecoder()

// decodeISO88591 transcodes raw control-channel bytes as ISO-8859-1,
// per RFC 959 §4.2: every byte is a valid code point, so this never
// fails and preserves byte identity without assuming UTF-8. Higher
// layers (listing name decoding) apply UTF-8 themselves when the server
// has advertised the UTF8 feature.
func decodeISO88591(b []byte) string {
	out, err := iso88591Decoder.Bytes(b)
	if err != nil {
		// charmap's ISO-8859-1 decoder cannot fail (every byte maps to a
		// rune); this branch exists only to satisfy the API.
		return string(b)
	}
	return string(out)
}

// Parser incrementally frames control-channel bytes into complete
// Replies, honoring RFC 959 §4.2 multi-line continuation. It is
// stream-oriented: Feed may be called with arbitrarily chunked input
// (e.g. as delivered by a TLS record), including chunks that split a
// line or that contain several complete replies at once.
//
// A Parser raises no errors: malformed bytes are retained in the
// internal buffer until a recognizable terminator line appears.
type Parser struct {
	buf      []byte
	inMulti  bool
	code     int
	lines    []string
}

// Feed appends chunk to the internal buffer and returns every reply
// that became complete as a result, in order.
func (p *Parser) Feed(chunk []byte) []Reply {
	p.buf = append(p.buf, chunk...)

	var out []Reply
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		raw := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		raw = bytes.TrimSuffix(raw, []byte("\r"))

		line := decodeISO88591(raw)
		if rep, ok := p.consumeLine(line); ok {
			out = append(out, rep)
		}
	}
	return out
}

// consumeLine folds one framed line into the parser's multi-line state,
// returning a completed Reply when the line terminates a response.
func (p *Parser) consumeLine(line string) (Reply, bool) {
	if len(line) < 4 {
		// Not a status line. Inside a multi-line body this is a plain
		// continuation line (RFC 959 allows arbitrary text between the
		// opening "ddd-" and the closing "ddd "); outside one it is
		// noise and is dropped, per spec: no errors are raised.
		if p.inMulti {
			p.lines = append(p.lines, strings.TrimSpace(line))
		}
		return Reply{}, false
	}

	code, err := strconv.Atoi(line[0:3])
	sep := line[3]
	isCode := err == nil && (sep == ' ' || sep == '-')

	if !isCode {
		if p.inMulti {
			p.lines = append(p.lines, strings.TrimSpace(line))
		}
		return Reply{}, false
	}

	body := strings.TrimSpace(line[4:])

	switch {
	case !p.inMulti && sep == ' ':
		return Reply{Code: code, Text: body}, true

	case !p.inMulti && sep == '-':
		p.inMulti = true
		p.code = code
		p.lines = []string{body}
		return Reply{}, false

	case p.inMulti && code == p.code && sep == ' ':
		p.lines = append(p.lines, body)
		rep := Reply{Code: code, Text: strings.Join(p.lines, "\n")}
		p.inMulti = false
		p.lines = nil
		return rep, true

	case p.inMulti && code == p.code && sep == '-':
		// Traditional-style continuation ("211-FEAT1") rather than the
		// RFC 2389 space-prefixed style: still just a body line.
		p.lines = append(p.lines, body)
		return Reply{}, false

	default:
		// A status-shaped line with a different code than the one that
		// opened this multi-line reply: treat as continuation text
		// rather than framing, per spec (no errors are raised).
		p.lines = append(p.lines, strings.TrimSpace(line))
		return Reply{}, false
	}
}
