package ftp

import (
	"compress/zlib"
	"io"
	"net"
	"sync"
)

// wrapCompression pipes conn's reads through zlib inflate and writes
// through zlib deflate, per draft-preston-ftpext-deflate-04's MODE Z.
func wrapCompression(conn net.Conn, level int) net.Conn {
	return &compressedConn{Conn: conn, level: level}
}

// compressedConn lazily constructs its zlib reader/writer on first use:
// a transfer may be read-only or write-only, and zlib.NewReader blocks
// until it sees the stream's two-byte header, which a write-only peer
// never sends.
type compressedConn struct {
	net.Conn
	level int

	mu sync.Mutex
	zr io.ReadCloser
	zw *zlib.Writer
}

func (c *compressedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.zr == nil {
		zr, err := zlib.NewReader(c.Conn)
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		c.zr = zr
	}
	zr := c.zr
	c.mu.Unlock()
	return zr.Read(p)
}

func (c *compressedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.zw == nil {
		c.zw, _ = zlib.NewWriterLevel(c.Conn, c.level)
	}
	zw := c.zw
	c.mu.Unlock()
	return zw.Write(p)
}

func (c *compressedConn) Close() error {
	c.mu.Lock()
	if c.zw != nil {
		c.zw.Close()
	}
	c.mu.Unlock()
	return c.Conn.Close()
}
