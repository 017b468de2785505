package ftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/cneill/ftpc/internal/ratelimit"
)

// Store uploads data read from r to remotePath via STOR, in binary
// mode. If Restart was called since the last transfer, the pending
// offset is consumed here by sending REST immediately before STOR,
// same ordering as RetrieveFrom/StoreAt below.
func (c *Client) Store(ctx context.Context, remotePath string, r io.Reader) error {
	if err := c.binary(ctx); err != nil {
		return err
	}
	return c.broker.Transfer(ctx, "STOR "+remotePath, func(conn net.Conn) error {
		_, err := io.Copy(conn, c.rateLimitedReader(r))
		return err
	})
}

// Retrieve downloads remotePath via RETR into w, in binary mode.
func (c *Client) Retrieve(ctx context.Context, remotePath string, w io.Writer) error {
	if err := c.binary(ctx); err != nil {
		return err
	}
	return c.broker.Transfer(ctx, "RETR "+remotePath, func(conn net.Conn) error {
		_, err := io.Copy(c.rateLimitedWriter(w), conn)
		return err
	})
}

// Append appends data read from r to remotePath via APPE, creating it
// if it does not already exist.
func (c *Client) Append(ctx context.Context, remotePath string, r io.Reader) error {
	if err := c.binary(ctx); err != nil {
		return err
	}
	return c.broker.Transfer(ctx, "APPE "+remotePath, func(conn net.Conn) error {
		_, err := io.Copy(conn, c.rateLimitedReader(r))
		return err
	})
}

// RetrieveFrom downloads remotePath into w starting at byte offset,
// issuing REST before RETR when offset > 0.
func (c *Client) RetrieveFrom(ctx context.Context, remotePath string, w io.Writer, offset int64) error {
	if err := c.binary(ctx); err != nil {
		return err
	}
	if offset > 0 {
		if err := c.Restart(ctx, offset); err != nil {
			return err
		}
	}
	return c.broker.Transfer(ctx, "RETR "+remotePath, func(conn net.Conn) error {
		_, err := io.Copy(c.rateLimitedWriter(w), conn)
		return err
	})
}

// StoreAt uploads r to remotePath starting at byte offset. True
// REST+STOR resume is uncommon server support; when offset > 0 this
// uses APPE instead, matching the fallback the teacher's StoreAt also
// takes.
func (c *Client) StoreAt(ctx context.Context, remotePath string, r io.Reader, offset int64) error {
	if err := c.binary(ctx); err != nil {
		return err
	}
	cmd := "STOR " + remotePath
	if offset > 0 {
		cmd = "APPE " + remotePath
	}
	return c.broker.Transfer(ctx, cmd, func(conn net.Conn) error {
		_, err := io.Copy(conn, c.rateLimitedReader(r))
		return err
	})
}

// UploadFile opens localPath and streams it to remotePath via Store.
func (c *Client) UploadFile(ctx context.Context, remotePath, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("ftp: open local file: %w", err)
	}
	defer f.Close()
	return c.Store(ctx, remotePath, f)
}

// DownloadFile retrieves remotePath into localPath, creating or
// truncating it, and removes the partial file on failure.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("ftp: create local file: %w", err)
	}
	defer f.Close()

	if err := c.Retrieve(ctx, remotePath, f); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	return nil
}

// UploadFileProgress is UploadFile with a callback invoked after every
// chunk written, reporting cumulative bytes sent.
func (c *Client) UploadFileProgress(ctx context.Context, remotePath, localPath string, progress func(int64)) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("ftp: open local file: %w", err)
	}
	defer f.Close()
	return c.Store(ctx, remotePath, &ProgressReader{Reader: f, Callback: progress})
}

// DownloadFileProgress is DownloadFile with a callback invoked after
// every chunk received, reporting cumulative bytes written.
func (c *Client) DownloadFileProgress(ctx context.Context, remotePath, localPath string, progress func(int64)) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("ftp: create local file: %w", err)
	}
	defer f.Close()

	if err := c.Retrieve(ctx, remotePath, &ProgressWriter{Writer: f, Callback: progress}); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	return nil
}

// rateLimitedReader applies the configured bandwidth cap, if any, to a
// transfer's source reader.
func (c *Client) rateLimitedReader(r io.Reader) io.Reader {
	if c.limiter == nil {
		return r
	}
	return ratelimit.NewReader(r, c.limiter)
}

// rateLimitedWriter applies the configured bandwidth cap, if any, to a
// transfer's destination writer.
func (c *Client) rateLimitedWriter(w io.Writer) io.Writer {
	if c.limiter == nil {
		return w
	}
	return ratelimit.NewWriter(w, c.limiter)
}
