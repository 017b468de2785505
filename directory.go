package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path"
	"strings"
	"time"
)

// SkipDir is returned by a WalkFunc to skip a directory's contents
// without stopping the walk, same convention as io/fs.WalkDir.
var SkipDir = fs.SkipDir

// WalkFunc is called once per entry visited by Walk.
type WalkFunc func(path string, info *Entry) error

// ChangeDir sends CWD.
func (c *Client) ChangeDir(ctx context.Context, dir string) error {
	_, err := c.sess.expect(ctx, "CWD "+dir, 2)
	return err
}

// CurrentDir sends PWD and extracts the quoted path. On 502 it falls
// back to CWD "." (promoted) per §4.F, since some servers implement
// neither PWD nor an equivalent without the round trip, and caches
// PWD as unsupported for the remainder of the session.
func (c *Client) CurrentDir(ctx context.Context) (string, error) {
	if !c.sess.detectedUnsupported("PWD") {
		rep, err := c.sess.send(ctx, "PWD", false)
		if err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != 502 {
				return "", err
			}
			c.sess.markUnsupported("PWD")
		} else if rep.Class() == 2 {
			c.sess.markSupported("PWD")
			if p, ok := extractQuoted(rep.Text); ok {
				return p, nil
			}
			return "", &ParseError{What: "PWD response", Value: rep.Text}
		} else if rep.Code != 502 {
			return "", &ProtocolError{Command: "PWD", Response: rep.Text, Code: rep.Code}
		} else {
			c.sess.markUnsupported("PWD")
		}
	}

	stream := c.disp.Send("CWD .", true)
	rep, err := c.sess.drain(ctx, stream)
	if err != nil {
		return "", err
	}
	if rep.Class() != 2 {
		return "", &ProtocolError{Command: "CWD", Response: rep.Text, Code: rep.Code}
	}
	if p, ok := extractQuoted(rep.Text); ok {
		return p, nil
	}
	return "", &ParseError{What: "CWD response", Value: rep.Text}
}

// extractQuoted pulls the first "<path>" quoted segment out of a PWD
// or MKD reply body.
func extractQuoted(text string) (string, bool) {
	start := strings.Index(text, `"`)
	if start < 0 {
		return "", false
	}
	end := strings.Index(text[start+1:], `"`)
	if end < 0 {
		return "", false
	}
	return text[start+1 : start+1+end], true
}

// Cdup sends CDUP, falling back to "CWD .." on 502 (cached, as with
// CurrentDir).
func (c *Client) Cdup(ctx context.Context) error {
	if !c.sess.detectedUnsupported("CDUP") {
		rep, err := c.sess.send(ctx, "CDUP", false)
		if err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != 502 {
				return err
			}
			c.sess.markUnsupported("CDUP")
		} else if rep.Class() == 2 {
			c.sess.markSupported("CDUP")
			return nil
		} else if rep.Code != 502 {
			return &ProtocolError{Command: "CDUP", Response: rep.Text, Code: rep.Code}
		} else {
			c.sess.markUnsupported("CDUP")
		}
	}
	stream := c.disp.Send("CWD ..", true)
	rep, err := c.sess.drain(ctx, stream)
	if err != nil {
		return err
	}
	if rep.Class() != 2 {
		return &ProtocolError{Command: "CWD", Response: rep.Text, Code: rep.Code}
	}
	return nil
}

// Delete sends DELE.
func (c *Client) Delete(ctx context.Context, pathStr string) error {
	_, err := c.sess.expect(ctx, "DELE "+pathStr, 2)
	return err
}

// MakeDir creates a directory. Non-recursive, it is a single MKD.
// Recursive emulates "mkdir -p": it changes to the root (absolute
// paths only), walks each path segment with CWD, creates any segment
// that CWD reports missing (550) with MKD then CWD into it, and
// restores the original working directory in a deferred cleanup step
// even if an inner command fails.
func (c *Client) MakeDir(ctx context.Context, pathStr string, recursive bool) error {
	if !recursive {
		_, err := c.sess.expect(ctx, "MKD "+pathStr, 2)
		return err
	}

	original, err := c.CurrentDir(ctx)
	if err != nil {
		return err
	}
	defer c.ChangeDir(ctx, original)

	if path.IsAbs(pathStr) {
		if err := c.ChangeDir(ctx, "/"); err != nil {
			return err
		}
	}

	segments := strings.Split(strings.Trim(pathStr, "/"), "/")
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		rep, err := c.sess.send(ctx, "CWD "+seg, false)
		if err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != 550 {
				return err
			}
		} else if rep.Class() == 2 {
			continue
		} else {
			return &ProtocolError{Command: "CWD", Response: rep.Text, Code: rep.Code}
		}
		if _, err := c.sess.expect(ctx, "MKD "+seg, 2); err != nil {
			return err
		}
		if _, err := c.sess.expect(ctx, "CWD "+seg, 2); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDir removes a directory. Non-recursive, it is a single RMD.
// Recursive lists pathStr first, skips "." and "..", recurses into
// subdirectories, deletes files, and finally removes pathStr itself.
func (c *Client) RemoveDir(ctx context.Context, pathStr string, recursive bool) error {
	if !recursive {
		_, err := c.sess.expect(ctx, "RMD "+pathStr, 2)
		return err
	}

	entries, err := c.List(ctx, pathStr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		child := path.Join(pathStr, e.Name)
		if e.Type == EntryDir {
			if err := c.RemoveDir(ctx, child, true); err != nil {
				return err
			}
			continue
		}
		if err := c.Delete(ctx, child); err != nil {
			return err
		}
	}
	_, err = c.sess.expect(ctx, "RMD "+pathStr, 2)
	return err
}

// List issues LIST against pathStr (or the current directory if
// empty) and parses the result with the Unix/MS-DOS parser chain.
func (c *Client) List(ctx context.Context, pathStr string) ([]*Entry, error) {
	cmd := "LIST"
	if pathStr != "" {
		cmd = "LIST " + pathStr
	}
	lines, err := c.collectLines(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ParseListing(lines, ModeLIST, time.Now()), nil
}

// NameList issues NLST and returns the trimmed non-empty lines
// verbatim; unlike List, NLST carries no type/size/date information.
func (c *Client) NameList(ctx context.Context, pathStr string) ([]string, error) {
	cmd := "NLST"
	if pathStr != "" {
		cmd = "NLST " + pathStr
	}
	lines, err := c.collectLines(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			names = append(names, t)
		}
	}
	return names, nil
}

// collectLines runs cmd as a data operation and returns each line of
// the data socket's content, shared by List/NameList.
func (c *Client) collectLines(ctx context.Context, cmd string) ([]string, error) {
	var lines []string
	err := c.broker.Transfer(ctx, cmd, func(conn net.Conn) error {
		return scanLines(conn, &lines)
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// scanLines appends every line read from conn to out, shared by
// List/NameList/MLSD.
func scanLines(conn net.Conn, out *[]string) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		*out = append(*out, scanner.Text())
	}
	return scanner.Err()
}

// ListSafe changes into pathStr, lists it, and restores the original
// working directory in a guaranteed cleanup step even if List fails.
func (c *Client) ListSafe(ctx context.Context, pathStr string, useCompression bool) ([]*Entry, error) {
	original, err := c.CurrentDir(ctx)
	if err != nil {
		return nil, err
	}
	defer c.ChangeDir(ctx, original)

	if err := c.ChangeDir(ctx, pathStr); err != nil {
		return nil, err
	}

	prevCompression := c.broker.useCompression
	c.broker.useCompression = useCompression
	defer func() { c.broker.useCompression = prevCompression }()

	return c.List(ctx, "")
}

// Size returns pathStr's size via SIZE, falling back to fileInfo on
// 502 (cached, per invariant 4).
func (c *Client) Size(ctx context.Context, pathStr string) (int64, error) {
	if !c.sess.detectedUnsupported("SIZE") {
		rep, err := c.sess.send(ctx, "SIZE "+pathStr, false)
		if err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != 502 {
				return 0, err
			}
			c.sess.markUnsupported("SIZE")
		} else if rep.Class() == 2 {
			c.sess.markSupported("SIZE")
			var n int64
			if _, err := fmt.Sscanf(rep.Text, "%d", &n); err != nil {
				return 0, &ParseError{What: "SIZE response", Value: rep.Text}
			}
			return n, nil
		} else if rep.Code != 502 {
			return 0, &ProtocolError{Command: "SIZE", Response: rep.Text, Code: rep.Code}
		} else {
			c.sess.markUnsupported("SIZE")
		}
	}

	info, err := c.fileInfo(ctx, pathStr)
	if err != nil {
		return 0, err
	}
	if info.Type == EntryDir {
		return 0, fmt.Errorf("ftp: size: %s is a directory", pathStr)
	}
	return info.Size, nil
}

// ModTime returns pathStr's last-modified time via MDTM, falling back
// to fileInfo on 502 (cached, per invariant 4).
func (c *Client) ModTime(ctx context.Context, pathStr string) (time.Time, error) {
	if !c.sess.detectedUnsupported("MDTM") {
		rep, err := c.sess.send(ctx, "MDTM "+pathStr, false)
		if err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != 502 {
				return time.Time{}, err
			}
			c.sess.markUnsupported("MDTM")
		} else if rep.Class() == 2 {
			c.sess.markSupported("MDTM")
			ts, _, _ := strings.Cut(strings.TrimSpace(rep.Text), ".")
			t, err := time.Parse("20060102150405", ts)
			if err != nil {
				return time.Time{}, &ParseError{What: "MDTM response", Value: rep.Text}
			}
			return t.UTC(), nil
		} else if rep.Code != 502 {
			return time.Time{}, &ProtocolError{Command: "MDTM", Response: rep.Text, Code: rep.Code}
		} else {
			c.sess.markUnsupported("MDTM")
		}
	}

	info, err := c.fileInfo(ctx, pathStr)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime, nil
}

// SetModTime sets pathStr's modification time via MFMT
// (draft-somers-ftp-mfxx), a feature not present in the teacher and
// supplemented here because RFC 3659 defines MDTM's read side but
// leaves the write side to this later draft.
func (c *Client) SetModTime(ctx context.Context, pathStr string, t time.Time) error {
	_, err := c.sess.expect(ctx, fmt.Sprintf("MFMT %s %s", t.UTC().Format("20060102150405"), pathStr), 2)
	return err
}

// fileInfo resolves a single entry's metadata: MLST when the server
// advertises it, else the first matching line of a LIST on pathStr.
func (c *Client) fileInfo(ctx context.Context, pathStr string) (*Entry, error) {
	if c.sess.hasFeature("MLST") {
		return c.MLST(ctx, pathStr)
	}

	entries, err := c.List(ctx, pathStr)
	if err != nil {
		return nil, err
	}
	base := path.Base(pathStr)
	for _, e := range entries {
		if e.Name == base || e.Name == "." {
			return e, nil
		}
	}
	if len(entries) > 0 {
		return entries[0], nil
	}
	return nil, &ProtocolError{Command: "LIST", Response: "no entries returned", Code: 0}
}

// Walk visits root and every descendant reachable through LIST,
// calling fn for each. A WalkFunc returning SkipDir skips that
// directory's contents but lets the walk continue with siblings; any
// other non-nil error stops the walk immediately. This is a
// supplemented feature: the spec's core does not require it, but it
// falls directly out of List plus recursion, the way the teacher's own
// Walk does.
func (c *Client) Walk(ctx context.Context, root string, fn WalkFunc) error {
	rootInfo := &Entry{Name: path.Base(root), Type: EntryDir}
	if root == "." || root == "/" || root == "" {
		return c.walk(ctx, root, rootInfo, fn)
	}

	parent := path.Dir(root)
	entries, err := c.List(ctx, parent)
	if err != nil {
		return err
	}
	base := path.Base(root)
	for _, e := range entries {
		if e.Name == base {
			rootInfo = e
			break
		}
	}
	return c.walk(ctx, root, rootInfo, fn)
}

func (c *Client) walk(ctx context.Context, pathStr string, info *Entry, fn WalkFunc) error {
	if err := fn(pathStr, info); err != nil {
		if err == SkipDir {
			return nil
		}
		return err
	}
	if info.Type != EntryDir {
		return nil
	}

	children, err := c.List(ctx, pathStr)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Name == "." || child.Name == ".." || child.Name == "" {
			continue
		}
		if err := c.walk(ctx, path.Join(pathStr, child.Name), child, fn); err != nil {
			return err
		}
	}
	return nil
}
