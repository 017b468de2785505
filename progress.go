package ftp

import "io"

// ProgressReader wraps an io.Reader and reports cumulative bytes
// transferred via a callback, composable with Retrieve.
type ProgressReader struct {
	Reader   io.Reader
	Callback func(bytesTransferred int64)

	total int64
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.total += int64(n)
	if pr.Callback != nil && n > 0 {
		pr.Callback(pr.total)
	}
	return n, err
}

// ProgressWriter wraps an io.Writer and reports cumulative bytes
// transferred via a callback, composable with Store/Append.
type ProgressWriter struct {
	Writer   io.Writer
	Callback func(bytesTransferred int64)

	total int64
}

func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.total += int64(n)
	if pw.Callback != nil && n > 0 {
		pw.Callback(pw.total)
	}
	return n, err
}
