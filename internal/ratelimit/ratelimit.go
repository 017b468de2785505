// Package ratelimit implements a token-bucket bandwidth limiter for
// FTP data transfers, stdlib only.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

// Limiter caps throughput to a target bytes-per-second rate, allowing
// bursts up to one second's worth of data.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
}

// Stop is a no-op; the limiter holds no background goroutine or timer
// to release. It exists so callers can defer cleanup unconditionally
// even though nothing needs cleaning up, and is safe to call on nil.
func (l *Limiter) Stop() {}

// New returns a Limiter capped at bytesPerSecond. A non-positive rate
// means unlimited, represented as a nil *Limiter so callers can pass it
// straight into NewReader/NewWriter without a branch.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
	}
}

// take blocks until n tokens are available, refilling the bucket by
// elapsed time since the last call and capping the wait at one second
// so a very small rate cannot stall a caller indefinitely.
func (l *Limiter) take(n int) {
	if l == nil || n <= 0 {
		return
	}

	l.mu.Lock()
	l.refillLocked()
	need := float64(n)
	if l.tokens >= need {
		l.tokens -= need
		l.mu.Unlock()
		return
	}
	short := need - l.tokens
	wait := time.Duration(short / l.rate * float64(time.Second))
	const maxWait = time.Second
	if wait > maxWait {
		wait = maxWait
	}
	l.mu.Unlock()

	time.Sleep(wait)

	l.mu.Lock()
	l.refillLocked()
	if l.tokens >= need {
		l.tokens -= need
	} else {
		l.tokens = 0
	}
	l.mu.Unlock()
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastUpdate = now
}

const (
	readChunk  = 8 * 1024
	writeChunk = 64 * 1024
)

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader wraps r so every Read is throttled by limiter. A nil
// limiter returns r unchanged.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > readChunk {
		p = p[:readChunk]
	}
	r.limiter.take(len(p))
	return r.r.Read(p)
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter wraps w so every Write is throttled by limiter, chunked so
// a single large Write doesn't stall past the limiter's one-second
// wait cap. A nil limiter returns w unchanged.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		end := written + writeChunk
		if end > len(p) {
			end = len(p)
		}
		w.limiter.take(end - written)
		n, err := w.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
