// Package ratelimit provides a token bucket rate limiter for bandwidth
// throttling of FTP data connections.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"
)

// Limiter implements a token bucket rate limiter.
// It limits the rate of data transfer to a specified bytes per second.
//
// The token bucket algorithm allows for burst transfers up to the bucket
// capacity while maintaining the average rate over time.
type Limiter struct {
	rate       float64   // bytes per second
	burst      float64   // bucket capacity (max tokens)
	tokens     float64   // current available tokens
	lastUpdate time.Time // last time tokens were updated
	mu         sync.Mutex
}

// New creates a new rate limiter with the specified bytes per second limit.
// The bucket holds one second worth of data and starts full. A limit of
// zero or less means unlimited and returns nil; a nil *Limiter never waits.
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

// Rate returns the configured limit in bytes per second.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.rate)
}

// Wait blocks until n bytes may be transferred or ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	for n > 0 {
		step := n
		if float64(step) > l.burst {
			step = int(l.burst)
		}
		if err := l.take(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// take consumes n tokens, n being at most the bucket capacity.
func (l *Limiter) take(ctx context.Context, n int) error {
	need := float64(n)
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.lastUpdate = now

		if l.tokens >= need {
			l.tokens -= need
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((need - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader creates a new rate-limited reader.
// If limiter is nil, returns the original reader unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

// maxChunkSize keeps single waits short for accurate limiting.
const maxChunkSize = 8 * 1024

// Read implements io.Reader with rate limiting.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > maxChunkSize {
		p = p[:maxChunkSize]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.Wait(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter creates a new rate-limited writer.
// If limiter is nil, returns the original writer unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

// Write implements io.Writer with rate limiting. Tokens are consumed before
// each chunk is written.
func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := len(p) - written
		if chunk > maxChunkSize {
			chunk = maxChunkSize
		}
		if err := w.limiter.Wait(w.ctx, chunk); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
