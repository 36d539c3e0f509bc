// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Derived from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package storage

import (
	"context"
	"sync"
	"time"
)

// limiter doles out a byte budget on a ticker; readers block until
// bandwidth is available. One limiter serves all workers hitting the
// wrapped backend, so the aggregate transfer rate stays under the limit.
type limiter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	perSecond int
}

func newLimiter(bytesPerSecond int) *limiter {
	l := &limiter{perSecond: bytesPerSecond}
	l.cond = sync.NewCond(&l.mu)

	// Release 1/8th of the per-second limit every 8th of a second. The
	// 94/100 factor adds some slop for protocol overhead so the wire rate
	// stays under the requested limit.
	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		for range ticker.C {
			l.mu.Lock()
			l.available += bytesPerSecond * 94 / 100 / 8
			if l.available > bytesPerSecond {
				// Don't ever queue up more than one second's worth of
				// transmission.
				l.available = bytesPerSecond
			}
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
	return l
}

// take blocks until it can claim up to n bytes of budget and returns how
// many were claimed.
func (l *limiter) take(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.available <= 0 {
		l.cond.Wait()
	}
	if n > l.available {
		n = l.available
	}
	l.available -= n
	return n
}

// rateLimited wraps a Backend and throttles Put and Get payload volume to
// the configured bytes/second budgets. A zero budget leaves the direction
// unlimited.
type rateLimited struct {
	backend  Backend
	upload   *limiter
	download *limiter
}

// NewRateLimited composes bandwidth limiting around backend.
func NewRateLimited(backend Backend, uploadBytesPerSecond, downloadBytesPerSecond int) Backend {
	rl := &rateLimited{backend: backend}
	if uploadBytesPerSecond > 0 {
		rl.upload = newLimiter(uploadBytesPerSecond)
	}
	if downloadBytesPerSecond > 0 {
		rl.download = newLimiter(downloadBytesPerSecond)
	}
	return rl
}

func (rl *rateLimited) String() string {
	return "rate limited " + rl.backend.String()
}

// consume charges n bytes against the limiter, blocking as needed.
func consume(l *limiter, n int) {
	for n > 0 {
		n -= l.take(n)
	}
}

func (rl *rateLimited) Put(ctx context.Context, key string, data []byte) error {
	if rl.upload != nil {
		consume(rl.upload, len(data))
	}
	return rl.backend.Put(ctx, key, data)
}

func (rl *rateLimited) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := rl.backend.Get(ctx, key)
	if err == nil && rl.download != nil {
		consume(rl.download, len(data))
	}
	return data, err
}

func (rl *rateLimited) Delete(ctx context.Context, key string) error {
	return rl.backend.Delete(ctx, key)
}

func (rl *rateLimited) List(ctx context.Context, prefix string) ([]string, error) {
	return rl.backend.List(ctx, prefix)
}

func (rl *rateLimited) Size(ctx context.Context, key string) (int64, error) {
	return rl.backend.Size(ctx, key)
}
