// storage/retry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryOptions configures the retry policy wrapper.
type RetryOptions struct {
	// ReadAttempts / WriteAttempts bound how often a transient failure is
	// retried before being escalated as ErrReadFailed / ErrWriteFailed.
	ReadAttempts  int
	WriteAttempts int

	// ConsistencyCheckWrites reads every stored object back and compares
	// it against the payload that was written. A disagreement surfaces as
	// ErrHashMismatch.
	ConsistencyCheckWrites bool
}

// retrying wraps any Backend with the shared retry policy: transient
// failures are retried with exponential backoff plus jitter up to the
// configured attempt count, always with the same payload; not-found,
// capacity, and consistency errors escalate immediately.
type retrying struct {
	backend Backend
	opts    RetryOptions

	// Replaced by tests to avoid real sleeps.
	sleep func(time.Duration)
}

// NewRetrying composes the retry policy around backend.
func NewRetrying(backend Backend, opts RetryOptions) Backend {
	if opts.ReadAttempts < 1 {
		opts.ReadAttempts = 1
	}
	if opts.WriteAttempts < 1 {
		opts.WriteAttempts = 1
	}
	return &retrying{backend: backend, opts: opts, sleep: time.Sleep}
}

func (r *retrying) String() string {
	return "retrying " + r.backend.String()
}

// backoff returns how long to sleep after the i'th failed attempt:
// 2^(i+1) seconds plus up to a second of jitter.
func backoff(i int) time.Duration {
	return time.Duration(1<<uint(i+1))*time.Second +
		time.Duration(rand.Intn(1000))*time.Millisecond
}

func (r *retrying) attempt(ctx context.Context, key string, attempts int, op string,
	f func() error) error {

	var err error
	for i := 0; i < attempts; i++ {
		err = f()
		if err == nil || permanent(err) {
			return err
		}
		if i+1 < attempts {
			d := backoff(i)
			log.Warn().Str("key", key).Err(err).Dur("sleep", d).
				Msgf("%s failed, will try again", op)
			r.sleep(d)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (r *retrying) Put(ctx context.Context, key string, data []byte) error {
	err := r.attempt(ctx, key, r.opts.WriteAttempts, "put", func() error {
		if err := r.backend.Put(ctx, key, data); err != nil {
			return err
		}
		if r.opts.ConsistencyCheckWrites {
			stored, err := r.backend.Get(ctx, key)
			if err != nil {
				return err
			}
			if !bytes.Equal(stored, data) {
				return fmt.Errorf("%s: read-back of %d bytes disagrees: %w",
					key, len(data), ErrHashMismatch)
			}
		}
		return nil
	})
	if err != nil && !permanent(err) {
		return fmt.Errorf("%s after %d attempts: %v: %w",
			key, r.opts.WriteAttempts, err, ErrWriteFailed)
	}
	return err
}

func (r *retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.attempt(ctx, key, r.opts.ReadAttempts, "get", func() error {
		var err error
		data, err = r.backend.Get(ctx, key)
		return err
	})
	if err != nil && !permanent(err) {
		return nil, fmt.Errorf("%s after %d attempts: %v: %w",
			key, r.opts.ReadAttempts, err, ErrReadFailed)
	}
	return data, err
}

func (r *retrying) Delete(ctx context.Context, key string) error {
	return r.backend.Delete(ctx, key)
}

func (r *retrying) List(ctx context.Context, prefix string) ([]string, error) {
	return r.backend.List(ctx, prefix)
}

func (r *retrying) Size(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.attempt(ctx, key, r.opts.ReadAttempts, "size", func() error {
		var err error
		n, err = r.backend.Size(ctx, key)
		return err
	})
	if err != nil && !permanent(err) {
		return 0, fmt.Errorf("%s after %d attempts: %v: %w",
			key, r.opts.ReadAttempts, err, ErrReadFailed)
	}
	return n, err
}
