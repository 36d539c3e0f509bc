// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackends returns one of each backend flavor worth exercising in unit
// tests, including the retry wrapper composed over memory.
func testBackends(t *testing.T) []Backend {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	r := NewRetrying(NewMemory(), RetryOptions{ReadAttempts: 3, WriteAttempts: 3})
	r.(*retrying).sleep = func(time.Duration) {}

	return []Backend{NewMemory(), f, r,
		NewRateLimited(NewMemory(), 32*1024*1024, 32*1024*1024)}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		data := make([]byte, 1280)
		rand.Read(data)

		require.NoError(t, b.Put(ctx, "blocks/ab/abcd", data), b.String())

		got, err := b.Get(ctx, "blocks/ab/abcd")
		require.NoError(t, err, b.String())
		assert.Equal(t, data, got, b.String())

		n, err := b.Size(ctx, "blocks/ab/abcd")
		require.NoError(t, err, b.String())
		assert.EqualValues(t, len(data), n, b.String())
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		_, err := b.Get(ctx, "blocks/no/nope")
		assert.ErrorIs(t, err, ErrNotFound, b.String())

		_, err = b.Size(ctx, "blocks/no/nope")
		assert.ErrorIs(t, err, ErrNotFound, b.String())

		err = b.Delete(ctx, "blocks/no/nope")
		assert.ErrorIs(t, err, ErrNotFound, b.String())
	}
}

func TestWriteOnce(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		require.NoError(t, b.Put(ctx, "blocks/0f/0f00", []byte("first")), b.String())
		// Storing the same key again must not disturb the stored object.
		require.NoError(t, b.Put(ctx, "blocks/0f/0f00", []byte("first")), b.String())

		got, err := b.Get(ctx, "blocks/0f/0f00")
		require.NoError(t, err, b.String())
		assert.Equal(t, []byte("first"), got, b.String())
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		for _, key := range []string{"blocks/aa/aa01", "blocks/aa/aa02",
			"blocks/bb/bb01", "versions/v1"} {
			require.NoError(t, b.Put(ctx, key, []byte(key)), b.String())
		}

		keys, err := b.List(ctx, "blocks/aa/")
		require.NoError(t, err, b.String())
		assert.Equal(t, []string{"blocks/aa/aa01", "blocks/aa/aa02"}, keys, b.String())

		keys, err = b.List(ctx, "blocks/")
		require.NoError(t, err, b.String())
		assert.Len(t, keys, 3, b.String())
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		require.NoError(t, b.Put(ctx, "blocks/cc/cc01", []byte("gone soon")), b.String())
		require.NoError(t, b.Delete(ctx, "blocks/cc/cc01"), b.String())

		_, err := b.Get(ctx, "blocks/cc/cc01")
		assert.ErrorIs(t, err, ErrNotFound, b.String())
	}
}

// flaky fails each operation a fixed number of times before letting it
// through, counting the calls.
type flaky struct {
	Backend
	failPuts  int
	failGets  int
	failSizes int
	puts      int
	gets      int
	sizes     int
}

func (f *flaky) Put(ctx context.Context, key string, data []byte) error {
	f.puts++
	if f.puts <= f.failPuts {
		return fmt.Errorf("put %s: connection reset", key)
	}
	return f.Backend.Put(ctx, key, data)
}

func (f *flaky) Get(ctx context.Context, key string) ([]byte, error) {
	f.gets++
	if f.gets <= f.failGets {
		return nil, fmt.Errorf("get %s: connection reset", key)
	}
	return f.Backend.Get(ctx, key)
}

func (f *flaky) Size(ctx context.Context, key string) (int64, error) {
	f.sizes++
	if f.sizes <= f.failSizes {
		return 0, fmt.Errorf("size %s: connection reset", key)
	}
	return f.Backend.Size(ctx, key)
}

func newTestRetrying(b Backend, opts RetryOptions) Backend {
	r := NewRetrying(b, opts)
	r.(*retrying).sleep = func(time.Duration) {}
	return r
}

func TestRetryTransient(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: NewMemory(), failPuts: 2, failGets: 2}
	r := newTestRetrying(f, RetryOptions{ReadAttempts: 3, WriteAttempts: 3})

	require.NoError(t, r.Put(ctx, "blocks/aa/aa01", []byte("payload")))
	assert.Equal(t, 3, f.puts)

	got, err := r.Get(ctx, "blocks/aa/aa01")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, 3, f.gets)
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: NewMemory(), failPuts: 100, failGets: 100, failSizes: 100}
	r := newTestRetrying(f, RetryOptions{ReadAttempts: 2, WriteAttempts: 3})

	err := r.Put(ctx, "blocks/aa/aa01", []byte("payload"))
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, 3, f.puts)

	_, err = r.Get(ctx, "blocks/aa/aa01")
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.Equal(t, 2, f.gets)

	_, err = r.Size(ctx, "blocks/aa/aa01")
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.Equal(t, 2, f.sizes)
}

func TestRetryNotFoundImmediate(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: NewMemory()}
	r := newTestRetrying(f, RetryOptions{ReadAttempts: 5, WriteAttempts: 5})

	_, err := r.Get(ctx, "blocks/no/nope")
	assert.ErrorIs(t, err, ErrNotFound)
	// Permanent errors must not burn retry attempts.
	assert.Equal(t, 1, f.gets)
}

// full rejects every write for lack of space.
type full struct {
	Backend
	puts int
}

func (f *full) Put(ctx context.Context, key string, data []byte) error {
	f.puts++
	return fmt.Errorf("put %s: %w", key, ErrCapacity)
}

func TestRetryCapacityImmediate(t *testing.T) {
	ctx := context.Background()
	f := &full{Backend: NewMemory()}
	r := newTestRetrying(f, RetryOptions{ReadAttempts: 5, WriteAttempts: 5})

	err := r.Put(ctx, "blocks/aa/aa01", []byte("payload"))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 1, f.puts)
}

// corrupting stores a mangled copy of every object so write verification
// has something to catch.
type corrupting struct {
	Backend
}

func (c *corrupting) Put(ctx context.Context, key string, data []byte) error {
	mangled := dupe(data)
	if len(mangled) > 0 {
		mangled[0] ^= 0xff
	}
	return c.Backend.Put(ctx, key, mangled)
}

func TestConsistencyCheckWrites(t *testing.T) {
	ctx := context.Background()

	r := newTestRetrying(NewMemory(),
		RetryOptions{ReadAttempts: 1, WriteAttempts: 1, ConsistencyCheckWrites: true})
	require.NoError(t, r.Put(ctx, "blocks/aa/aa01", []byte("payload")))

	r = newTestRetrying(&corrupting{Backend: NewMemory()},
		RetryOptions{ReadAttempts: 1, WriteAttempts: 3, ConsistencyCheckWrites: true})
	err := r.Put(ctx, "blocks/aa/aa02", []byte("payload"))
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestRateLimitedDelivers(t *testing.T) {
	ctx := context.Background()
	b := NewRateLimited(NewMemory(), 64*1024*1024, 64*1024*1024)

	data := make([]byte, 4096)
	rand.Read(data)
	require.NoError(t, b.Put(ctx, "blocks/aa/aa01", data))

	got, err := b.Get(ctx, "blocks/aa/aa01")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
