// blockio/engine_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package blockio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacoski/benji/meta"
)

func block(i int64) meta.Block {
	return meta.Block{Index: i, Size: 4096}
}

func TestReadRoundTrip(t *testing.T) {
	e := New(Options{Workers: 4, QueueDepth: 2})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			return []byte(fmt.Sprintf("block %d", b.Index)), nil
		}))

	const n = 20
	for i := int64(0); i < n; i++ {
		// Drain-before-submit keeps a single control goroutine from
		// parking on the semaphore forever.
		for e.Outstanding() >= 6 {
			r, err := e.Completed(-1)
			require.NoError(t, err)
			require.NoError(t, r.Err)
			assert.Equal(t, fmt.Sprintf("block %d", r.Block.Index), string(r.Data))
		}
		require.NoError(t, e.Submit(block(i), nil))
	}

	seen := 0
	for {
		r, err := e.Completed(-1)
		if err == ErrDrained {
			break
		}
		require.NoError(t, err)
		require.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprintf("block %d", r.Block.Index), string(r.Data))
		seen++
	}
	assert.GreaterOrEqual(t, seen, 1)
	require.NoError(t, e.Close())
}

func TestConcurrencyBound(t *testing.T) {
	const workers, queue = 3, 2

	var active, peak int32
	e := New(Options{Workers: workers, QueueDepth: queue})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil, nil
		}))

	for i := int64(0); i < 32; i++ {
		for e.Outstanding() >= workers+queue {
			_, err := e.Completed(-1)
			require.NoError(t, err)
		}
		require.NoError(t, e.Submit(block(i), nil))
		assert.LessOrEqual(t, e.Outstanding(), workers+queue)
	}
	for {
		if _, err := e.Completed(-1); err == ErrDrained {
			break
		}
	}

	assert.LessOrEqual(t, peak, int32(workers))
	require.NoError(t, e.Close())
}

func TestBackpressureBlocksSubmit(t *testing.T) {
	release := make(chan struct{})
	e := New(Options{Workers: 1, QueueDepth: 1})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			<-release
			return nil, nil
		}))

	// Fill every slot: one executing, one queued.
	require.NoError(t, e.Submit(block(0), nil))
	require.NoError(t, e.Submit(block(1), nil))

	submitted := make(chan struct{})
	go func() {
		e.Submit(block(2), nil)
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit should have blocked with all permits held")
	case <-time.After(20 * time.Millisecond):
	}

	// Retrieving one result frees a permit and unblocks the submitter.
	close(release)
	_, err := e.Completed(-1)
	require.NoError(t, err)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after a drain")
	}

	require.NoError(t, e.Close())
}

func TestCompletedTimeout(t *testing.T) {
	release := make(chan struct{})
	e := New(Options{Workers: 1, QueueDepth: 1})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			<-release
			return nil, nil
		}))

	_, err := e.Completed(-1)
	assert.ErrorIs(t, err, ErrDrained)

	require.NoError(t, e.Submit(block(0), nil))
	_, err = e.Completed(0)
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = e.Completed(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	close(release)
	r, err := e.Completed(time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 0, r.Block.Index)

	require.NoError(t, e.Close())
}

func TestWriteMode(t *testing.T) {
	var mu sync.Mutex
	stored := make(map[int64][]byte)

	e := New(Options{Workers: 2})
	require.NoError(t, e.OpenWrite(context.Background(),
		func(ctx context.Context, b meta.Block, data []byte) error {
			mu.Lock()
			stored[b.Index] = append([]byte(nil), data...)
			mu.Unlock()
			return nil
		}))

	for i := int64(0); i < 5; i++ {
		require.NoError(t, e.Submit(block(i), []byte{byte(i)}))
	}
	for {
		r, err := e.Completed(-1)
		if err == ErrDrained {
			break
		}
		require.NoError(t, err)
		require.NoError(t, r.Err)
	}
	require.NoError(t, e.Close())

	assert.Len(t, stored, 5)
	assert.Equal(t, []byte{3}, stored[3])
}

func TestSyncReadBypass(t *testing.T) {
	release := make(chan struct{})
	e := New(Options{Workers: 1, QueueDepth: 1})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			if b.Index == 99 {
				return []byte("inline"), nil
			}
			<-release
			return nil, nil
		}))

	// Saturate the queue, then verify the synchronous path still works.
	require.NoError(t, e.Submit(block(0), nil))
	require.NoError(t, e.Submit(block(1), nil))

	data, err := e.Read(block(99))
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), data)

	close(release)
	require.NoError(t, e.Close())
}

func TestFailureObservable(t *testing.T) {
	e := New(Options{Workers: 2})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			if b.Index == 1 {
				return nil, fmt.Errorf("block %d: boom", b.Index)
			}
			return []byte("ok"), nil
		}))

	require.NoError(t, e.Submit(block(0), nil))
	require.NoError(t, e.Submit(block(1), nil))

	var failed int
	for {
		r, err := e.Completed(-1)
		if err == ErrDrained {
			break
		}
		require.NoError(t, err)
		if r.Err != nil {
			assert.EqualValues(t, 1, r.Block.Index)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	require.NoError(t, e.Close())
}

func TestCloseCancelsAndReleasesPermits(t *testing.T) {
	const workers, queue = 2, 2
	started := make(chan struct{}, workers)
	release := make(chan struct{})

	e := New(Options{Workers: workers, QueueDepth: queue})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		}))

	// Two operations executing, two queued behind them.
	for i := int64(0); i < workers+queue; i++ {
		require.NoError(t, e.Submit(block(i), nil))
	}
	<-started
	<-started

	// A producer blocked on the semaphore must be unblocked by Close.
	unblocked := make(chan error, 1)
	go func() {
		unblocked <- e.Submit(block(100), nil)
	}()

	closed := make(chan error, 1)
	go func() {
		closed <- e.Close()
	}()
	// Close has to wait for the in-flight operations; cancelled queued
	// ones are swallowed, not surfaced.
	close(release)
	require.NoError(t, <-closed)
	assert.ErrorIs(t, <-unblocked, ErrClosed)

	assert.Equal(t, 0, e.Outstanding())
	_, err := e.Completed(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseUnblocksCompleted(t *testing.T) {
	release := make(chan struct{})

	e := New(Options{Workers: 1, QueueDepth: 1})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) {
			<-release
			return nil, nil
		}))
	require.NoError(t, e.Submit(block(0), nil))

	// A consumer parked in a blocking Completed while another goroutine
	// closes the engine must come back with ErrClosed, not hang waiting
	// on a result the close drain took.
	waited := make(chan error, 1)
	go func() {
		_, err := e.Completed(-1)
		waited <- err
	}()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan error, 1)
	go func() {
		closed <- e.Close()
	}()

	select {
	case err := <-waited:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Completed did not return after Close")
	}

	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, 0, e.Outstanding())
}

func TestReopenUnsupported(t *testing.T) {
	e := New(Options{Workers: 1})
	require.NoError(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) { return nil, nil }))
	require.NoError(t, e.Close())

	assert.Error(t, e.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) { return nil, nil }))
	assert.ErrorIs(t, e.Submit(block(0), nil), ErrClosed)

	// A fresh instance after closing the old one gets its full permit
	// count back.
	e2 := New(Options{Workers: 1, QueueDepth: 1})
	require.NoError(t, e2.OpenRead(context.Background(),
		func(ctx context.Context, b meta.Block) ([]byte, error) { return nil, nil }))
	require.NoError(t, e2.Submit(block(0), nil))
	require.NoError(t, e2.Submit(block(1), nil))
	require.NoError(t, e2.Close())
}
