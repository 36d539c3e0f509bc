// blockio/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package blockio runs many block reads or writes concurrently under a
// strict cap while keeping backpressure on the producer: a counting
// semaphore sized workers+queueDepth is acquired when an operation is
// submitted and released only when its result is retrieved, so a producer
// can never run ahead of result consumption by more than the queue
// allowance.
package blockio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lacoski/benji/meta"
)

var (
	// ErrClosed: the engine has been closed (or was never opened).
	ErrClosed = errors.New("engine closed")

	// ErrTimeout: no result completed within the given timeout.
	ErrTimeout = errors.New("timed out waiting for completion")

	// ErrDrained: every submitted operation's result has been retrieved.
	ErrDrained = errors.New("no outstanding operations")

	// ErrCancelled: the operation was cancelled by Close before a worker
	// started it.
	ErrCancelled = errors.New("operation cancelled")
)

// DefaultQueueDepth bounds how many submitted operations may sit queued
// beyond the worker count before Submit blocks.
const DefaultQueueDepth = 5

// ReadFunc reads the raw payload for one block.
type ReadFunc func(ctx context.Context, b meta.Block) ([]byte, error)

// WriteFunc durably stores the payload for one block.
type WriteFunc func(ctx context.Context, b meta.Block, data []byte) error

// Options configures one engine instance.
type Options struct {
	// Workers is the number of operations executed concurrently. Values
	// below 1 are treated as 1.
	Workers int

	// QueueDepth is how many additional submissions are accepted beyond
	// Workers before Submit blocks; 0 selects DefaultQueueDepth.
	QueueDepth int
}

func (o *Options) setDefaults() {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
}

// Result carries the outcome of one submitted operation. Results arrive
// in completion order, not submission order; callers must key off
// Result.Block.
type Result struct {
	Block meta.Block
	// Data holds the payload for read operations; nil for writes.
	Data []byte
	Err  error
}

type request struct {
	block meta.Block
	data  []byte
}

const (
	stateUnopened = iota
	stateRead
	stateWrite
	stateClosed
)

// Engine is a bounded worker pool over one ReadFunc or WriteFunc. An
// instance is opened for exactly one mode, used, and closed; reopening is
// not supported.
//
// Submit and Completed are intended for a single control goroutine;
// Close may be called from anywhere.
type Engine struct {
	opts Options

	mu          sync.Mutex
	state       int
	outstanding int
	closeErr    error

	// Serializes result consumption between Completed and Close's drain,
	// so neither can take a result the other is already committed to
	// waiting for.
	drainMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	// Acquired (sem <- true) on submit, released (<-sem) when the result
	// is retrieved. Capacity Workers+QueueDepth.
	sem      chan bool
	requests chan request
	results  chan Result
	// Closed by Close to unblock a producer waiting on sem.
	done chan struct{}
	wg   sync.WaitGroup

	read  ReadFunc
	write WriteFunc
}

// New returns an unopened engine.
func New(opts Options) *Engine {
	opts.setDefaults()
	return &Engine{opts: opts}
}

// OpenRead starts the worker pool in read mode.
func (e *Engine) OpenRead(ctx context.Context, fn ReadFunc) error {
	return e.open(ctx, stateRead, fn, nil)
}

// OpenWrite starts the worker pool in write mode.
func (e *Engine) OpenWrite(ctx context.Context, fn WriteFunc) error {
	return e.open(ctx, stateWrite, nil, fn)
}

func (e *Engine) open(ctx context.Context, state int, rf ReadFunc, wf WriteFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateUnopened {
		return errors.New("engine already opened")
	}
	e.state = state
	e.read, e.write = rf, wf
	e.ctx, e.cancel = context.WithCancel(ctx)

	// The semaphore bounds outstanding operations to cap, so the buffered
	// requests and results channels can never fill up and block a
	// submitter or a worker.
	slots := e.opts.Workers + e.opts.QueueDepth
	e.sem = make(chan bool, slots)
	e.requests = make(chan request, slots)
	e.results = make(chan Result, slots)
	e.done = make(chan struct{})

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for req := range e.requests {
		// Operations not yet started when Close cancels the context are
		// reported, not executed; an operation already inside its
		// ReadFunc/WriteFunc runs to completion or failure.
		if err := e.ctx.Err(); err != nil {
			e.results <- Result{Block: req.block, Err: ErrCancelled}
			continue
		}

		r := Result{Block: req.block}
		switch {
		case e.read != nil:
			r.Data, r.Err = e.read(e.ctx, req.block)
		default:
			r.Err = e.write(e.ctx, req.block, req.data)
		}
		e.results <- r
	}
}

// Submit queues one operation. It returns quickly unless the engine
// already holds Workers+QueueDepth unretrieved operations, in which case
// it blocks until Completed retrieves one (or the engine is closed). In
// read mode data must be nil.
func (e *Engine) Submit(b meta.Block, data []byte) error {
	e.mu.Lock()
	if e.state != stateRead && e.state != stateWrite {
		e.mu.Unlock()
		return ErrClosed
	}
	done := e.done
	e.mu.Unlock()

	// The backpressure point.
	select {
	case e.sem <- true:
	case <-done:
		return ErrClosed
	}

	// Close may have won the race while we were blocked on the
	// semaphore; give the permit back rather than queue work that no
	// drain will ever retrieve.
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		<-e.sem
		return ErrClosed
	}
	e.outstanding++
	e.requests <- request{block: b, data: data}
	e.mu.Unlock()
	return nil
}

// Completed retrieves the next finished operation, releasing its
// semaphore permit. Results arrive in completion order. A negative
// timeout blocks until a result is available, zero polls, and a positive
// timeout bounds the wait (ErrTimeout). When every submitted operation
// has been retrieved it returns ErrDrained.
func (e *Engine) Completed(timeout time.Duration) (Result, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	e.mu.Lock()
	if e.state != stateRead && e.state != stateWrite {
		e.mu.Unlock()
		return Result{}, ErrClosed
	}
	if e.outstanding == 0 {
		e.mu.Unlock()
		return Result{}, ErrDrained
	}
	done := e.done
	e.mu.Unlock()

	// The done channel keeps a blocked wait here from being stranded when
	// Close begins while this caller is parked on the results channel.
	var r Result
	switch {
	case timeout < 0:
		select {
		case r = <-e.results:
		case <-done:
			return Result{}, ErrClosed
		}
	case timeout == 0:
		select {
		case r = <-e.results:
		default:
			return Result{}, ErrTimeout
		}
	default:
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case r = <-e.results:
		case <-t.C:
			return Result{}, ErrTimeout
		case <-done:
			return Result{}, ErrClosed
		}
	}

	<-e.sem
	e.mu.Lock()
	e.outstanding--
	e.mu.Unlock()
	return r, nil
}

// Read performs one synchronous read outside the bounded-queue path,
// for one-off reads that shouldn't contend with the main scan loop.
func (e *Engine) Read(b meta.Block) ([]byte, error) {
	e.mu.Lock()
	if e.state != stateRead {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	fn, ctx := e.read, e.ctx
	e.mu.Unlock()
	return fn(ctx, b)
}

// Slots reports the total permit count, Workers+QueueDepth: the most
// operations that can be outstanding before Submit blocks.
func (e *Engine) Slots() int {
	return e.opts.Workers + e.opts.QueueDepth
}

// Outstanding reports how many submitted operations have not yet been
// retrieved via Completed.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

// Close cancels not-yet-started operations, drains every outstanding
// result so no semaphore permit is leaked and no blocked producer is
// stranded, and then stops the workers. That ordering is load-bearing:
// stopping workers before draining can deadlock a producer parked on the
// semaphore. Cancelled operations are swallowed; the first real failure
// seen while draining is returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == stateClosed {
		err := e.closeErr
		e.mu.Unlock()
		return err
	}
	if e.state == stateUnopened {
		e.state = stateClosed
		e.mu.Unlock()
		return nil
	}
	e.state = stateClosed
	close(e.done)
	e.mu.Unlock()

	e.cancel()

	// done is closed before taking drainMu, so a Completed parked on the
	// results channel bails out with ErrClosed rather than holding the
	// drain lock indefinitely.
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var firstErr error
	for {
		e.mu.Lock()
		n := e.outstanding
		e.mu.Unlock()
		if n == 0 {
			break
		}

		r := <-e.results
		<-e.sem
		e.mu.Lock()
		e.outstanding--
		e.mu.Unlock()

		if r.Err != nil && !errors.Is(r.Err, ErrCancelled) &&
			!errors.Is(r.Err, context.Canceled) && firstErr == nil {
			firstErr = r.Err
		}
	}

	close(e.requests)
	e.wg.Wait()

	e.mu.Lock()
	e.closeErr = firstErr
	e.mu.Unlock()
	return firstErr
}
