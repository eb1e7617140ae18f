// Package dmaengine models the domain-specific DMA mentioned in spec
// §4.2/§4.4 as a small in-process job system standing in for a real
// accelerator's copy engine: jobs are pushed onto a lock-free queue,
// drained by a fixed goroutine pool, and callers block on completion the
// same way a real DMA engine is kicked off and then waited on rather than
// executed inline. Takes remain synchronous; this package only decouples
// the copy's implementation from the calling goroutine.
package dmaengine

import (
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
)

// Job is one in-flight cross-domain copy request.
type Job struct {
	fn   func() error
	done chan error
}

// Engine drains the Jobs that Run enqueues using a bounded goroutine pool.
type Engine struct {
	q    *queue.Queue
	pool *ants.Pool

	closeOnce sync.Once
}

// New creates an Engine with workers goroutines draining the job queue.
func New(workers int) (*Engine, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("dmaengine: new pool: %w", err)
	}
	e := &Engine{
		q:    queue.New(int64(workers * 4)),
		pool: pool,
	}
	for i := 0; i < workers; i++ {
		go e.drain()
	}
	return e, nil
}

// drain blocks on Get until a job arrives or the queue is disposed by
// Close, at which point Get returns an error and the goroutine exits.
func (e *Engine) drain() {
	for {
		items, err := e.q.Get(1)
		if err != nil {
			return
		}
		if len(items) == 0 {
			continue
		}
		j, ok := items[0].(*Job)
		if !ok {
			continue
		}
		if err := e.pool.Submit(func() { j.done <- j.fn() }); err != nil {
			j.done <- err
		}
	}
}

// Run submits fn to the engine and blocks until it completes, returning
// its error. This is the only entry point Take's synchronous call
// contract needs: the copy happens on a pool goroutine, but the caller
// still observes it as a normal blocking call.
func (e *Engine) Run(fn func() error) error {
	j := &Job{fn: fn, done: make(chan error, 1)}
	if err := e.q.Put(j); err != nil {
		return fmt.Errorf("dmaengine: enqueue: %w", err)
	}
	return <-j.done
}

// Stage borrows a pooled byte buffer sized for a host-bounce copy between
// two non-CPU domains that have no direct peer-to-peer path, matching the
// "stage through host memory" fallback in spec §4.2/§4.4.
func Stage(size int) *bytebufferpool.ByteBuffer {
	buf := bytebufferpool.Get()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	return buf
}

// Unstage returns a buffer obtained from Stage to the pool.
func Unstage(buf *bytebufferpool.ByteBuffer) {
	bytebufferpool.Put(buf)
}

// Close stops the engine's drain loops and releases the worker pool.
// Disposing the queue wakes every goroutine blocked in Get.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.q.Dispose()
		e.pool.Release()
	})
}
