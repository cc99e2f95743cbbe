// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package workerpool runs fire-and-forget background tasks with bounded
// concurrency. Submit never blocks the caller; at most N tasks execute at
// once and the rest wait their turn.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the number of concurrently running tasks.
const DefaultWorkers = 3

// ErrClosed is reported by futures of tasks submitted after Close.
var ErrClosed = errors.New("workerpool: closed")

// Task is one unit of background work.
type Task func(ctx context.Context) error

// Future reports the completion of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task has finished and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Err returns the task error; only meaningful after Done is closed.
func (f *Future) Err() error { return f.err }

func (f *Future) finish(err error) {
	f.err = err
	close(f.done)
}

// Pool bounds concurrent execution of tasks.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a pool running at most workers tasks at once. A positive
// timeout bounds each task's context; zero means no deadline.
func New(workers int, timeout time.Duration, log *zap.SugaredLogger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
		log:     log,
	}
}

// Submit schedules fn and returns immediately. The outcome is logged; the
// returned future is for callers that want to observe it.
func (p *Pool) Submit(name string, fn Task) *Future {
	f := &Future{done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warnf("workerpool: dropping task %s: pool closed", name)
		f.finish(ErrClosed)
		return f
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		// Background context: in-flight work is never cancelled by the
		// submitter, only bounded by the optional timeout.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		ctx := context.Background()
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		start := time.Now()
		err := fn(ctx)
		if err != nil {
			p.log.Errorw("task failed", "task", name, "elapsed", time.Since(start), "error", err)
		} else {
			p.log.Debugw("task done", "task", name, "elapsed", time.Since(start))
		}
		f.finish(err)
	}()
	return f
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects further submissions. In-flight and queued tasks still run;
// call Wait to drain them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
