// Package workerpool provides a thread-factory style abstraction for
// the tracking event processor: every goroutine it spawns is wrapped so
// a live counter can be observed, letting Processor.ShutDown block
// until all SegmentWorkers (and the Launcher's inline worker) have
// actually exited (spec §4.1, §5, §9).
//
// Grounded on internal/worker/worker_pool.go's sync.WaitGroup-around-
// every-goroutine idiom, generalized from a fixed pool of business-task
// workers to an open-ended named-thread factory.
package workerpool

import (
	"sync"
	"sync/atomic"
)

// Factory spawns named goroutines and tracks how many are currently
// running.
type Factory struct {
	wg      sync.WaitGroup
	running atomic.Int32
}

// New creates an empty factory.
func New() *Factory {
	return &Factory{}
}

// Go runs fn in a new goroutine, incrementing the live count for its
// duration. name is accepted for parity with a Java ThreadFactory's
// named-thread convention and is otherwise unused — Go goroutines
// aren't addressable objects the way OS threads are.
func (f *Factory) Go(name string, fn func()) {
	f.wg.Add(1)
	f.running.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.running.Add(-1)
		fn()
	}()
}

// RunInline executes fn on the calling goroutine while still
// incrementing the live count around it, so Await sees it as
// outstanding work. This is how the Launcher runs the last segment
// worker on its own thread without needing maxThreadCount+1 threads
// (spec §4.2 "Rationale for inline execution").
func (f *Factory) RunInline(fn func()) {
	f.wg.Add(1)
	f.running.Add(1)
	defer f.wg.Done()
	defer f.running.Add(-1)
	fn()
}

// Live returns the number of goroutines currently running.
func (f *Factory) Live() int {
	return int(f.running.Load())
}

// Await blocks until every goroutine started by this factory has
// returned.
func (f *Factory) Await() {
	f.wg.Wait()
}
