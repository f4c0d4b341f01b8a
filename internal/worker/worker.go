// Package worker provides the cooperative-goroutine primitive used by every
// long-running component in this repository: a halt channel plus a
// WaitGroup, embedded by value the way client2/connection.go and
// server/cborplugin/client.go embed worker.Worker.
package worker

import "sync"

// Worker is embedded by any type that runs one or more background
// goroutines and needs to shut them down in an orderly way. Call Go to
// start a goroutine, Halt to request shutdown, and Wait to block until
// every goroutine launched via Go has returned.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	haltedCh chan struct{}
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltedCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called. Goroutines
// started via Go should select on this channel at every suspension point.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltedCh
}

// Go starts fn in a new goroutine tracked by the Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes the halt channel exactly once. It does not block; call Wait
// to block until all goroutines started via Go have returned.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltedCh)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
