package allocator

import (
	"errors"

	"github.com/furrowhq/furrow/pkg/metrics"
)

// ErrStopped is returned for operations enqueued after Stop.
var ErrStopped = errors.New("allocator stopped")

// message is one unit of work for the worker: a named closure plus
// the future its caller is waiting on.
type message struct {
	name string
	fn   func() error
	done chan error
}

// Future resolves once the worker has processed the operation.
// Callers that do not care about the outcome can drop it; the result
// channel is buffered so the worker never blocks on an abandoned
// future.
type Future struct {
	done chan error
}

// Wait blocks until the operation has been processed and returns its
// result.
func (f *Future) Wait() error {
	return <-f.done
}

func resolvedFuture(err error) *Future {
	done := make(chan error, 1)
	done <- err
	return &Future{done: done}
}

// enqueue hands an operation to the worker in FIFO order. All public
// operations go through here; nothing touches allocator state from
// the caller's goroutine. The closed check and the send happen under
// one lock, so a message either reaches the worker before its final
// drain or resolves with ErrStopped here; it cannot land in a dead
// queue.
func (a *Allocator) enqueue(name string, fn func() error) *Future {
	msg := &message{name: name, fn: fn, done: make(chan error, 1)}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return resolvedFuture(ErrStopped)
	}
	a.queue <- msg
	a.mu.Unlock()
	metrics.QueueDepth.Set(float64(len(a.queue)))
	return &Future{done: msg.done}
}

// run is the single worker: it owns the tracker, ledger, filters, and
// sorters, and processes one message fully before the next. A failed
// message resolves its future and never takes the worker down.
func (a *Allocator) run() {
	defer a.wg.Done()
	for {
		select {
		case msg := <-a.queue:
			a.process(msg)
		case <-a.stopCh:
			// Resolve whatever is left so no caller hangs.
			for {
				select {
				case msg := <-a.queue:
					msg.done <- ErrStopped
				default:
					return
				}
			}
		}
	}
}

func (a *Allocator) process(msg *message) {
	metrics.QueueDepth.Set(float64(len(a.queue)))
	err := msg.fn()
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		a.logger.Debug().Str("op", msg.name).Err(err).Msg("operation rejected")
	} else {
		metrics.MessagesProcessed.WithLabelValues("ok").Inc()
	}
	msg.done <- err
}

// tick drives the periodic trigger. The tick itself is just another
// enqueued message, so it interleaves fairly with event-driven work
// instead of preempting it.
func (a *Allocator) tick() {
	defer a.wg.Done()
	ticker := a.clk.NewTicker(a.cfg.AllocationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			a.enqueue("allocate.periodic", func() error {
				a.passPending = false
				return a.allocate()
			})
		case <-a.stopCh:
			return
		}
	}
}

// triggerAllocation schedules an event-driven pass. Called only from
// worker context, after a mutation. Redundant triggers while a pass
// is already pending are absorbed, never queued twice.
func (a *Allocator) triggerAllocation() {
	if a.passPending {
		metrics.TriggersCoalesced.Inc()
		return
	}
	a.passPending = true
	msg := &message{
		name: "allocate.triggered",
		fn: func() error {
			a.passPending = false
			return a.allocate()
		},
		done: make(chan error, 1),
	}
	// The worker is the caller here, so a full queue cannot drain
	// underneath us; hand off asynchronously rather than deadlock.
	select {
	case a.queue <- msg:
	default:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			select {
			case a.queue <- msg:
			case <-a.stopCh:
			}
		}()
	}
}
