package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/MrEthical07/goAuthClient/token"
)

// maxDispatchWait bounds how long the drain waits for one waiter to dispatch its replay
// before moving to the next.
const maxDispatchWait = 5 * time.Second

type outcome struct {
	rec token.Record
	err error
}

// Waiter is a one-shot continuation for a request blocked behind an in-flight refresh.
type Waiter struct {
	done       <-chan struct{}
	result     chan outcome
	dispatched chan struct{}
	once       sync.Once
}

func newWaiter(ctx context.Context) *Waiter {
	return &Waiter{
		done:       ctx.Done(),
		result:     make(chan outcome, 1),
		dispatched: make(chan struct{}),
	}
}

// Wait blocks until the refresh settles and returns the refreshed record or the
// refresh error.
func (w *Waiter) Wait(ctx context.Context) (token.Record, error) {
	select {
	case o := <-w.result:
		return o.rec, o.err
	case <-ctx.Done():
		w.Dispatched()
		return token.Record{}, ctx.Err()
	}
}

// Dispatched tells the drain that this waiter's replay has been written, releasing the
// next waiter. Safe to call more than once.
func (w *Waiter) Dispatched() {
	w.once.Do(func() { close(w.dispatched) })
}

// queue is the FIFO of waiters. It is guarded by the Coordinator's mutex.
type queue struct {
	waiters []*Waiter
}

func (q *queue) push(w *Waiter) {
	q.waiters = append(q.waiters, w)
}

func (q *queue) take() []*Waiter {
	ws := q.waiters
	q.waiters = nil
	return ws
}

func (q *queue) len() int {
	return len(q.waiters)
}

// release settles waiters in order. On success each waiter must dispatch (or give up)
// before the next one is released, so replays leave in queue order. Dispatch means the
// replay was handed to the transport, not that its response arrived.
func release(ws []*Waiter, rec token.Record, err error) {
	for _, w := range ws {
		w.result <- outcome{rec: rec, err: err}
		if err != nil {
			continue
		}
		t := time.NewTimer(maxDispatchWait)
		select {
		case <-w.dispatched:
		case <-w.done:
		case <-t.C:
		}
		t.Stop()
	}
}
