// Package watchers implements a monotonic-counter wait hub: callers can
// block until a counter (a commit sequence number, an etag) reaches or
// passes a target value, and a single advance wakes every waiter whose
// target has been satisfied. It backs the document store's change
// signal (docstore.Store.Changes), which the indexing engine waits on.
package watchers

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrTooManyWaiters = errors.New("watchers: too many waiters")
	ErrClosed         = errors.New("watchers: hub closed")
)

// Hub tracks a monotonically increasing "done up to" watermark and lets
// callers wait for it to reach a given value.
type Hub struct {
	mu sync.Mutex

	doneUpto uint64
	points   map[uint64]*point
	waiting  int
	maxWait  int
	closed   bool
}

type point struct {
	ch    chan struct{}
	count int
}

// New returns a Hub whose watermark starts at doneUpto. maxWait bounds the
// number of concurrent waiters; 0 means unbounded.
func New(doneUpto uint64, maxWait int) *Hub {
	return &Hub{
		doneUpto: doneUpto,
		points:   make(map[uint64]*point),
		maxWait:  maxWait,
	}
}

// DoneUpto reports the current watermark.
func (h *Hub) DoneUpto() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doneUpto
}

// Advance moves the watermark forward to t, waking every waiter whose
// target is now satisfied. Advancing to a value ≤ the current watermark
// is a no-op.
func (h *Hub) Advance(t uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if t <= h.doneUpto {
		return nil
	}

	for i := h.doneUpto + 1; i <= t; i++ {
		if p, ok := h.points[i]; ok {
			close(p.ch)
			delete(h.points, i)
		}
	}
	h.doneUpto = t
	return nil
}

// WaitFor blocks until the watermark reaches t, ctx is cancelled, or the
// hub is closed, whichever happens first.
func (h *Hub) WaitFor(ctx context.Context, t uint64) error {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.doneUpto >= t {
		h.mu.Unlock()
		return nil
	}
	if h.maxWait > 0 && h.waiting == h.maxWait {
		h.mu.Unlock()
		return ErrTooManyWaiters
	}

	p, ok := h.points[t]
	if !ok {
		p = &point{ch: make(chan struct{})}
		h.points[t] = p
	}
	p.count++
	h.waiting++
	h.mu.Unlock()

	var err error
	select {
	case <-p.ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	h.mu.Lock()
	h.waiting--
	p.count--
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrClosed
	}
	return err
}

// Close wakes every waiter with ErrClosed and makes the hub unusable.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.closed = true

	for _, p := range h.points {
		close(p.ch)
	}
	h.points = nil
	return nil
}
