// Package txn implements the environment's single-writer,
// copy-on-write transaction model: one write transaction at a time,
// any number of concurrent read transactions each pinned to the page
// tree as it stood at the moment they began, and a reader registry
// that tells the free-space manager when a freed page has become safe
// to reuse.
package txn

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/ravendoc/docstore/freespace"
	"github.com/ravendoc/docstore/logger"
	"github.com/ravendoc/docstore/metrics"
	"github.com/ravendoc/docstore/pager"
)

var (
	ErrReadOnly   = errors.New("txn: write attempted on a read-only transaction")
	ErrClosed     = errors.New("txn: transaction already closed")
	ErrConcurrent = errors.New("txn: another write transaction is already open")
)

// Mode selects a transaction's access pattern.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// PublishFunc durably records a new root page number under a new
// commit id — the environment's double-buffered header swap. It is
// called with the writer lock still held and before the writer's
// freed pages are registered, so a failure here leaves the previous
// header slot as the source of truth and nothing is freed.
type PublishFunc func(ctx context.Context, root uint64, commitID uint64) error

// Manager owns the single-writer lock, the currently-published root
// page, and the registry of in-flight readers used to compute the
// watermark below which freed pages are safe to reclaim.
type Manager struct {
	writerMu sync.Mutex

	pgr     pager.Pager
	free    *freespace.Manager
	publish PublishFunc
	log     logger.Logger
	metrics *metrics.Env

	stateMu  sync.RWMutex
	root     uint64
	commitID uint64

	readersMu sync.Mutex
	readers   map[uint64]int
}

// New builds a Manager whose first snapshot is (root, commitID) — the
// values recovered from the environment header at startup.
func New(pgr pager.Pager, free *freespace.Manager, root uint64, commitID uint64, publish PublishFunc, log logger.Logger, m *metrics.Env) *Manager {
	if log == nil {
		log = logger.Noop
	}
	return &Manager{
		pgr:      pgr,
		free:     free,
		publish:  publish,
		log:      log,
		metrics:  m,
		root:     root,
		commitID: commitID,
		readers:  make(map[uint64]int),
	}
}

// Snapshot returns the currently published root page and commit id.
func (mgr *Manager) Snapshot() (uint64, uint64) {
	mgr.stateMu.RLock()
	defer mgr.stateMu.RUnlock()
	return mgr.root, mgr.commitID
}

// Begin opens a new transaction. A ReadWrite transaction blocks until
// any prior writer commits or rolls back, or ctx is cancelled first.
func (mgr *Manager) Begin(ctx context.Context, mode Mode) (*Tx, error) {
	if mode == ReadWrite {
		if err := mgr.lockWriter(ctx); err != nil {
			return nil, err
		}
	}

	root, commitID := mgr.Snapshot()
	mgr.addReader(commitID)

	return &Tx{
		mgr:             mgr,
		mode:            mode,
		baseRoot:        root,
		baseCommitID:    commitID,
		newRoot:         root,
		dirty:           make(map[uint64][]byte),
		allocatedThisTx: make(map[uint64]bool),
	}, nil
}

// lockWriter blocks until the writer lock is free or ctx ends. If ctx
// ends because its deadline elapsed while another write transaction
// still held the lock, that is reported as ErrConcurrent rather than a
// bare context.DeadlineExceeded — the caller asked "is a writer already
// busy" by giving Begin a deadline, and this is that answer. Outright
// cancellation (no deadline race, caller gave up) still surfaces as
// ctx.Err() alone.
func (mgr *Manager) lockWriter(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		mgr.writerMu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			mgr.writerMu.Unlock()
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Join(ErrConcurrent, ctx.Err())
		}
		return ctx.Err()
	}
}

func (mgr *Manager) addReader(commitID uint64) {
	mgr.readersMu.Lock()
	mgr.readers[commitID]++
	mgr.readersMu.Unlock()
}

func (mgr *Manager) removeReader(commitID uint64) {
	mgr.readersMu.Lock()
	mgr.readers[commitID]--
	if mgr.readers[commitID] <= 0 {
		delete(mgr.readers, commitID)
	}
	mgr.readersMu.Unlock()

	if err := mgr.free.Drain(mgr.safeWatermark()); err != nil {
		mgr.log.Warningf("txn: drain after reader close: %v", err)
	}
}

// safeWatermark is the highest commit id such that no active reader's
// snapshot predates it — pages freed at or before this id cannot be
// visible to anyone still reading.
func (mgr *Manager) safeWatermark() uint64 {
	mgr.readersMu.Lock()
	min := uint64(math.MaxUint64)
	for id := range mgr.readers {
		if id < min {
			min = id
		}
	}
	mgr.readersMu.Unlock()

	if min == uint64(math.MaxUint64) {
		_, commitID := mgr.Snapshot()
		return commitID
	}
	if min == 0 {
		return 0
	}
	return min - 1
}
