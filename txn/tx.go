package txn

import (
	"context"
	"time"
)

// Tx is a single transaction's view of the page store. It implements
// btree.PageSource directly, so a Tree can be opened straight on top
// of it. Read transactions never touch pages; their Read calls fall
// straight through to the pager's last-published snapshot. A write
// transaction's Touch/Alloc calls copy-on-write into a private, dirty
// page set that only becomes visible to anyone else at Commit.
type Tx struct {
	mgr  *Manager
	mode Mode

	baseRoot     uint64
	baseCommitID uint64
	newRoot      uint64

	dirty           map[uint64][]byte
	allocatedThisTx map[uint64]bool
	freedOriginals  []uint64 // pre-existing pages to free once safe after commit
	scratchFreed    []uint64 // pages that never left this tx; reclaimed unconditionally

	closed bool
}

func (tx *Tx) Mode() Mode { return tx.mode }

// Root returns the tree's current root page for this transaction's
// view — the base root until SetRoot records a mutation.
func (tx *Tx) Root() uint64 { return tx.newRoot }

// SetRoot records the new root page a write transaction's mutation of
// its root tree produced.
func (tx *Tx) SetRoot(root uint64) { tx.newRoot = root }

func (tx *Tx) PageSize() int { return tx.mgr.pgr.PageSize() }

func (tx *Tx) Read(_ context.Context, pageNo uint64) ([]byte, error) {
	if data, ok := tx.dirty[pageNo]; ok {
		return data, nil
	}
	return tx.mgr.pgr.AcquirePage(pageNo)
}

func (tx *Tx) Touch(ctx context.Context, pageNo uint64) (uint64, []byte, error) {
	if tx.mode != ReadWrite {
		return 0, nil, ErrReadOnly
	}
	if data, ok := tx.dirty[pageNo]; ok {
		return pageNo, data, nil
	}

	orig, err := tx.mgr.pgr.AcquirePage(pageNo)
	if err != nil {
		return 0, nil, err
	}

	newPageNo, err := tx.allocPage(ctx)
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, len(orig))
	copy(buf, orig)
	tx.dirty[newPageNo] = buf
	tx.freedOriginals = append(tx.freedOriginals, pageNo)
	return newPageNo, buf, nil
}

func (tx *Tx) Alloc(ctx context.Context, n uint64) (uint64, []byte, error) {
	if tx.mode != ReadWrite {
		return 0, nil, ErrReadOnly
	}
	first, err := tx.mgr.free.TryAllocate(ctx, n)
	if err != nil {
		return 0, nil, err
	}
	pageSize := tx.mgr.pgr.PageSize()
	var firstBuf []byte
	for i := uint64(0); i < n; i++ {
		pageNo := first + i
		buf := make([]byte, pageSize)
		tx.allocatedThisTx[pageNo] = true
		tx.dirty[pageNo] = buf
		if i == 0 {
			firstBuf = buf
		}
	}
	return first, firstBuf, nil
}

func (tx *Tx) Free(_ context.Context, pageNo uint64) error {
	if tx.mode != ReadWrite {
		return ErrReadOnly
	}
	delete(tx.dirty, pageNo)
	if tx.allocatedThisTx[pageNo] {
		delete(tx.allocatedThisTx, pageNo)
		tx.scratchFreed = append(tx.scratchFreed, pageNo)
	} else {
		tx.freedOriginals = append(tx.freedOriginals, pageNo)
	}
	return nil
}

func (tx *Tx) allocPage(ctx context.Context) (uint64, error) {
	pageNo, err := tx.mgr.free.TryAllocate(ctx, 1)
	if err != nil {
		return 0, err
	}
	tx.allocatedThisTx[pageNo] = true
	return pageNo, nil
}

// Commit flushes dirty pages, publishes the new root under a fresh
// commit id, and schedules replaced pages for reclamation once no
// reader can still see them.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.closed {
		return ErrClosed
	}
	if tx.mode != ReadWrite {
		return tx.Close()
	}
	defer tx.finish()

	if tx.mgr.metrics != nil {
		start := time.Now()
		defer func() { tx.mgr.metrics.CommitObserver().Observe(time.Since(start).Seconds()) }()
	}

	for pageNo, data := range tx.dirty {
		pos := int64(pageNo) * int64(tx.mgr.pgr.PageSize())
		if err := tx.mgr.pgr.WriteDirect(data, pos); err != nil {
			return err
		}
	}
	if err := tx.mgr.pgr.Sync(); err != nil {
		return err
	}

	newCommitID := tx.baseCommitID + 1
	if tx.mgr.publish != nil {
		if err := tx.mgr.publish(ctx, tx.newRoot, newCommitID); err != nil {
			return err
		}
	}

	for _, pageNo := range tx.freedOriginals {
		tx.mgr.free.FreePage(newCommitID, pageNo)
	}
	for _, pageNo := range tx.scratchFreed {
		tx.mgr.free.FreePage(0, pageNo)
	}

	tx.mgr.stateMu.Lock()
	tx.mgr.root = tx.newRoot
	tx.mgr.commitID = newCommitID
	tx.mgr.stateMu.Unlock()

	return nil
}

// Rollback discards every page this transaction allocated or dirtied
// and releases the writer lock without publishing anything.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return ErrClosed
	}
	if tx.mode != ReadWrite {
		return tx.Close()
	}
	defer tx.finish()

	for pageNo := range tx.allocatedThisTx {
		tx.mgr.free.FreePage(0, pageNo)
	}
	for _, pageNo := range tx.scratchFreed {
		tx.mgr.free.FreePage(0, pageNo)
	}
	return nil
}

// Close ends a read-only transaction. Calling it on a write
// transaction rolls it back.
func (tx *Tx) Close() error {
	if tx.closed {
		return ErrClosed
	}
	if tx.mode == ReadWrite {
		return tx.Rollback()
	}
	tx.closed = true
	tx.mgr.removeReader(tx.baseCommitID)
	return nil
}

func (tx *Tx) finish() {
	tx.closed = true
	tx.mgr.removeReader(tx.baseCommitID)
	if tx.mode == ReadWrite {
		tx.mgr.writerMu.Unlock()
	}
	if err := tx.mgr.free.Drain(tx.mgr.safeWatermark()); err != nil {
		tx.mgr.log.Warningf("txn: drain after commit: %v", err)
	}
}
