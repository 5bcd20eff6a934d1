package pager

import (
	"context"
	"sync"
)

// MemPager is a heap-backed Pager for memory-only environments and
// tests. It has no growth throttling: EnsureContinuous simply appends
// pages.
type MemPager struct {
	mu       sync.RWMutex
	pageSize int
	pages    [][]byte
	disposed bool
}

var _ Pager = (*MemPager)(nil)

// NewMemPager returns an empty MemPager with the given page size.
func NewMemPager(pageSize int) *MemPager {
	return &MemPager{pageSize: pageSize}
}

func (p *MemPager) PageSize() int { return p.pageSize }

func (p *MemPager) NumAllocatedPages() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return uint64(len(p.pages))
}

func (p *MemPager) AcquirePage(pageNo uint64) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.disposed {
		return nil, ErrDisposed
	}
	if pageNo >= uint64(len(p.pages)) {
		return nil, ErrOutOfBounds
	}
	out := make([]byte, len(p.pages[pageNo]))
	copy(out, p.pages[pageNo])
	return out, nil
}

func (p *MemPager) EnsureContinuous(ctx context.Context, requested uint64, n uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrDisposed
	}

	need := requested + n
	for uint64(len(p.pages)) < need {
		p.pages = append(p.pages, make([]byte, p.pageSize))
	}
	return nil
}

func (p *MemPager) WriteDirect(src []byte, pos int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrDisposed
	}

	pageNo := uint64(pos) / uint64(p.pageSize)
	offset := int(uint64(pos) % uint64(p.pageSize))
	remaining := src
	for len(remaining) > 0 {
		if pageNo >= uint64(len(p.pages)) {
			return ErrOutOfBounds
		}
		n := copy(p.pages[pageNo][offset:], remaining)
		remaining = remaining[n:]
		offset = 0
		pageNo++
	}
	return nil
}

func (p *MemPager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.disposed {
		return ErrDisposed
	}
	return nil
}

func (p *MemPager) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	p.disposed = true
	p.pages = nil
	return nil
}
