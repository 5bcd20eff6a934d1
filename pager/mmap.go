package pager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ravendoc/docstore/logger"
	"github.com/ravendoc/docstore/metrics"
	"github.com/ravendoc/docstore/multierr"
)

// PagerState is a reference-counted handle to one mmap mapping. A grow
// installs a new PagerState and leaves the previous one alive — mapped
// and readable — until every holder that acquired it before the grow
// releases it. This is what lets a READ transaction's snapshot survive
// a WRITE transaction's concurrent growth of the backing region.
type PagerState struct {
	data []byte
	refs int // protected by pager.mu

	pager *MMapPager
}

// Page returns the byte slice backing pageNo within this pinned state.
func (s *PagerState) Page(pageNo uint64, pageSize int) ([]byte, error) {
	start := pageNo * uint64(pageSize)
	end := start + uint64(pageSize)
	if end > uint64(len(s.data)) {
		return nil, ErrOutOfBounds
	}
	return s.data[start:end], nil
}

// Release drops this holder's pin. Once the refcount reaches zero and
// the state is no longer the pager's current one, the mapping is
// unmapped.
func (s *PagerState) Release() {
	s.pager.mu.Lock()
	s.refs--
	stale := s.refs == 0 && s.pager.current != s
	data := s.data
	s.pager.mu.Unlock()

	if stale {
		unix.Munmap(data)
	}
}

// MMapPager is a file-backed Pager. The backing file is grown with
// Fallocate and mapped with Mmap; growth remaps and installs a new
// PagerState, per the throttling policy in growth.go.
type MMapPager struct {
	mu sync.Mutex // guards growth, state swaps and pin counts; held only briefly by readers

	file     *os.File
	pageSize int
	log      logger.Logger
	metrics  *metrics.Env

	current  *PagerState // protected by mu
	growth   growthState
	disposed atomic.Bool
}

var _ Pager = (*MMapPager)(nil)

// Open opens or creates path and maps it. initialPages is the minimum
// number of pages the file is grown to immediately; with 0, an empty
// new file is grown to one minimum increase. minIncrease/maxIncrease
// bound the backing region's growth-throttling policy in bytes; either
// may be 0 to fall back to the package default.
func Open(path string, pageSize int, initialPages int, minIncrease, maxIncrease int64, log logger.Logger, m *metrics.Env) (*MMapPager, error) {
	if log == nil {
		log = logger.Noop
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}

	p := &MMapPager{
		file:     f,
		pageSize: pageSize,
		log:      log,
		metrics:  m,
		growth:   growthState{minIncrement: minIncrease, maxIncrement: maxIncrease},
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pager: stat %s: %w", path, err)
	}

	size := fi.Size()
	minSize := int64(initialPages) * int64(pageSize)
	if size < minSize {
		size = minSize
	}
	if size == 0 {
		size = minIncrease
		if size <= 0 {
			size = int64(minGrowIncrementPages) * int64(pageSize)
		}
	}

	if err := p.remap(size); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *MMapPager) PageSize() int { return p.pageSize }

func (p *MMapPager) NumAllocatedPages() uint64 {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()
	return uint64(len(s.data)) / uint64(p.pageSize)
}

// Acquire pins and returns the pager's current state; the caller must
// call Release when done. Transactions use this to keep a stable
// mapping across the lifetime of the snapshot. Pinning happens under
// the same short lock a grow takes, so a state can never be retired
// while this call is in flight.
func (p *MMapPager) Acquire() *PagerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.current
	s.refs++
	return s
}

// AcquirePage returns a private copy of pageNo's bytes. Copying while
// the pin is held (rather than handing back a slice into the mapping
// itself) means the result stays valid after this call returns and the
// pin is dropped, even if a concurrent grow retires this state.
func (p *MMapPager) AcquirePage(pageNo uint64) ([]byte, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	s := p.Acquire()
	defer s.Release()

	page, err := s.Page(pageNo, p.pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(page))
	copy(out, page)
	return out, nil
}

func (p *MMapPager) EnsureContinuous(ctx context.Context, requested uint64, n uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.disposed.Load() {
		return ErrDisposed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	need := (requested + n) * uint64(p.pageSize)
	cur := p.current
	if uint64(len(cur.data)) >= need {
		return nil
	}

	inc := p.growth.nextIncrement(int64(len(cur.data)), p.pageSize, time.Now())
	newSize := int64(len(cur.data)) + inc
	for uint64(newSize) < need {
		newSize += inc
	}

	if err := p.remap(newSize); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.SetFileSizePages(int(newSize / int64(p.pageSize)))
	}
	return nil
}

// remap must be called with mu held (Open calls it before any other
// goroutine can observe p, so it is safe there too).
func (p *MMapPager) remap(newSize int64) error {
	if err := unix.Fallocate(int(p.file.Fd()), 0, 0, newSize); err != nil {
		return fmt.Errorf("%w: fallocate: %v", ErrBackingIO, err)
	}

	data, err := unix.Mmap(int(p.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap: %v", ErrBackingIO, err)
	}

	next := &PagerState{data: data, refs: 1, pager: p}
	prev := p.current
	p.current = next

	if prev != nil {
		prev.refs-- // drop the pager's own baseline hold on prev
		if prev.refs == 0 {
			unix.Munmap(prev.data)
		}
	}
	p.log.Debugf("pager: grew to %d bytes", newSize)
	return nil
}

func (p *MMapPager) WriteDirect(src []byte, pos int64) error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	s := p.Acquire()
	defer s.Release()

	if pos < 0 || pos+int64(len(src)) > int64(len(s.data)) {
		return ErrOutOfBounds
	}
	copy(s.data[pos:], src)
	return nil
}

func (p *MMapPager) Sync() error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	s := p.Acquire()
	defer s.Release()

	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrBackingIO, err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrBackingIO, err)
	}
	return nil
}

func (p *MMapPager) Dispose() error {
	if !p.disposed.CompareAndSwap(false, true) {
		return ErrDisposed
	}

	p.mu.Lock()
	s := p.current
	p.mu.Unlock()

	errs := multierr.New()
	errs.Add(unix.Munmap(s.data))
	errs.Add(p.file.Close())
	return errs.Err()
}
