// Package pager owns the mapping of page number to memory address for a
// storage environment. It is the lowest layer of the core: the
// free-space manager, the transaction model and the B+-tree all read and
// write pages through a Pager without knowing whether the backing region
// is a real file or an anonymous heap buffer.
package pager

import (
	"context"
	"errors"
)

var (
	// ErrDisposed is returned by any operation performed after Dispose.
	ErrDisposed = errors.New("pager: disposed")
	// ErrOutOfBounds is returned by AcquirePage for a page number beyond
	// NumAllocatedPages, without an intervening EnsureContinuous.
	ErrOutOfBounds = errors.New("pager: page out of bounds")
	// ErrBackingIO wraps an I/O failure from the backing file.
	ErrBackingIO = errors.New("pager: backing i/o error")
)

// Pager exposes page-granular storage over a growable backing region.
// Implementations must be safe for concurrent AcquirePage calls. Growth
// and data-page writes come from the single writer; the free-space
// manager also writes bitmap pages with WriteDirect when a closing
// reader drains pending frees.
type Pager interface {
	// PageSize returns the fixed page size for this pager's lifetime.
	PageSize() int

	// NumAllocatedPages returns how many pages currently exist in the
	// backing region, whether or not they are reachable from any tree.
	NumAllocatedPages() uint64

	// AcquirePage returns a private copy of page pageNo's bytes. The
	// slice is safe to hold and read for as long as the caller likes,
	// including across a concurrent grow of the backing region; it is
	// never invalidated because it never aliases live mapped memory.
	// Mutating the returned slice has no effect on the stored page —
	// callers that need to persist a change write it back with
	// WriteDirect.
	AcquirePage(pageNo uint64) ([]byte, error)

	// EnsureContinuous grows the backing region, if needed, so that
	// pages [requested, requested+n) are addressable.
	EnsureContinuous(ctx context.Context, requested uint64, n uint64) error

	// WriteDirect writes src at byte offset pos in the backing region,
	// bypassing the page-pointer API; used for header pages.
	WriteDirect(src []byte, pos int64) error

	// Sync flushes the backing region to stable storage.
	Sync() error

	// Dispose releases the backing region. Further calls fail with
	// ErrDisposed.
	Dispose() error
}
