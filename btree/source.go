package btree

import "context"

// PageSource is the page-access seam a Tree needs from its owning
// transaction: reads see the transaction's snapshot (dirty pages first,
// falling back to the pager), Touch implements copy-on-write for a page
// the tree is about to mutate, and Alloc/Free hand off to the free-space
// manager.
type PageSource interface {
	PageSize() int

	// Read returns page pageNo as the transaction currently sees it.
	Read(ctx context.Context, pageNo uint64) ([]byte, error)

	// Touch returns a writable copy of pageNo — a new page number the
	// first time this transaction touches pageNo, the same dirty page
	// on subsequent touches within the same transaction.
	Touch(ctx context.Context, pageNo uint64) (uint64, []byte, error)

	// Alloc reserves n contiguous brand-new pages (not a COW of an
	// existing one) and returns the first page's number and its bytes.
	Alloc(ctx context.Context, n uint64) (uint64, []byte, error)

	// Free schedules pageNo to be freed once safe.
	Free(ctx context.Context, pageNo uint64) error
}
