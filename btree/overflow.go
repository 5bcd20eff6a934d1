package btree

import (
	"context"
	"fmt"
)

// Overflow pages hold values too large to inline in a leaf record, as a
// contiguous run of pages: the first page's PageHeader.OverflowSize
// records the value's total byte count, and the value's bytes span the
// run's pages back to back, each page contributing overflowCapacity
// bytes past its own header. There is no next-pointer — the run is
// located entirely by its first page number and the declared length.
func overflowDataOffset() int { return headerSize }

func overflowCapacity(pageSize int) int { return pageSize - overflowDataOffset() }

// writeOverflow allocates a contiguous run of pages sized to hold value
// and returns the first page's number and the run's page count.
func (t *Tree) writeOverflow(ctx context.Context, value []byte) (uint64, int, error) {
	cap := overflowCapacity(t.src.PageSize())
	if cap <= 0 {
		return 0, 0, fmt.Errorf("btree: page too small for overflow values")
	}
	if len(value) == 0 {
		return 0, 0, nil
	}

	n := (len(value) + cap - 1) / cap
	firstPage, data, err := t.src.Alloc(ctx, uint64(n))
	if err != nil {
		return 0, 0, err
	}

	off := overflowDataOffset()
	rest := value
	for i := 0; i < n; i++ {
		pageNo := firstPage + uint64(i)
		pageData := data
		if i > 0 {
			_, pageData, err = t.src.Touch(ctx, pageNo)
			if err != nil {
				return 0, 0, err
			}
		}
		initPage(pageData, pageNo, FlagOverflow)

		chunk := rest
		if len(chunk) > cap {
			chunk = chunk[:cap]
		}
		copy(pageData[off:], chunk)
		rest = rest[len(chunk):]

		if i == 0 {
			hdr := readHeader(pageData)
			hdr.OverflowSize = uint32(len(value))
			writeHeader(pageData, hdr)
		}
	}
	return firstPage, n, nil
}

// readOverflow reassembles a value written by writeOverflow, reading
// the run's pages in page-number order starting at firstPage.
func (t *Tree) readOverflow(ctx context.Context, firstPage uint64, length uint64) ([]byte, error) {
	cap := overflowCapacity(t.src.PageSize())
	if cap <= 0 {
		return nil, fmt.Errorf("btree: page too small for overflow values")
	}

	out := make([]byte, 0, length)
	off := overflowDataOffset()
	remaining := length
	pageNo := firstPage
	for remaining > 0 {
		data, err := t.src.Read(ctx, pageNo)
		if err != nil {
			return nil, err
		}
		hdr := readHeader(data)
		if hdr.Flags&FlagOverflow == 0 {
			return nil, fmt.Errorf("%w: expected overflow page", ErrCorrupt)
		}
		chunk := remaining
		if chunk > uint64(cap) {
			chunk = uint64(cap)
		}
		out = append(out, data[off:off+int(chunk)]...)
		remaining -= chunk
		pageNo++
	}
	if uint64(len(out)) != length {
		return nil, fmt.Errorf("%w: overflow run length mismatch", ErrCorrupt)
	}
	return out, nil
}

// freeOverflowRun frees every page in the contiguous run starting at
// firstPage that was needed to hold a value of the given length.
func (t *Tree) freeOverflowRun(ctx context.Context, firstPage uint64, length uint64) error {
	cap := overflowCapacity(t.src.PageSize())
	if cap <= 0 {
		return fmt.Errorf("btree: page too small for overflow values")
	}
	n := (length + uint64(cap) - 1) / uint64(cap)
	for i := uint64(0); i < n; i++ {
		if err := t.src.Free(ctx, firstPage+i); err != nil {
			return err
		}
		if t.state.OverflowPages > 0 {
			t.state.OverflowPages--
		}
	}
	return nil
}
