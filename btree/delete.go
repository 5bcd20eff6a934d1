package btree

import (
	"context"
	"fmt"
)

// isUnderflowing reports whether entries occupy less than the tree's
// minimum fill fraction of a page.
func isUnderflowing(leaf bool, entries []entry, pageSize int) bool {
	return float64(pageUsedBytes(leaf, entries)) < minFillFraction*float64(pageSize)
}

// Delete removes key, reports whether it was present, and rebalances
// any leaf or branch page that falls below the minimum fill fraction.
func (t *Tree) Delete(ctx context.Context, key []byte) (bool, error) {
	newRoot, found, err := t.delete(ctx, t.state.Root, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	t.state.Root = newRoot
	if err := t.collapseRoot(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// collapseRoot drops levels whose root branch has been reduced to a
// single child, so tree depth shrinks along with content.
func (t *Tree) collapseRoot(ctx context.Context) error {
	for {
		page, err := t.src.Read(ctx, t.state.Root)
		if err != nil {
			return err
		}
		if readHeader(page).Flags&FlagLeaf != 0 {
			return nil
		}
		entries, err := decodeEntries(page)
		if err != nil {
			return err
		}
		if len(entries) != 1 {
			return nil
		}
		old := t.state.Root
		t.state.Root = entries[0].child
		if err := t.src.Free(ctx, old); err != nil {
			return err
		}
		t.state.BranchPages--
		t.state.Depth--
	}
}

func (t *Tree) delete(ctx context.Context, pageNo uint64, key []byte) (uint64, bool, error) {
	page, err := t.src.Read(ctx, pageNo)
	if err != nil {
		return 0, false, err
	}

	if readHeader(page).Flags&FlagLeaf != 0 {
		entries, err := decodeEntries(page)
		if err != nil {
			return 0, false, err
		}
		idx, found := searchEntries(entries, key)
		if !found {
			return pageNo, false, nil
		}
		old := entries[idx]

		newPageNo, data, err := t.src.Touch(ctx, pageNo)
		if err != nil {
			return 0, false, err
		}
		if old.isOverflow {
			if err := t.freeOverflowRun(ctx, old.overflowPage, old.overflowLen); err != nil {
				return 0, false, err
			}
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		t.state.Entries--
		if !encodePage(data, newPageNo, true, entries) {
			return 0, false, fmt.Errorf("btree: leaf shrank yet failed to encode")
		}
		return newPageNo, true, nil
	}

	entries, err := decodeEntries(page)
	if err != nil {
		return 0, false, err
	}
	childIdx := branchChildIndex(entries, key)

	newChildPageNo, found, err := t.delete(ctx, entries[childIdx].child, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return pageNo, false, nil
	}

	newPageNo, data, err := t.src.Touch(ctx, pageNo)
	if err != nil {
		return 0, false, err
	}
	entries[childIdx].child = newChildPageNo

	childPage, err := t.src.Read(ctx, newChildPageNo)
	if err != nil {
		return 0, false, err
	}
	childLeaf := readHeader(childPage).Flags&FlagLeaf != 0

	entries, err = t.fixUnderflow(ctx, entries, childIdx, childLeaf)
	if err != nil {
		return 0, false, err
	}

	if !encodePage(data, newPageNo, false, entries) {
		return 0, false, fmt.Errorf("btree: branch grew unexpectedly during delete")
	}
	return newPageNo, true, nil
}

// fixUnderflow inspects the child at entries[idx] and, if it has fallen
// below the minimum fill fraction, merges it with an adjacent sibling
// or redistributes entries across the boundary to bring both back into
// balance. It returns the (possibly shorter) entries slice for the
// caller to re-encode into the parent page.
func (t *Tree) fixUnderflow(ctx context.Context, entries []entry, idx int, leaf bool) ([]entry, error) {
	childData, err := t.src.Read(ctx, entries[idx].child)
	if err != nil {
		return nil, err
	}
	childEntries, err := decodeEntries(childData)
	if err != nil {
		return nil, err
	}
	if !isUnderflowing(leaf, childEntries, t.src.PageSize()) {
		return entries, nil
	}

	var siblingIdx int
	var mergeIntoLeft bool
	switch {
	case idx > 0:
		siblingIdx, mergeIntoLeft = idx-1, true
	case idx+1 < len(entries):
		siblingIdx, mergeIntoLeft = idx+1, false
	default:
		return entries, nil
	}

	siblingData, err := t.src.Read(ctx, entries[siblingIdx].child)
	if err != nil {
		return nil, err
	}
	siblingEntries, err := decodeEntries(siblingData)
	if err != nil {
		return nil, err
	}

	leftIdx, rightIdx := idx, siblingIdx
	leftEntries, rightEntries := childEntries, siblingEntries
	if mergeIntoLeft {
		leftIdx, rightIdx = siblingIdx, idx
		leftEntries, rightEntries = siblingEntries, childEntries
	}

	combined := make([]entry, 0, len(leftEntries)+len(rightEntries))
	combined = append(combined, leftEntries...)
	combined = append(combined, rightEntries...)

	if pageUsedBytes(leaf, combined) <= t.src.PageSize() {
		leftPageNo, leftData, err := t.src.Touch(ctx, entries[leftIdx].child)
		if err != nil {
			return nil, err
		}
		if !encodePage(leftData, leftPageNo, leaf, combined) {
			return nil, fmt.Errorf("btree: merge unexpectedly does not fit")
		}
		if err := t.src.Free(ctx, entries[rightIdx].child); err != nil {
			return nil, err
		}
		if leaf {
			t.state.LeafPages--
		} else {
			t.state.BranchPages--
		}
		entries[leftIdx].child = leftPageNo
		entries = append(entries[:rightIdx], entries[rightIdx+1:]...)
		return entries, nil
	}

	mid := t.splitPoint(leaf, combined)
	newLeft, newRight := combined[:mid], combined[mid:]

	leftPageNo, leftData, err := t.src.Touch(ctx, entries[leftIdx].child)
	if err != nil {
		return nil, err
	}
	if !encodePage(leftData, leftPageNo, leaf, newLeft) {
		return nil, fmt.Errorf("btree: redistribute left half does not fit")
	}
	rightPageNo, rightData, err := t.src.Touch(ctx, entries[rightIdx].child)
	if err != nil {
		return nil, err
	}
	if !encodePage(rightData, rightPageNo, leaf, newRight) {
		return nil, fmt.Errorf("btree: redistribute right half does not fit")
	}

	entries[leftIdx].child = leftPageNo
	entries[rightIdx].child = rightPageNo
	entries[rightIdx].key = newRight[0].key
	return entries, nil
}
