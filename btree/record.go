package btree

import "encoding/binary"

// entry is the decoded, in-memory form of one node record — either a
// leaf entry (inline or overflow-backed value) or a branch entry
// (a child pointer). Mutations decode a page into entries, modify the
// slice, then re-encode the whole page from scratch; this trades a
// little CPU for a much simpler split/merge/delete implementation, in
// the tradition of a "rebuild the node" B+-tree.
type entry struct {
	key []byte

	// leaf, inline value
	value []byte

	// leaf, overflow value
	isOverflow   bool
	overflowPage uint64
	overflowLen  uint64

	// branch
	child uint64
}

const (
	recLeafInline   = 1
	recLeafOverflow = 2
	recBranch       = 3
)

// encodeLeaf appends a leaf record for e to dst.
func encodeLeaf(dst []byte, e entry) []byte {
	if e.isOverflow {
		dst = append(dst, recLeafOverflow)
		dst = putUvarint(dst, uint64(len(e.key)))
		dst = append(dst, e.key...)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], e.overflowPage)
		dst = append(dst, buf[:]...)
		dst = putUvarint(dst, e.overflowLen)
		return dst
	}
	dst = append(dst, recLeafInline)
	dst = putUvarint(dst, uint64(len(e.key)))
	dst = append(dst, e.key...)
	dst = putUvarint(dst, uint64(len(e.value)))
	dst = append(dst, e.value...)
	return dst
}

// encodeBranch appends a branch record for e to dst.
func encodeBranch(dst []byte, e entry) []byte {
	dst = append(dst, recBranch)
	dst = putUvarint(dst, uint64(len(e.key)))
	dst = append(dst, e.key...)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e.child)
	dst = append(dst, buf[:]...)
	return dst
}

// decodeRecord parses one record starting at buf[0:], returning the
// entry and the number of bytes consumed. The entry's key and inline
// value are copies, so re-encoding the page in place cannot clobber them.
func decodeRecord(buf []byte) (entry, int, error) {
	if len(buf) < 1 {
		return entry{}, 0, ErrCorrupt
	}
	flag := buf[0]
	off := 1

	klen, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return entry{}, 0, ErrCorrupt
	}
	off += n
	if off+int(klen) > len(buf) {
		return entry{}, 0, ErrCorrupt
	}
	key := append([]byte(nil), buf[off:off+int(klen)]...)
	off += int(klen)

	switch flag {
	case recLeafInline:
		vlen, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return entry{}, 0, ErrCorrupt
		}
		off += n
		if off+int(vlen) > len(buf) {
			return entry{}, 0, ErrCorrupt
		}
		val := append([]byte(nil), buf[off:off+int(vlen)]...)
		off += int(vlen)
		return entry{key: key, value: val}, off, nil

	case recLeafOverflow:
		if off+8 > len(buf) {
			return entry{}, 0, ErrCorrupt
		}
		page := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		vlen, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return entry{}, 0, ErrCorrupt
		}
		off += n
		return entry{key: key, isOverflow: true, overflowPage: page, overflowLen: vlen}, off, nil

	case recBranch:
		if off+8 > len(buf) {
			return entry{}, 0, ErrCorrupt
		}
		child := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		return entry{key: key, child: child}, off, nil

	default:
		return entry{}, 0, ErrCorrupt
	}
}

// decodeEntries reads every entry off a page in slot order.
func decodeEntries(page []byte) ([]entry, error) {
	p := openSlottedPage(page)
	n := p.numSlots()
	out := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		e, _, err := decodeRecord(p.recordBytes(i))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// encodePage rewrites page from scratch with entries, in order, as a
// leaf or branch page. It returns false if entries do not fit.
func encodePage(page []byte, pageNo uint64, leaf bool, entries []entry) bool {
	flag := FlagBranch
	if leaf {
		flag = FlagLeaf
	}
	initPage(page, pageNo, flag)
	p := openSlottedPage(page)

	for i, e := range entries {
		var rec []byte
		if leaf {
			rec = encodeLeaf(nil, e)
		} else {
			rec = encodeBranch(nil, e)
		}
		if p.freeSpace() < len(rec)+2 {
			return false
		}
		p.hdr.Upper -= uint16(len(rec))
		copy(p.buf[p.hdr.Upper:], rec)
		p.setSlotOffset(i, p.hdr.Upper)
		p.hdr.Lower += 2
	}
	p.commitHeader()
	return true
}

// pageUsedBytes estimates the encoded size entries would occupy,
// including the slot array, without writing anything.
func pageUsedBytes(leaf bool, entries []entry) int {
	total := headerSize
	for _, e := range entries {
		total += 2 // slot
		if leaf {
			total += len(encodeLeaf(nil, e))
		} else {
			total += len(encodeBranch(nil, e))
		}
	}
	return total
}
