// Package btree implements the on-disk B+-tree page format described by
// the core's data model: slotted tree pages with a slot-offset array
// growing up from the header and variable-length node records growing
// down from the end of the page, plus overflow page runs for values too
// large to inline.
package btree

import (
	"encoding/binary"
	"errors"
)

var (
	ErrKeyTooLarge = errors.New("btree: key too large")
	ErrNotFound    = errors.New("btree: key not found")
	ErrCorrupt     = errors.New("btree: corrupt page")
)

// Page flags (PageHeader.Flags).
const (
	FlagLeaf     uint8 = 1 << 0
	FlagBranch   uint8 = 1 << 1
	FlagOverflow uint8 = 1 << 2
	FlagBitmap   uint8 = 1 << 3
)

// header byte layout, all little-endian:
//
//	0:8   page number
//	8:12  overflow size (bytes), 0 unless this page starts an overflow run
//	12    flags
//	13    tree flags (reserved for future per-tree page options)
//	14:16 lower (slot array end, grows up)
//	16:18 upper (record area start, grows down)
//	18:24 reserved
const headerSize = 24

// node record overhead beyond key+value bytes: flag(1) + key length
// varint (up to 3 bytes for keys under 2048) rounded to a conservative
// worst case. Sized so maxKeySize(4096) == 2038, matching spec.md.
const nodeOverhead = 9

// maxKeySize returns the largest key this page size can hold a node
// record for, capped at 2038 bytes as required for 4 KiB pages.
func maxKeySize(pageSize int) int {
	v := pageSize/2 - nodeOverhead - 1
	if v > 2038 {
		v = 2038
	}
	return v
}

// PageHeader is the parsed form of a page's fixed header.
type PageHeader struct {
	PageNo       uint64
	OverflowSize uint32
	Flags        uint8
	TreeFlags    uint8
	Lower        uint16
	Upper        uint16
}

func readHeader(page []byte) PageHeader {
	return PageHeader{
		PageNo:       binary.LittleEndian.Uint64(page[0:8]),
		OverflowSize: binary.LittleEndian.Uint32(page[8:12]),
		Flags:        page[12],
		TreeFlags:    page[13],
		Lower:        binary.LittleEndian.Uint16(page[14:16]),
		Upper:        binary.LittleEndian.Uint16(page[16:18]),
	}
}

func writeHeader(page []byte, h PageHeader) {
	binary.LittleEndian.PutUint64(page[0:8], h.PageNo)
	binary.LittleEndian.PutUint32(page[8:12], h.OverflowSize)
	page[12] = h.Flags
	page[13] = h.TreeFlags
	binary.LittleEndian.PutUint16(page[14:16], h.Lower)
	binary.LittleEndian.PutUint16(page[16:18], h.Upper)
}

// initPage resets page to an empty leaf or branch page with the given
// page number.
func initPage(page []byte, pageNo uint64, flags uint8) {
	for i := range page {
		page[i] = 0
	}
	writeHeader(page, PageHeader{
		PageNo: pageNo,
		Flags:  flags,
		Lower:  headerSize,
		Upper:  uint16(len(page)),
	})
}

// slottedPage is a thin view over one page's bytes exposing the
// slot-offset array and node record area.
type slottedPage struct {
	buf []byte
	hdr PageHeader
}

func openSlottedPage(buf []byte) slottedPage {
	return slottedPage{buf: buf, hdr: readHeader(buf)}
}

func (p *slottedPage) isLeaf() bool   { return p.hdr.Flags&FlagLeaf != 0 }
func (p *slottedPage) isBranch() bool { return p.hdr.Flags&FlagBranch != 0 }
func (p *slottedPage) numSlots() int  { return (int(p.hdr.Lower) - headerSize) / 2 }
func (p *slottedPage) freeSpace() int { return int(p.hdr.Upper) - int(p.hdr.Lower) }

func (p *slottedPage) slotOffset(i int) uint16 {
	pos := headerSize + i*2
	return binary.LittleEndian.Uint16(p.buf[pos : pos+2])
}

func (p *slottedPage) setSlotOffset(i int, off uint16) {
	pos := headerSize + i*2
	binary.LittleEndian.PutUint16(p.buf[pos:pos+2], off)
}

// recordBytes returns the raw record bytes for slot i.
func (p *slottedPage) recordBytes(i int) []byte {
	off := p.slotOffset(i)
	// records grow down from the end of the page; the record's own
	// length is self-describing once decoded, so callers decode
	// starting at off and stop consuming based on the record shape.
	return p.buf[off:]
}

// commitHeader writes the current header fields back to the page.
func (p *slottedPage) commitHeader() {
	writeHeader(p.buf, p.hdr)
}

func putUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}
