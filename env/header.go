package env

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"github.com/ravendoc/docstore/btree"
)

var magic = [8]byte{'D', 'O', 'C', 'S', 'T', 'O', 'R', 'E'}

const headerVersion uint32 = 1

// header is the double-buffered environment record: two copies live at
// pages 0 and 1, and a commit always writes the copy that is not
// currently active, syncs it, then flips which slot is active. The
// root tree's own TreeState is embedded directly (spec.md's "root tree
// stored in the environment header") so every other named tree's state
// can be reached by one lookup inside it.
type header struct {
	Version       uint32
	PageSize      uint32
	SchemaVersion uint32
	RootState     btree.TreeState
	GlobalEtag    uint64
	CommitID      uint64
	Generation    uint64
}

const encodedHeaderLen = 8 + 4 + 4 + 4 + 44 + 8 + 8 + 8 + 8 // magic + fields + checksum

var crcTable = crc64.MakeTable(crc64.ISO)

func encodeHeader(h header) []byte {
	buf := make([]byte, encodedHeaderLen)
	off := 0
	copy(buf[off:off+8], magic[:])
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], headerVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.PageSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.SchemaVersion)
	off += 4
	copy(buf[off:off+44], h.RootState.Encode())
	off += 44
	binary.LittleEndian.PutUint64(buf[off:], h.GlobalEtag)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.CommitID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.Generation)
	off += 8

	sum := crc64.Checksum(buf[:off], crcTable)
	binary.LittleEndian.PutUint64(buf[off:], sum)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < encodedHeaderLen {
		return header{}, fmt.Errorf("env: short header")
	}
	if string(buf[0:8]) != string(magic[:]) {
		return header{}, fmt.Errorf("env: bad magic")
	}

	checksumOff := encodedHeaderLen - 8
	want := binary.LittleEndian.Uint64(buf[checksumOff:])
	got := crc64.Checksum(buf[:checksumOff], crcTable)
	if want != got {
		return header{}, fmt.Errorf("env: header checksum mismatch")
	}

	off := 8
	version := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if version != headerVersion {
		return header{}, fmt.Errorf("env: unsupported header version %d", version)
	}
	pageSize := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	schemaVersion := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	rootState, err := btree.DecodeTreeState(buf[off : off+44])
	if err != nil {
		return header{}, err
	}
	off += 44
	globalEtag := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	commitID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	generation := binary.LittleEndian.Uint64(buf[off:])

	return header{
		PageSize:      pageSize,
		SchemaVersion: schemaVersion,
		RootState:     rootState,
		GlobalEtag:    globalEtag,
		CommitID:      commitID,
		Generation:    generation,
	}, nil
}
