package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	// MagicNumber for file format identification ("vrdb" in hex)
	MagicNumber uint32 = 0x76726462

	FormatVersion uint16 = 1

	TreeHeaderSize = 48
	TxStateSize    = 16 + TreeHeaderSize + 24
	FileHeaderSize = 32 + TxStateSize + 16
)

// TreeHeader describes a B+Tree: where its root is and how big it is.
// Layout: [Root: 8][Depth: 4][Pad: 4][Entries: 8][BranchPages: 8][LeafPages: 8][OverflowPages: 8]
type TreeHeader struct {
	Root          PageNumber
	Depth         uint32
	Entries       uint64
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
}

func (h *TreeHeader) Encode(buf []byte) {
	_ = buf[TreeHeaderSize-1]
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.Root))
	binary.LittleEndian.PutUint32(buf[8:], h.Depth)
	binary.LittleEndian.PutUint32(buf[12:], 0)
	binary.LittleEndian.PutUint64(buf[16:], h.Entries)
	binary.LittleEndian.PutUint64(buf[24:], h.BranchPages)
	binary.LittleEndian.PutUint64(buf[32:], h.LeafPages)
	binary.LittleEndian.PutUint64(buf[40:], h.OverflowPages)
}

func (h *TreeHeader) Decode(buf []byte) error {
	if len(buf) < TreeHeaderSize {
		return ErrCorruptPage
	}
	h.Root = PageNumber(binary.LittleEndian.Uint64(buf[0:]))
	h.Depth = binary.LittleEndian.Uint32(buf[8:])
	h.Entries = binary.LittleEndian.Uint64(buf[16:])
	h.BranchPages = binary.LittleEndian.Uint64(buf[24:])
	h.LeafPages = binary.LittleEndian.Uint64(buf[32:])
	h.OverflowPages = binary.LittleEndian.Uint64(buf[40:])
	return nil
}

// TxState is everything a transaction needs to find the committed data:
// it is published on commit, carried in every journal record and persisted
// in the file header by the flusher.
// Layout: [TxnID: 8][Timestamp: 8][Catalog: 48][NextPage: 8][FreeList: 8][FreeListPages: 4][Pad: 4]
type TxState struct {
	TxnID         uint64
	Timestamp     int64
	Catalog       TreeHeader
	NextPage      PageNumber // High water mark: first never-allocated page
	FreeList      PageNumber // First page of the persisted freelist run (0 if none)
	FreeListPages uint32
}

func (s *TxState) Encode(buf []byte) {
	_ = buf[TxStateSize-1]
	binary.LittleEndian.PutUint64(buf[0:], s.TxnID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.Timestamp))
	s.Catalog.Encode(buf[16:])
	off := 16 + TreeHeaderSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.NextPage))
	binary.LittleEndian.PutUint64(buf[off+8:], uint64(s.FreeList))
	binary.LittleEndian.PutUint32(buf[off+16:], s.FreeListPages)
	binary.LittleEndian.PutUint32(buf[off+20:], 0)
}

func (s *TxState) Decode(buf []byte) error {
	if len(buf) < TxStateSize {
		return ErrCorruptPage
	}
	s.TxnID = binary.LittleEndian.Uint64(buf[0:])
	s.Timestamp = int64(binary.LittleEndian.Uint64(buf[8:]))
	if err := s.Catalog.Decode(buf[16:]); err != nil {
		return err
	}
	off := 16 + TreeHeaderSize
	s.NextPage = PageNumber(binary.LittleEndian.Uint64(buf[off:]))
	s.FreeList = PageNumber(binary.LittleEndian.Uint64(buf[off+8:]))
	s.FreeListPages = binary.LittleEndian.Uint32(buf[off+16:])
	return nil
}

// FileHeader is stored in data file pages 0 and 1. The flusher alternates
// between them by transaction id so a torn header write always leaves the
// previous one intact.
// Layout: [Magic: 4][Version: 2][Pad: 2][PageSize: 4][Pad: 4][EnvID: 16][State: 88][LastJournal: 8][Checksum: 8]
type FileHeader struct {
	Magic       uint32
	Version     uint16
	PageSize    uint32
	EnvID       [16]byte
	State       TxState // State of the last transaction flushed to the data file
	LastJournal uint64  // Highest journal number whose records are all in the data file
	Checksum    uint64
}

func (h *FileHeader) Encode(buf []byte) {
	_ = buf[FileHeaderSize-1]
	clear(buf[:FileHeaderSize])
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.PageSize)
	copy(buf[16:32], h.EnvID[:])
	h.State.Encode(buf[32:])
	off := 32 + TxStateSize
	binary.LittleEndian.PutUint64(buf[off:], h.LastJournal)
	h.Checksum = xxhash.Sum64(buf[:off+8])
	binary.LittleEndian.PutUint64(buf[off+8:], h.Checksum)
}

func (h *FileHeader) Decode(buf []byte) error {
	if len(buf) < FileHeaderSize {
		return ErrCorruptPage
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint16(buf[4:])
	h.PageSize = binary.LittleEndian.Uint32(buf[8:])
	copy(h.EnvID[:], buf[16:32])
	if err := h.State.Decode(buf[32:]); err != nil {
		return err
	}
	off := 32 + TxStateSize
	h.LastJournal = binary.LittleEndian.Uint64(buf[off:])
	h.Checksum = binary.LittleEndian.Uint64(buf[off+8:])
	if h.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if h.Version != FormatVersion {
		return ErrInvalidVersion
	}
	if h.Checksum != xxhash.Sum64(buf[:off+8]) {
		return ErrInvalidChecksum
	}
	if !ValidPageSize(int(h.PageSize)) {
		return ErrInvalidPageSize
	}
	return nil
}
