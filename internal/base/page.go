package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	DefaultPageSize = 4096
	MinPageSize     = 4096
	MaxPageSize     = 32768

	PageHeaderSize  = 32
	EntryHeaderSize = 8
	OffsetSize      = 2

	LeafPageFlag     uint8 = 0x01
	BranchPageFlag   uint8 = 0x02
	OverflowPageFlag uint8 = 0x04
	FreeListPageFlag uint8 = 0x08

	// EntryOverflowFlag marks a leaf entry whose data is an overflow page number.
	EntryOverflowFlag uint8 = 0x01

	// Reserved pages: 0 and 1 hold the dual file headers.
	FirstDataPage PageNumber = 2
)

type PageNumber uint64

// Page is a view over the raw bytes of one page, or of a whole overflow run.
//
// SLOTTED PAGE LAYOUT (leaf and branch):
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes)                                                   │
// │ PageNumber, Flags, Lower, Upper, OverflowSize, TxnID                │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Offsets[0..N-1] (2 bytes each, sorted by key) → grows forward       │
// ├──────────────────────────────── Lower ──────────────────────────────┤
// │ Free space                                                          │
// ├──────────────────────────────── Upper ──────────────────────────────┤
// │ Entries ← grows backward                                            │
// │ [Flags:1][Pad:1][KeySize:2][DataSize:4][Key][Data]                  │
// └─────────────────────────────────────────────────────────────────────┘
//
// Leaf data is the inline value, or an 8 byte overflow page number when the
// entry carries EntryOverflowFlag (DataSize is then the value length).
// Branch data is the 8 byte child page number. Branch entry 0 has an empty
// key standing for "before all keys".
//
// OVERFLOW RUN LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes), Flags=Overflow, OverflowSize=value length        │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Value bytes, continuing through pages PageNumber+1, +2, ...         │
// └─────────────────────────────────────────────────────────────────────┘
type Page []byte

// Header field offsets
const (
	offNumber       = 0
	offFlags        = 8
	offLower        = 10
	offUpper        = 12
	offOverflowSize = 16
	offTxnID        = 24
)

// ValidPageSize reports whether size is a supported page size.
func ValidPageSize(size int) bool {
	return size >= MinPageSize && size <= MaxPageSize && size&(size-1) == 0
}

// OverflowPages returns the number of pages needed for an overflow run
// holding size bytes.
func OverflowPages(size int, pageSize int) int {
	return (PageHeaderSize + size + pageSize - 1) / pageSize
}

// MaxEntrySize is the largest entry (including its offset slot) allowed in a
// page, a quarter of the usable space so any split always succeeds.
func MaxEntrySize(pageSize int) int {
	return (pageSize - PageHeaderSize) / 4
}

// MaxKeySize is the largest key for the given page size. A leaf entry holding
// such a key and an overflow pointer still fits in MaxEntrySize.
func MaxKeySize(pageSize int) int {
	return MaxEntrySize(pageSize) - OffsetSize - EntryHeaderSize - 8
}

func (p Page) Number() PageNumber {
	return PageNumber(binary.LittleEndian.Uint64(p[offNumber:]))
}

func (p Page) SetNumber(n PageNumber) {
	binary.LittleEndian.PutUint64(p[offNumber:], uint64(n))
}

func (p Page) Flags() uint8 {
	return p[offFlags]
}

func (p Page) IsLeaf() bool {
	return p[offFlags]&LeafPageFlag != 0
}

func (p Page) IsBranch() bool {
	return p[offFlags]&BranchPageFlag != 0
}

func (p Page) IsOverflow() bool {
	return p[offFlags]&OverflowPageFlag != 0
}

func (p Page) lower() int {
	return int(binary.LittleEndian.Uint16(p[offLower:]))
}

func (p Page) setLower(v int) {
	binary.LittleEndian.PutUint16(p[offLower:], uint16(v))
}

// upper is stored as a uint16; a 32KB page stores its end (32768) exactly.
func (p Page) upper() int {
	return int(binary.LittleEndian.Uint16(p[offUpper:]))
}

func (p Page) setUpper(v int) {
	binary.LittleEndian.PutUint16(p[offUpper:], uint16(v))
}

func (p Page) OverflowSize() uint64 {
	return binary.LittleEndian.Uint64(p[offOverflowSize:])
}

func (p Page) TxnID() uint64 {
	return binary.LittleEndian.Uint64(p[offTxnID:])
}

func (p Page) SetTxnID(txnID uint64) {
	binary.LittleEndian.PutUint64(p[offTxnID:], txnID)
}

// Init formats p as an empty leaf or branch page.
func (p Page) Init(n PageNumber, flags uint8) {
	clear(p[:PageHeaderSize])
	p.SetNumber(n)
	p[offFlags] = flags
	p.setLower(PageHeaderSize)
	p.setUpper(len(p))
}

// InitOverflow formats p as the head of an overflow run and returns the
// slice the value is copied into.
func (p Page) InitOverflow(n PageNumber, size int) []byte {
	return p.initRun(n, OverflowPageFlag, size)
}

// InitFreeList formats p as the head of a persisted freelist run holding
// size bytes of page numbers.
func (p Page) InitFreeList(n PageNumber, size int) []byte {
	return p.initRun(n, FreeListPageFlag, size)
}

func (p Page) initRun(n PageNumber, flags uint8, size int) []byte {
	clear(p[:PageHeaderSize])
	p.SetNumber(n)
	p[offFlags] = flags
	binary.LittleEndian.PutUint64(p[offOverflowSize:], uint64(size))
	return p[PageHeaderSize : PageHeaderSize+size]
}

// OverflowValue returns the value stored in an overflow run.
func (p Page) OverflowValue() ([]byte, error) {
	return p.runValue(OverflowPageFlag)
}

// FreeListValue returns the encoded page numbers of a freelist run.
func (p Page) FreeListValue() ([]byte, error) {
	return p.runValue(FreeListPageFlag)
}

func (p Page) runValue(flags uint8) ([]byte, error) {
	size := p.OverflowSize()
	if p.Flags()&flags == 0 || uint64(len(p)) < PageHeaderSize+size {
		return nil, fmt.Errorf("%w: run page %d flags %#x size %d", ErrCorruptPage, p.Number(), p.Flags(), size)
	}
	return p[PageHeaderSize : PageHeaderSize+int(size)], nil
}

// CheckHeader validates the slot bookkeeping of a leaf or branch page.
func (p Page) CheckHeader() error {
	if len(p) < PageHeaderSize {
		return ErrCorruptPage
	}
	if p.Flags()&(LeafPageFlag|BranchPageFlag) == 0 {
		return fmt.Errorf("%w: page %d has flags %#x", ErrCorruptPage, p.Number(), p.Flags())
	}
	lo, up := p.lower(), p.upper()
	if lo < PageHeaderSize || lo > up || up > len(p) || (lo-PageHeaderSize)%OffsetSize != 0 {
		return fmt.Errorf("%w: page %d lower %d upper %d", ErrCorruptPage, p.Number(), lo, up)
	}
	return nil
}

// NumEntries returns the number of entries in a leaf or branch page.
func (p Page) NumEntries() int {
	return (p.lower() - PageHeaderSize) / OffsetSize
}

// SizeLeft is the contiguous free space between the offsets and entries.
func (p Page) SizeLeft() int {
	return p.upper() - p.lower()
}

func (p Page) offset(i int) int {
	return int(binary.LittleEndian.Uint16(p[PageHeaderSize+i*OffsetSize:]))
}

func (p Page) setOffset(i, off int) {
	binary.LittleEndian.PutUint16(p[PageHeaderSize+i*OffsetSize:], uint16(off))
}

// EntrySize is the space an entry takes in the entry area.
func EntrySize(keyLen, dataLen int) int {
	return EntryHeaderSize + keyLen + dataLen
}

func (p Page) entry(i int) (off int, flags uint8, keySize int, dataSize int) {
	off = p.offset(i)
	flags = p[off]
	keySize = int(binary.LittleEndian.Uint16(p[off+2:]))
	dataSize = int(binary.LittleEndian.Uint32(p[off+4:]))
	return
}

// storedSize is the number of data bytes physically held by entry i.
func (p Page) storedSize(i int) int {
	_, flags, _, dataSize := p.entry(i)
	if flags&EntryOverflowFlag != 0 || p.IsBranch() {
		return 8
	}
	return dataSize
}

func (p Page) Key(i int) []byte {
	off, _, keySize, _ := p.entry(i)
	return p[off+EntryHeaderSize : off+EntryHeaderSize+keySize]
}

func (p Page) EntryFlags(i int) uint8 {
	return p[p.offset(i)]
}

// DataSize is the logical value length of entry i.
func (p Page) DataSize(i int) int {
	_, _, _, dataSize := p.entry(i)
	return dataSize
}

// Data returns the bytes physically stored after the key of entry i.
func (p Page) Data(i int) []byte {
	off, _, keySize, _ := p.entry(i)
	start := off + EntryHeaderSize + keySize
	return p[start : start+p.storedSize(i)]
}

// Value returns the inline value of leaf entry i.
func (p Page) Value(i int) []byte {
	return p.Data(i)
}

func (p Page) IsOverflowEntry(i int) bool {
	return p.EntryFlags(i)&EntryOverflowFlag != 0
}

func (p Page) OverflowPage(i int) PageNumber {
	return PageNumber(binary.LittleEndian.Uint64(p.Data(i)))
}

func (p Page) Child(i int) PageNumber {
	return PageNumber(binary.LittleEndian.Uint64(p.Data(i)))
}

func (p Page) SetChild(i int, child PageNumber) {
	binary.LittleEndian.PutUint64(p.Data(i), uint64(child))
}

// EntrySizeAt is the space entry i takes, including its offset slot.
func (p Page) EntrySizeAt(i int) int {
	return EntrySize(len(p.Key(i)), p.storedSize(i)) + OffsetSize
}

// Used is the number of bytes taken by the header, offsets and live entries.
func (p Page) Used() int {
	used := PageHeaderSize
	for i := 0; i < p.NumEntries(); i++ {
		used += p.EntrySizeAt(i)
	}
	return used
}

// Free is the space available after a compaction.
func (p Page) Free() int {
	return len(p) - p.Used()
}

// Insert adds an entry at index i and returns the slice its data must be
// copied into. dataLen is the physical data length, dataSize the logical one.
// Returns ErrPageFull when the entry does not fit even after compaction.
func (p Page) Insert(i int, key []byte, flags uint8, dataSize int, dataLen int) ([]byte, error) {
	need := EntrySize(len(key), dataLen) + OffsetSize
	if p.SizeLeft() < need {
		if p.Free() < need {
			return nil, ErrPageFull
		}
		p.Compact()
	}

	n := p.NumEntries()
	up := p.upper() - EntrySize(len(key), dataLen)
	p[up] = flags
	p[up+1] = 0
	binary.LittleEndian.PutUint16(p[up+2:], uint16(len(key)))
	binary.LittleEndian.PutUint32(p[up+4:], uint32(dataSize))
	copy(p[up+EntryHeaderSize:], key)
	p.setUpper(up)

	// Shift offsets right to open slot i
	start := PageHeaderSize + i*OffsetSize
	end := PageHeaderSize + n*OffsetSize
	copy(p[start+OffsetSize:end+OffsetSize], p[start:end])
	p.setOffset(i, up)
	p.setLower(p.lower() + OffsetSize)

	dataStart := up + EntryHeaderSize + len(key)
	return p[dataStart : dataStart+dataLen], nil
}

// Remove drops entry i. Its bytes stay in the entry area until Compact.
func (p Page) Remove(i int) {
	n := p.NumEntries()
	start := PageHeaderSize + i*OffsetSize
	end := PageHeaderSize + n*OffsetSize
	copy(p[start:end-OffsetSize], p[start+OffsetSize:end])
	p.setLower(p.lower() - OffsetSize)
	if p.NumEntries() == 0 {
		p.setUpper(len(p))
	}
}

// Clear removes every entry, keeping the page number and flags.
func (p Page) Clear() {
	p.setLower(PageHeaderSize)
	p.setUpper(len(p))
}

// Compact rewrites the entry area so all free space is contiguous. Entries
// are packed in key order, which keeps the page layout stable across
// transactions and the journal diffs small.
func (p Page) Compact() {
	tmp := make(Page, len(p))
	copy(tmp, p)

	up := len(p)
	for i := 0; i < tmp.NumEntries(); i++ {
		off := tmp.offset(i)
		size := EntrySize(len(tmp.Key(i)), tmp.storedSize(i))
		up -= size
		copy(p[up:], tmp[off:off+size])
		p.setOffset(i, up)
	}
	clear(p[p.lower():up])
	p.setUpper(up)
}

// CopyEntry inserts entry i of src at index j of p.
func (p Page) CopyEntry(j int, src Page, i int) error {
	data := src.Data(i)
	dst, err := p.Insert(j, src.Key(i), src.EntryFlags(i), src.DataSize(i), len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// SearchLeaf returns the index of the first key >= key and whether it is an
// exact match.
func (p Page) SearchLeaf(key []byte) (int, bool) {
	n := p.NumEntries()
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(p.Key(i), key) >= 0
	})
	return i, i < n && bytes.Equal(p.Key(i), key)
}

// SearchBranch returns the index of the child whose range contains key:
// the last entry whose key is <= key, with entry 0 matching everything.
func (p Page) SearchBranch(key []byte) int {
	n := p.NumEntries()
	i := sort.Search(n-1, func(i int) bool {
		return bytes.Compare(p.Key(i+1), key) > 0
	})
	return i
}
