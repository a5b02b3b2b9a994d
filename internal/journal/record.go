package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/diff"
)

const (
	FileMagic   uint32 = 0x766a6e6c // "vjnl"
	RecordMagic uint32 = 0x76726563 // "vrec"
	CommitMagic uint32 = 0x76636d74 // "vcmt"

	FileVersion uint16 = 1

	// FileHeaderSize Layout: [Magic: 4][Version: 2][Pad: 2][PageSize: 4][Pad: 4][Number: 8][Reserved: 32][Checksum: 8]
	FileHeaderSize = 64

	// RecordHeaderSize Layout: [Magic: 4][Pad: 4][TxnID: 8][Timestamp: 8][State: 88][EntryCount: 4][Pad: 4][PayloadSize: 8]
	RecordHeaderSize = 24 + base.TxStateSize + 16

	// EntryHeaderSize Layout: [PageStart: 8][PageLen: 4][DiffLen: 4]
	EntryHeaderSize = 16

	// CommitSize Layout: [Magic: 4][Pad: 4][TxnID: 8][Checksum: 8]
	CommitSize = 24
)

// Entry is the journaled image of one contiguous page run.
type Entry struct {
	Page  base.PageNumber
	Pages uint32
	Data  []byte
	Raw   bool // Data holds the full run instead of a diff against the previous version
}

// Apply reconstructs the run into dst, which must hold the previous image
// of the run (or zeros for a fresh run).
func (e Entry) Apply(dst []byte) error {
	if !e.Raw {
		return diff.Apply(dst, e.Data)
	}
	if len(e.Data) != len(dst) {
		return fmt.Errorf("%w: raw run of %d bytes for %d byte pages", diff.ErrCorruptDiff, len(e.Data), len(dst))
	}
	copy(dst, e.Data)
	return nil
}

// Record is a committed transaction as it appears in the journal.
type Record struct {
	State   base.TxState
	Entries []Entry
}

type fileHeader struct {
	pageSize uint32
	number   uint64
}

func encodeFileHeader(buf []byte, h fileHeader) {
	_ = buf[FileHeaderSize-1]
	clear(buf[:FileHeaderSize])
	binary.LittleEndian.PutUint32(buf[0:], FileMagic)
	binary.LittleEndian.PutUint16(buf[4:], FileVersion)
	binary.LittleEndian.PutUint32(buf[8:], h.pageSize)
	binary.LittleEndian.PutUint64(buf[16:], h.number)
	binary.LittleEndian.PutUint64(buf[56:], xxhash.Sum64(buf[:56]))
}

// decodeFileHeader distinguishes a torn header (ErrTornHeader) from one
// that is intact but does not belong to this environment.
func decodeFileHeader(buf []byte) (fileHeader, error) {
	if len(buf) < FileHeaderSize {
		return fileHeader{}, ErrTornHeader
	}
	if binary.LittleEndian.Uint64(buf[56:]) != xxhash.Sum64(buf[:56]) {
		return fileHeader{}, ErrTornHeader
	}
	if binary.LittleEndian.Uint32(buf[0:]) != FileMagic {
		return fileHeader{}, fmt.Errorf("%w: bad magic", ErrInvalidJournalHeader)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != FileVersion {
		return fileHeader{}, fmt.Errorf("%w: version %d", ErrInvalidJournalHeader, v)
	}
	return fileHeader{
		pageSize: binary.LittleEndian.Uint32(buf[8:]),
		number:   binary.LittleEndian.Uint64(buf[16:]),
	}, nil
}

// EncodedSize is the number of bytes a record with these entries occupies.
func EncodedSize(entries []Entry) int {
	n := RecordHeaderSize + CommitSize
	for _, e := range entries {
		n += EntryHeaderSize + len(e.Data)
	}
	return n
}

// encodeRecord appends the record to buf and returns the extended slice.
func encodeRecord(buf []byte, state base.TxState, entries []Entry) []byte {
	start := len(buf)
	size := EncodedSize(entries)
	buf = append(buf, make([]byte, size)...)
	rec := buf[start:]

	binary.LittleEndian.PutUint32(rec[0:], RecordMagic)
	binary.LittleEndian.PutUint64(rec[8:], state.TxnID)
	binary.LittleEndian.PutUint64(rec[16:], uint64(state.Timestamp))
	state.Encode(rec[24:])
	off := 24 + base.TxStateSize
	binary.LittleEndian.PutUint32(rec[off:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(rec[off+8:], uint64(size-RecordHeaderSize-CommitSize))

	off = RecordHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(rec[off:], uint64(e.Page))
		binary.LittleEndian.PutUint32(rec[off+8:], e.Pages)
		n := int32(len(e.Data))
		if e.Raw {
			n = -n
		}
		binary.LittleEndian.PutUint32(rec[off+12:], uint32(n))
		off += EntryHeaderSize
		off += copy(rec[off:], e.Data)
	}

	binary.LittleEndian.PutUint32(rec[off:], CommitMagic)
	binary.LittleEndian.PutUint64(rec[off+8:], state.TxnID)
	binary.LittleEndian.PutUint64(rec[off+16:], xxhash.Sum64(rec[:off]))
	return buf
}

// decodeRecord parses the record at the start of buf. Entry data aliases buf.
func decodeRecord(buf []byte, pageSize int) (Record, int, error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, 0, ErrTruncatedRecord
	}
	if binary.LittleEndian.Uint32(buf[0:]) != RecordMagic {
		return Record{}, 0, fmt.Errorf("%w: bad record magic", ErrCorruptRecord)
	}
	txnID := binary.LittleEndian.Uint64(buf[8:])
	off := 24 + base.TxStateSize
	count := binary.LittleEndian.Uint32(buf[off:])
	payload := binary.LittleEndian.Uint64(buf[off+8:])
	if payload > uint64(len(buf)) {
		return Record{}, 0, ErrTruncatedRecord
	}
	end := RecordHeaderSize + int(payload)
	size := end + CommitSize
	if len(buf) < size {
		return Record{}, 0, ErrTruncatedRecord
	}

	commit := buf[end:size]
	if binary.LittleEndian.Uint32(commit[0:]) != CommitMagic ||
		binary.LittleEndian.Uint64(commit[8:]) != txnID {
		return Record{}, 0, fmt.Errorf("%w: missing commit marker", ErrCorruptRecord)
	}
	if binary.LittleEndian.Uint64(commit[16:]) != xxhash.Sum64(buf[:end]) {
		return Record{}, 0, fmt.Errorf("%w: %w", ErrCorruptRecord, base.ErrInvalidChecksum)
	}

	var rec Record
	if err := rec.State.Decode(buf[24:]); err != nil {
		return Record{}, 0, err
	}
	if rec.State.TxnID != txnID {
		return Record{}, 0, fmt.Errorf("%w: state txn %d in record %d", ErrCorruptRecord, rec.State.TxnID, txnID)
	}

	rec.Entries = make([]Entry, 0, count)
	p := RecordHeaderSize
	for i := uint32(0); i < count; i++ {
		if end-p < EntryHeaderSize {
			return Record{}, 0, fmt.Errorf("%w: entry %d header", ErrCorruptRecord, i)
		}
		e := Entry{
			Page:  base.PageNumber(binary.LittleEndian.Uint64(buf[p:])),
			Pages: binary.LittleEndian.Uint32(buf[p+8:]),
		}
		n := int(int32(binary.LittleEndian.Uint32(buf[p+12:])))
		p += EntryHeaderSize
		if n < 0 {
			e.Raw = true
			n = -n
			if n != int(e.Pages)*pageSize {
				return Record{}, 0, fmt.Errorf("%w: raw entry %d has %d bytes", ErrCorruptRecord, i, n)
			}
		}
		if end-p < n {
			return Record{}, 0, fmt.Errorf("%w: entry %d data", ErrCorruptRecord, i)
		}
		e.Data = buf[p : p+n : p+n]
		p += n
		rec.Entries = append(rec.Entries, e)
	}
	if p != end {
		return Record{}, 0, fmt.Errorf("%w: %d trailing payload bytes", ErrCorruptRecord, end-p)
	}
	return rec, size, nil
}
