// Package diff computes and applies compact binary diffs between two
// same-sized page buffers. Diffs keep the journal small: a commit usually
// touches a few bytes of each page it modifies.
//
// A diff is a sequence of records:
//
//	[Offset: 8][Length: 8][Bytes: Length]   copy Bytes to Offset
//	[Offset: 8][-Length: 8]                 zero-fill Length bytes at Offset
//
// Buffers are compared in 8 byte words, so their length must be a multiple
// of 8 (page sizes always are).
package diff

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wordSize         = 8
	RecordHeaderSize = 16
)

var ErrCorruptDiff = errors.New("corrupt diff")

func word(b []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(b[i*wordSize:])
}

// writer appends records to out, failing once the diff stops being smaller
// than the buffer it describes.
type writer struct {
	out   []byte
	pos   int
	limit int
}

func (w *writer) data(offset int, src []byte) bool {
	if w.pos+RecordHeaderSize+len(src) > w.limit {
		return false
	}
	binary.LittleEndian.PutUint64(w.out[w.pos:], uint64(offset))
	binary.LittleEndian.PutUint64(w.out[w.pos+8:], uint64(len(src)))
	copy(w.out[w.pos+RecordHeaderSize:], src)
	w.pos += RecordHeaderSize + len(src)
	return true
}

func (w *writer) zero(offset, length int) bool {
	if w.pos+RecordHeaderSize > w.limit {
		return false
	}
	binary.LittleEndian.PutUint64(w.out[w.pos:], uint64(offset))
	binary.LittleEndian.PutUint64(w.out[w.pos+8:], uint64(int64(-length)))
	w.pos += RecordHeaderSize
	return true
}

func newWriter(out []byte, size int) *writer {
	limit := min(len(out), size)
	return &writer{out: out, limit: limit}
}

// Compute writes the diff turning original into modified to out and returns
// its length. ok is false when the diff would not be smaller than modified;
// the caller then stores modified verbatim.
func Compute(original, modified, out []byte) (n int, ok bool) {
	if len(original) != len(modified) || len(modified)%wordSize != 0 {
		return 0, false
	}

	w := newWriter(out, len(modified)-1)
	words := len(modified) / wordSize
	for i := 0; i < words; {
		if word(original, i) == word(modified, i) {
			i++
			continue
		}

		start := i
		zero := true
		for i < words && word(original, i) != word(modified, i) {
			if word(modified, i) != 0 {
				zero = false
			}
			i++
		}

		lo, hi := start*wordSize, i*wordSize
		if zero {
			ok = w.zero(lo, hi-lo)
		} else {
			ok = w.data(lo, modified[lo:hi])
		}
		if !ok {
			return 0, false
		}
	}
	return w.pos, true
}

// ComputeNew writes a diff that produces modified from any starting content.
// Used for freshly allocated pages whose previous bytes are meaningless.
func ComputeNew(modified, out []byte) (n int, ok bool) {
	if len(modified)%wordSize != 0 {
		return 0, false
	}

	w := newWriter(out, len(modified)-1)
	words := len(modified) / wordSize
	for i := 0; i < words; {
		start := i
		zero := word(modified, i) == 0
		for i < words && (word(modified, i) == 0) == zero {
			i++
		}

		lo, hi := start*wordSize, i*wordSize
		if zero {
			ok = w.zero(lo, hi-lo)
		} else {
			ok = w.data(lo, modified[lo:hi])
		}
		if !ok {
			return 0, false
		}
	}
	return w.pos, true
}

// Apply replays diff onto dst. A truncated record or one reaching outside
// dst returns ErrCorruptDiff; dst may then be partially modified.
func Apply(dst, diff []byte) error {
	for pos := 0; pos < len(diff); {
		if len(diff)-pos < RecordHeaderSize {
			return fmt.Errorf("%w: truncated record header at %d", ErrCorruptDiff, pos)
		}
		offset := int64(binary.LittleEndian.Uint64(diff[pos:]))
		length := int64(binary.LittleEndian.Uint64(diff[pos+8:]))
		pos += RecordHeaderSize

		switch {
		case length < 0:
			length = -length
			if offset < 0 || offset+length > int64(len(dst)) || offset+length < offset {
				return fmt.Errorf("%w: zero-fill [%d, +%d) outside %d bytes", ErrCorruptDiff, offset, length, len(dst))
			}
			clear(dst[offset : offset+length])

		case length > 0:
			if offset < 0 || offset+length > int64(len(dst)) || offset+length < offset {
				return fmt.Errorf("%w: copy [%d, +%d) outside %d bytes", ErrCorruptDiff, offset, length, len(dst))
			}
			if int64(len(diff)-pos) < length {
				return fmt.Errorf("%w: truncated record data at %d", ErrCorruptDiff, pos)
			}
			copy(dst[offset:offset+length], diff[pos:pos+int(length)])
			pos += int(length)

		default:
			return fmt.Errorf("%w: empty record at %d", ErrCorruptDiff, pos-RecordHeaderSize)
		}
	}
	return nil
}
