package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/diff"
)

// Reader iterates over the records of one journal file image.
type Reader struct {
	data     []byte
	off      int
	pageSize int
	number   uint64
}

// NewReader validates the file header. A header with a bad checksum
// returns ErrTornHeader; one that is intact but written for another page
// size returns ErrInvalidJournalHeader.
func NewReader(data []byte, pageSize int) (*Reader, error) {
	hdr, err := decodeFileHeader(data)
	if err != nil {
		return nil, err
	}
	if int(hdr.pageSize) != pageSize {
		return nil, fmt.Errorf("%w: page size %d, environment uses %d", ErrInvalidJournalHeader, hdr.pageSize, pageSize)
	}
	return &Reader{data: data, off: FileHeaderSize, pageSize: pageSize, number: hdr.number}, nil
}

// Number is the journal number recorded in the file header.
func (r *Reader) Number() uint64 { return r.number }

// Offset is the file offset of the next record.
func (r *Reader) Offset() int { return r.off }

// Next returns the next record, or io.EOF when the file ends cleanly on a
// record boundary. Entry data aliases the file image.
func (r *Reader) Next() (Record, error) {
	if r.off == len(r.data) {
		return Record{}, io.EOF
	}
	rec, n, err := decodeRecord(r.data[r.off:], r.pageSize)
	if err != nil {
		return Record{}, err
	}
	r.off += n
	return rec, nil
}

// RecoverResult summarizes a journal replay.
type RecoverResult struct {
	Files    []uint64     // Every journal file found, ascending
	Records  int          // Records handed to apply
	Skipped  int          // Records already contained in the data file
	Last     base.TxState // State of the last applied record
	Boundary error        // Why replay stopped early, nil if every file was read to its end
}

// Recover replays the journals in dir onto the data file. Records up to
// and including from are skipped. The first record that is truncated,
// fails its checksum, breaks the transaction sequence or does not apply
// (diff.ErrCorruptDiff from apply) ends the replay: that record and
// everything after it is discarded and reported as the boundary. Any other
// error from apply is returned.
//
// apply receives whole records so a caller can stage a transaction and
// drop it as a unit.
func Recover(dir string, pageSize int, from uint64, apply func(Record) error) (RecoverResult, error) {
	var res RecoverResult
	numbers, err := List(dir)
	if err != nil {
		return res, err
	}
	res.Files = numbers

	next := from + 1
	for _, number := range numbers {
		data, err := os.ReadFile(filepath.Join(dir, Name(number)))
		if err != nil {
			return res, err
		}
		r, err := NewReader(data, pageSize)
		if errors.Is(err, ErrTornHeader) {
			res.Boundary = fmt.Errorf("journal %d: %w", number, err)
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("journal %d: %w", number, err)
		}
		if r.Number() != number {
			return res, fmt.Errorf("%w: file %s holds journal %d", ErrInvalidJournalHeader, Name(number), r.Number())
		}

		for {
			off := r.Offset()
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				res.Boundary = fmt.Errorf("journal %d offset %d: %w", number, off, err)
				return res, nil
			}

			txn := rec.State.TxnID
			if txn < next && res.Records == 0 {
				res.Skipped++
				continue
			}
			if txn != next {
				res.Boundary = fmt.Errorf("journal %d offset %d: %w: txn %d, expected %d",
					number, off, ErrOutOfSequence, txn, next)
				return res, nil
			}

			if err := apply(rec); err != nil {
				if errors.Is(err, diff.ErrCorruptDiff) {
					res.Boundary = fmt.Errorf("journal %d offset %d: txn %d: %w", number, off, txn, err)
					return res, nil
				}
				return res, fmt.Errorf("journal %d: apply txn %d: %w", number, txn, err)
			}
			res.Records++
			res.Last = rec.State
			next++
		}
	}
	return res, nil
}

// Remove deletes the listed journal files from dir.
func Remove(dir string, numbers []uint64) error {
	var errs []error
	for _, n := range numbers {
		if err := os.Remove(filepath.Join(dir, Name(n))); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
