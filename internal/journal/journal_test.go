package journal

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/diff"
)

const pageSize = base.DefaultPageSize

func openJournal(t *testing.T, dir string, next uint64, maxSize int64) *Journal {
	t.Helper()
	j, err := Open(Config{Dir: dir, PageSize: pageSize, MaxSize: maxSize}, next)
	require.NoError(t, err)
	return j
}

// pageEntry journals page n filled with fill as a diff against zeros.
func pageEntry(t *testing.T, n base.PageNumber, fill byte) Entry {
	t.Helper()
	img := bytes.Repeat([]byte{fill}, pageSize)
	out := make([]byte, 2*pageSize)
	size, ok := diff.ComputeNew(img, out)
	if !ok {
		return Entry{Page: n, Pages: 1, Data: img, Raw: true}
	}
	return Entry{Page: n, Pages: 1, Data: out[:size]}
}

func appendTxn(t *testing.T, j *Journal, txn uint64, entries ...Entry) {
	t.Helper()
	_, err := j.Append(base.TxState{TxnID: txn, Timestamp: int64(txn) * 10, NextPage: 100}, entries)
	require.NoError(t, err)
}

// replay collects the pages recovery would write.
func replay(t *testing.T, dir string, from uint64) (RecoverResult, map[base.PageNumber][]byte) {
	t.Helper()
	pages := make(map[base.PageNumber][]byte)
	res, err := Recover(dir, pageSize, from, func(rec Record) error {
		staged := make(map[base.PageNumber][]byte)
		for _, e := range rec.Entries {
			dst := make([]byte, int(e.Pages)*pageSize)
			if err := e.Apply(dst); err != nil {
				return err
			}
			staged[e.Page] = dst
		}
		for n, img := range staged {
			pages[n] = img
		}
		return nil
	})
	require.NoError(t, err)
	return res, pages
}

func TestJournalAppendAndRecover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	appendTxn(t, j, 1, pageEntry(t, 5, 0xAA))
	appendTxn(t, j, 2, pageEntry(t, 6, 0xBB), pageEntry(t, 5, 0xCC))
	require.NoError(t, j.Close())

	res, pages := replay(t, dir, 0)
	assert.NoError(t, res.Boundary)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, uint64(2), res.Last.TxnID)
	assert.Equal(t, int64(20), res.Last.Timestamp)
	assert.Equal(t, []uint64{1}, res.Files)
	assert.Equal(t, bytes.Repeat([]byte{0xCC}, pageSize), pages[5])
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, pageSize), pages[6])
}

func TestJournalRecoverSkipsFlushedRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	for txn := uint64(1); txn <= 4; txn++ {
		appendTxn(t, j, txn, pageEntry(t, base.PageNumber(txn+10), byte(txn)))
	}
	require.NoError(t, j.Close())

	res, pages := replay(t, dir, 2)
	assert.NoError(t, res.Boundary)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Records)
	assert.NotContains(t, pages, base.PageNumber(11))
	assert.Contains(t, pages, base.PageNumber(14))
}

func TestJournalRecoverStopsAtTruncatedRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	for txn := uint64(1); txn <= 3; txn++ {
		appendTxn(t, j, txn, pageEntry(t, 9, byte(txn)))
	}
	require.NoError(t, j.Close())

	path := filepath.Join(dir, Name(1))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	res, pages := replay(t, dir, 0)
	assert.Equal(t, 2, res.Records)
	assert.Error(t, res.Boundary)
	assert.Equal(t, bytes.Repeat([]byte{2}, pageSize), pages[9])
}

func TestJournalRecoverStopsAtChecksumFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	appendTxn(t, j, 1, pageEntry(t, 9, 1))
	second := j.Files()[0].Size
	appendTxn(t, j, 2, pageEntry(t, 9, 2))
	appendTxn(t, j, 3, pageEntry(t, 9, 3))
	require.NoError(t, j.Close())

	path := filepath.Join(dir, Name(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[second+RecordHeaderSize+EntryHeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	res, pages := replay(t, dir, 0)
	assert.Equal(t, 1, res.Records)
	assert.ErrorIs(t, res.Boundary, ErrCorruptRecord)
	assert.ErrorIs(t, res.Boundary, base.ErrInvalidChecksum)
	assert.Equal(t, bytes.Repeat([]byte{1}, pageSize), pages[9])
}

func TestJournalRecoverStopsAtSequenceGap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	appendTxn(t, j, 1, pageEntry(t, 3, 1))
	appendTxn(t, j, 2, pageEntry(t, 3, 2))
	require.NoError(t, j.Close())

	j = openJournal(t, dir, 2, 0)
	appendTxn(t, j, 4, pageEntry(t, 3, 4))
	require.NoError(t, j.Close())

	res, pages := replay(t, dir, 0)
	assert.Equal(t, 2, res.Records)
	assert.ErrorIs(t, res.Boundary, ErrOutOfSequence)
	assert.Equal(t, []uint64{1, 2}, res.Files)
	assert.Equal(t, bytes.Repeat([]byte{2}, pageSize), pages[3])
}

func TestJournalRecoverStopsAtCorruptDiff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	appendTxn(t, j, 1, pageEntry(t, 3, 1))
	appendTxn(t, j, 2, pageEntry(t, 4, 2), Entry{Page: 3, Pages: 1, Data: []byte{1, 2, 3}})
	require.NoError(t, j.Close())

	res, pages := replay(t, dir, 0)
	assert.Equal(t, 1, res.Records)
	assert.ErrorIs(t, res.Boundary, diff.ErrCorruptDiff)
	// The corrupt transaction contributes nothing, not even its valid entry
	assert.NotContains(t, pages, base.PageNumber(4))
	assert.Equal(t, bytes.Repeat([]byte{1}, pageSize), pages[3])
}

func TestJournalRecoverRejectsForeignPageSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	appendTxn(t, j, 1, pageEntry(t, 3, 1))
	require.NoError(t, j.Close())

	_, err := Recover(dir, 2*pageSize, 0, func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidJournalHeader)
}

func TestJournalRecoverTornFileHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 0)
	appendTxn(t, j, 1, pageEntry(t, 3, 1))
	require.NoError(t, j.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, Name(2)), make([]byte, 20), 0o600))

	res, _ := replay(t, dir, 0)
	assert.Equal(t, 1, res.Records)
	assert.ErrorIs(t, res.Boundary, ErrTornHeader)
	assert.Equal(t, []uint64{1, 2}, res.Files)
}

func TestJournalRolloverAndRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 1, 1)
	defer j.Close()
	for txn := uint64(1); txn <= 3; txn++ {
		appendTxn(t, j, txn, pageEntry(t, 8, byte(txn)))
	}

	files := j.Files()
	require.Len(t, files, 4)
	assert.Equal(t, uint64(2), files[1].FirstTxn)
	assert.Zero(t, files[3].LastTxn)
	assert.Equal(t, uint64(3), j.Stats().Rollovers)
	assert.Equal(t, uint64(2), j.Covered(2))

	require.NoError(t, j.Release(2))
	numbers, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, numbers)

	require.NoError(t, j.Release(3))
	numbers, err = List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, numbers)
	assert.Equal(t, 1, j.Stats().Files)
}

func TestJournalReleaseRotatesCurrentFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j := openJournal(t, dir, 7, 0)
	defer j.Close()
	appendTxn(t, j, 1, pageEntry(t, 8, 1))
	appendTxn(t, j, 2, pageEntry(t, 8, 2))

	require.NoError(t, j.Release(2))
	numbers, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8}, numbers)

	appendTxn(t, j, 3, pageEntry(t, 8, 3))
	res, _ := replay(t, dir, 2)
	assert.Equal(t, 1, res.Records)
	assert.NoError(t, res.Boundary)
}

func TestJournalRejectsOutOfSequenceAppend(t *testing.T) {
	t.Parallel()

	j := openJournal(t, "", 1, 0)
	defer j.Close()
	appendTxn(t, j, 1)
	_, err := j.Append(base.TxState{TxnID: 3}, nil)
	assert.ErrorIs(t, err, ErrOutOfSequence)
}

func TestJournalInMemorySnapshot(t *testing.T) {
	t.Parallel()

	j := openJournal(t, "", 1, 0)
	defer j.Close()
	appendTxn(t, j, 1, pageEntry(t, 2, 0x11))
	appendTxn(t, j, 2, pageEntry(t, 2, 0x22))

	var images [][]byte
	require.NoError(t, j.Snapshot(func(info FileInfo, r io.Reader) error {
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, info.Size, int64(len(data)))
		images = append(images, data)
		return nil
	}))
	require.Len(t, images, 1)

	r, err := NewReader(images[0], pageSize)
	require.NoError(t, err)
	var txns []uint64
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		txns = append(txns, rec.State.TxnID)
	}
	assert.Equal(t, []uint64{1, 2}, txns)
}

func TestJournalNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0000000000000000042.journal", Name(42))
	n, ok := ParseName(Name(42))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), n)

	for _, name := range []string{"42.journal", "0000000000000000042.log", "000000000000000004x.journal"} {
		_, ok := ParseName(name)
		assert.False(t, ok, name)
	}
}

var errInjected = errors.New("injected failure")

// faultyFile fails writes halfway through and, optionally, the truncate
// that cleans up after them.
type faultyFile struct {
	*os.File
	failWrites   bool
	failTruncate bool
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.failWrites {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errInjected
	}
	return f.File.Write(p)
}

func (f *faultyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errInjected
	}
	return f.File.Truncate(size)
}

func openFaultyJournal(t *testing.T, dir string) (*Journal, *faultyFile) {
	t.Helper()
	var file *faultyFile
	j, err := Open(Config{
		Dir:      dir,
		PageSize: pageSize,
		OpenFile: func(path string) (File, error) {
			f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
			if err != nil {
				return nil, err
			}
			file = &faultyFile{File: f}
			return file, nil
		},
	}, 1)
	require.NoError(t, err)
	return j, file
}

func TestJournalFailedAppendIsCutOff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, file := openFaultyJournal(t, dir)
	defer j.Close()
	appendTxn(t, j, 1, pageEntry(t, 3, 1))
	path := filepath.Join(dir, Name(1))
	before, err := os.Stat(path)
	require.NoError(t, err)

	file.failWrites = true
	_, err = j.Append(base.TxState{TxnID: 2}, []Entry{pageEntry(t, 3, 2)})
	assert.ErrorIs(t, err, errInjected)
	assert.NotErrorIs(t, err, ErrClosed)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "Partial record should be truncated away")
	assert.Equal(t, uint64(1), j.Stats().Records)

	// The same transaction id is accepted again
	file.failWrites = false
	appendTxn(t, j, 2, pageEntry(t, 3, 2))
	res, pages := replay(t, dir, 0)
	assert.Equal(t, 2, res.Records)
	assert.NoError(t, res.Boundary)
	assert.Equal(t, bytes.Repeat([]byte{2}, pageSize), pages[3])
}

func TestJournalClosesWhenCutOffFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, file := openFaultyJournal(t, dir)
	defer j.Close()
	appendTxn(t, j, 1, pageEntry(t, 3, 1))

	file.failWrites, file.failTruncate = true, true
	_, err := j.Append(base.TxState{TxnID: 2}, []Entry{pageEntry(t, 3, 2)})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, errInjected)

	_, err = j.Append(base.TxState{TxnID: 2}, nil)
	assert.ErrorIs(t, err, ErrClosed)

	// Replay keeps the intact record and stops at the partial one
	res, pages := replay(t, dir, 0)
	assert.Equal(t, 1, res.Records)
	assert.Error(t, res.Boundary)
	assert.Equal(t, bytes.Repeat([]byte{1}, pageSize), pages[3])
}
