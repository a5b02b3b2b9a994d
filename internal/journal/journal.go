package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alexhholmes/vordb/internal/base"
)

var (
	ErrInvalidJournalHeader = errors.New("invalid journal header")
	ErrTornHeader           = errors.New("torn journal header")
	ErrTruncatedRecord      = errors.New("truncated journal record")
	ErrCorruptRecord        = errors.New("corrupt journal record")
	ErrOutOfSequence        = errors.New("journal record out of sequence")
	ErrClosed               = errors.New("journal closed")
)

// SyncMode controls when the journal is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every transaction commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when BytesPerSync bytes have been written.
	// - Data loss window: up to BytesPerSync bytes on power failure
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed commits lost on power failure
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncEveryCommit:
		return "every-commit"
	case SyncBytes:
		return "bytes"
	case SyncOff:
		return "off"
	default:
		return "SyncMode(" + strconv.Itoa(int(m)) + ")"
	}
}

const (
	DefaultMaxSize      = 64 << 20
	DefaultBytesPerSync = 1 << 20

	extension = ".journal"
)

// Name returns the file name of journal number n.
func Name(n uint64) string {
	return fmt.Sprintf("%019d%s", n, extension)
}

// ParseName is the inverse of Name.
func ParseName(name string) (uint64, bool) {
	digits, ok := strings.CutSuffix(name, extension)
	if !ok || len(digits) != 19 {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	return n, err == nil
}

// Config describes where and how a journal writes.
type Config struct {
	Dir          string // Empty keeps journal files in memory
	PageSize     int
	SyncMode     SyncMode
	BytesPerSync int
	MaxSize      int64 // Roll over to a new file once the current one reaches this size
	Logger       base.Logger

	// OpenFile creates a new journal file at path. Nil uses os.OpenFile.
	OpenFile func(path string) (File, error)
}

// Journal is the write-ahead log of committed transactions. Appends come
// from the single writer; Release and Snapshot from the flusher and
// backups. All of it is serialized by mu.
type Journal struct {
	mu       sync.Mutex
	cfg      Config
	segments []*segment // Oldest first, the last one is appended to
	buf      []byte     // Record encoding scratch
	lastTxn  uint64
	unsynced int
	closed   bool
	stats    Stats
}

type segment struct {
	number   uint64
	file     File
	size     int64
	firstTxn uint64 // 0 while the segment holds no records
	lastTxn  uint64
}

// File is one journal file. *os.File implements it; writes must append.
type File interface {
	io.Writer
	io.ReaderAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Stats reports journal activity.
type Stats struct {
	Files     int
	Bytes     int64
	Records   uint64
	Syncs     uint64
	Rollovers uint64
	Deleted   uint64
}

// FileInfo describes one live journal file.
type FileInfo struct {
	Number   uint64
	Name     string
	Size     int64
	FirstTxn uint64
	LastTxn  uint64
}

// Open starts a fresh journal file numbered next. Existing files are left
// alone; recovery deletes them before a journal is opened.
func Open(cfg Config, next uint64) (*Journal, error) {
	if !base.ValidPageSize(cfg.PageSize) {
		return nil, base.ErrInvalidPageSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.BytesPerSync <= 0 {
		cfg.BytesPerSync = DefaultBytesPerSync
	}
	if cfg.Logger == nil {
		cfg.Logger = base.DiscardLogger{}
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}
	}

	j := &Journal{cfg: cfg}
	seg, err := j.create(next)
	if err != nil {
		return nil, err
	}
	j.segments = append(j.segments, seg)
	return j, nil
}

// create writes and syncs the header of a new journal file.
func (j *Journal) create(number uint64) (*segment, error) {
	var f File
	if j.cfg.Dir == "" {
		f = &memFile{}
	} else {
		open := j.cfg.OpenFile
		if open == nil {
			open = openFile
		}
		file, err := open(filepath.Join(j.cfg.Dir, Name(number)))
		if err != nil {
			return nil, err
		}
		f = file
	}

	var hdr [FileHeaderSize]byte
	encodeFileHeader(hdr[:], fileHeader{pageSize: uint32(j.cfg.PageSize), number: number})
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if j.cfg.SyncMode != SyncOff {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := j.syncDir(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	j.stats.Files++
	j.stats.Bytes += FileHeaderSize
	return &segment{number: number, file: f, size: FileHeaderSize}, nil
}

func openFile(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (j *Journal) syncDir() error {
	if j.cfg.Dir == "" {
		return nil
	}
	d, err := os.Open(j.cfg.Dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (j *Journal) current() *segment {
	return j.segments[len(j.segments)-1]
}

// Append writes a committed transaction and syncs according to the sync
// mode. On failure the partial record is cut off so the file still ends
// on a record boundary. Returns the encoded record size.
func (j *Journal) Append(state base.TxState, entries []Entry) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	seg := j.current()
	if j.lastTxn != 0 && state.TxnID != j.lastTxn+1 {
		return 0, fmt.Errorf("%w: txn %d after %d", ErrOutOfSequence, state.TxnID, j.lastTxn)
	}

	j.buf = encodeRecord(j.buf[:0], state, entries)
	if _, err := seg.file.Write(j.buf); err != nil {
		return 0, j.abort(seg, err)
	}
	if err := j.sync(seg, len(j.buf)); err != nil {
		return 0, j.abort(seg, err)
	}

	seg.size += int64(len(j.buf))
	if seg.firstTxn == 0 {
		seg.firstTxn = state.TxnID
	}
	seg.lastTxn = state.TxnID
	j.lastTxn = state.TxnID
	j.stats.Records++
	j.stats.Bytes += int64(len(j.buf))

	if seg.size >= j.cfg.MaxSize {
		if err := j.rollover(seg.number + 1); err != nil {
			// The record is durable; the next append retries the rollover
			// through the same size check.
			j.cfg.Logger.Warn("journal rollover failed", "journal", seg.number, "error", err)
		}
	}
	return len(j.buf), nil
}

func (j *Journal) sync(seg *segment, written int) error {
	switch j.cfg.SyncMode {
	case SyncEveryCommit:
		// Always sync
	case SyncBytes:
		j.unsynced += written
		if j.unsynced < j.cfg.BytesPerSync {
			return nil
		}
	case SyncOff:
		return nil
	default:
		return fmt.Errorf("unknown journal sync mode: %d", j.cfg.SyncMode)
	}
	if err := seg.file.Sync(); err != nil {
		return err
	}
	j.unsynced = 0
	j.stats.Syncs++
	return nil
}

// abort cuts a failed append back to the last record boundary. If that
// fails too the file may end in garbage, so the journal refuses further
// appends.
func (j *Journal) abort(seg *segment, cause error) error {
	if err := seg.file.Truncate(seg.size); err != nil {
		j.closed = true
		for _, s := range j.segments {
			_ = s.file.Close()
		}
		return fmt.Errorf("journal %d: %w: %w (truncate failed: %v)", seg.number, ErrClosed, cause, err)
	}
	return fmt.Errorf("journal %d: %w", seg.number, cause)
}

func (j *Journal) rollover(number uint64) error {
	prev := j.current()
	if prev.lastTxn != 0 && j.cfg.SyncMode == SyncBytes && j.unsynced > 0 {
		if err := prev.file.Sync(); err != nil {
			return err
		}
		j.unsynced = 0
		j.stats.Syncs++
	}
	seg, err := j.create(number)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, seg)
	j.stats.Rollovers++
	j.cfg.Logger.Info("journal rollover", "journal", number, "previous_size", prev.size)
	return nil
}

// Sync forces an fsync of the current file regardless of the sync mode.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.current().file.Sync(); err != nil {
		return err
	}
	j.unsynced = 0
	j.stats.Syncs++
	return nil
}

// Covered returns the highest journal number whose records are all at or
// below txn, or 0 when no file is fully covered.
func (j *Journal) Covered(txn uint64) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n uint64
	for _, seg := range j.segments {
		if seg.lastTxn > txn || seg.lastTxn == 0 {
			break
		}
		n = seg.number
	}
	return n
}

// Release deletes every journal file whose transactions have all been
// flushed to the data file. If that includes the current file, a new one
// is started first so appends always have a target.
func (j *Journal) Release(flushed uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if cur := j.current(); cur.lastTxn != 0 && cur.lastTxn <= flushed {
		if err := j.rollover(cur.number + 1); err != nil {
			return err
		}
	}

	keep := j.segments[:0]
	var errs []error
	for i, seg := range j.segments {
		last := i == len(j.segments)-1
		if last || seg.lastTxn > flushed {
			keep = append(keep, seg)
			continue
		}
		if err := j.remove(seg); err != nil {
			errs = append(errs, err)
			keep = append(keep, seg)
		}
	}
	clear(j.segments[len(keep):])
	j.segments = keep
	return errors.Join(errs...)
}

func (j *Journal) remove(seg *segment) error {
	if err := seg.file.Close(); err != nil {
		return err
	}
	if j.cfg.Dir != "" {
		if err := os.Remove(filepath.Join(j.cfg.Dir, Name(seg.number))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	j.stats.Files--
	j.stats.Bytes -= seg.size
	j.stats.Deleted++
	return nil
}

// Files lists the live journal files, oldest first.
func (j *Journal) Files() []FileInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	files := make([]FileInfo, 0, len(j.segments))
	for _, seg := range j.segments {
		files = append(files, seg.info())
	}
	return files
}

func (s *segment) info() FileInfo {
	return FileInfo{
		Number:   s.number,
		Name:     Name(s.number),
		Size:     s.size,
		FirstTxn: s.firstTxn,
		LastTxn:  s.lastTxn,
	}
}

// Snapshot calls fn with the contents of every live journal file, oldest
// first. No record is appended while it runs.
func (j *Journal) Snapshot(fn func(info FileInfo, r io.Reader) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	for _, seg := range j.segments {
		if err := fn(seg.info(), io.NewSectionReader(seg.file, 0, seg.size)); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Close syncs and closes every file. Files stay on disk for the next
// recovery.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	var errs []error
	if j.cfg.SyncMode != SyncOff {
		errs = append(errs, j.current().file.Sync())
	}
	for _, seg := range j.segments {
		errs = append(errs, seg.file.Close())
	}
	return errors.Join(errs...)
}

// List returns the numbers of the journal files in dir in ascending order.
// A missing directory has no journals.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var numbers []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseName(e.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(a, b int) bool { return numbers[a] < numbers[b] })
	return numbers, nil
}

// memFile is a journal file that lives only in memory.
type memFile struct {
	data []byte
}

func (f *memFile) Write(p []byte) (int, error) {
	f.data = append(f.data, p...)
	return len(p), nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Truncate(size int64) error {
	if size < 0 || size > int64(len(f.data)) {
		return fmt.Errorf("truncate to %d: out of range", size)
	}
	f.data = f.data[:size]
	return nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error { return nil }
