package vordb

import (
	"time"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/cursorcache"
	"github.com/alexhholmes/vordb/internal/journal"
)

// SyncMode controls when journal writes are fsynced to disk
type SyncMode = journal.SyncMode

const (
	// SyncEveryCommit fsyncs the journal on every transaction commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	// - Use for: Financial transactions, critical data
	SyncEveryCommit = journal.SyncEveryCommit

	// SyncBytes fsyncs when at least N bytes have been journaled since the
	// last fsync.
	// - Some data loss possible on crash (up to N bytes)
	// - Use for: General purpose applications
	SyncBytes = journal.SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	// - Use for: Testing, bulk imports with external durability
	SyncOff = journal.SyncOff
)

const (
	DefaultPageSize       = base.DefaultPageSize
	DefaultMaxJournalSize = journal.DefaultMaxSize
	DefaultFlushInterval  = 200 * time.Millisecond
	DefaultFlushThreshold = 8 << 20
	DefaultMaxReaders     = 1024
	DefaultTreeCacheSize  = 1024
)

// Options configures environment behavior.
type Options struct {
	pageSize        int
	inMemory        bool
	maxJournalSize  int64
	manualFlush     bool
	flushInterval   time.Duration
	flushThreshold  int64 // Committed bytes awaiting flush that wake the flusher early
	syncMode        SyncMode
	bytesPerSync    int // Number of bytes to journal before fsync when SyncMode is SyncBytes.
	logger          Logger
	clock           Clock
	cursorCacheSize int
	maxReaders      int
	treeCacheSize   int
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		pageSize:        DefaultPageSize,
		maxJournalSize:  DefaultMaxJournalSize,
		flushInterval:   DefaultFlushInterval,
		flushThreshold:  DefaultFlushThreshold,
		syncMode:        SyncEveryCommit,
		bytesPerSync:    journal.DefaultBytesPerSync,
		logger:          DiscardLogger{},
		clock:           systemClock{},
		cursorCacheSize: cursorcache.DefaultSize,
		maxReaders:      DefaultMaxReaders,
		treeCacheSize:   DefaultTreeCacheSize,
	}
}

// Option configures environment options using the functional options pattern.
type Option func(*Options)

// WithPageSize sets the page size of a new environment: a power of two
// between 4 KiB and 32 KiB. Existing environments keep the page size they
// were created with.
func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.pageSize = size
	}
}

// WithInMemory keeps the data file and journals in memory. Nothing
// survives Close.
func WithInMemory() Option {
	return func(opts *Options) {
		opts.inMemory = true
	}
}

// WithMaxJournalSize sets the size at which the journal rolls over to a new
// file.
func WithMaxJournalSize(size int64) Option {
	return func(opts *Options) {
		opts.maxJournalSize = size
	}
}

// WithManualFlush disables the background flusher. Committed transactions
// reach the data file only through Env.Flush and Close.
func WithManualFlush() Option {
	return func(opts *Options) {
		opts.manualFlush = true
	}
}

// WithFlushInterval sets how often the background flusher runs.
func WithFlushInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.flushInterval = d
	}
}

// WithFlushThreshold wakes the background flusher as soon as this many
// committed bytes are waiting, instead of at the next interval.
func WithFlushThreshold(bytes int64) Option {
	return func(opts *Options) {
		opts.flushThreshold = bytes
	}
}

// WithSyncMode selects the journal fsync policy.
func WithSyncMode(mode SyncMode) Option {
	return func(opts *Options) {
		opts.syncMode = mode
	}
}

// WithSyncBytes fsyncs the journal after every n bytes instead of every
// commit.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n int) Option {
	return func(opts *Options) {
		opts.syncMode = SyncBytes
		opts.bytesPerSync = n
	}
}

// WithLogger sets the logger. *slog.Logger can be passed directly, see
// pkg logger for zap and logrus adapters.
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithClock replaces the wall clock used for commit timestamps.
func WithClock(clock Clock) Option {
	return func(opts *Options) {
		opts.clock = clock
	}
}

// WithCursorCacheSize sets how many recently found leaves each tree handle
// remembers.
func WithCursorCacheSize(size int) Option {
	return func(opts *Options) {
		opts.cursorCacheSize = size
	}
}

// WithMaxReaders bounds the number of concurrent read transactions.
func WithMaxReaders(n int) Option {
	return func(opts *Options) {
		opts.maxReaders = n
	}
}

// WithTreeCacheSize sets how many tree headers read transactions cache.
func WithTreeCacheSize(size int) Option {
	return func(opts *Options) {
		opts.treeCacheSize = size
	}
}
