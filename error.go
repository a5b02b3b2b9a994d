package vordb

import (
	"errors"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/btree"
	"github.com/alexhholmes/vordb/internal/diff"
	"github.com/alexhholmes/vordb/internal/journal"
	"github.com/alexhholmes/vordb/internal/readslots"
	"github.com/alexhholmes/vordb/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrEnvClosed   = errors.New("environment is closed")
	ErrCorruption  = errors.New("data corruption detected")

	ErrTxNotWritable  = errors.New("transaction is read-only")
	ErrTxDone         = errors.New("transaction has been committed or rolled back")
	ErrWriteTxTimeout = errors.New("timed out waiting for the write transaction slot")

	ErrTreeExists      = errors.New("tree already exists")
	ErrTreeNotFound    = errors.New("tree not found")
	ErrTreeNameInvalid = errors.New("tree name cannot be empty")

	ErrBackupInvalid = errors.New("invalid backup archive")
	ErrTargetExists  = errors.New("restore target is not empty")

	ErrKeyEmpty      = btree.ErrKeyEmpty
	ErrKeyTooLarge   = btree.ErrKeyTooLarge
	ErrValueTooLarge = btree.ErrValueTooLarge

	ErrOutOfDiskSpace       = storage.ErrOutOfDiskSpace
	ErrCorruptDiff          = diff.ErrCorruptDiff
	ErrInvalidJournalHeader = journal.ErrInvalidJournalHeader
	ErrTooManyReaders       = readslots.ErrTooManyReaders

	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
	ErrCorruptPage        = base.ErrCorruptPage
)
