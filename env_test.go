package vordb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/journal"
)

// Helper to open a test environment with manual flushing, closed on cleanup
func setup(t *testing.T, options ...Option) (*Env, string) {
	t.Helper()
	dir := t.TempDir()
	env, err := Open(dir, append([]Option{WithManualFlush()}, options...)...)
	require.NoError(t, err, "Failed to open environment")
	t.Cleanup(func() {
		_ = env.Close()
	})
	return env, dir
}

func reopen(t *testing.T, dir string, options ...Option) *Env {
	t.Helper()
	env, err := Open(dir, append([]Option{WithManualFlush()}, options...)...)
	require.NoError(t, err, "Failed to reopen environment")
	t.Cleanup(func() {
		_ = env.Close()
	})
	return env
}

// crash stops env the way a killed process would: nothing is flushed and
// no header is written. Journal writes already made stay on disk.
func crash(t *testing.T, env *Env) {
	t.Helper()
	env.closeMu.Lock()
	env.closed = true
	env.closeMu.Unlock()

	close(env.stopC)
	env.wg.Wait()
	_ = env.journal.Close()
	_ = env.pager.Close()
}

func put(t *testing.T, env *Env, tree string, kv ...string) {
	t.Helper()
	require.NoError(t, env.Update(func(tx *Tx) error {
		tr, err := tx.CreateTreeIfNotExists(tree)
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			if err := tr.Put([]byte(kv[i]), []byte(kv[i+1])); err != nil {
				return err
			}
		}
		return nil
	}))
}

// get returns the value of key, or "" when the key or tree is missing.
func get(t *testing.T, env *Env, tree, key string) string {
	t.Helper()
	var out string
	require.NoError(t, env.View(func(tx *Tx) error {
		tr, err := tx.ReadTree(tree)
		if errors.Is(err, ErrTreeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := tr.Get([]byte(key))
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		out = string(v)
		return err
	}))
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingLogger struct {
	mu       sync.Mutex
	messages map[string][]any
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{messages: make(map[string][]any)}
}

func (l *recordingLogger) record(msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[msg] = args
}

func (l *recordingLogger) Error(msg string, args ...any) { l.record(msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record(msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record(msg, args) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.record(msg, args) }

func (l *recordingLogger) logged(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.messages[msg]
	return ok
}

func TestOpenCreatesLayout(t *testing.T) {
	t.Parallel()

	env, dir := setup(t)
	assert.FileExists(t, filepath.Join(dir, dataFileName))
	numbers, err := journal.List(filepath.Join(dir, journalDirName))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, numbers)

	id := env.ID()
	require.NoError(t, env.Close())

	env = reopen(t, dir)
	assert.Equal(t, id, env.ID())
	assert.Equal(t, DefaultPageSize, env.PageSize())
}

func TestOpenRejectsInvalidPageSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1000, 2048, 6000, 65536} {
		_, err := Open(t.TempDir(), WithPageSize(size))
		assert.ErrorIs(t, err, ErrInvalidPageSize, "page size %d", size)
	}
}

func TestOpenKeepsCreatedPageSize(t *testing.T) {
	t.Parallel()

	env, dir := setup(t, WithPageSize(8192))
	put(t, env, "t", "k", "v")
	require.NoError(t, env.Close())

	env = reopen(t, dir, WithPageSize(4096))
	assert.Equal(t, 8192, env.PageSize())
	assert.Equal(t, "v", get(t, env, "t", "k"))
}

// A reader begun before a commit never sees it
func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)

	before, err := env.BeginRead()
	require.NoError(t, err)
	defer before.Rollback()

	put(t, env, "t", "a", "1", "b", "2", "c", "3")

	_, err = before.ReadTree("t")
	assert.ErrorIs(t, err, ErrTreeNotFound, "tree created after the snapshot")
	assert.Equal(t, "1", get(t, env, "t", "a"))

	// Readers keep their snapshot across later commits and flushes
	mid, err := env.BeginRead()
	require.NoError(t, err)
	defer mid.Rollback()

	put(t, env, "t", "a", "10")
	require.NoError(t, env.Flush())
	put(t, env, "t", "a", "100")
	require.NoError(t, env.Flush())

	tr, err := mid.ReadTree("t")
	require.NoError(t, err)
	v, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	assert.Equal(t, "100", get(t, env, "t", "a"))

	// The flush horizon stops at the oldest reader
	assert.Less(t, env.Stats().FlushedTxnID, env.Stats().TxnID)
	require.NoError(t, before.Rollback())
	require.NoError(t, mid.Rollback())
	require.NoError(t, env.Flush())
	assert.Equal(t, env.Stats().TxnID, env.Stats().FlushedTxnID)
	assert.Zero(t, env.Stats().PageTable.Versions)
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	put(t, env, "t", "counter", "0")

	var wg sync.WaitGroup
	var stop atomic.Bool
	errs := make(chan error, 8)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				err := env.View(func(tx *Tx) error {
					tr, err := tx.ReadTree("t")
					if err != nil {
						return err
					}
					// Both keys are written by the same transactions
					a, err := tr.Get([]byte("counter"))
					if err != nil {
						return err
					}
					b, err := tr.Get([]byte("mirror"))
					if err == ErrKeyNotFound && string(a) == "0" {
						return nil
					}
					if err != nil {
						return err
					}
					if string(a) != string(b) {
						return fmt.Errorf("torn snapshot: %s != %s", a, b)
					}
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		v := fmt.Sprint(i)
		put(t, env, "t", "counter", v, "mirror", v)
		if i%50 == 0 {
			require.NoError(t, env.Flush())
		}
	}
	stop.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestSingleWriter(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)

	tx, err := env.BeginWrite(context.Background())
	require.NoError(t, err)

	_, err = env.BeginWriteTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrWriteTxTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.BeginWrite(ctx)
	assert.ErrorIs(t, err, ErrWriteTxTimeout)
	assert.ErrorIs(t, err, context.Canceled)

	acquired := make(chan *Tx)
	go func() {
		tx2, err := env.BeginWrite(context.Background())
		assert.NoError(t, err)
		acquired <- tx2
	}()

	select {
	case <-acquired:
		t.Fatal("second writer started while the first was active")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx.Rollback())
	tx2 := <-acquired
	require.NoError(t, tx2.Rollback())
}

func TestReadersDoNotBlockOnWriter(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	put(t, env, "t", "k", "v1")

	w, err := env.BeginWrite(context.Background())
	require.NoError(t, err)
	defer w.Rollback()
	tr, err := w.ReadTree("t")
	require.NoError(t, err)
	require.NoError(t, tr.Put([]byte("k"), []byte("v2")))

	// The writer sees its own change, readers do not
	v, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	assert.Equal(t, "v1", get(t, env, "t", "k"))
}

func TestReadOnlyTransaction(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	put(t, env, "t", "k", "v")

	tx, err := env.BeginRead()
	require.NoError(t, err)
	assert.False(t, tx.Writable())

	tr, err := tx.ReadTree("t")
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Put([]byte("k"), []byte("x")), ErrTxNotWritable)
	assert.ErrorIs(t, tr.Delete([]byte("k")), ErrTxNotWritable)
	_, err = tx.CreateTree("other")
	assert.ErrorIs(t, err, ErrTxNotWritable)
	assert.ErrorIs(t, tx.DeleteTree("t"), ErrTxNotWritable)
	assert.ErrorIs(t, tx.Commit(), ErrTxNotWritable)

	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is a no-op")
	_, err = tr.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrTxDone)
	_, err = tx.ReadTree("t")
	assert.ErrorIs(t, err, ErrTxDone)
}

func TestCommitAfterDone(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	tx, err := env.BeginWrite(context.Background())
	require.NoError(t, err)
	_, err = tx.CreateTree("t")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
	assert.NoError(t, tx.Rollback())
}

func TestRollbackDiscardsChanges(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	put(t, env, "t", "k", "v")
	next := env.Stats().Pager.NextPage

	tx, err := env.BeginWrite(context.Background())
	require.NoError(t, err)
	tr, err := tx.ReadTree("t")
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		require.NoError(t, tr.Put([]byte(fmt.Sprintf("key%04d", i)), make([]byte, 200)))
	}
	require.NoError(t, tx.Rollback())

	assert.Equal(t, next, env.Stats().Pager.NextPage, "allocations undone")
	assert.Equal(t, uint64(1), env.Stats().Rollbacks)
	assert.Equal(t, "", get(t, env, "t", "key0000"))
	assert.Equal(t, "v", get(t, env, "t", "k"))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	boom := fmt.Errorf("boom")
	err := env.Update(func(tx *Tx) error {
		tr, err := tx.CreateTree("t")
		if err != nil {
			return err
		}
		if err := tr.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "", get(t, env, "t", "k"))
}

func TestEmptyCommitDoesNotConsumeTxnID(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	put(t, env, "t", "k", "v")
	txn := env.Stats().TxnID

	require.NoError(t, env.Update(func(tx *Tx) error { return nil }))
	assert.Equal(t, txn, env.Stats().TxnID)
	assert.Equal(t, uint64(1), env.Stats().Journal.Records)
}

func TestClosedEnv(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	put(t, env, "t", "k", "v")

	reader, err := env.BeginRead()
	require.NoError(t, err)
	require.NoError(t, env.Close())
	require.NoError(t, env.Close(), "second close is a no-op")

	_, err = env.BeginRead()
	assert.ErrorIs(t, err, ErrEnvClosed)
	_, err = env.BeginWrite(context.Background())
	assert.ErrorIs(t, err, ErrEnvClosed)
	assert.ErrorIs(t, env.Flush(), ErrEnvClosed)

	// Readers begun before Close keep their snapshot
	tr, err := reader.ReadTree("t")
	require.NoError(t, err)
	v, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	require.NoError(t, reader.Rollback())
}

func TestTooManyReaders(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithMaxReaders(2))
	r1, err := env.BeginRead()
	require.NoError(t, err)
	r2, err := env.BeginRead()
	require.NoError(t, err)

	_, err = env.BeginRead()
	assert.ErrorIs(t, err, ErrTooManyReaders)

	require.NoError(t, r1.Rollback())
	r3, err := env.BeginRead()
	require.NoError(t, err)
	require.NoError(t, r2.Rollback())
	require.NoError(t, r3.Rollback())
}

func TestInjectedClock(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	env, dir := setup(t, WithClock(clock))
	put(t, env, "t", "k", "v")

	txn, at := env.LastCommitted()
	assert.Equal(t, uint64(1), txn)
	require.NoError(t, env.View(func(tx *Tx) error {
		assert.Equal(t, at, tx.Timestamp())
		assert.True(t, tx.Timestamp().After(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
		return nil
	}))
	require.NoError(t, env.Close())

	// The timestamp survives in the header
	env = reopen(t, dir)
	_, reopened := env.LastCommitted()
	assert.True(t, at.Equal(reopened))
}

func TestInMemory(t *testing.T) {
	t.Parallel()

	env, err := Open("", WithInMemory(), WithManualFlush())
	require.NoError(t, err)
	defer env.Close()
	assert.Empty(t, env.Path())

	for i := 0; i < 50; i++ {
		put(t, env, "t", fmt.Sprintf("key%02d", i), fmt.Sprintf("value%02d", i))
		if i%10 == 0 {
			require.NoError(t, env.Flush())
		}
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("value%02d", i), get(t, env, "t", fmt.Sprintf("key%02d", i)))
	}
	assert.Equal(t, uint64(50), env.Stats().TxnID)
}

func TestBackgroundFlusher(t *testing.T) {
	t.Parallel()

	env, err := Open(t.TempDir(), WithFlushInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer env.Close()

	put(t, env, "t", "k", "v")
	assert.Eventually(t, func() bool {
		return env.Stats().FlushedTxnID == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFlushThresholdWakesFlusher(t *testing.T) {
	t.Parallel()

	env, err := Open(t.TempDir(), WithFlushInterval(time.Hour), WithFlushThreshold(1))
	require.NoError(t, err)
	defer env.Close()

	put(t, env, "t", "k", "v")
	assert.Eventually(t, func() bool {
		return env.Stats().FlushedTxnID == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFlushReleasesJournals(t *testing.T) {
	t.Parallel()

	env, dir := setup(t, WithMaxJournalSize(1))
	for i := 0; i < 5; i++ {
		put(t, env, "t", fmt.Sprint(i), "v")
	}
	journals := filepath.Join(dir, journalDirName)
	numbers, err := journal.List(journals)
	require.NoError(t, err)
	assert.Len(t, numbers, 6)

	require.NoError(t, env.Flush())
	numbers, err = journal.List(journals)
	require.NoError(t, err)
	assert.Len(t, numbers, 1, "only the empty current journal is left")
	assert.Equal(t, uint64(1), env.Stats().Flushes)
}

func TestCloseFlushesEverything(t *testing.T) {
	t.Parallel()

	env, dir := setup(t)
	put(t, env, "t", "a", "1", "b", "2")
	require.NoError(t, env.Close())

	hdr, _, err := readFileHeader(filepath.Join(dir, dataFileName))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hdr.State.TxnID)

	env = reopen(t, dir)
	assert.Equal(t, "2", get(t, env, "t", "b"))
	assert.Zero(t, env.Stats().PageTable.Versions)
}

func TestHeadersAlternate(t *testing.T) {
	t.Parallel()

	env, dir := setup(t)
	path := filepath.Join(dir, dataFileName)
	slots := make(map[int]bool)
	for i := 0; i < 4; i++ {
		put(t, env, "t", "k", fmt.Sprint(i))
		require.NoError(t, env.Flush())
		slots[env.headerSlot] = true

		hdr, slot, err := readFileHeader(path)
		require.NoError(t, err)
		assert.Equal(t, env.headerSlot, slot)
		assert.Equal(t, uint64(i+1), hdr.State.TxnID)
	}
	assert.Len(t, slots, 2)
}

func TestReadFileHeaderMissingOrEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hdr, _, err := readFileHeader(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Nil(t, hdr)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	hdr, _, err = readFileHeader(empty)
	require.NoError(t, err)
	assert.Nil(t, hdr)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, make([]byte, 3*base.DefaultPageSize), 0o600))
	_, _, err = readFileHeader(garbage)
	assert.ErrorIs(t, err, ErrCorruption)
}
