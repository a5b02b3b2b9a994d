package readslots

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrTooManyReaders = errors.New("too many concurrent readers (increase max readers)")

// ReaderSlots provides fixed-size slot-based reader tracking for bounded
// concurrency. Each slot stores the snapshot txn of one reader, giving O(1)
// register/unregister with no allocation. Slots hold txn+1 so that the
// initial snapshot 0 is distinguishable from an empty slot.
type ReaderSlots struct {
	slots  []atomic.Uint64
	active atomic.Int32
}

func New(maxReaders int) *ReaderSlots {
	return &ReaderSlots{
		slots: make([]atomic.Uint64, maxReaders),
	}
}

// Register claims a slot for a reader pinned to snapshot txn. The returned
// function frees the slot and is safe to call more than once.
func (rs *ReaderSlots) Register(txn uint64) (func(), error) {
	for i := range rs.slots {
		if !rs.slots[i].CompareAndSwap(0, txn+1) {
			continue
		}
		rs.active.Add(1)

		var once sync.Once
		return func() {
			once.Do(func() {
				rs.slots[i].Store(0)
				rs.active.Add(-1)
			})
		}, nil
	}
	return nil, ErrTooManyReaders
}

// Oldest returns the oldest snapshot held by a registered reader, and false
// when there are no readers. The scan sees every slot claimed before the
// call started; callers that must not miss a reader serialize Oldest with
// the snapshot load preceding Register.
func (rs *ReaderSlots) Oldest() (uint64, bool) {
	if rs.active.Load() == 0 {
		return 0, false
	}

	var oldest uint64
	found := false
	for i := range rs.slots {
		v := rs.slots[i].Load()
		if v != 0 && (!found || v-1 < oldest) {
			oldest, found = v-1, true
		}
	}
	return oldest, found
}

// Active returns the number of registered readers.
func (rs *ReaderSlots) Active() int {
	return int(rs.active.Load())
}
