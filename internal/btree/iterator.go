package btree

import (
	"bytes"

	"github.com/alexhholmes/vordb/internal/base"
)

type frame struct {
	page  base.Page
	index int
}

// Iterator walks a tree in key order in either direction. It is bound to
// the transaction of its tree. When the tree is modified between steps the
// iterator re-seeks from its current key, so iteration continues from the
// right place without skipping or repeating keys.
type Iterator struct {
	tree  *Tree
	stack []frame
	seq   uint64
	key   []byte // copy of the current key, for re-seeking
	err   error
}

func (t *Tree) Iterator() *Iterator {
	return &Iterator{tree: t}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && len(it.stack) > 0
}

// Err returns the first error hit while moving.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) leaf() frame {
	return it.stack[len(it.stack)-1]
}

// Key returns the current key. Only valid until the next move.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	f := it.leaf()
	return f.page.Key(f.index)
}

// Value returns the current value, reading its overflow run if needed.
func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, it.err
	}
	f := it.leaf()
	return it.tree.value(f.page, f.index)
}

// First moves to the smallest key.
func (it *Iterator) First() bool {
	it.reset()
	return it.descend(it.tree.header.Root, false) && it.settle(true)
}

// Last moves to the largest key.
func (it *Iterator) Last() bool {
	it.reset()
	return it.descend(it.tree.header.Root, true) && it.settle(false)
}

// Seek moves to the first key >= key.
func (it *Iterator) Seek(key []byte) bool {
	it.reset()
	if !it.seek(key) {
		return false
	}
	return it.settle(true)
}

// SeekReverse moves to the last key <= key.
func (it *Iterator) SeekReverse(key []byte) bool {
	it.reset()
	if !it.seek(key) {
		return false
	}
	f := it.leaf()
	if f.index < f.page.NumEntries() && bytes.Equal(f.page.Key(f.index), key) {
		return it.settle(false)
	}
	return it.step(false)
}

// Next moves to the following key.
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	if it.seq != it.tree.seq {
		if !it.reseek() {
			return false
		}
		// Re-seeking lands on the first key >= the old one
		f := it.leaf()
		if f.index >= f.page.NumEntries() || !bytes.Equal(f.page.Key(f.index), it.key) {
			return it.settle(true)
		}
	}
	return it.step(true)
}

// Prev moves to the preceding key.
func (it *Iterator) Prev() bool {
	if !it.Valid() {
		return false
	}
	if it.seq != it.tree.seq && !it.reseek() {
		return false
	}
	return it.step(false)
}

func (it *Iterator) reset() {
	it.stack = it.stack[:0]
	it.err = nil
	it.seq = it.tree.seq
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.stack = it.stack[:0]
	return false
}

func (it *Iterator) reseek() bool {
	key := it.key
	it.reset()
	return it.seek(key)
}

func (it *Iterator) read(n base.PageNumber) (base.Page, bool) {
	page, err := it.tree.src.Read(n, 1)
	if err != nil {
		return nil, it.fail(err)
	}
	if err := page.CheckHeader(); err != nil {
		return nil, it.fail(err)
	}
	return page, true
}

// seek descends towards key, leaving the leaf frame on the first entry
// >= key, possibly one past the end of the leaf.
func (it *Iterator) seek(key []byte) bool {
	n := it.tree.header.Root
	for {
		page, ok := it.read(n)
		if !ok {
			return false
		}
		if page.IsLeaf() {
			i, _ := page.SearchLeaf(key)
			it.stack = append(it.stack, frame{page: page, index: i})
			return true
		}
		i := page.SearchBranch(key)
		it.stack = append(it.stack, frame{page: page, index: i})
		n = page.Child(i)
	}
}

// descend pushes frames from page n down to its first or last leaf entry.
func (it *Iterator) descend(n base.PageNumber, last bool) bool {
	for {
		page, ok := it.read(n)
		if !ok {
			return false
		}
		i := 0
		if last {
			i = page.NumEntries() - 1
		}
		it.stack = append(it.stack, frame{page: page, index: i})
		if page.IsLeaf() {
			return true
		}
		if page.NumEntries() == 0 {
			return it.fail(base.ErrCorruptPage)
		}
		n = page.Child(i)
	}
}

// settle fixes up a leaf frame whose index is out of range by moving to
// the neighbouring leaf in the given direction, then records the position.
func (it *Iterator) settle(forward bool) bool {
	f := it.leaf()
	if f.index >= 0 && f.index < f.page.NumEntries() {
		it.key = append(it.key[:0], f.page.Key(f.index)...)
		return true
	}
	if forward {
		it.stack[len(it.stack)-1].index = f.page.NumEntries() - 1
	} else {
		it.stack[len(it.stack)-1].index = 0
	}
	return it.step(forward)
}

// step moves one entry in the given direction, climbing to the nearest
// ancestor with a neighbouring child when the leaf is exhausted.
func (it *Iterator) step(forward bool) bool {
	top := len(it.stack) - 1
	if forward {
		it.stack[top].index++
	} else {
		it.stack[top].index--
	}

	for {
		f := it.leaf()
		if f.index >= 0 && f.index < f.page.NumEntries() {
			it.key = append(it.key[:0], f.page.Key(f.index)...)
			return true
		}

		// Climb until a branch has another child in our direction
		it.stack = it.stack[:len(it.stack)-1]
		for len(it.stack) > 0 {
			b := &it.stack[len(it.stack)-1]
			if forward {
				b.index++
			} else {
				b.index--
			}
			if b.index >= 0 && b.index < b.page.NumEntries() {
				break
			}
			it.stack = it.stack[:len(it.stack)-1]
		}
		if len(it.stack) == 0 {
			return false
		}

		b := it.leaf()
		if !it.descend(b.page.Child(b.index), !forward) {
			return false
		}
	}
}
