package vordb

import (
	"bytes"

	"github.com/alexhholmes/vordb/internal/btree"
	"github.com/alexhholmes/vordb/internal/cursorcache"
)

// Tree is a named collection of key/value pairs within a transaction.
// Keys are ordered with bytes.Compare.
type Tree struct {
	tx      *Tx
	name    string
	bt      *btree.Tree
	dropped bool
}

func (t *Tree) Name() string {
	return t.name
}

// Writable returns true if the tree belongs to a write transaction.
func (t *Tree) Writable() bool {
	return t.tx.writable
}

func (t *Tree) check() error {
	if err := t.tx.check(); err != nil {
		return err
	}
	if t.dropped {
		return ErrTreeNotFound
	}
	return nil
}

func (t *Tree) checkWritable() error {
	if err := t.check(); err != nil {
		return err
	}
	if !t.tx.writable {
		return ErrTxNotWritable
	}
	return nil
}

// Get retrieves the value for a key. Returns ErrKeyNotFound if the key does
// not exist. The returned slice is a copy owned by the caller.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	v, ok, err := t.bt.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append(make([]byte, 0, len(v)), v...), nil
}

// Put stores a key-value pair, replacing any existing value.
func (t *Tree) Put(key, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.bt.Put(key, value)
}

// Delete removes a key. Deleting a missing key is not an error.
func (t *Tree) Delete(key []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.bt.Delete(key)
	return err
}

// Iterator returns an iterator over the tree, bound to its transaction.
func (t *Tree) Iterator() *Iterator {
	return &Iterator{tree: t, it: t.bt.Iterator()}
}

// Iterate calls fn for each key starting at start (the first or last key
// when start is nil) and moving in direction dir. Stops early if fn
// returns an error.
func (t *Tree) Iterate(start []byte, dir Direction, fn func(key, value []byte) error) error {
	it := t.Iterator()
	var k, v []byte
	switch {
	case start == nil && dir == Forward:
		k, v = it.First()
	case start == nil:
		k, v = it.Last()
	case dir == Forward:
		k, v = it.Seek(start)
	default:
		k, v = it.SeekReverse(start)
	}

	for ; k != nil; k, v = it.step(dir) {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Err()
}

// ForEach iterates over all key-value pairs in the tree.
func (t *Tree) ForEach(fn func(key, value []byte) error) error {
	return t.Iterate(nil, Forward, fn)
}

// ForEachPrefix iterates over all key-value pairs with the given prefix.
func (t *Tree) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	it := t.Iterator()
	for k, v := it.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = it.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Err()
}

// TreeStats describes the shape of a tree.
type TreeStats struct {
	Entries       uint64
	Depth         uint32
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Cache         cursorcache.Stats
}

func (t *Tree) Stats() TreeStats {
	h := t.bt.Header()
	return TreeStats{
		Entries:       h.Entries,
		Depth:         h.Depth,
		BranchPages:   h.BranchPages,
		LeafPages:     h.LeafPages,
		OverflowPages: h.OverflowPages,
		Cache:         t.bt.Cache().Stats(),
	}
}
