package vordb

import (
	"github.com/alexhholmes/vordb/internal/btree"
)

// Direction is the order Tree.Iterate walks keys in.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Iterator provides ordered iteration over a tree's keys.
// Positioning methods return the key and value they land on, or nil when
// the iterator runs off either end. Key and value are only valid until the
// next move; copy them to keep them.
type Iterator struct {
	tree *Tree
	it   *btree.Iterator
	err  error
}

// First moves to the smallest key.
func (c *Iterator) First() ([]byte, []byte) {
	if !c.ok() {
		return nil, nil
	}
	c.it.First()
	return c.current()
}

// Last moves to the largest key.
func (c *Iterator) Last() ([]byte, []byte) {
	if !c.ok() {
		return nil, nil
	}
	c.it.Last()
	return c.current()
}

// Seek moves to the first key >= key.
func (c *Iterator) Seek(key []byte) ([]byte, []byte) {
	if !c.ok() {
		return nil, nil
	}
	c.it.Seek(key)
	return c.current()
}

// SeekReverse moves to the last key <= key.
func (c *Iterator) SeekReverse(key []byte) ([]byte, []byte) {
	if !c.ok() {
		return nil, nil
	}
	c.it.SeekReverse(key)
	return c.current()
}

// Next moves to the following key.
func (c *Iterator) Next() ([]byte, []byte) {
	if !c.ok() {
		return nil, nil
	}
	c.it.Next()
	return c.current()
}

// Prev moves to the preceding key.
func (c *Iterator) Prev() ([]byte, []byte) {
	if !c.ok() {
		return nil, nil
	}
	c.it.Prev()
	return c.current()
}

func (c *Iterator) step(dir Direction) ([]byte, []byte) {
	if dir == Forward {
		return c.Next()
	}
	return c.Prev()
}

// Key returns the current key, nil when not positioned.
func (c *Iterator) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.it.Key()
}

// Value returns the current value, nil when not positioned.
func (c *Iterator) Value() []byte {
	_, v := c.current()
	return v
}

// Valid returns true if the iterator is positioned on an entry.
func (c *Iterator) Valid() bool {
	return c.err == nil && c.it.Valid()
}

// Err returns the error that stopped iteration, if any.
func (c *Iterator) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.it.Err()
}

// ok stops the iterator once its transaction is finished.
func (c *Iterator) ok() bool {
	if c.err == nil {
		c.err = c.tree.check()
	}
	return c.err == nil
}

func (c *Iterator) current() ([]byte, []byte) {
	if !c.Valid() {
		return nil, nil
	}
	v, err := c.it.Value()
	if err != nil {
		c.err = err
		return nil, nil
	}
	return c.it.Key(), v
}
