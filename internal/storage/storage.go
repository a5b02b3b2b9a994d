package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrOutOfDiskSpace is returned when the data file cannot be grown.
var ErrOutOfDiskSpace = errors.New("out of disk space")

// Backend is where the data file lives. Reads go through a Mapping; writes
// go through WriteAt and become visible in every live Mapping covering the
// written range.
type Backend interface {
	// Size returns the current size of the data file in bytes.
	Size() (int64, error)
	// Map grows the data file to at least size bytes and returns a view of
	// its first size bytes. Older mappings stay valid until closed.
	Map(size int64) (*Mapping, error)
	WriteAt(p []byte, off int64) error
	Sync() error
	Stats() Stats
	Close() error
}

// Mapping is a read-only view over a prefix of the data file.
type Mapping struct {
	data    []byte
	advise  func(b []byte) error
	release func() error
	once    sync.Once
}

func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Len() int64 {
	return int64(len(m.data))
}

// WillNeed hints that the range [off, off+length) is about to be read.
func (m *Mapping) WillNeed(off, length int64) error {
	if m.advise == nil || off >= int64(len(m.data)) {
		return nil
	}
	end := min(off+length, int64(len(m.data)))
	return m.advise(m.data[off:end])
}

// Close releases the view. Safe to call more than once.
func (m *Mapping) Close() error {
	var err error
	m.once.Do(func() {
		if m.release != nil {
			err = m.release()
		}
		m.data = nil
	})
	return err
}

// Stats holds I/O statistics
type Stats struct {
	Maps    uint64
	Writes  uint64
	Written uint64
	Syncs   uint64
}

type counters struct {
	maps    atomic.Uint64
	writes  atomic.Uint64
	written atomic.Uint64
	syncs   atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Maps:    c.maps.Load(),
		Writes:  c.writes.Load(),
		Written: c.written.Load(),
		Syncs:   c.syncs.Load(),
	}
}

// Memory implements Backend over heap buffers. Growing allocates a larger
// buffer; writes are applied to every buffer still referenced by a live
// Mapping so older views stay coherent, like shared file mappings do.
type Memory struct {
	mu      sync.Mutex
	current []byte
	live    map[*Mapping]struct{}
	closed  bool
	counters
}

func NewMemory() *Memory {
	return &Memory{live: make(map[*Mapping]struct{})}
}

func (m *Memory) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.current)), nil
}

func (m *Memory) Map(size int64) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("storage closed")
	}
	if size > int64(len(m.current)) {
		buf := make([]byte, size)
		copy(buf, m.current)
		m.current = buf
	}

	mp := &Mapping{data: m.current[:size]}
	mp.release = func() error {
		m.mu.Lock()
		delete(m.live, mp)
		m.mu.Unlock()
		return nil
	}
	m.live[mp] = struct{}{}
	m.maps.Add(1)
	return mp, nil
}

func (m *Memory) WriteAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.current)) {
		return fmt.Errorf("write [%d, +%d) beyond storage size %d", off, len(p), len(m.current))
	}
	copy(m.current[off:], p)
	for mp := range m.live {
		if off+int64(len(p)) <= int64(len(mp.data)) {
			copy(mp.data[off:], p)
		}
	}
	m.writes.Add(1)
	m.written.Add(uint64(len(p)))
	return nil
}

func (m *Memory) Sync() error {
	m.syncs.Add(1)
	return nil
}

func (m *Memory) Stats() Stats {
	return m.stats()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.current = nil
	return nil
}
