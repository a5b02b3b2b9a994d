package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	f, err := OpenFile(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return map[string]Backend{
		"file":   f,
		"memory": NewMemory(),
	}
}

func TestMapGrowsBackend(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m, err := b.Map(64 * 1024)
			require.NoError(t, err)
			defer m.Close()

			size, err := b.Size()
			require.NoError(t, err)
			assert.Equal(t, int64(64*1024), size)
			assert.Equal(t, int64(64*1024), m.Len())
			assert.Equal(t, make([]byte, 64*1024), m.Bytes())
		})
	}
}

func TestWritesVisibleInOlderMappings(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			old, err := b.Map(8192)
			require.NoError(t, err)
			defer old.Close()

			grown, err := b.Map(32768)
			require.NoError(t, err)
			defer grown.Close()

			require.NoError(t, b.WriteAt([]byte("hello"), 4096))
			require.NoError(t, b.WriteAt([]byte("tail"), 20000))

			assert.Equal(t, []byte("hello"), old.Bytes()[4096:4101])
			assert.Equal(t, []byte("hello"), grown.Bytes()[4096:4101])
			assert.Equal(t, []byte("tail"), grown.Bytes()[20000:20004])
			assert.Equal(t, uint64(2), b.Stats().Writes)
		})
	}
}

func TestMappingCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m, err := b.Map(4096)
			require.NoError(t, err)
			require.NoError(t, m.WillNeed(0, 4096))
			require.NoError(t, m.Close())
			require.NoError(t, m.Close())
			assert.Nil(t, m.Bytes())
		})
	}
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	f, err := OpenFile(path)
	require.NoError(t, err)
	m, err := f.Map(4096)
	require.NoError(t, err)
	require.NoError(t, f.WriteAt([]byte("durable"), 100))
	require.NoError(t, f.Sync())
	require.NoError(t, m.Close())
	require.NoError(t, f.Close())

	f, err = OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	m, err = f.Map(4096)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, []byte("durable"), m.Bytes()[100:107])
}
