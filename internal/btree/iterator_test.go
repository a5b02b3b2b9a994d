package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillTree(t *testing.T, tree *Tree, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put([]byte(fmt.Sprintf("key%05d", i*2)), []byte(fmt.Sprintf("v%d", i*2))))
	}
}

func collect(it *Iterator, forward bool) []string {
	var keys []string
	for ok := it.Valid(); ok; {
		keys = append(keys, string(it.Key()))
		if forward {
			ok = it.Next()
		} else {
			ok = it.Prev()
		}
	}
	return keys
}

func TestIteratorForwardAndBackward(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	fillTree(t, tree, 3000)

	it := tree.Iterator()
	require.True(t, it.First())
	forward := collect(it, true)
	require.Len(t, forward, 3000)
	assert.Equal(t, "key00000", forward[0])
	assert.Equal(t, "key05998", forward[2999])
	require.NoError(t, it.Err())

	require.True(t, it.Last())
	backward := collect(it, false)
	require.Len(t, backward, 3000)
	for i := range backward {
		require.Equal(t, forward[len(forward)-1-i], backward[i])
	}
}

func TestIteratorSeek(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	fillTree(t, tree, 1000)

	it := tree.Iterator()
	require.True(t, it.Seek([]byte("key00100")))
	assert.Equal(t, "key00100", string(it.Key()))

	require.True(t, it.Seek([]byte("key00101")))
	assert.Equal(t, "key00102", string(it.Key()))
	v, err := it.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("v102"), v)

	require.True(t, it.SeekReverse([]byte("key00101")))
	assert.Equal(t, "key00100", string(it.Key()))
	require.True(t, it.SeekReverse([]byte("key00100")))
	assert.Equal(t, "key00100", string(it.Key()))

	assert.False(t, it.Seek([]byte("zzz")))
	assert.False(t, it.Valid())
	assert.False(t, it.SeekReverse([]byte("a")))

	require.True(t, it.SeekReverse([]byte("zzz")))
	assert.Equal(t, "key01998", string(it.Key()))
}

func TestIteratorEmptyTree(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	it := tree.Iterator()
	assert.False(t, it.First())
	assert.False(t, it.Last())
	assert.False(t, it.Seek([]byte("a")))
	assert.Nil(t, it.Key())
	assert.NoError(t, it.Err())
}

func TestIteratorSurvivesModification(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	fillTree(t, tree, 2000)

	it := tree.Iterator()
	require.True(t, it.Seek([]byte("key01000")))

	// Delete the current key and insert plenty of keys to force splits
	_, err := tree.Delete([]byte("key01000"))
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		require.NoError(t, tree.Put([]byte(fmt.Sprintf("key0%04d", i*2+1)), []byte("odd")))
	}

	require.True(t, it.Next())
	assert.Equal(t, "key01002", string(it.Key()))

	// key01000 is gone and odd keys below it were added
	require.True(t, it.Prev())
	assert.Equal(t, "key00999", string(it.Key()))
	require.True(t, it.Prev())
	assert.Equal(t, "key00998", string(it.Key()))
}
