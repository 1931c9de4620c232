package keyvalstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(StoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetGetDelete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set([]byte("k1"), []byte("v1")))

	got, err := store.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	has, err := store.Has([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.Delete([]byte("k1")))

	_, err = store.Get([]byte("k1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	has, err = store.Has([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestIteratePrefix(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set([]byte("a:1"), []byte("x")))
	require.NoError(t, store.Set([]byte("a:2"), []byte("y")))
	require.NoError(t, store.Set([]byte("b:1"), []byte("z")))

	seen := map[string]string{}
	err := store.IteratePrefix([]byte("a:"), func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"a:1": "x", "a:2": "y"}, seen)
}

func TestConfigRequiresPath(t *testing.T) {
	_, err := Open(StoreConfig{})
	assert.Error(t, err)
}
