package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saveme-app/saveme/internal/keyvalstore"
	"github.com/saveme-app/saveme/pkg/hasher"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	store, err := keyvalstore.Open(keyvalstore.StoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewIndex(store)
}

func TestLookupMissThenHit(t *testing.T) {
	ix := newTestIndex(t)
	digest := hasher.Compute([]byte("some content"))

	_, ok, err := ix.Lookup(digest)
	require.NoError(t, err)
	assert.False(t, ok)

	ref := BlobRef{Offset: 128, CompressedSize: 64, OriginalSize: 200, Level: 4}
	require.NoError(t, ix.Record(digest, ref))

	got, ok, err := ix.Lookup(digest)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ref, got)
}

func TestCountTracksDistinctDigests(t *testing.T) {
	ix := newTestIndex(t)

	d1 := hasher.Compute([]byte("one"))
	d2 := hasher.Compute([]byte("two"))

	require.NoError(t, ix.Record(d1, BlobRef{Offset: 0}))
	require.NoError(t, ix.Record(d2, BlobRef{Offset: 10}))
	// Re-recording the same digest must not create a second entry.
	require.NoError(t, ix.Record(d1, BlobRef{Offset: 0}))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
