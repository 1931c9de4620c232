// Package dedup maps content digests to the physical location of the
// blob that already holds that content. One physical blob exists per
// distinct digest, system-wide; the index is what enforces it.
package dedup

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/saveme-app/saveme/internal/keyvalstore"
	"github.com/saveme-app/saveme/pkg/hasher"
)

var keyPrefix = []byte("dedup:")

// BlobRef locates a stored blob inside the shared pack area.
type BlobRef struct {
	// Offset is the byte offset of the blob record in the pack file.
	Offset uint64 `json:"offset"`
	// CompressedSize is the length of the compressed payload.
	CompressedSize uint64 `json:"compressed_size"`
	// OriginalSize is the uncompressed length.
	OriginalSize uint64 `json:"original_size"`
	// Level is the zstd encoder level the payload was written with.
	Level int `json:"level"`
}

// Index is the badger-backed dedup index. Lookup and Record are not
// atomic by themselves; the blob store calls them inside its own
// exclusive append section so that two concurrent requests for identical
// new content cannot both win.
type Index struct {
	store *keyvalstore.Store
}

func NewIndex(store *keyvalstore.Store) *Index {
	return &Index{store: store}
}

func key(digest hasher.Digest) []byte {
	k := make([]byte, 0, len(keyPrefix)+hasher.DigestSize)
	k = append(k, keyPrefix...)
	k = append(k, digest[:]...)
	return k
}

// Lookup returns the blob reference for a digest, with ok=false on a
// miss.
func (ix *Index) Lookup(digest hasher.Digest) (BlobRef, bool, error) {
	raw, err := ix.store.Get(key(digest))
	if errors.Is(err, keyvalstore.ErrKeyNotFound) {
		return BlobRef{}, false, nil
	}
	if err != nil {
		return BlobRef{}, false, fmt.Errorf("dedup lookup %s: %w", digest, err)
	}

	var ref BlobRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return BlobRef{}, false, fmt.Errorf("dedup entry %s corrupt: %w", digest, err)
	}
	return ref, true, nil
}

// Record stores the reference for a digest.
func (ix *Index) Record(digest hasher.Digest, ref BlobRef) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode dedup entry: %w", err)
	}
	if err := ix.store.Set(key(digest), raw); err != nil {
		return fmt.Errorf("dedup record %s: %w", digest, err)
	}
	return nil
}

// Count returns the number of distinct digests ever recorded.
func (ix *Index) Count() (int, error) {
	n := 0
	err := ix.store.IteratePrefix(keyPrefix, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
