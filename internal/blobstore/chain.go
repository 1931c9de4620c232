package blobstore

import (
	"fmt"

	"github.com/saveme-app/saveme/internal/dedup"
	"github.com/saveme-app/saveme/pkg/hasher"
)

// Blob is one link of a backup's chain: a stored, compressed unit of
// file content bound to its predecessor.
type Blob struct {
	ContentDigest hasher.Digest
	Ref           dedup.BlobRef
	ChainPosition uint64
	// PreviousChainHash is zero for the genesis blob.
	PreviousChainHash hasher.Digest
	ChainHash         hasher.Digest
}

// ChainBuilder links blobs for a single backup in strict enumeration
// order. Compression upstream may complete out of order; the caller
// feeds Append in enumeration order, which is the one serialization
// point of the pipeline. Once any append fails, the builder is broken
// and every later call fails too: a broken link invalidates the whole
// suffix, so there is no meaningful partial chain.
type ChainBuilder struct {
	store  *Store
	blobs  []Blob
	broken error
}

func NewChainBuilder(store *Store) *ChainBuilder {
	return &ChainBuilder{store: store}
}

// Append links the next blob. compressed may be nil when the caller
// already observed a dedup hit; the existing physical bytes are
// referenced and nothing is written. A dedup hit still creates a new
// chain link with its own position and hashes.
func (b *ChainBuilder) Append(digest hasher.Digest, compressed []byte, originalSize uint64, level uint8) (Blob, error) {
	if b.broken != nil {
		return Blob{}, fmt.Errorf("%w: chain already broken: %v", ErrChainConstructionFailed, b.broken)
	}

	var (
		ref dedup.BlobRef
		err error
	)
	if compressed != nil {
		ref, _, err = b.store.Put(digest, compressed, originalSize, level)
	} else {
		ref, err = b.store.Resolve(digest)
	}
	if err != nil {
		b.broken = err
		return Blob{}, fmt.Errorf("%w: position %d: %v", ErrChainConstructionFailed, len(b.blobs), err)
	}

	blob := Blob{
		ContentDigest: digest,
		Ref:           ref,
		ChainPosition: uint64(len(b.blobs)),
	}
	if len(b.blobs) == 0 {
		blob.ChainHash = hasher.GenesisHash(digest)
	} else {
		blob.PreviousChainHash = b.blobs[len(b.blobs)-1].ChainHash
		blob.ChainHash = hasher.ChainHash(blob.PreviousChainHash, digest)
	}

	b.blobs = append(b.blobs, blob)
	return blob, nil
}

// Blobs returns the linked chain in position order.
func (b *ChainBuilder) Blobs() []Blob {
	return b.blobs
}

// Head returns the final chain hash, zero for an empty chain.
func (b *ChainBuilder) Head() hasher.Digest {
	if len(b.blobs) == 0 {
		return hasher.Digest{}
	}
	return b.blobs[len(b.blobs)-1].ChainHash
}

// Err returns the error that broke the chain, if any.
func (b *ChainBuilder) Err() error {
	return b.broken
}
