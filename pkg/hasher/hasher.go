// Package hasher provides the content digest used for deduplication keys
// and chain links. The same digest function is used for both so identical
// content always dedups and always produces identical chain-link inputs.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DigestSize is the size in bytes of a content digest.
const DigestSize = sha256.Size

// Digest is a SHA-256 digest of uncompressed content.
type Digest [DigestSize]byte

// Compute returns the digest of the given bytes.
func Compute(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ChainHash binds a blob to its predecessor: digest(prev ‖ content).
// The genesis blob (position 0) has no predecessor; use GenesisHash.
func ChainHash(prev Digest, content Digest) Digest {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(content[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// GenesisHash is the chain hash of a blob at position 0: digest(content).
func GenesisHash(content Digest) Digest {
	return Compute(content[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a lowercase hex digest string.
func Parse(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("parse digest: got %d bytes, want %d", len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}

// MarshalText implements encoding.TextMarshaler so digests serialize as hex
// in JSON records.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
