// Package chainmeta persists each backup's ordered chain records inside
// an authenticated-encrypted container. The container is sealed with
// XChaCha20-Poly1305 under a key private to the installation, so chain
// metadata cannot be forged or rewritten outside the application: a
// container that fails to open is itself a detectable integrity failure,
// distinct from a chain-hash mismatch.
package chainmeta

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/saveme-app/saveme/pkg/hasher"
)

var (
	// ErrNotFound means no container exists for the backup.
	ErrNotFound = errors.New("chain metadata not found")

	// ErrMetadataDecryption means the container exists but cannot be
	// opened: wrong key, truncation, or tampering. Callers treat this
	// like total corruption of the backup's chain metadata.
	ErrMetadataDecryption = errors.New("chain metadata decryption failed")
)

// containerVersion is prepended to every sealed container and bound as
// AAD, so tampering with it fails authentication.
const containerVersion byte = 0x01

const containerExt = ".chain"

// Link is one sealed chain record: the content digest, the chain hash
// that binds it to its predecessor, and the blob's physical location in
// the shared pack.
type Link struct {
	Position          uint64        `json:"position"`
	ContentDigest     hasher.Digest `json:"content_digest"`
	PreviousChainHash hasher.Digest `json:"previous_chain_hash"`
	ChainHash         hasher.Digest `json:"chain_hash"`
	PhysicalOffset    uint64        `json:"physical_offset"`
	CompressedSize    uint64        `json:"compressed_size"`
	OriginalSize      uint64        `json:"original_size"`
	Level             int           `json:"level"`
}

// Record is one backup's full chain metadata.
type Record struct {
	Backup    string    `json:"backup"`
	UpdatedAt time.Time `json:"updated_at"`
	Links     []Link    `json:"links"`
}

// Head returns the final chain hash, zero for an empty chain.
func (r *Record) Head() hasher.Digest {
	if len(r.Links) == 0 {
		return hasher.Digest{}
	}
	return r.Links[len(r.Links)-1].ChainHash
}

// Store seals and opens per-backup containers under dir.
type Store struct {
	dir string
	key []byte
}

func NewStore(dir string, key []byte) (*Store, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("chainmeta key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}
	return &Store{dir: dir, key: key}, nil
}

func (s *Store) path(backup string) string {
	return filepath.Join(s.dir, backup+containerExt)
}

// Save serializes, compresses, and seals the record, then atomically
// replaces the backup's container. A fresh random nonce is used on every
// write.
func (s *Store) Save(record *Record) error {
	record.UpdatedAt = time.Now().UTC()

	plain, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode chain metadata: %w", err)
	}

	compressed, err := compressLZMA(plain)
	if err != nil {
		return fmt.Errorf("compress chain metadata: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := make([]byte, 0, 1+len(nonce)+len(compressed)+aead.Overhead())
	sealed = append(sealed, containerVersion)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, compressed, []byte{containerVersion})

	tmp := s.path(record.Backup) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write chain container: %w", err)
	}
	if err := os.Rename(tmp, s.path(record.Backup)); err != nil {
		return fmt.Errorf("replace chain container: %w", err)
	}
	return nil
}

// Load opens and verifies the backup's container.
func (s *Store) Load(backup string) (*Record, error) {
	sealed, err := os.ReadFile(s.path(backup))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, backup)
	}
	if err != nil {
		return nil, fmt.Errorf("read chain container: %w", err)
	}

	if len(sealed) < 1+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: container truncated", ErrMetadataDecryption)
	}
	version := sealed[0]
	if version != containerVersion {
		return nil, fmt.Errorf("%w: unknown container version %d", ErrMetadataDecryption, version)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	compressed, err := aead.Open(nil, nonce, ciphertext, []byte{version})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMetadataDecryption, backup)
	}

	plain, err := decompressLZMA(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMetadataDecryption, backup, err)
	}

	var record Record
	if err := json.Unmarshal(plain, &record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMetadataDecryption, backup, err)
	}
	return &record, nil
}

// Exists reports whether a container exists for the backup.
func (s *Store) Exists(backup string) bool {
	_, err := os.Stat(s.path(backup))
	return err == nil
}

// Delete removes the backup's container.
func (s *Store) Delete(backup string) error {
	err := os.Remove(s.path(backup))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, backup)
	}
	return err
}

func compressLZMA(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZMA(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
