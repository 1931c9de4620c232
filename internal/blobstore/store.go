// Package blobstore persists compressed blobs in a global append-only
// pack file and links each backup's blobs into a tamper-evident hash
// chain. The pack is shared across backups; chain positions are
// per-backup.
package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saveme-app/saveme/internal/dedup"
	"github.com/saveme-app/saveme/pkg/hasher"
)

var (
	// ErrMissingBlob means the pack no longer holds the bytes a
	// reference points at. Verification treats this as fatal for the
	// chain suffix from that position on.
	ErrMissingBlob = errors.New("missing blob")

	// ErrChainConstructionFailed means a backup's chain could not be
	// linked; no partial chain is ever persisted.
	ErrChainConstructionFailed = errors.New("chain construction failed")
)

// PackFileName is the pack file's name inside the data directory.
const PackFileName = "blobs.pack"

// Store owns the pack file and the dedup index that guards it. All
// mutations happen inside one exclusive section so that at most one
// physical write ever occurs per distinct digest.
type Store struct {
	mu    sync.Mutex
	file  *os.File
	size  int64
	index *dedup.Index
	log   *logrus.Logger
}

func Open(dir string, index *dedup.Index, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	path := filepath.Join(dir, PackFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open pack file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat pack file: %w", err)
	}

	s := &Store{file: file, size: info.Size(), index: index, log: log}

	if s.size == 0 {
		header := encodePackHeader()
		if _, err := file.WriteAt(header, 0); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("write pack header: %w", err)
		}
		s.size = int64(len(header))
	} else {
		header := make([]byte, packHeaderSize)
		if _, err := file.ReadAt(header, 0); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("read pack header: %w", err)
		}
		if err := decodePackHeader(header); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.log.WithError(err).Warn("sync pack on close")
	}
	return s.file.Close()
}

// Put stores a compressed blob unless the digest already has one, and
// returns the blob's reference plus whether the content was reused.
// Lookup and write happen under one lock: of two concurrent callers with
// identical new content, exactly one appends, the other observes the
// populated index. The losing caller's compression work is discarded
// silently.
func (s *Store) Put(digest hasher.Digest, compressed []byte, originalSize uint64, level uint8) (dedup.BlobRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok, err := s.index.Lookup(digest); err != nil {
		return dedup.BlobRef{}, false, err
	} else if ok {
		return ref, true, nil
	}

	offset := s.size
	header := encodeRecordHeader(recordHeader{
		Digest:         digest,
		CompressedSize: uint64(len(compressed)),
		OriginalSize:   originalSize,
		Level:          level,
	})

	if _, err := s.file.WriteAt(header, offset); err != nil {
		return dedup.BlobRef{}, false, fmt.Errorf("append blob header: %w", err)
	}
	if _, err := s.file.WriteAt(compressed, offset+recordHeaderSize); err != nil {
		return dedup.BlobRef{}, false, fmt.Errorf("append blob payload: %w", err)
	}
	s.size = offset + recordHeaderSize + int64(len(compressed))

	ref := dedup.BlobRef{
		Offset:         uint64(offset),
		CompressedSize: uint64(len(compressed)),
		OriginalSize:   originalSize,
		Level:          int(level),
	}
	if err := s.index.Record(digest, ref); err != nil {
		return dedup.BlobRef{}, false, err
	}

	s.log.WithFields(logrus.Fields{
		"digest": digest.String(),
		"offset": ref.Offset,
		"size":   ref.CompressedSize,
	}).Debug("blob appended")

	return ref, false, nil
}

// Resolve returns the reference for a digest that must already be
// stored.
func (s *Store) Resolve(digest hasher.Digest) (dedup.BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok, err := s.index.Lookup(digest)
	if err != nil {
		return dedup.BlobRef{}, err
	}
	if !ok {
		return dedup.BlobRef{}, fmt.Errorf("%w: no index entry for %s", ErrMissingBlob, digest)
	}
	return ref, nil
}

// ReadBlob returns the compressed payload a reference points at,
// validating the record header against the expected digest. Any
// truncation, header mismatch, or short read surfaces as ErrMissingBlob;
// the caller decides whether that breaks a chain.
func (s *Store) ReadBlob(ref dedup.BlobRef, expect hasher.Digest) ([]byte, error) {
	headerBuf := make([]byte, recordHeaderSize)
	if _, err := s.file.ReadAt(headerBuf, int64(ref.Offset)); err != nil {
		return nil, fmt.Errorf("%w: %s: read header at %d: %v", ErrMissingBlob, expect, ref.Offset, err)
	}

	header, err := decodeRecordHeader(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingBlob, expect, err)
	}
	if header.Digest != expect {
		return nil, fmt.Errorf("%w: record at %d holds %s, want %s", ErrMissingBlob, ref.Offset, header.Digest, expect)
	}
	if header.CompressedSize != ref.CompressedSize {
		return nil, fmt.Errorf("%w: %s: size mismatch (record %d, ref %d)", ErrMissingBlob, expect, header.CompressedSize, ref.CompressedSize)
	}

	payload := make([]byte, header.CompressedSize)
	if _, err := s.file.ReadAt(payload, int64(ref.Offset)+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: %s: read payload: %v", ErrMissingBlob, expect, err)
	}
	return payload, nil
}

// Sync flushes the pack file to disk.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}
