// Pack file format. The pack is the shared, append-only physical blob
// area, independent of any single backup:
//
//	[Magic: 8 bytes "SAVEMEPK"]
//	[Version: 4 bytes uint32]
//	[Records: digest(32) + compressed_size(8) + original_size(8) +
//	          level(1) + payload]
//
// Records are only ever appended; a blob is never rewritten or moved.
package blobstore

import (
	"encoding/binary"
	"fmt"

	"github.com/saveme-app/saveme/pkg/hasher"
)

var packMagic = [8]byte{'S', 'A', 'V', 'E', 'M', 'E', 'P', 'K'}

const (
	packVersion = 1

	packHeaderSize   = 8 + 4
	recordHeaderSize = hasher.DigestSize + 8 + 8 + 1
)

type recordHeader struct {
	Digest         hasher.Digest
	CompressedSize uint64
	OriginalSize   uint64
	Level          uint8
}

func encodePackHeader() []byte {
	buf := make([]byte, packHeaderSize)
	copy(buf, packMagic[:])
	binary.LittleEndian.PutUint32(buf[8:], packVersion)
	return buf
}

func decodePackHeader(buf []byte) error {
	if len(buf) < packHeaderSize {
		return fmt.Errorf("pack header truncated: %d bytes", len(buf))
	}
	if [8]byte(buf[:8]) != packMagic {
		return fmt.Errorf("bad pack magic %q", buf[:8])
	}
	if v := binary.LittleEndian.Uint32(buf[8:]); v != packVersion {
		return fmt.Errorf("unsupported pack version %d", v)
	}
	return nil
}

func encodeRecordHeader(h recordHeader) []byte {
	buf := make([]byte, recordHeaderSize)
	copy(buf, h.Digest[:])
	binary.LittleEndian.PutUint64(buf[hasher.DigestSize:], h.CompressedSize)
	binary.LittleEndian.PutUint64(buf[hasher.DigestSize+8:], h.OriginalSize)
	buf[hasher.DigestSize+16] = h.Level
	return buf
}

func decodeRecordHeader(buf []byte) (recordHeader, error) {
	var h recordHeader
	if len(buf) < recordHeaderSize {
		return h, fmt.Errorf("record header truncated: %d bytes", len(buf))
	}
	copy(h.Digest[:], buf[:hasher.DigestSize])
	h.CompressedSize = binary.LittleEndian.Uint64(buf[hasher.DigestSize:])
	h.OriginalSize = binary.LittleEndian.Uint64(buf[hasher.DigestSize+8:])
	h.Level = buf[hasher.DigestSize+16]
	return h, nil
}
