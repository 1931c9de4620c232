// Package compress implements the engine's compression layer: a
// size-adaptive zstd codec and a batch pipeline that spreads independent
// units across a bounded worker pool under a memory budget.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrCompressionFailed tags per-unit compression failures. A failed unit
// never aborts its siblings in the same batch.
var ErrCompressionFailed = errors.New("compression failed")

// Size thresholds for the adaptive level policy.
const (
	smallInputLimit = 1 << 20   // 1MB
	mediumInputLimit = 10 << 20 // 10MB
	largeInputLimit = 100 << 20 // 100MB

	// streamBufferSize is the copy buffer used for streaming compression
	// of large inputs.
	streamBufferSize = 1 << 20
)

// Codec compresses and decompresses byte buffers. Decompress is the exact
// inverse of Compress for every input. A Codec is safe for concurrent use.
type Codec struct {
	// overrideLevel, when non-zero, pins every unit to one zstd level
	// (1-22 in zstd terms) instead of the adaptive policy.
	overrideLevel int

	mu       sync.Mutex
	encoders map[zstd.EncoderLevel]*zstd.Encoder

	decoder *zstd.Decoder
}

// NewCodec creates a codec. levelOverride pins the zstd level (1-22);
// zero selects the size-adaptive policy.
func NewCodec(levelOverride int) (*Codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Codec{
		overrideLevel: levelOverride,
		encoders:      make(map[zstd.EncoderLevel]*zstd.Encoder),
		decoder:       dec,
	}, nil
}

// Close releases the codec's encoders and decoder.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, enc := range c.encoders {
		_ = enc.Close()
	}
	c.encoders = make(map[zstd.EncoderLevel]*zstd.Encoder)
	c.decoder.Close()
}

// LevelFor returns the encoder level the adaptive policy picks for an
// input of the given size: highest compression below 1MB, a balanced
// level up to 10MB, the default fast level up to 100MB, and the fastest
// level above that, where streaming keeps memory bounded.
func (c *Codec) LevelFor(size int) zstd.EncoderLevel {
	if c.overrideLevel != 0 {
		return zstd.EncoderLevelFromZstd(c.overrideLevel)
	}
	switch {
	case size < smallInputLimit:
		return zstd.SpeedBestCompression
	case size < mediumInputLimit:
		return zstd.SpeedBetterCompression
	case size < largeInputLimit:
		return zstd.SpeedDefault
	default:
		return zstd.SpeedFastest
	}
}

func (c *Codec) encoderFor(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder level %s: %w", level, err)
	}
	c.encoders[level] = enc
	return enc, nil
}

// Compress returns the zstd frame for data and the level that produced
// it. Inputs of 10MB and above are compressed through a streaming writer
// so the working set stays bounded regardless of input size.
func (c *Codec) Compress(data []byte) ([]byte, zstd.EncoderLevel, error) {
	level := c.LevelFor(len(data))

	if len(data) >= mediumInputLimit {
		out, err := c.compressStreaming(data, level)
		if err != nil {
			return nil, level, err
		}
		return out, level, nil
	}

	enc, err := c.encoderFor(level)
	if err != nil {
		return nil, level, err
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), level, nil
}

func (c *Codec) compressStreaming(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf,
		zstd.WithEncoderLevel(level),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("init streaming encoder: %w", err)
	}

	reader := bytes.NewReader(data)
	copyBuf := make([]byte, streamBufferSize)
	if _, err := io.CopyBuffer(enc, reader, copyBuf); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("streaming compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finish streaming compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inverts Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
