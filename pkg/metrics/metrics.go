// Package metrics tracks engine performance counters. A single Metrics
// value is shared by all workers of a pipeline and updated atomically;
// there are no package-level singletons, callers inject the instance they
// want updated.
package metrics

import "sync/atomic"

type Metrics struct {
	filesProcessed    atomic.Uint64
	bytesIn           atomic.Uint64
	bytesOut          atomic.Uint64
	compressionTimeMs atomic.Uint64
	dedupHits         atomic.Uint64
}

// Stats is an immutable snapshot of the counters.
type Stats struct {
	FilesProcessed    uint64
	BytesIn           uint64
	BytesOut          uint64
	CompressionTimeMs uint64
	DedupHits         uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) AddFileProcessed() {
	m.filesProcessed.Add(1)
}

// AddCompression records one compression unit: uncompressed input size,
// compressed output size, and elapsed wall time in milliseconds.
func (m *Metrics) AddCompression(bytesIn, bytesOut uint64, elapsedMs uint64) {
	m.bytesIn.Add(bytesIn)
	m.bytesOut.Add(bytesOut)
	m.compressionTimeMs.Add(elapsedMs)
}

func (m *Metrics) AddDedupHit() {
	m.dedupHits.Add(1)
}

func (m *Metrics) Snapshot() Stats {
	return Stats{
		FilesProcessed:    m.filesProcessed.Load(),
		BytesIn:           m.bytesIn.Load(),
		BytesOut:          m.bytesOut.Load(),
		CompressionTimeMs: m.compressionTimeMs.Load(),
		DedupHits:         m.dedupHits.Load(),
	}
}

func (m *Metrics) Reset() {
	m.filesProcessed.Store(0)
	m.bytesIn.Store(0)
	m.bytesOut.Store(0)
	m.compressionTimeMs.Store(0)
	m.dedupHits.Store(0)
}

// ThroughputMBps returns the compression throughput in MB/s, zero when no
// time has been recorded.
func (s Stats) ThroughputMBps() float64 {
	if s.CompressionTimeMs == 0 {
		return 0
	}
	mb := float64(s.BytesIn) / (1024 * 1024)
	return mb / (float64(s.CompressionTimeMs) / 1000)
}

// DedupEfficiency returns the fraction of processed files that were
// satisfied by an existing blob.
func (s Stats) DedupEfficiency() float64 {
	if s.FilesProcessed == 0 {
		return 0
	}
	return float64(s.DedupHits) / float64(s.FilesProcessed)
}

// CompressionRatio returns input size over output size, zero when nothing
// has been compressed.
func (s Stats) CompressionRatio() float64 {
	if s.BytesOut == 0 {
		return 0
	}
	return float64(s.BytesIn) / float64(s.BytesOut)
}
