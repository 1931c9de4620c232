package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.AddFileProcessed()
	m.AddFileProcessed()
	m.AddCompression(2048, 512, 10)
	m.AddDedupHit()

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.FilesProcessed)
	assert.Equal(t, uint64(2048), s.BytesIn)
	assert.Equal(t, uint64(512), s.BytesOut)
	assert.Equal(t, uint64(10), s.CompressionTimeMs)
	assert.Equal(t, uint64(1), s.DedupHits)

	assert.InDelta(t, 4.0, s.CompressionRatio(), 0.001)
	assert.InDelta(t, 0.5, s.DedupEfficiency(), 0.001)
	assert.Greater(t, s.ThroughputMBps(), 0.0)
}

func TestZeroValueDerivedStats(t *testing.T) {
	var s Stats
	assert.Zero(t, s.ThroughputMBps())
	assert.Zero(t, s.DedupEfficiency())
	assert.Zero(t, s.CompressionRatio())
}

func TestResetClearsCounters(t *testing.T) {
	m := New()
	m.AddFileProcessed()
	m.AddCompression(100, 50, 1)
	m.Reset()

	assert.Equal(t, Stats{}, m.Snapshot())
}

func TestConcurrentUpdates(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.AddFileProcessed()
				m.AddCompression(10, 5, 0)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, uint64(8000), s.FilesProcessed)
	assert.Equal(t, uint64(80000), s.BytesIn)
}
