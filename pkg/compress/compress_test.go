package compress

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saveme-app/saveme/pkg/metrics"
	"github.com/saveme-app/saveme/pkg/workerpool"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(0)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	inputs := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		bytes.Repeat([]byte("config file contents, highly repetitive\n"), 4096),
		randomBytes(t, 256*1024),
	}

	for _, input := range inputs {
		compressed, _, err := codec.Compress(input)
		require.NoError(t, err)

		out, err := codec.Decompress(compressed)
		require.NoError(t, err)

		if len(input) == 0 {
			assert.Empty(t, out)
		} else {
			assert.Equal(t, input, out)
		}
	}
}

func TestAdaptiveLevelPolicy(t *testing.T) {
	codec := newTestCodec(t)

	assert.Equal(t, zstd.SpeedBestCompression, codec.LevelFor(512*1024))
	assert.Equal(t, zstd.SpeedBetterCompression, codec.LevelFor(5<<20))
	assert.Equal(t, zstd.SpeedDefault, codec.LevelFor(50<<20))
	assert.Equal(t, zstd.SpeedFastest, codec.LevelFor(200<<20))
}

func TestLevelOverrideDisablesAdaptivePolicy(t *testing.T) {
	codec, err := NewCodec(3)
	require.NoError(t, err)
	defer codec.Close()

	want := zstd.EncoderLevelFromZstd(3)
	assert.Equal(t, want, codec.LevelFor(100))
	assert.Equal(t, want, codec.LevelFor(200<<20))
}

func TestDecompressRejectsGarbage(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Decompress([]byte("definitely not a zstd frame"))
	assert.Error(t, err)
}

func TestCompressBatchOrdering(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Workers: 8})
	defer pool.Close()

	codec := newTestCodec(t)
	pipeline := NewPipeline(pool, codec, PipelineConfig{MaxMemoryMB: 64}, metrics.New(), nil)

	units := make([]Unit, 50)
	for i := range units {
		units[i] = Unit{
			Index: i,
			Path:  "file",
			Data:  bytes.Repeat([]byte{byte(i)}, 1000+i*37),
		}
	}

	results := pipeline.CompressBatch(context.Background(), units)
	require.Len(t, results, 50)

	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, i, res.Index)
		assert.Equal(t, 1000+i*37, res.OriginalSize)

		out, err := codec.Decompress(res.Compressed)
		require.NoError(t, err)
		assert.Equal(t, units[i].Data, out)
	}
}

func TestCompressBatchIdenticalAcrossPoolSizes(t *testing.T) {
	units := make([]Unit, 20)
	for i := range units {
		units[i] = Unit{Index: i, Data: bytes.Repeat([]byte("payload "), 100*(i+1))}
	}

	run := func(workers int) []Result {
		pool := workerpool.New(workerpool.Config{Workers: workers})
		defer pool.Close()
		codec := newTestCodec(t)
		pipeline := NewPipeline(pool, codec, PipelineConfig{MaxMemoryMB: 64}, nil, nil)
		return pipeline.CompressBatch(context.Background(), units)
	}

	serial := run(1)
	parallel := run(8)

	require.Len(t, parallel, len(serial))
	for i := range serial {
		assert.Equal(t, serial[i].Compressed, parallel[i].Compressed)
		assert.Equal(t, serial[i].Index, parallel[i].Index)
	}
}

func TestCompressBatchHonorsMemoryBudget(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Workers: 4})
	defer pool.Close()

	codec := newTestCodec(t)
	// 1MB budget, units of 400KB: at most two in flight at a time. The
	// batch must still complete without deadlocking.
	pipeline := NewPipeline(pool, codec, PipelineConfig{MaxMemoryMB: 1}, nil, nil)

	units := make([]Unit, 10)
	for i := range units {
		units[i] = Unit{Index: i, Data: randomBytes(t, 400*1024)}
	}

	results := pipeline.CompressBatch(context.Background(), units)
	for _, res := range results {
		require.NoError(t, res.Err)
	}
}

func TestCompressBatchCancelledContext(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Workers: 2})
	defer pool.Close()

	codec := newTestCodec(t)
	pipeline := NewPipeline(pool, codec, PipelineConfig{MaxMemoryMB: 64}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	units := []Unit{{Index: 0, Data: []byte("a")}, {Index: 1, Data: []byte("b")}}
	results := pipeline.CompressBatch(ctx, units)

	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
}

func TestMetricsUpdatedAcrossWorkers(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Workers: 4})
	defer pool.Close()

	m := metrics.New()
	codec := newTestCodec(t)
	pipeline := NewPipeline(pool, codec, PipelineConfig{MaxMemoryMB: 64}, m, nil)

	units := make([]Unit, 8)
	total := 0
	for i := range units {
		units[i] = Unit{Index: i, Data: bytes.Repeat([]byte("z"), 2048)}
		total += 2048
	}
	pipeline.CompressBatch(context.Background(), units)

	stats := m.Snapshot()
	assert.Equal(t, uint64(total), stats.BytesIn)
	assert.Greater(t, stats.BytesOut, uint64(0))
}
