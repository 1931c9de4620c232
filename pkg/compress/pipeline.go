package compress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/saveme-app/saveme/pkg/metrics"
	"github.com/saveme-app/saveme/pkg/workerpool"
)

// Unit is one independent input to a batch: the bytes of a single file
// plus the caller's enumeration index used to correlate the result.
type Unit struct {
	Index int
	Path  string
	Data  []byte
}

// Result is the outcome for one unit. Results returned by CompressBatch
// are ordered by Unit.Index, never by completion order.
type Result struct {
	Index        int
	Path         string
	Compressed   []byte
	Level        zstd.EncoderLevel
	OriginalSize int
	Err          error
}

// Pipeline runs compression units across a worker pool. Admission is
// gated by an outstanding-bytes budget: a new unit is held back until
// enough prior units have completed. This is the only backpressure
// mechanism; there is no unbounded queue.
type Pipeline struct {
	pool    *workerpool.Pool
	codec   *Codec
	gate    *memoryGate
	metrics *metrics.Metrics
	log     *logrus.Logger
}

type PipelineConfig struct {
	// MaxMemoryMB bounds the total uncompressed bytes admitted to the
	// pool at once. If < 1, a 512MB budget is used.
	MaxMemoryMB int
}

func NewPipeline(pool *workerpool.Pool, codec *Codec, cfg PipelineConfig, m *metrics.Metrics, log *logrus.Logger) *Pipeline {
	if cfg.MaxMemoryMB < 1 {
		cfg.MaxMemoryMB = 512
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		pool:    pool,
		codec:   codec,
		gate:    newMemoryGate(int64(cfg.MaxMemoryMB) << 20),
		metrics: m,
		log:     log,
	}
}

// Codec returns the pipeline's codec, shared with callers that need
// single-unit decompression.
func (p *Pipeline) Codec() *Codec {
	return p.codec
}

// CompressBatch compresses every unit and returns results indexed by the
// units' enumeration order. A failed unit carries its error in
// Result.Err and does not abort siblings. When ctx is cancelled,
// not-yet-admitted units fail with the context error; admitted units
// still drain.
func (p *Pipeline) CompressBatch(ctx context.Context, units []Unit) []Result {
	results := make([]Result, len(units))
	for i := range units {
		results[i] = Result{Index: units[i].Index, Path: units[i].Path}
	}
	if len(units) == 0 {
		return results
	}

	// Maps a unit's position in this batch back to the results slice;
	// workers complete out of order.
	batch := p.pool.NewBatch(len(units))
	admitted := 0

	for i := range units {
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		unit := units[i]
		slot := i
		charge := p.gate.acquire(int64(len(unit.Data)))
		admitted++

		batch.Submit(func() any {
			defer p.gate.release(charge)

			start := time.Now()
			compressed, level, err := p.codec.Compress(unit.Data)
			if err != nil {
				return batchItem{slot: slot, result: Result{
					Index: unit.Index,
					Path:  unit.Path,
					Err:   fmt.Errorf("%w: %s: %v", ErrCompressionFailed, unit.Path, err),
				}}
			}

			p.metrics.AddCompression(
				uint64(len(unit.Data)),
				uint64(len(compressed)),
				uint64(time.Since(start).Milliseconds()),
			)

			return batchItem{slot: slot, result: Result{
				Index:        unit.Index,
				Path:         unit.Path,
				Compressed:   compressed,
				Level:        level,
				OriginalSize: len(unit.Data),
			}}
		})
	}

	for _, raw := range batch.Collect() {
		item := raw.(batchItem)
		results[item.slot] = item.result
	}

	if admitted < len(units) {
		p.log.WithFields(logrus.Fields{
			"admitted": admitted,
			"total":    len(units),
		}).Warn("compression batch cancelled before full admission")
	}

	return results
}

type batchItem struct {
	slot   int
	result Result
}

// memoryGate tracks approximate outstanding uncompressed bytes. acquire
// blocks until the charge fits the budget; a unit larger than the whole
// budget is admitted alone (its streaming compression keeps real usage
// bounded) and charged the full budget.
type memoryGate struct {
	mu          sync.Mutex
	cond        *sync.Cond
	limit       int64
	outstanding int64
}

func newMemoryGate(limit int64) *memoryGate {
	g := &memoryGate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *memoryGate) acquire(n int64) int64 {
	if n > g.limit {
		n = g.limit
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.outstanding > 0 && g.outstanding+n > g.limit {
		g.cond.Wait()
	}
	g.outstanding += n
	return n
}

func (g *memoryGate) release(n int64) {
	g.mu.Lock()
	g.outstanding -= n
	g.mu.Unlock()
	g.cond.Broadcast()
}
