// Package saveme is a local backup engine with content-addressed
// deduplicated storage and tamper-evident chaining. Each backup's blobs
// form a hash chain; backups themselves link to their predecessor,
// giving two layers of integrity that the verifier can recompute from
// the physical bytes alone.
package saveme

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/saveme-app/saveme/internal/blobstore"
	"github.com/saveme-app/saveme/internal/chainmeta"
	"github.com/saveme-app/saveme/internal/dedup"
	"github.com/saveme-app/saveme/internal/keyvalstore"
	"github.com/saveme-app/saveme/internal/manifest"
	"github.com/saveme-app/saveme/internal/verify"
	"github.com/saveme-app/saveme/pkg/compress"
	"github.com/saveme-app/saveme/pkg/metrics"
	"github.com/saveme-app/saveme/pkg/workerpool"
)

var (
	ErrNotStarted = errors.New("saveme: engine not started")
	ErrClosed     = errors.New("saveme: engine closed")

	// ErrBackupNotFound and ErrNameConflict are the storage layer's
	// sentinels re-exported at the API surface.
	ErrBackupNotFound = manifest.ErrNotFound
	ErrNameConflict   = manifest.ErrNameConflict

	// ErrChainConstruction means linking failed mid-backup; no partial
	// chain was persisted.
	ErrChainConstruction = blobstore.ErrChainConstructionFailed
)

const keyFileName = "saveme.key"

// Engine is the main handle. It owns the key-value store, the shared
// blob pack, the sealed chain containers, and the compression pool.
type Engine struct {
	log    *logrus.Logger
	config Config

	kv        *keyvalstore.Store
	blobs     *blobstore.Store
	chains    *chainmeta.Store
	manifests *manifest.Store
	pool      *workerpool.Pool
	codec     *compress.Codec
	pipeline  *compress.Pipeline
	verifier  *verify.Verifier
	metrics   *metrics.Metrics

	// backupMu serializes writers: one backup is created at a time.
	backupMu sync.Mutex

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs an engine handle. New does no I/O; call Start to open
// the stores.
func New(config Config) (*Engine, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:     config.Logger,
		config:  config,
		metrics: metrics.New(),
	}, nil
}

// Start opens the stores and spins up the worker pool. Safe to call
// more than once; only the first call has effect.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		startErr = e.start(ctx)
	})
	if startErr != nil {
		return startErr
	}
	if !e.started.Load() {
		return ErrNotStarted
	}
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.config.DataDir, 0o700); err != nil {
		return err
	}

	kv, err := keyvalstore.Open(keyvalstore.StoreConfig{
		Path:          filepath.Join(e.config.DataDir, "kv"),
		MinimumFreeGB: e.config.MinimumFreeGB,
		Logger:        e.log,
	})
	if err != nil {
		return err
	}

	index := dedup.NewIndex(kv)
	blobs, err := blobstore.Open(e.config.DataDir, index, e.log)
	if err != nil {
		kv.Close()
		return err
	}

	key, err := chainmeta.LoadOrCreateKey(filepath.Join(e.config.DataDir, keyFileName))
	if err != nil {
		blobs.Close()
		kv.Close()
		return err
	}
	chains, err := chainmeta.NewStore(filepath.Join(e.config.DataDir, "chains"), key)
	if err != nil {
		blobs.Close()
		kv.Close()
		return err
	}

	codec, err := compress.NewCodec(e.config.CompressionLevel)
	if err != nil {
		blobs.Close()
		kv.Close()
		return err
	}

	e.kv = kv
	e.blobs = blobs
	e.chains = chains
	e.manifests = manifest.NewStore(kv)
	e.pool = workerpool.New(workerpool.Config{Workers: e.config.Threads})
	e.codec = codec
	e.pipeline = compress.NewPipeline(e.pool, codec, compress.PipelineConfig{
		MaxMemoryMB: e.config.MaxMemoryMB,
	}, e.metrics, e.log)
	e.verifier = verify.New(e.manifests, chains, blobs, codec, e.log)

	e.started.Store(true)
	e.log.WithFields(logrus.Fields{
		"dataDir":     e.config.DataDir,
		"threads":     e.config.Threads,
		"maxMemoryMB": e.config.MaxMemoryMB,
	}).Info("engine started")
	return nil
}

// Close flushes and closes all stores. Safe to call more than once.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if !e.started.Load() {
			return
		}
		e.pool.Close()
		e.codec.Close()
		if err := e.blobs.Close(); err != nil {
			closeErr = err
		}
		if err := e.kv.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

func (e *Engine) ready() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// MetricsSnapshot returns a point-in-time copy of the performance
// counters accumulated since Start (or the last Reset).
func (e *Engine) MetricsSnapshot() metrics.Stats {
	return e.metrics.Snapshot()
}

// ResetMetrics zeroes the performance counters.
func (e *Engine) ResetMetrics() {
	e.metrics.Reset()
}
