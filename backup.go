package saveme

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saveme-app/saveme/internal/blobstore"
	"github.com/saveme-app/saveme/internal/chainmeta"
	"github.com/saveme-app/saveme/internal/manifest"
	"github.com/saveme-app/saveme/pkg/compress"
	"github.com/saveme-app/saveme/pkg/hasher"
)

// ErrInvalidName rejects backup names that cannot double as file names.
var ErrInvalidName = errors.New("invalid backup name")

// BackupSpec names one path to back up, with an optional application
// association carried through to every entry enumerated under it.
type BackupSpec struct {
	Path    string
	AppHint string
}

// FileFailure records one per-file error that did not abort the
// operation.
type FileFailure struct {
	Path   string
	Reason string
}

// BackupSummary reports a completed backup: partial per-file failures
// live in Failures, next to the successes.
type BackupSummary struct {
	Name           string
	FilesBackedUp  int
	DirsBackedUp   int
	DedupHits      int
	ChainHead      hasher.Digest
	PreviousBackup string
	Failures       []FileFailure
}

// backupItem is one enumerated entry, in enumeration order. Files get
// their digest filled in during linking; failed files are never linked.
type backupItem struct {
	entry  manifest.Entry
	abs    string
	linked bool
}

type loadedFile struct {
	digest     hasher.Digest
	size       uint64
	compressed []byte
	level      uint8
	dedup      bool
	failed     bool
}

// CreateBackup enumerates the given paths, deduplicates and compresses
// their contents, links the blobs into a tamper-evident chain, and
// persists the sealed chain metadata plus a manifest. Unreadable files
// and failed compressions are reported in the summary; the remaining
// files form a valid shorter chain. A new backup automatically links to
// the most recent prior backup's chain head.
//
// Cancelling ctx aborts before the manifest is written: blobs already
// appended stay in the shared pack as deduplicable content, but the
// backup itself never exists.
func (e *Engine) CreateBackup(ctx context.Context, name string, specs []BackupSpec) (*BackupSummary, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validateBackupName(name); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("create backup %q: no paths given", name)
	}

	e.backupMu.Lock()
	defer e.backupMu.Unlock()

	exists, err := e.manifests.Exists(name)
	if err != nil {
		return nil, fmt.Errorf("create backup %q: %w", name, err)
	}
	if exists {
		return nil, fmt.Errorf("create backup %q: %w", name, ErrNameConflict)
	}

	items, failures := enumerate(specs)
	summary := &BackupSummary{Name: name, Failures: failures}

	var fileIdx []int
	for i, it := range items {
		if !it.entry.IsDir {
			fileIdx = append(fileIdx, i)
		}
	}

	builder := blobstore.NewChainBuilder(e.blobs)

	// Files are processed in bounded rounds: read and hash, compress
	// the dedup misses in parallel, then link the round in enumeration
	// order. Linking is the one serialization point.
	for start := 0; start < len(fileIdx); start += e.config.MaxBatchSize {
		end := start + e.config.MaxBatchSize
		if end > len(fileIdx) {
			end = len(fileIdx)
		}
		round := fileIdx[start:end]

		loaded := make([]loadedFile, len(round))
		var units []compress.Unit
		for j, idx := range round {
			it := items[idx]
			data, err := os.ReadFile(it.abs)
			if err != nil {
				loaded[j].failed = true
				summary.Failures = append(summary.Failures, FileFailure{Path: it.entry.Path, Reason: err.Error()})
				continue
			}
			loaded[j].digest = hasher.Compute(data)
			loaded[j].size = uint64(len(data))

			if _, err := e.blobs.Resolve(loaded[j].digest); err == nil {
				loaded[j].dedup = true
				e.metrics.AddDedupHit()
				summary.DedupHits++
				continue
			}
			units = append(units, compress.Unit{Index: j, Path: it.entry.Path, Data: data})
		}

		for _, res := range e.pipeline.CompressBatch(ctx, units) {
			if res.Err != nil {
				loaded[res.Index].failed = true
				summary.Failures = append(summary.Failures, FileFailure{Path: res.Path, Reason: res.Err.Error()})
				continue
			}
			loaded[res.Index].compressed = res.Compressed
			loaded[res.Index].level = uint8(res.Level)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("create backup %q: %w", name, err)
		}

		for j, idx := range round {
			lf := loaded[j]
			if lf.failed {
				continue
			}
			var compressed []byte
			if !lf.dedup {
				compressed = lf.compressed
			}
			if _, err := builder.Append(lf.digest, compressed, lf.size, lf.level); err != nil {
				return nil, fmt.Errorf("create backup %q: %w", name, err)
			}
			items[idx].entry.ContentDigest = lf.digest
			items[idx].linked = true
			e.metrics.AddFileProcessed()
			summary.FilesBackedUp++
		}
	}

	var entries []manifest.Entry
	for _, it := range items {
		switch {
		case it.entry.IsDir:
			entries = append(entries, it.entry)
			summary.DirsBackedUp++
		case it.linked:
			entries = append(entries, it.entry)
		}
	}

	record := &chainmeta.Record{Backup: name}
	for _, blob := range builder.Blobs() {
		record.Links = append(record.Links, chainmeta.Link{
			Position:          blob.ChainPosition,
			ContentDigest:     blob.ContentDigest,
			PreviousChainHash: blob.PreviousChainHash,
			ChainHash:         blob.ChainHash,
			PhysicalOffset:    blob.Ref.Offset,
			CompressedSize:    blob.Ref.CompressedSize,
			OriginalSize:      blob.Ref.OriginalSize,
			Level:             blob.Ref.Level,
		})
	}
	if err := e.chains.Save(record); err != nil {
		return nil, fmt.Errorf("create backup %q: %w", name, err)
	}

	m := &manifest.Manifest{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Platform:  runtime.GOOS,
		Entries:   entries,
		ChainHead: builder.Head(),
	}
	latest, ok, err := e.manifests.Latest()
	if err != nil {
		return nil, fmt.Errorf("create backup %q: %w", name, err)
	}
	if ok {
		prev, err := e.manifests.Load(latest.Name)
		if err != nil {
			return nil, fmt.Errorf("create backup %q: %w", name, err)
		}
		m.PreviousBackupName = prev.Name
		m.PreviousBackupHash = prev.ChainHead
		summary.PreviousBackup = prev.Name
	}
	if err := e.manifests.Create(m); err != nil {
		return nil, fmt.Errorf("create backup %q: %w", name, err)
	}
	if err := e.blobs.Sync(); err != nil {
		return nil, fmt.Errorf("create backup %q: %w", name, err)
	}

	summary.ChainHead = m.ChainHead
	e.log.WithFields(logrus.Fields{
		"backup":    name,
		"files":     summary.FilesBackedUp,
		"dedupHits": summary.DedupHits,
		"failures":  len(summary.Failures),
	}).Info("backup created")
	return summary, nil
}

func validateBackupName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// enumerate walks the specs in order. Directory trees are walked
// lexically, so enumeration order is deterministic for a given input
// set regardless of worker count.
func enumerate(specs []BackupSpec) ([]backupItem, []FileFailure) {
	var items []backupItem
	var failures []FileFailure

	for _, spec := range specs {
		info, err := os.Stat(spec.Path)
		if err != nil {
			failures = append(failures, FileFailure{Path: spec.Path, Reason: err.Error()})
			continue
		}
		base := filepath.Base(spec.Path)

		if !info.IsDir() {
			items = append(items, backupItem{
				entry: manifest.Entry{
					Path:    base,
					AppHint: spec.AppHint,
					Mode:    uint32(info.Mode().Perm()),
				},
				abs: spec.Path,
			})
			continue
		}

		filepath.WalkDir(spec.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				failures = append(failures, FileFailure{Path: path, Reason: err.Error()})
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() && !d.IsDir() {
				// Symlinks and special files are not backed up.
				return nil
			}
			rel, relErr := filepath.Rel(spec.Path, path)
			if relErr != nil {
				failures = append(failures, FileFailure{Path: path, Reason: relErr.Error()})
				return nil
			}
			stored := base
			if rel != "." {
				stored = filepath.ToSlash(filepath.Join(base, rel))
			}
			fi, infoErr := d.Info()
			if infoErr != nil {
				failures = append(failures, FileFailure{Path: stored, Reason: infoErr.Error()})
				return nil
			}
			items = append(items, backupItem{
				entry: manifest.Entry{
					Path:    stored,
					AppHint: spec.AppHint,
					Mode:    uint32(fi.Mode().Perm()),
					IsDir:   d.IsDir(),
				},
				abs: path,
			})
			return nil
		})
	}
	return items, failures
}
