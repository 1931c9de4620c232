package saveme

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/saveme-app/saveme/pkg/hasher"
)

// RestoreSummary reports a completed restore with its per-file
// failures.
type RestoreSummary struct {
	Name          string
	FilesRestored int
	DirsCreated   int
	BytesWritten  uint64
	Failures      []FileFailure
}

// RestoreBackup decompresses the backup's blobs and writes them under
// targetRoot at their stored relative paths, reapplying the recorded
// permission bits. A non-empty appIDs set restricts the restore to
// entries whose application hint is in the set. Per-file failures are
// collected in the summary and do not abort the rest of the restore.
func (e *Engine) RestoreBackup(ctx context.Context, name string, appIDs []string, targetRoot string) (*RestoreSummary, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if targetRoot == "" {
		return nil, fmt.Errorf("restore backup %q: no target root given", name)
	}

	m, err := e.manifests.Load(name)
	if err != nil {
		return nil, fmt.Errorf("restore backup %q: %w", name, err)
	}

	var filter map[string]bool
	if len(appIDs) > 0 {
		filter = make(map[string]bool, len(appIDs))
		for _, id := range appIDs {
			filter[id] = true
		}
	}

	summary := &RestoreSummary{Name: name}
	for _, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("restore backup %q: %w", name, err)
		}
		if filter != nil && !filter[entry.AppHint] {
			continue
		}
		// Stored paths are relative by construction; reject anything
		// that would escape the target root.
		if !filepath.IsLocal(filepath.FromSlash(entry.Path)) {
			summary.Failures = append(summary.Failures, FileFailure{Path: entry.Path, Reason: "path escapes target root"})
			continue
		}
		dest := filepath.Join(targetRoot, filepath.FromSlash(entry.Path))
		mode := fs.FileMode(entry.Mode)

		if entry.IsDir {
			if err := os.MkdirAll(dest, mode); err != nil {
				summary.Failures = append(summary.Failures, FileFailure{Path: entry.Path, Reason: err.Error()})
				continue
			}
			summary.DirsCreated++
			continue
		}

		raw, err := e.readContent(entry.ContentDigest)
		if err != nil {
			summary.Failures = append(summary.Failures, FileFailure{Path: entry.Path, Reason: err.Error()})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			summary.Failures = append(summary.Failures, FileFailure{Path: entry.Path, Reason: err.Error()})
			continue
		}
		if err := os.WriteFile(dest, raw, mode); err != nil {
			summary.Failures = append(summary.Failures, FileFailure{Path: entry.Path, Reason: err.Error()})
			continue
		}
		summary.FilesRestored++
		summary.BytesWritten += uint64(len(raw))
	}

	e.log.WithFields(logrus.Fields{
		"backup":   name,
		"files":    summary.FilesRestored,
		"failures": len(summary.Failures),
	}).Info("backup restored")
	return summary, nil
}

// readContent resolves a digest through the dedup index, reads the
// compressed bytes from the pack, and decompresses them.
func (e *Engine) readContent(digest hasher.Digest) ([]byte, error) {
	ref, err := e.blobs.Resolve(digest)
	if err != nil {
		return nil, err
	}
	compressed, err := e.blobs.ReadBlob(ref, digest)
	if err != nil {
		return nil, err
	}
	return e.codec.Decompress(compressed)
}
