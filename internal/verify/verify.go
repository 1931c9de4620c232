// Package verify recomputes chain hashes and content digests to detect
// tampering, corruption, and missing data. Verification is read-only and
// always produces a report: "invalid" is an expected, first-class
// outcome, not an exception.
package verify

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/saveme-app/saveme/internal/blobstore"
	"github.com/saveme-app/saveme/internal/chainmeta"
	"github.com/saveme-app/saveme/internal/dedup"
	"github.com/saveme-app/saveme/internal/manifest"
	"github.com/saveme-app/saveme/pkg/compress"
	"github.com/saveme-app/saveme/pkg/hasher"
)

// BlobStatus classifies one chain position's verification outcome.
type BlobStatus string

const (
	// StatusOK: stored chain hash and physical content both check out.
	StatusOK BlobStatus = "ok"
	// StatusHashMismatch: the stored chain hash does not match the one
	// recomputed from the stored content digests.
	StatusHashMismatch BlobStatus = "hash_mismatch"
	// StatusDigestMismatch: the physical bytes no longer hash to the
	// recorded content digest (silent corruption or tampering).
	StatusDigestMismatch BlobStatus = "digest_mismatch"
	// StatusMissing: the physical blob cannot be read at all.
	StatusMissing BlobStatus = "missing"
	// StatusBroken: a predecessor failed; everything downstream of a
	// broken link is unverifiable regardless of its own stored hashes.
	StatusBroken BlobStatus = "broken"
)

// BlobCheck reports one chain position.
type BlobCheck struct {
	Position          uint64        `json:"position"`
	ContentDigest     hasher.Digest `json:"content_digest"`
	StoredChainHash   hasher.Digest `json:"stored_chain_hash"`
	ComputedChainHash hasher.Digest `json:"computed_chain_hash"`
	Status            BlobStatus    `json:"status"`
	Detail            string        `json:"detail,omitempty"`
}

// IntegrityReport is the result of verifying a single backup.
type IntegrityReport struct {
	Backup      string        `json:"backup"`
	Valid       bool          `json:"valid"`
	HeadMatches bool          `json:"head_matches"`
	// MetadataError is set when the encrypted chain container could not
	// be opened; the whole backup counts as corrupt in that case.
	MetadataError string        `json:"metadata_error,omitempty"`
	RecordedHead  hasher.Digest `json:"recorded_head"`
	ComputedHead  hasher.Digest `json:"computed_head"`
	Blobs         []BlobCheck   `json:"blobs"`
}

// LinkCheck reports one inter-backup edge of a chain traversal.
type LinkCheck struct {
	From        string        `json:"from"`
	To          string        `json:"to"`
	ClaimedHash hasher.Digest `json:"claimed_hash"`
	ActualHead  hasher.Digest `json:"actual_head"`
	Valid       bool          `json:"valid"`
}

// ChainReport is the result of following previous-backup links from a
// starting backup down to the chain origin.
type ChainReport struct {
	Start         string            `json:"start"`
	Sequence      []string          `json:"sequence"`
	Valid         bool              `json:"valid"`
	CycleDetected bool              `json:"cycle_detected,omitempty"`
	CycleAt       string            `json:"cycle_at,omitempty"`
	Links         []LinkCheck       `json:"links"`
	Backups       []IntegrityReport `json:"backups"`
}

// Verifier checks backups against their stored chain metadata and the
// physical blob area.
type Verifier struct {
	manifests *manifest.Store
	chains    *chainmeta.Store
	blobs     *blobstore.Store
	codec     *compress.Codec
	log       *logrus.Logger
}

func New(manifests *manifest.Store, chains *chainmeta.Store, blobs *blobstore.Store, codec *compress.Codec, log *logrus.Logger) *Verifier {
	if log == nil {
		log = logrus.New()
	}
	return &Verifier{
		manifests: manifests,
		chains:    chains,
		blobs:     blobs,
		codec:     codec,
		log:       log,
	}
}

// VerifyBackup checks one backup: it recomputes every chain hash from
// the stored content digests, re-reads and re-hashes every physical
// blob, and compares the recomputed head against the manifest's recorded
// head. The report is valid only when all three agree everywhere.
func (v *Verifier) VerifyBackup(name string) (*IntegrityReport, error) {
	m, err := v.manifests.Load(name)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		Backup:       name,
		RecordedHead: m.ChainHead,
	}

	record, err := v.chains.Load(name)
	if err != nil {
		// A container that cannot be opened is indistinguishable from
		// total corruption of the chain metadata.
		report.MetadataError = err.Error()
		return report, nil
	}

	var (
		running  hasher.Digest
		firstBad = -1
	)
	for i, link := range record.Links {
		check := BlobCheck{
			Position:        link.Position,
			ContentDigest:   link.ContentDigest,
			StoredChainHash: link.ChainHash,
		}

		if i == 0 {
			running = hasher.GenesisHash(link.ContentDigest)
		} else {
			running = hasher.ChainHash(running, link.ContentDigest)
		}
		check.ComputedChainHash = running

		switch {
		case firstBad >= 0:
			check.Status = StatusBroken
			check.Detail = fmt.Sprintf("chain broken at position %d", firstBad)
		case check.ComputedChainHash != link.ChainHash:
			check.Status = StatusHashMismatch
			check.Detail = fmt.Sprintf("stored %s, computed %s", link.ChainHash, check.ComputedChainHash)
		default:
			check.Status, check.Detail = v.checkPhysical(link)
		}

		if check.Status != StatusOK && firstBad < 0 {
			firstBad = i
		}
		report.Blobs = append(report.Blobs, check)
	}

	report.ComputedHead = running
	report.HeadMatches = report.ComputedHead == m.ChainHead
	report.Valid = report.HeadMatches && firstBad < 0
	return report, nil
}

// checkPhysical re-reads the blob's bytes from the pack and recomputes
// its content digest, catching silent corruption even when the stored
// chain hashes are internally consistent.
func (v *Verifier) checkPhysical(link chainmeta.Link) (BlobStatus, string) {
	ref := dedup.BlobRef{
		Offset:         link.PhysicalOffset,
		CompressedSize: link.CompressedSize,
		OriginalSize:   link.OriginalSize,
		Level:          link.Level,
	}

	compressed, err := v.blobs.ReadBlob(ref, link.ContentDigest)
	if err != nil {
		if errors.Is(err, blobstore.ErrMissingBlob) {
			return StatusMissing, err.Error()
		}
		return StatusMissing, fmt.Sprintf("read blob: %v", err)
	}

	raw, err := v.codec.Decompress(compressed)
	if err != nil {
		return StatusDigestMismatch, fmt.Sprintf("decompress: %v", err)
	}

	if got := hasher.Compute(raw); got != link.ContentDigest {
		return StatusDigestMismatch, fmt.Sprintf("stored digest %s, physical bytes hash to %s", link.ContentDigest, got)
	}
	return StatusOK, ""
}

// VerifyChain follows previous-backup links from start to the chain
// origin, verifying each backup and each claimed link hash. Cycles are
// detected with a visited set and invalidate the chain.
func (v *Verifier) VerifyChain(start string) (*ChainReport, error) {
	report := &ChainReport{Start: start, Valid: true}
	visited := make(map[string]bool)

	current := start
	for {
		if visited[current] {
			report.CycleDetected = true
			report.CycleAt = current
			report.Valid = false
			return report, nil
		}
		visited[current] = true
		report.Sequence = append(report.Sequence, current)

		m, err := v.manifests.Load(current)
		if err != nil {
			return nil, err
		}

		backupReport, err := v.VerifyBackup(current)
		if err != nil {
			return nil, err
		}
		report.Backups = append(report.Backups, *backupReport)
		if !backupReport.Valid {
			report.Valid = false
		}

		if !m.HasPrevious() {
			return report, nil
		}

		link := LinkCheck{
			From:        current,
			To:          m.PreviousBackupName,
			ClaimedHash: m.PreviousBackupHash,
		}
		prev, err := v.manifests.Load(m.PreviousBackupName)
		if err != nil {
			// Dangling link: the claimed predecessor no longer exists.
			report.Links = append(report.Links, link)
			report.Valid = false
			return report, nil
		}
		link.ActualHead = prev.ChainHead
		link.Valid = link.ClaimedHash == prev.ChainHead
		report.Links = append(report.Links, link)
		if !link.Valid {
			report.Valid = false
		}

		current = m.PreviousBackupName
	}
}
