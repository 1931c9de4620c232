package saveme

import (
	"fmt"

	"github.com/saveme-app/saveme/internal/manifest"
	"github.com/saveme-app/saveme/internal/verify"
	"github.com/saveme-app/saveme/pkg/hasher"
)

// BackupInfo identifies one backup in a listing.
type BackupInfo = manifest.Info

// ChainInfo is a display-oriented projection of one backup's place in
// the inter-backup chain plus its verification result.
type ChainInfo struct {
	Name               string        `json:"name"`
	ChainHead          hasher.Digest `json:"chain_hash"`
	PreviousBackupName string        `json:"previous_backup_name,omitempty"`
	PreviousBackupHash hasher.Digest `json:"previous_backup_hash,omitempty"`
	HasPrevious        bool          `json:"has_previous"`
	IntegrityValid     bool          `json:"is_integrity_valid"`
}

// VerifyBackupIntegrity recomputes the backup's chain hashes and
// per-blob content digests from the physical bytes. An invalid backup
// is reported, not returned as an error; only an unknown name errors.
func (e *Engine) VerifyBackupIntegrity(name string) (*verify.IntegrityReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	report, err := e.verifier.VerifyBackup(name)
	if err != nil {
		return nil, fmt.Errorf("verify backup %q: %w", name, err)
	}
	return report, nil
}

// VerifyBackupChain follows previous-backup links from name to the
// chain origin, verifying every backup and every link on the way.
func (e *Engine) VerifyBackupChain(name string) (*verify.ChainReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	report, err := e.verifier.VerifyChain(name)
	if err != nil {
		return nil, fmt.Errorf("verify chain from %q: %w", name, err)
	}
	return report, nil
}

// GetBackupChainInfo returns the backup's chain head, its predecessor
// link, and whether it currently verifies as intact.
func (e *Engine) GetBackupChainInfo(name string) (*ChainInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	m, err := e.manifests.Load(name)
	if err != nil {
		return nil, fmt.Errorf("chain info %q: %w", name, err)
	}
	report, err := e.verifier.VerifyBackup(name)
	if err != nil {
		return nil, fmt.Errorf("chain info %q: %w", name, err)
	}
	return &ChainInfo{
		Name:               m.Name,
		ChainHead:          m.ChainHead,
		PreviousBackupName: m.PreviousBackupName,
		PreviousBackupHash: m.PreviousBackupHash,
		HasPrevious:        m.HasPrevious(),
		IntegrityValid:     report.Valid,
	}, nil
}

// ListBackups returns all backups ordered by creation time.
func (e *Engine) ListBackups() ([]BackupInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	infos, err := e.manifests.List()
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return infos, nil
}
