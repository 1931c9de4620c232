// Package manifest stores the backup-level records: name, creation
// time, platform tag, the ordered entries, the chain head, and the
// optional link to a previous backup's head. Manifests are created in
// one shot when a backup completes and are immutable afterwards.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/saveme-app/saveme/internal/keyvalstore"
	"github.com/saveme-app/saveme/pkg/hasher"
)

var (
	// ErrNotFound is returned when no manifest exists under a name.
	ErrNotFound = errors.New("backup not found")

	// ErrNameConflict is returned when a manifest already exists under
	// the name of a new backup.
	ErrNameConflict = errors.New("backup name already exists")
)

var keyPrefix = []byte("manifest:")

// Entry is one file or directory within a backup. Directories carry no
// blob reference; files reference a blob by content digest.
type Entry struct {
	Path          string        `json:"path"`
	AppHint       string        `json:"app_hint,omitempty"`
	Mode          uint32        `json:"mode"`
	IsDir         bool          `json:"is_dir,omitempty"`
	ContentDigest hasher.Digest `json:"content_digest"`
}

// Manifest is the record describing one backup.
type Manifest struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Platform  string    `json:"platform"`
	Entries   []Entry   `json:"entries"`
	// ChainHead is the final chain hash of the backup's blob sequence.
	ChainHead hasher.Digest `json:"chain_head"`
	// PreviousBackupName names the backup this one chains to, empty at
	// the chain origin. PreviousBackupHash must equal that backup's
	// head; the name is the traversal edge, the hash is what gets
	// verified.
	PreviousBackupName string        `json:"previous_backup_name,omitempty"`
	PreviousBackupHash hasher.Digest `json:"previous_backup_hash"`
}

// HasPrevious reports whether the manifest links to an earlier backup.
func (m *Manifest) HasPrevious() bool {
	return m.PreviousBackupName != ""
}

// Info is the listing projection of a manifest.
type Info struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists manifests in the shared key-value store.
type Store struct {
	kv *keyvalstore.Store
}

func NewStore(kv *keyvalstore.Store) *Store {
	return &Store{kv: kv}
}

func key(name string) []byte {
	return append(append([]byte{}, keyPrefix...), name...)
}

// Exists reports whether a manifest is stored under name.
func (s *Store) Exists(name string) (bool, error) {
	return s.kv.Has(key(name))
}

// Create stores a new manifest, failing with ErrNameConflict when the
// name is taken.
func (s *Store) Create(m *Manifest) error {
	exists, err := s.Exists(m.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrNameConflict, m.Name)
	}
	return s.put(m)
}

func (s *Store) put(m *Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Name, err)
	}
	if err := s.kv.Set(key(m.Name), raw); err != nil {
		return fmt.Errorf("store manifest %s: %w", m.Name, err)
	}
	return nil
}

// Load returns the manifest stored under name.
func (s *Store) Load(name string) (*Manifest, error) {
	raw, err := s.kv.Get(key(name))
	if errors.Is(err, keyvalstore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", name, err)
	}
	return &m, nil
}

// Delete removes a manifest.
func (s *Store) Delete(name string) error {
	exists, err := s.Exists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.kv.Delete(key(name))
}

// List returns all backups ordered by creation time, oldest first.
func (s *Store) List() ([]Info, error) {
	var infos []Info
	err := s.kv.IteratePrefix(keyPrefix, func(_, value []byte) error {
		var m Manifest
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("decode manifest record: %w", err)
		}
		infos = append(infos, Info{Name: m.Name, CreatedAt: m.CreatedAt})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

// Latest returns the most recently created backup, ok=false when none
// exist. New backups chain to this one.
func (s *Store) Latest() (Info, bool, error) {
	infos, err := s.List()
	if err != nil || len(infos) == 0 {
		return Info{}, false, err
	}
	return infos[len(infos)-1], true, nil
}
