package verify

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saveme-app/saveme/internal/blobstore"
	"github.com/saveme-app/saveme/internal/chainmeta"
	"github.com/saveme-app/saveme/internal/dedup"
	"github.com/saveme-app/saveme/internal/keyvalstore"
	"github.com/saveme-app/saveme/internal/manifest"
	"github.com/saveme-app/saveme/pkg/compress"
	"github.com/saveme-app/saveme/pkg/hasher"
)

type testEnv struct {
	dir       string
	blobs     *blobstore.Store
	chains    *chainmeta.Store
	manifests *manifest.Store
	codec     *compress.Codec
	verifier  *Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	kv, err := keyvalstore.Open(keyvalstore.StoreConfig{Path: filepath.Join(dir, "kv")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	index := dedup.NewIndex(kv)
	blobs, err := blobstore.Open(dir, index, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	chains, err := chainmeta.NewStore(filepath.Join(dir, "chains"), key)
	require.NoError(t, err)

	manifests := manifest.NewStore(kv)

	codec, err := compress.NewCodec(0)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	return &testEnv{
		dir:       dir,
		blobs:     blobs,
		chains:    chains,
		manifests: manifests,
		codec:     codec,
		verifier:  New(manifests, chains, blobs, codec, nil),
	}
}

// makeBackup stores the given file contents as a chained backup and
// returns its manifest.
func (env *testEnv) makeBackup(t *testing.T, name string, contents [][]byte, prevName string, prevHash hasher.Digest) *manifest.Manifest {
	t.Helper()

	builder := blobstore.NewChainBuilder(env.blobs)
	record := &chainmeta.Record{Backup: name}
	m := &manifest.Manifest{
		Name:               name,
		CreatedAt:          time.Now().UTC(),
		Platform:           "linux",
		PreviousBackupName: prevName,
		PreviousBackupHash: prevHash,
	}

	for i, content := range contents {
		digest := hasher.Compute(content)
		compressed, level, err := env.codec.Compress(content)
		require.NoError(t, err)

		blob, err := builder.Append(digest, compressed, uint64(len(content)), uint8(level))
		require.NoError(t, err)

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
		m.Entries = append(m.Entries, manifest.Entry{
			Path:          fmt.Sprintf("file-%d", i),
			Mode:          0o644,
			ContentDigest: digest,
		})
	}

	m.ChainHead = builder.Head()
	require.NoError(t, env.chains.Save(record))
	require.NoError(t, env.manifests.Create(m))
	require.NoError(t, env.blobs.Sync())
	return m
}

func backupContents(n int) [][]byte {
	contents := make([][]byte, n)
	for i := range contents {
		contents[i] = []byte(fmt.Sprintf("configuration file number %d with some body\n", i))
	}
	return contents
}

func TestVerifyFreshBackup(t *testing.T) {
	env := newTestEnv(t)
	m := env.makeBackup(t, "clean", backupContents(4), "", hasher.Digest{})

	report, err := env.verifier.VerifyBackup("clean")
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.True(t, report.HeadMatches)
	assert.Equal(t, m.ChainHead, report.ComputedHead)
	require.Len(t, report.Blobs, 4)
	for _, check := range report.Blobs {
		assert.Equal(t, StatusOK, check.Status)
	}
}

func TestVerifyUnknownBackup(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.verifier.VerifyBackup("ghost")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestTamperedBlobInvalidatesSuffix(t *testing.T) {
	env := newTestEnv(t)
	env.makeBackup(t, "tampered", backupContents(4), "", hasher.Digest{})

	record, err := env.chains.Load("tampered")
	require.NoError(t, err)
	target := record.Links[1]

	// Flip bytes inside position 1's stored payload without touching
	// its recorded digest.
	pack, err := os.OpenFile(filepath.Join(env.dir, blobstore.PackFileName), os.O_RDWR, 0)
	require.NoError(t, err)
	defer pack.Close()
	// 49-byte record header: digest(32) + sizes(16) + level(1).
	_, err = pack.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, int64(target.PhysicalOffset)+49)
	require.NoError(t, err)

	report, err := env.verifier.VerifyBackup("tampered")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.Equal(t, StatusOK, report.Blobs[0].Status)
	assert.Equal(t, StatusDigestMismatch, report.Blobs[1].Status)
	assert.Equal(t, StatusBroken, report.Blobs[2].Status)
	assert.Equal(t, StatusBroken, report.Blobs[3].Status)
}

func TestMissingBlobBreaksChainFromThatPosition(t *testing.T) {
	env := newTestEnv(t)
	env.makeBackup(t, "holey", backupContents(4), "", hasher.Digest{})

	record, err := env.chains.Load("holey")
	require.NoError(t, err)

	// Truncating the pack at position 2's offset removes blobs 2 and 3;
	// the stored chain hashes remain internally consistent.
	require.NoError(t, os.Truncate(
		filepath.Join(env.dir, blobstore.PackFileName),
		int64(record.Links[2].PhysicalOffset),
	))

	report, err := env.verifier.VerifyBackup("holey")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.Equal(t, StatusOK, report.Blobs[0].Status)
	assert.Equal(t, StatusOK, report.Blobs[1].Status)
	assert.Equal(t, StatusMissing, report.Blobs[2].Status)
	assert.Equal(t, StatusBroken, report.Blobs[3].Status)
}

func TestForgedChainHashDetected(t *testing.T) {
	env := newTestEnv(t)
	env.makeBackup(t, "forged", backupContents(3), "", hasher.Digest{})

	record, err := env.chains.Load("forged")
	require.NoError(t, err)
	record.Links[1].ChainHash = hasher.Compute([]byte("forged hash"))
	require.NoError(t, env.chains.Save(record))

	report, err := env.verifier.VerifyBackup("forged")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.Equal(t, StatusHashMismatch, report.Blobs[1].Status)
	assert.Equal(t, StatusBroken, report.Blobs[2].Status)
}

func TestUnopenableMetadataReportsCorruption(t *testing.T) {
	env := newTestEnv(t)
	env.makeBackup(t, "sealed", backupContents(2), "", hasher.Digest{})

	// Re-wrap the store with a different key; the container can no
	// longer be opened.
	otherKey := make([]byte, 32)
	_, err := rand.Read(otherKey)
	require.NoError(t, err)
	wrongChains, err := chainmeta.NewStore(filepath.Join(env.dir, "chains"), otherKey)
	require.NoError(t, err)

	verifier := New(env.manifests, wrongChains, env.blobs, env.codec, nil)
	report, err := verifier.VerifyBackup("sealed")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.MetadataError)
}

func TestVerifyChainAcrossLinkedBackups(t *testing.T) {
	env := newTestEnv(t)

	a := env.makeBackup(t, "a", backupContents(2), "", hasher.Digest{})
	b := env.makeBackup(t, "b", [][]byte{[]byte("b only")}, "a", a.ChainHead)
	env.makeBackup(t, "c", [][]byte{[]byte("c only")}, "b", b.ChainHead)

	report, err := env.verifier.VerifyChain("c")
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.False(t, report.CycleDetected)
	assert.Equal(t, []string{"c", "b", "a"}, report.Sequence)
	require.Len(t, report.Links, 2)
	for _, link := range report.Links {
		assert.True(t, link.Valid)
	}
}

func TestVerifyChainDetectsForgedLink(t *testing.T) {
	env := newTestEnv(t)

	env.makeBackup(t, "a", backupContents(2), "", hasher.Digest{})
	env.makeBackup(t, "b", [][]byte{[]byte("b only")}, "a", hasher.Compute([]byte("wrong head")))

	report, err := env.verifier.VerifyChain("b")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	require.Len(t, report.Links, 1)
	assert.False(t, report.Links[0].Valid)
}

func TestVerifyChainRejectsCycle(t *testing.T) {
	env := newTestEnv(t)

	a := env.makeBackup(t, "cyc-a", backupContents(1), "", hasher.Digest{})
	b := env.makeBackup(t, "cyc-b", [][]byte{[]byte("b")}, "cyc-a", a.ChainHead)

	// Rewrite a's manifest to claim b as its predecessor: a → b → a.
	forged := *a
	forged.PreviousBackupName = "cyc-b"
	forged.PreviousBackupHash = b.ChainHead
	require.NoError(t, env.manifests.Delete("cyc-a"))
	require.NoError(t, env.manifests.Create(&forged))

	report, err := env.verifier.VerifyChain("cyc-a")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.True(t, report.CycleDetected)
	assert.Equal(t, "cyc-a", report.CycleAt)
	assert.Equal(t, []string{"cyc-a", "cyc-b"}, report.Sequence)
}

func TestDedupAcrossBackupsStillVerifies(t *testing.T) {
	env := newTestEnv(t)

	shared := []byte("identical content in both backups")
	a := env.makeBackup(t, "dedup-a", [][]byte{shared}, "", hasher.Digest{})
	env.makeBackup(t, "dedup-b", [][]byte{shared, []byte("extra")}, "dedup-a", a.ChainHead)

	for _, name := range []string{"dedup-a", "dedup-b"} {
		report, err := env.verifier.VerifyBackup(name)
		require.NoError(t, err)
		assert.True(t, report.Valid, "backup %s", name)
	}
}
