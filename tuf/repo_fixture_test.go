package tuf

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testKeyring holds one ed25519 keypair per role, the shape every fixture
// in this package's tests builds a repository around.
type testKeyring struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	kid  keyID
}

func newTestKey(t *testing.T) testKeyring {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	k := Key{KeyType: keyTypeED25519, KeyVal: KeyVal{Public: base64.StdEncoding.EncodeToString(pub)}}
	kid, err := computeKeyID(k)
	require.NoError(t, err)
	return testKeyring{pub: pub, priv: priv, kid: kid}
}

func (k testKeyring) key() Key {
	return Key{KeyType: keyTypeED25519, KeyVal: KeyVal{Public: base64.StdEncoding.EncodeToString(k.pub)}}
}

func fileInfoFor(data []byte) FileIntegrityMeta {
	sum := sha256.Sum256(data)
	return FileIntegrityMeta{
		Length: int64(len(data)),
		Hashes: map[hashingMethod]string{hashSHA256: hex.EncodeToString(sum[:])},
	}
}

// repoFixture is a fully self-signed, self-consistent single-version TUF
// repository: one key per role, one package with no delegations. Tests
// mutate copies of its documents to exercise specific failure modes.
type repoFixture struct {
	rootKey, tsKey, snapKey, targKey testKeyring
	// extraRootSigners co-sign root.json alongside rootKey before the
	// snapshot's root file-info is computed, so a root-rotation fixture
	// can satisfy verifyRoot's old-root-threshold check without the
	// co-signature arriving after the byte binding was already taken.
	extraRootSigners []testKeyring

	root      *Root
	timestamp *Timestamp
	snapshot  *Snapshot
	targets   *Targets

	pkgName, pkgVersion string
	pkgBytes            []byte
}

func newRepoFixture(t *testing.T, now time.Time) *repoFixture {
	t.Helper()
	f := &repoFixture{
		rootKey:    newTestKey(t),
		tsKey:      newTestKey(t),
		snapKey:    newTestKey(t),
		targKey:    newTestKey(t),
		pkgName:    "greeter",
		pkgVersion: "1.0.0",
		pkgBytes:   []byte("pretend this is a tarball of compiled bytes"),
	}
	f.rebuild(t, now, 1, 1, 1, 1)
	return f
}

// rebuild re-signs every document at the given per-role versions, binding
// each higher role's file-info to the lower role's freshly re-signed
// bytes. Tests call this after mutating a fixture's fields to produce a
// new, internally consistent repository state (e.g. "snapshot rolled
// back", "root rotated").
func (f *repoFixture) rebuild(t *testing.T, now time.Time, rootVersion, tsVersion, snapVersion, targVersion int) {
	t.Helper()
	expires := now.Add(24 * time.Hour)

	targetName := f.pkgName + "-" + f.pkgVersion + ".tar.gz"
	f.targets = &Targets{Signed: SignedTarget{
		Type:    string(roleTargets),
		Expires: expires,
		Version: targVersion,
		Targets: fimMap{targetName: fileInfoFor(f.pkgBytes)},
	}}
	f.targets.Signatures = []Signature{f.sign(f.targets, f.targKey)}
	targetsJSON, err := json.Marshal(f.targets)
	require.NoError(t, err)

	indexArchive := buildIndexArchive(t, f.pkgName, f.pkgVersion, targetsJSON)

	f.root = &Root{Signed: SignedRoot{
		Type:    string(roleRoot),
		Expires: expires,
		Version: rootVersion,
		Keys: map[keyID]Key{
			f.rootKey.kid: f.rootKey.key(),
			f.tsKey.kid:   f.tsKey.key(),
			f.snapKey.kid: f.snapKey.key(),
			f.targKey.kid: f.targKey.key(),
		},
		Roles: map[role]Role{
			roleRoot:      {KeyIDs: []keyID{f.rootKey.kid}, Threshold: 1},
			roleTimestamp: {KeyIDs: []keyID{f.tsKey.kid}, Threshold: 1},
			roleSnapshot:  {KeyIDs: []keyID{f.snapKey.kid}, Threshold: 1},
			roleTargets:   {KeyIDs: []keyID{f.targKey.kid}, Threshold: 1},
		},
	}}
	f.root.Signatures = []Signature{f.sign(f.root, f.rootKey)}
	for _, signer := range f.extraRootSigners {
		f.root.Signatures = append(f.root.Signatures, f.sign(f.root, signer))
	}
	rootJSON, err := json.Marshal(f.root)
	require.NoError(t, err)

	f.snapshot = &Snapshot{Signed: SignedSnapshot{
		Type:    string(roleSnapshot),
		Expires: expires,
		Version: snapVersion,
		Meta: map[role]FileIntegrityMeta{
			roleRoot:  fileInfoFor(rootJSON),
			roleIndex: fileInfoFor(indexArchive),
		},
		RootVersion: rootVersion,
	}}
	f.snapshot.Signatures = []Signature{f.sign(f.snapshot, f.snapKey)}
	snapshotJSON, err := json.Marshal(f.snapshot)
	require.NoError(t, err)

	f.timestamp = &Timestamp{Signed: SignedTimestamp{
		Type:    string(roleTimestamp),
		Expires: expires,
		Version: tsVersion,
		Meta:    map[role]FileIntegrityMeta{roleSnapshot: fileInfoFor(snapshotJSON)},
	}}
	f.timestamp.Signatures = []Signature{f.sign(f.timestamp, f.tsKey)}
}

func (f *repoFixture) sign(doc signed, k testKeyring) Signature {
	sb, err := doc.signedBytes()
	if err != nil {
		panic(err)
	}
	sig := ed25519.Sign(k.priv, sb)
	return Signature{KeyID: k.kid, SigningMethod: methodED25519, Value: base64.StdEncoding.EncodeToString(sig)}
}

func buildIndexArchive(t *testing.T, name, version string, targetsJSON []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	member := name + "/" + version + "/targets.json"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: member,
		Size: int64(len(targetsJSON)),
		Mode: 0644,
	}))
	_, err := tw.Write(targetsJSON)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// writeSourceDir writes every current document of f to dir, the mirror a
// dirRepository serves from.
func (f *repoFixture) writeSourceDir(t *testing.T, dir string) {
	t.Helper()
	writeJSON(t, filepath.Join(dir, "root.json"), f.root)
	writeJSON(t, filepath.Join(dir, "timestamp.json"), f.timestamp)
	writeJSON(t, filepath.Join(dir, "snapshot.json"), f.snapshot)

	targetsJSON, err := json.Marshal(f.targets)
	require.NoError(t, err)
	archive := buildIndexArchive(t, f.pkgName, f.pkgVersion, targetsJSON)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00-index.tar.gz"), archive, 0644))

	pkgDir := filepath.Join(dir, f.pkgName, f.pkgVersion)
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	pkgFile := filepath.Join(pkgDir, f.pkgName+"-"+f.pkgVersion+".tar.gz")
	require.NoError(t, os.WriteFile(pkgFile, f.pkgBytes, 0644))
}

// seedCacheRoot writes f's current root.json into dir as the cache's
// pre-existing trust anchor, simulating out-of-band bootstrap.
func (f *repoFixture) seedCacheRoot(t *testing.T, dir string) {
	t.Helper()
	writeJSON(t, filepath.Join(dir, "root.json"), f.root)
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}
