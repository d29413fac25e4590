package tuf

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(t *testing.T, cacheDir string, mockClock *clock.MockClock) Settings {
	t.Helper()
	return Settings{LocalRepoPath: cacheDir, Clock: mockClock}
}

func newTestEngine(t *testing.T, f *repoFixture, now time.Time) (*Engine, string, string) {
	t.Helper()
	cacheDir := t.TempDir()
	sourceDir := t.TempDir()

	f.seedCacheRoot(t, cacheDir)
	f.writeSourceDir(t, sourceDir)

	mockClock := clock.NewMockClock(now)
	settings := testSettings(t, cacheDir, mockClock)

	repo, err := NewDirRepository(cacheDir, sourceDir, settings, log.NewNopLogger())
	require.NoError(t, err)

	engine, err := NewEngine(repo, settings, nil)
	require.NoError(t, err)
	return engine, cacheDir, sourceDir
}

func TestEngineBootstrapRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	engine, cacheDir, _ := newTestEngine(t, f, now)

	require.NoError(t, engine.Refresh(context.Background()))

	assert.FileExists(t, filepath.Join(cacheDir, "timestamp.json"))
	assert.FileExists(t, filepath.Join(cacheDir, "snapshot.json"))
	assert.FileExists(t, filepath.Join(cacheDir, "00-index.tar.gz"))
	assert.Equal(t, StateIdle, engine.State())

	rt, err := engine.ReadTargets(f.pkgName, f.pkgVersion)
	require.NoError(t, err)
	fi, ok := rt.Lookup(f.pkgName + "-" + f.pkgVersion + ".tar.gz")
	require.True(t, ok)
	assert.Equal(t, int64(len(f.pkgBytes)), fi.Length)
}

func TestEngineSecondRefreshIsNoopWhenUnchanged(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	engine, cacheDir, _ := newTestEngine(t, f, now)

	require.NoError(t, engine.Refresh(context.Background()))
	snapBefore, err := os.ReadFile(filepath.Join(cacheDir, "snapshot.json"))
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background()))
	snapAfter, err := os.ReadFile(filepath.Join(cacheDir, "snapshot.json"))
	require.NoError(t, err)
	assert.Equal(t, snapBefore, snapAfter)
}

func TestEngineDownloadTarget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	engine, _, _ := newTestEngine(t, f, now)
	require.NoError(t, engine.Refresh(context.Background()))

	rt, err := engine.ReadTargets(f.pkgName, f.pkgVersion)
	require.NoError(t, err)
	fi, ok := rt.Lookup(f.pkgName + "-" + f.pkgVersion + ".tar.gz")
	require.True(t, ok)

	var buf bytes.Buffer
	err = engine.DownloadTarget(context.Background(), RemotePkgTarGz{
		Name: f.pkgName, Version: f.pkgVersion, Length: fi.Length,
	}, fi, &buf)
	require.NoError(t, err)
	assert.Equal(t, f.pkgBytes, buf.Bytes())
}

func TestEngineDetectsSnapshotRollback(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	engine, _, sourceDir := newTestEngine(t, f, now)
	require.NoError(t, engine.Refresh(context.Background()))

	// advance, then roll the snapshot's version back down while keeping
	// the rest of the chain consistent: a textbook rollback attack.
	f.rebuild(t, now, 1, 2, 2, 1)
	f.writeSourceDir(t, sourceDir)
	require.NoError(t, engine.Refresh(context.Background()))

	f.rebuild(t, now, 1, 3, 1, 1)
	f.writeSourceDir(t, sourceDir)

	err := engine.Refresh(context.Background())
	require.Error(t, err)
	// The rollback survives the one root recovery the cycle allows, so
	// it surfaces as DoubleRecovery wrapping the original Rollback.
	verr, ok := err.(*VerificationError)
	require.True(t, ok)
	assert.Equal(t, KindDoubleRecovery, verr.Kind)
	cause, ok := verr.Unwrap().(*VerificationError)
	require.True(t, ok)
	assert.Equal(t, KindRollback, cause.Kind)
}

func TestEngineRootRotation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	engine, cacheDir, sourceDir := newTestEngine(t, f, now)
	require.NoError(t, engine.Refresh(context.Background()))

	// Rotate to a brand new root keypair at version 2, re-signed under
	// both the old root key (to satisfy the handover check) and the new
	// one, per verifyRoot's dual-threshold rule.
	newRootKey := newTestKey(t)
	oldRootKey := f.rootKey
	f.rootKey = newRootKey
	// verifyRoot also demands the OLD root's threshold over the new
	// payload's signed bytes; co-sign with the old key before the
	// snapshot's root file-info binds to these exact bytes.
	f.extraRootSigners = []testKeyring{oldRootKey}
	f.rebuild(t, now, 2, 2, 2, 1)
	f.writeSourceDir(t, sourceDir)

	require.NoError(t, engine.Refresh(context.Background()))

	rootOnDisk, err := os.ReadFile(filepath.Join(cacheDir, "root.json"))
	require.NoError(t, err)
	var persisted Root
	require.NoError(t, json.Unmarshal(rootOnDisk, &persisted))
	assert.Equal(t, 2, persisted.Signed.Version)
}

func TestEngineRootHopBoundExceeded(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	engine, _, sourceDir := newTestEngine(t, f, now)
	engine.settings.RootHopBound = 0
	require.NoError(t, engine.Refresh(context.Background()))

	f.rebuild(t, now, 2, 2, 2, 1)
	f.writeSourceDir(t, sourceDir)

	err := engine.Refresh(context.Background())
	require.Error(t, err)
	verr, ok := err.(*VerificationError)
	require.True(t, ok)
	assert.Equal(t, KindRootUpdateLoop, verr.Kind)
}

func TestEngineExpiredCachedRootWithNoFreshRootIsFatal(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newRepoFixture(t, now)
	cacheDir := t.TempDir()
	sourceDir := t.TempDir()
	f.seedCacheRoot(t, cacheDir)
	f.writeSourceDir(t, sourceDir)

	mockClock := clock.NewMockClock(now)
	settings := testSettings(t, cacheDir, mockClock)
	repo, err := NewDirRepository(cacheDir, sourceDir, settings, log.NewNopLogger())
	require.NoError(t, err)
	engine, err := NewEngine(repo, settings, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Refresh(context.Background()))

	// Move the clock past the cached root's expiry without publishing a
	// new root: timestamp verification never even runs, because
	// loadCachedRoot itself now rejects the expired cached root.
	mockClock.AddTime(48 * time.Hour)
	err = engine.Refresh(context.Background())
	require.Error(t, err)
	verr, ok := err.(*VerificationError)
	require.True(t, ok)
	assert.Equal(t, KindExpired, verr.Kind)
	assert.Equal(t, roleRoot, verr.Role)
}
