package tuf

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// State is the engine's current position in the check-for-updates protocol
// (spec.md 4.6). It exists for observability (metrics, logging) only; the
// engine's control flow does not switch on it.
type State int32

const (
	StateIdle State = iota
	StateTimestamping
	StateSnapshotting
	StateUpdatingRoot
	StateIndexRefreshing
	// StateRecovering is orthogonal to the rest: entered from any
	// verifying state on a recoverable verification failure.
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTimestamping:
		return "Timestamping"
	case StateSnapshotting:
		return "Snapshotting"
	case StateUpdatingRoot:
		return "UpdatingRoot"
	case StateIndexRefreshing:
		return "IndexRefreshing"
	case StateRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// Engine drives the check-for-updates protocol against a Repository. It is
// the heart of the core (spec.md 2): all policy about what to fetch, in
// what order and with what trust lives here; Repository only moves bytes
// and persists them once the engine has accepted them.
//
// An Engine is not safe for concurrent Refresh calls against the same
// underlying cache (spec.md 5, "the caller provides mutual exclusion");
// the singleflight group below only protects against a single reentrant
// index fetch landing twice within a cycle, not against two independent
// refreshes racing each other.
type Engine struct {
	repo     Repository
	settings Settings
	state    int32 // atomic State
	metrics  *Metrics

	indexGroup singleflight.Group

	rootMu          sync.Mutex
	lastTrustedRoot *Trusted[*Root]
}

// NewEngine constructs an Engine over repo. settings is defaulted and
// validated exactly once here. metrics may be nil.
func NewEngine(repo Repository, settings Settings, metrics *Metrics) (*Engine, error) {
	if err := settings.verify(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	full := settings.withDefaults()
	return &Engine{repo: repo, settings: full, metrics: metrics}, nil
}

// State reports the engine's last-observed position in the protocol.
func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

func (e *Engine) setState(s State) {
	atomic.StoreInt32(&e.state, int32(s))
}

// setTrustedRoot records the root trusted by the most recently completed
// cycle, so ReadTargets can authorize per-package targets.json documents
// without the caller ever handling the unexported keyID/dirCache types
// readPackageTargets's verification plumbing depends on.
func (e *Engine) setTrustedRoot(r Trusted[*Root]) {
	e.rootMu.Lock()
	defer e.rootMu.Unlock()
	e.lastTrustedRoot = &r
}

func (e *Engine) trustedRoot() (Trusted[*Root], bool) {
	e.rootMu.Lock()
	defer e.rootMu.Unlock()
	if e.lastTrustedRoot == nil {
		var zero Trusted[*Root]
		return zero, false
	}
	return *e.lastTrustedRoot, true
}

// ReadTargets verifies and returns name/version's per-package targets.json
// (plus anything it delegates to), authorized against the root trusted by
// the most recently completed Refresh. Callers must call Refresh at least
// once before ReadTargets; this mirrors spec.md 4.6 step 7 running only
// after steps 1-6 have established a trusted index.
func (e *Engine) ReadTargets(name, version string) (*RootTarget, error) {
	trustedRoot, ok := e.trustedRoot()
	if !ok {
		return nil, errors.New("ReadTargets called before a successful Refresh")
	}
	cache, ok := e.repo.(interface {
		readPackageTargets(Trusted[*Root], string, string, time.Time) (*RootTarget, error)
	})
	if !ok {
		return nil, errors.New("repository does not support reading package targets")
	}
	now := nowFrom(e.settings.Clock)
	return cache.readPackageTargets(trustedRoot, name, version, now)
}

// Refresh runs one check-for-updates cycle (spec.md 4.6): the normal path,
// with root recovery attempted at most once per call. A second
// verification failure in the same call is fatal (DoubleRecovery).
func (e *Engine) Refresh(ctx context.Context) error {
	now := nowFrom(e.settings.Clock)
	e.metrics.observeRefresh()

	recovered := false
	for {
		err := e.runNormalPath(ctx, now)
		if err == nil {
			e.setState(StateIdle)
			return nil
		}

		verr, ok := err.(*VerificationError)
		if !ok || !verr.Recoverable() {
			if ok {
				e.metrics.observeRefreshError(verr.Kind)
			}
			return err
		}

		e.metrics.observeVerificationError(verr.Role, verr.Kind)
		if recovered {
			doubleErr := verrf(KindDoubleRecovery, verr.Role, err, "verification failed again after root recovery")
			e.metrics.observeRefreshError(KindDoubleRecovery)
			return doubleErr
		}

		e.repo.Log(Event{Name: EventVerificationError, Role: string(verr.Role), Message: verr.Error()})
		e.setState(StateRecovering)
		if rerr := e.recoverRoot(ctx, now); rerr != nil {
			if rverr, ok := rerr.(*VerificationError); ok {
				e.metrics.observeRefreshError(rverr.Kind)
			}
			return rerr
		}
		e.metrics.observeRootRotation()
		recovered = true
	}
}

// runNormalPath implements steps 1-7, restarting at step 2 internally
// whenever a root hop occurs, up to RootHopBound times.
func (e *Engine) runNormalPath(ctx context.Context, now time.Time) error {
	trustedRoot, err := e.loadCachedRoot(now)
	if err != nil {
		return err
	}

	for hops := 0; ; {
		e.setState(StateTimestamping)
		trustedTimestamp, err := e.fetchTimestamp(ctx, trustedRoot, now)
		if err != nil {
			return err
		}

		snapshotInfo, ok := trustedTimestamp.Value().Signed.Meta[roleSnapshot]
		if !ok {
			return verrf(KindParseError, roleTimestamp, nil, "timestamp has no snapshot file-info")
		}
		// Step 3's "repository unchanged" shortcut: the cached
		// snapshot's own bytes are checked against the newly claimed
		// file-info directly, which is equivalent to a version
		// comparison and additionally catches a same-version,
		// different-bytes anomaly.
		if unchanged, err := e.snapshotUnchanged(snapshotInfo); err == nil && unchanged {
			e.setTrustedRoot(trustedRoot)
			return nil
		}
		cachedSnapshotVersion, _ := e.cachedVersion(roleSnapshot)
		// Captured before fetchSnapshot caches the new snapshot.json, so
		// the step 6 comparison below is against the snapshot this
		// engine trusted BEFORE this cycle, not the one it just fetched.
		oldIndexInfo, hadOldIndex := e.cachedSnapshotIndexInfo()

		e.setState(StateSnapshotting)
		trustedSnapshot, _, err := e.fetchSnapshot(ctx, trustedRoot, snapshotInfo, now, cachedSnapshotVersion)
		if err != nil {
			return err
		}

		if trustedSnapshot.Value().Signed.RootVersion > trustedRoot.Value().Signed.Version {
			hops++
			if hops > e.settings.RootHopBound {
				return verrf(KindRootUpdateLoop, roleRoot, nil, "exceeded root-hop bound of %d in one cycle", e.settings.RootHopBound)
			}
			rootInfo, ok := trustedSnapshot.Value().Signed.Meta[roleRoot]
			if !ok {
				return verrf(KindParseError, roleSnapshot, nil, "snapshot claims a newer root but carries no root file-info")
			}
			e.setState(StateUpdatingRoot)
			newRoot, err := e.fetchRoot(ctx, &rootInfo, trustedRoot, now, false)
			if err != nil {
				return err
			}
			trustedRoot = newRoot
			e.metrics.observeRootRotation()
			e.repo.Log(Event{Name: EventRootUpdated, Role: string(roleRoot), Message: "root advanced during normal update"})
			continue // restart from step 2 (spec.md 4.6 step 5)
		}

		indexInfo, ok := trustedSnapshot.Value().Signed.Meta[roleIndex]
		if !ok {
			e.setTrustedRoot(trustedRoot)
			return nil
		}
		if hadOldIndex && oldIndexInfo.Equal(indexInfo) {
			e.setTrustedRoot(trustedRoot)
			return nil
		}
		e.setState(StateIndexRefreshing)
		if err := e.refreshIndex(ctx, indexInfo); err != nil {
			return err
		}
		e.setTrustedRoot(trustedRoot)
		return nil
	}
}

// loadCachedRoot reads and minimally re-validates the cached trust anchor.
// A full chain re-verification is unnecessary here: the cached copy was
// already chain-verified the last time it was written (either at
// bootstrap or by fetchRoot below). Expiry is the one thing that can
// become true purely by the passage of time, so it is the one thing
// re-checked on every load; an expired cached root routes to recovery
// exactly as spec.md 4.6 step 1 requires.
func (e *Engine) loadCachedRoot(now time.Time) (Trusted[*Root], error) {
	var zero Trusted[*Root]
	path, err := e.repo.GetCachedRoot()
	if err != nil {
		return zero, errors.Wrap(err, "loading cached root")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return zero, errors.Wrap(err, "reading cached root")
	}
	var root Root
	if err := json.Unmarshal(raw, &root); err != nil {
		return zero, verrf(KindParseError, roleRoot, err, "parsing cached root.json")
	}
	return verifyRoot(&root, nil, now)
}

func (e *Engine) cachedVersion(r role) (*int, error) {
	path, ok := e.repo.GetCached(r)
	if !ok {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v struct {
		Signed struct {
			Version int `json:"version"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v.Signed.Version, nil
}

// snapshotUnchanged compares newInfo against the file-info recorded for
// the cached snapshot.json's own bytes, so step 3's "unchanged" shortcut
// is driven by content identity rather than trusting a bare version
// number alone.
func (e *Engine) snapshotUnchanged(newInfo FileIntegrityMeta) (bool, error) {
	path, ok := e.repo.GetCached(roleSnapshot)
	if !ok {
		return false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return newInfo.verify(bytes.NewReader(raw)) == nil, nil
}

// cachedSnapshotIndexInfo returns the index file-info recorded by the
// previously trusted snapshot, if one is cached. Comparing this against a
// newly fetched snapshot's index file-info is step 6's "differs from the
// cached index's stored file-info" check; it needs no access to the
// index's own raw bytes, only to the snapshot metadata that binds it.
func (e *Engine) cachedSnapshotIndexInfo() (FileIntegrityMeta, bool) {
	path, ok := e.repo.GetCached(roleSnapshot)
	if !ok {
		return FileIntegrityMeta{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileIntegrityMeta{}, false
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return FileIntegrityMeta{}, false
	}
	info, ok := s.Signed.Meta[roleIndex]
	return info, ok
}

func (e *Engine) fetchTimestamp(ctx context.Context, trustedRoot Trusted[*Root], now time.Time) (Trusted[*Timestamp], error) {
	var zero Trusted[*Timestamp]
	cachedVersion, _ := e.cachedVersion(roleTimestamp)

	var trusted Trusted[*Timestamp]
	err := e.repo.WithRemote(ctx, RemoteTimestamp{}, func(tmpPath string) error {
		raw, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "reading downloaded timestamp")
		}
		var untrusted Timestamp
		if err := json.Unmarshal(raw, &untrusted); err != nil {
			return verrf(KindParseError, roleTimestamp, err, "parsing timestamp.json")
		}
		t, verr := verifyTimestamp(&untrusted, trustedRoot, now, cachedVersion)
		if verr != nil {
			return verr
		}
		trusted = t
		return nil
	})
	if err != nil {
		if _, ok := err.(*VerificationError); ok {
			return zero, err
		}
		return zero, verrf(KindTransportError, roleTimestamp, err, "downloading timestamp.json")
	}
	return trusted, nil
}

func (e *Engine) fetchSnapshot(ctx context.Context, trustedRoot Trusted[*Root], info FileIntegrityMeta, now time.Time, cachedVersion *int) (Trusted[*Snapshot], []byte, error) {
	var zero Trusted[*Snapshot]

	var trusted Trusted[*Snapshot]
	var rawOut []byte
	err := e.repo.WithRemote(ctx, RemoteSnapshot{Length: info.Length}, func(tmpPath string) error {
		raw, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "reading downloaded snapshot")
		}
		var untrusted Snapshot
		if err := json.Unmarshal(raw, &untrusted); err != nil {
			return verrf(KindParseError, roleSnapshot, err, "parsing snapshot.json")
		}
		s, verr := verifySnapshot(&untrusted, trustedRoot, info, raw, now, cachedVersion)
		if verr != nil {
			return verr
		}
		trusted = s
		rawOut = raw
		return nil
	})
	if err != nil {
		if _, ok := err.(*VerificationError); ok {
			return zero, nil, err
		}
		return zero, nil, verrf(KindTransportError, roleSnapshot, err, "downloading snapshot.json")
	}
	return trusted, rawOut, nil
}

// fetchRoot downloads and verifies a new root.json. During normal update
// info is non-nil and names the length the snapshot promised; during
// recovery info is nil and the transport falls back to a conservative
// hard ceiling (spec.md 4.6, Root Recovery).
func (e *Engine) fetchRoot(ctx context.Context, info *FileIntegrityMeta, oldRoot Trusted[*Root], now time.Time, recovering bool) (Trusted[*Root], error) {
	var zero Trusted[*Root]

	remote := RemoteRoot{Recovering: recovering}
	if info != nil {
		l := info.Length
		remote.Length = &l
	}

	var trusted Trusted[*Root]
	err := e.repo.WithRemote(ctx, remote, func(tmpPath string) error {
		raw, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "reading downloaded root")
		}
		if info != nil {
			if verr := info.verify(bytes.NewReader(raw)); verr != nil {
				return wrapConsistency(verr, roleRoot)
			}
		}
		var untrusted Root
		if err := json.Unmarshal(raw, &untrusted); err != nil {
			return verrf(KindParseError, roleRoot, err, "parsing root.json")
		}
		r, verr := verifyRoot(&untrusted, &oldRoot, now)
		if verr != nil {
			return verr
		}
		trusted = r
		return nil
	})
	if err != nil {
		if _, ok := err.(*VerificationError); ok {
			return zero, err
		}
		return zero, verrf(KindTransportError, roleRoot, err, "downloading root.json")
	}
	return trusted, nil
}

// recoverRoot implements spec.md 4.6's Root Recovery: fetch a new root
// with unknown length against the existing (possibly expired) cached
// root's key bindings, and replace the cache on success.
func (e *Engine) recoverRoot(ctx context.Context, now time.Time) error {
	path, err := e.repo.GetCachedRoot()
	if err != nil {
		return errors.Wrap(err, "recovery: loading cached root")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "recovery: reading cached root")
	}
	var cached Root
	if err := json.Unmarshal(raw, &cached); err != nil {
		return verrf(KindParseError, roleRoot, err, "recovery: parsing cached root.json")
	}
	// The cached root's own expiry is not re-checked here: the whole
	// point of recovery is that its key bindings remain authoritative
	// for the handover even when expired (spec.md 4.6, "even if
	// expired, its key bindings are still used to sign-off the
	// handover").
	oldRoot := trust(&cached)

	_, err = e.fetchRoot(ctx, nil, oldRoot, now, true)
	return err
}

// refreshIndex implements step 6: download the index only if its file-info
// no longer matches the cached copy, verify it, and let the transport
// perform the atomic replace via CacheIntent. Concurrent calls for the
// same advertised file-info collapse onto a single download via
// singleflight.
func (e *Engine) refreshIndex(ctx context.Context, info FileIntegrityMeta) error {
	key := indexGroupKey(info)
	_, err, _ := e.indexGroup.Do(key, func() (interface{}, error) {
		e.metrics.observeIndexDownload()
		return nil, e.repo.WithRemote(ctx, RemoteIndex{TarGzLength: info.Length}, func(tmpPath string) error {
			raw, err := os.ReadFile(tmpPath)
			if err != nil {
				return errors.Wrap(err, "reading downloaded index")
			}
			if verr := info.verify(bytes.NewReader(raw)); verr != nil {
				return wrapConsistency(verr, roleIndex)
			}
			return nil
		})
	})
	if err != nil {
		if _, ok := err.(*VerificationError); ok {
			return err
		}
		return verrf(KindTransportError, roleIndex, err, "downloading index")
	}
	return nil
}

// DownloadTarget fetches the package tarball remote describes, verifies
// it against info (the file-info a ReadTargets caller looked up for it),
// and streams the verified bytes to dst. The transport never caches a
// package tarball (spec.md 4.5's DontCache policy for RemotePkgTarGz), so
// the bytes are read from the temp path twice: once to verify them, then
// again to copy them to dst.
func (e *Engine) DownloadTarget(ctx context.Context, remote RemotePkgTarGz, info FileIntegrityMeta, dst io.Writer) error {
	err := e.repo.WithRemote(ctx, remote, func(tmpPath string) error {
		f, err := os.Open(tmpPath)
		if err != nil {
			return errors.Wrap(err, "opening downloaded package")
		}
		defer f.Close()
		if verr := info.verify(f); verr != nil {
			return wrapConsistency(verr, roleTargets)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "rewinding downloaded package")
		}
		if _, err := io.Copy(dst, f); err != nil {
			return errors.Wrap(err, "streaming verified package to caller")
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*VerificationError); ok {
			return err
		}
		return verrf(KindTransportError, roleTargets, err, "downloading package %s/%s", remote.Name, remote.Version)
	}
	return nil
}

func indexGroupKey(info FileIntegrityMeta) string {
	if h, ok := info.Hashes[hashSHA256]; ok {
		return "sha256:" + h
	}
	for _, h := range info.Hashes {
		return h
	}
	return ""
}
