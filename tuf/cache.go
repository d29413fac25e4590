package tuf

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// dirCache is the durable on-disk store described in spec.md 4.4: root,
// timestamp and snapshot live as fixed-name files; the package index lives
// as a single tar or tar.gz archive. It is embedded by both concrete
// Repository implementations (dirRepository, httpRepository) so local and
// remote transports share one cache layout and one atomic-write
// discipline.
type dirCache struct {
	dir string
	// targetsCache memoizes already-parsed delegated Targets documents
	// extracted from the index, keyed by their path within the index.
	// Entries are added as soon as they parse; walkDelegation checks
	// signatures and expiry on every use, so the memo is never consulted
	// in place of verification. It is dropped wholesale by ClearCache.
	targetsCache *lru.Cache[string, *Targets]
}

const targetsCacheSize = 256

func newDirCache(dir string) (*dirCache, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "cache directory validation failed")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("cache path %q must be a directory", dir)
	}
	cache, err := lru.New[string, *Targets](targetsCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating delegated-targets memo cache")
	}
	return &dirCache{dir: dir, targetsCache: cache}, nil
}

func (c *dirCache) cachedPath(r role) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.json", r))
}

// GetCached implements Repository.GetCached.
func (c *dirCache) GetCached(r role) (string, bool) {
	p := c.cachedPath(r)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// GetCachedRoot implements Repository.GetCachedRoot. It must always
// succeed once a client has bootstrapped: there is no recovery from a
// missing trust anchor.
func (c *dirCache) GetCachedRoot() (string, error) {
	p, ok := c.GetCached(roleRoot)
	if !ok {
		return "", errors.New("no cached root: client cannot start without a trust anchor")
	}
	return p, nil
}

var indexExtensions = []string{".tar.gz", ".tar"}

func (c *dirCache) indexPath() (string, bool) {
	for _, ext := range indexExtensions {
		p := filepath.Join(c.dir, "00-index"+ext)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// ClearCache implements Repository.ClearCache: removes timestamp and
// snapshot (spec.md 4.4 minimum requirement) and drops the in-memory
// targets memo, since any cached delegate parsed against the old index
// is no longer trustworthy once the index itself is invalidated.
func (c *dirCache) ClearCache() error {
	for _, r := range []role{roleTimestamp, roleSnapshot} {
		p := c.cachedPath(r)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "clearing cached %s", r)
		}
	}
	c.targetsCache.Purge()
	return nil
}

// putAtomic writes data to name under dir using the append-then-rename
// discipline spec.md 4.4 requires: a partial write never becomes visible
// as the current file, because it is only ever observed at its temporary
// name until the rename, which the OS guarantees is atomic within one
// filesystem.
func putAtomic(dir, name string, data []byte) error {
	tmp, err := ioutil.TempFile(dir, "."+name+".tmp-")
	if err != nil {
		return errors.Wrap(err, "creating temp file for atomic write")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file for atomic write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file for atomic write")
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return errors.Wrap(err, "renaming temp file into place")
	}
	return nil
}

// putRole atomically replaces the cached copy of a fixed role.
func (c *dirCache) putRole(r role, data []byte) error {
	return putAtomic(c.dir, fmt.Sprintf("%s.json", r), data)
}

// putIndex atomically replaces the cached index, removing the other
// extension variant if present so exactly one index file is ever current.
func (c *dirCache) putIndex(ext string, data []byte) error {
	for _, other := range indexExtensions {
		if other == ext {
			continue
		}
		os.Remove(filepath.Join(c.dir, "00-index"+other))
	}
	if err := putAtomic(c.dir, "00-index"+ext, data); err != nil {
		return err
	}
	c.targetsCache.Purge()
	return nil
}

// ReadFromIndex implements Repository.ReadFromIndex: a small-file reader
// over the cached index archive. The archive-extraction machinery proper
// is an external collaborator (spec.md 1); this is the minimal reader the
// engine needs to pull one named member's bytes back out.
func (c *dirCache) ReadFromIndex(path string) ([]byte, bool, error) {
	indexPath, ok := c.indexPath()
	if !ok {
		return nil, false, nil
	}
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, false, errors.Wrap(err, "opening cached index")
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(indexPath) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, false, errors.Wrap(err, "opening gzip index")
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "reading index archive")
		}
		if filepath.Clean(hdr.Name) != filepath.Clean(path) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, false, errors.Wrap(err, "reading index member")
		}
		return data, true, nil
	}
}

// finalizeDownload is the scoped temp-file guard spec.md 9 calls for: tmpPath
// is removed on every exit path unless it is the one case where fn accepts
// the download and the file's CacheIntent says to keep it, in which case it
// is consumed into the durable cache via putRole/putIndex (DontCache means
// accepted-but-ephemeral: the caller already has what it needs from fn and
// nothing is persisted). Both concrete Repository implementations call this
// once their transport-specific download has landed bytes at tmpPath.
func (c *dirCache) finalizeDownload(file RemoteFile, tmpPath string, fn func(tmpPath string) error) (err error) {
	defer func() {
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			os.Remove(tmpPath)
		}
	}()

	if err := fn(tmpPath); err != nil {
		return err
	}

	switch intent := Intent(file).(type) {
	case CacheAs:
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "reading accepted download for caching")
		}
		return c.putRole(intent.Role, data)
	case CacheIndex:
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "reading accepted download for caching")
		}
		ext := ".tar.gz"
		if strings.HasSuffix(file.remoteFilename(), ".tar") {
			ext = ".tar"
		}
		return c.putIndex(ext, data)
	default: // DontCache
		return nil
	}
}

// fetch implements roleFetcher for a single package's delegation tree: it
// reads "<prefix>/<roleName>.json" out of the index.
type packageRoleFetcher struct {
	cache  *dirCache
	prefix string
}

func (f *packageRoleFetcher) fetch(roleName string) (*Targets, error) {
	key := f.prefix + "/" + roleName
	if cached, ok := f.cache.targetsCache.Get(key); ok {
		return cached, nil
	}
	data, ok, err := f.cache.ReadFromIndex(key + ".json")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound
	}
	var t Targets
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, verrf(KindParseError, roleTargets, err, "parsing %s", key+".json")
	}
	f.cache.targetsCache.Add(key, &t)
	return &t, nil
}

// readPackageTargets verifies and returns a package's targets.json plus
// any further targets it delegates to, per spec.md 4.6 step 7 ("each
// extracted targets.json verified against the corresponding file-info
// that the caller supplies or obtains from snapshot"). The whole index
// archive this document is extracted from was already bound to the
// trusted snapshot's file-info when it was cached (spec.md 4.6 step 6),
// so the per-package document's own authenticity is established the same
// way a delegated document's is: a signature threshold under the
// authorizing role, here the trusted root's own "targets" role spec and
// keys, rather than a second, redundant file-info binding.
func (c *dirCache) readPackageTargets(trustedRoot Trusted[*Root], name, version string, now time.Time) (*RootTarget, error) {
	root := trustedRoot.Value()
	roleSpec, ok := root.Signed.Roles[roleTargets]
	if !ok {
		return nil, verrf(KindInvalidType, roleTargets, nil, "trusted root has no targets role spec")
	}

	prefix := name + "/" + version
	rawBytes, ok, err := c.ReadFromIndex(prefix + "/targets.json")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("no targets.json for %s in index", prefix)
	}
	var untrusted Targets
	if err := json.Unmarshal(rawBytes, &untrusted); err != nil {
		return nil, verrf(KindParseError, roleTargets, err, "parsing %s/targets.json", prefix)
	}
	if untrusted.Signed.Type != string(roleTargets) {
		return nil, verrf(KindInvalidType, roleTargets, nil, "expected type %q, got %q", roleTargets, untrusted.Signed.Type)
	}
	sb, err := untrusted.signedBytes()
	if err != nil {
		return nil, verrf(KindParseError, roleTargets, err, "encoding %s/targets.json for verification", prefix)
	}
	if n := countValidSignatures(sb, untrusted.Signatures, root.Signed.Keys, roleSpec); n < roleSpec.Threshold {
		return nil, verrf(KindSignatureMismatch, roleTargets, nil, "only %d of required %d signatures valid for %s", n, roleSpec.Threshold, prefix)
	}
	if !untrusted.Signed.Expires.After(now) {
		return nil, verrf(KindExpired, roleTargets, nil, "%s/targets.json expired at %s", prefix, untrusted.Signed.Expires)
	}
	top := &untrusted

	rt := &RootTarget{
		Targets:      top,
		paths:        make(fimMap),
		targetLookup: make(map[string]*Targets),
	}
	rt.append("targets", top)

	fetcher := &packageRoleFetcher{cache: c, prefix: prefix}
	visited := map[string]bool{"targets": true}
	for _, delegation := range top.Signed.Delegations.Roles {
		if err := walkDelegation(fetcher, rt, delegation, top.Signed.Delegations.Keys, visited, now, 0); err != nil {
			if err == errTargetSeen {
				continue
			}
			return nil, err
		}
	}
	return rt, nil
}

// walkDelegation performs the preorder depth-first search spec.md's
// teacher lineage calls for (4.5.1): skip roles already visited to avoid
// delegation cycles, and stop once maxDelegationCount roles have been
// visited so an adversarial delegation graph cannot waste unbounded
// client time or bandwidth.
func walkDelegation(fetcher roleFetcher, root *RootTarget, delegation DelegationRole, keyring map[keyID]Key, visited map[string]bool, now time.Time, depth int) error {
	if visited[delegation.Name] {
		return errTargetSeen
	}
	if len(visited) >= maxDelegationCount {
		return nil
	}
	visited[delegation.Name] = true

	raw, err := fetcher.fetch(delegation.Name)
	if err != nil {
		if err == errNotFound {
			return nil
		}
		return err
	}

	if raw.Signed.Type != string(roleTargets) {
		return verrf(KindInvalidType, roleTargets, nil, "delegated role %q has type %q", delegation.Name, raw.Signed.Type)
	}
	sb, err := raw.signedBytes()
	if err != nil {
		return verrf(KindParseError, roleTargets, err, "encoding delegated targets %q", delegation.Name)
	}
	if n := countValidSignatures(sb, raw.Signatures, keyring, delegation.Role); n < delegation.Threshold {
		return verrf(KindSignatureMismatch, roleTargets, nil, "delegated role %q: only %d of required %d signatures valid", delegation.Name, n, delegation.Threshold)
	}
	if !raw.Signed.Expires.After(now) {
		return verrf(KindExpired, roleTargets, nil, "delegated role %q expired at %s", delegation.Name, raw.Signed.Expires)
	}

	root.append(delegation.Name, raw)
	for _, nested := range raw.Signed.Delegations.Roles {
		if err := walkDelegation(fetcher, root, nested, raw.Signed.Delegations.Keys, visited, now, depth+1); err != nil {
			if err == errTargetSeen {
				continue
			}
			return err
		}
	}
	return nil
}
