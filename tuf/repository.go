package tuf

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
)

const (
	roleRegex          = `^root$|^[1-9][0-9]*\.root$|^snapshot$|^timestamp$|^targets$|^[^/]+(/[^/]+)*$`
	maxDelegationCount = 50
)

func validateRole(r role) error {
	if !regexp.MustCompile(roleRegex).MatchString(string(r)) {
		return errors.Errorf("%q is not a valid role", r)
	}
	return nil
}

// CacheIntent tells a Repository what to do with a file once WithRemote's
// callback has accepted it (spec.md 4.5, "must_cache policy").
type CacheIntent interface{ cacheIntent() }

// CacheAs means the file becomes the new current cached copy of the named
// fixed role (root, timestamp, snapshot).
type CacheAs struct{ Role role }

func (CacheAs) cacheIntent() {}

// CacheIndex means the file becomes the new cached package index.
type CacheIndex struct{}

func (CacheIndex) cacheIntent() {}

// DontCache means the file is ephemeral — package tarballs are verified
// and handed to the caller, never retained by the cache.
type DontCache struct{}

func (DontCache) cacheIntent() {}

// RemoteFile is the closed set of things the engine can ask a Repository
// to fetch (spec.md 4.5). Each variant knows its own cache policy and,
// where the protocol provides one, the length ceiling the transport must
// enforce.
type RemoteFile interface {
	remoteFilename() string
	CacheIntent
}

// RemoteTimestamp has no caller-supplied length bound; the transport must
// still apply a conservative constant ceiling (endless-data defense,
// spec.md 4.6 step 2).
type RemoteTimestamp struct{}

func (RemoteTimestamp) remoteFilename() string { return "timestamp.json" }
func (RemoteTimestamp) cacheIntent()           {}

// RemoteRoot carries a length when fetched during normal update (from the
// snapshot's file-info); during root recovery Length is nil and the
// transport must fall back to a conservative hard ceiling.
type RemoteRoot struct {
	Length    *int64
	Recovering bool
}

func (RemoteRoot) remoteFilename() string { return "root.json" }
func (RemoteRoot) cacheIntent()           {}

// RemoteSnapshot's length always comes from the trusted timestamp.
type RemoteSnapshot struct{ Length int64 }

func (RemoteSnapshot) remoteFilename() string { return "snapshot.json" }
func (RemoteSnapshot) cacheIntent()           {}

// RemoteIndex's length(s) come from the trusted snapshot. TarLength is
// optional per spec.md 3 ("`.tar` info optional"); when set and larger, it
// raises the length ceiling. The shipped transports always fetch and cache
// the `.tar.gz` form; neither serves `.tar`, and the temp path carries no
// extension.
type RemoteIndex struct {
	TarGzLength int64
	TarLength   *int64
}

func (RemoteIndex) remoteFilename() string { return "00-index.tar.gz" }
func (RemoteIndex) cacheIntent()           {}

// RemotePkgTarGz's length comes from the per-package targets metadata.
type RemotePkgTarGz struct {
	Name, Version string
	Length        int64
}

func (r RemotePkgTarGz) remoteFilename() string {
	return r.Name + "/" + r.Version + "/" + r.Name + "-" + r.Version + ".tar.gz"
}
func (RemotePkgTarGz) cacheIntent() {}

// remoteFileCeiling returns the byte ceiling a transport must enforce for
// file (spec.md 4.6's endless-data defense). Timestamp, and root when it
// carries no length (recovery), fall back to the conservative constants in
// Settings; every other case uses the file's own length, sourced from a
// higher role's file-info.
func remoteFileCeiling(f RemoteFile, maxRootSize, maxTimestampSize int64) int64 {
	switch v := f.(type) {
	case RemoteTimestamp:
		return maxTimestampSize
	case RemoteRoot:
		if v.Length != nil {
			return *v.Length
		}
		return maxRootSize
	case RemoteSnapshot:
		return v.Length
	case RemoteIndex:
		if v.TarLength != nil && *v.TarLength > v.TarGzLength {
			return *v.TarLength
		}
		return v.TarGzLength
	case RemotePkgTarGz:
		return v.Length
	default:
		return maxRootSize
	}
}

// Intent resolves a RemoteFile to its must_cache policy (spec.md 4.5).
func Intent(f RemoteFile) CacheIntent {
	switch f.(type) {
	case RemoteTimestamp:
		return CacheAs{roleTimestamp}
	case RemoteRoot:
		return CacheAs{roleRoot}
	case RemoteSnapshot:
		return CacheAs{roleSnapshot}
	case RemoteIndex:
		return CacheIndex{}
	default:
		return DontCache{}
	}
}

// Event is a log event a Repository emits for progress or warnings
// (spec.md 6). Fatal errors are never delivered this way — they are
// returned from the call that failed.
type Event struct {
	Name    string
	Role    string
	Message string
}

const (
	// EventRootUpdated fires when the engine installs a new trusted root
	// during normal update.
	EventRootUpdated = "RootUpdated"
	// EventVerificationError fires on any recoverable verification
	// failure, before the engine attempts root recovery.
	EventVerificationError = "VerificationError"
)

// Repository is the abstract transport the update engine drives: policy
// (what to fetch, in what order, with what trust) lives entirely in the
// engine; a Repository only knows how to move bytes and how to persist
// them once accepted (spec.md 4.5).
type Repository interface {
	// WithRemote downloads file to a temporary location and invokes fn
	// with its path. The transport must enforce the length ceiling
	// implied by file (endless-data defense). If fn returns nil, the
	// temp file is moved to its permanent cached location according to
	// file's CacheIntent, unless that intent is DontCache. If fn
	// returns an error, or the download itself fails, the temp file is
	// discarded on every exit path.
	WithRemote(ctx context.Context, file RemoteFile, fn func(tmpPath string) error) error

	// GetCached returns the path to the last cached copy of a fixed
	// role (root, timestamp, snapshot), if any.
	GetCached(r role) (path string, ok bool)

	// GetCachedRoot must always succeed: the client cannot start
	// without a trust anchor.
	GetCachedRoot() (path string, err error)

	// ClearCache removes timestamp and snapshot at minimum; removing
	// the index too is permitted but not required.
	ClearCache() error

	// ReadFromIndex returns the bytes of path as extracted from the
	// cached index, if present.
	ReadFromIndex(path string) (data []byte, ok bool, err error)

	// Log emits a progress or warning event.
	Log(Event)
}

// roleFetcher is the narrow view of a Repository (or an in-progress index
// read) that the delegated-targets walk needs.
type roleFetcher interface {
	fetch(roleName string) (*Targets, error)
}
