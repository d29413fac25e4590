package tuf

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
)

// Trusted wraps a metadata value that has passed signature, expiry,
// version-monotonicity, and (where applicable) cross-role consistency
// checks. It has no exported fields and no public constructor: values are
// produced by verifyRoot, verifyTimestamp, verifySnapshot or verifyTargets,
// with one exception inside the package, Engine.recoverRoot, which wraps the
// cached root (checked when it was written) without re-checking it. This is
// the phantom-tag discipline spec.md 9 asks for, expressed with a generic
// instead of higher-kinded machinery.
type Trusted[T any] struct {
	value T
}

// Value returns the wrapped metadata. Code outside this package has no
// way to construct a Trusted[T], so receiving one is itself a
// verification receipt.
func (t Trusted[T]) Value() T { return t.value }

func trust[T any](v T) Trusted[T] { return Trusted[T]{value: v} }

// verifyRoot enforces spec.md 4.3: threshold per the *old* trusted root's
// root-role (if one exists) AND the new payload's own root-role, type and
// expiry. A nil oldRoot means this is the very first root a client ever
// trusts (bootstrap); the payload then only needs to satisfy its own
// threshold, since there is no prior chain to extend.
func verifyRoot(untrusted *Root, oldRoot *Trusted[*Root], now time.Time) (Trusted[*Root], error) {
	var zero Trusted[*Root]

	if untrusted.Signed.Type != string(roleRoot) {
		return zero, verrf(KindInvalidType, roleRoot, nil, "expected type %q, got %q", roleRoot, untrusted.Signed.Type)
	}

	signedBytes, err := untrusted.signedBytes()
	if err != nil {
		return zero, verrf(KindParseError, roleRoot, err, "encoding signed root for verification")
	}

	newRoleSpec, ok := untrusted.Signed.Roles[roleRoot]
	if !ok {
		return zero, verrf(KindInvalidType, roleRoot, nil, "new root payload has no root role spec")
	}
	if n := countValidSignatures(signedBytes, untrusted.Signatures, untrusted.Signed.Keys, newRoleSpec); n < newRoleSpec.Threshold {
		return zero, verrf(KindSignatureMismatch, roleRoot, nil, "only %d of required %d signatures valid under new root", n, newRoleSpec.Threshold)
	}

	if oldRoot != nil {
		old := oldRoot.Value()
		oldRoleSpec, ok := old.Signed.Roles[roleRoot]
		if !ok {
			return zero, verrf(KindInvalidType, roleRoot, nil, "cached root has no root role spec")
		}
		if n := countValidSignatures(signedBytes, untrusted.Signatures, old.Signed.Keys, oldRoleSpec); n < oldRoleSpec.Threshold {
			return zero, verrf(KindSignatureMismatch, roleRoot, nil, "only %d of required %d signatures valid under old root", n, oldRoleSpec.Threshold)
		}
		if untrusted.Signed.Version < old.Signed.Version {
			return zero, verrf(KindRollback, roleRoot, nil, "cached version %d, new version %d", old.Signed.Version, untrusted.Signed.Version)
		}
	}

	// Expiry is checked for every root, including one freshly fetched
	// during recovery: callers in the middle of root recovery tolerate an
	// expired *cached* root, but a freshly fetched one that is itself
	// expired is rejected. The error kind is KindExpired in every case;
	// no separate kind marks an expired root fetched during recovery.
	if !untrusted.Signed.Expires.After(now) {
		return zero, verrf(KindExpired, roleRoot, nil, "root expired at %s", untrusted.Signed.Expires)
	}

	return trust(untrusted), nil
}

// verifyTimestamp enforces spec.md 4.3: threshold per the trusted root's
// timestamp role, type, expiry, and version monotonicity against the
// cached version (if any).
func verifyTimestamp(untrusted *Timestamp, trustedRoot Trusted[*Root], now time.Time, cachedVersion *int) (Trusted[*Timestamp], error) {
	var zero Trusted[*Timestamp]
	root := trustedRoot.Value()

	if untrusted.Signed.Type != string(roleTimestamp) {
		return zero, verrf(KindInvalidType, roleTimestamp, nil, "expected type %q, got %q", roleTimestamp, untrusted.Signed.Type)
	}
	roleSpec, ok := root.Signed.Roles[roleTimestamp]
	if !ok {
		return zero, verrf(KindInvalidType, roleTimestamp, nil, "trusted root has no timestamp role spec")
	}
	signedBytes, err := untrusted.signedBytes()
	if err != nil {
		return zero, verrf(KindParseError, roleTimestamp, err, "encoding signed timestamp for verification")
	}
	if n := countValidSignatures(signedBytes, untrusted.Signatures, root.Signed.Keys, roleSpec); n < roleSpec.Threshold {
		return zero, verrf(KindSignatureMismatch, roleTimestamp, nil, "only %d of required %d signatures valid", n, roleSpec.Threshold)
	}
	if !untrusted.Signed.Expires.After(now) {
		return zero, verrf(KindExpired, roleTimestamp, nil, "expired at %s", untrusted.Signed.Expires)
	}
	if cachedVersion != nil && untrusted.Signed.Version < *cachedVersion {
		return zero, verrf(KindRollback, roleTimestamp, nil, "cached version %d, new version %d", *cachedVersion, untrusted.Signed.Version)
	}
	return trust(untrusted), nil
}

// verifySnapshot enforces spec.md 4.3: threshold per the trusted root's
// snapshot role, type, expiry, version monotonicity, and consistency
// against the snapshot file-info named by the already-trusted timestamp.
func verifySnapshot(untrusted *Snapshot, trustedRoot Trusted[*Root], snapshotFileInfo FileIntegrityMeta, snapshotBytes []byte, now time.Time, cachedVersion *int) (Trusted[*Snapshot], error) {
	var zero Trusted[*Snapshot]
	root := trustedRoot.Value()

	if err := snapshotFileInfo.verify(bytes.NewReader(snapshotBytes)); err != nil {
		return zero, wrapConsistency(err, roleSnapshot)
	}

	if untrusted.Signed.Type != string(roleSnapshot) {
		return zero, verrf(KindInvalidType, roleSnapshot, nil, "expected type %q, got %q", roleSnapshot, untrusted.Signed.Type)
	}
	roleSpec, ok := root.Signed.Roles[roleSnapshot]
	if !ok {
		return zero, verrf(KindInvalidType, roleSnapshot, nil, "trusted root has no snapshot role spec")
	}
	signedBytes, err := untrusted.signedBytes()
	if err != nil {
		return zero, verrf(KindParseError, roleSnapshot, err, "encoding signed snapshot for verification")
	}
	if n := countValidSignatures(signedBytes, untrusted.Signatures, root.Signed.Keys, roleSpec); n < roleSpec.Threshold {
		return zero, verrf(KindSignatureMismatch, roleSnapshot, nil, "only %d of required %d signatures valid", n, roleSpec.Threshold)
	}
	if !untrusted.Signed.Expires.After(now) {
		return zero, verrf(KindExpired, roleSnapshot, nil, "expired at %s", untrusted.Signed.Expires)
	}
	if cachedVersion != nil && untrusted.Signed.Version < *cachedVersion {
		return zero, verrf(KindRollback, roleSnapshot, nil, "cached version %d, new version %d", *cachedVersion, untrusted.Signed.Version)
	}
	return trust(untrusted), nil
}

// verifyTargets enforces spec.md 4.3: threshold per the trusted root's
// targets role (or, for a delegated document, per the delegating role's
// keyids/threshold — callers supply the right Role via roleSpec), type,
// expiry, and consistency against the file-info the snapshot (or a
// delegating targets document) bound to this file.
func verifyTargets(untrusted *Targets, keyring map[keyID]Key, roleSpec Role, fileInfo FileIntegrityMeta, rawBytes []byte, now time.Time) (Trusted[*Targets], error) {
	var zero Trusted[*Targets]

	if err := fileInfo.verify(bytes.NewReader(rawBytes)); err != nil {
		return zero, wrapConsistency(err, roleTargets)
	}
	if untrusted.Signed.Type != string(roleTargets) {
		return zero, verrf(KindInvalidType, roleTargets, nil, "expected type %q, got %q", roleTargets, untrusted.Signed.Type)
	}
	signedBytes, err := untrusted.signedBytes()
	if err != nil {
		return zero, verrf(KindParseError, roleTargets, err, "encoding signed targets for verification")
	}
	if n := countValidSignatures(signedBytes, untrusted.Signatures, keyring, roleSpec); n < roleSpec.Threshold {
		return zero, verrf(KindSignatureMismatch, roleTargets, nil, "only %d of required %d signatures valid", n, roleSpec.Threshold)
	}
	if !untrusted.Signed.Expires.After(now) {
		return zero, verrf(KindExpired, roleTargets, nil, "expired at %s", untrusted.Signed.Expires)
	}
	return trust(untrusted), nil
}

func wrapConsistency(err error, r role) error {
	if errors.Is(err, errLengthIncorrect) {
		return verrf(KindLengthMismatch, r, err, "downloaded bytes do not match bound file-info length")
	}
	return verrf(KindHashMismatch, r, err, "downloaded bytes do not match bound file-info hash")
}
