package tuf

import (
	"encoding/base64"
	"time"

	cjson "github.com/docker/go/canonical/json"
)

type keyID string
type hashingMethod string
type role string
type signingMethod string

const (
	// methodED25519 is the mandatory signing method; additional schemes
	// may be plugged in behind the same signing-method switch in
	// keys.go's newVerifier.
	methodED25519 signingMethod = "ed25519"

	// Roles.
	roleRoot      role = "root"
	roleSnapshot  role = "snapshot"
	roleTargets   role = "targets"
	roleTimestamp role = "timestamp"
	// roleIndex is the snapshot's meta key for the package index's
	// file-info; it is not a signed role of its own (the index carries
	// no signature, only a length+hash binding from snapshot).
	roleIndex role = "index"

	keyTypeED25519 = "ed25519"

	hashSHA256 hashingMethod = "sha256"
	hashSHA512 hashingMethod = "sha512"
)

type base64decoder interface {
	base64Decoded() ([]byte, error)
}

type signed interface {
	sigs() []Signature
	signedBytes() ([]byte, error)
}

// Root is the root role. It names which keys are authorized for every
// top-level role, including the root role itself.
type Root struct {
	Signed     SignedRoot  `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

func (r *Root) keys() map[keyID]Key { return r.Signed.Keys }
func (r *Root) sigs() []Signature   { return r.Signatures }
func (r *Root) signedBytes() ([]byte, error) {
	return cjson.MarshalCanonical(r.Signed)
}

// SignedRoot is the signed portion of the root role.
type SignedRoot struct {
	Type    string        `json:"_type"`
	Expires time.Time     `json:"expires"`
	Keys    map[keyID]Key `json:"keys"`
	Roles   map[role]Role `json:"roles"`
	Version int           `json:"version"`
}

// Timestamp indicates the latest file-info for the snapshot role. It is
// re-signed frequently to bound how long a client can be kept unaware of
// repository changes (freeze-attack defense).
type Timestamp struct {
	Signed     SignedTimestamp `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

func (t *Timestamp) sigs() []Signature { return t.Signatures }
func (t *Timestamp) signedBytes() ([]byte, error) {
	return cjson.MarshalCanonical(t.Signed)
}

// SignedTimestamp is the signed portion of the timestamp role.
type SignedTimestamp struct {
	Type    string                     `json:"_type"`
	Expires time.Time                  `json:"expires"`
	Version int                        `json:"version"`
	Meta    map[role]FileIntegrityMeta `json:"meta"`
}

// Snapshot records the file-info of root.json and of the package index,
// plus the root version it was produced against.
type Snapshot struct {
	Signed     SignedSnapshot `json:"signed"`
	Signatures []Signature    `json:"signatures"`
}

func (s *Snapshot) sigs() []Signature { return s.Signatures }
func (s *Snapshot) signedBytes() ([]byte, error) {
	return cjson.MarshalCanonical(s.Signed)
}

// SignedSnapshot is the signed portion of the snapshot role.
type SignedSnapshot struct {
	Type    string                     `json:"_type"`
	Expires time.Time                  `json:"expires"`
	Version int                        `json:"version"`
	Meta    map[role]FileIntegrityMeta `json:"meta"`
	// RootVersion names the version of root.json this snapshot was
	// produced against. File-info alone (length + hashes) cannot carry
	// a version number, but spec.md 4.6 step 5 compares root versions
	// directly ("trusted_snapshot.root_version > trusted_root.version")
	// to decide whether a root hop is needed, so it is tracked as its
	// own field rather than folded into Meta["root"].
	RootVersion int `json:"root_version"`
}

// Targets maps logical target paths to file-info, optionally delegating
// part of the namespace to other signed targets documents.
type Targets struct {
	Signed       SignedTarget `json:"signed"`
	Signatures   []Signature  `json:"signatures"`
	delegateRole string
}

func (t *Targets) sigs() []Signature { return t.Signatures }
func (t *Targets) signedBytes() ([]byte, error) {
	return cjson.MarshalCanonical(t.Signed)
}

// SignedTarget is the signed portion of a targets document.
type SignedTarget struct {
	Type        string      `json:"_type"`
	Delegations Delegations `json:"delegations"`
	Expires     time.Time   `json:"expires"`
	Targets     fimMap      `json:"targets"`
	Version     int         `json:"version"`
}

type fimMap map[string]FileIntegrityMeta

func (fm fimMap) clone() fimMap {
	newMap := make(fimMap, len(fm))
	for k, fi := range fm {
		newMap[k] = *fi.clone()
	}
	return newMap
}

// RootTarget is the top-level targets document plus bookkeeping for every
// delegated targets document reachable from it. See readPackageTargets and
// walkDelegation in cache.go for how it is populated.
type RootTarget struct {
	*Targets
	targetLookup map[string]*Targets
	// paths holds every target path discovered so far. When two
	// delegates claim the same path, the highest-precedence (first
	// visited, preorder) one wins.
	paths            fimMap
	targetPrecedence []*Targets
}

func (rt *RootTarget) append(roleName string, targ *Targets) {
	targ.delegateRole = roleName
	rt.targetLookup[roleName] = targ
	rt.targetPrecedence = append(rt.targetPrecedence, targ)
	for targetName, fi := range targ.Signed.Targets {
		if _, ok := rt.paths[targetName]; !ok {
			rt.paths[targetName] = fi
		}
	}
}

// Lookup returns file-info bound to a target path, searching across the
// top-level and all delegated targets documents visited so far.
func (rt *RootTarget) Lookup(targetPath string) (FileIntegrityMeta, bool) {
	fi, ok := rt.paths[targetPath]
	return fi, ok
}

// Signature carries one signing key's assertion over a role's signed
// bytes.
type Signature struct {
	KeyID         keyID         `json:"keyid"`
	SigningMethod signingMethod `json:"method"`
	Value         string        `json:"sig"`
}

func (sig *Signature) base64Decoded() ([]byte, error) {
	return base64.StdEncoding.DecodeString(sig.Value)
}

// Delegations names the keys and roles a targets document has delegated
// part of its namespace to.
type Delegations struct {
	Keys  map[keyID]Key    `json:"keys"`
	Roles []DelegationRole `json:"roles"`
}

// Role binds a set of authorized key-ids and a signature threshold to a
// role name.
type Role struct {
	KeyIDs    []keyID `json:"keyids"`
	Threshold int     `json:"threshold"`
}

// DelegationRole is a Role plus the delegated role's name and the target
// path prefixes it is allowed to claim.
type DelegationRole struct {
	Role
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}

// Key is a public signing key together with its algorithm tag.
type Key struct {
	KeyType string `json:"keytype"`
	KeyVal  KeyVal `json:"keyval"`
}

func (k *Key) base64Decoded() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.KeyVal.Public)
}

// KeyVal holds key material. The client only ever reads Public; Private is
// present in the wire format because root-signing tools reuse the same
// struct, but the client never populates or trusts it.
type KeyVal struct {
	Private *string `json:"private,omitempty"`
	Public  string  `json:"public"`
}
