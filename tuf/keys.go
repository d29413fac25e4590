package tuf

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

var errInvalidKeyType = errors.New("invalid key type")
var errSignatureCheckFailed = errors.New("signature check failed")

// verifier checks one signature against one key's public material. Ed25519
// is the only verifier this client ships (spec.md 4.2, "Ed25519 is the
// required scheme"); additional schemes plug in behind the same
// interface, selected by Signature.SigningMethod.
type verifier interface {
	verify(signed []byte, key *Key, sig *Signature) error
}

func newVerifier(method signingMethod) (verifier, error) {
	switch method {
	case methodED25519:
		return signingMethodED25519{}, nil
	default:
		return nil, errors.Errorf("signing method %q is not supported", method)
	}
}

type signingMethodED25519 struct{}

func (signingMethodED25519) verify(signed []byte, key *Key, sig *Signature) error {
	if key.KeyType != keyTypeED25519 {
		return errInvalidKeyType
	}
	pub, err := key.base64Decoded()
	if err != nil {
		return errors.Wrap(err, "decoding ed25519 public key")
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("ed25519 public key has wrong length")
	}
	sigBytes, err := sig.base64Decoded()
	if err != nil {
		return errors.Wrap(err, "decoding ed25519 signature")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return errors.New("ed25519 signature has wrong length")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), signed, sigBytes) {
		return errSignatureCheckFailed
	}
	return nil
}

// computeKeyID computes the stable identifier of a public key: SHA-256 of the
// canonical encoding of {keytype, keyval: {public}}, hex-lowercase
// (spec.md 4.2).
func computeKeyID(k Key) (keyID, error) {
	canon := struct {
		KeyType string `json:"keytype"`
		KeyVal  struct {
			Public string `json:"public"`
		} `json:"keyval"`
	}{KeyType: k.KeyType}
	canon.KeyVal.Public = k.KeyVal.Public

	encoded, err := cjson.MarshalCanonical(canon)
	if err != nil {
		return "", errors.Wrap(err, "encoding key for key-id computation")
	}
	sum := sha256.Sum256(encoded)
	return keyID(hex.EncodeToString(sum[:])), nil
}

// countValidSignatures returns how many distinct authorized keys (per
// roleSpec.KeyIDs) produced a valid signature over signed's canonical
// bytes, out of the keys available in keyring. Unknown key algorithms
// downgrade to "no valid signature from this entry" rather than an error
// (spec.md 7, UnknownKeyAlgorithm).
func countValidSignatures(signedBytes []byte, sigs []Signature, keyring map[keyID]Key, roleSpec Role) int {
	authorized := make(map[keyID]bool, len(roleSpec.KeyIDs))
	for _, id := range roleSpec.KeyIDs {
		authorized[id] = true
	}

	counted := make(map[keyID]bool)
	valid := 0
	for _, sig := range sigs {
		if !authorized[sig.KeyID] || counted[sig.KeyID] {
			continue
		}
		key, ok := keyring[sig.KeyID]
		if !ok {
			continue
		}
		v, err := newVerifier(sig.SigningMethod)
		if err != nil {
			continue
		}
		sigCopy := sig
		if err := v.verify(signedBytes, &key, &sigCopy); err != nil {
			continue
		}
		counted[sig.KeyID] = true
		valid++
	}
	return valid
}
