package tuf

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

// FileIntegrityMeta binds a file's identity to its length and one or more
// hash digests, so that downloaded bytes can be checked against a claim
// made by a higher role (spec.md 3, "File-info").
type FileIntegrityMeta struct {
	Hashes map[hashingMethod]string `json:"hashes"`
	Length int64                    `json:"length"`
}

func newFileIntegrityMeta() *FileIntegrityMeta {
	return &FileIntegrityMeta{Hashes: make(map[hashingMethod]string)}
}

func (fim FileIntegrityMeta) clone() *FileIntegrityMeta {
	h := make(map[hashingMethod]string, len(fim.Hashes))
	for k, v := range fim.Hashes {
		h[k] = v
	}
	return &FileIntegrityMeta{h, fim.Length}
}

// Equal is a deep comparison of two FileIntegrityMeta values, used by the
// engine to decide whether a cached index is already current (spec.md
// 4.6 step 6).
func (fim FileIntegrityMeta) Equal(other FileIntegrityMeta) bool {
	if fim.Length != other.Length {
		return false
	}
	if len(fim.Hashes) != len(other.Hashes) {
		return false
	}
	for algo, digest := range fim.Hashes {
		o, ok := other.Hashes[algo]
		if !ok || o != digest {
			return false
		}
	}
	return true
}

type hashInfo struct {
	h     hash.Hash
	valid []byte
}

func getHasher(algoType hashingMethod) (hash.Hash, error) {
	switch algoType {
	case hashSHA256:
		return sha256.New(), nil
	case hashSHA512:
		return sha512.New(), nil
	default:
		// Unknown algorithms are ignored, not themselves an error
		// (spec.md 7, UnknownHashAlgorithm): the caller treats a
		// getHasher failure as "no valid hash from this entry" and
		// keeps looking at the others.
		return nil, errUnsupportedHash
	}
}

// verify implements file hash and length validation: every recognized
// algorithm in the claim must match, and the byte count read must equal
// the claimed length exactly. rdr should already be wrapped by the caller
// with a length-bounded reader so that an oversized stream is rejected
// before it is fully consumed (endless-data defense, spec.md 4.2/7).
func (fim FileIntegrityMeta) verify(rdr io.Reader) error {
	if len(fim.Hashes) == 0 {
		return errors.New("file-info has no recognized hash algorithm")
	}
	var hashes []hashInfo
	for algo, expectedHash := range fim.Hashes {
		hashFunc, err := getHasher(algo)
		if err != nil {
			continue
		}
		valid, err := hex.DecodeString(expectedHash)
		if err != nil {
			return errors.Wrap(err, "decoding expected hash in file-info")
		}
		rdr = io.TeeReader(rdr, hashFunc)
		hashes = append(hashes, hashInfo{hashFunc, valid})
	}
	if len(hashes) == 0 {
		return errors.New("file-info has no supported hash algorithm")
	}
	length, err := io.Copy(ioutil.Discard, rdr)
	if err != nil {
		return errors.Wrap(err, "reading stream during file-info verification")
	}
	if length != fim.Length {
		return errLengthIncorrect
	}
	for _, h := range hashes {
		if subtle.ConstantTimeCompare(h.valid, h.h.Sum(nil)) != 1 {
			return errHashIncorrect
		}
	}
	return nil
}

var errUnsupportedHash = errors.New("unsupported hash algorithm")
var errLengthIncorrect = errors.New("file length does not match file-info")
var errHashIncorrect = errors.New("file hash does not match file-info")
