package tuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIntegrityMetaVerifyAccepts(t *testing.T) {
	data := []byte("hello world")
	fi := fileInfoFor(data)
	require.NoError(t, fi.verify(bytes.NewReader(data)))
}

func TestFileIntegrityMetaVerifyRejectsLengthMismatch(t *testing.T) {
	fi := fileInfoFor([]byte("hello world"))
	err := fi.verify(bytes.NewReader([]byte("hello")))
	assert.ErrorIs(t, err, errLengthIncorrect)
}

func TestFileIntegrityMetaVerifyRejectsHashMismatch(t *testing.T) {
	fi := fileInfoFor([]byte("hello world"))
	tampered := []byte("HELLO WORLD")
	err := fi.verify(bytes.NewReader(tampered))
	// same length, different bytes: hash must be what catches this
	assert.ErrorIs(t, err, errHashIncorrect)
}

func TestFileIntegrityMetaVerifyRequiresAtLeastOneHash(t *testing.T) {
	fi := FileIntegrityMeta{Length: 5}
	err := fi.verify(bytes.NewReader([]byte("hello")))
	assert.Error(t, err)
}

func TestFileIntegrityMetaEqual(t *testing.T) {
	a := fileInfoFor([]byte("a"))
	b := fileInfoFor([]byte("a"))
	c := fileInfoFor([]byte("b"))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestFileIntegrityMetaVerifyIgnoresUnknownHashAlgorithm(t *testing.T) {
	data := []byte("hello world")
	fi := fileInfoFor(data)
	fi.Hashes["md5"] = "deadbeef"
	require.NoError(t, fi.verify(bytes.NewReader(data)))
}
