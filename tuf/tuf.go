// Package tuf implements the secure repository client core of a
// package-distribution system modeled on The Update Framework: ordered
// download, verification and caching of the root, timestamp, snapshot and
// targets/index metadata roles, and resilient recovery from verification
// failures via root re-fetch and retry.
package tuf

import (
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
)

// Settings configures a client's trust root, cache location and transport
// parameters.
type Settings struct {
	// LocalRepoPath is the directory used to cache TUF roles and the
	// package index. It must already exist and be seeded with an
	// initial root.json before the first refresh.
	LocalRepoPath string
	// RemoteRepoBaseURL is the base URL of the mirror serving
	// root/timestamp/snapshot/index metadata.
	RemoteRepoBaseURL string
	// MaxRootSize bounds a root.json download when no better length is
	// known (recovery path). Defaults to 1 MiB per spec.md 4.6.
	MaxRootSize int64
	// MaxTimestampSize bounds a timestamp.json download, which carries
	// no caller-known length. Defaults to 16 KiB.
	MaxTimestampSize int64
	// RootHopBound limits how many times a single refresh cycle may
	// install a new root before giving up with RootUpdateLoop. Defaults
	// to 2 per spec.md 4.6.
	RootHopBound int
	// Clock supplies "now" for expiry checks; defaults to the real
	// wall clock. Tests substitute a fake clock to exercise expiry
	// deterministically.
	Clock clock.Clock
}

const (
	defaultMaxRootSize      = 1 << 20 // 1 MiB, spec.md 4.6 recovery ceiling
	defaultMaxTimestampSize = 16 << 10
	defaultRootHopBound     = 2
)

func (s *Settings) withDefaults() Settings {
	out := *s
	if out.MaxRootSize == 0 {
		out.MaxRootSize = defaultMaxRootSize
	}
	if out.MaxTimestampSize == 0 {
		out.MaxTimestampSize = defaultMaxTimestampSize
	}
	if out.RootHopBound == 0 {
		out.RootHopBound = defaultRootHopBound
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

func (s *Settings) verify() error {
	if s.LocalRepoPath == "" {
		return errors.New("LocalRepoPath is required")
	}
	return nil
}

func nowFrom(c clock.Clock) time.Time {
	return c.Now().UTC()
}
