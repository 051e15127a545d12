// Package store persists versioned policy artifacts. The primary backend is
// object storage; a local filesystem backend doubles as the development
// default and the degraded-mode fallback when the remote is unreachable.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/bifrost-router/tuning/internal/artifact"
)

// ErrNotFound is returned when no artifact exists for the requested version,
// or when Latest is called on an empty store.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact persistence contract. Versions are the artifact
// timestamps; ordering is lexicographic, which for the version layout equals
// chronological.
type Store interface {
	// Put persists a built archive under its manifest version.
	Put(ctx context.Context, a *artifact.Archive) error
	// Get retrieves one version.
	Get(ctx context.Context, version string) (*artifact.Archive, error)
	// Exists reports whether a version is already persisted.
	Exists(ctx context.Context, version string) (bool, error)
	// List returns all persisted versions, newest first.
	List(ctx context.Context) ([]string, error)
	// Latest retrieves the newest version.
	Latest(ctx context.Context) (*artifact.Archive, error)
	// Retire deletes all but the newest keep versions and returns the
	// versions it removed. Never touches the newest artifact.
	Retire(ctx context.Context, keep int) ([]string, error)
}

// sortVersionsDesc orders versions newest first.
func sortVersionsDesc(versions []string) {
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
}

// retired returns the versions Retire should delete from a newest-first list.
func retired(versionsDesc []string, keep int) []string {
	if keep < 1 {
		keep = 1
	}
	if len(versionsDesc) <= keep {
		return nil
	}
	return versionsDesc[keep:]
}
