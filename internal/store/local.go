package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bifrost-router/tuning/internal/artifact"
)

// Local stores artifacts as tar files in a directory. It is the development
// default and the fallback target of the object-store backend.
type Local struct {
	dir string
}

// NewLocal creates the directory if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("local store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

// Dir returns the backing directory.
func (l *Local) Dir() string { return l.dir }

func (l *Local) path(version string) string {
	return filepath.Join(l.dir, artifact.ArchiveName(version))
}

// Put builds the tar atomically into the store directory.
func (l *Local) Put(_ context.Context, a *artifact.Archive) error {
	_, err := a.Build(l.dir)
	return err
}

// Get reads one version from disk.
func (l *Local) Get(_ context.Context, version string) (*artifact.Archive, error) {
	a, err := artifact.ReadFile(l.path(version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("local store: version %s: %w", version, ErrNotFound)
	}
	return a, err
}

// Exists reports whether the version's tar is on disk.
func (l *Local) Exists(_ context.Context, version string) (bool, error) {
	_, err := os.Stat(l.path(version))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List scans the directory for artifact tars, newest first.
func (l *Local) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("local store: list: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "avengers_artifact_") || !strings.HasSuffix(name, ".tar") {
			continue
		}
		v := strings.TrimSuffix(strings.TrimPrefix(name, "avengers_artifact_"), ".tar")
		if _, err := artifact.ParseVersion(v); err != nil {
			continue // stray file, not ours
		}
		versions = append(versions, v)
	}
	sortVersionsDesc(versions)
	return versions, nil
}

// Latest returns the newest artifact on disk.
func (l *Local) Latest(ctx context.Context) (*artifact.Archive, error) {
	versions, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return l.Get(ctx, versions[0])
}

// Retire deletes all but the newest keep versions.
func (l *Local) Retire(ctx context.Context, keep int) ([]string, error) {
	versions, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, v := range retired(versions, keep) {
		if err := os.Remove(l.path(v)); err != nil {
			return removed, fmt.Errorf("local store: retire %s: %w", v, err)
		}
		removed = append(removed, v)
	}
	if len(removed) > 0 {
		logrus.WithField("removed", len(removed)).Info("retired local artifacts")
	}
	return removed, nil
}
