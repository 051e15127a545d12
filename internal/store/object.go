package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bifrost-router/tuning/internal/artifact"
)

// ObjectStore abstracts S3/GCS operations. The production binding wraps a
// cloud SDK client; tests use MockObjectStore.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, opts *PutOptions) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// PutOptions configures object writes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Object persists artifact tars in an object-store bucket under a key
// prefix.
type Object struct {
	store  ObjectStore
	bucket string
	prefix string
}

// NewObject wires an ObjectStore binding into the Store contract.
func NewObject(store ObjectStore, bucket, prefix string) (*Object, error) {
	if store == nil {
		return nil, fmt.Errorf("object store: nil binding")
	}
	if bucket == "" {
		return nil, fmt.Errorf("object store: empty bucket")
	}
	return &Object{store: store, bucket: bucket, prefix: prefix}, nil
}

func (o *Object) key(version string) string {
	return o.prefix + artifact.ArchiveName(version)
}

// Put uploads the archive as a single tar object.
func (o *Object) Put(ctx context.Context, a *artifact.Archive) error {
	if err := a.Manifest.Validate(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := a.WriteTar(&buf); err != nil {
		return err
	}

	opts := &PutOptions{
		ContentType: "application/x-tar",
		Metadata: map[string]string{
			"artifact_version": a.Manifest.Version,
			"n_samples":        fmt.Sprintf("%d", a.Manifest.Training.NSamples),
		},
	}
	if err := o.store.Put(ctx, o.bucket, o.key(a.Manifest.Version), buf.Bytes(), opts); err != nil {
		return fmt.Errorf("object store: put %s: %w", a.Manifest.Version, err)
	}
	return nil
}

// Get downloads and parses one version.
func (o *Object) Get(ctx context.Context, version string) (*artifact.Archive, error) {
	ok, err := o.store.Exists(ctx, o.bucket, o.key(version))
	if err != nil {
		return nil, fmt.Errorf("object store: stat %s: %w", version, err)
	}
	if !ok {
		return nil, fmt.Errorf("object store: version %s: %w", version, ErrNotFound)
	}

	data, err := o.store.Get(ctx, o.bucket, o.key(version))
	if err != nil {
		return nil, fmt.Errorf("object store: get %s: %w", version, err)
	}
	return artifact.ReadArchive(bytes.NewReader(data))
}

// Exists reports whether the version's object is present.
func (o *Object) Exists(ctx context.Context, version string) (bool, error) {
	return o.store.Exists(ctx, o.bucket, o.key(version))
}

// List returns persisted versions, newest first.
func (o *Object) List(ctx context.Context) ([]string, error) {
	keys, err := o.store.List(ctx, o.bucket, o.prefix)
	if err != nil {
		return nil, fmt.Errorf("object store: list: %w", err)
	}

	var versions []string
	for _, k := range keys {
		name := strings.TrimPrefix(k, o.prefix)
		if !strings.HasPrefix(name, "avengers_artifact_") || !strings.HasSuffix(name, ".tar") {
			continue
		}
		v := strings.TrimSuffix(strings.TrimPrefix(name, "avengers_artifact_"), ".tar")
		if _, err := artifact.ParseVersion(v); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sortVersionsDesc(versions)
	return versions, nil
}

// Latest downloads the newest version.
func (o *Object) Latest(ctx context.Context) (*artifact.Archive, error) {
	versions, err := o.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return o.Get(ctx, versions[0])
}

// Retire deletes all but the newest keep versions.
func (o *Object) Retire(ctx context.Context, keep int) ([]string, error) {
	versions, err := o.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, v := range retired(versions, keep) {
		if err := o.store.Delete(ctx, o.bucket, o.key(v)); err != nil {
			return removed, fmt.Errorf("object store: retire %s: %w", v, err)
		}
		removed = append(removed, v)
	}
	return removed, nil
}

// --- Mock ObjectStore for testing ---

// MockObjectStore implements ObjectStore in memory with per-operation error
// injection.
type MockObjectStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	errors map[string]error
}

func NewMockObjectStore() *MockObjectStore {
	return &MockObjectStore{
		data:   make(map[string][]byte),
		errors: make(map[string]error),
	}
}

func (m *MockObjectStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.errors["Get"]; ok {
		return nil, err
	}
	data, ok := m.data[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, nil
}

func (m *MockObjectStore) Put(_ context.Context, bucket, key string, data []byte, _ *PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.errors["Put"]; ok {
		return err
	}
	m.data[bucket+"/"+key] = data
	return nil
}

func (m *MockObjectStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.errors["Delete"]; ok {
		return err
	}
	delete(m.data, bucket+"/"+key)
	return nil
}

func (m *MockObjectStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.errors["Exists"]; ok {
		return false, err
	}
	_, ok := m.data[bucket+"/"+key]
	return ok, nil
}

func (m *MockObjectStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.errors["List"]; ok {
		return nil, err
	}
	var keys []string
	for full := range m.data {
		if !strings.HasPrefix(full, bucket+"/") {
			continue
		}
		key := strings.TrimPrefix(full, bucket+"/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MockObjectStore) InjectError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[operation] = err
}

func (m *MockObjectStore) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = make(map[string]error)
}
