package store

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/bifrost-router/tuning/internal/artifact"
)

// Fallback fronts a remote Store with a local one. Writes go to both so the
// local copy stays a warm standby; reads prefer the remote and degrade to
// local when the remote fails. ErrNotFound from the remote is authoritative
// for Get/Exists, not a degradation.
type Fallback struct {
	remote Store
	local  Store

	// OnFallback, when set, is called with the operation name each time the
	// remote fails and the local store answers instead.
	OnFallback func(op string)
}

// NewFallback wires the two backends together.
func NewFallback(remote, local Store) *Fallback {
	return &Fallback{remote: remote, local: local}
}

func (f *Fallback) degrade(op string, err error) {
	logrus.WithError(err).WithField("op", op).Warn("remote artifact store failed, using local fallback")
	if f.OnFallback != nil {
		f.OnFallback(op)
	}
}

// Put writes locally first, then remotely. A remote failure degrades rather
// than failing the publish: the artifact is durable locally and a later sync
// can reconcile.
func (f *Fallback) Put(ctx context.Context, a *artifact.Archive) error {
	if err := f.local.Put(ctx, a); err != nil {
		return err
	}
	if err := f.remote.Put(ctx, a); err != nil {
		f.degrade("put", err)
	}
	return nil
}

// Get prefers the remote copy.
func (f *Fallback) Get(ctx context.Context, version string) (*artifact.Archive, error) {
	a, err := f.remote.Get(ctx, version)
	if err == nil || errors.Is(err, ErrNotFound) {
		return a, err
	}
	f.degrade("get", err)
	return f.local.Get(ctx, version)
}

// Exists prefers the remote listing.
func (f *Fallback) Exists(ctx context.Context, version string) (bool, error) {
	ok, err := f.remote.Exists(ctx, version)
	if err == nil {
		return ok, nil
	}
	f.degrade("exists", err)
	return f.local.Exists(ctx, version)
}

// List prefers the remote listing.
func (f *Fallback) List(ctx context.Context) ([]string, error) {
	versions, err := f.remote.List(ctx)
	if err == nil {
		return versions, nil
	}
	f.degrade("list", err)
	return f.local.List(ctx)
}

// Latest prefers the remote copy.
func (f *Fallback) Latest(ctx context.Context) (*artifact.Archive, error) {
	a, err := f.remote.Latest(ctx)
	if err == nil || errors.Is(err, ErrNotFound) {
		return a, err
	}
	f.degrade("latest", err)
	return f.local.Latest(ctx)
}

// Retire applies retention to both backends. The local pass runs even when
// the remote fails, so a flaky remote cannot grow the local disk unbounded.
func (f *Fallback) Retire(ctx context.Context, keep int) ([]string, error) {
	removed, remoteErr := f.remote.Retire(ctx, keep)
	if remoteErr != nil {
		f.degrade("retire", remoteErr)
	}
	localRemoved, err := f.local.Retire(ctx, keep)
	if err != nil {
		return removed, err
	}
	// Report the union of removed versions without duplicates.
	seen := make(map[string]bool, len(removed))
	for _, v := range removed {
		seen[v] = true
	}
	for _, v := range localRemoved {
		if !seen[v] {
			removed = append(removed, v)
		}
	}
	return removed, nil
}
