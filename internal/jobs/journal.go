package jobs

import (
	"context"
	"sync"

	"github.com/bifrost-router/tuning/internal/config"
)

// Journal persists job snapshots across restarts. It is a write-through
// mirror of the registry, never the source of truth for a live process:
// reads happen only at startup.
type Journal interface {
	// Record upserts the latest snapshot of a job.
	Record(ctx context.Context, snap *Snapshot) error
	// Load returns the last recorded snapshot of every known job.
	Load(ctx context.Context) ([]*Snapshot, error)
	// Close releases backend resources.
	Close() error
}

// NewJournal builds the configured journal backend.
func NewJournal(cfg config.JobsConfig) (Journal, error) {
	switch cfg.JournalBackend {
	case "redis":
		return NewRedisJournal(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return NewPostgresJournal(cfg.PostgresConn)
	default:
		return NewMemoryJournal(), nil
	}
}

// MemoryJournal keeps snapshots in process memory. The development default;
// restart visibility obviously does not survive the process.
type MemoryJournal struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryJournal) Record(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = copySnap(snap)
	return nil
}

func (m *MemoryJournal) Load(_ context.Context) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, copySnap(s))
	}
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
