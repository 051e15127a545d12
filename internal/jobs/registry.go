package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry is the authoritative in-memory record of every job this process
// has seen. Mutations are written through to the journal best-effort; a
// journal outage degrades restart visibility, never a live job.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*trackedJob
	journal Journal
}

// trackedJob pairs the snapshot with the cancellation handle.
type trackedJob struct {
	snap   Snapshot
	cancel context.CancelFunc
}

// NewRegistry creates a registry backed by the given journal. Jobs journaled
// as running by a previous process are restored as failed: the work died
// with the process.
func NewRegistry(journal Journal) *Registry {
	r := &Registry{
		jobs:    make(map[string]*trackedJob),
		journal: journal,
	}

	restored, err := journal.Load(context.Background())
	if err != nil {
		logrus.WithError(err).Warn("job journal unreadable, starting with empty history")
		return r
	}
	for _, snap := range restored {
		s := *snap
		if !s.State.Terminal() {
			s.State = StateFailed
			s.Error = "interrupted by service restart"
			now := time.Now().UTC()
			s.FinishedAt = &now
			r.record(&s)
		}
		r.jobs[s.ID] = &trackedJob{snap: s}
	}
	if len(restored) > 0 {
		logrus.WithField("jobs", len(restored)).Info("restored job history from journal")
	}
	return r
}

// Create registers a new pending job.
func (r *Registry) Create(req Request) (*Snapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	snap := Snapshot{
		ID:        uuid.NewString(),
		Request:   req,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.jobs[snap.ID] = &trackedJob{snap: snap}
	r.mu.Unlock()

	r.record(&snap)
	return copySnap(&snap), nil
}

// Get returns one job's snapshot.
func (r *Registry) Get(id string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copySnap(&j.snap), nil
}

// List returns all jobs, newest first.
func (r *Registry) List() []*Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Snapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, copySnap(&j.snap))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Cancel requests cancellation. Pending jobs are cancelled immediately;
// running jobs get their context cancelled and finish cooperatively at the
// next stage boundary. Terminal jobs return ErrJobTerminal.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrJobNotFound
	}
	if j.snap.State.Terminal() {
		r.mu.Unlock()
		return ErrJobTerminal
	}

	if j.snap.State == StatePending && j.cancel == nil {
		now := time.Now().UTC()
		j.snap.State = StateCancelled
		j.snap.FinishedAt = &now
		snap := j.snap
		r.mu.Unlock()
		r.record(&snap)
		return nil
	}

	cancel := j.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// attach stores the cancellation handle for a job entering execution.
func (r *Registry) attach(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.cancel = cancel
	}
}

// markRunning transitions pending to running. Returns false if the job was
// cancelled while queued.
func (r *Registry) markRunning(id string) bool {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.snap.State != StatePending {
		r.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	j.snap.State = StateRunning
	j.snap.StartedAt = &now
	snap := j.snap
	r.mu.Unlock()

	r.record(&snap)
	return true
}

// setProgress advances the progress checkpoint. Progress is monotone:
// a lower value than the current one is ignored.
func (r *Registry) setProgress(id, stage string, progress int) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.snap.State.Terminal() {
		r.mu.Unlock()
		return
	}
	if progress < j.snap.Progress {
		r.mu.Unlock()
		return
	}
	j.snap.Stage = stage
	j.snap.Progress = progress
	snap := j.snap
	r.mu.Unlock()

	r.record(&snap)
}

// finish moves a job to a terminal state. Later finish calls are no-ops:
// the first terminal state wins.
func (r *Registry) finish(id string, state State, errMsg string, result *ResultSummary) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.snap.State.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.snap.State = state
	j.snap.Error = errMsg
	j.snap.Result = result
	j.snap.FinishedAt = &now
	if state == StateCompleted {
		j.snap.Progress = ProgressPublished
	}
	snap := j.snap
	r.mu.Unlock()

	r.record(&snap)
}

func (r *Registry) record(snap *Snapshot) {
	if err := r.journal.Record(context.Background(), snap); err != nil {
		logrus.WithError(err).WithField("job_id", snap.ID).Warn("job journal write failed")
	}
}

func copySnap(s *Snapshot) *Snapshot {
	out := *s
	if s.Result != nil {
		res := *s.Result
		out.Result = &res
	}
	return &out
}
