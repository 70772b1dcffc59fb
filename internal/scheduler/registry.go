package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// watchBuffer is how many undelivered states a watcher may lag behind before
// further states are dropped for it.
const watchBuffer = 16

// Transition records one accepted job state change.
type Transition struct {
	JobID    dist.JobID
	ServerID dist.ServerID
	From     dist.JobState
	To       dist.JobState
	At       time.Time
}

// Registry is the scheduler's table of outstanding jobs. Entries are removed as
// soon as they reach a terminal state.
type Registry struct {
	mu       sync.Mutex
	jobs     map[dist.JobID]*dist.JobInfo
	watchers map[dist.JobID][]chan dist.JobState
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[dist.JobID]*dist.JobInfo),
		watchers: make(map[dist.JobID][]chan dist.JobState),
		now:      time.Now,
	}
}

// Insert adds a new UNASSIGNED job.
func (r *Registry) Insert(id dist.JobID, server dist.ServerID, tc dist.Toolchain) (dist.JobInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return dist.JobInfo{}, fmt.Errorf("%w: job %s already registered", dist.ErrProtocolViolation, id)
	}

	now := r.now()
	info := &dist.JobInfo{
		JobID:     id,
		ServerID:  server,
		Toolchain: tc,
		State:     dist.JobStateUnassigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.jobs[id] = info
	return *info, nil
}

// Update moves a job to state. It reports whether anything changed; repeating
// the current state is a no-op. Terminal states remove the job and close its watchers.
func (r *Registry) Update(id dist.JobID, state dist.JobState) (Transition, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.jobs[id]
	if !ok {
		return Transition{}, false, fmt.Errorf("%w: %s", dist.ErrJobNotFound, id)
	}
	if err := info.State.Transition(state); err != nil {
		return Transition{}, false, fmt.Errorf("job %s: %w", id, err)
	}
	if info.State == state {
		return Transition{}, false, nil
	}

	tr := Transition{
		JobID:    id,
		ServerID: info.ServerID,
		From:     info.State,
		To:       state,
		At:       r.now(),
	}
	info.State = state
	info.UpdatedAt = tr.At

	r.notifyLocked(id, state)
	if state.IsTerminal() {
		delete(r.jobs, id)
		r.closeWatchersLocked(id)
	}
	return tr, true, nil
}

// Get returns a copy of the job entry.
func (r *Registry) Get(id dist.JobID) (dist.JobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.jobs[id]
	if !ok {
		return dist.JobInfo{}, false
	}
	return *info, true
}

// Len returns the number of outstanding jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// List returns outstanding jobs ordered by creation time, then id.
func (r *Registry) List() []dist.JobInfo {
	r.mu.Lock()
	jobs := make([]dist.JobInfo, 0, len(r.jobs))
	for _, info := range r.jobs {
		jobs = append(jobs, *info)
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	return jobs
}

// Expired returns the jobs that have not changed state for longer than timeout.
func (r *Registry) Expired(timeout time.Duration) []dist.JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := r.now().Add(-timeout)
	var out []dist.JobInfo
	for _, info := range r.jobs {
		if info.UpdatedAt.Before(deadline) {
			out = append(out, *info)
		}
	}
	return out
}

// Watch subscribes to the state changes of a job. The channel first receives
// the current state, then every later state in order, and is closed once the
// job reaches a terminal state. Delivery is best effort: a watcher that falls
// more than watchBuffer states behind misses the excess, never the order.
func (r *Registry) Watch(id dist.JobID) (<-chan dist.JobState, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", dist.ErrJobNotFound, id)
	}

	ch := make(chan dist.JobState, watchBuffer)
	ch <- info.State
	r.watchers[id] = append(r.watchers[id], ch)

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[id]
		for i, w := range watchers {
			if w == ch {
				r.watchers[id] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
		if len(r.watchers[id]) == 0 {
			delete(r.watchers, id)
		}
	}
	return ch, cancel, nil
}

func (r *Registry) notifyLocked(id dist.JobID, state dist.JobState) {
	for _, ch := range r.watchers[id] {
		select {
		case ch <- state:
		default:
		}
	}
}

func (r *Registry) closeWatchersLocked(id dist.JobID) {
	for _, ch := range r.watchers[id] {
		close(ch)
	}
	delete(r.watchers, id)
}
