package task

import (
	"iter"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"appletd/internal/tick"
)

const (
	// IDLength is the length of generated identifiers.
	IDLength = 12

	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idAttempts = 8
)

// Registry maps identifiers to tasks. It is safe for concurrent use; the
// scheduler reads it between iterations while callers may add or remove tasks
// from other goroutines.
type Registry struct {
	clock *tick.Clock

	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry(clock *tick.Clock) *Registry {
	return &Registry{clock: clock, tasks: make(map[string]*Task)}
}

// Clock returns the tick clock used to arm new tasks.
func (r *Registry) Clock() *tick.Clock { return r.clock }

// Add binds work under id and inserts it, replacing any task with the same
// identifier. An empty id is replaced by a generated one. It returns the
// identifier used and whether an existing task was replaced. Intervals of
// half the counter period or more are rejected: the re-armed tick would
// already read as past.
func (r *Registry) Add(id string, work Work, interval tick.Duration, args Args, opts ...Option) (string, bool, error) {
	if work == nil {
		return "", false, ErrNilWork
	}
	if err := r.clock.Validate(interval); err != nil {
		return "", false, err
	}
	id = strings.TrimSpace(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		id = r.generateIDLocked()
	}
	_, replaced := r.tasks[id]
	r.tasks[id] = Bind(id, work, interval, r.clock.Now(), args, opts...)
	return id, replaced, nil
}

// Remove deletes the task. It returns ErrNotFound if id is not registered.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return notFound(id)
	}
	delete(r.tasks, id)
	return nil
}

// Get returns the task registered under id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return t, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// All returns a lazy view over the registered tasks. Each range over the
// sequence takes a fresh snapshot, so it can be iterated any number of times.
// Order is unspecified.
func (r *Registry) All() iter.Seq[*Task] {
	return func(yield func(*Task) bool) {
		for _, t := range r.snapshot() {
			if !yield(t) {
				return
			}
		}
	}
}

// Due returns the tasks due at current, at most one per identifier.
func (r *Registry) Due(current tick.Tick) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.IsDue(r.clock, current) {
			out = append(out, t)
		}
	}
	return out
}

// Earliest returns the distance in ticks from current to the soonest next-due
// tick among recurring tasks (negative when overdue). ok is false when no
// recurring task is registered.
func (r *Registry) Earliest(current tick.Tick) (dist int64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if !t.Recurring() {
			continue
		}
		d := r.clock.Diff(t.NextRun(), current)
		if !ok || d < dist {
			dist, ok = d, true
		}
	}
	return dist, ok
}

// Snapshot returns task views sorted by identifier.
func (r *Registry) Snapshot() []Info {
	ts := r.snapshot()
	out := make([]Info, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) snapshot() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// generateIDLocked draws random identifiers, retrying on collision with a live
// task. After idAttempts collisions the last draw is used and overwrites.
func (r *Registry) generateIDLocked() string {
	var id string
	for i := 0; i < idAttempts; i++ {
		id = GenerateID(IDLength)
		if _, taken := r.tasks[id]; !taken {
			return id
		}
	}
	return id
}

// GenerateID returns n random characters from [a-zA-Z0-9].
func GenerateID(n int) string {
	if n <= 0 {
		n = IDLength
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}
