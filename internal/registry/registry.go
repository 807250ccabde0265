// Package registry tracks live worker handles keyed by logical task key and
// resolves kill/exit races through monotonically increasing spawn ids.
//
// A kill marks the current spawn id for a key as "killed"; a later exit
// event carrying that spawn id is suppressed as expected, while an exit for
// a newer spawn id (a replacement worker already started for the same key)
// is processed normally. This decouples "did the user intend to stop this"
// from "did the OS report an exit".
package registry

import (
	"sync"
	"time"

	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/launch"
)

// Worker is one live entry: at most one exists per task key.
type Worker struct {
	TaskKey   string
	SpawnID   int64
	StartedAt time.Time
	Class     events.WorkerClass
	Handle    launch.Handle
}

// Registry is owned by a single supervisor instance and guards all state
// with one mutex; spawn ids are never reused.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	live   map[string]*Worker
	killed map[int64]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		live:   make(map[string]*Worker),
		killed: make(map[int64]bool),
	}
}

// Register allocates the next spawn id and stores a new live entry for
// taskKey, replacing (not merging) any prior entry. The caller must have
// already requested termination of the prior handle: the registry enforces
// at most one tracked handle per key, not at most one OS process.
func (r *Registry) Register(taskKey string, class events.WorkerClass, h launch.Handle) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	w := &Worker{
		TaskKey:   taskKey,
		SpawnID:   r.nextID,
		StartedAt: time.Now(),
		Class:     class,
		Handle:    h,
	}
	r.live[taskKey] = w
	return w
}

// Get returns the live entry for taskKey.
func (r *Registry) Get(taskKey string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.live[taskKey]
	return w, ok
}

// Delete removes the live entry for taskKey regardless of spawn id.
// Returns whether an entry existed.
func (r *Registry) Delete(taskKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[taskKey]
	delete(r.live, taskKey)
	return ok
}

// DeleteSpawn removes the entry for taskKey only if it still refers to
// spawnID. An exit event for a stale spawn must not evict the replacement
// worker registered after it.
func (r *Registry) DeleteSpawn(taskKey string, spawnID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.live[taskKey]
	if !ok || w.SpawnID != spawnID {
		return false
	}
	delete(r.live, taskKey)
	return true
}

// MarkKilled records intent to ignore the next exit event for spawnID.
func (r *Registry) MarkKilled(spawnID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed[spawnID] = true
}

// WasKilled reports whether spawnID carries a killed marker.
func (r *Registry) WasKilled(spawnID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed[spawnID]
}

// ClearKilled consumes the killed marker for spawnID.
func (r *Registry) ClearKilled(spawnID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.killed, spawnID)
}

// ConsumeKilled atomically queries and consumes the killed marker.
func (r *Registry) ConsumeKilled(spawnID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.killed[spawnID] {
		return false
	}
	delete(r.killed, spawnID)
	return true
}

// ActiveKeys returns all task keys with a live entry.
func (r *Registry) ActiveKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.live))
	for k := range r.live {
		keys = append(keys, k)
	}
	return keys
}
