// Package inmemory is the process-local job status store.
package inmemory

import (
	"sync"

	"github.com/and161185/vmstats/model"
	"github.com/and161185/vmstats/storage"
)

// MemStorage keeps one status per key for the life of the process.
type MemStorage struct {
	statuses map[string]model.DumpStatus
	mu       sync.RWMutex
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		statuses: make(map[string]model.DumpStatus),
	}
}

func (store *MemStorage) Admit(key, id string) (model.DumpStatus, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if existing, ok := store.statuses[key]; ok && existing.State.Active() {
		return clone(existing), false
	}
	st := model.DumpStatus{
		ID:      id,
		Key:     key,
		State:   model.Queued,
		Message: "Queued for dumping",
	}
	store.statuses[key] = st
	return clone(st), true
}

func (store *MemStorage) Update(key, id string, fn func(*model.DumpStatus)) (model.DumpStatus, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	cur, ok := store.statuses[key]
	if !ok || cur.ID != id || cur.State.Terminal() {
		return clone(cur), false
	}

	next := clone(cur)
	fn(&next)

	next.ID, next.Key = cur.ID, cur.Key
	if next.Progress < cur.Progress {
		next.Progress = cur.Progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	if !validTransition(cur.State, next.State) {
		next.State = cur.State
	}

	store.statuses[key] = next
	return clone(next), true
}

func (store *MemStorage) Get(key string) (model.DumpStatus, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	st, ok := store.statuses[key]
	if !ok {
		return model.DumpStatus{}, storage.ErrNotFound
	}
	return clone(st), nil
}

func (store *MemStorage) GetAll() map[string]model.DumpStatus {
	store.mu.RLock()
	defer store.mu.RUnlock()

	result := make(map[string]model.DumpStatus, len(store.statuses))
	for k, v := range store.statuses {
		result[k] = clone(v)
	}
	return result
}

func validTransition(from, to model.JobState) bool {
	switch from {
	case model.Queued:
		return to == model.Queued || to == model.Running || to.Terminal()
	case model.Running:
		return to == model.Running || to.Terminal()
	default:
		return false
	}
}

// clone copies the pointer fields so callers never share them with the store.
func clone(st model.DumpStatus) model.DumpStatus {
	if st.StartedAt != nil {
		v := *st.StartedAt
		st.StartedAt = &v
	}
	if st.FinishedAt != nil {
		v := *st.FinishedAt
		st.FinishedAt = &v
	}
	if st.ResultPath != nil {
		v := *st.ResultPath
		st.ResultPath = &v
	}
	if st.DurationSeconds != nil {
		v := *st.DurationSeconds
		st.DurationSeconds = &v
	}
	return st
}
