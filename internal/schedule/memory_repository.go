package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemoryRepository builds an in-memory schedule store for development
// and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{schedules: make(map[string]Schedule)}
}

func (r *memoryRepository) Create(_ context.Context, s Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = s
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (r *memoryRepository) ListByUser(_ context.Context, userID string) ([]Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schedule, 0)
	for _, s := range r.schedules {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) Due(_ context.Context, now time.Time) ([]Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schedule, 0)
	for _, s := range r.schedules {
		if s.Active && !s.NextRun.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (r *memoryRepository) Save(_ context.Context, s Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	r.schedules[s.ID] = s
	return nil
}
