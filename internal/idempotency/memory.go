package idempotency

import (
	"context"
	"sync"
)

type memoryRecord struct {
	result string
	done   bool
}

type memoryRegistry struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryRegistry constructs an in-process registry for tests and
// single-instance development deployments.
func NewMemoryRegistry() Registry {
	return &memoryRegistry{records: make(map[string]memoryRecord)}
}

func (r *memoryRegistry) Begin(_ context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[key]; ok {
		if !rec.done {
			return "", false, ErrInFlight
		}
		return rec.result, true, nil
	}
	r.records[key] = memoryRecord{}
	return "", false, nil
}

func (r *memoryRegistry) Complete(_ context.Context, key, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = memoryRecord{result: result, done: true}
	return nil
}

func (r *memoryRegistry) Abort(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
	return nil
}
