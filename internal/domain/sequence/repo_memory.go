package sequence

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo keeps counters in process. It serializes Next with a mutex the
// way the counter row lock does in Postgres.
type MemoryRepo struct {
	mu       sync.Mutex
	counters map[string]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{counters: make(map[string]int)}
}

func memoryKey(scope Scope, day time.Time) string {
	return string(scope) + "|" + day.Format("2006-01-02")
}

func (m *MemoryRepo) Next(_ context.Context, scope Scope, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(scope, day)
	m.counters[k]++
	return m.counters[k], nil
}

func (m *MemoryRepo) Current(_ context.Context, scope Scope, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[memoryKey(scope, day)], nil
}
