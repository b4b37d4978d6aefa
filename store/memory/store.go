// Package memory implements task.Store fully in memory.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

// Compile-time interface check.
var _ task.Store = (*Store)(nil)

// Store is a fully in-memory implementation of task.Store.
type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{tasks: make(map[string]*task.Task)}
}

// SaveTask persists a newly added task. Saving an already-saved ID
// overwrites the previous snapshot.
func (m *Store) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return keel.ErrStoreClosed
	}
	cp := *t
	cp.Execute = nil
	cp.Result = nil
	m.tasks[t.ID.String()] = &cp
	return nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return keel.ErrStoreClosed
	}
	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return keel.ErrTaskNotFound
	}
	cp := *t
	cp.Execute = nil
	cp.Result = nil
	m.tasks[key] = &cp
	return nil
}

// DeleteTask removes a task by ID.
func (m *Store) DeleteTask(_ context.Context, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return keel.ErrStoreClosed
	}
	key := taskID.String()
	if _, ok := m.tasks[key]; !ok {
		return keel.ErrTaskNotFound
	}
	delete(m.tasks, key)
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, keel.ErrStoreClosed
	}
	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, keel.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// LoadTasks returns all persisted tasks ordered by AddedAt.
func (m *Store) LoadTasks(_ context.Context) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, keel.ErrStoreClosed
	}
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return keel.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Subsequent calls fail with ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
