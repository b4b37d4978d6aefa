package task

import (
	"context"

	"github.com/keelhq/keel/id"
)

// Store is the persistence collaborator boundary. The queue calls these
// hooks on a best-effort basis; a Store is a snapshot, not a write-ahead
// log. Execute functions and results are never persisted — only named
// tasks round-trip through a restore.
type Store interface {
	// SaveTask persists a newly added task.
	SaveTask(ctx context.Context, t *Task) error

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// DeleteTask removes a task by ID.
	DeleteTask(ctx context.Context, taskID id.TaskID) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// LoadTasks returns all persisted tasks. The queue re-enqueues only
	// those whose saved state is pending or retrying.
	LoadTasks(ctx context.Context) ([]*Task, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
