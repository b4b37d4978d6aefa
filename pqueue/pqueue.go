// Package pqueue provides the in-memory ordered holding area for pending
// tasks, keyed by priority tier. Dequeue order is strictly
// priority-ordered across tiers and strictly FIFO within a tier. There is
// no starvation protection for low-priority work; that is a deliberate
// trade-off, not a bug.
package pqueue

import (
	"sync"

	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

// Queue is a four-tier FIFO priority queue. It never executes tasks;
// this is pure ordering. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	tiers [task.NumPriorities][]*task.Task
	size  int
}

// New creates an empty priority queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends the task to its tier's sequence. Tasks with an invalid
// priority are assigned the normal tier. O(1).
func (q *Queue) Enqueue(t *task.Task) {
	if !t.Priority.Valid() {
		t.Priority = task.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tiers[t.Priority] = append(q.tiers[t.Priority], t)
	q.size++
}

// Dequeue removes and returns the head of the first non-empty tier,
// scanning from critical down to low. Returns nil when all tiers are
// empty. O(#tiers).
func (q *Queue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.tiers {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}
		t := tier[0]
		tier[0] = nil // release the reference
		q.tiers[p] = tier[1:]
		q.size--
		return t
	}
	return nil
}

// Peek returns the next task to dequeue without removing it, or nil.
func (q *Queue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.tiers {
		if len(q.tiers[p]) > 0 {
			return q.tiers[p][0]
		}
	}
	return nil
}

// FindByID returns the queued task with the given ID, or nil.
// Linear scan across all tiers.
func (q *Queue) FindByID(taskID id.TaskID) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.tiers {
		for _, t := range q.tiers[p] {
			if t.ID == taskID {
				return t
			}
		}
	}
	return nil
}

// Remove deletes the queued task with the given ID, preserving FIFO
// order of the remaining tasks. Reports whether a task was found.
func (q *Queue) Remove(taskID id.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.tiers {
		for i, t := range q.tiers[p] {
			if t.ID == taskID {
				q.tiers[p] = append(q.tiers[p][:i], q.tiers[p][i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

// Size returns the number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsEmpty reports whether no tasks are queued.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Clear removes all queued tasks and returns them in priority order.
func (q *Queue) Clear() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.snapshot()
	q.tiers = [task.NumPriorities][]*task.Task{}
	q.size = 0
	return out
}

// All returns all queued tasks, tiers concatenated in priority order.
func (q *Queue) All() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Reorder rebuilds the tier structure after an external priority
// mutation, so the tier invariant holds again. Relative insertion order
// within each resulting tier is preserved. O(n); priority mutation is not
// a hot path, so a full rebuild is preferred over cleverness.
func (q *Queue) Reorder() {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := q.snapshot()
	q.tiers = [task.NumPriorities][]*task.Task{}
	for _, t := range all {
		if !t.Priority.Valid() {
			t.Priority = task.PriorityNormal
		}
		q.tiers[t.Priority] = append(q.tiers[t.Priority], t)
	}
}

// snapshot returns all tasks in priority order. Caller holds q.mu.
func (q *Queue) snapshot() []*task.Task {
	out := make([]*task.Task, 0, q.size)
	for p := range q.tiers {
		out = append(out, q.tiers[p]...)
	}
	return out
}
