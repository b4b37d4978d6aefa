// Package dlq provides the bounded dead letter queue: terminal storage
// for tasks that exhausted their retry budget. Capacity is fixed; the
// oldest entry is evicted (with an overflow signal) before a new one is
// inserted, so the bound is never exceeded, even momentarily.
package dlq

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

// DefaultCapacity is used when no capacity is configured.
const DefaultCapacity = 10000

// UnknownClass is the reserved error-stats bucket for entries without a
// recorded error classification.
const UnknownClass = "Unknown"

// Entry represents a task that exhausted its retry budget. It carries a
// flattened copy of the task's diagnostic fields and never references the
// original execute closure.
type Entry struct {
	ID         id.DLQID   `json:"id"`
	TaskID     id.TaskID  `json:"task_id"`
	TaskName   string     `json:"task_name,omitempty"`
	Payload    []byte     `json:"payload,omitempty"`
	Error      string     `json:"error"`
	ErrorClass string     `json:"error_class,omitempty"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	FailedAt   time.Time  `json:"failed_at"`
	CreatedAt  time.Time  `json:"created_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// Record is the flattened diagnostic form returned by Export.
type Record struct {
	TaskID   string    `json:"task_id"`
	Error    string    `json:"error"`
	Retries  int       `json:"retries"`
	FailedAt time.Time `json:"failed_at"`
}

// OverflowFunc is called with the evicted entry when an Add displaces
// the oldest entry to stay within capacity.
type OverflowFunc func(evicted *Entry)

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the maximum number of retained entries.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithOnOverflow sets the overflow signal callback.
func WithOnOverflow(fn OverflowFunc) Option {
	return func(q *Queue) { q.onOverflow = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is a fixed-capacity, insertion-ordered dead letter store.
// Safe for concurrent use.
type Queue struct {
	capacity   int
	onOverflow OverflowFunc
	logger     *slog.Logger

	mu      sync.Mutex
	order   []string          // entry IDs in insertion order
	entries map[string]*Entry // keyed by entry ID
}

// New creates a dead letter queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		entries:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.capacity < 1 {
		q.capacity = DefaultCapacity
	}
	return q
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.capacity }

// Push builds an Entry from a failed task and adds it. The error string
// and classification are captured from the terminal failure.
func (q *Queue) Push(t *task.Task, taskErr error) *Entry {
	now := time.Now().UTC()
	failedAt := now
	if t.FailedAt != nil {
		failedAt = *t.FailedAt
	}

	msg := t.LastError
	class := t.ErrorClass
	if taskErr != nil {
		msg = taskErr.Error()
		class = Classify(taskErr)
	}

	entry := &Entry{
		ID:         id.NewDLQID(),
		TaskID:     t.ID,
		TaskName:   t.Name,
		Payload:    t.Payload,
		Error:      msg,
		ErrorClass: class,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		FailedAt:   failedAt,
		CreatedAt:  now,
	}
	q.Add(entry)
	return entry
}

// Add inserts an entry, evicting the single oldest entry first when at
// capacity. The overflow callback fires for each eviction.
func (q *Queue) Add(entry *Entry) {
	var evicted *Entry

	q.mu.Lock()
	if len(q.order) >= q.capacity {
		oldestID := q.order[0]
		evicted = q.entries[oldestID]
		delete(q.entries, oldestID)
		q.order = q.order[1:]
	}
	key := entry.ID.String()
	q.entries[key] = entry
	q.order = append(q.order, key)
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("dead letter queue overflow, evicted oldest entry",
			slog.String("evicted_task_id", evicted.TaskID.String()),
			slog.Int("capacity", q.capacity),
		)
		if q.onOverflow != nil {
			q.onOverflow(evicted)
		}
	}
}

// Get returns the entry with the given ID, or nil.
func (q *Queue) Get(entryID id.DLQID) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[entryID.String()]
}

// FindByTask returns the entry for the given task ID, or nil.
func (q *Queue) FindByTask(taskID id.TaskID) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, key := range q.order {
		if e := q.entries[key]; e.TaskID == taskID {
			return e
		}
	}
	return nil
}

// Remove deletes the entry with the given ID. Reports whether an entry
// was found.
func (q *Queue) Remove(entryID id.DLQID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := entryID.String()
	if _, ok := q.entries[key]; !ok {
		return false
	}
	delete(q.entries, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// All returns all entries in insertion order.
func (q *Queue) All() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Entry, 0, len(q.order))
	for _, key := range q.order {
		out = append(out, q.entries[key])
	}
	return out
}

// Clear removes all entries.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.entries = make(map[string]*Entry)
}

// Size returns the number of retained entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// ErrorStats returns a tally of entries grouped by error classification
// name. Entries without a recorded classification count under the
// reserved "Unknown" bucket.
func (q *Queue) ErrorStats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]int)
	for _, key := range q.order {
		class := q.entries[key].ErrorClass
		if class == "" {
			class = UnknownClass
		}
		stats[class]++
	}
	return stats
}

// Export flattens each entry into a plain diagnostic record. The original
// execute closure is never exposed.
func (q *Queue) Export() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Record, 0, len(q.order))
	for _, key := range q.order {
		e := q.entries[key]
		out = append(out, Record{
			TaskID:   e.TaskID.String(),
			Error:    e.Error,
			Retries:  e.RetryCount,
			FailedAt: e.FailedAt,
		})
	}
	return out
}

// Classify maps an error to its classification name for ErrorStats.
// Sentinel errors from the core get stable names; other errors may
// implement ErrorClass() string; everything else falls back to the
// concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, keel.ErrTaskTimeout):
		return "TaskTimeoutError"
	case errors.Is(err, keel.ErrBreakerOpen):
		return "CircuitBreakerOpenError"
	case errors.Is(err, keel.ErrRateLimited):
		return "RateLimitExceededError"
	case errors.Is(err, keel.ErrQueueFull):
		return "QueueFullError"
	case errors.Is(err, keel.ErrHandlerNotFound):
		return "HandlerNotFoundError"
	}

	var classed interface{ ErrorClass() string }
	if errors.As(err, &classed) {
		return classed.ErrorClass()
	}

	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	// The stdlib's unexported error types are not useful bucket names.
	if name == "errorString" || name == "wrapError" || name == "joinError" {
		return "Error"
	}
	return name
}
