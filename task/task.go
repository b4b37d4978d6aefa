package task

import (
	"context"
	"time"

	"github.com/keelhq/keel/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting in the priority queue.
	StatePending State = "pending"
	// StateProcessing means the task is currently executing.
	StateProcessing State = "processing"
	// StateRetrying means the task failed and is waiting out a backoff
	// delay before re-entering the queue.
	StateRetrying State = "retrying"
	// StateCompleted means the task finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the task exhausted its retry budget.
	StateFailed State = "failed"
	// StateCancelled means the task was cancelled while still pending.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Priority is one of four fixed tiers. Lower values dequeue first.
type Priority int

const (
	// PriorityCritical is the highest tier.
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	// NumPriorities is the number of tiers.
	NumPriorities = 4
)

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Func is the unit of work a task executes. The returned value is an
// opaque result recorded on success; the core never inspects its shape.
type Func func(ctx context.Context) (any, error)

// Task represents a unit of deferred, retryable work.
type Task struct {
	ID       id.TaskID `json:"id"`
	Name     string    `json:"name,omitempty"`
	Payload  []byte    `json:"payload,omitempty"`
	Priority Priority  `json:"priority"`
	State    State     `json:"state"`

	MaxRetries int    `json:"max_retries"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	// ErrorClass is the classification name of the last error, captured
	// for dead-letter statistics.
	ErrorClass string `json:"error_class,omitempty"`

	// Result is the opaque payload set on success. Never persisted.
	Result any `json:"-"`

	// Timeout overrides the queue-level execution budget when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	// Execute is the unit of work, owned exclusively by the task.
	// Never persisted; for named tasks it is rebound from the registry
	// on restore.
	Execute Func `json:"-"`
}

// Option configures a Task at construction time.
type Option func(*Task)

// WithID sets an explicit task ID instead of generating one.
func WithID(taskID id.TaskID) Option {
	return func(t *Task) { t.ID = taskID }
}

// WithPriority sets the priority tier. Invalid tiers fall back to normal.
func WithPriority(p Priority) Option {
	return func(t *Task) {
		if p.Valid() {
			t.Priority = p
		}
	}
}

// WithMaxRetries overrides the queue-level retry budget for this task.
// Negative values mean "inherit from the queue".
func WithMaxRetries(n int) Option {
	return func(t *Task) { t.MaxRetries = n }
}

// WithTimeout overrides the queue-level execution budget for this task.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.Timeout = d }
}

// WithPayload attaches an opaque payload to the task.
func WithPayload(p []byte) Option {
	return func(t *Task) { t.Payload = p }
}

// New creates a pending closure task wrapping fn.
func New(fn Func, opts ...Option) *Task {
	t := &Task{
		ID:         id.NewTaskID(),
		Priority:   PriorityNormal,
		State:      StatePending,
		MaxRetries: -1, // inherit from the queue
		AddedAt:    time.Now().UTC(),
		Execute:    fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewNamed creates a pending task whose execute function is resolved from
// the registry by name. Returns keel.ErrHandlerNotFound (wrapped) if the
// name is not registered.
func NewNamed(r *Registry, name string, payload []byte, opts ...Option) (*Task, error) {
	t := New(nil, opts...)
	t.Name = name
	t.Payload = payload
	if err := r.Bind(t); err != nil {
		return nil, err
	}
	return t, nil
}
