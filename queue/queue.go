// Package queue provides the task execution engine — a priority-ordered,
// retrying queue that runs task bodies through middleware under a bounded
// concurrency budget, with optional dead-lettering and snapshot
// persistence.
//
// A Queue owns its priority queue, its dead-letter queue, and all task
// state transitions. Cross-component coordination happens only through
// method calls; no component reaches into another's collections.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/backoff"
	"github.com/keelhq/keel/dlq"
	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/middleware"
	"github.com/keelhq/keel/pqueue"
	"github.com/keelhq/keel/task"
)

// delayed is a retrying task waiting out its backoff delay. The scheduler
// loop promotes it back to pending once readyAt passes.
type delayed struct {
	t       *task.Task
	readyAt time.Time
}

// Stats is a point-in-time snapshot of queue state, pull-based.
type Stats struct {
	Pending      int
	Retrying     int
	Active       int
	Completed    uint64
	Failed       uint64
	Cancelled    uint64
	Timeouts     uint64
	DeadLettered int
	Running      bool
	Paused       bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithStore sets the snapshot persistence backend. Persistence is
// best-effort: store failures are logged, never propagated into task
// state transitions.
func WithStore(s task.Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithRegistry sets the named-handler registry used to bind Execute on
// named tasks and on restore.
func WithRegistry(r *task.Registry) Option {
	return func(q *Queue) { q.registry = r }
}

// WithBackoff overrides the retry delay strategy. The default is
// exponential doubling from Config.RetryDelay.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithMiddleware appends middleware to the execution chain. Recover is
// always installed outermost regardless.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(q *Queue) { q.userMW = append(q.userMW, mws...) }
}

// WithDeadLetterQueue replaces the dead-letter queue the Config would
// otherwise build, e.g. to install an overflow callback.
func WithDeadLetterQueue(d *dlq.Queue) Option {
	return func(q *Queue) { q.deadLetter = d }
}

// Queue is the task lifecycle state machine. Safe for concurrent use.
//
// A task is in exactly one place at any time: pending in the priority
// queue, waiting out a retry delay, actively executing, or terminal
// (completed, failed, cancelled). Cancellation affects pending tasks
// only; in-flight work runs to completion.
type Queue struct {
	config   keel.Config
	logger   *slog.Logger
	store    task.Store
	registry *task.Registry
	backoff  backoff.Strategy
	userMW   []middleware.Middleware
	mw       middleware.Middleware

	deadLetter *dlq.Queue

	mu      sync.Mutex
	pending *pqueue.Queue
	waiting []delayed
	active  map[string]*task.Task
	failed  map[string]*task.Task

	started bool
	paused  bool
	stopped bool
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	taskWG  sync.WaitGroup

	completedCount uint64
	failedCount    uint64
	cancelledCount uint64
	timeoutCount   uint64
}

// New creates a Queue. Configuration errors surface here and are never
// retried.
func New(config keel.Config, opts ...Option) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		config:  config,
		logger:  slog.Default(),
		pending: pqueue.New(),
		active:  make(map[string]*task.Task),
		failed:  make(map[string]*task.Task),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.backoff == nil {
		q.backoff = backoff.NewExponential(config.RetryDelay, 0)
	}
	if q.deadLetter == nil && config.EnableDeadLetter {
		q.deadLetter = dlq.New(
			dlq.WithCapacity(config.DeadLetterCapacity),
			dlq.WithLogger(q.logger),
		)
	}

	// Recover stays outermost so a panic anywhere in the chain becomes a
	// normal retryable failure.
	chain := append([]middleware.Middleware{middleware.Recover(q.logger)}, q.userMW...)
	q.mw = middleware.Chain(chain...)

	return q, nil
}

// Add enqueues a task. It rejects with ErrQueueFull when the pending
// count is at MaxQueueSize, and with ErrHandlerNotFound when a named
// task's handler cannot be resolved. The scheduler loop auto-starts on
// the first successful add.
func (q *Queue) Add(t *task.Task) error {
	if err := q.bind(t); err != nil {
		return err
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return keel.ErrQueueStopped
	}
	if q.pending.Size() >= q.config.MaxQueueSize {
		size := q.pending.Size()
		q.mu.Unlock()
		return fmt.Errorf("%w: %d pending (max %d)", keel.ErrQueueFull, size, q.config.MaxQueueSize)
	}

	t.State = task.StatePending
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now().UTC()
	}
	q.pending.Enqueue(t)
	q.startLocked()
	q.mu.Unlock()

	q.persistSave(t)

	q.logger.Debug("task added",
		slog.String("task_id", t.ID.String()),
		slog.String("task_name", t.Name),
		slog.String("priority", t.Priority.String()),
	)
	return nil
}

// AddBatch adds tasks in chunks of batchSize, sleeping interBatchDelay
// between chunks — a deliberate throughput-shaping primitive. It stops
// at the first rejected add and returns how many tasks were accepted.
func (q *Queue) AddBatch(ctx context.Context, tasks []*task.Task, batchSize int, interBatchDelay time.Duration) (int, error) {
	if batchSize < 1 {
		return 0, fmt.Errorf("%w: batch size must be >= 1, got %d", keel.ErrInvalidConfig, batchSize)
	}

	added := 0
	for start := 0; start < len(tasks); start += batchSize {
		end := min(start+batchSize, len(tasks))

		for _, t := range tasks[start:end] {
			if err := q.Add(t); err != nil {
				return added, err
			}
			added++
		}

		if end < len(tasks) && interBatchDelay > 0 {
			timer := time.NewTimer(interBatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return added, ctx.Err()
			}
		}
	}
	return added, nil
}

// bind resolves Execute for named tasks. A task with neither a closure
// nor a resolvable handler fails fast.
func (q *Queue) bind(t *task.Task) error {
	if t.Execute != nil {
		return nil
	}
	if t.Name == "" || q.registry == nil {
		return fmt.Errorf("%w: task %s has no execute function", keel.ErrHandlerNotFound, t.ID.String())
	}
	return q.registry.Bind(t)
}

// Start launches the scheduler loop. It returns immediately and is
// idempotent. Add auto-starts, so calling Start is only needed to warm
// the loop before the first task arrives.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked()
}

func (q *Queue) startLocked() {
	if q.started || q.stopped {
		return
	}
	q.started = true

	q.logger.Info("queue starting",
		slog.Int("concurrency", q.config.Concurrency),
		slog.Int("max_queue_size", q.config.MaxQueueSize),
	)

	q.loopWG.Add(1)
	go q.loop()
}

// Pause suspends dispatching. Pending tasks stay queued, adds are still
// accepted, and in-flight tasks run to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume lifts a pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
}

// Stop halts the scheduler loop and waits for in-flight tasks to reach a
// terminal state. If ctx expires first, Stop returns its error with work
// still running in the background; task bodies cannot be forcibly
// aborted. Pending tasks stay queued (and are flushed by Shutdown).
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	wasStarted := q.started
	q.mu.Unlock()

	q.logger.Info("queue stopping")

	close(q.stopCh)
	if wasStarted {
		q.loopWG.Wait()
	}

	done := make(chan struct{})
	go func() {
		q.taskWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.logger.Warn("queue stop timed out with tasks still in flight")
		return ctx.Err()
	}
}

// Shutdown gracefully stops the queue within Config.ShutdownTimeout and
// flushes unfinished task snapshots to the store. The caller owns the
// store's lifecycle; Shutdown does not close it.
func (q *Queue) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.ShutdownTimeout)
		defer cancel()
	}

	stopErr := q.Stop(ctx)

	q.mu.Lock()
	unfinished := q.pending.All()
	for _, d := range q.waiting {
		unfinished = append(unfinished, d.t)
	}
	q.mu.Unlock()

	for _, t := range unfinished {
		q.persistSave(t)
	}

	stats := q.Stats()
	q.logger.Info("queue shut down",
		slog.Int("pending", stats.Pending),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("failed", stats.Failed),
	)
	return stopErr
}

// Cancel cancels a task that is still pending. It reports false for
// tasks already executing or finished: in-flight work is allowed to run
// to completion, a documented limitation rather than a silent no-op.
func (q *Queue) Cancel(taskID id.TaskID) bool {
	q.mu.Lock()
	t := q.pending.FindByID(taskID)
	if t == nil {
		_, inFlight := q.active[taskID.String()]
		q.mu.Unlock()
		if inFlight {
			q.logger.Info("cancel refused: task already processing",
				slog.String("task_id", taskID.String()),
			)
		}
		return false
	}
	q.pending.Remove(taskID)
	t.State = task.StateCancelled
	q.cancelledCount++
	q.mu.Unlock()

	q.persistDelete(t)
	q.logger.Debug("task cancelled", slog.String("task_id", taskID.String()))
	return true
}

// UpdatePriority mutates the priority of a still-pending task and
// reorders the queue. Reordering is a full O(n) rebuild; priority
// mutation is not a hot path.
func (q *Queue) UpdatePriority(taskID id.TaskID, p task.Priority) bool {
	if !p.Valid() {
		return false
	}

	q.mu.Lock()
	t := q.pending.FindByID(taskID)
	if t == nil {
		q.mu.Unlock()
		return false
	}
	t.Priority = p
	q.pending.Reorder()
	q.mu.Unlock()

	q.persistUpdate(t)
	return true
}

// Clear removes all pending and retry-waiting tasks and returns them.
// In-flight tasks are unaffected.
func (q *Queue) Clear() []*task.Task {
	q.mu.Lock()
	cleared := q.pending.Clear()
	for _, d := range q.waiting {
		cleared = append(cleared, d.t)
	}
	q.waiting = nil
	q.mu.Unlock()

	for _, t := range cleared {
		q.persistDelete(t)
	}
	return cleared
}

// DeadLetter returns the dead-letter queue, or nil when disabled.
func (q *Queue) DeadLetter() *dlq.Queue { return q.deadLetter }

// Task finds a task by ID in any non-completed holding area: pending,
// retry-waiting, active, or dead-lettered.
func (q *Queue) Task(taskID id.TaskID) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t := q.pending.FindByID(taskID); t != nil {
		return t
	}
	for _, d := range q.waiting {
		if d.t.ID.String() == taskID.String() {
			return d.t
		}
	}
	if t, ok := q.active[taskID.String()]; ok {
		return t
	}
	if t, ok := q.failed[taskID.String()]; ok {
		return t
	}
	return nil
}

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:   q.pending.Size(),
		Retrying:  len(q.waiting),
		Active:    len(q.active),
		Completed: q.completedCount,
		Failed:    q.failedCount,
		Cancelled: q.cancelledCount,
		Timeouts:  q.timeoutCount,
		Running:   q.started && !q.stopped,
		Paused:    q.paused,
	}
	if q.deadLetter != nil {
		s.DeadLettered = q.deadLetter.Size()
	}
	return s
}
