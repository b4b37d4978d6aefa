// Package sched provides a cron-style enqueue scheduler. It parses
// standard 5-field cron expressions and @every descriptors, and fires an
// enqueue callback when entries come due. No cron semantics leak into
// the queue: the scheduler only calls back, it never touches queue
// internals.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

// EnqueueFunc is the callback the scheduler fires for a due entry.
// Typically it builds a task from the entry and adds it to a queue.
type EnqueueFunc func(ctx context.Context, entry *Entry) error

// Entry is a registered schedule.
type Entry struct {
	ID       id.EntryID
	Name     string
	Schedule string
	TaskName string
	Payload  []byte
	Priority task.Priority
	Enabled  bool

	LastRunAt *time.Time
	NextRunAt time.Time

	schedule cronlib.Schedule
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// EntryOption configures an Entry at registration time.
type EntryOption func(*Entry)

// WithPayload attaches an opaque payload carried to the enqueue callback.
func WithPayload(p []byte) EntryOption {
	return func(e *Entry) { e.Payload = p }
}

// WithPriority sets the priority the enqueue callback should apply.
func WithPriority(p task.Priority) EntryOption {
	return func(e *Entry) {
		if p.Valid() {
			e.Priority = p
		}
	}
}

// Scheduler fires registered entries on a tick loop. Safe for concurrent
// use. A due entry whose enqueue callback fails keeps its advanced
// NextRunAt; the miss is logged, not retried before the next occurrence.
type Scheduler struct {
	enqueue      EnqueueFunc
	logger       *slog.Logger
	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler that fires entries through enqueue.
func NewScheduler(enqueue EnqueueFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		enqueue:      enqueue,
		logger:       slog.Default(),
		tickInterval: time.Second,
		entries:      make(map[string]*Entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a schedule. The expression is parsed eagerly; an invalid
// expression fails here, never mid-run.
func (s *Scheduler) Register(name, expr, taskName string, opts ...EntryOption) (*Entry, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("keel/sched: parse %q: %w", expr, err)
	}

	e := &Entry{
		ID:        id.NewEntryID(),
		Name:      name,
		Schedule:  expr,
		TaskName:  taskName,
		Priority:  task.PriorityNormal,
		Enabled:   true,
		NextRunAt: schedule.Next(time.Now().UTC()),
		schedule:  schedule,
	}
	for _, opt := range opts {
		opt(e)
	}

	s.mu.Lock()
	s.entries[e.ID.String()] = e
	s.mu.Unlock()

	s.logger.Info("schedule registered",
		slog.String("entry_id", e.ID.String()),
		slog.String("name", name),
		slog.String("schedule", expr),
		slog.String("task_name", taskName),
	)
	return e, nil
}

// Remove deletes a schedule by entry ID.
func (s *Scheduler) Remove(entryID id.EntryID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryID.String()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Enable turns a schedule on or off without removing it.
func (s *Scheduler) Enable(entryID id.EntryID, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID.String()]
	if !ok {
		return false
	}
	e.Enabled = enabled
	if enabled {
		// Recompute so a long-disabled entry does not fire immediately
		// for every missed occurrence.
		e.NextRunAt = e.schedule.Next(time.Now().UTC())
	}
	return true
}

// Entries returns a snapshot of all registered entries.
func (s *Scheduler) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Start launches the tick loop. It returns immediately and is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval))
}

// Stop signals the tick loop to stop and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Enabled || e.NextRunAt.After(now) {
			continue
		}
		e.LastRunAt = &now
		e.NextRunAt = e.schedule.Next(now)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.enqueue(context.Background(), e); err != nil {
			s.logger.Error("schedule enqueue failed",
				slog.String("entry_id", e.ID.String()),
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Debug("schedule fired",
			slog.String("entry_id", e.ID.String()),
			slog.String("name", e.Name),
		)
	}
}
