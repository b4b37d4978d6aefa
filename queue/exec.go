package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/dlq"
	"github.com/keelhq/keel/task"
)

// loop is the single scheduler goroutine. It promotes due retries,
// dispatches pending tasks up to the concurrency budget, and sleeps
// PollInterval between checks — polling, never busy-spinning or holding
// the lock while idle.
func (q *Queue) loop() {
	defer q.loopWG.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		q.tick()

		timer := time.NewTimer(q.config.PollInterval)
		select {
		case <-timer.C:
		case <-q.stopCh:
			timer.Stop()
			return
		}
	}
}

// tick runs one scheduler pass.
func (q *Queue) tick() {
	now := time.Now().UTC()

	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}

	// Promote retries whose backoff delay has elapsed.
	var promoted []*task.Task
	rest := q.waiting[:0]
	for _, d := range q.waiting {
		if d.readyAt.After(now) {
			rest = append(rest, d)
			continue
		}
		d.t.State = task.StatePending
		q.pending.Enqueue(d.t)
		promoted = append(promoted, d.t)
	}
	q.waiting = rest

	// Dispatch under the concurrency budget.
	var dispatched []*task.Task
	for len(q.active) < q.config.Concurrency {
		t := q.pending.Dequeue()
		if t == nil {
			break
		}
		started := time.Now().UTC()
		t.State = task.StateProcessing
		t.StartedAt = &started
		q.active[t.ID.String()] = t
		dispatched = append(dispatched, t)

		q.taskWG.Add(1)
		go q.runTask(t)
	}
	q.mu.Unlock()

	for _, t := range promoted {
		q.persistUpdate(t)
	}
	for _, t := range dispatched {
		q.persistUpdate(t)
	}
}

// runTask executes one task through the middleware chain with the
// timeout race, then applies the success or failure transition.
func (q *Queue) runTask(t *task.Task) {
	defer q.taskWG.Done()

	result, err := q.executeWithTimeout(t)

	q.mu.Lock()
	delete(q.active, t.ID.String())
	var deadLettered bool
	if err != nil {
		deadLettered = q.handleFailureLocked(t, err)
	} else {
		q.handleSuccessLocked(t, result)
	}
	q.mu.Unlock()

	// Pushed outside q.mu so an overflow callback may call back into the
	// queue without deadlocking.
	if deadLettered && q.deadLetter != nil {
		q.deadLetter.Push(t, err)
	}

	q.persistUpdate(t)
}

// executeWithTimeout races the middleware chain against the task's
// execution budget. On timeout the concurrency slot is freed and the
// result discarded, but the underlying work is not forcibly aborted —
// it receives a cancelled context as a best-effort signal and may keep
// running in the background.
func (q *Queue) executeWithTimeout(t *task.Task) (any, error) {
	budget := t.Timeout
	if budget <= 0 {
		budget = q.config.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	terminal := func(ctx context.Context) (any, error) {
		return t.Execute(ctx)
	}

	if budget <= 0 {
		return q.mw(ctx, t, terminal)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := q.mw(ctx, t, terminal)
		done <- outcome{result: r, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		q.mu.Lock()
		q.timeoutCount++
		q.mu.Unlock()
		return nil, fmt.Errorf("%w after %v", keel.ErrTaskTimeout, budget)
	}
}

// handleSuccessLocked marks the task completed. Caller holds q.mu.
func (q *Queue) handleSuccessLocked(t *task.Task, result any) {
	now := time.Now().UTC()
	t.State = task.StateCompleted
	t.CompletedAt = &now
	t.Result = result
	q.completedCount++

	q.logger.Debug("task completed",
		slog.String("task_id", t.ID.String()),
		slog.String("task_name", t.Name),
	)
}

// handleFailureLocked increments the retry counter and either schedules
// a backoff re-enqueue or marks the task terminally failed. Caller holds
// q.mu; a true return tells the caller to dead-letter the task once the
// lock is released.
func (q *Queue) handleFailureLocked(t *task.Task, taskErr error) bool {
	t.RetryCount++
	t.LastError = taskErr.Error()
	t.ErrorClass = dlq.Classify(taskErr)

	maxRetries := t.MaxRetries
	if maxRetries < 0 {
		maxRetries = q.config.MaxRetries
	}

	if t.RetryCount <= maxRetries {
		delay := q.backoff.Delay(t.RetryCount)
		t.State = task.StateRetrying
		q.waiting = append(q.waiting, delayed{t: t, readyAt: time.Now().UTC().Add(delay)})

		q.logger.Info("task scheduled for retry",
			slog.String("task_id", t.ID.String()),
			slog.String("task_name", t.Name),
			slog.Int("attempt", t.RetryCount),
			slog.Int("max_retries", maxRetries),
			slog.Duration("delay", delay),
		)
		return false
	}

	now := time.Now().UTC()
	t.State = task.StateFailed
	t.FailedAt = &now
	q.failedCount++
	q.failed[t.ID.String()] = t

	q.logger.Error("task failed permanently",
		slog.String("task_id", t.ID.String()),
		slog.String("task_name", t.Name),
		slog.Int("retries", t.RetryCount),
		slog.String("error", taskErr.Error()),
	)
	return true
}
