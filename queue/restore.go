package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

// Restore loads persisted task snapshots and re-enqueues those whose
// saved state was pending or retrying; every other state is terminal or
// was in flight when the snapshot was taken and is not resumed. A
// restored task whose execute function cannot be rebound from the
// registry fails fast with ErrHandlerNotFound rather than hang — the
// count of tasks already re-enqueued is returned alongside the error.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, keel.ErrNoStore
	}

	tasks, err := q.store.LoadTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("keel/queue: restore load: %w", err)
	}

	restored := 0
	for _, t := range tasks {
		if t.State != task.StatePending && t.State != task.StateRetrying {
			continue
		}
		if err := q.Add(t); err != nil {
			return restored, err
		}
		restored++
	}

	q.logger.Info("queue restored",
		slog.Int("loaded", len(tasks)),
		slog.Int("restored", restored),
	)
	return restored, nil
}

// RetryFailed re-enqueues dead-lettered tasks with their retry count
// reset to zero. With no arguments it replays every failed task; with
// task IDs it replays only those. It returns how many tasks were
// re-enqueued; an add rejection stops the replay and is returned.
func (q *Queue) RetryFailed(taskIDs ...id.TaskID) (int, error) {
	q.mu.Lock()
	var candidates []*task.Task
	if len(taskIDs) == 0 {
		for _, t := range q.failed {
			candidates = append(candidates, t)
		}
	} else {
		for _, taskID := range taskIDs {
			if t, ok := q.failed[taskID.String()]; ok {
				candidates = append(candidates, t)
			}
		}
	}
	q.mu.Unlock()

	replayed := 0
	for _, t := range candidates {
		t.RetryCount = 0
		t.LastError = ""
		t.ErrorClass = ""
		t.FailedAt = nil

		if err := q.Add(t); err != nil {
			return replayed, err
		}

		q.mu.Lock()
		delete(q.failed, t.ID.String())
		q.mu.Unlock()
		if q.deadLetter != nil {
			if entry := q.deadLetter.FindByTask(t.ID); entry != nil {
				q.deadLetter.Remove(entry.ID)
			}
		}
		replayed++
	}

	if replayed > 0 {
		q.logger.Info("dead-lettered tasks replayed", slog.Int("count", replayed))
	}
	return replayed, nil
}

// ──────────────────────────────────────────────────
// Best-effort persistence hooks
// ──────────────────────────────────────────────────

func (q *Queue) persistSave(t *task.Task) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveTask(context.Background(), t); err != nil {
		q.logger.Warn("persist save failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) persistUpdate(t *task.Task) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateTask(context.Background(), t); err != nil {
		q.logger.Warn("persist update failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) persistDelete(t *task.Task) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteTask(context.Background(), t.ID); err != nil {
		q.logger.Warn("persist delete failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
