package dlq_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/dlq"
	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

func failedTask(msg string) *task.Task {
	t := task.New(nil)
	t.State = task.StateFailed
	t.RetryCount = 3
	t.MaxRetries = 3
	now := time.Now().UTC()
	t.FailedAt = &now
	t.LastError = msg
	return t
}

func TestPush_BuildsEntryFromTask(t *testing.T) {
	q := dlq.New()

	tk := failedTask("boom")
	entry := q.Push(tk, errors.New("boom"))

	if entry.ID.Prefix() != id.PrefixDLQ {
		t.Errorf("entry ID prefix = %q, want dlq", entry.ID.Prefix())
	}
	if entry.TaskID != tk.ID {
		t.Error("entry should reference the failed task")
	}
	if entry.Error != "boom" {
		t.Errorf("entry.Error = %q, want boom", entry.Error)
	}
	if entry.RetryCount != 3 {
		t.Errorf("entry.RetryCount = %d, want 3", entry.RetryCount)
	}
	if q.Size() != 1 {
		t.Errorf("Size = %d, want 1", q.Size())
	}
}

func TestAdd_EvictsOldestAtCapacity(t *testing.T) {
	var evictions []*dlq.Entry
	q := dlq.New(
		dlq.WithCapacity(3),
		dlq.WithOnOverflow(func(e *dlq.Entry) { evictions = append(evictions, e) }),
	)

	tasks := make([]*task.Task, 10)
	for i := range tasks {
		tasks[i] = failedTask(fmt.Sprintf("err %d", i))
		q.Push(tasks[i], nil)
	}

	// Exactly the last 3 remain, in insertion order.
	if q.Size() != 3 {
		t.Fatalf("Size = %d, want 3", q.Size())
	}
	all := q.All()
	for i, want := range tasks[7:] {
		if all[i].TaskID != want.ID {
			t.Errorf("entry %d = task %v, want %v", i, all[i].TaskID, want.ID)
		}
	}

	// Each of the 7 earlier insertions triggered one overflow signal.
	if len(evictions) != 7 {
		t.Errorf("got %d overflow signals, want 7", len(evictions))
	}
	for i, e := range evictions {
		if e.TaskID != tasks[i].ID {
			t.Errorf("eviction %d = task %v, want %v (insertion order)", i, e.TaskID, tasks[i].ID)
		}
	}
}

func TestGet_Remove_Clear(t *testing.T) {
	q := dlq.New()

	entry := q.Push(failedTask("x"), nil)

	if q.Get(entry.ID) != entry {
		t.Error("Get should return the stored entry")
	}
	if q.FindByTask(entry.TaskID) != entry {
		t.Error("FindByTask should locate the entry")
	}

	if !q.Remove(entry.ID) {
		t.Error("Remove should report true")
	}
	if q.Remove(entry.ID) {
		t.Error("Remove should report false for a missing entry")
	}

	q.Push(failedTask("y"), nil)
	q.Clear()
	if q.Size() != 0 {
		t.Errorf("Size = %d after Clear, want 0", q.Size())
	}
}

func TestErrorStats_GroupsByClass(t *testing.T) {
	q := dlq.New()

	q.Push(failedTask("t1"), fmt.Errorf("wrap: %w", keel.ErrTaskTimeout))
	q.Push(failedTask("t2"), keel.ErrTaskTimeout)
	q.Push(failedTask("b1"), keel.ErrBreakerOpen)
	q.Push(failedTask("plain"), errors.New("plain failure"))

	// No error recorded at all → Unknown bucket.
	blank := failedTask("")
	blank.LastError = ""
	q.Push(blank, nil)

	stats := q.ErrorStats()
	if stats["TaskTimeoutError"] != 2 {
		t.Errorf("TaskTimeoutError = %d, want 2", stats["TaskTimeoutError"])
	}
	if stats["CircuitBreakerOpenError"] != 1 {
		t.Errorf("CircuitBreakerOpenError = %d, want 1", stats["CircuitBreakerOpenError"])
	}
	if stats["Error"] != 1 {
		t.Errorf("Error = %d, want 1", stats["Error"])
	}
	if stats[dlq.UnknownClass] != 1 {
		t.Errorf("Unknown = %d, want 1", stats[dlq.UnknownClass])
	}
}

type flakyError struct{ msg string }

func (e *flakyError) Error() string      { return e.msg }
func (e *flakyError) ErrorClass() string { return "FlakyUpstream" }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{keel.ErrTaskTimeout, "TaskTimeoutError"},
		{keel.ErrRateLimited, "RateLimitExceededError"},
		{keel.ErrQueueFull, "QueueFullError"},
		{&flakyError{"x"}, "FlakyUpstream"},
		{errors.New("anything"), "Error"},
	}
	for _, tt := range tests {
		if got := dlq.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestExport_FlattensWithoutClosures(t *testing.T) {
	q := dlq.New()

	tk := failedTask("export me")
	q.Push(tk, errors.New("export me"))

	records := q.Export()
	if len(records) != 1 {
		t.Fatalf("Export returned %d records, want 1", len(records))
	}
	r := records[0]
	if r.TaskID != tk.ID.String() {
		t.Errorf("record.TaskID = %q, want %q", r.TaskID, tk.ID.String())
	}
	if r.Error != "export me" {
		t.Errorf("record.Error = %q", r.Error)
	}
	if r.Retries != 3 {
		t.Errorf("record.Retries = %d, want 3", r.Retries)
	}
	if r.FailedAt.IsZero() {
		t.Error("record.FailedAt should be set")
	}
}
