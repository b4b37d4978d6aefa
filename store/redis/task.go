package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/id"
	"github.com/keelhq/keel/task"
)

// taskRecord is the msgpack wire shape of a persisted task snapshot.
// Execute functions and results never round-trip through the store.
type taskRecord struct {
	ID         string        `msgpack:"id"`
	Name       string        `msgpack:"name,omitempty"`
	Payload    []byte        `msgpack:"payload,omitempty"`
	Priority   int           `msgpack:"priority"`
	State      string        `msgpack:"state"`
	MaxRetries int           `msgpack:"max_retries"`
	RetryCount int           `msgpack:"retry_count"`
	LastError  string        `msgpack:"last_error,omitempty"`
	ErrorClass string        `msgpack:"error_class,omitempty"`
	Timeout    time.Duration `msgpack:"timeout,omitempty"`

	AddedAt     time.Time  `msgpack:"added_at"`
	StartedAt   *time.Time `msgpack:"started_at,omitempty"`
	CompletedAt *time.Time `msgpack:"completed_at,omitempty"`
	FailedAt    *time.Time `msgpack:"failed_at,omitempty"`
}

func encodeTask(t *task.Task) ([]byte, error) {
	rec := taskRecord{
		ID:          t.ID.String(),
		Name:        t.Name,
		Payload:     t.Payload,
		Priority:    int(t.Priority),
		State:       string(t.State),
		MaxRetries:  t.MaxRetries,
		RetryCount:  t.RetryCount,
		LastError:   t.LastError,
		ErrorClass:  t.ErrorClass,
		Timeout:     t.Timeout,
		AddedAt:     t.AddedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		FailedAt:    t.FailedAt,
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("keel/redis: encode task: %w", err)
	}
	return data, nil
}

func decodeTask(data []byte) (*task.Task, error) {
	var rec taskRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keel/redis: decode task: %w", err)
	}
	taskID, err := id.ParseTaskID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("keel/redis: decode task id: %w", err)
	}
	return &task.Task{
		ID:          taskID,
		Name:        rec.Name,
		Payload:     rec.Payload,
		Priority:    task.Priority(rec.Priority),
		State:       task.State(rec.State),
		MaxRetries:  rec.MaxRetries,
		RetryCount:  rec.RetryCount,
		LastError:   rec.LastError,
		ErrorClass:  rec.ErrorClass,
		Timeout:     rec.Timeout,
		AddedAt:     rec.AddedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		FailedAt:    rec.FailedAt,
	}, nil
}

// SaveTask stores the task snapshot and adds its ID to the enumeration set.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	data, err := encodeTask(t)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(tID), data, 0)
	pipe.SAdd(ctx, taskIDsKey, tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keel/redis: save task: %w", err)
	}
	return nil
}

// UpdateTask persists changes to an existing task snapshot.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("keel/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return keel.ErrTaskNotFound
	}

	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("keel/redis: update task: %w", err)
	}
	return nil
}

// DeleteTask removes a task snapshot by ID.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	tID := taskID.String()

	removed, err := s.client.Del(ctx, taskKey(tID)).Result()
	if err != nil {
		return fmt.Errorf("keel/redis: delete task: %w", err)
	}
	if removed == 0 {
		return keel.ErrTaskNotFound
	}
	if err := s.client.SRem(ctx, taskIDsKey, tID).Err(); err != nil {
		return fmt.Errorf("keel/redis: delete task id: %w", err)
	}
	return nil
}

// GetTask retrieves a task snapshot by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskKey(taskID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, keel.ErrTaskNotFound
		}
		return nil, fmt.Errorf("keel/redis: get task: %w", err)
	}
	return decodeTask(data)
}

// LoadTasks returns all persisted task snapshots ordered by AddedAt.
// A snapshot whose key expired between enumeration and fetch is skipped.
func (s *Store) LoadTasks(ctx context.Context) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("keel/redis: load tasks smembers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		data, getErr := s.client.Get(ctx, taskKey(tID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("keel/redis: load task %s: %w", tID, getErr)
		}
		t, decErr := decodeTask(data)
		if decErr != nil {
			return nil, decErr
		}
		tasks = append(tasks, t)
	}

	// SMembers order is unspecified; AddedAt order is the contract.
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].AddedAt.Before(tasks[j].AddedAt)
	})
	return tasks, nil
}
