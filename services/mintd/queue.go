package mintd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	taskKeyPrefix    = "task:"
	pendingKeyPrefix = "pending:"
)

// ErrTaskNotFound is returned when no task exists for a reference.
var ErrTaskNotFound = errors.New("mintd: task not found")

// TaskState is the lifecycle of a mint task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskMinted     TaskState = "minted"
	TaskExhausted  TaskState = "exhausted"
	TaskIneligible TaskState = "ineligible"
	TaskFailed     TaskState = "failed"
)

// Final reports whether the task will not be processed again.
func (s TaskState) Final() bool {
	return s != TaskPending && s != ""
}

// Task is the durable record of one mint trigger.
type Task struct {
	Reference        string    `json:"reference"`
	Account          string    `json:"account"`
	Amount           string    `json:"amount,omitempty"`
	DeliveryID       string    `json:"deliveryId,omitempty"`
	State            TaskState `json:"state"`
	Attempts         int       `json:"attempts"`
	PaymentSignature string    `json:"paymentSignature,omitempty"`
	MintSignature    string    `json:"mintSignature,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Queue persists tasks in LevelDB keyed by reference, with a creation-ordered
// index of tasks that are not yet final.
type Queue struct {
	db *leveldb.DB
	mu sync.Mutex
}

// OpenQueue opens (or creates) the task database at path.
func OpenQueue(path string) (*Queue, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb queue path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb queue path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb queue: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue stores task unless one already exists for its reference. The stored
// task is returned together with whether it was newly created.
func (q *Queue) Enqueue(ctx context.Context, task Task) (Task, bool, error) {
	if q == nil || q.db == nil {
		return Task{}, false, fmt.Errorf("leveldb queue not configured")
	}
	if err := ctx.Err(); err != nil {
		return Task{}, false, err
	}
	ref := strings.TrimSpace(task.Reference)
	if ref == "" {
		return Task{}, false, fmt.Errorf("task reference required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, err := q.Get(ctx, ref)
	switch {
	case errors.Is(err, ErrTaskNotFound):
	case err != nil:
		return Task{}, false, err
	default:
		return existing, false, nil
	}
	if task.State == "" {
		task.State = TaskPending
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if err := q.write(task); err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

// Get loads the task for ref.
func (q *Queue) Get(ctx context.Context, ref string) (Task, error) {
	if q == nil || q.db == nil {
		return Task{}, fmt.Errorf("leveldb queue not configured")
	}
	raw, err := q.db.Get([]byte(taskKeyPrefix+strings.TrimSpace(ref)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

// Update overwrites an existing task, dropping it from the pending index once
// it is final.
func (q *Queue) Update(ctx context.Context, task Task) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("leveldb queue not configured")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.Get(ctx, task.Reference); err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()
	return q.write(task)
}

// Pending returns tasks that are not final, oldest first. Index entries
// pointing at a final task are ignored.
func (q *Queue) Pending(ctx context.Context) ([]Task, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("leveldb queue not configured")
	}
	iter := q.db.NewIterator(util.BytesPrefix([]byte(pendingKeyPrefix)), nil)
	defer iter.Release()

	tasks := make([]Task, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		ref, ok := parsePendingKey(iter.Key())
		if !ok {
			continue
		}
		task, err := q.Get(ctx, ref)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.State.Final() {
			continue
		}
		tasks = append(tasks, task)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate pending tasks: %w", err)
	}
	return tasks, nil
}

func (q *Queue) write(task Task) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(taskKeyPrefix+task.Reference), encoded)
	index := []byte(pendingKey(task.CreatedAt, task.Reference))
	if task.State.Final() {
		batch.Delete(index)
	} else {
		batch.Put(index, nil)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

func pendingKey(created time.Time, ref string) string {
	return fmt.Sprintf("%s%020d:%s", pendingKeyPrefix, created.UTC().UnixNano(), ref)
}

func parsePendingKey(key []byte) (string, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
