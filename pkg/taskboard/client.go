package taskboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the task board.
// All keys and channels are automatically namespaced with the instance ID.
// The client is thread-safe and can be used concurrently from multiple
// goroutines.
type Client struct {
	rdb      *redis.Client
	instance string
}

// NewClient creates a new task board client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instance: Kiln instance identifier (must not be empty)
//
// Returns an error if instance is empty.
func NewClient(redisOpts *redis.Options, instance string) (*Client, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance ID cannot be empty")
	}

	return &Client{
		rdb:      redis.NewClient(redisOpts),
		instance: instance,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Instance returns the instance ID this client is scoped to.
func (c *Client) Instance() string {
	return c.instance
}

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Submit validates params, assigns a task ID and sequence number, writes the
// pending record and appends it to the instance queue. The record is
// persisted before Submit returns so a daemon restart recovers the queue.
//
// Validation failures are returned as a TaskError with kind ErrBadRequest and
// leave no record behind.
func (c *Client) Submit(ctx context.Context, kind TaskKind, user string, params any, interactive bool) (*Task, error) {
	if !KnownKind(kind) {
		return nil, NewTaskError(ErrBadRequest, "unsupported task kind %q", kind)
	}
	if user == "" {
		return nil, NewTaskError(ErrBadRequest, "submitting user cannot be empty")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, NewTaskError(ErrBadRequest, "unserializable task parameters: %v", err)
	}

	sequence, err := c.rdb.Incr(ctx, SequenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate task sequence number: %w", err)
	}

	task := &Task{
		ID:            uuid.New().String(),
		Sequence:      sequence,
		Kind:          kind,
		Instance:      c.instance,
		User:          user,
		State:         TaskStatePending,
		SubmittedAtMs: time.Now().UnixMilli(),
		Interactive:   interactive,
		Params:        string(paramsJSON),
	}
	if err := task.Validate(); err != nil {
		return nil, NewTaskError(ErrBadRequest, "invalid task: %v", err)
	}

	// Write the record first, then enqueue: a task ID present in the queue
	// always resolves to a record.
	if err := c.writeTask(ctx, task); err != nil {
		return nil, err
	}
	if err := c.rdb.RPush(ctx, QueueKey(c.instance), task.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}

	c.publishEvent(ctx, task)
	return task, nil
}

// GetTask retrieves a task record by ID.
// Returns (nil, redis.Nil) if the task doesn't exist; use IsNotFound().
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	hash, err := c.rdb.HGetAll(ctx, TaskKey(c.instance, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task from Redis: %w", err)
	}
	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return HashToTask(hash)
}

// Pending returns the instance's queued tasks in FIFO submission order.
func (c *Client) Pending(ctx context.Context) ([]*Task, error) {
	ids, err := c.rdb.LRange(ctx, QueueKey(c.instance), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending queue: %w", err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Withdrawn record whose queue entry was not yet removed
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Dequeue pops the oldest pending task, marks it running and sets the
// running marker. Blocks up to timeout; returns (nil, nil) when nothing was
// queued within it. Only the instance worker calls Dequeue.
func (c *Client) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := c.rdb.BLPop(ctx, timeout, QueueKey(c.instance)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}
	// BLPop returns [key, value]
	taskID := res[1]

	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			// Record withdrawn between push and pop; nothing to run
			return nil, nil
		}
		return nil, err
	}
	if task.State != TaskStatePending {
		// Withdrawn or already finalized, skip
		return nil, nil
	}

	task.State = TaskStateRunning
	if err := c.writeTask(ctx, task); err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, RunningKey(c.instance), task.ID, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to set running marker: %w", err)
	}
	c.publishEvent(ctx, task)
	return task, nil
}

// Running returns the instance's currently running task, or nil.
func (c *Client) Running(ctx context.Context) (*Task, error) {
	taskID, err := c.rdb.Get(ctx, RunningKey(c.instance)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read running marker: %w", err)
	}
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// UpdateTask rewrites an existing task record, e.g. to record the workspace
// path once the task starts.
func (c *Client) UpdateTask(ctx context.Context, task *Task) error {
	return c.writeTask(ctx, task)
}

// Finalize transitions a running task to its terminal state, clears the
// running marker and moves the task into the history index. The terminal
// record is written before the marker is cleared so an observer never sees
// an instance with neither a running task nor a terminal record.
func (c *Client) Finalize(ctx context.Context, task *Task) error {
	if !task.Terminal() {
		return fmt.Errorf("task %s is not in a terminal state", task.ID)
	}
	if err := c.writeTask(ctx, task); err != nil {
		return err
	}
	if err := c.rdb.ZAdd(ctx, HistoryKey(c.instance), redis.Z{
		Score:  float64(task.Sequence),
		Member: task.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to record task %s in history: %w", task.ID, err)
	}
	// Clear the running marker only if it still points at this task
	current, err := c.rdb.Get(ctx, RunningKey(c.instance)).Result()
	if err == nil && current == task.ID {
		if err := c.rdb.Del(ctx, RunningKey(c.instance)).Err(); err != nil {
			return fmt.Errorf("failed to clear running marker: %w", err)
		}
	}
	c.publishEvent(ctx, task)
	return nil
}

// History returns terminal tasks, most recent first. limit <= 0 returns all.
func (c *Client) History(ctx context.Context, limit int) ([]*Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := c.rdb.ZRevRange(ctx, HistoryKey(c.instance), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history index: %w", err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Withdraw removes a pending task before it starts. Running or terminal
// tasks cannot be withdrawn. The queue removal is the authoritative step:
// the record is only deleted when this client actually took the task off
// the queue, so a worker dequeuing it concurrently keeps its record.
func (c *Client) Withdraw(ctx context.Context, taskID string) error {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != TaskStatePending {
		return NewTaskError(ErrBadRequest, "task %s is %s, only pending tasks can be withdrawn", taskID, task.State)
	}
	removed, err := c.rdb.LRem(ctx, QueueKey(c.instance), 1, taskID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove task %s from queue: %w", taskID, err)
	}
	if removed == 0 {
		return NewTaskError(ErrBadRequest, "task %s already left the queue, only pending tasks can be withdrawn", taskID)
	}
	if err := c.rdb.Del(ctx, TaskKey(c.instance, taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task record %s: %w", taskID, err)
	}
	return nil
}

// DropHistory removes a terminal task from the history index and deletes its
// record. Used by the purge pipeline; the caller removes the workspace.
func (c *Client) DropHistory(ctx context.Context, taskID string) error {
	if err := c.rdb.ZRem(ctx, HistoryKey(c.instance), taskID).Err(); err != nil {
		return fmt.Errorf("failed to drop task %s from history index: %w", taskID, err)
	}
	if err := c.rdb.Del(ctx, TaskKey(c.instance, taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task record %s: %w", taskID, err)
	}
	return nil
}

// RecoverInterrupted finalizes any task left in the running state by an
// unclean daemon shutdown. Called once at worker startup, before the first
// dequeue. Returns the recovered task, or nil when the previous shutdown was
// clean.
func (c *Client) RecoverInterrupted(ctx context.Context) (*Task, error) {
	task, err := c.Running(ctx)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Marker may be stale with no record behind it
		c.rdb.Del(ctx, RunningKey(c.instance))
		return nil, nil
	}
	task.State = TaskStateFailed
	task.ErrorKind = ErrInterruptedExecution
	task.ErrorMessage = "task was running when the server restarted"
	if err := c.Finalize(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// MarkAttached flags an interactive build shell as attached. The worker
// blocks in WaitDetach until the flag is deleted.
func (c *Client) MarkAttached(ctx context.Context, taskID string) error {
	return c.rdb.Set(ctx, AttachKey(c.instance, taskID), "1", 0).Err()
}

// Detach clears the attach flag, releasing the worker.
func (c *Client) Detach(ctx context.Context, taskID string) error {
	return c.rdb.Del(ctx, AttachKey(c.instance, taskID)).Err()
}

// WaitDetach polls until the attach flag disappears or ctx is cancelled.
func (c *Client) WaitDetach(ctx context.Context, taskID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.rdb.Exists(ctx, AttachKey(c.instance, taskID)).Result()
			if err != nil {
				return fmt.Errorf("failed to check attach flag: %w", err)
			}
			if n == 0 {
				return nil
			}
		}
	}
}

// writeTask serializes and stores one task record.
func (c *Client) writeTask(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	key := TaskKey(c.instance, task.ID)
	if err := c.rdb.HSet(ctx, key, TaskToHash(task)).Err(); err != nil {
		return fmt.Errorf("failed to write task to Redis: %w", err)
	}
	return nil
}

// publishEvent broadcasts the task's current state on the instance event
// channel. Publish failures are deliberately ignored: events are advisory,
// the record in Redis is the source of truth.
func (c *Client) publishEvent(ctx context.Context, task *Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		return
	}
	c.rdb.Publish(ctx, TaskEventsChannel(c.instance), payload)
}

// Subscription represents an active Pub/Sub subscription to task events.
// Events are delivered as full task objects via the Events() channel.
type Subscription struct {
	events <-chan *Task
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel delivering task lifecycle events.
func (s *Subscription) Events() <-chan *Task {
	return s.events
}

// Errors returns the channel delivering subscription errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close terminates the subscription and releases its resources.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeTaskEvents subscribes to the instance's task lifecycle events.
// The subscription runs until Close is called or ctx is cancelled.
func (c *Client) SubscribeTaskEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, TaskEventsChannel(c.instance))

	eventsChan := make(chan *Task, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var task Task
				if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal task event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case eventsChan <- &task:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
