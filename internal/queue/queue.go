// Package queue is the server-side task store. It keeps the latest record per
// task id in Redis, hands started tasks to workers in launch order, and
// publishes every status change on a per-task channel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nadmax/taskrpc/internal/metrics"
	"github.com/nadmax/taskrpc/internal/repository"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix     = "task:"
	indexKey            = "tasks"
	queueKey            = "task_queue"
	statusChannelPrefix = "task_status:"

	maxTxRetries = 16
)

var (
	ErrNotFound = errors.New("task not found")
	ErrRunning  = errors.New("task is still running")
)

type Queue struct {
	client *redis.Client
	repo   repository.TaskRepository
}

// NewQueue connects to Redis. repo may be nil, in which case run history is
// not recorded.
func NewQueue(redisAddr string, repo repository.TaskRepository) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{
		client: client,
		repo:   repo,
	}, nil
}

func recordKey(id task.ID) string {
	return recordKeyPrefix + string(id)
}

// StatusChannel is the pub/sub channel carrying status JSON for id.
func StatusChannel(id task.ID) string {
	return statusChannelPrefix + string(id)
}

// Launch starts id unless its current record is started, in which case the
// returned status is blocked and nothing is written. The check and the write
// happen in one optimistic transaction, so concurrent launches of the same id
// produce exactly one started record.
func (q *Queue) Launch(ctx context.Context, id task.ID, action string, args json.RawMessage) (*task.Status, error) {
	var launched *task.Record
	key := recordKey(id)

	txf := func(tx *redis.Tx) error {
		launched = nil

		current, err := loadRecord(ctx, tx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if current != nil && current.State == task.StateStarted {
			return nil
		}

		rec := task.NewRecord(id, action, args)
		data, err := rec.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, indexKey, string(id))
			pipe.ZAdd(ctx, queueKey, redis.Z{
				Score:  float64(rec.CreatedAt.UnixMilli()),
				Member: string(id),
			})
			return nil
		})
		if err == nil {
			launched = rec
		}

		return err
	}

	if err := q.withRetry(ctx, txf, key); err != nil {
		return nil, fmt.Errorf("failed to launch task %s: %w", id, err)
	}

	if launched == nil {
		metrics.RecordTaskBlocked(action)
		log.Printf("[Task %s] Launch blocked, task already running", id)
		return task.BlockedStatus(id), nil
	}

	metrics.RecordTaskLaunched(action)
	log.Printf("[Task %s] Launched (action: %s, run: %s)", id, action, launched.RunID)

	if q.repo != nil {
		if err := q.repo.SaveRun(ctx, launched); err != nil {
			log.Printf("[Task %s] Failed to save run history: %v", id, err)
		}
	}

	st := launched.Snapshot(time.Now())
	q.publish(ctx, st)

	return st, nil
}

// Status renders the current record as a status snapshot. An id with no
// record is not_started.
func (q *Queue) Status(ctx context.Context, id task.ID) (*task.Status, error) {
	rec, err := q.GetTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return task.NotStartedStatus(id), nil
	}
	if err != nil {
		return nil, err
	}

	return rec.Snapshot(time.Now()), nil
}

func (q *Queue) GetTask(ctx context.Context, id task.ID) (*task.Record, error) {
	return loadRecord(ctx, q.client, id)
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Record, error) {
	ids, err := q.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*task.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(task.ID(id))
	}

	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*task.Record, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}

		rec, err := task.RecordFromJSON(data)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// Dequeue pops the oldest launched task that is still started. Tasks
// cancelled before a worker picked them up are skipped. It returns nil when
// nothing is waiting.
func (q *Queue) Dequeue(ctx context.Context) (*task.Record, error) {
	for {
		popped, err := q.client.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			return nil, err
		}
		if len(popped) == 0 {
			return nil, nil
		}

		id := task.ID(fmt.Sprint(popped[0].Member))
		rec, err := q.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.State != task.StateStarted {
			log.Printf("[Task %s] Skipping %s task", id, rec.State)
			continue
		}

		return rec, nil
	}
}

// Claim records which worker runs the given run of id.
func (q *Queue) Claim(ctx context.Context, id task.ID, runID, workerID string) (bool, error) {
	ok, _, err := q.update(ctx, id, runID, func(rec *task.Record) {
		rec.WorkerID = workerID
	})
	if err != nil || !ok {
		return ok, err
	}

	if q.repo != nil {
		if err := q.repo.AssignWorker(ctx, runID, workerID); err != nil {
			log.Printf("[Task %s] Failed to record worker: %v", id, err)
		}
	}

	return true, nil
}

// Progress replaces the progress text of a running task.
func (q *Queue) Progress(ctx context.Context, id task.ID, runID, statusString string) (bool, error) {
	ok, _, err := q.update(ctx, id, runID, func(rec *task.Record) {
		rec.StatusString = statusString
	})

	return ok, err
}

// Finish moves the given run of id to a terminal state. It does nothing when
// the record is no longer that started run, e.g. after a cancel.
func (q *Queue) Finish(ctx context.Context, id task.ID, runID string, state task.State, result json.RawMessage, errMsg string) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("cannot finish task %s with non-terminal state %s", id, state)
	}

	ok, rec, err := q.update(ctx, id, runID, func(rec *task.Record) {
		now := time.Now()
		rec.State = state
		rec.CompletedAt = &now
		rec.Error = errMsg
		if state == task.StateCompleted {
			rec.Result = result
		}
	})
	if err != nil || !ok {
		return ok, err
	}

	q.recordFinished(ctx, rec)
	return true, nil
}

// Cancel marks a started task cancelled. It reports false when there was
// nothing running to cancel. A queued entry is left in place for Dequeue to
// skip.
func (q *Queue) Cancel(ctx context.Context, id task.ID) (bool, error) {
	ok, rec, err := q.update(ctx, id, "", func(rec *task.Record) {
		now := time.Now()
		rec.State = task.StateCancelled
		rec.CompletedAt = &now
	})
	if err != nil || !ok {
		return ok, err
	}

	q.recordFinished(ctx, rec)
	log.Printf("[Task %s] Cancelled", id)

	return true, nil
}

// Delete drops a finished record so the id reads as not_started again.
func (q *Queue) Delete(ctx context.Context, id task.ID) error {
	key := recordKey(id)

	txf := func(tx *redis.Tx) error {
		rec, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.State == task.StateStarted {
			return ErrRunning
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, indexKey, string(id))
			pipe.ZRem(ctx, queueKey, string(id))
			return nil
		})

		return err
	}

	return q.withRetry(ctx, txf, key)
}

// Subscribe opens a pub/sub subscription to status changes of id. The caller
// owns the returned subscription and must close it.
func (q *Queue) Subscribe(ctx context.Context, id task.ID) *redis.PubSub {
	return q.client.Subscribe(ctx, StatusChannel(id))
}

func (q *Queue) QueueDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// update applies mutate to the record of id inside a transaction, but only
// while the record is started and, when runID is set, belongs to that run.
func (q *Queue) update(ctx context.Context, id task.ID, runID string, mutate func(*task.Record)) (bool, *task.Record, error) {
	var updated *task.Record
	key := recordKey(id)

	txf := func(tx *redis.Tx) error {
		updated = nil

		rec, err := loadRecord(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State != task.StateStarted || (runID != "" && rec.RunID != runID) {
			return nil
		}

		mutate(rec)
		data, err := rec.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = rec
		}

		return err
	}

	if err := q.withRetry(ctx, txf, key); err != nil {
		return false, nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if updated == nil {
		return false, nil, nil
	}

	q.publish(ctx, updated.Snapshot(time.Now()))
	return true, updated, nil
}

func (q *Queue) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := q.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return redis.TxFailedErr
}

func (q *Queue) publish(ctx context.Context, st *task.Status) {
	data, err := st.ToJSON()
	if err != nil {
		log.Printf("[Task %s] Failed to encode status: %v", st.TaskID, err)
		return
	}

	if err := q.client.Publish(ctx, StatusChannel(st.TaskID), data).Err(); err != nil {
		log.Printf("[Task %s] Failed to publish status: %v", st.TaskID, err)
	}
}

func (q *Queue) recordFinished(ctx context.Context, rec *task.Record) {
	metrics.RecordTaskFinished(rec.Action, rec.State, rec.Duration())

	if q.repo != nil {
		if err := q.repo.FinishRun(ctx, rec); err != nil {
			log.Printf("[Task %s] Failed to save run history: %v", rec.ID, err)
		}
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadRecord(ctx context.Context, c getter, id task.ID) (*task.Record, error) {
	data, err := c.Get(ctx, recordKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return task.RecordFromJSON(data)
}
