// Package engine is a task endpoint backed by Postgres (source of truth)
// and Redis (ready and delayed id queues).
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/storage"
)

// DefaultMaxAttempts applies when a task is enqueued without a limit.
const DefaultMaxAttempts = 3

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Store persists tasks and guards their locks.
type Store interface {
	InsertTask(ctx context.Context, p *storage.InsertTaskParams) (string, error)
	Lock(ctx context.Context, id, workerID string, d time.Duration) (domain.Task, error)
	ExtendLock(ctx context.Context, id, workerID string, d time.Duration) error
	Complete(ctx context.Context, id, workerID string, result []byte) error
	Fail(ctx context.Context, id, workerID string, taskErr domain.TaskError) (storage.FailResult, error)
	RequeueExpired(ctx context.Context, batch int) ([]storage.Requeued, error)
	Get(ctx context.Context, id string) (*storage.TaskRecord, error)
}

// Queue holds the ids of tasks waiting to be claimed.
type Queue interface {
	Enqueue(ctx context.Context, topic, taskID string, runAt time.Time) error
	Dequeue(ctx context.Context, topic string, block time.Duration) (string, error)
	TryDequeue(ctx context.Context, topic string) (string, error)
	Requeue(ctx context.Context, topic string, ids ...string) error
	Topics(ctx context.Context) ([]string, error)
	MoveDue(ctx context.Context, topic string, now int64, batch int64) (int, error)
}

// EnqueueParams describes a new task.
type EnqueueParams struct {
	Topic       string
	Payload     json.RawMessage
	RunAt       time.Time
	MaxAttempts int
}

// Engine implements endpoint.Endpoint. Infrastructure failures are returned
// as transient errors.
type Engine struct {
	store Store
	q     Queue
	log   *zap.Logger
}

var _ endpoint.Endpoint = (*Engine)(nil)

func New(store Store, q Queue, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, q: q, log: log.Named("engine")}
}

// Enqueue persists a queued task and makes its id claimable at p.RunAt.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.Topic == "" {
		return "", errors.Wrap(ErrInvalidRequest, "topic is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	id, err := e.store.InsertTask(ctx, &storage.InsertTaskParams{
		Topic:       p.Topic,
		Payload:     p.Payload,
		RunAt:       p.RunAt,
		MaxAttempts: p.MaxAttempts,
	})
	if err != nil {
		return "", endpoint.Transient(err)
	}
	if err := e.q.Enqueue(ctx, p.Topic, id, p.RunAt); err != nil {
		return "", endpoint.Transient(err)
	}

	e.log.Debug("task enqueued", zap.String("task_id", id), zap.String("topic", p.Topic))
	return id, nil
}

// FetchAndLock waits up to req.LongPollingTimeout for a first id on the
// topic, takes up to MaxTasks-1 more without waiting and locks each of them
// for req.WorkerID. Ids that can no longer be locked are skipped.
func (e *Engine) FetchAndLock(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
	if req.TopicName == "" || req.WorkerID == "" || req.MaxTasks <= 0 || req.LockDuration <= 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "fetch needs topic, worker id, max tasks and lock duration")
	}

	first, err := e.q.Dequeue(ctx, req.TopicName, req.LongPollingTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, endpoint.Transient(err)
	}
	if first == "" {
		return []domain.Task{}, nil
	}

	ids := []string{first}
	for len(ids) < req.MaxTasks {
		id, err := e.q.TryDequeue(ctx, req.TopicName)
		if err != nil {
			e.pushBack(ctx, req.TopicName, ids)
			return nil, endpoint.Transient(err)
		}
		if id == "" {
			break
		}
		ids = append(ids, id)
	}

	tasks := make([]domain.Task, 0, len(ids))
	for i, id := range ids {
		task, err := e.store.Lock(ctx, id, req.WorkerID, req.LockDuration)
		switch {
		case err == nil:
			tasks = append(tasks, task)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNotLockable):
			e.log.Debug("skipping stale task id", zap.String("task_id", id), zap.String("topic", req.TopicName))
		default:
			e.pushBack(ctx, req.TopicName, ids[i:])
			if len(tasks) > 0 {
				e.log.Warn("lock failed, returning tasks locked so far",
					zap.String("topic", req.TopicName), zap.Int("locked", len(tasks)), zap.Error(err))
				return tasks, nil
			}
			return nil, endpoint.Transient(err)
		}
	}

	return tasks, nil
}

// pushBack returns unclaimed ids to the head of the topic queue. It runs even
// when ctx is already cancelled.
func (e *Engine) pushBack(ctx context.Context, topic string, ids []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.q.Requeue(ctx, topic, ids...); err != nil {
		e.log.Error("could not return task ids to queue", zap.String("topic", topic),
			zap.Strings("task_ids", ids), zap.Error(err))
	}
}

func (e *Engine) ExtendLock(ctx context.Context, taskID, workerID string, additional time.Duration) error {
	if taskID == "" || workerID == "" || additional <= 0 {
		return errors.Wrap(ErrInvalidRequest, "extend lock needs task id, worker id and a positive duration")
	}
	return e.mapErr(e.store.ExtendLock(ctx, taskID, workerID, additional), taskID)
}

func (e *Engine) Complete(ctx context.Context, taskID, workerID string, result any) error {
	if taskID == "" || workerID == "" {
		return errors.Wrap(ErrInvalidRequest, "complete needs task id and worker id")
	}
	raw, err := encodeResult(result)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	if err := e.mapErr(e.store.Complete(ctx, taskID, workerID, raw), taskID); err != nil {
		return err
	}

	e.log.Debug("task completed", zap.String("task_id", taskID), zap.String("worker_id", workerID))
	return nil
}

// Fail stores taskErr. While attempts remain the task is pushed onto the
// delayed set of its topic, otherwise it ends as failed.
func (e *Engine) Fail(ctx context.Context, taskID, workerID string, taskErr domain.TaskError) error {
	if taskID == "" || workerID == "" {
		return errors.Wrap(ErrInvalidRequest, "fail needs task id and worker id")
	}
	res, err := e.store.Fail(ctx, taskID, workerID, taskErr)
	if err != nil {
		return e.mapErr(err, taskID)
	}

	log := e.log.With(zap.String("task_id", taskID), zap.String("topic", res.Topic),
		zap.String("code", taskErr.Code))
	if res.Status != domain.Queued {
		log.Info("task failed")
		return nil
	}
	if err := e.q.Enqueue(ctx, res.Topic, taskID, res.RunAt); err != nil {
		log.Error("task queued for retry but not pushed", zap.Time("run_at", res.RunAt), zap.Error(err))
		return nil
	}
	log.Info("task failed, retry scheduled", zap.Time("run_at", res.RunAt))
	return nil
}

// Get returns the stored state of a task.
func (e *Engine) Get(ctx context.Context, taskID string) (*storage.TaskRecord, error) {
	rec, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, e.mapErr(err, taskID)
	}
	return rec, nil
}

// RequeueExpired releases up to batch expired locks and pushes the tasks
// that still have attempts left back onto their topic queue. It returns how
// many were pushed.
func (e *Engine) RequeueExpired(ctx context.Context, batch int) (int, error) {
	released, err := e.store.RequeueExpired(ctx, batch)
	if err != nil {
		return 0, err
	}

	n := 0
	now := time.Now()
	for _, rq := range released {
		if rq.Status != domain.Queued {
			e.log.Info("task lock expired with no attempts left",
				zap.String("task_id", rq.ID), zap.String("topic", rq.Topic))
			continue
		}
		if err := e.q.Enqueue(ctx, rq.Topic, rq.ID, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PromoteDue moves delayed ids that are due onto the ready queue of every
// known topic and returns how many moved.
func (e *Engine) PromoteDue(ctx context.Context, batch int64) (int, error) {
	topics, err := e.q.Topics(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	total := 0
	for _, topic := range topics {
		n, err := e.q.MoveDue(ctx, topic, now, batch)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (e *Engine) mapErr(err error, taskID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return errors.Wrap(endpoint.ErrTaskNotFound, taskID)
	case errors.Is(err, storage.ErrLockMismatch):
		return errors.Wrap(endpoint.ErrLockLost, taskID)
	default:
		return endpoint.Transient(err)
	}
}

func encodeResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
