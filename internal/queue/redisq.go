package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const topicsKey = "topics"

func readyKey(topic string) string { return "queue:" + topic }
func delayKey(topic string) string { return "delay:" + topic }

// RedisQ keeps per-topic ready lists and delayed sets of task ids. Ids are
// pushed on the left and popped from the right.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

// Enqueue makes taskID available on topic at runAt.
func (q *RedisQ) Enqueue(ctx context.Context, topic string, taskID string, runAt time.Time) error {
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, topicsKey, topic)
	if time.Until(runAt) > 0 {
		pipe.ZAdd(ctx, delayKey(topic), r.Z{Score: float64(runAt.Unix()), Member: taskID})
	} else {
		pipe.LPush(ctx, readyKey(topic), taskID)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "enqueue %s on %s", taskID, topic)
}

// Dequeue pops one id, blocking up to block. Redis only blocks in whole
// seconds, so a positive block below one second waits one second. A
// non-positive block does not wait at all. An empty id means nothing was
// ready.
func (q *RedisQ) Dequeue(ctx context.Context, topic string, block time.Duration) (string, error) {
	if block <= 0 {
		return q.TryDequeue(ctx, topic)
	}
	if block < time.Second {
		block = time.Second
	}

	res, err := q.rdb.BRPop(ctx, block, readyKey(topic)).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "brpop %s", topic)
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// TryDequeue pops one id without blocking.
func (q *RedisQ) TryDequeue(ctx context.Context, topic string) (string, error) {
	id, err := q.rdb.RPop(ctx, readyKey(topic)).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	return id, errors.Wrapf(err, "rpop %s", topic)
}

// Requeue puts ids back at the head of the ready list, preserving their
// order, so they are the next ones popped.
func (q *RedisQ) Requeue(ctx context.Context, topic string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]any, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		vals = append(vals, ids[i])
	}
	return errors.Wrapf(q.rdb.RPush(ctx, readyKey(topic), vals...).Err(), "requeue on %s", topic)
}

// Topics returns every topic that ever had a task enqueued.
func (q *RedisQ) Topics(ctx context.Context) ([]string, error) {
	out, err := q.rdb.SMembers(ctx, topicsKey).Result()
	return out, errors.Wrap(err, "list topics")
}

// Len returns the number of ready ids on topic.
func (q *RedisQ) Len(ctx context.Context, topic string) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey(topic)).Result()
	return n, errors.Wrapf(err, "llen %s", topic)
}

// MoveDue moves up to batch delayed ids whose time has come onto the ready
// list and returns how many moved.
func (q *RedisQ) MoveDue(ctx context.Context, topic string, now int64, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey(topic), &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(ids) == 0 {
		return 0, errors.Wrapf(err, "due %s", topic)
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(topic), id)
		pipe.ZRem(ctx, delayKey(topic), id)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "move due %s", topic)
	}
	return len(ids), nil
}
