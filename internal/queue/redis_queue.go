package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"voice-intent-pipeline/internal/config"
)

// RedisQueue coordinates the ready, in-flight, and scheduled task queues in
// Redis. Delivery is at-least-once: a lease that expires puts the task back on
// the ready list, and the worker's session lease turns that into at-most-once
// effect.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	taskMetaPfx   string
	pendingPfx    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		readyKey:      "voice:ready",
		inflightKey:   "voice:inflight",
		scheduledKey:  "voice:scheduled",
		taskMetaPfx:   "voice:taskmeta:",
		pendingPfx:    "voice:pending:",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

func (q *RedisQueue) metaKey(taskID string) string    { return q.taskMetaPfx + taskID }
func (q *RedisQueue) pendingKey(userID string) string { return q.pendingPfx + userID }

// Enqueue appends a task to the ready queue and records it as the user's
// pending task for supersession.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID, userID string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "user", userID)
	pipe.RPush(ctx, q.readyKey, taskID)
	pipe.Set(ctx, q.pendingKey(userID), taskID, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// SupersedePending discards the user's previous task if it is still waiting
// (ready or scheduled, not leased). Returns the discarded task id, if any.
// Conversational intent follows the most recent utterance, so an unleased
// older clip must never run after a newer one arrived.
func (q *RedisQueue) SupersedePending(ctx context.Context, userID string) (string, error) {
	res, err := supersedeScript.Run(ctx, q.client,
		[]string{q.pendingKey(userID), q.readyKey, q.scheduledKey},
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	old, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from supersede script: %T", res)
	}
	if old != "" {
		if err := q.client.Del(ctx, q.metaKey(old)).Err(); err != nil {
			return old, err
		}
	}
	return old, nil
}

// DequeueWithLease pops a ready task and places it into the in-flight set with
// a visibility deadline.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ClearPending drops the user's pending pointer if it still names taskID.
func (q *RedisQueue) ClearPending(ctx context.Context, userID, taskID string) error {
	return clearPendingScript.Run(ctx, q.client, []string{q.pendingKey(userID)}, taskID).Err()
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a task into the scheduled set for deferred execution, used
// for retry backoff and session-lease deferrals.
func (q *RedisQueue) Schedule(ctx context.Context, taskID, userID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "user", userID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks onto the ready list. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the latest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)

var supersedeScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then return nil end
local removed = redis.call('LREM', KEYS[2], 0, old)
removed = removed + redis.call('ZREM', KEYS[3], old)
if removed > 0 then
  redis.call('DEL', KEYS[1])
  return old
end
return nil
`)

var clearPendingScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)
