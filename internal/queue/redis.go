// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
)

const (
	redisQueueKey   = "gpusched:task_queue"
	redisMetaPrefix = "gpusched:task_meta:"
	redisMetaTTL    = 7 * 24 * time.Hour
)

// RedisQueue is a sorted-set-backed Queue. The score scheme is identical to
// MemoryQueue, so both backends present the same ordering. Ties inside the
// score resolution fall back to Redis's lexicographic member order.
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// NewRedisQueue creates a sorted-set-backed queue and verifies connectivity.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisQueue{
		client: client,
		logger: log.WithComponent("queue"),
	}, nil
}

// NewRedisQueueFromClient wraps an existing client; used in tests.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, logger: log.WithComponent("queue")}
}

var _ Queue = (*RedisQueue)(nil)

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping verifies backend connectivity; used by health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue inserts the task with score = rank*1e12 + now.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string, priority Priority, metadata map[string]string) (float64, error) {
	now := nowSeconds()
	score := scoreFor(priority, now)

	added, err := q.client.ZAddNX(ctx, redisQueueKey, redis.Z{Score: score, Member: taskID}).Result()
	if err != nil {
		return 0, fmt.Errorf("zadd: %w", err)
	}
	if added == 0 {
		return 0, ErrDuplicate
	}

	fields := map[string]string{
		"priority":    priority.String(),
		"enqueued_at": strconv.FormatFloat(now, 'f', -1, 64),
	}
	for k, v := range metadata {
		fields[k] = v
	}
	metaKey := redisMetaPrefix + taskID
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, metaKey, fields)
	pipe.Expire(ctx, metaKey, redisMetaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("queue metadata write failed")
	}

	queueSize.WithLabelValues(priority.String()).Inc()
	queueOps.WithLabelValues("enqueue").Inc()
	q.logger.Debug().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldPriority, priority.String()).
		Float64(log.FieldScore, score).
		Msg("task enqueued")

	return score, nil
}

// Requeue reinserts the task scored with the original enqueue time, so it
// lands back in the slot it held before it was removed.
func (q *RedisQueue) Requeue(ctx context.Context, taskID string, priority Priority, enqueuedAt float64) (float64, error) {
	score := scoreFor(priority, enqueuedAt)

	added, err := q.client.ZAddNX(ctx, redisQueueKey, redis.Z{Score: score, Member: taskID}).Result()
	if err != nil {
		return 0, fmt.Errorf("zadd: %w", err)
	}
	if added == 0 {
		return 0, ErrDuplicate
	}

	fields := map[string]string{
		"priority":    priority.String(),
		"enqueued_at": strconv.FormatFloat(enqueuedAt, 'f', -1, 64),
	}
	metaKey := redisMetaPrefix + taskID
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, metaKey, fields)
	pipe.Expire(ctx, metaKey, redisMetaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("queue metadata write failed")
	}

	queueSize.WithLabelValues(priority.String()).Inc()
	queueOps.WithLabelValues("requeue").Inc()
	q.logger.Debug().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldPriority, priority.String()).
		Float64(log.FieldScore, score).
		Msg("task requeued")

	return score, nil
}

// Dequeue removes and returns the least-score entry.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, bool, error) {
	res, err := q.client.ZPopMin(ctx, redisQueueKey, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("zpopmin: %w", err)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	taskID, _ := res[0].Member.(string)
	priority, enqueuedAt := splitScore(res[0].Score)

	queueSize.WithLabelValues(priority.String()).Dec()
	queueWaitTime.WithLabelValues(priority.String()).Observe(nowSeconds() - enqueuedAt)
	queueOps.WithLabelValues("dequeue").Inc()
	q.logger.Debug().Str(log.FieldTaskID, taskID).Msg("task dequeued")

	return taskID, true, nil
}

// PeekFirst returns the head without removing it.
func (q *RedisQueue) PeekFirst(ctx context.Context) (string, bool, error) {
	res, err := q.client.ZRange(ctx, redisQueueKey, 0, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("zrange: %w", err)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	return res[0], true, nil
}

// Peek returns the first n entries in ascending score order.
func (q *RedisQueue) Peek(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	res, err := q.client.ZRangeWithScores(ctx, redisQueueKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	out := make([]Entry, 0, len(res))
	for i, z := range res {
		taskID, _ := z.Member.(string)
		priority, enqueuedAt := splitScore(z.Score)
		out = append(out, Entry{
			TaskID:     taskID,
			Priority:   priority,
			EnqueuedAt: enqueuedAt,
			Score:      z.Score,
			Position:   i,
		})
	}
	return out, nil
}

// Remove deletes the entry; used for cancellation.
func (q *RedisQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	score, err := q.client.ZScore(ctx, redisQueueKey, taskID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore: %w", err)
	}
	removed, err := q.client.ZRem(ctx, redisQueueKey, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("zrem: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	q.client.Del(ctx, redisMetaPrefix+taskID)

	priority, _ := splitScore(score)
	queueSize.WithLabelValues(priority.String()).Dec()
	queueOps.WithLabelValues("remove").Inc()
	q.logger.Debug().Str(log.FieldTaskID, taskID).Msg("task removed from queue")
	return true, nil
}

// Position returns the 0-based rank of the task.
func (q *RedisQueue) Position(ctx context.Context, taskID string) (int, bool, error) {
	rank, err := q.client.ZRank(ctx, redisQueueKey, taskID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zrank: %w", err)
	}
	return int(rank), true, nil
}

// Size returns the total entry count.
func (q *RedisQueue) Size(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return int(n), nil
}

// SizeByPriority counts entries per priority class.
func (q *RedisQueue) SizeByPriority(ctx context.Context) (map[Priority]int, error) {
	counts := make(map[Priority]int, len(Priorities))
	for i, p := range Priorities {
		lo := float64(i) * priorityBand
		hi := float64(i+1) * priorityBand
		n, err := q.client.ZCount(ctx,
			redisQueueKey,
			strconv.FormatFloat(lo, 'f', -1, 64),
			"("+strconv.FormatFloat(hi, 'f', -1, 64),
		).Result()
		if err != nil {
			return nil, fmt.Errorf("zcount: %w", err)
		}
		counts[p] = int(n)
	}
	return counts, nil
}

// Reprioritize recomputes the score with the new priority while preserving
// the original enqueue time.
func (q *RedisQueue) Reprioritize(ctx context.Context, taskID string, priority Priority) (bool, error) {
	score, err := q.client.ZScore(ctx, redisQueueKey, taskID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore: %w", err)
	}

	oldPriority, enqueuedAt := splitScore(score)
	newScore := scoreFor(priority, enqueuedAt)
	if err := q.client.ZAdd(ctx, redisQueueKey, redis.Z{Score: newScore, Member: taskID}).Err(); err != nil {
		return false, fmt.Errorf("zadd: %w", err)
	}

	if oldPriority != priority {
		queueSize.WithLabelValues(oldPriority.String()).Dec()
		queueSize.WithLabelValues(priority.String()).Inc()
	}
	queueOps.WithLabelValues("reprioritize").Inc()
	q.logger.Info().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldPriority, priority.String()).
		Float64(log.FieldScore, newScore).
		Msg("task reprioritized")
	return true, nil
}

// WaitTime reports how long the task has been queued.
func (q *RedisQueue) WaitTime(ctx context.Context, taskID string) (time.Duration, bool, error) {
	raw, err := q.client.HGet(ctx, redisMetaPrefix+taskID, "enqueued_at").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("hget: %w", err)
	}
	enqueuedAt, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, nil
	}
	return time.Duration((nowSeconds() - enqueuedAt) * float64(time.Second)), true, nil
}

// Clear empties the queue and returns the removed count.
func (q *RedisQueue) Clear(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	if err := q.client.Del(ctx, redisQueueKey).Err(); err != nil {
		return 0, fmt.Errorf("del: %w", err)
	}
	if n > 0 {
		q.logger.Warn().Int64("removed", n).Msg("queue cleared")
	}
	return int(n), nil
}
