// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisQueueFromClient(client)
}

func TestRedisQueue_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	_, err := q.Enqueue(ctx, "low-1", PriorityLow, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "critical-1", PriorityCritical, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "normal-1", PriorityNormal, nil)
	require.NoError(t, err)

	var order []string
	for {
		id, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, id)
	}
	require.Equal(t, []string{"critical-1", "normal-1", "low-1"}, order)
}

func TestRedisQueue_FIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	// Spaced enqueues so wall-clock scores are strictly increasing.
	ids := []string{"t1", "t2", "t3"}
	for _, id := range ids {
		_, err := q.Enqueue(ctx, id, PriorityNormal, nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	var order []string
	for range ids {
		id, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, id)
	}
	require.Equal(t, ids, order)
}

func TestRedisQueue_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	_, err := q.Enqueue(ctx, "t1", PriorityNormal, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t1", PriorityCritical, nil)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestRedisQueue_PeekAndPosition(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	_, err := q.Enqueue(ctx, "t1", PriorityNormal, map[string]string{"model": "mace-mp-0-medium"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Enqueue(ctx, "t2", PriorityNormal, nil)
	require.NoError(t, err)

	head, ok, err := q.PeekFirst(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", head)

	entries, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "t1", entries[0].TaskID)
	require.Equal(t, PriorityNormal, entries[0].Priority)
	require.Equal(t, 0, entries[0].Position)
	require.Equal(t, 1, entries[1].Position)

	pos, ok, err := q.Position(ctx, "t2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, pos)

	_, ok, err = q.Position(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisQueue_RemoveClearsMetadata(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	_, err := q.Enqueue(ctx, "t1", PriorityNormal, map[string]string{"model": "orb-v2"})
	require.NoError(t, err)

	_, ok, err := q.WaitTime(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := q.Remove(ctx, "t1")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err = q.WaitTime(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok, "metadata must be deleted with the entry")

	removed, err = q.Remove(ctx, "t1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestRedisQueue_RequeueRestoresSlot(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	_, err := q.Enqueue(ctx, "first", PriorityNormal, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Enqueue(ctx, "second", PriorityNormal, nil)
	require.NoError(t, err)

	entries, err := q.Peek(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "first", entries[0].TaskID)

	removed, err := q.Remove(ctx, "first")
	require.NoError(t, err)
	require.True(t, removed)

	_, err = q.Requeue(ctx, "first", entries[0].Priority, entries[0].EnqueuedAt)
	require.NoError(t, err)

	head, ok, err := q.PeekFirst(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", head, "requeued task keeps its slot")
}

func TestRedisQueue_Reprioritize(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	_, err := q.Enqueue(ctx, "slow", PriorityLow, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Enqueue(ctx, "fast", PriorityNormal, nil)
	require.NoError(t, err)

	ok, err := q.Reprioritize(ctx, "slow", PriorityCritical)
	require.NoError(t, err)
	require.True(t, ok)

	head, found, err := q.PeekFirst(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "slow", head)

	counts, err := q.SizeByPriority(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[PriorityCritical])
	require.Equal(t, 1, counts[PriorityNormal])
	require.Equal(t, 0, counts[PriorityLow])
}

func TestRedisQueue_SizeAndClear(t *testing.T) {
	ctx := context.Background()
	q := setupRedisQueue(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := q.Enqueue(ctx, id, PriorityNormal, nil)
		require.NoError(t, err)
	}

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, size)

	n, err := q.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	size, err = q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}
