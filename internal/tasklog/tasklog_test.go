// SPDX-License-Identifier: MIT

package tasklog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAppendAndGet(t *testing.T) {
	s := New(0)

	s.Append("t1", LevelInfo, "queued", nil)
	s.Append("t1", LevelDebug, "estimating memory", map[string]any{"mb": 5040})
	s.Append("t1", LevelWarning, "retrying probe", nil)
	s.Append("t1", LevelError, "boom", nil)
	s.Append("t2", LevelInfo, "other task", nil)

	all := s.Get("t1", "", 0)
	require.Len(t, all, 4)
	require.Equal(t, "queued", all[0].Message)
	require.Equal(t, int64(0), all[0].Seq)
	require.Equal(t, int64(3), all[3].Seq)

	// Minimum level filter.
	warnUp := s.Get("t1", LevelWarning, 0)
	require.Len(t, warnUp, 2)
	require.Equal(t, "retrying probe", warnUp[0].Message)

	// Limit keeps the newest entries.
	last := s.Get("t1", "", 2)
	require.Len(t, last, 2)
	require.Equal(t, "retrying probe", last[0].Message)
	require.Equal(t, "boom", last[1].Message)

	require.Nil(t, s.Get("unknown", "", 0))
	require.Equal(t, 2, s.Tasks())
}

func TestRingEviction(t *testing.T) {
	s := New(10)
	for i := range 25 {
		s.Append("t1", LevelInfo, fmt.Sprintf("line %d", i), nil)
	}

	got := s.Get("t1", "", 0)
	require.Len(t, got, 10)
	require.Equal(t, "line 15", got[0].Message)
	require.Equal(t, "line 24", got[9].Message)
	// Sequence numbers survive eviction.
	require.Equal(t, int64(15), got[0].Seq)
}

func TestUnknownLevelBecomesInfo(t *testing.T) {
	s := New(0)
	s.Append("t1", "chatty", "hello", nil)
	got := s.Get("t1", "", 0)
	require.Len(t, got, 1)
	require.Equal(t, LevelInfo, got[0].Level)
}

func TestStreamReplayAndLive(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(0)
	s.Append("t1", LevelInfo, "before", nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Stream(ctx, "t1", time.Minute)

	e := <-ch
	require.Equal(t, "before", e.Message)

	s.Append("t1", LevelInfo, "after", nil)
	select {
	case e = <-ch:
		require.Equal(t, "after", e.Message)
	case <-time.After(time.Second):
		t.Fatal("live entry never arrived")
	}

	cancel()
	for range ch {
		// Drain until the subscription closes.
	}
}

func TestStreamHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Stream(ctx, "quiet", 10*time.Millisecond)

	select {
	case e := <-ch:
		require.Equal(t, LevelHeartbeat, e.Level)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat on a quiet stream")
	}
}

func TestRemove(t *testing.T) {
	s := New(0)
	s.Append("t1", LevelInfo, "x", nil)
	s.Remove("t1")
	require.Nil(t, s.Get("t1", "", 0))
	require.Equal(t, 0, s.Tasks())
}
