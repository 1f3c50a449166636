// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseIntList(t *testing.T) {
	require.Equal(t, []int{2}, ParseIntList("GPU_TEST_DEVICES", []int{2}), "unset key keeps default")

	t.Setenv("GPU_TEST_DEVICES", "0, 1,3")
	require.Equal(t, []int{0, 1, 3}, ParseIntList("GPU_TEST_DEVICES", nil))

	// Malformed entries log a warning and fall back wholesale.
	t.Setenv("GPU_TEST_DEVICES", "0,one,2")
	require.Equal(t, []int{7}, ParseIntList("GPU_TEST_DEVICES", []int{7}))

	t.Setenv("GPU_TEST_DEVICES", " , ,")
	require.Nil(t, ParseIntList("GPU_TEST_DEVICES", nil))
}

func TestParseScalars(t *testing.T) {
	t.Setenv("SCHED_TEST_INT", "42")
	require.Equal(t, 42, ParseInt("SCHED_TEST_INT", 1))
	t.Setenv("SCHED_TEST_INT", "forty-two")
	require.Equal(t, 1, ParseInt("SCHED_TEST_INT", 1))

	t.Setenv("SCHED_TEST_DUR", "250ms")
	require.Equal(t, 250*time.Millisecond, ParseDuration("SCHED_TEST_DUR", time.Second))
	t.Setenv("SCHED_TEST_DUR", "soon")
	require.Equal(t, time.Second, ParseDuration("SCHED_TEST_DUR", time.Second))

	t.Setenv("SCHED_TEST_BOOL", "true")
	require.True(t, ParseBool("SCHED_TEST_BOOL", false))
	t.Setenv("SCHED_TEST_FLOAT", "1.5")
	require.InDelta(t, 1.5, ParseFloat("SCHED_TEST_FLOAT", 0), 1e-12)

	t.Setenv("SCHED_TEST_STR", "")
	require.Equal(t, "fallback", ParseString("SCHED_TEST_STR", "fallback"))
}
