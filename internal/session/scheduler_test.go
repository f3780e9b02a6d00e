package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerRuns(t *testing.T) {
	var s Scheduler
	defer s.Stop()

	var ticks atomic.Int32
	s.Arm(5*time.Millisecond, func(context.Context) { ticks.Add(1) })

	assert.True(t, s.Armed())
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerRearmReplacesTask(t *testing.T) {
	var s Scheduler
	defer s.Stop()

	var first, second atomic.Int32
	s.Arm(5*time.Millisecond, func(context.Context) { first.Add(1) })
	assert.Eventually(t, func() bool { return first.Load() >= 1 }, time.Second, 5*time.Millisecond)

	s.Arm(5*time.Millisecond, func(context.Context) { second.Add(1) })
	time.Sleep(10 * time.Millisecond)
	stopped := first.Load()

	assert.Eventually(t, func() bool { return second.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, stopped, first.Load())
}

func TestSchedulerStop(t *testing.T) {
	var s Scheduler

	var ticks atomic.Int32
	s.Arm(5*time.Millisecond, func(context.Context) { ticks.Add(1) })
	s.Stop()
	s.Stop()

	assert.False(t, s.Armed())
	time.Sleep(10 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestSchedulerZeroInterval(t *testing.T) {
	var s Scheduler
	s.Arm(0, func(context.Context) {})
	assert.False(t, s.Armed())
}
