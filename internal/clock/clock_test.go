package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestVirtualAdvanceFiresInDeadlineOrder(t *testing.T) {
	v := NewVirtual(epoch)
	var fired []string

	v.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	v.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	v.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	v.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, epoch.Add(2*time.Second), v.Now())
	assert.Equal(t, 1, v.Pending())

	v.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestVirtualTimerStop(t *testing.T) {
	v := NewVirtual(epoch)
	fired := false
	timer := v.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	v.Advance(time.Minute)
	assert.False(t, fired)
}

func TestVirtualCallbackMayScheduleAnother(t *testing.T) {
	v := NewVirtual(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		v.AfterFunc(time.Second, tick)
	}
	v.AfterFunc(time.Second, tick)

	v.Advance(3 * time.Second)
	assert.Equal(t, 3, count)
}

func TestSleepOnVirtualClock(t *testing.T) {
	v := NewVirtual(epoch)
	done := make(chan error, 1)

	go func() { done <- Sleep(context.Background(), v, 200*time.Millisecond) }()

	v.BlockUntil(1)
	v.Advance(200 * time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	v := NewVirtual(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, v, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, v.Pending())
}

func TestRealClock(t *testing.T) {
	err := Sleep(context.Background(), Real{}, time.Millisecond)
	assert.NoError(t, err)
}
