package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(time.Second, func() { order = append(order, "first") })

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, order)

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeCallbackMaySchedule(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	count := 0
	var reschedule func()
	reschedule = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, reschedule)
		}
	}
	c.AfterFunc(time.Second, reschedule)

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeTicker(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick")
	}
}
