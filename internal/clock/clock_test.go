package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_000_000)

func TestFakeAfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(1999 * time.Millisecond)
	assert.Equal(t, 0, fired)

	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "one-shot callbacks fire once")
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Zero(t, c.PendingCount())
}

func TestFakeDeadlineOrderAndNow(t *testing.T) {
	c := Fake(epoch)
	var order []string
	var seen []time.Time

	c.AfterFunc(3*time.Second, func() { order = append(order, "c"); seen = append(seen, c.Now()) })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a"); seen = append(seen, c.Now()) })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b"); seen = append(seen, c.Now()) })

	c.Advance(5 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	require.Len(t, seen, 3)
	assert.Equal(t, epoch.Add(time.Second), seen[0])
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
}

func TestFakeCallbackMaySchedule(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(2 * time.Second)
	assert.Equal(t, 2, fired)
}

func TestRealClock(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}

	timer := Real().AfterFunc(time.Hour, func() {})
	assert.True(t, timer.Stop())
}
