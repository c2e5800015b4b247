package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventflow/internal/clock"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type collected struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collected) emit(e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collected) all() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

func TestPageView(t *testing.T) {
	e := PageView(epoch, PageInfo{URL: "https://shop.example/a", Title: "A", UserAgent: "ua"})

	assert.Equal(t, models.TypePageView, e.Type)
	assert.Equal(t, epoch.UnixMilli(), e.Timestamp)
	assert.Empty(t, e.Identity)
	assert.Equal(t, "https://shop.example/a", e.Payload["url"])
	assert.Equal(t, "A", e.Payload["title"])
	assert.Equal(t, "", e.Payload["referrer"])
	assert.Equal(t, "ua", e.Payload["userAgent"])
}

func TestMouseClick(t *testing.T) {
	e := MouseClick(epoch, ClickInfo{X: 10, Y: 20, Target: "button", TargetID: "buy"})
	assert.Equal(t, models.TypeMouseClick, e.Type)
	assert.Equal(t, 10, e.Payload["x"])
	assert.Equal(t, "buy", e.Payload["targetId"])
	assert.Equal(t, 0, e.Payload["button"])
}

func TestCustom(t *testing.T) {
	e := Custom(epoch, "checkout", nil)
	assert.Equal(t, "checkout", e.Type)
	assert.NotNil(t, e.Payload)
	assert.Empty(t, e.Payload)
}

func TestNavigationEmitsOnChange(t *testing.T) {
	clk := clock.Fake(epoch)
	out := &collected{}
	nav := NewNavigation(clk, out.emit, "/home")

	assert.False(t, nav.Observe("/home"))
	assert.True(t, nav.Observe("/cart"))
	clk.Advance(time.Second)
	assert.True(t, nav.Observe("/checkout"))
	assert.False(t, nav.Observe("/checkout"))

	got := out.all()
	require.Len(t, got, 2)
	assert.Equal(t, models.Payload{"from": "/home", "to": "/cart"}, got[0].Payload)
	assert.Equal(t, models.Payload{"from": "/cart", "to": "/checkout"}, got[1].Payload)
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), got[1].Timestamp)
	assert.Equal(t, "/checkout", nav.Current())
}

func TestMouseMoveThrottle(t *testing.T) {
	clk := clock.Fake(epoch)
	out := &collected{}
	mm := NewMouseMove(clk, out.emit, 0)

	assert.True(t, mm.Observe(MousePosition{X: 1, Y: 1}))
	clk.Advance(50 * time.Millisecond)
	assert.False(t, mm.Observe(MousePosition{X: 2, Y: 2}))
	clk.Advance(50 * time.Millisecond)
	assert.True(t, mm.Observe(MousePosition{X: 3, Y: 3, PageX: 3, PageY: 103}))

	got := out.all()
	require.Len(t, got, 2)
	assert.Equal(t, models.TypeMouseMoving, got[1].Type)
	assert.Equal(t, 103, got[1].Payload["pageY"])
}

func TestScrollDepth(t *testing.T) {
	tests := []struct {
		name string
		pos  ScrollPosition
		want int
	}{
		{"top", ScrollPosition{ScrollY: 0, ScrollHeight: 2000, ClientHeight: 1000}, 0},
		{"half", ScrollPosition{ScrollY: 500, ScrollHeight: 2000, ClientHeight: 1000}, 50},
		{"rounds", ScrollPosition{ScrollY: 333, ScrollHeight: 2000, ClientHeight: 1000}, 33},
		{"rounds half up", ScrollPosition{ScrollY: 5, ScrollHeight: 1200, ClientHeight: 1000}, 3},
		{"bottom", ScrollPosition{ScrollY: 1000, ScrollHeight: 2000, ClientHeight: 1000}, 100},
		{"not scrollable", ScrollPosition{ScrollY: 10, ScrollHeight: 800, ClientHeight: 800}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pos.Depth())
		})
	}
}

func TestScrollEmitsOnlyNewMaxDepth(t *testing.T) {
	clk := clock.Fake(epoch)
	out := &collected{}
	sc := NewScroll(clk, out.emit, 0)
	at := func(y float64) ScrollPosition {
		return ScrollPosition{ScrollY: y, ScrollHeight: 2000, ClientHeight: 1000}
	}

	assert.True(t, sc.Observe(at(200)))  // 20%
	assert.False(t, sc.Observe(at(600))) // throttled
	clk.Advance(200 * time.Millisecond)
	assert.False(t, sc.Observe(at(100))) // shallower
	clk.Advance(100 * time.Millisecond)
	assert.False(t, sc.Observe(at(700))) // window consumed by the shallower observation
	clk.Advance(100 * time.Millisecond)
	assert.True(t, sc.Observe(at(700)))

	got := out.all()
	require.Len(t, got, 2)
	assert.Equal(t, 20, got[0].Payload["scrollDepth"])
	assert.Equal(t, 70, got[1].Payload["scrollDepth"])
	assert.Equal(t, float64(2000), got[1].Payload["documentHeight"])
	assert.Equal(t, 70, sc.MaxDepth())
}

func TestScrollNotScrollableNeverEmits(t *testing.T) {
	clk := clock.Fake(epoch)
	out := &collected{}
	sc := NewScroll(clk, out.emit, 0)

	assert.False(t, sc.Observe(ScrollPosition{ScrollY: 0, ScrollHeight: 500, ClientHeight: 800}))
	assert.Empty(t, out.all())
}

func TestGuardContainsPanic(t *testing.T) {
	before := testutil.ToFloat64(metrics.TrackerFailuresTotal.WithLabelValues("boom"))

	err := Guard("boom", func() error { panic("broken tracker") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken tracker")

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TrackerFailuresTotal.WithLabelValues("boom")))
}

func TestGuardPassesErrorsAndSuccess(t *testing.T) {
	sentinel := errors.New("no document")
	assert.ErrorIs(t, Guard("referral", func() error { return sentinel }), sentinel)

	called := false
	assert.NoError(t, Guard("pageview", func() error { called = true; return nil }))
	assert.True(t, called)
}
