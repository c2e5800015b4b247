package tracker

import (
	"math"
	"sync"
	"time"

	"eventflow/internal/clock"
	"eventflow/internal/models"
)

// Default throttle windows.
const (
	DefaultMouseMoveInterval = 100 * time.Millisecond
	DefaultScrollInterval    = 200 * time.Millisecond
)

// throttle admits an observation when at least interval has passed since
// the last admitted one. The first observation is always admitted.
type throttle struct {
	interval time.Duration
	last     time.Time
	seen     bool
}

func (t *throttle) allow(now time.Time) bool {
	if t.seen && now.Sub(t.last) < t.interval {
		return false
	}
	t.seen = true
	t.last = now
	return true
}

// Navigation emits a navigation event whenever the observed URL changes.
type Navigation struct {
	clock clock.Clock
	emit  Emit

	mu      sync.Mutex
	current string
}

// NewNavigation starts tracking from initialURL.
func NewNavigation(c clock.Clock, emit Emit, initialURL string) *Navigation {
	return &Navigation{clock: c, emit: emit, current: initialURL}
}

// Observe records that the client is now at url and reports whether an
// event was emitted.
func (n *Navigation) Observe(url string) bool {
	n.mu.Lock()
	if url == n.current {
		n.mu.Unlock()
		return false
	}
	from := n.current
	n.current = url
	n.mu.Unlock()

	n.emit(models.NewEvent(models.TypeNavigation, n.clock.Now().UnixMilli(), models.Payload{
		"from": from,
		"to":   url,
	}))
	return true
}

// Current returns the last observed URL.
func (n *Navigation) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// MousePosition is a pointer position in viewport and page coordinates.
type MousePosition struct {
	X     int
	Y     int
	PageX int
	PageY int
}

// MouseMove emits mouse-moving events, at most one per interval.
type MouseMove struct {
	clock clock.Clock
	emit  Emit

	mu       sync.Mutex
	throttle throttle
}

// NewMouseMove creates a MouseMove tracker. A non-positive interval uses
// DefaultMouseMoveInterval.
func NewMouseMove(c clock.Clock, emit Emit, interval time.Duration) *MouseMove {
	if interval <= 0 {
		interval = DefaultMouseMoveInterval
	}
	return &MouseMove{clock: c, emit: emit, throttle: throttle{interval: interval}}
}

// Observe reports whether the position was emitted.
func (m *MouseMove) Observe(pos MousePosition) bool {
	now := m.clock.Now()

	m.mu.Lock()
	ok := m.throttle.allow(now)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.emit(models.NewEvent(models.TypeMouseMoving, now.UnixMilli(), models.Payload{
		"x":     pos.X,
		"y":     pos.Y,
		"pageX": pos.PageX,
		"pageY": pos.PageY,
	}))
	return true
}

// ScrollPosition is a scroll observation of the document.
type ScrollPosition struct {
	ScrollY      float64
	ScrollX      float64
	ScrollHeight float64
	ClientHeight float64
}

// Depth returns how far down the scrollable range the position is, as a
// rounded percentage. A document that cannot scroll has depth 0.
func (p ScrollPosition) Depth() int {
	scrollable := p.ScrollHeight - p.ClientHeight
	if scrollable <= 0 {
		return 0
	}
	return int(math.Round(p.ScrollY / scrollable * 100))
}

// Scroll emits scroll events, at most one per interval and only when the
// depth exceeds the deepest depth emitted so far. A throttled window is
// consumed even when the depth is not new.
type Scroll struct {
	clock clock.Clock
	emit  Emit

	mu       sync.Mutex
	throttle throttle
	maxDepth int
}

// NewScroll creates a Scroll tracker. A non-positive interval uses
// DefaultScrollInterval.
func NewScroll(c clock.Clock, emit Emit, interval time.Duration) *Scroll {
	if interval <= 0 {
		interval = DefaultScrollInterval
	}
	return &Scroll{clock: c, emit: emit, throttle: throttle{interval: interval}}
}

// Observe reports whether the position was emitted.
func (s *Scroll) Observe(pos ScrollPosition) bool {
	now := s.clock.Now()
	depth := pos.Depth()

	s.mu.Lock()
	if !s.throttle.allow(now) || depth <= s.maxDepth {
		s.mu.Unlock()
		return false
	}
	s.maxDepth = depth
	s.mu.Unlock()

	s.emit(models.NewEvent(models.TypeScroll, now.UnixMilli(), models.Payload{
		"scrollY":        pos.ScrollY,
		"scrollX":        pos.ScrollX,
		"scrollDepth":    depth,
		"documentHeight": pos.ScrollHeight,
	}))
	return true
}

// MaxDepth returns the deepest depth emitted so far.
func (s *Scroll) MaxDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxDepth
}
