// Package tracker builds the built-in event types from observations of
// client activity. Stateless builders return a models.Event; stateful
// trackers hand events to an Emit function as observations arrive.
package tracker

import (
	"fmt"
	"runtime/debug"
	"time"

	"eventflow/internal/logger"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
)

// Emit receives events produced by a tracker, usually Collector.Submit.
type Emit func(models.Event)

// PageInfo describes a page load.
type PageInfo struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
}

// PageView builds a pageview event.
func PageView(now time.Time, info PageInfo) models.Event {
	return models.NewEvent(models.TypePageView, now.UnixMilli(), models.Payload{
		"url":       info.URL,
		"title":     info.Title,
		"referrer":  info.Referrer,
		"userAgent": info.UserAgent,
	})
}

// ClickInfo describes a pointer click and the element it hit.
type ClickInfo struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Target      string `json:"target"`
	TargetClass string `json:"targetClass"`
	TargetID    string `json:"targetId"`
	Button      int    `json:"button"`
}

// MouseClick builds a mouse-click event.
func MouseClick(now time.Time, info ClickInfo) models.Event {
	return models.NewEvent(models.TypeMouseClick, now.UnixMilli(), models.Payload{
		"x":           info.X,
		"y":           info.Y,
		"target":      info.Target,
		"targetClass": info.TargetClass,
		"targetId":    info.TargetID,
		"button":      info.Button,
	})
}

// Custom builds an event of any type. A nil payload becomes empty.
func Custom(now time.Time, eventType string, payload models.Payload) models.Event {
	return models.NewEvent(eventType, now.UnixMilli(), payload)
}

// Guard runs fn and contains its failure: an error or panic is logged and
// counted against name, and returned to the caller instead of propagating.
func Guard(name string, fn func() error) (err error) {
	log := logger.WithComponent("tracker")
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("tracker", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("tracker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("tracker").Inc()
			err = fmt.Errorf("tracker %s panicked: %v", name, r)
		}
		if err != nil {
			metrics.TrackerFailuresTotal.WithLabelValues(name).Inc()
		}
	}()

	if err = fn(); err != nil {
		log.Warn().
			Err(err).
			Str("tracker", name).
			Msg("tracker failed")
	}
	return err
}
