package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eventflow/internal/clock"
	"eventflow/internal/collector"
	"eventflow/internal/gate"
	"eventflow/internal/handlers"
	"eventflow/internal/identity"
	"eventflow/internal/models"
	"eventflow/internal/sink"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func newHandler(t *testing.T) (*handlers.IngestHandler, *collector.Collector, <-chan models.Delivery) {
	t.Helper()

	s, ch, closeSink := sink.NewChannel(16)
	t.Cleanup(closeSink)

	c, err := collector.New(collector.Config{}, identity.Static("visitor"), s)
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}
	c.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for c.State() != gate.Resolved {
		if time.Now().After(deadline) {
			t.Fatal("identity never resolved")
		}
		time.Sleep(time.Millisecond)
	}

	h := handlers.NewIngestHandler(handlers.IngestConfig{
		Submitter: c,
		Clock:     clock.Fake(epoch),
	})
	return h, c, ch
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) handlers.IngestResponse {
	t.Helper()
	var resp handlers.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func receive(t *testing.T, ch <-chan models.Delivery) models.Event {
	t.Helper()
	select {
	case d := <-ch:
		return d.(models.Event)
	case <-time.After(time.Second):
		t.Fatal("no delivery received")
		return models.Event{}
	}
}

func TestIngestHandler_SingleEvent(t *testing.T) {
	h, _, ch := newHandler(t)

	w := post(h, `{"type": " pageview ", "timestamp": 1000, "identity": "spoofed", "payload": {"url": "/a"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode(t, w)
	if !resp.Success || resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	e := receive(t, ch)
	if e.Type != "pageview" {
		t.Errorf("type not normalized: got %q", e.Type)
	}
	if e.Identity != "visitor" {
		t.Errorf("identity should come from the collector, got %q", e.Identity)
	}
	if e.Payload["url"] != "/a" {
		t.Errorf("payload lost: %+v", e.Payload)
	}
}

func TestIngestHandler_Formats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrapped single", `{"event": {"type": "a", "timestamp": 1}}`, 1},
		{"wrapped batch", `{"events": [{"type": "a", "timestamp": 1}, {"type": "b", "timestamp": 2}]}`, 2},
		{"bare array", `[{"type": "a", "timestamp": 1}, {"type": "b", "timestamp": 2}, {"type": "c", "timestamp": 3}]`, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, ch := newHandler(t)
			w := post(h, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
			}
			if resp := decode(t, w); resp.Accepted != tt.want {
				t.Fatalf("expected %d accepted, got %+v", tt.want, resp)
			}
			for i := 0; i < tt.want; i++ {
				receive(t, ch)
			}
		})
	}
}

func TestIngestHandler_MissingTimestampUsesClock(t *testing.T) {
	h, _, ch := newHandler(t)

	if w := post(h, `{"type": "custom"}`); w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if e := receive(t, ch); e.Timestamp != epoch.UnixMilli() {
		t.Errorf("expected clock timestamp, got %d", e.Timestamp)
	}
}

func TestIngestHandler_PartialRejection(t *testing.T) {
	h, _, ch := newHandler(t)

	w := post(h, `{"events": [{"type": "ok", "timestamp": 1}, {"type": "", "timestamp": 2}, {"type": "neg", "timestamp": -5}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	resp := decode(t, w)
	if resp.Success || resp.Accepted != 1 || resp.Rejected != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Errors[0].Index != 1 || resp.Errors[1].Index != 2 {
		t.Errorf("unexpected error indexes: %+v", resp.Errors)
	}
	receive(t, ch)
}

func TestIngestHandler_AllRejected(t *testing.T) {
	h, _, _ := newHandler(t)

	if w := post(h, `[{"type": "x", "timestamp": -1}]`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestIngestHandler_ClosedCollector(t *testing.T) {
	h, c, _ := newHandler(t)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	w := post(h, `{"type": "a", "timestamp": 1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}

func TestIngestHandler_BadRequests(t *testing.T) {
	h, _, _ := newHandler(t)

	if w := post(h, `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid json: expected 400, got %d", w.Code)
	}
	if w := post(h, `{"events": []}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: expected 400, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain: expected 415, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"type": "a", "timestamp": 1}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("json with charset: expected 200, got %d", w.Code)
	}
}

func TestIngestHandler_BodyTooLarge(t *testing.T) {
	h := handlers.NewIngestHandler(handlers.IngestConfig{MaxBodySize: 16})

	w := post(h, `{"type": "pageview", "timestamp": 1, "payload": {"url": "/very/long/path"}}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", w.Code)
	}
}
