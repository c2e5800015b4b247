package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"eventflow/internal/clock"
	"eventflow/internal/collector"
	"eventflow/internal/logger"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
)

// Submitter accepts validated events. *collector.Collector satisfies it.
type Submitter interface {
	SubmitErr(e models.Event) error
}

// IngestHandler handles event ingestion via HTTP
type IngestHandler struct {
	submitter   Submitter
	clock       clock.Clock
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Submitter   Submitter
	MaxBodySize int64
	// Clock stamps events that arrive without a timestamp.
	Clock clock.Clock
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}

	return &IngestHandler{
		submitter:   cfg.Submitter,
		clock:       c,
		maxBodySize: maxBodySize,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single event (if Events is empty)
	Event *EventInput `json:"event,omitempty"`

	// Batch of events
	Events []EventInput `json:"events,omitempty"`
}

// EventInput is the producer-side event. Any identity sent by the client is
// ignored; the collector assigns it.
type EventInput struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   models.Payload `json:"payload,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a rejected event
type IngestError struct {
	Index int    `json:"index"`
	Type  string `json:"type,omitempty"`
	Error string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
			h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	events, err := parseBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(events) == 0 {
		h.writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	response, closed := h.processEvents(events)

	status := http.StatusOK
	switch {
	case response.Accepted == 0 && closed:
		status = http.StatusServiceUnavailable
	case response.Accepted == 0:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// parseBody accepts {"event": {...}}, {"events": [...]}, a bare array, or
// a single event object.
func parseBody(body []byte) ([]EventInput, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Events) > 0 {
			return req.Events, nil
		}
		if req.Event != nil {
			return []EventInput{*req.Event}, nil
		}
	}

	var events []EventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	var single EventInput
	if err := json.Unmarshal(body, &single); err == nil && single.Type != "" {
		return []EventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

// processEvents validates each input and submits the valid ones. closed
// reports whether any event was refused because the collector shut down.
func (h *IngestHandler) processEvents(inputs []EventInput) (response IngestResponse, closed bool) {
	log := logger.WithComponent("ingest")

	for i, input := range inputs {
		ts := input.Timestamp
		if ts == 0 {
			ts = h.clock.Now().UnixMilli()
		}
		event := models.NewEvent(input.Type, ts, input.Payload)

		if err := h.submitter.SubmitErr(event); err != nil {
			if errors.Is(err, collector.ErrCollectorClosed) {
				closed = true
			}
			metrics.IngestValidationErrors.WithLabelValues(errorType(err)).Inc()
			metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
			log.Debug().Err(err).Int("index", i).Str("type", input.Type).Msg("event rejected")

			response.Errors = append(response.Errors, IngestError{
				Index: i,
				Type:  input.Type,
				Error: err.Error(),
			})
			response.Rejected++
			continue
		}

		metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()
		response.Accepted++
	}

	response.Success = response.Rejected == 0
	return response, closed
}

func errorType(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyType):
		return "empty_type"
	case errors.Is(err, models.ErrTypeTooLong):
		return "type_too_long"
	case errors.Is(err, models.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, models.ErrTooManyPayload):
		return "too_many_payload_keys"
	case errors.Is(err, collector.ErrCollectorClosed):
		return "closed"
	default:
		return "other"
	}
}

// writeError writes an error response
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
