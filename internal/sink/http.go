package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"eventflow/internal/models"
)

// HTTPConfig configures a sink that forwards deliveries to a remote
// collector endpoint.
type HTTPConfig struct {
	URL       string            `yaml:"url"`
	Timeout   time.Duration     `yaml:"timeout"`
	AuthToken string            `yaml:"auth_token"`
	Headers   map[string]string `yaml:"headers"`

	// Client overrides the default client, mainly for tests.
	Client *http.Client `yaml:"-"`
}

// HTTPStatusError reports a non-2xx response from the remote endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("remote collector returned %d: %s", e.StatusCode, e.Body)
}

// NewHTTP returns a sink that POSTs each delivery as JSON.
func NewHTTP(cfg HTTPConfig) (Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("http sink: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &httpSink{cfg: cfg, client: client}, nil
}

type httpSink struct {
	cfg    HTTPConfig
	client *http.Client
}

func (s *httpSink) Deliver(ctx context.Context, d models.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("http sink: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Eventflow-Kind", string(d.Kind()))
	if sig := d.Signed(); sig != "" {
		req.Header.Set("X-Eventflow-Signature", sig)
	}
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http sink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
