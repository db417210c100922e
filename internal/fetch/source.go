// Package fetch holds the Stage 1 context collaborators: independent,
// read-only lookups whose results are folded into the generation prompt.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxBody bounds one context response.
const maxBody = 1 << 20

var (
	// ErrBadStatus is returned for a non-2xx answer.
	ErrBadStatus = errors.New("context source returned an error status")
	// ErrInvalidResponse is returned when the body is not JSON.
	ErrInvalidResponse = errors.New("context source returned invalid json")
)

// Source is one context fetch.
type Source interface {
	Name() string
	Fetch(ctx context.Context, profile map[string]any) (json.RawMessage, error)
}

// HTTPSource POSTs the profile to a URL and returns the JSON answer.
type HTTPSource struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
	log     *slog.Logger
}

// NewHTTPSource creates a source. timeout bounds the whole call; zero means
// 10s. A nil client uses a fresh http.Client.
func NewHTTPSource(name, url string, timeout time.Duration, client *http.Client, logger *slog.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{name: name, url: url, timeout: timeout, client: client, log: logger}
}

// Name returns the key under which the result is stored.
func (s *HTTPSource) Name() string { return s.name }

// Fetch performs the call.
func (s *HTTPSource) Fetch(ctx context.Context, profile map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rid := uuid.New().String()
	start := time.Now()

	b, err := json.Marshal(map[string]any{"profile": profile})
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", rid)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("fetch.context.send_error", "source", s.name, "req_id", rid, "error", err)
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", s.name, err)
	}
	s.log.Debug("fetch.context.response",
		"source", s.name,
		"req_id", rid,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s: %d", ErrBadStatus, s.name, resp.StatusCode)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, s.name)
	}
	return json.RawMessage(raw), nil
}

// Func adapts a function to Source.
type Func struct {
	SourceName string
	Fn         func(ctx context.Context, profile map[string]any) (json.RawMessage, error)
}

// Name returns SourceName.
func (f Func) Name() string { return f.SourceName }

// Fetch calls Fn.
func (f Func) Fetch(ctx context.Context, profile map[string]any) (json.RawMessage, error) {
	return f.Fn(ctx, profile)
}
