// ============================================================================
// Stream Gateway Upstream Client - Token Streaming Connection
// ============================================================================
//
// Package: internal/upstream
// File: client.go
// Purpose: Open a streaming chat/completions call against an OpenAI-compatible
//          service and hand back the raw body fragments as they arrive
//
// Failure Modes:
//   - ErrUnavailable: no credentials, transport error, or non-2xx status.
//     Always detected before the first fragment is returned.
//   - ErrStream: the body breaks after at least one fragment was delivered.
//
// No retries happen here; the caller decides.
//
// ============================================================================

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable means the connection could not be established.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrStream means the connection dropped mid-stream.
	ErrStream = errors.New("upstream stream error")
)

// StatusError carries a non-2xx upstream answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Config for the upstream client.
type Config struct {
	APIKey         string        // falls back to env UPSTREAM_API_KEY, then OPENAI_API_KEY
	BaseURL        string        // default https://api.openai.com/v1
	Model          string        // e.g. "gpt-4o-mini"
	Temperature    float32       // 0..2
	ConnectTimeout time.Duration // bound on dial + response headers, not on the body
	ReadBufferSize int           // bytes per Recv, default 4096
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the payload for one generation call.
type Request struct {
	Messages []Message
	// JSONMode asks the service for a JSON object response.
	JSONMode bool
}

// Client opens streaming generation calls.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a client, filling defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("UPSTREAM_API_KEY")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ConnectTimeout
	return &Client{
		cfg: cfg,
		// no overall Timeout: a generation stream legitimately runs for minutes
		http: &http.Client{Transport: transport},
		log:  logger,
	}
}

// Open starts a streaming call. The returned Stream must be closed.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	rid := uuid.New().String()
	start := time.Now()

	if c.cfg.APIKey == "" {
		c.log.Error("upstream.open.no_credentials", "req_id", rid)
		return nil, fmt.Errorf("%w: missing api key", ErrUnavailable)
	}

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"stream":      true,
		"messages":    req.Messages,
	}
	if req.JSONMode {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", rid)

	c.log.Info("upstream.open.request",
		"req_id", rid,
		"url", endpoint,
		"model", c.cfg.Model,
		"content_length", len(b),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Error("upstream.open.send_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		c.log.Error("upstream.open.bad_status",
			"req_id", rid,
			"status", resp.StatusCode,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, &StatusError{Code: resp.StatusCode, Body: string(raw)})
	}

	c.log.Info("upstream.open.ok", "req_id", rid, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
	return &Stream{
		id:   rid,
		ctx:  ctx,
		body: resp.Body,
		buf:  make([]byte, c.cfg.ReadBufferSize),
		log:  c.log,
	}, nil
}

// ============================================================================
// Stream
// ============================================================================

// Stream yields raw fragments of an open upstream response. Not safe for
// concurrent use; one reader per stream.
type Stream struct {
	id        string
	ctx       context.Context
	body      io.ReadCloser
	buf       []byte
	delivered int
	closed    atomic.Bool
	log       *slog.Logger
}

// ID returns the upstream request id.
func (s *Stream) ID() string {
	return s.id
}

// Recv returns the next fragment exactly as read from the wire. It returns
// io.EOF when the upstream closes the body normally. The returned slice is a
// copy and stays valid after later calls.
func (s *Stream) Recv() ([]byte, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.delivered++
			frag := make([]byte, n)
			copy(frag, s.buf[:n])
			return frag, nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if s.closed.Load() {
			return nil, fmt.Errorf("%w: closed locally", ErrStream)
		}
		if s.delivered == 0 {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.log.Warn("upstream.stream.read_error", "req_id", s.id, "fragments", s.delivered, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}
}

// Close aborts the connection. Safe to call more than once and from another
// goroutine while Recv is blocked; the blocked Recv then returns an error.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.body.Close()
}
