// ============================================================================
// Stream Gateway Enrichment - Best-Effort Sentiment Lookup
// ============================================================================
//
// Package: internal/enrich
// File: client.go
// Purpose: Fetch social/sentiment records for a list of ticker symbols
//
// Contract:
//   Fetch returns errors so callers can count them.
//   Lookup never fails: any error, timeout or malformed answer yields an
//   empty, non-nil Enrichment.
//
// Wire format:
//   GET {base_url}/sentiment?symbols=AAPL,MSFT
//   200 {"AAPL":[{"source":"reddit","title":"...","sentiment":0.4}], ...}
//
// ============================================================================

package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

const maxBody = 4 << 20

var (
	// ErrNotConfigured means no provider URL is set.
	ErrNotConfigured = errors.New("enrichment provider not configured")
	// ErrBadStatus is returned for a non-2xx answer.
	ErrBadStatus = errors.New("enrichment provider returned an error status")
	// ErrMalformed is returned when the body does not decode.
	ErrMalformed = errors.New("enrichment provider returned a malformed body")
)

// Config for the enrichment client.
type Config struct {
	BaseURL string
	Timeout time.Duration // default 8s
	MaxKeys int           // default 20
}

// Client talks to the sentiment provider.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{}, log: logger}
}

// Fetch looks up keys. Keys beyond MaxKeys are dropped.
func (c *Client) Fetch(ctx context.Context, keys []string) (types.Enrichment, error) {
	if len(keys) == 0 {
		return types.Enrichment{}, nil
	}
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if len(keys) > c.cfg.MaxKeys {
		keys = keys[:c.cfg.MaxKeys]
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	rid := uuid.New().String()
	start := time.Now()

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/sentiment?symbols=" + url.QueryEscape(strings.Join(keys, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", rid)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sentiment request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	c.log.Debug("enrich.sentiment.response",
		"req_id", rid,
		"status", resp.StatusCode,
		"keys", len(keys),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var out types.Enrichment
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out == nil {
		out = types.Enrichment{}
	}
	return out, nil
}

// Lookup is Fetch with failures absorbed into an empty result.
func (c *Client) Lookup(ctx context.Context, keys []string) types.Enrichment {
	out, err := c.Fetch(ctx, keys)
	if err != nil {
		c.log.Warn("enrich.lookup.failed", "keys", len(keys), "error", err)
		return types.Enrichment{}
	}
	return out
}
