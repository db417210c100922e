// ============================================================================
// Stream Gateway Integration Test Suite
// ============================================================================
//
// Package: test/integration
// File: helpers_test.go
// Purpose: Shared fixtures for end-to-end tests
//
// Every test runs a fully wired gateway (cli.NewGateway) behind httptest and
// points it at in-process fakes:
//   - generation service: OpenAI-style SSE, configurable chunk size and delay,
//     tracks concurrent open streams
//   - context sources: JSON or failing
//   - sentiment provider: GET /sentiment?symbols=...
//
// ============================================================================

package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stream-gateway/internal/cli"
	"github.com/ChuLiYu/stream-gateway/internal/config"
)

const document = `{
  "Equities": {"allocation": 60, "picks": [{"ticker": "AAPL"}, {"ticker": "MSFT"}]},
  "Bonds": {"allocation": 30, "picks": [{"symbol": "BND"}]},
  "Real Estate": {"allocation": 10, "picks": [{"ticker": "VNQ"}]},
  "context": "Moderate risk, five year horizon."
}`

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// generationService is a fake chat-completion endpoint.
type generationService struct {
	*httptest.Server
	open     atomic.Int32
	maxOpen  atomic.Int32
	requests atomic.Int32
}

func newGenerationService(t testing.TB, chunk int, delay time.Duration) *generationService {
	t.Helper()
	g := &generationService{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.requests.Add(1)
		n := g.open.Add(1)
		defer g.open.Add(-1)
		for {
			m := g.maxOpen.Load()
			if n <= m || g.maxOpen.CompareAndSwap(m, n) {
				break
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		rc := http.NewResponseController(w)
		text := document
		for len(text) > 0 {
			k := min(chunk, len(text))
			content, _ := json.Marshal(text[:k])
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", content)
			_ = rc.Flush()
			text = text[k:]
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(g.Close)
	return g
}

func jsonSource(t testing.TB, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// sentimentProvider answers one record per requested symbol.
func sentimentProvider(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := map[string][]map[string]any{}
		for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
			if s == "" {
				continue
			}
			out[s] = []map[string]any{{"source": "reddit", "title": s + " discussion", "sentiment": 0.3}}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type gatewayOption func(*config.Config)

// startGateway wires a real gateway against the given fakes.
func startGateway(t testing.TB, gen *generationService, opts ...gatewayOption) (*cli.Gateway, string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Upstream.BaseURL = gen.URL
	cfg.Upstream.APIKey = "integration"
	cfg.Server.GRPCAddr = ""
	cfg.Generation.SchemaFile = "../../configs/recommendation.schema.json"
	for _, o := range opts {
		o(cfg)
	}
	require.NoError(t, cfg.Validate())

	gw, err := cli.NewGateway(cfg, quiet)
	require.NoError(t, err)
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)
	return gw, ts.URL
}

func withCapacity(n int) gatewayOption {
	return func(c *config.Config) { c.Admission.Capacity = n }
}

func withSentiment(url string) gatewayOption {
	return func(c *config.Config) { c.Enrichment.BaseURL = url }
}

func withSources(sources ...config.SourceConfig) gatewayOption {
	return func(c *config.Config) { c.ContextSources = sources }
}

type queueStatus struct {
	Processing     int `json:"processing"`
	Queued         int `json:"queued"`
	Capacity       int `json:"capacity"`
	AvailableSlots int `json:"availableSlots"`
}

func getStatus(t testing.TB, base string) queueStatus {
	t.Helper()
	resp, err := http.Get(base + "/api/queue/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st queueStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

// streamOnce posts a profile to the streaming endpoint and reads it fully.
func streamOnce(base, query string) (status int, body string, trailer string, err error) {
	resp, err := http.Post(base+"/api/recommendations/stream"+query, "application/json",
		strings.NewReader(`{"profile":{"risk":"moderate","horizon":"5y"}}`))
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, string(raw), "", err
	}
	return resp.StatusCode, string(raw), resp.Trailer.Get("X-Stream-Status"), nil
}
