package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stream-gateway/internal/config"
	"github.com/ChuLiYu/stream-gateway/internal/extract"
	"github.com/ChuLiYu/stream-gateway/internal/server"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// TestEndToEndStreamThenEnrich follows the browser flow: stream the document,
// parse it, then ask the sentiment endpoint about the picks.
func TestEndToEndStreamThenEnrich(t *testing.T) {
	gen := newGenerationService(t, 20, time.Millisecond)
	_, base := startGateway(t, gen, withSentiment(sentimentProvider(t).URL))

	status, body, trailer, err := streamOnce(base, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, document, body)
	assert.Equal(t, "completed", trailer)

	doc, err := extract.ParseDocument([]byte(body))
	require.NoError(t, err)
	keys := extract.CollectKeys(doc, nil, 0)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT", "BND", "VNQ"}, keys)

	payload, _ := json.Marshal(map[string][]string{"symbols": keys})
	resp, err := http.Post(base+"/api/sentiment", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var enr types.Enrichment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&enr))
	assert.Len(t, enr, 4)
	assert.Equal(t, "VNQ discussion", enr["VNQ"][0].Title)

	st := getStatus(t, base)
	assert.Equal(t, queueStatus{Capacity: 3, AvailableSlots: 3}, st)
}

func TestSentimentProviderDownStillSucceeds(t *testing.T) {
	gen := newGenerationService(t, 64, 0)
	provider := jsonSource(t, `oops`, http.StatusInternalServerError)
	_, base := startGateway(t, gen, withSentiment(provider.URL))

	resp, err := http.Post(base+"/api/sentiment", "application/json", strings.NewReader(`{"symbols":["AAPL"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{}`, string(raw))
}

// TestFullPipelineIsolatesContextFailures runs all three stages through the
// JSON endpoint with one healthy and one failing context source.
func TestFullPipelineIsolatesContextFailures(t *testing.T) {
	gen := newGenerationService(t, 32, 0)
	market := jsonSource(t, `{"vix": 14.2, "spx": "up"}`, http.StatusOK)
	summary := jsonSource(t, `{"error":"rate limited"}`, http.StatusTooManyRequests)

	_, base := startGateway(t, gen,
		withSentiment(sentimentProvider(t).URL),
		withSources(
			config.SourceConfig{Name: "market", URL: market.URL, Timeout: time.Second},
			config.SourceConfig{Name: "summary", URL: summary.URL, Timeout: time.Second},
		),
	)

	resp, err := http.Post(base+"/api/recommendations", "application/json",
		strings.NewReader(`{"jobId":"full-1","profile":{"risk":"moderate"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res types.PipelineResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, types.JobID("full-1"), res.JobID)
	require.Contains(t, res.Context, "market")
	assert.NotContains(t, res.Context, "summary", "failed source is dropped, not fatal")
	assert.Len(t, res.Document, 4)
	assert.Len(t, res.Enrichment, 4)
	assert.Equal(t, []types.Stage{types.StageContext, types.StageGeneration, types.StageEnrichment, types.StageDone}, res.Stages)
}

func TestWebSocketDeliversRecordsBeforeResult(t *testing.T) {
	gen := newGenerationService(t, 8, time.Millisecond)
	_, base := startGateway(t, gen)

	url := "ws" + strings.TrimPrefix(base, "http") + "/ws/recommendations"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"profile": map[string]any{"risk": "moderate"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var (
		records []string
		final   server.WSMessage
	)
	for {
		var m server.WSMessage
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == server.MessageRecord {
			records = append(records, m.Name)
			continue
		}
		if m.Type == server.MessageResult || m.Type == server.MessageError {
			final = m
			break
		}
	}
	assert.Equal(t, []string{"Equities", "Bonds", "Real Estate"}, records, "records arrive in completion order")
	require.Equal(t, server.MessageResult, final.Type, final.Error)
	assert.Equal(t, "Moderate risk, five year horizon.", final.Result.Document["context"])
}

// TestSchemaRejectsBadDocument uses the shipped schema: an allocation above
// 100 fails validation after the stream has already been relayed.
func TestSchemaRejectsBadDocument(t *testing.T) {
	gen := newGenerationService(t, 64, 0)
	_, base := startGateway(t, gen)

	// sanity: the real document passes through the JSON endpoint
	resp, err := http.Post(base+"/api/recommendations?enrich=false", "application/json",
		strings.NewReader(`{"profile":{"risk":"moderate"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	schema, err := extract.LoadSchema("../../configs/recommendation.schema.json")
	require.NoError(t, err)
	bad, err := extract.ParseDocument([]byte(`{"Equities": {"allocation": 140, "picks": []}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, schema.Validate(bad), extract.ErrSchema)
}

func TestNoWaitWhileSaturated(t *testing.T) {
	gen := newGenerationService(t, 4, 20*time.Millisecond)
	_, base := startGateway(t, gen, withCapacity(1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _, _ = streamOnce(base, "")
	}()
	require.Eventually(t, func() bool { return getStatus(t, base).Processing == 1 }, 2*time.Second, 5*time.Millisecond)

	status, body, _, err := streamOnce(base, "?wait=false")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)

	var q map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &q))
	assert.Equal(t, true, q["queued"])
	assert.EqualValues(t, 1, q["position"])
	assert.NotEmpty(t, q["message"])

	assert.Equal(t, 0, getStatus(t, base).Queued, "short-circuited caller holds no queue entry")
	wg.Wait()
}
