package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(Config{APIKey: "test-key", BaseURL: url, Model: "test-model", ReadBufferSize: 16}, nil)
}

func drain(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var b strings.Builder
	for {
		frag, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), nil
			}
			return b.String(), err
		}
		b.Write(frag)
	}
}

func TestOpenStreamsFragments(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n",
			`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n",
			"data: [DONE]\n\n",
		} {
			_, _ = io.WriteString(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	s, err := c.Open(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		JSONMode: true,
	})
	require.NoError(t, err)
	defer s.Close()

	out, err := drain(t, s)
	require.NoError(t, err)
	assert.Contains(t, out, `"content":"Hel"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	gotBody := <-bodies
	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, "test-model", gotBody["model"])
	assert.NotNil(t, gotBody["response_format"])
}

func TestOpenNon2xxIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Open(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Contains(t, se.Body, "rate limited")
}

func TestOpenMissingCredentials(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.Open(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called, "no request without credentials")
}

func TestOpenAPIKeyFromEnv(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "env-key")

	c := NewClient(Config{}, nil)
	assert.Equal(t, "env-key", c.cfg.APIKey)
	assert.Equal(t, "https://api.openai.com/v1", c.cfg.BaseURL)
}

func TestOpenConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Open(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMidStreamDropIsStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv.URL).Open(context.Background(), Request{})
	require.NoError(t, err)
	defer s.Close()

	out, err := drain(t, s)
	assert.ErrorIs(t, err, ErrStream)
	assert.Contains(t, out, "partial", "delivered fragments are not retracted")
}

func TestRecvHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := newTestClient(t, srv.URL).Open(ctx, Request{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)

	cancel()
	for err == nil {
		_, err = s.Recv()
	}
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseUnblocksPendingRecv(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := newTestClient(t, srv.URL).Open(context.Background(), Request{})
	require.NoError(t, err)

	_, err = s.Recv()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "second Close is a no-op")

	select {
	case err := <-errCh:
		// ErrStream when Close interrupted the read, EOF if it won the race
		assert.True(t, errors.Is(err, ErrStream) || errors.Is(err, io.EOF), "unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv stayed blocked after Close")
	}

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
