package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ChuLiYu/stream-gateway/internal/extract"
	"github.com/ChuLiYu/stream-gateway/internal/pipeline"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// queueStatusBody is the public shape of the admission snapshot.
type queueStatusBody struct {
	Processing     int `json:"processing"`
	Queued         int `json:"queued"`
	Capacity       int `json:"capacity"`
	AvailableSlots int `json:"availableSlots"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.pipe.Admission().Status()
	writeJSON(w, http.StatusOK, queueStatusBody{
		Processing:     st.Active,
		Queued:         st.Queued,
		Capacity:       st.Capacity,
		AvailableSlots: st.Available(),
	})
}

// ============================================================================
// Streamed generation
// ============================================================================

// streamSink writes plain text straight to the response, flushing per chunk.
// Headers are committed lazily so errors before the first chunk still get a
// proper status code.
type streamSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	jobID   types.JobID
	started bool
	written int
}

func newStreamSink(w http.ResponseWriter, id types.JobID) *streamSink {
	return &streamSink{w: w, rc: http.NewResponseController(w), jobID: id}
}

func (s *streamSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Job-ID", string(s.jobID))
	h.Set("Trailer", StreamStatusTrailer)
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamSink) WriteText(text string) error {
	s.start()
	n, err := io.WriteString(s.w, text)
	s.written += n
	if err != nil {
		return err
	}
	return s.rc.Flush()
}

// WriteRecord is a no-op: partial records are only carried over WebSocket.
func (s *streamSink) WriteRecord(extract.Record) error { return nil }

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log := s.log.With("req_id", RequestID(r.Context()), "job_id", req.JobID)

	sink := newStreamSink(w, req.JobID)
	opts := pipeline.Options{
		NoWait: r.URL.Query().Get("wait") == "false",
		// callers fetch enrichment separately via /api/sentiment
		SkipEnrichment: true,
	}
	_, err = s.pipe.Run(r.Context(), req, sink, opts)

	if !sink.started {
		switch {
		case err == nil:
			sink.start()
			w.Header().Set(StreamStatusTrailer, StatusCompleted)
		case r.Context().Err() != nil:
			log.Info("server.stream.client_gone_before_output")
		default:
			s.writePipelineError(w, req.JobID, err)
		}
		return
	}

	label := StatusCompleted
	if err != nil {
		_, label = classify(err)
		log.Warn("server.stream.failed_after_output", "bytes", sink.written, "error", err)
	}
	w.Header().Set(StreamStatusTrailer, label)
}

// ============================================================================
// JSON generation
// ============================================================================

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	opts := pipeline.Options{
		NoWait:         q.Get("wait") == "false",
		SkipEnrichment: q.Get("enrich") == "false",
	}

	res, err := s.pipe.Run(r.Context(), req, pipeline.Discard{}, opts)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writePipelineError(w, req.JobID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// Enrichment
// ============================================================================

type sentimentRequest struct {
	Symbols []string `json:"symbols"`
}

// handleSentiment never fails: a bad body, a missing provider or a provider
// error all answer 200 with an empty object.
func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	out := types.Enrichment{}
	log := s.log.With("req_id", RequestID(r.Context()))

	var req sentimentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		log.Warn("server.sentiment.bad_request", "error", err)
		writeJSON(w, http.StatusOK, out)
		return
	}

	keys := normalizeKeys(req.Symbols)
	if s.enricher != nil && len(keys) > 0 {
		if got := s.enricher.Lookup(r.Context(), keys); got != nil {
			out = got
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func normalizeKeys(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
