package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/stream-gateway/internal/admission"
	"github.com/ChuLiYu/stream-gateway/internal/extract"
	"github.com/ChuLiYu/stream-gateway/internal/pipeline"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// WebSocket message types sent by the server.
const (
	MessageText   = "text"
	MessageRecord = "record"
	MessageQueued = "queued"
	MessageResult = "result"
	MessageError  = "error"
)

const (
	wsWriteWait   = 10 * time.Second
	wsRequestWait = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// WSRequest is the first (and only) message a client sends.
type WSRequest struct {
	types.GenerationRequest
	SkipEnrichment bool `json:"skipEnrichment,omitempty"`
	NoWait         bool `json:"noWait,omitempty"`
}

// WSMessage is every server-to-client frame.
type WSMessage struct {
	Type     string                `json:"type"`
	JobID    types.JobID           `json:"jobId,omitempty"`
	Text     string                `json:"text,omitempty"`
	Name     string                `json:"name,omitempty"`
	Record   json.RawMessage       `json:"record,omitempty"`
	Position int                   `json:"position,omitempty"`
	Message  string                `json:"message,omitempty"`
	Result   *types.PipelineResult `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
	Code     string                `json:"code,omitempty"`
}

// wsSink forwards text and records as they arrive. Only the pipeline
// goroutine writes to the connection.
type wsSink struct {
	conn  *websocket.Conn
	jobID types.JobID
}

func (s *wsSink) send(m WSMessage) error {
	m.JobID = s.jobID
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(m)
}

func (s *wsSink) WriteText(text string) error {
	return s.send(WSMessage{Type: MessageText, Text: text})
}

func (s *wsSink) WriteRecord(rec extract.Record) error {
	return s.send(WSMessage{Type: MessageRecord, Name: rec.Name, Record: rec.Value})
}

func (s *wsSink) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		s.log.Warn("server.ws.upgrade_failed", "req_id", RequestID(r.Context()), "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	var req WSRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.log.Warn("server.ws.bad_request", "req_id", RequestID(r.Context()), "error", err)
		sink := &wsSink{conn: conn}
		_ = sink.send(WSMessage{Type: MessageError, Error: "invalid request: " + err.Error(), Code: "bad_request"})
		sink.close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if req.JobID == "" {
		req.JobID = types.JobID(uuid.New().String())
	}
	sink := &wsSink{conn: conn, jobID: req.JobID}
	if len(req.Profile) == 0 {
		_ = sink.send(WSMessage{Type: MessageError, Error: "profile is required", Code: "bad_request"})
		sink.close()
		return
	}
	log := s.log.With("req_id", RequestID(r.Context()), "job_id", req.JobID)

	// hijacked connections do not cancel r.Context; a read error means the peer left
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	opts := pipeline.Options{
		NoWait:         req.NoWait,
		SkipEnrichment: req.SkipEnrichment,
		OnQueued: func(pos int) {
			_ = sink.send(WSMessage{Type: MessageQueued, Position: pos, Message: queuedMessage(pos)})
		},
	}
	res, err := s.pipe.Run(ctx, req.GenerationRequest, sink, opts)

	switch {
	case err == nil:
		_ = sink.send(WSMessage{Type: MessageResult, Result: res})
	case ctx.Err() != nil:
		log.Info("server.ws.client_gone")
		return
	default:
		var qe *admission.QueuedError
		if errors.As(err, &qe) {
			_ = sink.send(WSMessage{Type: MessageQueued, Position: qe.Position, Message: queuedMessage(qe.Position)})
			break
		}
		_, label := classify(err)
		_ = sink.send(WSMessage{Type: MessageError, Error: err.Error(), Code: label})
	}
	sink.close()
}
