package pipeline

import (
	"time"

	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// Session is the per-job stream state: an append-only text buffer, the
// extractor's scan cursor and the terminal state. It is owned by the single
// goroutine consuming the relay channel.
type Session struct {
	JobID   types.JobID
	Started time.Time

	buf     []byte
	scanned int
	chunks  int
	state   types.SessionState
}

// NewSession starts a session in the streaming state.
func NewSession(id types.JobID) *Session {
	return &Session{
		JobID:   id,
		Started: time.Now(),
		buf:     make([]byte, 0, 4096),
		state:   types.SessionStreaming,
	}
}

// Append adds relayed text.
func (s *Session) Append(text string) {
	s.buf = append(s.buf, text...)
	s.chunks++
}

// Bytes returns the accumulated buffer. Callers must not modify it.
func (s *Session) Bytes() []byte { return s.buf }

// Len returns the buffer length.
func (s *Session) Len() int { return len(s.buf) }

// Chunks returns the number of appended chunks.
func (s *Session) Chunks() int { return s.chunks }

// Unscanned reports whether text arrived since the last MarkScanned.
func (s *Session) Unscanned() bool { return len(s.buf) > s.scanned }

// MarkScanned moves the cursor to the end of the buffer.
func (s *Session) MarkScanned() { s.scanned = len(s.buf) }

// Cursor returns how much of the buffer has been scanned.
func (s *Session) Cursor() int { return s.scanned }

// State returns the current state.
func (s *Session) State() types.SessionState { return s.state }

// Complete marks the session completed.
func (s *Session) Complete() { s.state = types.SessionCompleted }

// Fail marks the session failed.
func (s *Session) Fail() { s.state = types.SessionFailed }

// Release drops the buffer.
func (s *Session) Release() {
	s.buf = nil
	s.scanned = 0
}
