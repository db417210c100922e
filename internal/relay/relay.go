// ============================================================================
// Stream Gateway Relay - Upstream Fragments to Text Channel
// ============================================================================
//
// Package: internal/relay
// File: relay.go
// Purpose: Turn the raw fragment sequence of one upstream call into an ordered
//          sequence of text chunks on a channel
//
// Flow:
//   Source.Recv() ──► Decoder.Feed() ──► out <- text (one send per event)
//
// The out channel is closed on every return path. A closed channel with a nil
// error means the upstream completed; with a non-nil error it means the stream
// broke and no completion marker is synthesized.
//
// ============================================================================

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

var (
	errEmptyPayload = errors.New("empty event payload")
	errNoChoices    = errors.New("event payload has no choices")
)

// Source is the fragment sequence of one upstream call.
type Source interface {
	Recv() ([]byte, error)
	Close() error
}

// Stats summarizes one relay run.
type Stats struct {
	Fragments int
	Events    int
	Forwarded int
	Malformed int
	SawDone   bool
}

// Relay forwards decoded text from a Source to a channel.
type Relay struct {
	log *slog.Logger
}

// New creates a relay.
func New(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{log: logger}
}

// Run reads src until completion, error or ctx cancellation. Each decoded
// event is sent on out before the next fragment is read, so a slow consumer
// slows the upstream read. Run closes src and out before returning.
func (r *Relay) Run(ctx context.Context, src Source, out chan<- string) (Stats, error) {
	defer close(out)
	defer src.Close()

	var st Stats
	dec := NewDecoder()

	send := func(texts []string) error {
		for _, t := range texts {
			select {
			case out <- t:
				st.Forwarded++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	finish := func() {
		st.Events = dec.Events()
		st.Malformed = dec.Malformed()
		st.SawDone = dec.Done()
		if st.Malformed > 0 {
			r.log.Debug("relay.malformed_events", "count", st.Malformed, "events", st.Events)
		}
	}

	for {
		frag, err := src.Recv()
		if len(frag) > 0 {
			st.Fragments++
			texts, done := dec.Feed(frag)
			if serr := send(texts); serr != nil {
				finish()
				return st, serr
			}
			if done {
				finish()
				return st, nil
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if n := dec.Pending(); n > 0 {
				r.log.Debug("relay.eof_partial_line", "bytes", n)
			}
			texts, _ := dec.Finish()
			serr := send(texts)
			finish()
			if !st.SawDone {
				r.log.Debug("relay.eof_without_done", "fragments", st.Fragments)
			}
			return st, serr
		}
		finish()
		return st, err
	}
}
