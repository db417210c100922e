package pipeline

import (
	"strings"
	"sync"

	"github.com/ChuLiYu/stream-gateway/internal/extract"
)

// Sink consumes the progressive output of Stage 2. Calls happen in stream
// order from a single goroutine. An error from WriteText means the client is
// gone and ends the stream.
type Sink interface {
	WriteText(text string) error
	WriteRecord(rec extract.Record) error
}

// Discard ignores all output.
type Discard struct{}

func (Discard) WriteText(string) error { return nil }
func (Discard) WriteRecord(extract.Record) error { return nil }

// BufferSink keeps all output in memory.
type BufferSink struct {
	mu      sync.Mutex
	text    strings.Builder
	chunks  int
	records []extract.Record
}

// WriteText appends text.
func (b *BufferSink) WriteText(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(text)
	b.chunks++
	return nil
}

// WriteRecord keeps rec.
func (b *BufferSink) WriteRecord(rec extract.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	return nil
}

// Text returns everything written so far.
func (b *BufferSink) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// Chunks returns the number of WriteText calls.
func (b *BufferSink) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks
}

// Records returns the records written so far.
func (b *BufferSink) Records() []extract.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]extract.Record, len(b.records))
	copy(out, b.records)
	return out
}
