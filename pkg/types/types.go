// Package types defines the domain model shared by the stream-gateway packages.
package types

import (
	"encoding/json"
	"time"
)

// JobID uniquely identifies one generation job for its whole lifetime.
type JobID string

// SessionState is the terminal state of a stream session.
type SessionState string

const (
	SessionStreaming SessionState = "streaming" // upstream still sending
	SessionCompleted SessionState = "completed" // terminal marker seen and document parsed
	SessionFailed    SessionState = "failed"    // upstream error, timeout or client disconnect
)

// Stage names the pipeline state machine states.
type Stage string

const (
	StageContext    Stage = "STAGE1_CONTEXT"
	StageGeneration Stage = "STAGE2_GENERATION"
	StageEnrichment Stage = "STAGE3_ENRICHMENT"
	StageDone       Stage = "DONE"
	StageFailed     Stage = "FAILED"
)

// QueueStatus is a read-only snapshot of the admission controller.
type QueueStatus struct {
	Active   int `json:"active"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// Available returns the number of free slots.
func (s QueueStatus) Available() int {
	if s.Active >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Active
}

// GenerationRequest is the job description accepted by the generation endpoints.
type GenerationRequest struct {
	JobID   JobID          `json:"jobId,omitempty"`
	Profile map[string]any `json:"profile"`
	// Context supplied by the caller is merged over whatever Stage 1 fetched.
	Context map[string]json.RawMessage `json:"context,omitempty"`
}

// SentimentRecord is one social/sentiment item returned by the enrichment provider.
type SentimentRecord struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Sentiment   float64   `json:"sentiment"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// Enrichment maps an identifying key (ticker symbol) to its sentiment records.
type Enrichment map[string][]SentimentRecord

// PipelineResult aggregates the outputs of the three stages.
type PipelineResult struct {
	JobID JobID `json:"jobId"`
	// Context is nil when every Stage 1 fetch failed.
	Context map[string]json.RawMessage `json:"context,omitempty"`
	// Document is the fully parsed Stage 2 output; never nil on success.
	Document map[string]any `json:"document"`
	// Enrichment defaults to an empty map, never nil.
	Enrichment Enrichment `json:"enrichment"`
	Stages     []Stage    `json:"stages"`
	Elapsed    string     `json:"elapsed"`
}

// JobEventKind names a lifecycle transition published on the event bus.
type JobEventKind string

const (
	EventQueued    JobEventKind = "queued"
	EventGranted   JobEventKind = "granted"
	EventCompleted JobEventKind = "completed"
	EventFailed    JobEventKind = "failed"
	EventCancelled JobEventKind = "cancelled"
)

// JobEvent is the payload published for each lifecycle transition.
type JobEvent struct {
	JobID    JobID        `json:"jobId"`
	Kind     JobEventKind `json:"kind"`
	Position int          `json:"position,omitempty"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}
