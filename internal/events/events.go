// ============================================================================
// Stream Gateway Events - Job Lifecycle Notifications
// ============================================================================
//
// Package: internal/events
// File: events.go
// Purpose: Publish job lifecycle events (queued, granted, completed, failed,
//          cancelled) to NATS for dashboards and audit consumers
//
// Subjects:
//   <prefix>.queued | <prefix>.granted | <prefix>.completed | ...
//
// Publishing is best-effort: errors are logged, never returned to the request
// path.
//
// ============================================================================

package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "gateway.jobs"

// Publisher emits job events.
type Publisher interface {
	Publish(ev types.JobEvent)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(types.JobEvent) {}
func (Nop) Close() {}

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials url and returns a publisher. The connection reconnects
// forever once established.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url,
		nats.Name("stream-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("events.nats.disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("events.nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("events.nats.connected", "url", nc.ConnectedUrl(), "prefix", prefix)
	return &NATSPublisher{nc: nc, prefix: prefix, log: logger}, nil
}

// Subject returns the subject for an event kind.
func (p *NATSPublisher) Subject(kind types.JobEventKind) string {
	return Subject(p.prefix, kind)
}

// Publish sends ev on <prefix>.<kind>.
func (p *NATSPublisher) Publish(ev types.JobEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("events.publish.marshal", "job_id", ev.JobID, "error", err)
		return
	}
	if err := p.nc.Publish(p.Subject(ev.Kind), b); err != nil {
		p.log.Warn("events.publish.failed", "job_id", ev.JobID, "kind", ev.Kind, "error", err)
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Subject joins a prefix and an event kind.
func Subject(prefix string, kind types.JobEventKind) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(kind)
}

// Subscribe delivers every event under prefix to handler until the returned
// subscription is drained. Used by the CLI watcher.
func Subscribe(nc *nats.Conn, prefix string, handler func(types.JobEvent)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var ev types.JobEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []types.JobEvent
}

// Publish appends ev.
func (m *Memory) Publish(ev types.JobEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Close is a no-op.
func (m *Memory) Close() {}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []types.JobEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.JobEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the recorded event kinds for one job, in order.
func (m *Memory) Kinds(id types.JobID) []types.JobEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.JobEventKind
	for _, ev := range m.events {
		if ev.JobID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}
