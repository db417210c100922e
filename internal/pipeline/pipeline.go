// ============================================================================
// Stream Gateway Pipeline - Three-Stage Orchestration
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Drive one recommendation request through context gathering,
//          gated streaming generation and best-effort enrichment
//
// State Machine:
//
//   STAGE1_CONTEXT ──► STAGE2_GENERATION ──► STAGE3_ENRICHMENT ──► DONE
//                            │
//                            └──► FAILED
//
// Failure Policy:
//   Stage 1  every fetch isolated; failures logged and dropped
//   Stage 2  mandatory; any failure ends the request with an error
//   Stage 3  any failure yields an empty enrichment map
//
// Stage 2 Data Flow:
//
//   Admission ──grant──► upstream.Open ──► relay.Run ──chan string──► consumer
//                                                                   │
//                                   Session.Append ◄────────────────┤
//                                   Extractor.Scan ──► Sink.WriteRecord
//                                                      Sink.WriteText
//
// The admission lease is released by a defer on every Stage 2 exit path.
//
// ============================================================================

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/stream-gateway/internal/admission"
	"github.com/ChuLiYu/stream-gateway/internal/events"
	"github.com/ChuLiYu/stream-gateway/internal/extract"
	"github.com/ChuLiYu/stream-gateway/internal/fetch"
	"github.com/ChuLiYu/stream-gateway/internal/metrics"
	"github.com/ChuLiYu/stream-gateway/internal/relay"
	"github.com/ChuLiYu/stream-gateway/internal/upstream"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

var (
	// ErrGenerationTimeout means Stage 2 hit its time bound while streaming.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrInvalidDocument means the completed stream did not hold a usable document.
	ErrInvalidDocument = errors.New("generated document is invalid")
	// ErrClientGone means the sink stopped accepting output.
	ErrClientGone = errors.New("client stopped reading")
)

// Generator opens one upstream generation stream.
type Generator interface {
	Open(ctx context.Context, req upstream.Request) (relay.Source, error)
}

type clientGenerator struct {
	c *upstream.Client
}

func (g clientGenerator) Open(ctx context.Context, req upstream.Request) (relay.Source, error) {
	s, err := g.c.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FromClient adapts an upstream client to Generator.
func FromClient(c *upstream.Client) Generator {
	return clientGenerator{c: c}
}

// Enricher performs the Stage 3 lookup.
type Enricher interface {
	Fetch(ctx context.Context, keys []string) (types.Enrichment, error)
}

// Recorder receives pipeline metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordGeneration(outcome string, elapsed time.Duration)
	RecordMalformed(n int)
	RecordExtracted(n int)
	RecordAuxFetch(stage string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordGeneration(string, time.Duration) {}
func (nopRecorder) RecordMalformed(int) {}
func (nopRecorder) RecordExtracted(int) {}
func (nopRecorder) RecordAuxFetch(string, bool) {}

// Config tunes stage bounds and document handling.
type Config struct {
	ContextTimeout    time.Duration // whole Stage 1 bound, default 15s
	GenerationTimeout time.Duration // streaming bound after the grant, default 3m
	DisconnectGrace   time.Duration // wait for the relay after cancellation, default 2s
	EnrichmentTimeout time.Duration // Stage 3 bound, default 10s
	ReservedKeys      []string
	KeyFields         []string
	MaxKeys           int
	Schema            *extract.Schema
}

func (c *Config) applyDefaults() {
	if c.ContextTimeout <= 0 {
		c.ContextTimeout = 15 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 3 * time.Minute
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 2 * time.Second
	}
	if c.EnrichmentTimeout <= 0 {
		c.EnrichmentTimeout = 10 * time.Second
	}
	if len(c.ReservedKeys) == 0 {
		c.ReservedKeys = extract.DefaultReserved
	}
	if len(c.KeyFields) == 0 {
		c.KeyFields = extract.DefaultKeyFields
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 20
	}
}

// Deps are the collaborators of a Pipeline. Admission and Generator are
// required.
type Deps struct {
	Admission *admission.Controller
	Generator Generator
	Sources   []fetch.Source
	Enricher  Enricher
	Events    events.Publisher
	Metrics   Recorder
	Prompt    PromptBuilder
	Logger    *slog.Logger
}

// Options control a single run.
type Options struct {
	// NoWait returns *admission.QueuedError instead of waiting for a slot.
	NoWait bool
	// SkipEnrichment stops after Stage 2.
	SkipEnrichment bool
	// OnQueued is called with the queue position when the job has to wait and
	// again whenever the job moves up.
	OnQueued func(position int)
}

// Pipeline runs requests. Safe for concurrent use.
type Pipeline struct {
	cfg      Config
	adm      *admission.Controller
	gen      Generator
	sources  []fetch.Source
	enricher Enricher
	events   events.Publisher
	metrics  Recorder
	prompt   PromptBuilder
	relay    *relay.Relay
	log      *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Admission == nil {
		return nil, errors.New("pipeline: admission controller is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	cfg.applyDefaults()
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Prompt == nil {
		deps.Prompt = DefaultPrompt
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		adm:      deps.Admission,
		gen:      deps.Generator,
		sources:  deps.Sources,
		enricher: deps.Enricher,
		events:   deps.Events,
		metrics:  deps.Metrics,
		prompt:   deps.Prompt,
		relay:    relay.New(deps.Logger),
		log:      deps.Logger,
	}, nil
}

// Admission returns the controller gating Stage 2.
func (p *Pipeline) Admission() *admission.Controller {
	return p.adm
}

// Run executes the pipeline for req, streaming Stage 2 output into sink. A
// missing JobID is generated. On error the result is nil: there is no
// partial-success result even though text may already have reached the sink.
func (p *Pipeline) Run(ctx context.Context, req types.GenerationRequest, sink Sink, opts Options) (*types.PipelineResult, error) {
	if req.JobID == "" {
		req.JobID = types.JobID(uuid.New().String())
	}
	if sink == nil {
		sink = Discard{}
	}
	start := time.Now()
	log := p.log.With("job_id", req.JobID)

	res := &types.PipelineResult{
		JobID:      req.JobID,
		Enrichment: types.Enrichment{},
	}

	// Stage 1
	res.Stages = append(res.Stages, types.StageContext)
	res.Context = p.gatherContext(ctx, log, req)
	if err := ctx.Err(); err != nil {
		log.Info("pipeline.cancelled", "stage", types.StageContext)
		return nil, err
	}

	// Stage 2
	res.Stages = append(res.Stages, types.StageGeneration)
	doc, err := p.generate(ctx, log, req, res.Context, sink, opts)
	if err != nil {
		res.Stages = append(res.Stages, types.StageFailed)
		log.Warn("pipeline.failed", "stages", res.Stages, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	res.Document = doc

	// Stage 3
	if !opts.SkipEnrichment {
		res.Stages = append(res.Stages, types.StageEnrichment)
		res.Enrichment = p.enrich(ctx, log, doc)
	}

	res.Stages = append(res.Stages, types.StageDone)
	res.Elapsed = time.Since(start).String()
	log.Info("pipeline.done", "elapsed_ms", time.Since(start).Milliseconds(), "enriched_keys", len(res.Enrichment))
	return res, nil
}

// ============================================================================
// Stage 1: context fan-out
// ============================================================================

func (p *Pipeline) gatherContext(ctx context.Context, log *slog.Logger, req types.GenerationRequest) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)

	if len(p.sources) > 0 {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.ContextTimeout)
		defer cancel()

		results := make([]json.RawMessage, len(p.sources))
		// plain Group: one failing fetch must not cancel its siblings
		var g errgroup.Group
		for i, src := range p.sources {
			g.Go(func() error {
				begin := time.Now()
				raw, err := src.Fetch(sctx, req.Profile)
				if err != nil {
					p.metrics.RecordAuxFetch(metrics.StageContext, false)
					log.Warn("pipeline.stage1.fetch_failed", "source", src.Name(), "error", err, "elapsed_ms", time.Since(begin).Milliseconds())
					return nil
				}
				p.metrics.RecordAuxFetch(metrics.StageContext, true)
				results[i] = raw
				return nil
			})
		}
		_ = g.Wait()

		for i, src := range p.sources {
			if results[i] != nil {
				out[src.Name()] = results[i]
			}
		}
	}

	for k, v := range req.Context {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ============================================================================
// Stage 2: gated streaming generation
// ============================================================================

type relayResult struct {
	stats relay.Stats
	err   error
}

func (p *Pipeline) generate(ctx context.Context, log *slog.Logger, req types.GenerationRequest, cctx map[string]json.RawMessage, sink Sink, opts Options) (map[string]any, error) {
	id := req.JobID

	lease, err := p.admit(ctx, log, id, opts)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	p.publish(id, types.EventGranted, 0, nil)

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	streamStart := time.Now()
	src, err := p.gen.Open(genCtx, upstream.Request{Messages: p.prompt(req.Profile, cctx), JSONMode: true})
	if err != nil {
		return nil, p.finishFailed(ctx, genCtx, log, id, streamStart, err)
	}

	sess := NewSession(id)
	defer sess.Release()
	ex := extract.New(p.cfg.ReservedKeys...)

	out := make(chan string)
	relayDone := make(chan relayResult, 1)
	go func() {
		st, err := p.relay.Run(genCtx, src, out)
		relayDone <- relayResult{stats: st, err: err}
	}()

	var (
		sinkErr error
		graceC  <-chan time.Time
		doneC   = genCtx.Done()
	)

consume:
	for {
		select {
		case text, ok := <-out:
			if !ok {
				break consume
			}
			sess.Append(text)
			if sinkErr != nil {
				continue
			}
			if err := sink.WriteText(text); err != nil {
				sinkErr = err
				cancel()
				continue
			}
			if !sess.Unscanned() {
				continue
			}
			for _, rec := range ex.Scan(sess.Bytes()) {
				log.Debug("pipeline.stage2.record", "name", rec.Name, "bytes", len(rec.Value))
				if err := sink.WriteRecord(rec); err != nil {
					sinkErr = err
					cancel()
					break
				}
			}
			sess.MarkScanned()

		case <-doneC:
			doneC = nil
			t := time.NewTimer(p.cfg.DisconnectGrace)
			defer t.Stop()
			graceC = t.C

		case <-graceC:
			// relay goroutine is still blocked in Recv; abort the connection
			// under it and free the slot without waiting for it to notice
			_ = src.Close()
			sess.Fail()
			log.Warn("pipeline.stage2.grace_expired",
				"grace", p.cfg.DisconnectGrace,
				"bytes", sess.Len(),
				"scanned", sess.Cursor(),
			)
			return nil, p.finishFailed(ctx, genCtx, log, id, streamStart, genCtx.Err())
		}
	}

	rr := <-relayDone
	p.metrics.RecordMalformed(rr.stats.Malformed)
	p.metrics.RecordExtracted(ex.Len())

	if rr.err == nil && sinkErr != nil {
		rr.err = sinkErr
	}
	if rr.err != nil {
		sess.Fail()
		if sinkErr != nil && ctx.Err() == nil {
			rr.err = fmt.Errorf("%w: %w", ErrClientGone, sinkErr)
		}
		return nil, p.finishFailed(ctx, genCtx, log, id, streamStart, rr.err)
	}

	doc, err := extract.ParseDocument(sess.Bytes())
	if err == nil {
		err = p.cfg.Schema.Validate(doc)
	}
	if err != nil {
		sess.Fail()
		return nil, p.finishFailed(ctx, genCtx, log, id, streamStart, fmt.Errorf("%w: %w", ErrInvalidDocument, err))
	}

	sess.Complete()
	elapsed := time.Since(streamStart)
	p.metrics.RecordGeneration(metrics.OutcomeCompleted, elapsed)
	p.publish(id, types.EventCompleted, 0, nil)
	log.Info("pipeline.stage2.completed",
		"bytes", sess.Len(),
		"chunks", sess.Chunks(),
		"records", ex.Len(),
		"scans", ex.Scans(),
		"malformed", rr.stats.Malformed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return doc, nil
}

func (p *Pipeline) admit(ctx context.Context, log *slog.Logger, id types.JobID, opts Options) (*admission.Lease, error) {
	if opts.NoWait {
		lease, err := p.adm.TryAcquire(id)
		if err != nil {
			var qe *admission.QueuedError
			if errors.As(err, &qe) {
				p.metrics.RecordGeneration(metrics.OutcomeRejected, 0)
				p.publish(id, types.EventQueued, qe.Position, nil)
				log.Info("pipeline.stage2.short_circuit", "position", qe.Position)
			}
			return nil, err
		}
		return lease, nil
	}

	lease, err := p.adm.Acquire(ctx, id, func(pos int) {
		p.publish(id, types.EventQueued, pos, nil)
		if opts.OnQueued != nil {
			opts.OnQueued(pos)
		}
	})
	if err != nil {
		if errors.Is(err, admission.ErrAdmissionTimeout) {
			p.metrics.RecordGeneration(metrics.OutcomeCancelled, 0)
			p.publish(id, types.EventCancelled, 0, err)
			log.Info("pipeline.stage2.admission_abandoned", "error", err)
		}
		return nil, err
	}
	return lease, nil
}

// finishFailed classifies a Stage 2 failure, records it and returns the error
// to surface. Parent cancellation wins over the generation bound, which wins
// over upstream errors.
func (p *Pipeline) finishFailed(ctx, genCtx context.Context, log *slog.Logger, id types.JobID, start time.Time, err error) error {
	elapsed := time.Since(start)
	outcome := metrics.OutcomeFailed
	kind := types.EventFailed

	switch {
	case ctx.Err() != nil:
		outcome = metrics.OutcomeCancelled
		kind = types.EventCancelled
		err = ctx.Err()
	case errors.Is(genCtx.Err(), context.DeadlineExceeded):
		outcome = metrics.OutcomeTimeout
		err = fmt.Errorf("%w after %s", ErrGenerationTimeout, p.cfg.GenerationTimeout)
	case errors.Is(err, ErrClientGone):
		outcome = metrics.OutcomeCancelled
		kind = types.EventCancelled
	}

	p.metrics.RecordGeneration(outcome, elapsed)
	p.publish(id, kind, 0, err)
	log.Warn("pipeline.stage2.failed", "outcome", outcome, "error", err, "elapsed_ms", elapsed.Milliseconds())
	return err
}

// ============================================================================
// Stage 3: best-effort enrichment
// ============================================================================

func (p *Pipeline) enrich(ctx context.Context, log *slog.Logger, doc map[string]any) types.Enrichment {
	if p.enricher == nil {
		return types.Enrichment{}
	}
	keys := extract.CollectKeys(doc, p.cfg.KeyFields, p.cfg.MaxKeys)
	if len(keys) == 0 {
		return types.Enrichment{}
	}

	ectx, cancel := context.WithTimeout(ctx, p.cfg.EnrichmentTimeout)
	defer cancel()

	out, err := p.enricher.Fetch(ectx, keys)
	if err != nil || out == nil {
		p.metrics.RecordAuxFetch(metrics.StageEnrichment, false)
		log.Warn("pipeline.stage3.failed", "keys", len(keys), "error", err)
		return types.Enrichment{}
	}
	p.metrics.RecordAuxFetch(metrics.StageEnrichment, true)
	return out
}

func (p *Pipeline) publish(id types.JobID, kind types.JobEventKind, pos int, err error) {
	ev := types.JobEvent{JobID: id, Kind: kind, Position: pos, At: time.Now().UTC()}
	if err != nil {
		ev.Error = err.Error()
	}
	p.events.Publish(ev)
}
