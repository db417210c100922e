package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/stream-gateway/internal/admission"
	"github.com/ChuLiYu/stream-gateway/internal/config"
	"github.com/ChuLiYu/stream-gateway/internal/enrich"
	"github.com/ChuLiYu/stream-gateway/internal/events"
	"github.com/ChuLiYu/stream-gateway/internal/extract"
	"github.com/ChuLiYu/stream-gateway/internal/fetch"
	"github.com/ChuLiYu/stream-gateway/internal/metrics"
	"github.com/ChuLiYu/stream-gateway/internal/pipeline"
	"github.com/ChuLiYu/stream-gateway/internal/server"
	"github.com/ChuLiYu/stream-gateway/internal/upstream"
)

// Gateway is a fully wired process: pipeline, transports and publishers.
type Gateway struct {
	cfg       *config.Config
	log       *slog.Logger
	Registry  *prometheus.Registry
	Admission *admission.Controller
	Pipeline  *pipeline.Pipeline
	Server    *server.Server
	Health    *server.Health
	publisher events.Publisher
}

// NewGateway wires every component from cfg. NATS is optional: an empty URL
// or an unreachable server falls back to a no-op publisher.
func NewGateway(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	coll := metrics.NewCollector(reg)

	adm := admission.New(cfg.Admission.Capacity,
		admission.WithObserver(coll),
		admission.WithLogger(logger),
		admission.WithMaxWait(cfg.Admission.MaxWait),
	)
	coll.TrackQueue(adm)

	client := upstream.NewClient(upstream.Config{
		APIKey:         cfg.Upstream.APIKey,
		BaseURL:        cfg.Upstream.BaseURL,
		Model:          cfg.Upstream.Model,
		Temperature:    cfg.Upstream.Temperature,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
	}, logger)

	sources := make([]fetch.Source, 0, len(cfg.ContextSources))
	for _, s := range cfg.ContextSources {
		sources = append(sources, fetch.NewHTTPSource(s.Name, s.URL, s.Timeout, nil, logger))
	}

	schema, err := extract.LoadSchema(cfg.Generation.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load document schema: %w", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		np, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("gateway.events.disabled", "error", err)
		} else {
			publisher = np
		}
	}

	enricher := enrich.New(enrich.Config{
		BaseURL: cfg.Enrichment.BaseURL,
		Timeout: cfg.Enrichment.Timeout,
		MaxKeys: cfg.Enrichment.MaxKeys,
	}, logger)

	deps := pipeline.Deps{
		Admission: adm,
		Generator: pipeline.FromClient(client),
		Sources:   sources,
		Events:    publisher,
		Metrics:   coll,
		Logger:    logger,
	}
	if cfg.Enrichment.BaseURL != "" {
		deps.Enricher = enricher
	}

	p, err := pipeline.New(pipeline.Config{
		ContextTimeout:    cfg.Generation.ContextTimeout,
		GenerationTimeout: cfg.Generation.Timeout,
		DisconnectGrace:   cfg.Generation.DisconnectGrace,
		EnrichmentTimeout: cfg.Enrichment.Timeout,
		ReservedKeys:      cfg.Generation.ReservedKeys,
		KeyFields:         cfg.Generation.KeyFields,
		MaxKeys:           cfg.Generation.MaxKeys,
		Schema:            schema,
	}, deps)
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	scfg := server.Config{
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		ShutdownGrace: cfg.Server.ShutdownGrace,
		MetricsPath:   cfg.Metrics.Path,
	}
	if cfg.Metrics.Enabled {
		scfg.Metrics = metrics.Handler(reg)
	}

	return &Gateway{
		cfg:       cfg,
		log:       logger,
		Registry:  reg,
		Admission: adm,
		Pipeline:  p,
		Server:    server.New(p, enricher, scfg, logger),
		Health:    server.NewHealth(logger),
		publisher: publisher,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.Server.Handler()
}

// Run serves until ctx is cancelled and every listener has shut down.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.publisher.Close()

	g.log.Info("gateway.starting",
		"addr", g.cfg.Server.Addr,
		"grpc_addr", g.cfg.Server.GRPCAddr,
		"capacity", g.cfg.Admission.Capacity,
		"max_wait", g.cfg.Admission.MaxWait,
		"model", g.cfg.Upstream.Model,
		"context_sources", len(g.cfg.ContextSources),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.Server.Serve(ctx, g.cfg.Server.Addr) })
	if g.cfg.Server.GRPCAddr != "" {
		eg.Go(func() error { return g.Health.Serve(ctx, g.cfg.Server.GRPCAddr) })
	}
	g.Health.SetServing(true)

	err := eg.Wait()
	g.log.Info("gateway.stopped", "error", err)
	return err
}
