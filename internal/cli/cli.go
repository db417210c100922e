// ============================================================================
// Stream Gateway CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and poking the gateway
//
// Command Structure:
//   gateway                        # Root command
//   ├── serve                      # Run the gateway (HTTP + WebSocket + gRPC health)
//   │   └── --config, -c          # Config file (persistent)
//   ├── status                     # Print the admission snapshot
//   │   ├── --addr                # Gateway base URL
//   │   └── --watch               # Poll every interval until interrupted
//   ├── generate                   # Stream one generation to stdout
//   │   ├── --addr
//   │   ├── --file, -f            # Profile JSON file
//   │   └── --no-wait             # Short-circuit when all slots are busy
//   ├── events                     # Tail job lifecycle events from NATS
//   ├── health                     # gRPC health probe
//   └── --version
//
// serve Command:
//   1. Load config (YAML, .env, environment)
//   2. Wire admission, upstream, pipeline, events, metrics
//   3. Start HTTP and gRPC health listeners
//   4. Wait for SIGINT/SIGTERM, then shut down gracefully
//
//   Examples:
//     ./gateway serve
//     ./gateway serve -c configs/local.yaml
//     GATEWAY_CAPACITY=5 ./gateway serve
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/stream-gateway/internal/config"
	"github.com/ChuLiYu/stream-gateway/internal/events"
	"github.com/ChuLiYu/stream-gateway/internal/server"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Stream Gateway: gated streaming recommendation generation",
		Long: `Stream Gateway fronts a rate-limited generation service with:
- FIFO admission with a fixed concurrency ceiling
- Low-latency plain-text and WebSocket relay
- Incremental extraction of completed sub-records
- Best-effort context and sentiment enrichment`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildEventsCommand())
	rootCmd.AddCommand(buildHealthCommand())

	return rootCmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Start the HTTP/WebSocket API and, when configured, the gRPC health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := cfg.Log.NewLogger(os.Stderr)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			gw, err := NewGateway(cfg, logger)
			if err != nil {
				return err
			}
			return gw.Run(ctx)
		},
	}
}

// ============================================================================
// status
// ============================================================================

type queueStatus struct {
	Processing     int `json:"processing"`
	Queued         int `json:"queued"`
	Capacity       int `json:"capacity"`
	AvailableSlots int `json:"availableSlots"`
}

func buildStatusCommand() *cobra.Command {
	var (
		addr  string
		watch time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show admission status",
		Long:  "Display active slots, queue length and free capacity of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return showStatus(ctx, cmd.OutOrStdout(), addr, watch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "gateway base URL")
	cmd.Flags().DurationVar(&watch, "watch", 0, "poll interval (0 prints once)")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (queueStatus, error) {
	var st queueStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/api/queue/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("gateway returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}

func printStatus(w io.Writer, addr string, st queueStatus) {
	fmt.Fprintf(w, "Gateway %s\n", addr)
	fmt.Fprintf(w, "  ├─ Processing:  %d / %d\n", st.Processing, st.Capacity)
	fmt.Fprintf(w, "  ├─ Queued:      %d\n", st.Queued)
	fmt.Fprintf(w, "  └─ Available:   %d\n", st.AvailableSlots)
}

func showStatus(ctx context.Context, w io.Writer, addr string, watch time.Duration) error {
	for {
		st, err := fetchStatus(ctx, addr)
		if err != nil {
			return err
		}
		printStatus(w, addr, st)
		if watch <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watch):
		}
	}
}

// ============================================================================
// generate
// ============================================================================

func buildGenerateCommand() *cobra.Command {
	var (
		addr   string
		file   string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Stream one generation to stdout",
		Long:  "Submit a profile JSON file and print the streamed document as it arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return generate(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), addr, file, noWait)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVarP(&file, "file", "f", "", "profile JSON file (required)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return immediately when all slots are busy")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// loadRequest accepts either a full request {"profile":{...}} or a bare profile.
func loadRequest(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse profile JSON: %w", err)
	}
	if _, ok := probe["profile"]; ok {
		return data, nil
	}
	return json.Marshal(map[string]json.RawMessage{"profile": data})
}

func generate(ctx context.Context, stdout, stderr io.Writer, addr, file string, noWait bool) error {
	body, err := loadRequest(file)
	if err != nil {
		return err
	}

	url := strings.TrimRight(addr, "/") + "/api/recommendations/stream"
	if noWait {
		url += "?wait=false"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		var q struct {
			Position int    `json:"position"`
			Message  string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&q)
		fmt.Fprintf(stderr, "queued at position %d: %s\n", q.Position, q.Message)
		return nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	fmt.Fprintln(stdout)

	if status := resp.Trailer.Get(server.StreamStatusTrailer); status != server.StatusCompleted {
		return fmt.Errorf("stream ended with status %q", status)
	}
	return nil
}

// ============================================================================
// events
// ============================================================================

func buildEventsCommand() *cobra.Command {
	var natsURL, prefix string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail job lifecycle events",
		Long:  "Subscribe to queued/granted/completed/failed/cancelled events on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				if cfg, err := config.Load(configFile); err == nil {
					natsURL = cfg.Events.NATSURL
					if prefix == "" {
						prefix = cfg.Events.SubjectPrefix
					}
				}
			}
			if natsURL == "" {
				natsURL = nats.DefaultURL
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return tailEvents(ctx, cmd.OutOrStdout(), natsURL, prefix)
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default from config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "subject prefix (default from config)")
	return cmd
}

func formatEvent(ev types.JobEvent) string {
	line := fmt.Sprintf("%s  %-9s  %s", ev.At.Format(time.RFC3339), ev.Kind, ev.JobID)
	if ev.Position > 0 {
		line += fmt.Sprintf("  position=%d", ev.Position)
	}
	if ev.Error != "" {
		line += "  error=" + ev.Error
	}
	return line
}

func tailEvents(ctx context.Context, w io.Writer, url, prefix string) error {
	nc, err := nats.Connect(url, nats.Name("stream-gateway-cli"), nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", url, err)
	}
	defer nc.Close()

	lines := make(chan string, 64)
	sub, err := events.Subscribe(nc, prefix, func(ev types.JobEvent) {
		select {
		case lines <- formatEvent(ev):
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-lines:
			fmt.Fprintln(w, l)
		}
	}
}

// ============================================================================
// health
// ============================================================================

func buildHealthCommand() *cobra.Command {
	var addr, service string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return probeHealth(ctx, cmd.OutOrStdout(), addr, service)
		},
	}
	cmd.Flags().StringVar(&addr, "grpc-addr", "localhost:9090", "gRPC health address")
	cmd.Flags().StringVar(&service, "service", "", "service name (empty for overall status)")
	return cmd
}

// ErrNotServing is returned by the health probe for any status but SERVING.
var ErrNotServing = errors.New("gateway is not serving")

func probeHealth(ctx context.Context, w io.Writer, addr, service string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	fmt.Fprintln(w, resp.GetStatus().String())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return ErrNotServing
	}
	return nil
}
