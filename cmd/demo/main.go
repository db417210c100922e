// Demo: five concurrent generations against three slots, fed by an in-process
// fake generation service. Shows queue positions, grants and the partial
// records lifted out of each stream as they complete.
//
//   go run ./cmd/demo
//   go run ./cmd/demo -jobs 8 -capacity 2 -delay 40ms
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/stream-gateway/internal/admission"
	"github.com/ChuLiYu/stream-gateway/internal/events"
	"github.com/ChuLiYu/stream-gateway/internal/extract"
	"github.com/ChuLiYu/stream-gateway/internal/pipeline"
	"github.com/ChuLiYu/stream-gateway/internal/upstream"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

const demoDocument = `{
  "Equities": {"allocation": 55, "picks": [{"ticker": "VTI", "why": "broad market"}, {"ticker": "QQQ", "why": "growth tilt"}]},
  "Bonds": {"allocation": 35, "picks": [{"ticker": "BND", "why": "core income"}]},
  "Real Estate": {"allocation": 10, "picks": [{"ticker": "VNQ", "why": "diversifier"}]},
  "context": "Balanced allocation for a moderate-risk five-year horizon."
}`

// fakeUpstream streams demoDocument as chat-completion deltas
func fakeUpstream(chunk int, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		rc := http.NewResponseController(w)
		text := demoDocument
		for len(text) > 0 {
			k := min(chunk, len(text))
			content, _ := json.Marshal(text[:k])
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", content)
			_ = rc.Flush()
			text = text[k:]
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
}

// recordPrinter prints each record the moment it becomes complete
type recordPrinter struct {
	id    types.JobID
	start time.Time
	mu    *sync.Mutex
}

func (p recordPrinter) WriteText(string) error { return nil }

func (p recordPrinter) WriteRecord(rec extract.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("  📦 %-7s record %-12q after %4dms (%d bytes)\n",
		p.id, rec.Name, time.Since(p.start).Milliseconds(), len(rec.Value))
	return nil
}

func main() {
	jobs := flag.Int("jobs", 5, "concurrent jobs")
	capacity := flag.Int("capacity", 3, "admission capacity")
	delay := flag.Duration("delay", 25*time.Millisecond, "delay between upstream chunks")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	up := fakeUpstream(24, *delay)
	defer up.Close()

	adm := admission.New(*capacity, admission.WithLogger(logger))
	mem := &events.Memory{}
	client := upstream.NewClient(upstream.Config{APIKey: "demo", BaseURL: up.URL}, logger)
	p, err := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Admission: adm,
		Generator: pipeline.FromClient(client),
		Events:    mem,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("✓ Fake generation service at %s\n", up.URL)
	fmt.Printf("✓ Admission capacity %d, submitting %d jobs\n\n", *capacity, *jobs)

	var (
		wg    sync.WaitGroup
		outMu sync.Mutex
		start = time.Now()
	)
	for i := 1; i <= *jobs; i++ {
		id := types.JobID(fmt.Sprintf("job-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := recordPrinter{id: id, start: start, mu: &outMu}
			res, err := p.Run(ctx, types.GenerationRequest{
				JobID:   id,
				Profile: map[string]any{"risk": "moderate", "horizon": "5y"},
			}, sink, pipeline.Options{
				SkipEnrichment: true,
				OnQueued: func(pos int) {
					outMu.Lock()
					defer outMu.Unlock()
					fmt.Printf("  ⏳ %-7s queued at position %d\n", id, pos)
				},
			})

			outMu.Lock()
			defer outMu.Unlock()
			if err != nil {
				fmt.Printf("  ❌ %-7s failed: %v\n", id, err)
				return
			}
			fmt.Printf("  ✅ %-7s done in %s, %d top-level keys\n", id, res.Elapsed, len(res.Document))
		}()
		// stagger submissions so queue order is deterministic
		time.Sleep(5 * time.Millisecond)
	}

	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			st := adm.Status()
			outMu.Lock()
			fmt.Printf("  📊 processing=%d queued=%d available=%d\n", st.Active, st.Queued, st.Available())
			outMu.Unlock()
		}
	}

	fmt.Printf("\n📜 Lifecycle events:\n")
	for _, ev := range mem.Events() {
		line := fmt.Sprintf("  %-7s %s", ev.JobID, ev.Kind)
		if ev.Position > 0 {
			line += fmt.Sprintf(" (position %d)", ev.Position)
		}
		fmt.Println(line)
	}
	fmt.Printf("\n✓ Finished in %s\n", time.Since(start).Round(time.Millisecond))
}
