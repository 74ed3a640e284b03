// cmd/aiden/run.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/aidenlabs/aiden/internal/analyze"
	"github.com/aidenlabs/aiden/internal/api"
	"github.com/aidenlabs/aiden/internal/capture"
	"github.com/aidenlabs/aiden/internal/config"
	"github.com/aidenlabs/aiden/internal/detect"
	"github.com/aidenlabs/aiden/internal/logfile"
	"github.com/aidenlabs/aiden/internal/normalize"
	"github.com/aidenlabs/aiden/internal/parser"
	"github.com/aidenlabs/aiden/internal/store"
	"github.com/aidenlabs/aiden/internal/watcher"
)

// health adapts pipeline components to the API's health surface.
type health struct {
	watch    *watcher.Watcher
	detector *detect.Detector
}

func (h *health) WatcherRunning() bool  { return h.watch.Running() }
func (h *health) MalformedLines() int64 { return h.watch.MalformedLines() }
func (h *health) DroppedEvents() int64  { return h.detector.Dropped() }

// runPipeline wires capture -> normalize -> log files -> watch -> parse ->
// detect -> analyze/store/push and runs until SIGINT/SIGTERM.
func runPipeline(cfg *config.Config) error {
	ports, err := cfg.ConsolePorts()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}

	writer, err := logfile.NewWriter(cfg.LogDir)
	if err != nil {
		return err
	}
	defer writer.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	normOpts := normalize.Options{
		MinStutterLen: cfg.MinStutterLen,
		MinDoubledRun: cfg.MinDoubledRun,
	}

	watch := watcher.New(cfg.LogDir, cfg.PollInterval)
	detector := detect.New(detect.Config{
		ContextLines: cfg.ContextLines,
		DedupTTL:     cfg.DedupTTL,
	})

	var endpoints []analyze.Endpoint
	for _, ep := range cfg.LLMEndpoints {
		endpoints = append(endpoints, analyze.Endpoint{URL: ep.URL, Model: ep.Model, APIKey: ep.APIKey})
	}
	if len(endpoints) == 0 {
		log.Println("No LLM endpoints configured, errors will be stored without analysis")
	}
	llm := analyze.NewLLMClient(endpoints)

	hub := api.NewHub()
	analyzer := analyze.New(llm, st, hub, cfg.LLMRetries)
	server := api.NewServer(cfg.ListenAddr, st, hub, &health{watch: watch, detector: detector})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// capture source
	switch cfg.CaptureMode {
	case "sniffer":
		sniffer := capture.NewSniffer(capture.SnifferConfig{
			Iface:      cfg.LoopbackIface,
			Ports:      ports,
			AutoDetect: cfg.AutoDetect,
			Normalize:  normOpts,
		}, writer)
		g.Go(func() error { return sniffer.Run(ctx) })
		log.Printf("Capture mode: sniffer, ports %v", ports)
	case "proxy":
		proxy := capture.NewProxy(capture.ProxyConfig{
			TargetHost: cfg.TargetHost,
			Ports:      ports,
			Offset:     cfg.ProxyOffset,
			Normalize:  normOpts,
		}, writer)
		g.Go(func() error { return proxy.Run(ctx) })
		log.Printf("Capture mode: proxy, ports %v (offset %d)", ports, cfg.ProxyOffset)
	default:
		log.Println("Capture mode: none, watching existing log files only")
	}

	// watch loop; closes its event channel when done
	g.Go(func() error { return watch.Run(ctx) })

	// detection consumer: parse appended bytes as they arrive, then close
	// the detector's stream so the analyzer drains and stops
	g.Go(func() error {
		defer detector.Close()
		for ev := range watch.Events() {
			consumeEvent(watch, detector, ev)
		}
		return nil
	})

	// downstream sink
	g.Go(func() error {
		analyzer.Run(ctx, detector.Events())
		return nil
	})

	// dashboard API
	g.Go(func() error { return server.Run(ctx) })

	log.Printf("aiden running, API on %s, logs in %s", cfg.ListenAddr, cfg.LogDir)
	err = g.Wait()
	log.Println("Shutdown complete")
	return err
}

func consumeEvent(watch *watcher.Watcher, detector *detect.Detector, ev watcher.Event) {
	records, malformed := parser.ParseChunk(ev.Data)
	if malformed > 0 {
		watch.CountMalformed(malformed)
	}
	detector.ProcessRecords(ev.Path, records)
}
