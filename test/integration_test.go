// test/integration_test.go
package test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aidenlabs/aiden/internal/analyze"
	"github.com/aidenlabs/aiden/internal/api"
	"github.com/aidenlabs/aiden/internal/detect"
	"github.com/aidenlabs/aiden/internal/logfile"
	"github.com/aidenlabs/aiden/internal/parser"
	"github.com/aidenlabs/aiden/internal/protocol"
	"github.com/aidenlabs/aiden/internal/store"
	"github.com/aidenlabs/aiden/internal/watcher"
)

const llmResponse = `**Root Cause:**
The interface was administratively shut down.

**Impact:**
Traffic loss on the segment.

**Solution:**
undo shutdown

**Prevention:**
Review changes before applying.`

// TestPipelineEndToEnd drives the full chain: a captured line is written to
// a log file, the watcher picks it up, the parser and detector turn it into
// an error event, the analyzer asks the (mock) LLM and persists the result,
// and the REST API serves it.
func TestPipelineEndToEnd(t *testing.T) {
	logDir := t.TempDir()

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": llmResponse}},
			},
		})
	}))
	defer llm.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	writer, err := logfile.NewWriter(logDir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()

	watch := watcher.New(logDir, 20*time.Millisecond)
	detector := detect.New(detect.Config{ContextLines: 10, DedupTTL: time.Minute})
	hub := api.NewHub()
	analyzer := analyze.New(
		analyze.NewLLMClient([]analyze.Endpoint{{URL: llm.URL, Model: "mock"}}),
		st, hub, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() { watchDone <- watch.Run(ctx) }()

	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		defer detector.Close()
		for ev := range watch.Events() {
			records, malformed := parser.ParseChunk(ev.Data)
			watch.CountMalformed(malformed)
			detector.ProcessRecords(ev.Path, records)
		}
	}()

	analyzerDone := make(chan struct{})
	go func() {
		defer close(analyzerDone)
		analyzer.Run(ctx, detector.Events())
	}()

	// capture side: a command, then the device reporting a failure
	base := time.Now().Truncate(time.Second)
	lines := []protocol.NormalizedLine{
		{DeviceID: "Router1", Port: 2000, Direction: protocol.Outbound,
			Text: "interface g0/0/1", ProducedAt: base},
		{DeviceID: "Router1", Port: 2000, Direction: protocol.Inbound,
			Text: "Error: Interface GigabitEthernet0/0/1 is down", ProducedAt: base.Add(time.Second)},
	}
	for _, l := range lines {
		if err := writer.WriteLine(l); err != nil {
			t.Fatalf("write line: %v", err)
		}
	}

	// the error must land in the store with its analysis
	var item protocol.ErrorWithSolution
	deadline := time.Now().Add(10 * time.Second)
	for {
		items, _, err := st.ListErrors(1, 10, store.Filter{})
		if err != nil {
			t.Fatalf("list errors: %v", err)
		}
		if len(items) > 0 && items[0].Solution != nil {
			item = items[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("error never reached the store with a solution (have %d items)", len(items))
		}
		time.Sleep(25 * time.Millisecond)
	}

	if item.Error.DeviceID != "Router1" {
		t.Errorf("DeviceID = %q", item.Error.DeviceID)
	}
	if item.Error.Severity != protocol.SeverityCritical {
		t.Errorf("Severity = %q", item.Error.Severity)
	}
	if item.Error.ErrorLine != "Error: Interface GigabitEthernet0/0/1 is down" {
		t.Errorf("ErrorLine = %q", item.Error.ErrorLine)
	}
	if item.Solution.Failed {
		t.Error("solution marked failed")
	}
	if item.Solution.Solution != "undo shutdown" {
		t.Errorf("Solution = %q", item.Solution.Solution)
	}

	// the same error repeated within the TTL is deduplicated
	if err := writer.WriteLine(protocol.NormalizedLine{
		DeviceID: "Router1", Port: 2000, Direction: protocol.Inbound,
		Text: "Error: Interface GigabitEthernet0/0/1 is down", ProducedAt: base.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("write repeat: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	_, total, err := st.ListErrors(1, 10, store.Filter{})
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if total != 1 {
		t.Errorf("repeat within TTL produced %d stored errors, want 1", total)
	}

	// REST surface over the same store
	health := staticHealth{watch: watch, detector: detector}
	server := api.NewServer("127.0.0.1:0", st, hub, health)
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()
	baseURL := "http://" + server.WaitAddr()

	resp, err := http.Get(baseURL + "/api/errors/active")
	if err != nil {
		t.Fatalf("GET active: %v", err)
	}
	var page struct {
		Errors []protocol.ErrorWithSolution `json:"errors"`
		Total  int                          `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if page.Total != 1 || len(page.Errors) != 1 {
		t.Fatalf("active page = %+v", page)
	}
	if page.Errors[0].Error.ID != item.Error.ID {
		t.Errorf("API returned %q, want %q", page.Errors[0].Error.ID, item.Error.ID)
	}

	// orderly shutdown: watcher closes its stream, the consumer closes the
	// detector, the analyzer drains out
	cancel()
	for name, ch := range map[string]<-chan struct{}{
		"consumer": consumeDone,
		"analyzer": analyzerDone,
	} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not stop", name)
		}
	}
	select {
	case err := <-watchDone:
		if err != nil {
			t.Errorf("watcher: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	select {
	case err := <-serverDone:
		if err != nil {
			t.Errorf("server: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type staticHealth struct {
	watch    *watcher.Watcher
	detector *detect.Detector
}

func (h staticHealth) WatcherRunning() bool  { return h.watch.Running() }
func (h staticHealth) MalformedLines() int64 { return h.watch.MalformedLines() }
func (h staticHealth) DroppedEvents() int64  { return h.detector.Dropped() }
