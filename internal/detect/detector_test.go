// internal/detect/detector_test.go
package detect

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aidenlabs/aiden/internal/protocol"
)

func rec(device, content string, dir protocol.Direction) protocol.LogRecord {
	return protocol.LogRecord{
		Timestamp: time.Date(2026, 1, 18, 3, 10, 25, 0, time.Local),
		DeviceID:  device,
		Direction: dir,
		Content:   content,
	}
}

// fixedClock advances only when told to.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(cfg Config) (*Detector, *fixedClock) {
	d := New(cfg)
	clk := &fixedClock{t: time.Date(2026, 1, 18, 3, 0, 0, 0, time.Local)}
	d.now = clk.now
	return d, clk
}

func drain(d *Detector) []protocol.ErrorEvent {
	var out []protocol.ErrorEvent
	for {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestMatchClassification(t *testing.T) {
	tests := []struct {
		content   string
		severity  protocol.Severity
		patternID string
		match     bool
	}{
		{"Error: Unrecognized command found at '^' position.", protocol.SeverityCritical, "error-marker", true},
		{"Info: Interface GigabitEthernet0/0/1 is down", protocol.SeverityCritical, "interface-down", true},
		{"OSPF neighbor 10.0.0.2 state change to down", protocol.SeverityCritical, "ospf-neighbor-down", true},
		{"BGP peer connection setup failed", protocol.SeverityCritical, "bgp-connection-failed", true},
		{"Warning: The device is reaching CPU threshold", protocol.SeverityWarning, "warning-marker", true},
		{"ping: request timeout", protocol.SeverityWarning, "timeout", true},
		{"duplicate address detected on vlan 10", protocol.SeverityWarning, "duplicate-address", true},
		{"display ip interface brief", "", "", false},
		{"Info: session established", "", "", false},
	}

	d, _ := newTestDetector(Config{})
	for _, tt := range tests {
		pat, ok := d.match(tt.content)
		if ok != tt.match {
			t.Errorf("match(%q) ok = %v, want %v", tt.content, ok, tt.match)
			continue
		}
		if !ok {
			continue
		}
		if pat.Severity != tt.severity || pat.ID != tt.patternID {
			t.Errorf("match(%q) = %s/%s, want %s/%s", tt.content, pat.ID, pat.Severity, tt.patternID, tt.severity)
		}
	}
}

// A line matching both tables is classified critical: critical patterns are
// checked first.
func TestCriticalWinsOverWarning(t *testing.T) {
	d, _ := newTestDetector(Config{})
	pat, ok := d.match("Warning: authentication failed, retrying")
	if !ok {
		t.Fatal("no match")
	}
	if pat.Severity != protocol.SeverityCritical || pat.ID != "failed" {
		t.Errorf("got %s/%s, want failed/critical", pat.ID, pat.Severity)
	}
}

func TestProcessRecordsEmitsEvent(t *testing.T) {
	d, _ := newTestDetector(Config{ContextLines: 4})

	records := []protocol.LogRecord{
		rec("R1", "display interface g0/0/1", protocol.Outbound),
		rec("R1", "Error: Interface GigabitEthernet0/0/1 is down", protocol.Inbound),
		rec("R1", "some trailing output", protocol.Inbound),
	}
	d.ProcessRecords("/logs/r1.log", records)

	events := drain(d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ID == "" {
		t.Error("event has no id")
	}
	if ev.DeviceID != "R1" || ev.Severity != protocol.SeverityCritical {
		t.Errorf("event = %+v", ev)
	}
	if ev.ErrorLine != "Error: Interface GigabitEthernet0/0/1 is down" {
		t.Errorf("ErrorLine = %q", ev.ErrorLine)
	}
	if !strings.Contains(ev.Context, ">>> ") {
		t.Errorf("context has no error marker:\n%s", ev.Context)
	}
	if !strings.Contains(ev.Context, "display interface g0/0/1") ||
		!strings.Contains(ev.Context, "some trailing output") {
		t.Errorf("context missing surrounding lines:\n%s", ev.Context)
	}
	if len(ev.CommandHistory) != 1 || ev.CommandHistory[0] != "display interface g0/0/1" {
		t.Errorf("CommandHistory = %v", ev.CommandHistory)
	}
}

func TestDedupSuppressesWithinTTL(t *testing.T) {
	d, clk := newTestDetector(Config{DedupTTL: 5 * time.Minute})
	line := rec("R1", "Error: something broke", protocol.Inbound)

	d.ProcessRecords("f", []protocol.LogRecord{line})
	if got := len(drain(d)); got != 1 {
		t.Fatalf("first occurrence: %d events, want 1", got)
	}

	clk.advance(time.Minute)
	d.ProcessRecords("f", []protocol.LogRecord{line})
	if got := len(drain(d)); got != 0 {
		t.Errorf("repeat within TTL: %d events, want 0", got)
	}

	// the suppression window is fixed from first emission; repeats do not
	// extend it
	clk.advance(3 * time.Minute) // t = +4m, still inside
	d.ProcessRecords("f", []protocol.LogRecord{line})
	if got := len(drain(d)); got != 0 {
		t.Errorf("repeat at +4m: %d events, want 0", got)
	}

	clk.advance(90 * time.Second) // t = +5m30s from first fire
	d.ProcessRecords("f", []protocol.LogRecord{line})
	if got := len(drain(d)); got != 1 {
		t.Errorf("repeat after TTL: %d events, want 1 (resurfaced)", got)
	}
}

func TestDedupScopedPerDevice(t *testing.T) {
	d, _ := newTestDetector(Config{})

	d.ProcessRecords("f1", []protocol.LogRecord{rec("R1", "Error: something broke", protocol.Inbound)})
	d.ProcessRecords("f2", []protocol.LogRecord{rec("R2", "Error: something broke", protocol.Inbound)})

	if got := len(drain(d)); got != 2 {
		t.Errorf("same error on two devices: %d events, want 2", got)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("error-marker", "Error:   Interface  DOWN")
	b := Fingerprint("error-marker", "error: interface down")
	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}

	long := strings.Repeat("x", 500)
	if fp := Fingerprint("failed", long); len(fp) > len("failed:")+100 {
		t.Errorf("fingerprint not truncated: %d bytes", len(fp))
	}

	// different patterns on the same text must not collide
	if Fingerprint("failed", "text") == Fingerprint("failure", "text") {
		t.Error("pattern id not part of fingerprint")
	}
}

func TestQueueDropsOldest(t *testing.T) {
	d, _ := newTestDetector(Config{QueueSize: 2, DedupTTL: time.Minute})

	for i := 0; i < 4; i++ {
		d.ProcessRecords("f", []protocol.LogRecord{
			rec("R1", fmt.Sprintf("Error: distinct problem %d", i), protocol.Inbound),
		})
	}

	events := drain(d)
	if len(events) != 2 {
		t.Fatalf("queue held %d events, want 2", len(events))
	}
	// the two oldest were dropped to admit the newest
	if events[0].ErrorLine != "Error: distinct problem 2" || events[1].ErrorLine != "Error: distinct problem 3" {
		t.Errorf("kept %q and %q, want the newest two", events[0].ErrorLine, events[1].ErrorLine)
	}
	if d.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", d.Dropped())
	}
}

func TestContextWindowBounds(t *testing.T) {
	var lines []protocol.LogRecord
	for i := 0; i < 50; i++ {
		lines = append(lines, rec("R1", fmt.Sprintf("line %d", i), protocol.Inbound))
	}

	ctx := FormatContext(lines, 25, 10)
	got := strings.Split(ctx, "\n")
	// 5 before + error line + 5 after
	if len(got) != 11 {
		t.Fatalf("context has %d lines, want 11:\n%s", len(got), ctx)
	}
	if !strings.HasPrefix(got[5], ">>> ") {
		t.Errorf("error line not marked: %q", got[5])
	}
	if strings.Contains(ctx, "line 19") || strings.Contains(ctx, "line 31") {
		t.Errorf("context exceeds window:\n%s", ctx)
	}

	// near the start of the file the window is clipped, not padded
	ctx = FormatContext(lines, 1, 10)
	if n := len(strings.Split(ctx, "\n")); n != 7 {
		t.Errorf("clipped context has %d lines, want 7", n)
	}
}

func TestContextSpansChunks(t *testing.T) {
	d, _ := newTestDetector(Config{ContextLines: 6})

	// the lines before the error arrive in an earlier chunk
	d.ProcessRecords("f", []protocol.LogRecord{
		rec("R1", "system-view", protocol.Outbound),
		rec("R1", "interface g0/0/1", protocol.Outbound),
	})
	d.ProcessRecords("f", []protocol.LogRecord{
		rec("R1", "Error: port conflict", protocol.Inbound),
	})

	events := drain(d)
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if !strings.Contains(events[0].Context, "interface g0/0/1") {
		t.Errorf("context lost lines from the previous chunk:\n%s", events[0].Context)
	}
	want := []string{"system-view", "interface g0/0/1"}
	got := events[0].CommandHistory
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("CommandHistory = %v, want %v", got, want)
	}
}

func TestAddPattern(t *testing.T) {
	d, _ := newTestDetector(Config{})
	if _, ok := d.match("CUSTOM-FAULT code 17"); ok {
		t.Fatal("pattern matched before registration")
	}
	d.AddPattern(Pattern{
		ID:       "custom-fault",
		Severity: protocol.SeverityCritical,
		Re:       regexp.MustCompile(`CUSTOM-FAULT`),
	})
	pat, ok := d.match("CUSTOM-FAULT code 17")
	if !ok || pat.ID != "custom-fault" {
		t.Errorf("registered pattern not matched: %v %v", pat, ok)
	}
}
