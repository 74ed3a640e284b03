// internal/detect/detector.go
package detect

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aidenlabs/aiden/internal/parser"
	"github.com/aidenlabs/aiden/internal/protocol"
)

const (
	// maxCachedLines bounds the per-file context cache.
	maxCachedLines = 1000
	// commandHistoryLimit caps how many recent commands ride along with an
	// event.
	commandHistoryLimit = 10
	// fingerprintTextLen bounds the normalized-text part of a dedup key.
	fingerprintTextLen = 100
)

// Config tunes the detector.
type Config struct {
	ContextLines int           // total context window size, default 30
	DedupTTL     time.Duration // default 5 minutes
	QueueSize    int           // bounded output queue, default 64
	Critical     []Pattern     // nil means DefaultCriticalPatterns
	Warning      []Pattern     // nil means DefaultWarningPatterns
}

func (c Config) withDefaults() Config {
	if c.ContextLines <= 0 {
		c.ContextLines = 30
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 5 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Critical == nil {
		c.Critical = DefaultCriticalPatterns()
	}
	if c.Warning == nil {
		c.Warning = DefaultWarningPatterns()
	}
	return c
}

// dedupEntry remembers when a fingerprint last produced an event.
type dedupEntry struct {
	firedAt time.Time
}

// Detector pattern-matches log records and emits deduplicated ErrorEvents
// with context windows. The dedup table is mutex-protected: detector callers
// and the TTL sweep may run on different goroutines.
//
// Output queue policy: the events channel is bounded; when it is full the
// oldest pending event is dropped with a log notice, so a slow downstream
// sink can never stall the capture side.
type Detector struct {
	cfg Config

	mu    sync.Mutex
	seen  map[string]dedupEntry           // deviceID + "\x00" + fingerprint
	cache map[string][]protocol.LogRecord // per-file context cache

	events  chan protocol.ErrorEvent
	dropped int64

	now func() time.Time // injectable clock for tests
}

// New creates a Detector.
func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:    cfg,
		seen:   make(map[string]dedupEntry),
		cache:  make(map[string][]protocol.LogRecord),
		events: make(chan protocol.ErrorEvent, cfg.QueueSize),
		now:    time.Now,
	}
}

// Events is the bounded stream of detected errors.
func (d *Detector) Events() <-chan protocol.ErrorEvent { return d.events }

// Dropped reports how many events were discarded because the queue was full.
func (d *Detector) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close closes the event stream after the final ProcessRecords call.
func (d *Detector) Close() { close(d.events) }

// ProcessRecords runs newly appended records from one file through the
// pattern tables. Matches that pass deduplication become ErrorEvents carrying
// the surrounding context window and recent command history.
func (d *Detector) ProcessRecords(filePath string, records []protocol.LogRecord) {
	if len(records) == 0 {
		return
	}

	d.mu.Lock()
	cached := append(d.cache[filePath], records...)
	if len(cached) > maxCachedLines {
		cached = cached[len(cached)-maxCachedLines:]
	}
	d.cache[filePath] = cached
	d.mu.Unlock()

	base := len(cached) - len(records)
	for i, rec := range records {
		pat, ok := d.match(rec.Content)
		if !ok {
			continue
		}
		if d.suppressed(rec.DeviceID, pat.ID, rec.Content) {
			continue
		}
		d.emit(buildEvent(rec, pat, cached, base+i, d.cfg.ContextLines))
	}
}

// match checks critical patterns first, then warnings; the first match wins,
// so a line matching both tables is classified critical.
func (d *Detector) match(content string) (Pattern, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.cfg.Critical {
		if p.Re.MatchString(content) {
			return p, true
		}
	}
	for _, p := range d.cfg.Warning {
		if p.Re.MatchString(content) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Fingerprint builds the dedup key part for a matched line: pattern id plus
// normalized error text.
func Fingerprint(patternID, content string) string {
	text := strings.ToLower(strings.Join(strings.Fields(content), " "))
	if len(text) > fingerprintTextLen {
		text = text[:fingerprintTextLen]
	}
	return patternID + ":" + text
}

// suppressed applies TTL deduplication. Suppression does not refresh the
// entry's timestamp: the window is fixed from the first emission, so an error
// that keeps repeating resurfaces once per TTL instead of never.
func (d *Detector) suppressed(deviceID, patternID, content string) bool {
	key := deviceID + "\x00" + Fingerprint(patternID, content)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok && now.Sub(e.firedAt) < d.cfg.DedupTTL {
		return true
	}
	d.seen[key] = dedupEntry{firedAt: now}

	// opportunistic sweep of expired entries
	for k, e := range d.seen {
		if now.Sub(e.firedAt) >= d.cfg.DedupTTL {
			delete(d.seen, k)
		}
	}
	return false
}

func (d *Detector) emit(ev protocol.ErrorEvent) {
	for {
		select {
		case d.events <- ev:
			return
		default:
		}
		// queue full: drop the oldest pending event to make room
		select {
		case old := <-d.events:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
			log.Printf("Detector queue full, dropped pending event %s (%s)", old.ID, old.DeviceID)
		default:
		}
	}
}

// buildEvent assembles the ErrorEvent for a match at index idx of lines.
func buildEvent(rec protocol.LogRecord, pat Pattern, lines []protocol.LogRecord, idx, contextLines int) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		ID:             uuid.NewString(),
		DeviceID:       rec.DeviceID,
		Timestamp:      rec.Timestamp,
		Severity:       pat.Severity,
		ErrorLine:      rec.Content,
		PatternID:      pat.ID,
		Context:        FormatContext(lines, idx, contextLines),
		CommandHistory: parser.RecentCommands(lines[:idx], commandHistoryLimit),
	}
}

// FormatContext renders the lines around index idx, half before and half
// after, marking the error line.
func FormatContext(lines []protocol.LogRecord, idx, contextLines int) string {
	before := contextLines / 2
	after := contextLines - before

	start := idx - before
	if start < 0 {
		start = 0
	}
	end := idx + after + 1
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "    "
		if i == idx {
			marker = ">>> "
		}
		fmt.Fprintf(&b, "%s[%s] %s %s\n",
			marker, lines[i].Timestamp.Format("15:04:05"), lines[i].Direction, lines[i].Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// AddPattern registers an extra rule at runtime without touching the
// matching logic.
func (d *Detector) AddPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.Severity == protocol.SeverityCritical {
		d.cfg.Critical = append(d.cfg.Critical, p)
	} else {
		d.cfg.Warning = append(d.cfg.Warning, p)
	}
}
