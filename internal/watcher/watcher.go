// internal/watcher/watcher.go
package watcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event carries the bytes appended to a file since the last read. Events for
// one file arrive in increasing offset order; multiple rapid writes may be
// coalesced into one event.
type Event struct {
	Path string
	Data []byte
}

// Watcher tails every log file in one directory. It combines fsnotify change
// notification with a polling tick, because loopback and virtual filesystems
// deliver unreliable native events; both paths converge on the same cursor
// table so no bytes are re-delivered or skipped.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	events       chan Event

	mu        sync.Mutex
	cursors   map[string]int64
	running   bool
	malformed int64 // maintained by the consumer via CountMalformed
}

// New creates a watcher for dir. The directory must exist before Run is
// called; an inaccessible watch directory is a startup error.
func New(dir string, pollInterval time.Duration) *Watcher {
	return &Watcher{
		dir:          dir,
		pollInterval: pollInterval,
		events:       make(chan Event, 256),
		cursors:      make(map[string]int64),
	}
}

// Events returns the stream of append events. Closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Running reports whether the watch loop is active, for health reporting.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// CountMalformed increments the malformed-line health counter. The parser's
// caller records drops here so silent discards stay observable.
func (w *Watcher) CountMalformed(n int) {
	w.mu.Lock()
	w.malformed += int64(n)
	w.mu.Unlock()
}

// MalformedLines returns the number of dropped malformed lines so far.
func (w *Watcher) MalformedLines() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.malformed
}

// Run watches until the context is cancelled. Existing file content at start
// is delivered as the first events, so a restarted process re-reads files
// from the beginning rather than losing lines written while it was down.
func (w *Watcher) Run(ctx context.Context) error {
	if info, err := os.Stat(w.dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", w.dir, err)
	} else if !info.IsDir() {
		return fmt.Errorf("watch directory %s is not a directory", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.events)
	}()

	log.Printf("Watching %s (poll fallback every %s)", w.dir, w.pollInterval)

	// initial scan picks up pre-existing files
	w.scanAll(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scanAll(ctx)
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("fs notification channel closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && isLogFile(ev.Name) {
				w.readNew(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("fs notification error channel closed")
			}
			// notification trouble is non-fatal, polling still covers us
			log.Printf("Watch notification error: %v", err)
		}
	}
}

// scanAll is the polling fallback: re-check every log file's size against its
// cursor.
func (w *Watcher) scanAll(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("Scan %s: %v", w.dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isLogFile(e.Name()) {
			continue
		}
		w.readNew(ctx, filepath.Join(w.dir, e.Name()))
	}
}

// readNew reads bytes past the file's cursor and emits them as one event.
// A file smaller than its cursor was truncated or recreated: the cursor
// resets and all current content is delivered as new.
func (w *Watcher) readNew(ctx context.Context, path string) {
	w.mu.Lock()
	cursor := w.cursors[path]
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Open %s: %v", path, err)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Printf("Stat %s: %v", path, err)
		return
	}

	if info.Size() < cursor {
		log.Printf("File %s shrank (%d < %d), treating as recreated", path, info.Size(), cursor)
		cursor = 0
	}
	if info.Size() == cursor {
		return
	}

	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		log.Printf("Seek %s: %v", path, err)
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		log.Printf("Read %s: %v", path, err)
		return
	}
	if len(data) == 0 {
		return
	}

	// advance the cursor before handing off so a slow consumer cannot cause
	// re-delivery on the next tick
	w.mu.Lock()
	w.cursors[path] = cursor + int64(len(data))
	w.mu.Unlock()

	select {
	case w.events <- Event{Path: path, Data: data}:
	case <-ctx.Done():
	}
}

// Cursor returns the consumed byte offset for a file, for tests and health.
func (w *Watcher) Cursor(path string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursors[path]
}

func isLogFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".log", ".txt", "":
		return true
	}
	return false
}
