// internal/logfile/writer.go
package logfile

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aidenlabs/aiden/internal/protocol"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	filenameLayout  = "20060102_150405"
)

// Writer appends normalized console lines to per-device log files. Files are
// created on the first line for a new (device, port) pair, named
// <device>_<port>_<start timestamp>.log, and only ever appended to.
type Writer struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File // key: deviceID + ":" + port
	paths map[string]string
}

// NewWriter creates a Writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Writer{
		dir:   dir,
		files: make(map[string]*os.File),
		paths: make(map[string]string),
	}, nil
}

// FormatLine renders a NormalizedLine in the fixed on-disk format:
// [YYYY-MM-DD HH:MM:SS] [DeviceID] →|← 'content'
func FormatLine(line protocol.NormalizedLine) string {
	return fmt.Sprintf("[%s] [%s] %s '%s'\n",
		line.ProducedAt.Format(timestampLayout), line.DeviceID, line.Direction, line.Text)
}

// WriteLine appends the formatted line to the device's log file. Each write
// reaches the file immediately so the watcher sees new content without delay.
func (w *Writer) WriteLine(line protocol.NormalizedLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.fileFor(line.DeviceID, line.Port)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(FormatLine(line)); err != nil {
		return fmt.Errorf("append to %s log: %w", line.DeviceID, err)
	}
	return f.Sync()
}

func (w *Writer) fileFor(deviceID string, port int) (*os.File, error) {
	key := fmt.Sprintf("%s:%d", deviceID, port)
	if f, ok := w.files[key]; ok {
		return f, nil
	}

	name := fmt.Sprintf("%s_%d_%s.log", sanitizeName(deviceID), port, time.Now().Format(filenameLayout))
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create log file %s: %w", path, err)
	}
	w.files[key] = f
	w.paths[key] = path
	log.Printf("Logging %s (port %d) -> %s", deviceID, port, path)
	return f, nil
}

// Path returns the log file path for a device+port pair, if one is open.
func (w *Writer) Path(deviceID string, port int) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, ok := w.paths[fmt.Sprintf("%s:%d", deviceID, port)]
	return path, ok
}

// Close flushes and closes all open log files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for key, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, key)
	}
	return firstErr
}

// sanitizeName keeps device ids filesystem-safe.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
