// cmd/aiden/clean.go
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aidenlabs/aiden/internal/config"
	"github.com/aidenlabs/aiden/internal/logfile"
	"github.com/aidenlabs/aiden/internal/normalize"
	"github.com/aidenlabs/aiden/internal/parser"
	"github.com/aidenlabs/aiden/internal/protocol"
)

// cleanLogFile re-runs the doubling repairs and consecutive-duplicate
// suppression over an existing log file, for logs captured before the
// normalizer heuristics were tuned. Writes to outPath, or <in>.cleaned.log
// when empty.
func cleanLogFile(cfg *config.Config, inPath, outPath string) error {
	if outPath == "" {
		outPath = strings.TrimSuffix(inPath, ".log") + ".cleaned.log"
	}

	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", inPath, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	opts := normalize.Options{
		MinStutterLen: cfg.MinStutterLen,
		MinDoubledRun: cfg.MinDoubledRun,
	}

	w := bufio.NewWriter(out)
	var prev protocol.LogRecord
	havePrev := false
	kept, dropped, malformed := 0, 0, 0

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		rec, ok := parser.ParseLine(raw)
		if !ok {
			malformed++
			continue
		}
		rec.Content = normalize.RepairText(rec.Content, opts)

		if havePrev && rec.DeviceID == prev.DeviceID &&
			rec.Direction == prev.Direction && rec.Content == prev.Content {
			dropped++
			continue
		}
		prev, havePrev = rec, true

		fmt.Fprint(w, logfile.FormatLine(protocol.NormalizedLine{
			DeviceID:   rec.DeviceID,
			Direction:  rec.Direction,
			Text:       rec.Content,
			ProducedAt: rec.Timestamp,
		}))
		kept++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", inPath, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	log.Printf("Cleaned %s -> %s: %d kept, %d duplicates dropped, %d malformed skipped",
		inPath, outPath, kept, dropped, malformed)
	return nil
}
