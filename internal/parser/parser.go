// internal/parser/parser.go
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/aidenlabs/aiden/internal/protocol"
)

const timestampLayout = "2006-01-02 15:04:05"

// lineRe matches the fixed log format:
// [2026-01-18 03:10:25] [Router1] ← 'content'
var lineRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] \[([^\]]+)\] (→|←) '(.*)'$`)

// ParseLine converts one raw log line into a LogRecord. Lines that do not
// match the expected shape are reported as not ok and dropped by the caller.
func ParseLine(raw string) (protocol.LogRecord, bool) {
	m := lineRe.FindStringSubmatch(strings.TrimRight(raw, "\r\n"))
	if m == nil {
		return protocol.LogRecord{}, false
	}

	ts, err := time.ParseInLocation(timestampLayout, m[1], time.Local)
	if err != nil {
		return protocol.LogRecord{}, false
	}

	return protocol.LogRecord{
		Timestamp: ts,
		DeviceID:  m[2],
		Direction: protocol.Direction(m[3]),
		Content:   m[4],
	}, true
}

// ParseChunk parses a block of appended bytes into records, returning the
// records and the count of malformed lines dropped, for the health counter.
func ParseChunk(data []byte) ([]protocol.LogRecord, int) {
	var records []protocol.LogRecord
	malformed := 0

	for _, raw := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		rec, ok := ParseLine(raw)
		if !ok {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	return records, malformed
}

// RecentCommands returns up to limit outbound (command) lines from the end of
// records, oldest first.
func RecentCommands(records []protocol.LogRecord, limit int) []string {
	var commands []string
	for i := len(records) - 1; i >= 0 && len(commands) < limit; i-- {
		if records[i].Direction == protocol.Outbound && records[i].Content != "" {
			commands = append(commands, records[i].Content)
		}
	}
	// reverse into chronological order
	for i, j := 0, len(commands)-1; i < j; i, j = i+1, j-1 {
		commands[i], commands[j] = commands[j], commands[i]
	}
	return commands
}
