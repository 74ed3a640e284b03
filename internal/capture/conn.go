// internal/capture/conn.go
package capture

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/aidenlabs/aiden/internal/normalize"
	"github.com/aidenlabs/aiden/internal/protocol"
)

// CaptureFrame is one observed chunk of console traffic. Ephemeral; it exists
// only between the capture source and the normalizer.
type CaptureFrame struct {
	Key       ConnKey
	Direction protocol.Direction
	Payload   []byte
	Seen      time.Time
}

// ConnKey identifies one TCP conversation regardless of which side sent a
// given segment: the endpoints are stored in canonical order.
type ConnKey struct {
	AddrA string
	PortA int
	AddrB string
	PortB int
}

// NewConnKey builds a canonical key from the two endpoints of a segment.
// Both directions of a conversation produce the same key.
func NewConnKey(srcAddr string, srcPort int, dstAddr string, dstPort int) ConnKey {
	if srcAddr < dstAddr || (srcAddr == dstAddr && srcPort < dstPort) {
		return ConnKey{AddrA: srcAddr, PortA: srcPort, AddrB: dstAddr, PortB: dstPort}
	}
	return ConnKey{AddrA: dstAddr, PortA: dstPort, AddrB: srcAddr, PortB: srcPort}
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", k.AddrA, k.PortA, k.AddrB, k.PortB)
}

// LineSink receives normalized lines from a capture source. The log writer is
// the production implementation.
type LineSink interface {
	WriteLine(line protocol.NormalizedLine) error
}

// promptPatterns extract a device hostname from console prompts, most
// specific first: <R1>, [Router-1], R1# / R1>.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`<([A-Za-z][A-Za-z0-9_-]*)>`),
	regexp.MustCompile(`\[([A-Za-z][A-Za-z0-9_-]*)\]`),
	regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*)[#>]`),
}

// excludedNames are VRP words that show up in prompt position but are never
// hostnames.
var excludedNames = map[string]bool{
	"huawei": true, "system": true, "config": true, "user": true,
	"info": true, "warning": true, "error": true, "debug": true,
	"display": true, "show": true,
}

// InferDeviceName scans inbound text for a prompt marker and returns the
// hostname it names, if any. Pure; the caller owns the binding decision.
func InferDeviceName(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, re := range promptPatterns {
		m := re.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if name != "" && !excludedNames[strings.ToLower(name)] {
			return name, true
		}
	}
	return "", false
}

// ConnState is the per-connection accumulator. It is owned exclusively by the
// goroutine handling that connection; no locking is needed.
type ConnState struct {
	Key          ConnKey
	ConsolePort  int
	deviceID     string // empty until a prompt is observed
	norm         *normalize.Normalizer
	lastActivity time.Time
}

// NewConnState creates the accumulator for a newly observed connection.
func NewConnState(key ConnKey, consolePort int, opts normalize.Options) *ConnState {
	return &ConnState{
		Key:          key,
		ConsolePort:  consolePort,
		norm:         normalize.New(opts),
		lastActivity: time.Now(),
	}
}

// DeviceID returns the bound device id, or the port-derived placeholder when
// no prompt has been observed yet.
func (c *ConnState) DeviceID() string {
	if c.deviceID != "" {
		return c.deviceID
	}
	return fmt.Sprintf("device_%d", c.ConsolePort)
}

// Identified reports whether a prompt has bound a device id.
func (c *ConnState) Identified() bool { return c.deviceID != "" }

// LastActivity returns the time of the most recent frame.
func (c *ConnState) LastActivity() time.Time { return c.lastActivity }

// observe binds the device id from inbound text. Once bound it never changes:
// re-matching the same name is a no-op and a differing name is only logged.
func (c *ConnState) observe(text string) {
	name, ok := InferDeviceName(text)
	if !ok {
		return
	}
	switch {
	case c.deviceID == "":
		c.deviceID = name
		log.Printf("Connection %s identified as device %q", c.Key, name)
	case c.deviceID != name:
		log.Printf("Connection %s: prompt names %q but connection is bound to %q, keeping binding", c.Key, name, c.deviceID)
	}
}

// Consume runs a frame through the normalizer and writes the resulting lines
// to the sink. Inbound prompt fragments without a newline are flushed so the
// device id binds as soon as a prompt appears.
func (c *ConnState) Consume(frame CaptureFrame, sink LineSink) {
	c.lastActivity = frame.Seen

	lines := c.norm.Push(frame.Direction, frame.Payload)
	if frame.Direction == protocol.Inbound {
		if prompt, ok := c.norm.FlushPrompt(protocol.Inbound); ok {
			lines = append(lines, prompt)
		}
	}

	for _, text := range lines {
		if frame.Direction == protocol.Inbound {
			c.observe(text)
		}
		line := normalize.Line(c.DeviceID(), c.ConsolePort, frame.Direction, text)
		if err := sink.WriteLine(line); err != nil {
			log.Printf("Write line for %s: %v", c.Key, err)
		}
	}
}

// Close drains any buffered partial lines into the sink.
func (c *ConnState) Close(sink LineSink) {
	for dir, text := range c.norm.Flush() {
		if dir == protocol.Inbound {
			c.observe(text)
		}
		line := normalize.Line(c.DeviceID(), c.ConsolePort, dir, text)
		if err := sink.WriteLine(line); err != nil {
			log.Printf("Flush line for %s: %v", c.Key, err)
		}
	}
}
