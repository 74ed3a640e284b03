// internal/protocol/types.go
package protocol

import "time"

// Direction of console traffic relative to the device.
type Direction string

const (
	// Outbound is client -> device (commands typed by the operator).
	Outbound Direction = "→"
	// Inbound is device -> client (responses and unsolicited output).
	Inbound Direction = "←"
)

// Severity of a detected error.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// NormalizedLine is one cleaned console line, ready for the log writer.
// Immutable once emitted.
type NormalizedLine struct {
	DeviceID   string    `json:"device_id"`
	Port       int       `json:"port"`
	Direction  Direction `json:"direction"`
	Text       string    `json:"text"`
	ProducedAt time.Time `json:"produced_at"`
}

// LogRecord is one structured record parsed back out of a log file line.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
}

// ErrorEvent is emitted by the detector for each non-duplicate pattern match.
type ErrorEvent struct {
	ID             string    `json:"id"` // links the error to its solution
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
	Severity       Severity  `json:"severity"`
	ErrorLine      string    `json:"error_line"`
	PatternID      string    `json:"pattern_id"`
	Context        string    `json:"context"`
	CommandHistory []string  `json:"command_history"`
}

// Solution is the four-section AI analysis for an error.
type Solution struct {
	ErrorID    string    `json:"error_id"`
	RootCause  string    `json:"root_cause"`
	Impact     string    `json:"impact"`
	Solution   string    `json:"solution"`
	Prevention string    `json:"prevention"`
	Failed     bool      `json:"failed"` // analysis gave up after retries
	CreatedAt  time.Time `json:"created_at"`
}

// StoredError is an ErrorEvent as persisted, with dashboard state.
type StoredError struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	ErrorLine string    `json:"error_line"`
	PatternID string    `json:"pattern_id"`
	Context   string    `json:"context"`
	Dismissed bool      `json:"dismissed"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorWithSolution pairs a stored error with its solution, if analyzed yet.
type ErrorWithSolution struct {
	Error    StoredError `json:"error"`
	Solution *Solution   `json:"solution"`
}

// DeviceSummary is one device row for the dashboard device list.
type DeviceSummary struct {
	DeviceID   string    `json:"device_id"`
	ErrorCount int       `json:"error_count"`
	LastError  time.Time `json:"last_error"`
}
