// internal/detect/patterns.go
package detect

import (
	"regexp"

	"github.com/aidenlabs/aiden/internal/protocol"
)

// Pattern is one detection rule. Patterns are data: adding a rule means
// appending here (or via AddPattern), never touching the matching loop.
type Pattern struct {
	ID       string
	Severity protocol.Severity
	Re       *regexp.Regexp
}

func mustPattern(id string, sev protocol.Severity, expr string) Pattern {
	return Pattern{ID: id, Severity: sev, Re: regexp.MustCompile(`(?i)` + expr)}
}

// DefaultCriticalPatterns cover explicit VRP error markers, interface-down
// states and named protocol failures. Checked before warnings; first match
// wins.
func DefaultCriticalPatterns() []Pattern {
	return []Pattern{
		mustPattern("error-marker", protocol.SeverityCritical, `Error:\s*`),
		mustPattern("failed", protocol.SeverityCritical, `failed`),
		mustPattern("failure", protocol.SeverityCritical, `failure`),
		mustPattern("unrecognized-command", protocol.SeverityCritical, `Unrecognized command`),
		mustPattern("permission-denied", protocol.SeverityCritical, `Permission denied`),
		mustPattern("interface-down", protocol.SeverityCritical, `Interface\s+\S+\s+is\s+down`),
		mustPattern("ospf-neighbor-down", protocol.SeverityCritical, `OSPF.*neighbor.*down`),
		mustPattern("bgp-connection-failed", protocol.SeverityCritical, `BGP.*connection.*failed`),
		mustPattern("link-down", protocol.SeverityCritical, `link\s+down`),
	}
}

// DefaultWarningPatterns cover duplicate-address notices, timeouts and
// configuration conflicts.
func DefaultWarningPatterns() []Pattern {
	return []Pattern{
		mustPattern("warning-marker", protocol.SeverityWarning, `Warning:`),
		mustPattern("duplicate-address", protocol.SeverityWarning, `duplicate address`),
		mustPattern("timeout", protocol.SeverityWarning, `timeout`),
		mustPattern("console-timeout", protocol.SeverityWarning, `console time out`),
		mustPattern("retrying", protocol.SeverityWarning, `retrying`),
		mustPattern("unstable", protocol.SeverityWarning, `unstable`),
		mustPattern("config-conflict", protocol.SeverityWarning, `configuration conflict`),
	}
}
