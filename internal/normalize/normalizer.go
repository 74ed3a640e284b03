// internal/normalize/normalizer.go
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/aidenlabs/aiden/internal/protocol"
)

// Telnet protocol bytes (RFC 854)
const (
	telnetIAC  = 255
	telnetSB   = 250
	telnetSE   = 240
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
)

var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;?]*[@-~]`)

// promptRe matches device prompts like <R1>, [Router-1], R1> or R1#.
var promptRe = regexp.MustCompile(`^(?:<[^>]+>|\[[^\]]+\]|[A-Za-z][A-Za-z0-9_-]*[>#])$`)

// Options tune the doubling-repair heuristics. Zero values take the defaults.
type Options struct {
	// MinStutterLen is the shortest repeated prefix the stutter repair will
	// remove ("hehello" has a stutter of length 2). Shorter repeats such as
	// "aa" are assumed to be legitimate text.
	MinStutterLen int
	// MinDoubledRun is the shortest word, in characters, that full
	// character-doubling collapse applies to ("ddiissppllaayy").
	MinDoubledRun int
}

func (o Options) withDefaults() Options {
	if o.MinStutterLen <= 0 {
		o.MinStutterLen = 2
	}
	if o.MinDoubledRun <= 0 {
		o.MinDoubledRun = 4
	}
	return o
}

// telnetState tracks progress through a Telnet command sequence that may be
// split across packet boundaries.
type telnetState int

const (
	stateData telnetState = iota
	stateIAC              // saw IAC, next byte is a command
	stateOpt              // saw IAC WILL/WONT/DO/DONT, next byte is the option
	stateSub              // inside IAC SB ... IAC SE subnegotiation
	stateSubIAC           // saw IAC inside subnegotiation
)

// Normalizer turns raw captured bytes into clean console lines. All mutable
// state is per (direction) and owned by the caller through the Normalizer
// value itself; one Normalizer serves exactly one connection.
type Normalizer struct {
	opts Options

	tstate   map[protocol.Direction]telnetState
	partial  map[protocol.Direction][]byte
	lastLine map[protocol.Direction]string
}

// New creates a Normalizer for a single connection.
func New(opts Options) *Normalizer {
	return &Normalizer{
		opts:     opts.withDefaults(),
		tstate:   make(map[protocol.Direction]telnetState),
		partial:  make(map[protocol.Direction][]byte),
		lastLine: make(map[protocol.Direction]string),
	}
}

// Push feeds a raw byte chunk for one direction and returns zero or more
// complete cleaned lines. Incomplete trailing text stays buffered until a
// terminator arrives. Returned lines never contain Telnet or ANSI sequences.
func (n *Normalizer) Push(dir protocol.Direction, data []byte) []string {
	buf := n.partial[dir]
	st := n.tstate[dir]

	for _, b := range data {
		switch st {
		case stateIAC:
			switch b {
			case telnetIAC:
				// escaped 0xFF data byte
				buf = append(buf, b)
				st = stateData
			case telnetSB:
				st = stateSub
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				st = stateOpt
			default:
				// two-byte command (NOP, AYT, ...)
				st = stateData
			}
		case stateOpt:
			st = stateData
		case stateSub:
			if b == telnetIAC {
				st = stateSubIAC
			}
		case stateSubIAC:
			if b == telnetSE {
				st = stateData
			} else {
				st = stateSub
			}
		default: // stateData
			if b == telnetIAC {
				st = stateIAC
			} else {
				buf = append(buf, b)
			}
		}
	}

	n.tstate[dir] = st

	var lines []string
	for {
		idx := -1
		for i, b := range buf {
			if b == '\n' || b == '\r' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		raw := buf[:idx]
		// swallow the LF of a CRLF pair
		rest := buf[idx+1:]
		if buf[idx] == '\r' && len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
		buf = rest

		if line, ok := n.finishLine(dir, raw); ok {
			lines = append(lines, line)
		}
	}

	n.partial[dir] = buf
	return lines
}

// FlushPrompt emits a buffered inbound fragment that looks like a device
// prompt. Prompts arrive without a trailing newline, so without this they
// would sit in the partial buffer forever.
func (n *Normalizer) FlushPrompt(dir protocol.Direction) (string, bool) {
	if dir != protocol.Inbound {
		return "", false
	}
	frag := strings.TrimSpace(string(applyBackspaces(stripControls(n.partial[dir]))))
	if frag == "" || !LooksLikePrompt(frag) {
		return "", false
	}
	n.partial[dir] = nil
	if line, ok := n.finishLine(dir, []byte(frag)); ok {
		return line, true
	}
	return "", false
}

// Flush drains any remaining partial content for both directions, used at
// connection teardown so trailing unterminated text is not lost.
func (n *Normalizer) Flush() map[protocol.Direction]string {
	out := make(map[protocol.Direction]string)
	for _, dir := range []protocol.Direction{protocol.Outbound, protocol.Inbound} {
		if len(n.partial[dir]) == 0 {
			continue
		}
		if line, ok := n.finishLine(dir, n.partial[dir]); ok {
			out[dir] = line
		}
		n.partial[dir] = nil
	}
	return out
}

func (n *Normalizer) finishLine(dir protocol.Direction, raw []byte) (string, bool) {
	cleaned := applyBackspaces(stripControls(raw))
	text := strings.TrimSpace(string(cleaned))
	if text == "" {
		return "", false
	}

	text = n.repairDoubling(text)
	if text == "" {
		return "", false
	}

	// Suppress the local echo of the previous command and repeated
	// prompt-only lines.
	last := n.lastLine[dir]
	if text == last && (dir == protocol.Outbound || LooksLikePrompt(text)) {
		return "", false
	}
	n.lastLine[dir] = text
	return text, true
}

// stripControls removes ANSI escape sequences and non-printable control
// characters, keeping backspaces for applyBackspaces.
func stripControls(raw []byte) []byte {
	cleaned := ansiEscapeRe.ReplaceAll(raw, nil)
	out := cleaned[:0]
	for _, b := range cleaned {
		switch {
		case b == '\b' || b == 0x7F:
			out = append(out, '\b')
		case b == '\t':
			out = append(out, b)
		case b < 0x20:
			// other control chars (bell, NUL, ...) dropped
		default:
			out = append(out, b)
		}
	}
	return out
}

// applyBackspaces mutates the stored text: each backspace removes the
// preceding character, clamped at the start of the line.
func applyBackspaces(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == '\b' {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

// repairDoubling fixes the two capture artifacts seen on unreliable polling:
// a restuttered prefix ("hehello") and full character doubling
// ("ddiissppllaayy"). Both are applied per word so real repeated words
// elsewhere on the line survive.
func (n *Normalizer) repairDoubling(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = n.repairWord(w)
	}
	return strings.Join(words, " ")
}

func (n *Normalizer) repairWord(w string) string {
	if fixed, ok := collapseDoubledRun(w, n.opts.MinDoubledRun); ok {
		return fixed
	}
	// stutters can nest ("hehehello"), so strip until stable
	for {
		fixed, ok := stripStutter(w, n.opts.MinStutterLen)
		if !ok {
			return w
		}
		w = fixed
	}
}

// collapseDoubledRun collapses a word in which every character appears
// doubled. Applies only when the word meets the minimum run length, so "aa"
// is left alone.
func collapseDoubledRun(w string, minRun int) (string, bool) {
	r := []rune(w)
	if len(r) < 2*minRun || len(r)%2 != 0 {
		return "", false
	}
	half := make([]rune, 0, len(r)/2)
	for i := 0; i < len(r); i += 2 {
		if r[i] != r[i+1] {
			return "", false
		}
		half = append(half, r[i])
	}
	return string(half), true
}

// stripStutter removes a repeated leading fragment: "hehello" -> "hello".
// The fragment must be a strict prefix of the remainder (so whole-word
// doubles like "papa" are untouched) and at least minLen runes long.
func stripStutter(w string, minLen int) (string, bool) {
	r := []rune(w)
	// longest candidate fragment first
	for l := len(r) / 2; l >= minLen; l-- {
		rest := r[l:]
		if len(rest) <= l {
			continue // not a strict prefix, would eat doubled words
		}
		if string(r[:l]) == string(rest[:l]) {
			return string(rest), true
		}
	}
	return "", false
}

// RepairText runs the doubling repairs over already-captured text, for
// offline re-cleaning of existing log files.
func RepairText(text string, opts Options) string {
	n := Normalizer{opts: opts.withDefaults()}
	return n.repairDoubling(text)
}

// LooksLikePrompt reports whether text is a bare device prompt such as
// <R1>, [R1] or R1>.
func LooksLikePrompt(text string) bool {
	return promptRe.MatchString(strings.TrimSpace(text))
}

// Line builds a NormalizedLine stamped with the current time.
func Line(deviceID string, port int, dir protocol.Direction, text string) protocol.NormalizedLine {
	return protocol.NormalizedLine{
		DeviceID:   deviceID,
		Port:       port,
		Direction:  dir,
		Text:       text,
		ProducedAt: time.Now(),
	}
}
