// internal/capture/sniffer.go
package capture

import (
	"hash/fnv"
	"log"
	"sort"
	"time"

	"github.com/aidenlabs/aiden/internal/normalize"
	"github.com/aidenlabs/aiden/internal/protocol"
)

const (
	// dedupWindow is how long an identical (seq, payload) pair is remembered.
	// The loopback capture path can hand the same packet to the filter twice
	// in quick succession; genuine retransmits seconds apart still pass.
	defaultDedupWindow = 2 * time.Second
	// flushTimeout bounds how long reassembly waits for a missing segment
	// before delivering what it has in sequence order.
	defaultFlushTimeout = 3 * time.Second
	// connTimeout reclaims state for connections that went quiet.
	defaultConnTimeout = 10 * time.Minute
)

// Segment is one observed TCP segment with payload.
type Segment struct {
	SrcAddr string
	SrcPort int
	DstAddr string
	DstPort int
	Seq     uint32
	Payload []byte
	Seen    time.Time
}

// SnifferConfig tunes the passive capture source.
type SnifferConfig struct {
	Iface        string
	Ports        []int
	AutoDetect   bool
	Normalize    normalize.Options
	DedupWindow  time.Duration
	FlushTimeout time.Duration
	ConnTimeout  time.Duration
}

func (c SnifferConfig) withDefaults() SnifferConfig {
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = defaultConnTimeout
	}
	return c
}

// dirState reassembles one direction of one connection.
type dirState struct {
	haveSeq   bool
	nextSeq   uint32
	pending   map[uint32][]byte // out-of-order segments keyed by seq
	stalledAt time.Time
}

// snifferConn tracks one observed conversation.
type snifferConn struct {
	state *ConnState
	dirs  map[protocol.Direction]*dirState
}

type dedupKey struct {
	key  ConnKey
	dir  protocol.Direction
	seq  uint32
	hash uint64
}

// Sniffer is the passive capture source. HandleSegment is the whole pipeline;
// the pcap plumbing in pcap.go only decodes packets into Segments. Not safe
// for concurrent use: one goroutine owns the Sniffer.
type Sniffer struct {
	cfg   SnifferConfig
	ports map[int]bool
	sink  LineSink

	conns map[ConnKey]*snifferConn
	seen  map[dedupKey]time.Time
}

// NewSniffer creates a passive capture source for the given console ports.
func NewSniffer(cfg SnifferConfig, sink LineSink) *Sniffer {
	cfg = cfg.withDefaults()
	ports := make(map[int]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[p] = true
	}
	return &Sniffer{
		cfg:   cfg,
		ports: ports,
		sink:  sink,
		conns: make(map[ConnKey]*snifferConn),
		seen:  make(map[dedupKey]time.Time),
	}
}

// HandleSegment processes one decoded TCP segment: classifies direction,
// drops mirrored duplicates, restores sequence order and feeds the connection
// state. Segments outside the console port set are ignored.
func (s *Sniffer) HandleSegment(seg Segment) {
	if len(seg.Payload) == 0 {
		return
	}

	var consolePort int
	var dir protocol.Direction
	switch {
	case s.ports[seg.DstPort]:
		consolePort, dir = seg.DstPort, protocol.Outbound
	case s.ports[seg.SrcPort]:
		consolePort, dir = seg.SrcPort, protocol.Inbound
	default:
		return
	}

	key := NewConnKey(seg.SrcAddr, seg.SrcPort, seg.DstAddr, seg.DstPort)

	if s.isDuplicate(key, dir, seg) {
		return
	}

	conn, ok := s.conns[key]
	if !ok {
		// auto-detected connection on a port within the configured range
		conn = &snifferConn{
			state: NewConnState(key, consolePort, s.cfg.Normalize),
			dirs: map[protocol.Direction]*dirState{
				protocol.Outbound: {pending: make(map[uint32][]byte)},
				protocol.Inbound:  {pending: make(map[uint32][]byte)},
			},
		}
		s.conns[key] = conn
		log.Printf("Sniffer tracking new connection %s (console port %d)", key, consolePort)
	}

	for _, payload := range conn.dirs[dir].reassemble(seg, s.cfg.FlushTimeout) {
		conn.state.Consume(CaptureFrame{
			Key:       key,
			Direction: dir,
			Payload:   payload,
			Seen:      seg.Seen,
		}, s.sink)
	}
}

// isDuplicate drops a segment whose (seq, payload) pair was already seen on
// this connection+direction within the dedup window.
func (s *Sniffer) isDuplicate(key ConnKey, dir protocol.Direction, seg Segment) bool {
	h := fnv.New64a()
	h.Write(seg.Payload)
	dk := dedupKey{key: key, dir: dir, seq: seg.Seq, hash: h.Sum64()}

	if last, ok := s.seen[dk]; ok && seg.Seen.Sub(last) < s.cfg.DedupWindow {
		return true
	}
	s.seen[dk] = seg.Seen
	return false
}

// reassemble returns payloads now deliverable in sequence order. Out-of-order
// segments wait in pending until predecessors arrive or the flush timeout
// forces a best-effort drain; the pipeline never blocks indefinitely on one
// stalled connection.
func (d *dirState) reassemble(seg Segment, flushTimeout time.Duration) [][]byte {
	if !d.haveSeq {
		d.haveSeq = true
		d.nextSeq = seg.Seq + uint32(len(seg.Payload))
		return [][]byte{seg.Payload}
	}

	diff := int32(seg.Seq - d.nextSeq)
	switch {
	case diff == 0:
		d.nextSeq = seg.Seq + uint32(len(seg.Payload))
		out := [][]byte{seg.Payload}
		out = append(out, d.drainPending()...)
		d.stalledAt = time.Time{}
		return out
	case diff < 0:
		// retransmit of bytes already delivered
		return nil
	default:
		d.pending[seg.Seq] = seg.Payload
		if d.stalledAt.IsZero() {
			d.stalledAt = seg.Seen
		} else if seg.Seen.Sub(d.stalledAt) > flushTimeout {
			return d.forceFlush()
		}
		return nil
	}
}

// drainPending delivers buffered segments that are now contiguous.
func (d *dirState) drainPending() [][]byte {
	var out [][]byte
	for {
		payload, ok := d.pending[d.nextSeq]
		if !ok {
			return out
		}
		delete(d.pending, d.nextSeq)
		d.nextSeq += uint32(len(payload))
		out = append(out, payload)
	}
}

// forceFlush gives up on the missing bytes and delivers everything buffered
// in sequence order.
func (d *dirState) forceFlush() [][]byte {
	seqs := make([]uint32, 0, len(d.pending))
	for seq := range d.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return int32(seqs[i]-d.nextSeq) < int32(seqs[j]-d.nextSeq)
	})

	var out [][]byte
	for _, seq := range seqs {
		payload := d.pending[seq]
		delete(d.pending, seq)
		out = append(out, payload)
		d.nextSeq = seq + uint32(len(payload))
	}
	d.stalledAt = time.Time{}
	return out
}

// flushBuffered delivers a direction's out-of-order buffer through the
// connection state so captured bytes are not lost when the missing
// predecessor never shows up.
func (s *Sniffer) flushBuffered(conn *snifferConn, dir protocol.Direction, now time.Time) {
	for _, payload := range conn.dirs[dir].forceFlush() {
		conn.state.Consume(CaptureFrame{
			Key:       conn.state.Key,
			Direction: dir,
			Payload:   payload,
			Seen:      now,
		}, s.sink)
	}
}

// Sweep force-flushes directions stalled past the flush timeout, closes
// connections idle longer than the connection timeout and forgets expired
// dedup fingerprints. Called periodically by the run loop; without it, a
// connection that buffers an out-of-order segment and then goes quiet would
// hold those bytes forever.
func (s *Sniffer) Sweep(now time.Time) {
	for key, conn := range s.conns {
		for _, dir := range []protocol.Direction{protocol.Outbound, protocol.Inbound} {
			d := conn.dirs[dir]
			if !d.stalledAt.IsZero() && now.Sub(d.stalledAt) > s.cfg.FlushTimeout {
				s.flushBuffered(conn, dir, now)
			}
		}
		if now.Sub(conn.state.LastActivity()) > s.cfg.ConnTimeout {
			s.flushBuffered(conn, protocol.Outbound, now)
			s.flushBuffered(conn, protocol.Inbound, now)
			conn.state.Close(s.sink)
			delete(s.conns, key)
			log.Printf("Sniffer dropped idle connection %s", key)
		}
	}
	for dk, seen := range s.seen {
		if now.Sub(seen) > s.cfg.DedupWindow {
			delete(s.seen, dk)
		}
	}
}

// CloseAll flushes and discards every tracked connection, used at shutdown.
// Out-of-order buffers are drained first so shutdown never loses bytes that
// were already captured.
func (s *Sniffer) CloseAll() {
	now := time.Now()
	for key, conn := range s.conns {
		s.flushBuffered(conn, protocol.Outbound, now)
		s.flushBuffered(conn, protocol.Inbound, now)
		conn.state.Close(s.sink)
		delete(s.conns, key)
	}
}

// ConnCount reports how many connections are currently tracked.
func (s *Sniffer) ConnCount() int { return len(s.conns) }
