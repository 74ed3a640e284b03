// internal/capture/pcap.go
package capture

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

const (
	snapLen     = 65535
	pcapTimeout = 200 * time.Millisecond
	sweepEvery  = 30 * time.Second
)

// ResolveIface returns the configured interface if it exists, otherwise the
// first interface whose name or description mentions "loopback".
func ResolveIface(preferred string) (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("list capture interfaces: %w", err)
	}

	var names []string
	for _, d := range devs {
		if d.Name == preferred {
			return d.Name, nil
		}
		names = append(names, d.Name)
	}
	for _, d := range devs {
		if strings.Contains(strings.ToLower(d.Name), "lo") ||
			strings.Contains(strings.ToLower(d.Description), "loopback") {
			return d.Name, nil
		}
	}
	return "", fmt.Errorf("interface %q not found, available: %s", preferred, strings.Join(names, ", "))
}

// bpfFilter builds the capture filter for the configured port set. With
// auto-detect on, any console inside the spanned range is captured; with it
// off, only the exact configured ports are.
func bpfFilter(ports []int, autoDetect bool) string {
	if len(ports) == 0 {
		return "tcp"
	}
	if !autoDetect {
		terms := make([]string, len(ports))
		for i, p := range ports {
			terms[i] = fmt.Sprintf("port %d", p)
		}
		return "tcp and (" + strings.Join(terms, " or ") + ")"
	}
	lo, hi := ports[0], ports[0]
	for _, p := range ports[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return fmt.Sprintf("tcp and portrange %d-%d", lo, hi)
}

// Run opens the capture handle and processes packets until the context is
// cancelled. Interface or privilege problems surface here as startup errors;
// once running, per-packet problems are tolerated.
func (s *Sniffer) Run(ctx context.Context) error {
	iface, err := ResolveIface(s.cfg.Iface)
	if err != nil {
		return err
	}

	handle, err := pcap.OpenLive(iface, snapLen, true, pcapTimeout)
	if err != nil {
		return fmt.Errorf("open capture on %s (insufficient privilege?): %w", iface, err)
	}
	defer handle.Close()

	filter := bpfFilter(s.cfg.Ports, s.cfg.AutoDetect)
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("set capture filter %q: %w", filter, err)
	}

	log.Printf("Sniffer capturing on %s, filter %q", iface, filter)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.CloseAll()
			log.Println("Sniffer stopped")
			return nil
		case <-sweep.C:
			s.Sweep(time.Now())
		case pkt, ok := <-packets:
			if !ok {
				s.CloseAll()
				return fmt.Errorf("capture source on %s closed", iface)
			}
			if seg, ok := decodeSegment(pkt); ok {
				s.HandleSegment(seg)
			}
		}
	}
}

// decodeSegment extracts a Segment from a captured packet, if it carries a
// TCP payload.
func decodeSegment(pkt gopacket.Packet) (Segment, bool) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	netLayer := pkt.NetworkLayer()
	if tcpLayer == nil || netLayer == nil {
		return Segment{}, false
	}
	tcp := tcpLayer.(*layers.TCP)
	if len(tcp.Payload) == 0 {
		return Segment{}, false
	}

	flow := netLayer.NetworkFlow()
	seen := pkt.Metadata().Timestamp
	if seen.IsZero() {
		seen = time.Now()
	}

	return Segment{
		SrcAddr: flow.Src().String(),
		SrcPort: int(tcp.SrcPort),
		DstAddr: flow.Dst().String(),
		DstPort: int(tcp.DstPort),
		Seq:     tcp.Seq,
		Payload: tcp.Payload,
		Seen:    seen,
	}, true
}
