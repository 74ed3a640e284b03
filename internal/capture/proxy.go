// internal/capture/proxy.go
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aidenlabs/aiden/internal/normalize"
	"github.com/aidenlabs/aiden/internal/protocol"
)

// ProxyConfig tunes the relaying capture source.
type ProxyConfig struct {
	TargetHost string
	Ports      []int // console ports; the proxy listens on port+Offset
	Offset     int
	Normalize  normalize.Options
}

// Proxy is the active capture source: it relays Telnet sessions between a
// client-facing offset port and the real device port, emitting every byte it
// forwards. Capture is a side effect of relaying, so nothing is missed.
type Proxy struct {
	cfg  ProxyConfig
	sink LineSink

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewProxy creates the relay capture source.
func NewProxy(cfg ProxyConfig, sink LineSink) *Proxy {
	return &Proxy{cfg: cfg, sink: sink}
}

// Run binds a listener per configured console port and serves until the
// context is cancelled. Failing to bind every port is a startup error;
// individual session failures are isolated to their connection.
func (p *Proxy) Run(ctx context.Context) error {
	var bound []string
	for _, consolePort := range p.cfg.Ports {
		proxyPort := consolePort + p.cfg.Offset
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", proxyPort))
		if err != nil {
			log.Printf("Proxy: cannot bind port %d: %v", proxyPort, err)
			continue
		}
		p.mu.Lock()
		p.listeners = append(p.listeners, ln)
		p.mu.Unlock()
		bound = append(bound, fmt.Sprintf("%d->%d", proxyPort, consolePort))

		p.wg.Add(1)
		go p.acceptLoop(ctx, ln, consolePort)
	}

	if len(bound) == 0 {
		return errors.New("proxy: no listener ports could be bound")
	}
	log.Printf("Proxy relaying %v (target host %s)", bound, p.cfg.TargetHost)

	<-ctx.Done()
	p.mu.Lock()
	for _, ln := range p.listeners {
		ln.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
	log.Println("Proxy stopped")
	return nil
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener, consolePort int) {
	defer p.wg.Done()
	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Proxy accept on console port %d: %v", consolePort, err)
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serveSession(ctx, client, consolePort)
		}()
	}
}

// serveSession relays one client connection to the device. A failure on
// either side closes this session only; other sessions are unaffected.
func (p *Proxy) serveSession(ctx context.Context, client net.Conn, consolePort int) {
	defer client.Close()

	target := fmt.Sprintf("%s:%d", p.cfg.TargetHost, consolePort)
	device, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		log.Printf("Proxy: device %s unreachable, dropping client %s: %v", target, client.RemoteAddr(), err)
		return
	}
	defer device.Close()

	log.Printf("Proxy session: %s <-> %s", client.RemoteAddr(), target)

	clientAddr, clientPort := splitAddr(client.RemoteAddr())
	key := NewConnKey(clientAddr, clientPort, p.cfg.TargetHost, consolePort)
	state := NewConnState(key, consolePort, p.cfg.Normalize)

	// Each ConnState is owned by one goroutine; the two relay directions
	// funnel through frames so ownership stays single-threaded.
	frames := make(chan CaptureFrame, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range frames {
			state.Consume(frame, p.sink)
		}
		state.Close(p.sink)
	}()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
			device.Close()
		case <-stop:
		}
	}()

	var relayWG sync.WaitGroup
	relayWG.Add(2)
	go func() {
		defer relayWG.Done()
		p.relay(client, device, key, protocol.Outbound, frames)
		// client gone: tear down the device side too
		device.Close()
	}()
	go func() {
		defer relayWG.Done()
		p.relay(device, client, key, protocol.Inbound, frames)
		// device gone: the client connection is closed as well
		client.Close()
	}()
	relayWG.Wait()
	close(stop)
	close(frames)
	<-done

	log.Printf("Proxy session closed: %s <-> %s", client.RemoteAddr(), target)
}

// relay copies bytes from src to dst, emitting each forwarded chunk as a
// CaptureFrame.
func (p *Proxy) relay(src, dst net.Conn, key ConnKey, dir protocol.Direction, frames chan<- CaptureFrame) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			frames <- CaptureFrame{Key: key, Direction: dir, Payload: payload, Seen: time.Now()}

			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("Proxy relay %s %s: %v", key, dir, err)
			}
			return
		}
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	return addr.String(), 0
}
