package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/protocol"
)

const (
	maxDatagram = 4096

	// udpIdleTimeout prunes a peer whose device has gone quiet; its
	// next datagram simply builds a fresh session.
	udpIdleTimeout = 5 * time.Minute
)

type datagram struct {
	data []byte
	addr net.Addr
}

// udpPeers tracks per-remote decoding state so identity survives
// across datagrams from the same tracker.
type udpPeers struct {
	mu    sync.Mutex
	links map[string]*link
}

func (p *udpPeers) get(srv *Server, pc net.PacketConn, codec protocol.Codec, addr net.Addr) *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.links[addr.String()]
	if l == nil {
		l = &link{
			srv:   srv,
			codec: codec,
			out:   packetWriter{pc: pc, addr: addr},
			sess: &protocol.Session{
				Protocol:   codec.Protocol(),
				RemoteAddr: addr.String(),
			},
		}
		p.links[addr.String()] = l
	}
	return l
}

func (p *udpPeers) prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, l := range p.links {
		l.mu.Lock()
		idle := now.Sub(l.lastSeen) > udpIdleTimeout
		l.mu.Unlock()
		if idle {
			l.detach()
			delete(p.links, key)
		}
	}
}

// serveUDP reads datagrams and hands them to a bounded worker pool.
// Each datagram is a complete frame; per-peer state keeps the device
// identity between datagrams.
func (s *Server) serveUDP(ctx context.Context, pc net.PacketConn, codec protocol.Codec) {
	defer s.wg.Done()

	peers := &udpPeers{links: map[string]*link{}}
	jobs := make(chan datagram, s.cfg.UDPWorkers)

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.UDPWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for dg := range jobs {
				s.handleDatagram(ctx, peers, pc, codec, dg)
			}
		}()
	}

	lastPrune := time.Now()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			close(jobs)
			workers.Wait()
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Str("protocol", codec.Protocol()).Msg("udp read")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		jobs <- datagram{data: data, addr: addr}

		if now := time.Now(); now.Sub(lastPrune) > udpIdleTimeout {
			peers.prune(now)
			lastPrune = now
		}
	}
}

func (s *Server) handleDatagram(ctx context.Context, peers *udpPeers,
	pc net.PacketConn, codec protocol.Codec, dg datagram) {

	l := peers.get(s, pc, codec, dg.addr)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen = time.Now()

	rest, err := l.drain(ctx, dg.data)
	if err != nil {
		l.log().Debug().Err(err).Msg("dropping datagram")
		return
	}
	if len(rest) > 0 {
		// No cross-datagram buffering; a trailing partial frame is lost.
		l.log().Debug().Int("trailing", len(rest)).Msg("incomplete frame in datagram")
	}
}

// packetWriter sends through the shared UDP socket to one peer.
type packetWriter struct {
	pc   net.PacketConn
	addr net.Addr
}

func (w packetWriter) Write(data []byte) error {
	_, err := w.pc.WriteTo(data, w.addr)
	return err
}

// Close is a no-op: the socket is shared by every peer.
func (w packetWriter) Close() error { return nil }
