// Package gateway accepts tracker connections, feeds bytes through the
// protocol codecs and routes the decoded frames: logins authenticate
// against the device table, positions go to the pipeline, command acks
// to the dispatcher.  Each TCP connection is one goroutine; UDP
// datagrams are handled on a bounded worker pool.
package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

const (
	// readIdleTimeout closes a TCP connection that has sent nothing
	// for this long.  Trackers heartbeat far more often.
	readIdleTimeout = 5 * time.Minute

	writeTimeout = 10 * time.Second
)

var errClosed = errors.New("gateway: session closed")

// DeviceSource resolves announced identifiers to device rows.
type DeviceSource interface {
	DeviceByIdentifier(ctx context.Context, identifier, protocol string) (*model.Device, error)
}

// Pipeline receives decoded positions and contact events.
type Pipeline interface {
	Process(ctx context.Context, dev *model.Device, pos *model.Position) error
	Touch(ctx context.Context, deviceID int64)
}

// CommandSink receives command acknowledgements.  May be nil.
type CommandSink interface {
	HandleAck(ctx context.Context, deviceID int64, ack *protocol.CommandAck)
}

// Server owns the configured listeners and the session registry.
type Server struct {
	log      zerolog.Logger
	cfg      *config.Config
	store    DeviceSource
	pipeline Pipeline
	commands CommandSink
	registry *Registry

	mu        sync.Mutex
	listeners []net.Listener
	packets   []net.PacketConn
	conns     map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New builds a gateway server around an existing session registry.
func New(log zerolog.Logger, cfg *config.Config, store DeviceSource,
	pipeline Pipeline, commands CommandSink, registry *Registry) *Server {
	return &Server{
		log:      log.With().Str("component", "gateway").Logger(),
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		commands: commands,
		registry: registry,
		conns:    map[net.Conn]struct{}{},
	}
}

// Start binds every enabled listener and begins serving.  A bind
// failure closes whatever was already open and reports the error.
func (s *Server) Start(ctx context.Context) error {
	for _, lc := range s.cfg.Listeners {
		if lc.Disabled {
			continue
		}
		codec, ok := protocol.Lookup(lc.Protocol)
		if !ok {
			s.Stop()
			return errors.Errorf("gateway: unknown protocol %q", lc.Protocol)
		}
		addr := s.cfg.ListenAddr(lc)

		if lc.Transport == "udp" {
			pc, err := net.ListenPacket("udp", addr)
			if err != nil {
				s.Stop()
				return errors.Wrapf(err, "gateway: bind udp %s", addr)
			}
			s.mu.Lock()
			s.packets = append(s.packets, pc)
			s.mu.Unlock()
			s.wg.Add(1)
			go s.serveUDP(ctx, pc, codec)
		} else {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				s.Stop()
				return errors.Wrapf(err, "gateway: bind tcp %s", addr)
			}
			s.mu.Lock()
			s.listeners = append(s.listeners, ln)
			s.mu.Unlock()
			s.wg.Add(1)
			go s.serveTCP(ctx, ln, codec)
		}
		s.log.Info().
			Str("protocol", lc.Protocol).
			Str("transport", lc.Transport).
			Str("addr", addr).
			Msg("listening")
	}
	return nil
}

// Stop closes the listeners and every live connection, then waits for
// the serving goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, pc := range s.packets {
		pc.Close()
	}
	s.listeners, s.packets = nil, nil
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.registry.Close()
	s.wg.Wait()
}

func (s *Server) serveTCP(ctx context.Context, ln net.Listener, codec protocol.Codec) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Str("protocol", codec.Protocol()).Msg("accept")
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, conn, codec)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, codec protocol.Codec) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	l := &link{
		srv:   s,
		codec: codec,
		out:   connWriter{conn},
		sess: &protocol.Session{
			Protocol:   codec.Protocol(),
			RemoteAddr: conn.RemoteAddr().String(),
		},
	}
	defer l.detach()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			rest, ferr := l.drain(ctx, append(buf, chunk[:n]...))
			if ferr != nil {
				l.log().Debug().Err(ferr).Msg("closing connection")
				return
			}
			buf = rest
			if len(buf) > protocol.MaxBufferSize {
				l.log().Warn().Int("buffered", len(buf)).Msg("unframed buffer over cap")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// connWriter adapts a net.Conn to the registry's Writer.
type connWriter struct{ conn net.Conn }

func (w connWriter) Write(data []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := w.conn.Write(data)
	return err
}

func (w connWriter) Close() error { return w.conn.Close() }
