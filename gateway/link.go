package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

var errRejected = errors.New("gateway: device rejected")

// link is the per-connection (or per-UDP-peer) decoding state.
type link struct {
	srv   *Server
	codec protocol.Codec
	sess  *protocol.Session
	out   Writer

	dev    *model.Device
	handle *Handle

	// UDP peers share one socket; mu serialises their datagrams and
	// lastSeen drives idle pruning.  Unused on TCP.
	mu       sync.Mutex
	lastSeen time.Time
}

func (l *link) log() *zerolog.Logger {
	log := l.srv.log.With().
		Str("protocol", l.sess.Protocol).
		Str("remote", l.sess.RemoteAddr).
		Str("identifier", l.sess.Identifier).
		Logger()
	return &log
}

// drain decodes and handles every complete frame in buf, returning the
// unconsumed remainder.  An error closes the connection.
func (l *link) drain(ctx context.Context, buf []byte) ([]byte, error) {
	for len(buf) > 0 {
		frames, consumed, err := l.codec.Decode(buf, l.sess)
		if err != nil {
			return buf, err
		}
		if consumed == 0 {
			break
		}
		buf = buf[consumed:]
		for _, f := range frames {
			if err := l.handleFrame(ctx, f); err != nil {
				return buf, err
			}
		}
	}
	return buf, nil
}

func (l *link) handleFrame(ctx context.Context, f protocol.Frame) error {
	switch frame := f.(type) {
	case *protocol.Login:
		return l.handleLogin(ctx, frame)

	case *protocol.Position:
		if err := l.identify(ctx, frame.Identifier); err != nil {
			return err
		}
		pos := toModelPosition(frame)
		if err := l.srv.pipeline.Process(ctx, l.dev, pos); err != nil {
			l.log().Error().Err(err).Msg("processing position")
		}
		l.write(l.codec.EncodeAck(f, l.sess))

	case *protocol.Heartbeat:
		if err := l.identify(ctx, frame.Identifier); err != nil {
			return err
		}
		l.srv.pipeline.Touch(ctx, l.dev.ID)
		l.write(l.codec.EncodeAck(f, l.sess))

	case *protocol.CommandAck:
		if l.dev == nil {
			return errors.New("gateway: command ack before login")
		}
		if l.srv.commands != nil {
			l.srv.commands.HandleAck(ctx, l.dev.ID, frame)
		}

	case *protocol.BadFrame:
		l.log().Warn().Str("reason", frame.Reason).Msg("bad frame skipped")
		l.write(l.codec.EncodeAck(f, l.sess))
	}
	return nil
}

// handleLogin authenticates the announced identifier and attaches the
// session to the registry.  Unknown or inactive devices get the
// protocol's rejection ack and the connection closes.
func (l *link) handleLogin(ctx context.Context, login *protocol.Login) error {
	dev, err := l.srv.store.DeviceByIdentifier(ctx, login.Identifier, l.sess.Protocol)
	if err != nil || !dev.Active {
		l.srv.log.Warn().
			Str("protocol", l.sess.Protocol).
			Str("identifier", login.Identifier).
			Str("remote", l.sess.RemoteAddr).
			Msg("rejecting unknown or inactive device")
		l.write(l.codec.EncodeLoginAck(login, false, l.sess))
		return errRejected
	}

	l.dev = dev
	l.sess.Identifier = dev.Identifier
	l.sess.DeviceID = dev.ID
	l.write(l.codec.EncodeLoginAck(login, true, l.sess))
	l.attach()
	l.log().Info().Int64("device_id", dev.ID).Msg("device logged in")
	return nil
}

// identify resolves the session's device, performing an implicit login
// for protocols that carry the identifier on every record.
func (l *link) identify(ctx context.Context, identifier string) error {
	if l.dev != nil {
		return nil
	}
	if identifier == "" {
		return errors.New("gateway: data frame before login")
	}
	return l.handleLogin(ctx, &protocol.Login{Identifier: identifier})
}

// attach inserts the session into the registry, evicting a previous
// session for the same device.
func (l *link) attach() {
	l.handle = l.srv.registry.Attach(l.dev.ID, l.codec, l.out)
}

func (l *link) detach() {
	if l.handle != nil {
		l.srv.registry.Detach(l.dev.ID, l.handle)
		l.handle = nil
	}
}

// write sends protocol bytes, serialised through the registry handle
// once attached so acks and dispatched commands interleave cleanly.
func (l *link) write(data []byte) {
	if data == nil {
		return
	}
	var err error
	if l.handle != nil {
		err = l.handle.Send(data)
	} else {
		err = l.out.Write(data)
	}
	if err != nil {
		l.log().Debug().Err(err).Msg("write failed")
	}
}

func toModelPosition(f *protocol.Position) *model.Position {
	return &model.Position{
		DeviceTime: f.DeviceTime,
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Altitude:   f.Altitude,
		Speed:      f.Speed,
		Course:     f.Course,
		Satellites: f.Satellites,
		Valid:      f.Valid,
		Ignition:   f.Ignition,
		Sensors:    f.Sensors,
	}
}
