// Package protocol defines the contract between the gateway and the
// per-vendor codecs.  A codec is a stateless decoder paired with ack and
// command encoders.  The gateway owns the per-connection buffer; Decode
// consumes exactly the bytes it recognises and reports how many, so a
// partial frame yields no frames and zero consumption.
package protocol

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/model"
)

// MaxBufferSize caps the bytes a connection may accumulate without
// producing a frame.  Exceeding it closes the connection.
const MaxBufferSize = 64 * 1024

// ErrBadFrame reports an unrecoverable framing error.  Codecs that can
// resync (binary protocols with start markers) return a BadFrame frame
// instead and keep consuming.
var ErrBadFrame = errors.New("protocol: bad frame")

// Session is the per-connection context handed to the codec on every
// decode.  The codec may stash protocol bookkeeping in it (serial
// numbers, pending record counts); the gateway fills in the identity
// fields after a successful login.
type Session struct {
	Protocol   string
	RemoteAddr string

	// Identifier and DeviceID are set once the device has logged in.
	Identifier string
	DeviceID   int64

	// LastSerial is the serial number of the most recent framed
	// message, used by codecs whose acks echo it.
	LastSerial uint16
}

// Frame is one decoded protocol event.  The concrete types below form
// the closed set of variants.
type Frame interface {
	frame()
}

// Login announces the device identity.  First frame on most protocols.
type Login struct {
	Identifier string

	// Serial is the message serial for protocols whose login ack
	// echoes it (GT06).
	Serial uint16
}

// Position is a normalized location record.
type Position struct {
	// Identifier is set by protocols that carry the device id in
	// every record (H02, OsmAnd); empty when identity comes from the
	// session.
	Identifier string

	DeviceTime time.Time
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64
	Course     float64
	Satellites int
	Valid      bool
	Ignition   *bool
	Sensors    map[string]any

	// PacketRecords is the declared record count of the packet this
	// position completes.  Non-zero only on the last position of a
	// batch for protocols with a per-packet ack (Teltonika).
	PacketRecords int
}

// Heartbeat is a keepalive.  Most protocols require an ack.
type Heartbeat struct {
	Identifier string
	Serial     uint16
	Sensors    map[string]any

	// Records carries the declared record count of a data packet whose
	// fixes were all dropped, so the count ack can still be produced.
	Records int
}

// CommandAck is a device response to a queued command.
type CommandAck struct {
	Key      string
	Status   string
	Response string
}

// BadFrame reports a malformed frame that the codec skipped over.
type BadFrame struct {
	Reason string
}

func (*Login) frame()      {}
func (*Position) frame()   {}
func (*Heartbeat) frame()  {}
func (*CommandAck) frame() {}
func (*BadFrame) frame()   {}

// Codec is one vendor protocol implementation, bound to a listener port
// by configuration.
type Codec interface {
	// Protocol returns the codec name used in listener config and on
	// device rows.
	Protocol() string

	// Decode parses as many complete frames as buf holds and returns
	// them with the number of bytes consumed.  consumed == 0 means a
	// partial frame: the gateway keeps the buffer and waits for more
	// bytes.
	Decode(buf []byte, s *Session) (frames []Frame, consumed int, err error)

	// EncodeLoginAck builds the protocol-specific login response.
	// A nil result means the protocol sends nothing (rejection is
	// then just a close).
	EncodeLoginAck(login *Login, accepted bool, s *Session) []byte

	// EncodeAck builds the per-record acknowledgement for a decoded
	// frame, or nil when the protocol requires none.
	EncodeAck(f Frame, s *Session) []byte

	// SupportsCommands reports whether the protocol has a downstream
	// command channel.
	SupportsCommands() bool

	// EncodeCommand renders a queued command to wire bytes and
	// returns an optional correlation key for ack matching.
	EncodeCommand(cmd *model.Command) (data []byte, key string, err error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{}
)

// Register installs a codec under its protocol name.  Codec packages
// call this from init; importing a codec package is what makes the
// protocol available to listeners.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.Protocol()] = c
}

// Lookup resolves a protocol name to its codec.
func Lookup(name string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Protocols lists the registered protocol names.
func Protocols() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// Preview renders a command through a codec without dispatching it,
// for UI display.
func Preview(c Codec, cmd *model.Command) (hexDump, asciiDump string, err error) {
	data, _, err := c.EncodeCommand(cmd)
	if err != nil {
		return "", "", err
	}
	return hexString(data), asciiString(data), nil
}

const hexDigits = "0123456789abcdef"

func hexString(data []byte) string {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

func asciiString(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 0x20 && b < 0x7f {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
