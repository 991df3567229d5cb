// Package teltonika implements the Teltonika Codec 8 and Codec 8
// Extended AVL protocol (FMB/FMC/FMM tracker families).
//
// The first packet after connect is an IMEI announcement: a two byte
// big-endian length followed by that many ASCII digits.  The server
// answers with a single byte, 0x01 to accept or 0x00 to reject.  Every
// later packet is an AVL data packet:
//
//	4 B   preamble, always zero
//	4 B   data field length (big-endian)
//	1 B   codec id: 0x08 (Codec 8) or 0x8E (Codec 8 Extended)
//	1 B   record count
//	...   AVL records
//	1 B   record count again
//	4 B   CRC-16/IBM of the data field, in the low 16 bits
//
// The server acknowledges each AVL packet with the four byte big-endian
// record count.  Sending anything else makes the device retransmit.
//
// Downstream commands use the Codec 12 wrapper (type 5 text command).
package teltonika

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

const (
	codec8         = 0x08
	codec8Extended = 0x8e
	codec12        = 0x0c

	// ioIgnition is the AVL I/O id reported as the top-level ignition
	// flag rather than a sensor.
	ioIgnition = 239
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "teltonika" }

func (codec) SupportsCommands() bool { return true }

// Decode parses one IMEI announcement or one AVL packet per call.  The
// gateway calls again while bytes remain.
func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	// AVL packets start with a four byte zero preamble.  An IMEI
	// announcement starts with its length, which is never zero, so the
	// two are distinguishable from the first two bytes.  Two or three
	// leading zero bytes are a partial preamble, not a bad frame.
	if binary.BigEndian.Uint16(buf[:2]) == 0 {
		if len(buf) < 4 {
			return nil, 0, nil
		}
		if binary.BigEndian.Uint32(buf[:4]) != 0 {
			return nil, 0, protocol.ErrBadFrame
		}
		return c.decodeAVL(buf, s)
	}
	return c.decodeIMEI(buf)
}

func (codec) decodeIMEI(buf []byte) ([]protocol.Frame, int, error) {
	imeiLen := int(binary.BigEndian.Uint16(buf[:2]))
	if imeiLen > 17 {
		return nil, 0, protocol.ErrBadFrame
	}
	if len(buf) < 2+imeiLen {
		return nil, 0, nil
	}
	imei := string(buf[2 : 2+imeiLen])
	for _, r := range imei {
		if r < '0' || r > '9' {
			return nil, 0, protocol.ErrBadFrame
		}
	}
	return []protocol.Frame{&protocol.Login{Identifier: imei}}, 2 + imeiLen, nil
}

func (c codec) decodeAVL(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	if len(buf) < 8 {
		return nil, 0, nil
	}
	dataLen := int(binary.BigEndian.Uint32(buf[4:8]))
	total := 8 + dataLen + 4
	if dataLen < 2 || dataLen > protocol.MaxBufferSize {
		return nil, 0, protocol.ErrBadFrame
	}
	if len(buf) < total {
		return nil, 0, nil
	}

	data := buf[8 : 8+dataLen]
	wantCRC := binary.BigEndian.Uint32(buf[8+dataLen : total])
	if uint32(protocol.CRC16IBM(data)) != wantCRC {
		return []protocol.Frame{&protocol.BadFrame{Reason: "avl crc mismatch"}}, total, nil
	}

	codecID := data[0]
	count := int(data[1])

	if codecID == codec12 {
		// Device response to a Codec 12 command.
		return []protocol.Frame{decodeCommandResponse(data)}, total, nil
	}
	if codecID != codec8 && codecID != codec8Extended {
		return []protocol.Frame{&protocol.BadFrame{
			Reason: fmt.Sprintf("unsupported codec 0x%02x", codecID),
		}}, total, nil
	}

	extended := codecID == codec8Extended
	frames := decodeRecords(data[2:], count, extended)
	if len(frames) == 0 {
		// Valid packet, no storable fix.  The ack still has to echo
		// the declared count.
		return []protocol.Frame{&protocol.Heartbeat{Records: count}}, total, nil
	}
	if last, ok := frames[len(frames)-1].(*protocol.Position); ok {
		last.PacketRecords = count
	}
	return frames, total, nil
}

// decodeRecords walks the AVL records.  Records whose GPS element is
// all zero (no fix) are consumed but not emitted.
func decodeRecords(data []byte, count int, extended bool) []protocol.Frame {
	var frames []protocol.Frame
	r := &reader{data: data, extended: extended}
	for i := 0; i < count && !r.failed; i++ {
		pos, ok := r.record()
		if r.failed {
			break
		}
		if ok {
			frames = append(frames, pos)
		}
	}
	return frames
}

// reader decodes AVL records from a byte slice, tracking overrun in
// failed rather than returning an error at every step.
type reader struct {
	data     []byte
	off      int
	extended bool
	failed   bool
}

func (r *reader) bytes(n int) []byte {
	if r.failed || r.off+n > len(r.data) {
		r.failed = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint64 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return uint64(b[0])
}

func (r *reader) u16() uint64 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return uint64(binary.BigEndian.Uint16(b))
}

func (r *reader) u32() uint64 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return uint64(binary.BigEndian.Uint32(b))
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ioID reads an I/O element id: one byte in Codec 8, two in 8E.
func (r *reader) ioID() int {
	if r.extended {
		return int(r.u16())
	}
	return int(r.u8())
}

// ioCount reads a per-width element count: one byte in Codec 8, two
// in 8E.
func (r *reader) ioCount() int {
	if r.extended {
		return int(r.u16())
	}
	return int(r.u8())
}

func (r *reader) record() (*protocol.Position, bool) {
	ts := r.u64()
	r.u8() // priority
	lon := int32(r.u32())
	lat := int32(r.u32())
	alt := int16(r.u16())
	course := r.u16()
	sats := r.u8()
	speed := r.u16()

	// I/O element header: event id + total count, then one group per
	// value width.  The header values are not needed.
	r.ioID()
	r.ioCount()

	var ignition *bool
	sensors := map[string]any{}
	for _, width := range []int{1, 2, 4, 8} {
		n := r.ioCount()
		for i := 0; i < n; i++ {
			id := r.ioID()
			b := r.bytes(width)
			if b == nil {
				return nil, false
			}
			var raw uint64
			for _, v := range b {
				raw = raw<<8 | uint64(v)
			}
			if id == ioIgnition {
				on := raw != 0
				ignition = &on
			}
			sensors[ioName(id)] = ioValue(id, raw)
		}
	}
	if r.failed {
		return nil, false
	}

	// Codec 8E appends a variable-length I/O group (2 B count, then
	// 2 B id + 2 B length + data each).
	if r.extended {
		n := int(r.u16())
		for i := 0; i < n; i++ {
			id := int(r.u16())
			l := int(r.u16())
			b := r.bytes(l)
			if b == nil {
				return nil, false
			}
			sensors[ioName(id)] = hex.EncodeToString(b)
		}
		if r.failed {
			return nil, false
		}
	}

	// Devices report 0,0 when they have no fix; consume but drop.
	latitude := float64(lat) / 1e7
	longitude := float64(lon) / 1e7
	if latitude == 0 && longitude == 0 {
		return nil, false
	}

	return &protocol.Position{
		DeviceTime: time.UnixMilli(int64(ts)).UTC(),
		Latitude:   latitude,
		Longitude:  longitude,
		Altitude:   float64(alt),
		Speed:      float64(speed),
		Course:     float64(course),
		Satellites: int(sats),
		Valid:      true,
		Ignition:   ignition,
		Sensors:    sensors,
	}, true
}

// decodeCommandResponse parses a Codec 12 type 6 response packet.
func decodeCommandResponse(data []byte) protocol.Frame {
	// data: codec id, quantity, type, 4 B length, text, quantity
	if len(data) < 8 {
		return &protocol.BadFrame{Reason: "short codec 12 response"}
	}
	textLen := int(binary.BigEndian.Uint32(data[3:7]))
	if 7+textLen > len(data) {
		return &protocol.BadFrame{Reason: "codec 12 response overrun"}
	}
	return &protocol.CommandAck{
		Status:   "ok",
		Response: string(data[7 : 7+textLen]),
	}
}

func (codec) EncodeLoginAck(_ *protocol.Login, accepted bool, _ *protocol.Session) []byte {
	if accepted {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// EncodeAck returns the four byte big-endian record count after an AVL
// packet, nothing otherwise.
func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	var count int
	switch fr := f.(type) {
	case *protocol.Position:
		count = fr.PacketRecords
	case *protocol.Heartbeat:
		count = fr.Records
	}
	if count == 0 {
		return nil
	}
	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, uint32(count))
	return ack
}

// EncodeCommand wraps a text command in Codec 12.  A payload that is an
// even-length hex string is sent as raw binary instead (custom
// commands carrying prebuilt frames).
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	payload := strings.TrimSpace(cmd.Payload)
	if cmd.Kind == "custom" && isHexString(payload) {
		raw, err := hex.DecodeString(payload)
		if err == nil {
			return raw, "", nil
		}
	}
	text := payload
	if cmd.Kind != "custom" {
		text = strings.TrimSpace(cmd.Kind + " " + payload)
	}
	if text == "" {
		return nil, "", fmt.Errorf("teltonika: empty command")
	}
	return encodeCodec12(text), "", nil
}

func encodeCodec12(text string) []byte {
	const (
		quantity = 0x01
		typeText = 0x05
	)
	body := make([]byte, 0, len(text)+8)
	body = append(body, codec12, quantity, typeText)
	body = binary.BigEndian.AppendUint32(body, uint32(len(text)))
	body = append(body, text...)
	body = append(body, quantity)

	out := make([]byte, 0, len(body)+12)
	out = append(out, 0, 0, 0, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint32(out, uint32(protocol.CRC16IBM(body)))
	return out
}

func isHexString(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
