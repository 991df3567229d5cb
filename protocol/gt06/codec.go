// Package gt06 implements the GT06/Concox binary protocol, spoken by a
// large family of Chinese trackers.
//
// Frame layout:
//
//	2 B   start marker: 0x78 0x78, or 0x79 0x79 for extended frames
//	1 B   content length (2 B big-endian after a 0x79 0x79 marker)
//	1 B   protocol number
//	...   payload
//	2 B   serial number
//	2 B   CRC-ITU over everything from the length byte to the serial
//	2 B   end marker: 0x0D 0x0A
//
// The login frame (protocol 0x01) carries the IMEI in BCD; the server
// must answer with a framed ack echoing the serial or the device drops
// the connection.  Heartbeats (0x13) and alarms (0x16) are acked the
// same way.  A corrupted frame is skipped by scanning forward to the
// next start marker.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

const (
	msgLogin     = 0x01
	msgGPS       = 0x12
	msgHeartbeat = 0x13
	msgAlarm     = 0x16
	msgGPSLBS    = 0x1a
	msgGPSA0     = 0xa0
	msgCommand   = 0x80
	msgResponse  = 0x15
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "gt06" }

func (codec) SupportsCommands() bool { return true }

// Decode parses one frame per call, scanning forward to a start marker
// first so a corrupted frame resynchronises instead of wedging the
// connection.
func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	start := findStart(buf)
	if start < 0 {
		if len(buf) > 2 {
			// No marker anywhere; drop all but the last byte, which
			// may be the first half of a marker.
			return nil, len(buf) - 1, nil
		}
		return nil, 0, nil
	}
	buf = buf[start:]
	extended := buf[0] == 0x79

	headerLen := 3 // marker + 1 B length
	if extended {
		headerLen = 4 // marker + 2 B length
	}
	if len(buf) < headerLen+1 {
		return nil, start, nil
	}
	var contentLen int
	if extended {
		contentLen = int(binary.BigEndian.Uint16(buf[2:4]))
	} else {
		contentLen = int(buf[2])
	}
	total := headerLen + contentLen + 2 // + end marker
	if contentLen < 5 || total > protocol.MaxBufferSize {
		// Not a plausible frame; skip the marker and rescan.
		return nil, start + 2, nil
	}
	if len(buf) < total {
		return nil, start, nil
	}

	frame := buf[:total]
	if frame[total-2] != 0x0d || frame[total-1] != 0x0a {
		return []protocol.Frame{&protocol.BadFrame{Reason: "missing frame tail"}}, start + 2, nil
	}

	// CRC covers length..serial inclusive.
	crcEnd := total - 4
	wantCRC := binary.BigEndian.Uint16(frame[crcEnd : crcEnd+2])
	if protocol.CRCITU(frame[2:crcEnd]) != wantCRC {
		return []protocol.Frame{&protocol.BadFrame{Reason: "crc-itu mismatch"}}, start + total, nil
	}

	proto := frame[headerLen]
	payload := frame[headerLen+1 : crcEnd-2]
	serial := binary.BigEndian.Uint16(frame[crcEnd-2 : crcEnd])
	s.LastSerial = serial

	var out protocol.Frame
	switch proto {
	case msgLogin:
		out = decodeLogin(payload, serial)
	case msgGPS, msgGPSLBS, msgAlarm, msgGPSA0:
		out = decodePosition(payload, proto)
	case msgHeartbeat:
		out = decodeHeartbeat(payload, serial)
	case msgResponse:
		out = decodeResponse(payload)
	default:
		// Unknown but well-framed message; consume silently.
		return nil, start + total, nil
	}
	if out == nil {
		return nil, start + total, nil
	}
	return []protocol.Frame{out}, start + total, nil
}

func findStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if (buf[i] == 0x78 && buf[i+1] == 0x78) || (buf[i] == 0x79 && buf[i+1] == 0x79) {
			return i
		}
	}
	return -1
}

// decodeLogin extracts the BCD IMEI from a 0x01 frame.
func decodeLogin(payload []byte, serial uint16) protocol.Frame {
	if len(payload) < 8 {
		return &protocol.BadFrame{Reason: "short login payload"}
	}
	raw := hex.EncodeToString(payload[:8])
	// The IMEI is 15 digits packed in 8 BCD bytes with a leading zero.
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return &protocol.BadFrame{Reason: "login imei not BCD"}
	}
	return &protocol.Login{Identifier: strconv.FormatUint(n, 10), Serial: serial}
}

// decodePosition parses the GPS element shared by 0x12/0x16/0x1A/0xA0
// frames: 6 B date, 1 B satellite count, 4 B latitude, 4 B longitude,
// 1 B speed, 2 B course/status, then a status byte on frames that
// carry one.
func decodePosition(payload []byte, proto byte) protocol.Frame {
	if len(payload) < 18 {
		return &protocol.BadFrame{Reason: "short position payload"}
	}
	deviceTime := time.Date(
		2000+int(payload[0]), time.Month(payload[1]), int(payload[2]),
		int(payload[3]), int(payload[4]), int(payload[5]), 0, time.UTC,
	)
	sats := int(payload[6] & 0x0f)
	lat := float64(binary.BigEndian.Uint32(payload[7:11])) / 1800000.0
	lon := float64(binary.BigEndian.Uint32(payload[11:15])) / 1800000.0
	speed := float64(payload[15])
	courseStatus := binary.BigEndian.Uint16(payload[16:18])
	course := float64(courseStatus & 0x03ff)
	if courseStatus&0x0400 != 0 { // south latitude
		lat = -lat
	}
	if courseStatus&0x0800 != 0 { // west longitude
		lon = -lon
	}

	sensors := map[string]any{}
	var ignition *bool
	if proto == msgAlarm {
		sensors["alarm_frame"] = true
		// Alarm frames append an LBS block (length byte + 8 B) and then
		// a terminal-information byte whose bit 1 is ACC.
		if len(payload) >= 28 {
			info := payload[27]
			on := info&0x02 != 0
			ignition = &on
			sensors["charging"] = info&0x04 != 0
			if len(payload) >= 29 {
				sensors["battery_level"] = uint64(payload[28])
			}
			if len(payload) >= 30 {
				sensors["gsm_signal"] = uint64(payload[29])
			}
		}
	}

	return &protocol.Position{
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speed,
		Course:     course,
		Satellites: sats,
		Valid:      courseStatus&0x1000 == 0,
		Ignition:   ignition,
		Sensors:    sensors,
	}
}

// decodeHeartbeat parses the 0x13 status frame: terminal information,
// battery level, GSM signal.  ACC is bit 1 of the information byte.
func decodeHeartbeat(payload []byte, serial uint16) protocol.Frame {
	hb := &protocol.Heartbeat{Serial: serial}
	if len(payload) >= 1 {
		info := payload[0]
		hb.Sensors = map[string]any{
			"ignition": info&0x02 != 0,
			"charging": info&0x04 != 0,
		}
		if len(payload) >= 2 {
			hb.Sensors["battery_level"] = uint64(payload[1])
		}
		if len(payload) >= 3 {
			hb.Sensors["gsm_signal"] = uint64(payload[2])
		}
	}
	return hb
}

func decodeResponse(payload []byte) protocol.Frame {
	// 0x15 server command response: 1 B length, 4 B server flag, text.
	if len(payload) < 5 {
		return &protocol.BadFrame{Reason: "short command response"}
	}
	flag := binary.BigEndian.Uint32(payload[1:5])
	return &protocol.CommandAck{
		Key:      fmt.Sprintf("%08x", flag),
		Status:   "ok",
		Response: string(payload[5:]),
	}
}

// EncodeLoginAck echoes the login serial inside a framed 0x01 ack.  A
// rejected device gets nothing; the gateway closes the connection.
func (codec) EncodeLoginAck(login *protocol.Login, accepted bool, _ *protocol.Session) []byte {
	if !accepted {
		return nil
	}
	return buildFrame(msgLogin, nil, login.Serial)
}

// EncodeAck acks heartbeats and alarm frames with the message serial.
func (codec) EncodeAck(f protocol.Frame, s *protocol.Session) []byte {
	switch fr := f.(type) {
	case *protocol.Heartbeat:
		return buildFrame(msgHeartbeat, nil, fr.Serial)
	case *protocol.Position:
		if fr.Sensors != nil {
			if _, alarm := fr.Sensors["alarm_frame"]; alarm {
				return buildFrame(msgAlarm, nil, s.LastSerial)
			}
		}
	}
	return nil
}

// EncodeCommand wraps an ASCII command in a 0x80 server frame.  The
// server flag doubles as the correlation key: devices echo it in their
// 0x15 response.
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	text := cmd.Payload
	if text == "" {
		text = cmd.Kind
	}
	if text == "" {
		return nil, "", fmt.Errorf("gt06: empty command")
	}
	flag := uint32(time.Now().UnixNano() & 0xffffffff)
	payload := make([]byte, 0, len(text)+5)
	payload = append(payload, byte(4+len(text))) // command content length
	payload = binary.BigEndian.AppendUint32(payload, flag)
	payload = append(payload, text...)
	return buildFrame(msgCommand, payload, 1), fmt.Sprintf("%08x", flag), nil
}

// buildFrame assembles a 0x78 0x78 frame around a payload: length,
// protocol number, payload, serial, CRC-ITU, end marker.
func buildFrame(proto byte, payload []byte, serial uint16) []byte {
	content := make([]byte, 0, len(payload)+6)
	content = append(content, byte(len(payload)+5), proto)
	content = append(content, payload...)
	content = binary.BigEndian.AppendUint16(content, serial)
	crc := protocol.CRCITU(content)

	out := make([]byte, 0, len(content)+6)
	out = append(out, 0x78, 0x78)
	out = append(out, content...)
	out = binary.BigEndian.AppendUint16(out, crc)
	out = append(out, 0x0d, 0x0a)
	return out
}
