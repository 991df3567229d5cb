// Package h02 implements the H02 ASCII protocol used by H02/H08/H12
// trackers and many OEM clones.  Messages are framed *HQ,...# and the
// device id travels in every record, so the codec also works over UDP
// where each datagram is one complete frame.
//
// Supported record types:
//
//	V1/V4  position report
//	HTBT   heartbeat, acked with *HQ,<id>,R12#
//	LINK   status report (satellites, signal, battery)
//	NBR    cell-tower report, stored as sensors only
package h02

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "h02" }

func (codec) SupportsCommands() bool { return true }

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	start := bytes.IndexByte(buf, '*')
	if start < 0 {
		// Nothing frameable; discard.
		if len(buf) > 0 {
			return nil, len(buf), nil
		}
		return nil, 0, nil
	}
	end := bytes.IndexByte(buf[start:], '#')
	if end < 0 {
		return nil, start, nil
	}
	end += start
	consumed := end + 1

	text := string(buf[start+1 : end])
	parts := strings.Split(text, ",")
	if len(parts) < 3 || parts[0] != "HQ" {
		return []protocol.Frame{&protocol.BadFrame{Reason: "not an HQ record"}}, consumed, nil
	}
	id := strings.TrimSpace(parts[1])
	kind := strings.ToUpper(strings.TrimSpace(parts[2]))
	fields := parts[3:]

	var f protocol.Frame
	switch kind {
	case "V1", "V4":
		f = decodePosition(id, fields)
	case "HTBT":
		hb := &protocol.Heartbeat{Identifier: id}
		if len(fields) > 0 {
			hb.Sensors = map[string]any{"battery_voltage": protocol.Atof(fields[0], 0)}
		}
		f = hb
	case "LINK":
		f = decodeLink(id, fields)
	case "NBR":
		f = &protocol.Heartbeat{Identifier: id, Sensors: map[string]any{
			"message_type": "NBR",
			"cell_info":    strings.Trim(strings.Join(fields, ","), "()"),
		}}
	default:
		return nil, consumed, nil
	}
	if f == nil {
		return nil, consumed, nil
	}
	return []protocol.Frame{f}, consumed, nil
}

// decodePosition parses a V1/V4 record:
//
//	HHMMSS, A/V, DDMM.MMMM, N/S, DDDMM.MMMM, E/W, speed(knots),
//	course, DDMMYY, flags(hex)[, io, battery, signal]
func decodePosition(id string, f []string) protocol.Frame {
	if len(f) < 9 {
		return &protocol.BadFrame{Reason: "short V1 record"}
	}
	lat, okLat := protocol.ParseDegMin(f[2], f[3])
	lon, okLon := protocol.ParseDegMin(f[4], f[5])
	if !okLat || !okLon {
		return &protocol.BadFrame{Reason: "bad V1 coordinates"}
	}
	deviceTime, okTime := protocol.ParseTimeDate(f[0], f[8])
	if !okTime {
		return &protocol.BadFrame{Reason: "bad V1 timestamp"}
	}

	sensors := map[string]any{}
	var ignition *bool
	if len(f) > 9 && f[9] != "" {
		var flags uint64
		if _, err := fmt.Sscanf(strings.TrimSpace(f[9]), "%x", &flags); err == nil {
			on := flags&0x01 != 0
			ignition = &on
			sensors["charging"] = flags&0x02 != 0
			sensors["alarm_active"] = flags&0x04 != 0
		}
	}
	if len(f) > 11 && f[11] != "" {
		sensors["battery_voltage"] = protocol.Atof(f[11], 0)
	}
	if len(f) > 12 && f[12] != "" {
		sensors["gsm_signal"] = protocol.Atoi(f[12], 0)
	}

	return &protocol.Position{
		Identifier: id,
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      protocol.Atof(f[6], 0) * protocol.KnotsToKmh,
		Course:     protocol.Atof(f[7], 0),
		Valid:      strings.EqualFold(strings.TrimSpace(f[1]), "A"),
		Ignition:   ignition,
		Sensors:    sensors,
	}
}

func decodeLink(id string, f []string) protocol.Frame {
	sensors := map[string]any{"message_type": "LINK"}
	if len(f) > 1 {
		sensors["satellites"] = protocol.Atoi(f[1], 0)
	}
	if len(f) > 2 {
		sensors["gsm_signal"] = protocol.Atoi(f[2], 0)
	}
	if len(f) > 3 {
		sensors["battery_pct"] = protocol.Atoi(f[3], 0)
	}
	return &protocol.Heartbeat{Identifier: id, Sensors: sensors}
}

// EncodeLoginAck: H02 has no login exchange; identity rides in every
// record.
func (codec) EncodeLoginAck(_ *protocol.Login, _ bool, _ *protocol.Session) []byte {
	return nil
}

// EncodeAck answers heartbeats with the R12 keepalive response.
func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	hb, ok := f.(*protocol.Heartbeat)
	if !ok || hb.Identifier == "" {
		return nil
	}
	return []byte(fmt.Sprintf("*HQ,%s,R12#\r\n", hb.Identifier))
}

// EncodeCommand renders the small command set the protocol supports.
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	// Commands embed the device identifier; the dispatcher passes it
	// in the payload for parameterless kinds.
	id := strings.TrimSpace(cmd.Payload)
	var text string
	switch cmd.Kind {
	case "reboot":
		text = fmt.Sprintf("*HQ,%s,D1#", id)
	case "request_position":
		text = fmt.Sprintf("*HQ,%s,R0#", id)
	default:
		return nil, "", fmt.Errorf("h02: unsupported command %q", cmd.Kind)
	}
	return []byte(text + "\r\n"), "", nil
}
