// Package totem implements the Totem AT03/AT05 ASCII protocol.
// Frames open with "$$", carry a 2-digit hex length covering the
// whole frame, the IMEI, an alarm code and an embedded GPRMC
// sentence:
//
//	$$6B864035050000000|AA$GPRMC,103000.000,A,2233.0000,N,11408.0000,E,0.50,90.00,010625,,,A*6C|...
package totem

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "totem" }

func (codec) SupportsCommands() bool { return true }

// alarmNames maps the 2-char alarm code onto an event name.  AA is
// the ordinary interval report.
var alarmNames = map[string]string{
	"01": "sos",
	"02": "overspeed",
	"04": "geofence_exit",
	"05": "geofence_enter",
	"06": "towing",
	"42": "low_battery",
}

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	start := bytes.Index(buf, []byte("$$"))
	if start < 0 {
		if len(buf) > 0 {
			return nil, len(buf), nil
		}
		return nil, 0, nil
	}
	// Frames are newline-terminated; the embedded GPRMC sentence means
	// we cannot frame on '$' alone.
	end := bytes.IndexByte(buf[start:], '\n')
	if end < 0 {
		return nil, start, nil
	}
	end += start
	consumed := end + 1
	msg := strings.TrimRight(string(buf[start+2:end]), "\r")

	// Some firmware prefixes a 2-char hex length covering the whole
	// frame; strip it when it matches.
	if len(msg) > 2 {
		if n, err := strconv.ParseUint(msg[:2], 16, 8); err == nil && int(n) == end-start+1 {
			msg = msg[2:]
		}
	}

	id, rest, found := strings.Cut(msg, "|")
	if !found || len(id) < 10 {
		return []protocol.Frame{&protocol.BadFrame{Reason: "malformed totem frame"}}, consumed, nil
	}

	alarm, rest, _ := strings.Cut(rest, "$")
	f := decodeGPRMC(id, alarm, rest)
	if f == nil {
		return nil, consumed, nil
	}
	return []protocol.Frame{f}, consumed, nil
}

// decodeGPRMC parses the embedded NMEA sentence:
//
//	GPRMC,HHMMSS.SSS,A/V,DDMM.MMMM,N/S,DDDMM.MMMM,E/W,speed(knots),course,DDMMYY,...
func decodeGPRMC(id, alarm, sentence string) protocol.Frame {
	if star := strings.IndexByte(sentence, '*'); star >= 0 {
		sentence = sentence[:star]
	}
	f := strings.Split(sentence, ",")
	if len(f) < 10 || f[0] != "GPRMC" {
		return &protocol.BadFrame{Reason: "totem frame without GPRMC"}
	}

	timeStr := f[1]
	if dot := strings.IndexByte(timeStr, '.'); dot >= 0 {
		timeStr = timeStr[:dot]
	}
	deviceTime, okTime := protocol.ParseTimeDate(timeStr, f[9])
	if !okTime {
		return &protocol.BadFrame{Reason: "bad totem timestamp"}
	}
	lat, okLat := protocol.ParseDegMin(f[3], f[4])
	lon, okLon := protocol.ParseDegMin(f[5], f[6])
	if !okLat || !okLon {
		return &protocol.BadFrame{Reason: "bad totem coordinates"}
	}

	sensors := map[string]any{}
	if event, ok := alarmNames[alarm]; ok {
		sensors["event"] = event
	}

	return &protocol.Position{
		Identifier: id,
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      protocol.Atof(f[7], 0) * protocol.KnotsToKmh,
		Course:     protocol.Atof(f[8], 0),
		Valid:      f[2] == "A",
		Sensors:    sensors,
	}
}

func (codec) EncodeLoginAck(_ *protocol.Login, _ bool, _ *protocol.Session) []byte {
	return nil
}

func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	if _, ok := f.(*protocol.Heartbeat); ok {
		return []byte("ACK\r\n")
	}
	return nil
}

// EncodeCommand renders the Totem SMS-style command syntax
// "*000000,<code>#".
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	code := strings.TrimSpace(cmd.Payload)
	if code == "" {
		switch cmd.Kind {
		case "request_position":
			code = "012"
		case "reboot":
			code = "006"
		default:
			return nil, "", fmt.Errorf("totem: unsupported command %q", cmd.Kind)
		}
	}
	return []byte(fmt.Sprintf("*000000,%s#", code)), "", nil
}
