// Package gps103 implements the GPS103 ASCII protocol (TK102/TK103
// clones speaking the "imei:..." dialect).  Records are
// semicolon-terminated:
//
//	imei:864035050000000,tracker,2506011030,,F,103000.000,A,2233.0000,N,11408.0000,E,0.50,90;
//
// A bare "##,imei:<id>,A;" opens the session and is answered with
// "LOAD"; a bare numeric heartbeat is answered with "ON".
package gps103

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

func (codec) Protocol() string { return "gps103" }

func (codec) SupportsCommands() bool { return true }

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	end := bytes.IndexByte(buf, ';')
	if end < 0 {
		// A heartbeat is the bare IMEI digits without a terminator,
		// flushed by the device as a whole packet.
		trimmed := strings.TrimSpace(string(buf))
		if len(trimmed) >= 15 && isDigits(trimmed) {
			return []protocol.Frame{&protocol.Heartbeat{Identifier: trimmed}}, len(buf), nil
		}
		return nil, 0, nil
	}
	consumed := end + 1
	msg := strings.TrimSpace(string(buf[:end]))

	if strings.HasPrefix(msg, "##") {
		// ##,imei:<id>,A
		id := extractIMEI(msg)
		if id == "" {
			return []protocol.Frame{&protocol.BadFrame{Reason: "handshake without imei"}}, consumed, nil
		}
		return []protocol.Frame{&protocol.Login{Identifier: id}}, consumed, nil
	}

	if !strings.HasPrefix(msg, "imei:") {
		return nil, consumed, nil
	}
	f := decodeRecord(msg)
	if f == nil {
		return nil, consumed, nil
	}
	return []protocol.Frame{f}, consumed, nil
}

func extractIMEI(msg string) string {
	for _, part := range strings.Split(msg, ",") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(part), "imei:"); ok {
			return rest
		}
	}
	return ""
}

// decodeRecord parses a position record:
//
//	0 imei:<id>  1 keyword  2 local time  3 phone  4 F/L
//	5 HHMMSS.SSS  6 A/V  7 lat  8 N/S  9 lon  10 E/W  11 speed(knots)
//	12 course (optional)
func decodeRecord(msg string) protocol.Frame {
	f := strings.Split(msg, ",")
	if len(f) < 12 {
		return &protocol.BadFrame{Reason: "short gps103 record"}
	}
	id := strings.TrimPrefix(f[0], "imei:")
	keyword := f[1]

	if f[4] != "F" {
		// LBS-only record; surface as heartbeat so last-seen updates.
		return &protocol.Heartbeat{Identifier: id, Sensors: map[string]any{"event": keyword}}
	}

	lat, okLat := protocol.ParseDegMin(f[7], f[8])
	lon, okLon := protocol.ParseDegMin(f[9], f[10])
	if !okLat || !okLon {
		return &protocol.BadFrame{Reason: "bad gps103 coordinates"}
	}

	// Field 2 is YYMMDDHHMM(SS) in device-local time; field 5 repeats
	// the UTC time of the fix with millisecond precision.
	dateStr := ""
	if len(f[2]) >= 6 {
		// Reorder YYMMDD to DDMMYY for the shared parser.
		dateStr = f[2][4:6] + f[2][2:4] + f[2][0:2]
	}
	timeStr := f[5]
	if dot := strings.IndexByte(timeStr, '.'); dot >= 0 {
		timeStr = timeStr[:dot]
	}
	deviceTime, okTime := protocol.ParseTimeDate(timeStr, dateStr)
	if !okTime {
		return &protocol.BadFrame{Reason: "bad gps103 timestamp"}
	}

	sensors := map[string]any{}
	if keyword != "tracker" {
		sensors["event"] = keyword
	}
	var ignition *bool
	if keyword == "acc on" || keyword == "accon" {
		on := true
		ignition = &on
	} else if keyword == "acc off" || keyword == "accoff" {
		off := false
		ignition = &off
	}

	course := 0.0
	if len(f) > 12 {
		course = protocol.Atof(f[12], 0)
	}
	return &protocol.Position{
		Identifier: id,
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      protocol.Atof(f[11], 0) * protocol.KnotsToKmh,
		Course:     course,
		Valid:      f[6] == "A",
		Ignition:   ignition,
		Sensors:    sensors,
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func (codec) EncodeLoginAck(_ *protocol.Login, accepted bool, _ *protocol.Session) []byte {
	if accepted {
		return []byte("LOAD")
	}
	return nil
}

func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	if _, ok := f.(*protocol.Heartbeat); ok {
		return []byte("ON")
	}
	return nil
}

// EncodeCommand sends the raw ASCII command text (the GPS103 command
// set is "**,imei:<id>,<verb>").
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	id, verb, found := strings.Cut(cmd.Payload, ":")
	if !found || id == "" || verb == "" {
		return nil, "", fmt.Errorf("gps103: payload must be <id>:<verb>")
	}
	return []byte(fmt.Sprintf("**,imei:%s,%s", id, verb)), "", nil
}
