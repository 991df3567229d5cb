// Package queclink implements the Queclink @Track ASCII protocol
// (GV/GL device families).  Records look like
//
//	+RESP:GTFRI,250100,864035050000000,,,10,1,1,12.3,90,120.5,114.080000,22.550000,20250601103000,0460,0000,1877,0873,,20250601103005,0001$
//
// and are dollar-terminated.  The device id is field 2, so identity
// rides in every record and no login exchange exists.
package queclink

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "queclink" }

func (codec) SupportsCommands() bool { return true }

// positionTypes are the report types whose payload carries a GPS fix
// in the standard field layout.
var positionTypes = map[string]string{
	"GTFRI": "",
	"GTGEO": "",
	"GTRTL": "",
	"GTDOG": "",
	"GTIDN": "",
	"GTSOS": "sos",
	"GTSPD": "speed",
	"GTPNA": "power_on",
	"GTPFA": "power_off",
	"GTIGN": "ignition_on",
	"GTIGF": "ignition_off",
}

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	start := bytes.IndexByte(buf, '+')
	if start < 0 {
		if len(buf) > 0 {
			return nil, len(buf), nil
		}
		return nil, 0, nil
	}
	end := bytes.IndexByte(buf[start:], '$')
	if end < 0 {
		return nil, start, nil
	}
	end += start
	consumed := end + 1
	msg := string(buf[start+1 : end])

	// +<prefix>:<type>,<fields...>
	prefix, rest, found := strings.Cut(msg, ":")
	if !found {
		return []protocol.Frame{&protocol.BadFrame{Reason: "malformed queclink record"}}, consumed, nil
	}
	fields := strings.Split(rest, ",")
	msgType := fields[0]

	if prefix == "ACK" {
		return []protocol.Frame{decodeAck(fields)}, consumed, nil
	}
	if prefix != "RESP" && prefix != "BUFF" {
		return nil, consumed, nil
	}

	event, isPosition := positionTypes[msgType]
	if !isPosition {
		// Heartbeats and unhandled reports still carry identity.
		if len(fields) > 2 && fields[2] != "" {
			return []protocol.Frame{&protocol.Heartbeat{Identifier: fields[2]}}, consumed, nil
		}
		return nil, consumed, nil
	}
	f := decodePosition(fields, event)
	if f == nil {
		return nil, consumed, nil
	}
	return []protocol.Frame{f}, consumed, nil
}

// decodePosition parses the common report layout:
//
//	0 type  1 protocol version  2 imei  3 name  4 reserved  5 report id
//	6 number  7 accuracy  8 speed(km/h)  9 azimuth  10 altitude
//	11 longitude  12 latitude  13 fix time (YYYYMMDDHHMMSS)
func decodePosition(f []string, event string) protocol.Frame {
	if len(f) < 14 {
		return &protocol.BadFrame{Reason: "short queclink report"}
	}
	id := f[2]
	if id == "" {
		return nil
	}
	ts, err := time.Parse("20060102150405", f[13])
	if err != nil {
		return &protocol.BadFrame{Reason: "bad queclink fix time"}
	}

	sensors := map[string]any{}
	var ignition *bool
	switch event {
	case "":
	case "ignition_on":
		on := true
		ignition = &on
		sensors["event"] = event
	case "ignition_off":
		off := false
		ignition = &off
		sensors["event"] = event
	default:
		sensors["event"] = event
	}

	return &protocol.Position{
		Identifier: id,
		DeviceTime: ts.UTC(),
		Latitude:   protocol.Atof(f[12], 0),
		Longitude:  protocol.Atof(f[11], 0),
		Altitude:   protocol.Atof(f[10], 0),
		Speed:      protocol.Atof(f[8], 0),
		Course:     protocol.Atof(f[9], 0),
		Valid:      true,
		Ignition:   ignition,
		Sensors:    sensors,
	}
}

// decodeAck turns +ACK:GTxxx into a command acknowledgement keyed by
// the count number the device echoes.
func decodeAck(f []string) protocol.Frame {
	key := ""
	if len(f) > 0 {
		key = f[len(f)-1]
	}
	return &protocol.CommandAck{Key: strings.TrimSpace(key), Status: "ok", Response: strings.Join(f, ",")}
}

func (codec) EncodeLoginAck(_ *protocol.Login, _ bool, _ *protocol.Session) []byte {
	return nil
}

// EncodeAck replies +SACK to heartbeats so the device keeps the link
// open.
func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	if _, ok := f.(*protocol.Heartbeat); ok {
		return []byte("+SACK:0$")
	}
	return nil
}

// EncodeCommand passes AT@Track commands through verbatim.
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	text := strings.TrimSpace(cmd.Payload)
	if text == "" {
		return nil, "", fmt.Errorf("queclink: empty command")
	}
	if !strings.HasPrefix(text, "AT+") {
		return nil, "", fmt.Errorf("queclink: commands must start with AT+")
	}
	return []byte(text + "\r\n"), "", nil
}
