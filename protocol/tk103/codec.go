// Package tk103 implements the TK103 ASCII protocol.  Records are
// framed in parentheses: (<imei><cmd><payload>).  Logins (BR) and
// heartbeats (BP) are acked with the AP responses the devices expect.
package tk103

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

func (codec) Protocol() string { return "tk103" }

func (codec) SupportsCommands() bool { return true }

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	start := bytes.IndexByte(buf, '(')
	if start < 0 {
		if len(buf) > 0 {
			return nil, len(buf), nil
		}
		return nil, 0, nil
	}
	end := bytes.IndexByte(buf[start:], ')')
	if end < 0 {
		return nil, start, nil
	}
	end += start
	consumed := end + 1
	msg := string(buf[start+1 : end])

	// Leading digits are the device id (12-15), then a 2-letter
	// command code.
	idEnd := 0
	for idEnd < len(msg) && msg[idEnd] >= '0' && msg[idEnd] <= '9' {
		idEnd++
	}
	if idEnd < 12 || idEnd+2 > len(msg) {
		return []protocol.Frame{&protocol.BadFrame{Reason: "malformed tk103 record"}}, consumed, nil
	}
	id := msg[:idEnd]
	cmd := msg[idEnd : idEnd+2]
	payload := msg[idEnd+2:]

	var f protocol.Frame
	switch cmd {
	case "BR":
		f = &protocol.Login{Identifier: id}
	case "BP":
		f = &protocol.Heartbeat{Identifier: id}
	case "BO", "BV", "BZ", "BX", "BN":
		f = decodePosition(id, cmd, payload)
	default:
		return nil, consumed, nil
	}
	if f == nil {
		return nil, consumed, nil
	}
	return []protocol.Frame{f}, consumed, nil
}

// decodePosition parses the fixed-width position payload:
// DDMMYY A DDMM.MMMM N DDDMM.MMMM E SSS.S HHMMSS ...
func decodePosition(id, cmd, p string) protocol.Frame {
	// Skip a leading 2-digit length field when present (some firmware
	// emits it, some does not).
	if len(p) >= 2 && p[0] >= '0' && p[0] <= '9' && p[1] >= '0' && p[1] <= '9' &&
		len(p) > 8 && (p[8] == 'A' || p[8] == 'V') {
		p = p[2:]
	}
	if len(p) < 39 {
		return &protocol.BadFrame{Reason: "short tk103 position"}
	}
	dateStr := p[0:6]
	valid := p[6] == 'A'
	lat, okLat := protocol.ParseDegMin(p[7:16], string(p[16]))
	lon, okLon := protocol.ParseDegMin(p[17:27], string(p[27]))
	if !okLat || !okLon {
		return &protocol.BadFrame{Reason: "bad tk103 coordinates"}
	}
	speedKnots := protocol.Atof(p[28:33], 0)
	timeStr := p[33:39]
	deviceTime, okTime := protocol.ParseTimeDate(timeStr, dateStr)
	if !okTime {
		return &protocol.BadFrame{Reason: "bad tk103 timestamp"}
	}

	sensors := map[string]any{}
	switch cmd {
	case "BN":
		sensors["alert_type"] = "sos"
	case "BV":
		sensors["alert_type"] = "speed"
	case "BZ":
		sensors["alert_type"] = "low_battery"
	case "BX":
		sensors["alert_type"] = "vibration"
	}
	course := 0.0
	if len(p) >= 45 {
		course = protocol.Atof(p[40:45], 0)
	}

	return &protocol.Position{
		Identifier: id,
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speedKnots * protocol.KnotsToKmh,
		Course:     course,
		Valid:      valid,
		Sensors:    sensors,
	}
}

func (codec) EncodeLoginAck(login *protocol.Login, accepted bool, _ *protocol.Session) []byte {
	if !accepted {
		return nil
	}
	return []byte(fmt.Sprintf("(%sAP01HSO)", login.Identifier))
}

func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	if hb, ok := f.(*protocol.Heartbeat); ok && hb.Identifier != "" {
		return []byte(fmt.Sprintf("(%sAP05)", hb.Identifier))
	}
	return nil
}

// EncodeCommand wraps an AP command for the device named in the
// payload prefix ("<imei>:<command>").
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	id, rest, found := strings.Cut(cmd.Payload, ":")
	if !found || id == "" || rest == "" {
		return nil, "", fmt.Errorf("tk103: payload must be <id>:<command>")
	}
	return []byte(fmt.Sprintf("(%s%s)", id, rest)), "", nil
}
