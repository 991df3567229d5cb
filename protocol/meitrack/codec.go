// Package meitrack implements the Meitrack ASCII protocol (MVT and T
// series trackers).  Records look like
//
//	$$A123,864035050000000,AAA,35,22.550000,114.080000,250601103000,A,10,12,45.0,90,1.2,120.5,12000,3600,460|0|1877|0873,12.34,88,1,0,3.1|4.2*AB
//
// terminated by CRLF, with an optional XOR checksum after the
// asterisk.  The IMEI is field 2 of every record, so identity rides in
// each message and no login exchange exists.
package meitrack

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

func (codec) Protocol() string { return "meitrack" }

func (codec) SupportsCommands() bool { return true }

// positionEvents are the event codes whose payload carries a GPS fix:
// AAA is the periodic report, CCC a command response, DDD an alarm.
var positionEvents = map[string]bool{
	"AAA": true,
	"CCC": true,
	"DDD": true,
}

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	start := bytes.Index(buf, []byte("$$"))
	if start < 0 {
		if len(buf) > 1 {
			return nil, len(buf) - 1, nil
		}
		return nil, 0, nil
	}
	end := bytes.IndexByte(buf[start:], '\n')
	if end < 0 {
		return nil, start, nil
	}
	end += start
	consumed := end + 1
	msg := strings.TrimRight(string(buf[start+2:end]), "\r")

	// Drop the trailing *HH checksum when present.
	if star := strings.LastIndexByte(msg, '*'); star >= 0 && len(msg)-star == 3 {
		msg = msg[:star]
	}

	// <flag+length>,<imei>,<event>,<payload>
	parts := strings.SplitN(msg, ",", 4)
	if len(parts) < 4 || parts[1] == "" {
		return []protocol.Frame{&protocol.BadFrame{Reason: "malformed meitrack record"}}, consumed, nil
	}
	imei, event := parts[1], parts[2]

	if !positionEvents[event] {
		// Unhandled events still carry identity.
		return []protocol.Frame{&protocol.Heartbeat{Identifier: imei}}, consumed, nil
	}
	f := decodePosition(imei, event, strings.Split(parts[3], ","))
	return []protocol.Frame{f}, consumed, nil
}

// decodePosition parses the common payload layout:
//
//	0 field count  1 latitude  2 longitude  3 time (YYMMDDHHMMSS)
//	4 validity (A/V)  5 satellites  6 gsm signal  7 speed (km/h)
//	8 course  9 hdop  10 altitude  11 odometer  12 runtime
//	13 base station (MCC|MNC|LAC|CellID)  14 battery voltage
//	15 battery percent  16 digital inputs  17 digital outputs
//	18 analog inputs (pipe-separated)
func decodePosition(imei, event string, f []string) protocol.Frame {
	if len(f) < 10 {
		return &protocol.BadFrame{Reason: "short meitrack report"}
	}
	if len(f[3]) < 12 {
		return &protocol.BadFrame{Reason: "bad meitrack fix time"}
	}
	ts, err := time.Parse("060102150405", f[3][:12])
	if err != nil {
		return &protocol.BadFrame{Reason: "bad meitrack fix time"}
	}

	sensors := map[string]any{
		"event_code": event,
		"gsm_signal": protocol.Atoi(f[6], 0),
		"hdop":       protocol.Atof(f[9], 0),
	}
	if len(f) > 11 && f[11] != "" {
		sensors["odometer"] = protocol.Atof(f[11], 0)
	}
	if len(f) > 12 && f[12] != "" {
		sensors["runtime"] = protocol.Atoi(f[12], 0)
	}
	if len(f) > 13 && f[13] != "" {
		if bs := strings.Split(f[13], "|"); len(bs) >= 4 {
			sensors["mcc"] = bs[0]
			sensors["mnc"] = bs[1]
			sensors["lac"] = bs[2]
			sensors["cell_id"] = bs[3]
		}
	}
	if len(f) > 14 && f[14] != "" {
		sensors["battery_voltage"] = protocol.Atof(f[14], 0)
	}
	if len(f) > 15 && f[15] != "" {
		sensors["battery_percent"] = protocol.Atoi(f[15], 0)
	}
	if len(f) > 16 && f[16] != "" {
		sensors["digital_inputs"] = protocol.Atoi(f[16], 0)
	}
	if len(f) > 17 && f[17] != "" {
		sensors["digital_outputs"] = protocol.Atoi(f[17], 0)
	}
	if len(f) > 18 && f[18] != "" {
		for i, val := range strings.Split(f[18], "|") {
			if val != "" {
				sensors[fmt.Sprintf("analog_%d", i+1)] = protocol.Atof(val, 0)
			}
		}
	}

	alt := 0.0
	if len(f) > 10 {
		alt = protocol.Atof(f[10], 0)
	}
	return &protocol.Position{
		Identifier: imei,
		DeviceTime: ts.UTC(),
		Latitude:   protocol.Atof(f[1], 0),
		Longitude:  protocol.Atof(f[2], 0),
		Altitude:   alt,
		Speed:      protocol.Atof(f[7], 0),
		Course:     protocol.Atof(f[8], 0),
		Satellites: protocol.Atoi(f[5], 0),
		Valid:      f[4] == "A",
		Sensors:    sensors,
	}
}

func (codec) EncodeLoginAck(_ *protocol.Login, _ bool, _ *protocol.Session) []byte {
	return nil
}

func (codec) EncodeAck(_ protocol.Frame, _ *protocol.Session) []byte {
	return nil
}

// commandCodes maps command kinds to the Meitrack command letters.
var commandCodes = map[string]string{
	"request_position": "A10",
	"reboot":           "A11",
	"set_interval":     "A12",
}

// EncodeCommand frames a downlink as @@A<len>,<body>*<checksum>.
// Commands embed the device identifier; the dispatcher passes it in
// the payload, either bare or as <imei>,<args...>.
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	payload := strings.TrimSpace(cmd.Payload)
	var text string
	if cmd.Kind == "custom" {
		text = payload
	} else {
		code, ok := commandCodes[cmd.Kind]
		if !ok {
			return nil, "", fmt.Errorf("meitrack: unsupported command %q", cmd.Kind)
		}
		if payload == "" {
			return nil, "", fmt.Errorf("meitrack: payload must carry the device imei")
		}
		text = code + "," + payload
	}
	if text == "" {
		return nil, "", fmt.Errorf("meitrack: empty command")
	}
	body := fmt.Sprintf("@@A%02d,%s", len(text), text)
	sum := byte(0)
	for _, b := range []byte(body) {
		sum ^= b
	}
	return []byte(fmt.Sprintf("%s*%02X\r\n", body, sum)), "", nil
}
