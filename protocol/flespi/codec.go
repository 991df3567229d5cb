// Package flespi implements the flespi gateway message format:
// newline-delimited JSON objects using the flespi flat parameter
// names ("position.latitude", "engine.ignition.status", ...).  The
// first message carrying "ident" doubles as the login.
package flespi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "flespi" }

func (codec) SupportsCommands() bool { return true }

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	end := bytes.IndexByte(buf, '\n')
	if end < 0 {
		return nil, 0, nil
	}
	consumed := end + 1
	line := bytes.TrimSpace(buf[:end])
	if len(line) == 0 {
		return nil, consumed, nil
	}

	var frames []protocol.Frame
	if line[0] == '[' {
		var batch []map[string]any
		if err := json.Unmarshal(line, &batch); err != nil {
			return []protocol.Frame{&protocol.BadFrame{Reason: "bad json batch"}}, consumed, nil
		}
		for _, msg := range batch {
			if f := decodeMessage(msg, s); f != nil {
				frames = append(frames, f)
			}
		}
		return frames, consumed, nil
	}

	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		return []protocol.Frame{&protocol.BadFrame{Reason: "bad json message"}}, consumed, nil
	}

	// The first identified message on an anonymous session is the login;
	// a fix in the same message decodes alongside it.
	if s.Identifier == "" {
		if ident := stringValue(msg, "ident", "device.ident"); ident != "" {
			frames = append(frames, &protocol.Login{Identifier: ident})
		}
	}
	if f := decodeMessage(msg, s); f != nil {
		frames = append(frames, f)
	}
	return frames, consumed, nil
}

func decodeMessage(msg map[string]any, s *protocol.Session) protocol.Frame {
	ident := s.Identifier
	if ident == "" {
		ident = stringValue(msg, "ident", "device.ident")
	}
	if ident == "" {
		return nil
	}

	lat, okLat := floatValue(msg, "position.latitude", "lat", "latitude")
	lon, okLon := floatValue(msg, "position.longitude", "lon", "longitude")
	if !okLat || !okLon {
		// Telemetry without a fix keeps the session alive.
		return &protocol.Heartbeat{Identifier: ident}
	}

	deviceTime := time.Now().UTC()
	if ts, ok := floatValue(msg, "timestamp", "server.timestamp"); ok && ts > 0 {
		if ts > 10_000_000_000 {
			deviceTime = time.UnixMilli(int64(ts)).UTC()
		} else {
			deviceTime = time.Unix(int64(ts), 0).UTC()
		}
	}

	valid := true
	if v, ok := boolValue(msg, "position.valid", "valid"); ok {
		valid = v
	}
	var ignition *bool
	if v, ok := boolValue(msg, "engine.ignition.status", "ignition"); ok {
		ignition = &v
	}

	sensors := map[string]any{}
	for flespiName, name := range sensorFields {
		if v, ok := floatValue(msg, flespiName); ok {
			sensors[name] = v
		}
	}

	alt, _ := floatValue(msg, "position.altitude", "alt", "altitude")
	speed, _ := floatValue(msg, "position.speed", "speed")
	course, _ := floatValue(msg, "position.direction", "course", "heading")
	sats, _ := floatValue(msg, "position.satellites", "sat", "satellites")

	return &protocol.Position{
		Identifier: ident,
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		Speed:      speed,
		Course:     course,
		Satellites: int(sats),
		Valid:      valid,
		Ignition:   ignition,
		Sensors:    sensors,
	}
}

// sensorFields maps flespi parameter names onto the sensor keys the
// rest of the platform uses.
var sensorFields = map[string]string{
	"battery.voltage":              "battery_voltage",
	"external.powersource.voltage": "external_voltage",
	"gnss.hdop":                    "hdop",
	"gsm.signal.level":             "gsm_signal",
	"engine.rpm":                   "rpm",
	"fuel.level":                   "fuel_level",
	"vehicle.mileage":              "odometer",
}

func stringValue(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := msg[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func floatValue(msg map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := msg[k].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

func boolValue(msg map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := msg[k].(type) {
		case bool:
			return v, true
		case float64:
			return v != 0, true
		}
	}
	return false, false
}

// EncodeLoginAck confirms the login with the status object the flespi
// channel expects.
func (codec) EncodeLoginAck(_ *protocol.Login, accepted bool, _ *protocol.Session) []byte {
	if !accepted {
		return []byte(`{"status": "rejected"}` + "\n")
	}
	return []byte(`{"status": "ok"}` + "\n")
}

func (codec) EncodeAck(_ protocol.Frame, _ *protocol.Session) []byte {
	return nil
}

// EncodeCommand wraps the payload in a newline-delimited JSON command
// envelope.
func (codec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	envelope := map[string]any{
		"command":   cmd.Kind,
		"timestamp": time.Now().UTC().Unix(),
	}
	if cmd.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(cmd.Payload), &payload); err != nil {
			envelope["data"] = cmd.Payload
		} else {
			for k, v := range payload {
				envelope[k] = v
			}
		}
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", err
	}
	return append(data, '\n'), "", nil
}
