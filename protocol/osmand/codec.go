// Package osmand implements the OsmAnd phone-tracker protocol.  The
// app sends plain HTTP requests with the fix in the query string (or
// an URL-encoded body, Home Assistant style) and expects a 200 back:
//
//	GET /?id=123&lat=37.77&lon=-122.41&speed=0&timestamp=1234567890 HTTP/1.1
package osmand

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

type codec struct{}

func init() {
	protocol.Register(codec{})
}

func (codec) Protocol() string { return "osmand" }

func (codec) SupportsCommands() bool { return false }

var httpOK = []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

func (c codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, 0, nil
	}

	lines := strings.Split(string(buf[:headerEnd]), "\r\n")
	requestLine := strings.Fields(lines[0])
	if len(requestLine) < 2 {
		return []protocol.Frame{&protocol.BadFrame{Reason: "malformed request line"}}, headerEnd + 4, nil
	}

	contentLength := 0
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			contentLength = protocol.Atoi(value, 0)
		}
	}
	total := headerEnd + 4 + contentLength
	if len(buf) < total {
		return nil, 0, nil
	}

	params := parseQuery(requestLine[1])
	if len(params) == 0 && contentLength > 0 {
		params = parseForm(string(buf[headerEnd+4 : total]))
	}

	f := decodeParams(params)
	if f == nil {
		return []protocol.Frame{&protocol.BadFrame{Reason: "request without position"}}, total, nil
	}
	return []protocol.Frame{f}, total, nil
}

func parseQuery(path string) map[string]string {
	_, qs, found := strings.Cut(path, "?")
	if !found {
		return nil
	}
	return parseForm(qs)
}

func parseForm(qs string) map[string]string {
	values, err := url.ParseQuery(strings.TrimSpace(qs))
	if err != nil {
		return nil
	}
	params := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func pick(params map[string]string, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := params[k]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func decodeParams(params map[string]string) protocol.Frame {
	id, okID := pick(params, "id", "deviceid")
	latStr, okLat := pick(params, "lat", "latitude")
	lonStr, okLon := pick(params, "lon", "longitude")
	if !okID || !okLat || !okLon {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		return nil
	}

	// OsmAnd timestamps are Unix seconds or milliseconds.
	deviceTime := time.Now().UTC()
	if tsStr, ok := pick(params, "timestamp"); ok {
		if ts := int64(protocol.Atof(tsStr, 0)); ts > 0 {
			if ts > 10_000_000_000 {
				deviceTime = time.UnixMilli(ts).UTC()
			} else {
				deviceTime = time.Unix(ts, 0).UTC()
			}
		}
	}

	sensors := map[string]any{}
	for _, key := range []string{"hdop", "accuracy"} {
		if v, ok := params[key]; ok {
			sensors[key] = protocol.Atof(v, 0)
		}
	}
	if batt, ok := pick(params, "batt", "battery"); ok {
		sensors["battery"] = protocol.Atof(batt, 0)
	}

	course, _ := pick(params, "bearing", "course")
	altitude, _ := pick(params, "altitude", "alt")

	// Speed arrives in m/s.
	return &protocol.Position{
		Identifier: id,
		DeviceTime: deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   protocol.Atof(altitude, 0),
		Speed:      protocol.Atof(params["speed"], 0) * 3.6,
		Course:     protocol.Atof(course, 0),
		Satellites: int(protocol.Atof(params["sat"], 0)),
		Valid:      true,
		Sensors:    sensors,
	}
}

func (codec) EncodeLoginAck(_ *protocol.Login, _ bool, _ *protocol.Session) []byte {
	return nil
}

// EncodeAck answers every request with an empty 200 so the app stops
// retrying.
func (codec) EncodeAck(f protocol.Frame, _ *protocol.Session) []byte {
	switch f.(type) {
	case *protocol.Position, *protocol.BadFrame:
		return httpOK
	}
	return nil
}

func (codec) EncodeCommand(_ *model.Command) ([]byte, string, error) {
	return nil, "", fmt.Errorf("osmand: protocol has no command channel")
}
