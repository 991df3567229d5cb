package osmand

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/protocol"
)

func TestDecodeQueryStringRequest(t *testing.T) {
	raw := []byte("GET /?id=864035050000000&lat=37.77&lon=-122.41&speed=5&bearing=90&altitude=10&timestamp=1748773800&batt=87 HTTP/1.1\r\nHost: example\r\n\r\n")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)

	pos, ok := frames[0].(*protocol.Position)
	require.True(t, ok)
	assert.Equal(t, "864035050000000", pos.Identifier)
	assert.Equal(t, 37.77, pos.Latitude)
	assert.Equal(t, -122.41, pos.Longitude)
	assert.InDelta(t, 18.0, pos.Speed, 0.001)
	assert.Equal(t, 90.0, pos.Course)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), pos.DeviceTime)
	assert.Equal(t, 87.0, pos.Sensors["battery"])

	ack := codec{}.EncodeAck(pos, &s)
	assert.Contains(t, string(ack), "200 OK")
}

func TestDecodeBodyRequest(t *testing.T) {
	body := "id=864035050000000&lat=37.99&lon=23.79&timestamp=1748773800000"
	raw := []byte(fmt.Sprintf("POST / HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)

	pos := frames[0].(*protocol.Position)
	assert.Equal(t, 37.99, pos.Latitude)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), pos.DeviceTime)
}

func TestWaitsForFullBody(t *testing.T) {
	raw := []byte("POST / HTTP/1.1\r\nContent-Length: 50\r\n\r\nid=8640")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Zero(t, consumed)
	assert.Empty(t, frames)
}

func TestRequestWithoutPosition(t *testing.T) {
	raw := []byte("GET /favicon.ico HTTP/1.1\r\n\r\n")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)
	assert.IsType(t, &protocol.BadFrame{}, frames[0])
}
