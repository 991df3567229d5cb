package gps103

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/protocol"
)

func TestHandshake(t *testing.T) {
	raw := []byte("##,imei:864035050000000,A;")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)

	login, ok := frames[0].(*protocol.Login)
	require.True(t, ok)
	assert.Equal(t, "864035050000000", login.Identifier)
	assert.Equal(t, "LOAD", string(codec{}.EncodeLoginAck(login, true, &s)))
	assert.Nil(t, codec{}.EncodeLoginAck(login, false, &s))
}

func TestDecodeTrackerRecord(t *testing.T) {
	raw := []byte("imei:864035050000000,tracker,2506011030,,F,103000.000,A,2233.0000,N,11408.0000,E,0.50,90;")
	var s protocol.Session

	frames, _, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	pos := frames[0].(*protocol.Position)
	assert.Equal(t, "864035050000000", pos.Identifier)
	assert.True(t, pos.Valid)
	assert.InDelta(t, 22.55, pos.Latitude, 0.0001)
	assert.InDelta(t, 114.1333, pos.Longitude, 0.0001)
	assert.InDelta(t, 0.5*protocol.KnotsToKmh, pos.Speed, 0.001)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), pos.DeviceTime)
}

func TestAccKeywordsSetIgnition(t *testing.T) {
	tests := []struct {
		keyword string
		want    bool
	}{
		{"acc on", true},
		{"acc off", false},
	}
	for _, tc := range tests {
		raw := []byte("imei:864035050000000," + tc.keyword + ",2506011030,,F,103000.000,A,2233.0000,N,11408.0000,E,0.00,0;")
		var s protocol.Session

		frames, _, err := codec{}.Decode(raw, &s)
		require.NoError(t, err)
		require.Len(t, frames, 1)

		pos := frames[0].(*protocol.Position)
		require.NotNil(t, pos.Ignition, tc.keyword)
		assert.Equal(t, tc.want, *pos.Ignition, tc.keyword)
	}
}

func TestLBSRecordBecomesHeartbeat(t *testing.T) {
	raw := []byte("imei:864035050000000,low battery,2506011030,,L,,,1877,,0873,,,;")
	var s protocol.Session

	frames, _, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	hb, ok := frames[0].(*protocol.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "864035050000000", hb.Identifier)
	assert.Equal(t, "low battery", hb.Sensors["event"])
}

func TestBareIMEIHeartbeat(t *testing.T) {
	raw := []byte("864035050000000")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)
	assert.Equal(t, "ON", string(codec{}.EncodeAck(frames[0], &s)))
}
