package h02

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

func TestDecodeV1Position(t *testing.T) {
	raw := []byte("*HQ,1451308151,V1,103000,A,2233.0000,N,11408.0000,E,10.00,90,010625,FFFFFBFF#")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)

	pos, ok := frames[0].(*protocol.Position)
	require.True(t, ok)
	assert.Equal(t, "1451308151", pos.Identifier)
	assert.True(t, pos.Valid)
	assert.InDelta(t, 22.55, pos.Latitude, 0.0001)
	assert.InDelta(t, 114.1333, pos.Longitude, 0.0001)
	assert.InDelta(t, 10.0*protocol.KnotsToKmh, pos.Speed, 0.001)
	assert.Equal(t, 90.0, pos.Course)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), pos.DeviceTime)
	require.NotNil(t, pos.Ignition)
	assert.True(t, *pos.Ignition)
}

func TestDecodeSouthWest(t *testing.T) {
	raw := []byte("*HQ,1451308151,V1,103000,A,2233.0000,S,11408.0000,W,0.00,0,010625,FFFFFBFF#")
	var s protocol.Session

	frames, _, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	pos := frames[0].(*protocol.Position)
	assert.Less(t, pos.Latitude, 0.0)
	assert.Less(t, pos.Longitude, 0.0)
}

func TestHeartbeatAck(t *testing.T) {
	raw := []byte("*HQ,1451308151,HTBT,90#")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)

	hb, ok := frames[0].(*protocol.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "1451308151", hb.Identifier)

	ack := codec{}.EncodeAck(hb, &s)
	assert.Equal(t, "*HQ,1451308151,R12#\r\n", string(ack))
}

func TestPartialFrameConsumesNothing(t *testing.T) {
	raw := []byte("*HQ,1451308151,V1,103000,A,2233.00")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Zero(t, consumed)
	assert.Empty(t, frames)
}

func TestGarbageBeforeFrame(t *testing.T) {
	raw := []byte("\x00\x00garbage*HQ,1451308151,HTBT#")
	var s protocol.Session

	frames, consumed, err := codec{}.Decode(raw, &s)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, frames, 1)
	assert.IsType(t, &protocol.Heartbeat{}, frames[0])
}

func TestEncodeCommand(t *testing.T) {
	data, key, err := codec{}.EncodeCommand(&model.Command{Kind: "reboot", Payload: "1451308151"})
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, "*HQ,1451308151,D1#\r\n", string(data))

	_, _, err = codec{}.EncodeCommand(&model.Command{Kind: "unknown"})
	assert.Error(t, err)
}
