package meitrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

const sampleAAA = "$$A123,864035050000000,AAA,35,22.550000,114.080000,250601103000,A,10,12,45.0,90,1.2,120.5,12000,3600,460|0|1877|0873,12.34,88,1,0,3.1|4.2*AB\r\n"

func TestDecodeAAA(t *testing.T) {
	var s protocol.Session

	frames, consumed, err := codec{}.Decode([]byte(sampleAAA), &s)
	require.NoError(t, err)
	assert.Equal(t, len(sampleAAA), consumed)
	require.Len(t, frames, 1)

	pos, ok := frames[0].(*protocol.Position)
	require.True(t, ok)
	assert.Equal(t, "864035050000000", pos.Identifier)
	assert.Equal(t, 22.55, pos.Latitude)
	assert.Equal(t, 114.08, pos.Longitude)
	assert.Equal(t, 45.0, pos.Speed)
	assert.Equal(t, 90.0, pos.Course)
	assert.Equal(t, 120.5, pos.Altitude)
	assert.Equal(t, 10, pos.Satellites)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), pos.DeviceTime)
	assert.True(t, pos.Valid)

	assert.Equal(t, "AAA", pos.Sensors["event_code"])
	assert.Equal(t, 12, pos.Sensors["gsm_signal"])
	assert.Equal(t, 1.2, pos.Sensors["hdop"])
	assert.Equal(t, 12000.0, pos.Sensors["odometer"])
	assert.Equal(t, 12.34, pos.Sensors["battery_voltage"])
	assert.Equal(t, 88, pos.Sensors["battery_percent"])
	assert.Equal(t, "460", pos.Sensors["mcc"])
	assert.Equal(t, "0873", pos.Sensors["cell_id"])
	assert.Equal(t, 3.1, pos.Sensors["analog_1"])
	assert.Equal(t, 4.2, pos.Sensors["analog_2"])
}

func TestDecodeAlarmEvent(t *testing.T) {
	raw := "$$D28,864035050000000,DDD,35,22.550000,114.080000,250601103000,V,0,5,0.0,0,2.5,0.0\r\n"
	var s protocol.Session

	frames, _, err := codec{}.Decode([]byte(raw), &s)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	pos := frames[0].(*protocol.Position)
	assert.Equal(t, "DDD", pos.Sensors["event_code"])
	assert.False(t, pos.Valid)
}

func TestUnhandledEventIsHeartbeat(t *testing.T) {
	raw := "$$E15,864035050000000,FFF,ignored\r\n"
	var s protocol.Session

	frames, _, err := codec{}.Decode([]byte(raw), &s)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	hb, ok := frames[0].(*protocol.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "864035050000000", hb.Identifier)
	assert.Nil(t, codec{}.EncodeAck(hb, &s))
}

func TestPartialRecord(t *testing.T) {
	var s protocol.Session

	frames, consumed, err := codec{}.Decode([]byte("$$A123,864035050000000,AAA,35"), &s)
	require.NoError(t, err)
	assert.Zero(t, consumed)
	assert.Empty(t, frames)
}

func TestMalformedRecord(t *testing.T) {
	var s protocol.Session

	frames, consumed, err := codec{}.Decode([]byte("$$A5,junk\r\n"), &s)
	require.NoError(t, err)
	assert.Equal(t, 11, consumed)
	require.Len(t, frames, 1)
	_, ok := frames[0].(*protocol.BadFrame)
	assert.True(t, ok)
}

func TestShortReportIsBadFrame(t *testing.T) {
	raw := "$$A20,864035050000000,AAA,35,22.55,114.08\r\n"
	var s protocol.Session

	frames, _, err := codec{}.Decode([]byte(raw), &s)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	_, ok := frames[0].(*protocol.BadFrame)
	assert.True(t, ok)
}

func TestEncodeCommand(t *testing.T) {
	data, key, err := codec{}.EncodeCommand(&model.Command{
		Kind: "request_position", Payload: "864035050000000"})
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, "@@A19,A10,864035050000000*30\r\n", string(data))

	_, _, err = codec{}.EncodeCommand(&model.Command{Kind: "request_position"})
	assert.Error(t, err, "commands must carry the device imei")

	_, _, err = codec{}.EncodeCommand(&model.Command{Kind: "unknown", Payload: "864035050000000"})
	assert.Error(t, err)
}
