package teltonika

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
)

// buildIMEIPacket builds the announcement the tracker sends on connect.
func buildIMEIPacket(imei string) []byte {
	out := make([]byte, 2, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	return append(out, imei...)
}

// buildRecord builds one Codec 8 AVL record with an ignition flag and a
// battery voltage I/O element.
func buildRecord(t time.Time, lat, lon float64, speed uint16, ignition bool) []byte {
	var b []byte
	b = binary.BigEndian.AppendUint64(b, uint64(t.UnixMilli()))
	b = append(b, 0) // priority
	b = binary.BigEndian.AppendUint32(b, uint32(int32(lon*1e7)))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(lat*1e7)))
	b = binary.BigEndian.AppendUint16(b, 120) // altitude
	b = binary.BigEndian.AppendUint16(b, 90)  // course
	b = append(b, 9)                          // satellites
	b = binary.BigEndian.AppendUint16(b, speed)

	b = append(b, 0, 2) // event id, total io count
	ign := byte(0)
	if ignition {
		ign = 1
	}
	b = append(b, 1, 239, ign) // one 1-byte element: ignition
	b = append(b, 1, 67)       // one 2-byte element: battery voltage
	b = binary.BigEndian.AppendUint16(b, 12500)
	b = append(b, 0, 0) // no 4-byte or 8-byte elements
	return b
}

func buildAVLPacket(records ...[]byte) []byte {
	data := []byte{codec8, byte(len(records))}
	for _, r := range records {
		data = append(data, r...)
	}
	data = append(data, byte(len(records)))

	out := []byte{0, 0, 0, 0}
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, data...)
	out = binary.BigEndian.AppendUint32(out, uint32(protocol.CRC16IBM(data)))
	return out
}

func TestDecodeIMEILogin(t *testing.T) {
	c := codec{}
	s := &protocol.Session{Protocol: "teltonika"}

	frames, consumed, err := c.Decode(buildIMEIPacket("867440069999999"), s)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 17, consumed)

	login, ok := frames[0].(*protocol.Login)
	require.True(t, ok)
	assert.Equal(t, "867440069999999", login.Identifier)

	assert.Equal(t, []byte{0x01}, c.EncodeLoginAck(login, true, s))
	assert.Equal(t, []byte{0x00}, c.EncodeLoginAck(login, false, s))
}

func TestDecodePartialIMEI(t *testing.T) {
	c := codec{}
	pkt := buildIMEIPacket("867440069999999")

	frames, consumed, err := c.Decode(pkt[:5], &protocol.Session{})
	require.NoError(t, err)
	assert.Nil(t, frames)
	assert.Zero(t, consumed)
}

func TestDecodePartialPreamble(t *testing.T) {
	c := codec{}

	// A read boundary may land inside the AVL zero preamble; the short
	// buffer must be kept, not rejected as a bad IMEI announcement.
	for _, buf := range [][]byte{{0, 0}, {0, 0, 0}} {
		frames, consumed, err := c.Decode(buf, &protocol.Session{})
		require.NoError(t, err)
		assert.Nil(t, frames)
		assert.Zero(t, consumed)
	}
}

func TestDecodeAVLThreeRecords(t *testing.T) {
	c := codec{}
	s := &protocol.Session{Protocol: "teltonika"}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	pkt := buildAVLPacket(
		buildRecord(base, 48.85, 2.35, 40, true),
		buildRecord(base.Add(10*time.Second), 48.86, 2.36, 55, true),
		buildRecord(base.Add(20*time.Second), 48.87, 2.37, 60, true),
	)

	frames, consumed, err := c.Decode(pkt, s)
	require.NoError(t, err)
	assert.Equal(t, len(pkt), consumed)
	require.Len(t, frames, 3)

	first, ok := frames[0].(*protocol.Position)
	require.True(t, ok)
	assert.Equal(t, base, first.DeviceTime)
	assert.InDelta(t, 48.85, first.Latitude, 1e-6)
	assert.InDelta(t, 2.35, first.Longitude, 1e-6)
	assert.Equal(t, 40.0, first.Speed)
	assert.Equal(t, 9, first.Satellites)
	require.NotNil(t, first.Ignition)
	assert.True(t, *first.Ignition)
	assert.Equal(t, 12.5, first.Sensors["battery_voltage"])
	assert.Zero(t, first.PacketRecords)

	// The ack echoes the declared record count as 4 bytes big-endian,
	// carried on the last record of the packet.
	last := frames[2].(*protocol.Position)
	assert.Equal(t, 3, last.PacketRecords)
	assert.Equal(t, []byte{0, 0, 0, 3}, c.EncodeAck(last, s))
	assert.Nil(t, c.EncodeAck(first, s))
}

func TestDecodeAVLPartialPacket(t *testing.T) {
	c := codec{}
	pkt := buildAVLPacket(buildRecord(time.Now().UTC(), 1, 1, 10, false))

	frames, consumed, err := c.Decode(pkt[:len(pkt)-3], &protocol.Session{})
	require.NoError(t, err)
	assert.Nil(t, frames)
	assert.Zero(t, consumed)
}

func TestDecodeAVLBadCRC(t *testing.T) {
	c := codec{}
	pkt := buildAVLPacket(buildRecord(time.Now().UTC(), 1, 1, 10, false))
	pkt[10] ^= 0x40

	frames, consumed, err := c.Decode(pkt, &protocol.Session{})
	require.NoError(t, err)
	assert.Equal(t, len(pkt), consumed)
	require.Len(t, frames, 1)
	_, bad := frames[0].(*protocol.BadFrame)
	assert.True(t, bad)
}

func TestDecodeNoFixRecordStillAcked(t *testing.T) {
	c := codec{}
	s := &protocol.Session{}
	// lat = lon = 0 means no fix; the record is consumed but dropped,
	// and the ack still echoes the declared count.
	pkt := buildAVLPacket(buildRecord(time.Now().UTC(), 0, 0, 0, false))

	frames, consumed, err := c.Decode(pkt, s)
	require.NoError(t, err)
	assert.Equal(t, len(pkt), consumed)
	require.Len(t, frames, 1)
	hb, ok := frames[0].(*protocol.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, 1, hb.Records)
	assert.Equal(t, []byte{0, 0, 0, 1}, c.EncodeAck(hb, s))
}

func TestEncodeCommandCodec12(t *testing.T) {
	c := codec{}
	data, key, err := c.EncodeCommand(&model.Command{Kind: "getinfo"})
	require.NoError(t, err)
	assert.Empty(t, key)

	// Preamble + length.
	assert.Equal(t, []byte{0, 0, 0, 0}, data[:4])
	bodyLen := binary.BigEndian.Uint32(data[4:8])
	body := data[8 : 8+bodyLen]
	assert.Equal(t, byte(codec12), body[0])
	assert.Equal(t, byte(0x05), body[2])
	textLen := binary.BigEndian.Uint32(body[3:7])
	assert.Equal(t, "getinfo", string(body[7:7+textLen]))

	wantCRC := uint32(protocol.CRC16IBM(body))
	assert.Equal(t, wantCRC, binary.BigEndian.Uint32(data[8+bodyLen:]))
}

func TestEncodeCustomHexCommand(t *testing.T) {
	c := codec{}
	data, _, err := c.EncodeCommand(&model.Command{Kind: "custom", Payload: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)
}

func TestCommandPreview(t *testing.T) {
	c := codec{}
	hexDump, asciiDump, err := protocol.Preview(c, &model.Command{Kind: "custom", Payload: "getver"})
	require.NoError(t, err)
	assert.Contains(t, asciiDump, "getver")
	assert.NotEmpty(t, hexDump)
}
