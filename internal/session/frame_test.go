package session

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := NewFrame(KindDeliver, &DeliverPayload{
		JobID:   "job-1",
		Command: "deploy",
		Attempt: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, frame.Version)

	decoded, err := DecodeFrame(frame.Encode(), 0)
	require.NoError(t, err)
	assert.Equal(t, KindDeliver, decoded.Kind)

	var payload DeliverPayload
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, "deploy", payload.Command)
	assert.Equal(t, 2, payload.Attempt)
}

func TestFrameHeaderLayout(t *testing.T) {
	frame, err := NewFrame(KindHeartbeat, &HeartbeatPayload{})
	require.NoError(t, err)
	data := frame.Encode()

	// u8 kind | u16 version | u32 length, big-endian.
	assert.Equal(t, byte(KindHeartbeat), data[0])
	assert.Equal(t, ProtocolVersion, binary.BigEndian.Uint16(data[1:3]))
	assert.Equal(t, uint32(len(data)-7), binary.BigEndian.Uint32(data[3:7]))
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	frame, err := NewFrame(KindResult, &ResultPayload{JobID: "job-1"})
	require.NoError(t, err)
	good := frame.Encode()

	_, err = DecodeFrame(good[:3], 0)
	assert.Error(t, err, "truncated header")

	bad := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(bad[1:3], 99)
	_, err = DecodeFrame(bad, 0)
	assert.Error(t, err, "unsupported version")

	bad = append([]byte(nil), good...)
	binary.BigEndian.PutUint32(bad[3:7], uint32(len(bad)))
	_, err = DecodeFrame(bad, 0)
	assert.Error(t, err, "declared length mismatch")

	_, err = DecodeFrame(good, 4)
	assert.Error(t, err, "payload above the size limit")
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "Deliver", KindDeliver.String())
	assert.Equal(t, "Unknown(0xfe)", FrameKind(0xfe).String())
}
