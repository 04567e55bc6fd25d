package frame

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		StreamID: 0xdeadbeef,
		Seq:      42,
		Ack:      7,
		Flags:    FlagACK | FlagSYN,
		Payload:  []byte("hello mesh"),
	}
	encoded, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+len(f.Payload)+CRCSize, len(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, f.StreamID, decoded.StreamID)
	require.Equal(t, f.Seq, decoded.Seq)
	require.Equal(t, f.Ack, decoded.Ack)
	require.Equal(t, f.Flags, decoded.Flags)
	require.Equal(t, f.Payload, decoded.Payload)
}

func TestEncodeEmptyPayload(t *testing.T) {
	f := Frame{StreamID: 1, Seq: 0, Ack: 0, Flags: FlagSYN}
	encoded, err := Encode(f)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Empty(t, decoded.Payload)
}

func TestEncodeRejectsOverlongPayload(t *testing.T) {
	f := Frame{Payload: make([]byte, MaxPayloadSize+1)}
	_, err := Encode(f)
	require.ErrorIs(t, err, ErrPayloadTooLong)
}

func TestEncodeMasksReservedFlagBits(t *testing.T) {
	f := Frame{Flags: Flags(0xFF)}
	encoded, err := Encode(f)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, Flags(0x1F), decoded.Flags)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, 3))
	require.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeDetectsBitFlip(t *testing.T) {
	f := Frame{StreamID: 1, Seq: 1, Ack: 1, Flags: FlagACK, Payload: []byte("payload")}
	encoded, err := Encode(f)
	require.NoError(t, err)
	encoded[5] ^= 0x01 // flip a bit in the seq field
	_, err = Decode(encoded)
	require.ErrorIs(t, err, ErrCRCMismatch)
}

func TestDecodeLengthMismatch(t *testing.T) {
	f := Frame{Payload: []byte("abc")}
	encoded, err := Encode(f)
	require.NoError(t, err)
	// Keep one of the three payload bytes and append a CRC recomputed over
	// what is left, so the CRC check passes and the header's payload_len (3)
	// disagrees with the single payload byte actually present.
	truncated := append([]byte{}, encoded[:HeaderSize+1]...)
	crc := make([]byte, CRCSize)
	binary.LittleEndian.PutUint32(crc, crc32.ChecksumIEEE(truncated))
	_, err = Decode(append(truncated, crc...))
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	require.Equal(t, "NONE", Flags(0).String())
}
