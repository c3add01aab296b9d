package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAckRoundTrip64Bits(t *testing.T) {
	// Round-trip law from §8: decode(encode(bitmap)) = bitmap for any 64-bit
	// bitmap representable within total_fragments=64.
	var bitmap uint64 = 0xF0F0F0F0F0F0F0F0
	rec := EncodeAck(7, 64, bitmap)

	buf := rec.Marshal()
	require.Len(t, buf, AckRecordSize)

	decoded, err := DecodeAck(buf)
	require.NoError(t, err)
	require.Equal(t, bitmap, decoded.Bitmap64())
	require.EqualValues(t, 7, decoded.MessageID)
	require.EqualValues(t, 64, decoded.TotalFragments)
}

func TestAckScenarioABitmaps(t *testing.T) {
	// Scenario A: bitmaps progress 0x0001, 0x0003, 0x0007 across three
	// fragments, cumulative not delta.
	steps := []uint64{0x0001, 0x0003, 0x0007}
	for _, want := range steps {
		rec := EncodeAck(0, 3, want)
		require.Equal(t, want, rec.Bitmap64())
	}
}

func TestDecodeIgnoresBitsBeyondTotalFragments(t *testing.T) {
	rec := AckRecord{MessageID: 1, TotalFragments: 2}
	rec.AckBitmap[0] = 0b111 // bits for fragments 1,2,3 - 3 is out of range
	require.Equal(t, uint64(0b11), rec.Bitmap64())
}

func TestFullyReceivedAckSetsAllBits(t *testing.T) {
	rec := FullyReceivedAck(9, 10)
	want := uint64(0)
	for i := 0; i < 10; i++ {
		want |= 1 << uint(i)
	}
	require.Equal(t, want, rec.Bitmap64())
}

func TestDecodeAckShortBuffer(t *testing.T) {
	_, err := DecodeAck(make([]byte, AckRecordSize-1))
	require.ErrorIs(t, err, ErrShortAckRecord)
}

func TestAckRecordSizeIs22Bytes(t *testing.T) {
	// 3x16 header + 8x16 bitmap = 176 bits = 22 bytes.
	require.Equal(t, 22, AckRecordSize)
}
