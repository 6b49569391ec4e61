package feed

import (
	"testing"
	"time"
	"trigger_engine/pkg/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	packets := [][]byte{
		EncodeTickPacket(256265, 1850025),
		{0x01},
		EncodeTickPacket(738561, 99950),
		{},
	}

	frame := EncodeFrame(packets)
	decoded, err := ParseFrame(frame)
	require.NoError(t, err)
	require.Len(t, decoded, len(packets))
	for i := range packets {
		assert.Equal(t, []byte(packets[i]), []byte(decoded[i]), "packet %d", i)
	}
}

func TestTickFromPacketConvertsPaise(t *testing.T) {
	tick, ok := TickFromPacket(EncodeTickPacket(256265, 1850025), time.Now())
	require.True(t, ok)
	assert.Equal(t, uint32(256265), tick.InstrumentToken)
	assert.Equal(t, "18500.25", tick.LastPrice.StringFixed(2))
}

func TestTickFromPacketSkipsShortPackets(t *testing.T) {
	_, ok := TickFromPacket([]byte{0, 0, 0, 1, 0, 0, 1}, time.Now())
	assert.False(t, ok, "7 bytes cannot carry a price")

	_, ok = TickFromPacket(nil, time.Now())
	assert.False(t, ok)
}

func TestParseFrameRejectsTruncated(t *testing.T) {
	good := EncodeFrame([][]byte{EncodeTickPacket(1, 100), EncodeTickPacket(2, 200)})

	for cut := 1; cut < len(good); cut++ {
		truncated := good[:len(good)-cut]
		if len(truncated) < 2 {
			continue
		}
		_, err := ParseFrame(truncated)
		assert.ErrorIs(t, err, apperrors.ErrMalformedFrame, "cut %d bytes", cut)
	}
}

func TestParseFrameRejectsTinyBuffer(t *testing.T) {
	_, err := ParseFrame([]byte{0x01})
	assert.ErrorIs(t, err, apperrors.ErrMalformedFrame)
}

func TestParseFrameEmpty(t *testing.T) {
	packets, err := ParseFrame(EncodeFrame(nil))
	require.NoError(t, err)
	assert.Empty(t, packets)
}
