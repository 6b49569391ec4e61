package feed

import (
	"encoding/binary"
	"fmt"
	"time"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// Binary frame layout, all integers big-endian:
//
//	[0:2)  packet count N
//	then N times: [0:2) packet length L, followed by L payload bytes
//
// A packet of at least 8 bytes carries an instrument token in the
// first four bytes and the last traded price in paise in the next
// four. Longer packets carry depth fields this engine does not read.

const minTickPacketLen = 8

// ParseFrame splits a binary frame into raw packets. A frame whose
// declared lengths overrun the buffer is rejected whole.
func ParseFrame(frame []byte) ([][]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: frame of %d bytes", apperrors.ErrMalformedFrame, len(frame))
	}

	count := int(binary.BigEndian.Uint16(frame[0:2]))
	packets := make([][]byte, 0, count)
	offset := 2

	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return nil, fmt.Errorf("%w: packet %d header past end of frame", apperrors.ErrMalformedFrame, i)
		}
		length := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if offset+length > len(frame) {
			return nil, fmt.Errorf("%w: packet %d of %d bytes past end of frame", apperrors.ErrMalformedFrame, i, length)
		}
		packets = append(packets, frame[offset:offset+length])
		offset += length
	}

	return packets, nil
}

// EncodeFrame is the inverse of ParseFrame, used by tests and feed
// simulators.
func EncodeFrame(packets [][]byte) []byte {
	size := 2
	for _, p := range packets {
		size += 2 + len(p)
	}
	frame := make([]byte, 0, size)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(packets)))
	for _, p := range packets {
		frame = binary.BigEndian.AppendUint16(frame, uint16(len(p)))
		frame = append(frame, p...)
	}
	return frame
}

// TickFromPacket decodes the tick fields of one packet. Packets too
// short to carry a price are skipped with ok=false; they are valid
// frames, just not ticks (index packets, heartbeats).
func TickFromPacket(packet []byte, at time.Time) (core.Tick, bool) {
	if len(packet) < minTickPacketLen {
		return core.Tick{}, false
	}
	token := binary.BigEndian.Uint32(packet[0:4])
	paise := binary.BigEndian.Uint32(packet[4:8])
	return core.Tick{
		InstrumentToken: token,
		LastPrice:       decimal.New(int64(paise), -2),
		Timestamp:       at,
	}, true
}

// EncodeTickPacket builds a minimal 8-byte tick packet. Test helper
// kept beside the decoder so the layouts cannot drift apart.
func EncodeTickPacket(token uint32, paise uint32) []byte {
	p := make([]byte, minTickPacketLen)
	binary.BigEndian.PutUint32(p[0:4], token)
	binary.BigEndian.PutUint32(p[4:8], paise)
	return p
}

// tickFromJSON converts a text-mode tick to the internal shape.
func tickFromJSON(t jsonTick) (core.Tick, bool) {
	if t.InstrumentToken == 0 || t.LastPrice <= 0 {
		return core.Tick{}, false
	}
	return core.Tick{
		InstrumentToken: t.InstrumentToken,
		LastPrice:       decimal.NewFromFloat(t.LastPrice),
		Timestamp:       time.Now(),
	}, true
}
