package fragment

import (
	"encoding/binary"
	"errors"
)

// AckRecordSize is the wire size of an AckRecord: 3 u16 header fields plus an
// 8-element u16 bitmap (§4.3): 3*2 + 8*2 = 22 bytes.
const AckRecordSize = 22

// ErrShortAckRecord is returned by Decode when the input is smaller than
// AckRecordSize.
var ErrShortAckRecord = errors.New("fragment: ack record shorter than 22 bytes")

// AckRecord is the FRAGMENT_ACK notification payload (§4.3). The bitmap is
// kept as the raw 8x16-bit wire array rather than collapsed into a single
// uint64, because the wire layout reserves 128 bits even though only the
// first 64 are ever meaningful (see DESIGN.md).
type AckRecord struct {
	MessageID      uint16
	TotalFragments uint16
	ReceivedCount  uint16
	AckBitmap      [8]uint16
}

// EncodeAck builds an AckRecord from a received-fragments bitmap (bit
// (fragmentID-1) set means received), per the encoding rule in §4.3: the ACK
// is cumulative, never delta.
func EncodeAck(messageID uint32, totalFragments int, received uint64) AckRecord {
	rec := AckRecord{
		MessageID:      uint16(messageID),
		TotalFragments: uint16(totalFragments),
		ReceivedCount:  uint16(popcount(received)),
	}
	for id := 1; id <= totalFragments && id <= MaxFragments; id++ {
		if received&(1<<uint(id-1)) == 0 {
			continue
		}
		word := (id - 1) / 16
		bit := (id - 1) % 16
		rec.AckBitmap[word] |= 1 << uint(bit)
	}
	return rec
}

// FullyReceivedAck builds the record for a reassembled-and-discarded message:
// every bit 1..=totalFragments set, per §4.3's encoding rule for that case.
func FullyReceivedAck(messageID uint32, totalFragments int) AckRecord {
	var all uint64
	for id := 1; id <= totalFragments && id <= MaxFragments; id++ {
		all |= 1 << uint(id-1)
	}
	return EncodeAck(messageID, totalFragments, all)
}

// Bitmap64 collapses the wire-format 8x16-bit array into a single uint64
// covering fragments 1..64, applying the decoding rule that bits for
// fragment numbers beyond TotalFragments are ignored.
func (r AckRecord) Bitmap64() uint64 {
	var bm uint64
	for id := 1; id <= int(r.TotalFragments) && id <= MaxFragments; id++ {
		word := (id - 1) / 16
		bit := (id - 1) % 16
		if r.AckBitmap[word]&(1<<uint(bit)) != 0 {
			bm |= 1 << uint(id-1)
		}
	}
	return bm
}

// Marshal serializes the record to its fixed 22-byte wire form, network byte
// order throughout.
func (r AckRecord) Marshal() []byte {
	buf := make([]byte, AckRecordSize)
	binary.BigEndian.PutUint16(buf[0:2], r.MessageID)
	binary.BigEndian.PutUint16(buf[2:4], r.TotalFragments)
	binary.BigEndian.PutUint16(buf[4:6], r.ReceivedCount)
	for i, w := range r.AckBitmap {
		off := 6 + i*2
		binary.BigEndian.PutUint16(buf[off:off+2], w)
	}
	return buf
}

// DecodeAck parses the fixed-layout record. received_count is not validated
// against the bitmap, per the decoding rule in §4.3 — it is informational
// only.
func DecodeAck(buf []byte) (AckRecord, error) {
	if len(buf) < AckRecordSize {
		return AckRecord{}, ErrShortAckRecord
	}
	var rec AckRecord
	rec.MessageID = binary.BigEndian.Uint16(buf[0:2])
	rec.TotalFragments = binary.BigEndian.Uint16(buf[2:4])
	rec.ReceivedCount = binary.BigEndian.Uint16(buf[4:6])
	for i := range rec.AckBitmap {
		off := 6 + i*2
		rec.AckBitmap[i] = binary.BigEndian.Uint16(buf[off : off+2])
	}
	return rec, nil
}

func popcount(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
