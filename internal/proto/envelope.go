package proto

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// MaxPayload caps the declared payload length of a framed packet. A
// header claiming more than this is treated as line noise, not a read
// target.
const MaxPayload = 2048

// envelopeOverhead is the 2-byte length prefix plus the 4-byte CRC32.
const envelopeOverhead = 6

// Wrap frames a payload for the envelope protocol variant: a big-endian
// u16 payload length, the payload, then a big-endian CRC32 (IEEE) of the
// payload alone.
func Wrap(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+envelopeOverhead)
	out = append(out, byte(len(payload)>>8), byte(len(payload)))
	out = append(out, payload...)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(payload))
	return append(out, crc[:]...)
}

// Unwrap validates a complete framed packet and returns its payload.
// The declared length must describe the buffer exactly and the CRC must
// match; a mismatch is reported with both values and never ignored.
func Unwrap(frame []byte) ([]byte, error) {
	if len(frame) < envelopeOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(frame))
	}
	declared := int(binary.BigEndian.Uint16(frame))
	if declared == 0 {
		return nil, fmt.Errorf("%w: zero-length payload", ErrShortPacket)
	}
	if declared > MaxPayload {
		return nil, fmt.Errorf("%w: declared %d, max %d", ErrOversizedPacket, declared, MaxPayload)
	}
	if len(frame) != declared+envelopeOverhead {
		return nil, fmt.Errorf("%w: declared %d, frame holds %d", ErrShortPacket, declared, len(frame)-envelopeOverhead)
	}
	payload := frame[2 : 2+declared]
	got := binary.BigEndian.Uint32(frame[2+declared:])
	want := crc32.ChecksumIEEE(payload)
	if got != want {
		return nil, &CRCError{Want: want, Got: got}
	}
	out := make([]byte, declared)
	copy(out, payload)
	return out, nil
}
