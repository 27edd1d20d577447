package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00},
		{'r', 1, 0, 0, 0, 16, 0},
		bytes.Repeat([]byte{0x5A}, MaxPayload),
	}
	for _, p := range payloads {
		frame := Wrap(p)
		if len(frame) != len(p)+envelopeOverhead {
			t.Fatalf("frame length = %d, want %d", len(frame), len(p)+envelopeOverhead)
		}
		got, err := Unwrap(frame)
		if err != nil {
			t.Fatalf("Unwrap: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip: got %v, want %v", got, p)
		}
	}
}

func TestEnvelopeCorruption(t *testing.T) {
	payload := []byte{'w', 1, 0, 10, 0, 2, 0, 0xAA, 0xBB}
	frame := Wrap(payload)
	for i := 2; i < 2+len(payload); i++ {
		bad := bytes.Clone(frame)
		bad[i] ^= 0x01
		_, err := Unwrap(bad)
		if !errors.Is(err, ErrCRCMismatch) {
			t.Fatalf("byte %d corrupted: err = %v, want ErrCRCMismatch", i, err)
		}
		var crcErr *CRCError
		if !errors.As(err, &crcErr) {
			t.Fatalf("byte %d: error %v does not carry CRC values", i, err)
		}
		if crcErr.Want == crcErr.Got {
			t.Fatalf("byte %d: CRCError has identical want/got 0x%08X", i, crcErr.Want)
		}
	}
}

func TestEnvelopeShortAndOversized(t *testing.T) {
	if _, err := Unwrap([]byte{0, 1, 'x'}); !errors.Is(err, ErrShortPacket) {
		t.Errorf("short buffer: err = %v, want ErrShortPacket", err)
	}
	if _, err := Unwrap(Wrap(nil)); !errors.Is(err, ErrShortPacket) {
		t.Errorf("zero payload: err = %v, want ErrShortPacket", err)
	}

	huge := make([]byte, MaxPayload+1+envelopeOverhead)
	binary.BigEndian.PutUint16(huge, MaxPayload+1)
	if _, err := Unwrap(huge); !errors.Is(err, ErrOversizedPacket) {
		t.Errorf("oversized: err = %v, want ErrOversizedPacket", err)
	}

	// Declared length disagreeing with the buffer is short, not a CRC
	// problem.
	frame := Wrap([]byte{1, 2, 3})
	if _, err := Unwrap(frame[:len(frame)-1]); !errors.Is(err, ErrShortPacket) {
		t.Errorf("truncated: err = %v, want ErrShortPacket", err)
	}
}
