package proto

import (
	"bytes"
	"testing"
)

func TestBuildCommandBigEndian(t *testing.T) {
	got := BuildCommand("R%2i%2o%2c", true, 0, 100, 256, nil)
	want := []byte{'R', 0, 0, 0, 100, 1, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("BuildCommand = %v, want %v", got, want)
	}
}

func TestBuildCommandLittleEndian(t *testing.T) {
	got := BuildCommand("R%2i%2o%2c", false, 1, 0x0100, 0x0200, nil)
	want := []byte{'R', 1, 0, 0, 1, 0, 2}
	if !bytes.Equal(got, want) {
		t.Fatalf("BuildCommand = %v, want %v", got, want)
	}
}

func TestBuildCommandPayload(t *testing.T) {
	got := BuildCommand("w%2i%2o%2c%v", false, 2, 10, 3, []byte{0xAA, 0xBB, 0xCC})
	want := []byte{'w', 2, 0, 10, 0, 3, 0, 0xAA, 0xBB, 0xCC}
	if !bytes.Equal(got, want) {
		t.Fatalf("BuildCommand = %v, want %v", got, want)
	}
}

func TestBuildCommandVerbatim(t *testing.T) {
	if got := BuildCommand("Q", true, 9, 9, 9, nil); !bytes.Equal(got, []byte{'Q'}) {
		t.Fatalf("plain command = %v", got)
	}
	if got := BuildCommand("", true, 0, 0, 0, nil); len(got) != 0 {
		t.Fatalf("empty template = %v, want empty", got)
	}
}

func TestMatchCommandRoundTrip(t *testing.T) {
	tests := []struct {
		template string
		big      bool
		page     uint16
		offset   uint16
		count    uint16
		payload  []byte
	}{
		{"r%2i%2o%2c", false, 1, 0x0234, 16, nil},
		{"R%2i%2o%2c", true, 3, 100, 256, nil},
		{"w%2i%2o%2c%v", false, 2, 50, 4, []byte{1, 2, 3, 4}},
		{"b%2i", false, 1, 0, 0, nil},
		{"A", false, 0, 0, 0, nil},
	}
	for _, tc := range tests {
		t.Run(tc.template, func(t *testing.T) {
			wire := BuildCommand(tc.template, tc.big, tc.page, tc.offset, tc.count, tc.payload)
			page, offset, count, payload, ok := matchCommand(tc.template, tc.big, wire)
			if !ok {
				t.Fatalf("matchCommand(%v) failed", wire)
			}
			if page != tc.page || offset != tc.offset || count != tc.count || !bytes.Equal(payload, tc.payload) {
				t.Fatalf("matched (%d, %d, %d, %v), want (%d, %d, %d, %v)",
					page, offset, count, payload, tc.page, tc.offset, tc.count, tc.payload)
			}
		})
	}
}

func TestMatchCommandRejects(t *testing.T) {
	if _, _, _, _, ok := matchCommand("r%2i%2o%2c", false, []byte{'r', 1, 0}); ok {
		t.Error("short command matched")
	}
	if _, _, _, _, ok := matchCommand("b%2i", false, []byte{'B', 1, 0}); ok {
		t.Error("wrong letter matched")
	}
	if _, _, _, _, ok := matchCommand("b%2i", false, []byte{'b', 1, 0, 9}); ok {
		t.Error("trailing bytes matched")
	}
}
