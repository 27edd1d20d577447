package telemetry

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/ini"
)

const channelsINI = `
[MegaTune]
   signature    = "speeduino 202402"
   queryCommand = "Q"

[Constants]
   nPages   = 1
   pageSize = 16

[OutputChannels]
   ochGetCommand = "A"
   ochBlockSize  = 8
   secl     = scalar, U08, 0, "sec", 1.0, 0.0
   status   = bits,   U08, 1, [0:0]
   rpm      = scalar, U16, 2, "RPM", 1.0, 0.0
   coolant  = scalar, S16, 4, "deg", 0.1, -40.0
   rev      = scalar, BU16, 6, "RPM", 1.0, 0.0
   rpm_x2   = { rpm * 2 }, "RPM"
   rpm_x4   = { rpm_x2 * 2 }, "RPM"
   hot      = { coolant > 90 ? 1 : 0 }
`

func testEval(t *testing.T) *Evaluator {
	t.Helper()
	def, err := ini.Parse("channels.ini", []byte(channelsINI))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return NewEvaluator(def, zerolog.Nop())
}

func sampleBlock(rpm uint16, coolantRaw int16) []byte {
	b := make([]byte, 8)
	b[0] = 7
	b[1] = 0x01
	b[2] = byte(rpm)
	b[3] = byte(rpm >> 8)
	b[4] = byte(uint16(coolantRaw))
	b[5] = byte(uint16(coolantRaw) >> 8)
	b[6] = 0x1F // rev, big-endian override: 0x1F40 = 8000
	b[7] = 0x40
	return b
}

func TestDecodeRawChannels(t *testing.T) {
	e := testEval(t)
	snap := e.Decode(sampleBlock(1000, 1250))

	want := map[string]float64{
		"secl":    7,
		"status":  1,
		"rpm":     1000,
		"coolant": 85, // 1250*0.1 - 40
		"rev":     8000,
	}
	for name, v := range want {
		got, ok := snap.Values[name]
		if !ok {
			t.Fatalf("channel %s missing from snapshot", name)
		}
		if math.Abs(got-v) > 1e-9 {
			t.Errorf("%s = %v, want %v", name, got, v)
		}
	}
}

func TestComputedChain(t *testing.T) {
	e := testEval(t)
	snap := e.Decode(sampleBlock(1000, 1250))

	if v := snap.Values["rpm"]; v != 1000 {
		t.Fatalf("rpm = %v, want 1000", v)
	}
	if v := snap.Values["rpm_x2"]; v != 2000 {
		t.Fatalf("rpm_x2 = %v, want 2000", v)
	}
	if v := snap.Values["rpm_x4"]; v != 4000 {
		t.Fatalf("rpm_x4 = %v, want 4000", v)
	}
}

func TestTernaryChannel(t *testing.T) {
	e := testEval(t)
	if snap := e.Decode(sampleBlock(1000, 1250)); snap.Values["hot"] != 0 {
		t.Errorf("hot at 85 deg = %v, want 0", snap.Values["hot"])
	}
	if snap := e.Decode(sampleBlock(1000, 1350)); snap.Values["hot"] != 1 {
		t.Errorf("hot at 95 deg = %v, want 1", snap.Values["hot"])
	}
}

func TestShortBlockOmitsChannels(t *testing.T) {
	e := testEval(t)
	snap := e.Decode([]byte{7, 1, 0xE8, 0x03}) // only secl, status, rpm fit
	if snap.Values["rpm"] != 1000 {
		t.Fatalf("rpm = %v, want 1000", snap.Values["rpm"])
	}
	if _, ok := snap.Values["coolant"]; ok {
		t.Error("coolant decoded past the end of the block")
	}
	if _, ok := snap.Values["hot"]; ok {
		t.Error("hot resolved without its coolant dependency")
	}
	// Chains that only need in-block channels still resolve.
	if snap.Values["rpm_x4"] != 4000 {
		t.Errorf("rpm_x4 = %v, want 4000", snap.Values["rpm_x4"])
	}
}
