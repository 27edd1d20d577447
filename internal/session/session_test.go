package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/proto"
	"github.com/openefi/megalink/internal/telemetry"
)

const benchINI = `
[MegaTune]
   signature    = "speeduino 202402"
   queryCommand = "Q"

[Constants]
   messageEnvelopeFormat = msEnvelope_1.0
   nPages            = 2
   pageSize          = 16, 32
   pageReadCommand   = "r%2i%2o%2c"
   pageChunkWrite    = "w%2i%2o%2c%v"
   burnCommand       = "b%2i"
   crc32CheckCommand = "k%2i%2o%2c"

   page = 1
   revLimit     = scalar, U16, 0, "RPM", 1, 0, 0, 15000, 0
   aseTaperTime = scalar, U08, 2, "S", 0.1, 0.0, 0.0, 25.5, 1

[OutputChannels]
   ochGetCommand = "A"
   ochBlockSize  = 8
   rpm    = scalar, U16, 2, "RPM", 1.0, 0.0
   rpm_x2 = { rpm * 2 }, "RPM"
`

func benchSession(t *testing.T) (*Session, *proto.Sim) {
	t.Helper()
	def, err := ini.Parse("bench.ini", []byte(benchINI))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sess := New(zerolog.Nop(), proto.Options{CommandTimeout: 500 * time.Millisecond})
	if err := sess.UseDefinition(def); err != nil {
		t.Fatalf("UseDefinition: %v", err)
	}
	return sess, proto.NewSim(def)
}

func TestEditSyncVerifyWorkflow(t *testing.T) {
	sess, sim := benchSession(t)
	sim.LoadPage(0, []byte{0x10, 0x27, 50, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}) // revLimit 10000, taper 5.0s

	res, err := sess.Connect(sim)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Match != proto.MatchExact {
		t.Fatalf("match = %v", res.Match)
	}
	defer sess.Disconnect()

	if err := sess.ReadAllPages(); err != nil {
		t.Fatalf("ReadAllPages: %v", err)
	}
	v, err := sess.Value("revLimit")
	if err != nil || v != 10000 {
		t.Fatalf("revLimit = %v, %v", v, err)
	}

	if err := sess.SetValue("revLimit", 7200); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := sess.SetValue("aseTaperTime", 2.5); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if sess.DirtyCount() != 3 {
		t.Fatalf("dirty = %d, want 3 (u16 + u08)", sess.DirtyCount())
	}

	if err := sess.SyncChanges(); err != nil {
		t.Fatalf("SyncChanges: %v", err)
	}
	if sess.DirtyCount() != 0 {
		t.Fatalf("dirty after sync = %d", sess.DirtyCount())
	}
	page := sim.Page(0)
	if rpm := int(page[0]) | int(page[1])<<8; rpm != 7200 {
		t.Fatalf("ecu revLimit = %d, want 7200", rpm)
	}
	if page[2] != 25 {
		t.Fatalf("ecu taper raw = %d, want 25", page[2])
	}

	if err := sess.Burn(0); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if sim.Burns(0) != 1 {
		t.Fatalf("burns = %d", sim.Burns(0))
	}
}

func TestSyncNothingDirtyIsNoop(t *testing.T) {
	sess, sim := benchSession(t)
	if _, err := sess.Connect(sim); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	if err := sess.SyncChanges(); err != nil {
		t.Fatalf("SyncChanges with clean shadow: %v", err)
	}
}

func TestStreamingPublishesSnapshots(t *testing.T) {
	sess, sim := benchSession(t)
	if err := sim.SetChannel("rpm", 1000); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}
	if _, err := sess.Connect(sim); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()

	got := make(chan telemetry.Snapshot, 8)
	unsub := sess.Subscribe(func(s telemetry.Snapshot) {
		select {
		case got <- s:
		default:
		}
	})
	defer unsub()

	if err := sess.StartStreaming(100); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if err := sess.StartStreaming(100); !errors.Is(err, ErrStreaming) {
		t.Fatalf("second stream: err = %v, want ErrStreaming", err)
	}

	select {
	case snap := <-got:
		if snap.Values["rpm"] != 1000 || snap.Values["rpm_x2"] != 2000 {
			t.Fatalf("snapshot = %v", snap.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot arrived")
	}
	sess.StopStreaming()
	sess.StopStreaming() // idempotent
}

func TestConnectRequiresDefinition(t *testing.T) {
	sess := New(zerolog.Nop(), proto.Options{})
	def, _ := ini.Parse("bench.ini", []byte(benchINI))
	if _, err := sess.Connect(proto.NewSim(def)); !errors.Is(err, ErrNoDefinition) {
		t.Fatalf("err = %v, want ErrNoDefinition", err)
	}
}

func TestLoadDefinitionWhileConnected(t *testing.T) {
	sess, sim := benchSession(t)
	if _, err := sess.Connect(sim); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	def, _ := ini.Parse("bench.ini", []byte(benchINI))
	if err := sess.UseDefinition(def); !errors.Is(err, proto.ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func writeDefFile(t *testing.T, dir, name, signature string) string {
	t.Helper()
	body := `
[MegaTune]
   signature    = "` + signature + `"
   queryCommand = "Q"

[Constants]
   nPages   = 1
   pageSize = 16
`
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCatalogCandidates(t *testing.T) {
	dir := t.TempDir()
	writeDefFile(t, dir, "speeduino-202402.ini", "speeduino 202402")
	writeDefFile(t, dir, "speeduino-202501.ini", "speeduino 202501")
	writeDefFile(t, dir, "ms2extra.ini", "ms2extra v3.4")
	if err := os.WriteFile(filepath.Join(dir, "broken.ini"), []byte("[Constants]\ngarbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := ScanCatalog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("ScanCatalog: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("catalog size = %d, want 3 (broken file skipped)", cat.Len())
	}

	// ECU reports 202501; loaded definition is 202402.
	cands := cat.Candidates("speeduino 202501", "speeduino 202402")
	if len(cands) != 1 {
		t.Fatalf("candidates = %+v, want the exact 202501 entry only", cands)
	}
	if cands[0].Signature != "speeduino 202501" {
		t.Fatalf("best candidate = %+v", cands[0])
	}
}

func TestMismatchCarriesCandidates(t *testing.T) {
	dir := t.TempDir()
	writeDefFile(t, dir, "rusefi.ini", "rusEFI master.2024")

	sess, sim := benchSession(t)
	cat, err := ScanCatalog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("ScanCatalog: %v", err)
	}
	sess.SetCatalog(cat)
	sim.Signature = "rusEFI master.2024"

	res, err := sess.Connect(sim)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	if res.Match != proto.MatchMismatch {
		t.Fatalf("match = %v", res.Match)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Signature != "rusEFI master.2024" {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	merr := res.MismatchError("speeduino 202402")
	if merr == nil || len(merr.Candidates) != 1 {
		t.Fatalf("MismatchError = %v", merr)
	}
}
