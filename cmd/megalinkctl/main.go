// megalinkctl is the operator CLI for a tuning link: inspect definition
// files, talk to an ECU from the bench, edit constants, sync and burn.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/proto"
	"github.com/openefi/megalink/internal/session"
	"github.com/openefi/megalink/internal/telemetry"
	"github.com/openefi/megalink/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "ports":
		portsCmd()
	case "check":
		checkCmd(os.Args[2:])
	case "signature":
		signatureCmd(os.Args[2:])
	case "get":
		getCmd(os.Args[2:])
	case "set":
		setCmd(os.Args[2:])
	case "read":
		readCmd(os.Args[2:])
	case "sync":
		syncCmd(os.Args[2:])
	case "burn":
		burnCmd(os.Args[2:])
	case "watch":
		watchCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Print(`megalinkctl <command> [options]

Commands:
  ports                                  list serial devices
  check      <definition.ini>            parse a definition and summarize it
  signature  [link options]              query the ECU signature
  get        [link options] <constant>   decode one constant from the ECU
  set        [link options] <constant> <value>   edit, sync and verify
  read       [link options]              read every page, print CRCs
  sync       [link options]              (after set --no-sync) push dirty bytes
  burn       [link options] [--page N]   commit pages to flash
  watch      [link options] [--hz N]     live channel values

Link options:
  --ini <file>     definition file (required)
  --port <dev>     serial device
  --baud <rate>    baud rate (default 115200)
  --tcp <addr>     TCP bridge instead of serial
  --sim            built-in simulated ECU
`)
}

func portsCmd() {
	ports, err := transport.ListPorts()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		pterm.Info.Println("No serial devices found.")
		return
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

func checkCmd(args []string) {
	if len(args) < 1 {
		pterm.Error.Println("usage: megalinkctl check <definition.ini>")
		os.Exit(1)
	}
	def, err := ini.Load(args[0])
	if err != nil {
		pterm.Error.Printf("Parse failed: %v\n", err)
		os.Exit(1)
	}
	pterm.Success.Printf("Parsed %s\n", args[0])

	rows := pterm.TableData{
		{"Signature", def.Signature},
		{"Protocol", protoVariant(def)},
		{"Endianness", endianName(def.BigEndian)},
		{"Pages", fmt.Sprintf("%d %v", len(def.PageSizes), def.PageSizes)},
		{"Constants", strconv.Itoa(len(def.Constants))},
		{"Output channels", strconv.Itoa(len(def.Channels))},
		{"Realtime block", fmt.Sprintf("%d bytes", def.OchBlockSize)},
		{"Tables / curves", fmt.Sprintf("%d / %d", len(def.Tables), len(def.Curves))},
	}
	pterm.DefaultTable.WithData(rows).Render()

	// Computed channels must reference names that exist somewhere.
	problems := 0
	for _, name := range def.ChannelOrder {
		ch := def.Channels[name]
		if !ch.Computed() {
			continue
		}
		for _, ref := range ch.Expr.Names() {
			if _, ok := def.Channel(ref); ok {
				continue
			}
			if _, ok := def.Constant(ref); ok {
				continue
			}
			pterm.Warning.Printf("channel %s references unknown name %q\n", name, ref)
			problems++
		}
	}
	for _, t := range def.Tables {
		if _, _, err := def.TableShape(t); err != nil {
			pterm.Warning.Println(err)
			problems++
		}
	}
	if problems == 0 {
		pterm.Success.Println("All cross-references resolve.")
	}
}

// linkFlags is the transport/definition option block every on-wire
// command shares.
type linkFlags struct {
	ini  *string
	port *string
	baud *int
	tcp  *string
	sim  *bool
}

func addLinkFlags(fs *flag.FlagSet) linkFlags {
	return linkFlags{
		ini:  fs.String("ini", "", "definition file"),
		port: fs.String("port", "", "serial device"),
		baud: fs.Int("baud", 115200, "baud rate"),
		tcp:  fs.String("tcp", "", "TCP bridge address"),
		sim:  fs.Bool("sim", false, "simulated ECU"),
	}
}

// connect loads the definition, opens the transport and performs the
// handshake. On a signature mismatch it warns, lists candidates and
// continues; destructive commands re-confirm before acting.
func connect(lf linkFlags) (*session.Session, func()) {
	if *lf.ini == "" {
		pterm.Error.Println("required: --ini <definition file>")
		os.Exit(1)
	}
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	sess := session.New(log, proto.Options{})
	def, err := sess.LoadDefinition(*lf.ini)
	if err != nil {
		pterm.Error.Printf("Definition: %v\n", err)
		os.Exit(1)
	}

	var tr transport.Conn
	switch {
	case *lf.sim:
		sim := proto.NewSim(def)
		sim.Realtime = proto.DemoGenerator(def)
		tr = sim
	case *lf.tcp != "":
		tr, err = transport.DialTCP(*lf.tcp, 5*time.Second)
	case *lf.port != "":
		tr, err = transport.OpenSerial(*lf.port, *lf.baud)
	default:
		pterm.Error.Println("one of --port, --tcp or --sim is required")
		os.Exit(1)
	}
	if err != nil {
		pterm.Error.Printf("Open transport: %v\n", err)
		os.Exit(1)
	}

	res, err := sess.Connect(tr)
	if err != nil {
		tr.Close()
		pterm.Error.Printf("Connect: %v\n", err)
		os.Exit(1)
	}
	switch res.Match {
	case proto.MatchExact:
		pterm.Success.Printf("Connected: %s\n", res.Signature)
	case proto.MatchPartial:
		pterm.Warning.Printf("Connected with partial signature match: ECU %q, definition %q\n",
			res.Signature, def.Signature)
	case proto.MatchMismatch:
		pterm.Warning.Printf("Signature mismatch: ECU %q, definition %q\n", res.Signature, def.Signature)
		for _, c := range res.Candidates {
			pterm.Info.Printf("  better match: %s (%s)\n", c.Path, c.Signature)
		}
	}
	return sess, func() { sess.Disconnect() }
}

func signatureCmd(args []string) {
	fs := flag.NewFlagSet("signature", flag.ExitOnError)
	lf := addLinkFlags(fs)
	fs.Parse(args)
	sess, done := connect(lf)
	defer done()
	fmt.Println(sess.Signature())
}

func getCmd(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	lf := addLinkFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		pterm.Error.Println("usage: megalinkctl get [link options] <constant>")
		os.Exit(1)
	}
	name := fs.Arg(0)
	sess, done := connect(lf)
	defer done()

	if err := sess.ReadAllPages(); err != nil {
		pterm.Error.Printf("Read: %v\n", err)
		os.Exit(1)
	}
	v, err := sess.Value(name)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	c, _ := sess.Definition().Constant(name)
	fmt.Printf("%s = %.*f %s\n", name, c.Digits, v, c.Units)
}

func setCmd(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	lf := addLinkFlags(fs)
	noSync := fs.Bool("no-sync", false, "edit locally, do not push")
	fs.Parse(args)
	if fs.NArg() < 2 {
		pterm.Error.Println("usage: megalinkctl set [link options] <constant> <value>")
		os.Exit(1)
	}
	name := fs.Arg(0)
	value, err := strconv.ParseFloat(fs.Arg(1), 64)
	if err != nil {
		pterm.Error.Printf("Bad value %q\n", fs.Arg(1))
		os.Exit(1)
	}
	sess, done := connect(lf)
	defer done()

	if err := sess.ReadAllPages(); err != nil {
		pterm.Error.Printf("Read: %v\n", err)
		os.Exit(1)
	}
	old, err := sess.Value(name)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	if err := sess.SetValue(name, value); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	pterm.Info.Printf("%s: %g -> %g (%d dirty bytes)\n", name, old, value, sess.DirtyCount())
	if *noSync {
		return
	}
	if err := sess.SyncChanges(); err != nil {
		pterm.Error.Printf("Sync: %v\n", err)
		os.Exit(1)
	}
	pterm.Success.Println("Synced and verified.")
}

func readCmd(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	lf := addLinkFlags(fs)
	fs.Parse(args)
	sess, done := connect(lf)
	defer done()

	spinner, _ := pterm.DefaultSpinner.Start("Reading pages")
	if err := sess.ReadAllPages(); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("Tune read")

	def := sess.Definition()
	crcs, err := sess.PageCRCs()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	rows := pterm.TableData{{"Page", "Size", "CRC32"}}
	for p, size := range def.PageSizes {
		rows = append(rows, []string{strconv.Itoa(p), strconv.Itoa(size), fmt.Sprintf("0x%08X", crcs[p])})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func syncCmd(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	lf := addLinkFlags(fs)
	fs.Parse(args)
	sess, done := connect(lf)
	defer done()
	if err := sess.SyncChanges(); err != nil {
		pterm.Error.Printf("Sync: %v\n", err)
		os.Exit(1)
	}
	pterm.Success.Println("Synced and verified.")
}

func burnCmd(args []string) {
	fs := flag.NewFlagSet("burn", flag.ExitOnError)
	lf := addLinkFlags(fs)
	page := fs.Int("page", -1, "burn a single page (default: all)")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.Parse(args)

	sess, done := connect(lf)
	defer done()

	pterm.Warning.Println("Burning writes ECU flash, which has a limited erase life.")
	if !*yes {
		ok, _ := pterm.DefaultInteractiveConfirm.Show("Commit pages to flash?")
		if !ok {
			pterm.Info.Println("Cancelled.")
			return
		}
	}
	var err error
	if *page >= 0 {
		err = sess.Burn(*page)
	} else {
		err = sess.Burn()
	}
	if err != nil {
		pterm.Error.Printf("Burn: %v\n", err)
		os.Exit(1)
	}
	pterm.Success.Println("Burned.")
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	lf := addLinkFlags(fs)
	hz := fs.Int("hz", 5, "samples per second")
	fs.Parse(args)
	sess, done := connect(lf)
	defer done()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	area, _ := pterm.DefaultArea.Start()
	defer area.Stop()
	unsub := sess.Subscribe(func(snap telemetry.Snapshot) {
		names := make([]string, 0, len(snap.Values))
		for name := range snap.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := pterm.TableData{{"Channel", "Value"}}
		for _, name := range names {
			rows = append(rows, []string{name, strconv.FormatFloat(snap.Values[name], 'f', 2, 64)})
		}
		out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
		area.Update(out)
	})
	defer unsub()

	if err := sess.StartStreaming(*hz); err != nil {
		pterm.Error.Printf("Stream: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
	sess.StopStreaming()
}

func protoVariant(def *ini.Definition) string {
	if def.Envelope {
		return "framed (msEnvelope_1.0)"
	}
	return "legacy"
}

func endianName(big bool) string {
	if big {
		return "big"
	}
	return "little"
}
