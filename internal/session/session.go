// Package session owns the shared state of one tuning session: the
// loaded definition, the active connection, the local memory image with
// its dirty shadow, the channel evaluator, and the snapshot subscriber
// set. Everything the daemon and CLI do goes through a Session value
// created at startup and passed explicitly, so there is no ambient
// global state.
//
// Each subsystem has its own lock and the rule is the same everywhere:
// never hold two of them at once, and never hold any across a wire
// exchange. A value needed from a second subsystem is snapshotted and
// the first lock released before the second is taken.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/proto"
	"github.com/openefi/megalink/internal/telemetry"
	"github.com/openefi/megalink/internal/transport"
	"github.com/openefi/megalink/internal/tune"
)

var (
	ErrNoDefinition = errors.New("no definition loaded")
	ErrStreaming    = errors.New("streaming already active")
	ErrVerifyFailed = errors.New("post-sync crc verification failed")
)

// Session is the single ownership context for a tuning link.
type Session struct {
	log  zerolog.Logger
	opts proto.Options

	defMu sync.RWMutex
	def   *ini.Definition

	connMu sync.Mutex
	conn   *proto.Conn

	memMu  sync.Mutex
	mem    *tune.Memory
	shadow *tune.Shadow
	eval   *telemetry.Evaluator

	subMu   sync.Mutex
	subs    map[int]func(telemetry.Snapshot)
	nextSub int

	catMu   sync.Mutex
	catalog *Catalog

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// New creates an empty session. A definition must be loaded before
// anything else works.
func New(log zerolog.Logger, opts proto.Options) *Session {
	opts.Logger = log.With().Str("component", "conn").Logger()
	return &Session{
		log:  log.With().Str("component", "session").Logger(),
		opts: opts,
		subs: make(map[int]func(telemetry.Snapshot)),
	}
}

// LoadDefinition parses the file at path and replaces the session's
// definition wholesale, along with fresh memory, shadow and evaluator
// state. It refuses while a connection is active, since the link's
// command set came from the old definition.
func (s *Session) LoadDefinition(path string) (*ini.Definition, error) {
	def, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	if err := s.UseDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// UseDefinition installs an already-parsed definition, for callers that
// build one in memory.
func (s *Session) UseDefinition(def *ini.Definition) error {
	s.connMu.Lock()
	connected := s.conn != nil
	s.connMu.Unlock()
	if connected {
		return fmt.Errorf("load definition: %w", proto.ErrAlreadyConnected)
	}

	s.defMu.Lock()
	s.def = def
	s.defMu.Unlock()

	s.memMu.Lock()
	s.mem = tune.NewMemory(def.PageSizes)
	s.shadow = tune.NewShadow()
	s.eval = telemetry.NewEvaluator(def, s.log)
	s.memMu.Unlock()

	s.log.Info().Str("signature", def.Signature).Int("pages", len(def.PageSizes)).
		Int("constants", len(def.Constants)).Int("channels", len(def.Channels)).
		Msg("definition loaded")
	return nil
}

// Definition returns the currently loaded definition, or nil.
func (s *Session) Definition() *ini.Definition {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	return s.def
}

// SetCatalog attaches the known-definition catalog used to suggest
// alternatives on a signature mismatch.
func (s *Session) SetCatalog(c *Catalog) {
	s.catMu.Lock()
	s.catalog = c
	s.catMu.Unlock()
}

// ConnectResult reports the handshake outcome. On anything short of an
// exact match, Candidates lists catalog definitions whose signatures
// fit the ECU better, best first.
type ConnectResult struct {
	Signature  string
	Match      proto.MatchKind
	Candidates []CatalogEntry
}

// MismatchError converts a mismatched result into an error value
// carrying both signatures and the candidate list, for callers that
// treat a mismatch as fatal.
func (r *ConnectResult) MismatchError(want string) *proto.SignatureMismatchError {
	if r.Match != proto.MatchMismatch {
		return nil
	}
	e := &proto.SignatureMismatchError{Want: want, Got: r.Signature}
	for _, c := range r.Candidates {
		e.Candidates = append(e.Candidates, c.Path)
	}
	return e
}

// Connect performs the handshake over an already-open transport. A
// signature mismatch does not fail the call; the result says how well
// the ECU matches and what else the catalog offers, and the caller
// decides whether to stay connected.
func (s *Session) Connect(tr transport.Conn) (*ConnectResult, error) {
	def := s.Definition()
	if def == nil {
		return nil, ErrNoDefinition
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.connMu.Unlock()
		return nil, proto.ErrAlreadyConnected
	}
	conn := proto.New(tr, def, s.opts)
	s.conn = conn
	s.connMu.Unlock()

	hs, err := conn.Connect()
	if err != nil {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		return nil, err
	}

	res := &ConnectResult{Signature: hs.Signature, Match: hs.Match}
	if hs.Match != proto.MatchExact {
		s.catMu.Lock()
		cat := s.catalog
		s.catMu.Unlock()
		if cat != nil {
			res.Candidates = cat.Candidates(hs.Signature, def.Signature)
		}
	}
	return res, nil
}

// Disconnect stops streaming and tears the link down.
func (s *Session) Disconnect() error {
	s.StopStreaming()
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

// State reports the connection state, Disconnected when no link exists.
func (s *Session) State() proto.State {
	if conn := s.connection(); conn != nil {
		return conn.State()
	}
	return proto.StateDisconnected
}

// Signature reports what the ECU said at handshake.
func (s *Session) Signature() string {
	if conn := s.connection(); conn != nil {
		return conn.Signature()
	}
	return ""
}

// ReadAllPages pulls every page from the ECU into the local image and
// clears the shadow: after a full read, local and hardware agree.
func (s *Session) ReadAllPages() error {
	def, conn, err := s.defAndConn()
	if err != nil {
		return err
	}
	for page := range def.PageSizes {
		data, err := conn.ReadPage(page)
		if err != nil {
			return err
		}
		s.memMu.Lock()
		err = s.mem.LoadPage(page, data)
		s.memMu.Unlock()
		if err != nil {
			return err
		}
	}
	s.memMu.Lock()
	s.shadow.Clear()
	s.memMu.Unlock()
	s.log.Info().Int("pages", len(def.PageSizes)).Msg("full tune read")
	return nil
}

// PageCRCs returns the CRC32 of each local page image.
func (s *Session) PageCRCs() ([]uint32, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if s.mem == nil {
		return nil, ErrNoDefinition
	}
	out := make([]uint32, s.mem.PageCount())
	for p := range out {
		crc, err := s.mem.PageCRC(p)
		if err != nil {
			return nil, err
		}
		out[p] = crc
	}
	return out, nil
}

// Value decodes a scalar or bits constant from the local image.
func (s *Session) Value(name string) (float64, error) {
	def := s.Definition()
	if def == nil {
		return 0, ErrNoDefinition
	}
	c, ok := def.Constant(name)
	if !ok {
		return 0, fmt.Errorf("constant %q not defined", name)
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.mem.Value(def, c)
}

// SetValue writes a display value into the local image and marks the
// touched bytes dirty. Nothing goes to hardware until SyncChanges.
func (s *Session) SetValue(name string, display float64) error {
	def := s.Definition()
	if def == nil {
		return ErrNoDefinition
	}
	c, ok := def.Constant(name)
	if !ok {
		return fmt.Errorf("constant %q not defined", name)
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.mem.SetValue(def, c, display, s.shadow)
}

// DirtyCount reports how many local bytes await a sync.
func (s *Session) DirtyCount() int {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if s.shadow == nil {
		return 0
	}
	return s.shadow.Count()
}

// SyncChanges sends every dirty range to the ECU, verifies each touched
// page by comparing the ECU's CRC against the local image, and clears
// the shadow. A verification failure leaves the shadow intact so the
// caller can retry.
func (s *Session) SyncChanges() error {
	_, conn, err := s.defAndConn()
	if err != nil {
		return err
	}

	// Snapshot the dirty work under the memory lock, then do wire I/O
	// without it.
	type job struct {
		page     int
		ranges   []tune.Range
		data     [][]byte
		localCRC uint32
	}
	s.memMu.Lock()
	var jobs []job
	for _, page := range s.shadow.DirtyPages() {
		j := job{page: page, ranges: s.shadow.Ranges(page)}
		for _, r := range j.ranges {
			b, err := s.mem.ReadBytes(page, r.Offset, r.Length)
			if err != nil {
				s.memMu.Unlock()
				return err
			}
			j.data = append(j.data, b)
		}
		if j.localCRC, err = s.mem.PageCRC(page); err != nil {
			s.memMu.Unlock()
			return err
		}
		jobs = append(jobs, j)
	}
	s.memMu.Unlock()
	if len(jobs) == 0 {
		return nil
	}

	for _, j := range jobs {
		for i, r := range j.ranges {
			if err := conn.WriteRange(j.page, r.Offset, j.data[i]); err != nil {
				return err
			}
		}
		ecuCRC, err := conn.PageCRC(j.page)
		if err != nil {
			if errors.Is(err, proto.ErrUnsupported) {
				continue
			}
			return err
		}
		if ecuCRC != j.localCRC {
			return fmt.Errorf("%w: page %d local 0x%08X, ecu 0x%08X", ErrVerifyFailed, j.page, j.localCRC, ecuCRC)
		}
	}

	s.memMu.Lock()
	s.shadow.Clear()
	s.memMu.Unlock()
	s.log.Info().Int("pages", len(jobs)).Msg("changes synced to ecu")
	return nil
}

// Burn commits the given pages from ECU RAM to flash, or every page
// when none are named.
func (s *Session) Burn(pages ...int) error {
	def, conn, err := s.defAndConn()
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		for p := range def.PageSizes {
			pages = append(pages, p)
		}
	}
	for _, p := range pages {
		if err := conn.Burn(p); err != nil {
			return err
		}
	}
	s.log.Info().Ints("pages", pages).Msg("burned to flash")
	return nil
}

// Subscribe registers a snapshot consumer and returns its remover.
// Callbacks run on the streaming goroutine and must not block.
func (s *Session) Subscribe(fn func(telemetry.Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// StartStreaming begins polling the realtime block at hz samples per
// second, decoding each into a snapshot and fanning it out to
// subscribers. Only one stream runs at a time.
func (s *Session) StartStreaming(hz int) error {
	_, conn, err := s.defAndConn()
	if err != nil {
		return err
	}
	if hz <= 0 {
		hz = 10
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamCancel != nil {
		return ErrStreaming
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.streamCancel = cancel
	s.streamDone = done

	go func() {
		defer close(done)
		err := conn.Stream(ctx, time.Second/time.Duration(hz), func(block []byte) {
			s.memMu.Lock()
			eval := s.eval
			s.memMu.Unlock()
			if eval == nil {
				return
			}
			s.publish(eval.Decode(block))
		})
		if err != nil {
			s.log.Error().Err(err).Msg("streaming stopped")
		}
	}()
	s.log.Info().Int("hz", hz).Msg("streaming started")
	return nil
}

// StopStreaming cancels the polling goroutine and waits for it to
// finish. Safe to call when nothing is streaming.
func (s *Session) StopStreaming() {
	s.streamMu.Lock()
	cancel, done := s.streamCancel, s.streamDone
	s.streamCancel, s.streamDone = nil, nil
	s.streamMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("streaming stopped")
}

func (s *Session) publish(snap telemetry.Snapshot) {
	s.subMu.Lock()
	fns := make([]func(telemetry.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Session) connection() *proto.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) defAndConn() (*ini.Definition, *proto.Conn, error) {
	def := s.Definition()
	if def == nil {
		return nil, nil, ErrNoDefinition
	}
	conn := s.connection()
	if conn == nil {
		return nil, nil, proto.ErrNotConnected
	}
	return def, conn, nil
}
