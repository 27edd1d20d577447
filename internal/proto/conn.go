// Package proto implements the ECU wire protocol: command construction
// from definition templates, the framed packet codec, the connection
// state machine with its handshake/read/write/burn/stream operations,
// and a wire-accurate simulated ECU.
package proto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/transport"
)

// State is the connection lifecycle position. Connected doubles as the
// idle state between commands; Error absorbs unrecoverable transport
// failures until Disconnect resets the machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MatchKind classifies how the ECU-reported signature compares to the
// definition's.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchPartial
	MatchMismatch
)

func (m MatchKind) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPartial:
		return "partial"
	case MatchMismatch:
		return "mismatch"
	}
	return fmt.Sprintf("match(%d)", int(m))
}

// Handshake is the outcome of a successful Connect.
type Handshake struct {
	Signature string
	Match     MatchKind
}

const (
	defaultCommandTimeout = 2 * time.Second
	defaultBurnTimeout    = 5 * time.Second
	defaultRetries        = 2

	pollTimeout  = 50 * time.Millisecond
	drainSilence = 50 * time.Millisecond
	drainTimeout = 500 * time.Millisecond
	quietWindow  = 150 * time.Millisecond

	// Legacy burns are fire-and-forget; give the EEPROM time to settle
	// before the next command lands.
	legacyBurnSettle = 300 * time.Millisecond

	maxStreamFailures = 5
)

// Options tune a connection. Zero values pick defaults; CommandTimeout
// additionally defers to the definition's blockReadTimeout when set.
type Options struct {
	CommandTimeout time.Duration
	BurnTimeout    time.Duration
	Retries        int
	Logger         zerolog.Logger
}

// Conn drives one ECU over a transport link. One mutex serializes every
// wire exchange, so commands hit the ECU strictly in submission order
// even while a streaming loop is polling.
type Conn struct {
	mu  sync.Mutex
	tr  transport.Conn
	def *ini.Definition
	log zerolog.Logger

	state atomic.Int32
	sig   atomic.Value // ECU-reported signature string

	cmdTimeout  time.Duration
	burnTimeout time.Duration
	retries     int
}

// New wraps an already-open transport. The link stays Disconnected until
// Connect performs the handshake.
func New(tr transport.Conn, def *ini.Definition, opts Options) *Conn {
	cmdTimeout := opts.CommandTimeout
	if cmdTimeout == 0 {
		cmdTimeout = def.BlockReadTimeout
	}
	if cmdTimeout == 0 {
		cmdTimeout = defaultCommandTimeout
	}
	burnTimeout := opts.BurnTimeout
	if burnTimeout == 0 {
		burnTimeout = defaultBurnTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	return &Conn{
		tr:          tr,
		def:         def,
		log:         opts.Logger,
		cmdTimeout:  cmdTimeout,
		burnTimeout: burnTimeout,
		retries:     retries,
	}
}

// State reports the current lifecycle position without blocking on any
// in-flight command.
func (c *Conn) State() State { return State(c.state.Load()) }

// Signature returns the string the ECU reported during the handshake.
func (c *Conn) Signature() string {
	if v := c.sig.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Definition returns the definition this connection speaks.
func (c *Conn) Definition() *ini.Definition { return c.def }

// Connect performs the signature handshake. A mismatched signature does
// not abort the attempt: the link comes up anyway with Match set to
// MatchMismatch so the caller can warn, offer better-matching
// definitions, or disconnect before risking writes laid out for the
// wrong firmware.
func (c *Conn) Connect() (*Handshake, error) {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil, fmt.Errorf("connect: %w", ErrAlreadyConnected)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.def.DelayAfterPortOpen > 0 {
		time.Sleep(c.def.DelayAfterPortOpen)
	}
	c.drain("connect")
	c.state.Store(int32(StateHandshaking))

	want := c.def.Signature
	cmd := BuildCommand(c.def.QueryCommand, c.def.BigEndian, 0, 0, 0, nil)
	raw, err := c.exchange(cmd, len(want), c.cmdTimeout)
	if err != nil {
		c.state.CompareAndSwap(int32(StateHandshaking), int32(StateDisconnected))
		return nil, fmt.Errorf("handshake: %w", err)
	}
	got := strings.TrimRight(string(raw), "\x00 \r\n")

	match := ClassifySignature(want, got)
	c.sig.Store(got)
	c.state.Store(int32(StateConnected))
	if match == MatchMismatch {
		c.log.Warn().Str("signature", got).Str("expected", want).Msg("signature mismatch")
	} else {
		c.log.Info().Str("signature", got).Stringer("match", match).Msg("handshake complete")
	}
	return &Handshake{Signature: got, Match: match}, nil
}

// Disconnect closes the transport and resets the machine, including out
// of the Error state.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDisconnected {
		return nil
	}
	c.state.Store(int32(StateDisconnected))
	c.sig.Store("")
	if err := c.tr.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// ReadPage reads one whole page from the ECU.
func (c *Conn) ReadPage(page int) ([]byte, error) {
	size, err := c.def.PageSize(page)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return c.ReadRange(page, 0, size)
}

// ReadRange reads n bytes of a page starting at off.
func (c *Conn) ReadRange(page, off, n int) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}
	if c.def.ReadCommand == "" {
		return nil, fmt.Errorf("read page %d: %w", page, ErrUnsupported)
	}
	if err := c.checkRange(page, off, n); err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := BuildCommand(c.def.ReadCommand, c.def.BigEndian, uint16(page), uint16(off), uint16(n), nil)
	reply, err := c.exchange(cmd, n, c.cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}
	if len(reply) != n {
		return nil, fmt.Errorf("read page %d: %w: got %d bytes, want %d", page, ErrInvalidResponse, len(reply), n)
	}
	return reply, nil
}

// WriteRange sends data into a page at off. Under the envelope variant
// the ECU acks with a status byte; legacy writes are fire-and-forget
// followed by the definition's inter-write delay.
func (c *Conn) WriteRange(page, off int, data []byte) error {
	if err := c.ready(); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	if c.def.WriteCommand == "" {
		return fmt.Errorf("write page %d: %w", page, ErrUnsupported)
	}
	if len(data) == 0 {
		return nil
	}
	if err := c.checkRange(page, off, len(data)); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := BuildCommand(c.def.WriteCommand, c.def.BigEndian, uint16(page), uint16(off), uint16(len(data)), data)
	if c.def.Envelope {
		reply, err := c.exchange(cmd, 1, c.cmdTimeout)
		if err != nil {
			return fmt.Errorf("write page %d: %w", page, err)
		}
		return checkStatus("write", page, reply)
	}
	if _, err := c.exchange(cmd, 0, c.cmdTimeout); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	if c.def.InterWriteDelay > 0 {
		time.Sleep(c.def.InterWriteDelay)
	}
	return nil
}

// Burn asks the ECU to commit a page from RAM to EEPROM. Burns get a
// longer timeout than ordinary commands.
func (c *Conn) Burn(page int) error {
	if err := c.ready(); err != nil {
		return fmt.Errorf("burn page %d: %w", page, err)
	}
	if c.def.BurnCommand == "" {
		return fmt.Errorf("burn page %d: %w", page, ErrUnsupported)
	}
	if _, err := c.def.PageSize(page); err != nil {
		return fmt.Errorf("burn page %d: %w", page, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := BuildCommand(c.def.BurnCommand, c.def.BigEndian, uint16(page), 0, 0, nil)
	if c.def.Envelope {
		reply, err := c.exchange(cmd, 1, c.burnTimeout)
		if err != nil {
			return fmt.Errorf("burn page %d: %w", page, err)
		}
		return checkStatus("burn", page, reply)
	}
	if _, err := c.exchange(cmd, 0, c.burnTimeout); err != nil {
		return fmt.Errorf("burn page %d: %w", page, err)
	}
	time.Sleep(legacyBurnSettle)
	return nil
}

// PageCRC asks the ECU for the CRC32 of one of its pages, for comparison
// against the local image.
func (c *Conn) PageCRC(page int) (uint32, error) {
	if err := c.ready(); err != nil {
		return 0, fmt.Errorf("page %d crc: %w", page, err)
	}
	if c.def.CRCCommand == "" {
		return 0, fmt.Errorf("page %d crc: %w", page, ErrUnsupported)
	}
	size, err := c.def.PageSize(page)
	if err != nil {
		return 0, fmt.Errorf("page %d crc: %w", page, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := BuildCommand(c.def.CRCCommand, c.def.BigEndian, uint16(page), 0, uint16(size), nil)
	reply, err := c.exchange(cmd, 4, c.cmdTimeout)
	if err != nil {
		return 0, fmt.Errorf("page %d crc: %w", page, err)
	}
	if len(reply) != 4 {
		return 0, fmt.Errorf("page %d crc: %w: got %d bytes, want 4", page, ErrInvalidResponse, len(reply))
	}
	return binary.BigEndian.Uint32(reply), nil
}

// RealtimeBlock fetches one realtime sample of ochBlockSize bytes.
func (c *Conn) RealtimeBlock() ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}
	if c.def.OchGetCommand == "" || c.def.OchBlockSize == 0 {
		return nil, fmt.Errorf("realtime: %w", ErrUnsupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := BuildCommand(c.def.OchGetCommand, c.def.BigEndian, 0, 0, uint16(c.def.OchBlockSize), nil)
	reply, err := c.exchange(cmd, c.def.OchBlockSize, c.cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}
	if len(reply) != c.def.OchBlockSize {
		return nil, fmt.Errorf("realtime: %w: got %d bytes, want %d", ErrInvalidResponse, len(reply), c.def.OchBlockSize)
	}
	return reply, nil
}

// VersionInfo fetches the firmware's version text.
func (c *Conn) VersionInfo() (string, error) {
	if err := c.ready(); err != nil {
		return "", fmt.Errorf("version info: %w", err)
	}
	if c.def.VersionCmd == "" {
		return "", fmt.Errorf("version info: %w", ErrUnsupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := BuildCommand(c.def.VersionCmd, c.def.BigEndian, 0, 0, 0, nil)
	if c.def.Envelope {
		reply, err := c.exchange(cmd, 0, c.cmdTimeout)
		if err != nil {
			return "", fmt.Errorf("version info: %w", err)
		}
		return strings.TrimRight(string(reply), "\x00 "), nil
	}
	if _, err := c.tr.Write(cmd); err != nil {
		werr := fmt.Errorf("version info: write: %w", err)
		c.fail(werr)
		return "", werr
	}
	reply, err := c.readAvailable(128, quietWindow, c.cmdTimeout)
	if err != nil {
		c.fail(err)
		return "", fmt.Errorf("version info: %w", err)
	}
	if len(reply) == 0 {
		return "", fmt.Errorf("version info: %w", ErrTimeout)
	}
	return strings.TrimRight(string(reply), "\x00 "), nil
}

// Stream polls the realtime block at the given interval, handing each
// sample to fn, until ctx is canceled. Foreground commands interleave
// safely between polls; transient poll failures are tolerated up to a
// small consecutive run.
func (c *Conn) Stream(ctx context.Context, interval time.Duration, fn func([]byte)) error {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateStreaming)) {
		return fmt.Errorf("stream: %w", ErrNotConnected)
	}
	defer c.state.CompareAndSwap(int32(StateStreaming), int32(StateConnected))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			block, err := c.RealtimeBlock()
			if err != nil {
				if c.State() == StateError {
					return fmt.Errorf("stream: %w", err)
				}
				failures++
				c.log.Warn().Err(err).Int("consecutive", failures).Msg("realtime poll failed")
				if failures >= maxStreamFailures {
					return fmt.Errorf("stream: %d consecutive poll failures: %w", failures, err)
				}
				continue
			}
			failures = 0
			fn(block)
		}
	}
}

// ClassifySignature compares a definition signature with the string an
// ECU reported. Containment either way, or a shared leading word (same
// firmware, different release), counts as a partial match.
func ClassifySignature(want, got string) MatchKind {
	w := strings.TrimSpace(want)
	g := strings.TrimSpace(got)
	if w == g {
		return MatchExact
	}
	if w == "" || g == "" {
		return MatchMismatch
	}
	lw, lg := strings.ToLower(w), strings.ToLower(g)
	if strings.Contains(lw, lg) || strings.Contains(lg, lw) {
		return MatchPartial
	}
	if strings.Fields(lw)[0] == strings.Fields(lg)[0] {
		return MatchPartial
	}
	return MatchMismatch
}

func (c *Conn) ready() error {
	switch c.State() {
	case StateConnected, StateStreaming:
		return nil
	}
	return ErrNotConnected
}

func (c *Conn) checkRange(page, off, n int) error {
	size, err := c.def.PageSize(page)
	if err != nil {
		return err
	}
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("range [%d,%d) outside %d-byte page", off, off+n, size)
	}
	return nil
}

func checkStatus(op string, page int, reply []byte) error {
	if len(reply) != 1 {
		return fmt.Errorf("%s page %d: %w: %d-byte status reply", op, page, ErrInvalidResponse, len(reply))
	}
	if reply[0] != 0x00 {
		return fmt.Errorf("%s page %d: %w", op, page, &ECUError{Code: reply[0]})
	}
	return nil
}

// exchange sends one command and collects its reply, retrying timeouts
// and malformed replies up to the configured attempt count. replyLen is
// the expected legacy reply size; 0 means fire-and-forget. CRC mismatches
// surface immediately, and hard transport failures park the connection
// in the Error state.
func (c *Conn) exchange(cmd []byte, replyLen int, timeout time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("retrying command")
			c.drain("retry")
		}
		reply, err := c.exchangeOnce(cmd, replyLen, timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrInvalidResponse) {
			continue
		}
		if errors.Is(err, ErrCRCMismatch) {
			return nil, err
		}
		c.fail(err)
		return nil, err
	}
	return nil, lastErr
}

func (c *Conn) exchangeOnce(cmd []byte, replyLen int, timeout time.Duration) ([]byte, error) {
	if c.def.Envelope {
		if _, err := c.tr.Write(Wrap(cmd)); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
		return c.readFramed(timeout)
	}
	if _, err := c.tr.Write(cmd); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if replyLen == 0 {
		return nil, nil
	}
	reply := make([]byte, replyLen)
	if err := c.readExact(reply, timeout); err != nil {
		return nil, err
	}
	return reply, nil
}

// readFramed reads one envelope off the wire: size header first, then
// payload and trailing CRC in a second exact read.
func (c *Conn) readFramed(timeout time.Duration) ([]byte, error) {
	header := make([]byte, 2)
	if err := c.readExact(header, timeout); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(header))
	if size == 0 || size > MaxPayload {
		return nil, fmt.Errorf("%w: declared payload %d", ErrInvalidResponse, size)
	}
	rest := make([]byte, size+4)
	if err := c.readExact(rest, timeout); err != nil {
		return nil, err
	}
	payload := rest[:size]
	got := binary.BigEndian.Uint32(rest[size:])
	want := crc32.ChecksumIEEE(payload)
	if got != want {
		return nil, &CRCError{Want: want, Got: got}
	}
	return payload, nil
}

// readExact fills buf completely or fails with ErrTimeout. Transport
// reads return (0, nil) on their own short timeouts, so this loops
// against the overall deadline.
func (c *Conn) readExact(buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	c.tr.SetReadTimeout(pollTimeout)
	got := 0
	for got < len(buf) {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: read %d of %d bytes", ErrTimeout, got, len(buf))
		}
		n, err := c.tr.Read(buf[got:])
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		got += n
	}
	return nil
}

// readAvailable collects bytes until a quiet gap, for legacy replies
// with no declared length.
func (c *Conn) readAvailable(max int, quiet, total time.Duration) ([]byte, error) {
	c.tr.SetReadTimeout(quiet)
	out := make([]byte, 0, max)
	buf := make([]byte, max)
	deadline := time.Now().Add(total)
	for len(out) < max && time.Now().Before(deadline) {
		n, err := c.tr.Read(buf[:max-len(out)])
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}

// drain discards whatever the ECU pushed unsolicited: stale replies,
// streaming-mode output, partial frames from a prior session.
func (c *Conn) drain(label string) {
	c.tr.Flush()
	c.tr.SetReadTimeout(drainSilence)
	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := c.tr.Read(buf)
		if n == 0 || err != nil {
			break
		}
		total += n
	}
	if total > 0 {
		c.log.Debug().Int("bytes", total).Str("phase", label).Msg("drained stale input")
	}
}

// fail parks the connection in the absorbing Error state after an
// unrecoverable transport failure.
func (c *Conn) fail(err error) {
	if c.State() == StateError {
		return
	}
	c.state.Store(int32(StateError))
	c.log.Error().Err(err).Msg("connection failed")
	c.tr.Close()
}
