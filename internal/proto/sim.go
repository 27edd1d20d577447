package proto

import (
	"bytes"
	"hash/crc32"
	"io"
	"math"
	"sync"
	"time"

	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/transport"
	"github.com/openefi/megalink/internal/tune"
)

// Sim is an in-memory ECU speaking whatever command set a definition
// declares, behind the same transport.Conn interface a serial port
// presents. It serves pages from its own buffers, honors writes and
// burns, answers CRC checks, and emits realtime blocks from a
// caller-supplied generator. Connection tests and the daemon's demo
// mode both run against it.
//
// Each Write is treated as one complete command, which matches how a
// Conn issues them; replies land in an output buffer the next Reads
// drain.
type Sim struct {
	mu      sync.Mutex
	def     *ini.Definition
	pages   [][]byte
	rt      []byte
	out     bytes.Buffer
	timeout time.Duration
	closed  bool
	burns   []int

	// Signature, when set, overrides the definition's own; tests use it
	// to provoke partial and mismatched handshakes.
	Signature string

	// Version is the text returned for the versionInfo query.
	Version string

	// Realtime fills one realtime sample before it is sent. Nil leaves
	// the block as SetChannel last wrote it.
	Realtime func(buf []byte)

	// MaxRead caps bytes returned per Read, so tests can dribble a
	// framed reply through the exact-read loop one byte at a time.
	MaxRead int

	// CorruptNextReply flips a bit in the next framed reply's CRC
	// trailer, then resets itself.
	CorruptNextReply bool
}

var _ transport.Conn = (*Sim)(nil)

// NewSim builds a simulated ECU for the definition, with zeroed pages
// and realtime block.
func NewSim(def *ini.Definition) *Sim {
	s := &Sim{
		def:   def,
		pages: make([][]byte, len(def.PageSizes)),
		rt:    make([]byte, def.OchBlockSize),
		burns: make([]int, len(def.PageSizes)),
	}
	for i, n := range def.PageSizes {
		s.pages[i] = make([]byte, n)
	}
	return s
}

// LoadPage seeds a page's contents.
func (s *Sim) LoadPage(page int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.pages[page], data)
}

// Page returns a copy of a page's current contents.
func (s *Sim) Page(page int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.pages[page]))
	copy(out, s.pages[page])
	return out
}

// Burns reports how many times a page has been committed.
func (s *Sim) Burns(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.burns[page]
}

// SetChannel encodes a display value into the realtime block at the
// named channel's offset, applying the inverse of its scaling.
func (s *Sim) SetChannel(name string, display float64) error {
	ch, ok := s.def.Channel(name)
	if !ok || ch.Computed() {
		return ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scale := ch.Scale
	if scale == 0 {
		scale = 1
	}
	raw := math.Round((display - ch.Translate) / scale)
	return tune.EncodeRaw(s.rt[ch.Offset:], ch.Type, s.def.BigEndian || ch.BigEndian, raw)
}

func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	cmd := p
	if s.def.Envelope {
		payload, err := Unwrap(p)
		if err != nil {
			// Garbled inbound frame; a real ECU stays silent and lets
			// the tuner time out and retry.
			return len(p), nil
		}
		cmd = payload
	}
	s.dispatch(cmd)
	return len(p), nil
}

func (s *Sim) Read(p []byte) (int, error) {
	deadline := time.Now().Add(s.readTimeout())
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if s.out.Len() > 0 {
			n := len(p)
			if s.MaxRead > 0 && n > s.MaxRead {
				n = s.MaxRead
			}
			m, _ := s.out.Read(p[:n])
			s.mu.Unlock()
			return m, nil
		}
		s.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) SetReadTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *Sim) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Reset()
	return nil
}

func (s *Sim) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Len()
}

func (s *Sim) readTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// dispatch matches one inbound command against the definition's
// templates and queues the reply. Payload-bearing templates go last so
// a write command cannot shadow a read with the same letter. Caller
// holds the lock.
func (s *Sim) dispatch(cmd []byte) {
	d := s.def
	if d.QueryCommand != "" {
		if _, _, _, _, ok := matchCommand(d.QueryCommand, d.BigEndian, cmd); ok {
			sig := s.Signature
			if sig == "" {
				sig = d.Signature
			}
			s.reply([]byte(sig))
			return
		}
	}
	if d.VersionCmd != "" {
		if _, _, _, _, ok := matchCommand(d.VersionCmd, d.BigEndian, cmd); ok {
			s.reply([]byte(s.Version))
			return
		}
	}
	if d.OchGetCommand != "" {
		if _, _, _, _, ok := matchCommand(d.OchGetCommand, d.BigEndian, cmd); ok {
			if s.Realtime != nil {
				s.Realtime(s.rt)
			}
			s.reply(s.rt)
			return
		}
	}
	if d.ReadCommand != "" {
		if page, off, n, _, ok := matchCommand(d.ReadCommand, d.BigEndian, cmd); ok {
			if s.rangeOK(int(page), int(off), int(n)) {
				s.reply(s.pages[page][off : int(off)+int(n)])
			}
			return
		}
	}
	if d.CRCCommand != "" {
		if page, _, _, _, ok := matchCommand(d.CRCCommand, d.BigEndian, cmd); ok {
			if int(page) < len(s.pages) {
				crc := crc32.ChecksumIEEE(s.pages[page])
				s.reply([]byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)})
			}
			return
		}
	}
	if d.BurnCommand != "" {
		if page, _, _, _, ok := matchCommand(d.BurnCommand, d.BigEndian, cmd); ok {
			if int(page) < len(s.burns) {
				s.burns[page]++
				s.status(0x00)
			} else {
				s.status(0x84)
			}
			return
		}
	}
	if d.WriteCommand != "" {
		if page, off, _, payload, ok := matchCommand(d.WriteCommand, d.BigEndian, cmd); ok {
			if !s.rangeOK(int(page), int(off), len(payload)) {
				s.status(0x84)
				return
			}
			copy(s.pages[page][off:], payload)
			s.status(0x00)
			return
		}
	}
	// Unknown command: stay silent, as hardware does.
}

func (s *Sim) rangeOK(page, off, n int) bool {
	return page >= 0 && page < len(s.pages) && off >= 0 && n >= 0 && off+n <= len(s.pages[page])
}

// reply queues bytes toward the tuner, framed when the definition
// speaks the envelope variant.
func (s *Sim) reply(payload []byte) {
	if !s.def.Envelope {
		s.out.Write(payload)
		return
	}
	frame := Wrap(payload)
	if s.CorruptNextReply {
		frame[len(frame)-1] ^= 0x01
		s.CorruptNextReply = false
	}
	s.out.Write(frame)
}

// status acks a write or burn. Legacy writes are fire-and-forget, so
// only the envelope variant sends the byte.
func (s *Sim) status(code byte) {
	if s.def.Envelope {
		s.reply([]byte{code})
	}
}

// DemoGenerator sweeps every scalar channel through a smooth cycle so
// the daemon has live-looking data without hardware on the bench.
func DemoGenerator(def *ini.Definition) func([]byte) {
	t := 0.0
	return func(buf []byte) {
		t += 0.05
		for i, name := range def.ChannelOrder {
			ch := def.Channels[name]
			if ch.Computed() || ch.Class != ini.ClassScalar {
				continue
			}
			if ch.Offset+ch.Type.Size() > len(buf) {
				continue
			}
			wave := (math.Sin(t+float64(i)) + 1) / 2
			raw := math.Round(wave * demoSpan(ch.Type))
			tune.EncodeRaw(buf[ch.Offset:], ch.Type, def.BigEndian || ch.BigEndian, raw)
		}
	}
}

func demoSpan(t ini.DataType) float64 {
	switch t.Size() {
	case 1:
		return 200
	case 2:
		return 8000
	default:
		return 100000
	}
}
