package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol failures divide into two groups: transient ones the command
// loop retries on its own (timeouts, short reads) and ones surfaced to
// the caller immediately (CRC mismatch, signature mismatch, ECU-reported
// errors, unsupported operations).
var (
	ErrTimeout          = errors.New("timeout")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrInvalidResponse  = errors.New("invalid response")
	ErrShortPacket      = errors.New("packet too short")
	ErrOversizedPacket  = errors.New("packet exceeds maximum size")
	ErrCRCMismatch      = errors.New("crc mismatch")
	ErrUnsupported      = errors.New("operation not supported by definition")
)

// CRCError reports a framed reply whose checksum did not match its
// payload. Got is the value from the wire, Want the locally computed one.
type CRCError struct {
	Want uint32
	Got  uint32
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("crc mismatch: got 0x%08X, want 0x%08X", e.Got, e.Want)
}

func (e *CRCError) Unwrap() error { return ErrCRCMismatch }

// SignatureMismatchError is a handshake whose ECU does not speak the
// loaded definition. Candidates, when filled in, names definitions whose
// signatures match the ECU better.
type SignatureMismatchError struct {
	Want       string
	Got        string
	Candidates []string
}

func (e *SignatureMismatchError) Error() string {
	msg := fmt.Sprintf("signature mismatch: ecu reports %q, definition expects %q", e.Got, e.Want)
	if len(e.Candidates) > 0 {
		msg += "; better matches: " + strings.Join(e.Candidates, ", ")
	}
	return msg
}

// ECUError is a nonzero status byte in a write or burn acknowledgement.
type ECUError struct {
	Code byte
}

func (e *ECUError) Error() string {
	return fmt.Sprintf("ecu reported error code 0x%02X", e.Code)
}
