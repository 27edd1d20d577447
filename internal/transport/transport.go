// Package transport provides the byte links a protocol connection runs
// over: a serial port configured the way ECUs expect, a TCP bridge for
// WiFi adapters, and an in-memory pipe for tests. All links expose the
// same per-read timeout, input-flush and buffered-count operations.
package transport

import (
	"errors"
	"io"
	"time"
)

var ErrPortNotFound = errors.New("port not found")

// Conn is a byte link to an ECU. A Read that times out returns (0, nil),
// the same contract serial ports give; callers poll against their own
// deadlines.
type Conn interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds each subsequent Read. Zero or negative
	// means reads return immediately with whatever is available.
	SetReadTimeout(d time.Duration) error

	// Flush discards unread input on the link.
	Flush() error

	// Buffered reports bytes already readable without blocking.
	Buffered() int
}
