package transport

import (
	"bufio"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// serialConn wraps a serial port behind a bufio reader so Buffered
// reports bytes the reader is already holding.
type serialConn struct {
	port serial.Port
	r    *bufio.Reader
}

// OpenSerial opens a serial link at baud in the 8N1 framing every
// supported ECU uses. DTR and RTS are asserted after open so boards that
// tie them to reset lines stay running.
func OpenSerial(device string, baud int) (Conn, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		var pe *serial.PortError
		if errors.As(err, &pe) && pe.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("%w: %s", ErrPortNotFound, device)
		}
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("set DTR on %s: %w", device, err)
	}
	if err := port.SetRTS(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("set RTS on %s: %w", device, err)
	}
	return &serialConn{port: port, r: bufio.NewReader(port)}, nil
}

func (c *serialConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }
func (c *serialConn) Close() error                { return c.port.Close() }

func (c *serialConn) SetReadTimeout(d time.Duration) error {
	return c.port.SetReadTimeout(d)
}

func (c *serialConn) Flush() error {
	if n := c.r.Buffered(); n > 0 {
		c.r.Discard(n)
	}
	return c.port.ResetInputBuffer()
}

func (c *serialConn) Buffered() int { return c.r.Buffered() }

// ListPorts enumerates serial devices present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	return ports, nil
}
