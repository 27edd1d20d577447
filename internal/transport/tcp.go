package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// netConn adapts a net.Conn (a TCP bridge, or a test pipe) to the Conn
// interface by translating the per-read timeout into read deadlines.
type netConn struct {
	conn net.Conn
	r    *bufio.Reader

	mu      sync.Mutex
	timeout time.Duration
}

// DialTCP connects to a serial-over-TCP bridge such as a WiFi adapter.
func DialTCP(addr string, timeout time.Duration) (Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newNetConn(conn), nil
}

// Pipe returns two connected in-memory links, one per end.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return newNetConn(a), newNetConn(b)
}

func newNetConn(conn net.Conn) *netConn {
	return &netConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *netConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	c.mu.Lock()
	d := c.timeout
	c.mu.Unlock()
	if d > 0 {
		c.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	n, err := c.r.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// Same contract as a serial port read timeout.
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (c *netConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *netConn) Close() error                { return c.conn.Close() }

func (c *netConn) SetReadTimeout(d time.Duration) error {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
	return nil
}

func (c *netConn) Flush() error {
	if n := c.r.Buffered(); n > 0 {
		c.r.Discard(n)
	}
	buf := make([]byte, 256)
	for {
		c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := c.conn.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
	c.conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *netConn) Buffered() int { return c.r.Buffered() }
