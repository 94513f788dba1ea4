package protocol

import (
	"net"
	"sync"
)

// Conn is a framed control connection.
//
// Receive must be called from a single goroutine. Send is safe for
// concurrent use.
type Conn struct {
	nc  net.Conn
	r   *Reader
	wmu sync.Mutex
}

// NewConn wraps an established network connection
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: NewReader(nc)}
}

// Receive reads the next packet
func (c *Conn) Receive() (Packet, error) {
	return c.r.Read()
}

// Send writes one packet
func (c *Conn) Send(p Packet) error {
	buf, err := Marshal(p)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.nc.Write(buf)
	return err
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.nc.Close()
}
