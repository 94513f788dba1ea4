package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

var (
	// ErrRejected is returned by Call when the peer answered Error
	ErrRejected = errors.New("protocol: request rejected")

	// ErrClosed is returned by Call when the connection is gone
	ErrClosed = errors.New("protocol: connection closed")
)

// Client issues requests over a Conn and correlates responses by id.
//
// A background goroutine reads responses for the lifetime of the connection.
type Client struct {
	conn *Conn

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan PacketType
	err     error

	done chan struct{}
}

// NewClient starts a client on an established connection
func NewClient(nc net.Conn) *Client {
	c := &Client{
		conn:    NewConn(nc),
		pending: make(map[uint32]chan PacketType),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends msg and waits for its response.
//
// It returns nil on Success, ErrRejected on Error and an error wrapping
// ErrClosed if the connection drops before the response arrives.
func (c *Client) Call(ctx context.Context, msg Message) error {
	if msg.Type().IsResponse() {
		return fmt.Errorf("protocol: %s is not a request", msg.Type())
	}

	reply := make(chan PacketType, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = reply
	c.mu.Unlock()

	slog.Debug("protocol: sending request", "id", id, "type", msg.Type().String())

	if err := c.conn.Send(Packet{ID: id, Message: msg}); err != nil {
		c.forget(id)
		return fmt.Errorf("%w: send %s: %v", ErrClosed, msg.Type(), err)
	}

	select {
	case t := <-reply:
		if t == TypeError {
			return fmt.Errorf("%w: %s", ErrRejected, msg.Type())
		}
		return nil
	case <-c.done:
		// The read loop may have delivered the reply just before exiting
		select {
		case t := <-reply:
			if t == TypeError {
				return fmt.Errorf("%w: %s", ErrRejected, msg.Type())
			}
			return nil
		default:
		}
		return c.Err()
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Close closes the connection and fails pending calls
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr returns the Producer address
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		p, err := c.conn.Receive()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		t := p.Message.Type()
		if !t.IsResponse() {
			slog.Warn("protocol: peer sent a request to the client", "id", p.ID, "type", t.String())
			c.fail(fmt.Errorf("%w: unexpected %s from peer", ErrClosed, t))
			c.conn.Close()
			return
		}

		c.mu.Lock()
		reply, ok := c.pending[p.ID]
		delete(c.pending, p.ID)
		c.mu.Unlock()

		if !ok {
			slog.Warn("protocol: response for unknown request", "id", p.ID, "type", t.String())
			continue
		}
		reply <- t
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.pending = make(map[uint32]chan PacketType)
}
