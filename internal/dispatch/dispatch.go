// Package dispatch routes decoded control requests to session operations
// and turns their outcome into exactly one response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/e7canasta/streamctl/internal/protocol"
	"github.com/e7canasta/streamctl/internal/reconfig"
	"github.com/e7canasta/streamctl/internal/session"
	"github.com/e7canasta/streamctl/internal/topology"
)

var (
	// ErrUnexpectedMessage is a protocol error: the peer sent something that
	// is not a request. The connection must be closed.
	ErrUnexpectedMessage = errors.New("dispatch: unexpected message")

	// ErrInvalidArgument rejects a request whose arguments cannot be applied
	ErrInvalidArgument = errors.New("dispatch: invalid argument")
)

// Peer identifies the connection a request arrived on
type Peer struct {
	// ID is unique per connection and owns the session it starts
	ID   string
	Addr net.Addr
}

// Host returns the peer IP address, where media is sent
func (p Peer) Host() string {
	switch a := p.Addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// Dispatcher maps requests to registry and coordinator operations
type Dispatcher struct {
	reg   *session.Registry
	coord *reconfig.Coordinator
}

// New creates a dispatcher
func New(reg *session.Registry, coord *reconfig.Coordinator) *Dispatcher {
	return &Dispatcher{reg: reg, coord: coord}
}

// Dispatch handles one request.
//
// resp is Success or Error and must be sent back with the request id. When
// err is non-nil alongside a response it explains the Error. A nil resp
// means a protocol error: the connection must be closed without answering.
func (d *Dispatcher) Dispatch(ctx context.Context, peer Peer, msg protocol.Message) (resp protocol.Message, err error) {
	switch m := msg.(type) {
	case protocol.StartStreaming:
		err = d.startStreaming(peer, m)
	case protocol.ChangeResolution:
		err = d.changeResolution(ctx, m)
	case protocol.ChangeFramerate:
		err = d.changeFramerate(ctx, m)
	case protocol.ChangeBitrate:
		err = d.changeBitrate(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}

	if err != nil {
		return protocol.Error{}, err
	}
	return protocol.Success{}, nil
}

func (d *Dispatcher) startStreaming(peer Peer, m protocol.StartStreaming) error {
	if m.Port == 0 {
		return fmt.Errorf("%w: port 0", ErrInvalidArgument)
	}
	host := peer.Host()
	if host == "" {
		return fmt.Errorf("%w: unknown peer address", ErrInvalidArgument)
	}

	_, err := d.reg.Start(peer.ID, topology.Sink{Host: host, Port: m.Port})
	return err
}

func (d *Dispatcher) changeResolution(ctx context.Context, m protocol.ChangeResolution) error {
	if m.Width == 0 || m.Height == 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidArgument, m.Width, m.Height)
	}
	return d.coord.ChangeResolution(ctx, m.Width, m.Height)
}

func (d *Dispatcher) changeFramerate(ctx context.Context, m protocol.ChangeFramerate) error {
	if m.Framerate == 0 {
		return fmt.Errorf("%w: framerate 0", ErrInvalidArgument)
	}
	return d.coord.ChangeFramerate(ctx, m.Framerate)
}

func (d *Dispatcher) changeBitrate(m protocol.ChangeBitrate) error {
	if m.Bitrate == 0 {
		return fmt.Errorf("%w: bitrate 0", ErrInvalidArgument)
	}
	return d.coord.SetBitrate(m.Bitrate)
}

// Serve answers requests on conn until it closes or sends a protocol error.
// Requests are handled one at a time, in arrival order. When Serve returns
// the session owned by peer, if any, has been stopped.
func (d *Dispatcher) Serve(ctx context.Context, conn *protocol.Conn, peer Peer) error {
	defer func() {
		if d.reg.StopOwnedBy(peer.ID) {
			slog.Info("dispatch: owner disconnected, session stopped", "peer", peer.ID)
		}
	}()

	for {
		p, err := conn.Receive()
		if err != nil {
			return err
		}

		t := p.Message.Type()
		slog.Debug("dispatch: request", "peer", peer.ID, "id", p.ID, "type", t.String())

		resp, err := d.Dispatch(ctx, peer, p.Message)
		if resp == nil {
			slog.Warn("dispatch: protocol error, closing connection", "peer", peer.ID, "id", p.ID, "error", err)
			return err
		}

		if err != nil {
			level := slog.LevelInfo
			if session.IsFatal(err) {
				level = slog.LevelError
			}
			slog.Log(ctx, level, "dispatch: request rejected", "peer", peer.ID, "id", p.ID, "type", t.String(), "error", err)
		} else {
			slog.Debug("dispatch: request succeeded", "peer", peer.ID, "id", p.ID, "type", t.String())
		}

		if err := conn.Send(protocol.Packet{ID: p.ID, Message: resp}); err != nil {
			return fmt.Errorf("dispatch: send response: %w", err)
		}
	}
}
