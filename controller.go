package streamctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/e7canasta/streamctl/internal/pipeline"
	"github.com/e7canasta/streamctl/internal/protocol"
	"github.com/e7canasta/streamctl/internal/reconnect"
)

// Controller drives a Producer and receives its stream
type Controller struct {
	cfg    ControllerConfig
	client *protocol.Client
	recv   pipeline.Receiver

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the Producer, retrying per cfg.Reconnect, and starts the
// receiving pipeline. Streaming starts with StartStreaming.
func Dial(ctx context.Context, cfg ControllerConfig) (*Controller, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("streamctl: controller runtime is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("streamctl: producer address is required")
	}

	var dialer net.Dialer
	nc, attempts, err := reconnect.Do(ctx, cfg.Addr, cfg.Reconnect, func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", cfg.Addr)
	})
	if err != nil {
		return nil, fmt.Errorf("streamctl: dial %s: %w", cfg.Addr, err)
	}

	recv, err := cfg.Runtime.NewReceiver(pipeline.ReceiverConfig{Port: cfg.MediaPort, Sink: cfg.Sink})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("streamctl: create receiver: %w", err)
	}
	if err := recv.Start(); err != nil {
		nc.Close()
		_ = recv.Stop()
		return nil, fmt.Errorf("streamctl: start receiver: %w", err)
	}

	slog.Info("controller: connected",
		"producer", nc.RemoteAddr().String(),
		"media_port", recv.Port(),
		"runtime", cfg.Runtime.Name(),
		"attempts", attempts,
	)

	return &Controller{cfg: cfg, client: protocol.NewClient(nc), recv: recv}, nil
}

// call sends one request bounded by the configured request timeout
func (c *Controller) call(ctx context.Context, msg protocol.Message) error {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	err := c.client.Call(ctx, msg)
	switch {
	case err == nil:
		slog.Debug("controller: request succeeded", "type", msg.Type().String())
	case errors.Is(err, protocol.ErrRejected):
		slog.Warn("controller: request rejected", "type", msg.Type().String())
	default:
		slog.Error("controller: request failed", "type", msg.Type().String(), "error", err)
	}
	return err
}

// StartStreaming asks the Producer to stream to this Controller's media port
func (c *Controller) StartStreaming(ctx context.Context) error {
	return c.call(ctx, protocol.StartStreaming{Port: c.recv.Port()})
}

// ChangeResolution asks the Producer to rebuild the stream at width x height
func (c *Controller) ChangeResolution(ctx context.Context, width, height uint32) error {
	return c.call(ctx, protocol.ChangeResolution{Width: width, Height: height})
}

// ChangeFramerate asks the Producer to rebuild the stream at framerate fps
func (c *Controller) ChangeFramerate(ctx context.Context, framerate uint32) error {
	return c.call(ctx, protocol.ChangeFramerate{Framerate: framerate})
}

// ChangeBitrate asks the Producer to set the encoder bitrate in kbit/s
func (c *Controller) ChangeBitrate(ctx context.Context, kbps uint32) error {
	return c.call(ctx, protocol.ChangeBitrate{Bitrate: kbps})
}

// MediaPort returns the UDP port media is received on
func (c *Controller) MediaPort() uint16 { return c.recv.Port() }

// Stats returns what has been received so far
func (c *Controller) Stats() ReceiverStats { return c.recv.Stats() }

// Done is closed when the control connection is gone
func (c *Controller) Done() <-chan struct{} { return c.client.Done() }

// Err returns why the control connection closed
func (c *Controller) Err() error { return c.client.Err() }

// Close closes the control connection, which stops the Producer's stream,
// and the receiving pipeline.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.client.Close(), c.recv.Stop())
		slog.Info("controller: closed")
	})
	return c.closeErr
}
