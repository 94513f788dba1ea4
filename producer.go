package streamctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/streamctl/internal/dispatch"
	"github.com/e7canasta/streamctl/internal/protocol"
	"github.com/e7canasta/streamctl/internal/reconfig"
	"github.com/e7canasta/streamctl/internal/session"
	"github.com/e7canasta/streamctl/internal/topology"
)

// ErrProducerClosed is returned by Serve after Close
var ErrProducerClosed = errors.New("streamctl: producer closed")

// Producer serves the control protocol and streams to the session owner
type Producer struct {
	cfg  ProducerConfig
	reg  *session.Registry
	disp *dispatch.Dispatcher

	// ctx scopes every request; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[string]*protocol.Conn
	closed bool
	wg     sync.WaitGroup
}

// NewProducer validates cfg and creates a Producer. Nothing is captured
// until a Controller sends StartStreaming.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("streamctl: producer runtime is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Initial == (StreamConfig{}) {
		cfg.Initial = topology.DefaultConfig()
	}
	if err := cfg.Initial.Validate(); err != nil {
		return nil, fmt.Errorf("streamctl: initial stream config: %w", err)
	}
	if cfg.ReconfigureTimeout < 0 {
		return nil, fmt.Errorf("streamctl: negative reconfigure timeout %v", cfg.ReconfigureTimeout)
	}

	encoder := topology.DefaultEncoder()
	if cfg.Encoder != nil {
		encoder = *cfg.Encoder
	}

	reg := session.NewRegistry(session.Options{
		Runtime: cfg.Runtime,
		Topology: topology.Options{
			Source:       cfg.Source,
			Encoder:      encoder,
			Loopback:     cfg.Loopback,
			LoopbackSink: cfg.LoopbackSink,
		},
		Initial: cfg.Initial,
		Events:  cfg.Events,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		cfg:    cfg,
		reg:    reg,
		disp:   dispatch.New(reg, reconfig.New(reg, cfg.ReconfigureTimeout)),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*protocol.Conn),
	}, nil
}

// Listen binds the control address. Serve calls it when needed.
func (p *Producer) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	if p.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("streamctl: listen %s: %w", p.cfg.Addr, err)
	}
	p.ln = ln
	slog.Info("producer: listening",
		"addr", ln.Addr().String(),
		"runtime", p.cfg.Runtime.Name(),
		"reconfigure_timeout", p.cfg.ReconfigureTimeout,
	)
	return nil
}

// Addr returns the bound control address, or nil before Listen
func (p *Producer) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// ListenAndServe binds the control address and serves until ctx is done or
// Close is called.
func (p *Producer) ListenAndServe(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// Serve accepts control connections. Each connection is served on its own
// goroutine; requests on one connection are handled in order.
func (p *Producer) Serve(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.mu.Lock()
	ln := p.ln
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrProducerClosed
			}
			return fmt.Errorf("streamctl: accept: %w", err)
		}

		if !p.track(nc) {
			nc.Close()
			continue
		}
	}
}

// track registers nc and starts serving it. It returns false once the
// Producer is closed.
func (p *Producer) track(nc net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	peer := dispatch.Peer{ID: uuid.New().String(), Addr: nc.RemoteAddr()}
	conn := protocol.NewConn(nc)
	p.conns[peer.ID] = conn

	p.wg.Add(1)
	go p.handle(conn, peer)
	return true
}

func (p *Producer) handle(conn *protocol.Conn, peer dispatch.Peer) {
	defer p.wg.Done()
	defer func() {
		conn.Close()
		p.mu.Lock()
		delete(p.conns, peer.ID)
		p.mu.Unlock()
	}()

	slog.Info("producer: controller connected", "peer", peer.ID, "addr", peer.Addr.String())

	err := p.disp.Serve(p.ctx, conn, peer)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		slog.Info("producer: controller disconnected", "peer", peer.ID)
	case protocol.IsProtocolError(err), errors.Is(err, dispatch.ErrUnexpectedMessage):
		slog.Warn("producer: closing connection after protocol error", "peer", peer.ID, "error", err)
	default:
		slog.Warn("producer: connection error", "peer", peer.ID, "error", err)
	}
}

// Status returns the current session state
func (p *Producer) Status() Status {
	return p.reg.Snapshot()
}

// Close stops accepting, closes every connection, abandons requests still
// waiting on the pipeline, waits for the handlers and stops streaming. Safe
// to call more than once.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ln := p.ln
	conns := make([]*protocol.Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
	p.cancel()
	p.wg.Wait()

	if err := p.reg.Stop(); err != nil && !errors.Is(err, session.ErrNotStreaming) {
		errs = append(errs, err)
	}

	slog.Info("producer: closed")
	return errors.Join(errs...)
}
