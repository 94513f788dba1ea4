// Package reconfig swaps the dynamic chain of a live session.
//
// A swap follows a fixed handshake:
//
//  1. arm a single-shot result channel
//  2. install a blocking point right after the pipeline head
//  3. on the runtime's streaming goroutine, once blocked: tear down the old
//     chain, build the new one and link it
//  4. the blocking point is removed when that callback returns
//  5. the caller wakes up and only then reports success
//
// The caller waits with a timeout. The callback and the timeout race on a
// single claim: whoever claims first decides the outcome, so a late callback
// never touches a chain the caller has given up on.
package reconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/streamctl/internal/events"
	"github.com/e7canasta/streamctl/internal/session"
	"github.com/e7canasta/streamctl/internal/topology"
)

// DefaultTimeout bounds the wait for the blocking point
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout is returned when the blocking point is not reached in time
	ErrTimeout = errors.New("reconfig: blocking point not reached before timeout")

	// ErrSessionGone is returned when the session ended during the swap
	ErrSessionGone = errors.New("reconfig: session ended during reconfiguration")
)

// Coordinator applies configuration changes to the current session
type Coordinator struct {
	reg     *session.Registry
	timeout time.Duration
}

// New creates a coordinator. A zero timeout waits forever.
func New(reg *session.Registry, timeout time.Duration) *Coordinator {
	return &Coordinator{reg: reg, timeout: timeout}
}

// ChangeResolution rebuilds the chain for a new output resolution
func (c *Coordinator) ChangeResolution(ctx context.Context, width, height uint32) error {
	return c.Apply(ctx, func(cfg *topology.Config) {
		cfg.Width, cfg.Height = width, height
	})
}

// ChangeFramerate rebuilds the chain for a new maximum framerate
func (c *Coordinator) ChangeFramerate(ctx context.Context, framerate uint32) error {
	return c.Apply(ctx, func(cfg *topology.Config) {
		cfg.Framerate = framerate
	})
}

// Apply merges change into the session's target configuration and swaps
// the dynamic chain for one built from the result.
//
// It returns session.ErrNotStreaming or session.ErrReconfigureInFlight
// without touching the pipeline. A *session.FatalError means the session
// has been discarded.
func (c *Coordinator) Apply(ctx context.Context, change func(*topology.Config)) error {
	s, err := c.reg.BeginReconfigure()
	if err != nil {
		return err
	}

	err = c.swap(ctx, s, change)
	c.reg.EndReconfigure(s, err)
	return err
}

func (c *Coordinator) swap(ctx context.Context, s *session.Session, change func(*topology.Config)) error {
	cfg := s.Topology.Target()
	change(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	start := time.Now()
	var claimed atomic.Bool
	result := make(chan error, 1)

	onBlocked := func() {
		if !claimed.CompareAndSwap(false, true) {
			slog.Warn("reconfig: blocking point reached after the caller gave up, keeping old chain",
				"session_id", s.ID,
			)
			return
		}
		result <- s.Topology.Rebuild(cfg)
	}

	slog.Debug("reconfig: requesting blocking point", "session_id", s.ID, "target", cfg.String())
	if err := s.Topology.BlockHead(onBlocked); err != nil {
		return &session.FatalError{Op: "block", Err: err}
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var abandon error
	select {
	case err := <-result:
		return c.settle(s, cfg, start, err)
	case <-timeout:
		abandon = &session.FatalError{Op: "reconfigure", Err: fmt.Errorf("%w (%s)", ErrTimeout, c.timeout)}
	case <-s.Done():
		abandon = &session.FatalError{Op: "reconfigure", Err: ErrSessionGone}
	case <-ctx.Done():
		abandon = ctx.Err()
	}

	if !claimed.CompareAndSwap(false, true) {
		// The callback already owns the swap; its outcome stands
		return c.settle(s, cfg, start, <-result)
	}

	slog.Warn("reconfig: abandoned", "session_id", s.ID, "target", cfg.String(), "reason", abandon)
	return abandon
}

func (c *Coordinator) settle(s *session.Session, cfg topology.Config, start time.Time, err error) error {
	if err != nil {
		return &session.FatalError{Op: "rebuild", Err: err}
	}
	slog.Debug("reconfig: chain swapped",
		"session_id", s.ID,
		"target", cfg.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// SetBitrate changes the live encoder bitrate. It never rebuilds the chain,
// and the new bitrate is kept for later rebuilds.
func (c *Coordinator) SetBitrate(kbps uint32) error {
	var current *session.Session
	err := c.reg.WithActive(func(s *session.Session) error {
		current = s
		return s.Topology.SetBitrate(kbps)
	})
	if err != nil {
		return err
	}

	slog.Info("reconfig: bitrate changed", "session_id", current.ID, "bitrate_kbps", kbps)
	c.reg.Publish(events.KindBitrateChanged, current, nil)
	return nil
}
