// Package session owns the single streaming session of a Producer.
//
// The Registry is the only place that knows whether a session exists and
// whether it is being reconfigured:
//
//	Idle ──Start──▶ Active ──BeginReconfigure──▶ Reconfiguring
//	  ▲               │  ▲                            │
//	  └──Stop/Abort───┘  └──────EndReconfigure────────┘
//
// A fatal error in any state discards the session and returns to Idle once
// its pipeline has been released.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/streamctl/internal/events"
	"github.com/e7canasta/streamctl/internal/pipeline"
	"github.com/e7canasta/streamctl/internal/topology"
)

var (
	// ErrAlreadyStreaming is returned by Start while a session exists
	ErrAlreadyStreaming = errors.New("session: already streaming")

	// ErrNotStreaming is returned when an operation needs a session and there is none
	ErrNotStreaming = errors.New("session: not streaming")

	// ErrReconfigureInFlight is returned when a reconfiguration is already running
	ErrReconfigureInFlight = errors.New("session: reconfiguration in flight")
)

// State of the registry
type State int

const (
	StateIdle State = iota
	StateActive
	StateReconfiguring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateReconfiguring:
		return "reconfiguring"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FatalError marks a failure that destroyed the session
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session: fatal %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err destroyed the session
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Session is one streaming session
type Session struct {
	ID        string
	Owner     string
	Target    topology.Sink
	StartedAt time.Time
	Topology  *topology.Topology

	pipe pipeline.Pipeline
	done chan struct{}
	once sync.Once
}

// Done is closed once the session has been stopped or aborted
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) end() {
	s.once.Do(func() { close(s.done) })
}

// Options configures a Registry
type Options struct {
	Runtime  pipeline.Runtime
	Topology topology.Options
	// Initial is the configuration every new session starts from
	Initial topology.Config
	// Events receives lifecycle events. Nil discards them.
	Events events.Sink
}

// Registry holds at most one Session and its state.
//
// A session keeps its slot until its pipeline has been released: while it is
// torn down the registry still reports it, every operation but Start treats
// it as gone, and Start waits for the teardown to finish.
type Registry struct {
	rt      pipeline.Runtime
	opts    topology.Options
	initial topology.Config
	events  events.Sink

	mu       sync.Mutex
	state    State
	current  *Session
	settled  chan struct{} // non-nil while Reconfiguring
	stopping chan struct{} // non-nil while current is torn down
}

// NewRegistry creates an idle registry
func NewRegistry(opts Options) *Registry {
	sink := opts.Events
	if sink == nil {
		sink = events.Nop{}
	}
	initial := opts.Initial
	if initial == (topology.Config{}) {
		initial = topology.DefaultConfig()
	}
	return &Registry{
		rt:      opts.Runtime,
		opts:    opts.Topology,
		initial: initial,
		events:  sink,
	}
}

// live reports whether the current session accepts operations. Called with
// r.mu held.
func (r *Registry) live() bool {
	return r.current != nil && r.stopping == nil
}

// Start creates, links and plays a new pipeline streaming to target. If the
// previous session is still being torn down it waits for that first.
//
// A construction failure leaves the registry Idle with nothing built.
func (r *Registry) Start(owner string, target topology.Sink) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.stopping != nil {
		stopping := r.stopping
		r.mu.Unlock()
		<-stopping
		r.mu.Lock()
	}
	if r.current != nil {
		return nil, ErrAlreadyStreaming
	}

	id := uuid.NewString()
	pipe, err := r.rt.NewPipeline("streamctl-" + id[:8])
	if err != nil {
		return nil, &FatalError{Op: "start", Err: err}
	}

	topo, err := topology.New(pipe, r.opts, target, r.initial)
	if err != nil {
		_ = pipe.Stop()
		return nil, &FatalError{Op: "start", Err: err}
	}

	if err := pipe.Play(); err != nil {
		_ = pipe.Stop()
		topo.Release()
		return nil, &FatalError{Op: "start", Err: fmt.Errorf("play: %w", err)}
	}

	s := &Session{
		ID:        id,
		Owner:     owner,
		Target:    target,
		StartedAt: time.Now(),
		Topology:  topo,
		pipe:      pipe,
		done:      make(chan struct{}),
	}
	r.current = s
	r.state = StateActive

	go r.watch(s)

	slog.Info("session: started",
		"session_id", s.ID,
		"owner", owner,
		"target", target.String(),
		"runtime", r.rt.Name(),
		"config", r.initial.String(),
	)
	r.publish(events.KindStarted, s, nil)
	return s, nil
}

// Stop ends the current session. While a reconfiguration is in flight it
// waits for it to settle first.
func (r *Registry) Stop() error {
	s, err := r.detachSettled(func(*Session) bool { return true })
	if err != nil {
		return err
	}
	r.discard(s, true, func() {
		slog.Info("session: stopped", "session_id", s.ID, "owner", s.Owner)
		r.publish(events.KindStopped, s, nil)
	})
	return nil
}

// StopOwnedBy ends the current session if owner started it. It reports
// whether a session was stopped.
func (r *Registry) StopOwnedBy(owner string) bool {
	s, err := r.detachSettled(func(s *Session) bool { return s.Owner == owner })
	if err != nil {
		return false
	}
	r.discard(s, true, func() {
		slog.Info("session: stopped, owner disconnected", "session_id", s.ID, "owner", owner)
		r.publish(events.KindStopped, s, nil)
	})
	return true
}

// detachSettled waits until no reconfiguration is in flight, then marks the
// current session as stopping if match accepts it. The caller must discard it.
func (r *Registry) detachSettled(match func(*Session) bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waitSettledLocked()

	s := r.current
	if !r.live() || !match(s) {
		return nil, ErrNotStreaming
	}
	r.stopping = make(chan struct{})
	return s, nil
}

// waitSettledLocked releases r.mu until no reconfiguration is in flight
func (r *Registry) waitSettledLocked() {
	for r.settled != nil {
		settled := r.settled
		r.mu.Unlock()
		<-settled
		r.mu.Lock()
	}
}

// BeginReconfigure moves Active → Reconfiguring and returns the session
// being reconfigured.
func (r *Registry) BeginReconfigure() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !r.live():
		return nil, ErrNotStreaming
	case r.settled != nil:
		return nil, ErrReconfigureInFlight
	}

	r.state = StateReconfiguring
	r.settled = make(chan struct{})
	return r.current, nil
}

// EndReconfigure settles a reconfiguration started by BeginReconfigure.
//
// A fatal err discards the session. Any other outcome returns to Active.
// It is a no-op when s was aborted in the meantime.
func (r *Registry) EndReconfigure(s *Session, err error) {
	r.mu.Lock()
	if r.current != s || r.settled == nil {
		r.mu.Unlock()
		return
	}

	close(r.settled)
	r.settled = nil

	if IsFatal(err) {
		r.stopping = make(chan struct{})
		r.mu.Unlock()

		r.discard(s, false, func() {
			slog.Error("session: reconfiguration failed, session discarded", "session_id", s.ID, "error", err)
			r.publish(events.KindFailed, s, err)
		})
		return
	}

	r.state = StateActive
	r.mu.Unlock()

	if err == nil {
		slog.Info("session: reconfigured", "session_id", s.ID, "config", s.Topology.Target().String())
		r.publish(events.KindReconfigured, s, nil)
	}
}

// WithActive runs fn on the current session while holding the registry,
// so no reconfiguration can start meanwhile. fn must not block.
func (r *Registry) WithActive(fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !r.live():
		return ErrNotStreaming
	case r.settled != nil:
		return ErrReconfigureInFlight
	}
	return fn(r.current)
}

// Abort discards s after a fatal error. It is a no-op if s is no longer
// the current session.
//
// s.Done is closed first, so an in-flight reconfiguration gives up; Abort
// then waits for it to settle before tearing the pipeline down.
func (r *Registry) Abort(s *Session, cause error) {
	r.mu.Lock()
	if r.current != s || r.stopping != nil {
		r.mu.Unlock()
		return
	}
	s.end()
	r.waitSettledLocked()

	// a failed reconfiguration may have discarded s meanwhile
	if r.current != s || r.stopping != nil {
		r.mu.Unlock()
		return
	}
	r.stopping = make(chan struct{})
	r.mu.Unlock()

	r.discard(s, false, func() {
		slog.Error("session: aborted", "session_id", s.ID, "owner", s.Owner, "error", cause)
		r.publish(events.KindFailed, s, cause)
	})
}

// Status is a point-in-time view of the registry
type Status struct {
	State     State
	SessionID string
	Owner     string
	Target    topology.Sink
	Config    topology.Config
	StartedAt time.Time
}

// Snapshot returns the registry status
func (r *Registry) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{State: r.state}
	if s := r.current; s != nil {
		st.SessionID = s.ID
		st.Owner = s.Owner
		st.Target = s.Target
		st.Config = s.Topology.Target()
		st.StartedAt = s.StartedAt
	}
	return st
}

// State returns the current registry state
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Publish emits an event about s
func (r *Registry) Publish(kind events.Kind, s *Session, err error) {
	r.publish(kind, s, err)
}

// watch turns asynchronous pipeline errors into an abort
func (r *Registry) watch(s *Session) {
	for err := range s.pipe.Errors() {
		r.Abort(s, &FatalError{Op: "pipeline", Err: err})
		return
	}
}

// discard stops the pipeline of a session marked as stopping, runs report,
// then frees the slot.
func (r *Registry) discard(s *Session, graceful bool, report func()) {
	s.end()
	if graceful {
		if err := s.pipe.SendEOS(); err != nil {
			slog.Warn("session: send eos failed", "session_id", s.ID, "error", err)
		}
	}
	if err := s.pipe.Stop(); err != nil {
		slog.Warn("session: pipeline stop failed", "session_id", s.ID, "error", err)
	}
	s.Topology.Release()
	report()

	r.mu.Lock()
	r.current = nil
	r.state = StateIdle
	close(r.stopping)
	r.stopping = nil
	r.mu.Unlock()
}

func (r *Registry) publish(kind events.Kind, s *Session, err error) {
	ev := events.Event{
		Kind:      kind,
		SessionID: s.ID,
		Owner:     s.Owner,
		Target:    s.Target.String(),
		Timestamp: time.Now(),
	}
	cfg := s.Topology.Target()
	ev.Width, ev.Height, ev.Framerate, ev.Bitrate = cfg.Width, cfg.Height, cfg.Framerate, cfg.Bitrate
	if err != nil {
		ev.Error = err.Error()
	}
	r.events.Publish(ev)
}
