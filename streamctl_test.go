package streamctl

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/streamctl/internal/events"
	"github.com/e7canasta/streamctl/internal/reconnect"
	"github.com/e7canasta/streamctl/internal/session"
	"github.com/e7canasta/streamctl/internal/simrt"
)

type fixture struct {
	rt       *simrt.Runtime
	producer *Producer
	events   *events.Memory
	served   chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureTimeout(t, 2*time.Second)
}

func newFixtureTimeout(t *testing.T, reconfigureTimeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{rt: simrt.New(), events: &events.Memory{}, served: make(chan error, 1)}

	p, err := NewProducer(ProducerConfig{
		Addr:               "127.0.0.1:0",
		Runtime:            f.rt,
		Source:             Source{Kind: SourceTest, Width: 1280, Height: 720, Framerate: 100},
		ReconfigureTimeout: reconfigureTimeout,
		Events:             f.events,
	})
	require.NoError(t, err)
	require.NoError(t, p.Listen())
	f.producer = p

	go func() { f.served <- p.Serve(context.Background()) }()
	t.Cleanup(func() { _ = p.Close() })
	return f
}

func (f *fixture) dial(t *testing.T) *Controller {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, ControllerConfig{
		Addr:           f.producer.Addr().String(),
		Runtime:        simrt.New(),
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewProducer_Validation(t *testing.T) {
	_, err := NewProducer(ProducerConfig{})
	assert.ErrorContains(t, err, "runtime is required")

	_, err = NewProducer(ProducerConfig{Runtime: simrt.New(), Initial: StreamConfig{Width: 640}})
	assert.ErrorContains(t, err, "initial stream config")

	_, err = NewProducer(ProducerConfig{Runtime: simrt.New(), ReconfigureTimeout: -time.Second})
	assert.ErrorContains(t, err, "negative reconfigure timeout")

	p, err := NewProducer(ProducerConfig{Runtime: simrt.New()})
	require.NoError(t, err)
	assert.Nil(t, p.Addr())
	assert.Equal(t, session.StateIdle, p.Status().State)
}

// TestEndToEnd runs the full control scenario over TCP with media over UDP.
func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.dial(t)

	require.NoError(t, first.StartStreaming(ctx))
	assert.Equal(t, session.StateActive, f.producer.Status().State)
	assert.Equal(t, "127.0.0.1", f.producer.Status().Target.Host)
	assert.Equal(t, first.MediaPort(), f.producer.Status().Target.Port)

	require.Eventually(t, func() bool {
		st := first.Stats()
		return st.Frames > 0 && st.Width == 1280 && st.Height == 720
	}, 3*time.Second, 10*time.Millisecond, "no frames at the initial resolution")

	// Resolution change answers only once the new chain is in place
	require.NoError(t, first.ChangeResolution(ctx, 640, 480))
	status := f.producer.Status()
	assert.Equal(t, uint32(640), status.Config.Width)
	assert.Equal(t, uint32(480), status.Config.Height)
	assert.Equal(t, session.StateActive, status.State)

	require.Eventually(t, func() bool {
		st := first.Stats()
		return st.Width == 640 && st.Height == 480
	}, 3*time.Second, 10*time.Millisecond, "frames never arrived at the new resolution")

	// Bitrate change keeps the chain
	before := f.rt.Last().Elements()
	require.NoError(t, first.ChangeBitrate(ctx, 2000))
	after := f.rt.Last().Elements()
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i] == after[i], "element %d replaced by bitrate change", i)
	}
	assert.Equal(t, uint32(2000), f.producer.Status().Config.Bitrate)

	// A second Controller cannot take over
	second := f.dial(t)
	err := second.StartStreaming(ctx)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, session.StateActive, f.producer.Status().State)

	// The owner leaving stops the stream and frees the Producer
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		kinds := f.events.Kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == events.KindStopped
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StateIdle, f.producer.Status().State)

	require.NoError(t, second.StartStreaming(ctx))
	assert.Equal(t, second.MediaPort(), f.producer.Status().Target.Port)

	kinds := f.events.Kinds()
	assert.Equal(t, []events.Kind{
		events.KindStarted,
		events.KindReconfigured,
		events.KindBitrateChanged,
		events.KindStopped,
		events.KindStarted,
	}, kinds)
}

func TestController_IdleCommandsRejected(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.ChangeResolution(ctx, 640, 480), ErrRejected)
	assert.ErrorIs(t, c.ChangeFramerate(ctx, 10), ErrRejected)
	assert.ErrorIs(t, c.ChangeBitrate(ctx, 1000), ErrRejected)
	assert.Equal(t, session.StateIdle, f.producer.Status().State)
}

func TestController_FramerateChange(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := context.Background()

	require.NoError(t, c.StartStreaming(ctx))
	require.NoError(t, c.ChangeFramerate(ctx, 20))
	assert.Equal(t, uint32(20), f.producer.Status().Config.Framerate)

	// The merged configuration survives a later resolution change
	require.NoError(t, c.ChangeResolution(ctx, 320, 240))
	assert.Equal(t, StreamConfig{Width: 320, Height: 240, Framerate: 20, Bitrate: 2048}, f.producer.Status().Config)
}

func TestDial_GivesUpAfterRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), ControllerConfig{
		Addr:      addr,
		Runtime:   simrt.New(),
		Reconnect: ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded (3 attempts)")

	var re *reconnect.Error
	require.ErrorAs(t, err, &re)
	assert.Len(t, re.Attempts, 3)
}

func TestDial_Validation(t *testing.T) {
	_, err := Dial(context.Background(), ControllerConfig{Addr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "runtime is required")

	_, err = Dial(context.Background(), ControllerConfig{Runtime: simrt.New()})
	assert.ErrorContains(t, err, "address is required")
}

func TestProducer_ProtocolErrorClosesConnection(t *testing.T) {
	f := newFixture(t)

	nc, err := net.Dial("tcp", f.producer.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	// Unknown packet type
	_, err = nc.Write([]byte{0x7f, 0, 0, 0, 1, 0, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = nc.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}

func TestProducer_CloseDisconnectsControllers(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	require.NoError(t, c.StartStreaming(context.Background()))
	require.NoError(t, f.producer.Close())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("controller still connected after producer close")
	}
	assert.Equal(t, session.StateIdle, f.producer.Status().State)
	assert.True(t, f.rt.Last().Released())

	select {
	case err := <-f.served:
		assert.True(t, errors.Is(err, ErrProducerClosed), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.NoError(t, f.producer.Close())
	assert.ErrorIs(t, f.producer.Listen(), ErrProducerClosed)
}

func TestProducer_ServeStopsWithContext(t *testing.T) {
	p, err := NewProducer(ProducerConfig{Addr: "127.0.0.1:0", Runtime: simrt.New()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- p.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return p.Addr() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestProducer_CloseAbandonsStalledReconfiguration(t *testing.T) {
	// No timeout: only Close can end the wait
	f := newFixtureTimeout(t, 0)
	c := f.dial(t)
	ctx := context.Background()

	require.NoError(t, c.StartStreaming(ctx))
	pipe := f.rt.Last()
	pipe.Stall(true)

	changed := make(chan error, 1)
	go func() { changed <- c.ChangeResolution(ctx, 640, 480) }()
	require.Eventually(t, func() bool { return pipe.PendingProbes() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateReconfiguring, f.producer.Status().State)

	closed := make(chan error, 1)
	go func() { closed <- f.producer.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on a stalled reconfiguration")
	}

	select {
	case err := <-changed:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("request never answered")
	}

	assert.Equal(t, session.StateIdle, f.producer.Status().State)
	assert.True(t, pipe.Released())
}
