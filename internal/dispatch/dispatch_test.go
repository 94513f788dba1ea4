package dispatch

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/streamctl/internal/protocol"
	"github.com/e7canasta/streamctl/internal/reconfig"
	"github.com/e7canasta/streamctl/internal/session"
	"github.com/e7canasta/streamctl/internal/simrt"
	"github.com/e7canasta/streamctl/internal/topology"
)

func newDispatcher(t *testing.T) (*Dispatcher, *session.Registry, *simrt.Runtime) {
	t.Helper()
	rt := simrt.New()
	reg := session.NewRegistry(session.Options{
		Runtime: rt,
		Topology: topology.Options{
			Source:  topology.Source{Kind: topology.SourceTest, Width: 1280, Height: 720, Framerate: 100},
			Encoder: topology.DefaultEncoder(),
		},
	})
	t.Cleanup(func() { _ = reg.Stop() })
	return New(reg, reconfig.New(reg, reconfig.DefaultTimeout)), reg, rt
}

func peer(id string) Peer {
	return Peer{ID: id, Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}}
}

// TestDispatch_IdleOnlyStartSucceeds checks that on an idle Producer every
// command except StartStreaming is answered with Error.
func TestDispatch_IdleOnlyStartSucceeds(t *testing.T) {
	d, reg, _ := newDispatcher(t)
	ctx := context.Background()

	commands := []protocol.Message{
		protocol.ChangeResolution{Width: 640, Height: 480},
		protocol.ChangeFramerate{Framerate: 10},
		protocol.ChangeBitrate{Bitrate: 1000},
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		msg := commands[rng.Intn(len(commands))]
		resp, err := d.Dispatch(ctx, peer("a"), msg)
		require.Equal(t, protocol.Error{}, resp, "%T", msg)
		assert.ErrorIs(t, err, session.ErrNotStreaming)
		assert.Equal(t, session.StateIdle, reg.State())
	}

	resp, err := d.Dispatch(ctx, peer("a"), protocol.StartStreaming{Port: 9000})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success{}, resp)
}

func TestDispatch_StartStreamingTwice(t *testing.T) {
	d, reg, _ := newDispatcher(t)
	ctx := context.Background()

	resp, _ := d.Dispatch(ctx, peer("first"), protocol.StartStreaming{Port: 9000})
	require.Equal(t, protocol.Success{}, resp)

	for _, p := range []Peer{peer("first"), peer("second")} {
		resp, err := d.Dispatch(ctx, p, protocol.StartStreaming{Port: 9001})
		assert.Equal(t, protocol.Error{}, resp)
		assert.ErrorIs(t, err, session.ErrAlreadyStreaming)
	}

	st := reg.Snapshot()
	assert.Equal(t, "first", st.Owner)
	assert.Equal(t, topology.Sink{Host: "127.0.0.1", Port: 9000}, st.Target)
}

func TestDispatch_Commands(t *testing.T) {
	d, reg, rt := newDispatcher(t)
	ctx := context.Background()

	resp, _ := d.Dispatch(ctx, peer("a"), protocol.StartStreaming{Port: 9000})
	require.Equal(t, protocol.Success{}, resp)

	resp, err := d.Dispatch(ctx, peer("a"), protocol.ChangeResolution{Width: 640, Height: 480})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success{}, resp)

	assert.Equal(t, uint32(640), reg.Snapshot().Config.Width)

	before := rt.Last().Elements()
	resp, err = d.Dispatch(ctx, peer("a"), protocol.ChangeBitrate{Bitrate: 2000})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success{}, resp)
	after := rt.Last().Elements()
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i] == after[i], "element %d replaced by bitrate change", i)
	}

	resp, err = d.Dispatch(ctx, peer("a"), protocol.ChangeFramerate{Framerate: 15})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success{}, resp)
	assert.Equal(t, topology.Config{Width: 640, Height: 480, Framerate: 15, Bitrate: 2000}, reg.Snapshot().Config)
}

func TestDispatch_InvalidArguments(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	resp, _ := d.Dispatch(ctx, peer("a"), protocol.StartStreaming{Port: 9000})
	require.Equal(t, protocol.Success{}, resp)

	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{"zero port", protocol.StartStreaming{Port: 0}},
		{"zero width", protocol.ChangeResolution{Width: 0, Height: 480}},
		{"zero height", protocol.ChangeResolution{Width: 640, Height: 0}},
		{"zero framerate", protocol.ChangeFramerate{Framerate: 0}},
		{"zero bitrate", protocol.ChangeBitrate{Bitrate: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := d.Dispatch(ctx, peer("a"), tt.msg)
			assert.Equal(t, protocol.Error{}, resp)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestDispatch_ResponseAsRequestIsProtocolError(t *testing.T) {
	d, _, _ := newDispatcher(t)

	for _, msg := range []protocol.Message{protocol.Success{}, protocol.Error{}} {
		resp, err := d.Dispatch(context.Background(), peer("a"), msg)
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, ErrUnexpectedMessage)
	}
}

func TestPeer_Host(t *testing.T) {
	assert.Equal(t, "10.1.2.3", Peer{Addr: &net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1}}.Host())
	assert.Equal(t, "::1", Peer{Addr: &net.TCPAddr{IP: net.IPv6loopback, Port: 1}}.Host())
	assert.Equal(t, "192.168.0.9", Peer{Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 0, 9), Port: 5}}.Host())
	assert.Equal(t, "", Peer{}.Host())
}

func TestServe_OwnerCloseStopsSession(t *testing.T) {
	d, reg, rt := newDispatcher(t)

	clientSide, serverSide := net.Pipe()
	served := make(chan error, 1)
	go func() {
		served <- d.Serve(context.Background(), protocol.NewConn(serverSide), peer("conn-1"))
	}()

	client := protocol.NewClient(clientSide)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Call(ctx, protocol.StartStreaming{Port: 9000}))
	require.NoError(t, client.Call(ctx, protocol.ChangeResolution{Width: 320, Height: 240}))
	assert.ErrorIs(t, client.Call(ctx, protocol.ChangeBitrate{Bitrate: 0}), protocol.ErrRejected)
	assert.Equal(t, session.StateActive, reg.State())

	require.NoError(t, client.Close())

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, session.StateIdle, reg.State())
	assert.True(t, rt.Last().Released())

	// A new connection can start streaming again
	resp, _ := d.Dispatch(ctx, peer("conn-2"), protocol.StartStreaming{Port: 9001})
	assert.Equal(t, protocol.Success{}, resp)
}

func TestServe_ProtocolErrorClosesConnection(t *testing.T) {
	d, _, _ := newDispatcher(t)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	served := make(chan error, 1)
	go func() {
		served <- d.Serve(context.Background(), protocol.NewConn(serverSide), peer("conn-1"))
	}()

	require.NoError(t, protocol.Encode(clientSide, protocol.Packet{ID: 1, Message: protocol.Success{}}))

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrUnexpectedMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_UnknownTagClosesConnection(t *testing.T) {
	d, _, _ := newDispatcher(t)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	served := make(chan error, 1)
	go func() {
		served <- d.Serve(context.Background(), protocol.NewConn(serverSide), peer("conn-1"))
	}()

	_, err := clientSide.Write([]byte{42, 0, 0, 0, 1, 0, 0, 0, 0})
	require.NoError(t, err)

	select {
	case err := <-served:
		assert.ErrorIs(t, err, protocol.ErrUnknownType)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
