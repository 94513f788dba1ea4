package topology

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/streamctl/internal/pipeline"
	"github.com/e7canasta/streamctl/internal/simrt"
)

func testOptions() Options {
	return Options{
		Source: Source{
			Kind:      SourceTest,
			Width:     1280,
			Height:    720,
			Framerate: 60,
			Pattern:   18,
		},
		Encoder:      DefaultEncoder(),
		LoopbackSink: "fakesink",
	}
}

func newTopology(t *testing.T, opts Options, cfg Config) (*simrt.Runtime, *simrt.Pipeline, *Topology) {
	t.Helper()
	rt := simrt.New()
	p, err := rt.NewPipeline("producer")
	require.NoError(t, err)
	topo, err := New(p, opts, Sink{Host: "127.0.0.1", Port: 9000}, cfg)
	require.NoError(t, err)
	return rt, rt.Last(), topo
}

func property(t *testing.T, e pipeline.Element, name string) any {
	t.Helper()
	v, ok := e.(*simrt.Element).Property(name)
	require.True(t, ok, "%s has no %s", e.Name(), name)
	return v
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero width", Config{Width: 0, Height: 480, Framerate: 30, Bitrate: 1000}, true},
		{"zero height", Config{Width: 640, Height: 0, Framerate: 30, Bitrate: 1000}, true},
		{"zero framerate", Config{Width: 640, Height: 480, Framerate: 0, Bitrate: 1000}, true},
		{"zero bitrate", Config{Width: 640, Height: 480, Framerate: 30, Bitrate: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Segments(t *testing.T) {
	t.Run("test source", func(t *testing.T) {
		_, p, topo := newTopology(t, testOptions(), DefaultConfig())

		assert.Equal(t, []string{"videotestsrc", "capsfilter"}, Describe(topo.head))
		assert.Equal(t, ChainFactories, Describe(topo.Chain()))
		assert.Equal(t, []string{"rtph264pay", "udpsink"}, Describe(topo.tail))
		assert.Len(t, p.Elements(), 9)
		assert.True(t, topo.HasEncoder())
	})

	t.Run("camera source", func(t *testing.T) {
		opts := testOptions()
		opts.Source.Kind = SourceV4L2
		opts.Source.Device = "/dev/video2"
		_, _, topo := newTopology(t, opts, DefaultConfig())

		assert.Equal(t, []string{"v4l2src", "capsfilter", "jpegdec"}, Describe(topo.head))
		assert.Equal(t, "/dev/video2", property(t, topo.head[0], "device"))
		assert.Equal(t, "image/jpeg,width=1280,height=720,framerate=60/1", property(t, topo.head[1], "caps"))
	})

	t.Run("loopback", func(t *testing.T) {
		opts := testOptions()
		opts.Loopback = true
		_, _, topo := newTopology(t, opts, DefaultConfig())

		assert.Equal(t, []string{"videorate", "videoscale", "capsfilter", "videoconvert", "fakesink"}, Describe(topo.Chain()))
		assert.Empty(t, topo.tail)
		assert.False(t, topo.HasEncoder())
		assert.ErrorIs(t, topo.SetBitrate(1000), ErrNoEncoder)
	})

	t.Run("unknown source", func(t *testing.T) {
		rt := simrt.New()
		p, _ := rt.NewPipeline("producer")
		opts := testOptions()
		opts.Source.Kind = "screen"
		_, err := New(p, opts, Sink{}, DefaultConfig())
		assert.Error(t, err)
	})
}

func TestBuildDynamicChain_Properties(t *testing.T) {
	cfg := Config{Width: 640, Height: 480, Framerate: 15, Bitrate: 900}
	_, _, topo := newTopology(t, testOptions(), cfg)
	chain := topo.Chain()

	assert.Equal(t, 15, property(t, chain[0], "max-rate"))
	assert.Equal(t, true, property(t, chain[0], "skip-to-first"))
	assert.Equal(t, "video/x-raw,width=640,height=480", property(t, chain[2], "caps"))
	assert.Equal(t, uint(900), property(t, chain[4], "bitrate"))
	assert.Equal(t, 1, property(t, chain[4], "speed-preset"))
	assert.Equal(t, 6, property(t, chain[4], "tune"))
	assert.Equal(t, uint(30), property(t, chain[4], "key-int-max"))
	assert.Equal(t, cfg, topo.Target())
}

func TestNew_ConstructionFailureLeavesNothing(t *testing.T) {
	tests := []struct {
		name   string
		inject func(rt *simrt.Runtime, err error)
	}{
		{"encoder missing", func(rt *simrt.Runtime, err error) { rt.FailFactory("x264enc", err) }},
		{"payloader missing", func(rt *simrt.Runtime, err error) { rt.FailFactory("rtph264pay", err) }},
		{"chain link", func(rt *simrt.Runtime, err error) { rt.FailLink("videoscale", "capsfilter", err) }},
		{"tail link", func(rt *simrt.Runtime, err error) { rt.FailLink("x264enc", "rtph264pay", err) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := simrt.New()
			boom := errors.New("boom")
			tt.inject(rt, boom)

			p, _ := rt.NewPipeline("producer")
			_, err := New(p, testOptions(), Sink{Host: "127.0.0.1", Port: 9000}, DefaultConfig())
			require.ErrorIs(t, err, boom)
			assert.Empty(t, rt.Last().Elements())
		})
	}
}

func TestRebuild(t *testing.T) {
	_, p, topo := newTopology(t, testOptions(), DefaultConfig())
	before := topo.Chain()

	cfg := Config{Width: 640, Height: 480, Framerate: 30, Bitrate: 2048}
	require.NoError(t, topo.Rebuild(cfg))

	after := topo.Chain()
	assert.Equal(t, ChainFactories, Describe(after))
	assert.Equal(t, cfg, topo.Target())
	for i := range before {
		assert.NotEqual(t, before[i], after[i], "element %d was not rebuilt", i)
	}
	for _, f := range ChainFactories {
		if f == "capsfilter" {
			// one in the head, one in the chain
			assert.Equal(t, 2, p.Count(f))
			continue
		}
		assert.Equal(t, 1, p.Count(f), f)
	}
}

func TestRebuild_LinkFailureDiscardsChain(t *testing.T) {
	rt, p, topo := newTopology(t, testOptions(), DefaultConfig())

	boom := errors.New("boom")
	rt.FailLink("videorate", "videoscale", boom)

	err := topo.Rebuild(Config{Width: 640, Height: 480, Framerate: 30, Bitrate: 2048})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, topo.Chain())
	assert.Zero(t, p.Count("videorate"))
	assert.Zero(t, p.Count("x264enc"))
	assert.ErrorIs(t, topo.SetBitrate(100), ErrNoEncoder)
}

func TestSetBitrate_KeepsChainIdentity(t *testing.T) {
	_, _, topo := newTopology(t, testOptions(), DefaultConfig())
	before := topo.Chain()

	require.NoError(t, topo.SetBitrate(2000))

	assert.Equal(t, before, topo.Chain())
	assert.Equal(t, uint32(2000), topo.Target().Bitrate)
	assert.Equal(t, uint(2000), property(t, before[4], "bitrate"))
	assert.Error(t, topo.SetBitrate(0))
}

func TestBlockHead_RebuildWhilePlaying(t *testing.T) {
	rt := simrt.New()
	rx, err := rt.NewReceiver(pipeline.ReceiverConfig{})
	require.NoError(t, err)
	require.NoError(t, rx.Start())
	defer rx.Stop()

	pipe, err := rt.NewPipeline("producer")
	require.NoError(t, err)
	topo, err := New(pipe, testOptions(), Sink{Host: "127.0.0.1", Port: rx.Port()}, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, pipe.Play())
	defer pipe.Stop()
	p := rt.Last()

	require.Eventually(t, func() bool { return p.Sent() > 3 }, 5*time.Second, 5*time.Millisecond)

	cfg := Config{Width: 320, Height: 240, Framerate: 10, Bitrate: 500}
	done := make(chan error, 1)
	require.NoError(t, topo.BlockHead(func() { done <- topo.Rebuild(cfg) }))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking point never reached")
	}

	frames := rx.Stats().Frames
	require.Eventually(t, func() bool { return rx.Stats().Frames > frames+3 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Violations())
	assert.Equal(t, cfg, topo.Target())
	assert.Equal(t, simrt.FrameInfo{Width: 320, Height: 240, Framerate: 10, Bitrate: 500}, rx.(*simrt.Receiver).Last())
}
