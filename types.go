package streamctl

import (
	"time"

	"github.com/e7canasta/streamctl/internal/events"
	"github.com/e7canasta/streamctl/internal/pipeline"
	"github.com/e7canasta/streamctl/internal/protocol"
	"github.com/e7canasta/streamctl/internal/reconnect"
	"github.com/e7canasta/streamctl/internal/rxstats"
	"github.com/e7canasta/streamctl/internal/session"
	"github.com/e7canasta/streamctl/internal/topology"
)

type (
	// Runtime creates media pipelines
	Runtime = pipeline.Runtime
	// Source describes the capture head
	Source = topology.Source
	// SourceKind selects camera or test pattern capture
	SourceKind = topology.SourceKind
	// Encoder holds x264 tuning
	Encoder = topology.Encoder
	// StreamConfig is resolution, framerate and bitrate of the stream
	StreamConfig = topology.Config
	// EventSink receives session lifecycle events
	EventSink = events.Sink
	// Status describes the Producer session
	Status = session.Status
	// ReceiverStats is what the Controller has received so far
	ReceiverStats = rxstats.Stats
	// ReconnectConfig controls how Dial retries
	ReconnectConfig = reconnect.Config
)

const (
	SourceV4L2 = topology.SourceV4L2
	SourceTest = topology.SourceTest
)

// ErrRejected is returned when the Producer answers a request with Error
var ErrRejected = protocol.ErrRejected

// ProducerConfig configures a Producer
type ProducerConfig struct {
	// Addr is the TCP control address to listen on
	Addr    string
	Runtime Runtime
	Source  Source
	// Encoder defaults to ultrafast, zerolatency|fastdecode, key-int-max 30
	Encoder *Encoder
	// Initial is the stream configuration every session starts with.
	// Zero uses 1280x720@30 at 2048 kbit/s.
	Initial StreamConfig
	// Loopback renders locally through LoopbackSink instead of sending
	Loopback     bool
	LoopbackSink string
	// ReconfigureTimeout bounds a pipeline rebuild. Zero waits forever.
	ReconfigureTimeout time.Duration
	// Events receives session events. Nil discards them.
	Events EventSink
}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	// Addr is the Producer control address
	Addr string
	// MediaPort is the local UDP port media is received on. Zero picks a
	// free port where the runtime supports it.
	MediaPort uint16
	Runtime   Runtime
	// Sink is the video sink factory (gst runtime)
	Sink string
	// RequestTimeout bounds each request. Zero waits for the response or ctx.
	RequestTimeout time.Duration
	// Reconnect controls dial retries. Zero value tries once.
	Reconnect ReconnectConfig
}
