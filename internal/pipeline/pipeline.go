// Package pipeline defines the contract between the stream control core and a
// media-pipeline runtime.
//
// The core never touches codecs, devices or sockets directly. It asks a Runtime
// for a Pipeline, adds elements by factory name, links them, drives their state
// and installs blocking points. Two runtimes implement this contract:
//
//   - internal/gstrt: GStreamer through go-gst (production)
//   - internal/simrt: an in-process simulation that emits RTP over UDP (tests, dev)
//
// Element and property names follow GStreamer conventions in both runtimes.
package pipeline

import "github.com/e7canasta/streamctl/internal/rxstats"

// Element is an opaque handle to one node of a running pipeline.
//
// Handles are comparable: two handles are equal if and only if they refer to
// the same element instance.
type Element interface {
	// Name returns the unique element name inside its pipeline.
	Name() string
	// Factory returns the factory the element was created from (e.g. "videorate").
	Factory() string
	// SetProperty sets a live property on the element.
	SetProperty(name string, value any) error
}

// Pipeline is one pipeline instance owned by a streaming session.
//
// Implementations must be safe for use from the protocol goroutine and from
// the runtime's own streaming goroutine (BlockDownstream callbacks run there).
type Pipeline interface {
	// Add creates an element from factory and adds it to the pipeline.
	Add(factory string) (Element, error)

	// Remove detaches an element from the pipeline. The element should be
	// inert (see Deactivate) before removal.
	Remove(e Element) error

	// Link connects the src pad of src to the sink pad of dst.
	Link(src, dst Element) error

	// SyncState brings an element to the current state of the pipeline.
	SyncState(e Element) error

	// Deactivate forces an element to the inert (NULL) state.
	Deactivate(e Element) error

	// SetCaps sets a caps-string on a capsfilter element.
	SetCaps(e Element, caps string) error

	// BlockDownstream installs a blocking point on the src pad of e.
	//
	// The runtime lets the buffer currently in transit pass, refuses the next
	// one and then invokes onBlocked from its own streaming goroutine. While
	// onBlocked runs, no buffer is downstream of the blocked pad. The blocking
	// point is removed when onBlocked returns.
	BlockDownstream(e Element, onBlocked func()) error

	// Play sets the pipeline to the playing state.
	Play() error

	// SendEOS signals end-of-stream to the pipeline.
	SendEOS() error

	// Stop sets the pipeline to the stopped (NULL) state and releases it.
	Stop() error

	// Errors delivers asynchronous runtime errors (bus errors). The channel is
	// closed when the pipeline is stopped.
	Errors() <-chan error
}

// Runtime creates pipelines.
type Runtime interface {
	// Name identifies the runtime in logs ("gst", "sim").
	Name() string
	// NewPipeline creates an empty pipeline in the stopped state.
	NewPipeline(name string) (Pipeline, error)
	// NewReceiver creates the Controller-side receiving pipeline for RTP
	// arriving on the given UDP port.
	NewReceiver(cfg ReceiverConfig) (Receiver, error)
}

// ReceiverConfig configures the Controller-side receiving pipeline.
type ReceiverConfig struct {
	// Port is the local UDP port the media arrives on. Zero picks a free
	// port where the runtime supports it.
	Port uint16
	// Sink is the video sink factory used to render (gst runtime only).
	Sink string
}

// Receiver is the Controller-side pipeline rendering the media stream.
type Receiver interface {
	Start() error
	Stop() error
	// Port returns the UDP port media is received on.
	Port() uint16
	// Stats returns statistics of the frames received so far.
	Stats() rxstats.Stats
}
