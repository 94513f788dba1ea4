// Package gstrt implements the pipeline runtime on top of GStreamer via go-gst.
package gstrt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/streamctl/internal/pipeline"
)

// Runtime creates GStreamer pipelines
type Runtime struct{}

var (
	initOnce sync.Once
	mainLoop *glib.MainLoop
)

var _ pipeline.Runtime = (*Runtime)(nil)

// New initializes GStreamer and starts the default GLib main loop, which
// video sinks rely on for window events. Safe to call multiple times.
func New() *Runtime {
	initOnce.Do(func() {
		gst.Init(nil)
		mainLoop = glib.NewMainLoop(glib.MainContextDefault(), false)
		go mainLoop.Run()
		slog.Debug("gstrt: gstreamer initialized")
	})
	return &Runtime{}
}

// Name returns "gst"
func (r *Runtime) Name() string { return "gst" }

// NewPipeline creates an empty pipeline in the NULL state
func (r *Runtime) NewPipeline(name string) (pipeline.Pipeline, error) {
	p, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("gstrt: create pipeline %q: %w", name, err)
	}
	return newPipeline(p), nil
}

// NewReceiver creates the receiving pipeline:
//
//	udpsrc → rtpjitterbuffer → rtph264depay → avdec_h264 → videoconvert → sink
func (r *Runtime) NewReceiver(cfg pipeline.ReceiverConfig) (pipeline.Receiver, error) {
	if cfg.Port == 0 {
		return nil, fmt.Errorf("gstrt: receiver needs an explicit udp port")
	}
	if cfg.Sink == "" {
		cfg.Sink = "autovideosink"
	}
	return newReceiver(cfg)
}
