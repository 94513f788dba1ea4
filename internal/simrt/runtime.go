// Package simrt is an in-process pipeline runtime.
//
// It models GStreamer element semantics closely enough to exercise the
// stream control core without GStreamer installed: elements are created by
// factory name, linked pad to pad, and only process buffers once brought to
// the playing state. A single streaming goroutine per pipeline pushes frames
// from the source through the links, the way a GStreamer streaming thread
// does, and blocking probes are serviced on that goroutine.
//
// The x264enc element emits a small header describing the frame it encoded
// (width, height, framerate, bitrate), rtph264pay wraps it in an RTP packet
// and udpsink sends it to its host:port. The simulated Receiver decodes those
// packets, so a Controller can observe every reconfiguration end to end.
package simrt

import (
	"fmt"
	"sync"

	"github.com/e7canasta/streamctl/internal/pipeline"
)

// Runtime creates simulated pipelines. The zero value is not usable; call New.
type Runtime struct {
	mu          sync.Mutex
	failFactory map[string]error
	failLink    map[[2]string]error
	pipelines   []*Pipeline
}

var _ pipeline.Runtime = (*Runtime)(nil)

// New creates a simulated runtime
func New() *Runtime {
	return &Runtime{
		failFactory: make(map[string]error),
		failLink:    make(map[[2]string]error),
	}
}

// Name returns "sim"
func (r *Runtime) Name() string { return "sim" }

// FailFactory makes every later Add of factory fail with err. A nil err
// clears the failure.
func (r *Runtime) FailFactory(factory string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failFactory, factory)
		return
	}
	r.failFactory[factory] = err
}

// FailLink makes every later link from srcFactory to dstFactory fail with
// err. A nil err clears the failure.
func (r *Runtime) FailLink(srcFactory, dstFactory string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{srcFactory, dstFactory}
	if err == nil {
		delete(r.failLink, key)
		return
	}
	r.failLink[key] = err
}

// NewPipeline creates an empty pipeline in the NULL state
func (r *Runtime) NewPipeline(name string) (pipeline.Pipeline, error) {
	p := newPipeline(r, name)
	r.mu.Lock()
	r.pipelines = append(r.pipelines, p)
	r.mu.Unlock()
	return p, nil
}

// NewReceiver creates a receiver listening on cfg.Port
func (r *Runtime) NewReceiver(cfg pipeline.ReceiverConfig) (pipeline.Receiver, error) {
	return newReceiver(cfg), nil
}

// Pipelines returns every pipeline created so far, oldest first
func (r *Runtime) Pipelines() []*Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Pipeline(nil), r.pipelines...)
}

// Last returns the most recently created pipeline, or nil
func (r *Runtime) Last() *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pipelines) == 0 {
		return nil
	}
	return r.pipelines[len(r.pipelines)-1]
}

func (r *Runtime) factoryError(factory string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFactory[factory]; ok {
		return err
	}
	if _, ok := factories[factory]; !ok {
		return fmt.Errorf("no such element factory %q", factory)
	}
	return nil
}

func (r *Runtime) linkError(src, dst string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failLink[[2]string{src, dst}]
}
