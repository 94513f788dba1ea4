package gstrt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/streamctl/internal/pipeline"
)

var errForeignElement = errors.New("gstrt: element does not belong to this pipeline")

// busPollInterval bounds how long Stop waits for the bus monitor to notice
const busPollInterval = 50 * time.Millisecond

// Element wraps a GStreamer element
type Element struct {
	elem    *gst.Element
	factory string
}

var _ pipeline.Element = (*Element)(nil)

func (e *Element) Name() string    { return e.elem.GetName() }
func (e *Element) Factory() string { return e.factory }

// SetProperty sets a GObject property on the element
func (e *Element) SetProperty(name string, value any) error {
	if err := e.elem.SetProperty(name, value); err != nil {
		return fmt.Errorf("gstrt: %s.%s = %v: %w", e.Name(), name, value, err)
	}
	return nil
}

// Pipeline wraps a GStreamer pipeline
type Pipeline struct {
	pipe *gst.Pipeline

	mu       sync.Mutex
	elements map[*Element]struct{}
	released bool

	errs chan error
	stop chan struct{}
	done chan struct{}
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

func newPipeline(p *gst.Pipeline) *Pipeline {
	pl := &Pipeline{
		pipe:     p,
		elements: make(map[*Element]struct{}),
		errs:     make(chan error, 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go pl.monitorBus()
	return pl
}

func (p *Pipeline) own(e pipeline.Element) (*Element, error) {
	el, ok := e.(*Element)
	if !ok {
		return nil, errForeignElement
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.elements[el]; !ok {
		return nil, errForeignElement
	}
	return el, nil
}

// Add creates an element from factory and adds it to the pipeline
func (p *Pipeline) Add(factory string) (pipeline.Element, error) {
	elem, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("gstrt: create %s: %w", factory, err)
	}
	if err := p.pipe.Add(elem); err != nil {
		return nil, fmt.Errorf("gstrt: add %s: %w", factory, err)
	}

	el := &Element{elem: elem, factory: factory}
	p.mu.Lock()
	p.elements[el] = struct{}{}
	p.mu.Unlock()
	return el, nil
}

// Remove takes e out of the pipeline
func (p *Pipeline) Remove(e pipeline.Element) error {
	el, err := p.own(e)
	if err != nil {
		return err
	}
	if err := p.pipe.Remove(el.elem); err != nil {
		return fmt.Errorf("gstrt: remove %s: %w", el.Name(), err)
	}
	p.mu.Lock()
	delete(p.elements, el)
	p.mu.Unlock()
	return nil
}

// Link connects src to dst
func (p *Pipeline) Link(src, dst pipeline.Element) error {
	s, err := p.own(src)
	if err != nil {
		return err
	}
	d, err := p.own(dst)
	if err != nil {
		return err
	}
	if err := s.elem.Link(d.elem); err != nil {
		return fmt.Errorf("gstrt: link %s → %s: %w", s.Name(), d.Name(), err)
	}
	return nil
}

// SyncState brings e to the pipeline's state
func (p *Pipeline) SyncState(e pipeline.Element) error {
	el, err := p.own(e)
	if err != nil {
		return err
	}
	if err := el.elem.SyncStateWithParent(); err != nil {
		return fmt.Errorf("gstrt: sync state of %s: %w", el.Name(), err)
	}
	return nil
}

// Deactivate sets e to NULL
func (p *Pipeline) Deactivate(e pipeline.Element) error {
	el, err := p.own(e)
	if err != nil {
		return err
	}
	if err := el.elem.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstrt: deactivate %s: %w", el.Name(), err)
	}
	return nil
}

// SetCaps sets the caps property of a capsfilter
func (p *Pipeline) SetCaps(e pipeline.Element, caps string) error {
	el, err := p.own(e)
	if err != nil {
		return err
	}
	if el.factory != "capsfilter" {
		return fmt.Errorf("gstrt: %s is not a capsfilter", el.Name())
	}
	c := gst.NewCapsFromString(caps)
	if c == nil {
		return fmt.Errorf("gstrt: invalid caps %q", caps)
	}
	return el.SetProperty("caps", c)
}

// BlockDownstream installs a blocking probe on the src pad of e. onBlocked
// runs on the streaming thread and the probe is removed when it returns.
func (p *Pipeline) BlockDownstream(e pipeline.Element, onBlocked func()) error {
	el, err := p.own(e)
	if err != nil {
		return err
	}
	pad := el.elem.GetStaticPad("src")
	if pad == nil {
		return fmt.Errorf("gstrt: %s has no src pad", el.Name())
	}

	pad.AddProbe(gst.PadProbeTypeBlockDownstream, func(*gst.Pad, *gst.PadProbeInfo) gst.PadProbeReturn {
		onBlocked()
		return gst.PadProbeRemove
	})
	return nil
}

// Play sets the pipeline to PLAYING
func (p *Pipeline) Play() error {
	if err := p.pipe.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstrt: play %s: %w", p.pipe.GetName(), err)
	}
	return nil
}

// SendEOS sends end-of-stream into the pipeline
func (p *Pipeline) SendEOS() error {
	if !p.pipe.SendEvent(gst.NewEOSEvent()) {
		return fmt.Errorf("gstrt: %s did not accept EOS", p.pipe.GetName())
	}
	return nil
}

// Stop sets the pipeline to NULL and stops the bus monitor. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	close(p.errs)

	if err := p.pipe.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstrt: stop %s: %w", p.pipe.GetName(), err)
	}
	slog.Debug("gstrt: pipeline stopped", "pipeline", p.pipe.GetName())
	return nil
}

// Errors delivers bus errors. Closed by Stop.
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// monitorBus polls the pipeline bus until Stop
func (p *Pipeline) monitorBus() {
	defer close(p.done)
	bus := p.pipe.GetPipelineBus()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			berr := newBusError(msg.Source(), msg.ParseError())
			slog.Error("gstrt: pipeline error",
				"pipeline", p.pipe.GetName(),
				"source", berr.Source,
				"error", berr.Message,
				"debug", berr.Debug,
				"category", berr.Category.String(),
			)
			select {
			case p.errs <- berr:
			default:
				slog.Warn("gstrt: error channel full, dropping error", "error", berr.Message)
			}

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			if gerr != nil {
				slog.Warn("gstrt: pipeline warning", "source", msg.Source(), "warning", gerr.Error())
			}

		case gst.MessageEOS:
			slog.Debug("gstrt: end of stream", "pipeline", p.pipe.GetName())

		case gst.MessageStateChanged:
			if msg.Source() == p.pipe.GetName() {
				oldState, newState := msg.ParseStateChanged()
				slog.Debug("gstrt: pipeline state changed", stateChangeAttrs(oldState, newState)...)
			}
		}
	}
}

func stateChangeAttrs(oldState, newState gst.State) []any {
	return []any{"from", oldState.String(), "to", newState.String()}
}
