package simrt

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/streamctl/internal/pipeline"
)

// State is the simulated element/pipeline state
type State int

const (
	StateNull State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StatePlaying {
		return "PLAYING"
	}
	return "NULL"
}

type kind int

const (
	kindSource kind = iota
	kindFilter
	kindSink
)

// factories known to the simulated registry
var factories = map[string]kind{
	"v4l2src":       kindSource,
	"videotestsrc":  kindSource,
	"capsfilter":    kindFilter,
	"jpegdec":       kindFilter,
	"videorate":     kindFilter,
	"videoscale":    kindFilter,
	"videoconvert":  kindFilter,
	"x264enc":       kindFilter,
	"rtph264pay":    kindFilter,
	"udpsink":       kindSink,
	"fakesink":      kindSink,
	"autovideosink": kindSink,
	"waylandsink":   kindSink,
	"xvimagesink":   kindSink,
	"glimagesink":   kindSink,
}

// defaultSourceFramerate is used when no caps fix the source rate
const defaultSourceFramerate = 30

var (
	errForeignElement = errors.New("simrt: element does not belong to this pipeline")
	errReleased       = errors.New("simrt: pipeline released")
)

// Element is a simulated pipeline element
type Element struct {
	p       *Pipeline
	name    string
	factory string
	kind    kind

	// guarded by p.mu
	props     map[string]any
	caps      caps
	state     State
	up        *Element
	down      *Element
	removed   bool
	rateAcc   float64
	processed uint64
	udp       *net.UDPConn
}

var _ pipeline.Element = (*Element)(nil)

func (e *Element) Name() string    { return e.name }
func (e *Element) Factory() string { return e.factory }

// SetProperty stores a property value. Values are read back by the
// streaming goroutine on the next buffer.
func (e *Element) SetProperty(name string, value any) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.props[name] = value
	return nil
}

// Property returns a property value previously set
func (e *Element) Property(name string) (any, bool) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	v, ok := e.props[name]
	return v, ok
}

// State returns the element state
func (e *Element) State() State {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.state
}

// Processed returns how many buffers the element has accepted
func (e *Element) Processed() uint64 {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.processed
}

// Pipeline is a simulated pipeline
type Pipeline struct {
	rt   *Runtime
	name string

	mu         sync.Mutex
	elements   []*Element
	seq        map[string]int
	state      State
	probes     map[*Element][]func()
	eos        bool
	halted     bool
	stalled    bool
	released   bool
	violations uint64
	sent       uint64
	rtpSeq     uint16
	ssrc       uint32

	errs chan error
	stop chan struct{}
	done chan struct{}
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

func newPipeline(rt *Runtime, name string) *Pipeline {
	return &Pipeline{
		rt:     rt,
		name:   name,
		seq:    make(map[string]int),
		probes: make(map[*Element][]func()),
		ssrc:   rand.Uint32(),
		errs:   make(chan error, 8),
	}
}

// Name returns the pipeline name
func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) own(e pipeline.Element) (*Element, error) {
	el, ok := e.(*Element)
	if !ok || el == nil || el.p != p || el.removed {
		return nil, errForeignElement
	}
	return el, nil
}

// Add creates an element from factory
func (p *Pipeline) Add(factory string) (pipeline.Element, error) {
	if err := p.rt.factoryError(factory); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, errReleased
	}

	name := fmt.Sprintf("%s%d", factory, p.seq[factory])
	p.seq[factory]++

	e := &Element{
		p:       p,
		name:    name,
		factory: factory,
		kind:    factories[factory],
		props:   make(map[string]any),
	}
	p.elements = append(p.elements, e)
	return e, nil
}

// Remove detaches e. A playing element cannot be removed.
func (p *Pipeline) Remove(e pipeline.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, err := p.own(e)
	if err != nil {
		return err
	}
	if el.state != StateNull {
		return fmt.Errorf("simrt: cannot remove %s in state %s", el.name, el.state)
	}

	if el.up != nil {
		el.up.down = nil
	}
	if el.down != nil {
		el.down.up = nil
	}
	el.up, el.down = nil, nil
	el.removed = true
	delete(p.probes, el)
	if el.udp != nil {
		el.udp.Close()
		el.udp = nil
	}

	for i, x := range p.elements {
		if x == el {
			p.elements = append(p.elements[:i], p.elements[i+1:]...)
			break
		}
	}
	return nil
}

// Link connects src to dst
func (p *Pipeline) Link(src, dst pipeline.Element) error {
	if src == nil || dst == nil {
		return errors.New("simrt: link with nil element")
	}
	if err := p.rt.linkError(src.Factory(), dst.Factory()); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.own(src)
	if err != nil {
		return err
	}
	d, err := p.own(dst)
	if err != nil {
		return err
	}
	if s.kind == kindSink {
		return fmt.Errorf("simrt: %s has no src pad", s.name)
	}
	if d.kind == kindSource {
		return fmt.Errorf("simrt: %s has no sink pad", d.name)
	}
	if s.down != nil {
		return fmt.Errorf("simrt: %s src pad already linked", s.name)
	}
	if d.up != nil {
		return fmt.Errorf("simrt: %s sink pad already linked", d.name)
	}
	s.down, d.up = d, s
	return nil
}

// SyncState brings e to the pipeline state
func (p *Pipeline) SyncState(e pipeline.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := p.own(e)
	if err != nil {
		return err
	}
	el.state = p.state
	return nil
}

// Deactivate sets e to NULL
func (p *Pipeline) Deactivate(e pipeline.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := p.own(e)
	if err != nil {
		return err
	}
	el.state = StateNull
	return nil
}

// SetCaps sets the caps of a capsfilter
func (p *Pipeline) SetCaps(e pipeline.Element, s string) error {
	c, err := parseCaps(s)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := p.own(e)
	if err != nil {
		return err
	}
	if el.factory != "capsfilter" {
		return fmt.Errorf("simrt: %s has no caps property", el.name)
	}
	el.caps = c
	el.props["caps"] = s
	return nil
}

// BlockDownstream runs onBlocked on the streaming goroutine the next time a
// buffer leaves e, before that buffer moves on.
func (p *Pipeline) BlockDownstream(e pipeline.Element, onBlocked func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return errReleased
	}
	el, err := p.own(e)
	if err != nil {
		return err
	}
	if el.kind == kindSink {
		return fmt.Errorf("simrt: %s has no src pad", el.name)
	}
	p.probes[el] = append(p.probes[el], onBlocked)
	return nil
}

// Play sets the pipeline and every element to PLAYING and starts streaming
func (p *Pipeline) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return errReleased
	}
	if p.state == StatePlaying {
		return nil
	}

	var src *Element
	for _, e := range p.elements {
		if e.kind == kindSource {
			if src != nil {
				return errors.New("simrt: more than one source element")
			}
			src = e
		}
	}
	if src == nil {
		return errors.New("simrt: no source element")
	}

	p.state = StatePlaying
	for _, e := range p.elements {
		e.state = StatePlaying
	}

	fps := uint32(defaultSourceFramerate)
	if src.down != nil && src.down.caps.framerate > 0 {
		fps = src.down.caps.framerate
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(src, time.Second/time.Duration(fps), p.stop, p.done)

	slog.Debug("simrt: pipeline playing", "pipeline", p.name, "source", src.name, "fps", fps)
	return nil
}

// SendEOS stops the source from producing new buffers
func (p *Pipeline) SendEOS() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eos = true
	return nil
}

// Stop sets the pipeline to NULL and releases it
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.state = StateNull
	for _, e := range p.elements {
		e.state = StateNull
	}
	stop, done := p.stop, p.done
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	p.mu.Lock()
	for _, e := range p.elements {
		if e.udp != nil {
			e.udp.Close()
			e.udp = nil
		}
	}
	p.probes = make(map[*Element][]func())
	close(p.errs)
	p.mu.Unlock()

	slog.Debug("simrt: pipeline stopped", "pipeline", p.name)
	return nil
}

// Errors delivers asynchronous pipeline errors
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// InjectError posts err as if the pipeline bus had reported it
func (p *Pipeline) InjectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postErrorLocked(err)
}

// Stall stops (or resumes) buffer production, so that pending blocking
// probes are never serviced while stalled.
func (p *Pipeline) Stall(stalled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalled = stalled
}

// State returns the pipeline state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Released reports whether Stop has been called
func (p *Pipeline) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Elements returns the elements currently in the pipeline, in creation order
func (p *Pipeline) Elements() []*Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Element(nil), p.elements...)
}

// Count returns how many elements of factory are in the pipeline
func (p *Pipeline) Count(factory string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.elements {
		if e.factory == factory {
			n++
		}
	}
	return n
}

// Violations counts buffers that reached an element which was not playing
// or could not accept them.
func (p *Pipeline) Violations() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violations
}

// Sent counts RTP packets handed to udpsink
func (p *Pipeline) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// PendingProbes returns the number of blocking probes not yet serviced
func (p *Pipeline) PendingProbes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cbs := range p.probes {
		n += len(cbs)
	}
	return n
}

func (p *Pipeline) postErrorLocked(err error) {
	if p.released {
		return
	}
	select {
	case p.errs <- err:
	default:
		slog.Warn("simrt: error channel full, dropping", "pipeline", p.name, "error", err)
	}
}

// caps is the subset of a caps string the simulation understands
type caps struct {
	media     string
	width     uint32
	height    uint32
	framerate uint32
}

// parseCaps parses "media/type,key=value,..." caps strings
func parseCaps(s string) (caps, error) {
	fields := strings.Split(s, ",")
	c := caps{media: strings.TrimSpace(fields[0])}
	if c.media == "" {
		return caps{}, fmt.Errorf("simrt: invalid caps %q", s)
	}

	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			return caps{}, fmt.Errorf("simrt: invalid caps field %q", f)
		}
		// drop an optional (type) prefix, e.g. width=(int)640
		if i := strings.Index(value, ")"); strings.HasPrefix(value, "(") && i > 0 {
			value = value[i+1:]
		}

		switch key {
		case "width", "height":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return caps{}, fmt.Errorf("simrt: invalid caps %s: %w", key, err)
			}
			if key == "width" {
				c.width = uint32(n)
			} else {
				c.height = uint32(n)
			}
		case "framerate":
			num, den, _ := strings.Cut(value, "/")
			n, err := strconv.ParseUint(num, 10, 32)
			if err != nil {
				return caps{}, fmt.Errorf("simrt: invalid caps framerate: %w", err)
			}
			d := uint64(1)
			if den != "" {
				if d, err = strconv.ParseUint(den, 10, 32); err != nil || d == 0 {
					return caps{}, fmt.Errorf("simrt: invalid caps framerate %q", value)
				}
			}
			c.framerate = uint32(n / d)
		}
	}
	return c, nil
}
