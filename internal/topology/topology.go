// Package topology models the Producer pipeline as three segments:
//
//	head (fixed) → dynamic chain (rebuildable) → tail (fixed)
//
// The head captures raw frames, the dynamic chain rate-limits, scales and
// encodes them, and the tail packetizes and sends them to the Controller.
// Only the dynamic chain is ever rebuilt while the pipeline is playing.
package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/streamctl/internal/pipeline"
)

// ErrNoEncoder is returned when a bitrate change is requested on a topology
// without an encoder element.
var ErrNoEncoder = errors.New("topology: no encoder handle")

// ChainFactories lists the dynamic chain factories in link order
var ChainFactories = []string{"videorate", "videoscale", "capsfilter", "videoconvert", "x264enc"}

// Config is the target output configuration of the dynamic chain
type Config struct {
	Width     uint32 `yaml:"width"`
	Height    uint32 `yaml:"height"`
	Framerate uint32 `yaml:"framerate"`
	Bitrate   uint32 `yaml:"bitrate"` // kbit/s
}

// DefaultConfig returns the configuration a new session starts from
func DefaultConfig() Config {
	return Config{
		Width:     1280,
		Height:    720,
		Framerate: 30,
		Bitrate:   2048,
	}
}

// Validate checks that every field is usable by the chain elements
func (c Config) Validate() error {
	if c.Width == 0 || c.Height == 0 {
		return fmt.Errorf("topology: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.Framerate == 0 {
		return fmt.Errorf("topology: invalid framerate %d", c.Framerate)
	}
	if c.Bitrate == 0 {
		return fmt.Errorf("topology: invalid bitrate %d", c.Bitrate)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("%dx%d@%dfps %dkbps", c.Width, c.Height, c.Framerate, c.Bitrate)
}

// SourceKind selects the head of the pipeline
type SourceKind string

const (
	// SourceV4L2 captures MJPEG from a V4L2 camera
	SourceV4L2 SourceKind = "v4l2"
	// SourceTest generates a live test pattern
	SourceTest SourceKind = "testsrc"
)

// Source configures the head
type Source struct {
	Kind      SourceKind `yaml:"kind"`
	Device    string     `yaml:"device"`
	Width     uint32     `yaml:"width"`
	Height    uint32     `yaml:"height"`
	Framerate uint32     `yaml:"framerate"`
	Pattern   int        `yaml:"pattern"` // videotestsrc pattern
}

// Encoder holds the x264enc tuning applied on every build
type Encoder struct {
	SpeedPreset int  `yaml:"speed_preset"` // 1 = ultrafast
	Tune        int  `yaml:"tune"`         // bitmask, 6 = fastdecode|zerolatency
	KeyIntMax   uint `yaml:"key_int_max"`
}

// DefaultEncoder returns low-latency x264 settings
func DefaultEncoder() Encoder {
	return Encoder{SpeedPreset: 1, Tune: 6, KeyIntMax: 30}
}

// Sink is the media target (Controller address and data port)
type Sink struct {
	Host string
	Port uint16
}

func (s Sink) String() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Options configures everything that is fixed for the lifetime of a topology
type Options struct {
	Source  Source
	Encoder Encoder

	// Loopback renders locally instead of encoding and sending. The last
	// chain element is then LoopbackSink and there is no tail.
	Loopback     bool
	LoopbackSink string
}

// Topology owns the head, dynamic chain and tail of one pipeline.
//
// Chain mutations (Rebuild, Teardown) must not run concurrently; the caller
// serializes them. Accessors are safe from any goroutine.
type Topology struct {
	p    pipeline.Pipeline
	opts Options
	sink Sink

	head []pipeline.Element
	tail []pipeline.Element

	mu      sync.Mutex
	chain   []pipeline.Element
	encoder pipeline.Element
	target  Config
}

// New builds and links a complete topology on p. On failure every element
// created so far has been removed from p.
func New(p pipeline.Pipeline, opts Options, sink Sink, cfg Config) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	head, err := BuildHead(p, opts.Source)
	if err != nil {
		return nil, err
	}

	var tail []pipeline.Element
	if !opts.Loopback {
		tail, err = BuildTail(p, sink)
		if err != nil {
			discard(p, head)
			return nil, err
		}
	}

	chain, err := BuildDynamicChain(p, cfg, opts)
	if err != nil {
		discard(p, head)
		discard(p, tail)
		return nil, err
	}

	if err := Link(p, head, chain, tail); err != nil {
		discard(p, head)
		discard(p, tail)
		return nil, err
	}

	t := &Topology{
		p:      p,
		opts:   opts,
		sink:   sink,
		head:   head,
		tail:   tail,
		chain:  chain,
		target: cfg,
	}
	t.encoder = encoderOf(chain, opts)

	slog.Debug("topology: built",
		"head", Describe(head),
		"chain", Describe(chain),
		"tail", Describe(tail),
		"target", cfg.String(),
	)
	return t, nil
}

// BuildHead creates and links the capture segment
func BuildHead(p pipeline.Pipeline, src Source) ([]pipeline.Element, error) {
	var (
		elems []pipeline.Element
		caps  string
	)

	switch src.Kind {
	case SourceV4L2, "":
		v4l2, err := add(p, "v4l2src", &elems)
		if err != nil {
			return nil, err
		}
		if src.Device != "" {
			if err := v4l2.SetProperty("device", src.Device); err != nil {
				discard(p, elems)
				return nil, fmt.Errorf("topology: v4l2src device: %w", err)
			}
		}
		caps = fmt.Sprintf("image/jpeg,width=%d,height=%d,framerate=%d/1", src.Width, src.Height, src.Framerate)

	case SourceTest:
		testsrc, err := add(p, "videotestsrc", &elems)
		if err != nil {
			return nil, err
		}
		if err := setProperties(testsrc, map[string]any{"is-live": true, "pattern": src.Pattern}); err != nil {
			discard(p, elems)
			return nil, err
		}
		caps = fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", src.Width, src.Height, src.Framerate)

	default:
		return nil, fmt.Errorf("topology: unknown source kind %q", src.Kind)
	}

	filter, err := add(p, "capsfilter", &elems)
	if err != nil {
		discard(p, elems)
		return nil, err
	}
	if err := p.SetCaps(filter, caps); err != nil {
		discard(p, elems)
		return nil, fmt.Errorf("topology: head caps: %w", err)
	}

	if src.Kind != SourceTest {
		if _, err := add(p, "jpegdec", &elems); err != nil {
			discard(p, elems)
			return nil, err
		}
	}

	if err := linkAll(p, elems); err != nil {
		discard(p, elems)
		return nil, err
	}
	return elems, nil
}

// BuildTail creates and links the packetize-and-send segment
func BuildTail(p pipeline.Pipeline, sink Sink) ([]pipeline.Element, error) {
	var elems []pipeline.Element

	if _, err := add(p, "rtph264pay", &elems); err != nil {
		return nil, err
	}
	udpsink, err := add(p, "udpsink", &elems)
	if err != nil {
		discard(p, elems)
		return nil, err
	}
	if err := setProperties(udpsink, map[string]any{
		"host":  sink.Host,
		"port":  int(sink.Port),
		"async": false,
	}); err != nil {
		discard(p, elems)
		return nil, err
	}

	if err := linkAll(p, elems); err != nil {
		discard(p, elems)
		return nil, err
	}
	return elems, nil
}

// BuildDynamicChain creates the chain elements for cfg in template order.
// The elements are added to p but not linked. On failure nothing is left in p.
func BuildDynamicChain(p pipeline.Pipeline, cfg Config, opts Options) ([]pipeline.Element, error) {
	var chain []pipeline.Element

	fail := func(err error) ([]pipeline.Element, error) {
		discard(p, chain)
		return nil, err
	}

	videorate, err := add(p, "videorate", &chain)
	if err != nil {
		return fail(err)
	}
	if err := setProperties(videorate, map[string]any{
		"max-rate":      int(cfg.Framerate),
		"skip-to-first": true,
	}); err != nil {
		return fail(err)
	}

	if _, err := add(p, "videoscale", &chain); err != nil {
		return fail(err)
	}

	capsfilter, err := add(p, "capsfilter", &chain)
	if err != nil {
		return fail(err)
	}
	if err := p.SetCaps(capsfilter, fmt.Sprintf("video/x-raw,width=%d,height=%d", cfg.Width, cfg.Height)); err != nil {
		return fail(fmt.Errorf("topology: chain caps: %w", err))
	}

	if _, err := add(p, "videoconvert", &chain); err != nil {
		return fail(err)
	}

	if opts.Loopback {
		if _, err := add(p, opts.LoopbackSink, &chain); err != nil {
			return fail(err)
		}
		return chain, nil
	}

	x264enc, err := add(p, "x264enc", &chain)
	if err != nil {
		return fail(err)
	}
	if err := setProperties(x264enc, map[string]any{
		"speed-preset": opts.Encoder.SpeedPreset,
		"tune":         opts.Encoder.Tune,
		"key-int-max":  opts.Encoder.KeyIntMax,
		"bitrate":      uint(cfg.Bitrate),
	}); err != nil {
		return fail(err)
	}

	return chain, nil
}

// Link attaches chain between head and tail. Each chain element is brought
// to the pipeline state before the next link is made. On failure the chain
// is torn down and nothing of it stays in the pipeline.
func Link(p pipeline.Pipeline, head, chain, tail []pipeline.Element) error {
	if len(chain) == 0 {
		return errors.New("topology: empty dynamic chain")
	}

	prev := last(head)
	for _, e := range chain {
		if prev != nil {
			if err := p.Link(prev, e); err != nil {
				_ = Teardown(p, chain)
				return fmt.Errorf("topology: link %s → %s: %w", prev.Name(), e.Name(), err)
			}
		}
		if err := p.SyncState(e); err != nil {
			_ = Teardown(p, chain)
			return fmt.Errorf("topology: sync %s: %w", e.Name(), err)
		}
		prev = e
	}

	if len(tail) > 0 {
		if err := p.Link(prev, tail[0]); err != nil {
			_ = Teardown(p, chain)
			return fmt.Errorf("topology: link %s → %s: %w", prev.Name(), tail[0].Name(), err)
		}
	}
	return nil
}

// Teardown forces every element to the inert state and removes it from p.
// It keeps going after a failure and reports all of them.
func Teardown(p pipeline.Pipeline, chain []pipeline.Element) error {
	var errs []error
	for _, e := range chain {
		if err := p.Deactivate(e); err != nil {
			errs = append(errs, fmt.Errorf("topology: deactivate %s: %w", e.Name(), err))
		}
		if err := p.Remove(e); err != nil {
			errs = append(errs, fmt.Errorf("topology: remove %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Rebuild replaces the dynamic chain with one built for cfg.
//
// It must only run while no buffer can reach the chain (inside a
// BlockHead callback, or before the pipeline plays). Any error is fatal for
// the topology: the old chain is gone and the new one is not attached.
func (t *Topology) Rebuild(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	old := t.chain
	t.chain = nil
	t.encoder = nil
	t.mu.Unlock()

	if err := Teardown(t.p, old); err != nil {
		return err
	}

	chain, err := BuildDynamicChain(t.p, cfg, t.opts)
	if err != nil {
		return err
	}
	if err := Link(t.p, t.head, chain, t.tail); err != nil {
		return err
	}

	t.mu.Lock()
	t.chain = chain
	t.encoder = encoderOf(chain, t.opts)
	t.target = cfg
	t.mu.Unlock()

	slog.Debug("topology: chain rebuilt", "target", cfg.String())
	return nil
}

// Release removes every element of the topology from its pipeline. The
// pipeline must already be stopped.
func (t *Topology) Release() {
	t.mu.Lock()
	chain := t.chain
	t.chain = nil
	t.encoder = nil
	t.mu.Unlock()

	for _, seg := range [][]pipeline.Element{t.tail, chain, t.head} {
		if err := Teardown(t.p, seg); err != nil {
			slog.Debug("topology: release", "error", err)
		}
	}
}

// SetBitrate changes the encoder bitrate in place
func (t *Topology) SetBitrate(kbps uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.encoder == nil {
		return ErrNoEncoder
	}
	if kbps == 0 {
		return fmt.Errorf("topology: invalid bitrate %d", kbps)
	}
	if err := t.encoder.SetProperty("bitrate", uint(kbps)); err != nil {
		return fmt.Errorf("topology: set bitrate: %w", err)
	}
	t.target.Bitrate = kbps
	return nil
}

// BlockHead installs a blocking point right after the head and runs
// onBlocked once no buffer is in the dynamic chain.
func (t *Topology) BlockHead(onBlocked func()) error {
	return t.p.BlockDownstream(last(t.head), onBlocked)
}

// Chain returns the current dynamic chain handles
func (t *Topology) Chain() []pipeline.Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]pipeline.Element(nil), t.chain...)
}

// Target returns the configuration the current chain was built for
func (t *Topology) Target() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

// HasEncoder reports whether bitrate can be changed
func (t *Topology) HasEncoder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoder != nil
}

// Sink returns the media target
func (t *Topology) Sink() Sink {
	return t.sink
}

// Describe returns the factory names of elems, in order
func Describe(elems []pipeline.Element) []string {
	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = e.Factory()
	}
	return out
}

func encoderOf(chain []pipeline.Element, opts Options) pipeline.Element {
	if opts.Loopback || len(chain) == 0 {
		return nil
	}
	return chain[len(chain)-1]
}

func add(p pipeline.Pipeline, factory string, into *[]pipeline.Element) (pipeline.Element, error) {
	e, err := p.Add(factory)
	if err != nil {
		return nil, fmt.Errorf("topology: create %s: %w", factory, err)
	}
	*into = append(*into, e)
	return e, nil
}

func setProperties(e pipeline.Element, props map[string]any) error {
	for name, value := range props {
		if err := e.SetProperty(name, value); err != nil {
			return fmt.Errorf("topology: %s %s: %w", e.Factory(), name, err)
		}
	}
	return nil
}

func linkAll(p pipeline.Pipeline, elems []pipeline.Element) error {
	for i := 1; i < len(elems); i++ {
		if err := p.Link(elems[i-1], elems[i]); err != nil {
			return fmt.Errorf("topology: link %s → %s: %w", elems[i-1].Name(), elems[i].Name(), err)
		}
	}
	return nil
}

// discard removes elements that were never linked into a running pipeline
func discard(p pipeline.Pipeline, elems []pipeline.Element) {
	if err := Teardown(p, elems); err != nil {
		slog.Warn("topology: discard failed", "error", err)
	}
}

func last(elems []pipeline.Element) pipeline.Element {
	if len(elems) == 0 {
		return nil
	}
	return elems[len(elems)-1]
}
