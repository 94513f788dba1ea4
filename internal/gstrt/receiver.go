package gstrt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/streamctl/internal/pipeline"
	"github.com/e7canasta/streamctl/internal/rxstats"
)

// rtpCaps describes the stream udpsrc receives
const rtpCaps = "application/x-rtp,media=video,clock-rate=90000,encoding-name=H264,payload=96"

// Receiver renders the RTP/H.264 stream arriving on a UDP port
type Receiver struct {
	cfg  pipeline.ReceiverConfig
	pipe *Pipeline
	rec  *rxstats.Recorder

	mu      sync.Mutex
	started bool
}

var _ pipeline.Receiver = (*Receiver)(nil)

func newReceiver(cfg pipeline.ReceiverConfig) (*Receiver, error) {
	p, err := gst.NewPipeline(fmt.Sprintf("receiver-%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("gstrt: create receiver pipeline: %w", err)
	}
	r := &Receiver{cfg: cfg, pipe: newPipeline(p), rec: rxstats.NewRecorder()}

	if err := r.build(); err != nil {
		_ = r.pipe.Stop()
		return nil, err
	}
	return r, nil
}

func (r *Receiver) build() error {
	factories := []string{"udpsrc", "rtpjitterbuffer", "rtph264depay", "avdec_h264", "videoconvert", r.cfg.Sink}
	elems := make([]*Element, 0, len(factories))
	for _, f := range factories {
		e, err := r.pipe.Add(f)
		if err != nil {
			return err
		}
		elems = append(elems, e.(*Element))
	}

	src, sink := elems[0], elems[len(elems)-1]
	if err := src.SetProperty("port", int(r.cfg.Port)); err != nil {
		return err
	}
	if err := src.SetProperty("caps", gst.NewCapsFromString(rtpCaps)); err != nil {
		return err
	}
	if err := elems[1].SetProperty("latency", uint(100)); err != nil {
		return err
	}
	if err := sink.SetProperty("sync", false); err != nil {
		slog.Debug("gstrt: sink has no sync property", "sink", r.cfg.Sink)
	}

	for i := 0; i+1 < len(elems); i++ {
		if err := r.pipe.Link(elems[i], elems[i+1]); err != nil {
			return err
		}
	}

	// Packet statistics at the network edge
	if pad := src.elem.GetStaticPad("src"); pad != nil {
		pad.AddProbe(gst.PadProbeTypeBuffer, func(_ *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
			if buf := info.GetBuffer(); buf != nil {
				r.rec.ObservePacket(int(buf.GetSize()))
			}
			return gst.PadProbeOK
		})
	}

	// Frame statistics on decoded video entering the sink
	convert := elems[len(elems)-2]
	if pad := convert.elem.GetStaticPad("src"); pad != nil {
		pad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, _ *gst.PadProbeInfo) gst.PadProbeReturn {
			w, h := frameSize(pad)
			r.rec.ObserveFrame(time.Now(), w, h)
			return gst.PadProbeOK
		})
	}
	return nil
}

// frameSize reads width and height from the negotiated caps of pad
func frameSize(pad *gst.Pad) (width, height uint32) {
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	structure := caps.GetStructureAt(0)
	if val, err := structure.GetValue("width"); err == nil {
		if v, ok := val.(int); ok {
			width = uint32(v)
		}
	}
	if val, err := structure.GetValue("height"); err == nil {
		if v, ok := val.(int); ok {
			height = uint32(v)
		}
	}
	return width, height
}

// Start sets the receiver to PLAYING
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.pipe.Play(); err != nil {
		return err
	}
	r.started = true
	slog.Info("gstrt: receiver playing", "port", r.cfg.Port, "sink", r.cfg.Sink)
	return nil
}

// Stop releases the receiver pipeline
func (r *Receiver) Stop() error {
	return r.pipe.Stop()
}

// Port returns the UDP port
func (r *Receiver) Port() uint16 { return r.cfg.Port }

// Stats returns receive statistics
func (r *Receiver) Stats() rxstats.Stats { return r.rec.Snapshot() }

// Errors delivers receiver pipeline errors
func (r *Receiver) Errors() <-chan error { return r.pipe.Errors() }
