package simrt

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pion/rtp"
)

const (
	// rtpPayloadType is the dynamic payload type rtph264pay uses by default
	rtpPayloadType = 96

	// rtpClockRate is the RTP clock for video
	rtpClockRate = 90000

	frameInfoSize = 16
)

// FrameInfo is what the simulated encoder writes for each frame
type FrameInfo struct {
	Width     uint32
	Height    uint32
	Framerate uint32
	Bitrate   uint32
}

func (f FrameInfo) marshal() []byte {
	b := make([]byte, frameInfoSize)
	binary.BigEndian.PutUint32(b[0:4], f.Width)
	binary.BigEndian.PutUint32(b[4:8], f.Height)
	binary.BigEndian.PutUint32(b[8:12], f.Framerate)
	binary.BigEndian.PutUint32(b[12:16], f.Bitrate)
	return b
}

func parseFrameInfo(b []byte) (FrameInfo, bool) {
	if len(b) < frameInfoSize {
		return FrameInfo{}, false
	}
	return FrameInfo{
		Width:     binary.BigEndian.Uint32(b[0:4]),
		Height:    binary.BigEndian.Uint32(b[4:8]),
		Framerate: binary.BigEndian.Uint32(b[8:12]),
		Bitrate:   binary.BigEndian.Uint32(b[12:16]),
	}, true
}

// buffer is one frame travelling through the pipeline
type buffer struct {
	width     uint32
	height    uint32
	framerate uint32
	pts       time.Duration
	encoded   bool
	payload   []byte
}

// run is the streaming goroutine: one buffer per source frame interval
func (p *Pipeline) run(src *Element, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			idle := p.eos || p.halted || p.stalled || src.state != StatePlaying
			var c caps
			if src.down != nil {
				c = src.down.caps
			}
			if !idle {
				src.processed++
			}
			p.mu.Unlock()

			if idle {
				continue
			}

			fps := c.framerate
			if fps == 0 {
				fps = defaultSourceFramerate
			}
			p.push(src, &buffer{
				width:     c.width,
				height:    c.height,
				framerate: fps,
				pts:       now.Sub(start),
			})
		}
	}
}

// push moves buf downstream from the src pad of from until it is consumed
// or dropped. Blocking probes on a pad run before the buffer crosses it.
func (p *Pipeline) push(from *Element, buf *buffer) {
	e := from
	for {
		p.runProbes(e)

		p.mu.Lock()
		if e.removed {
			p.mu.Unlock()
			return
		}
		next := e.down
		if next == nil {
			p.halted = true
			p.postErrorLocked(fmt.Errorf("simrt: %s: internal data stream error: not-linked", e.name))
			p.mu.Unlock()
			return
		}
		if next.state != StatePlaying {
			p.violations++
			p.mu.Unlock()
			slog.Debug("simrt: buffer reached inactive element", "element", next.name, "state", next.state.String())
			return
		}
		keep := p.process(next, buf)
		p.mu.Unlock()

		if !keep || next.kind == kindSink {
			return
		}
		e = next
	}
}

func (p *Pipeline) runProbes(e *Element) {
	p.mu.Lock()
	cbs := p.probes[e]
	delete(p.probes, e)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// process applies element e to buf. Called with p.mu held.
func (p *Pipeline) process(e *Element, buf *buffer) bool {
	switch e.factory {
	case "capsfilter":
		if e.caps.width > 0 && e.caps.height > 0 {
			buf.width, buf.height = e.caps.width, e.caps.height
		}

	case "videorate":
		maxRate := uintProp(e.props["max-rate"])
		if maxRate > 0 && buf.framerate > maxRate {
			e.rateAcc += float64(maxRate) / float64(buf.framerate)
			if e.rateAcc < 1 {
				return false
			}
			e.rateAcc--
			buf.framerate = maxRate
		}

	case "x264enc":
		buf.payload = FrameInfo{
			Width:     buf.width,
			Height:    buf.height,
			Framerate: buf.framerate,
			Bitrate:   uintProp(e.props["bitrate"]),
		}.marshal()
		buf.encoded = true

	case "rtph264pay":
		if !buf.encoded {
			// raw video cannot be payloaded: not-negotiated
			p.violations++
			return false
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    rtpPayloadType,
				SequenceNumber: p.rtpSeq,
				Timestamp:      uint32(buf.pts.Seconds() * rtpClockRate),
				SSRC:           p.ssrc,
			},
			Payload: buf.payload,
		}
		p.rtpSeq++
		raw, err := pkt.Marshal()
		if err != nil {
			p.postErrorLocked(fmt.Errorf("simrt: %s: %w", e.name, err))
			return false
		}
		buf.payload = raw

	case "udpsink":
		if err := p.send(e, buf.payload); err != nil {
			slog.Debug("simrt: udpsink send failed", "element", e.name, "error", err)
		} else {
			p.sent++
		}
	}

	e.processed++
	return true
}

// send writes payload to the udpsink target. Called with p.mu held.
func (p *Pipeline) send(e *Element, payload []byte) error {
	if e.udp == nil {
		host, _ := e.props["host"].(string)
		if host == "" {
			host = "localhost"
		}
		port := uintProp(e.props["port"])
		conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		if err != nil {
			return err
		}
		e.udp = conn.(*net.UDPConn)
	}
	_, err := e.udp.Write(payload)
	return err
}

// uintProp converts an integer property value of any Go integer type
func uintProp(v any) uint32 {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return uint32(n)
		}
	case int32:
		if n > 0 {
			return uint32(n)
		}
	case int64:
		if n > 0 {
			return uint32(n)
		}
	case uint:
		return uint32(n)
	case uint32:
		return n
	case uint64:
		return uint32(n)
	}
	return 0
}
