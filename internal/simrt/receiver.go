package simrt

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/e7canasta/streamctl/internal/pipeline"
	"github.com/e7canasta/streamctl/internal/rxstats"
)

// Receiver listens for RTP from a simulated pipeline and records what it sees
type Receiver struct {
	cfg pipeline.ReceiverConfig
	rec *rxstats.Recorder

	mu   sync.Mutex
	conn *net.UDPConn
	last FrameInfo
	done chan struct{}
}

var _ pipeline.Receiver = (*Receiver)(nil)

func newReceiver(cfg pipeline.ReceiverConfig) *Receiver {
	return &Receiver{cfg: cfg, rec: rxstats.NewRecorder()}
}

// Start binds the UDP port and starts receiving
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(r.cfg.Port)})
	if err != nil {
		return fmt.Errorf("simrt: listen udp %d: %w", r.cfg.Port, err)
	}
	r.conn = conn
	r.done = make(chan struct{})
	go r.loop(conn, r.done)

	slog.Debug("simrt: receiver listening", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket and waits for the receive loop
func (r *Receiver) Stop() error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// Port returns the bound UDP port, or the configured one before Start
func (r *Receiver) Port() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return uint16(r.conn.LocalAddr().(*net.UDPAddr).Port)
	}
	return r.cfg.Port
}

// Stats returns receive statistics
func (r *Receiver) Stats() rxstats.Stats {
	return r.rec.Snapshot()
}

// Last returns what the encoder reported for the most recent frame
func (r *Receiver) Last() FrameInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Receiver) loop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("simrt: receiver read failed", "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("simrt: dropping non-RTP datagram", "bytes", n, "error", err)
			continue
		}
		r.rec.ObservePacket(len(pkt.Payload))

		info, ok := parseFrameInfo(pkt.Payload)
		if ok {
			r.mu.Lock()
			r.last = info
			r.mu.Unlock()
		}
		if pkt.Marker {
			r.rec.ObserveFrame(time.Now(), info.Width, info.Height)
		}
	}
}
