// Package health serves liveness and readiness endpoints for a Producer.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/streamctl/internal/session"
)

// Source is what the endpoints report on
type Source interface {
	// Addr returns the control address, nil until listening
	Addr() net.Addr
	Status() session.Status
}

// Report represents the health state of the Producer
type Report struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	ControlAddr   string `json:"control_addr,omitempty"`
	Session       string `json:"session"` // idle, active, reconfiguring
	SessionID     string `json:"session_id,omitempty"`
	Owner         string `json:"owner,omitempty"`
	Target        string `json:"target,omitempty"`
	Width         uint32 `json:"width,omitempty"`
	Height        uint32 `json:"height,omitempty"`
	Framerate     uint32 `json:"framerate,omitempty"`
	Bitrate       uint32 `json:"bitrate,omitempty"`
	StreamingS    int64  `json:"streaming_seconds,omitempty"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
}

// Server exposes /health, /readiness and /metrics
type Server struct {
	src       Source
	connected func() bool
	started   time.Time
	srv       *http.Server
}

// New creates a health server for src. mqttConnected may be nil when events
// are not published.
func New(addr string, src Source, mqttConnected func() bool) *Server {
	s := &Server{src: src, connected: mqttConnected, started: time.Now()}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the endpoint mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.liveness)
	mux.HandleFunc("/readiness", s.readiness)
	mux.HandleFunc("/metrics", s.metrics)
	return mux
}

// Check returns the current health report
func (s *Server) Check() Report {
	st := s.src.Status()
	r := Report{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Session:       st.State.String(),
		SessionID:     st.SessionID,
		Owner:         st.Owner,
	}

	if addr := s.src.Addr(); addr != nil {
		r.ControlAddr = addr.String()
	} else {
		r.Status = "unhealthy"
	}

	if st.State != session.StateIdle {
		r.Target = st.Target.String()
		r.Width = st.Config.Width
		r.Height = st.Config.Height
		r.Framerate = st.Config.Framerate
		r.Bitrate = st.Config.Bitrate
		r.StreamingS = int64(time.Since(st.StartedAt).Seconds())
	}

	if s.connected != nil {
		up := s.connected()
		r.MQTTConnected = &up
		if !up && r.Status == "healthy" {
			r.Status = "degraded"
		}
	}
	return r
}

// liveness answers 200 while the process runs
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readiness answers 503 until the control port is listening
func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	r := s.Check()
	code := http.StatusOK
	if r.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, r)
}

// metrics writes a few gauges in the Prometheus text format
func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	r := s.Check()
	streaming := 0
	if r.Session != session.StateIdle.String() {
		streaming = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "streamctl_uptime_seconds %d\n", r.UptimeSeconds)
	fmt.Fprintf(w, "streamctl_streaming %d\n", streaming)
	fmt.Fprintf(w, "streamctl_stream_width %d\n", r.Width)
	fmt.Fprintf(w, "streamctl_stream_height %d\n", r.Height)
	fmt.Fprintf(w, "streamctl_stream_framerate %d\n", r.Framerate)
	fmt.Fprintf(w, "streamctl_stream_bitrate_kbps %d\n", r.Bitrate)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response failed", "error", err)
	}
}

// Start binds the address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.srv.Addr, err)
	}

	slog.Info("health: server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
