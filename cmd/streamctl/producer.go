package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/e7canasta/streamctl"
	"github.com/e7canasta/streamctl/internal/config"
	"github.com/e7canasta/streamctl/internal/events"
	"github.com/e7canasta/streamctl/internal/health"
	"github.com/e7canasta/streamctl/internal/topology"
)

func newProducerCmd(root *rootOptions) *cobra.Command {
	var (
		port       uint16
		runtime    string
		source     string
		device     string
		loopback   bool
		timeout    time.Duration
		mqtt       string
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Serve the control protocol and stream to the controller",
		Long: `Run the camera side. The producer listens for a controller, and streams
to it once asked. Only one controller streams at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Producer.Listen = fmt.Sprintf(":%d", port)
			}
			if flags.Changed("runtime") {
				cfg.Producer.Runtime = runtime
			}
			if flags.Changed("source") {
				cfg.Producer.Source.Kind = topology.SourceKind(source)
			}
			if flags.Changed("device") {
				cfg.Producer.Source.Device = device
			}
			if flags.Changed("loopback") {
				cfg.Producer.Loopback = loopback
			}
			if flags.Changed("reconfigure-timeout") {
				cfg.Producer.ReconfigureTimeout = timeout
			}
			if flags.Changed("health-addr") {
				cfg.Producer.HealthAddr = healthAddr
			}
			if flags.Changed("mqtt") {
				cfg.Events.Enabled = mqtt != ""
				cfg.Events.MQTT.Broker = mqtt
			}
			if err := config.Validate(cfg); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			return runProducer(cmd.Context(), cfg)
		},
		Example: `  # Stream a test pattern, control on port 8080
  streamctl producer -p 8080 --source testsrc

  # Stream from a camera and publish session events over MQTT
  streamctl producer --source v4l2 --device /dev/video0 --mqtt localhost:1883`,
	}

	flags := cmd.Flags()
	flags.Uint16VarP(&port, "port", "p", 8080, "Control port to listen on")
	flags.StringVar(&runtime, "runtime", config.RuntimeGst, "Pipeline runtime: gst or sim")
	flags.StringVar(&source, "source", string(topology.SourceTest), "Capture source: v4l2 or testsrc")
	flags.StringVar(&device, "device", "/dev/video0", "V4L2 device for the v4l2 source")
	flags.BoolVar(&loopback, "loopback", false, "Render locally instead of encoding and sending")
	flags.DurationVar(&timeout, "reconfigure-timeout", 5*time.Second, "Upper bound for a pipeline rebuild (0 waits forever)")
	flags.StringVar(&mqtt, "mqtt", "", "MQTT broker host:port for session events")
	flags.StringVar(&healthAddr, "health-addr", "", "Serve /health, /readiness and /metrics on this address")

	return cmd
}

func runProducer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg.Producer.Runtime)
	if err != nil {
		return err
	}

	var (
		sink          events.Sink
		mqttConnected func() bool
	)
	if cfg.Events.Enabled {
		pub := events.NewMQTTPublisher(cfg.Events.MQTT)
		if err := pub.Connect(ctx); err != nil {
			// The client keeps retrying in the background
			slog.Warn("producer: mqtt not reachable yet, events will be published once connected",
				"broker", cfg.Events.MQTT.Broker,
				"error", err,
			)
		}
		defer func() {
			st := pub.Stats()
			slog.Info("producer: event publisher closing",
				"published", st.Published,
				"dropped", st.Dropped,
				"errors", st.Errors,
			)
			_ = pub.Close()
		}()
		sink = pub
		mqttConnected = func() bool { return pub.Stats().Connected }
	}

	pc := cfg.Producer
	encoder := pc.Encoder
	p, err := streamctl.NewProducer(streamctl.ProducerConfig{
		Addr:               pc.Listen,
		Runtime:            rt,
		Source:             pc.Source,
		Encoder:            &encoder,
		Initial:            pc.Initial,
		Loopback:           pc.Loopback,
		LoopbackSink:       pc.LoopbackSink,
		ReconfigureTimeout: pc.ReconfigureTimeout,
		Events:             sink,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create producer")
	}

	slog.Info("producer: starting",
		"listen", pc.Listen,
		"runtime", rt.Name(),
		"source", string(pc.Source.Kind),
		"initial", pc.Initial.String(),
		"loopback", pc.Loopback,
	)

	if pc.HealthAddr != "" {
		hs := health.New(pc.HealthAddr, p, mqttConnected)
		if err := hs.Start(); err != nil {
			return errors.Wrap(err, "failed to start health server")
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), pc.ShutdownTimeout)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	err = p.ListenAndServe(ctx)

	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	select {
	case cerr := <-done:
		if cerr != nil {
			slog.Error("producer: shutdown failed", "error", cerr)
		}
	case <-time.After(pc.ShutdownTimeout):
		slog.Error("producer: shutdown timed out", "timeout", pc.ShutdownTimeout)
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, streamctl.ErrProducerClosed) {
		return errors.Wrap(err, "producer stopped")
	}
	slog.Info("producer: stopped")
	return nil
}
