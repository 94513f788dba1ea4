package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/e7canasta/streamctl"
	"github.com/e7canasta/streamctl/internal/config"
)

func newControllerCmd(root *rootOptions) *cobra.Command {
	var (
		addr      string
		port      uint16
		mediaPort uint16
		runtime   string
		sink      string
	)

	cmd := &cobra.Command{
		Use:     "controller",
		Aliases: []string{"display"},
		Short:   "Start the stream on a producer and control it interactively",
		Long: `Run the display side. The controller connects to a producer, asks it to
stream to the local media port, renders the stream and reads commands from
stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") || flags.Changed("port") {
				host, p, err := net.SplitHostPort(cfg.Controller.Addr)
				if err != nil {
					return errors.Wrapf(err, "invalid controller address %q", cfg.Controller.Addr)
				}
				if flags.Changed("addr") {
					host = addr
				}
				if flags.Changed("port") {
					p = strconv.Itoa(int(port))
				}
				cfg.Controller.Addr = net.JoinHostPort(host, p)
			}
			if flags.Changed("media-port") {
				cfg.Controller.MediaPort = mediaPort
			}
			if flags.Changed("runtime") {
				cfg.Controller.Runtime = runtime
			}
			if flags.Changed("sink") {
				cfg.Controller.Sink = sink
			}
			if err := config.Validate(cfg); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			return runController(cmd.Context(), cfg.Controller)
		},
		Example: `  # Connect to a producer on this machine
  streamctl controller

  # Connect to a remote producer, receive on UDP 9000
  streamctl controller -a 192.168.1.20 -p 8080 --media-port 9000`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&addr, "addr", "a", "127.0.0.1", "Producer address")
	flags.Uint16VarP(&port, "port", "p", 8080, "Producer control port")
	flags.Uint16Var(&mediaPort, "media-port", 8081, "Local UDP port to receive media on")
	flags.StringVar(&runtime, "runtime", config.RuntimeGst, "Pipeline runtime: gst or sim")
	flags.StringVar(&sink, "sink", "autovideosink", "Video sink element")

	return cmd
}

func runController(ctx context.Context, cfg config.ControllerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg.Runtime)
	if err != nil {
		return err
	}

	c, err := streamctl.Dial(ctx, streamctl.ControllerConfig{
		Addr:           cfg.Addr,
		MediaPort:      cfg.MediaPort,
		Runtime:        rt,
		Sink:           cfg.Sink,
		RequestTimeout: cfg.RequestTimeout,
		Reconnect:      cfg.Reconnect,
	})
	if err != nil {
		return errors.Wrap(err, "failed to connect to producer")
	}
	defer c.Close()

	if err := c.StartStreaming(ctx); err != nil {
		if errors.Is(err, streamctl.ErrRejected) {
			return errors.New("producer refused to stream (already streaming to another controller?)")
		}
		return errors.Wrap(err, "failed to start streaming")
	}
	slog.Info("controller: streaming started", "media_port", c.MediaPort())

	r := &repl{c: c, out: os.Stdout, done: c.Done()}
	if err := r.run(ctx, os.Stdin); err != nil {
		return errors.Wrap(err, "reading commands")
	}
	return nil
}
