package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/e7canasta/streamctl"
	"github.com/e7canasta/streamctl/internal/config"
	"github.com/e7canasta/streamctl/internal/gstrt"
	"github.com/e7canasta/streamctl/internal/simrt"
)

type rootOptions struct {
	debug      bool
	logFormat  string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "streamctl",
		Short: "Remote control of a live RTP video stream",
		Long: `streamctl runs either side of a remotely controlled video stream.

The producer captures, encodes and sends H.264 over RTP/UDP to the controller
that asked for it. The controller starts the stream and changes resolution,
framerate and bitrate while it is running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(os.Stderr, opts.logFormat, opts.debug)
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(newProducerCmd(opts))
	cmd.AddCommand(newControllerCmd(opts))

	return cmd
}

// setupLogging installs the default slog logger
func setupLogging(w io.Writer, format string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return cfg, nil
}

// newRuntime returns the pipeline runtime called name
func newRuntime(name string) (streamctl.Runtime, error) {
	switch name {
	case config.RuntimeGst:
		return gstrt.New(), nil
	case config.RuntimeSim:
		return simrt.New(), nil
	default:
		return nil, errors.Errorf("unknown runtime %q", name)
	}
}
