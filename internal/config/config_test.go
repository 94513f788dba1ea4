package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/streamctl/internal/topology"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ":8080", cfg.Producer.Listen)
	assert.Equal(t, uint16(8081), cfg.Controller.MediaPort)
	assert.Equal(t, 5*time.Second, cfg.Producer.ReconfigureTimeout)
	assert.Equal(t, topology.DefaultConfig(), cfg.Producer.Initial)
	assert.False(t, cfg.Events.Enabled)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
producer:
  listen: ":9100"
  runtime: sim
  reconfigure_timeout: 2s
  source:
    kind: v4l2
    device: /dev/video2
    width: 640
    height: 480
    framerate: 15
  initial:
    width: 640
    height: 480
    framerate: 15
    bitrate: 1000
controller:
  addr: "10.0.0.5:9100"
  media_port: 9001
  reconnect:
    max_retries: 3
    retry_delay: 500ms
    max_retry_delay: 4s
events:
  enabled: true
  mqtt:
    broker: "mqtt.local:1883"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Producer.Listen)
	assert.Equal(t, RuntimeSim, cfg.Producer.Runtime)
	assert.Equal(t, 2*time.Second, cfg.Producer.ReconfigureTimeout)
	assert.Equal(t, topology.SourceV4L2, cfg.Producer.Source.Kind)
	assert.Equal(t, "/dev/video2", cfg.Producer.Source.Device)
	assert.Equal(t, topology.Config{Width: 640, Height: 480, Framerate: 15, Bitrate: 1000}, cfg.Producer.Initial)

	// Untouched nested values keep their defaults
	assert.Equal(t, topology.DefaultEncoder(), cfg.Producer.Encoder)

	assert.Equal(t, "10.0.0.5:9100", cfg.Controller.Addr)
	assert.Equal(t, uint16(9001), cfg.Controller.MediaPort)
	assert.Equal(t, 3, cfg.Controller.Reconnect.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Controller.Reconnect.RetryDelay)
	assert.Equal(t, 4*time.Second, cfg.Controller.Reconnect.MaxRetryDelay)

	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "mqtt.local:1883", cfg.Events.MQTT.Broker)
	assert.Equal(t, "streamctl/events", cfg.Events.MQTT.Topic)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "producer:\n  listen: \":9100\"\n")
	t.Setenv("STREAMCTL_PRODUCER_LISTEN", ":9200")
	t.Setenv("STREAMCTL_PRODUCER_RUNTIME", "sim")
	t.Setenv("STREAMCTL_PRODUCER_RECONFIGURE_TIMEOUT", "750ms")
	t.Setenv("STREAMCTL_CONTROLLER_MEDIA_PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9200", cfg.Producer.Listen)
	assert.Equal(t, RuntimeSim, cfg.Producer.Runtime)
	assert.Equal(t, 750*time.Millisecond, cfg.Producer.ReconfigureTimeout)
	assert.Equal(t, uint16(7000), cfg.Controller.MediaPort)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "producer: [not, a, map]"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeConfig(t, "producer:\n  runtime: vlc\n"))
	assert.ErrorContains(t, err, "producer.runtime")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty listen", func(c *Config) { c.Producer.Listen = "" }, "producer.listen"},
		{"negative timeout", func(c *Config) { c.Producer.ReconfigureTimeout = -time.Second }, "reconfigure_timeout"},
		{"unknown source", func(c *Config) { c.Producer.Source.Kind = "rtsp" }, "producer.source.kind"},
		{"v4l2 without device", func(c *Config) {
			c.Producer.Source.Kind = topology.SourceV4L2
			c.Producer.Source.Device = ""
		}, "device"},
		{"zero capture size", func(c *Config) { c.Producer.Source.Width = 0 }, "producer.source"},
		{"invalid initial", func(c *Config) { c.Producer.Initial.Bitrate = 0 }, "producer.initial"},
		{"empty addr", func(c *Config) { c.Controller.Addr = "" }, "controller.addr"},
		{"controller runtime", func(c *Config) { c.Controller.Runtime = "x" }, "controller.runtime"},
		{"zero media port", func(c *Config) { c.Controller.MediaPort = 0 }, "media_port"},
		{"events without broker", func(c *Config) {
			c.Events.Enabled = true
			c.Events.MQTT.Broker = ""
		}, "events.mqtt.broker"},
		{"bad qos", func(c *Config) {
			c.Events.Enabled = true
			c.Events.MQTT.QoS = 3
		}, "qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.wantErr)
		})
	}
}

func TestValidate_FillsOptionalValues(t *testing.T) {
	cfg := Default()
	cfg.Producer.ShutdownTimeout = 0
	cfg.Producer.Loopback = true
	cfg.Producer.LoopbackSink = ""
	cfg.Controller.Sink = ""
	cfg.Controller.RequestTimeout = 0
	cfg.Controller.Reconnect.RetryDelay = 0
	cfg.Controller.Reconnect.MaxRetryDelay = 0

	require.NoError(t, Validate(cfg))
	assert.Equal(t, 5*time.Second, cfg.Producer.ShutdownTimeout)
	assert.Equal(t, "autovideosink", cfg.Producer.LoopbackSink)
	assert.Equal(t, "autovideosink", cfg.Controller.Sink)
	assert.Equal(t, 10*time.Second, cfg.Controller.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Controller.Reconnect.RetryDelay)
	assert.Equal(t, time.Second, cfg.Controller.Reconnect.MaxRetryDelay)
}
