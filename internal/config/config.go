// Package config loads streamctl configuration from YAML with STREAMCTL_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/streamctl/internal/events"
	"github.com/e7canasta/streamctl/internal/reconnect"
	"github.com/e7canasta/streamctl/internal/topology"
)

// Runtime names accepted by producer.runtime and controller.runtime
const (
	RuntimeGst = "gst"
	RuntimeSim = "sim"
)

// Config represents the complete streamctl configuration
type Config struct {
	Producer   ProducerConfig   `yaml:"producer"`
	Controller ControllerConfig `yaml:"controller"`
	Events     EventsConfig     `yaml:"events"`
}

// ProducerConfig contains the camera-side settings
type ProducerConfig struct {
	Listen             string           `yaml:"listen"`              // control address, e.g. ":8080"
	Runtime            string           `yaml:"runtime"`             // gst, sim
	ReconfigureTimeout time.Duration    `yaml:"reconfigure_timeout"` // 0 waits forever
	ShutdownTimeout    time.Duration    `yaml:"shutdown_timeout"`
	HealthAddr         string           `yaml:"health_addr"` // empty disables /health and /readiness
	Source             topology.Source  `yaml:"source"`
	Encoder            topology.Encoder `yaml:"encoder"`
	Initial            topology.Config  `yaml:"initial"`
	Loopback           bool             `yaml:"loopback"`
	LoopbackSink       string           `yaml:"loopback_sink"`
}

// ControllerConfig contains the display-side settings
type ControllerConfig struct {
	Addr           string           `yaml:"addr"`       // producer control address
	MediaPort      uint16           `yaml:"media_port"` // local UDP port for RTP
	Runtime        string           `yaml:"runtime"`
	Sink           string           `yaml:"sink"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
	Reconnect      reconnect.Config `yaml:"reconnect"`
}

// EventsConfig contains session event publishing settings
type EventsConfig struct {
	Enabled bool              `yaml:"enabled"`
	MQTT    events.MQTTConfig `yaml:"mqtt"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Producer: ProducerConfig{
			Listen:             ":8080",
			Runtime:            RuntimeGst,
			ReconfigureTimeout: 5 * time.Second,
			ShutdownTimeout:    5 * time.Second,
			Source: topology.Source{
				Kind:      topology.SourceTest,
				Device:    "/dev/video0",
				Width:     1280,
				Height:    720,
				Framerate: 30,
				Pattern:   18, // ball
			},
			Encoder:      topology.DefaultEncoder(),
			Initial:      topology.DefaultConfig(),
			LoopbackSink: "autovideosink",
		},
		Controller: ControllerConfig{
			Addr:           "127.0.0.1:8080",
			MediaPort:      8081,
			Runtime:        RuntimeGst,
			Sink:           "autovideosink",
			RequestTimeout: 10 * time.Second,
			Reconnect:      reconnect.DefaultConfig(),
		},
		Events: EventsConfig{
			MQTT: events.MQTTConfig{
				Broker:   "localhost:1883",
				Topic:    "streamctl/events",
				ClientID: "streamctl-producer",
				QoS:      0,
			},
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKeys lists the settings that can be overridden from the environment.
// producer.listen is read from STREAMCTL_PRODUCER_LISTEN and so on.
var envKeys = map[string]func(v *viper.Viper, key string, cfg *Config){
	"producer.listen":              func(v *viper.Viper, k string, c *Config) { c.Producer.Listen = v.GetString(k) },
	"producer.runtime":             func(v *viper.Viper, k string, c *Config) { c.Producer.Runtime = v.GetString(k) },
	"producer.reconfigure_timeout": func(v *viper.Viper, k string, c *Config) { c.Producer.ReconfigureTimeout = v.GetDuration(k) },
	"producer.source.kind":         func(v *viper.Viper, k string, c *Config) { c.Producer.Source.Kind = topology.SourceKind(v.GetString(k)) },
	"producer.source.device":       func(v *viper.Viper, k string, c *Config) { c.Producer.Source.Device = v.GetString(k) },
	"producer.health_addr":         func(v *viper.Viper, k string, c *Config) { c.Producer.HealthAddr = v.GetString(k) },
	"producer.loopback":            func(v *viper.Viper, k string, c *Config) { c.Producer.Loopback = v.GetBool(k) },
	"controller.addr":              func(v *viper.Viper, k string, c *Config) { c.Controller.Addr = v.GetString(k) },
	"controller.media_port":        func(v *viper.Viper, k string, c *Config) { c.Controller.MediaPort = v.GetUint16(k) },
	"controller.runtime":           func(v *viper.Viper, k string, c *Config) { c.Controller.Runtime = v.GetString(k) },
	"controller.sink":              func(v *viper.Viper, k string, c *Config) { c.Controller.Sink = v.GetString(k) },
	"events.enabled":               func(v *viper.Viper, k string, c *Config) { c.Events.Enabled = v.GetBool(k) },
	"events.mqtt.broker":           func(v *viper.Viper, k string, c *Config) { c.Events.MQTT.Broker = v.GetString(k) },
	"events.mqtt.topic":            func(v *viper.Viper, k string, c *Config) { c.Events.MQTT.Topic = v.GetString(k) },
}

// ApplyEnv overrides cfg with STREAMCTL_* environment variables
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("STREAMCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, apply := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("config: bind env %s: %w", key, err)
		}
		if v.IsSet(key) {
			apply(v, key, cfg)
		}
	}
	return nil
}

// Validate checks the configuration and fills unset optional values
func Validate(cfg *Config) error {
	p := &cfg.Producer
	if p.Listen == "" {
		return fmt.Errorf("producer.listen is required")
	}
	if err := validateRuntime("producer.runtime", p.Runtime); err != nil {
		return err
	}
	if p.ReconfigureTimeout < 0 {
		return fmt.Errorf("producer.reconfigure_timeout must be >= 0")
	}
	if p.ShutdownTimeout <= 0 {
		p.ShutdownTimeout = 5 * time.Second
	}
	switch p.Source.Kind {
	case topology.SourceTest:
	case topology.SourceV4L2:
		if p.Source.Device == "" {
			return fmt.Errorf("producer.source.device is required for v4l2")
		}
	default:
		return fmt.Errorf("producer.source.kind must be %q or %q, got %q", topology.SourceV4L2, topology.SourceTest, p.Source.Kind)
	}
	if p.Source.Width == 0 || p.Source.Height == 0 || p.Source.Framerate == 0 {
		return fmt.Errorf("producer.source width, height and framerate must be > 0")
	}
	if err := p.Initial.Validate(); err != nil {
		return fmt.Errorf("producer.initial: %w", err)
	}
	if p.Loopback && p.LoopbackSink == "" {
		p.LoopbackSink = "autovideosink"
	}

	c := &cfg.Controller
	if c.Addr == "" {
		return fmt.Errorf("controller.addr is required")
	}
	if err := validateRuntime("controller.runtime", c.Runtime); err != nil {
		return err
	}
	if c.MediaPort == 0 {
		return fmt.Errorf("controller.media_port must be > 0")
	}
	if c.Sink == "" {
		c.Sink = "autovideosink"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Reconnect.RetryDelay <= 0 {
		c.Reconnect.RetryDelay = reconnect.DefaultConfig().RetryDelay
	}
	if c.Reconnect.MaxRetryDelay < c.Reconnect.RetryDelay {
		c.Reconnect.MaxRetryDelay = c.Reconnect.RetryDelay
	}

	if cfg.Events.Enabled {
		m := &cfg.Events.MQTT
		if m.Broker == "" {
			return fmt.Errorf("events.mqtt.broker is required when events are enabled")
		}
		if m.QoS > 2 {
			return fmt.Errorf("events.mqtt.qos must be 0, 1 or 2")
		}
		if m.Topic == "" {
			m.Topic = "streamctl/events"
		}
		if m.ClientID == "" {
			m.ClientID = "streamctl-producer"
		}
	}
	return nil
}

func validateRuntime(field, name string) error {
	switch name {
	case RuntimeGst, RuntimeSim:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", field, RuntimeGst, RuntimeSim, name)
	}
}
