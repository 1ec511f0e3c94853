// Package config loads the tagcast YAML configuration.
//
// Every field is optional: Default() holds the values the appliance has
// always shipped with and a config file only overrides what it names.
package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ayusman/tagcast/internal/broker"
	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/detector"
)

// Config is the complete runtime configuration.
type Config struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Broker   BrokerConfig   `yaml:"broker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// CaptureConfig selects the capture pipeline.
// A non-empty Device is used verbatim and the other fields are ignored.
type CaptureConfig struct {
	Device   string `yaml:"device"`
	Protocol string `yaml:"protocol"` // argus, v4l2
	Path     string `yaml:"path"`     // v4l2 device node
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
}

// CameraConfig holds the optics. Calibration names a profile in the store;
// when empty the inline intrinsics and distortion are used.
type CameraConfig struct {
	Calibration string             `yaml:"calibration"`
	Intrinsics  capture.Intrinsics `yaml:"intrinsics"`
	Distortion  []float64          `yaml:"distortion"`
}

// DetectorConfig configures the tag detector helper.
type DetectorConfig struct {
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
	TagEdgeLength float64  `yaml:"tag_edge_length"` // meters
	MaxTags       int      `yaml:"max_tags"`
}

// BrokerConfig contains MQTT broker settings.
type BrokerConfig struct {
	Address       string   `yaml:"address"`
	ClientID      string   `yaml:"client_id"`
	Topic         string   `yaml:"topic"`
	KeepAlive     Duration `yaml:"keep_alive"`
	CleanSession  *bool    `yaml:"clean_session,omitempty"`
	WriteTimeout  Duration `yaml:"write_timeout"`
	AutoReconnect *bool    `yaml:"auto_reconnect,omitempty"`
}

// PipelineConfig controls failure handling in the frame loop.
type PipelineConfig struct {
	// FailFast ends the run on the first detect or publish error instead of
	// skipping the frame.
	FailFast bool `yaml:"fail_fast"`
}

// StoreConfig locates the SQLite database. Empty disables the store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig enables the status server when Addr is set.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	spec := capture.DefaultPipelineSpec()
	b := broker.DefaultConfig()
	clean, reconnect := b.CleanSession, b.AutoReconnect

	return &Config{
		Capture: CaptureConfig{
			Protocol: string(spec.Protocol),
			Width:    spec.Width,
			Height:   spec.Height,
			FPS:      spec.FPS,
		},
		Detector: DetectorConfig{
			TagEdgeLength: detector.DefaultTagEdgeLength,
			MaxTags:       detector.DefaultMaxTags,
		},
		Broker: BrokerConfig{
			Address:       b.Address,
			ClientID:      b.ClientID,
			Topic:         broker.DefaultTopic,
			KeepAlive:     Duration{b.KeepAlive},
			CleanSession:  &clean,
			WriteTimeout:  Duration{b.WriteTimeout},
			AutoReconnect: &reconnect,
		},
		Log: LogConfig{Level: "info"},
	}
}

// PipelineSpec returns the capture pipeline described by the config.
func (c *CaptureConfig) PipelineSpec() capture.PipelineSpec {
	return capture.PipelineSpec{
		Protocol: capture.Protocol(c.Protocol),
		Device:   c.Path,
		Width:    c.Width,
		Height:   c.Height,
		FPS:      c.FPS,
	}
}

// DeviceString returns the string handed to the capture backend.
func (c *CaptureConfig) DeviceString() string {
	if c.Device != "" {
		return c.Device
	}
	return c.PipelineSpec().String()
}

// BrokerConfig converts the settings for the broker package.
func (c *Config) BrokerConfig() broker.Config {
	b := broker.DefaultConfig()
	b.Address = c.Broker.Address
	b.ClientID = c.Broker.ClientID
	b.KeepAlive = c.Broker.KeepAlive.Duration
	b.WriteTimeout = c.Broker.WriteTimeout.Duration
	if c.Broker.CleanSession != nil {
		b.CleanSession = *c.Broker.CleanSession
	}
	if c.Broker.AutoReconnect != nil {
		b.AutoReconnect = *c.Broker.AutoReconnect
	}
	return b
}

// Duration wraps time.Duration for YAML string parsing (e.g. "20s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "20s" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
