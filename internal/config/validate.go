package config

import (
	"github.com/pkg/errors"

	"github.com/ayusman/tagcast/internal/broker"
	"github.com/ayusman/tagcast/internal/detector"
)

// Validate checks the configuration and fills defaults for zero values.
func (c *Config) Validate() error {
	if c.Capture.Device == "" {
		if err := c.Capture.PipelineSpec().Validate(); err != nil {
			return errors.Wrap(err, "capture")
		}
	}

	if c.Detector.TagEdgeLength == 0 {
		c.Detector.TagEdgeLength = detector.DefaultTagEdgeLength
	}
	if c.Detector.TagEdgeLength < 0 {
		return errors.New("detector.tag_edge_length must be > 0")
	}
	if c.Detector.MaxTags == 0 {
		c.Detector.MaxTags = detector.DefaultMaxTags
	}
	if c.Detector.MaxTags < 0 {
		return errors.New("detector.max_tags must be > 0")
	}

	if c.Camera.Calibration == "" {
		in := c.Camera.Intrinsics
		if !in.IsZero() && (in.Fx <= 0 || in.Fy <= 0) {
			return errors.New("camera.intrinsics focal lengths must be > 0")
		}
	} else if c.Store.Path == "" {
		return errors.Errorf("camera.calibration %q requires store.path", c.Camera.Calibration)
	}
	if n := len(c.Camera.Distortion); n != 0 && n != 4 && n != 5 {
		return errors.Errorf("camera.distortion needs 4 or 5 coefficients, got %d", n)
	}

	if c.Broker.Address == "" {
		return errors.New("broker.address is required")
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = broker.DefaultClientID
	}
	if c.Broker.Topic == "" {
		c.Broker.Topic = broker.DefaultTopic
	}
	if c.Broker.KeepAlive.Duration == 0 {
		c.Broker.KeepAlive.Duration = broker.DefaultKeepAlive
	}
	if c.Broker.KeepAlive.Duration < 0 || c.Broker.WriteTimeout.Duration < 0 {
		return errors.New("broker durations must not be negative")
	}

	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return nil
}
