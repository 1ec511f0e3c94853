package capture

import (
	"fmt"

	"github.com/pkg/errors"
)

// Protocol selects how the camera is attached to the appliance.
type Protocol string

const (
	// ProtocolArgus reads a CSI camera through nvarguscamerasrc.
	ProtocolArgus Protocol = "argus"
	// ProtocolV4L2 reads a USB camera producing MJPEG, decoded in hardware.
	ProtocolV4L2 Protocol = "v4l2"
)

// PipelineSpec describes a GStreamer capture pipeline ending in a BGR appsink.
type PipelineSpec struct {
	Protocol Protocol
	Device   string // only used by ProtocolV4L2, e.g. /dev/video0
	Width    int
	Height   int
	FPS      int
}

// DefaultPipelineSpec returns the CSI camera pipeline at 1280x720, rate limited to 5 fps.
func DefaultPipelineSpec() PipelineSpec {
	return PipelineSpec{
		Protocol: ProtocolArgus,
		Width:    DefaultWidth,
		Height:   DefaultHeight,
		FPS:      DefaultFPS,
	}
}

// String renders the pipeline description passed to the GStreamer backend.
//
// The sensor is always read at 60 fps and a videorate element drops frames
// down to FPS, which costs almost nothing compared to reconfiguring the sensor.
func (p PipelineSpec) String() string {
	rate := "video/x-raw,format=BGR"
	if p.FPS > 0 {
		rate = fmt.Sprintf("videorate ! video/x-raw,format=BGR,framerate=%d/1", p.FPS)
	}

	switch p.Protocol {
	case ProtocolV4L2:
		return fmt.Sprintf(
			"v4l2src device=%s io-mode=2 ! image/jpeg,width=%d,height=%d,framerate=60/1 ! jpegparse ! "+
				"nvv4l2decoder mjpeg=1 ! nvvidconv ! video/x-raw,format=BGRx ! videoconvert ! %s,width=%d,height=%d ! appsink",
			p.Device, p.Width, p.Height, rate, p.Width, p.Height)
	default:
		return fmt.Sprintf(
			"nvarguscamerasrc ! video/x-raw(memory:NVMM), width=%d, height=%d,format=NV12, framerate=60/1 ! "+
				"nvvidconv ! video/x-raw,format=BGRx ! videoconvert ! %s ! appsink",
			p.Width, p.Height, rate)
	}
}

// Validate checks that p renders into a usable pipeline.
func (p PipelineSpec) Validate() error {
	switch p.Protocol {
	case ProtocolArgus:
	case ProtocolV4L2:
		if p.Device == "" {
			return errors.New("v4l2 capture requires a device path")
		}
	default:
		return errors.Errorf("unknown capture protocol %q", p.Protocol)
	}

	if p.Width <= 0 || p.Height <= 0 {
		return errors.Errorf("invalid capture resolution %dx%d", p.Width, p.Height)
	}
	if p.FPS < 0 {
		return errors.Errorf("invalid capture rate %d", p.FPS)
	}

	return nil
}
