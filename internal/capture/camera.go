// Package capture provides camera capture and frame correction using GoCV (OpenCV).
package capture

import (
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Default capture settings, matching the fixed camera on the appliance.
const (
	DefaultFPS    = 5
	DefaultWidth  = 1280
	DefaultHeight = 720
)

var (
	// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
	ErrCameraNotOpen = errors.New("camera is not open")

	// ErrStreamClosed is returned by ReadFrame once the capture stream has ended.
	// It is a clean end of input, not a device failure.
	ErrStreamClosed = errors.New("capture stream closed")
)

// Camera defines the interface for camera capture implementations.
type Camera interface {
	Open() error
	Close() error
	// ReadFrame returns the next raw frame. The caller owns the returned Mat
	// and must close it. ErrStreamClosed signals the end of the stream.
	ReadFrame() (*gocv.Mat, error)
	FPS() int
	IsOpen() bool
}

// cameraImpl captures frames from a GStreamer pipeline through GoCV.
type cameraImpl struct {
	device  string
	fps     int
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
}

// NewCamera creates a Camera for the given GStreamer pipeline description.
// fps is the target rate the pipeline is expected to deliver; values less
// than or equal to 0 fall back to DefaultFPS.
func NewCamera(device string, fps int) Camera {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &cameraImpl{
		device: device,
		fps:    fps,
	}
}

// Open opens the capture pipeline with the GStreamer backend.
func (c *cameraImpl) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := gocv.OpenVideoCaptureWithAPI(c.device, gocv.VideoCaptureGstreamer)
	if err != nil {
		return errors.Wrap(err, "open capture pipeline")
	}

	if !capture.IsOpened() {
		capture.Close()
		return errors.Errorf("capture pipeline did not open: %q", c.device)
	}

	c.capture = capture
	c.running = true

	return nil
}

// Close closes the camera and releases resources.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return err
}

// ReadFrame reads a single frame from the pipeline.
// The caller is responsible for closing the returned Mat.
func (c *cameraImpl) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	if !c.capture.IsOpened() {
		return nil, ErrStreamClosed
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok || mat.Empty() {
		// appsink stops handing out buffers at end of stream
		mat.Close()
		return nil, ErrStreamClosed
	}

	return &mat, nil
}

// FPS returns the target frames per second of the pipeline.
func (c *cameraImpl) FPS() int {
	return c.fps
}

// IsOpen returns true if the camera is currently open.
func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}
