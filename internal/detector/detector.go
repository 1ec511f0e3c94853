// Package detector defines the fiducial tag detector capability the pipeline
// binds to, plus the implementations that speak to it.
package detector

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/ayusman/tagcast/internal/capture"
)

// Defaults for the tags printed on the field.
const (
	// DefaultTagEdgeLength is the physical edge length of a tag in meters.
	DefaultTagEdgeLength = 0.174
	// DefaultMaxTags is the maximum number of tags reported per frame.
	DefaultMaxTags = 6
)

// ErrNotBound is returned when Detect is called on a detector that was closed
// or never finished binding.
var ErrNotBound = errors.New("detector is not bound")

// Detection is one tag found in a frame.
//
// Translation holds the nine pose words exactly as the detector lays them
// out. The first three are the tag position in meters; all nine are read
// as a column-major 3x3 block when the rotation is encoded.
type Detection struct {
	ID          int
	Translation [9]float64
}

// BindParams fixes the frame layout and optics a detector is bound to.
// They never change while the detector is bound.
type BindParams struct {
	Geometry      capture.Geometry
	Intrinsics    capture.Intrinsics
	TagEdgeLength float64
	MaxTags       int
}

// Validate rejects parameters a detector cannot be bound with.
func (p BindParams) Validate() error {
	g := p.Geometry
	if g.Width <= 0 || g.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", g.Width, g.Height)
	}
	if g.Format != capture.FormatRGBA {
		return errors.Errorf("detector requires %v frames, got %v", capture.FormatRGBA, g.Format)
	}
	if g.Stride < g.Width*4 {
		return errors.Errorf("stride %d too small for width %d", g.Stride, g.Width)
	}
	if g.Size < g.Stride*(g.Height-1)+g.Width*4 {
		return errors.Errorf("buffer size %d too small for %dx%d with stride %d", g.Size, g.Width, g.Height, g.Stride)
	}
	if p.Intrinsics.Fx <= 0 || p.Intrinsics.Fy <= 0 {
		return errors.New("focal lengths must be positive")
	}
	if p.TagEdgeLength <= 0 {
		return errors.New("tag edge length must be positive")
	}
	if p.MaxTags <= 0 {
		return errors.New("max tags must be positive")
	}
	return nil
}

// Binder binds a detector to a fixed frame geometry and camera.
type Binder interface {
	Bind(params BindParams) (Detector, error)
}

// Detector finds tags in canonical RGBA frames. It is not safe for
// concurrent use; exactly one frame may be in flight at a time.
type Detector interface {
	// Detect returns the tags found in frame, at most MaxTags of them.
	// Returns an empty slice if no tags are detected.
	Detect(frame *gocv.Mat) ([]Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Limit truncates batch to at most max detections.
func Limit(batch []Detection, max int) []Detection {
	if max >= 0 && len(batch) > max {
		return batch[:max]
	}
	return batch
}
