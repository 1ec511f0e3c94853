package capture

import (
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrEmptyFrame is returned when a nil or empty frame is handed to the Corrector.
var ErrEmptyFrame = errors.New("frame is empty")

// Corrector turns raw BGR frames into canonical RGBA frames, removing lens
// distortion on the way when distortion coefficients are configured.
//
// Every stage writes into a fresh Mat; the input frame is never modified.
type Corrector struct {
	cameraMatrix gocv.Mat
	distCoeffs   gocv.Mat
	undistort    bool
	mu           sync.Mutex
}

// NewCorrector creates a Corrector for a camera with the given intrinsics and
// Brown-Conrady distortion coefficients (k1, k2, p1, p2[, k3]).
// When every coefficient is zero undistortion is skipped.
func NewCorrector(in Intrinsics, distortion []float64) *Corrector {
	c := &Corrector{
		cameraMatrix: gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F),
		distCoeffs:   gocv.NewMat(),
	}

	c.cameraMatrix.SetDoubleAt(0, 0, in.Fx)
	c.cameraMatrix.SetDoubleAt(0, 1, 0)
	c.cameraMatrix.SetDoubleAt(0, 2, in.Ppx)
	c.cameraMatrix.SetDoubleAt(1, 0, 0)
	c.cameraMatrix.SetDoubleAt(1, 1, in.Fy)
	c.cameraMatrix.SetDoubleAt(1, 2, in.Ppy)
	c.cameraMatrix.SetDoubleAt(2, 0, 0)
	c.cameraMatrix.SetDoubleAt(2, 1, 0)
	c.cameraMatrix.SetDoubleAt(2, 2, 1)

	for _, k := range distortion {
		if k != 0 {
			c.undistort = true
			break
		}
	}

	if c.undistort {
		c.distCoeffs.Close()
		c.distCoeffs = gocv.NewMatWithSize(1, len(distortion), gocv.MatTypeCV64F)
		for i, k := range distortion {
			c.distCoeffs.SetDoubleAt(0, i, k)
		}
	}

	return c
}

// Undistorts reports whether Correct removes lens distortion.
func (c *Corrector) Undistorts() bool {
	return c.undistort
}

// Correct undistorts raw and converts it to the canonical RGBA format.
// The caller owns the returned Mat.
func (c *Corrector) Correct(raw *gocv.Mat) (*gocv.Mat, error) {
	if raw == nil || raw.Empty() {
		return nil, ErrEmptyFrame
	}

	if !c.undistort {
		return c.Canonicalize(raw)
	}

	c.mu.Lock()
	straight := gocv.NewMat()
	gocv.Undistort(*raw, &straight, c.cameraMatrix, c.distCoeffs, c.cameraMatrix)
	c.mu.Unlock()
	defer straight.Close()

	if straight.Empty() {
		return nil, errors.New("undistort produced an empty frame")
	}

	return c.Canonicalize(&straight)
}

// Canonicalize converts a BGR or BGRA frame to RGBA without undistorting it.
// The caller owns the returned Mat.
func (c *Corrector) Canonicalize(frame *gocv.Mat) (*gocv.Mat, error) {
	if frame == nil || frame.Empty() {
		return nil, ErrEmptyFrame
	}

	var code gocv.ColorConversionCode
	switch frame.Channels() {
	case 3:
		code = gocv.ColorBGRToRGBA
	case 4:
		code = gocv.ColorBGRAToRGBA
	default:
		return nil, errors.Errorf("cannot convert %d-channel frame to RGBA", frame.Channels())
	}

	rgba := gocv.NewMat()
	gocv.CvtColor(*frame, &rgba, code)

	return &rgba, nil
}

// Close releases the calibration matrices.
func (c *Corrector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cameraMatrix.Close()
	c.distCoeffs.Close()
}
