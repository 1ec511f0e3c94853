package capture

import "gocv.io/x/gocv"

// PixelFormat identifies the channel layout of a frame buffer.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatGray
	FormatBGR
	FormatRGBA
)

func (f PixelFormat) String() string {
	switch f {
	case FormatGray:
		return "GRAY8"
	case FormatBGR:
		return "BGR8"
	case FormatRGBA:
		return "RGBA8"
	default:
		return "unknown"
	}
}

// Geometry describes the memory layout of a frame: its dimensions, byte
// stride, total byte size and pixel format.
type Geometry struct {
	Width  int
	Height int
	Stride int
	Size   int
	Format PixelFormat
}

// GeometryOf measures the layout of mat. Only 8-bit formats are recognized.
func GeometryOf(mat *gocv.Mat) Geometry {
	g := Geometry{
		Width:  mat.Cols(),
		Height: mat.Rows(),
		Stride: mat.Step(),
		Size:   mat.Total() * mat.ElemSize(),
	}

	switch mat.Type() {
	case gocv.MatTypeCV8UC1:
		g.Format = FormatGray
	case gocv.MatTypeCV8UC3:
		g.Format = FormatBGR
	case gocv.MatTypeCV8UC4:
		g.Format = FormatRGBA
	}

	return g
}

// Intrinsics holds pinhole camera parameters in pixels.
type Intrinsics struct {
	Fx  float64 `json:"fx" yaml:"fx"`
	Fy  float64 `json:"fy" yaml:"fy"`
	Ppx float64 `json:"ppx" yaml:"ppx"`
	Ppy float64 `json:"ppy" yaml:"ppy"`
}

// IsZero reports whether no intrinsics were supplied.
func (in Intrinsics) IsZero() bool {
	return in == Intrinsics{}
}
