package capture

import (
	"testing"

	"gocv.io/x/gocv"
)

func TestCorrector_Canonicalize(t *testing.T) {
	c := NewCorrector(Intrinsics{Fx: 600, Fy: 600, Ppx: 640, Ppy: 360}, nil)
	defer c.Close()

	if c.Undistorts() {
		t.Fatal("corrector without coefficients should not undistort")
	}

	raw := gocv.NewMatWithSize(720, 1280, gocv.MatTypeCV8UC3)
	defer raw.Close()

	rgba, err := c.Correct(&raw)
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	defer rgba.Close()

	g := GeometryOf(rgba)
	if g.Width != 1280 || g.Height != 720 {
		t.Errorf("geometry = %dx%d, want 1280x720", g.Width, g.Height)
	}
	if g.Format != FormatRGBA {
		t.Errorf("format = %v, want %v", g.Format, FormatRGBA)
	}
	if g.Stride != 1280*4 {
		t.Errorf("stride = %d, want %d", g.Stride, 1280*4)
	}
	if g.Size != 1280*720*4 {
		t.Errorf("size = %d, want %d", g.Size, 1280*720*4)
	}

	// The raw frame must be left untouched
	if raw.Channels() != 3 {
		t.Errorf("raw frame channels = %d, want 3", raw.Channels())
	}
}

func TestCorrector_Undistort(t *testing.T) {
	c := NewCorrector(
		Intrinsics{Fx: 600, Fy: 600, Ppx: 160, Ppy: 120},
		[]float64{-0.3, 0.1, 0, 0, 0},
	)
	defer c.Close()

	if !c.Undistorts() {
		t.Fatal("corrector with coefficients should undistort")
	}

	raw := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer raw.Close()

	rgba, err := c.Correct(&raw)
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	defer rgba.Close()

	if rgba.Cols() != 320 || rgba.Rows() != 240 || rgba.Channels() != 4 {
		t.Errorf("corrected frame = %dx%dx%d, want 320x240x4", rgba.Cols(), rgba.Rows(), rgba.Channels())
	}
}

func TestCorrector_Errors(t *testing.T) {
	c := NewCorrector(Intrinsics{}, nil)
	defer c.Close()

	t.Run("nil frame", func(t *testing.T) {
		if _, err := c.Correct(nil); err != ErrEmptyFrame {
			t.Errorf("Correct(nil) error = %v, want ErrEmptyFrame", err)
		}
	})

	t.Run("empty frame", func(t *testing.T) {
		empty := gocv.NewMat()
		defer empty.Close()
		if _, err := c.Correct(&empty); err != ErrEmptyFrame {
			t.Errorf("Correct(empty) error = %v, want ErrEmptyFrame", err)
		}
	})

	t.Run("two channel frame", func(t *testing.T) {
		odd := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC2)
		defer odd.Close()
		if _, err := c.Canonicalize(&odd); err == nil {
			t.Error("Canonicalize() should reject a 2-channel frame")
		}
	})
}
