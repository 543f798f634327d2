// Package frame defines the captured video frame and the digests that bind
// frames into the session hash chain.
package frame

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerPixel is the RGBA stride of Frame.Pix.
const BytesPerPixel = 4

// ErrEmptyFrame is returned for frames with no pixels.
var ErrEmptyFrame = errors.New("frame: empty frame")

// Frame is an immutable RGBA pixel buffer, row-major. Consumers must not
// modify Pix.
type Frame struct {
	Width      int
	Height     int
	Pix        []byte
	CapturedAt time.Time
}

// New wraps pix as a Frame after checking its length.
func New(width, height int, pix []byte, at time.Time) (Frame, error) {
	f := Frame{Width: width, Height: height, Pix: pix, CapturedAt: at}
	return f, f.Validate()
}

// Validate reports whether the buffer length matches the dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return ErrEmptyFrame
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Pix) != want {
		return fmt.Errorf("frame: %dx%d needs %d bytes, got %d", f.Width, f.Height, want, len(f.Pix))
	}
	return nil
}

// RGB returns the colour channels of the pixel at (x, y).
func (f Frame) RGB(x, y int) (r, g, b uint8) {
	i := (y*f.Width + x) * BytesPerPixel
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Solid builds a frame filled with one colour. Synthetic cameras and tests
// use it.
func Solid(width, height int, r, g, b uint8) Frame {
	pix := make([]byte, width*height*BytesPerPixel)
	for i := 0; i < len(pix); i += BytesPerPixel {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, 0xff
	}
	return Frame{Width: width, Height: height, Pix: pix}
}
