package lut

import "github.com/cockroachdb/errors"

// Viewport holds the display parameters a renderer passes to the generator.
type Viewport struct {
	WindowWidth  float64
	WindowCenter float64
	Invert       bool
	ModalityLUT  *ModalityLUT
	VOILUT       *VOILUT
}

// DefaultViewport returns the viewport an image is first displayed with: its
// own default window, invert flag and LUT overrides.
func DefaultViewport(img *Image) (Viewport, error) {
	if img == nil {
		return Viewport{}, errors.Wrap(ErrInvalidArgument, "image is required")
	}
	return Viewport{
		WindowWidth:  img.WindowWidth,
		WindowCenter: img.WindowCenter,
		Invert:       img.Invert,
		ModalityLUT:  img.ModalityLUT,
		VOILUT:       img.VOILUT,
	}, nil
}

// GenerateForViewport is [Generate] with the parameters taken from vp.
func GenerateForViewport(img *Image, vp Viewport) (*Table, error) {
	return Generate(img, vp.WindowWidth, vp.WindowCenter, vp.Invert, vp.ModalityLUT, vp.VOILUT)
}
