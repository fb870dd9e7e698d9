package scene

import (
	"fmt"
	"image"
	"io"

	// Registered decoders for the base-image formats the viewer accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Viewport is the size of the drawing surface in device pixels
type Viewport struct {
	Width  float64
	Height float64
}

// Layout places the base image in the viewport: uniform scale preserving
// aspect ratio, centered on both axes.
type Layout struct {
	ImageWidth  float64
	ImageHeight float64
	Scale       float64
	OffsetX     float64
	OffsetY     float64
}

// View is the user-driven pan/zoom transform applied on top of the layout
type View struct {
	Zoom       float64
	TranslateX float64
	TranslateY float64
}

// RenderError reports an image decode or layout failure during scene
// initialization. Initialization is not retried automatically; the caller
// must fix the precondition and call Initialize again.
type RenderError struct {
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render error during %s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// fitImage decodes the base image and computes its fitted layout. The scale
// is min(viewportWidth/imageWidth, viewportHeight/imageHeight) so the whole
// image is visible, and the scaled image is centered.
func fitImage(ref io.Reader, viewport Viewport) (Layout, error) {
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return Layout{}, &RenderError{Op: "layout", Err: fmt.Errorf("viewport not ready: %gx%g", viewport.Width, viewport.Height)}
	}

	cfg, _, err := image.DecodeConfig(ref)
	if err != nil {
		return Layout{}, &RenderError{Op: "decode", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Layout{}, &RenderError{Op: "decode", Err: fmt.Errorf("image has empty dimensions %dx%d", cfg.Width, cfg.Height)}
	}

	iw := float64(cfg.Width)
	ih := float64(cfg.Height)
	scale := viewport.Width / iw
	if s := viewport.Height / ih; s < scale {
		scale = s
	}

	return Layout{
		ImageWidth:  iw,
		ImageHeight: ih,
		Scale:       scale,
		OffsetX:     (viewport.Width - iw*scale) / 2,
		OffsetY:     (viewport.Height - ih*scale) / 2,
	}, nil
}
