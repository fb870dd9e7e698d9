package scene

import "github.com/radpeer/radpeer/annotation"

// Renderer is the drawing backend boundary. The engine owns all scene state
// and hands the renderer a full, ordered annotation list on every change; the
// renderer holds no scene state of its own. Implementations wrap whatever
// surface the host application uses (canvas widget, offscreen raster, test
// recorder).
type Renderer interface {
	// SetBackground installs the fitted base image layout. Called once per
	// successful Initialize.
	SetBackground(layout Layout) error
	// Draw replaces the rendered annotation overlay with the given objects,
	// in order.
	Draw(annotations []annotation.Annotation) error
	// SetView applies the current pan/zoom transform.
	SetView(view View) error
	// Close releases rendering resources. Must be safe to call repeatedly.
	Close() error
}

// nopRenderer lets the engine run headless (tests, server-side replay)
type nopRenderer struct{}

func (nopRenderer) SetBackground(Layout) error         { return nil }
func (nopRenderer) Draw([]annotation.Annotation) error { return nil }
func (nopRenderer) SetView(View) error                 { return nil }
func (nopRenderer) Close() error                       { return nil }
