// Package scene implements the local annotation scene: tool-driven creation
// of markers, measurements, notes and freehand drawings over a fitted base
// image, linear undo/redo via full-state snapshots, and application of remote
// peers' events.
//
// The engine is authoritative for this client's view of the scene. It is not
// goroutine-safe; the collaboration facade serializes local commits and
// remote-event application so a remote event can never interleave a commit.
package scene

import (
	"fmt"
	"io"

	"github.com/radpeer/radpeer/annotation"
	"github.com/radpeer/radpeer/wire"
)

// Tool selects what a pointer-down on empty canvas does
type Tool string

const (
	ToolNone    Tool = "none"
	ToolPan     Tool = "pan"
	ToolMarker  Tool = "marker"
	ToolMeasure Tool = "measure"
	ToolDraw    Tool = "draw"
	ToolText    Tool = "text"
)

// capture tracks an in-progress multi-step tool interaction
type capture int

const (
	captureIdle capture = iota
	captureMeasure
	captureDraw
	captureText
	capturePan
)

// DefaultStroke is applied to drawings until the caller overrides it
var DefaultStroke = annotation.Stroke{Color: "#e53935", Width: 2}

// Engine holds the annotation scene for one image
type Engine struct {
	imageID  string
	authorID string
	viewport Viewport
	renderer Renderer

	layout      Layout
	view        View
	initialized bool
	disposed    bool

	objects   map[string]annotation.Annotation
	order     []string
	selection map[string]bool

	hist *history

	tool         Tool
	capture      capture
	measureStart annotation.Point
	drawPoints   []annotation.Point
	drawStroke   annotation.Stroke
	textPos      annotation.Point
	panAnchor    annotation.Point
}

// NewEngine creates an empty scene for the given image. A nil renderer runs
// the engine headless. The empty scene is snapshot index 0, so the first
// committed object yields a history of two snapshots.
func NewEngine(imageID, authorID string, viewport Viewport, renderer Renderer) (*Engine, error) {
	if imageID == "" {
		return nil, fmt.Errorf("image id is required")
	}
	if authorID == "" {
		return nil, fmt.Errorf("author id is required")
	}
	if renderer == nil {
		renderer = nopRenderer{}
	}

	e := &Engine{
		imageID:    imageID,
		authorID:   authorID,
		viewport:   viewport,
		renderer:   renderer,
		objects:    make(map[string]annotation.Annotation),
		selection:  make(map[string]bool),
		view:       View{Zoom: 1},
		tool:       ToolNone,
		drawStroke: DefaultStroke,
	}

	hist, err := newHistory(e.state())
	if err != nil {
		return nil, err
	}
	e.hist = hist
	return e, nil
}

// Initialize decodes the base image and fits it to the viewport: uniform
// scale preserving aspect ratio, centered, background non-interactive. Fails
// with *RenderError if the image cannot be decoded or the viewport is not
// ready; there is no automatic retry.
func (e *Engine) Initialize(baseImage io.Reader) error {
	if e.disposed {
		return &RenderError{Op: "initialize", Err: fmt.Errorf("engine is disposed")}
	}
	layout, err := fitImage(baseImage, e.viewport)
	if err != nil {
		return err
	}
	if err := e.renderer.SetBackground(layout); err != nil {
		return &RenderError{Op: "initialize", Err: err}
	}
	e.layout = layout
	e.initialized = true
	return nil
}

// Layout returns the fitted base-image placement
func (e *Engine) Layout() Layout { return e.layout }

// ActiveTool returns the currently selected tool
func (e *Engine) ActiveTool() Tool { return e.tool }

// SetActiveTool switches the active tool. Exactly one tool is active at a
// time; switching discards any in-progress capture without committing or
// emitting, and never affects existing objects.
func (e *Engine) SetActiveTool(tool Tool) {
	e.cancelCapture()
	e.tool = tool
}

// SetStroke sets the styling applied to subsequent drawings
func (e *Engine) SetStroke(s annotation.Stroke) {
	e.drawStroke = s
}

// HandlePointerDown dispatches a canvas pointer-down to the active tool.
// A non-nil annotation return is a committed object the caller must emit to
// peers; nil means the interaction is still capturing (or the tool creates
// nothing).
func (e *Engine) HandlePointerDown(p annotation.Point) (*annotation.Annotation, error) {
	if !e.initialized {
		return nil, fmt.Errorf("scene not initialized")
	}

	switch e.tool {
	case ToolMarker:
		a := annotation.NewMarker(e.imageID, e.authorID, p)
		if err := e.commit(a); err != nil {
			return nil, err
		}
		return &a, nil

	case ToolMeasure:
		if e.capture == captureMeasure {
			a := annotation.NewMeasurement(e.imageID, e.authorID, e.measureStart, p)
			e.capture = captureIdle
			if err := e.commit(a); err != nil {
				return nil, err
			}
			return &a, nil
		}
		e.capture = captureMeasure
		e.measureStart = p
		return nil, nil

	case ToolDraw:
		e.capture = captureDraw
		e.drawPoints = []annotation.Point{p}
		return nil, nil

	case ToolText:
		e.capture = captureText
		e.textPos = p
		return nil, nil

	case ToolPan:
		e.capture = capturePan
		e.panAnchor = p
		return nil, nil
	}
	return nil, nil
}

// HandlePointerMove extends an in-progress draw path or pans the view
func (e *Engine) HandlePointerMove(p annotation.Point) error {
	switch e.capture {
	case captureDraw:
		e.drawPoints = append(e.drawPoints, p)
	case capturePan:
		e.view.TranslateX += p.X - e.panAnchor.X
		e.view.TranslateY += p.Y - e.panAnchor.Y
		e.panAnchor = p
		return e.renderer.SetView(e.view)
	}
	return nil
}

// HandlePointerUp finishes a draw capture, committing the accumulated path as
// one drawing annotation. A path with fewer than two points is discarded.
func (e *Engine) HandlePointerUp(p annotation.Point) (*annotation.Annotation, error) {
	switch e.capture {
	case captureDraw:
		e.capture = captureIdle
		points := append(e.drawPoints, p)
		e.drawPoints = nil
		if len(points) < 2 {
			return nil, nil
		}
		a := annotation.NewDrawing(e.imageID, e.authorID, points, e.drawStroke)
		if err := e.commit(a); err != nil {
			return nil, err
		}
		return &a, nil

	case capturePan:
		e.capture = captureIdle
	}
	return nil, nil
}

// ConfirmText commits the pending text-entry capture. Empty text cancels
// instead of committing.
func (e *Engine) ConfirmText(text string) (*annotation.Annotation, error) {
	if e.capture != captureText {
		return nil, nil
	}
	e.capture = captureIdle
	if text == "" {
		return nil, nil
	}
	a := annotation.NewNote(e.imageID, e.authorID, e.textPos, text)
	if err := e.commit(a); err != nil {
		return nil, err
	}
	return &a, nil
}

// CancelText discards the pending text-entry capture
func (e *Engine) CancelText() {
	if e.capture == captureText {
		e.capture = captureIdle
	}
}

// Zoom scales the view by factor. The view transform is local presentation
// state; it is never snapshotted or broadcast.
func (e *Engine) Zoom(factor float64) error {
	if factor <= 0 {
		return fmt.Errorf("zoom factor must be positive, got %g", factor)
	}
	e.view.Zoom *= factor
	return e.renderer.SetView(e.view)
}

// Select adds an existing object to the selection.
// Returns false for unknown ids.
func (e *Engine) Select(id string) bool {
	if _, ok := e.objects[id]; !ok {
		return false
	}
	e.selection[id] = true
	return true
}

// ClearSelection empties the selection
func (e *Engine) ClearSelection() {
	e.selection = make(map[string]bool)
}

// SelectedIDs returns the ids currently selected, in scene order
func (e *Engine) SelectedIDs() []string {
	var ids []string
	for _, id := range e.order {
		if e.selection[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// DeleteSelected removes all selected objects, pushes one snapshot, and
// returns the removed ids for network emission. No-op when nothing is
// selected.
func (e *Engine) DeleteSelected() ([]string, error) {
	removed := e.SelectedIDs()
	if len(removed) == 0 {
		return nil, nil
	}
	for _, id := range removed {
		e.remove(id)
	}
	e.selection = make(map[string]bool)
	if err := e.hist.push(e.state()); err != nil {
		return nil, err
	}
	return removed, e.render()
}

// Undo moves the snapshot cursor back by one and re-renders from that
// snapshot. No-op at the beginning of history. Local-only: undo never
// broadcasts.
func (e *Engine) Undo() bool {
	state, ok := e.hist.undo()
	if !ok {
		return false
	}
	e.applyState(state)
	return true
}

// Redo moves the snapshot cursor forward by one and re-renders.
// No-op at the end of history.
func (e *Engine) Redo() bool {
	state, ok := e.hist.redo()
	if !ok {
		return false
	}
	e.applyState(state)
	return true
}

// ApplyRemoteEvent mutates the scene to match a peer's event: add inserts if
// absent (idempotent on duplicate id), modify replaces the matching object if
// present, delete removes by id. A missing modify/delete target is an
// expected race (the object was deleted concurrently), not an error. Remote
// changes never push a snapshot — they are not locally undoable — and are
// never re-emitted.
func (e *Engine) ApplyRemoteEvent(kind wire.EventKind, a annotation.Annotation) error {
	switch kind {
	case wire.EventAdd:
		if _, exists := e.objects[a.ID]; exists {
			return nil
		}
		e.objects[a.ID] = a.Clone()
		e.order = append(e.order, a.ID)

	case wire.EventModify:
		if _, exists := e.objects[a.ID]; !exists {
			return nil
		}
		e.objects[a.ID] = a.Clone()

	case wire.EventDelete:
		if _, exists := e.objects[a.ID]; !exists {
			return nil
		}
		e.remove(a.ID)
		delete(e.selection, a.ID)

	default:
		return fmt.Errorf("unknown remote event kind: %s", kind)
	}
	return e.render()
}

// Replace swaps the whole annotation set, used when loading persisted
// annotations or applying a resync. The replacement is committed as a
// snapshot so a subsequent undo returns to the prior state.
func (e *Engine) Replace(annotations []annotation.Annotation) error {
	e.objects = make(map[string]annotation.Annotation, len(annotations))
	e.order = e.order[:0]
	for _, a := range annotations {
		if _, dup := e.objects[a.ID]; dup {
			continue
		}
		e.objects[a.ID] = a.Clone()
		e.order = append(e.order, a.ID)
	}
	e.selection = make(map[string]bool)
	if err := e.hist.push(e.state()); err != nil {
		return err
	}
	return e.render()
}

// Modify replaces an existing object with an edited version, pushing a
// snapshot. The caller is responsible for holding the object's lock.
// Returns false if the id is unknown.
func (e *Engine) Modify(a annotation.Annotation) (bool, error) {
	if _, exists := e.objects[a.ID]; !exists {
		return false, nil
	}
	e.objects[a.ID] = a.Clone()
	if err := e.hist.push(e.state()); err != nil {
		return false, err
	}
	return true, e.render()
}

// Annotations returns the scene's objects in insertion order
func (e *Engine) Annotations() []annotation.Annotation {
	out := make([]annotation.Annotation, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.objects[id].Clone())
	}
	return out
}

// Get returns the object with the given id
func (e *Engine) Get(id string) (annotation.Annotation, bool) {
	a, ok := e.objects[id]
	if !ok {
		return annotation.Annotation{}, false
	}
	return a.Clone(), true
}

// Len returns the number of objects in the scene
func (e *Engine) Len() int { return len(e.objects) }

// SnapshotCount returns the number of history snapshots retained
func (e *Engine) SnapshotCount() int { return e.hist.size() }

// Dispose releases rendering resources. Safe to call multiple times.
func (e *Engine) Dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	e.initialized = false
	e.cancelCapture()
	_ = e.renderer.Close()
}

// commit is the atomic local-mutation unit: insert the object, push a
// snapshot, re-render. The caller then emits the returned annotation; the
// facade holds its mutex across commit and emit so no remote event can land
// in between.
func (e *Engine) commit(a annotation.Annotation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to commit invalid annotation: %w", err)
	}
	e.objects[a.ID] = a.Clone()
	e.order = append(e.order, a.ID)
	if err := e.hist.push(e.state()); err != nil {
		return err
	}
	return e.render()
}

func (e *Engine) cancelCapture() {
	e.capture = captureIdle
	e.drawPoints = nil
}

func (e *Engine) remove(id string) {
	delete(e.objects, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *Engine) state() sceneState {
	order := make([]string, len(e.order))
	copy(order, e.order)
	objects := make(map[string]annotation.Annotation, len(e.objects))
	for id, a := range e.objects {
		objects[id] = a.Clone()
	}
	return sceneState{Order: order, Objects: objects}
}

func (e *Engine) applyState(state sceneState) {
	e.objects = state.Objects
	e.order = state.Order
	// Selection may reference objects that no longer exist in this snapshot
	for id := range e.selection {
		if _, ok := e.objects[id]; !ok {
			delete(e.selection, id)
		}
	}
	_ = e.render()
}

func (e *Engine) render() error {
	return e.renderer.Draw(e.Annotations())
}
