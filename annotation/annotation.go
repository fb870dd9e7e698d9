// Package annotation defines the annotation objects participants place on a
// shared diagnostic image, as a tagged union over marker, measurement, note
// and freehand drawing kinds. The model is the wire and persistence format;
// rendering backends consume it through the scene engine, never the reverse.
package annotation

import (
	"fmt"
	"math"
	"time"

	"github.com/radpeer/radpeer/internal/uuidgen"
)

// Kind discriminates the annotation union
type Kind string

const (
	KindMarker      Kind = "marker"
	KindMeasurement Kind = "measurement"
	KindNote        Kind = "note"
	KindDrawing     Kind = "drawing"
)

// Point is a position in image-pixel coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MarkerPayload is a single point of interest
type MarkerPayload struct {
	Position Point `json:"position"`
}

// MeasurementPayload is a two-point distance measurement. Distance is in
// image-pixel units, fixed at creation time and never recomputed on resize.
type MeasurementPayload struct {
	Start    Point   `json:"start"`
	End      Point   `json:"end"`
	Distance float64 `json:"distance"`
}

// NotePayload is an anchored text note
type NotePayload struct {
	Position Point  `json:"position"`
	Text     string `json:"text"`
}

// Stroke describes drawing path styling
type Stroke struct {
	Color string  `json:"color"`
	Width float64 `json:"width"`
}

// DrawingPayload is an ordered freehand path
type DrawingPayload struct {
	Points []Point `json:"points"`
	Stroke Stroke  `json:"stroke"`
}

// Annotation is one object overlaid on an image. Exactly one payload field is
// set, matching Kind. ID is client-generated, immutable, and never reused
// within a session even after the annotation is deleted.
type Annotation struct {
	ID        string    `json:"id"`
	ImageID   string    `json:"image_id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Kind      Kind      `json:"kind"`

	Marker      *MarkerPayload      `json:"marker,omitempty"`
	Measurement *MeasurementPayload `json:"measurement,omitempty"`
	Note        *NotePayload        `json:"note,omitempty"`
	Drawing     *DrawingPayload     `json:"drawing,omitempty"`
}

// NewMarker creates a marker annotation at the given image position
func NewMarker(imageID, authorID string, position Point) Annotation {
	return Annotation{
		ID:        uuidgen.MustNewForEntity(uuidgen.EntityTypeAnnotation).String(),
		ImageID:   imageID,
		AuthorID:  authorID,
		CreatedAt: time.Now().UTC(),
		Kind:      KindMarker,
		Marker:    &MarkerPayload{Position: position},
	}
}

// NewMeasurement creates a measurement annotation between two points,
// computing the Euclidean distance in image pixels.
func NewMeasurement(imageID, authorID string, start, end Point) Annotation {
	return Annotation{
		ID:        uuidgen.MustNewForEntity(uuidgen.EntityTypeAnnotation).String(),
		ImageID:   imageID,
		AuthorID:  authorID,
		CreatedAt: time.Now().UTC(),
		Kind:      KindMeasurement,
		Measurement: &MeasurementPayload{
			Start:    start,
			End:      end,
			Distance: Distance(start, end),
		},
	}
}

// NewNote creates a text note annotation anchored at position
func NewNote(imageID, authorID string, position Point, text string) Annotation {
	return Annotation{
		ID:        uuidgen.MustNewForEntity(uuidgen.EntityTypeAnnotation).String(),
		ImageID:   imageID,
		AuthorID:  authorID,
		CreatedAt: time.Now().UTC(),
		Kind:      KindNote,
		Note:      &NotePayload{Position: position, Text: text},
	}
}

// NewDrawing creates a freehand drawing annotation from an ordered path
func NewDrawing(imageID, authorID string, points []Point, stroke Stroke) Annotation {
	path := make([]Point, len(points))
	copy(path, points)
	return Annotation{
		ID:        uuidgen.MustNewForEntity(uuidgen.EntityTypeAnnotation).String(),
		ImageID:   imageID,
		AuthorID:  authorID,
		CreatedAt: time.Now().UTC(),
		Kind:      KindDrawing,
		Drawing:   &DrawingPayload{Points: path, Stroke: stroke},
	}
}

// Distance returns the Euclidean distance between two image points
func Distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Validate checks structural invariants: a parseable id, a known kind, and
// exactly the payload field matching the kind.
func (a Annotation) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("annotation id is required")
	}
	if err := uuidgen.Validate(a.ID); err != nil {
		return fmt.Errorf("annotation id must be a valid UUID: %w", err)
	}
	if a.ImageID == "" {
		return fmt.Errorf("annotation image_id is required")
	}
	if a.AuthorID == "" {
		return fmt.Errorf("annotation author_id is required")
	}

	set := 0
	if a.Marker != nil {
		set++
	}
	if a.Measurement != nil {
		set++
	}
	if a.Note != nil {
		set++
	}
	if a.Drawing != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("annotation must carry exactly one payload, got %d", set)
	}

	switch a.Kind {
	case KindMarker:
		if a.Marker == nil {
			return fmt.Errorf("marker annotation missing marker payload")
		}
	case KindMeasurement:
		if a.Measurement == nil {
			return fmt.Errorf("measurement annotation missing measurement payload")
		}
	case KindNote:
		if a.Note == nil {
			return fmt.Errorf("note annotation missing note payload")
		}
		if a.Note.Text == "" {
			return fmt.Errorf("note annotation text is required")
		}
	case KindDrawing:
		if a.Drawing == nil {
			return fmt.Errorf("drawing annotation missing drawing payload")
		}
		if len(a.Drawing.Points) < 2 {
			return fmt.Errorf("drawing annotation needs at least 2 path points, got %d", len(a.Drawing.Points))
		}
	default:
		return fmt.Errorf("unknown annotation kind: %s", a.Kind)
	}
	return nil
}

// Clone returns a deep copy. Drawing paths are the only reference-typed
// payload data, so everything else copies by value.
func (a Annotation) Clone() Annotation {
	out := a
	if a.Marker != nil {
		m := *a.Marker
		out.Marker = &m
	}
	if a.Measurement != nil {
		m := *a.Measurement
		out.Measurement = &m
	}
	if a.Note != nil {
		n := *a.Note
		out.Note = &n
	}
	if a.Drawing != nil {
		d := DrawingPayload{
			Points: make([]Point, len(a.Drawing.Points)),
			Stroke: a.Drawing.Stroke,
		}
		copy(d.Points, a.Drawing.Points)
		out.Drawing = &d
	}
	return out
}
