package wire

import "time"

// LockStatus is the REST shape of a per-annotation lock query. Locked is a
// point-in-time answer and can be stale the moment it returns; callers must
// still attempt an acquire before committing an edit.
type LockStatus struct {
	AnnotationID string    `json:"annotation_id"`
	Locked       bool      `json:"locked"`
	HolderID     string    `json:"holder_id,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at,omitempty"`
}
