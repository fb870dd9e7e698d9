// Package collab composes the scene engine, the synchronization channel, the
// lock client and the persistence store into per-image collaboration
// sessions. The session is the boundary the surrounding UI talks to: one
// callable per toolbar operation, with network and lock failures turned into
// dismissible notifications instead of escaping into the rendering loop.
package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/radpeer/radpeer/annotation"
	"github.com/radpeer/radpeer/client"
	"github.com/radpeer/radpeer/internal/slogging"
	"github.com/radpeer/radpeer/scene"
	"github.com/radpeer/radpeer/wire"
)

// SyncChannel is the synchronization-channel surface the session consumes.
// *client.Channel implements it.
type SyncChannel interface {
	Join(imageID string) error
	Leave(imageID string) error
	EmitAnnotation(imageID string, kind wire.EventKind, a annotation.Annotation) error
	EmitCursor(imageID string, position annotation.Point)
	SendResync(imageID string, annotations []annotation.Annotation) error
	OnAnnotationEvent(fn func(client.AnnotationEvent)) func()
	OnResyncEvent(fn func(client.ResyncEvent)) func()
}

// LockService is the lock surface the session consumes. *client.LockClient
// implements it.
type LockService interface {
	Acquire(ctx context.Context, imageID, annotationID string) (bool, error)
	Release(ctx context.Context, imageID, annotationID string) error
}

// SessionConfig wires a session's collaborators
type SessionConfig struct {
	ImageID string
	UserID  string
	Engine  *scene.Engine
	Channel SyncChannel
	Locks   LockService
	Store   Store
	// Notify receives user-facing failure notifications. Optional; nil logs
	// only.
	Notify Notifier
}

// Session is one participant's membership in an image's collaboration
// session. All scene access goes through the session mutex so a local commit
// (mutate, snapshot, emit) is atomic relative to remote-event application.
type Session struct {
	imageID string
	userID  string

	mu      sync.Mutex
	engine  *scene.Engine
	channel SyncChannel
	locks   LockService
	store   Store
	notify  Notifier

	joined  bool
	cancels []func()
}

// NewSession creates a session; call Join to start receiving peer traffic
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ImageID == "" {
		return nil, fmt.Errorf("image id is required")
	}
	if cfg.Engine == nil || cfg.Channel == nil || cfg.Locks == nil || cfg.Store == nil {
		return nil, fmt.Errorf("engine, channel, locks and store are all required")
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(n Notification) {
			slogging.Get().Warn("collab notification severity=%s message=%s error=%v", n.Severity, n.Message, n.Err)
		}
	}
	return &Session{
		imageID: cfg.ImageID,
		userID:  cfg.UserID,
		engine:  cfg.Engine,
		channel: cfg.Channel,
		locks:   cfg.Locks,
		store:   cfg.Store,
		notify:  notify,
	}, nil
}

// Join subscribes to the image's topics and announces presence. Idempotent.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return nil
	}

	if err := s.channel.Join(s.imageID); err != nil {
		s.notify(Notification{
			Severity:  SeverityError,
			Message:   "Could not join the collaboration session",
			Err:       err,
			Retryable: true,
		})
		return fmt.Errorf("session join failed: %w", err)
	}

	cancelAnnotations := s.channel.OnAnnotationEvent(s.handleRemoteAnnotation)
	cancelResync := s.channel.OnResyncEvent(s.handleResync)
	s.cancels = append(s.cancels, cancelAnnotations, cancelResync)
	s.joined = true
	return nil
}

// Leave announces departure and stops receiving peer traffic. Idempotent.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return nil
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.joined = false

	if err := s.channel.Leave(s.imageID); err != nil {
		return fmt.Errorf("session leave failed: %w", err)
	}
	return nil
}

// SetTool switches the active tool, discarding any partial capture
func (s *Session) SetTool(tool scene.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.SetActiveTool(tool)
}

// PointerDown forwards a canvas pointer-down to the engine and emits any
// committed annotation to peers.
func (s *Session) PointerDown(p annotation.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed, err := s.engine.HandlePointerDown(p)
	if err != nil {
		return err
	}
	s.emitCommit(committed)
	return nil
}

// PointerMove forwards pointer movement (draw paths, panning, cursor)
func (s *Session) PointerMove(p annotation.Point) error {
	s.mu.Lock()
	err := s.engine.HandlePointerMove(p)
	s.mu.Unlock()
	// Cursor broadcast is lossy and advisory; outside the commit mutex.
	s.channel.EmitCursor(s.imageID, p)
	return err
}

// PointerUp finishes a capture, emitting a committed drawing to peers
func (s *Session) PointerUp(p annotation.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed, err := s.engine.HandlePointerUp(p)
	if err != nil {
		return err
	}
	s.emitCommit(committed)
	return nil
}

// ConfirmText commits the pending text capture and emits the note
func (s *Session) ConfirmText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed, err := s.engine.ConfirmText(text)
	if err != nil {
		return err
	}
	s.emitCommit(committed)
	return nil
}

// CancelText discards the pending text capture. Local-only.
func (s *Session) CancelText() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.CancelText()
}

// Undo walks history back one snapshot. Local-only: never broadcasts.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Undo()
}

// Redo walks history forward one snapshot. Local-only.
func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Redo()
}

// Select adds an object to the selection
func (s *Session) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Select(id)
}

// Modify replaces a pre-existing annotation with an edited version. The edit
// is gated on the annotation's exclusive lock: a conflict returns
// ErrLockConflict and nothing commits.
func (s *Session) Modify(ctx context.Context, edited annotation.Annotation) error {
	acquired, err := s.locks.Acquire(ctx, s.imageID, edited.ID)
	if err != nil {
		s.notify(Notification{
			Severity:  SeverityError,
			Message:   "Could not reach the lock service",
			Err:       err,
			Retryable: true,
		})
		return fmt.Errorf("lock acquire failed: %w", err)
	}
	if !acquired {
		s.notify(Notification{
			Severity: SeverityWarn,
			Message:  "Another participant is editing this annotation",
			Err:      ErrLockConflict,
		})
		return ErrLockConflict
	}
	defer func() {
		if err := s.locks.Release(ctx, s.imageID, edited.ID); err != nil {
			slogging.Get().Warn("lock release failed annotation_id=%s error=%v", edited.ID, err)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.engine.Modify(edited)
	if err != nil {
		return err
	}
	if !ok {
		// Deleted concurrently; the lock was granted on a gone object.
		return nil
	}
	s.emit(wire.EventModify, edited)
	return nil
}

// DeleteSelected deletes the selected annotations, skipping any whose lock
// another participant holds, and emits the deletions. Skipped objects are
// reported through the notifier.
func (s *Session) DeleteSelected(ctx context.Context) error {
	s.mu.Lock()
	selected := s.engine.SelectedIDs()
	s.mu.Unlock()
	if len(selected) == 0 {
		return nil
	}

	var granted []string
	for _, id := range selected {
		acquired, err := s.locks.Acquire(ctx, s.imageID, id)
		if err != nil {
			s.notify(Notification{
				Severity:  SeverityError,
				Message:   "Could not reach the lock service",
				Err:       err,
				Retryable: true,
			})
			return fmt.Errorf("lock acquire failed: %w", err)
		}
		if !acquired {
			s.notify(Notification{
				Severity: SeverityWarn,
				Message:  "Another participant is editing one of the selected annotations",
				Err:      ErrLockConflict,
			})
			continue
		}
		granted = append(granted, id)
	}
	if len(granted) == 0 {
		return nil
	}
	defer func() {
		for _, id := range granted {
			if err := s.locks.Release(ctx, s.imageID, id); err != nil {
				slogging.Get().Warn("lock release failed annotation_id=%s error=%v", id, err)
			}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.ClearSelection()
	removed := make([]annotation.Annotation, 0, len(granted))
	for _, id := range granted {
		if a, ok := s.engine.Get(id); ok {
			s.engine.Select(id)
			removed = append(removed, a)
		}
	}
	ids, err := s.engine.DeleteSelected()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	for _, a := range removed {
		s.emit(wire.EventDelete, a)
	}
	return nil
}

// Save pushes the current annotation set to the persistence collaborator
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	annotations := s.engine.Annotations()
	s.mu.Unlock()

	if err := s.store.SaveAnnotations(ctx, s.imageID, annotations); err != nil {
		perr := &PersistenceError{Op: "save", Err: err}
		s.notify(Notification{
			Severity:  SeverityError,
			Message:   "Saving annotations failed",
			Err:       perr,
			Retryable: true,
		})
		return perr
	}
	return nil
}

// Load replaces the scene with the persisted annotation set
func (s *Session) Load(ctx context.Context) error {
	annotations, err := s.store.GetAnnotations(ctx, s.imageID)
	if err != nil {
		perr := &PersistenceError{Op: "load", Err: err}
		s.notify(Notification{
			Severity:  SeverityError,
			Message:   "Loading annotations failed",
			Err:       perr,
			Retryable: true,
		})
		return perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Replace(annotations)
}

// Resync broadcasts this client's full annotation set to peers
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	annotations := s.engine.Annotations()
	s.mu.Unlock()
	return s.channel.SendResync(s.imageID, annotations)
}

// emitCommit publishes a freshly committed annotation as an add event.
// Called with the session mutex held so commit and emit form one unit.
func (s *Session) emitCommit(committed *annotation.Annotation) {
	if committed == nil {
		return
	}
	s.emit(wire.EventAdd, *committed)
}

func (s *Session) emit(kind wire.EventKind, a annotation.Annotation) {
	if err := s.channel.EmitAnnotation(s.imageID, kind, a); err != nil {
		// The local commit stands; delivery is at-most-once by contract.
		s.notify(Notification{
			Severity:  SeverityWarn,
			Message:   "Change saved locally but not broadcast to peers",
			Err:       err,
			Retryable: false,
		})
	}
}

// handleRemoteAnnotation applies a peer's mutation to the local scene. Runs
// under the session mutex so it cannot interleave a local commit. Remote
// changes push no snapshot and are never re-broadcast.
func (s *Session) handleRemoteAnnotation(ev client.AnnotationEvent) {
	if ev.ImageID != s.imageID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.ApplyRemoteEvent(ev.Kind, ev.Annotation); err != nil {
		slogging.Get().Warn("remote event application failed kind=%s annotation_id=%s error=%v", ev.Kind, ev.Annotation.ID, err)
	}
}

// handleResync answers peers' resync requests with this client's set
func (s *Session) handleResync(ev client.ResyncEvent) {
	if ev.ImageID != s.imageID {
		return
	}
	if ev.Request {
		s.mu.Lock()
		annotations := s.engine.Annotations()
		s.mu.Unlock()
		if err := s.channel.SendResync(s.imageID, annotations); err != nil {
			slogging.Get().Debug("resync response failed image_id=%s error=%v", s.imageID, err)
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Replace(ev.Annotations); err != nil {
		slogging.Get().Warn("resync apply failed image_id=%s error=%v", s.imageID, err)
	}
}
