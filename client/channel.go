package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/radpeer/radpeer/annotation"
	"github.com/radpeer/radpeer/internal/slogging"
	"github.com/radpeer/radpeer/wire"
)

// AnnotationEvent is an inbound annotation mutation from a peer
type AnnotationEvent struct {
	ImageID    string
	Kind       wire.EventKind
	Annotation annotation.Annotation
	Origin     string
}

// PresenceEvent is an inbound presence change from a peer
type PresenceEvent struct {
	ImageID  string
	Type     wire.PresenceType
	UserID   string
	Position *annotation.Point
}

// ResyncEvent is an inbound full-state message: either a peer asking for the
// set (Request) or a peer supplying it.
type ResyncEvent struct {
	ImageID     string
	Request     bool
	Annotations []annotation.Annotation
}

// Channel is the typed pub/sub layer over the connection manager. It scopes
// annotation and presence traffic to joined images, stamps outbound messages,
// and filters the echo of this client's own events by origin connection id.
type Channel struct {
	conn   *Conn
	userID string

	mu             sync.Mutex
	joined         map[string]bool
	nextSubID      int
	annotationSubs map[int]func(AnnotationEvent)
	presenceSubs   map[int]func(PresenceEvent)
	resyncSubs     map[int]func(ResyncEvent)

	cancelInbound func()
	cancelEvents  func()
}

// NewChannel wires a channel onto a connection manager. userID identifies
// this participant in presence traffic.
func NewChannel(conn *Conn, userID string) *Channel {
	ch := &Channel{
		conn:           conn,
		userID:         userID,
		joined:         make(map[string]bool),
		annotationSubs: make(map[int]func(AnnotationEvent)),
		presenceSubs:   make(map[int]func(PresenceEvent)),
		resyncSubs:     make(map[int]func(ResyncEvent)),
	}
	ch.cancelInbound = conn.OnMessage(ch.handleInbound)
	// Re-announce presence for every joined image after a reconnect so the
	// server's roster converges.
	ch.cancelEvents = conn.Subscribe(func(ev Event) {
		if ev.Type == EventEstablished {
			ch.rejoinAll()
		}
	})
	return ch
}

// Close detaches the channel from the connection
func (ch *Channel) Close() {
	if ch.cancelInbound != nil {
		ch.cancelInbound()
	}
	if ch.cancelEvents != nil {
		ch.cancelEvents()
	}
}

// Join subscribes to an image's annotation and presence topics and announces
// this participant. Joining an already-joined image is a no-op.
func (ch *Channel) Join(imageID string) error {
	ch.mu.Lock()
	if ch.joined[imageID] {
		ch.mu.Unlock()
		return nil
	}
	ch.joined[imageID] = true
	ch.mu.Unlock()

	if err := ch.sendPresence(imageID, wire.PresenceJoin, nil); err != nil {
		// The announce never reached the server; clear the flag so a retry
		// re-announces instead of hitting the idempotence no-op.
		ch.mu.Lock()
		delete(ch.joined, imageID)
		ch.mu.Unlock()
		return err
	}
	return nil
}

// Leave announces departure and unsubscribes both topics for the image
func (ch *Channel) Leave(imageID string) error {
	ch.mu.Lock()
	if !ch.joined[imageID] {
		ch.mu.Unlock()
		return nil
	}
	delete(ch.joined, imageID)
	ch.mu.Unlock()

	return ch.sendPresence(imageID, wire.PresenceLeave, nil)
}

// EmitAnnotation publishes an annotation mutation to peers viewing the image.
// Delivery is at-most-once; this client's own emissions preserve send order
// because they share one connection.
func (ch *Channel) EmitAnnotation(imageID string, kind wire.EventKind, a annotation.Annotation) error {
	msg := wire.AnnotationEventMessage{
		MessageType: wire.MessageTypeAnnotationEvent,
		ImageID:     imageID,
		Kind:        kind,
		Annotation:  a,
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to emit invalid annotation event: %w", err)
	}
	return ch.send(msg)
}

// EmitCursor broadcasts this participant's cursor position. Best-effort and
// lossy: a send failure is logged, never surfaced, because cursor traffic is
// advisory UI rather than state.
func (ch *Channel) EmitCursor(imageID string, position annotation.Point) {
	msg := wire.PresenceMessage{
		MessageType: wire.MessageTypePresence,
		ImageID:     imageID,
		Type:        wire.PresenceCursor,
		UserID:      ch.userID,
		Position:    &position,
	}
	if err := ch.send(msg); err != nil {
		slogging.Get().Debug("cursor emit dropped image_id=%s error=%v", imageID, err)
	}
}

// RequestResync asks peers on the image for their full annotation set
func (ch *Channel) RequestResync(imageID string) error {
	return ch.send(wire.ResyncRequestMessage{
		MessageType: wire.MessageTypeResyncRequest,
		ImageID:     imageID,
	})
}

// SendResync publishes this client's full annotation set for the image
func (ch *Channel) SendResync(imageID string, annotations []annotation.Annotation) error {
	return ch.send(wire.ResyncResponseMessage{
		MessageType: wire.MessageTypeResyncResponse,
		ImageID:     imageID,
		Annotations: annotations,
	})
}

// OnAnnotationEvent registers a handler for inbound annotation events on
// joined images, excluding this client's own echoes. Returns the
// unsubscribe function.
func (ch *Channel) OnAnnotationEvent(fn func(AnnotationEvent)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextSubID
	ch.nextSubID++
	ch.annotationSubs[id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.annotationSubs, id)
	}
}

// OnPresenceEvent registers a handler for inbound presence events on joined
// images. Returns the unsubscribe function.
func (ch *Channel) OnPresenceEvent(fn func(PresenceEvent)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextSubID
	ch.nextSubID++
	ch.presenceSubs[id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.presenceSubs, id)
	}
}

// OnResyncEvent registers a handler for resync requests and responses on
// joined images. Returns the unsubscribe function.
func (ch *Channel) OnResyncEvent(fn func(ResyncEvent)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextSubID
	ch.nextSubID++
	ch.resyncSubs[id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.resyncSubs, id)
	}
}

func (ch *Channel) sendPresence(imageID string, t wire.PresenceType, pos *annotation.Point) error {
	return ch.send(wire.PresenceMessage{
		MessageType: wire.MessageTypePresence,
		ImageID:     imageID,
		Type:        t,
		UserID:      ch.userID,
		Position:    pos,
	})
}

func (ch *Channel) send(msg wire.Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.GetMessageType(), err)
	}
	return ch.conn.Send(frame)
}

func (ch *Channel) rejoinAll() {
	ch.mu.Lock()
	images := make([]string, 0, len(ch.joined))
	for imageID := range ch.joined {
		images = append(images, imageID)
	}
	ch.mu.Unlock()

	for _, imageID := range images {
		if err := ch.sendPresence(imageID, wire.PresenceJoin, nil); err != nil {
			slogging.Get().Warn("presence rejoin failed image_id=%s error=%v", imageID, err)
		}
	}
}

// handleInbound dispatches a raw frame from the connection. Malformed frames
// and frames for images this client has not joined are dropped; events whose
// origin matches this connection are this client's own echoes and are dropped
// for loop prevention.
func (ch *Channel) handleInbound(frame []byte) {
	logger := slogging.Get()

	msgType, err := wire.PeekType(frame)
	if err != nil {
		logger.Debug("dropping unparseable frame: %v", err)
		return
	}

	ownConn := ch.conn.ConnectionID()

	switch msgType {
	case wire.MessageTypeAnnotationEvent:
		var msg wire.AnnotationEventMessage
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Validate() != nil {
			logger.Debug("dropping malformed annotation event: %v", err)
			return
		}
		if msg.Origin == ownConn || !ch.isJoined(msg.ImageID) {
			return
		}
		for _, fn := range ch.annotationHandlers() {
			fn(AnnotationEvent{
				ImageID:    msg.ImageID,
				Kind:       msg.Kind,
				Annotation: msg.Annotation,
				Origin:     msg.Origin,
			})
		}

	case wire.MessageTypePresence:
		var msg wire.PresenceMessage
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Validate() != nil {
			logger.Debug("dropping malformed presence event: %v", err)
			return
		}
		if msg.Origin == ownConn || !ch.isJoined(msg.ImageID) {
			return
		}
		for _, fn := range ch.presenceHandlers() {
			fn(PresenceEvent{
				ImageID:  msg.ImageID,
				Type:     msg.Type,
				UserID:   msg.UserID,
				Position: msg.Position,
			})
		}

	case wire.MessageTypeResyncRequest:
		var msg wire.ResyncRequestMessage
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Validate() != nil {
			return
		}
		if msg.Origin == ownConn || !ch.isJoined(msg.ImageID) {
			return
		}
		for _, fn := range ch.resyncHandlers() {
			fn(ResyncEvent{ImageID: msg.ImageID, Request: true})
		}

	case wire.MessageTypeResyncResponse:
		var msg wire.ResyncResponseMessage
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Validate() != nil {
			return
		}
		if msg.Origin == ownConn || !ch.isJoined(msg.ImageID) {
			return
		}
		for _, fn := range ch.resyncHandlers() {
			fn(ResyncEvent{ImageID: msg.ImageID, Annotations: msg.Annotations})
		}

	case wire.MessageTypeError:
		var msg wire.ErrorMessage
		if err := json.Unmarshal(frame, &msg); err == nil {
			logger.Warn("server error message: %s %s", msg.Error, msg.Message)
		}

	case wire.MessageTypeParticipantsUpdate:
		// Roster updates are informational; presence join/leave events carry
		// the state changes this layer exposes.

	default:
		logger.Debug("ignoring unknown message type %s", msgType)
	}
}

func (ch *Channel) isJoined(imageID string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joined[imageID]
}

func (ch *Channel) annotationHandlers() []func(AnnotationEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]func(AnnotationEvent), 0, len(ch.annotationSubs))
	for _, fn := range ch.annotationSubs {
		out = append(out, fn)
	}
	return out
}

func (ch *Channel) presenceHandlers() []func(PresenceEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]func(PresenceEvent), 0, len(ch.presenceSubs))
	for _, fn := range ch.presenceSubs {
		out = append(out, fn)
	}
	return out
}

func (ch *Channel) resyncHandlers() []func(ResyncEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]func(ResyncEvent), 0, len(ch.resyncSubs))
	for _, fn := range ch.resyncSubs {
		out = append(out, fn)
	}
	return out
}
