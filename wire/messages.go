// Package wire defines the typed WebSocket messages exchanged between viewer
// clients and the collaboration server. Every message carries a message_type
// discriminator; payload structs validate themselves before send and after
// receive so malformed traffic is rejected at the boundary.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/radpeer/radpeer/annotation"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Annotation synchronization
	MessageTypeAnnotationEvent MessageType = "annotation_event"

	// Presence
	MessageTypePresence           MessageType = "presence"
	MessageTypeParticipantsUpdate MessageType = "participants_update"

	// State convergence
	MessageTypeResyncRequest  MessageType = "resync_request"
	MessageTypeResyncResponse MessageType = "resync_response"

	MessageTypeError MessageType = "error"
)

// EventKind is the mutation carried by an annotation event
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventModify EventKind = "modify"
	EventDelete EventKind = "delete"
)

// PresenceType discriminates presence events
type PresenceType string

const (
	PresenceJoin   PresenceType = "join"
	PresenceLeave  PresenceType = "leave"
	PresenceCursor PresenceType = "cursor"
)

// Message is the base interface for all WebSocket messages
type Message interface {
	GetMessageType() MessageType
	Validate() error
}

// Envelope is the minimal decode target used to dispatch inbound frames
type Envelope struct {
	MessageType MessageType `json:"message_type"`
}

// PeekType returns the message_type of a raw frame without a full decode
func PeekType(raw []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("failed to parse message envelope: %w", err)
	}
	if env.MessageType == "" {
		return "", fmt.Errorf("message_type is required")
	}
	return env.MessageType, nil
}

// AnnotationEventMessage carries one annotation mutation. Origin is the
// server-assigned connection id of the sender, stamped on fan-out so clients
// can discard the echo of their own events.
type AnnotationEventMessage struct {
	MessageType MessageType           `json:"message_type"`
	ImageID     string                `json:"image_id"`
	Kind        EventKind             `json:"kind"`
	Annotation  annotation.Annotation `json:"annotation"`
	Origin      string                `json:"origin,omitempty"`
}

func (m AnnotationEventMessage) GetMessageType() MessageType { return m.MessageType }

func (m AnnotationEventMessage) Validate() error {
	if m.MessageType != MessageTypeAnnotationEvent {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeAnnotationEvent, m.MessageType)
	}
	if m.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	switch m.Kind {
	case EventAdd, EventModify, EventDelete:
	default:
		return fmt.Errorf("invalid event kind: %s (must be add, modify, or delete)", m.Kind)
	}
	if err := m.Annotation.Validate(); err != nil {
		return fmt.Errorf("annotation invalid: %w", err)
	}
	if m.Annotation.ImageID != m.ImageID {
		return fmt.Errorf("annotation image_id (%s) must match event image_id (%s)", m.Annotation.ImageID, m.ImageID)
	}
	return nil
}

// PresenceMessage reports a participant joining, leaving, or moving their
// cursor. Position is only set for cursor events; cursor traffic is advisory
// and lossy by contract.
type PresenceMessage struct {
	MessageType MessageType       `json:"message_type"`
	ImageID     string            `json:"image_id"`
	Type        PresenceType      `json:"type"`
	UserID      string            `json:"user_id"`
	Position    *annotation.Point `json:"position,omitempty"`
	Origin      string            `json:"origin,omitempty"`
}

func (m PresenceMessage) GetMessageType() MessageType { return m.MessageType }

func (m PresenceMessage) Validate() error {
	if m.MessageType != MessageTypePresence {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypePresence, m.MessageType)
	}
	if m.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	switch m.Type {
	case PresenceJoin, PresenceLeave:
		if m.Position != nil {
			return fmt.Errorf("%s presence event should not include a position", m.Type)
		}
	case PresenceCursor:
		if m.Position == nil {
			return fmt.Errorf("cursor presence event requires a position")
		}
	default:
		return fmt.Errorf("invalid presence type: %s (must be join, leave, or cursor)", m.Type)
	}
	return nil
}

// ParticipantsUpdateMessage is the server's authoritative participant roster
// for an image session, sent after every join or leave.
type ParticipantsUpdateMessage struct {
	MessageType  MessageType `json:"message_type"`
	ImageID      string      `json:"image_id"`
	Participants []string    `json:"participants"`
}

func (m ParticipantsUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m ParticipantsUpdateMessage) Validate() error {
	if m.MessageType != MessageTypeParticipantsUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeParticipantsUpdate, m.MessageType)
	}
	if m.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	return nil
}

// ResyncRequestMessage asks peers for the full annotation set of an image
type ResyncRequestMessage struct {
	MessageType MessageType `json:"message_type"`
	ImageID     string      `json:"image_id"`
	Origin      string      `json:"origin,omitempty"`
}

func (m ResyncRequestMessage) GetMessageType() MessageType { return m.MessageType }

func (m ResyncRequestMessage) Validate() error {
	if m.MessageType != MessageTypeResyncRequest {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeResyncRequest, m.MessageType)
	}
	if m.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	return nil
}

// ResyncResponseMessage carries a full annotation set for convergence after
// reconnects or local history walks.
type ResyncResponseMessage struct {
	MessageType MessageType             `json:"message_type"`
	ImageID     string                  `json:"image_id"`
	Annotations []annotation.Annotation `json:"annotations"`
	Origin      string                  `json:"origin,omitempty"`
}

func (m ResyncResponseMessage) GetMessageType() MessageType { return m.MessageType }

func (m ResyncResponseMessage) Validate() error {
	if m.MessageType != MessageTypeResyncResponse {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeResyncResponse, m.MessageType)
	}
	if m.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	for i, a := range m.Annotations {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("annotation %d invalid: %w", i, err)
		}
	}
	return nil
}

// ErrorMessage reports a server-side rejection or failure to one client
type ErrorMessage struct {
	MessageType MessageType `json:"message_type"`
	Error       string      `json:"error"`
	Message     string      `json:"message,omitempty"`
	Code        string      `json:"code,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m ErrorMessage) GetMessageType() MessageType { return m.MessageType }

func (m ErrorMessage) Validate() error {
	if m.MessageType != MessageTypeError {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeError, m.MessageType)
	}
	if m.Error == "" {
		return fmt.Errorf("error is required")
	}
	return nil
}
