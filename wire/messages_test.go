package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radpeer/radpeer/annotation"
)

const testImageID = "study-001/series-2/image-17"

func validEvent() AnnotationEventMessage {
	return AnnotationEventMessage{
		MessageType: MessageTypeAnnotationEvent,
		ImageID:     testImageID,
		Kind:        EventAdd,
		Annotation:  annotation.NewMarker(testImageID, "dr.chen", annotation.Point{X: 1, Y: 2}),
	}
}

func TestPeekType(t *testing.T) {
	mt, err := PeekType([]byte(`{"message_type":"presence","image_id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypePresence, mt)

	_, err = PeekType([]byte(`{"image_id":"x"}`))
	assert.Error(t, err)

	_, err = PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestAnnotationEventMessageValidate(t *testing.T) {
	require.NoError(t, validEvent().Validate())

	t.Run("wrong message type", func(t *testing.T) {
		m := validEvent()
		m.MessageType = MessageTypePresence
		assert.Error(t, m.Validate())
	})

	t.Run("missing image id", func(t *testing.T) {
		m := validEvent()
		m.ImageID = ""
		assert.Error(t, m.Validate())
	})

	t.Run("unknown kind", func(t *testing.T) {
		m := validEvent()
		m.Kind = EventKind("upsert")
		assert.Error(t, m.Validate())
	})

	t.Run("invalid annotation", func(t *testing.T) {
		m := validEvent()
		m.Annotation.ID = ""
		assert.Error(t, m.Validate())
	})

	t.Run("image id mismatch", func(t *testing.T) {
		m := validEvent()
		m.ImageID = "some-other-image"
		assert.Error(t, m.Validate())
	})
}

func TestPresenceMessageValidate(t *testing.T) {
	join := PresenceMessage{
		MessageType: MessageTypePresence,
		ImageID:     testImageID,
		Type:        PresenceJoin,
		UserID:      "dr.chen",
	}
	require.NoError(t, join.Validate())

	t.Run("join with position", func(t *testing.T) {
		m := join
		m.Position = &annotation.Point{X: 1, Y: 1}
		assert.Error(t, m.Validate())
	})

	t.Run("cursor requires position", func(t *testing.T) {
		m := join
		m.Type = PresenceCursor
		assert.Error(t, m.Validate())

		m.Position = &annotation.Point{X: 10, Y: 20}
		assert.NoError(t, m.Validate())
	})

	t.Run("unknown presence type", func(t *testing.T) {
		m := join
		m.Type = PresenceType("lurk")
		assert.Error(t, m.Validate())
	})

	t.Run("missing image id", func(t *testing.T) {
		m := join
		m.ImageID = ""
		assert.Error(t, m.Validate())
	})
}

func TestParticipantsUpdateMessageValidate(t *testing.T) {
	m := ParticipantsUpdateMessage{
		MessageType:  MessageTypeParticipantsUpdate,
		ImageID:      testImageID,
		Participants: []string{"dr.chen", "dr.patel"},
	}
	require.NoError(t, m.Validate())

	m.ImageID = ""
	assert.Error(t, m.Validate())
}

func TestResyncMessagesValidate(t *testing.T) {
	req := ResyncRequestMessage{MessageType: MessageTypeResyncRequest, ImageID: testImageID}
	require.NoError(t, req.Validate())
	req.ImageID = ""
	assert.Error(t, req.Validate())

	resp := ResyncResponseMessage{
		MessageType: MessageTypeResyncResponse,
		ImageID:     testImageID,
		Annotations: []annotation.Annotation{
			annotation.NewMarker(testImageID, "dr.chen", annotation.Point{X: 1, Y: 1}),
		},
	}
	require.NoError(t, resp.Validate())

	resp.Annotations[0].AuthorID = ""
	assert.Error(t, resp.Validate())
}

func TestErrorMessageValidate(t *testing.T) {
	m := ErrorMessage{MessageType: MessageTypeError, Error: "not_joined"}
	require.NoError(t, m.Validate())

	m.Error = ""
	assert.Error(t, m.Validate())
}
