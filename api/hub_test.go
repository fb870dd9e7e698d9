package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radpeer/radpeer/annotation"
	"github.com/radpeer/radpeer/wire"
)

// hubTestImageID is slash-free because it travels in URL paths
const hubTestImageID = "img-17"

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	srv := NewServer(client, ServerOptions{
		JWTSecret:         testJWTSecret,
		LockTTL:           30 * time.Second,
		InactivityTimeout: time.Minute,
	})
	router := gin.New()
	srv.RegisterRoutes(router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, srv
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := IssueToken(testJWTSecret, userID, time.Minute)
	require.NoError(t, err)
	return "Bearer " + token
}

func dialWS(t *testing.T, ts *httptest.Server, userID, connID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?conn_id=" + connID
	header := http.Header{"Authorization": []string{bearerFor(t, userID)}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	frame, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readFrameOfType reads frames until one matches the wanted type, skipping
// interleaved presence and roster traffic.
func readFrameOfType(t *testing.T, conn *websocket.Conn, want wire.MessageType) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s frame", want)
		got, err := wire.PeekType(frame)
		require.NoError(t, err)
		if got == want {
			return frame
		}
	}
}

func joinImage(t *testing.T, conn *websocket.Conn, imageID string) {
	t.Helper()
	sendJSON(t, conn, wire.PresenceMessage{
		MessageType: wire.MessageTypePresence,
		ImageID:     imageID,
		Type:        wire.PresenceJoin,
	})
	// the roster update confirms the join took effect
	readFrameOfType(t, conn, wire.MessageTypeParticipantsUpdate)
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSRejectsUnauthenticatedDial(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinBroadcastsPresenceAndRoster(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts, "alice", "conn-alice")
	joinImage(t, alice, hubTestImageID)

	bob := dialWS(t, ts, "bob", "conn-bob")
	joinImage(t, bob, hubTestImageID)

	// alice sees bob's join with the server-stamped identity and origin
	frame := readFrameOfType(t, alice, wire.MessageTypePresence)
	var presence wire.PresenceMessage
	require.NoError(t, json.Unmarshal(frame, &presence))
	assert.Equal(t, wire.PresenceJoin, presence.Type)
	assert.Equal(t, "bob", presence.UserID)
	assert.Equal(t, "conn-bob", presence.Origin)

	frame = readFrameOfType(t, alice, wire.MessageTypeParticipantsUpdate)
	var roster wire.ParticipantsUpdateMessage
	require.NoError(t, json.Unmarshal(frame, &roster))
	assert.ElementsMatch(t, []string{"alice", "bob"}, roster.Participants)
}

func TestAnnotationEventFanOut(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts, "alice", "conn-alice")
	joinImage(t, alice, hubTestImageID)
	bob := dialWS(t, ts, "bob", "conn-bob")
	joinImage(t, bob, hubTestImageID)

	fromAlice := annotation.NewMarker(hubTestImageID, "alice", annotation.Point{X: 120, Y: 80})
	sendJSON(t, alice, wire.AnnotationEventMessage{
		MessageType: wire.MessageTypeAnnotationEvent,
		ImageID:     hubTestImageID,
		Kind:        wire.EventAdd,
		Annotation:  fromAlice,
	})

	frame := readFrameOfType(t, bob, wire.MessageTypeAnnotationEvent)
	var received wire.AnnotationEventMessage
	require.NoError(t, json.Unmarshal(frame, &received))
	assert.Equal(t, wire.EventAdd, received.Kind)
	assert.Equal(t, fromAlice.ID, received.Annotation.ID)
	assert.Equal(t, "conn-alice", received.Origin)

	// the sender gets no echo: the next annotation frame alice sees is bob's
	fromBob := annotation.NewMarker(hubTestImageID, "bob", annotation.Point{X: 1, Y: 1})
	sendJSON(t, bob, wire.AnnotationEventMessage{
		MessageType: wire.MessageTypeAnnotationEvent,
		ImageID:     hubTestImageID,
		Kind:        wire.EventAdd,
		Annotation:  fromBob,
	})
	frame = readFrameOfType(t, alice, wire.MessageTypeAnnotationEvent)
	require.NoError(t, json.Unmarshal(frame, &received))
	assert.Equal(t, fromBob.ID, received.Annotation.ID)
	assert.Equal(t, "conn-bob", received.Origin)
}

func TestAnnotationEventRequiresJoin(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts, "alice", "conn-alice")
	sendJSON(t, alice, wire.AnnotationEventMessage{
		MessageType: wire.MessageTypeAnnotationEvent,
		ImageID:     hubTestImageID,
		Kind:        wire.EventAdd,
		Annotation:  annotation.NewMarker(hubTestImageID, "alice", annotation.Point{X: 1, Y: 1}),
	})

	frame := readFrameOfType(t, alice, wire.MessageTypeError)
	var errMsg wire.ErrorMessage
	require.NoError(t, json.Unmarshal(frame, &errMsg))
	assert.Equal(t, "not_joined", errMsg.Error)
}

func TestInvalidAnnotationEventIsRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts, "alice", "conn-alice")
	joinImage(t, alice, hubTestImageID)

	bad := annotation.NewMarker(hubTestImageID, "alice", annotation.Point{X: 1, Y: 1})
	bad.Marker = nil
	sendJSON(t, alice, wire.AnnotationEventMessage{
		MessageType: wire.MessageTypeAnnotationEvent,
		ImageID:     hubTestImageID,
		Kind:        wire.EventAdd,
		Annotation:  bad,
	})

	frame := readFrameOfType(t, alice, wire.MessageTypeError)
	var errMsg wire.ErrorMessage
	require.NoError(t, json.Unmarshal(frame, &errMsg))
	assert.Equal(t, "invalid_annotation_event", errMsg.Error)
}

func TestCursorPresenceIsRelayedWithoutEcho(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts, "alice", "conn-alice")
	joinImage(t, alice, hubTestImageID)
	bob := dialWS(t, ts, "bob", "conn-bob")
	joinImage(t, bob, hubTestImageID)

	sendJSON(t, alice, wire.PresenceMessage{
		MessageType: wire.MessageTypePresence,
		ImageID:     hubTestImageID,
		Type:        wire.PresenceCursor,
		Position:    &annotation.Point{X: 33, Y: 44},
	})

	var cursor wire.PresenceMessage
	for {
		frame := readFrameOfType(t, bob, wire.MessageTypePresence)
		require.NoError(t, json.Unmarshal(frame, &cursor))
		if cursor.Type == wire.PresenceCursor {
			break
		}
	}
	assert.Equal(t, "alice", cursor.UserID)
	require.NotNil(t, cursor.Position)
	assert.Equal(t, annotation.Point{X: 33, Y: 44}, *cursor.Position)
	assert.Equal(t, "conn-alice", cursor.Origin)
}

func TestResyncRelay(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts, "alice", "conn-alice")
	joinImage(t, alice, hubTestImageID)
	bob := dialWS(t, ts, "bob", "conn-bob")
	joinImage(t, bob, hubTestImageID)

	sendJSON(t, bob, wire.ResyncRequestMessage{
		MessageType: wire.MessageTypeResyncRequest,
		ImageID:     hubTestImageID,
	})
	frame := readFrameOfType(t, alice, wire.MessageTypeResyncRequest)
	var req wire.ResyncRequestMessage
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "conn-bob", req.Origin)

	set := []annotation.Annotation{
		annotation.NewMarker(hubTestImageID, "alice", annotation.Point{X: 1, Y: 1}),
	}
	sendJSON(t, alice, wire.ResyncResponseMessage{
		MessageType: wire.MessageTypeResyncResponse,
		ImageID:     hubTestImageID,
		Annotations: set,
	})
	frame = readFrameOfType(t, bob, wire.MessageTypeResyncResponse)
	var resp wire.ResyncResponseMessage
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, "conn-alice", resp.Origin)
	require.Len(t, resp.Annotations, 1)
	assert.Equal(t, set[0].ID, resp.Annotations[0].ID)
}

func TestDisconnectReleasesLocksAndEndsPresence(t *testing.T) {
	ts, _ := newTestServer(t)
	httpClient := ts.Client()

	alice := dialWS(t, ts, "alice", "conn-alice")
	joinImage(t, alice, hubTestImageID)
	bob := dialWS(t, ts, "bob", "conn-bob")
	joinImage(t, bob, hubTestImageID)
	readFrameOfType(t, alice, wire.MessageTypeParticipantsUpdate)

	lockURL := ts.URL + "/images/" + hubTestImageID + "/annotations/ann-1/lock"

	// alice takes the lock over REST
	req, _ := http.NewRequest(http.MethodPost, lockURL, nil)
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// bob cannot take it while alice holds it
	req, _ = http.NewRequest(http.MethodPost, lockURL, nil)
	req.Header.Set("Authorization", bearerFor(t, "bob"))
	resp, err = httpClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// alice's socket drops; the hub ends her presence and frees her locks
	require.NoError(t, alice.Close())

	frame := readFrameOfType(t, bob, wire.MessageTypePresence)
	var leave wire.PresenceMessage
	require.NoError(t, json.Unmarshal(frame, &leave))
	assert.Equal(t, wire.PresenceLeave, leave.Type)
	assert.Equal(t, "alice", leave.UserID)

	frame = readFrameOfType(t, bob, wire.MessageTypeParticipantsUpdate)
	var roster wire.ParticipantsUpdateMessage
	require.NoError(t, json.Unmarshal(frame, &roster))
	assert.Equal(t, []string{"bob"}, roster.Participants)

	// the leave has been processed, so the lock is free for bob now
	req, _ = http.NewRequest(http.MethodPost, lockURL, nil)
	req.Header.Set("Authorization", bearerFor(t, "bob"))
	resp, err = httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestLockEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	httpClient := ts.Client()
	lockURL := ts.URL + "/images/" + hubTestImageID + "/annotations/ann-1/lock"

	do := func(method, user string) (*http.Response, error) {
		req, err := http.NewRequest(method, lockURL, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", bearerFor(t, user))
		return httpClient.Do(req)
	}

	resp, err := do(http.MethodPost, "alice")
	require.NoError(t, err)
	var status wire.LockStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, status.Locked)
	assert.Equal(t, "alice", status.HolderID)

	resp, err = do(http.MethodPost, "bob")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "alice", status.HolderID)

	resp, err = do(http.MethodGet, "bob")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Locked)

	resp, err = do(http.MethodDelete, "alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = do(http.MethodPost, "bob")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAnnotationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	httpClient := ts.Client()
	url := ts.URL + "/images/" + hubTestImageID + "/annotations"

	saved := []annotation.Annotation{
		annotation.NewMarker(hubTestImageID, "alice", annotation.Point{X: 120, Y: 80}),
	}
	body, err := json.Marshal(map[string]any{"annotations": saved})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	resp, err = httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loaded struct {
		ImageID     string                  `json:"image_id"`
		Annotations []annotation.Annotation `json:"annotations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
	assert.Equal(t, hubTestImageID, loaded.ImageID)
	require.Len(t, loaded.Annotations, 1)
	assert.Equal(t, saved[0].ID, loaded.Annotations[0].ID)
}

func TestPutAnnotationsRejectsMismatchedImage(t *testing.T) {
	ts, _ := newTestServer(t)

	stray := annotation.NewMarker("some-other-image", "alice", annotation.Point{X: 1, Y: 1})
	body, err := json.Marshal(map[string]any{"annotations": []annotation.Annotation{stray}})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/images/"+hubTestImageID+"/annotations", bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanupInactiveSessionsDropsEmptySessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(NewLockStore(client, time.Minute), time.Minute, 0)
	hub.getOrCreateSession(hubTestImageID)
	require.NotNil(t, hub.session(hubTestImageID))

	hub.CleanupInactiveSessions()
	assert.Nil(t, hub.session(hubTestImageID))
}

func TestStalledClientSharedAcrossSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(NewLockStore(client, time.Minute), time.Minute, 0)

	// One socket viewing two images, with a full 1-slot outbound queue.
	stalled := &Client{
		hub:    hub,
		connID: "conn-stall",
		userID: "mallory",
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
		joined: map[string]bool{"img-a": true, "img-b": true},
	}
	stalled.send <- []byte(`{"queued":true}`)

	sessA := hub.getOrCreateSession("img-a")
	sessA.mu.Lock()
	sessA.clients[stalled] = true
	sessA.mu.Unlock()
	sessB := hub.getOrCreateSession("img-b")
	sessB.mu.Lock()
	sessB.clients[stalled] = true
	sessB.mu.Unlock()

	frame := []byte(`{"message_type":"presence"}`)
	sessA.broadcast(frame, nil)

	// The send channel is shared with sessB; a second fan-out and a direct
	// error send must both survive the eviction.
	require.NotPanics(t, func() { sessB.broadcast(frame, nil) })
	require.NotPanics(t, func() { stalled.sendError("bad_message", "late") })

	sessA.mu.RLock()
	_, stillA := sessA.clients[stalled]
	sessA.mu.RUnlock()
	assert.False(t, stillA, "stalled client should be evicted from the session that saw the full queue")

	select {
	case <-stalled.done:
	default:
		t.Fatal("stalled client was not marked for teardown")
	}
}
