package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/radpeer/radpeer/internal/slogging"
	"github.com/radpeer/radpeer/internal/uuidgen"
	"github.com/radpeer/radpeer/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub maintains the active collaboration sockets and the per-image sessions
// they participate in. One socket serves all of a client's images; presence
// join/leave messages move the client in and out of image sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*ImageSession

	locks             *LockStore
	inactivityTimeout time.Duration
	readLimit         int64
}

// ImageSession is the set of clients currently viewing one image
type ImageSession struct {
	ID      string
	ImageID string

	mu           sync.RWMutex
	clients      map[*Client]bool
	lastActivity time.Time
}

// Client is one connected viewer socket
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	userID string
	send   chan []byte

	// done is closed exactly once to stop both pumps; the send channel is
	// shared by every image session the socket joined and is never closed.
	done     chan struct{}
	dropOnce sync.Once

	mu     sync.Mutex
	joined map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the fronting proxy in this deployment
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a hub backed by the given lock store
func NewHub(locks *LockStore, inactivityTimeout time.Duration, readLimit int64) *Hub {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 15 * time.Minute
	}
	if readLimit <= 0 {
		readLimit = 65536
	}
	return &Hub{
		sessions:          make(map[string]*ImageSession),
		locks:             locks,
		inactivityTimeout: inactivityTimeout,
		readLimit:         readLimit,
	}
}

// HandleWS upgrades an authenticated request to a collaboration socket
func (h *Hub) HandleWS(c *gin.Context) {
	logger := slogging.Get()

	userID := UserIDFromContext(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	connID := c.Query("conn_id")
	if connID == "" {
		connID = uuidgen.MustNewForEntity(uuidgen.EntityTypeConnection).String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		connID: connID,
		userID: userID,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		joined: make(map[string]bool),
	}

	logger.Info("collaboration socket opened user=%s conn_id=%s", userID, connID)
	go client.writePump()
	go client.readPump()
}

// getOrCreateSession returns the session for an image, creating it on first
// join.
func (h *Hub) getOrCreateSession(imageID string) *ImageSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.sessions[imageID]; ok {
		session.touch()
		return session
	}
	session := &ImageSession{
		ID:           uuidgen.MustNewForEntity(uuidgen.EntityTypeSession).String(),
		ImageID:      imageID,
		clients:      make(map[*Client]bool),
		lastActivity: time.Now().UTC(),
	}
	h.sessions[imageID] = session
	return session
}

func (h *Hub) session(imageID string) *ImageSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[imageID]
}

// CleanupInactiveSessions drops sessions with no clients or no recent
// activity.
func (h *Hub) CleanupInactiveSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().UTC().Add(-h.inactivityTimeout)
	for imageID, session := range h.sessions {
		session.mu.RLock()
		stale := session.lastActivity.Before(cutoff) || len(session.clients) == 0
		session.mu.RUnlock()
		if stale {
			delete(h.sessions, imageID)
		}
	}
}

// StartCleanupTimer runs periodic session cleanup until ctx is cancelled
func (h *Hub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CleanupInactiveSessions()
		case <-ctx.Done():
			return
		}
	}
}

func (s *ImageSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// broadcast fans a frame out to every session member except the origin
// client. Members whose outbound queue is full are dropped; a stalled
// consumer must not block the session. The member's send channel stays open
// because other sessions sharing the socket may still hold it; teardown goes
// through drop so readPump removes the client from every session once.
func (s *ImageSession) broadcast(frame []byte, except *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
	for client := range s.clients {
		if client == except {
			continue
		}
		select {
		case client.send <- frame:
		default:
			delete(s.clients, client)
			client.drop()
		}
	}
}

func (s *ImageSession) participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.clients))
	var out []string
	for client := range s.clients {
		if !seen[client.userID] {
			seen[client.userID] = true
			out = append(out, client.userID)
		}
	}
	return out
}

// handleJoin adds the client to the image session, fans the presence join out
// to the other members, and sends everyone the updated roster.
func (h *Hub) handleJoin(client *Client, msg wire.PresenceMessage) {
	session := h.getOrCreateSession(msg.ImageID)

	session.mu.Lock()
	session.clients[client] = true
	session.mu.Unlock()

	client.mu.Lock()
	client.joined[msg.ImageID] = true
	client.mu.Unlock()

	msg.UserID = client.userID
	msg.Origin = client.connID
	if frame, err := json.Marshal(msg); err == nil {
		session.broadcast(frame, client)
	}
	h.broadcastParticipants(session)
}

// handleLeave removes the client from the session and releases the locks
// they hold on the image. explicit distinguishes a presence leave message
// from a socket loss; both end presence.
func (h *Hub) handleLeave(client *Client, imageID string, explicit bool) {
	session := h.session(imageID)
	if session == nil {
		return
	}

	session.mu.Lock()
	delete(session.clients, client)
	session.mu.Unlock()

	client.mu.Lock()
	delete(client.joined, imageID)
	client.mu.Unlock()

	// Locks expire when their holder's socket goes away; the server observes
	// the close, the client never has to.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.locks.ReleaseAllForHolder(ctx, imageID, client.userID); err != nil {
		slogging.Get().Warn("lock cleanup failed image_id=%s user=%s error=%v", imageID, client.userID, err)
	}
	cancel()

	leave := wire.PresenceMessage{
		MessageType: wire.MessageTypePresence,
		ImageID:     imageID,
		Type:        wire.PresenceLeave,
		UserID:      client.userID,
		Origin:      client.connID,
	}
	if frame, err := json.Marshal(leave); err == nil {
		session.broadcast(frame, client)
	}
	h.broadcastParticipants(session)

	if !explicit {
		return
	}
	slogging.Get().Debug("participant left image_id=%s user=%s", imageID, client.userID)
}

func (h *Hub) broadcastParticipants(session *ImageSession) {
	update := wire.ParticipantsUpdateMessage{
		MessageType:  wire.MessageTypeParticipantsUpdate,
		ImageID:      session.ImageID,
		Participants: session.participants(),
	}
	if frame, err := json.Marshal(update); err == nil {
		session.broadcast(frame, nil)
	}
}

// dispatch routes one inbound frame from a client. Annotation and resync
// traffic is stamped with the sender's connection id and fanned out to the
// rest of the session; malformed frames earn an error message back to the
// sender only.
func (h *Hub) dispatch(client *Client, frame []byte) {
	logger := slogging.Get()

	msgType, err := wire.PeekType(frame)
	if err != nil {
		client.sendError("bad_message", err.Error())
		return
	}

	switch msgType {
	case wire.MessageTypePresence:
		var msg wire.PresenceMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			client.sendError("bad_message", "unparseable presence message")
			return
		}
		// The server, not the sender, decides the user identity.
		msg.UserID = client.userID
		if err := msg.Validate(); err != nil {
			client.sendError("bad_message", err.Error())
			return
		}
		switch msg.Type {
		case wire.PresenceJoin:
			h.handleJoin(client, msg)
		case wire.PresenceLeave:
			h.handleLeave(client, msg.ImageID, true)
		case wire.PresenceCursor:
			if session := h.session(msg.ImageID); session != nil {
				msg.Origin = client.connID
				if out, err := json.Marshal(msg); err == nil {
					session.broadcast(out, client)
				}
			}
		}

	case wire.MessageTypeAnnotationEvent:
		var msg wire.AnnotationEventMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			client.sendError("bad_message", "unparseable annotation event")
			return
		}
		if err := msg.Validate(); err != nil {
			client.sendError("invalid_annotation_event", err.Error())
			return
		}
		session := h.session(msg.ImageID)
		if session == nil || !client.isJoined(msg.ImageID) {
			client.sendError("not_joined", "join the image before emitting annotation events")
			return
		}
		msg.Origin = client.connID
		if out, err := json.Marshal(msg); err == nil {
			session.broadcast(out, client)
		}

	case wire.MessageTypeResyncRequest, wire.MessageTypeResyncResponse:
		// Resync traffic is peer-to-peer through the hub: re-stamp origin and
		// relay within the session.
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(frame, &raw); err != nil {
			return
		}
		var imageID string
		if err := json.Unmarshal(raw["image_id"], &imageID); err != nil || imageID == "" {
			return
		}
		session := h.session(imageID)
		if session == nil || !client.isJoined(imageID) {
			return
		}
		raw["origin"], _ = json.Marshal(client.connID)
		if out, err := json.Marshal(raw); err == nil {
			session.broadcast(out, client)
		}

	default:
		logger.Debug("ignoring inbound message type %s from user=%s", msgType, client.userID)
	}
}

// drop marks the client for teardown. Both pumps observe done and exit;
// readPump's deferred cleanup removes the client from every session it
// joined. Safe to call from any goroutine, any number of times.
func (c *Client) drop() {
	c.dropOnce.Do(func() { close(c.done) })
}

func (c *Client) isJoined(imageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[imageID]
}

func (c *Client) joinedImages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for imageID := range c.joined {
		out = append(out, imageID)
	}
	return out
}

func (c *Client) sendError(code, message string) {
	msg := wire.ErrorMessage{
		MessageType: wire.MessageTypeError,
		Error:       code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	if frame, err := json.Marshal(msg); err == nil {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// readPump pumps frames from the socket into the hub dispatcher. On exit the
// client is removed from every session it joined, which also releases its
// locks.
func (c *Client) readPump() {
	defer func() {
		c.drop()
		for _, imageID := range c.joinedImages() {
			c.hub.handleLeave(c, imageID, false)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("socket read error user=%s: %v", c.userID, err)
			}
			return
		}
		c.hub.dispatch(c, frame)
	}
}

// writePump pumps outbound frames to the socket and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
