package handler

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"collab-backend/internal/auth"
	"collab-backend/internal/event"
	"collab-backend/internal/hub"
	"collab-backend/internal/presence"
	"collab-backend/internal/protocol"
	"collab-backend/internal/session"
)

// CollabWSHandler serves the /ws endpoint: it translates framed pub/sub
// messages from clients into router and presence operations. Per-event
// failures are logged and swallowed; a malformed event never tears down the
// session and never reaches other clients.
type CollabWSHandler struct {
	hub        *hub.Hub
	tracker    *presence.Tracker
	jwtManager *auth.JWTManager
}

func NewCollabWSHandler(h *hub.Hub, tracker *presence.Tracker, jwtManager *auth.JWTManager) *CollabWSHandler {
	return &CollabWSHandler{hub: h, tracker: tracker, jwtManager: jwtManager}
}

// ElementMessage is the body of an /app/board/{id}/element frame.
type ElementMessage struct {
	Kind    event.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// HandleWebSocket runs the read loop for one connection until it closes.
func (h *CollabWSHandler) HandleWebSocket(c *websocket.Conn) {
	identity := h.resolveIdentity(c.Query("token"))
	sess := session.New(c, identity)

	log.Printf("[CollabWS] Connected: session=%s user=%s", sess.ID, sess.Identity.Username)

	defer func() {
		if boardID := sess.BoardID(); boardID != 0 {
			h.tracker.Leave(boardID, sess.Identity, sess.ID)
		}
		h.hub.Leave(sess)
		c.Close()
		log.Printf("[CollabWS] Disconnected: session=%s user=%s", sess.ID, sess.Identity.Username)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			return
		}
		if sess.Closed() {
			return
		}

		frame, err := protocol.ParseFrame(msgBytes)
		if err != nil {
			log.Printf("[CollabWS] Dropping frame from %s: %v", sess.ID, err)
			continue
		}

		switch frame.Type {
		case protocol.FrameSend:
			h.handleSend(sess, frame)
		case protocol.FrameSubscribe:
			if _, _, err := protocol.ParseTopic(frame.Destination); err != nil {
				log.Printf("[CollabWS] Bad subscribe from %s: %v", sess.ID, err)
				continue
			}
			sess.Subscribe(frame.Destination)
		case protocol.FrameUnsubscribe:
			sess.Unsubscribe(frame.Destination)
		default:
			log.Printf("[CollabWS] Ignoring frame type %q from %s", frame.Type, sess.ID)
		}
	}
}

func (h *CollabWSHandler) handleSend(sess *session.Session, frame *protocol.Frame) {
	boardID, op, err := protocol.ParseAppDestination(frame.Destination)
	if err != nil {
		log.Printf("[CollabWS] Dropping send from %s: %v", sess.ID, err)
		return
	}

	switch op {
	case protocol.OpJoin:
		if err := h.hub.Join(sess, boardID); err != nil {
			log.Printf("[CollabWS] Join failed for %s on board %d: %v", sess.ID, boardID, err)
			return
		}
		h.tracker.Join(boardID, sess.Identity, sess.ID)

	case protocol.OpLeave:
		h.tracker.Leave(boardID, sess.Identity, sess.ID)
		h.hub.Leave(sess)

	case protocol.OpHeartbeat:
		// Only a session bound to the board may refresh or restore its
		// roster entry; anything else could plant itself on a board it
		// never joined.
		if sess.BoardID() != boardID {
			log.Printf("[CollabWS] Dropping heartbeat from %s for unjoined board %d", sess.ID, boardID)
			return
		}
		h.tracker.Heartbeat(boardID, sess.Identity, sess.ID)

	case protocol.OpCursor:
		var p event.CursorPayload
		if err := json.Unmarshal(frame.Body, &p); err != nil {
			log.Printf("[CollabWS] Bad cursor payload from %s: %v", sess.ID, err)
			return
		}
		h.hub.PublishCursor(boardID, event.CursorEvent{
			Type:      "cursor",
			UserID:    sess.Identity.UserID,
			Username:  sess.Identity.Username,
			X:         p.X,
			Y:         p.Y,
			Timestamp: time.Now().Format(time.RFC3339),
		})

	case protocol.OpVersion:
		var p event.VersionPayload
		if err := json.Unmarshal(frame.Body, &p); err != nil {
			log.Printf("[CollabWS] Bad version payload from %s: %v", sess.ID, err)
			return
		}
		if err := h.hub.PublishVersion(boardID, p, sess.Identity.Username); err != nil {
			log.Printf("[CollabWS] Version publish failed for %s: %v", sess.ID, err)
		}

	case protocol.OpElement:
		var msg ElementMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			log.Printf("[CollabWS] Bad element body from %s: %v", sess.ID, err)
			return
		}
		if err := h.hub.PublishElement(boardID, msg.Kind, msg.Payload, sess.Identity.Username); err != nil {
			log.Printf("[CollabWS] Element publish failed for %s: %v", sess.ID, err)
		}
	}
}

// resolveIdentity validates the handshake token. Missing or invalid tokens
// fall back to a guest identity so unauthenticated boards still work.
func (h *CollabWSHandler) resolveIdentity(token string) session.Identity {
	if token == "" || h.jwtManager == nil {
		return session.Identity{}
	}
	claims, err := h.jwtManager.ValidateAccessToken(token)
	if err != nil {
		log.Printf("[CollabWS] Token rejected, continuing as guest: %v", err)
		return session.Identity{}
	}
	return session.Identity{UserID: claims.UserID, Username: claims.Username}
}
