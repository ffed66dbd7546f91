package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"collab-backend/internal/event"
)

// Identity is the user behind a session: id, display name, and the derived
// presentation attributes every client renders the same way.
type Identity struct {
	UserID   int64
	Username string
}

// Guest builds a stable anonymous identity from a session id, matching the
// Guest-<prefix> naming clients already expect.
func Guest(sessionID string) Identity {
	suffix := sessionID
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return Identity{Username: "Guest-" + suffix}
}

// Initials returns the first two characters of the username, uppercased.
func (id Identity) Initials() string {
	name := strings.TrimSpace(id.Username)
	if name == "" {
		return "U"
	}
	runes := []rune(name)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	for i, r := range runes {
		runes[i] = unicode.ToUpper(r)
	}
	return string(runes)
}

// Color derives a deterministic hsl color from the username so every client
// paints the same user the same way without coordination.
func (id Identity) Color() string {
	key := id.Username
	if key == "" {
		key = fmt.Sprintf("%d", id.UserID)
	}
	var hash int32
	for _, r := range key {
		hash = r + (hash << 5) - hash
	}
	hue := hash % 360
	if hue < 0 {
		hue = -hue
	}
	return fmt.Sprintf("hsl(%d, 70%%, 55%%)", hue)
}

// Participant converts the identity into its roster wire shape.
func (id Identity) Participant() event.Participant {
	return event.Participant{UserID: id.UserID, Username: id.Username}
}

// ConnWriter is the websocket write surface a session needs. The real
// implementation is a *websocket.Conn; tests substitute a recorder.
type ConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// TextMessage mirrors the websocket text opcode so callers of Send do not
// need the websocket package.
const TextMessage = 1

// Session is one connected client, bound to at most one board at a time.
// Writes are serialized per connection; Close is idempotent and safe to call
// from any error path.
type Session struct {
	ID          string
	Identity    Identity
	ConnectedAt time.Time

	conn    ConnWriter
	writeMu sync.Mutex

	mu      sync.RWMutex
	boardID int64
	topics  map[string]bool
	closed  bool
}

// New creates a session for a connection. A zero identity yields a guest.
func New(conn ConnWriter, identity Identity) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		conn:        conn,
		topics:      make(map[string]bool),
	}
	if s.Identity.Username == "" {
		s.Identity = Guest(s.ID)
	}
	return s
}

// Bind attaches the session to a board. Rebinding replaces the previous
// board and drops its subscriptions.
func (s *Session) Bind(boardID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boardID != boardID {
		s.topics = make(map[string]bool)
	}
	s.boardID = boardID
}

// BoardID returns the bound board, 0 when unbound.
func (s *Session) BoardID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boardID
}

// Subscribe marks a topic as live for this session.
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.topics[topic] = true
	}
}

// Unsubscribe removes a topic; safe when never subscribed.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// Subscribed reports whether the session currently listens on topic.
func (s *Session) Subscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.topics[topic]
}

// Send writes one text frame to the connection. Failures are returned so the
// hub can log them; a closed session silently drops the write.
func (s *Session) Send(data []byte) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(TextMessage, data)
}

// Close marks the session dead and releases all subscriptions. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.topics = make(map[string]bool)
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
