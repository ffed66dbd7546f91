package session

import (
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestGuestIdentity(t *testing.T) {
	id := Guest("a1b2c3d4-e5f6")
	assert.Equal(t, id.Username, "Guest-a1b2c3")
	assert.Equal(t, id.UserID, int64(0))

	short := Guest("ab")
	assert.Equal(t, short.Username, "Guest-ab")
}

func TestNewSessionDefaultsToGuest(t *testing.T) {
	s := New(&recorder{}, Identity{})
	if !strings.HasPrefix(s.Identity.Username, "Guest-") {
		t.Fatalf("anonymous session got username %q", s.Identity.Username)
	}
}

func TestInitials(t *testing.T) {
	assert.Equal(t, Identity{Username: "alice"}.Initials(), "AL")
	assert.Equal(t, Identity{Username: "b"}.Initials(), "B")
	assert.Equal(t, Identity{Username: ""}.Initials(), "U")
}

func TestColorDeterministic(t *testing.T) {
	a := Identity{Username: "alice"}
	assert.Equal(t, a.Color(), a.Color())
	if !strings.HasPrefix(a.Color(), "hsl(") {
		t.Fatalf("color %q is not hsl", a.Color())
	}
	// Two different names should not need to collide, but both must be
	// stable; equality across processes is what clients rely on.
	b := Identity{Username: "bob"}
	assert.Equal(t, b.Color(), b.Color())
}

func TestSubscribeAndBind(t *testing.T) {
	s := New(&recorder{}, Identity{UserID: 1, Username: "alice"})

	s.Bind(7)
	s.Subscribe("/topic/board.7.elements")
	assert.Equal(t, s.Subscribed("/topic/board.7.elements"), true)
	assert.Equal(t, s.Subscribed("/topic/board.7.cursors"), false)

	// Rebinding to another board drops the old board's subscriptions.
	s.Bind(8)
	assert.Equal(t, s.Subscribed("/topic/board.7.elements"), false)
	assert.Equal(t, s.BoardID(), int64(8))
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	rec := &recorder{}
	s := New(rec, Identity{Username: "alice"})

	if err := s.Send([]byte("one")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	s.Close()
	s.Close() // idempotent
	if err := s.Send([]byte("two")); err != nil {
		t.Fatalf("Send after close should be a silent no-op, got %v", err)
	}
	assert.Equal(t, rec.count(), 1)
	assert.Equal(t, s.Closed(), true)
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	s := New(&recorder{}, Identity{Username: "alice"})
	s.Bind(7)
	s.Subscribe("/topic/board.7.elements")
	s.Close()
	assert.Equal(t, s.Subscribed("/topic/board.7.elements"), false)
	s.Subscribe("/topic/board.7.elements")
	assert.Equal(t, s.Subscribed("/topic/board.7.elements"), false)
}
