package handler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collab-backend/internal/eventlog"
	"collab-backend/internal/hub"
	"collab-backend/internal/presence"
	"collab-backend/internal/protocol"
	"collab-backend/internal/session"
)

// wsRecorder stands in for a websocket connection on the write side.
type wsRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *wsRecorder) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
	return nil
}

func newTestHandler() (*CollabWSHandler, *presence.Tracker) {
	h := hub.New(eventlog.NewMemoryStore(0), 0)
	tracker := presence.NewTracker(45*time.Second, h.PublishParticipants, nil)
	return NewCollabWSHandler(h, tracker, nil), tracker
}

func sendOp(handler *CollabWSHandler, sess *session.Session, boardID int64, op, body string) {
	handler.handleSend(sess, &protocol.Frame{
		Type:        protocol.FrameSend,
		Destination: protocol.AppDestination(boardID, op),
		Body:        json.RawMessage(body),
	})
}

func TestHeartbeatWithoutJoinIsDropped(t *testing.T) {
	handler, tracker := newTestHandler()
	sess := session.New(&wsRecorder{}, session.Identity{UserID: 9, Username: "mallory"})

	sendOp(handler, sess, 7, protocol.OpHeartbeat, `{}`)
	assert.Equal(t, len(tracker.Participants(7)), 0)

	// Joined on one board does not license heartbeats on another.
	sendOp(handler, sess, 3, protocol.OpJoin, `{}`)
	sendOp(handler, sess, 7, protocol.OpHeartbeat, `{}`)
	assert.Equal(t, len(tracker.Participants(7)), 0)
	assert.Equal(t, len(tracker.Participants(3)), 1)
}

func TestHeartbeatAfterJoinRestoresSweptMember(t *testing.T) {
	handler, tracker := newTestHandler()
	sess := session.New(&wsRecorder{}, session.Identity{UserID: 1, Username: "alice"})

	sendOp(handler, sess, 7, protocol.OpJoin, `{}`)
	assert.Equal(t, len(tracker.Participants(7)), 1)

	tracker.Sweep(time.Now().Add(time.Minute))
	assert.Equal(t, len(tracker.Participants(7)), 0)

	// The session is still bound to the board, so its heartbeat brings the
	// roster entry back.
	sendOp(handler, sess, 7, protocol.OpHeartbeat, `{}`)
	assert.Equal(t, len(tracker.Participants(7)), 1)
}
