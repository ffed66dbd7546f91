package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collab-backend/internal/event"
	"collab-backend/internal/eventlog"
	"collab-backend/internal/protocol"
	"collab-backend/internal/session"
)

// recorder captures frames a session would write to its websocket.
type recorder struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (r *recorder) WriteMessage(messageType int, data []byte) error {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) on(topic string) []*protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range r.frames {
		if f.Destination == topic {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) waitFor(topic string, n int, timeout time.Duration) []*protocol.Frame {
	deadline := time.Now().Add(timeout)
	for {
		frames := r.on(topic)
		if len(frames) >= n || time.Now().After(deadline) {
			return frames
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func joinSession(t *testing.T, h *Hub, boardID int64, name string) (*session.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	sess := session.New(rec, session.Identity{Username: name})
	if err := h.Join(sess, boardID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return sess, rec
}

func stickyRaw(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"x":1,"y":2,"title":"note"}`, id))
}

func TestPublishElementFansOutWithSequence(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	_, recA := joinSession(t, h, 1, "alice")
	_, recB := joinSession(t, h, 1, "bob")

	for i := 1; i <= 3; i++ {
		err := h.PublishElement(1, event.KindSticky, stickyRaw(fmt.Sprintf("n%d", i)), "alice")
		if err != nil {
			t.Fatalf("PublishElement failed: %v", err)
		}
	}

	topic := protocol.Topic(1, protocol.TopicElements)
	for _, rec := range []*recorder{recA, recB} {
		frames := rec.on(topic)
		assert.Equal(t, len(frames), 3)
		for i, f := range frames {
			var env event.Envelope
			if err := json.Unmarshal(f.Body, &env); err != nil {
				t.Fatalf("bad envelope on wire: %v", err)
			}
			assert.Equal(t, env.Seq, int64(i+1))
			assert.Equal(t, env.By, "alice")
			assert.Equal(t, env.Meta.Kind, event.KindSticky)
		}
	}
}

func TestLateJoinerReplaysHistoryInOrder(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	joinSession(t, h, 1, "alice")

	for i := 1; i <= 4; i++ {
		if err := h.PublishElement(1, event.KindSticky, stickyRaw(fmt.Sprintf("n%d", i)), "alice"); err != nil {
			t.Fatalf("PublishElement failed: %v", err)
		}
	}

	_, recLate := joinSession(t, h, 1, "bob")
	topic := protocol.Topic(1, protocol.TopicElements)
	frames := recLate.on(topic)
	assert.Equal(t, len(frames), 4)
	for i, f := range frames {
		var env event.Envelope
		if err := json.Unmarshal(f.Body, &env); err != nil {
			t.Fatalf("bad envelope on wire: %v", err)
		}
		assert.Equal(t, env.Seq, int64(i+1))
	}

	// Live events keep flowing after the replay, continuing the sequence.
	if err := h.PublishElement(1, event.KindSticky, stickyRaw("n5"), "alice"); err != nil {
		t.Fatalf("PublishElement failed: %v", err)
	}
	frames = recLate.on(topic)
	assert.Equal(t, len(frames), 5)
	var env event.Envelope
	json.Unmarshal(frames[4].Body, &env)
	assert.Equal(t, env.Seq, int64(5))
}

func TestPublishElementRejectsInvalidInput(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	_, rec := joinSession(t, h, 1, "alice")

	err := h.PublishElement(1, event.KindCursor, json.RawMessage(`{"x":1,"y":2}`), "alice")
	if !errors.Is(err, event.ErrUnknownKind) {
		t.Fatalf("non-element kind got %v, want ErrUnknownKind", err)
	}

	err = h.PublishElement(1, event.KindSticky, json.RawMessage(`{"x":1}`), "alice")
	if !errors.Is(err, event.ErrInvalidPayload) {
		t.Fatalf("invalid payload got %v, want ErrInvalidPayload", err)
	}

	assert.Equal(t, len(rec.on(protocol.Topic(1, protocol.TopicElements))), 0)
}

func TestBoardsDoNotCrossDeliver(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	_, recA := joinSession(t, h, 1, "alice")
	_, recB := joinSession(t, h, 2, "bob")

	if err := h.PublishElement(1, event.KindSticky, stickyRaw("n1"), "alice"); err != nil {
		t.Fatalf("PublishElement failed: %v", err)
	}

	assert.Equal(t, len(recA.on(protocol.Topic(1, protocol.TopicElements))), 1)
	assert.Equal(t, len(recB.on(protocol.Topic(2, protocol.TopicElements))), 0)
	assert.Equal(t, len(recB.on(protocol.Topic(1, protocol.TopicElements))), 0)
}

func TestPublishVersionCarriesBareCheckpoint(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	_, rec := joinSession(t, h, 1, "alice")

	v := event.VersionPayload{ID: "v1", Description: "milestone", Timestamp: "2026-01-02T03:04:05Z"}
	if err := h.PublishVersion(1, v, "alice"); err != nil {
		t.Fatalf("PublishVersion failed: %v", err)
	}

	topic := protocol.Topic(1, protocol.TopicVersions)
	frames := rec.on(topic)
	assert.Equal(t, len(frames), 1)
	var ve event.VersionEvent
	if err := json.Unmarshal(frames[0].Body, &ve); err != nil {
		t.Fatalf("bad version on wire: %v", err)
	}
	assert.Equal(t, ve.Type, "version")
	assert.Equal(t, ve.ID, "v1")
	assert.Equal(t, ve.By, "alice")

	// A late joiner gets the same bare shape from the replay.
	_, recLate := joinSession(t, h, 1, "bob")
	frames = recLate.on(topic)
	assert.Equal(t, len(frames), 1)
	var replayed event.VersionEvent
	if err := json.Unmarshal(frames[0].Body, &replayed); err != nil {
		t.Fatalf("bad replayed version: %v", err)
	}
	assert.Equal(t, replayed.ID, "v1")
}

func TestPublishVersionRequiresID(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	err := h.PublishVersion(1, event.VersionPayload{Description: "nameless"}, "alice")
	if !errors.Is(err, event.ErrInvalidPayload) {
		t.Fatalf("got %v, want ErrInvalidPayload", err)
	}
}

func TestCursorBypassesLog(t *testing.T) {
	store := eventlog.NewMemoryStore(0)
	h := New(store, 0)
	_, rec := joinSession(t, h, 1, "alice")

	h.PublishCursor(1, event.CursorEvent{Type: "cursor", Username: "bob", X: 5, Y: 6})

	topic := protocol.Topic(1, protocol.TopicCursors)
	frames := rec.waitFor(topic, 1, time.Second)
	assert.Equal(t, len(frames), 1)
	var ev event.CursorEvent
	if err := json.Unmarshal(frames[0].Body, &ev); err != nil {
		t.Fatalf("bad cursor on wire: %v", err)
	}
	assert.Equal(t, ev.Username, "bob")
	assert.Equal(t, ev.X, 5.0)

	events, _ := store.Replay(1)
	assert.Equal(t, len(events), 0)
}

func TestPublishParticipants(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	_, rec := joinSession(t, h, 1, "alice")

	h.PublishParticipants(1, []event.Participant{{UserID: 10, Username: "alice"}})

	frames := rec.on(protocol.Topic(1, protocol.TopicParticipants))
	assert.Equal(t, len(frames), 1)
	var ev event.ParticipantsEvent
	if err := json.Unmarshal(frames[0].Body, &ev); err != nil {
		t.Fatalf("bad roster on wire: %v", err)
	}
	assert.Equal(t, ev.Type, "participants")
	assert.Equal(t, len(ev.Items), 1)
}

func TestLeaveRemovesSessionAndEmptyBoard(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	sessA, _ := joinSession(t, h, 1, "alice")
	sessB, recB := joinSession(t, h, 1, "bob")

	h.Leave(sessA)
	assert.Equal(t, h.SessionCount(1), 1)
	assert.Equal(t, sessA.Closed(), true)

	// Remaining sessions still receive events.
	if err := h.PublishElement(1, event.KindSticky, stickyRaw("n1"), "bob"); err != nil {
		t.Fatalf("PublishElement failed: %v", err)
	}
	assert.Equal(t, len(recB.on(protocol.Topic(1, protocol.TopicElements))), 1)

	h.Leave(sessB)
	assert.Equal(t, h.SessionCount(1), 0)

	// Leave on an already-left session is harmless.
	h.Leave(sessB)
}

func boardRegistered(h *Hub, boardID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.boards[boardID]
	return ok
}

func TestRebindDetachesFromPreviousBoard(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	sess, rec := joinSession(t, h, 1, "alice")

	if err := h.Join(sess, 2); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	assert.Equal(t, h.SessionCount(1), 0)
	assert.Equal(t, boardRegistered(h, 1), false)
	assert.Equal(t, h.SessionCount(2), 1)

	// Events on the old board no longer reach the session.
	if err := h.PublishElement(1, event.KindSticky, stickyRaw("n1"), "bob"); err != nil {
		t.Fatalf("PublishElement failed: %v", err)
	}
	assert.Equal(t, len(rec.on(protocol.Topic(1, protocol.TopicElements))), 0)

	h.Leave(sess)
	assert.Equal(t, h.SessionCount(2), 0)
	assert.Equal(t, boardRegistered(h, 2), false)
}

func TestJoinLandsOnLiveBoardAfterReap(t *testing.T) {
	h := New(eventlog.NewMemoryStore(0), 0)
	stale := h.GetOrCreateBoard(1)
	h.removeBoard(1)
	assert.Equal(t, stale.dead, true)

	// The session must be installed on a registered board, not the reaped
	// instance, or it would never see another publish.
	_, rec := joinSession(t, h, 1, "alice")
	h.mu.RLock()
	current := h.boards[1]
	h.mu.RUnlock()
	if current == stale {
		t.Fatal("join installed the session onto a reaped board")
	}

	if err := h.PublishElement(1, event.KindSticky, stickyRaw("n1"), "alice"); err != nil {
		t.Fatalf("PublishElement failed: %v", err)
	}
	assert.Equal(t, len(rec.on(protocol.Topic(1, protocol.TopicElements))), 1)
}

func TestPublishWithoutSubscribersLeavesNoBoard(t *testing.T) {
	store := eventlog.NewMemoryStore(0)
	h := New(store, 0)

	if err := h.PublishElement(1, event.KindSticky, stickyRaw("n1"), "alice"); err != nil {
		t.Fatalf("PublishElement failed: %v", err)
	}
	if err := h.PublishVersion(1, event.VersionPayload{ID: "v1"}, "alice"); err != nil {
		t.Fatalf("PublishVersion failed: %v", err)
	}

	// The events are durable for late joiners, but no board object or
	// cursor pump sticks around.
	events, err := store.Replay(1)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	assert.Equal(t, len(events), 2)
	assert.Equal(t, boardRegistered(h, 1), false)

	_, rec := joinSession(t, h, 1, "bob")
	assert.Equal(t, len(rec.on(protocol.Topic(1, protocol.TopicElements))), 1)
	assert.Equal(t, len(rec.on(protocol.Topic(1, protocol.TopicVersions))), 1)
}
