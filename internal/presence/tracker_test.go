package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collab-backend/internal/event"
	"collab-backend/internal/session"
)

type publishRecorder struct {
	mu    sync.Mutex
	calls []publishedRoster
}

type publishedRoster struct {
	boardID int64
	items   []event.Participant
}

func (r *publishRecorder) publish(boardID int64, items []event.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, publishedRoster{boardID: boardID, items: items})
}

func (r *publishRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *publishRecorder) last() publishedRoster {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func TestJoinPublishesRoster(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)

	tr.Join(1, session.Identity{UserID: 10, Username: "alice"}, "sess-a")

	assert.Equal(t, rec.count(), 1)
	got := rec.last()
	assert.Equal(t, got.boardID, int64(1))
	assert.Equal(t, len(got.items), 1)
	assert.Equal(t, got.items[0].Username, "alice")
}

func TestMultiTabLeaveKeepsMember(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)
	alice := session.Identity{UserID: 10, Username: "alice"}

	tr.Join(1, alice, "tab-1")
	tr.Join(1, alice, "tab-2")
	assert.Equal(t, len(tr.Participants(1)), 1)

	tr.Leave(1, alice, "tab-1")
	assert.Equal(t, len(tr.Participants(1)), 1)

	tr.Leave(1, alice, "tab-2")
	assert.Equal(t, len(tr.Participants(1)), 0)
	assert.Equal(t, len(rec.last().items), 0)
}

func TestGuestsWithSameNameShareEntry(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)
	guest := session.Guest("abc123-session")

	tr.Join(2, guest, "sess-1")
	tr.Join(2, guest, "sess-2")
	assert.Equal(t, len(tr.Participants(2)), 1)
}

func TestHeartbeatRefreshWithoutPublish(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)
	alice := session.Identity{UserID: 10, Username: "alice"}

	tr.Join(1, alice, "sess-a")
	before := rec.count()
	tr.Heartbeat(1, alice, "sess-a")
	tr.Heartbeat(1, alice, "sess-a")

	// A heartbeat that changes nothing must not spam the roster topic.
	assert.Equal(t, rec.count(), before)
	assert.Equal(t, len(tr.Participants(1)), 1)
}

func TestHeartbeatResurrectsEvictedMember(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)
	alice := session.Identity{UserID: 10, Username: "alice"}

	tr.Join(1, alice, "sess-a")
	tr.Sweep(time.Now().Add(time.Minute))
	assert.Equal(t, len(tr.Participants(1)), 0)

	before := rec.count()
	tr.Heartbeat(1, alice, "sess-a")
	assert.Equal(t, rec.count(), before+1)
	assert.Equal(t, len(tr.Participants(1)), 1)
}

func TestSweepEvictsStaleAndKeepsFresh(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)
	alice := session.Identity{UserID: 10, Username: "alice"}
	bob := session.Identity{UserID: 11, Username: "bob"}

	tr.Join(1, alice, "sess-a")
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	tr.Join(1, bob, "sess-b")

	before := rec.count()
	tr.Sweep(cutoff.Add(45 * time.Second))

	// alice timed out, bob survives; exactly one snapshot for the board.
	assert.Equal(t, rec.count(), before+1)
	items := tr.Participants(1)
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].Username, "bob")
}

func TestSweepWithoutChangesPublishesNothing(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)

	tr.Join(1, session.Identity{UserID: 10, Username: "alice"}, "sess-a")
	before := rec.count()
	tr.Sweep(time.Now())
	assert.Equal(t, rec.count(), before)
}

func TestParticipantsSorted(t *testing.T) {
	rec := &publishRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, nil)

	tr.Join(1, session.Identity{UserID: 20, Username: "zoe"}, "s1")
	tr.Join(1, session.Identity{UserID: 10, Username: "alice"}, "s2")
	tr.Join(1, session.Guest("guest1"), "s3")

	items := tr.Participants(1)
	assert.Equal(t, len(items), 3)
	assert.Equal(t, items[0].Username, "Guest-guest1")
	assert.Equal(t, items[1].Username, "alice")
	assert.Equal(t, items[2].Username, "zoe")
}

type mirrorRecorder struct {
	mu      sync.Mutex
	touched int
	removed int
}

func (m *mirrorRecorder) Touch(ctx context.Context, boardID int64, id session.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return nil
}

func (m *mirrorRecorder) Remove(ctx context.Context, boardID int64, id session.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed++
	return nil
}

func (m *mirrorRecorder) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched, m.removed
}

func TestMirrorTouchAndRemove(t *testing.T) {
	rec := &publishRecorder{}
	mir := &mirrorRecorder{}
	tr := NewTracker(45*time.Second, rec.publish, mir)
	alice := session.Identity{UserID: 10, Username: "alice"}

	tr.Join(1, alice, "sess-a")
	tr.Leave(1, alice, "sess-a")

	// Mirror calls are fire-and-forget goroutines.
	deadline := time.Now().Add(time.Second)
	for {
		touched, removed := mir.counts()
		if touched == 1 && removed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror saw touch=%d remove=%d, want 1/1", touched, removed)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
