package presence

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collab-backend/internal/event"
	"collab-backend/internal/session"
)

// PublishFunc delivers a full roster snapshot to a board's participants
// topic. The tracker publishes current truth only; clients derive their own
// join/leave deltas.
type PublishFunc func(boardID int64, items []event.Participant)

// Mirror is an optional collaborator that reflects presence into an external
// store. A nil Mirror is simply absent; callers never probe capabilities at
// runtime.
type Mirror interface {
	Touch(ctx context.Context, boardID int64, id session.Identity) error
	Remove(ctx context.Context, boardID int64, id session.Identity) error
}

type member struct {
	identity session.Identity
	lastSeen time.Time
	sessions map[string]bool
}

// Tracker maintains per-board rosters keyed by user identity. A user holds
// one roster entry no matter how many sessions (tabs) they have open, and is
// evicted after Timeout without a heartbeat.
type Tracker struct {
	timeout time.Duration
	publish PublishFunc
	mirror  Mirror

	mu     sync.Mutex
	boards map[int64]map[string]*member

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker creates a tracker. timeout should be 2-3x the client heartbeat
// interval; mirror may be nil.
func NewTracker(timeout time.Duration, publish PublishFunc, mirror Mirror) *Tracker {
	return &Tracker{
		timeout: timeout,
		publish: publish,
		mirror:  mirror,
		boards:  make(map[int64]map[string]*member),
		stop:    make(chan struct{}),
	}
}

func memberKey(id session.Identity) string {
	if id.UserID != 0 {
		return fmt.Sprintf("u:%d", id.UserID)
	}
	return "g:" + id.Username
}

// Join adds or refreshes the identity on the board's roster and publishes a
// roster snapshot.
func (t *Tracker) Join(boardID int64, id session.Identity, sessionID string) {
	t.mu.Lock()
	roster := t.boards[boardID]
	if roster == nil {
		roster = make(map[string]*member)
		t.boards[boardID] = roster
	}
	key := memberKey(id)
	m := roster[key]
	if m == nil {
		m = &member{identity: id, sessions: make(map[string]bool)}
		roster[key] = m
	}
	m.lastSeen = time.Now()
	m.sessions[sessionID] = true
	items := snapshot(roster)
	t.mu.Unlock()

	t.touchMirror(boardID, id)
	t.publish(boardID, items)
}

// Leave drops one session of the identity. The roster entry survives while
// other sessions for the same user remain; a snapshot is published either way
// so clients see current truth.
func (t *Tracker) Leave(boardID int64, id session.Identity, sessionID string) {
	t.mu.Lock()
	roster := t.boards[boardID]
	if roster == nil {
		t.mu.Unlock()
		return
	}
	key := memberKey(id)
	removed := false
	if m := roster[key]; m != nil {
		delete(m.sessions, sessionID)
		if len(m.sessions) == 0 {
			delete(roster, key)
			removed = true
		}
	}
	if len(roster) == 0 {
		delete(t.boards, boardID)
	}
	items := snapshot(roster)
	t.mu.Unlock()

	if removed {
		t.removeMirror(boardID, id)
	}
	t.publish(boardID, items)
}

// Heartbeat refreshes the identity's last-seen time. It publishes only when
// the roster actually changed, i.e. when the heartbeat resurrects a member
// the sweep already evicted.
func (t *Tracker) Heartbeat(boardID int64, id session.Identity, sessionID string) {
	t.mu.Lock()
	roster := t.boards[boardID]
	if roster == nil {
		roster = make(map[string]*member)
		t.boards[boardID] = roster
	}
	key := memberKey(id)
	m := roster[key]
	resurrected := m == nil
	if m == nil {
		m = &member{identity: id, sessions: make(map[string]bool)}
		roster[key] = m
	}
	m.lastSeen = time.Now()
	m.sessions[sessionID] = true
	var items []event.Participant
	if resurrected {
		items = snapshot(roster)
	}
	t.mu.Unlock()

	t.touchMirror(boardID, id)
	if resurrected {
		t.publish(boardID, items)
	}
}

// Participants returns the current roster for a board.
func (t *Tracker) Participants(boardID int64) []event.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.boards[boardID])
}

// Start runs the expiry sweep until Stop is called.
func (t *Tracker) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.Sweep(time.Now())
			}
		}
	}()
}

// Stop halts the expiry sweep. Idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Sweep evicts members whose last heartbeat is older than the timeout and
// publishes exactly one roster snapshot per board that changed.
func (t *Tracker) Sweep(now time.Time) {
	type eviction struct {
		boardID int64
		ids     []session.Identity
		items   []event.Participant
	}
	var evictions []eviction

	t.mu.Lock()
	for boardID, roster := range t.boards {
		var expired []session.Identity
		for key, m := range roster {
			if now.Sub(m.lastSeen) > t.timeout {
				expired = append(expired, m.identity)
				delete(roster, key)
			}
		}
		if len(expired) == 0 {
			continue
		}
		evictions = append(evictions, eviction{boardID: boardID, ids: expired, items: snapshot(roster)})
		if len(roster) == 0 {
			delete(t.boards, boardID)
		}
	}
	t.mu.Unlock()

	for _, ev := range evictions {
		for _, id := range ev.ids {
			log.Printf("[Presence] Evicted %s from board %d (heartbeat timeout)", id.Username, ev.boardID)
			t.removeMirror(ev.boardID, id)
		}
		t.publish(ev.boardID, ev.items)
	}
}

func (t *Tracker) touchMirror(boardID int64, id session.Identity) {
	if t.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.mirror.Touch(ctx, boardID, id); err != nil {
			log.Printf("[Presence] Mirror touch failed for board %d: %v", boardID, err)
		}
	}()
}

func (t *Tracker) removeMirror(boardID int64, id session.Identity) {
	if t.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.mirror.Remove(ctx, boardID, id); err != nil {
			log.Printf("[Presence] Mirror remove failed for board %d: %v", boardID, err)
		}
	}()
}

func snapshot(roster map[string]*member) []event.Participant {
	items := make([]event.Participant, 0, len(roster))
	for _, m := range roster {
		items = append(items, m.identity.Participant())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UserID != items[j].UserID {
			return items[i].UserID < items[j].UserID
		}
		return items[i].Username < items[j].Username
	})
	return items
}
