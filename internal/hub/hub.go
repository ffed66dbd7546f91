// Package hub routes collaboration events: it validates and timestamps
// incoming client events, appends them to the per-board event log, and fans
// them out to every live subscriber on the board's topics.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"collab-backend/internal/event"
	"collab-backend/internal/eventlog"
	"collab-backend/internal/protocol"
	"collab-backend/internal/session"
)

// Hub manages all live boards. Boards are independent: publishing on one
// never contends with another.
type Hub struct {
	log       eventlog.Store
	cursorBuf int

	mu     sync.RWMutex
	boards map[int64]*Board
}

// Board is one live board: its subscriber set, its serialized append point,
// and a dedicated cursor pump so high-frequency ephemeral cursor traffic
// never delays durable element delivery.
type Board struct {
	ID  int64
	hub *Hub

	// mu serializes element publishes and join replay so a joining session
	// cannot miss an event between replay and subscribe.
	mu       sync.RWMutex
	sessions map[string]*session.Session
	// dead is set under mu when the board is reaped; a caller that looked
	// the board up before the reap must retry against the registry.
	dead bool

	cursorCh chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a hub backed by the given event log. cursorBuffer caps the
// per-board cursor pump queue; zero or less uses the default.
func New(store eventlog.Store, cursorBuffer int) *Hub {
	if cursorBuffer <= 0 {
		cursorBuffer = 256
	}
	return &Hub{
		log:       store,
		cursorBuf: cursorBuffer,
		boards:    make(map[int64]*Board),
	}
}

// GetOrCreateBoard returns the live board, creating it on first use.
func (h *Hub) GetOrCreateBoard(boardID int64) *Board {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.boards[boardID]; ok {
		return b
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Board{
		ID:       boardID,
		hub:      h,
		sessions: make(map[string]*session.Session),
		cursorCh: make(chan []byte, h.cursorBuf),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.boards[boardID] = b
	go b.runCursorPump()
	log.Printf("[Hub] Created board %d", boardID)
	return b
}

func (h *Hub) board(boardID int64) *Board {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.boards[boardID]
}

// removeBoard drops an empty board and stops its cursor pump. The dead mark
// and the registry delete happen under both locks, so the board is never
// mapped and dead at the same time.
func (h *Hub) removeBoard(boardID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.boards[boardID]
	if !ok {
		return
	}
	b.mu.Lock()
	if len(b.sessions) != 0 {
		b.mu.Unlock()
		return
	}
	b.dead = true
	b.mu.Unlock()
	b.cancel()
	delete(h.boards, boardID)
	log.Printf("[Hub] Removed board %d", boardID)
}

// lockBoard returns the registered board with its write lock held. If a
// concurrent reap won the race between lookup and lock, the instance is dead
// and no longer mapped, so the lookup is retried.
func (h *Hub) lockBoard(boardID int64) *Board {
	for {
		b := h.GetOrCreateBoard(boardID)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// detach removes the session from a board's subscriber set and reaps the
// board when it empties.
func (h *Hub) detach(sess *session.Session, boardID int64) {
	b := h.board(boardID)
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.sessions, sess.ID)
	empty := len(b.sessions) == 0
	b.mu.Unlock()
	if empty {
		h.removeBoard(boardID)
	}
}

// Join binds the session to the board, replays the retained event history to
// it, and only then makes its live subscriptions visible. The board lock is
// held across replay and subscribe, so no event can slip into the gap.
func (h *Hub) Join(sess *session.Session, boardID int64) error {
	// A rebind must release the previous board first, or its subscriber set
	// keeps a stale entry that pins the board alive.
	if prev := sess.BoardID(); prev != 0 && prev != boardID {
		h.detach(sess, prev)
	}

	b := h.lockBoard(boardID)
	defer b.mu.Unlock()

	sess.Bind(boardID)

	history, err := h.log.Replay(boardID)
	if err != nil {
		// Proceed to live subscription anyway; a gap is recoverable from the
		// persisted board snapshot.
		log.Printf("[Hub] Replay failed for board %d: %v", boardID, err)
	}
	elementsTopic := protocol.Topic(boardID, protocol.TopicElements)
	versionsTopic := protocol.Topic(boardID, protocol.TopicVersions)
	for _, env := range history {
		topic := elementsTopic
		var body any = env
		if env.Meta.Kind == event.KindVersion {
			// The versions topic carries the bare checkpoint object, replayed
			// and live alike.
			topic = versionsTopic
			body = json.RawMessage(env.Payload)
		}
		frame, err := protocol.Message(topic, body)
		if err != nil {
			continue
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := sess.Send(data); err != nil {
			log.Printf("[Hub] Replay send to %s failed: %v", sess.ID, err)
			break
		}
	}

	for _, channel := range []string{
		protocol.TopicParticipants,
		protocol.TopicCursors,
		protocol.TopicElements,
		protocol.TopicVersions,
	} {
		sess.Subscribe(protocol.Topic(boardID, channel))
	}
	b.sessions[sess.ID] = sess
	return nil
}

// Leave detaches the session from its board and releases its subscriptions.
// Safe to call from any error path, including after Close.
func (h *Hub) Leave(sess *session.Session) {
	boardID := sess.BoardID()
	if boardID == 0 {
		return
	}
	h.detach(sess, boardID)
	sess.Close()
}

// PublishElement validates and stamps an element event, appends it to the
// log, and fans it out on the elements topic. Malformed input is rejected
// with an error for the caller to log; it never reaches other clients.
func (h *Hub) PublishElement(boardID int64, kind event.Kind, payload json.RawMessage, by string) error {
	if !event.IsElementKind(kind) {
		return fmt.Errorf("%w: %q is not an element kind", event.ErrUnknownKind, kind)
	}
	if _, err := event.DecodePayload(kind, payload); err != nil {
		return err
	}

	env := event.NewEnvelope(kind, payload, by)

	b := h.lockBoard(boardID)
	env.Timestamp = time.Now()
	_, appendErr := h.log.Append(boardID, env)
	if appendErr == nil {
		b.fanOutLocked(protocol.Topic(boardID, protocol.TopicElements), env)
	}
	empty := len(b.sessions) == 0
	b.mu.Unlock()

	// A publish with no subscribers still reaches the log, but the board
	// object it transited through must not outlive the call.
	if empty {
		h.removeBoard(boardID)
	}
	if appendErr != nil {
		return fmt.Errorf("append to log: %w", appendErr)
	}
	return nil
}

// PublishVersion stamps a checkpoint marker, appends it to the log, and fans
// it out on the versions topic.
func (h *Hub) PublishVersion(boardID int64, v event.VersionPayload, by string) error {
	if v.ID == "" {
		return fmt.Errorf("%w: version missing id", event.ErrInvalidPayload)
	}
	ve := event.VersionEvent{
		Type:        "version",
		ID:          v.ID,
		Description: v.Description,
		Timestamp:   v.Timestamp,
		By:          by,
	}
	payload, err := json.Marshal(ve)
	if err != nil {
		return err
	}

	env := event.NewEnvelope(event.KindVersion, payload, by)
	env.Type = "version"

	b := h.lockBoard(boardID)
	env.Timestamp = time.Now()
	_, appendErr := h.log.Append(boardID, env)
	if appendErr == nil {
		b.fanOutLocked(protocol.Topic(boardID, protocol.TopicVersions), ve)
	}
	empty := len(b.sessions) == 0
	b.mu.Unlock()

	if empty {
		h.removeBoard(boardID)
	}
	if appendErr != nil {
		return fmt.Errorf("append to log: %w", appendErr)
	}
	return nil
}

// PublishCursor broadcasts the cursor position on the cursors topic. Cursor
// events bypass the log entirely and are dropped when the pump is saturated:
// only the latest position matters.
func (h *Hub) PublishCursor(boardID int64, ev event.CursorEvent) {
	b := h.board(boardID)
	if b == nil {
		return
	}
	frame, err := protocol.Message(protocol.Topic(boardID, protocol.TopicCursors), ev)
	if err != nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case b.cursorCh <- data:
	default:
		log.Printf("[Hub] Cursor buffer full on board %d, dropping", boardID)
	}
}

// PublishParticipants fans out a roster snapshot on the participants topic.
// Roster snapshots are current truth, never logged. The signature matches
// presence.PublishFunc.
func (h *Hub) PublishParticipants(boardID int64, items []event.Participant) {
	b := h.board(boardID)
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.fanOutLocked(protocol.Topic(boardID, protocol.TopicParticipants), event.NewParticipantsEvent(items))
}

// fanOutLocked delivers body to every live subscriber of topic. At-most-once
// per session: a session mid-disconnect may miss the event, which is
// acceptable because canvas state is reconciled from periodic snapshots.
func (b *Board) fanOutLocked(topic string, body any) {
	frame, err := protocol.Message(topic, body)
	if err != nil {
		log.Printf("[Hub] Failed to build frame for %s: %v", topic, err)
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[Hub] Failed to marshal frame for %s: %v", topic, err)
		return
	}
	for _, sess := range b.sessions {
		if !sess.Subscribed(topic) {
			continue
		}
		if err := sess.Send(data); err != nil {
			log.Printf("[Board %d] Send to %s failed: %v", b.ID, sess.ID, err)
		}
	}
}

// runCursorPump drains buffered cursor frames to current subscribers.
func (b *Board) runCursorPump() {
	topic := protocol.Topic(b.ID, protocol.TopicCursors)
	for {
		select {
		case <-b.ctx.Done():
			return
		case data := <-b.cursorCh:
			b.mu.RLock()
			for _, sess := range b.sessions {
				if !sess.Subscribed(topic) {
					continue
				}
				if err := sess.Send(data); err != nil {
					log.Printf("[Board %d] Cursor send to %s failed: %v", b.ID, sess.ID, err)
				}
			}
			b.mu.RUnlock()
		}
	}
}

// SessionCount reports the number of live sessions on a board.
func (h *Hub) SessionCount(boardID int64) int {
	b := h.board(boardID)
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
