package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"collab-backend/internal/canvas"
	"collab-backend/internal/event"
	"collab-backend/internal/protocol"
)

// Notifier surfaces roster changes to the UI. Optional; a nil notifier
// drops the messages.
type Notifier interface {
	Notify(message string)
}

// DefaultHeartbeatInterval keeps the member alive well inside the server's
// presence timeout.
const DefaultHeartbeatInterval = 15 * time.Second

// replayFetchTimeout bounds the initial history fetch. A hung endpoint must
// not stall the join; the canvas converges from live events instead.
const replayFetchTimeout = 10 * time.Second

// BoardSession is one participant's view of a board: the transport session,
// the reconciled canvas, the last roster snapshot, and remote cursors.
type BoardSession struct {
	sess     *Session
	boardID  int64
	username string
	notifier Notifier

	canvas     *canvas.Canvas
	httpClient *http.Client

	mu      sync.Mutex
	roster  []event.Participant
	cursors map[string]event.CursorEvent
	subs    []*Subscription
	left    bool

	stopHeartbeat chan struct{}
}

// replayResponse is the /api/live/{boardId} body.
type replayResponse struct {
	Success bool              `json:"success"`
	Events  []*event.Envelope `json:"events"`
}

// JoinBoard announces presence, replays the persisted history into a fresh
// canvas, and subscribes the live topics. A failed replay fetch is logged
// and tolerated: the join still succeeds and the canvas converges from the
// history the server pushes on join.
func JoinBoard(sess *Session, httpBase string, boardID int64, username string, notifier Notifier) (*BoardSession, error) {
	bs := &BoardSession{
		sess:          sess,
		boardID:       boardID,
		username:      username,
		notifier:      notifier,
		canvas:        canvas.New(),
		httpClient:    &http.Client{Timeout: replayFetchTimeout},
		cursors:       make(map[string]event.CursorEvent),
		stopHeartbeat: make(chan struct{}),
	}

	if err := sess.Send(protocol.AppDestination(boardID, protocol.OpJoin), struct{}{}); err != nil {
		return nil, fmt.Errorf("join board %d: %w", boardID, err)
	}

	if err := bs.fetchReplay(httpBase); err != nil {
		log.Printf("[Client] Replay fetch for board %d failed, continuing live: %v", boardID, err)
	}

	bs.subs = []*Subscription{
		sess.Subscribe(protocol.Topic(boardID, protocol.TopicElements), bs.onElement),
		sess.Subscribe(protocol.Topic(boardID, protocol.TopicVersions), bs.onVersion),
		sess.Subscribe(protocol.Topic(boardID, protocol.TopicParticipants), bs.onParticipants),
		sess.Subscribe(protocol.Topic(boardID, protocol.TopicCursors), bs.onCursor),
	}

	go bs.heartbeatLoop()
	return bs, nil
}

func (bs *BoardSession) fetchReplay(httpBase string) error {
	url := fmt.Sprintf("%s/api/live/%d", httpBase, bs.boardID)
	resp, err := bs.httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replay fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var parsed replayResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}
	for _, env := range parsed.Events {
		if err := bs.canvas.Apply(env); err != nil {
			log.Printf("[Client] Skipping replayed event seq %d: %v", env.Seq, err)
		}
	}
	return nil
}

func (bs *BoardSession) heartbeatLoop() {
	ticker := time.NewTicker(DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dest := protocol.AppDestination(bs.boardID, protocol.OpHeartbeat)
			if err := bs.sess.Send(dest, struct{}{}); err != nil {
				log.Printf("[Client] Heartbeat for board %d failed: %v", bs.boardID, err)
			}
		case <-bs.stopHeartbeat:
			return
		case <-bs.sess.Done():
			return
		}
	}
}

func (bs *BoardSession) onElement(body json.RawMessage) {
	var env event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Printf("[Client] Bad element event on board %d: %v", bs.boardID, err)
		return
	}
	if err := bs.canvas.Apply(&env); err != nil {
		log.Printf("[Client] Element event seq %d rejected: %v", env.Seq, err)
	}
}

func (bs *BoardSession) onVersion(body json.RawMessage) {
	var ve event.VersionEvent
	if err := json.Unmarshal(body, &ve); err != nil || ve.ID == "" {
		log.Printf("[Client] Bad version event on board %d", bs.boardID)
		return
	}
	bs.canvas.AddVersion(ve)
}

func (bs *BoardSession) onParticipants(body json.RawMessage) {
	var ev event.ParticipantsEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("[Client] Bad roster event on board %d: %v", bs.boardID, err)
		return
	}

	bs.mu.Lock()
	prev := bs.roster
	// A server that restarted mid-session can briefly report nobody while
	// heartbeats repopulate it. Keep the last non-empty roster in that case.
	if len(ev.Items) == 0 && len(prev) > 0 {
		bs.mu.Unlock()
		return
	}
	bs.roster = ev.Items
	bs.mu.Unlock()

	joined, leftUsers := diffRoster(prev, ev.Items)
	if bs.notifier == nil {
		return
	}
	for _, p := range joined {
		if p.Username != bs.username {
			bs.notifier.Notify(fmt.Sprintf("%s joined", p.Username))
		}
	}
	for _, p := range leftUsers {
		if p.Username != bs.username {
			bs.notifier.Notify(fmt.Sprintf("%s left", p.Username))
		}
	}
}

func (bs *BoardSession) onCursor(body json.RawMessage) {
	var ev event.CursorEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Username == "" {
		return
	}
	if ev.Username == bs.username {
		return
	}
	bs.mu.Lock()
	bs.cursors[ev.Username] = ev
	bs.mu.Unlock()
}

// diffRoster reports who appears in next but not prev, and vice versa,
// keyed by username.
func diffRoster(prev, next []event.Participant) (joined, left []event.Participant) {
	was := make(map[string]bool, len(prev))
	for _, p := range prev {
		was[p.Username] = true
	}
	is := make(map[string]bool, len(next))
	for _, p := range next {
		is[p.Username] = true
		if !was[p.Username] {
			joined = append(joined, p)
		}
	}
	for _, p := range prev {
		if !is[p.Username] {
			left = append(left, p)
		}
	}
	return joined, left
}

// SendElement publishes one canvas mutation.
func (bs *BoardSession) SendElement(kind event.Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body := struct {
		Kind    event.Kind      `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}{Kind: kind, Payload: raw}
	return bs.sess.Send(protocol.AppDestination(bs.boardID, protocol.OpElement), body)
}

// SendCursor publishes the local cursor position.
func (bs *BoardSession) SendCursor(x, y float64) error {
	dest := protocol.AppDestination(bs.boardID, protocol.OpCursor)
	return bs.sess.Send(dest, event.CursorPayload{X: x, Y: y})
}

// SaveVersion records a named checkpoint.
func (bs *BoardSession) SaveVersion(id, description string) error {
	dest := protocol.AppDestination(bs.boardID, protocol.OpVersion)
	return bs.sess.Send(dest, event.VersionPayload{
		ID:          id,
		Description: description,
		Timestamp:   time.Now().Format(time.RFC3339),
	})
}

// Canvas exposes the reconciled board state.
func (bs *BoardSession) Canvas() *canvas.Canvas {
	return bs.canvas
}

// Roster returns the last roster snapshot, sorted by username.
func (bs *BoardSession) Roster() []event.Participant {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]event.Participant, len(bs.roster))
	copy(out, bs.roster)
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Cursors returns the last known remote cursor positions by username.
func (bs *BoardSession) Cursors() map[string]event.CursorEvent {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]event.CursorEvent, len(bs.cursors))
	for k, v := range bs.cursors {
		out[k] = v
	}
	return out
}

// Leave announces departure and releases the board's subscriptions. The
// underlying transport session stays open for other boards. Idempotent.
func (bs *BoardSession) Leave() {
	bs.mu.Lock()
	if bs.left {
		bs.mu.Unlock()
		return
	}
	bs.left = true
	subs := bs.subs
	bs.subs = nil
	bs.mu.Unlock()

	close(bs.stopHeartbeat)
	if err := bs.sess.Send(protocol.AppDestination(bs.boardID, protocol.OpLeave), struct{}{}); err != nil {
		log.Printf("[Client] Leave for board %d failed: %v", bs.boardID, err)
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}
