// Package eventlog is the append-only record of canvas mutation events per
// board. Append order is the canonical replay order; events are never mutated
// after append.
package eventlog

import (
	"sync"

	"collab-backend/internal/event"
)

// Store appends element envelopes and replays them in append order. Append
// assigns the envelope's sequence number: strictly increasing and gap-free
// per board, serialized per board. Replay is bounded; the externally
// persisted board snapshot is the long-term compaction mechanism.
type Store interface {
	Append(boardID int64, env *event.Envelope) (int64, error)
	Replay(boardID int64) ([]*event.Envelope, error)
}

// MemoryStore keeps a bounded per-board ring of events in process memory.
// Durability across restarts comes from the gorm store; this one backs tests
// and single-instance runs without Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	limit  int
	boards map[int64]*memoryLog
}

type memoryLog struct {
	seq    int64
	events []*event.Envelope
}

// NewMemoryStore creates a store capped at limit events per board. A limit
// of zero or less means unbounded.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		limit:  limit,
		boards: make(map[int64]*memoryLog),
	}
}

// Append stamps the next sequence number onto env and records it. The
// envelope must not be mutated after append.
func (s *MemoryStore) Append(boardID int64, env *event.Envelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.boards[boardID]
	if l == nil {
		l = &memoryLog{}
		s.boards[boardID] = l
	}
	l.seq++
	env.Seq = l.seq
	l.events = append(l.events, env)
	if s.limit > 0 && len(l.events) > s.limit {
		// Trim oldest; replay stays bounded to the most recent events.
		drop := len(l.events) - s.limit
		l.events = append([]*event.Envelope(nil), l.events[drop:]...)
	}
	return env.Seq, nil
}

// Replay returns the retained events for a board in append order.
func (s *MemoryStore) Replay(boardID int64) ([]*event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.boards[boardID]
	if l == nil {
		return nil, nil
	}
	out := make([]*event.Envelope, len(l.events))
	copy(out, l.events)
	return out, nil
}
