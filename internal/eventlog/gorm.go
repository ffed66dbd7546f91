package eventlog

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"collab-backend/internal/event"
	"collab-backend/internal/model"
)

// GormStore persists the event log in Postgres. When the active row count
// for a board passes snapshotTrigger, the oldest rows are bundled into a
// BoardEventSnapshot and hard-deleted so the hot table stays small; replay
// merges bundles and rows back into one seq-ordered stream.
type GormStore struct {
	db          *gorm.DB
	replayLimit int

	mu   sync.Mutex
	seqs map[int64]*boardSeq
}

type boardSeq struct {
	mu     sync.Mutex
	loaded bool
	seq    int64

	// compactMu serializes compaction per board. Overlapping runs would
	// both select the same oldest rows and bundle them into two snapshots,
	// which replay would emit twice.
	compactMu sync.Mutex
}

const (
	snapshotTrigger    = 1100
	snapshotKeepRecent = 100
)

// NewGormStore wraps db as an event log. replayLimit caps how many events a
// replay returns; zero or less means unbounded.
func NewGormStore(db *gorm.DB, replayLimit int) *GormStore {
	return &GormStore{
		db:          db,
		replayLimit: replayLimit,
		seqs:        make(map[int64]*boardSeq),
	}
}

func (s *GormStore) boardSeq(boardID int64) *boardSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs := s.seqs[boardID]
	if bs == nil {
		bs = &boardSeq{}
		s.seqs[boardID] = bs
	}
	return bs
}

// Append assigns the next per-board sequence number and inserts the row.
// Appends for one board are serialized; different boards proceed in parallel.
func (s *GormStore) Append(boardID int64, env *event.Envelope) (int64, error) {
	bs := s.boardSeq(boardID)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.loaded {
		if err := s.loadSeq(boardID, bs); err != nil {
			return 0, err
		}
	}

	bs.seq++
	env.Seq = bs.seq

	data, err := json.Marshal(env)
	if err != nil {
		bs.seq--
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	row := model.BoardEvent{
		BoardID: boardID,
		Seq:     env.Seq,
		Kind:    string(env.Meta.Kind),
		By:      env.By,
		Payload: string(data),
	}
	if err := s.db.Create(&row).Error; err != nil {
		bs.seq--
		return 0, fmt.Errorf("append event: %w", err)
	}

	go s.compact(boardID)
	return env.Seq, nil
}

// loadSeq resumes the counter after restart from whatever the tables hold.
func (s *GormStore) loadSeq(boardID int64, bs *boardSeq) error {
	var maxRow struct{ Seq int64 }
	err := s.db.Model(&model.BoardEvent{}).
		Select("COALESCE(MAX(seq), 0) AS seq").
		Where("board_id = ?", boardID).
		Scan(&maxRow).Error
	if err != nil {
		return fmt.Errorf("load seq: %w", err)
	}
	var maxSnap struct{ Seq int64 }
	err = s.db.Model(&model.BoardEventSnapshot{}).
		Select("COALESCE(MAX(end_seq), 0) AS seq").
		Where("board_id = ?", boardID).
		Scan(&maxSnap).Error
	if err != nil {
		return fmt.Errorf("load snapshot seq: %w", err)
	}
	bs.seq = max(maxRow.Seq, maxSnap.Seq)
	bs.loaded = true
	return nil
}

// Replay merges snapshot bundles and live rows into one seq-ordered stream,
// capped to the most recent replayLimit events.
func (s *GormStore) Replay(boardID int64) ([]*event.Envelope, error) {
	var snapshots []model.BoardEventSnapshot
	if err := s.db.Where("board_id = ?", boardID).Order("start_seq ASC").Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}
	var rows []model.BoardEvent
	if err := s.db.Where("board_id = ?", boardID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	events := make([]*event.Envelope, 0, len(rows))
	for _, snap := range snapshots {
		var bundle []*event.Envelope
		if err := json.Unmarshal([]byte(snap.Data), &bundle); err != nil {
			log.Printf("[EventLog] Failed to parse snapshot %d for board %d: %v", snap.ID, boardID, err)
			continue
		}
		events = append(events, bundle...)
	}
	for _, row := range rows {
		var env event.Envelope
		if err := json.Unmarshal([]byte(row.Payload), &env); err != nil {
			log.Printf("[EventLog] Failed to parse event %d for board %d: %v", row.ID, boardID, err)
			continue
		}
		events = append(events, &env)
	}

	if s.replayLimit > 0 && len(events) > s.replayLimit {
		events = events[len(events)-s.replayLimit:]
	}
	return events, nil
}

// BoardIDs lists every board with live event rows. Used by the maintenance
// CLI to sweep compaction across the whole table.
func (s *GormStore) BoardIDs() ([]int64, error) {
	var ids []int64
	err := s.db.Model(&model.BoardEvent{}).
		Distinct("board_id").
		Order("board_id ASC").
		Pluck("board_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	return ids, nil
}

// ForceCompact bundles all but the most recent rows into a snapshot without
// waiting for the trigger threshold.
func (s *GormStore) ForceCompact(boardID int64) error {
	bs := s.boardSeq(boardID)
	bs.compactMu.Lock()
	defer bs.compactMu.Unlock()
	return s.compactThreshold(boardID, snapshotKeepRecent+1)
}

// compact runs the threshold check after an append. When a run for the board
// is already in flight it returns immediately; the in-flight run covers the
// rows this append would have bundled.
func (s *GormStore) compact(boardID int64) {
	bs := s.boardSeq(boardID)
	if !bs.compactMu.TryLock() {
		return
	}
	defer bs.compactMu.Unlock()
	if err := s.compactThreshold(boardID, snapshotTrigger); err != nil {
		log.Printf("[EventLog] Compaction failed for board %d: %v", boardID, err)
	}
}

// compactThreshold bundles the oldest rows into a snapshot once the active
// row count reaches trigger, keeping the most recent rows queryable directly.
func (s *GormStore) compactThreshold(boardID int64, trigger int64) error {
	var count int64
	if err := s.db.Model(&model.BoardEvent{}).Where("board_id = ?", boardID).Count(&count).Error; err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if count < trigger {
		return nil
	}

	limit := int(count) - snapshotKeepRecent
	if limit <= 0 {
		return nil
	}

	var rows []model.BoardEvent
	if err := s.db.Where("board_id = ?", boardID).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("select rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	bundle := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		bundle = append(bundle, json.RawMessage(row.Payload))
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	snapshot := model.BoardEventSnapshot{
		BoardID:  boardID,
		Data:     string(data),
		StartSeq: rows[0].Seq,
		EndSeq:   rows[len(rows)-1].Seq,
	}

	tx := s.db.Begin()
	if err := tx.Create(&snapshot).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := tx.Where("board_id = ? AND seq <= ?", boardID, snapshot.EndSeq).
		Delete(&model.BoardEvent{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("delete compacted rows: %w", err)
	}
	tx.Commit()
	log.Printf("[EventLog] Compacted board %d events %d-%d into snapshot %d",
		boardID, snapshot.StartSeq, snapshot.EndSeq, snapshot.ID)
	return nil
}
