package model

import (
	"time"
)

// Board is a shared canvas instance. The realtime subsystem only reads the
// id; Content and Settings hold the periodically persisted snapshot that
// serves as the fallback consistency mechanism.
type Board struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	OwnerID   int64     `gorm:"index" json:"owner_id"`
	Content   string    `gorm:"type:text" json:"content"`
	Settings  string    `gorm:"type:jsonb;default:'{}'" json:"settings"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Board) TableName() string {
	return "boards"
}

// BoardEvent is one durable row of the append-only element event log.
// Rows are never mutated after append; Seq is strictly increasing per board.
type BoardEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   int64     `gorm:"not null;index:idx_board_seq,priority:1" json:"board_id"`
	Seq       int64     `gorm:"not null;index:idx_board_seq,priority:2" json:"seq"`
	Kind      string    `gorm:"type:varchar(32);not null" json:"kind"`
	By        string    `gorm:"column:published_by;type:varchar(255)" json:"by"`
	Payload   string    `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BoardEvent) TableName() string {
	return "board_events"
}

// BoardEventSnapshot is a compacted bundle of old event rows. The log merges
// snapshot bundles with recent rows at replay time, so compaction never
// changes what a late joiner sees.
type BoardEventSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   int64     `gorm:"not null;index" json:"board_id"`
	Data      string    `gorm:"type:jsonb;not null" json:"data"`
	StartSeq  int64     `gorm:"not null" json:"start_seq"`
	EndSeq    int64     `gorm:"not null" json:"end_seq"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BoardEventSnapshot) TableName() string {
	return "board_event_snapshots"
}
