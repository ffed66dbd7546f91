package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"collab-backend/internal/session"
)

// Entry is the per-user presence record mirrored into Redis.
type Entry struct {
	UserID        int64  `json:"user_id"`
	Username      string `json:"username"`
	BoardID       int64  `json:"board_id"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	ServerID      string `json:"server_id"`
}

// RedisMirror reflects the in-process roster into Redis as TTL-keyed entries
// so presence is readable outside this process and decays on its own if the
// server dies without cleaning up.
type RedisMirror struct {
	client   *redis.Client
	serverID string
	ttl      time.Duration
}

// NewRedisMirror connects to Redis and verifies it responds.
func NewRedisMirror(addr, password string, db int, serverID string, ttl time.Duration) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisMirror{client: rdb, serverID: serverID, ttl: ttl}, nil
}

func (m *RedisMirror) userKey(boardID int64, id session.Identity) string {
	if id.UserID != 0 {
		return fmt.Sprintf("presence:board:%d:user:%d", boardID, id.UserID)
	}
	return fmt.Sprintf("presence:board:%d:guest:%s", boardID, id.Username)
}

// Touch writes or refreshes the user's presence entry with the mirror TTL.
func (m *RedisMirror) Touch(ctx context.Context, boardID int64, id session.Identity) error {
	entry := Entry{
		UserID:        id.UserID,
		Username:      id.Username,
		BoardID:       boardID,
		LastHeartbeat: time.Now().Unix(),
		ServerID:      m.serverID,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.userKey(boardID, id), data, m.ttl).Err()
}

// Remove deletes the user's presence entry.
func (m *RedisMirror) Remove(ctx context.Context, boardID int64, id session.Identity) error {
	return m.client.Del(ctx, m.userKey(boardID, id)).Err()
}

// Get reads one presence entry; nil means offline.
func (m *RedisMirror) Get(ctx context.Context, boardID int64, id session.Identity) (*Entry, error) {
	val, err := m.client.Get(ctx, m.userKey(boardID, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Health verifies the Redis connection responds.
func (m *RedisMirror) Health(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
