package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultMirrorKey = "presence:online"

// Lister returns the users currently online.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// RedisMirror publishes registry snapshots to a Redis hash so that read-only
// HTTP endpoints (and other processes) can list online users without touching
// the in-process registry. The registry stays the source of truth; the hash
// expires if this process stops refreshing it.
type RedisMirror struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{rdb: rdb, key: defaultMirrorKey, ttl: ttl}
}

type mirroredEntry struct {
	UserID      int64     `json:"id"`
	DisplayName string    `json:"username"`
	Status      Status    `json:"status"`
	OnlineSince time.Time `json:"online_since"`
}

// Sync replaces the mirrored hash with entries in one MULTI/EXEC.
func (m *RedisMirror) Sync(ctx context.Context, entries []Entry) error {
	if m == nil || m.rdb == nil {
		return errors.New("presence: redis mirror not configured")
	}

	fields := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		raw, err := json.Marshal(mirroredEntry{
			UserID:      e.UserID,
			DisplayName: e.DisplayName,
			Status:      e.Status,
			OnlineSince: e.OnlineSince,
		})
		if err != nil {
			return fmt.Errorf("presence: marshal entry %d: %w", e.UserID, err)
		}
		fields = append(fields, strconv.FormatInt(e.UserID, 10), raw)
	}

	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, m.key)
		if len(fields) > 0 {
			p.HSet(ctx, m.key, fields...)
			p.Expire(ctx, m.key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: sync mirror: %w", err)
	}
	return nil
}

// List reads the mirrored entries ordered like Registry.Snapshot.
func (m *RedisMirror) List(ctx context.Context) ([]Entry, error) {
	if m == nil || m.rdb == nil {
		return nil, errors.New("presence: redis mirror not configured")
	}
	raw, err := m.rdb.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: read mirror: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for field, v := range raw {
		var me mirroredEntry
		if err := json.Unmarshal([]byte(v), &me); err != nil {
			return nil, fmt.Errorf("presence: decode entry %s: %w", field, err)
		}
		out = append(out, Entry{
			UserID:      me.UserID,
			DisplayName: me.DisplayName,
			Status:      me.Status,
			OnlineSince: me.OnlineSince,
		})
	}
	sortEntries(out)
	return out, nil
}

// FallbackLister prefers Primary and falls back when it errors.
type FallbackLister struct {
	Primary  Lister
	Fallback Lister
}

func (f FallbackLister) List(ctx context.Context) ([]Entry, error) {
	if f.Primary != nil {
		if out, err := f.Primary.List(ctx); err == nil {
			return out, nil
		}
	}
	if f.Fallback == nil {
		return nil, errors.New("presence: no lister available")
	}
	return f.Fallback.List(ctx)
}
