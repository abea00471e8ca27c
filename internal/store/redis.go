package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/synth-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache on account snapshots. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, b model.Batch) error {
	if err := s.primary.Apply(ctx, b); err != nil {
		return err
	}
	if len(b.Accounts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(b.Accounts))
	for _, a := range b.Accounts {
		keys = append(keys, accountKey(a.User))
	}
	// The primary already committed; a stale entry expires with the TTL.
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("account cache invalidation failed", "keys", keys, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, user string) (*model.AccountSnapshot, error) {
	data, err := s.rdb.Get(ctx, accountKey(user)).Bytes()
	if err == nil {
		var a model.AccountSnapshot
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(user), data, s.ttl)
	}
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetEventsByUser(ctx context.Context, user string) ([]model.Event, error) {
	return s.primary.GetEventsByUser(ctx, user)
}

func (s *CachedStore) GetEventsByKind(ctx context.Context, kind string) ([]model.Event, error) {
	return s.primary.GetEventsByKind(ctx, kind)
}

func accountKey(user string) string { return fmt.Sprintf("synth:account:%s", user) }
