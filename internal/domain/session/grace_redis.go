package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// graceKeyPrefix namespaces snapshot keys in a shared Redis.
const graceKeyPrefix = "auth_grace:"

// redisGraceStore keeps snapshots in Redis under a TTL equal to the grace
// window, so stale snapshots vanish on their own and All only ever returns
// candidates worth considering.
type redisGraceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGraceStore(rdb *redis.Client, ttl time.Duration) GraceStore {
	return &redisGraceStore{rdb: rdb, ttl: ttl}
}

func (s *redisGraceStore) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode grace snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, graceKeyPrefix+sessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save grace snapshot: %w", err)
	}
	return nil
}

func (s *redisGraceStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	data, err := s.rdb.Get(ctx, graceKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load grace snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode grace snapshot: %w", err)
	}
	return snap, nil
}

func (s *redisGraceStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, graceKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete grace snapshot: %w", err)
	}
	return nil
}

func (s *redisGraceStore) All(ctx context.Context) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot)
	iter := s.rdb.Scan(ctx, 0, graceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between scan and get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load grace snapshot %s: %w", key, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode grace snapshot %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, graceKeyPrefix)] = snap
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan grace snapshots: %w", err)
	}
	return out, nil
}

func (s *redisGraceStore) Close() error {
	return s.rdb.Close()
}
