// Package redisstore keeps strategy snapshots in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// StateStore stores one JSON snapshot per strategy under strategy:state:<name>.
type StateStore struct {
	rdb *redis.Client
}

var _ domain.StateStore = (*StateStore)(nil)

func NewStateStore(rdb *redis.Client) *StateStore {
	return &StateStore{rdb: rdb}
}

func key(name string) string {
	return constants.RedisKeyStrategyStatePrefix + name
}

func (s *StateStore) Save(ctx context.Context, snap *model.StrategySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.StrategyName, err)
	}
	if err := s.rdb.Set(ctx, key(snap.StrategyName), data, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.StrategyName, err)
	}
	return nil
}

// Load returns ErrNotFound when no snapshot exists and a decode error when the stored
// value is corrupt; callers decide how to default.
func (s *StateStore) Load(ctx context.Context, strategyName string) (*model.StrategySnapshot, error) {
	data, err := s.rdb.Get(ctx, key(strategyName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap model.StrategySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", strategyName, err)
	}
	return &snap, nil
}

func (s *StateStore) Delete(ctx context.Context, strategyName string) error {
	return s.rdb.Del(ctx, key(strategyName)).Err()
}
