package memory

import (
	"context"
	"sync"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// StateStore keeps strategy snapshots in memory.
type StateStore struct {
	mu        sync.RWMutex
	snaps     map[string]model.StrategySnapshot
	failSaves error
}

var _ domain.StateStore = (*StateStore)(nil)

func NewStateStore() *StateStore {
	return &StateStore{snaps: make(map[string]model.StrategySnapshot)}
}

// FailSaves makes every following Save return err; nil restores normal behaviour.
func (s *StateStore) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = err
}

func (s *StateStore) Save(ctx context.Context, snap *model.StrategySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves != nil {
		return s.failSaves
	}
	c := *snap
	c.SignalMeta = copyMeta(snap.SignalMeta)
	s.snaps[snap.StrategyName] = c
	return nil
}

func (s *StateStore) Load(ctx context.Context, strategyName string) (*model.StrategySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[strategyName]
	if !ok {
		return nil, domain.ErrNotFound
	}
	snap.SignalMeta = copyMeta(snap.SignalMeta)
	return &snap, nil
}

func (s *StateStore) Delete(ctx context.Context, strategyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, strategyName)
	return nil
}

func copyMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
