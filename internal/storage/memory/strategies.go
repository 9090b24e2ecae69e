package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// StrategyRepository keeps strategy definitions in memory.
type StrategyRepository struct {
	mu     sync.RWMutex
	nextID uint
	byName map[string]model.Strategy
}

var _ domain.StrategyRepository = (*StrategyRepository)(nil)

func NewStrategyRepository() *StrategyRepository {
	return &StrategyRepository{byName: make(map[string]model.Strategy)}
}

func (r *StrategyRepository) Create(ctx context.Context, s *model.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[s.Name]; ok {
		return domain.ErrAlreadyExists
	}
	r.nextID++
	s.ID = r.nextID
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	r.byName[s.Name] = *s
	return nil
}

func (r *StrategyRepository) GetByName(ctx context.Context, name string) (*model.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (r *StrategyRepository) List(ctx context.Context, status model.StrategyStatus) ([]model.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Strategy
	for _, s := range r.byName {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *StrategyRepository) SetStatus(ctx context.Context, name string, status model.StrategyStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	r.byName[name] = s
	return nil
}
