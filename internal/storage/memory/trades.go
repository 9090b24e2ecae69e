// Package memory holds the non-durable stores used in degraded mode and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// TradeStore keeps trade records in a map. Records are copied on the way in and out.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string]*model.TradeRecord
}

var _ domain.TradeStore = (*TradeStore)(nil)

func NewTradeStore() *TradeStore {
	return &TradeStore{trades: make(map[string]*model.TradeRecord)}
}

func (s *TradeStore) Create(ctx context.Context, trade *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.ID]; ok {
		return domain.ErrAlreadyExists
	}
	c := trade.Clone()
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.trades[trade.ID] = c
	return nil
}

func (s *TradeStore) Update(ctx context.Context, id string, update model.TradeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	update.Apply(t)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *TradeStore) Get(ctx context.Context, id string) (*model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *TradeStore) Query(ctx context.Context, filter model.TradeFilter) ([]*model.TradeRecord, error) {
	matched := s.match(filter)
	// closed trades are listed by when they closed
	at := func(t *model.TradeRecord) time.Time {
		if filter.Status == model.TradeStatusClosed && t.ExitTime != nil {
			return *t.ExitTime
		}
		return t.EntryTime
	}
	sort.Slice(matched, func(i, j int) bool {
		ti, tj := at(matched[i]), at(matched[j])
		if ti.Equal(tj) {
			return matched[i].ID > matched[j].ID
		}
		return ti.After(tj)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*model.TradeRecord{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *TradeStore) Count(ctx context.Context, filter model.TradeFilter) (int64, error) {
	return int64(len(s.match(filter))), nil
}

func (s *TradeStore) match(filter model.TradeFilter) []*model.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.TradeRecord, 0)
	for _, t := range s.trades {
		if filter.StrategyName != "" && t.StrategyName != filter.StrategyName {
			continue
		}
		if filter.Instrument != "" && t.Instrument != filter.Instrument {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}
