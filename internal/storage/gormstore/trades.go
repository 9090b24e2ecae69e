// Package gormstore implements the durable stores on gorm (postgres or sqlite).
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// TradeStore persists trade records in the trade_records table.
type TradeStore struct {
	db *gorm.DB
}

var _ domain.TradeStore = (*TradeStore)(nil)

func NewTradeStore(db *gorm.DB) *TradeStore {
	return &TradeStore{db: db}
}

func (s *TradeStore) Create(ctx context.Context, trade *model.TradeRecord) error {
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create trade %s: %w", trade.ID, err)
	}
	return nil
}

func (s *TradeStore) Update(ctx context.Context, id string, update model.TradeUpdate) error {
	cols := update.Columns()
	if len(cols) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&model.TradeRecord{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("update trade %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *TradeStore) Get(ctx context.Context, id string) (*model.TradeRecord, error) {
	var t model.TradeRecord
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *TradeStore) Query(ctx context.Context, filter model.TradeFilter) ([]*model.TradeRecord, error) {
	var trades []*model.TradeRecord
	order := "entry_time desc, id desc"
	if filter.Status == model.TradeStatusClosed {
		order = "exit_time desc, id desc"
	}
	q := s.filtered(ctx, filter).Order(order)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

func (s *TradeStore) Count(ctx context.Context, filter model.TradeFilter) (int64, error) {
	var n int64
	err := s.filtered(ctx, filter).Count(&n).Error
	return n, err
}

func (s *TradeStore) filtered(ctx context.Context, filter model.TradeFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&model.TradeRecord{})
	if filter.StrategyName != "" {
		q = q.Where("strategy_name = ?", filter.StrategyName)
	}
	if filter.Instrument != "" {
		q = q.Where("instrument = ?", filter.Instrument)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return q
}
