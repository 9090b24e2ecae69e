package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// StrategyStore persists strategy definitions.
type StrategyStore struct {
	db *gorm.DB
}

var _ domain.StrategyRepository = (*StrategyStore)(nil)

func NewStrategyStore(db *gorm.DB) *StrategyStore {
	return &StrategyStore{db: db}
}

func (s *StrategyStore) Create(ctx context.Context, st *model.Strategy) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Strategy{}).Where("name = ?", st.Name).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return domain.ErrAlreadyExists
	}
	return s.db.WithContext(ctx).Create(st).Error
}

func (s *StrategyStore) GetByName(ctx context.Context, name string) (*model.Strategy, error) {
	var st model.Strategy
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *StrategyStore) List(ctx context.Context, status model.StrategyStatus) ([]model.Strategy, error) {
	var out []model.Strategy
	q := s.db.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *StrategyStore) SetStatus(ctx context.Context, name string, status model.StrategyStatus) error {
	result := s.db.WithContext(ctx).Model(&model.Strategy{}).Where("name = ?", name).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
