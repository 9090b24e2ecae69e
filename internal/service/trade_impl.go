package service

import (
	"context"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// TradeServiceImpl 实现 domain.TradeService 接口, 只读
type TradeServiceImpl struct {
	trades domain.TradeStore
}

// NewTradeService 创建交易记录服务
func NewTradeService(trades domain.TradeStore) *TradeServiceImpl {
	return &TradeServiceImpl{trades: trades}
}

// GetOpenTrade 获取策略当前持仓对应的交易记录
func (s *TradeServiceImpl) GetOpenTrade(ctx context.Context, strategyName string) (*model.TradeRecord, error) {
	open, err := s.trades.Query(ctx, model.TradeFilter{StrategyName: strategyName, Status: model.TradeStatusOpen, Limit: 1})
	if err != nil {
		return nil, domain.NewInternalError("failed to fetch open trade", err)
	}
	if len(open) == 0 {
		return nil, domain.NewNotFoundError("no open trade")
	}
	return open[0], nil
}

// GetRecentTrades 分页获取已平仓交易, 新的在前
func (s *TradeServiceImpl) GetRecentTrades(ctx context.Context, strategyName string, page, pageSize int) ([]*model.TradeRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	filter := model.TradeFilter{StrategyName: strategyName, Status: model.TradeStatusClosed}

	total, err := s.trades.Count(ctx, filter)
	if err != nil {
		return nil, 0, domain.NewInternalError("failed to count trades", err)
	}

	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	trades, err := s.trades.Query(ctx, filter)
	if err != nil {
		return nil, 0, domain.NewInternalError("failed to fetch trades", err)
	}
	return trades, total, nil
}

// GetStats 汇总已平仓交易: 胜率与总盈亏. Break-even trades count as neither win nor loss.
func (s *TradeServiceImpl) GetStats(ctx context.Context, strategyName string) (*model.TradeStats, error) {
	closed, err := s.trades.Query(ctx, model.TradeFilter{StrategyName: strategyName, Status: model.TradeStatusClosed})
	if err != nil {
		return nil, domain.NewInternalError("failed to fetch trades", err)
	}

	stats := &model.TradeStats{Closed: len(closed)}
	for _, t := range closed {
		if t.PnL == nil {
			continue
		}
		stats.TotalPnL += *t.PnL
		switch {
		case *t.PnL > 0:
			stats.Wins++
		case *t.PnL < 0:
			stats.Losses++
		}
	}
	if stats.Closed > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Closed)
	}
	return stats, nil
}

var _ domain.TradeService = (*TradeServiceImpl)(nil)
