package domain

import (
	"context"

	"bracketbot.com/internal/model"
)

// ===========================
// 交易所接口
// ===========================

// VenueClient is the request/response surface of the trading venue plus its tick feed.
// Every call is a network operation and must honour ctx.
type VenueClient interface {
	// PlaceOrder 下单, 返回交易所订单号
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
	// CancelOrder 撤单; unknown, filled or cancelled orders return ErrOrderNotFound
	CancelOrder(ctx context.Context, orderID string) error
	// GetOpenOrders 查询合约挂单
	GetOpenOrders(ctx context.Context, instrument string) ([]model.Order, error)
	// GetPositions 查询持仓
	GetPositions(ctx context.Context, currency string) ([]model.Position, error)
	// GetInstrumentConstraints 查询合约交易约束
	GetInstrumentConstraints(ctx context.Context, instrument string) (model.VenueConstraints, error)
	// GetTicker 查询最新价
	GetTicker(ctx context.Context, instrument string) (model.Ticker, error)
	// GetEquity 查询账户权益 (计价货币)
	GetEquity(ctx context.Context, currency string) (float64, error)
	// SubscribeTicks 订阅行情推送, the channel closes when ctx ends
	SubscribeTicks(ctx context.Context, instrument string) (<-chan model.Tick, error)
}

// ===========================
// 存储接口
// ===========================

// TradeStore is the durable, key-indexed store of trade records. Implementations must be
// safe for concurrent use by independent strategy instances.
type TradeStore interface {
	Create(ctx context.Context, trade *model.TradeRecord) error
	Update(ctx context.Context, id string, update model.TradeUpdate) error
	Get(ctx context.Context, id string) (*model.TradeRecord, error)
	Query(ctx context.Context, filter model.TradeFilter) ([]*model.TradeRecord, error)
	Count(ctx context.Context, filter model.TradeFilter) (int64, error)
}

// StateStore persists strategy snapshots. Load returns ErrNotFound when nothing was saved.
type StateStore interface {
	Save(ctx context.Context, snap *model.StrategySnapshot) error
	Load(ctx context.Context, strategyName string) (*model.StrategySnapshot, error)
	Delete(ctx context.Context, strategyName string) error
}

// StrategyRepository persists strategy definitions.
type StrategyRepository interface {
	Create(ctx context.Context, s *model.Strategy) error
	GetByName(ctx context.Context, name string) (*model.Strategy, error)
	List(ctx context.Context, status model.StrategyStatus) ([]model.Strategy, error)
	SetStatus(ctx context.Context, name string, status model.StrategyStatus) error
}

// ===========================
// 服务接口
// ===========================

// MarketService 定义行情相关的业务操作
type MarketService interface {
	// 订阅合约行情
	Subscribe(ctx context.Context, instrument string) error
	// 取消订阅合约行情
	Unsubscribe(ctx context.Context, instrument string) error
	// 获取当前活跃订阅的合约
	GetActiveSymbols() []string
}

// StrategyService 定义策略相关的业务操作
type StrategyService interface {
	CreateStrategy(ctx context.Context, s *model.Strategy) error
	StartStrategy(ctx context.Context, name string) error
	StopStrategy(ctx context.Context, name string, leaveOpen bool) error
	ListStrategies(ctx context.Context) ([]model.StrategyStatusView, error)
	GetStatus(ctx context.Context, name string) (*model.StrategyStatusView, error)
}

// TradeService exposes read-only views over trade records.
type TradeService interface {
	GetOpenTrade(ctx context.Context, strategyName string) (*model.TradeRecord, error)
	GetRecentTrades(ctx context.Context, strategyName string, page, pageSize int) ([]*model.TradeRecord, int64, error)
	GetStats(ctx context.Context, strategyName string) (*model.TradeStats, error)
}
