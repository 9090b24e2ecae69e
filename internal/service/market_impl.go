package service

import (
	"context"
	"log"
	"sort"
	"sync"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/infra"
)

// MarketServiceImpl 实现 domain.MarketService 接口
// 每个合约只向交易所订阅一次, 由引用计数决定何时退订
type MarketServiceImpl struct {
	venue   domain.VenueClient
	handler infra.TickHandler

	// 订阅的生命周期跟随服务, 而不是发起订阅的请求
	ctx context.Context

	// 订阅引用计数
	feeds map[string]*feed
	mu    sync.Mutex
}

type feed struct {
	refs   int
	cancel context.CancelFunc
}

// NewMarketService 创建行情服务. Ticks of every subscribed instrument are dispatched to handler.
func NewMarketService(ctx context.Context, venue domain.VenueClient, handler infra.TickHandler) *MarketServiceImpl {
	return &MarketServiceImpl{
		venue:   venue,
		handler: handler,
		ctx:     ctx,
		feeds:   make(map[string]*feed),
	}
}

// Subscribe 订阅合约行情
func (s *MarketServiceImpl) Subscribe(ctx context.Context, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.feeds[instrument]; ok {
		f.refs++
		return nil
	}

	log.Printf("MarketService: First subscription for %s, subscribing at the venue", instrument)
	feedCtx, cancel := context.WithCancel(s.ctx)
	ticks, err := s.venue.SubscribeTicks(feedCtx, instrument)
	if err != nil {
		cancel()
		return domain.NewInternalError("failed to subscribe", err)
	}
	s.feeds[instrument] = &feed{refs: 1, cancel: cancel}

	// 行情分发循环, channel 关闭时退出
	go infra.NewTickDispatcher(s.handler).Run(ticks)
	return nil
}

// Unsubscribe 取消订阅合约行情
func (s *MarketServiceImpl) Unsubscribe(ctx context.Context, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[instrument]
	if !ok {
		return nil
	}
	f.refs--
	if f.refs == 0 {
		log.Printf("MarketService: No more subscribers for %s, unsubscribing", instrument)
		f.cancel()
		delete(s.feeds, instrument)
	}
	return nil
}

// GetActiveSymbols 获取当前活跃的订阅合约
func (s *MarketServiceImpl) GetActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols := make([]string, 0, len(s.feeds))
	for symbol := range s.feeds {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Close ends every feed.
func (s *MarketServiceImpl) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, f := range s.feeds {
		f.cancel()
		delete(s.feeds, symbol)
	}
}

// 确保实现了接口
var _ domain.MarketService = (*MarketServiceImpl)(nil)
