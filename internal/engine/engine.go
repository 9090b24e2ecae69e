package engine

import (
	"context"
	"log"
	"time"

	"github.com/sourcegraph/conc/pool"

	"bracketbot.com/internal/config"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/service"
	"bracketbot.com/internal/strategies"
)

// Engine 是一个轻量级协调器，负责：
// 1. 启动时加载策略并与交易所对账
// 2. 为运行中的策略订阅行情
// 3. 行情静默时定期对账
type Engine struct {
	cfg *config.Config

	executor *strategies.Executor
	events   *event.Bus

	// 业务服务
	marketService   *service.MarketServiceImpl
	strategyService *service.StrategyServiceImpl

	// 上下文控制
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine 创建引擎. ctx/cancel are the lifetime shared with the executor and market service.
func NewEngine(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *config.Config,
	executor *strategies.Executor,
	events *event.Bus,
	marketService *service.MarketServiceImpl,
	strategyService *service.StrategyServiceImpl,
) *Engine {
	return &Engine{
		cfg:             cfg,
		executor:        executor,
		events:          events,
		marketService:   marketService,
		strategyService: strategyService,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

// Start 启动引擎. Every active strategy is reconciled before it sees a tick; recovery of
// independent strategies runs in parallel. A strategy whose recovery fails stays registered
// and retries on its own.
func (e *Engine) Start() error {
	log.Println("Engine: Starting...")

	// 1. 加载策略
	active, err := e.strategyService.LoadStrategies(e.ctx)
	if err != nil {
		return err
	}

	// 2. 启动对账
	p := pool.New().WithErrors().WithMaxGoroutines(8)
	for _, r := range active {
		p.Go(func() error {
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Trading.RecoveryBudget)
			defer cancel()
			if err := r.Recover(ctx); err != nil {
				log.Printf("Engine: Recovery of %s incomplete: %v", r.Name(), err)
			} else {
				log.Printf("Engine: %s recovered in %s", r.Name(), r.Phase())
			}
			return nil
		})
	}
	_ = p.Wait()

	// 3. 为活跃策略订阅行情
	for _, r := range active {
		if err := e.strategyService.Watch(e.ctx, r); err != nil {
			log.Printf("Engine: Failed to subscribe to %s for %s: %v", r.Instrument(), r.Name(), err)
		}
	}

	// 4. 定期对账
	go e.runReconcileLoop()

	log.Println("Engine: Started successfully")
	return nil
}

// runReconcileLoop covers strategies whose tick feed went quiet: a held position is still
// re-checked and a failed startup reconciliation still retried.
func (e *Engine) runReconcileLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Trading.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			log.Println("Engine: Reconcile loop stopped")
			return
		case <-ticker.C:
			for _, r := range e.executor.Runners() {
				if err := r.Reconcile(e.ctx); err != nil {
					log.Printf("Engine: Reconcile of %s failed: %v", r.Name(), err)
				}
			}
		}
	}
}

// Stop 停止引擎. Running strategies keep their persisted phase; positions are not touched.
func (e *Engine) Stop() {
	log.Println("Engine: Stopping...")
	e.cancel()
	e.marketService.Close()
	e.executor.Shutdown()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
	}
	e.events.Shutdown()
	log.Println("Engine: Stopped")
}

// Executor exposes the strategy executor.
func (e *Engine) Executor() *strategies.Executor {
	return e.executor
}
