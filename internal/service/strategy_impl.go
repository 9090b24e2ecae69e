package service

import (
	"context"
	"errors"
	"log"
	"sync"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/strategies"
)

// StrategyServiceImpl 实现 domain.StrategyService 接口
type StrategyServiceImpl struct {
	repo     domain.StrategyRepository
	executor *strategies.Executor
	market   domain.MarketService
	deps     strategies.Deps
	settings strategies.Settings

	// 已为哪些策略订阅了行情
	subscribed map[string]bool
	mu         sync.Mutex
}

// NewStrategyService 创建策略服务
func NewStrategyService(
	repo domain.StrategyRepository,
	executor *strategies.Executor,
	market domain.MarketService,
	deps strategies.Deps,
	settings strategies.Settings,
) *StrategyServiceImpl {
	return &StrategyServiceImpl{
		repo:       repo,
		executor:   executor,
		market:     market,
		deps:       deps,
		settings:   settings,
		subscribed: make(map[string]bool),
	}
}

// LoadStrategies 从存储加载所有策略定义并注册到调度器, 返回状态为 active 的策略.
// Stopped strategies only get their last snapshot restored.
func (s *StrategyServiceImpl) LoadStrategies(ctx context.Context) ([]*strategies.Runner, error) {
	defs, err := s.repo.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var active []*strategies.Runner
	for _, def := range defs {
		r, err := strategies.NewRunner(def, s.deps, s.settings)
		if err != nil {
			log.Printf("StrategyService: Failed to init strategy %s: %v", def.Name, err)
			continue
		}
		if err := s.executor.Add(r); err != nil {
			log.Printf("StrategyService: Failed to register strategy %s: %v", def.Name, err)
			continue
		}
		if def.Status == model.StrategyStatusActive {
			active = append(active, r)
		} else {
			r.Restore(ctx)
		}
	}

	log.Printf("StrategyService: Loaded %d strategies, %d active", len(defs), len(active))
	return active, nil
}

// Watch subscribes market data for a strategy that is (or is about to be) running.
func (s *StrategyServiceImpl) Watch(ctx context.Context, r *strategies.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed[r.Name()] {
		return nil
	}
	if err := s.market.Subscribe(ctx, r.Instrument()); err != nil {
		return err
	}
	s.subscribed[r.Name()] = true
	return nil
}

func (s *StrategyServiceImpl) unwatch(ctx context.Context, r *strategies.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed[r.Name()] {
		return
	}
	if err := s.market.Unsubscribe(ctx, r.Instrument()); err != nil {
		log.Printf("StrategyService: Failed to unsubscribe %s: %v", r.Instrument(), err)
	}
	delete(s.subscribed, r.Name())
}

// CreateStrategy 创建策略. The definition is validated by building its runner before it is
// stored; an active definition is started immediately.
func (s *StrategyServiceImpl) CreateStrategy(ctx context.Context, def *model.Strategy) error {
	if def.Status == "" {
		def.Status = model.StrategyStatusStopped
	}
	r, err := strategies.NewRunner(*def, s.deps, s.settings)
	if err != nil {
		return domain.NewBadRequestError(err.Error())
	}
	if _, ok := s.executor.Runner(def.Name); ok {
		return domain.NewConflictError("strategy already exists")
	}

	wantActive := def.Status == model.StrategyStatusActive
	def.Status = model.StrategyStatusStopped
	if err := s.repo.Create(ctx, def); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.NewConflictError("strategy already exists")
		}
		return domain.NewInternalError("failed to create strategy", err)
	}
	if err := s.executor.Add(r); err != nil {
		return domain.NewConflictError("strategy already exists")
	}
	log.Printf("StrategyService: Strategy created: %s on %s", def.Name, def.Instrument)

	if wantActive {
		if err := s.StartStrategy(ctx, def.Name); err != nil {
			return err
		}
		def.Status = model.StrategyStatusActive
	}
	return nil
}

func (s *StrategyServiceImpl) runner(name string) (*strategies.Runner, error) {
	r, ok := s.executor.Runner(name)
	if !ok {
		return nil, domain.NewNotFoundError("strategy not found")
	}
	return r, nil
}

// StartStrategy 启动策略
func (s *StrategyServiceImpl) StartStrategy(ctx context.Context, name string) error {
	r, err := s.runner(name)
	if err != nil {
		return err
	}
	if err := s.Watch(ctx, r); err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		s.unwatch(ctx, r)
		if domain.IsValidation(err) {
			return domain.NewBadRequestError(err.Error())
		}
		return domain.NewInternalError("failed to start strategy", err)
	}
	if err := s.repo.SetStatus(ctx, name, model.StrategyStatusActive); err != nil {
		return domain.NewInternalError("failed to persist strategy status", err)
	}

	log.Printf("StrategyService: Strategy started: %s (%s)", name, r.Phase())
	return nil
}

// StopStrategy 停止策略. With leaveOpen a held position keeps its protective orders and
// is left to the operator.
func (s *StrategyServiceImpl) StopStrategy(ctx context.Context, name string, leaveOpen bool) error {
	r, err := s.runner(name)
	if err != nil {
		return err
	}
	if err := r.Stop(ctx, leaveOpen); err != nil {
		return domain.NewInternalError("failed to stop strategy", err)
	}
	s.unwatch(ctx, r)
	if err := s.repo.SetStatus(ctx, name, model.StrategyStatusStopped); err != nil {
		return domain.NewInternalError("failed to persist strategy status", err)
	}

	log.Printf("StrategyService: Strategy stopped: %s (leave_open=%v)", name, leaveOpen)
	return nil
}

// ListStrategies 获取所有策略的当前状态
func (s *StrategyServiceImpl) ListStrategies(ctx context.Context) ([]model.StrategyStatusView, error) {
	runners := s.executor.Runners()
	out := make([]model.StrategyStatusView, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Status())
	}
	return out, nil
}

// GetStatus 获取策略的 "当前阶段 + 指标" 视图
func (s *StrategyServiceImpl) GetStatus(ctx context.Context, name string) (*model.StrategyStatusView, error) {
	r, err := s.runner(name)
	if err != nil {
		return nil, err
	}
	st := r.Status()
	return &st, nil
}

// GetActiveSymbols 获取策略监控的合约列表
func (s *StrategyServiceImpl) GetActiveSymbols() []string {
	return s.executor.GetSymbols()
}

// 确保实现了接口
var _ domain.StrategyService = (*StrategyServiceImpl)(nil)
