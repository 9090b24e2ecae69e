package strategies

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/infra"
	"bracketbot.com/internal/model"
)

var _ infra.TickHandler = (*Executor)(nil)

// Executor 是策略引擎的核心调度器
// 它管理所有正在运行的策略实例，并负责将行情分发给它们
type Executor struct {
	ctx context.Context

	// Map结构: Instrument -> []*mailbox
	// 行情来时只遍历关注该合约的策略
	byInstrument map[string][]*mailbox
	byName       map[string]*mailbox

	mu sync.RWMutex
	wg conc.WaitGroup
}

// mailbox 每个策略一个 goroutine, 只保留最新一笔行情
type mailbox struct {
	runner *Runner

	mu      sync.Mutex
	pending *model.Tick
	wake    chan struct{}
	quit    chan struct{}
}

// NewExecutor 创建一个新的调度器. ctx 结束时所有策略的行情循环退出.
func NewExecutor(ctx context.Context) *Executor {
	return &Executor{
		ctx:          ctx,
		byInstrument: make(map[string][]*mailbox),
		byName:       make(map[string]*mailbox),
	}
}

// Add registers a runner and starts its tick loop.
func (e *Executor) Add(r *Runner) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byName[r.Name()]; ok {
		return domain.ErrAlreadyExists
	}
	mb := &mailbox{
		runner: r,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	e.byName[r.Name()] = mb
	e.byInstrument[r.Instrument()] = append(e.byInstrument[r.Instrument()], mb)
	e.wg.Go(func() { mb.loop(e.ctx) })

	log.Printf("Executor: strategy %s registered on %s", r.Name(), r.Instrument())
	return nil
}

// Remove unregisters a runner and stops its tick loop. It does not stop the strategy itself.
func (e *Executor) Remove(name string) *Runner {
	e.mu.Lock()
	defer e.mu.Unlock()

	mb, ok := e.byName[name]
	if !ok {
		return nil
	}
	delete(e.byName, name)

	inst := mb.runner.Instrument()
	list := e.byInstrument[inst]
	for i, m := range list {
		if m == mb {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.byInstrument, inst)
	} else {
		e.byInstrument[inst] = list
	}
	close(mb.quit)
	return mb.runner
}

// Runner looks up a registered runner by strategy name.
func (e *Executor) Runner(name string) (*Runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mb, ok := e.byName[name]
	if !ok {
		return nil, false
	}
	return mb.runner, true
}

// Runners returns the registered runners sorted by name.
func (e *Executor) Runners() []*Runner {
	e.mu.RLock()
	out := make([]*Runner, 0, len(e.byName))
	for _, mb := range e.byName {
		out = append(out, mb.runner)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetSymbols returns all instruments currently monitored by strategies.
func (e *Executor) GetSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	symbols := make([]string, 0, len(e.byInstrument))
	for sym := range e.byInstrument {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// OnTick 当收到行情数据时被 TickDispatcher 调用. 从不阻塞:
// 正忙的策略只会看到最新的一笔.
func (e *Executor) OnTick(tick model.Tick) {
	e.mu.RLock()
	boxes := e.byInstrument[tick.Instrument]
	e.mu.RUnlock()

	for _, mb := range boxes {
		mb.post(tick)
	}
}

// Shutdown stops every tick loop and waits for in-flight ticks to finish.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	for name, mb := range e.byName {
		close(mb.quit)
		delete(e.byName, name)
	}
	e.byInstrument = make(map[string][]*mailbox)
	e.mu.Unlock()

	e.wg.Wait()
}

func (m *mailbox) post(t model.Tick) {
	m.mu.Lock()
	m.pending = &t
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (model.Tick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return model.Tick{}, false
	}
	t := *m.pending
	m.pending = nil
	return t, true
}

func (m *mailbox) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-m.wake:
			if t, ok := m.take(); ok {
				m.deliver(ctx, t)
			}
		}
	}
}

func (m *mailbox) deliver(ctx context.Context, t model.Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("CRITICAL Executor: panic in strategy %s on %s: %v", m.runner.Name(), t.Instrument, rec)
		}
	}()
	m.runner.OnTick(ctx, t)
}
