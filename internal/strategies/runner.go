package strategies

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bracketbot.com/internal/bracket"
	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/metrics"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/recovery"
	"bracketbot.com/internal/sizing"
)

// Deps are the collaborators shared by every runner of a process.
type Deps struct {
	Venue      domain.VenueClient
	Brackets   *bracket.Manager
	Reconciler *recovery.Reconciler
	Trades     domain.TradeStore
	States     domain.StateStore
	Events     event.Publisher
}

// Settings are the trading parameters of one runner.
type Settings struct {
	Currency          string
	RiskMode          model.RiskMode
	RiskValue         float64
	Limits            sizing.Limits
	MinCandles        int
	MaxCandles        int
	BarInterval       time.Duration
	Cooldown          time.Duration
	ErrorCooldown     time.Duration
	ReconcileInterval time.Duration
}

// Runner is the lifecycle state machine of one strategy instance. All state is owned by
// the runner; operations are serialized, status reads may come from any goroutine and
// never wait for a running operation.
type Runner struct {
	def     model.Strategy
	decider Decider
	deps    Deps
	set     Settings
	bars    *CandleBuilder
	now     func() time.Time

	op            sync.Mutex // serializes Start, Recover, OnTick and Stop
	reconciled    bool
	lastReconcile time.Time

	mu    sync.RWMutex
	state model.StrategyState
	trade *model.TradeRecord
}

// NewRunner builds an idle runner for a strategy definition.
func NewRunner(def model.Strategy, deps Deps, set Settings) (*Runner, error) {
	if def.Name == "" || def.Instrument == "" {
		return nil, &domain.ValidationError{Field: "strategy", Message: "name and instrument are required"}
	}
	decider, err := NewDecider(def)
	if err != nil {
		return nil, &domain.ValidationError{Field: "config", Message: err.Error()}
	}
	if deps.Events == nil {
		deps.Events = event.Discard{}
	}
	if def.RiskMode != "" {
		set.RiskMode = def.RiskMode
	}
	if def.RiskValue > 0 {
		set.RiskValue = def.RiskValue
	}
	if def.Currency != "" {
		set.Currency = def.Currency
	}
	if set.MinCandles < decider.MinCandles() {
		set.MinCandles = decider.MinCandles()
	}
	if set.MaxCandles < set.MinCandles*4 {
		set.MaxCandles = set.MinCandles * 4
	}

	r := &Runner{
		def:     def,
		decider: decider,
		deps:    deps,
		set:     set,
		bars:    NewCandleBuilder(set.BarInterval, set.MaxCandles),
		now:     time.Now,
	}
	r.state.StrategyName = def.Name
	r.state.Instrument = def.Instrument
	r.state.Phase = model.PhaseIdle
	return r, nil
}

func (r *Runner) Name() string       { return r.def.Name }
func (r *Runner) Instrument() string { return r.def.Instrument }

// Phase returns the committed phase.
func (r *Runner) Phase() model.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Phase
}

// Snapshot returns a copy of the committed snapshot.
func (r *Runner) Snapshot() model.StrategySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.StrategySnapshot
}

// ActiveTrade returns a copy of the trade being monitored, if any.
func (r *Runner) ActiveTrade() *model.TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trade.Clone()
}

// Status is the read-only "current phase + indicators" view.
func (r *Runner) Status() model.StrategyStatusView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	candles := r.state.Candles
	view := model.StrategyStatusView{
		StrategyName:   r.def.Name,
		Instrument:     r.def.Instrument,
		Phase:          r.state.Phase,
		Initializing:   r.state.Initializing,
		ReferencePrice: r.state.ReferencePrice,
		CandleCount:    len(candles),
		ActiveTradeID:  r.state.ActiveTradeID,
		CooldownUntil:  r.state.CooldownUntil,
		LastError:      r.state.LastError,
		Indicators:     r.decider.Indicators(candles),
	}
	if n := len(candles); n > 0 {
		view.LastClose = candles[n-1].Close
	}
	return view
}

// =======================
// 状态迁移
// =======================

// transition persists the next snapshot and only then commits it. A failed save moves the
// runner to Error in memory and returns a FatalError.
func (r *Runner) transition(ctx context.Context, phase model.Phase, mutate func(s *model.StrategySnapshot)) error {
	r.mu.RLock()
	next := r.state.StrategySnapshot
	r.mu.RUnlock()

	from := next.Phase
	next.Phase = phase
	if phase != model.PhasePositionHeld {
		next.ActiveTradeID = ""
	}
	if mutate != nil {
		mutate(&next)
	}
	next.Version++
	next.UpdatedAt = r.now()
	if !next.Consistent() {
		return r.fail(ctx, fmt.Errorf("refusing inconsistent transition %s -> %s (trade=%q)", from, phase, next.ActiveTradeID))
	}

	if err := r.deps.States.Save(ctx, &next); err != nil {
		return r.fail(ctx, fmt.Errorf("persist %s -> %s: %w", from, phase, err))
	}

	r.mu.Lock()
	r.state.StrategySnapshot = next
	r.mu.Unlock()

	metrics.SetPhase(r.def.Name, phase)
	if from != phase {
		log.Printf("Runner[%s]: %s -> %s", r.def.Name, from, phase)
		r.deps.Events.Publish(event.Event{
			Type:       constants.EventStrategyPhase,
			Strategy:   r.def.Name,
			Instrument: r.def.Instrument,
			Message:    fmt.Sprintf("%s -> %s", from, phase),
			Metadata:   map[string]interface{}{"from": string(from), "to": string(phase)},
		})
	}
	return nil
}

// fail moves the runner to Error. The Error snapshot is saved on a best-effort basis; the
// in-memory phase changes either way and no further trading actions are taken.
func (r *Runner) fail(ctx context.Context, cause error) error {
	r.mu.Lock()
	r.state.Phase = model.PhaseError
	r.state.ActiveTradeID = ""
	r.state.LastError = cause.Error()
	r.state.Version++
	r.state.UpdatedAt = r.now()
	snap := r.state.StrategySnapshot
	r.mu.Unlock()

	if err := r.deps.States.Save(context.WithoutCancel(ctx), &snap); err != nil {
		log.Printf("Runner[%s]: could not persist error phase: %v", r.def.Name, err)
	}
	metrics.SetPhase(r.def.Name, model.PhaseError)
	log.Printf("CRITICAL Runner[%s]: entering error phase: %v", r.def.Name, cause)
	r.deps.Events.Publish(event.Event{
		Type:       constants.EventStrategyError,
		Severity:   event.SeverityCritical,
		Strategy:   r.def.Name,
		Instrument: r.def.Instrument,
		Message:    cause.Error(),
	})

	var fe *domain.FatalError
	if errors.As(cause, &fe) {
		return fe
	}
	return &domain.FatalError{Op: "strategy " + r.def.Name, Err: cause}
}

func (r *Runner) setTrade(t *model.TradeRecord) {
	r.mu.Lock()
	r.trade = t
	r.mu.Unlock()
}

// =======================
// 启动 / 恢复
// =======================

// Recover loads the persisted snapshot and reconciles it against the venue. It is called
// once per process start. Error and Stopped snapshots keep their phase; anything else
// resumes trading.
func (r *Runner) Recover(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	snap := r.restore(ctx)
	resume := snap.Phase != model.PhaseError && snap.Phase != model.PhaseStopped
	return r.reconcile(ctx, resume)
}

// Restore loads the persisted snapshot without contacting the venue. Used for strategies
// that are not meant to run, so their last known phase is still reported.
func (r *Runner) Restore(ctx context.Context) {
	r.op.Lock()
	defer r.op.Unlock()
	r.restore(ctx)
}

func (r *Runner) restore(ctx context.Context) *model.StrategySnapshot {
	snap, ok := recovery.LoadSnapshot(ctx, r.deps.States, r.def.Name, r.def.Instrument)
	r.mu.Lock()
	r.state.StrategySnapshot = *snap
	r.mu.Unlock()
	metrics.SetPhase(r.def.Name, snap.Phase)
	if !ok {
		log.Printf("Runner[%s]: no usable snapshot, starting from idle", r.def.Name)
	}
	return snap
}

// Reconcile runs a reconciliation pass outside the tick flow, for instruments whose feed
// is quiet. It retries a failed startup reconciliation and re-checks a held position.
func (r *Runner) Reconcile(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	switch phase := r.Phase(); {
	case !phase.Running():
		return nil
	case !r.reconciled:
		return r.reconcile(ctx, true)
	case phase == model.PhasePositionHeld:
		r.periodicReconcile(ctx)
	}
	return nil
}

// Start moves a stopped, idle or failed strategy back to trading. The instrument must
// resolve on the venue, and the venue is reconciled before any signal is evaluated.
func (r *Runner) Start(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	if r.Phase().Running() {
		return nil
	}
	if _, err := r.deps.Venue.GetInstrumentConstraints(ctx, r.def.Instrument); err != nil {
		return fmt.Errorf("instrument %s not resolved: %w", r.def.Instrument, err)
	}
	r.mu.Lock()
	r.state.LastError = ""
	r.state.PositionLeftOpen = false
	r.mu.Unlock()

	if err := r.reconcile(ctx, true); err != nil {
		return err
	}
	r.deps.Events.Publish(event.Event{
		Type:       constants.EventStrategyStarted,
		Strategy:   r.def.Name,
		Instrument: r.def.Instrument,
		Message:    "strategy started in " + string(r.Phase()),
	})
	return nil
}

// reconcile runs one reconciliation pass and applies it. With resume set the runner moves
// to PositionHeld or Analyzing; otherwise only the monitored trade is updated.
func (r *Runner) reconcile(ctx context.Context, resume bool) error {
	r.lastReconcile = r.now()
	res, err := r.deps.Reconciler.Reconcile(ctx, r.def.Name, r.def.Instrument)
	if err != nil {
		r.reconciled = false
		if domain.IsFatal(err) {
			return r.fail(ctx, err)
		}
		log.Printf("Runner[%s]: reconciliation failed, trading paused until it succeeds: %v", r.def.Name, err)
		return err
	}
	r.reconciled = true

	if res.HoldsPosition() {
		r.setTrade(res.Trade)
	} else {
		r.setTrade(nil)
	}
	if !resume {
		return nil
	}

	if res.HoldsPosition() {
		id := res.Trade.ID
		return r.transition(ctx, model.PhasePositionHeld, func(s *model.StrategySnapshot) {
			s.ActiveTradeID = id
			s.CooldownUntil = nil
		})
	}
	return r.transition(ctx, model.PhaseAnalyzing, func(s *model.StrategySnapshot) {
		if s.CooldownUntil != nil && !s.CooldownUntil.After(r.now()) {
			s.CooldownUntil = nil
		}
		s.SignalMeta = nil
	})
}

// =======================
// 行情驱动
// =======================

// OnTick advances the state machine with one price update.
func (r *Runner) OnTick(ctx context.Context, tick model.Tick) {
	r.op.Lock()
	defer r.op.Unlock()

	if tick.Timestamp.IsZero() {
		tick.Timestamp = r.now()
	}
	closedBar := r.bars.Add(tick)

	r.mu.Lock()
	if tick.LastPrice > 0 {
		r.state.ReferencePrice = tick.LastPrice
	}
	if closedBar {
		r.state.Candles = r.bars.Closed()
	}
	r.state.Initializing = r.bars.Len() < r.set.MinCandles
	phase := r.state.Phase
	r.mu.Unlock()

	if !phase.Running() {
		return
	}
	if !r.reconciled {
		if r.now().Sub(r.lastReconcile) >= r.set.ReconcileInterval {
			_ = r.reconcile(ctx, true)
		}
		return
	}

	switch phase {
	case model.PhaseCooldown:
		if r.cooling() {
			return
		}
		if err := r.transition(ctx, model.PhaseAnalyzing, func(s *model.StrategySnapshot) { s.CooldownUntil = nil }); err != nil {
			return
		}
		if closedBar {
			r.analyze(ctx)
		}
	case model.PhaseAnalyzing:
		if closedBar {
			r.analyze(ctx)
		}
	case model.PhasePositionHeld:
		r.monitor(ctx)
	case model.PhaseClosing:
		r.closePosition(ctx)
	case model.PhaseSignalDetected, model.PhaseEnteringPosition:
		// a placement interrupted by a crash; reconciliation decides
		_ = r.reconcile(ctx, true)
	}
}

func (r *Runner) cooling() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.CooldownUntil != nil && r.now().Before(*r.state.CooldownUntil)
}

func (r *Runner) analyze(ctx context.Context) {
	if r.bars.Len() < r.set.MinCandles || r.cooling() {
		return
	}
	sig := r.decider.Decide(r.bars.Closed())
	if sig == nil {
		return
	}
	r.enter(ctx, sig)
}

// enter runs size -> place entry -> stop -> target, strictly in that order.
func (r *Runner) enter(ctx context.Context, sig *Signal) {
	meta := map[string]interface{}{
		"side":   string(sig.Side),
		"entry":  sig.EntryPrice,
		"stop":   sig.StopPrice,
		"target": sig.TargetPrice,
	}
	for k, v := range sig.Meta {
		meta[k] = v
	}
	if err := r.transition(ctx, model.PhaseSignalDetected, func(s *model.StrategySnapshot) { s.SignalMeta = meta }); err != nil {
		return
	}
	r.deps.Events.Publish(event.Event{
		Type:       constants.EventSignalDetected,
		Strategy:   r.def.Name,
		Instrument: r.def.Instrument,
		Message:    fmt.Sprintf("%s signal at %.8g", sig.Side, sig.EntryPrice),
		Metadata:   meta,
	})

	constraints, err := r.deps.Venue.GetInstrumentConstraints(ctx, r.def.Instrument)
	if err != nil {
		r.placementFailed(ctx, "constraints", err)
		return
	}
	equity, err := r.deps.Venue.GetEquity(ctx, r.set.Currency)
	if err != nil {
		r.placementFailed(ctx, "equity", err)
		return
	}

	entry, stop, target := sizing.AlignBracket(sig.Side, sig.EntryPrice, sig.StopPrice, sig.TargetPrice, constraints.PriceTick)
	size, err := sizing.Calculate(sizing.Input{
		Equity:      equity,
		Mode:        r.set.RiskMode,
		RiskValue:   r.set.RiskValue,
		EntryPrice:  entry,
		StopPrice:   stop,
		Constraints: constraints,
		Limits:      r.set.Limits,
	})
	if err != nil {
		var serr *sizing.Error
		if errors.As(err, &serr) {
			metrics.SizingRejections.WithLabelValues(string(serr.Code)).Inc()
			r.deps.Events.Publish(event.Event{
				Type:       constants.EventPlacementBlocked,
				Severity:   event.SeverityWarning,
				Strategy:   r.def.Name,
				Instrument: r.def.Instrument,
				Message:    serr.Error(),
				Metadata:   map[string]interface{}{"blocked": string(serr.Code)},
			})
		}
		r.placementFailed(ctx, "sizing", err)
		return
	}
	for _, w := range size.Warnings {
		log.Printf("Runner[%s]: sizing warning %s: %s", r.def.Name, w.Code, w.Message)
	}

	if err := r.transition(ctx, model.PhaseEnteringPosition, nil); err != nil {
		return
	}
	trade, err := r.deps.Brackets.Place(ctx, bracket.Request{
		StrategyName: r.def.Name,
		Instrument:   r.def.Instrument,
		Side:         sig.Side,
		Quantity:     size.Quantity,
		EntryPrice:   entry,
		StopPrice:    stop,
		TargetPrice:  target,
	})
	if err != nil {
		r.placementFailed(ctx, "placement", err)
		return
	}

	if err := r.deps.Trades.Create(ctx, trade); err != nil {
		// the bracket is live and protected; the next start adopts it from its labels
		_ = r.fail(ctx, &domain.FatalError{Op: "record trade " + trade.ID, Err: err})
		return
	}
	r.setTrade(trade)
	if err := r.transition(ctx, model.PhasePositionHeld, func(s *model.StrategySnapshot) {
		s.ActiveTradeID = trade.ID
		s.CooldownUntil = nil
	}); err != nil {
		return
	}
	r.deps.Events.Publish(event.Event{
		Type:       constants.EventTradeOpened,
		Strategy:   r.def.Name,
		Instrument: r.def.Instrument,
		Message:    fmt.Sprintf("%s %.8g @ %.8g stop %.8g target %.8g", trade.Side, trade.Quantity, trade.EntryPrice, trade.StopPrice, trade.TargetPrice),
		Data:       trade.Clone(),
		Metadata:   map[string]interface{}{"warnings": size.Warnings, "leverage": size.Leverage},
	})
}

// placementFailed returns to Analyzing behind a short error cooldown.
func (r *Runner) placementFailed(ctx context.Context, step string, cause error) {
	log.Printf("Runner[%s]: entry aborted at %s: %v", r.def.Name, step, cause)
	until := r.now().Add(r.set.ErrorCooldown)
	_ = r.transition(ctx, model.PhaseAnalyzing, func(s *model.StrategySnapshot) {
		s.CooldownUntil = &until
		s.LastError = cause.Error()
	})
}

func (r *Runner) monitor(ctx context.Context) {
	trade := r.ActiveTrade()
	if trade == nil {
		_ = r.reconcile(ctx, true)
		return
	}
	obs, err := r.deps.Brackets.Observe(ctx, trade)
	if err != nil {
		log.Printf("Runner[%s]: position check failed: %v", r.def.Name, err)
		return
	}
	switch obs.Status {
	case bracket.ObservePositionClosed:
		if err := r.transition(ctx, model.PhaseClosing, nil); err != nil {
			return
		}
		r.closePosition(ctx)
	case bracket.ObserveSkipped:
		if r.now().Sub(r.lastReconcile) >= r.set.ReconcileInterval {
			r.periodicReconcile(ctx)
		}
	}
}

// periodicReconcile re-checks a held position against the venue and the store.
func (r *Runner) periodicReconcile(ctx context.Context) {
	held := r.ActiveTrade()
	if err := r.reconcile(ctx, false); err != nil {
		return
	}
	now := r.ActiveTrade()
	switch {
	case now == nil:
		// the record was closed as a ghost
		r.enterCooldown(ctx)
	case held == nil || held.ID != now.ID:
		id := now.ID
		_ = r.transition(ctx, model.PhasePositionHeld, func(s *model.StrategySnapshot) { s.ActiveTradeID = id })
	}
}

// closePosition cleans up the bracket and closes the record. It stays in Closing and is
// retried on the next tick when cleanup cannot complete.
func (r *Runner) closePosition(ctx context.Context) {
	trade := r.ActiveTrade()
	if trade == nil {
		r.enterCooldown(ctx)
		return
	}
	report, err := r.deps.Brackets.Cleanup(ctx, trade)
	if err != nil {
		log.Printf("Runner[%s]: cleanup of %s incomplete, retrying: %v", r.def.Name, trade.ID, err)
		return
	}
	if _, err := r.deps.Reconciler.CloseOut(ctx, trade, report); err != nil {
		_ = r.fail(ctx, err)
		return
	}
	r.setTrade(nil)
	r.enterCooldown(ctx)
}

func (r *Runner) enterCooldown(ctx context.Context) {
	if r.set.Cooldown <= 0 {
		_ = r.transition(ctx, model.PhaseAnalyzing, func(s *model.StrategySnapshot) {
			s.CooldownUntil = nil
			s.SignalMeta = nil
		})
		return
	}
	until := r.now().Add(r.set.Cooldown)
	_ = r.transition(ctx, model.PhaseCooldown, func(s *model.StrategySnapshot) {
		s.CooldownUntil = &until
		s.SignalMeta = nil
	})
}

// =======================
// 停止
// =======================

// Stop ends the strategy. A held position is flattened and its bracket cleaned up before
// the transition completes, unless leaveOpen is set, in which case the position is flagged
// as intentionally left open and the record stays open.
func (r *Runner) Stop(ctx context.Context, leaveOpen bool) error {
	r.op.Lock()
	defer r.op.Unlock()

	if r.Phase() == model.PhaseStopped {
		return nil
	}

	trade := r.ActiveTrade()
	leftOpen := false
	if trade != nil {
		if leaveOpen {
			leftOpen = true
			log.Printf("Runner[%s]: stopping with trade %s intentionally left open", r.def.Name, trade.ID)
			r.deps.Events.Publish(event.Event{
				Type:       constants.EventPositionLeftOpen,
				Severity:   event.SeverityWarning,
				Strategy:   r.def.Name,
				Instrument: r.def.Instrument,
				Message:    "position left open by operator stop; protective orders stay in place",
				Data:       trade.ID,
			})
		} else if err := r.flatten(ctx, trade); err != nil {
			return err
		}
	}

	if err := r.transition(ctx, model.PhaseStopped, func(s *model.StrategySnapshot) {
		s.CooldownUntil = nil
		s.SignalMeta = nil
		s.PositionLeftOpen = leftOpen
	}); err != nil {
		return err
	}
	r.reconciled = false
	r.deps.Events.Publish(event.Event{
		Type:       constants.EventStrategyStopped,
		Strategy:   r.def.Name,
		Instrument: r.def.Instrument,
		Message:    "strategy stopped",
		Metadata:   map[string]interface{}{"position_left_open": leftOpen},
	})
	return nil
}

func (r *Runner) flatten(ctx context.Context, trade *model.TradeRecord) error {
	found, err := r.deps.Brackets.CloseAtMarket(ctx, trade.Instrument, bracket.TxID(trade.TxID))
	if err != nil {
		return fmt.Errorf("failed to close %s position: %w", trade.Instrument, err)
	}
	report, err := r.deps.Brackets.Cleanup(ctx, trade)
	if err != nil {
		return fmt.Errorf("failed to clean up bracket of %s: %w", trade.ID, err)
	}
	if found {
		_, err = r.deps.Reconciler.CloseManual(ctx, trade, "closed at market by operator stop")
	} else {
		_, err = r.deps.Reconciler.CloseOut(ctx, trade, report)
	}
	if err != nil {
		return r.fail(ctx, err)
	}
	r.setTrade(nil)
	return nil
}
