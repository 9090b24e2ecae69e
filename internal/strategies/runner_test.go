package strategies

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/bracket"
	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/recovery"
	"bracketbot.com/internal/storage/memory"
	"bracketbot.com/internal/venue"
)

const (
	eth  = "ETH-PERP"
	name = "alpha"
)

var crossAbove3000 = []byte(`{"trigger_price":3000,"operator":">","side":"long","stop_pct":1,"reward_ratio":2}`)

type harness struct {
	pv     *venue.PaperVenue
	trades domain.TradeStore
	states *memory.StateStore
	events *event.Recorder
	clock  time.Time
}

func newHarness(equity float64) *harness {
	pv := venue.NewPaperVenue(equity)
	pv.AddInstrument(model.VenueConstraints{Instrument: eth, PriceTick: 0.01, QuantityStep: 0.01, MinOrderSize: 0.01, MaxLeverage: 50}, 3000)
	return &harness{
		pv:     pv,
		trades: memory.NewTradeStore(),
		states: memory.NewStateStore(),
		events: event.NewRecorder(0),
		clock:  time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
}

func (h *harness) now() time.Time { return h.clock }

func (h *harness) deps() Deps {
	m := bracket.NewManager(h.pv, h.events, bracket.Options{
		Currency:        "USDT",
		PlacementBudget: time.Second,
		CancelBackoff:   time.Millisecond,
		ObserveInterval: time.Millisecond,
	})
	rec := recovery.NewReconciler(h.trades, h.pv, m, h.events, recovery.Options{
		Currency:    "USDT",
		ReadBackoff: time.Millisecond,
		Budget:      2 * time.Second,
	})
	return Deps{Venue: h.pv, Brackets: m, Reconciler: rec, Trades: h.trades, States: h.states, Events: h.events}
}

func settings() Settings {
	return Settings{
		Currency:          "USDT",
		RiskMode:          model.RiskModePercent,
		RiskValue:         1,
		BarInterval:       time.Minute,
		Cooldown:          5 * time.Minute,
		ErrorCooldown:     time.Minute,
		ReconcileInterval: 30 * time.Second,
	}
}

// runner builds a runner over fresh collaborators sharing the harness venue and stores,
// as a restarted process would.
func (h *harness) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(model.Strategy{Name: name, Instrument: eth, Decider: model.DeciderThreshold, Config: crossAbove3000}, h.deps(), settings())
	require.NoError(t, err)
	r.now = h.now
	return r
}

// tick moves the market and feeds one tick, one bar later than the previous one.
func (h *harness) tick(r *Runner, price float64) {
	h.clock = h.clock.Add(time.Minute)
	h.pv.SetPrice(eth, price)
	r.OnTick(context.Background(), model.Tick{Instrument: eth, LastPrice: price, MarkPrice: price, Timestamp: h.clock})
}

// enterLong feeds bars whose closes cross 3000 on the last closed bar.
func (h *harness) enterLong(r *Runner) {
	for _, p := range []float64{2990, 2995, 3010, 3020} {
		h.tick(r, p)
	}
}

func (h *harness) openTrades(t *testing.T) []*model.TradeRecord {
	t.Helper()
	open, err := h.trades.Query(context.Background(), model.TradeFilter{StrategyName: name, Status: model.TradeStatusOpen})
	require.NoError(t, err)
	return open
}

func (h *harness) restingOrders(t *testing.T) []model.Order {
	t.Helper()
	orders, err := h.pv.GetOpenOrders(context.Background(), eth)
	require.NoError(t, err)
	return orders
}

func (h *harness) savedPhase(t *testing.T) model.Phase {
	t.Helper()
	snap, err := h.states.Load(context.Background(), name)
	require.NoError(t, err)
	return snap.Phase
}

type failingCreates struct {
	*memory.TradeStore
}

func (failingCreates) Create(context.Context, *model.TradeRecord) error {
	return errors.New("disk full")
}

func TestNewRunner_RejectsBadDefinition(t *testing.T) {
	h := newHarness(10000)

	_, err := NewRunner(model.Strategy{Name: name, Instrument: eth, Decider: "martingale"}, h.deps(), settings())
	assert.True(t, domain.IsValidation(err))

	_, err = NewRunner(model.Strategy{Instrument: eth, Decider: model.DeciderThreshold, Config: crossAbove3000}, h.deps(), settings())
	assert.True(t, domain.IsValidation(err))

	_, err = NewRunner(model.Strategy{Name: name, Instrument: eth, Decider: model.DeciderThreshold, Config: []byte(`{"trigger_price":-1}`)}, h.deps(), settings())
	assert.True(t, domain.IsValidation(err))
}

func TestRunner_IdleIgnoresTicks(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)

	h.enterLong(r)
	assert.Equal(t, model.PhaseIdle, r.Phase())
	assert.Zero(t, h.pv.Calls("PlaceOrder"))

	st := r.Status()
	assert.Equal(t, 3, st.CandleCount, "bars are still collected")
	assert.Equal(t, 3020.0, st.ReferencePrice)
}

func TestRunner_SignalToPositionHeld(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, model.PhaseAnalyzing, r.Phase())

	h.tick(r, 2990)
	assert.True(t, r.Status().Initializing)
	h.tick(r, 2995)
	h.tick(r, 3010)
	assert.Equal(t, model.PhaseAnalyzing, r.Phase(), "no crossing on a closed bar yet")
	h.tick(r, 3020)

	require.Equal(t, model.PhasePositionHeld, r.Phase())
	trade := r.ActiveTrade()
	require.NotNil(t, trade)
	assert.Equal(t, trade.ID, r.Snapshot().ActiveTradeID)
	assert.Equal(t, model.SideLong, trade.Side)
	assert.True(t, trade.HasProtection())
	assert.Less(t, trade.StopPrice, trade.EntryPrice)
	assert.Greater(t, trade.TargetPrice, trade.EntryPrice)

	open := h.openTrades(t)
	require.Len(t, open, 1)
	assert.Equal(t, trade.ID, open[0].ID)

	pos, ok := h.pv.Position(eth)
	require.True(t, ok)
	assert.InDelta(t, trade.Quantity, pos.Size, 1e-9)
	assert.Len(t, h.restingOrders(t), 2)

	assert.Equal(t, model.PhasePositionHeld, h.savedPhase(t))
	assert.Len(t, h.events.ByType(constants.EventSignalDetected), 1)
	assert.Len(t, h.events.ByType(constants.EventTradeOpened), 1)

	var phases []string
	for _, e := range h.events.ByType(constants.EventStrategyPhase) {
		phases = append(phases, e.Message)
	}
	assert.Equal(t, []string{
		"idle -> analyzing",
		"analyzing -> signal_detected",
		"signal_detected -> entering_position",
		"entering_position -> position_held",
	}, phases)
}

func TestRunner_StopHitClosesTradeAndCoolsDown(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.enterLong(r)
	require.Equal(t, model.PhasePositionHeld, r.Phase())
	trade := r.ActiveTrade()

	h.tick(r, 2900) // through the stop

	require.Equal(t, model.PhaseCooldown, r.Phase())
	assert.Nil(t, r.ActiveTrade())
	assert.Empty(t, r.Snapshot().ActiveTradeID)
	require.NotNil(t, r.Snapshot().CooldownUntil)
	assert.Equal(t, h.clock.Add(5*time.Minute), *r.Snapshot().CooldownUntil)

	stored, err := h.trades.Get(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeStatusClosed, stored.Status)
	assert.Equal(t, model.ExitStopHit, *stored.ExitReason)
	assert.Equal(t, trade.StopPrice, *stored.ExitPrice)
	assert.Less(t, *stored.PnL, 0.0)
	assert.False(t, stored.NeedsReview)
	assert.Empty(t, h.restingOrders(t), "target cancelled")
	assert.Len(t, h.events.ByType(constants.EventTradeClosed), 1)

	for i := 0; i < 4; i++ {
		h.tick(r, 2900)
		assert.Equal(t, model.PhaseCooldown, r.Phase())
	}
	h.tick(r, 2900)
	assert.Equal(t, model.PhaseAnalyzing, r.Phase())
	assert.Nil(t, r.Snapshot().CooldownUntil)
}

func TestRunner_PlacementFailureReturnsToAnalyzing(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.pv.InjectFault(venue.Fault{Op: "PlaceOrder", Type: model.OrderTypeStopMarket, Err: &domain.TransientError{Op: "place_order", Err: domain.ErrTimeout}})

	h.enterLong(r)

	assert.Equal(t, model.PhaseAnalyzing, r.Phase())
	snap := r.Snapshot()
	require.NotNil(t, snap.CooldownUntil)
	assert.Equal(t, h.clock.Add(time.Minute), *snap.CooldownUntil)
	assert.NotEmpty(t, snap.LastError)

	_, held := h.pv.Position(eth)
	assert.False(t, held, "entry was flattened")
	assert.Empty(t, h.restingOrders(t))
	assert.Empty(t, h.openTrades(t))
	assert.Empty(t, h.events.ByType(constants.EventTradeOpened))
}

// The stop rests on the venue but its response is lost; the runner cools down with nothing
// left behind and enters again on the next crossing.
func TestRunner_LostStopResponseThenReenters(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.pv.InjectFault(venue.Fault{Op: "PlaceOrder", Type: model.OrderTypeStopMarket, Err: &domain.TransientError{Op: "place_order", Err: domain.ErrTimeout}, Times: 1, Apply: true})

	h.enterLong(r)

	require.Equal(t, model.PhaseAnalyzing, r.Phase())
	require.NotNil(t, r.Snapshot().CooldownUntil)
	_, held := h.pv.Position(eth)
	assert.False(t, held)
	assert.Empty(t, h.restingOrders(t))
	assert.Empty(t, h.events.ByType(constants.EventOrphanOrder))

	// past the error cooldown: back below the trigger, then a fresh crossing
	for _, p := range []float64{2990, 2980, 3030, 3040} {
		h.tick(r, p)
	}

	require.Equal(t, model.PhasePositionHeld, r.Phase())
	assert.Nil(t, r.Snapshot().CooldownUntil)
	require.Len(t, h.openTrades(t), 1)
	assert.Len(t, h.restingOrders(t), 2)
	assert.Len(t, h.events.ByType(constants.EventTradeOpened), 1)
}

func TestRunner_SizingRejectionSendsNoOrders(t *testing.T) {
	h := newHarness(5) // 1% of 5 cannot buy the minimum size
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))

	h.enterLong(r)

	assert.Equal(t, model.PhaseAnalyzing, r.Phase())
	assert.Zero(t, h.pv.Calls("PlaceOrder"))
	blocked := h.events.ByType(constants.EventPlacementBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "below_min_size", blocked[0].Metadata["blocked"])
}

func TestRunner_SnapshotSaveFailureMovesToError(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.states.FailSaves(errors.New("read-only filesystem"))

	h.enterLong(r)

	assert.Equal(t, model.PhaseError, r.Phase())
	assert.Contains(t, r.Status().LastError, "read-only filesystem")
	assert.Zero(t, h.pv.Calls("PlaceOrder"), "the signal was never acted on")
	errs := h.events.ByType(constants.EventStrategyError)
	require.Len(t, errs, 1)
	assert.Equal(t, event.SeverityCritical, errs[0].Severity)

	h.states.FailSaves(nil)
	h.tick(r, 3100)
	assert.Equal(t, model.PhaseError, r.Phase(), "error is sticky until an operator start")
}

func TestRunner_RecordFailureLeavesBracketForAdoption(t *testing.T) {
	h := newHarness(10000)
	store := memory.NewTradeStore()
	h.trades = failingCreates{store}
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))

	h.enterLong(r)

	assert.Equal(t, model.PhaseError, r.Phase())
	_, held := h.pv.Position(eth)
	assert.True(t, held)
	assert.Len(t, h.restingOrders(t), 2, "position stays protected")

	// operator fixes the store and restarts the strategy
	h.trades = store
	r2 := h.runner(t)
	require.NoError(t, r2.Recover(context.Background()))
	assert.Equal(t, model.PhaseError, r2.Phase())
	require.NoError(t, r2.Start(context.Background()))

	require.Equal(t, model.PhasePositionHeld, r2.Phase())
	adopted := r2.ActiveTrade()
	require.NotNil(t, adopted)
	assert.True(t, adopted.NeedsReview)
	assert.True(t, adopted.HasProtection(), "labelled stop and target were adopted")
	assert.Len(t, h.events.ByType(constants.EventOrphanPosition), 1)
}

func TestRunner_StopFlattensPosition(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.enterLong(r)
	trade := r.ActiveTrade()
	require.NotNil(t, trade)

	require.NoError(t, r.Stop(context.Background(), false))

	assert.Equal(t, model.PhaseStopped, r.Phase())
	assert.Equal(t, model.PhaseStopped, h.savedPhase(t))
	_, held := h.pv.Position(eth)
	assert.False(t, held)
	assert.Empty(t, h.restingOrders(t))

	stored, err := h.trades.Get(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeStatusClosed, stored.Status)
	assert.Equal(t, model.ExitManual, *stored.ExitReason)
	assert.Equal(t, 3020.0, *stored.ExitPrice)
	assert.False(t, r.Snapshot().PositionLeftOpen)

	require.NoError(t, r.Stop(context.Background(), false), "stopping twice is a no-op")
}

func TestRunner_StopLeavingPositionOpen(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.enterLong(r)
	trade := r.ActiveTrade()
	require.NotNil(t, trade)

	require.NoError(t, r.Stop(context.Background(), true))

	assert.Equal(t, model.PhaseStopped, r.Phase())
	assert.True(t, r.Snapshot().PositionLeftOpen)
	assert.Empty(t, r.Snapshot().ActiveTradeID)
	_, held := h.pv.Position(eth)
	assert.True(t, held)
	assert.Len(t, h.restingOrders(t), 2)
	require.Len(t, h.openTrades(t), 1)
	left := h.events.ByType(constants.EventPositionLeftOpen)
	require.Len(t, left, 1)
	assert.Equal(t, event.SeverityWarning, left[0].Severity)

	// a restart keeps it stopped but knows about the trade; a start resumes monitoring
	r2 := h.runner(t)
	require.NoError(t, r2.Recover(context.Background()))
	assert.Equal(t, model.PhaseStopped, r2.Phase())
	require.NotNil(t, r2.ActiveTrade())

	require.NoError(t, r2.Start(context.Background()))
	assert.Equal(t, model.PhasePositionHeld, r2.Phase())
	assert.Equal(t, trade.ID, r2.Snapshot().ActiveTradeID)
	assert.False(t, r2.Snapshot().PositionLeftOpen)
}

func TestRunner_RecoverResumesHeldPosition(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.enterLong(r)
	trade := r.ActiveTrade()
	require.NotNil(t, trade)

	r2 := h.runner(t)
	require.NoError(t, r2.Recover(context.Background()))
	assert.Equal(t, model.PhasePositionHeld, r2.Phase())
	assert.Equal(t, trade.ID, r2.ActiveTrade().ID)

	// the position closes while the new process monitors it
	h.tick(r2, 3300)
	assert.Equal(t, model.PhaseCooldown, r2.Phase())
	stored, err := h.trades.Get(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExitTargetHit, *stored.ExitReason)
}

func TestRunner_RecoverAfterCrashMidPlacement(t *testing.T) {
	h := newHarness(10000)
	d := h.deps()
	_, err := d.Brackets.Place(context.Background(), bracket.Request{
		StrategyName: name, Instrument: eth, Side: model.SideLong,
		Quantity: 1, EntryPrice: 3000, StopPrice: 2950, TargetPrice: 3100,
	})
	require.NoError(t, err)
	require.NoError(t, h.states.Save(context.Background(), &model.StrategySnapshot{
		StrategyName: name, Instrument: eth, Phase: model.PhaseEnteringPosition, Version: 3,
	}))

	r := h.runner(t)
	require.NoError(t, r.Recover(context.Background()))

	assert.Equal(t, model.PhasePositionHeld, r.Phase())
	adopted := r.ActiveTrade()
	require.NotNil(t, adopted)
	assert.Equal(t, 1.0, adopted.Quantity)
	assert.True(t, adopted.NeedsReview)
	assert.Len(t, h.openTrades(t), 1)
}

func TestRunner_RecoverFromErrorSnapshot(t *testing.T) {
	h := newHarness(10000)
	require.NoError(t, h.states.Save(context.Background(), &model.StrategySnapshot{
		StrategyName: name, Instrument: eth, Phase: model.PhaseError, LastError: "store unwritable",
	}))

	r := h.runner(t)
	require.NoError(t, r.Recover(context.Background()))
	assert.Equal(t, model.PhaseError, r.Phase())

	h.enterLong(r)
	assert.Zero(t, h.pv.Calls("PlaceOrder"))

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, model.PhaseAnalyzing, r.Phase())
	assert.Empty(t, r.Status().LastError)
}

func TestRunner_VenueDownAtRecoveryPausesTrading(t *testing.T) {
	h := newHarness(10000)
	require.NoError(t, h.states.Save(context.Background(), &model.StrategySnapshot{
		StrategyName: name, Instrument: eth, Phase: model.PhaseAnalyzing,
	}))
	h.pv.InjectFault(venue.Fault{Op: "GetPositions", Err: domain.ErrVenueDown})

	r := h.runner(t)
	require.Error(t, r.Recover(context.Background()))
	assert.Equal(t, model.PhaseAnalyzing, r.Phase())

	h.enterLong(r)
	assert.Zero(t, h.pv.Calls("PlaceOrder"), "no trading before a successful reconciliation")

	h.pv.ClearFaults()
	h.tick(r, 3030)
	assert.Equal(t, model.PhaseAnalyzing, r.Phase())
	assert.Len(t, h.events.ByType(constants.EventReconciled), 1)

	// trading resumes on the next crossing
	for _, p := range []float64{2980, 2990, 3010, 3015} {
		h.tick(r, p)
	}
	assert.Equal(t, model.PhasePositionHeld, r.Phase())
}

func TestRunner_StartRejectsUnknownInstrument(t *testing.T) {
	h := newHarness(10000)
	r, err := NewRunner(model.Strategy{Name: name, Instrument: "DOGE-PERP", Decider: model.DeciderThreshold, Config: crossAbove3000}, h.deps(), settings())
	require.NoError(t, err)

	require.Error(t, r.Start(context.Background()))
	assert.Equal(t, model.PhaseIdle, r.Phase())
}

func TestRunner_StatusShowsIndicators(t *testing.T) {
	h := newHarness(10000)
	r := h.runner(t)
	require.NoError(t, r.Start(context.Background()))
	h.tick(r, 2990)
	h.tick(r, 2995)

	st := r.Status()
	assert.Equal(t, name, st.StrategyName)
	assert.Equal(t, model.PhaseAnalyzing, st.Phase)
	assert.Equal(t, 1, st.CandleCount)
	assert.Equal(t, 2990.0, st.LastClose)
	assert.Equal(t, 3000.0, st.Indicators["trigger_price"])
	assert.Equal(t, -10.0, st.Indicators["distance_to_trigger"])
}
