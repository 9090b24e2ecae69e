package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

func newRunnerOn(t *testing.T, h *harness, strategy, instrument string) *Runner {
	t.Helper()
	r, err := NewRunner(model.Strategy{Name: strategy, Instrument: instrument, Decider: model.DeciderThreshold, Config: crossAbove3000}, h.deps(), settings())
	require.NoError(t, err)
	return r
}

func priceOf(r *Runner) func() bool {
	return func() bool { return r.Status().ReferencePrice > 0 }
}

func TestExecutor_RoutesByInstrument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(10000)
	e := NewExecutor(ctx)
	defer e.Shutdown()

	ethRunner := newRunnerOn(t, h, "eth-alpha", eth)
	btcRunner := newRunnerOn(t, h, "btc-alpha", "BTC-PERP")
	require.NoError(t, e.Add(ethRunner))
	require.NoError(t, e.Add(btcRunner))
	assert.ErrorIs(t, e.Add(newRunnerOn(t, h, "eth-alpha", eth)), domain.ErrAlreadyExists)

	assert.Equal(t, []string{"BTC-PERP", eth}, e.GetSymbols())
	names := []string{}
	for _, r := range e.Runners() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"btc-alpha", "eth-alpha"}, names)

	e.OnTick(model.Tick{Instrument: eth, LastPrice: 3001, Timestamp: time.Now()})
	require.Eventually(t, priceOf(ethRunner), time.Second, 5*time.Millisecond)
	assert.Zero(t, btcRunner.Status().ReferencePrice)

	got, ok := e.Runner("btc-alpha")
	require.True(t, ok)
	assert.Same(t, btcRunner, got)

	assert.Same(t, btcRunner, e.Remove("btc-alpha"))
	assert.Nil(t, e.Remove("btc-alpha"))
	_, ok = e.Runner("btc-alpha")
	assert.False(t, ok)
	assert.Equal(t, []string{eth}, e.GetSymbols())

	e.OnTick(model.Tick{Instrument: "BTC-PERP", LastPrice: 90000, Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, btcRunner.Status().ReferencePrice, "removed runners get no ticks")
}

func TestExecutor_CoalescesTicksForBusyRunner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(10000)
	e := NewExecutor(ctx)
	defer e.Shutdown()

	r := newRunnerOn(t, h, name, eth)
	require.NoError(t, e.Add(r))

	// hold the runner busy while ticks arrive
	r.op.Lock()
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		e.OnTick(model.Tick{Instrument: eth, LastPrice: float64(2900 + i), Timestamp: start.Add(time.Duration(i) * time.Minute)})
	}
	r.op.Unlock()

	require.Eventually(t, func() bool { return r.Status().ReferencePrice == 2949 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, r.Status().CandleCount, 1, "intermediate ticks were dropped, not queued")
}

func TestExecutor_ShutdownStopsDelivery(t *testing.T) {
	h := newHarness(10000)
	e := NewExecutor(context.Background())
	r := newRunnerOn(t, h, name, eth)
	require.NoError(t, e.Add(r))

	e.Shutdown()
	assert.Empty(t, e.Runners())
	assert.Empty(t, e.GetSymbols())

	e.OnTick(model.Tick{Instrument: eth, LastPrice: 3001, Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, r.Status().ReferencePrice)
}
