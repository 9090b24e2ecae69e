package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/model"
)

func bars(closes ...float64) []model.Candle {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{Start: start.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Closed: true}
	}
	return out
}

func TestNewDecider(t *testing.T) {
	d, err := NewDecider(model.Strategy{Decider: model.DeciderThreshold, Config: crossAbove3000})
	require.NoError(t, err)
	assert.IsType(t, &ThresholdDecider{}, d)

	d, err = NewDecider(model.Strategy{Decider: model.DeciderBreakout})
	require.NoError(t, err)
	assert.Equal(t, 21, d.MinCandles(), "default lookback")

	_, err = NewDecider(model.Strategy{Decider: model.DeciderThreshold, Config: []byte(`{`)})
	assert.Error(t, err)

	_, err = NewDecider(model.Strategy{Decider: "grid"})
	assert.Error(t, err)
}

func TestThresholdDecider_Validation(t *testing.T) {
	cases := []model.ThresholdConfig{
		{TriggerPrice: 0, Operator: ">", Side: model.SideLong, StopPct: 1},
		{TriggerPrice: 3000, Operator: "==", Side: model.SideLong, StopPct: 1},
		{TriggerPrice: 3000, Operator: ">", Side: "flat", StopPct: 1},
		{TriggerPrice: 3000, Operator: ">", Side: model.SideLong, StopPct: 0},
		{TriggerPrice: 3000, Operator: ">", Side: model.SideLong, StopPct: 1, RewardRatio: -1},
	}
	for _, c := range cases {
		_, err := NewThresholdDecider(c)
		assert.Error(t, err, "%+v", c)
	}
}

func TestThresholdDecider_FiresOnCrossingOnly(t *testing.T) {
	d, err := NewThresholdDecider(model.ThresholdConfig{TriggerPrice: 3000, Operator: ">", Side: model.SideLong, StopPct: 1})
	require.NoError(t, err)

	assert.Nil(t, d.Decide(bars(3010)), "needs two bars")
	assert.Nil(t, d.Decide(bars(2990, 2995)))
	assert.Nil(t, d.Decide(bars(3005, 3010)), "already beyond the trigger")

	sig := d.Decide(bars(2990, 3010))
	require.NotNil(t, sig)
	assert.Equal(t, model.SideLong, sig.Side)
	assert.Equal(t, 3010.0, sig.EntryPrice)
	assert.InDelta(t, 2979.9, sig.StopPrice, 1e-9)
	assert.InDelta(t, 3070.2, sig.TargetPrice, 1e-9, "default reward ratio is 2")
	assert.Equal(t, "threshold", sig.Meta["decider"])
}

func TestThresholdDecider_Short(t *testing.T) {
	d, err := NewThresholdDecider(model.ThresholdConfig{TriggerPrice: 2000, Operator: "<=", Side: model.SideShort, StopPct: 2, RewardRatio: 1.5})
	require.NoError(t, err)

	sig := d.Decide(bars(2010, 2000))
	require.NotNil(t, sig)
	assert.Equal(t, model.SideShort, sig.Side)
	assert.InDelta(t, 2040, sig.StopPrice, 1e-9)
	assert.InDelta(t, 1940, sig.TargetPrice, 1e-9)
}

func TestBreakoutDecider(t *testing.T) {
	d, err := NewBreakoutDecider(model.BreakoutConfig{Lookback: 3, StopPct: 1, RewardRatio: 3, AllowShort: true})
	require.NoError(t, err)
	assert.Equal(t, 4, d.MinCandles())

	assert.Nil(t, d.Decide(bars(100, 101, 102)), "not enough bars")
	assert.Nil(t, d.Decide(bars(100, 102, 101, 101.5)), "inside the range")

	sig := d.Decide(bars(100, 102, 101, 103))
	require.NotNil(t, sig)
	assert.Equal(t, model.SideLong, sig.Side)
	assert.InDelta(t, 103-1.03, sig.StopPrice, 1e-9)
	assert.InDelta(t, 103+3*1.03, sig.TargetPrice, 1e-9)
	assert.Equal(t, 102.0, sig.Meta["range_high"])

	sig = d.Decide(bars(100, 102, 101, 99))
	require.NotNil(t, sig)
	assert.Equal(t, model.SideShort, sig.Side)

	ind := d.Indicators(bars(100, 102, 101, 99))
	assert.Equal(t, map[string]float64{"range_high": 102, "range_low": 100}, ind)
}

func TestBreakoutDecider_LongOnlyIgnoresBreakdown(t *testing.T) {
	d, err := NewBreakoutDecider(model.BreakoutConfig{Lookback: 2})
	require.NoError(t, err)
	assert.Nil(t, d.Decide(bars(100, 101, 90)))

	_, err = NewBreakoutDecider(model.BreakoutConfig{Lookback: 1})
	assert.Error(t, err)
}

func TestCandleBuilder(t *testing.T) {
	b := NewCandleBuilder(time.Minute, 3)
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	tick := func(offset time.Duration, last, mark float64) bool {
		return b.Add(model.Tick{Instrument: eth, LastPrice: last, MarkPrice: mark, Timestamp: t0.Add(offset)})
	}

	assert.False(t, tick(0, 100, 0))
	assert.False(t, tick(10*time.Second, 105, 0))
	assert.False(t, tick(20*time.Second, 0, 95), "mark price is used without a last price")
	assert.False(t, tick(30*time.Second, 0, 0), "no price is ignored")
	assert.False(t, tick(50*time.Second, 101, 0))
	assert.Equal(t, 0, b.Len(), "the forming bar is not exposed")

	assert.True(t, tick(70*time.Second, 102, 0))
	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, model.Candle{Start: t0, Open: 100, High: 105, Low: 95, Close: 101, Ticks: 4, Closed: true}, last)

	assert.False(t, tick(65*time.Second, 110, 0), "out of order ticks fold into the current bar")
	assert.True(t, tick(2*time.Minute, 102, 0))
	last, _ = b.Last()
	assert.Equal(t, 110.0, last.High)
	assert.Equal(t, 110.0, last.Close)

	for i := 3; i <= 5; i++ {
		assert.True(t, tick(time.Duration(i)*time.Minute, float64(100+i), 0))
	}
	closed := b.Closed()
	require.Len(t, closed, 3, "buffer is bounded")
	assert.Equal(t, t0.Add(2*time.Minute), closed[0].Start)
}
