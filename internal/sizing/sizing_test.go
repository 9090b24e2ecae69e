package sizing

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/model"
)

func btcConstraints() model.VenueConstraints {
	return model.VenueConstraints{
		Instrument:   "BTC-PERP",
		PriceTick:    0.5,
		QuantityStep: 0.00001,
		MinOrderSize: 0.00001,
		MaxLeverage:  100,
	}
}

func isMultiple(t *testing.T, qty, step float64) bool {
	t.Helper()
	return decimal.NewFromFloat(qty).Mod(decimal.NewFromFloat(step)).IsZero()
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var se *Error
	require.True(t, errors.As(err, &se), "expected *sizing.Error, got %v", err)
	assert.Equal(t, code, se.Code)
}

func TestCalculate_UnitEquityScenario(t *testing.T) {
	res, err := Calculate(Input{
		Equity:      1,
		Mode:        model.RiskModePercent,
		RiskValue:   5,
		EntryPrice:  50000,
		StopPrice:   49000,
		Constraints: btcConstraints(),
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.05, res.RiskAmount, 1e-12)
	assert.InDelta(t, 0.00005, res.Quantity, 1e-12)
	assert.InDelta(t, 2.5, res.Notional, 1e-9)
	assert.InDelta(t, 2.5, res.Leverage, 1e-9)
	assert.InDelta(t, 0.025, res.MarginRequired, 1e-9)
	assert.InDelta(t, 0.05, res.ExpectedLoss, 1e-12)
	assert.False(t, res.HasWarning(WarnLeverageCapped))
	assert.True(t, isMultiple(t, res.Quantity, 0.00001))
}

func TestCalculate_Validation(t *testing.T) {
	base := Input{
		Equity:      1000,
		Mode:        model.RiskModePercent,
		RiskValue:   1,
		EntryPrice:  100,
		StopPrice:   95,
		Constraints: model.VenueConstraints{QuantityStep: 0.01, MinOrderSize: 0.01, MaxLeverage: 20},
		Limits:      Limits{MaxRiskPercent: 10},
	}

	tests := []struct {
		name   string
		mutate func(in *Input)
		code   ErrorCode
	}{
		{"zero equity", func(in *Input) { in.Equity = 0 }, ErrInvalidEquity},
		{"negative entry", func(in *Input) { in.EntryPrice = -1 }, ErrInvalidEntry},
		{"zero stop", func(in *Input) { in.StopPrice = 0 }, ErrInvalidStop},
		{"stop equals entry", func(in *Input) { in.StopPrice = 100 }, ErrInvalidStop},
		{"zero risk", func(in *Input) { in.RiskValue = 0 }, ErrInvalidRisk},
		{"percent above cap", func(in *Input) { in.RiskValue = 11 }, ErrRiskTooLarge},
		{"percent above hundred without cap", func(in *Input) { in.Limits.MaxRiskPercent = 0; in.RiskValue = 101 }, ErrRiskTooLarge},
		{"fixed above half equity", func(in *Input) { in.Mode = model.RiskModeFixed; in.RiskValue = 501 }, ErrRiskTooLarge},
		{"unknown mode", func(in *Input) { in.Mode = "kelly" }, ErrInvalidRisk},
		{"missing step", func(in *Input) { in.Constraints.QuantityStep = 0 }, ErrInvalidConstraints},
		{"missing leverage", func(in *Input) { in.Constraints.MaxLeverage = 0 }, ErrInvalidConstraints},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			res, err := Calculate(in)
			assert.Nil(t, res)
			requireCode(t, err, tt.code)
		})
	}
}

func TestCalculate_FixedMode(t *testing.T) {
	res, err := Calculate(Input{
		Equity:      1000,
		Mode:        model.RiskModeFixed,
		RiskValue:   500,
		EntryPrice:  100,
		StopPrice:   110,
		Constraints: model.VenueConstraints{QuantityStep: 0.1, MinOrderSize: 0.1, MaxLeverage: 100},
	})
	require.NoError(t, err)
	assert.InDelta(t, 50, res.Quantity, 1e-9)
	assert.InDelta(t, 500, res.ExpectedLoss, 1e-9)
	assert.InDelta(t, 5, res.Leverage, 1e-9)
}

func TestCalculate_LeverageCap(t *testing.T) {
	res, err := Calculate(Input{
		Equity:      1000,
		Mode:        model.RiskModePercent,
		RiskValue:   5,
		EntryPrice:  50000,
		StopPrice:   49990,
		Constraints: model.VenueConstraints{QuantityStep: 0.001, MinOrderSize: 0.001, MaxLeverage: 20},
	})
	require.NoError(t, err)

	assert.True(t, res.HasWarning(WarnLeverageCapped))
	assert.InDelta(t, 0.4, res.Quantity, 1e-12)
	assert.LessOrEqual(t, res.Leverage, 20.0)
	assert.Less(t, res.ExpectedLoss, res.RiskAmount)
}

func TestCalculate_LeverageCapRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		maxLev := float64(1 + rng.Intn(50))
		entry := math.Round((100+rng.Float64()*60000)*100) / 100
		// stops so tight that risk sizing always implies leverage above the cap
		stop := entry - 0.01
		in := Input{
			Equity:      100 + rng.Float64()*10000,
			Mode:        model.RiskModePercent,
			RiskValue:   1 + rng.Float64()*4,
			EntryPrice:  entry,
			StopPrice:   stop,
			Constraints: model.VenueConstraints{QuantityStep: 0.0001, MinOrderSize: 0.0001, MaxLeverage: maxLev},
		}
		res, err := Calculate(in)
		if err != nil {
			requireCode(t, err, ErrBelowMinSize)
			continue
		}
		assert.True(t, res.HasWarning(WarnLeverageCapped), "scenario %d", i)
		assert.LessOrEqual(t, res.Leverage, maxLev, "scenario %d", i)
	}
}

func TestCalculate_RoundingAndMinimum(t *testing.T) {
	t.Run("rounds down to step", func(t *testing.T) {
		res, err := Calculate(Input{
			Equity:      1000,
			Mode:        model.RiskModePercent,
			RiskValue:   1,
			EntryPrice:  3000,
			StopPrice:   2970,
			Constraints: model.VenueConstraints{QuantityStep: 0.03, MinOrderSize: 0.03, MaxLeverage: 50},
		})
		require.NoError(t, err)
		// raw quantity 0.3333.. floors to 0.33
		assert.InDelta(t, 0.33, res.Quantity, 1e-12)
		assert.True(t, isMultiple(t, res.Quantity, 0.03))
	})

	t.Run("below minimum is rejected not zeroed", func(t *testing.T) {
		res, err := Calculate(Input{
			Equity:      10,
			Mode:        model.RiskModePercent,
			RiskValue:   1,
			EntryPrice:  50000,
			StopPrice:   49000,
			Constraints: model.VenueConstraints{QuantityStep: 0.001, MinOrderSize: 0.001, MaxLeverage: 100},
		})
		assert.Nil(t, res)
		requireCode(t, err, ErrBelowMinSize)
	})

	t.Run("above step but below min size", func(t *testing.T) {
		_, err := Calculate(Input{
			Equity:      1000,
			Mode:        model.RiskModePercent,
			RiskValue:   1,
			EntryPrice:  100,
			StopPrice:   90,
			Constraints: model.VenueConstraints{QuantityStep: 0.1, MinOrderSize: 5, MaxLeverage: 100},
		})
		requireCode(t, err, ErrBelowMinSize)
	})
}

func TestCalculate_Warnings(t *testing.T) {
	res, err := Calculate(Input{
		Equity:      1,
		Mode:        model.RiskModePercent,
		RiskValue:   5,
		EntryPrice:  50000,
		StopPrice:   49000,
		Constraints: btcConstraints(),
		Limits:      Limits{HighLeverageThreshold: 2, LargeStopFraction: 0.01},
	})
	require.NoError(t, err)
	assert.True(t, res.HasWarning(WarnHighLeverage))
	assert.True(t, res.HasWarning(WarnLargeStopDistance))

	res, err = Calculate(Input{
		Equity:      1,
		Mode:        model.RiskModePercent,
		RiskValue:   5,
		EntryPrice:  50000,
		StopPrice:   49000,
		Constraints: btcConstraints(),
		Limits:      Limits{HighLeverageThreshold: 10, LargeStopFraction: 0.05},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

// Realized loss at the stop must stay within 0.5% of equity of the requested risk.
func TestCalculate_AccuracyRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(20240601))
	checked := 0

	for i := 0; i < 2000; i++ {
		equity := math.Round((100+rng.Float64()*99900)*100) / 100
		riskPct := math.Round((0.1+rng.Float64()*4.9)*100) / 100
		entry := math.Round((10+rng.Float64()*99990)*100) / 100
		frac := 0.002 + rng.Float64()*0.098
		stop := math.Round(entry*(1-frac)*100) / 100
		if rng.Intn(2) == 0 {
			stop = math.Round(entry*(1+frac)*100) / 100
		}
		if stop == entry || stop <= 0 {
			continue
		}
		distance := math.Abs(entry - stop)
		step := math.Pow(10, math.Floor(math.Log10(0.001*equity/distance)))

		in := Input{
			Equity:     equity,
			Mode:       model.RiskModePercent,
			RiskValue:  riskPct,
			EntryPrice: entry,
			StopPrice:  stop,
			Constraints: model.VenueConstraints{
				QuantityStep: step,
				MinOrderSize: step,
				MaxLeverage:  125,
			},
		}
		res, err := Calculate(in)
		require.NoError(t, err, "scenario %d: %+v", i, in)
		require.True(t, isMultiple(t, res.Quantity, step), "scenario %d: qty %v step %v", i, res.Quantity, step)

		loss := res.Quantity * distance
		riskAmount := equity * riskPct / 100
		if res.HasWarning(WarnLeverageCapped) {
			assert.LessOrEqual(t, loss, riskAmount+1e-9, "scenario %d", i)
			continue
		}
		assert.LessOrEqual(t, math.Abs(loss-riskAmount), 0.005*equity, "scenario %d: %+v", i, in)
		assert.LessOrEqual(t, loss, riskAmount+1e-9, "rounding must never increase risk (scenario %d)", i)
		checked++
	}
	assert.GreaterOrEqual(t, checked, 1000)
}

func TestRoundPrice(t *testing.T) {
	assert.Equal(t, 100.5, RoundPrice(100.7, 0.5, RoundDown))
	assert.Equal(t, 101.0, RoundPrice(100.7, 0.5, RoundUp))
	assert.Equal(t, 100.5, RoundPrice(100.6, 0.5, RoundNearest))
	assert.Equal(t, 100.6, RoundPrice(100.6, 0, RoundNearest))
	assert.Equal(t, 0.123, RoundPrice(0.12345, 0.001, RoundDown))
}

func TestAlignBracket(t *testing.T) {
	entry, stop, target := AlignBracket(model.SideLong, 100.26, 98.74, 103.99, 0.5)
	assert.Equal(t, 100.5, entry)
	assert.Equal(t, 98.5, stop)
	assert.Equal(t, 103.5, target)

	entry, stop, target = AlignBracket(model.SideShort, 100.26, 101.74, 96.01, 0.5)
	assert.Equal(t, 100.5, entry)
	assert.Equal(t, 102.0, stop)
	assert.Equal(t, 96.5, target)
}
