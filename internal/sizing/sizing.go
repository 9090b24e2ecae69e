// Package sizing converts a risk budget into a venue-valid order quantity.
//
// Quantity is derived from the distance between entry and stop so that a stop fill
// loses the requested risk amount; leverage is an output of that calculation and is
// only used to cap the quantity when the venue limit would be exceeded.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bracketbot.com/internal/model"
)

// ErrorCode identifies why a sizing request was rejected.
type ErrorCode string

const (
	ErrInvalidEquity      ErrorCode = "invalid_equity"
	ErrInvalidEntry       ErrorCode = "invalid_entry"
	ErrInvalidStop        ErrorCode = "invalid_stop"
	ErrInvalidRisk        ErrorCode = "invalid_risk"
	ErrRiskTooLarge       ErrorCode = "risk_too_large"
	ErrInvalidConstraints ErrorCode = "invalid_constraints"
	ErrBelowMinSize       ErrorCode = "below_min_size"
	ErrLeverageExceeded   ErrorCode = "leverage_exceeded"
)

// Error is a typed sizing rejection. It is never retried.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sizing %s: %s", e.Code, e.Message)
}

func reject(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WarningCode identifies a non-fatal sizing condition.
type WarningCode string

const (
	WarnLeverageCapped    WarningCode = "leverage_capped"
	WarnLargeStopDistance WarningCode = "large_stop_distance"
	WarnHighLeverage      WarningCode = "high_leverage"
)

type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Limits are the configurable guard rails around the algorithm.
type Limits struct {
	// MaxRiskPercent caps percent-mode risk. Zero means 100.
	MaxRiskPercent float64
	// LargeStopFraction warns when |entry-stop| exceeds this fraction of entry. Zero disables.
	LargeStopFraction float64
	// HighLeverageThreshold warns above this leverage. Zero disables.
	HighLeverageThreshold float64
}

// Input is one sizing request.
type Input struct {
	Equity      float64
	Mode        model.RiskMode
	RiskValue   float64
	EntryPrice  float64
	StopPrice   float64
	Constraints model.VenueConstraints
	Limits      Limits
}

// Result is the ephemeral PositionSizeResult. It is owned by the caller and never persisted.
type Result struct {
	Quantity       float64   `json:"quantity"`
	Notional       float64   `json:"notional"`
	Leverage       float64   `json:"leverage"`
	MarginRequired float64   `json:"margin_required"`
	RiskAmount     float64   `json:"risk_amount"`
	ExpectedLoss   float64   `json:"expected_loss"`
	Warnings       []Warning `json:"warnings,omitempty"`
}

// HasWarning reports whether the result carries the given warning.
func (r *Result) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// Calculate runs the sizing algorithm.
func Calculate(in Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	equity := decimal.NewFromFloat(in.Equity)
	entry := decimal.NewFromFloat(in.EntryPrice)
	stop := decimal.NewFromFloat(in.StopPrice)
	riskValue := decimal.NewFromFloat(in.RiskValue)
	step := decimal.NewFromFloat(in.Constraints.QuantityStep)
	minSize := decimal.NewFromFloat(in.Constraints.MinOrderSize)
	maxLev := decimal.NewFromFloat(in.Constraints.MaxLeverage)

	var riskAmount decimal.Decimal
	if in.Mode == model.RiskModeFixed {
		riskAmount = riskValue
	} else {
		riskAmount = equity.Mul(riskValue).Div(hundred)
	}

	distance := entry.Sub(stop).Abs()
	quantity := riskAmount.Div(distance)

	var warnings []Warning
	leverage := quantity.Mul(entry).Div(equity)
	if leverage.GreaterThan(maxLev) {
		quantity = equity.Mul(maxLev).Div(entry)
		msg := fmt.Sprintf("implied leverage %s exceeds venue max %s; size is leverage-bound, loss at stop will be below the risk amount",
			leverage.StringFixed(2), maxLev.String())
		warnings = append(warnings, Warning{Code: WarnLeverageCapped, Message: msg})
	}

	quantity = floorToStep(quantity, step)
	if quantity.LessThan(minSize) || quantity.IsZero() {
		return nil, reject(ErrBelowMinSize, "quantity %s below venue minimum %s", quantity.String(), minSize.String())
	}

	notional := quantity.Mul(entry)
	leverage = notional.Div(equity)
	if leverage.GreaterThan(maxLev) {
		return nil, reject(ErrLeverageExceeded, "leverage %s exceeds venue max %s after rounding", leverage.StringFixed(4), maxLev.String())
	}

	if in.Limits.LargeStopFraction > 0 {
		limit := entry.Mul(decimal.NewFromFloat(in.Limits.LargeStopFraction))
		if distance.GreaterThan(limit) {
			warnings = append(warnings, Warning{
				Code:    WarnLargeStopDistance,
				Message: fmt.Sprintf("stop distance %s is more than %.2f%% of entry", distance.String(), in.Limits.LargeStopFraction*100),
			})
		}
	}
	if in.Limits.HighLeverageThreshold > 0 && leverage.GreaterThan(decimal.NewFromFloat(in.Limits.HighLeverageThreshold)) {
		warnings = append(warnings, Warning{
			Code:    WarnHighLeverage,
			Message: fmt.Sprintf("leverage %s above soft threshold %.2f", leverage.StringFixed(2), in.Limits.HighLeverageThreshold),
		})
	}

	return &Result{
		Quantity:       quantity.InexactFloat64(),
		Notional:       notional.InexactFloat64(),
		Leverage:       leverage.InexactFloat64(),
		MarginRequired: notional.Div(maxLev).InexactFloat64(),
		RiskAmount:     riskAmount.InexactFloat64(),
		ExpectedLoss:   quantity.Mul(distance).InexactFloat64(),
		Warnings:       warnings,
	}, nil
}

func validate(in Input) error {
	if in.Equity <= 0 {
		return reject(ErrInvalidEquity, "equity must be positive, got %v", in.Equity)
	}
	if in.EntryPrice <= 0 {
		return reject(ErrInvalidEntry, "entry price must be positive, got %v", in.EntryPrice)
	}
	if in.StopPrice <= 0 || in.StopPrice == in.EntryPrice {
		return reject(ErrInvalidStop, "stop price must be positive and differ from entry, got %v", in.StopPrice)
	}
	if in.RiskValue <= 0 {
		return reject(ErrInvalidRisk, "risk value must be positive, got %v", in.RiskValue)
	}

	switch in.Mode {
	case model.RiskModePercent, "":
		maxPct := in.Limits.MaxRiskPercent
		if maxPct <= 0 || maxPct > 100 {
			maxPct = 100
		}
		if in.RiskValue > maxPct {
			return reject(ErrRiskTooLarge, "risk %.4f%% exceeds cap %.2f%%", in.RiskValue, maxPct)
		}
	case model.RiskModeFixed:
		if in.RiskValue > in.Equity/2 {
			return reject(ErrRiskTooLarge, "fixed risk %v exceeds half of equity %v", in.RiskValue, in.Equity)
		}
	default:
		return reject(ErrInvalidRisk, "unknown risk mode %q", in.Mode)
	}

	c := in.Constraints
	if c.QuantityStep <= 0 || c.MaxLeverage <= 0 || c.MinOrderSize < 0 {
		return reject(ErrInvalidConstraints, "venue constraints for %s are incomplete", c.Instrument)
	}
	return nil
}

// floorToStep rounds q down to an exact multiple of step.
func floorToStep(q, step decimal.Decimal) decimal.Decimal {
	return q.Div(step).Floor().Mul(step)
}

// RoundMode selects the direction RoundPrice rounds in.
type RoundMode int

const (
	RoundNearest RoundMode = iota
	RoundDown
	RoundUp
)

// RoundPrice rounds price to a multiple of tick. A non-positive tick leaves the price as is.
func RoundPrice(price, tick float64, mode RoundMode) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	n := p.Div(t)
	switch mode {
	case RoundDown:
		n = n.Floor()
	case RoundUp:
		n = n.Ceil()
	default:
		n = n.Round(0)
	}
	return n.Mul(t).InexactFloat64()
}

// AlignBracket rounds entry to the nearest tick, the stop away from the entry and the
// target toward it, so the protected distance never shrinks and the target stays reachable.
func AlignBracket(side model.Side, entry, stop, target, tick float64) (float64, float64, float64) {
	entry = RoundPrice(entry, tick, RoundNearest)
	if side == model.SideLong {
		return entry, RoundPrice(stop, tick, RoundDown), RoundPrice(target, tick, RoundDown)
	}
	return entry, RoundPrice(stop, tick, RoundUp), RoundPrice(target, tick, RoundUp)
}

