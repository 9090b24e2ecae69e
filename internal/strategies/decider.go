package strategies

import (
	"fmt"

	json "github.com/goccy/go-json"

	"bracketbot.com/internal/model"
)

// Signal is an entry decision. Prices are raw; the runner aligns them to the venue tick.
type Signal struct {
	Side        model.Side
	EntryPrice  float64
	StopPrice   float64
	TargetPrice float64
	Meta        map[string]interface{}
}

// Decider is the pluggable decision function. It only ever sees closed bars, oldest first.
type Decider interface {
	// Decide returns nil when entry conditions are not met.
	Decide(candles []model.Candle) *Signal
	// MinCandles is the buffer size below which Decide is not consulted.
	MinCandles() int
	// Indicators feeds the "current phase + indicators" view.
	Indicators(candles []model.Candle) map[string]float64
}

// NewDecider 工厂方法: 根据策略定义创建对应的决策函数
func NewDecider(s model.Strategy) (Decider, error) {
	switch s.Decider {
	case model.DeciderThreshold:
		var cfg model.ThresholdConfig
		if err := json.Unmarshal(s.Config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse threshold config: %w", err)
		}
		return NewThresholdDecider(cfg)
	case model.DeciderBreakout:
		var cfg model.BreakoutConfig
		if len(s.Config) > 0 {
			if err := json.Unmarshal(s.Config, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse breakout config: %w", err)
			}
		}
		return NewBreakoutDecider(cfg)
	default:
		return nil, fmt.Errorf("unknown decider type: %q", s.Decider)
	}
}

// bracketAround puts the stop stopPct percent away from entry and the target rewardRatio
// stop-distances away on the other side.
func bracketAround(side model.Side, entry, stopPct, rewardRatio float64) (stop, target float64) {
	dist := entry * stopPct / 100
	if side == model.SideShort {
		return entry + dist, entry - dist*rewardRatio
	}
	return entry - dist, entry + dist*rewardRatio
}

func validDistances(stopPct, rewardRatio float64) error {
	if stopPct <= 0 || stopPct >= 100 {
		return fmt.Errorf("stop_pct must be between 0 and 100, got %v", stopPct)
	}
	if rewardRatio <= 0 {
		return fmt.Errorf("reward_ratio must be positive, got %v", rewardRatio)
	}
	return nil
}

// =======================
// 条件单: 收盘价穿越触发价
// =======================

type ThresholdDecider struct {
	cfg model.ThresholdConfig
}

func NewThresholdDecider(cfg model.ThresholdConfig) (*ThresholdDecider, error) {
	if cfg.RewardRatio == 0 {
		cfg.RewardRatio = 2
	}
	if cfg.TriggerPrice <= 0 {
		return nil, fmt.Errorf("trigger_price must be positive")
	}
	switch cfg.Operator {
	case ">", ">=", "<", "<=":
	default:
		return nil, fmt.Errorf("unsupported operator %q", cfg.Operator)
	}
	if cfg.Side != model.SideLong && cfg.Side != model.SideShort {
		return nil, fmt.Errorf("side must be long or short")
	}
	if err := validDistances(cfg.StopPct, cfg.RewardRatio); err != nil {
		return nil, err
	}
	return &ThresholdDecider{cfg: cfg}, nil
}

func (d *ThresholdDecider) match(price float64) bool {
	switch d.cfg.Operator {
	case ">":
		return price > d.cfg.TriggerPrice
	case ">=":
		return price >= d.cfg.TriggerPrice
	case "<":
		return price < d.cfg.TriggerPrice
	case "<=":
		return price <= d.cfg.TriggerPrice
	}
	return false
}

func (d *ThresholdDecider) MinCandles() int { return 2 }

// Decide fires on the bar whose close crosses the trigger, not on every bar beyond it.
func (d *ThresholdDecider) Decide(candles []model.Candle) *Signal {
	if len(candles) < 2 {
		return nil
	}
	last, prev := candles[len(candles)-1], candles[len(candles)-2]
	if !d.match(last.Close) || d.match(prev.Close) {
		return nil
	}
	stop, target := bracketAround(d.cfg.Side, last.Close, d.cfg.StopPct, d.cfg.RewardRatio)
	return &Signal{
		Side:        d.cfg.Side,
		EntryPrice:  last.Close,
		StopPrice:   stop,
		TargetPrice: target,
		Meta: map[string]interface{}{
			"decider":       string(model.DeciderThreshold),
			"trigger_price": d.cfg.TriggerPrice,
			"operator":      d.cfg.Operator,
			"bar_close":     last.Close,
			"bar_start":     last.Start,
		},
	}
}

func (d *ThresholdDecider) Indicators(candles []model.Candle) map[string]float64 {
	out := map[string]float64{"trigger_price": d.cfg.TriggerPrice}
	if n := len(candles); n > 0 {
		out["distance_to_trigger"] = candles[n-1].Close - d.cfg.TriggerPrice
	}
	return out
}

// =======================
// N 根 K 线突破
// =======================

type BreakoutDecider struct {
	cfg model.BreakoutConfig
}

func NewBreakoutDecider(cfg model.BreakoutConfig) (*BreakoutDecider, error) {
	if cfg.Lookback == 0 {
		cfg.Lookback = 20
	}
	if cfg.StopPct == 0 {
		cfg.StopPct = 1
	}
	if cfg.RewardRatio == 0 {
		cfg.RewardRatio = 2
	}
	if cfg.Lookback < 2 {
		return nil, fmt.Errorf("lookback must be at least 2, got %d", cfg.Lookback)
	}
	if err := validDistances(cfg.StopPct, cfg.RewardRatio); err != nil {
		return nil, err
	}
	return &BreakoutDecider{cfg: cfg}, nil
}

func (d *BreakoutDecider) MinCandles() int { return d.cfg.Lookback + 1 }

// rangeOf returns the high and low of the lookback bars preceding the last one.
func (d *BreakoutDecider) rangeOf(candles []model.Candle) (high, low float64, ok bool) {
	if len(candles) < d.cfg.Lookback+1 {
		return 0, 0, false
	}
	window := candles[len(candles)-1-d.cfg.Lookback : len(candles)-1]
	high, low = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low, true
}

func (d *BreakoutDecider) Decide(candles []model.Candle) *Signal {
	high, low, ok := d.rangeOf(candles)
	if !ok {
		return nil
	}
	last := candles[len(candles)-1]

	var side model.Side
	switch {
	case last.Close > high:
		side = model.SideLong
	case d.cfg.AllowShort && last.Close < low:
		side = model.SideShort
	default:
		return nil
	}
	stop, target := bracketAround(side, last.Close, d.cfg.StopPct, d.cfg.RewardRatio)
	return &Signal{
		Side:        side,
		EntryPrice:  last.Close,
		StopPrice:   stop,
		TargetPrice: target,
		Meta: map[string]interface{}{
			"decider":    string(model.DeciderBreakout),
			"lookback":   d.cfg.Lookback,
			"range_high": high,
			"range_low":  low,
			"bar_close":  last.Close,
			"bar_start":  last.Start,
		},
	}
}

func (d *BreakoutDecider) Indicators(candles []model.Candle) map[string]float64 {
	high, low, ok := d.rangeOf(candles)
	if !ok {
		return nil
	}
	return map[string]float64{"range_high": high, "range_low": low}
}
