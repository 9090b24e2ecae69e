package model

import (
	"encoding/json"
	"time"
)

// DeciderType selects the pluggable entry decision function.
type DeciderType string

const (
	DeciderThreshold DeciderType = "threshold"
	DeciderBreakout  DeciderType = "breakout"
)

// StrategyStatus defines whether a strategy definition should be running.
type StrategyStatus string

const (
	StrategyStatusActive  StrategyStatus = "active"
	StrategyStatusStopped StrategyStatus = "stopped"
)

// RiskMode selects how the risk value is interpreted by the position sizer.
type RiskMode string

const (
	RiskModePercent RiskMode = "percent"
	RiskModeFixed   RiskMode = "fixed"
)

// Strategy is a persisted strategy definition.
type Strategy struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"uniqueIndex;not null" json:"name"`
	Instrument string `gorm:"index;not null" json:"instrument"`
	Currency   string `json:"currency"`

	// Decision function
	Decider DeciderType `json:"decider"`
	// Example for threshold: {"trigger_price": 3000, "operator": ">", "side": "long", "stop_pct": 1, "reward_ratio": 2}
	Config json.RawMessage `gorm:"type:text" json:"config"`

	// Risk overrides; zero values fall back to the global risk config.
	RiskMode  RiskMode `json:"risk_mode,omitempty"`
	RiskValue float64  `json:"risk_value,omitempty"`

	Status StrategyStatus `gorm:"index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThresholdConfig configures the condition-style decider: enter when a closed bar
// crosses TriggerPrice.
type ThresholdConfig struct {
	TriggerPrice float64 `json:"trigger_price"`
	Operator     string  `json:"operator"` // ">", ">=", "<", "<="
	Side         Side    `json:"side"`
	StopPct      float64 `json:"stop_pct"`     // stop distance in percent of entry
	RewardRatio  float64 `json:"reward_ratio"` // target distance = stop distance * ratio
}

// BreakoutConfig configures the N-bar breakout decider.
type BreakoutConfig struct {
	Lookback    int     `json:"lookback"`
	StopPct     float64 `json:"stop_pct"`
	RewardRatio float64 `json:"reward_ratio"`
	AllowShort  bool    `json:"allow_short"`
}
