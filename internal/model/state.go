package model

import "time"

// Phase is the lifecycle phase of a strategy instance.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAnalyzing        Phase = "analyzing"
	PhaseSignalDetected   Phase = "signal_detected"
	PhaseEnteringPosition Phase = "entering_position"
	PhasePositionHeld     Phase = "position_held"
	PhaseClosing          Phase = "closing"
	PhaseCooldown         Phase = "cooldown"
	PhaseStopped          Phase = "stopped"
	PhaseError            Phase = "error"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseAnalyzing, PhaseSignalDetected, PhaseEnteringPosition,
		PhasePositionHeld, PhaseClosing, PhaseCooldown, PhaseStopped, PhaseError:
		return true
	}
	return false
}

// Running reports whether the phase belongs to a started strategy.
func (p Phase) Running() bool {
	return p != PhaseIdle && p != PhaseStopped && p != PhaseError
}

// StrategySnapshot is the persisted state of one strategy instance. It is written on
// every transition and read once at startup.
type StrategySnapshot struct {
	StrategyName     string                 `json:"strategy_name"`
	Phase            Phase                  `json:"phase"`
	Instrument       string                 `json:"instrument"`
	ActiveTradeID    string                 `json:"active_trade_id,omitempty"`
	CooldownUntil    *time.Time             `json:"cooldown_until,omitempty"`
	SignalMeta       map[string]interface{} `json:"signal_meta,omitempty"`
	PositionLeftOpen bool                   `json:"position_left_open,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`
	Version          int64                  `json:"version"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Consistent checks the snapshot invariant: active trade id is set iff the phase is
// position-held.
func (s *StrategySnapshot) Consistent() bool {
	if s.Phase == PhasePositionHeld {
		return s.ActiveTradeID != ""
	}
	return s.ActiveTradeID == ""
}

// StrategyState is the in-memory state of one running strategy instance.
type StrategyState struct {
	StrategySnapshot
	ReferencePrice float64  `json:"reference_price"`
	Candles        []Candle `json:"-"`
	Initializing   bool     `json:"initializing"`
}

// StrategyStatusView is the read-only "current phase + indicators" view.
type StrategyStatusView struct {
	StrategyName   string             `json:"strategy_name"`
	Instrument     string             `json:"instrument"`
	Phase          Phase              `json:"phase"`
	Initializing   bool               `json:"initializing"`
	ReferencePrice float64            `json:"reference_price"`
	CandleCount    int                `json:"candle_count"`
	LastClose      float64            `json:"last_close"`
	ActiveTradeID  string             `json:"active_trade_id,omitempty"`
	CooldownUntil  *time.Time         `json:"cooldown_until,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Indicators     map[string]float64 `json:"indicators,omitempty"`
}
