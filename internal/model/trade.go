package model

import (
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side that reduces a position of this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderAction 返回开仓方向对应的买卖动作
func (s Side) OrderAction() OrderAction {
	if s == SideLong {
		return ActionBuy
	}
	return ActionSell
}

// TradeStatus defines the lifecycle status of a trade record.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// ExitReason explains why a trade was closed.
type ExitReason string

const (
	ExitStopHit               ExitReason = "stop_hit"
	ExitTargetHit             ExitReason = "target_hit"
	ExitManual                ExitReason = "manual"
	ExitReconciliationCleanup ExitReason = "reconciliation_cleanup"
)

// TradeRecord is the audit trail of one attempted position.
// Records are never deleted, only closed.
type TradeRecord struct {
	ID           string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	StrategyName string `gorm:"index;not null" json:"strategy_name"`
	Instrument   string `gorm:"index;not null" json:"instrument"`

	// Intent
	Side        Side    `gorm:"type:varchar(8);not null" json:"side"`
	Quantity    float64 `gorm:"not null" json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price"`

	// Execution
	TxID          string  `gorm:"index;type:varchar(64)" json:"tx_id"`
	EntryOrderID  string  `gorm:"not null" json:"entry_order_id"`
	StopOrderID   *string `json:"stop_order_id,omitempty"`
	TargetOrderID *string `json:"target_order_id,omitempty"`

	// Lifecycle
	Status     TradeStatus `gorm:"type:varchar(8);index;not null" json:"status"`
	EntryTime  time.Time   `json:"entry_time"`
	ExitTime   *time.Time  `json:"exit_time,omitempty"`
	ExitPrice  *float64    `json:"exit_price,omitempty"`
	ExitReason *ExitReason `gorm:"type:varchar(32)" json:"exit_reason,omitempty"`
	PnL        *float64    `gorm:"column:pnl" json:"pnl,omitempty"`
	PnLPercent *float64    `gorm:"column:pnl_percent" json:"pnl_percent,omitempty"`

	// NeedsReview marks records whose numbers were inferred rather than observed.
	NeedsReview bool   `gorm:"default:false" json:"needs_review"`
	Note        string `json:"note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasProtection reports whether both protective order ids are recorded.
func (t *TradeRecord) HasProtection() bool {
	return t.StopOrderID != nil && *t.StopOrderID != "" &&
		t.TargetOrderID != nil && *t.TargetOrderID != ""
}

// IsOpen reports whether the record is still open.
func (t *TradeRecord) IsOpen() bool {
	return t.Status == TradeStatusOpen
}

// Clone returns a deep copy so stores never share pointers with callers.
func (t *TradeRecord) Clone() *TradeRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.StopOrderID = clonePtr(t.StopOrderID)
	c.TargetOrderID = clonePtr(t.TargetOrderID)
	c.ExitTime = clonePtr(t.ExitTime)
	c.ExitPrice = clonePtr(t.ExitPrice)
	c.ExitReason = clonePtr(t.ExitReason)
	c.PnL = clonePtr(t.PnL)
	c.PnLPercent = clonePtr(t.PnLPercent)
	return &c
}

// TradeUpdate carries a partial update of a trade record. Nil fields are left untouched.
type TradeUpdate struct {
	StopOrderID   *string
	TargetOrderID *string
	Status        *TradeStatus
	ExitTime      *time.Time
	ExitPrice     *float64
	ExitReason    *ExitReason
	PnL           *float64
	PnLPercent    *float64
	NeedsReview   *bool
	Note          *string
}

// Apply writes the non-nil fields of u into t.
func (u TradeUpdate) Apply(t *TradeRecord) {
	if u.StopOrderID != nil {
		t.StopOrderID = clonePtr(u.StopOrderID)
	}
	if u.TargetOrderID != nil {
		t.TargetOrderID = clonePtr(u.TargetOrderID)
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.ExitTime != nil {
		t.ExitTime = clonePtr(u.ExitTime)
	}
	if u.ExitPrice != nil {
		t.ExitPrice = clonePtr(u.ExitPrice)
	}
	if u.ExitReason != nil {
		t.ExitReason = clonePtr(u.ExitReason)
	}
	if u.PnL != nil {
		t.PnL = clonePtr(u.PnL)
	}
	if u.PnLPercent != nil {
		t.PnLPercent = clonePtr(u.PnLPercent)
	}
	if u.NeedsReview != nil {
		t.NeedsReview = *u.NeedsReview
	}
	if u.Note != nil {
		t.Note = *u.Note
	}
}

// Columns converts the update into a gorm column map.
func (u TradeUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.StopOrderID != nil {
		cols["stop_order_id"] = *u.StopOrderID
	}
	if u.TargetOrderID != nil {
		cols["target_order_id"] = *u.TargetOrderID
	}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.ExitTime != nil {
		cols["exit_time"] = *u.ExitTime
	}
	if u.ExitPrice != nil {
		cols["exit_price"] = *u.ExitPrice
	}
	if u.ExitReason != nil {
		cols["exit_reason"] = *u.ExitReason
	}
	if u.PnL != nil {
		cols["pnl"] = *u.PnL
	}
	if u.PnLPercent != nil {
		cols["pnl_percent"] = *u.PnLPercent
	}
	if u.NeedsReview != nil {
		cols["needs_review"] = *u.NeedsReview
	}
	if u.Note != nil {
		cols["note"] = *u.Note
	}
	return cols
}

// CloseUpdate builds the update that closes a trade.
func CloseUpdate(at time.Time, price float64, reason ExitReason, pnl, pnlPct float64) TradeUpdate {
	status := TradeStatusClosed
	return TradeUpdate{
		Status:     &status,
		ExitTime:   &at,
		ExitPrice:  &price,
		ExitReason: &reason,
		PnL:        &pnl,
		PnLPercent: &pnlPct,
	}
}

// TradeFilter selects trade records. Zero values mean "any".
type TradeFilter struct {
	StrategyName string
	Instrument   string
	Status       TradeStatus
	Limit        int
	Offset       int
}

// TradeStats is the aggregate view over closed trades.
type TradeStats struct {
	Closed   int     `json:"closed"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
