package recovery

import (
	"context"
	"fmt"
	"log"
	"math"

	"bracketbot.com/internal/bracket"
	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/venue"
)

// Exit is the inferred close of a trade.
type Exit struct {
	Reason      model.ExitReason
	Price       float64
	NeedsReview bool
}

// InferExit decides why a trade's position is gone from what the cleanup pass found:
//
//	stop gone, target resting   -> stop_hit at the stop price
//	target gone, stop resting   -> target_hit at the target price
//	both resting                -> manual, at the last price
//	both gone                   -> whichever level is nearer the last price
//
// lastPrice <= 0 means no market price is known.
func InferExit(trade *model.TradeRecord, report *bracket.CleanupReport, lastPrice float64) Exit {
	stopKnown := trade.StopOrderID != nil && trade.StopPrice > 0
	targetKnown := trade.TargetOrderID != nil && trade.TargetPrice > 0
	stopGone := stopKnown && report.StopGone
	targetGone := targetKnown && report.TargetGone

	switch {
	case stopGone && !targetGone:
		return Exit{Reason: model.ExitStopHit, Price: trade.StopPrice}
	case targetGone && !stopGone:
		return Exit{Reason: model.ExitTargetHit, Price: trade.TargetPrice}
	case stopGone && targetGone && lastPrice > 0:
		if math.Abs(lastPrice-trade.StopPrice) <= math.Abs(lastPrice-trade.TargetPrice) {
			return Exit{Reason: model.ExitStopHit, Price: trade.StopPrice, NeedsReview: true}
		}
		return Exit{Reason: model.ExitTargetHit, Price: trade.TargetPrice, NeedsReview: true}
	}
	if lastPrice > 0 {
		return Exit{Reason: model.ExitManual, Price: lastPrice}
	}
	return Exit{Reason: model.ExitManual, Price: trade.EntryPrice, NeedsReview: true}
}

// PnL returns the realized profit and its percentage of entry notional.
func PnL(side model.Side, quantity, entry, exit float64) (pnl, pct float64) {
	pnl = (exit - entry) * quantity
	if side == model.SideShort {
		pnl = -pnl
	}
	if notional := entry * quantity; notional > 0 {
		pct = pnl / notional * 100
	}
	return pnl, pct
}

// CloseOut closes a trade whose position is gone and whose bracket has been cleaned up.
// The exit is inferred from the cleanup report, using the venue ticker when needed.
func (r *Reconciler) CloseOut(ctx context.Context, trade *model.TradeRecord, report *bracket.CleanupReport) (*model.TradeRecord, error) {
	var last float64
	if report == nil {
		report = &bracket.CleanupReport{}
	}
	if needsPrice(trade, report) {
		last = r.lastPrice(ctx, trade.Instrument)
	}
	return r.Close(ctx, trade, InferExit(trade, report, last), "")
}

// CloseManual closes a trade flattened by an operator stop at the current market price.
func (r *Reconciler) CloseManual(ctx context.Context, trade *model.TradeRecord, note string) (*model.TradeRecord, error) {
	exit := Exit{Reason: model.ExitManual, Price: r.lastPrice(ctx, trade.Instrument)}
	if exit.Price <= 0 {
		exit.Price, exit.NeedsReview = trade.EntryPrice, true
	}
	return r.Close(ctx, trade, exit, note)
}

// Close writes the exit fields and publishes trade.closed.
func (r *Reconciler) Close(ctx context.Context, trade *model.TradeRecord, exit Exit, note string) (*model.TradeRecord, error) {
	pnl, pct := PnL(trade.Side, trade.Quantity, trade.EntryPrice, exit.Price)
	update := model.CloseUpdate(r.now(), exit.Price, exit.Reason, pnl, pct)
	if exit.NeedsReview {
		review := true
		update.NeedsReview = &review
	}
	if note != "" {
		update.Note = &note
	}
	if err := r.trades.Update(ctx, trade.ID, update); err != nil {
		return nil, &domain.FatalError{Op: "close trade " + trade.ID, Err: err}
	}

	closed := trade.Clone()
	update.Apply(closed)
	log.Printf("Recovery: trade %s closed: %s @ %.8g pnl=%.8g (%.2f%%)", trade.ID, exit.Reason, exit.Price, pnl, pct)
	r.events.Publish(event.Event{
		Type:       constants.EventTradeClosed,
		Strategy:   trade.StrategyName,
		Instrument: trade.Instrument,
		Message:    fmt.Sprintf("trade %s closed: %s", trade.ID, exit.Reason),
		Data:       closed,
	})
	return closed, nil
}

func needsPrice(trade *model.TradeRecord, report *bracket.CleanupReport) bool {
	e := InferExit(trade, report, 0)
	return e.Reason == model.ExitManual || e.NeedsReview
}

// lastPrice returns the ticker's last price, or 0 when it cannot be read.
func (r *Reconciler) lastPrice(ctx context.Context, instrument string) float64 {
	var t model.Ticker
	err := venue.Retry(ctx, r.opts.ReadAttempts, r.opts.ReadBackoff, domain.IsTransient, func(ctx context.Context) error {
		var err error
		t, err = r.venue.GetTicker(ctx, instrument)
		return err
	})
	if err != nil {
		log.Printf("Recovery: ticker for %s unavailable: %v", instrument, err)
		return 0
	}
	if t.LastPrice > 0 {
		return t.LastPrice
	}
	return t.MarkPrice
}
