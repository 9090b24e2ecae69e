// Package recovery resolves divergence between local trade records and the venue, at
// startup and periodically while a position is believed held.
package recovery

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"bracketbot.com/internal/bracket"
	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/metrics"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/venue"
)

// Case is one of the four reconciliation outcomes.
type Case string

const (
	CaseConsistent     Case = "consistent"      // local open, venue open
	CaseGhostTrade     Case = "ghost_trade"     // local open, venue flat
	CaseOrphanPosition Case = "orphan_position" // local absent, venue open
	CaseCleanSlate     Case = "clean_slate"     // local absent, venue flat
)

// Resolution is what one reconciliation pass decided and did.
type Resolution struct {
	Case Case
	// Trade is the open record to keep monitoring (consistent, orphan position) or the
	// record that was closed (ghost trade). Nil for a clean slate.
	Trade    *model.TradeRecord
	Position *model.Position

	// Duplicates are extra open records for the same strategy, closed as ghosts.
	Duplicates        []string
	IncompleteBracket bool
	Cleanup           *bracket.CleanupReport
	Swept             []string
	Orphans           []string
}

// HoldsPosition reports whether the strategy should resume monitoring a position.
func (r *Resolution) HoldsPosition() bool {
	return r.Case == CaseConsistent || r.Case == CaseOrphanPosition
}

// Options configures a Reconciler.
type Options struct {
	Currency     string
	ReadAttempts uint
	ReadBackoff  time.Duration
	// Budget bounds one reconciliation pass.
	Budget time.Duration
}

// Reconciler compares local open records with the venue position for one strategy.
type Reconciler struct {
	trades   domain.TradeStore
	venue    domain.VenueClient
	brackets *bracket.Manager
	events   event.Publisher
	opts     Options
	now      func() time.Time
}

func NewReconciler(trades domain.TradeStore, v domain.VenueClient, brackets *bracket.Manager, events event.Publisher, opts Options) *Reconciler {
	if opts.ReadAttempts == 0 {
		opts.ReadAttempts = 3
	}
	if opts.ReadBackoff <= 0 {
		opts.ReadBackoff = 200 * time.Millisecond
	}
	if opts.Budget <= 0 {
		opts.Budget = 8 * time.Second
	}
	if events == nil {
		events = event.Discard{}
	}
	return &Reconciler{trades: trades, venue: v, brackets: brackets, events: events, opts: opts, now: time.Now}
}

// Reconcile classifies the strategy into one of the four cases and repairs local records
// accordingly. An error means venue or store state could not be established; nothing is
// classified in that case and the caller must not trade.
func (r *Reconciler) Reconcile(ctx context.Context, strategy, instrument string) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Budget)
	defer cancel()

	local, err := r.trades.Query(ctx, model.TradeFilter{StrategyName: strategy, Instrument: instrument, Status: model.TradeStatusOpen})
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades for %s: %w", strategy, err)
	}
	pos, err := r.position(ctx, instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to read venue position for %s: %w", instrument, err)
	}

	res := &Resolution{Position: pos}

	// Query returns newest first; anything beyond the newest record cannot be backed by
	// the single venue position.
	if len(local) > 1 {
		for _, extra := range local[1:] {
			if err := r.closeGhost(ctx, extra, "duplicate open record"); err != nil {
				return nil, err
			}
			res.Duplicates = append(res.Duplicates, extra.ID)
		}
		local = local[:1]
	}

	switch {
	case len(local) == 1 && pos != nil:
		res.Case = CaseConsistent
		res.Trade = local[0]
		if err := r.checkProtection(ctx, res); err != nil {
			return nil, err
		}

	case len(local) == 1:
		res.Case = CaseGhostTrade
		trade := local[0]
		report, cerr := r.brackets.Cleanup(ctx, trade)
		res.Cleanup = report
		if report != nil {
			res.Orphans = report.Orphans
			res.Swept = report.Swept
		}
		if err := r.closeGhost(ctx, trade, ghostNote(trade, report)); err != nil {
			return nil, err
		}
		closed, err := r.trades.Get(ctx, trade.ID)
		if err != nil {
			return nil, err
		}
		res.Trade = closed
		if cerr != nil {
			// the record is closed; the sweep is repeated by the next pass
			log.Printf("CRITICAL Recovery: orphan sweep after ghost trade %s failed: %v", trade.ID, cerr)
		}

	case pos != nil:
		res.Case = CaseOrphanPosition
		trade, err := r.adoptPosition(ctx, strategy, pos)
		if err != nil {
			return nil, err
		}
		res.Trade = trade
		res.IncompleteBracket = !trade.HasProtection()

	default:
		res.Case = CaseCleanSlate
		swept, orphans, err := r.brackets.Sweep(ctx, strategy, instrument)
		if err != nil {
			log.Printf("Recovery: sweep on clean slate for %s failed: %v", instrument, err)
		}
		res.Swept, res.Orphans = swept, orphans
	}

	metrics.Reconciliations.WithLabelValues(string(res.Case)).Inc()
	r.events.Publish(event.Event{
		Type:       constants.EventReconciled,
		Strategy:   strategy,
		Instrument: instrument,
		Message:    fmt.Sprintf("reconciled as %s", res.Case),
		Metadata:   map[string]interface{}{"case": string(res.Case), "duplicates": len(res.Duplicates)},
	})
	log.Printf("Recovery: %s on %s reconciled as %s", strategy, instrument, res.Case)
	return res, nil
}

func (r *Reconciler) position(ctx context.Context, instrument string) (*model.Position, error) {
	var positions []model.Position
	err := venue.Retry(ctx, r.opts.ReadAttempts, r.opts.ReadBackoff, domain.IsTransient, func(ctx context.Context) error {
		var err error
		positions, err = r.venue.GetPositions(ctx, r.opts.Currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Instrument == instrument && positions[i].IsOpen() {
			p := positions[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) openOrders(ctx context.Context, instrument string) ([]model.Order, error) {
	var orders []model.Order
	err := venue.Retry(ctx, r.opts.ReadAttempts, r.opts.ReadBackoff, domain.IsTransient, func(ctx context.Context) error {
		var err error
		orders, err = r.venue.GetOpenOrders(ctx, instrument)
		return err
	})
	return orders, err
}

// checkProtection flags a consistent trade whose stop or target is not resting.
func (r *Reconciler) checkProtection(ctx context.Context, res *Resolution) error {
	trade := res.Trade
	var missing []string
	if trade.HasProtection() {
		orders, err := r.openOrders(ctx, trade.Instrument)
		if err != nil {
			return fmt.Errorf("failed to read open orders for %s: %w", trade.Instrument, err)
		}
		resting := make(map[string]bool, len(orders))
		for _, o := range orders {
			resting[o.OrderID] = true
		}
		if !resting[*trade.StopOrderID] {
			missing = append(missing, "stop")
		}
		if !resting[*trade.TargetOrderID] {
			missing = append(missing, "target")
		}
	} else {
		missing = []string{"order ids"}
	}
	if res.Position.Side() != trade.Side || !sameSize(res.Position.Size, trade.Quantity) {
		log.Printf("CRITICAL Recovery: trade %s records %s %v but venue holds %v on %s",
			trade.ID, trade.Side, trade.Quantity, res.Position.Size, trade.Instrument)
	}
	if len(missing) == 0 {
		return nil
	}

	res.IncompleteBracket = true
	cerr := &domain.ConsistencyError{
		Kind:       domain.ConsistencyIncompleteBracket,
		Instrument: trade.Instrument,
		Detail:     fmt.Sprintf("open trade %s is missing %v while the position is held", trade.ID, missing),
	}
	r.events.Publish(event.Event{
		Type:       constants.EventIncompleteBracket,
		Severity:   event.SeverityCritical,
		Strategy:   trade.StrategyName,
		Instrument: trade.Instrument,
		Message:    cerr.Error(),
		Data:       trade.ID,
	})
	if trade.NeedsReview {
		return nil
	}
	review := true
	note := "incomplete bracket detected by reconciliation"
	if err := r.trades.Update(ctx, trade.ID, model.TradeUpdate{NeedsReview: &review, Note: &note}); err != nil {
		return &domain.FatalError{Op: "flag incomplete bracket", Err: err}
	}
	trade.NeedsReview, trade.Note = true, note
	return nil
}

// closeGhost closes a record whose position no longer exists. No fill data is available,
// so the exit price is the entry price and the P&L is zero; the record is flagged for review.
func (r *Reconciler) closeGhost(ctx context.Context, trade *model.TradeRecord, note string) error {
	update := model.CloseUpdate(r.now(), trade.EntryPrice, model.ExitReconciliationCleanup, 0, 0)
	review := true
	update.NeedsReview = &review
	update.Note = &note
	if err := r.trades.Update(ctx, trade.ID, update); err != nil {
		return &domain.FatalError{Op: "close ghost trade " + trade.ID, Err: err}
	}

	cerr := &domain.ConsistencyError{
		Kind:       domain.ConsistencyGhostTrade,
		Instrument: trade.Instrument,
		Detail:     fmt.Sprintf("trade %s was open locally but the venue holds no position (%s)", trade.ID, note),
	}
	log.Printf("CRITICAL Recovery: %v", cerr)

	closed := trade.Clone()
	update.Apply(closed)
	r.events.Publish(event.Event{
		Type:       constants.EventGhostTrade,
		Severity:   event.SeverityCritical,
		Strategy:   trade.StrategyName,
		Instrument: trade.Instrument,
		Message:    cerr.Error(),
		Data:       trade.ID,
	})
	r.events.Publish(event.Event{
		Type:       constants.EventTradeClosed,
		Strategy:   trade.StrategyName,
		Instrument: trade.Instrument,
		Message:    "trade " + trade.ID + " closed by reconciliation",
		Data:       closed,
	})
	return nil
}

func ghostNote(trade *model.TradeRecord, report *bracket.CleanupReport) string {
	if report == nil {
		return "position gone while unobserved"
	}
	guess := InferExit(trade, report, 0)
	if guess.Reason == model.ExitManual {
		return "position gone while unobserved"
	}
	return fmt.Sprintf("position gone while unobserved; resting orders suggest %s near %.8g", guess.Reason, guess.Price)
}

// adoptPosition synthesizes an open record for a venue position nobody tracks. Protective
// orders left over from an interrupted placement are adopted when their labels match.
func (r *Reconciler) adoptPosition(ctx context.Context, strategy string, pos *model.Position) (*model.TradeRecord, error) {
	trade := &model.TradeRecord{
		ID:           uuid.NewString(),
		StrategyName: strategy,
		Instrument:   pos.Instrument,
		Side:         pos.Side(),
		Quantity:     math.Abs(pos.Size),
		EntryPrice:   pos.AveragePrice,
		Status:       model.TradeStatusOpen,
		EntryTime:    r.now(),
		NeedsReview:  true,
		Note:         "synthesized from an untracked venue position",
	}

	var tx bracket.TxID
	orders, err := r.openOrders(ctx, pos.Instrument)
	if err != nil {
		log.Printf("Recovery: could not list orders while adopting %s position: %v", pos.Instrument, err)
	}
	for _, o := range orders {
		id, role, ok := bracket.ParseLabel(o.Label)
		if !ok || !o.ReduceOnly {
			continue
		}
		switch role {
		case bracket.RoleStop:
			trade.StopOrderID, trade.StopPrice = model.Ptr(o.OrderID), o.Price
		case bracket.RoleTarget:
			trade.TargetOrderID, trade.TargetPrice = model.Ptr(o.OrderID), o.Price
		default:
			continue
		}
		tx = id
	}
	if tx == "" {
		tx = bracket.NewTxID()
	}
	trade.TxID = tx.String()
	trade.EntryOrderID = "reconciled-" + tx.String()

	if err := r.trades.Create(ctx, trade); err != nil {
		return nil, &domain.FatalError{Op: "record orphan position", Err: err}
	}

	cerr := &domain.ConsistencyError{
		Kind:       domain.ConsistencyOrphanPosition,
		Instrument: pos.Instrument,
		Detail: fmt.Sprintf("untracked position %v @ %.8g adopted as trade %s, protected=%t",
			pos.Size, pos.AveragePrice, trade.ID, trade.HasProtection()),
	}
	log.Printf("CRITICAL Recovery: %v", cerr)
	r.events.Publish(event.Event{
		Type:       constants.EventOrphanPosition,
		Severity:   event.SeverityCritical,
		Strategy:   strategy,
		Instrument: pos.Instrument,
		Message:    cerr.Error(),
		Data:       trade.Clone(),
	})
	return trade, nil
}

func sameSize(venueSize, qty float64) bool {
	return math.Abs(math.Abs(venueSize)-qty) <= 1e-9*math.Max(1, qty)
}
