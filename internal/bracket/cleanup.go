package bracket

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"

	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/metrics"
	"bracketbot.com/internal/model"
)

// ObservationStatus is the result of one position check.
type ObservationStatus int

const (
	// ObserveSkipped means the check was rate limited; nothing is known.
	ObserveSkipped ObservationStatus = iota
	ObservePositionOpen
	ObservePositionClosed
)

func (s ObservationStatus) String() string {
	switch s {
	case ObservePositionOpen:
		return "open"
	case ObservePositionClosed:
		return "closed"
	}
	return "skipped"
}

// Observation is what one poll of the venue saw.
type Observation struct {
	Status    ObservationStatus
	Position  *model.Position
	CheckedAt time.Time
}

func (m *Manager) limiter(instrument string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[instrument]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.opts.ObserveInterval), 1)
		m.limiters[instrument] = l
	}
	return l
}

// Observe polls the venue for the trade's position. Polls for one instrument are limited to
// one per ObserveInterval, so a close is detected at most one interval (plus the caller's
// tick spacing) after it happens. Callers inside the window get ObserveSkipped.
func (m *Manager) Observe(ctx context.Context, trade *model.TradeRecord) (Observation, error) {
	if !m.limiter(trade.Instrument).Allow() {
		return Observation{Status: ObserveSkipped}, nil
	}
	return m.observeNow(ctx, trade.Instrument)
}

// ObserveNow polls immediately, bypassing the rate limit. Used by reconciliation.
func (m *Manager) ObserveNow(ctx context.Context, instrument string) (Observation, error) {
	return m.observeNow(ctx, instrument)
}

func (m *Manager) observeNow(ctx context.Context, instrument string) (Observation, error) {
	positions, err := m.venue.GetPositions(ctx, m.opts.Currency)
	if err != nil {
		return Observation{Status: ObserveSkipped}, err
	}
	obs := Observation{Status: ObservePositionClosed, CheckedAt: time.Now()}
	for i := range positions {
		if positions[i].Instrument == instrument && positions[i].IsOpen() {
			p := positions[i]
			obs.Status = ObservePositionOpen
			obs.Position = &p
			break
		}
	}
	return obs, nil
}

// CleanupReport describes what the by-id pass and the sweep found.
type CleanupReport struct {
	// StopGone / TargetGone are true when the protective order was no longer resting
	// (filled, or cancelled earlier) at cleanup time.
	StopGone   bool
	TargetGone bool

	Cancelled   []string // resting orders cancelled by id
	AlreadyGone []string // recorded orders the venue no longer had
	Swept       []string // reduce-only orders cancelled by the sweep
	Orphans     []string // orders that survived every attempt
}

// Cleanup removes whatever is left of a closed trade's bracket: first the recorded stop and
// target by id, then every reduce-only order on the instrument. It only returns nil after
// both passes ran. Orders that could not be cancelled are escalated and reported, not retried
// forever. Calling it again is harmless.
func (m *Manager) Cleanup(ctx context.Context, trade *model.TradeRecord) (*CleanupReport, error) {
	report := &CleanupReport{}

	byID := func(id *string) bool {
		if id == nil || *id == "" {
			return true
		}
		gone, err := m.cancel(ctx, *id)
		switch {
		case err != nil:
			report.Orphans = append(report.Orphans, *id)
			return false
		case gone:
			report.AlreadyGone = append(report.AlreadyGone, *id)
			return true
		default:
			report.Cancelled = append(report.Cancelled, *id)
			return false
		}
	}
	report.StopGone = byID(trade.StopOrderID)
	report.TargetGone = byID(trade.TargetOrderID)

	swept, orphans, err := m.Sweep(ctx, trade.StrategyName, trade.Instrument)
	report.Swept = swept
	for _, id := range orphans {
		if !contains(report.Orphans, id) {
			report.Orphans = append(report.Orphans, id)
		}
	}
	if err != nil {
		return report, fmt.Errorf("orphan sweep for %s: %w", trade.Instrument, err)
	}

	if len(report.Orphans) > 0 {
		m.escalateOrphans(trade.StrategyName, trade.Instrument, report.Orphans, "cleanup of trade "+trade.ID)
	}
	log.Printf("Bracket: cleanup of %s on %s: cancelled=%v gone=%v swept=%v orphans=%v",
		trade.ID, trade.Instrument, report.Cancelled, report.AlreadyGone, report.Swept, report.Orphans)
	return report, nil
}

// Sweep cancels every reduce-only order on the instrument, regardless of bookkeeping.
// It must only be called when no position is held there. Orders that survive all cancel
// attempts are returned as orphans; the caller escalates them.
func (m *Manager) Sweep(ctx context.Context, strategy, instrument string) (swept, orphans []string, err error) {
	orders, err := m.venue.GetOpenOrders(ctx, instrument)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range orders {
		if !o.ReduceOnly || o.Instrument != instrument {
			continue
		}
		gone, err := m.cancel(ctx, o.OrderID)
		if err != nil {
			orphans = append(orphans, o.OrderID)
			continue
		}
		if !gone {
			swept = append(swept, o.OrderID)
			if _, _, ours := ParseLabel(o.Label); !ours {
				log.Printf("Bracket: swept foreign reduce-only order %s (%q) on %s", o.OrderID, o.Label, instrument)
			}
		}
	}
	if len(swept) > 0 {
		m.events.Publish(event.Event{
			Type:       constants.EventOrderCanceled,
			Severity:   event.SeverityWarning,
			Strategy:   strategy,
			Instrument: instrument,
			Message:    fmt.Sprintf("orphan sweep cancelled %d reduce-only order(s)", len(swept)),
			Data:       swept,
		})
	}
	return swept, orphans, nil
}

// CloseAtMarket flattens any position on the instrument with a reduce-only market order.
// It reports whether a position was found.
func (m *Manager) CloseAtMarket(ctx context.Context, instrument string, tx TxID) (bool, error) {
	obs, err := m.observeNow(ctx, instrument)
	if err != nil {
		return false, err
	}
	if obs.Status != ObservePositionOpen {
		return false, nil
	}
	pos := obs.Position
	action := model.ActionSell
	if pos.Size < 0 {
		action = model.ActionBuy
	}
	if tx == "" {
		tx = NewTxID()
	}
	id, err := m.venue.PlaceOrder(ctx, model.OrderRequest{
		Instrument: instrument,
		Action:     action,
		Type:       model.OrderTypeMarket,
		Quantity:   math.Abs(pos.Size),
		ReduceOnly: true,
		Label:      tx.Label(RoleFlatten),
	})
	if err != nil {
		log.Printf("CRITICAL Bracket: failed to flatten %s position %v: %v", instrument, pos.Size, err)
		return true, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(RoleFlatten)).Inc()
	log.Printf("Bracket: flattened %s position %v with order %s", instrument, pos.Size, id)
	return true, nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
