// Package metrics holds the Prometheus collectors updated by the trading core.
//
//   - bracket_orders_total{role}                 orders sent to the venue (entry|stop|target|flatten)
//   - bracket_placements_total{outcome}           success|blocked|rolled_back|orphaned
//   - bracket_cancels_total{result}               cancelled|not_found|failed
//   - bracket_orphans_total{kind}                 orphan escalations (order|position)
//   - bracket_reconciliations_total{case}         consistent|ghost_trade|orphan_position|clean_slate
//   - bracket_sizing_rejections_total{code}       typed sizing rejections
//   - bracket_trades_closed_total{reason}         closes by exit reason
//   - bracket_realized_pnl{strategy}              running realized P&L
//   - bracket_strategy_phase{strategy,phase}      1 for the current phase, 0 otherwise
//   - bracket_storage_durable                     1 when the durable backends are in use
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/model"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_orders_total",
			Help: "Orders sent to the venue by role",
		},
		[]string{"role"},
	)

	Placements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_placements_total",
			Help: "Bracket placement attempts by outcome",
		},
		[]string{"outcome"},
	)

	Cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_cancels_total",
			Help: "Cancel calls by result",
		},
		[]string{"result"},
	)

	Orphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_orphans_total",
			Help: "Orphan escalations requiring operator attention",
		},
		[]string{"kind"},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_reconciliations_total",
			Help: "Reconciliation resolutions by case",
		},
		[]string{"case"},
	)

	SizingRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_sizing_rejections_total",
			Help: "Position sizing rejections by error code",
		},
		[]string{"code"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_trades_closed_total",
			Help: "Closed trades by exit reason",
		},
		[]string{"reason"},
	)

	RealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bracket_realized_pnl",
			Help: "Realized P&L per strategy in quote currency",
		},
		[]string{"strategy"},
	)

	StrategyPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bracket_strategy_phase",
			Help: "Current lifecycle phase per strategy (1 = active phase)",
		},
		[]string{"strategy", "phase"},
	)

	StorageDurable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracket_storage_durable",
			Help: "1 when durable storage backends are in use, 0 in degraded in-memory mode",
		},
	)
)

var allPhases = []model.Phase{
	model.PhaseIdle, model.PhaseAnalyzing, model.PhaseSignalDetected, model.PhaseEnteringPosition,
	model.PhasePositionHeld, model.PhaseClosing, model.PhaseCooldown, model.PhaseStopped, model.PhaseError,
}

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		Placements,
		Cancels,
		Orphans,
		Reconciliations,
		SizingRejections,
		TradesClosed,
		RealizedPnL,
		StrategyPhase,
		StorageDurable,
	)
}

// SetPhase flips the phase gauge of one strategy.
func SetPhase(strategy string, phase model.Phase) {
	for _, p := range allPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		StrategyPhase.WithLabelValues(strategy, string(p)).Set(v)
	}
}

// EventHandler counts consistency events from the bus.
func EventHandler(_ context.Context, e event.Event) error {
	switch e.Type {
	case constants.EventOrphanOrder:
		Orphans.WithLabelValues("order").Inc()
	case constants.EventOrphanPosition:
		Orphans.WithLabelValues("position").Inc()
	case constants.EventTradeClosed:
		if tr, ok := e.Data.(*model.TradeRecord); ok && tr.ExitReason != nil {
			TradesClosed.WithLabelValues(string(*tr.ExitReason)).Inc()
			if tr.PnL != nil {
				RealizedPnL.WithLabelValues(tr.StrategyName).Add(*tr.PnL)
			}
		}
	}
	return nil
}
