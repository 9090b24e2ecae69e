package recovery

import (
	"context"
	"errors"
	"log"
	"time"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// LoadSnapshot reads the persisted snapshot of a strategy. A missing, unreadable or
// corrupted snapshot yields a fresh Idle snapshot; startup never fails on bad state.
// ok is false when the default was used.
func LoadSnapshot(ctx context.Context, states domain.StateStore, name, instrument string) (snap *model.StrategySnapshot, ok bool) {
	fresh := &model.StrategySnapshot{
		StrategyName: name,
		Phase:        model.PhaseIdle,
		Instrument:   instrument,
		UpdatedAt:    time.Now(),
	}

	loaded, err := states.Load(ctx, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fresh, false
	case err != nil:
		log.Printf("Recovery: snapshot of %s unreadable, starting from idle: %v", name, err)
		return fresh, false
	case !loaded.Phase.Valid():
		log.Printf("Recovery: snapshot of %s has unknown phase %q, starting from idle", name, loaded.Phase)
		return fresh, false
	}

	if loaded.StrategyName == "" {
		loaded.StrategyName = name
	}
	if loaded.Instrument != instrument && instrument != "" {
		log.Printf("Recovery: snapshot of %s was for %s, strategy now trades %s", name, loaded.Instrument, instrument)
		loaded.Instrument = instrument
	}
	if !loaded.Consistent() {
		// reconciliation decides the position question from the trade store
		log.Printf("Recovery: snapshot of %s is inconsistent (phase=%s trade=%q)", name, loaded.Phase, loaded.ActiveTradeID)
	}
	return loaded, true
}
