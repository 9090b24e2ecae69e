package infra

import (
	"log"

	"bracketbot.com/internal/model"
)

// TickHandler is implemented by components that consume ticks (the strategy executor).
type TickHandler interface {
	OnTick(tick model.Tick)
}

// TickDispatcher forwards one instrument feed to its handlers.
type TickDispatcher struct {
	handlers []TickHandler
}

func NewTickDispatcher(handlers ...TickHandler) *TickDispatcher {
	return &TickDispatcher{handlers: handlers}
}

// Run drains ticks until the channel closes. It should be run in a separate goroutine.
func (d *TickDispatcher) Run(ticks <-chan model.Tick) {
	for tick := range ticks {
		for _, h := range d.handlers {
			d.safeCall(h, tick)
		}
	}
}

func (d *TickDispatcher) safeCall(h TickHandler, tick model.Tick) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("TickDispatcher: Panic in OnTick for %s: %v", tick.Instrument, r)
		}
	}()
	h.OnTick(tick)
}
