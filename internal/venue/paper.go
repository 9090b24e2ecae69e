package venue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// Fault makes the paper venue fail matching calls. Op is one of the VenueClient method
// names ("PlaceOrder", "CancelOrder", "GetPositions", ...). For PlaceOrder a non-empty
// Type restricts the fault to that order type.
type Fault struct {
	Op   string
	Type model.OrderType
	Err  error
	// Times is the number of calls to fail; zero means every call.
	Times int
	// Apply executes the call before returning Err, like a request that reached the venue
	// but whose response was lost.
	Apply bool
}

// PaperVenue is an in-memory venue. Market orders fill at the last price, stop and
// take-profit orders rest and trigger on price updates.
type PaperVenue struct {
	mu          sync.Mutex
	constraints map[string]model.VenueConstraints
	prices      map[string]float64
	positions   map[string]*model.Position
	orders      map[string]*model.Order
	orderSeq    int
	equity      float64
	realized    float64
	faults      []*Fault
	calls       map[string]int
	cancelled   []string
	subs        map[string][]chan model.Tick
}

var _ domain.VenueClient = (*PaperVenue)(nil)

func NewPaperVenue(equity float64) *PaperVenue {
	return &PaperVenue{
		constraints: make(map[string]model.VenueConstraints),
		prices:      make(map[string]float64),
		positions:   make(map[string]*model.Position),
		orders:      make(map[string]*model.Order),
		equity:      equity,
		calls:       make(map[string]int),
		subs:        make(map[string][]chan model.Tick),
	}
}

// AddInstrument registers an instrument with its constraints and an initial price.
func (p *PaperVenue) AddInstrument(c model.VenueConstraints, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.constraints[c.Instrument] = c
	p.prices[c.Instrument] = price
}

// InjectFault queues a fault.
func (p *PaperVenue) InjectFault(f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, &f)
}

// ClearFaults removes all queued faults.
func (p *PaperVenue) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = nil
}

// Calls returns how many times op was invoked.
func (p *PaperVenue) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Cancelled returns the ids of every order successfully cancelled, in order.
func (p *PaperVenue) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

// SetPosition forces a position, as if opened outside this process.
func (p *PaperVenue) SetPosition(instrument string, size, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size == 0 {
		delete(p.positions, instrument)
		return
	}
	p.positions[instrument] = &model.Position{Instrument: instrument, Size: size, AveragePrice: avgPrice}
}

// AddRestingOrder inserts an order directly into the book and returns its id.
func (p *PaperVenue) AddRestingOrder(o model.Order) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.OrderID == "" {
		o.OrderID = p.nextID()
	}
	p.orders[o.OrderID] = &o
	return o.OrderID
}

// Position returns the current position for instrument, if any.
func (p *PaperVenue) Position(instrument string) (model.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[instrument]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// SetPrice moves the market, triggers resting orders and pushes a tick to subscribers.
func (p *PaperVenue) SetPrice(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
	p.triggerLocked(instrument, price)

	tick := model.Tick{Instrument: instrument, LastPrice: price, MarkPrice: price, Timestamp: time.Now()}
	for _, ch := range p.subs[instrument] {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (p *PaperVenue) nextID() string {
	p.orderSeq++
	return fmt.Sprintf("paper-%d", p.orderSeq)
}

// fault reports whether the call should still apply and the error of the first matching fault.
func (p *PaperVenue) fault(op string, typ model.OrderType) (bool, error) {
	p.calls[op]++
	for i, f := range p.faults {
		if f.Op != op || (f.Type != "" && f.Type != typ) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				p.faults = append(p.faults[:i], p.faults[i+1:]...)
			}
		}
		return f.Apply, f.Err
	}
	return false, nil
}

func (p *PaperVenue) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.TransientError{Op: "place_order", Err: domain.ErrTimeout}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	apply, ferr := p.fault("PlaceOrder", req.Type)
	if ferr != nil && !apply {
		return "", ferr
	}
	if _, ok := p.constraints[req.Instrument]; !ok {
		return "", &domain.ValidationError{Field: "instrument", Message: "unknown instrument " + req.Instrument}
	}
	if req.Quantity <= 0 {
		return "", &domain.ValidationError{Field: "quantity", Message: "must be positive"}
	}

	id := p.nextID()
	switch req.Type {
	case model.OrderTypeMarket:
		p.fillLocked(req.Instrument, req.Action, req.Quantity, p.prices[req.Instrument], req.ReduceOnly)
	default:
		p.orders[id] = &model.Order{
			OrderID:    id,
			Instrument: req.Instrument,
			Action:     req.Action,
			Type:       req.Type,
			Quantity:   req.Quantity,
			Price:      req.Price,
			ReduceOnly: req.ReduceOnly,
			Label:      req.Label,
		}
	}
	if ferr != nil {
		return "", ferr
	}
	return id, nil
}

func (p *PaperVenue) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	apply, ferr := p.fault("CancelOrder", "")
	if ferr != nil && !apply {
		return ferr
	}
	if _, ok := p.orders[orderID]; !ok {
		if ferr != nil {
			return ferr
		}
		return domain.ErrOrderNotFound
	}
	delete(p.orders, orderID)
	p.cancelled = append(p.cancelled, orderID)
	return ferr
}

func (p *PaperVenue) GetOpenOrders(ctx context.Context, instrument string) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.fault("GetOpenOrders", ""); err != nil {
		return nil, err
	}
	var out []model.Order
	for _, o := range p.orders {
		if instrument == "" || o.Instrument == instrument {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperVenue) GetPositions(ctx context.Context, currency string) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.fault("GetPositions", ""); err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperVenue) GetInstrumentConstraints(ctx context.Context, instrument string) (model.VenueConstraints, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.fault("GetInstrumentConstraints", ""); err != nil {
		return model.VenueConstraints{}, err
	}
	c, ok := p.constraints[instrument]
	if !ok {
		return model.VenueConstraints{}, &domain.ValidationError{Field: "instrument", Message: "unknown instrument " + instrument}
	}
	return c, nil
}

func (p *PaperVenue) GetTicker(ctx context.Context, instrument string) (model.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.fault("GetTicker", ""); err != nil {
		return model.Ticker{}, err
	}
	price, ok := p.prices[instrument]
	if !ok {
		return model.Ticker{}, &domain.ValidationError{Field: "instrument", Message: "unknown instrument " + instrument}
	}
	return model.Ticker{Instrument: instrument, LastPrice: price, MarkPrice: price}, nil
}

func (p *PaperVenue) GetEquity(ctx context.Context, currency string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.fault("GetEquity", ""); err != nil {
		return 0, err
	}
	return p.equity + p.realized, nil
}

func (p *PaperVenue) SubscribeTicks(ctx context.Context, instrument string) (<-chan model.Tick, error) {
	ch := make(chan model.Tick, 64)
	p.mu.Lock()
	p.subs[instrument] = append(p.subs[instrument], ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subs[instrument]
		for i, c := range subs {
			if c == ch {
				p.subs[instrument] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// triggerLocked fills resting stop and take-profit orders crossed by price.
func (p *PaperVenue) triggerLocked(instrument string, price float64) {
	for id, o := range p.orders {
		if o.Instrument != instrument {
			continue
		}
		var hit bool
		switch o.Type {
		case model.OrderTypeStopMarket:
			hit = (o.Action == model.ActionSell && price <= o.Price) || (o.Action == model.ActionBuy && price >= o.Price)
		case model.OrderTypeTakeLimit, model.OrderTypeLimit:
			hit = (o.Action == model.ActionSell && price >= o.Price) || (o.Action == model.ActionBuy && price <= o.Price)
		}
		if !hit {
			continue
		}
		if o.ReduceOnly {
			if _, open := p.positions[instrument]; !open {
				// reduce-only orders cannot fill without a position; they keep resting
				continue
			}
		}
		delete(p.orders, id)
		p.fillLocked(instrument, o.Action, o.Quantity, o.Price, o.ReduceOnly)
		log.Printf("PaperVenue: %s %s %s triggered at %.4f", instrument, o.Type, id, o.Price)
	}
}

// fillLocked applies a fill to the position book and books realized P&L.
func (p *PaperVenue) fillLocked(instrument string, action model.OrderAction, qty, price float64, reduceOnly bool) {
	delta := qty
	if action == model.ActionSell {
		delta = -qty
	}
	pos, ok := p.positions[instrument]
	if !ok {
		if reduceOnly {
			return
		}
		p.positions[instrument] = &model.Position{Instrument: instrument, Size: delta, AveragePrice: price}
		return
	}

	increasing := (pos.Size > 0) == (delta > 0)
	if increasing {
		if reduceOnly {
			return
		}
		total := pos.Size + delta
		pos.AveragePrice = (pos.AveragePrice*abs(pos.Size) + price*abs(delta)) / abs(total)
		pos.Size = total
		return
	}

	closing := abs(delta)
	if reduceOnly && closing > abs(pos.Size) {
		closing = abs(pos.Size)
	}
	if pos.Size > 0 {
		p.realized += (price - pos.AveragePrice) * minF(closing, pos.Size)
	} else {
		p.realized += (pos.AveragePrice - price) * minF(closing, -pos.Size)
	}

	remaining := abs(pos.Size) - closing
	switch {
	case remaining > 1e-12:
		if pos.Size > 0 {
			pos.Size = remaining
		} else {
			pos.Size = -remaining
		}
	case remaining < -1e-12:
		// flipped through zero
		flip := -remaining
		if delta < 0 {
			flip = -flip
		}
		p.positions[instrument] = &model.Position{Instrument: instrument, Size: flip, AveragePrice: price}
	default:
		delete(p.positions, instrument)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
