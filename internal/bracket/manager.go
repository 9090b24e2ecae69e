// Package bracket places entry, stop and target orders as one unit and later cleans up
// whatever is left of that unit once the position is gone.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/metrics"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/venue"
)

// Options configures a Manager.
type Options struct {
	Currency        string
	PlacementBudget time.Duration
	CancelAttempts  uint
	CancelBackoff   time.Duration
	ObserveInterval time.Duration
}

func (o *Options) defaults() {
	if o.PlacementBudget <= 0 {
		o.PlacementBudget = 5 * time.Second
	}
	if o.CancelAttempts == 0 {
		o.CancelAttempts = 3
	}
	if o.CancelBackoff <= 0 {
		o.CancelBackoff = 200 * time.Millisecond
	}
	if o.ObserveInterval <= 0 {
		o.ObserveInterval = 2 * time.Second
	}
}

// Manager is safe for concurrent use by runners on different instruments.
type Manager struct {
	venue  domain.VenueClient
	events event.Publisher
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// gone maps order ids no longer resting to whether this manager cancelled them
	// (true) or the venue no longer knew them (false). Oldest ids are evicted first.
	gone      map[string]bool
	goneOrder []string
}

// goneLimit bounds the gone cache; it only has to outlive the cleanup retries of a trade.
const goneLimit = 4096

func NewManager(v domain.VenueClient, events event.Publisher, opts Options) *Manager {
	opts.defaults()
	if events == nil {
		events = event.Discard{}
	}
	return &Manager{
		venue:    v,
		events:   events,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		gone:     make(map[string]bool),
	}
}

// Request describes the bracket to place. Prices must already be aligned to the venue tick.
type Request struct {
	TradeID      string // optional, generated when empty
	StrategyName string
	Instrument   string
	Side         model.Side
	Quantity     float64
	EntryPrice   float64
	StopPrice    float64
	TargetPrice  float64
}

func (r Request) validate() error {
	switch {
	case r.Instrument == "":
		return &domain.ValidationError{Field: "instrument", Message: "required"}
	case r.Side != model.SideLong && r.Side != model.SideShort:
		return &domain.ValidationError{Field: "side", Message: "must be long or short"}
	case r.Quantity <= 0:
		return &domain.ValidationError{Field: "quantity", Message: "must be positive"}
	case r.StopPrice <= 0 || r.TargetPrice <= 0:
		return &domain.ValidationError{Field: "prices", Message: "stop and target are required"}
	}
	if r.Side == model.SideLong && !(r.StopPrice < r.EntryPrice && r.TargetPrice > r.EntryPrice) {
		return &domain.ValidationError{Field: "prices", Message: "long bracket needs stop < entry < target"}
	}
	if r.Side == model.SideShort && !(r.StopPrice > r.EntryPrice && r.TargetPrice < r.EntryPrice) {
		return &domain.ValidationError{Field: "prices", Message: "short bracket needs target < entry < stop"}
	}
	return nil
}

// Stage is the step of the placement sequence that failed.
type Stage string

const (
	StagePreflight Stage = "preflight"
	StageEntry     Stage = "entry"
	StageStop      Stage = "stop"
	StageTarget    Stage = "target"
	StageBudget    Stage = "budget"
)

// Blocking conditions reported before any capital is spent.
const (
	BlockedInvalidRequest = "invalid_request"
	BlockedOpenPosition   = "existing_open_position"
	BlockedOpenOrder      = "existing_open_order"
	BlockedVenueUnknown   = "venue_state_unknown"
)

// PlacementError is the typed outcome of a failed placement.
type PlacementError struct {
	TxID  TxID
	Stage Stage
	// Blocked is set when placement was refused before any order was sent.
	Blocked string
	Err     error

	RolledBack []string // order ids cancelled or confirmed gone during rollback
	Flattened  bool     // a filled entry was closed at market
	Orphans    []string // order ids (or position:<instrument>) that could not be removed
}

func (e *PlacementError) Error() string {
	var b strings.Builder
	if e.Blocked != "" {
		fmt.Fprintf(&b, "placement blocked (%s)", e.Blocked)
	} else {
		fmt.Fprintf(&b, "placement %s failed at %s", e.TxID, e.Stage)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Orphans) > 0 {
		fmt.Fprintf(&b, " [ORPHANS: %s]", strings.Join(e.Orphans, ","))
	}
	return b.String()
}

func (e *PlacementError) Unwrap() error { return e.Err }

// IsBlocked reports whether nothing was sent to the venue.
func (e *PlacementError) IsBlocked() bool { return e.Blocked != "" }

type placedOrder struct {
	role Role
	id   string
}

// Place runs pre-flight checks and then entry, stop and target in strict order within the
// placement budget. On any failure every placed order is rolled back and a filled entry is
// flattened. Only a fully protected trade is returned; it is not yet persisted.
func (m *Manager) Place(ctx context.Context, req Request) (*model.TradeRecord, error) {
	if err := req.validate(); err != nil {
		metrics.Placements.WithLabelValues("blocked").Inc()
		return nil, &PlacementError{Stage: StagePreflight, Blocked: BlockedInvalidRequest, Err: err}
	}

	budgetCtx, cancel := context.WithTimeout(ctx, m.opts.PlacementBudget)
	defer cancel()

	if perr := m.preflight(budgetCtx, req); perr != nil {
		metrics.Placements.WithLabelValues("blocked").Inc()
		m.events.Publish(event.Event{
			Type:       constants.EventPlacementBlocked,
			Severity:   event.SeverityWarning,
			Strategy:   req.StrategyName,
			Instrument: req.Instrument,
			Message:    perr.Error(),
			Metadata:   map[string]interface{}{"blocked": perr.Blocked},
		})
		return nil, perr
	}

	tx := NewTxID()
	var placed []placedOrder
	exit := req.Side.Opposite().OrderAction()

	steps := []struct {
		stage Stage
		role  Role
		req   model.OrderRequest
	}{
		{StageEntry, RoleEntry, model.OrderRequest{
			Instrument: req.Instrument, Action: req.Side.OrderAction(), Type: model.OrderTypeMarket,
			Quantity: req.Quantity, Label: tx.Label(RoleEntry),
		}},
		{StageStop, RoleStop, model.OrderRequest{
			Instrument: req.Instrument, Action: exit, Type: model.OrderTypeStopMarket,
			Quantity: req.Quantity, Price: req.StopPrice, ReduceOnly: true, Label: tx.Label(RoleStop),
		}},
		{StageTarget, RoleTarget, model.OrderRequest{
			Instrument: req.Instrument, Action: exit, Type: model.OrderTypeTakeLimit,
			Quantity: req.Quantity, Price: req.TargetPrice, ReduceOnly: true, Label: tx.Label(RoleTarget),
		}},
	}

	for _, step := range steps {
		if err := budgetCtx.Err(); err != nil {
			return nil, m.rollback(ctx, tx, req, StageBudget, fmt.Errorf("placement budget %s exceeded: %w", m.opts.PlacementBudget, err), placed)
		}
		id, err := m.venue.PlaceOrder(budgetCtx, step.req)
		if err != nil {
			stage := step.stage
			if budgetCtx.Err() != nil {
				stage = StageBudget
			}
			return nil, m.rollback(ctx, tx, req, stage, err, placed)
		}
		metrics.OrdersPlaced.WithLabelValues(string(step.role)).Inc()
		placed = append(placed, placedOrder{role: step.role, id: id})
		log.Printf("Bracket: %s %s placed %s order %s", req.Instrument, tx, step.role, id)
	}

	tradeID := req.TradeID
	if tradeID == "" {
		tradeID = uuid.NewString()
	}
	trade := &model.TradeRecord{
		ID:            tradeID,
		StrategyName:  req.StrategyName,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Quantity:      req.Quantity,
		EntryPrice:    req.EntryPrice,
		StopPrice:     req.StopPrice,
		TargetPrice:   req.TargetPrice,
		TxID:          tx.String(),
		EntryOrderID:  placed[0].id,
		StopOrderID:   model.Ptr(placed[1].id),
		TargetOrderID: model.Ptr(placed[2].id),
		Status:        model.TradeStatusOpen,
		EntryTime:     time.Now(),
	}

	metrics.Placements.WithLabelValues("success").Inc()
	m.events.Publish(event.Event{
		Type:       constants.EventPlacementSucceeded,
		Strategy:   req.StrategyName,
		Instrument: req.Instrument,
		Message:    fmt.Sprintf("bracket %s placed: %s %.8g @ %.8g stop %.8g target %.8g", tx, req.Side, req.Quantity, req.EntryPrice, req.StopPrice, req.TargetPrice),
		Data:       trade.Clone(),
	})
	return trade, nil
}

// preflight refuses to place when the instrument already has a position or any open order.
func (m *Manager) preflight(ctx context.Context, req Request) *PlacementError {
	positions, err := m.venue.GetPositions(ctx, m.opts.Currency)
	if err != nil {
		return &PlacementError{Stage: StagePreflight, Blocked: BlockedVenueUnknown, Err: err}
	}
	for _, p := range positions {
		if p.Instrument == req.Instrument && p.IsOpen() {
			return &PlacementError{
				Stage:   StagePreflight,
				Blocked: BlockedOpenPosition,
				Err:     fmt.Errorf("%s already has a position of %v", req.Instrument, p.Size),
			}
		}
	}

	orders, err := m.venue.GetOpenOrders(ctx, req.Instrument)
	if err != nil {
		return &PlacementError{Stage: StagePreflight, Blocked: BlockedVenueUnknown, Err: err}
	}
	if len(orders) > 0 {
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.OrderID)
		}
		return &PlacementError{
			Stage:   StagePreflight,
			Blocked: BlockedOpenOrder,
			Err:     fmt.Errorf("%s has open orders %s", req.Instrument, strings.Join(ids, ",")),
		}
	}
	return nil
}

// rollback cancels every placed order, flattens a filled entry and reports anything it
// could not remove. It runs on a context detached from the expired placement budget.
func (m *Manager) rollback(parent context.Context, tx TxID, req Request, stage Stage, cause error, placed []placedOrder) *PlacementError {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.opts.PlacementBudget)
	defer cancel()

	perr := &PlacementError{TxID: tx, Stage: stage, Err: cause}
	log.Printf("Bracket: %s %s failed at %s, rolling back %d order(s): %v", req.Instrument, tx, stage, len(placed), cause)

	for i := len(placed) - 1; i >= 0; i-- {
		o := placed[i]
		// a filled entry reports not-found here and is flattened below
		if _, err := m.cancel(ctx, o.id); err != nil {
			perr.Orphans = append(perr.Orphans, o.id)
			continue
		}
		perr.RolledBack = append(perr.RolledBack, o.id)
	}

	// The entry may have filled even when its own call failed, so the position is
	// checked regardless of which step broke.
	flattened, err := m.CloseAtMarket(ctx, req.Instrument, tx)
	if err != nil {
		perr.Orphans = append(perr.Orphans, "position:"+req.Instrument)
	}
	perr.Flattened = flattened && err == nil

	// A protective order whose response was lost rests on the venue without an id here.
	// Pre-flight saw no orders on the instrument, so every reduce-only order left belongs to
	// this attempt. While a position could not be flattened they are its only protection.
	if err == nil {
		swept, orphans, serr := m.Sweep(ctx, req.StrategyName, req.Instrument)
		for _, id := range swept {
			perr.Orphans = without(perr.Orphans, id)
			if !contains(perr.RolledBack, id) {
				perr.RolledBack = append(perr.RolledBack, id)
			}
		}
		for _, id := range orphans {
			if !contains(perr.Orphans, id) {
				perr.Orphans = append(perr.Orphans, id)
			}
		}
		if serr != nil {
			log.Printf("Bracket: %s %s rollback sweep failed: %v", req.Instrument, tx, serr)
			perr.Orphans = append(perr.Orphans, "orders:"+req.Instrument)
		}
	}

	outcome := "rolled_back"
	if len(perr.Orphans) > 0 {
		outcome = "orphaned"
		m.escalateOrphans(req.StrategyName, req.Instrument, perr.Orphans, fmt.Sprintf("rollback of %s", tx))
	}
	metrics.Placements.WithLabelValues(outcome).Inc()

	m.events.Publish(event.Event{
		Type:       constants.EventPlacementFailed,
		Severity:   event.SeverityWarning,
		Strategy:   req.StrategyName,
		Instrument: req.Instrument,
		Message:    perr.Error(),
		Metadata: map[string]interface{}{
			"tx_id":       tx.String(),
			"stage":       string(stage),
			"rolled_back": perr.RolledBack,
			"flattened":   flattened,
		},
	})
	return perr
}

// cancel cancels one order with bounded retries. gone is true when the venue no longer knew
// the order (filled or cancelled elsewhere), which counts as success. An order this manager
// already cancelled reports gone=false again without another venue call.
func (m *Manager) cancel(ctx context.Context, orderID string) (gone bool, err error) {
	if cancelledHere, known := m.knownGone(orderID); known {
		return !cancelledHere, nil
	}
	err = venue.Retry(ctx, m.opts.CancelAttempts, m.opts.CancelBackoff, func(err error) bool {
		return !errors.Is(err, domain.ErrOrderNotFound) && !domain.IsValidation(err)
	}, func(ctx context.Context) error {
		return m.venue.CancelOrder(ctx, orderID)
	})
	switch {
	case err == nil:
		metrics.Cancels.WithLabelValues("cancelled").Inc()
		m.markGone(orderID, true)
		m.events.Publish(event.Event{Type: constants.EventOrderCanceled, Message: "cancelled " + orderID, Data: orderID})
		return false, nil
	case errors.Is(err, domain.ErrOrderNotFound):
		metrics.Cancels.WithLabelValues("not_found").Inc()
		m.markGone(orderID, false)
		return true, nil
	default:
		metrics.Cancels.WithLabelValues("failed").Inc()
		log.Printf("Bracket: cancel %s failed after %d attempt(s): %v", orderID, m.opts.CancelAttempts, err)
		return false, err
	}
}

func (m *Manager) knownGone(id string) (cancelledHere, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelledHere, known = m.gone[id]
	return cancelledHere, known
}

func (m *Manager) markGone(id string, cancelledHere bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gone[id]; !ok {
		m.goneOrder = append(m.goneOrder, id)
	}
	m.gone[id] = cancelledHere
	for len(m.goneOrder) > goneLimit {
		delete(m.gone, m.goneOrder[0])
		m.goneOrder = m.goneOrder[1:]
	}
}

// goneCount reports the size of the gone cache.
func (m *Manager) goneCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gone)
}

// escalateOrphans logs and publishes every orphan as a critical alert.
func (m *Manager) escalateOrphans(strategy, instrument string, orphans []string, during string) {
	for _, id := range orphans {
		typ := constants.EventOrphanOrder
		kind := domain.ConsistencyOrphanOrder
		if strings.HasPrefix(id, "position:") {
			typ = constants.EventOrphanPosition
			kind = domain.ConsistencyOrphanPosition
		}
		cerr := &domain.ConsistencyError{Kind: kind, Instrument: instrument, Detail: fmt.Sprintf("%s could not be removed during %s; manual attention required", id, during)}
		m.events.Publish(event.Event{
			Type:       typ,
			Severity:   event.SeverityCritical,
			Strategy:   strategy,
			Instrument: instrument,
			Message:    cerr.Error(),
			Data:       id,
		})
	}
}
