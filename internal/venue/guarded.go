package venue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// GuardOptions configures Guarded.
type GuardOptions struct {
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second, zero disables throttling
	Burst          int
	ReadRetries    uint
	RetryBackoff   time.Duration
}

// Guarded wraps a VenueClient with throttling, per-call timeouts and bounded read retries.
// PlaceOrder and CancelOrder are never retried here: a retried placement could duplicate an
// order, and cancel retries belong to the cleanup path that knows the order is idempotent.
type Guarded struct {
	inner   domain.VenueClient
	limiter *rate.Limiter
	opts    GuardOptions
}

var _ domain.VenueClient = (*Guarded)(nil)

func NewGuarded(inner domain.VenueClient, opts GuardOptions) *Guarded {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(limit, opts.Burst),
		opts:    opts,
	}
}

// call waits for a token and runs fn under the request timeout, translating deadline
// expiry into a transient venue timeout.
func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &domain.TransientError{Op: op, Err: domain.ErrRateLimited}
	}
	if g.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.RequestTimeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientError{Op: op, Err: domain.ErrTimeout}
	}
	return err
}

func (g *Guarded) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return Retry(ctx, g.opts.ReadRetries, g.opts.RetryBackoff, domain.IsTransient, func(ctx context.Context) error {
		return g.call(ctx, op, fn)
	})
}

func (g *Guarded) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	var id string
	err := g.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		id, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return id, err
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	return g.call(ctx, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, orderID)
	})
}

func (g *Guarded) GetOpenOrders(ctx context.Context, instrument string) ([]model.Order, error) {
	var out []model.Order
	err := g.read(ctx, "get_open_orders", func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetOpenOrders(ctx, instrument)
		return err
	})
	return out, err
}

func (g *Guarded) GetPositions(ctx context.Context, currency string) ([]model.Position, error) {
	var out []model.Position
	err := g.read(ctx, "get_positions", func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetPositions(ctx, currency)
		return err
	})
	return out, err
}

func (g *Guarded) GetInstrumentConstraints(ctx context.Context, instrument string) (model.VenueConstraints, error) {
	var out model.VenueConstraints
	err := g.read(ctx, "get_instrument_constraints", func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetInstrumentConstraints(ctx, instrument)
		return err
	})
	return out, err
}

func (g *Guarded) GetTicker(ctx context.Context, instrument string) (model.Ticker, error) {
	var out model.Ticker
	err := g.read(ctx, "get_ticker", func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetTicker(ctx, instrument)
		return err
	})
	return out, err
}

func (g *Guarded) GetEquity(ctx context.Context, currency string) (float64, error) {
	var out float64
	err := g.read(ctx, "get_equity", func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetEquity(ctx, currency)
		return err
	})
	return out, err
}

func (g *Guarded) SubscribeTicks(ctx context.Context, instrument string) (<-chan model.Tick, error) {
	return g.inner.SubscribeTicks(ctx, instrument)
}
