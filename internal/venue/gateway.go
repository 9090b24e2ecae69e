package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/infra"
	"bracketbot.com/internal/model"
)

// Gateway command types.
const (
	CmdPlaceOrder     = "PLACE_ORDER"
	CmdCancelOrder    = "CANCEL_ORDER"
	CmdGetOpenOrders  = "GET_OPEN_ORDERS"
	CmdGetPositions   = "GET_POSITIONS"
	CmdGetConstraints = "GET_INSTRUMENT"
	CmdGetTicker      = "GET_TICKER"
	CmdGetEquity      = "GET_EQUITY"
	CmdSubscribe      = "SUBSCRIBE"
)

// Gateway error codes.
const (
	GatewayErrNotFound    = "not_found"
	GatewayErrTimeout     = "timeout"
	GatewayErrRateLimited = "rate_limited"
	GatewayErrRejected    = "rejected"
	GatewayErrUnavailable = "unavailable"
)

// GatewayClient talks to the venue gateway process over Redis: commands go onto
// venue_cmd_queue, each answer comes back on venue_reply:<request id>, ticks are
// published on market.<instrument>.
type GatewayClient struct {
	rdb     *redis.Client
	timeout time.Duration
}

var _ domain.VenueClient = (*GatewayClient)(nil)

func NewGatewayClient(rdb *redis.Client, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GatewayClient{rdb: rdb, timeout: timeout}
}

type instrumentPayload struct {
	Instrument string `json:"instrument,omitempty"`
	Currency   string `json:"currency,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
}

type orderIDPayload struct {
	OrderID string `json:"order_id"`
}

type equityPayload struct {
	Equity float64 `json:"equity"`
}

// request sends one command and decodes the reply payload into out (if non-nil).
func (c *GatewayClient) request(ctx context.Context, cmdType string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", cmdType, err)
	}
	cmd := infra.GatewayCommand{
		Type:      cmdType,
		RequestID: uuid.NewString(),
		Payload:   body,
	}
	if err := infra.SendGatewayCommand(ctx, c.rdb, cmd); err != nil {
		return &domain.TransientError{Op: cmdType, Err: fmt.Errorf("%w: %v", domain.ErrVenueDown, err)}
	}

	wait := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		return &domain.TransientError{Op: cmdType, Err: domain.ErrTimeout}
	}

	reply, err := infra.AwaitGatewayReply(ctx, c.rdb, cmd.RequestID, wait)
	if err != nil {
		if errors.Is(err, infra.ErrNoReply) || errors.Is(err, context.DeadlineExceeded) {
			return &domain.TransientError{Op: cmdType, Err: domain.ErrTimeout}
		}
		return &domain.TransientError{Op: cmdType, Err: err}
	}
	if !reply.OK {
		return replyError(cmdType, reply)
	}
	if out != nil && len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", cmdType, err)
		}
	}
	return nil
}

func replyError(op string, reply *infra.GatewayReply) error {
	switch reply.ErrorCode {
	case GatewayErrNotFound:
		return domain.ErrOrderNotFound
	case GatewayErrTimeout:
		return &domain.TransientError{Op: op, Err: domain.ErrTimeout}
	case GatewayErrRateLimited:
		return &domain.TransientError{Op: op, Err: domain.ErrRateLimited}
	case GatewayErrUnavailable:
		return &domain.TransientError{Op: op, Err: domain.ErrVenueDown}
	case GatewayErrRejected:
		return &domain.ValidationError{Field: op, Message: reply.Message}
	default:
		return fmt.Errorf("venue %s failed: %s %s", op, reply.ErrorCode, reply.Message)
	}
}

func (c *GatewayClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	var out orderIDPayload
	if err := c.request(ctx, CmdPlaceOrder, req, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("venue accepted %s without an order id", req.Label)
	}
	return out.OrderID, nil
}

func (c *GatewayClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.request(ctx, CmdCancelOrder, instrumentPayload{OrderID: orderID}, nil)
}

func (c *GatewayClient) GetOpenOrders(ctx context.Context, instrument string) ([]model.Order, error) {
	var out []model.Order
	err := c.request(ctx, CmdGetOpenOrders, instrumentPayload{Instrument: instrument}, &out)
	return out, err
}

func (c *GatewayClient) GetPositions(ctx context.Context, currency string) ([]model.Position, error) {
	var out []model.Position
	err := c.request(ctx, CmdGetPositions, instrumentPayload{Currency: currency}, &out)
	return out, err
}

func (c *GatewayClient) GetInstrumentConstraints(ctx context.Context, instrument string) (model.VenueConstraints, error) {
	var out model.VenueConstraints
	err := c.request(ctx, CmdGetConstraints, instrumentPayload{Instrument: instrument}, &out)
	return out, err
}

func (c *GatewayClient) GetTicker(ctx context.Context, instrument string) (model.Ticker, error) {
	var out model.Ticker
	err := c.request(ctx, CmdGetTicker, instrumentPayload{Instrument: instrument}, &out)
	return out, err
}

func (c *GatewayClient) GetEquity(ctx context.Context, currency string) (float64, error) {
	var out equityPayload
	err := c.request(ctx, CmdGetEquity, instrumentPayload{Currency: currency}, &out)
	return out.Equity, err
}

// SubscribeTicks asks the gateway to start publishing the instrument and subscribes to it.
func (c *GatewayClient) SubscribeTicks(ctx context.Context, instrument string) (<-chan model.Tick, error) {
	if err := c.request(ctx, CmdSubscribe, instrumentPayload{Instrument: instrument}, nil); err != nil {
		return nil, err
	}
	return infra.SubscribeMarketData(ctx, c.rdb, instrument)
}
