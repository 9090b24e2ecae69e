package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"bracketbot.com/internal/constants"
)

// GatewayCommand is one request sent to the venue gateway process.
// Direction: Go -> gateway. Action: RPUSH, the gateway LPOPs.
type GatewayCommand struct {
	Type      string          `json:"type"` // e.g. "PLACE_ORDER", "CANCEL_ORDER", "GET_POSITIONS"
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// GatewayReply is the gateway's answer, pushed onto venue_reply:<RequestID>.
type GatewayReply struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	ErrorCode string          `json:"error_code,omitempty"` // not_found | timeout | rate_limited | rejected | unavailable
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrNoReply is returned when the gateway does not answer within the wait.
var ErrNoReply = errors.New("gateway reply timed out")

// SendGatewayCommand pushes a command onto the gateway queue.
func SendGatewayCommand(ctx context.Context, rdb *redis.Client, cmd GatewayCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := rdb.RPush(ctx, constants.RedisQueueVenueCommand, data).Err(); err != nil {
		return fmt.Errorf("failed to push command to redis: %w", err)
	}
	return nil
}

// AwaitGatewayReply blocks on the per-request reply list until a reply arrives, wait elapses
// or ctx ends.
func AwaitGatewayReply(ctx context.Context, rdb *redis.Client, requestID string, wait time.Duration) (*GatewayReply, error) {
	key := constants.RedisQueueVenueReplyPrefix + requestID
	res, err := rdb.BLPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoReply
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop reply from redis: %w", err)
	}
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP result for %s", key)
	}
	var reply GatewayReply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return &reply, nil
}

// PushGatewayReply is the gateway side of the protocol. The reply list expires so
// answers to abandoned requests do not accumulate.
func PushGatewayReply(ctx context.Context, rdb *redis.Client, reply GatewayReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	key := constants.RedisQueueVenueReplyPrefix + reply.RequestID
	pipe := rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, time.Minute)
	_, err = pipe.Exec(ctx)
	return err
}

// PopGatewayCommand takes the next command, blocking up to wait. It returns nil, nil on timeout.
func PopGatewayCommand(ctx context.Context, rdb *redis.Client, wait time.Duration) (*GatewayCommand, error) {
	res, err := rdb.BLPop(ctx, wait, constants.RedisQueueVenueCommand).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cmd GatewayCommand
	if err := json.Unmarshal([]byte(res[1]), &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	return &cmd, nil
}
