package event

import (
	"context"
	"fmt"
	"log"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"bracketbot.com/internal/constants"
)

// LogHandler writes warning events to the log. Critical events are already logged by
// the bus before dispatch.
func LogHandler(_ context.Context, e Event) error {
	if e.Severity == SeverityWarning {
		log.Printf("WARNING [%s] %s %s: %s", e.Type, e.Strategy, e.Instrument, e.Message)
	}
	return nil
}

// RedisHandler publishes every event on events.<type> for the external notification layer.
func RedisHandler(rdb *redis.Client) Handler {
	return func(ctx context.Context, e Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := rdb.Publish(ctx, constants.RedisPubSubEventPrefix+e.Type, data).Err(); err != nil {
			return fmt.Errorf("failed to publish event to redis: %w", err)
		}
		return nil
	}
}
