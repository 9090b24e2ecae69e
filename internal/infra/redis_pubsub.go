package infra

import (
	"context"
	"log"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"bracketbot.com/internal/constants"
	"bracketbot.com/internal/model"
)

// SubscribeMarketData subscribes to market.<instrument> and decodes every message into a Tick.
// The returned channel closes when ctx ends.
func SubscribeMarketData(ctx context.Context, rdb *redis.Client, instrument string) (<-chan model.Tick, error) {
	pubsub := rdb.Subscribe(ctx, constants.RedisPubSubMarketPrefix+instrument)

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan model.Tick, 256)
	ch := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()
		log.Printf("MarketData: subscribed to %s", instrument)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var tick model.Tick
				if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
					log.Printf("MarketData: bad tick on %s: %v", msg.Channel, err)
					continue
				}
				if tick.Instrument == "" {
					tick.Instrument = strings.TrimPrefix(msg.Channel, constants.RedisPubSubMarketPrefix)
				}
				select {
				case out <- tick:
				default:
					log.Printf("Warning: tick buffer for %s is full, dropping tick", instrument)
				}
			}
		}
	}()
	return out, nil
}

// PublishTick is the gateway side of the market feed.
func PublishTick(ctx context.Context, rdb *redis.Client, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, constants.RedisPubSubMarketPrefix+tick.Instrument, data).Err()
}
