package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/constants"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBus_RoutesByTypeAndWildcard(t *testing.T) {
	bus := NewBus(16)
	defer bus.Shutdown()

	typed, all := &collector{}, &collector{}
	bus.Subscribe(constants.EventTradeOpened, typed.handle)
	bus.Subscribe("*", all.handle)
	assert.Equal(t, 1, bus.GetSubscriberCount(constants.EventTradeOpened))

	bus.Publish(Event{Type: constants.EventTradeOpened, Strategy: "alpha"})
	bus.Publish(Event{Type: constants.EventReconciled, Strategy: "alpha"})

	require.Eventually(t, func() bool { return all.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, typed.len())
	assert.Equal(t, SeverityInfo, all.events[0].Severity)
	assert.False(t, all.events[0].Timestamp.IsZero())
}

func TestBus_CriticalIsSynchronous(t *testing.T) {
	bus := NewBus(1)
	defer bus.Shutdown()

	got := &collector{}
	bus.Subscribe("*", got.handle)

	bus.Publish(Event{Type: constants.EventOrphanOrder, Severity: SeverityCritical, Message: "stop order left resting"})
	assert.Equal(t, 1, got.len(), "delivered before Publish returns")
}

func TestBus_ShutdownDrainsQueue(t *testing.T) {
	bus := NewBus(64)
	got := &collector{}
	bus.Subscribe("*", got.handle)

	for i := 0; i < 20; i++ {
		bus.Publish(Event{Type: constants.EventReconciled})
	}
	bus.Shutdown()
	assert.Equal(t, 20, got.len())
	bus.Shutdown()
}

func TestRedisHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, constants.RedisPubSubEventPrefix+constants.EventOrphanOrder)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, RedisHandler(rdb)(ctx, Event{Type: constants.EventOrphanOrder, Severity: SeverityCritical, Strategy: "alpha", Message: "orphan"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
	assert.Equal(t, "alpha", e.Strategy)
	assert.Equal(t, SeverityCritical, e.Severity)
}

func TestTee(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	Tee{a, b, Discard{}}.Publish(Event{Type: constants.EventReconciled})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.ByType(constants.EventReconciled), 1)
}
