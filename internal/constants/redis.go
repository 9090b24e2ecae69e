package constants

// Redis 队列名称
const (
	// RedisQueueVenueCommand Go → 交易所网关 的指令队列
	RedisQueueVenueCommand = "venue_cmd_queue"

	// RedisQueueVenueReplyPrefix 网关 → Go 的应答队列前缀, 每个请求一个: venue_reply:<RequestID>
	RedisQueueVenueReplyPrefix = "venue_reply:"
)

// Redis Pub/Sub 频道
const (
	// RedisPubSubMarketPrefix 行情数据频道前缀
	RedisPubSubMarketPrefix = "market."

	// RedisPubSubEventPrefix 生命周期事件频道前缀 (通知层订阅)
	RedisPubSubEventPrefix = "events."
)

// Redis 键
const (
	// RedisKeyStrategyStatePrefix 策略快照: strategy:state:<name>
	RedisKeyStrategyStatePrefix = "strategy:state:"
)
