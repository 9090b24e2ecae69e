package constants

// 事件类型常量
const (
	// 策略事件
	EventStrategyStarted    = "strategy.started"
	EventStrategyStopped    = "strategy.stopped"
	EventStrategyPhase      = "strategy.phase"
	EventStrategyError      = "strategy.error"
	EventSignalDetected     = "strategy.signal"
	EventPositionLeftOpen   = "strategy.position_left_open"
	EventPlacementBlocked   = "placement.blocked"
	EventPlacementFailed    = "placement.failed"
	EventPlacementSucceeded = "placement.succeeded"

	// 订单事件
	EventOrderPlaced   = "order.placed"
	EventOrderCanceled = "order.canceled"

	// 成交/持仓事件
	EventTradeOpened = "trade.opened"
	EventTradeClosed = "trade.closed"

	// 一致性事件 (高优先级)
	EventOrphanOrder       = "orphan.order"
	EventOrphanPosition    = "orphan.position"
	EventGhostTrade        = "ghost.trade"
	EventIncompleteBracket = "bracket.incomplete"
	EventReconciled        = "reconcile.done"
)
