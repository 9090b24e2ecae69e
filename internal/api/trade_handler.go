package api

import (
	"github.com/gofiber/fiber/v2"

	"bracketbot.com/internal/domain"
)

// TradeHandler 处理交易记录相关的 HTTP 请求 (只读)
type TradeHandler struct {
	tradeSvc domain.TradeService
}

// NewTradeHandler 创建交易记录处理器
func NewTradeHandler(tradeSvc domain.TradeService) *TradeHandler {
	return &TradeHandler{tradeSvc: tradeSvc}
}

// GetOpenTrade 获取策略当前持仓
// GET /api/strategies/:name/trade
func (h *TradeHandler) GetOpenTrade(c *fiber.Ctx) error {
	trade, err := h.tradeSvc.GetOpenTrade(c.UserContext(), c.Params("name"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(trade)
}

// GetTrades 分页获取已平仓交易
// GET /api/strategies/:name/trades?page=1&pageSize=20
func (h *TradeHandler) GetTrades(c *fiber.Ctx) error {
	page, pageSize := pageParams(c)

	trades, total, err := h.tradeSvc.GetRecentTrades(c.UserContext(), c.Params("name"), page, pageSize)
	if err != nil {
		return handleError(c, err)
	}
	return SendPaginatedResponse(c, trades, page, pageSize, total)
}

// GetStats 胜率与总盈亏
// GET /api/strategies/:name/stats
func (h *TradeHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.tradeSvc.GetStats(c.UserContext(), c.Params("name"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(stats)
}
