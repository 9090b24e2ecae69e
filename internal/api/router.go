package api

import (
	"github.com/casbin/casbin/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bracketbot.com/internal/api/middleware"
	"bracketbot.com/internal/domain"
)

// Router 负责注册所有路由
type Router struct {
	app       *fiber.App
	enforcer  *casbin.Enforcer
	jwtSecret string

	strategySvc domain.StrategyService
	tradeSvc    domain.TradeService

	router fiber.Router // /api group
}

func NewRouter(app *fiber.App, enforcer *casbin.Enforcer, jwtSecret string, strategySvc domain.StrategyService, tradeSvc domain.TradeService) *Router {
	return &Router{
		app:         app,
		enforcer:    enforcer,
		jwtSecret:   jwtSecret,
		strategySvc: strategySvc,
		tradeSvc:    tradeSvc,
	}
}

// RegisterRoutes 注册所有业务路由
func (r *Router) RegisterRoutes() {
	strategyHandler := NewStrategyHandler(r.strategySvc)
	tradeHandler := NewTradeHandler(r.tradeSvc)

	// 1. 公开路由 (Public)
	r.app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "ok",
			"message": "Service is healthy",
		})
	})
	r.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// 2. 受保护的 API 路由 (Protected /api)
	r.router = r.app.Group("/api")
	r.router.Use(middleware.CasbinMiddleware(r.enforcer, r.jwtSecret))

	r.registerStrategyRoutes(strategyHandler, tradeHandler)
}

func (r *Router) registerStrategyRoutes(h *StrategyHandler, trade *TradeHandler) {
	strategies := r.router.Group("/strategies")
	strategies.Get("/", h.GetStrategies)
	strategies.Post("/", h.CreateStrategy)
	strategies.Get("/:name", h.GetStrategy)
	strategies.Post("/:name/start", h.StartStrategy)
	strategies.Post("/:name/stop", h.StopStrategy)

	// Trade records
	strategies.Get("/:name/trade", trade.GetOpenTrade)
	strategies.Get("/:name/trades", trade.GetTrades)
	strategies.Get("/:name/stats", trade.GetStats)
}
