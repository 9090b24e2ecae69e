package api

import (
	"github.com/casbin/casbin/v2"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"bracketbot.com/internal/config"
	"bracketbot.com/internal/domain"
)

func NewServer(cfg *config.Config, enforcer *casbin.Enforcer, strategySvc domain.StrategyService, tradeSvc domain.TradeService) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:     cfg.Server.AppName,
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	NewRouter(app, enforcer, cfg.Server.JWTSecret, strategySvc, tradeSvc).RegisterRoutes()

	return app
}
