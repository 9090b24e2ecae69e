package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// StrategyHandler 处理策略相关的 HTTP 请求
type StrategyHandler struct {
	strategySvc domain.StrategyService
}

// NewStrategyHandler 创建策略处理器
func NewStrategyHandler(strategySvc domain.StrategyService) *StrategyHandler {
	return &StrategyHandler{strategySvc: strategySvc}
}

// CreateStrategy 创建策略
// POST /api/strategies
func (h *StrategyHandler) CreateStrategy(c *fiber.Ctx) error {
	var req struct {
		Name       string            `json:"name"`
		Instrument string            `json:"instrument"`
		Currency   string            `json:"currency"`
		Decider    model.DeciderType `json:"decider"`
		Config     json.RawMessage   `json:"config"`
		RiskMode   model.RiskMode    `json:"risk_mode"`
		RiskValue  float64           `json:"risk_value"`
		Start      bool              `json:"start"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "Invalid request body"})
	}
	if req.Name == "" || req.Instrument == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "name and instrument are required"})
	}

	strategy := &model.Strategy{
		Name:       req.Name,
		Instrument: req.Instrument,
		Currency:   req.Currency,
		Decider:    req.Decider,
		Config:     req.Config,
		RiskMode:   req.RiskMode,
		RiskValue:  req.RiskValue,
		Status:     model.StrategyStatusStopped,
	}
	if req.Start {
		strategy.Status = model.StrategyStatusActive
	}

	if err := h.strategySvc.CreateStrategy(c.UserContext(), strategy); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(strategy)
}

// GetStrategies 获取所有策略的当前状态
// GET /api/strategies
func (h *StrategyHandler) GetStrategies(c *fiber.Ctx) error {
	views, err := h.strategySvc.ListStrategies(c.UserContext())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(views)
}

// GetStrategy 获取单个策略状态 (阶段 + 指标)
// GET /api/strategies/:name
func (h *StrategyHandler) GetStrategy(c *fiber.Ctx) error {
	view, err := h.strategySvc.GetStatus(c.UserContext(), c.Params("name"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(view)
}

// StartStrategy 启动策略
// POST /api/strategies/:name/start
func (h *StrategyHandler) StartStrategy(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.strategySvc.StartStrategy(c.UserContext(), name); err != nil {
		return handleError(c, err)
	}
	return h.GetStrategy(c)
}

// StopStrategy 停止策略
// POST /api/strategies/:name/stop?leave_open=true
func (h *StrategyHandler) StopStrategy(c *fiber.Ctx) error {
	name := c.Params("name")
	leaveOpen := c.QueryBool("leave_open", false)

	if err := h.strategySvc.StopStrategy(c.UserContext(), name, leaveOpen); err != nil {
		return handleError(c, err)
	}
	return h.GetStrategy(c)
}
