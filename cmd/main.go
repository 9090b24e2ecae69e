package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bracketbot.com/internal/api"
	"bracketbot.com/internal/auth"
	"bracketbot.com/internal/bracket"
	"bracketbot.com/internal/config"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/engine"
	"bracketbot.com/internal/event"
	"bracketbot.com/internal/infra"
	"bracketbot.com/internal/metrics"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/recovery"
	"bracketbot.com/internal/service"
	"bracketbot.com/internal/sizing"
	"bracketbot.com/internal/storage"
	"bracketbot.com/internal/strategies"
	"bracketbot.com/internal/venue"
)

func main() {
	// bracketbot token -role operator -subject ops
	if len(os.Args) > 1 && os.Args[1] == "token" {
		issueToken(os.Args[2:])
		return
	}

	// 1. 加载配置
	cfg := config.LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())

	// 2. 初始化存储 (启动时探测一次)
	backends, err := storage.Open(ctx, cfg, storage.DefaultDialers())
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	// 3. 交易所客户端
	inner, err := newVenue(ctx, cfg, backends.Redis)
	if err != nil {
		log.Fatalf("Failed to initialize venue: %v", err)
	}
	client := venue.NewGuarded(inner, venue.GuardOptions{
		RequestTimeout: cfg.Venue.RequestTimeout,
		RateLimit:      cfg.Venue.RateLimit,
		Burst:          cfg.Venue.Burst,
		ReadRetries:    cfg.Venue.ReadRetries,
		RetryBackoff:   cfg.Trading.CancelBackoff,
	})

	// 4. 事件总线
	bus := event.NewBus(1000)
	bus.Subscribe("*", event.LogHandler)
	bus.Subscribe("*", metrics.EventHandler)
	if backends.Redis != nil {
		bus.Subscribe("*", event.RedisHandler(backends.Redis))
	}

	// 5. 交易核心
	brackets := bracket.NewManager(client, bus, bracket.Options{
		Currency:        cfg.Venue.Currency,
		PlacementBudget: cfg.Trading.PlacementBudget,
		CancelAttempts:  cfg.Trading.CancelAttempts,
		CancelBackoff:   cfg.Trading.CancelBackoff,
		ObserveInterval: cfg.Trading.ObserveInterval,
	})
	reconciler := recovery.NewReconciler(backends.Trades, client, brackets, bus, recovery.Options{
		Currency:     cfg.Venue.Currency,
		ReadAttempts: cfg.Venue.ReadRetries,
		ReadBackoff:  cfg.Trading.CancelBackoff,
		Budget:       cfg.Trading.RecoveryBudget,
	})
	deps := strategies.Deps{
		Venue:      client,
		Brackets:   brackets,
		Reconciler: reconciler,
		Trades:     backends.Trades,
		States:     backends.States,
		Events:     bus,
	}
	settings := strategies.Settings{
		Currency:  cfg.Venue.Currency,
		RiskMode:  model.RiskMode(cfg.Risk.Mode),
		RiskValue: cfg.Risk.Value,
		Limits: sizing.Limits{
			MaxRiskPercent:        cfg.Risk.MaxRiskPercent,
			LargeStopFraction:     cfg.Risk.LargeStopFraction,
			HighLeverageThreshold: cfg.Risk.HighLeverageThreshold,
		},
		MinCandles:        cfg.Trading.MinCandles,
		BarInterval:       cfg.Trading.BarInterval,
		Cooldown:          cfg.Trading.Cooldown,
		ErrorCooldown:     cfg.Trading.ErrorCooldown,
		ReconcileInterval: cfg.Trading.ReconcileInterval,
	}

	// 6. 业务服务与引擎
	executor := strategies.NewExecutor(ctx)
	marketSvc := service.NewMarketService(ctx, client, executor)
	strategySvc := service.NewStrategyService(backends.Strategies, executor, marketSvc, deps, settings)
	tradeSvc := service.NewTradeService(backends.Trades)

	eng := engine.NewEngine(ctx, cancel, cfg, executor, bus, marketSvc, strategySvc)
	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// 7. 设置 Fiber 服务器
	enforcer, err := auth.InitCasbin(backends.DB)
	if err != nil {
		log.Fatalf("Failed to initialize Casbin: %v", err)
	}
	app := api.NewServer(cfg, enforcer, strategySvc, tradeSvc)

	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := app.Listen(cfg.Server.Port); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// 8. 等待退出信号
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Println("Shutting down...")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	eng.Stop()
	if backends.Redis != nil {
		_ = backends.Redis.Close()
	}
}

// newVenue builds the raw venue client. The gateway needs Redis; the paper venue takes its
// prices from the gateway feed when Redis is reachable and stays at the configured prices otherwise.
func newVenue(ctx context.Context, cfg *config.Config, rdb *redis.Client) (domain.VenueClient, error) {
	switch cfg.Venue.Mode {
	case "gateway":
		if rdb == nil {
			return nil, fmt.Errorf("venue.mode=gateway requires redis")
		}
		return venue.NewGatewayClient(rdb, cfg.Venue.RequestTimeout), nil
	case "paper":
		pv := venue.NewPaperVenue(cfg.Venue.PaperEquity)
		for _, in := range cfg.Venue.PaperInstruments {
			pv.AddInstrument(model.VenueConstraints{
				Instrument:   in.Instrument,
				PriceTick:    in.PriceTick,
				QuantityStep: in.QuantityStep,
				MinOrderSize: in.MinOrderSize,
				MaxLeverage:  in.MaxLeverage,
			}, in.Price)
			if rdb != nil {
				go followPrices(ctx, rdb, pv, in.Instrument)
			}
		}
		log.Printf("Venue: PAPER mode, %d instruments, equity %.2f %s", len(cfg.Venue.PaperInstruments), cfg.Venue.PaperEquity, cfg.Venue.Currency)
		return pv, nil
	default:
		return nil, fmt.Errorf("unknown venue mode %q", cfg.Venue.Mode)
	}
}

func followPrices(ctx context.Context, rdb *redis.Client, pv *venue.PaperVenue, instrument string) {
	ticks, err := infra.SubscribeMarketData(ctx, rdb, instrument)
	if err != nil {
		log.Printf("Venue: paper price feed for %s unavailable: %v", instrument, err)
		return
	}
	for tick := range ticks {
		pv.SetPrice(instrument, tick.LastPrice)
	}
}

func issueToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "operator", "token subject")
	role := fs.String("role", auth.RoleViewer, "viewer | operator | admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	cfg := config.LoadConfig()
	tok, err := auth.IssueToken(cfg.Server.JWTSecret, *subject, *role, *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(tok)
}
