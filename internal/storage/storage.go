// Package storage decides once, at startup, which backends hold trade records and
// strategy snapshots.
package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bracketbot.com/internal/config"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/infra"
	"bracketbot.com/internal/metrics"
	"bracketbot.com/internal/storage/filestore"
	"bracketbot.com/internal/storage/gormstore"
	"bracketbot.com/internal/storage/memory"
	"bracketbot.com/internal/storage/redisstore"
)

// Backends is the result of the capability check. Durable is false when any tier runs
// in memory.
type Backends struct {
	Trades     domain.TradeStore
	States     domain.StateStore
	Strategies domain.StrategyRepository

	DB      *gorm.DB      // nil when the trade tier is in memory
	Redis   *redis.Client // nil unless redis was probed successfully
	Durable bool
}

// Dialers lets tests replace how durable backends are reached.
type Dialers struct {
	Database func(cfg config.DatabaseConfig) (*gorm.DB, error)
	Redis    func(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error)
}

// DefaultDialers connect to the configured database and Redis.
func DefaultDialers() Dialers {
	return Dialers{
		Database: func(cfg config.DatabaseConfig) (*gorm.DB, error) {
			db, err := infra.NewDatabase(cfg)
			if err != nil {
				return nil, err
			}
			if err := infra.PingDatabase(db); err != nil {
				return nil, err
			}
			return db, nil
		},
		Redis: func(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
			rdb := infra.NewRedisClient(cfg)
			if err := infra.PingRedis(ctx, rdb); err != nil {
				_ = rdb.Close()
				return nil, err
			}
			return rdb, nil
		},
	}
}

// Open probes the durable backends. When a probe fails and storage.require_durable is set
// it returns an error; otherwise that tier runs in memory and the degradation is logged
// and exported. There is no per-call fallback after Open returns.
func Open(ctx context.Context, cfg *config.Config, dial Dialers) (*Backends, error) {
	b := &Backends{Durable: true}

	degrade := func(tier string, err error) error {
		if cfg.Storage.RequireDurable {
			return fmt.Errorf("durable %s storage unavailable: %w", tier, err)
		}
		log.Printf("Storage: DEGRADED - %s tier running in memory, data will not survive a restart: %v", tier, err)
		b.Durable = false
		return nil
	}

	db, err := dial.Database(cfg.Database)
	if err != nil {
		if err := degrade("trade", err); err != nil {
			return nil, err
		}
		b.Trades = memory.NewTradeStore()
		b.Strategies = memory.NewStrategyRepository()
	} else {
		b.DB = db
		b.Trades = gormstore.NewTradeStore(db)
		b.Strategies = gormstore.NewStrategyStore(db)
	}

	// Redis also carries the gateway venue and the event fan-out, so it is dialled whenever
	// either the state tier or the gateway needs it.
	var redisErr error
	if cfg.Storage.StateBackend == "redis" || cfg.Venue.Mode == "gateway" {
		b.Redis, redisErr = dial.Redis(ctx, cfg.Redis)
		if redisErr != nil {
			b.Redis = nil
			log.Printf("Storage: redis at %s unreachable: %v", cfg.Redis.Addr, redisErr)
		}
	}

	switch cfg.Storage.StateBackend {
	case "redis":
		if redisErr != nil {
			if err := degrade("state", redisErr); err != nil {
				return nil, err
			}
			b.States = memory.NewStateStore()
		} else {
			b.States = redisstore.NewStateStore(b.Redis)
		}
	case "file":
		fs, err := filestore.NewStateStore(cfg.Storage.StateDir)
		if err != nil {
			if err := degrade("state", err); err != nil {
				return nil, err
			}
			b.States = memory.NewStateStore()
		} else {
			b.States = fs
		}
	default:
		if err := degrade("state", fmt.Errorf("state_backend=%s", cfg.Storage.StateBackend)); err != nil {
			return nil, err
		}
		b.States = memory.NewStateStore()
	}

	if b.Durable {
		metrics.StorageDurable.Set(1)
		log.Println("Storage: durable backends in use")
	} else {
		metrics.StorageDurable.Set(0)
	}
	return b, nil
}
