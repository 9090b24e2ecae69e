package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Venue    VenueConfig
	Risk     RiskConfig
	Trading  TradingConfig
}

type ServerConfig struct {
	Port      string
	AppName   string `mapstructure:"app_name"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Driver      string // postgres | sqlite
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	TimeZone    string
	TablePrefix string `mapstructure:"table_prefix"`
	Path        string // sqlite file path
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig controls the two-tier storage capability check done once at startup.
type StorageConfig struct {
	// RequireDurable refuses to start when the durable backends are unreachable.
	RequireDurable bool   `mapstructure:"require_durable"`
	StateBackend   string `mapstructure:"state_backend"` // redis | file | memory
	StateDir       string `mapstructure:"state_dir"`
}

type VenueConfig struct {
	Mode           string        // gateway | paper
	Currency       string        // settlement currency for positions/equity
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second
	Burst          int
	ReadRetries    uint          `mapstructure:"read_retries"`
	PaperEquity    float64       `mapstructure:"paper_equity"`
	// 模拟盘合约, 仅 mode=paper 使用
	PaperInstruments []PaperInstrument `mapstructure:"paper_instruments"`
}

type PaperInstrument struct {
	Instrument   string
	Price        float64
	PriceTick    float64 `mapstructure:"price_tick"`
	QuantityStep float64 `mapstructure:"quantity_step"`
	MinOrderSize float64 `mapstructure:"min_order_size"`
	MaxLeverage  float64 `mapstructure:"max_leverage"`
}

type RiskConfig struct {
	Mode                  string  // percent | fixed
	Value                 float64
	MaxRiskPercent        float64 `mapstructure:"max_risk_percent"`
	LargeStopFraction     float64 `mapstructure:"large_stop_fraction"`
	HighLeverageThreshold float64 `mapstructure:"high_leverage_threshold"`
}

type TradingConfig struct {
	PlacementBudget   time.Duration `mapstructure:"placement_budget"`
	CancelAttempts    uint          `mapstructure:"cancel_attempts"`
	CancelBackoff     time.Duration `mapstructure:"cancel_backoff"`
	ObserveInterval   time.Duration `mapstructure:"observe_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	Cooldown          time.Duration
	ErrorCooldown     time.Duration `mapstructure:"error_cooldown"`
	MinCandles        int           `mapstructure:"min_candles"`
	BarInterval       time.Duration `mapstructure:"bar_interval"`
	RecoveryBudget    time.Duration `mapstructure:"recovery_budget"`
}

const devJWTSecret = "bracketbot-dev-secret"

// setDefaults 设置默认值, 使部分配置文件也能得到可用配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.app_name", "bracketbot")
	v.SetDefault("server.jwt_secret", devJWTSecret)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.path", "bracketbot.db")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("storage.require_durable", true)
	v.SetDefault("storage.state_backend", "redis")
	v.SetDefault("storage.state_dir", "./state")

	v.SetDefault("venue.mode", "gateway")
	v.SetDefault("venue.currency", "USDT")
	v.SetDefault("venue.request_timeout", 3*time.Second)
	v.SetDefault("venue.rate_limit", 10.0)
	v.SetDefault("venue.burst", 5)
	v.SetDefault("venue.read_retries", 3)
	v.SetDefault("venue.paper_equity", 10000.0)
	v.SetDefault("venue.paper_instruments", []map[string]interface{}{
		{"instrument": "BTC-PERP", "price": 60000.0, "price_tick": 0.1, "quantity_step": 0.001, "min_order_size": 0.001, "max_leverage": 50.0},
		{"instrument": "ETH-PERP", "price": 3000.0, "price_tick": 0.01, "quantity_step": 0.01, "min_order_size": 0.01, "max_leverage": 50.0},
	})

	v.SetDefault("risk.mode", "percent")
	v.SetDefault("risk.value", 1.0)
	v.SetDefault("risk.max_risk_percent", 10.0)
	v.SetDefault("risk.large_stop_fraction", 0.1)
	v.SetDefault("risk.high_leverage_threshold", 10.0)

	v.SetDefault("trading.placement_budget", 5*time.Second)
	v.SetDefault("trading.cancel_attempts", 3)
	v.SetDefault("trading.cancel_backoff", 200*time.Millisecond)
	v.SetDefault("trading.observe_interval", 2*time.Second)
	v.SetDefault("trading.reconcile_interval", 30*time.Second)
	v.SetDefault("trading.cooldown", 5*time.Minute)
	v.SetDefault("trading.error_cooldown", 30*time.Second)
	v.SetDefault("trading.min_candles", 20)
	v.SetDefault("trading.bar_interval", time.Minute)
	v.SetDefault("trading.recovery_budget", 8*time.Second)
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode defaults, %v", err)
	}
	return &cfg
}

func LoadConfig() *Config {
	cfg, err := Load(".", "./config")
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Server.JWTSecret == devJWTSecret {
		log.Println("Warning: server.jwt_secret is the development default, set SERVER_JWT_SECRET")
	}
	return cfg
}

// Load reads config.yaml from the given directories, applies env overrides and validates.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Printf("Warning: Error reading config file, %s", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects trading parameters that would make the safety core misbehave.
func (c *Config) Validate() error {
	switch c.Risk.Mode {
	case "percent":
		if c.Risk.Value <= 0 || c.Risk.Value > c.Risk.MaxRiskPercent {
			return fmt.Errorf("risk.value %.4f must be in (0, %.2f] in percent mode", c.Risk.Value, c.Risk.MaxRiskPercent)
		}
	case "fixed":
		if c.Risk.Value <= 0 {
			return fmt.Errorf("risk.value must be positive in fixed mode")
		}
	default:
		return fmt.Errorf("unknown risk.mode %q", c.Risk.Mode)
	}
	if c.Risk.MaxRiskPercent <= 0 || c.Risk.MaxRiskPercent > 100 {
		return fmt.Errorf("risk.max_risk_percent must be in (0, 100]")
	}
	if c.Trading.PlacementBudget <= 0 {
		return fmt.Errorf("trading.placement_budget must be positive")
	}
	if c.Trading.CancelAttempts == 0 {
		return fmt.Errorf("trading.cancel_attempts must be at least 1")
	}
	if c.Trading.ObserveInterval <= 0 || c.Trading.ReconcileInterval <= 0 {
		return fmt.Errorf("trading observe/reconcile intervals must be positive")
	}
	if c.Trading.BarInterval <= 0 {
		return fmt.Errorf("trading.bar_interval must be positive")
	}
	switch c.Storage.StateBackend {
	case "redis", "file", "memory":
	default:
		return fmt.Errorf("unknown storage.state_backend %q", c.Storage.StateBackend)
	}
	switch c.Venue.Mode {
	case "gateway":
	case "paper":
		if c.Venue.PaperEquity <= 0 {
			return fmt.Errorf("venue.paper_equity must be positive")
		}
		for _, in := range c.Venue.PaperInstruments {
			if in.Instrument == "" || in.Price <= 0 || in.PriceTick <= 0 || in.QuantityStep <= 0 {
				return fmt.Errorf("invalid paper instrument %q", in.Instrument)
			}
		}
	default:
		return fmt.Errorf("unknown venue.mode %q", c.Venue.Mode)
	}
	return nil
}
