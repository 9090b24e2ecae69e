package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "gateway", cfg.Venue.Mode)
	assert.Equal(t, 8*time.Second, cfg.Trading.RecoveryBudget)
	assert.Equal(t, uint(3), cfg.Trading.CancelAttempts)
	require.Len(t, cfg.Venue.PaperInstruments, 2)
	assert.Equal(t, "ETH-PERP", cfg.Venue.PaperInstruments[1].Instrument)
	assert.Equal(t, 0.01, cfg.Venue.PaperInstruments[1].QuantityStep)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
venue:
  mode: paper
  paper_equity: 2500
  paper_instruments:
    - instrument: SOL-PERP
      price: 150
      price_tick: 0.01
      quantity_step: 0.1
      min_order_size: 0.1
      max_leverage: 20
risk:
  mode: fixed
  value: 25
trading:
  cooldown: 90s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("TRADING_RECONCILE_INTERVAL", "45s")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Venue.Mode)
	assert.Equal(t, 2500.0, cfg.Venue.PaperEquity)
	require.Len(t, cfg.Venue.PaperInstruments, 1)
	assert.Equal(t, "SOL-PERP", cfg.Venue.PaperInstruments[0].Instrument)
	assert.Equal(t, "fixed", cfg.Risk.Mode)
	assert.Equal(t, 90*time.Second, cfg.Trading.Cooldown)
	assert.Equal(t, 45*time.Second, cfg.Trading.ReconcileInterval)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Trading.PlacementBudget)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"risk above cap":      func(c *Config) { c.Risk.Value = 50 },
		"unknown risk mode":   func(c *Config) { c.Risk.Mode = "kelly" },
		"fixed risk zero":     func(c *Config) { c.Risk.Mode, c.Risk.Value = "fixed", 0 },
		"no placement budget": func(c *Config) { c.Trading.PlacementBudget = 0 },
		"no cancel attempts":  func(c *Config) { c.Trading.CancelAttempts = 0 },
		"zero bar interval":   func(c *Config) { c.Trading.BarInterval = 0 },
		"unknown state store": func(c *Config) { c.Storage.StateBackend = "etcd" },
		"unknown venue":       func(c *Config) { c.Venue.Mode = "fix" },
		"bad paper instrument": func(c *Config) {
			c.Venue.Mode = "paper"
			c.Venue.PaperInstruments = []PaperInstrument{{Instrument: "ETH-PERP"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
