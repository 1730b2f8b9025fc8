package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pulse/internal/sniper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "pulse-config-*.yaml")
	require.NoError(t, err)
	_, err = tmpFile.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
general:
  instance_id: "test-node"
  dry_run: true
  log_level: "debug"

solana:
  rpc:
    endpoint: "https://rpc.example.org"
    rate_limit_rps: 4

feed:
  watchlist:
    - "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
  poll_interval: 20s

trader:
  mode: multi
  max_positions: 5
  max_buy_sol: 0.25
  rotate_on_leader_change: false
  tick_interval: 5s

exits:
  take_profit_pct: 20
  stop_loss_pct: 10

swap:
  slippage_bps: 250
  split_fractions_pct: [50, 25]

paper:
  starting_sol: 2.5

store:
  backend: sqlite
  path: "data/pulse.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.True(t, cfg.Swap.DryRun)
	assert.Equal(t, "https://rpc.example.org", cfg.Solana.RPC.Endpoint)
	assert.Equal(t, 4.0, cfg.Solana.RPC.RateLimitRPS)
	assert.Equal(t, []string{"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"}, cfg.Feed.Watchlist)
	assert.Equal(t, 20*time.Second, cfg.Feed.PollInterval)

	assert.Equal(t, sniper.ModeMulti, cfg.Trader.Mode)
	assert.Equal(t, 5, cfg.Trader.MaxPositions)
	assert.Equal(t, 0.25, cfg.Trader.MaxBuySOL)
	assert.False(t, cfg.Trader.RotateOnLeaderChange)
	assert.Equal(t, 5*time.Second, cfg.Trader.TickInterval)
	assert.Equal(t, 20.0, cfg.Exits.TakeProfitPct)
	assert.Equal(t, 250, cfg.Swap.SlippageBps)
	assert.Equal(t, []int{50, 25}, cfg.Swap.SplitFractionsPct)
	assert.True(t, cfg.Paper.StartingSOL.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
general:
  log_level: ""
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := Default()
	assert.Equal(t, "pulse-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.True(t, cfg.General.DryRun)
	assert.Equal(t, def.Trader, cfg.Trader)
	assert.Equal(t, def.Exits, cfg.Exits)
	assert.Equal(t, def.Scoring, cfg.Scoring)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "none", cfg.Journal.Backend)
	assert.Equal(t, ":8090", cfg.Metrics.HTTPAddr)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_PULSE_INSTANCE", "env-node")
	t.Setenv("TEST_PULSE_KEY", "not-a-real-key")

	path := writeConfig(t, `
general:
  instance_id: "${TEST_PULSE_INSTANCE}"
solana:
  private_key: "${TEST_PULSE_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.General.InstanceID)
	assert.Equal(t, "not-a-real-key", cfg.Solana.PrivateKey)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := Load("/nonexistent/pulse.yaml")
	assert.ErrorContains(t, err, "read config file")

	_, err = Load(writeConfig(t, "trader: [not, a, map]"))
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Trader.Mode = "grid" }, "trader.mode"},
		{"no positions", func(c *Config) { c.Trader.MaxPositions = 0 }, "max_positions"},
		{"min above max buy", func(c *Config) { c.Trader.MinBuySOL = 1 }, "min_buy_sol"},
		{"negative daily limit", func(c *Config) { c.Trader.MaxDailyLossSOL = -1 }, "daily limits"},
		{"zero stop loss", func(c *Config) { c.Exits.StopLossPct = 0 }, "stop_loss_pct"},
		{"partial above 100", func(c *Config) { c.Exits.PartialTakePct = 150 }, "partial_take_pct"},
		{"slippage too wide", func(c *Config) { c.Swap.SlippageBps = 9000 }, "slippage_bps"},
		{"max slippage below base", func(c *Config) { c.Swap.MaxSlippageBps = 100 }, "max_slippage_bps"},
		{"bad split fraction", func(c *Config) { c.Swap.SplitFractionsPct = []int{50, 100} }, "split_fractions_pct"},
		{"live without key", func(c *Config) { c.Swap.DryRun = false }, "private_key"},
		{"live with key file", func(c *Config) {
			c.Swap.DryRun = false
			c.Solana.KeyFile = "/etc/pulse/id.json"
		}, ""},
		{"file store without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"memory store without path", func(c *Config) {
			c.Store.Backend = "memory"
			c.Store.Path = ""
		}, ""},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis" }, "redis_addr"},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"postgres without dsn", func(c *Config) { c.Journal.Backend = "postgres" }, "journal.dsn"},
		{"unknown journal", func(c *Config) { c.Journal.Backend = "kafka" }, "journal.backend"},
		{"advisor without url", func(c *Config) { c.Advisor.Enabled = true }, "advisor.url"},
		{"zero feed interval", func(c *Config) { c.Feed.PollInterval = 0 }, "poll_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
