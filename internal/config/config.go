package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/pulse/internal/adapters/jupiter"
	"github.com/nexus-trading/pulse/internal/execution"
	"github.com/nexus-trading/pulse/internal/intel"
	"github.com/nexus-trading/pulse/internal/journal"
	"github.com/nexus-trading/pulse/internal/market"
	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/sniper"
	"github.com/nexus-trading/pulse/internal/solana"
	"github.com/nexus-trading/pulse/internal/store"
)

// Config is the root configuration structure for the pulse trader.
type Config struct {
	General   GeneralConfig             `yaml:"general"`
	Solana    SolanaConfig              `yaml:"solana"`
	Jupiter   jupiter.Config            `yaml:"jupiter"`
	Feed      market.FeedConfig         `yaml:"feed"`
	Sanitizer scanner.SanitizerConfig   `yaml:"sanitizer"`
	Scoring   scanner.ScoringConfig     `yaml:"scoring"`
	History   scanner.HistoryConfig     `yaml:"history"`
	Selector  scanner.SelectorConfig    `yaml:"selector"`
	Trader    sniper.Config             `yaml:"trader"`
	Exits     sniper.ExitConfig         `yaml:"exits"`
	Safety    sniper.SafetyConfig       `yaml:"safety"`
	Swap      execution.Config          `yaml:"swap"`
	Confirm   execution.ConfirmerConfig `yaml:"confirm"`
	Positions execution.PositionConfig  `yaml:"positions"`
	Paper     execution.PaperConfig     `yaml:"paper"`
	Store     store.Config              `yaml:"store"`
	Journal   journal.Config            `yaml:"journal"`
	Advisor   intel.AdvisorConfig       `yaml:"advisor"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text

	// Price of SOL used to seed the stub router from feed USD prices.
	StubSOLPriceUSD float64 `yaml:"stub_sol_price_usd"`
}

type SolanaConfig struct {
	RPC      solana.RPCConfig           `yaml:"rpc"`
	Balances solana.BalanceReaderConfig `yaml:"balances"`

	PrivateKey string `yaml:"private_key"` // base58, usually ${PULSE_PRIVATE_KEY}
	KeyFile    string `yaml:"key_file"`    // solana-keygen JSON

	// Owner used in dry run when no key is configured.
	WalletPubkey string `yaml:"wallet_pubkey"`

	PriorityFees bool `yaml:"priority_fees"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	HTTPAddr string `yaml:"http_addr"` // serves /health, /stats, /metrics and /control
}

// Default returns the full configuration with every component default.
func Default() Config {
	return Config{
		General: GeneralConfig{
			InstanceID:      "pulse-1",
			Environment:     "development",
			DryRun:          true,
			LogLevel:        "info",
			LogFormat:       "json",
			StubSOLPriceUSD: 150,
		},
		Solana: SolanaConfig{
			RPC:          solana.DefaultRPCConfig(),
			Balances:     solana.DefaultBalanceReaderConfig(),
			PriorityFees: true,
		},
		Jupiter:   jupiter.DefaultConfig(),
		Feed:      market.DefaultFeedConfig(),
		Sanitizer: scanner.DefaultSanitizerConfig(),
		Scoring:   scanner.DefaultScoringConfig(),
		History:   scanner.DefaultHistoryConfig(),
		Selector:  scanner.DefaultSelectorConfig(),
		Trader:    sniper.DefaultConfig(),
		Exits:     sniper.DefaultExitConfig(),
		Safety:    sniper.DefaultSafetyConfig(),
		Swap:      execution.DefaultConfig(),
		Confirm:   execution.DefaultConfirmerConfig(),
		Positions: execution.DefaultPositionConfig(),
		Paper:     execution.DefaultPaperConfig(),
		Store:     store.DefaultConfig(),
		Journal:   journal.DefaultConfig(),
		Advisor:   intel.DefaultAdvisorConfig(),
		Metrics:   MetricsConfig{Enabled: true, HTTPAddr: ":8090"},
	}
}

// Load reads and parses a YAML configuration file. A .env file in the
// working directory, when present, is loaded into the environment first.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults restores defaults for values a file blanked out.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = def.General.InstanceID
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = def.General.Environment
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = def.General.LogLevel
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = def.General.LogFormat
	}
	if cfg.General.StubSOLPriceUSD <= 0 {
		cfg.General.StubSOLPriceUSD = def.General.StubSOLPriceUSD
	}
	if cfg.Solana.RPC.Endpoint == "" {
		cfg.Solana.RPC.Endpoint = def.Solana.RPC.Endpoint
	}
	if cfg.Solana.RPC.WSEndpoint == "" {
		cfg.Solana.RPC.WSEndpoint = def.Solana.RPC.WSEndpoint
	}
	if cfg.Solana.RPC.Timeout <= 0 {
		cfg.Solana.RPC.Timeout = def.Solana.RPC.Timeout
	}
	if cfg.Solana.RPC.RateLimitRPS <= 0 {
		cfg.Solana.RPC.RateLimitRPS = def.Solana.RPC.RateLimitRPS
	}
	if cfg.Jupiter.BaseURL == "" {
		cfg.Jupiter.BaseURL = def.Jupiter.BaseURL
	}
	if cfg.Feed.BaseURL == "" {
		cfg.Feed.BaseURL = def.Feed.BaseURL
	}
	if cfg.Feed.ChainID == "" {
		cfg.Feed.ChainID = def.Feed.ChainID
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Store.SaveInterval <= 0 {
		cfg.Store.SaveInterval = def.Store.SaveInterval
	}
	if cfg.Journal.Backend == "" {
		cfg.Journal.Backend = def.Journal.Backend
	}
	if cfg.Metrics.HTTPAddr == "" {
		cfg.Metrics.HTTPAddr = def.Metrics.HTTPAddr
	}
	// general.dry_run is the only switch; swap.dry_run is not read from files.
	cfg.Swap.DryRun = cfg.General.DryRun
}

// Validate checks the configuration for values the trader cannot run with.
func (c *Config) Validate() error {
	switch c.Trader.Mode {
	case sniper.ModeLeader, sniper.ModeMulti:
	default:
		return fmt.Errorf("config: trader.mode must be %q or %q, got %q", sniper.ModeLeader, sniper.ModeMulti, c.Trader.Mode)
	}
	if c.Trader.MaxPositions <= 0 {
		return errors.New("config: trader.max_positions must be positive")
	}
	if c.Trader.MinBuySOL > c.Trader.MaxBuySOL {
		return fmt.Errorf("config: trader.min_buy_sol %.4f exceeds max_buy_sol %.4f", c.Trader.MinBuySOL, c.Trader.MaxBuySOL)
	}
	if c.Trader.MaxDailySpendSOL < 0 || c.Trader.MaxDailyLossSOL < 0 {
		return errors.New("config: trader daily limits must not be negative")
	}
	if c.Exits.TakeProfitPct <= 0 || c.Exits.StopLossPct <= 0 {
		return errors.New("config: exits.take_profit_pct and exits.stop_loss_pct must be positive")
	}
	if c.Exits.PartialTakePct < 0 || c.Exits.PartialTakePct > 100 {
		return fmt.Errorf("config: exits.partial_take_pct %.1f outside [0,100]", c.Exits.PartialTakePct)
	}
	if c.Swap.SlippageBps <= 0 || c.Swap.SlippageBps > 5000 {
		return fmt.Errorf("config: swap.slippage_bps %d outside (0,5000]", c.Swap.SlippageBps)
	}
	if c.Swap.MaxSlippageBps > 0 && c.Swap.MaxSlippageBps < c.Swap.SlippageBps {
		return errors.New("config: swap.max_slippage_bps below slippage_bps")
	}
	for _, pct := range c.Swap.SplitFractionsPct {
		if pct <= 0 || pct >= 100 {
			return fmt.Errorf("config: swap.split_fractions_pct entry %d outside (0,100)", pct)
		}
	}
	if !c.Swap.DryRun && c.Solana.PrivateKey == "" && c.Solana.KeyFile == "" {
		return errors.New("config: live trading needs solana.private_key or solana.key_file")
	}
	switch c.Store.Backend {
	case "file", "sqlite", "memory":
		if c.Store.Backend != "memory" && c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the %s backend", c.Store.Backend)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	switch c.Journal.Backend {
	case "none", "memory":
	case "postgres":
		if c.Journal.DSN == "" {
			return errors.New("config: journal.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown journal.backend %q", c.Journal.Backend)
	}
	if c.Advisor.Enabled && c.Advisor.URL == "" {
		return errors.New("config: advisor.url is required when the advisor is enabled")
	}
	if c.Feed.PollInterval <= 0 {
		return errors.New("config: feed.poll_interval must be positive")
	}
	return nil
}
