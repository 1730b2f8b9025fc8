package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Trade is one executed (or simulated) swap.
type Trade struct {
	ID        string          `json:"id"`
	At        time.Time       `json:"at"`
	Side      string          `json:"side"` // buy | sell
	Mint      string          `json:"mint"`
	Symbol    string          `json:"symbol,omitempty"`
	AmountUI  decimal.Decimal `json:"amount_ui"` // tokens
	SOL       decimal.Decimal `json:"sol"`       // spent or received
	PnLSOL    decimal.Decimal `json:"pnl_sol"`   // realized, sells only
	Signature string          `json:"signature"`
	Strategy  string          `json:"strategy"`
	Rung      string          `json:"rung"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	DryRun    bool            `json:"dry_run"`
	ElapsedMs int64           `json:"elapsed_ms"`
}

// Journal records trades. Implementations must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, t Trade) error
	Close()
}

// Config selects the journal backend.
type Config struct {
	Backend  string `yaml:"backend"` // none | memory | postgres
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

func DefaultConfig() Config {
	return Config{Backend: "none", MaxConns: 4}
}

// Open creates the configured journal.
func Open(ctx context.Context, cfg Config) (Journal, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("journal: unknown backend %q", cfg.Backend)
	}
}

// Nop discards trades.
type Nop struct{}

func (Nop) Record(context.Context, Trade) error { return nil }

func (Nop) Close() {}

// Memory keeps trades in process, for tests and the stub binary.
type Memory struct {
	mu     sync.Mutex
	trades []Trade
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) Trades() []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *Memory) Close() {}

// ---------------------------------------------------------------------------
// Postgres
// ---------------------------------------------------------------------------

const createTrades = `
CREATE TABLE IF NOT EXISTS pulse_trades (
    id          TEXT PRIMARY KEY,
    at          TIMESTAMPTZ NOT NULL,
    side        TEXT        NOT NULL,
    mint        TEXT        NOT NULL,
    symbol      TEXT        NOT NULL DEFAULT '',
    amount_ui   NUMERIC     NOT NULL,
    sol         NUMERIC     NOT NULL,
    pnl_sol     NUMERIC     NOT NULL DEFAULT 0,
    signature   TEXT        NOT NULL DEFAULT '',
    strategy    TEXT        NOT NULL DEFAULT '',
    rung        TEXT        NOT NULL DEFAULT '',
    reason      TEXT        NOT NULL DEFAULT '',
    attempts    INTEGER     NOT NULL DEFAULT 0,
    dry_run     BOOLEAN     NOT NULL DEFAULT FALSE,
    elapsed_ms  BIGINT      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pulse_trades_mint_at ON pulse_trades (mint, at DESC);
`

// Postgres writes trades to a pulse_trades table, created on connect.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and creates the table.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("journal: postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createTrades); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: create table: %w", err)
	}
	log.Info().Msg("journal: postgres ready")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Record(ctx context.Context, t Trade) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pulse_trades (
			id, at, side, mint, symbol, amount_ui, sol, pnl_sol,
			signature, strategy, rung, reason, attempts, dry_run, elapsed_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.At, t.Side, t.Mint, t.Symbol,
		t.AmountUI.String(), t.SOL.String(), t.PnLSOL.String(),
		t.Signature, t.Strategy, t.Rung, t.Reason, t.Attempts, t.DryRun, t.ElapsedMs,
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }
