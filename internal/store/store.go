package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/execution"
	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/solana"
)

// CurrentVersion is the schema version written by Save.
const CurrentVersion = 1

// ErrCorrupt is returned by Load when the stored document cannot be used.
var ErrCorrupt = errors.New("store: corrupt state")

// State is everything the trader persists across restarts.
type State struct {
	Version   int                                  `json:"version"`
	Positions map[solana.Pubkey]execution.Position `json:"positions"`
	Scores    map[solana.Pubkey][]scanner.Record   `json:"scores"`
	Cooldowns map[solana.Pubkey]time.Time          `json:"cooldowns,omitempty"`
	Leader    solana.Pubkey                        `json:"leader,omitempty"`
	SavedAt   time.Time                            `json:"saved_at"`
}

// Empty returns a state with no positions and no history.
func Empty() State {
	return State{
		Version:   CurrentVersion,
		Positions: make(map[solana.Pubkey]execution.Position),
		Scores:    make(map[solana.Pubkey][]scanner.Record),
		Cooldowns: make(map[solana.Pubkey]time.Time),
	}
}

// ScoreRecords returns the total number of retained score records.
func (s State) ScoreRecords() int {
	n := 0
	for _, recs := range s.Scores {
		n += len(recs)
	}
	return n
}

// Repository loads and saves State.
type Repository interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"` // file | sqlite | redis | memory
	Path    string `yaml:"path"`    // file and sqlite

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`

	// Documents larger than this lose their oldest score records.
	MaxBytes     int           `yaml:"max_bytes"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

func DefaultConfig() Config {
	return Config{
		Backend:      "file",
		Path:         "data/pulse-state.json",
		RedisKey:     "pulse:state",
		MaxBytes:     4 << 20,
		SaveInterval: 30 * time.Second,
	}
}

// Open creates the configured repository.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	switch cfg.Backend {
	case "", "file":
		return NewFileRepository(cfg.Path, cfg.MaxBytes)
	case "sqlite":
		return NewSQLiteRepository(cfg.Path, cfg.MaxBytes)
	case "redis":
		return NewRedisRepository(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
			MaxBytes: cfg.MaxBytes,
		})
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// LoadOrEmpty loads state and falls back to Empty on any failure. Corrupt
// or missing state is logged, never returned.
func LoadOrEmpty(ctx context.Context, repo Repository) State {
	st, err := repo.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("store: load failed, starting from empty state")
		return Empty()
	}
	return st
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode marshals st, dropping the oldest score records until the document
// fits in maxBytes. Positions are never dropped. It returns the number of
// records trimmed.
func Encode(st State, maxBytes int) ([]byte, int, error) {
	st.Version = CurrentVersion
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, 0, fmt.Errorf("store: encode: %w", err)
	}
	if maxBytes <= 0 || len(raw) <= maxBytes {
		return raw, 0, nil
	}

	recs := flatten(st.Scores)
	trimmed := 0
	for len(raw) > maxBytes {
		if len(recs) == 0 {
			return nil, trimmed, fmt.Errorf("store: %d bytes of positions exceed cap of %d", len(raw), maxBytes)
		}
		// Drop in proportion to the overshoot, at least one record.
		drop := int(float64(len(recs))*(1-float64(maxBytes)/float64(len(raw)))) + 1
		if drop > len(recs) {
			drop = len(recs)
		}
		recs = recs[drop:]
		trimmed += drop
		st.Scores = regroup(recs)
		if raw, err = json.Marshal(st); err != nil {
			return nil, trimmed, fmt.Errorf("store: encode: %w", err)
		}
	}
	log.Debug().Int("trimmed", trimmed).Int("bytes", len(raw)).Msg("store: score history trimmed to fit")
	return raw, trimmed, nil
}

type flatRecord struct {
	mint solana.Pubkey
	rec  scanner.Record
}

// flatten returns every record oldest first.
func flatten(scores map[solana.Pubkey][]scanner.Record) []flatRecord {
	out := make([]flatRecord, 0, 64)
	for mint, recs := range scores {
		for _, r := range recs {
			out = append(out, flatRecord{mint: mint, rec: r})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].rec.At.Equal(out[j].rec.At) {
			return out[i].rec.At.Before(out[j].rec.At)
		}
		return out[i].mint < out[j].mint
	})
	return out
}

func regroup(recs []flatRecord) map[solana.Pubkey][]scanner.Record {
	out := make(map[solana.Pubkey][]scanner.Record)
	for _, f := range recs {
		out[f.mint] = append(out[f.mint], f.rec)
	}
	return out
}

// Decode parses a stored document, migrating older layouts.
func Decode(raw []byte) (State, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var st State
	switch {
	case probe.Version == nil || *probe.Version == 0:
		var err error
		if st, err = migrateLegacy(raw); err != nil {
			return State{}, err
		}
	case *probe.Version == CurrentVersion:
		if err := json.Unmarshal(raw, &st); err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return State{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, *probe.Version)
	}

	empty := Empty()
	if st.Positions == nil {
		st.Positions = empty.Positions
	}
	if st.Scores == nil {
		st.Scores = empty.Scores
	}
	if st.Cooldowns == nil {
		st.Cooldowns = empty.Cooldowns
	}
	st.Version = CurrentVersion
	return st, nil
}

// ---------------------------------------------------------------------------
// Migration from the unversioned layout
// ---------------------------------------------------------------------------

// legacyDocument is the unversioned layout: camelCase keys, millisecond
// timestamps, amounts as plain numbers.
type legacyDocument struct {
	Positions    map[string]legacyPosition `json:"positions"`
	ScoreHistory map[string][]legacyRecord `json:"scoreHistory"`
}

type legacyPosition struct {
	SizeUI              json.Number `json:"sizeUi"`
	Decimals            uint8       `json:"decimals"`
	CostSOL             json.Number `json:"costSol"`
	HighWaterMarkPrice  json.Number `json:"highWaterMarkPrice"`
	AcquiredAt          int64       `json:"acquiredAt"`
	LastBuyAt           int64       `json:"lastBuyAt"`
	LastSellAt          int64       `json:"lastSellAt"`
	LastQuotedValue     json.Number `json:"lastQuotedValue"`
	LastQuotedAt        int64       `json:"lastQuotedAt"`
	AwaitingCredit      bool        `json:"awaitingOnchainCredit"`
	AllowImmediateRebuy bool        `json:"allowImmediateRebuy"`
}

type legacyRecord struct {
	TS              int64   `json:"ts"`
	PriceUSD        float64 `json:"priceUsd"`
	LiquidityUSD    float64 `json:"liquidityUsd"`
	Change5m        float64 `json:"change5m"`
	Change1h        float64 `json:"change1h"`
	Change6h        float64 `json:"change6h"`
	Change24h       float64 `json:"change24h"`
	Volume5m        float64 `json:"volume5m"`
	Volume1h        float64 `json:"volume1h"`
	Volume6h        float64 `json:"volume6h"`
	BuySellRatio24h float64 `json:"buySellRatio24h"`
}

func migrateLegacy(raw []byte) (State, error) {
	var doc legacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return State{}, fmt.Errorf("%w: legacy layout: %v", ErrCorrupt, err)
	}
	st := Empty()
	for mint, lp := range doc.Positions {
		if mint == "" {
			continue
		}
		pos := execution.Position{
			Mint:                solana.Pubkey(mint),
			SizeUI:              number(lp.SizeUI),
			Decimals:            lp.Decimals,
			CostSOL:             number(lp.CostSOL),
			HighWaterMarkPrice:  number(lp.HighWaterMarkPrice),
			AcquiredAt:          millis(lp.AcquiredAt),
			LastBuyAt:           millis(lp.LastBuyAt),
			LastSellAt:          millis(lp.LastSellAt),
			LastQuotedValueSOL:  number(lp.LastQuotedValue),
			LastQuotedAt:        millis(lp.LastQuotedAt),
			AwaitingCredit:      lp.AwaitingCredit,
			AllowImmediateRebuy: lp.AllowImmediateRebuy,
		}
		if pos.AwaitingCredit {
			// The old layout kept pending spend in costSol.
			pos.PendingCostSOL, pos.CostSOL = pos.CostSOL, pos.PendingCostSOL
		}
		st.Positions[pos.Mint] = pos
	}
	for mint, recs := range doc.ScoreHistory {
		out := make([]scanner.Record, 0, len(recs))
		for _, r := range recs {
			if r.TS <= 0 {
				continue
			}
			out = append(out, scanner.Record{
				At: millis(r.TS),
				Snapshot: scanner.Snapshot{
					Mint:            solana.Pubkey(mint),
					PriceUSD:        r.PriceUSD,
					LiquidityUSD:    r.LiquidityUSD,
					Change5m:        r.Change5m,
					Change1h:        r.Change1h,
					Change6h:        r.Change6h,
					Change24h:       r.Change24h,
					Volume5m:        r.Volume5m,
					Volume1h:        r.Volume1h,
					Volume6h:        r.Volume6h,
					BuySellRatio24h: r.BuySellRatio24h,
				}.Sanitized(),
			})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
		if len(out) > 0 {
			st.Scores[solana.Pubkey(mint)] = out
		}
	}
	log.Info().
		Int("positions", len(st.Positions)).
		Int("score_mints", len(st.Scores)).
		Msg("store: migrated unversioned state")
	return st, nil
}

func number(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ---------------------------------------------------------------------------
// MemoryRepository
// ---------------------------------------------------------------------------

// MemoryRepository keeps the encoded document in memory.
type MemoryRepository struct {
	mu  sync.Mutex
	raw []byte
}

func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (m *MemoryRepository) Load(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raw == nil {
		return Empty(), nil
	}
	return Decode(m.raw)
}

func (m *MemoryRepository) Save(_ context.Context, st State) error {
	raw, _, err := Encode(st, 0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.raw = raw
	m.mu.Unlock()
	return nil
}

// SetRaw replaces the stored document, for tests.
func (m *MemoryRepository) SetRaw(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
}

func (m *MemoryRepository) Close() error { return nil }
