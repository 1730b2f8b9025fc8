package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/pulse/internal/adapters/jupiter"
	"github.com/nexus-trading/pulse/internal/config"
	"github.com/nexus-trading/pulse/internal/execution"
	"github.com/nexus-trading/pulse/internal/intel"
	"github.com/nexus-trading/pulse/internal/journal"
	"github.com/nexus-trading/pulse/internal/market"
	"github.com/nexus-trading/pulse/internal/observability"
	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/sniper"
	"github.com/nexus-trading/pulse/internal/solana"
	"github.com/nexus-trading/pulse/internal/store"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/pulse.yaml", "Path to configuration file")
	forceDryRun := flag.Bool("dry-run", false, "Force dry run (paper fills, no transactions sent)")
	stubMode := flag.Bool("stub", false, "Use stub RPC and router (no Solana or Jupiter connection)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *forceDryRun || *stubMode {
		cfg.General.DryRun = true
		cfg.Swap.DryRun = true
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.Swap.DryRun).
		Bool("stub_mode", *stubMode).
		Str("mode", string(cfg.Trader.Mode)).
		Float64("max_buy_sol", cfg.Trader.MaxBuySOL).
		Int("max_positions", cfg.Trader.MaxPositions).
		Float64("take_profit_pct", cfg.Exits.TakeProfitPct).
		Float64("stop_loss_pct", cfg.Exits.StopLossPct).
		Dur("tick", cfg.Trader.TickInterval).
		Msg("pulse: configuration loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("pulse: configuration validation failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("pulse: shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, *stubMode); err != nil {
		log.Fatal().Err(err).Msg("pulse: stopped with error")
	}
	log.Info().Msg("pulse: shutdown complete")
}

// services holds everything run() wires together.
type services struct {
	rpc      solana.RPCClient
	liveRPC  *solana.LiveRPCClient
	router   jupiter.Router
	stub     *jupiter.StubRouter
	api      *jupiter.APIClient
	executor *execution.Executor
	fees     *solana.PriorityFeeEstimator
	watcher  *solana.SignatureWatcher
	advisor  *intel.HTTPAdvisor
	feed     *market.Feed
	loop     *sniper.Loop
	repo     store.Repository
	journal  journal.Journal
	metrics  *observability.Registry
	health   *observability.HealthMonitor
}

func run(ctx context.Context, cfg *config.Config, stubMode bool) error {
	svc, err := wire(ctx, cfg, stubMode)
	if err != nil {
		return err
	}
	defer svc.journal.Close()
	defer svc.repo.Close()

	// Restore positions, score history, cooldowns and the leader.
	st := store.LoadOrEmpty(ctx, svc.repo)
	svc.loop.Restore(st, time.Now())
	for _, pos := range svc.loop.Positions() {
		svc.feed.Watch(pos.Mint)
	}
	log.Info().
		Int("positions", len(st.Positions)).
		Int("score_records", st.ScoreRecords()).
		Str("leader", string(st.Leader)).
		Msg("pulse: state restored")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return svc.loop.Run(gctx) })

	g.Go(func() error {
		return svc.feed.Run(gctx, func(_ context.Context, snaps []scanner.Snapshot, at time.Time) {
			if svc.stub != nil {
				seedStubPrices(svc.stub, snaps, cfg.General.StubSOLPriceUSD)
			}
			svc.loop.Ingest(snaps, at)
		})
	})

	g.Go(func() error {
		persistLoop(gctx, svc.repo, svc.loop, cfg.Store.SaveInterval)
		return nil
	})

	if svc.fees != nil {
		g.Go(func() error { return svc.fees.Run(gctx) })
	}

	g.Go(func() error {
		svc.health.Start(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case a := <-svc.health.Alerts():
				ev := log.Info()
				if a.Level != "info" {
					ev = log.Warn()
				}
				ev.Str("component", a.Component).Str("level", a.Level).Msg("pulse: health " + a.Message)
			}
		}
	})

	if cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              cfg.Metrics.HTTPAddr,
			Handler:           newMux(cfg, svc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Metrics.HTTPAddr).Msg("pulse: http listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	// Final save on a fresh context; the run context is already cancelled.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	save(saveCtx, svc.repo, svc.loop)

	return err
}

func wire(ctx context.Context, cfg *config.Config, stubMode bool) (*services, error) {
	svc := &services{metrics: observability.PulseMetrics()}

	// Solana RPC.
	if stubMode {
		svc.rpc = solana.NewStubRPCClient()
		log.Info().Msg("pulse: solana rpc STUB mode")
	} else {
		svc.liveRPC = solana.NewLiveRPCClient(cfg.Solana.RPC)
		svc.rpc = svc.liveRPC

		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := svc.rpc.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.Solana.RPC.Endpoint).
				Msg("pulse: solana rpc health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Str("endpoint", cfg.Solana.RPC.Endpoint).Msg("pulse: solana rpc connected")
		}
		healthCancel()
		svc.watcher = solana.NewSignatureWatcher(cfg.Solana.RPC.WSEndpoint)
	}

	// Wallet.
	var signer solana.Signer
	var owner solana.Pubkey
	switch {
	case cfg.Solana.PrivateKey != "" || cfg.Solana.KeyFile != "":
		wallet, err := solana.LoadWallet(cfg.Solana.PrivateKey, cfg.Solana.KeyFile)
		if err != nil {
			return nil, err
		}
		signer, owner = wallet, wallet.PublicKey()
	case cfg.Solana.WalletPubkey != "":
		owner = solana.Pubkey(cfg.Solana.WalletPubkey)
	default:
		wallet, err := solana.GenerateWallet()
		if err != nil {
			return nil, err
		}
		owner = wallet.PublicKey()
		log.Warn().Str("owner", string(owner)).Msg("pulse: no wallet configured, using a throwaway dry-run owner")
	}

	// Router.
	if stubMode {
		svc.stub = jupiter.NewStubRouter()
		svc.router = svc.stub
	} else {
		svc.api = jupiter.NewAPIClient(cfg.Jupiter)
		svc.router = svc.api
	}

	// Executor.
	confirmer := execution.NewConfirmer(cfg.Confirm, svc.rpc, svc.watcher)
	svc.executor = execution.NewExecutor(cfg.Swap, svc.router, svc.rpc, signer, confirmer)
	var balances execution.Balances
	if cfg.Swap.DryRun {
		paper := execution.NewPaperLedger(cfg.Paper)
		svc.executor.SetPaperLedger(paper)
		balances = paper
	} else {
		balances = solana.NewBalanceReader(svc.rpc, cfg.Solana.Balances)
	}
	if svc.liveRPC != nil && cfg.Solana.PriorityFees {
		svc.fees = solana.NewPriorityFeeEstimator(svc.liveRPC)
		svc.executor.SetFeeEstimator(svc.fees)
	}

	// Scoring.
	history := scanner.NewHistoryStore(cfg.History)
	tracker := scanner.NewTracker(scanner.NewScorer(cfg.Scoring), history)
	selector := scanner.NewSelector(cfg.Selector)
	svc.feed = market.NewFeed(cfg.Feed, scanner.NewSanitizer(cfg.Sanitizer))

	safety := sniper.NewSafetyMonitor(cfg.Safety)
	liqWarnings := svc.metrics.GetCounter(observability.MetricLiquidityWarns)
	safety.SetOnWarning(func(solana.Pubkey, float64) { liqWarnings.Inc() })

	// Persistence and journal.
	repo, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	svc.repo = repo
	jrnl, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		repo.Close()
		return nil, err
	}
	svc.journal = jrnl

	deps := sniper.Deps{
		Owner:     owner,
		History:   history,
		Tracker:   tracker,
		Selector:  selector,
		Executor:  svc.executor,
		Router:    svc.router,
		Positions: execution.NewPositionStore(cfg.Positions, balances),
		Balances:  balances,
		Confirmer: confirmer,
		Safety:    safety,
		Journal:   jrnl,
		Metrics:   svc.metrics,
	}
	if cfg.Advisor.Enabled {
		svc.advisor = intel.NewHTTPAdvisor(cfg.Advisor)
		deps.Advisor = svc.advisor
	}

	loop, err := sniper.NewLoop(cfg.Trader, cfg.Exits, deps)
	if err != nil {
		jrnl.Close()
		repo.Close()
		return nil, err
	}
	loop.SetOnBuy(func(b sniper.BuyReport) {
		if b.Result.OK {
			svc.feed.Watch(b.Mint)
		}
	})
	loop.SetOnSell(func(s sniper.SellReport) {
		if s.Booked && s.Outcome.Closed {
			svc.feed.Unwatch(s.Mint)
		}
	})
	svc.loop = loop

	// Health.
	tick := cfg.Trader.TickInterval
	svc.health = observability.NewHealthMonitor(30 * time.Second)
	svc.health.Register("loop", observability.StalenessCheck(loop.LastTick, 3*tick, 10*tick))
	svc.health.Register("feed", observability.StalenessCheck(func() time.Time {
		return svc.feed.Stats().LastPoll
	}, 3*cfg.Feed.PollInterval, 10*cfg.Feed.PollInterval))
	svc.health.Register("control", observability.FlagCheck(func() bool {
		return loop.State() == sniper.StateKilled
	}, "kill switch engaged"))

	log.Info().
		Str("owner", string(owner)).
		Str("store", cfg.Store.Backend).
		Str("journal", cfg.Journal.Backend).
		Bool("advisor", cfg.Advisor.Enabled).
		Msg("pulse: services wired")
	return svc, nil
}

// seedStubPrices prices each snapshot in SOL so the stub router can quote it.
func seedStubPrices(router *jupiter.StubRouter, snaps []scanner.Snapshot, solUSD float64) {
	for _, s := range snaps {
		if s.PriceUSD <= 0 {
			continue
		}
		router.SetPrice(s.Mint, decimal.NewFromFloat(s.PriceUSD/solUSD), 6)
	}
}

func persistLoop(ctx context.Context, repo store.Repository, loop *sniper.Loop, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			save(ctx, repo, loop)
		}
	}
}

func save(ctx context.Context, repo store.Repository, loop *sniper.Loop) {
	st := loop.Snapshot(time.Now())
	if err := repo.Save(ctx, st); err != nil {
		log.Error().Err(err).Msg("pulse: state save failed")
		return
	}
	log.Debug().Int("positions", len(st.Positions)).Int("score_records", st.ScoreRecords()).Msg("pulse: state saved")
}

func newMux(cfg *config.Config, svc *services) *http.ServeMux {
	mux := http.NewServeMux()

	// ── Health ──
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := svc.health.Check(r.Context())
		code := http.StatusOK
		if h.Status == observability.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"health":  h,
			"state":   svc.loop.State(),
			"dry_run": cfg.Swap.DryRun,
		})
	})

	// ── Stats ──
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		combined := map[string]any{
			"loop":     svc.loop.Stats(),
			"executor": svc.executor.Stats(),
			"feed":     svc.feed.Stats(),
		}
		if svc.api != nil {
			combined["jupiter"] = svc.api.APIStats()
		}
		if svc.liveRPC != nil {
			combined["rpc"] = svc.liveRPC.Stats()
		}
		if svc.watcher != nil {
			combined["sigwatch"] = svc.watcher.Stats()
		}
		if svc.fees != nil {
			combined["priority_fees"] = svc.fees.Stats()
		}
		if svc.advisor != nil {
			combined["advisor"] = svc.advisor.Stats()
		}
		writeJSON(w, http.StatusOK, combined)
	})

	// ── Positions and candidates ──
	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.loop.Positions())
	})
	mux.HandleFunc("/candidates", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"leader":     svc.loop.Leader(),
			"candidates": svc.loop.Candidates(),
		})
	})

	// ── Metrics ──
	mux.Handle("/metrics", observability.NewPrometheusExporter(svc.metrics))

	// ── Control Plane ──
	control := func(action func(), msg string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			action()
			log.Warn().Str("state", string(svc.loop.State())).Msg("pulse: " + msg)
			writeJSON(w, http.StatusOK, map[string]any{"state": svc.loop.State()})
		}
	}
	mux.HandleFunc("/control/pause", control(svc.loop.Pause, "paused, no new entries"))
	mux.HandleFunc("/control/resume", control(svc.loop.Resume, "resume requested"))
	mux.HandleFunc("/control/kill", control(svc.loop.Kill, "kill switch engaged, loop halted"))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("pulse: write response")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "pulse-trader").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "pulse-trader").
			Str("instance", general.InstanceID).Logger()
	}
}
