package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/admin"
	"github.com/emperorhan/wallet-monitor/internal/cache"
	"github.com/emperorhan/wallet-monitor/internal/chain"
	"github.com/emperorhan/wallet-monitor/internal/chain/evm"
	"github.com/emperorhan/wallet-monitor/internal/chain/explorer"
	"github.com/emperorhan/wallet-monitor/internal/circuitbreaker"
	"github.com/emperorhan/wallet-monitor/internal/config"
	"github.com/emperorhan/wallet-monitor/internal/discovery"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/history"
	"github.com/emperorhan/wallet-monitor/internal/metrics"
	"github.com/emperorhan/wallet-monitor/internal/monitor"
	"github.com/emperorhan/wallet-monitor/internal/notify"
	"github.com/emperorhan/wallet-monitor/internal/orchestrator"
	"github.com/emperorhan/wallet-monitor/internal/pricing"
	"github.com/emperorhan/wallet-monitor/internal/retry"
	"github.com/emperorhan/wallet-monitor/internal/scheduler"
	"github.com/emperorhan/wallet-monitor/internal/store"
	"github.com/emperorhan/wallet-monitor/internal/store/memory"
	"github.com/emperorhan/wallet-monitor/internal/store/postgres"
	"github.com/emperorhan/wallet-monitor/internal/store/redis"
	"github.com/emperorhan/wallet-monitor/internal/tracing"
	"github.com/emperorhan/wallet-monitor/internal/tracking"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout        = 10 * time.Second
	dbPoolStatsInterval    = 15 * time.Second
	defaultPriceCacheSize  = 500
	defaultPortfolioFanout = 8
)

type dbStatsProvider interface {
	Stats() sql.DBStats
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("wallet monitor exited", "error", err)
		os.Exit(1)
	}
	logger.Info("wallet monitor stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, tracing.Config{
			ServiceName: "wallet-monitor",
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown error", "error", err)
			}
		}()
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	var db *postgres.DB
	if cfg.Store.Backend == config.StorePostgres || cfg.Wallet.Source == config.WalletSourcePostgres {
		var err error
		db, err = postgres.New(ctx, postgres.Config{
			URL:             cfg.DB.URL,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("connected to postgres")
	}

	kv, closeKV, err := openKV(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeKV()

	wallets := openWallets(cfg, db)

	router, details, readers, err := dialReaders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	defaultChain := model.ChainID(cfg.Chains.DefaultChainID)
	candidates, err := loadCandidates(cfg.Chains.TokenListPath, defaultChain)
	if err != nil {
		return err
	}

	balanceCache := cache.NewStore[model.WalletBalance](cache.Config{
		Name:          "portfolio",
		MaxEntries:    cfg.Cache.MaxEntries,
		SweepInterval: cfg.Cache.SweepInterval,
	}, logger)
	portfolio := chain.NewPortfolioSource(router, balanceCache, chain.PortfolioConfig{
		Chains:       router.Chains(),
		PrimaryChain: defaultChain,
		Candidates:   candidates,
		Concurrency:  defaultPortfolioFanout,
	}, logger)

	tracked := tracking.NewStore(kv, logger, tracking.WithDefaultChain(defaultChain))
	discoverySvc := discovery.New(portfolio, tracked, logger)
	monitorSvc := monitor.New(router, tracked, logger)

	prices := pricing.New(pricing.Config{
		BaseURL: cfg.Pricing.URL,
		APIKey:  cfg.Pricing.APIKey,
	}, cache.NewPriceCache(defaultPriceCacheSize), logger)
	dispatcher := notify.NewDispatcher(logger, prices, buildSinks(cfg.Notify, logger)...)
	dispatcher.SetDefaultChain(defaultChain)

	explorerClient := explorer.NewClient(explorer.Config{
		BaseURL: cfg.Explorer.URL,
		APIKey:  cfg.Explorer.APIKey,
		ChainID: defaultChain,
	}, logger)
	historySvc := history.New(explorerClient, details, cache.NewTransactionCache(), logger)

	sched := newScheduler(cfg.Monitor.BackgroundTasks, logger)
	defer sched.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Wallets:   wallets,
		KV:        kv,
		Discovery: discoverySvc,
		Monitor:   monitorSvc,
		Notifier:  dispatcher,
		Scheduler: sched,
		Scopes:    []orchestrator.Scoper{portfolio},
		History:   historySvc,
	}, orchestrator.Config{
		MinInterval:         cfg.Monitor.MinInterval,
		RediscoveryInterval: cfg.Monitor.RediscoveryInterval,
	}, logger)
	defer orch.Close()

	if cfg.Monitor.AutoStart {
		autoStart(ctx, orch, logger)
	}

	limiter := admin.NewRateLimitMiddleware(logger)
	defer limiter.Stop()
	srv := admin.NewServer(orch, wallets, logger,
		admin.WithTrackedState(discoverySvc),
		admin.WithHistory(historySvc),
	)
	handler := admin.AuditMiddleware(logger, limiter.Wrap(srv.Handler()))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(balanceCache.Run(gCtx))
	})
	g.Go(func() error {
		return runAdminServer(gCtx, cfg.Server.AdminPort, handler, logger)
	})
	if db != nil {
		g.Go(func() error {
			runDBPoolStatsPump(gCtx, db, dbPoolStatsInterval, logger)
			return nil
		})
	}

	logger.Info("wallet monitor started",
		"chains", len(readers),
		"store", cfg.Store.Backend,
		"wallet_source", cfg.Wallet.Source,
		"background_tasks", cfg.Monitor.BackgroundTasks,
	)
	return g.Wait()
}

func openKV(ctx context.Context, cfg *config.Config, db *postgres.DB) (store.KVStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		kv, err := redis.NewKV(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return kv, func() { _ = kv.Close() }, nil
	case config.StorePostgres:
		return postgres.NewKVRepo(db), func() {}, nil
	default:
		return memory.NewKV(), func() {}, nil
	}
}

func openWallets(cfg *config.Config, db *postgres.DB) store.WalletRepository {
	if cfg.Wallet.Source == config.WalletSourcePostgres {
		return postgres.NewWalletRepo(db)
	}
	return memory.NewStaticWalletRepo(cfg.Wallet.Address, cfg.Wallet.Label)
}

func dialReaders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chain.Router, map[model.ChainID]history.DetailFetcher, []*evm.Reader, error) {
	router := chain.NewRouter()
	details := make(map[model.ChainID]history.DetailFetcher, len(cfg.Chains.RPCURLs))
	readers := make([]*evm.Reader, 0, len(cfg.Chains.RPCURLs))

	for _, id := range sortedChainIDs(cfg.Chains.RPCURLs) {
		chainID := model.ChainID(id)
		reader, err := evm.Dial(ctx, cfg.Chains.RPCURLs[id], chainID, evm.Options{
			RPS:         cfg.Chains.RPS,
			Burst:       cfg.Chains.Burst,
			Breaker:     circuitbreaker.Config{Name: chainID.String()},
			RetryPolicy: retry.DefaultPolicy,
		}, logger)
		if err != nil {
			for _, r := range readers {
				r.Close()
			}
			return nil, nil, nil, fmt.Errorf("dial chain %s: %w", chainID, err)
		}
		router.Register(chainID, reader)
		details[chainID] = reader
		readers = append(readers, reader)
	}
	return router, details, readers, nil
}

func sortedChainIDs(urls map[int64]string) []int64 {
	ids := make([]int64, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func loadCandidates(path string, defaultChain model.ChainID) ([]model.TokenInfo, error) {
	if path == "" {
		return nil, nil
	}
	tokens, err := chain.LoadTokenList(path, defaultChain)
	if err != nil {
		return nil, fmt.Errorf("load token list: %w", err)
	}
	return tokens, nil
}

func buildSinks(cfg config.NotifyConfig, logger *slog.Logger) []notify.Sink {
	var sinks []notify.Sink
	if cfg.Log {
		sinks = append(sinks, notify.NewLogSink(logger))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.SlackWebhookURL))
	}
	return sinks
}

func newScheduler(enabled bool, logger *slog.Logger) scheduler.Scheduler {
	if !enabled {
		logger.Info("background tasks disabled, monitoring cannot be started")
		return scheduler.Unsupported{}
	}
	return scheduler.NewTicker(logger)
}

// autoStart brings the orchestrator up at boot. Failures are logged only; the
// admin API can retry later.
func autoStart(ctx context.Context, orch *orchestrator.Service, logger *slog.Logger) {
	if err := orch.Initialize(ctx); err != nil {
		logger.Warn("auto initialize failed", "error", err)
		return
	}
	if err := orch.StartMonitoring(ctx); err != nil {
		logger.Warn("auto start monitoring failed", "error", err)
	}
}

func runAdminServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func collectDBPoolStats(db dbStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
	metrics.DBPoolInUse.Set(float64(stats.InUse))
	metrics.DBPoolIdle.Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))
	metrics.DBPoolWaitDurationSeconds.Set(stats.WaitDuration.Seconds())
	return nil
}

func runDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}
	if err := collectDBPoolStats(db); err != nil {
		logger.Warn("db pool stats collection failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collectDBPoolStats(db); err != nil {
				logger.Warn("db pool stats collection failed", "error", err)
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
