package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/api"
	"github.com/atmx/risk-engine/internal/archive"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/feed"
	"github.com/atmx/risk-engine/internal/gateway"
	"github.com/atmx/risk-engine/internal/insurance"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/margin"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/panicswitch"
	"github.com/atmx/risk-engine/internal/riskloop"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/surveillance"
	"github.com/atmx/risk-engine/internal/valueatrisk"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riskd: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("riskd exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("riskd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Alerts ---
	notifier := alert.NewNotifier(logger)
	recent := alert.NewRecorder(500)
	hub := api.NewHub(logger)
	notifier.Register(alert.NewLogSender(logger), alert.SeverityInfo)
	notifier.Register(recent, alert.SeverityInfo)
	notifier.Register(hub, alert.SeverityInfo)

	// --- Store ---
	var st store.Store
	var mem *store.MemoryStore
	if cfg.Database.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.dsn not set, using in-memory store with demo accounts (data will not persist)")
		mem = store.NewMemoryStore()
		seedDemoAccounts(mem)
		st = mem
	}

	// --- Redis: cache, liquidation lease, halt mirror ---
	var locker liquidation.Locker
	switchOpts := []panicswitch.Option{panicswitch.WithAlerts(notifier), panicswitch.WithLogger(logger)}
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if cfg.Redis.CacheTTL.Duration > 0 {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration, logger)
		}
		locker = store.NewLockManager(rdb)
		switchOpts = append(switchOpts, panicswitch.WithMirror(store.NewHaltMirror(rdb)))
		slog.Info("Redis enabled", "cache_ttl", cfg.Redis.CacheTTL.Duration, "lease_ttl", cfg.Redis.LeaseTTL.Duration)
	}

	// --- Panic switch ---
	sw := panicswitch.New(cfg.Panic.AuthorizedIdentity, switchOpts...)
	if err := sw.Restore(ctx); err != nil {
		slog.Error("could not read halt mirror; starting disarmed", "err", err)
	}

	// --- Insurance fund ---
	fund, err := insurance.NewFund(
		decimal.NewFromFloat(cfg.Insurance.InitialBalance),
		decimal.NewFromFloat(cfg.Insurance.LossFraction),
		decimal.NewFromFloat(cfg.Insurance.MaxDeficit),
		notifier, logger)
	if err != nil {
		return err
	}

	// --- Matching-engine gateway ---
	var executor liquidation.Executor
	if cfg.Gateway.BaseURL != "" {
		executor = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token, cfg.Gateway.Timeout.Duration)
		slog.Info("matching engine gateway", "base_url", cfg.Gateway.BaseURL)
	} else {
		var book gateway.AccountBook
		if mem != nil {
			book = mem
		}
		executor = gateway.NewSimulator(book, cfg.SimulatorConfig(), logger)
		slog.Warn("gateway.base_url not set, liquidation actions are simulated")
	}

	// --- Case archive ---
	archivers := archive.Fanout{st}
	if cfg.S3.Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return err
		}
		archivers = append(archivers, s3a)
		slog.Info("S3 case archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- Waterfall ---
	registry := liquidation.NewRegistry(locker, cfg.Redis.LeaseTTL.Duration, logger)
	waterfall, err := liquidation.NewWaterfall(liquidation.Deps{
		Margin:   st,
		Executor: executor,
		Takeover: fund,
		Halt:     sw,
		Registry: registry,
		Archiver: archivers,
		Alerts:   notifier,
	}, liquidation.WithRetryPolicy(cfg.RetryPolicy()), liquidation.WithLogger(logger))
	if err != nil {
		return err
	}

	// --- Trade feed ---
	var trades feed.TradeFeed
	if len(cfg.Kafka.Brokers) > 0 {
		kf, err := feed.NewKafkaFeed(feed.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			GroupID:     cfg.Kafka.GroupID,
			PollTimeout: cfg.Kafka.PollTimeout.Duration,
		}, logger)
		if err != nil {
			return err
		}
		trades = kf
		slog.Info("Kafka trade feed enabled", "topic", cfg.Kafka.Topic)
	} else {
		trades = feed.NewMemoryFeed()
	}
	cleanup = append(cleanup, func() { trades.Close() })

	// --- Risk loop ---
	table, err := cfg.RateTable()
	if err != nil {
		return err
	}
	detector, err := surveillance.NewDetector(surveillance.Config{
		Threshold:    cfg.Surveillance.WashThreshold,
		AutoHalt:     cfg.Surveillance.AutoHalt,
		HaltIdentity: cfg.Surveillance.HaltIdentity,
	}, sw, notifier, logger)
	if err != nil {
		return err
	}
	loop, err := riskloop.New(riskloop.Config{
		TickInterval: cfg.Loop.TickInterval.Duration,
		Concurrency:  cfg.Loop.Concurrency,
		CallTimeout:  cfg.Loop.CallTimeout.Duration,
		BatchSize:    cfg.Kafka.BatchSize,
		Retry:        cfg.RetryPolicy(),
		Confidence:   cfg.VaR.Confidence,
		Iterations:   cfg.VaR.Iterations,
		Volatility:   cfg.VaR.Volatility,
		Seed:         cfg.VaR.Seed,
	}, riskloop.Deps{
		Accounts:   st,
		Calculator: margin.NewCalculator(table, margin.WithLogger(logger)),
		Estimator:  valueatrisk.NewEstimator(cfg.VaR.Workers),
		Liquidator: waterfall,
		Halt:       sw,
		Feed:       trades,
		Scanner:    detector,
		Snapshots:  hub,
	}, logger)
	if err != nil {
		return err
	}

	// --- HTTP ---
	srv := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.Port),
		Handler: api.NewServer(api.Deps{
			Panic:  sw,
			Loop:   loop,
			Live:   registry,
			Cases:  st,
			Fund:   fund,
			Hub:    hub,
			Alerts: recent,
		}, logger).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("riskd listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down riskd...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// seedDemoAccounts gives the in-memory store something to evaluate.
func seedDemoAccounts(mem *store.MemoryStore) {
	pos := func(sym string, class model.AssetClass, notional int64) model.Position {
		side := model.SideLong
		if notional < 0 {
			side = model.SideShort
		}
		return model.Position{Symbol: sym, AssetClass: class, Notional: decimal.NewFromInt(notional), Side: side}
	}
	mem.PutAccount("demo_healthy", decimal.NewFromInt(60_000),
		pos("BTC-USD", model.AssetCrypto, 250_000),
		pos("EUR-USD", model.AssetForex, -400_000),
	)
	mem.PutAccount("demo_thin", decimal.NewFromInt(24_000),
		pos("AAPL", model.AssetStock, 150_000),
		pos("ETH-USD", model.AssetCrypto, 200_000),
	)
	mem.PutAccount("demo_underwater", decimal.NewFromInt(3_000),
		pos("TSLA", model.AssetStock, 120_000),
		pos("GC", model.AssetFuture, 80_000),
	)
}
