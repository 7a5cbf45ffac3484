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
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"intervention-engine/config"
	"intervention-engine/internal/engine"
	"intervention-engine/internal/gateway"
	"intervention-engine/internal/logger"
	"intervention-engine/internal/marketdata/feed"
	"intervention-engine/internal/metrics"
	"intervention-engine/internal/model"
	filestore "intervention-engine/internal/store/file"
	redisstore "intervention-engine/internal/store/redis"
	sqlitestore "intervention-engine/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init("engine", logger.Options{
		Level: logger.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	loc, _ := cfg.Location()
	instruments := cfg.ParseInstruments()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	health.MaxTickAge = 3 * max(cfg.Feed.PollInterval, cfg.Feed.WalkInterval)
	metricsSrv := metrics.NewServer(cfg.Server.MetricsAddr, health, prometheus.DefaultGatherer, log)
	metricsSrv.Start()

	// ---- Stores (optional; the engine runs without either) ----
	var persisters []engine.Persister

	var sqlStore *sqlitestore.Store
	if cfg.SQLite.Path != "" {
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		sqlStore, err = sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLite.Path}, log)
		if err != nil {
			log.Warn("sqlite unavailable, continuing without it", slog.String("error", err.Error()))
			sqlStore = nil
		} else {
			defer sqlStore.Close()
			health.EnableSQLite()
			sqlStore.OnCommit = func(_ int, d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
			persisters = append(persisters, engine.Persister{Name: "sqlite", Run: sqlStore.Run})
		}
	}

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", slog.String("error", err.Error()))
			rdb = nil
		} else {
			defer rdb.Close()
			health.EnableRedis()
			persisters = append(persisters, engine.Persister{Name: "redis", Run: newRedisSink(ctx, rdb, prom, log).Run})
		}
	}

	var sqlDB *sql.DB
	if sqlStore != nil {
		sqlDB = sqlStore.DB()
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	// ---- Rules & history ----
	var history model.CandleHistory
	switch {
	case sqlStore != nil:
		history = sqlStore
	case rdb != nil:
		history = redisstore.NewReader(rdb, log)
	}
	rules, ruleAdmin := ruleSource(cfg, sqlStore, rdb, log)

	// ---- Engine ----
	var hub *gateway.Hub
	eng, err := engine.New(engine.Config{
		Instruments:     instruments,
		Bucket:          cfg.Candles.Bucket,
		CloseGrace:      cfg.Candles.CloseGrace,
		LookbackBuckets: cfg.Candles.LookbackBuckets,
		RollupIntervals: cfg.Candles.RollupIntervals,
		SnapshotRefresh: cfg.Snapshot.Refresh,
		RetentionDepth:  cfg.Snapshot.RetentionDepth,
		RuleRefresh:     cfg.Rules.Refresh,
		Location:        loc,
		NoiseBound:      cfg.Rules.NoiseBound,
		Feed:            feedConfig(cfg),
	}, engine.Deps{
		Rules:      rules,
		History:    history,
		Persisters: persisters,
		Metrics:    prom,
		Health:     health,
		Log:        log,
		OnSnapshot: func(s *model.Snapshot) {
			if hub != nil {
				hub.Broadcast(s)
			}
		},
	})
	if err != nil {
		log.Error("engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub = gateway.NewHub(eng, log)
	hub.OnClientsChanged = func(n int) { prom.WSClients.Set(float64(n)) }

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, &gateway.API{
		Snapshots:   eng,
		Overrides:   eng,
		Forming:     eng,
		Hub:         hub,
		Rules:       ruleAdmin,
		Reload:      eng.RefreshRules,
		Instruments: eng.Instruments(),
		Start:       time.Now(),
		Log:         log,
	})
	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	if err := eng.Start(ctx); err != nil {
		log.Error("engine start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go func() {
		log.Info("read api listening", slog.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("read api error", slog.String("error", err.Error()))
		}
	}()

	// ---- Wait for shutdown signal ----
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	hub.Close()
	if err := eng.Stop(); err != nil {
		log.Warn("engine stop", slog.String("error", err.Error()))
	}
	metricsSrv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}

// newRedisSink wires the Redis writer behind a circuit breaker with a local
// replay buffer.
func newRedisSink(ctx context.Context, rdb *goredis.Client, prom *metrics.Metrics, log *slog.Logger) *redisstore.BufferedWriter {
	w := redisstore.NewWriter(rdb, redisstore.WriterConfig{})
	w.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }

	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
		log.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
	}

	bw := redisstore.NewBufferedWriter(context.WithoutCancel(ctx), w, cb, 10000, log)
	bw.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
	return bw
}

// ruleSource picks where rules are read from. Store-backed sources are also
// returned as the writer behind the rule admin routes; the rule file is
// read-only.
func ruleSource(cfg *config.Config, sqlStore *sqlitestore.Store, rdb *goredis.Client, log *slog.Logger) (model.RuleSource, gateway.RuleWriter) {
	switch cfg.Rules.Source {
	case "redis":
		if rdb != nil {
			r := redisstore.NewReader(rdb, log)
			return r, r
		}
		log.Warn("RULE_SOURCE=redis but redis is unavailable, using rule file", slog.String("path", cfg.Rules.File))
	case "sqlite":
		if sqlStore != nil {
			return sqlStore, sqlStore
		}
		log.Warn("RULE_SOURCE=sqlite but sqlite is unavailable, using rule file", slog.String("path", cfg.Rules.File))
	}
	return filestore.NewRuleSource(cfg.Rules.File, log), nil
}

func feedConfig(cfg *config.Config) feed.Config {
	f := cfg.Feed
	return feed.Config{
		Mode:       f.Mode,
		StallAfter: f.StallAfter,
		Poll: feed.PollConfig{
			URL:           f.PollURL,
			Interval:      f.PollInterval,
			FetchTimeout:  f.FetchTimeout,
			PricePath:     f.PricePath,
			VolumePath:    f.VolumePath,
			TimestampPath: f.TSPath,
			RateLimit:     f.RateLimit,
			APIKey:        f.APIKey,
			TOTPSecret:    f.TOTPSecret,
		},
		Stream: feed.StreamConfig{
			URL:       f.StreamURL,
			Subscribe: f.StreamSubscribe,
		},
		Walk: feed.WalkConfig{
			Interval:   f.WalkInterval,
			Volatility: f.WalkVolatility,
			Seed:       f.WalkSeed,
		},
	}
}
