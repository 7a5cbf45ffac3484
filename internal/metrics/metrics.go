// Package metrics exposes Prometheus metrics and the /healthz probe of the
// intervention engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Tick path
	TicksTotal      *prometheus.CounterVec // labels: source
	OverriddenTicks prometheus.Counter
	DroppedTicks    *prometheus.CounterVec // labels: reason
	ClampedTicks    prometheus.Counter

	// Upstream feeds
	FetchErrors      *prometheus.CounterVec // labels: instrument
	PollCycleDur     prometheus.Histogram
	StreamReconnects prometheus.Counter
	FallbackActive   prometheus.Gauge

	// Candles
	CandlesTotal      *prometheus.CounterVec // labels: interval, kind=real|synthetic
	SkippedGapBuckets prometheus.Counter
	StaleRollups      prometheus.Counter
	CandleLag         prometheus.Gauge

	// Rules
	RuleSetVersion    prometheus.Gauge
	RulesLoaded       prometheus.Gauge
	RuleRefreshErrors prometheus.Counter
	InvalidRules      prometheus.Counter
	ActiveOverrides   *prometheus.GaugeVec // labels: instrument

	// Snapshot
	SnapshotVersion prometheus.Gauge
	RingEvictions   prometheus.Counter
	WSClients       prometheus.Gauge

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber, instrument
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Persistence
	RedisWriteDur            prometheus.Histogram
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them on reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_ticks_total",
			Help: "Ticks received from upstream feeds",
		}, []string{"source"}),
		OverriddenTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_overridden_ticks_total",
			Help: "Ticks whose price was produced by an intervention rule",
		}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_dropped_ticks_total",
			Help: "Ticks dropped before aggregation",
		}, []string{"reason"}),
		ClampedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_clamped_ticks_total",
			Help: "Ticks whose timestamp was moved into the open bucket or back to the wall clock",
		}),

		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_fetch_errors_total",
			Help: "Per-instrument upstream fetch failures",
		}, []string{"instrument"}),
		PollCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intervention_poll_cycle_duration_seconds",
			Help:    "Duration of one REST polling cycle",
			Buckets: prometheus.DefBuckets,
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_stream_reconnects_total",
			Help: "WebSocket feed reconnection attempts",
		}),
		FallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_fallback_active",
			Help: "1 while the random-walk fallback feeds the engine",
		}),

		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_candles_total",
			Help: "Closed candles emitted",
		}, []string{"interval", "kind"}),
		SkippedGapBuckets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_skipped_gap_buckets_total",
			Help: "Missing buckets older than the look-back window that were not filled",
		}),
		StaleRollups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_stale_rollup_candles_total",
			Help: "Base candles rejected by the rollup builder as late",
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_candle_lag_seconds",
			Help: "Lag between bucket end and candle emission",
		}),

		RuleSetVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_ruleset_version",
			Help: "Version of the rule set in effect",
		}),
		RulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_rules_loaded",
			Help: "Enabled candidate rules across all instruments",
		}),
		RuleRefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_rule_refresh_errors_total",
			Help: "Failed per-instrument rule reads",
		}),
		InvalidRules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_invalid_rules_total",
			Help: "Rules skipped during resolution for violating invariants",
		}),
		ActiveOverrides: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intervention_override_active",
			Help: "1 while an intervention rule overrides the instrument",
		}, []string{"instrument"}),

		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_snapshot_version",
			Help: "Version of the published snapshot",
		}),
		RingEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_ring_evictions_total",
			Help: "Candles evicted from the recent-candle rings",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_ws_clients",
			Help: "Connected snapshot WebSocket clients",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_fanout_drops_total",
			Help: "Candles dropped by the fan-out bus per subscriber and instrument",
		}, []string{"subscriber", "instrument"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intervention_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intervention_redis_write_duration_seconds",
			Help:    "Redis candle write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intervention_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intervention_redis_buffered_writes_total",
			Help: "Candle writes buffered locally while the Redis breaker is open",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.OverriddenTicks,
		m.DroppedTicks,
		m.ClampedTicks,
		m.FetchErrors,
		m.PollCycleDur,
		m.StreamReconnects,
		m.FallbackActive,
		m.CandlesTotal,
		m.SkippedGapBuckets,
		m.StaleRollups,
		m.CandleLag,
		m.RuleSetVersion,
		m.RulesLoaded,
		m.RuleRefreshErrors,
		m.InvalidRules,
		m.ActiveOverrides,
		m.SnapshotVersion,
		m.RingEvictions,
		m.WSClients,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// CandleKind returns the "kind" label value for a candle.
func CandleKind(synthetic bool) string {
	if synthetic {
		return "synthetic"
	}
	return "real"
}

// HealthStatus represents the engine health.
type HealthStatus struct {
	mu sync.RWMutex

	Feed         string    `json:"feed"`
	Fallback     bool      `json:"fallback"`
	LastTickTime time.Time `json:"last_tick_time"`
	RulesStale   bool      `json:"rules_stale"`

	// Optional dependencies; only checked when enabled.
	RedisEnabled   bool `json:"redis_enabled"`
	RedisConnected bool `json:"redis_connected"`
	SQLiteEnabled  bool `json:"sqlite_enabled"`
	SQLiteOK       bool `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// MaxTickAge marks the feed degraded when no tick arrived for longer.
	// Zero disables the check.
	MaxTickAge time.Duration `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeed(name string) {
	h.mu.Lock()
	h.Feed = name
	h.mu.Unlock()
}

func (h *HealthStatus) SetFallback(v bool) {
	h.mu.Lock()
	h.Fallback = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRulesStale(v bool) {
	h.mu.Lock()
	h.RulesStale = v
	h.mu.Unlock()
}

// EnableRedis marks Redis as a dependency to be probed.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.RedisEnabled = true
	h.mu.Unlock()
}

// EnableSQLite marks SQLite as a dependency to be probed.
func (h *HealthStatus) EnableSQLite() {
	h.mu.Lock()
	h.SQLiteEnabled = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Status returns the overall status and the HTTP code for /healthz.
// The engine degrades rather than fails: fallback feeds, stale rules or a
// lost store all report "degraded".
func (h *HealthStatus) Status(now time.Time) (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	degraded := h.Fallback || h.RulesStale ||
		(h.RedisEnabled && !h.RedisConnected) ||
		(h.SQLiteEnabled && !h.SQLiteOK)
	if h.MaxTickAge > 0 && (h.LastTickTime.IsZero() || now.Sub(h.LastTickTime) > h.MaxTickAge) {
		degraded = true
	}
	if degraded {
		return "degraded", http.StatusServiceUnavailable
	}
	return "healthy", http.StatusOK
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	overall, code := h.Status(now)

	h.mu.RLock()
	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
	}
	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Feed            string  `json:"feed"`
		Fallback        bool    `json:"fallback"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RulesStale      bool    `json:"rules_stale"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		Feed:            h.Feed,
		Fallback:        h.Fallback,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RulesStale:      h.RulesStale,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server. gatherer defaults to
// prometheus.DefaultGatherer when nil.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}
