package metrics

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TicksTotal.WithLabelValues("rest").Add(3)
	m.CandlesTotal.WithLabelValues("1m", CandleKind(true)).Inc()

	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("rest")); got != 3 {
		t.Errorf("expected 3 ticks, got %v", got)
	}
	if got := testutil.ToFloat64(m.CandlesTotal.WithLabelValues("1m", "synthetic")); got != 1 {
		t.Errorf("expected 1 synthetic candle, got %v", got)
	}

	// A second set on a fresh registry must not collide.
	_ = NewMetrics(prometheus.NewRegistry())
}

func TestHealthStatus_DegradesWithoutFailing(t *testing.T) {
	h := NewHealthStatus()
	now := time.Now()
	h.SetLastTickTime(now)

	if s, code := h.Status(now); s != "healthy" || code != http.StatusOK {
		t.Fatalf("expected healthy/200, got %s/%d", s, code)
	}

	h.SetFallback(true)
	if s, code := h.Status(now); s != "degraded" || code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded/503 on fallback, got %s/%d", s, code)
	}
	h.SetFallback(false)

	h.EnableRedis()
	if s, _ := h.Status(now); s != "degraded" {
		t.Errorf("expected degraded with enabled but unchecked redis, got %s", s)
	}
	h.mu.Lock()
	h.RedisConnected = true
	h.mu.Unlock()

	h.MaxTickAge = time.Second
	if s, _ := h.Status(now.Add(5 * time.Second)); s != "degraded" {
		t.Errorf("expected degraded on stale ticks, got %s", s)
	}
	if s, _ := h.Status(now); s != "healthy" {
		t.Errorf("expected healthy, got %s", s)
	}
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.OverriddenTicks.Inc()

	h := NewHealthStatus()
	h.SetFeed("walk")
	srv := NewServer(":0", h, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "intervention_overridden_ticks_total 1") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body struct {
		Status string `json:"status"`
		Feed   string `json:"feed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Feed != "walk" {
		t.Errorf("unexpected health body %+v", body)
	}
}
