package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
	"intervention-engine/internal/timewindow"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSnaps struct{ cur atomic.Pointer[model.Snapshot] }

func (f *fakeSnaps) GetSnapshot() *model.Snapshot { return f.cur.Load() }

type fakeOverrides struct{ rule *model.InterventionRule }

func (f fakeOverrides) EffectiveOverride(instrument string, _ time.Time) model.EffectiveOverride {
	if f.rule == nil || f.rule.Instrument != instrument {
		return model.NoOverride
	}
	return model.EffectiveOverride{Rule: f.rule, Progress: 0.25}
}

func testSnapshot(version uint64) *model.Snapshot {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	candles := make([]model.Candle, 3)
	for i := range candles {
		px := decimal.NewFromInt(int64(65000 + i))
		candles[i] = model.Candle{
			Instrument: "BTC/USDT", Interval: time.Minute,
			BucketStart: t0.Add(time.Duration(i) * time.Minute),
			Open:        px, High: px, Low: px, Close: px, Volume: decimal.Zero,
		}
	}
	return &model.Snapshot{
		Version: version,
		TakenAt: t0.Add(3 * time.Minute),
		LatestTicks: map[string]model.Tick{
			"BTC/USDT": {Instrument: "BTC/USDT", Price: decimal.NewFromInt(65002), Timestamp: t0.Add(150 * time.Second)},
		},
		RecentCandles: map[string][]model.Candle{"BTC/USDT": candles},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSnaps, *Hub) {
	t.Helper()
	snaps := &fakeSnaps{}
	snaps.cur.Store(testSnapshot(7))
	hub := NewHub(snaps, quiet)
	rule := &model.InterventionRule{
		ID: "r1", Instrument: "BTC/USDT",
		Window:   timewindow.Window{Start: timewindow.Clock(10, 0, 0), End: timewindow.Clock(11, 0, 0)},
		MinPrice: decimal.NewFromInt(65000), MaxPrice: decimal.NewFromInt(66000),
		Trend: model.TrendUp, Enabled: true,
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, &API{
		Snapshots:   snaps,
		Overrides:   fakeOverrides{rule: rule},
		Hub:         hub,
		Instruments: []string{"BTC/USDT", "ETH/USDT"},
		Log:         quiet,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, snaps, hub
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestCandlesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var out CandlesOut
	getJSON(t, srv.URL+"/api/candles?instrument=BTC/USDT&limit=2", http.StatusOK, &out)
	if out.Version != 7 || len(out.Candles) != 2 {
		t.Fatalf("got version %d with %d candles", out.Version, len(out.Candles))
	}
	if !out.Candles[1].Close.Equal(decimal.NewFromInt(65002)) {
		t.Errorf("newest close %s", out.Candles[1].Close)
	}

	var empty CandlesOut
	getJSON(t, srv.URL+"/api/candles?instrument=ETH/USDT", http.StatusOK, &empty)
	if empty.Candles == nil || len(empty.Candles) != 0 {
		t.Errorf("eth candles %v", empty.Candles)
	}

	getJSON(t, srv.URL+"/api/candles", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/candles?instrument=DOGE/USDT", http.StatusNotFound, nil)
}

func TestSnapshotAndTicksEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var snap model.Snapshot
	getJSON(t, srv.URL+"/api/snapshot", http.StatusOK, &snap)
	if snap.Version != 7 || len(snap.RecentCandles["BTC/USDT"]) != 3 {
		t.Errorf("snapshot %+v", snap)
	}

	var ticks LatestTicksOut
	getJSON(t, srv.URL+"/api/ticks/latest", http.StatusOK, &ticks)
	if tk, ok := ticks.Ticks["BTC/USDT"]; !ok || !tk.Price.Equal(decimal.NewFromInt(65002)) {
		t.Errorf("latest ticks %+v", ticks.Ticks)
	}
}

func TestEffectiveRuleEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var out EffectiveRuleOut
	getJSON(t, srv.URL+"/api/rules/effective?instrument=BTC/USDT", http.StatusOK, &out)
	if !out.Active || out.Rule == nil || out.Rule.ID != "r1" || out.Progress != 0.25 {
		t.Errorf("effective %+v", out)
	}

	var none EffectiveRuleOut
	getJSON(t, srv.URL+"/api/rules/effective?instrument=ETH/USDT", http.StatusOK, &none)
	if none.Active || none.Rule != nil {
		t.Errorf("eth effective %+v", none)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/snapshot", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status %d", resp.StatusCode)
	}
}

type frame struct {
	Type string         `json:"type"`
	Seq  uint64         `json:"seq"`
	Data model.Snapshot `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("frame not JSON: %v\n%s", err, raw)
	}
	return f
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	srv, snaps, hub := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first.Type != "snapshot" || first.Data.Version != 7 {
		t.Fatalf("initial frame %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	next := testSnapshot(8)
	snaps.cur.Store(next)
	hub.Broadcast(next)

	got := readFrame(t, conn)
	if got.Data.Version != 8 || got.Seq != 1 {
		t.Fatalf("pushed frame seq %d version %d", got.Seq, got.Data.Version)
	}
	if hub.Latency.Count() != 1 {
		t.Errorf("latency samples %d, want 1", hub.Latency.Count())
	}
}

func TestSlowClientDropsFrames(t *testing.T) {
	snaps := &fakeSnaps{}
	snaps.cur.Store(testSnapshot(1))
	hub := NewHub(snaps, quiet)
	var dropped int
	hub.OnDroppedFrame = func(n int) { dropped += n }

	c := &Client{send: make(chan []byte, sendQueue), hub: hub}
	hub.clients[c] = struct{}{}

	for i := 0; i < sendQueue+3; i++ {
		hub.Broadcast(testSnapshot(uint64(i + 2)))
	}
	if len(c.send) != sendQueue {
		t.Errorf("queued %d, want %d", len(c.send), sendQueue)
	}
	if dropped != 3 {
		t.Errorf("dropped %d, want 3", dropped)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	lt := NewLatencyTracker(100)
	if p50, p95, p99 := lt.Percentiles(); p50 != 0 || p95 != 0 || p99 != 0 {
		t.Fatal("empty tracker should report zeros")
	}
	for i := 1; i <= 150; i++ {
		lt.Record(float64(i))
	}
	if lt.Count() != 100 {
		t.Fatalf("count %d, want 100", lt.Count())
	}
	p50, _, p99 := lt.Percentiles()
	// Samples 51..150 are retained.
	if p50 != 100.5 {
		t.Errorf("p50 %v, want 100.5", p50)
	}
	if p99 < 148 || p99 > 150 {
		t.Errorf("p99 %v", p99)
	}
}

type fakeRules struct {
	saved   []model.InterventionRule
	deleted []string
}

func (f *fakeRules) SaveRule(_ context.Context, rule model.InterventionRule) error {
	f.saved = append(f.saved, rule)
	return nil
}

func (f *fakeRules) DeleteRule(_ context.Context, instrument, id string) error {
	f.deleted = append(f.deleted, instrument+"/"+id)
	return nil
}

func TestRuleAdminEndpoint(t *testing.T) {
	snaps := &fakeSnaps{}
	snaps.cur.Store(testSnapshot(1))
	rules := &fakeRules{}
	reloads := 0
	mux := http.NewServeMux()
	RegisterRoutes(mux, &API{
		Snapshots:   snaps,
		Overrides:   fakeOverrides{},
		Rules:       rules,
		Reload:      func(context.Context) error { reloads++; return nil },
		Instruments: []string{"BTC/USDT"},
		Log:         quiet,
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	post := func(body string) int {
		t.Helper()
		resp, err := http.Post(srv.URL+"/api/rules", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	ok := `{"instrument":"BTC/USDT","window":{"start":"10:00","end":"11:00"},"min_price":"65000","max_price":"66000","trend":"up"}`
	if code := post(ok); code != http.StatusCreated {
		t.Fatalf("valid rule: status %d", code)
	}
	if reloads != 1 {
		t.Errorf("expected a reload after save, got %d", reloads)
	}
	if len(rules.saved) != 1 {
		t.Fatalf("saved %d rules", len(rules.saved))
	}
	got := rules.saved[0]
	if got.ID == "" || !got.Enabled || got.CreatedAt.IsZero() || got.Trend != model.TrendUp {
		t.Errorf("saved rule %+v", got)
	}

	bad := map[string]string{
		"inverted band": `{"instrument":"BTC/USDT","window":{"start":"10:00","end":"11:00"},"min_price":"2","max_price":"1","trend":"up"}`,
		"bad trend":     `{"instrument":"BTC/USDT","window":{"start":"10:00","end":"11:00"},"min_price":"1","max_price":"2","trend":"sideways"}`,
		"unknown field": `{"instrument":"BTC/USDT","colour":"red"}`,
	}
	for name, body := range bad {
		if code := post(body); code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", name, code)
		}
	}
	if code := post(`{"instrument":"DOGE/USDT","window":{"start":"10:00","end":"11:00"},"min_price":"1","max_price":"2","trend":"up"}`); code != http.StatusNotFound {
		t.Errorf("unknown instrument: status %d", code)
	}
	if len(rules.saved) != 1 {
		t.Errorf("rejected rules reached the store: %d saved", len(rules.saved))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/rules?instrument=BTC/USDT&id=r1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || len(rules.deleted) != 1 || rules.deleted[0] != "BTC/USDT/r1" {
		t.Errorf("delete: status %d, deleted %v", resp.StatusCode, rules.deleted)
	}
	if reloads != 2 {
		t.Errorf("expected a reload after delete, got %d", reloads)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/rules?instrument=BTC/USDT", nil)
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("delete without id: status %d", resp.StatusCode)
	}
}

func TestRuleAdminDisabledWithoutWriter(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/rules", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}
