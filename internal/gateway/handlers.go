package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"intervention-engine/internal/model"
)

// OverrideReader resolves the override in effect for an instrument.
type OverrideReader interface {
	EffectiveOverride(instrument string, at time.Time) model.EffectiveOverride
}

// FormingReader exposes the candle currently being built.
type FormingReader interface {
	OpenCandle(instrument string) (model.Candle, bool)
}

// API holds what the REST handlers read from and write to.
type API struct {
	Snapshots   SnapshotReader
	Overrides   OverrideReader
	Forming     FormingReader // optional
	Hub         *Hub          // optional; enables /ws
	Rules       RuleWriter    // optional; enables POST and DELETE /api/rules
	Instruments []string
	Start       time.Time
	Log         *slog.Logger

	// Reload, if set, is run after a rule write.
	Reload func(context.Context) error

	now func() time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers the API routes on mux. Rule writes are only
// served when api.Rules is set.
func RegisterRoutes(mux *http.ServeMux, api *API) {
	if api.Log == nil {
		api.Log = slog.Default()
	}
	if api.now == nil {
		api.now = time.Now
	}
	if api.Start.IsZero() {
		api.Start = api.now()
	}
	known := make(map[string]bool, len(api.Instruments))
	for _, s := range api.Instruments {
		known[s] = true
	}

	if api.Hub != nil {
		mux.HandleFunc("/ws", api.Hub.ServeWS)
	}

	// REST: full snapshot
	mux.HandleFunc("/api/snapshot", api.get(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.Snapshots.GetSnapshot())
	}))

	// REST: retained closed candles for one instrument
	mux.HandleFunc("/api/candles", api.get(func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentParam(w, r, known)
		if !ok {
			return
		}
		snap := api.Snapshots.GetSnapshot()
		candles := snap.Candles(inst)
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < len(candles) {
				candles = candles[len(candles)-l:]
			}
		}
		if candles == nil {
			candles = []model.Candle{}
		}
		out := CandlesOut{Instrument: inst, Version: snap.Version, Candles: candles}
		if api.Forming != nil && r.URL.Query().Get("forming") == "true" {
			if c, ok := api.Forming.OpenCandle(inst); ok {
				out.Forming = &c
			}
		}
		writeJSON(w, http.StatusOK, out)
	}))

	// REST: latest tick per instrument
	mux.HandleFunc("/api/ticks/latest", api.get(func(w http.ResponseWriter, r *http.Request) {
		snap := api.Snapshots.GetSnapshot()
		writeJSON(w, http.StatusOK, LatestTicksOut{Version: snap.Version, TakenAt: snap.TakenAt, Ticks: snap.LatestTicks})
	}))

	// REST: rule administration
	if api.Rules != nil {
		mux.HandleFunc("/api/rules", api.rules(known))
	}

	// REST: override currently in effect for one instrument
	mux.HandleFunc("/api/rules/effective", api.get(func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentParam(w, r, known)
		if !ok {
			return
		}
		now := api.now()
		ov := api.Overrides.EffectiveOverride(inst, now)
		writeJSON(w, http.StatusOK, EffectiveRuleOut{
			Instrument: inst,
			AsOf:       now.UTC(),
			Active:     ov.Active(),
			Rule:       ov.Rule,
			Progress:   ov.Progress,
		})
	}))

	// REST: process stats and push latency
	mux.HandleFunc("/api/stats", api.get(func(w http.ResponseWriter, r *http.Request) {
		m := CollectStats(api.Start, api.now())
		m.SnapshotVersion = api.Snapshots.GetSnapshot().Version
		if api.Hub != nil {
			m.WSClients = api.Hub.ClientCount()
			m.LatencyP50, m.LatencyP95, m.LatencyP99 = api.Hub.Latency.Percentiles()
		}
		writeJSON(w, http.StatusOK, m)
	}))
}

// get wraps a read-only handler with CORS, preflight and method checks.
func (api *API) get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
			return
		case http.MethodGet, http.MethodHead:
		default:
			writeJSON(w, http.StatusMethodNotAllowed, errorOut{Error: "method not allowed"})
			return
		}
		h(w, r)
	}
}

func instrumentParam(w http.ResponseWriter, r *http.Request, known map[string]bool) (string, bool) {
	inst := r.URL.Query().Get("instrument")
	if inst == "" {
		writeJSON(w, http.StatusBadRequest, errorOut{Error: "instrument is required"})
		return "", false
	}
	if len(known) > 0 && !known[inst] {
		writeJSON(w, http.StatusNotFound, errorOut{Error: "unknown instrument " + strconv.Quote(inst)})
		return "", false
	}
	return inst, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
