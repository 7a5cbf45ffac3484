package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"intervention-engine/internal/model"
)

// RuleWriter stores and removes intervention rules. The redis and sqlite
// rule stores implement it.
type RuleWriter interface {
	SaveRule(ctx context.Context, rule model.InterventionRule) error
	DeleteRule(ctx context.Context, instrument, id string) error
}

// maxRuleBody bounds a POST /api/rules body.
const maxRuleBody = 64 << 10

// rules handles POST /api/rules (create or replace) and
// DELETE /api/rules?instrument=&id=. After a write api.Reload, if set, makes
// the change effective at once; otherwise it waits for the next poll.
func (api *API) rules(known map[string]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			api.saveRule(w, r, known)
		case http.MethodDelete:
			api.deleteRule(w, r, known)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, errorOut{Error: "method not allowed"})
		}
	}
}

func (api *API) saveRule(w http.ResponseWriter, r *http.Request, known map[string]bool) {
	rule := model.InterventionRule{Enabled: true}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRuleBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorOut{Error: "invalid rule: " + err.Error()})
		return
	}
	if len(known) > 0 && !known[rule.Instrument] {
		writeJSON(w, http.StatusNotFound, errorOut{Error: "unknown instrument " + strconv.Quote(rule.Instrument)})
		return
	}
	if err := rule.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorOut{Error: err.Error()})
		return
	}
	if rule.ID == "" {
		u, err := uuid.NewV7()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorOut{Error: "generate rule id"})
			return
		}
		rule.ID = u.String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = api.now().UTC().Truncate(time.Millisecond)
	}

	if err := api.Rules.SaveRule(r.Context(), rule); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrInvalidRule) {
			status = http.StatusBadRequest
		}
		api.Log.Warn("save rule failed",
			slog.String("instrument", rule.Instrument),
			slog.String("rule_id", rule.ID),
			slog.String("error", err.Error()))
		writeJSON(w, status, errorOut{Error: err.Error()})
		return
	}
	api.reload(r.Context())
	api.Log.Info("rule saved",
		slog.String("instrument", rule.Instrument),
		slog.String("rule_id", rule.ID),
		slog.String("trend", rule.Trend.String()))
	writeJSON(w, http.StatusCreated, rule)
}

func (api *API) deleteRule(w http.ResponseWriter, r *http.Request, known map[string]bool) {
	inst, ok := instrumentParam(w, r, known)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorOut{Error: "id is required"})
		return
	}
	if err := api.Rules.DeleteRule(r.Context(), inst, id); err != nil {
		api.Log.Warn("delete rule failed",
			slog.String("instrument", inst),
			slog.String("rule_id", id),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorOut{Error: err.Error()})
		return
	}
	api.reload(r.Context())
	api.Log.Info("rule deleted", slog.String("instrument", inst), slog.String("rule_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// reload failures leave the write in place; the next poll picks it up.
func (api *API) reload(ctx context.Context) {
	if api.Reload == nil {
		return
	}
	if err := api.Reload(ctx); err != nil {
		api.Log.Warn("rule reload after write failed", slog.String("error", err.Error()))
	}
}
