// Package api exposes the rule and case management HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/audit"
	"opsrelay/internal/dispatch"
	"opsrelay/internal/escalate"
	"opsrelay/internal/rules"
	"opsrelay/internal/schema"
)

// Handler provides HTTP handlers for rule and case management.
type Handler struct {
	rules      *rules.Store
	tracker    *escalate.Tracker
	dispatcher *dispatch.Dispatcher
	recorder   *audit.Recorder
}

// NewHandler creates a new management API handler. The recorder may be nil
// when the audit trail is disabled.
func NewHandler(store *rules.Store, tracker *escalate.Tracker, dispatcher *dispatch.Dispatcher, recorder *audit.Recorder) *Handler {
	return &Handler{
		rules:      store,
		tracker:    tracker,
		dispatcher: dispatcher,
		recorder:   recorder,
	}
}

// RegisterRoutes registers management routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("POST /v1/rules", h.HandleCreateRule)
	mux.HandleFunc("POST /v1/rules/test", h.HandleTestRules)
	mux.HandleFunc("POST /v1/rules/{id}/test", h.HandleTestRules)
	mux.HandleFunc("GET /v1/rules/{id}", h.HandleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", h.HandleUpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", h.HandleDeleteRule)
	mux.HandleFunc("POST /v1/rules/{id}/activate", h.HandleActivateRule)
	mux.HandleFunc("POST /v1/rules/{id}/deactivate", h.HandleDeactivateRule)

	mux.HandleFunc("GET /v1/cases", h.HandleListCases)
	mux.HandleFunc("GET /v1/cases/{id}", h.HandleGetCase)
	mux.HandleFunc("POST /v1/cases/{id}/acknowledge", h.HandleAcknowledge)
	mux.HandleFunc("POST /v1/cases/{id}/resolve", h.HandleResolve)
	mux.HandleFunc("GET /v1/cases/{id}/events", h.HandleCaseEvents)
	mux.HandleFunc("GET /v1/cases/{id}/outcomes", h.HandleCaseOutcomes)

	mux.HandleFunc("GET /v1/stats", h.HandleStats)
}

// HandleListRules handles GET /v1/rules requests.
func (h *Handler) HandleListRules(w http.ResponseWriter, _ *http.Request) {
	list := h.rules.List()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"total": len(list),
	})
}

// HandleCreateRule handles POST /v1/rules requests.
func (h *Handler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse rule")
		return
	}

	if err := h.rules.Create(&rule); err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "invalid_rule", verr.Error())
			return
		}
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}

	slog.Info("rule created", "rule_id", rule.ID)
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "rule_id": rule.ID})
}

// HandleGetRule handles GET /v1/rules/{id} requests.
func (h *Handler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// HandleUpdateRule handles PUT /v1/rules/{id} requests.
func (h *Handler) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse rule")
		return
	}
	rule.ID = r.PathValue("id")

	if err := h.rules.Update(&rule); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}

	slog.Info("rule updated", "rule_id", rule.ID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// HandleDeleteRule handles DELETE /v1/rules/{id} requests. In-flight cases
// keep their snapshot of the deleted rule and run to completion.
func (h *Handler) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.rules.Delete(id); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}

	slog.Info("rule deleted", "rule_id", id)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleActivateRule handles POST /v1/rules/{id}/activate requests.
func (h *Handler) HandleActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// HandleDeactivateRule handles POST /v1/rules/{id}/deactivate requests.
func (h *Handler) HandleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := r.PathValue("id")
	if err := h.rules.SetActive(id, active); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}

	status := "deactivated"
	if active {
		status = "activated"
	}
	slog.Info("rule toggled", "rule_id", id, "active", active)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type testRequest struct {
	Alert  schema.Alert `json:"alert"`
	RuleID string       `json:"rule_id,omitempty"`
}

// HandleTestRules handles POST /v1/rules/test requests. It runs the matcher
// against a synthetic alert without opening cases or touching counters.
func (h *Handler) HandleTestRules(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse test request")
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.RuleID = id
	}

	if req.Alert.AlertID == uuid.Nil {
		req.Alert.AlertID = uuid.New()
	}
	if req.Alert.Timestamp.IsZero() {
		req.Alert.Timestamp = time.Now().UTC()
	}

	var candidates []*rules.Rule
	if req.RuleID != "" {
		rule, err := h.rules.Get(req.RuleID)
		if err != nil {
			h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		candidates = []*rules.Rule{rule}
	} else {
		candidates = h.rules.List()
	}

	results := make([]rules.TestResult, 0, len(candidates))
	for _, rule := range candidates {
		results = append(results, rules.TestRule(&req.Alert, rule))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"total":   len(results),
	})
}

// HandleListCases handles GET /v1/cases requests.
func (h *Handler) HandleListCases(w http.ResponseWriter, r *http.Request) {
	state := escalate.CaseState(r.URL.Query().Get("state"))

	cases := h.tracker.List(state)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"total": len(cases),
	})
}

// HandleGetCase handles GET /v1/cases/{id} requests.
func (h *Handler) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	c, err := h.tracker.Get(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "case not found")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

type actionRequest struct {
	User string `json:"user"`
}

// HandleAcknowledge handles POST /v1/cases/{id}/acknowledge requests.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.closeCase(w, r, escalate.StateAcknowledged)
}

// HandleResolve handles POST /v1/cases/{id}/resolve requests.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	h.closeCase(w, r, escalate.StateResolved)
}

func (h *Handler) closeCase(w http.ResponseWriter, r *http.Request, terminal escalate.CaseState) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user field is required")
		return
	}

	var c *escalate.Case
	var changed bool
	if terminal == escalate.StateResolved {
		c, changed, err = h.tracker.Resolve(ctx, id, req.User)
	} else {
		c, changed, err = h.tracker.Acknowledge(ctx, id, req.User)
	}
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  string(c.State),
		"changed": changed,
	})
}

// HandleCaseEvents handles GET /v1/cases/{id}/events requests.
func (h *Handler) HandleCaseEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	if h.recorder == nil {
		h.writeError(w, http.StatusNotFound, "audit_disabled", "audit trail is not enabled")
		return
	}

	events := h.recorder.EventsForCase(id)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// HandleCaseOutcomes handles GET /v1/cases/{id}/outcomes requests.
func (h *Handler) HandleCaseOutcomes(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	outcomes := h.dispatcher.OutcomesForCase(id)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
		"total":    len(outcomes),
	})
}

// HandleStats handles GET /v1/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"cases":    h.tracker.Stats(),
		"rules":    h.rules.Len(),
		"dispatch": h.dispatcher.Stats(),
	}
	if h.recorder != nil {
		stats["events"] = h.recorder.CountByKind()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
