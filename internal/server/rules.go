package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"order-router/internal/common/logging"
	"order-router/internal/routing"
)

// ListRules returns every stored routing rule, priority order.
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.storage.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rules == nil {
		rules = []*routing.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// GetRule returns one rule.
func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	rule, err := h.storage.GetRule(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule stores a rule and reloads the evaluation engine.
func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule routing.Rule
	if err := decodeBody(r, &rule); err != nil {
		h.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	rule.ID = 0
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Status == "" {
		rule.Status = routing.RuleDraft
	}

	if err := h.storage.CreateRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.reloadEngine(r); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

// UpdateRule replaces a rule and reloads the engine.
func (h *Handlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule routing.Rule
	if err := decodeBody(r, &rule); err != nil {
		h.writeError(w, err)
		return
	}

	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	rule.ID = id
	rule.UpdatedAt = time.Now().UTC()

	if err := h.storage.UpdateRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.reloadEngine(r); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

// DeleteRule removes a rule and reloads the engine.
func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := h.storage.DeleteRule(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.reloadEngine(r); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConflictReport lists same-priority active rule pairs. Informational;
// routing decisions are unaffected.
func (h *Handlers) ConflictReport(w http.ResponseWriter, r *http.Request) {
	report := h.engine.ConflictReport()
	if report == nil {
		report = []routing.ConflictPair{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) reloadEngine(r *http.Request) error {
	rules, err := h.storage.ListRules(r.Context())
	if err != nil {
		return err
	}
	if err := h.engine.ReplaceRules(rules); err != nil {
		return err
	}
	h.logger.Info("routing rules reloaded", logging.Int("count", len(rules)))
	return nil
}
