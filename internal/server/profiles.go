package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/scoring"
)

// ListProfiles returns every scoring profile.
func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.storage.ListProfiles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if profiles == nil {
		profiles = []*scoring.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// GetProfile returns one scoring profile.
func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.storage.GetProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// SaveProfile validates and upserts a scoring profile.
func (h *Handlers) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var profile scoring.Profile
	if err := decodeBody(r, &profile); err != nil {
		h.writeError(w, err)
		return
	}
	if err := profile.Validate(); err != nil {
		h.writeError(w, apperrors.ValidationError(err.Error()))
		return
	}

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	if err := h.storage.SaveProfile(r.Context(), &profile); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &profile)
}

// DeleteProfile removes a scoring profile.
func (h *Handlers) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.DeleteProfile(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
