package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/middleware"
	"github.com/patrickwarner/adselection/internal/models"
)

// JoinCustomAudience handles PUT /v1/customaudiences. The caller becomes the
// audience owner.
func (s *Server) JoinCustomAudience(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "customaudiences"
	const method = "PUT"

	caller, ok := s.admit(w, r, ratelimit.APICustomAudience, endpoint, start)
	if !ok {
		return
	}

	var ca models.CustomAudience
	if err := json.NewDecoder(r.Body).Decode(&ca); err != nil {
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid json", start)
		return
	}
	ca.Owner = caller
	if err := ca.Validate(); err != nil {
		logger.Warn("invalid custom audience", zap.String("caller", caller), zap.Error(err))
		s.fail(w, endpoint, method, http.StatusBadRequest, err.Error(), start)
		return
	}

	// First persist to Postgres, then update the in-memory store
	if s.PG != nil {
		if err := s.PG.UpsertCustomAudience(r.Context(), ca); err != nil {
			logger.Error("upsert custom audience to postgres", zap.Error(err))
			s.fail(w, endpoint, method, http.StatusInternalServerError, "failed to persist custom audience", start)
			return
		}
	}
	if err := s.Audiences.UpsertCustomAudience(ca); err != nil {
		logger.Error("upsert custom audience to store", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "internal error", start)
		return
	}

	s.notifyUpdate(r.Context(), "upsert", ca.Owner, ca.Buyer, ca.Name)
	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, ca)
}

// LeaveCustomAudience handles DELETE /v1/customaudiences/{buyer}/{name}.
func (s *Server) LeaveCustomAudience(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "customaudiences"
	const method = "DELETE"

	caller, ok := s.admit(w, r, ratelimit.APICustomAudience, endpoint, start)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	buyer, name := vars["buyer"], vars["name"]

	if s.PG != nil {
		err := s.PG.DeleteCustomAudience(r.Context(), caller, buyer, name)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			logger.Error("delete custom audience from postgres", zap.Error(err))
			s.fail(w, endpoint, method, http.StatusInternalServerError, "failed to delete custom audience", start)
			return
		}
	}
	if err := s.Audiences.DeleteCustomAudience(caller, buyer, name); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.fail(w, endpoint, method, http.StatusNotFound, "custom audience not found", start)
			return
		}
		logger.Error("delete custom audience from store", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "internal error", start)
		return
	}

	s.notifyUpdate(r.Context(), "delete", caller, buyer, name)
	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
