package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/logic/histogram"
	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/middleware"
	"github.com/patrickwarner/adselection/internal/models"
)

// InteractionRequest reports a user interaction with a previously won ad.
type InteractionRequest struct {
	AdSelectionID int64     `json:"ad_selection_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// InteractionHandler handles POST /v1/interactions requests. Impression,
// view and click events are added to the winner's histograms.
func (s *Server) InteractionHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "interaction"
	const method = "POST"

	caller, ok := s.admit(w, r, ratelimit.APIInteraction, endpoint, start)
	if !ok {
		return
	}

	var req InteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid json", start)
		return
	}
	if req.AdSelectionID == 0 {
		s.fail(w, endpoint, method, http.StatusBadRequest, "ad_selection_id required", start)
		return
	}
	eventType, ok := models.ParseEventType(req.EventType)
	if !ok {
		logger.Warn("unknown event type", zap.String("event_type", req.EventType))
		s.fail(w, endpoint, method, http.StatusBadRequest, "unknown event type", start)
		return
	}

	if err := s.Interactions.RecordNonWin(r.Context(), req.AdSelectionID, caller, eventType, req.Timestamp); err != nil {
		if errors.Is(err, histogram.ErrInvalidEventType) {
			s.fail(w, endpoint, method, http.StatusBadRequest, err.Error(), start)
			return
		}
		logger.Error("record interaction", zap.Int64("ad_selection_id", req.AdSelectionID), zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "failed to record interaction", start)
		return
	}

	if s.Analytics != nil {
		if err := s.Analytics.RecordInteraction(r.Context(), req.AdSelectionID, caller, eventType); err != nil {
			logger.Warn("analytics record interaction", zap.Error(err))
		}
	}

	logger.Info("interaction recorded",
		zap.Int64("ad_selection_id", req.AdSelectionID),
		zap.String("caller", caller),
		zap.String("event_type", string(eventType)))
	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
