package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/logic/auction"
	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/middleware"
	"github.com/patrickwarner/adselection/internal/models"
)

// AdSelectionResponse is returned when an auction produced a winner.
type AdSelectionResponse struct {
	AdSelectionID int64  `json:"ad_selection_id"`
	RenderURI     string `json:"render_uri"`
	Debug         any    `json:"debug,omitempty"`
}

// OutcomeSelectionResponse is returned when outcome selection picked a winner.
type OutcomeSelectionResponse struct {
	AdSelectionID int64 `json:"ad_selection_id"`
}

// AdSelectionHandler handles POST /v1/adselection requests.
func (s *Server) AdSelectionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AdSelectionHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/adselection"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "adselection"
	const method = "POST"

	caller, ok := s.admit(w, r, ratelimit.APIAdSelection, endpoint, start)
	if !ok {
		return
	}

	var cfg models.AuctionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		logger.Warn("decode auction config", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid json", start)
		return
	}
	span.SetAttributes(
		attribute.String("caller", caller),
		attribute.String("seller", cfg.Seller),
		attribute.Int("buyers", len(cfg.CustomAudienceBuyers)),
	)

	var auctionTrace *auction.AuctionTrace
	if s.DebugTrace {
		auctionTrace = &auction.AuctionTrace{}
	}

	result, err := s.Runner.RunAdSelectionWithTrace(ctx, caller, cfg, auctionTrace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrInvalidConfig) {
			logger.Warn("invalid auction config", zap.String("caller", caller), zap.Error(err))
			s.fail(w, endpoint, method, http.StatusBadRequest, err.Error(), start)
			return
		}
		logger.Error("ad selection failed", zap.String("caller", caller), zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "ad selection failed", start)
		return
	}

	if !result.HasWinner() {
		if auctionTrace != nil {
			logger.Debug("no winner", zap.Any("trace", auctionTrace))
		}
		if s.Sampler.Sample("no_winner") {
			logger.Info("ad selection without winner", zap.String("caller", caller), zap.Duration("latency", time.Since(start)))
		}
		s.observe(endpoint, method, http.StatusNoContent, start)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	span.SetAttributes(attribute.String("ad_selection_id", strconv.FormatInt(result.AdSelectionID, 10)))
	if s.Sampler.Sample("won") {
		logger.Info("ad selection served",
			zap.String("caller", caller),
			zap.Int64("ad_selection_id", result.AdSelectionID),
			zap.String("buyer", result.Winner.Buyer()),
			zap.Float64("bid", result.Winner.Bid.Value),
			zap.Float64("score", result.Winner.Score),
			zap.Duration("latency", time.Since(start)))
	}
	resp := AdSelectionResponse{AdSelectionID: result.AdSelectionID, RenderURI: result.RenderURI}
	if auctionTrace != nil {
		resp.Debug = map[string]any{"trace": auctionTrace}
	}
	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, resp)
}

// OutcomeSelectionHandler handles POST /v1/adselection/outcomes requests.
func (s *Server) OutcomeSelectionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "OutcomeSelectionHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/adselection/outcomes"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "outcome_selection"
	const method = "POST"

	caller, ok := s.admit(w, r, ratelimit.APIOutcomeSelection, endpoint, start)
	if !ok {
		return
	}

	var cfg models.SelectionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		logger.Warn("decode selection config", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid json", start)
		return
	}

	id, err := s.Selector.SelectFromStored(ctx, caller, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrInvalidConfig) {
			s.fail(w, endpoint, method, http.StatusBadRequest, err.Error(), start)
			return
		}
		logger.Error("outcome selection failed", zap.String("caller", caller), zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "outcome selection failed", start)
		return
	}
	if id == nil {
		s.observe(endpoint, method, http.StatusNoContent, start)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, OutcomeSelectionResponse{AdSelectionID: *id})
}
