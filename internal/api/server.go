package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/analytics"
	"github.com/patrickwarner/adselection/internal/config"
	"github.com/patrickwarner/adselection/internal/logic/auction"
	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

var tracer = otel.Tracer("adselection/api")

// CallerHeader carries the package name of the app calling the API.
const CallerHeader = "X-Caller-Package"

// CustomAudienceUpdateChannel is the Redis channel on which custom audience
// changes are announced so other instances can reload.
const CustomAudienceUpdateChannel = "custom-audience-updates"

// AuctionRunner runs ad selections.
type AuctionRunner interface {
	RunAdSelectionWithTrace(ctx context.Context, caller string, cfg models.AuctionConfig, trace *auction.AuctionTrace) (*models.AuctionResult, error)
}

// OutcomeSelector selects among persisted auction winners.
type OutcomeSelector interface {
	SelectFromStored(ctx context.Context, caller string, cfg models.SelectionConfig) (*int64, error)
}

// InteractionRecorder records interaction events for persisted winners.
type InteractionRecorder interface {
	RecordNonWin(ctx context.Context, adSelectionID int64, caller string, eventType models.EventType, at time.Time) error
}

// AppInstallRegistry stores which buyers may filter on an app being installed.
type AppInstallRegistry interface {
	RegisterAppInstall(ctx context.Context, buyer string, packages []string) error
	UnregisterAppInstall(ctx context.Context, buyer string, packages []string) error
}

// AudienceRepository is the durable custom audience store.
type AudienceRepository interface {
	LoadCustomAudiences(ctx context.Context) ([]models.CustomAudience, error)
	UpsertCustomAudience(ctx context.Context, ca models.CustomAudience) error
	DeleteCustomAudience(ctx context.Context, owner, buyer, name string) error
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger       *zap.Logger
	Runner       AuctionRunner
	Selector     OutcomeSelector
	Interactions InteractionRecorder
	AppInstalls  AppInstallRegistry
	PG           AudienceRepository
	Audiences    *models.InMemoryCustomAudienceStore
	Analytics    analytics.AnalyticsService
	Limiter      *ratelimit.CallerLimiter
	// Redis is used to announce custom audience changes. Optional.
	Redis      *redis.Client
	DebugTrace bool
	// Sampler thins the per-auction info logs. Nil logs every auction.
	Sampler  *observability.AuctionLogSampler
	Metrics  observability.MetricsRegistry
	Config   config.Config
	reloadMu sync.Mutex
}

// Reload replaces the in-memory custom audiences with the ones stored in
// Postgres.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	audiences, err := s.PG.LoadCustomAudiences(ctx)
	if err != nil {
		return fmt.Errorf("load custom audiences: %w", err)
	}
	if err := s.Audiences.SetCustomAudiences(audiences); err != nil {
		return fmt.Errorf("reload custom audiences: %w", err)
	}
	s.Logger.Info("custom audiences reloaded", zap.Int("count", len(audiences)))
	return nil
}

// UpdateMessage announces a change to a custom audience.
type UpdateMessage struct {
	Action string `json:"action"`
	Owner  string `json:"owner"`
	Buyer  string `json:"buyer"`
	Name   string `json:"name"`
}

func (s *Server) notifyUpdate(ctx context.Context, action string, owner, buyer, name string) {
	if s.Redis == nil {
		return
	}
	payload, err := json.Marshal(UpdateMessage{Action: action, Owner: owner, Buyer: buyer, Name: name})
	if err != nil {
		s.Logger.Error("failed to marshal update message", zap.Error(err))
		return
	}
	if err := s.Redis.Publish(ctx, CustomAudienceUpdateChannel, payload).Err(); err != nil {
		s.Logger.Error("failed to publish update message", zap.Error(err))
	}
}

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

// fail writes an error response and records its metrics.
func (s *Server) fail(w http.ResponseWriter, endpoint, method string, status int, msg string, start time.Time) {
	s.observe(endpoint, method, status, start)
	http.Error(w, msg, status)
}

// admit extracts the caller and applies its rate limit. It writes the error
// response itself and returns false when the request must not proceed.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, api ratelimit.API, endpoint string, start time.Time) (string, bool) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		s.fail(w, endpoint, r.Method, http.StatusBadRequest, "missing "+CallerHeader, start)
		return "", false
	}
	if s.Limiter != nil && !s.Limiter.Allow(caller, api) {
		s.fail(w, endpoint, r.Method, http.StatusTooManyRequests, "rate limit exceeded", start)
		return "", false
	}
	return caller, true
}
