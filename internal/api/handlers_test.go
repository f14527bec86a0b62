package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/patrickwarner/adselection/internal/analytics"
	"github.com/patrickwarner/adselection/internal/db"
	"github.com/patrickwarner/adselection/internal/logic/auction"
	"github.com/patrickwarner/adselection/internal/logic/histogram"
	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

const testCaller = "com.example.app"

type stubRunner struct {
	result *models.AuctionResult
	err    error
	caller string
	cfg    models.AuctionConfig
}

func (s *stubRunner) RunAdSelectionWithTrace(ctx context.Context, caller string, cfg models.AuctionConfig, trace *auction.AuctionTrace) (*models.AuctionResult, error) {
	s.caller = caller
	s.cfg = cfg
	trace.AddStepWithDetails("loaded", nil)
	return s.result, s.err
}

type stubSelector struct {
	id  *int64
	err error
}

func (s *stubSelector) SelectFromStored(ctx context.Context, caller string, cfg models.SelectionConfig) (*int64, error) {
	return s.id, s.err
}

type interaction struct {
	id        int64
	caller    string
	eventType models.EventType
	at        time.Time
}

type stubInteractions struct {
	calls []interaction
	err   error
}

func (s *stubInteractions) RecordNonWin(ctx context.Context, id int64, caller string, eventType models.EventType, at time.Time) error {
	s.calls = append(s.calls, interaction{id: id, caller: caller, eventType: eventType, at: at})
	return s.err
}

type stubRepository struct {
	audiences []models.CustomAudience
	upserted  []models.CustomAudience
	deleted   []string
	err       error
}

func (s *stubRepository) LoadCustomAudiences(ctx context.Context) ([]models.CustomAudience, error) {
	return s.audiences, s.err
}

func (s *stubRepository) UpsertCustomAudience(ctx context.Context, ca models.CustomAudience) error {
	if s.err != nil {
		return s.err
	}
	s.upserted = append(s.upserted, ca)
	return nil
}

func (s *stubRepository) DeleteCustomAudience(ctx context.Context, owner, buyer, name string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, owner+"/"+buyer+"/"+name)
	return nil
}

func newTestServer() *Server {
	return &Server{
		Logger:       zap.NewNop(),
		Runner:       &stubRunner{result: &models.AuctionResult{}},
		Selector:     &stubSelector{},
		Interactions: &stubInteractions{},
		PG:           &stubRepository{},
		Audiences:    models.NewInMemoryCustomAudienceStore(),
		Analytics:    analytics.NewMockAnalytics(),
		Metrics:      observability.NewMockMetricsRegistry(),
	}
}

func newRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(CallerHeader, testCaller)
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(rec, req)
	return rec
}

const auctionBody = `{"seller":"seller.example","decision_logic_uri":"https://seller.example/score.lua","custom_audience_buyers":["buyer.example"]}`

func TestAdSelectionHandler_Winner(t *testing.T) {
	srv := newTestServer()
	runner := &stubRunner{result: &models.AuctionResult{
		AdSelectionID: 9007199254740993,
		RenderURI:     "https://buyer.example/ad/1",
		Winner:        &models.ScoringOutcome{Score: 5},
	}}
	srv.Runner = runner

	rec := serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AdSelectionID int64          `json:"ad_selection_id"`
		RenderURI     string         `json:"render_uri"`
		Debug         map[string]any `json:"debug"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(9007199254740993), resp.AdSelectionID)
	assert.Equal(t, "https://buyer.example/ad/1", resp.RenderURI)
	assert.Nil(t, resp.Debug)
	assert.Equal(t, testCaller, runner.caller)
	assert.Equal(t, []string{"buyer.example"}, runner.cfg.CustomAudienceBuyers)
	assert.Equal(t, 1, srv.Metrics.(*observability.MockMetricsRegistry).Count("requests:adselection:200"))
}

func TestAdSelectionHandler_DebugTrace(t *testing.T) {
	srv := newTestServer()
	srv.DebugTrace = true
	srv.Runner = &stubRunner{result: &models.AuctionResult{AdSelectionID: 1, RenderURI: "r", Winner: &models.ScoringOutcome{}}}

	rec := serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"loaded"`)
}

func TestAdSelectionHandler_NoWinner(t *testing.T) {
	srv := newTestServer()
	rec := serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestAdSelectionHandler_SamplesLogsByResult(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := newTestServer()
	srv.Logger = zap.New(core)
	srv.Sampler = observability.NewAuctionLogSamplerWithRates(map[string]float64{"won": 0, "no_winner": 1})

	rec := serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody))
	require.Equal(t, http.StatusNoContent, rec.Code)

	srv.Runner = &stubRunner{result: &models.AuctionResult{AdSelectionID: 1, RenderURI: "r", Winner: &models.ScoringOutcome{Score: 1}}}
	rec = serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, logs.FilterMessage("ad selection without winner").Len())
	assert.Equal(t, 0, logs.FilterMessage("ad selection served").Len())
	stats := srv.Sampler.Stats()
	assert.Equal(t, int64(1), stats["won"].Seen)
	assert.Equal(t, int64(1), stats["no_winner"].Sampled)
}

func TestAdSelectionHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		body   string
		err    error
		want   int
	}{
		{"missing caller", "", auctionBody, nil, http.StatusBadRequest},
		{"invalid json", testCaller, "{", nil, http.StatusBadRequest},
		{"invalid config", testCaller, auctionBody, fmt.Errorf("%w: seller is required", models.ErrInvalidConfig), http.StatusBadRequest},
		{"scoring failure", testCaller, auctionBody, errors.New("scoring failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer()
			srv.Runner = &stubRunner{err: tt.err}
			req := httptest.NewRequest(http.MethodPost, "/v1/adselection", strings.NewReader(tt.body))
			if tt.caller != "" {
				req.Header.Set(CallerHeader, tt.caller)
			}
			rec := serve(srv, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdSelectionHandler_RateLimited(t *testing.T) {
	srv := newTestServer()
	srv.Limiter = ratelimit.NewCallerLimiter(ratelimit.Config{Capacity: 1, RefillRate: 0.001, Enabled: true}, nil)

	assert.Equal(t, http.StatusNoContent, serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, newRequest(http.MethodPost, "/v1/adselection", auctionBody)).Code)

	// other callers and other APIs have their own buckets
	other := httptest.NewRequest(http.MethodPost, "/v1/adselection", strings.NewReader(auctionBody))
	other.Header.Set(CallerHeader, "com.other.app")
	assert.Equal(t, http.StatusNoContent, serve(srv, other).Code)
	assert.Equal(t, http.StatusNoContent, serve(srv, newRequest(http.MethodPost, "/v1/adselection/outcomes", `{"selection_logic_uri":"u"}`)).Code)
}

func TestOutcomeSelectionHandler(t *testing.T) {
	id := int64(42)
	tests := []struct {
		name     string
		selector *stubSelector
		body     string
		want     int
		wantBody string
	}{
		{"selected", &stubSelector{id: &id}, `{"selection_logic_uri":"u","ad_selection_ids":[41,42]}`, http.StatusOK, `{"ad_selection_id":42}`},
		{"none", &stubSelector{}, `{"selection_logic_uri":"u"}`, http.StatusNoContent, ""},
		{"invalid json", &stubSelector{}, `[`, http.StatusBadRequest, ""},
		{"invalid config", &stubSelector{err: models.ErrInvalidConfig}, `{}`, http.StatusBadRequest, ""},
		{"selection failed", &stubSelector{err: errors.New("boom")}, `{"selection_logic_uri":"u"}`, http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer()
			srv.Selector = tt.selector
			rec := serve(srv, newRequest(http.MethodPost, "/v1/adselection/outcomes", tt.body))
			require.Equal(t, tt.want, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestInteractionHandler(t *testing.T) {
	srv := newTestServer()
	recorder := &stubInteractions{}
	srv.Interactions = recorder
	mock := analytics.NewMockAnalytics()
	srv.Analytics = mock

	rec := serve(srv, newRequest(http.MethodPost, "/v1/interactions",
		`{"ad_selection_id":7,"event_type":"click","timestamp":"2026-05-01T10:00:00Z"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, recorder.calls, 1)
	assert.Equal(t, int64(7), recorder.calls[0].id)
	assert.Equal(t, testCaller, recorder.calls[0].caller)
	assert.Equal(t, models.EventClick, recorder.calls[0].eventType)
	assert.True(t, recorder.calls[0].at.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))

	require.Len(t, mock.Interactions, 1)
	assert.Equal(t, analytics.InteractionRecord{AdSelectionID: 7, Caller: testCaller, EventType: models.EventClick}, mock.Interactions[0])
}

func TestInteractionHandler_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"unknown type", `{"ad_selection_id":7,"event_type":"like"}`, nil, http.StatusBadRequest},
		{"missing id", `{"event_type":"click"}`, nil, http.StatusBadRequest},
		{"win rejected", `{"ad_selection_id":7,"event_type":"win"}`, histogram.ErrInvalidEventType, http.StatusBadRequest},
		{"store failure", `{"ad_selection_id":7,"event_type":"view"}`, errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer()
			srv.Interactions = &stubInteractions{err: tt.err}
			rec := serve(srv, newRequest(http.MethodPost, "/v1/interactions", tt.body))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInteractionHandler_AnalyticsFailureIgnored(t *testing.T) {
	srv := newTestServer()
	srv.Analytics = &analytics.MockAnalytics{Err: analytics.ErrUnavailable}
	rec := serve(srv, newRequest(http.MethodPost, "/v1/interactions", `{"ad_selection_id":7,"event_type":"impression"}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func setupTestRedis(t *testing.T) *db.RedisStore {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return db.NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
}

func TestAppInstallHandler(t *testing.T) {
	store := setupTestRedis(t)
	srv := newTestServer()
	srv.AppInstalls = store
	ctx := context.Background()

	rec := serve(srv, newRequest(http.MethodPost, "/v1/appinstall", `{"buyers":["b1.example","b2.example"]}`))
	require.Equal(t, http.StatusNoContent, rec.Code)

	installed, err := store.InstalledApps(ctx, map[string][]string{
		"b1.example": {testCaller},
		"b2.example": {testCaller},
		"b3.example": {testCaller},
	})
	require.NoError(t, err)
	assert.True(t, installed["b1.example"][testCaller])
	assert.True(t, installed["b2.example"][testCaller])
	assert.False(t, installed["b3.example"][testCaller])

	rec = serve(srv, newRequest(http.MethodDelete, "/v1/appinstall", `{"buyers":["b1.example"]}`))
	require.Equal(t, http.StatusNoContent, rec.Code)

	installed, err = store.InstalledApps(ctx, map[string][]string{"b1.example": {testCaller}, "b2.example": {testCaller}})
	require.NoError(t, err)
	assert.False(t, installed["b1.example"][testCaller])
	assert.True(t, installed["b2.example"][testCaller])

	rec = serve(srv, newRequest(http.MethodPost, "/v1/appinstall", `{"buyers":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCustomAudienceHandlers(t *testing.T) {
	store := setupTestRedis(t)
	srv := newTestServer()
	repo := &stubRepository{}
	srv.PG = repo
	srv.Redis = store.Client
	ctx := context.Background()

	sub := store.Client.Subscribe(ctx, CustomAudienceUpdateChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	body := `{"owner":"spoofed","buyer":"buyer.example","name":"shoes","bidding_logic_uri":"https://buyer.example/bid.lua","ads":[{"render_uri":"https://buyer.example/ad/1"}]}`
	rec := serve(srv, newRequest(http.MethodPut, "/v1/customaudiences", body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, repo.upserted, 1)
	assert.Equal(t, testCaller, repo.upserted[0].Owner)
	ca, err := srv.Audiences.GetCustomAudience(testCaller, "buyer.example", "shoes")
	require.NoError(t, err)
	assert.Len(t, ca.Ads, 1)

	select {
	case msg := <-sub.Channel():
		var update UpdateMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &update))
		assert.Equal(t, UpdateMessage{Action: "upsert", Owner: testCaller, Buyer: "buyer.example", Name: "shoes"}, update)
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}

	rec = serve(srv, newRequest(http.MethodDelete, "/v1/customaudiences/buyer.example/shoes", ""))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{testCaller + "/buyer.example/shoes"}, repo.deleted)
	_, err = srv.Audiences.GetCustomAudience(testCaller, "buyer.example", "shoes")
	assert.ErrorIs(t, err, models.ErrNotFound)

	rec = serve(srv, newRequest(http.MethodDelete, "/v1/customaudiences/buyer.example/shoes", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinCustomAudience_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		repo *stubRepository
		want int
	}{
		{"missing name", `{"buyer":"b","bidding_logic_uri":"u"}`, &stubRepository{}, http.StatusBadRequest},
		{"bad window", `{"buyer":"b","name":"n","bidding_logic_uri":"u","activation_time":"2026-05-02T00:00:00Z","expiration_time":"2026-05-01T00:00:00Z"}`, &stubRepository{}, http.StatusBadRequest},
		{"duplicate render uri", `{"buyer":"b","name":"n","bidding_logic_uri":"u","ads":[{"render_uri":"https://b/ad"},{"render_uri":"https://b/ad"}]}`, &stubRepository{}, http.StatusBadRequest},
		{"postgres failure", `{"buyer":"b","name":"n","bidding_logic_uri":"u"}`, &stubRepository{err: errors.New("down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer()
			srv.PG = tt.repo
			rec := serve(srv, newRequest(http.MethodPut, "/v1/customaudiences", tt.body))
			assert.Equal(t, tt.want, rec.Code)
			_, err := srv.Audiences.GetCustomAudience(testCaller, "b", "n")
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestReloadHandler(t *testing.T) {
	srv := newTestServer()
	srv.PG = &stubRepository{audiences: []models.CustomAudience{models.NewTestCustomAudience("buyer.example", "shoes")}}

	rec := httptest.NewRecorder()
	srv.ReloadHandler(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := srv.Audiences.GetCustomAudience("com.example.app", "buyer.example", "shoes")
	assert.NoError(t, err)

	srv.PG = &stubRepository{err: errors.New("down")}
	rec = httptest.NewRecorder()
	srv.ReloadHandler(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer()
	srv.Config.ServiceName = "adselection"
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"adselection"}`, rec.Body.String())
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	srv := newTestServer()
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/v1/adselection", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
